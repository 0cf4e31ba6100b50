// Package web provides the thin HTTP adapter over the engine's in-process
// service methods. Authentication happens upstream; the adapter maps the
// verified principal headers into a tenant context and engine errors into
// problem responses.
package web

import (
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"

	"github.com/gridbee/marketflow/pkg/engine"
	"github.com/gridbee/marketflow/pkg/models"
	"github.com/gridbee/marketflow/pkg/templates"
	"github.com/gridbee/marketflow/pkg/tenant"
)

type APIHandlers struct {
	engine    *engine.Engine
	templates *templates.Registry
	validator *validator.Validate
}

func NewAPIHandlers(e *engine.Engine, t *templates.Registry, v *validator.Validate) *APIHandlers {
	return &APIHandlers{engine: e, templates: t, validator: v}
}

// Register mounts the routes on the app.
func (h *APIHandlers) Register(app *fiber.App) {
	app.Get("/health", h.HealthCheck)

	app.Post("/templates", h.PublishTemplate)

	app.Post("/workflows", h.CreateWorkflow)
	app.Get("/workflows", h.ListWorkflows)
	app.Get("/workflows/:id", h.GetWorkflow)
	app.Get("/workflows/:id/events", h.GetWorkflowEvents)
	app.Post("/workflows/:id/steps/:stepId", h.ExecuteStep)
	app.Post("/workflows/:id/bookmarks/:bookmarkId", h.ResumeBookmark)
	app.Post("/workflows/:id/pause", h.PauseWorkflow)
	app.Post("/workflows/:id/resume", h.ResumeWorkflow)
	app.Post("/workflows/:id/validate", h.ValidateWorkflow)
	app.Post("/workflows/:id/submit", h.SubmitWorkflow)
	app.Post("/workflows/:id/approve", h.ApproveWorkflow)
	app.Post("/workflows/:id/reject", h.RejectWorkflow)
	app.Post("/workflows/:id/cancel", h.CancelWorkflow)
	app.Post("/workflows/:id/rollback", h.RollbackWorkflow)

	app.Get("/audit/:tenantId", h.AuditTenant)
}

// tenantContext builds the per-request tenant context from the principal
// headers set by the authenticating gateway.
func (h *APIHandlers) tenantContext(c fiber.Ctx) (tenant.Context, error) {
	actor := models.Actor{
		ID:       c.Get("X-Actor-Id"),
		Email:    c.Get("X-Actor-Email"),
		Role:     models.Role(c.Get("X-Actor-Role")),
		TenantID: c.Get("X-Tenant-Id"),
	}

	return tenant.New(actor)
}

func (h *APIHandlers) CreateWorkflow(c fiber.Ctx) error {
	tc, err := h.tenantContext(c)
	if err != nil {
		return badRequest(c, "invalid actor: "+err.Error())
	}

	var req CreateWorkflowRequest

	err = c.Bind().Body(&req)
	if err != nil {
		return badRequest(c, "invalid request body: "+err.Error())
	}

	err = h.validator.Struct(&req)
	if err != nil {
		return badRequest(c, err.Error())
	}

	workflowID, err := h.engine.Create(c.Context(), tc, req.TenantID, req.MarketRole)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"workflow_id": workflowID})
}

func (h *APIHandlers) ListWorkflows(c fiber.Ctx) error {
	tc, err := h.tenantContext(c)
	if err != nil {
		return badRequest(c, "invalid actor: "+err.Error())
	}

	filter := models.IndexFilter{
		Status:     models.WorkflowStatus(c.Query("status")),
		TemplateID: c.Query("template_id"),
		MarketRole: models.MarketRole(c.Query("market_role")),
	}

	page := models.Page{}

	if limitStr := c.Query("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil {
			return badRequest(c, "invalid limit")
		}

		page.Limit = limit
	}

	if offsetStr := c.Query("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil {
			return badRequest(c, "invalid offset")
		}

		page.Offset = offset
	}

	rows, total, err := h.engine.List(c.Context(), tc, filter, page)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(fiber.Map{
		"workflows":   rows,
		"total_count": total,
		"pagination": fiber.Map{
			"limit":  page.Limit,
			"offset": page.Offset,
		},
	})
}

func (h *APIHandlers) GetWorkflow(c fiber.Ctx) error {
	tc, err := h.tenantContext(c)
	if err != nil {
		return badRequest(c, "invalid actor: "+err.Error())
	}

	instance, err := h.engine.Get(c.Context(), tc, c.Params("id"))
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(instance)
}

func (h *APIHandlers) GetWorkflowEvents(c fiber.Ctx) error {
	tc, err := h.tenantContext(c)
	if err != nil {
		return badRequest(c, "invalid actor: "+err.Error())
	}

	rng := models.EventRange{}

	if fromStr := c.Query("from_seq"); fromStr != "" {
		from, err := strconv.ParseInt(fromStr, 10, 64)
		if err != nil {
			return badRequest(c, "invalid from_seq")
		}

		rng.FromSeq = from
	}

	if toStr := c.Query("to_seq"); toStr != "" {
		to, err := strconv.ParseInt(toStr, 10, 64)
		if err != nil {
			return badRequest(c, "invalid to_seq")
		}

		rng.ToSeq = to
	}

	events, err := h.engine.History(c.Context(), tc, c.Params("id"), rng)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(fiber.Map{"events": events})
}

func (h *APIHandlers) ExecuteStep(c fiber.Ctx) error {
	tc, err := h.tenantContext(c)
	if err != nil {
		return badRequest(c, "invalid actor: "+err.Error())
	}

	var req ExecuteStepRequest

	err = c.Bind().Body(&req)
	if err != nil {
		return badRequest(c, "invalid request body: "+err.Error())
	}

	result, err := h.engine.ExecuteStep(c.Context(), tc, c.Params("id"), c.Params("stepId"), req.Data)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(result)
}

func (h *APIHandlers) ResumeBookmark(c fiber.Ctx) error {
	tc, err := h.tenantContext(c)
	if err != nil {
		return badRequest(c, "invalid actor: "+err.Error())
	}

	var req ResumeBookmarkRequest

	err = c.Bind().Body(&req)
	if err != nil {
		return badRequest(c, "invalid request body: "+err.Error())
	}

	result, err := h.engine.ResumeBookmark(c.Context(), tc, c.Params("id"), c.Params("bookmarkId"), req.Payload)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(result)
}

func (h *APIHandlers) PauseWorkflow(c fiber.Ctx) error {
	return h.lifecycle(c, func(tc tenant.Context) error {
		return h.engine.Pause(c.Context(), tc, c.Params("id"))
	})
}

func (h *APIHandlers) ResumeWorkflow(c fiber.Ctx) error {
	return h.lifecycle(c, func(tc tenant.Context) error {
		return h.engine.Resume(c.Context(), tc, c.Params("id"))
	})
}

func (h *APIHandlers) SubmitWorkflow(c fiber.Ctx) error {
	return h.lifecycle(c, func(tc tenant.Context) error {
		return h.engine.Submit(c.Context(), tc, c.Params("id"))
	})
}

func (h *APIHandlers) ValidateWorkflow(c fiber.Ctx) error {
	tc, err := h.tenantContext(c)
	if err != nil {
		return badRequest(c, "invalid actor: "+err.Error())
	}

	result, err := h.engine.Validate(c.Context(), tc, c.Params("id"))
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(result)
}

func (h *APIHandlers) ApproveWorkflow(c fiber.Ctx) error {
	var req DecisionRequest

	err := c.Bind().Body(&req)
	if err != nil {
		return badRequest(c, "invalid request body: "+err.Error())
	}

	return h.lifecycle(c, func(tc tenant.Context) error {
		return h.engine.Approve(c.Context(), tc, c.Params("id"), req.Comments)
	})
}

func (h *APIHandlers) RejectWorkflow(c fiber.Ctx) error {
	var req DecisionRequest

	err := c.Bind().Body(&req)
	if err != nil {
		return badRequest(c, "invalid request body: "+err.Error())
	}

	return h.lifecycle(c, func(tc tenant.Context) error {
		return h.engine.Reject(c.Context(), tc, c.Params("id"), req.Comments, req.ReturnTo)
	})
}

func (h *APIHandlers) CancelWorkflow(c fiber.Ctx) error {
	var req CancelRequest

	err := c.Bind().Body(&req)
	if err != nil {
		return badRequest(c, "invalid request body: "+err.Error())
	}

	err = h.validator.Struct(&req)
	if err != nil {
		return badRequest(c, err.Error())
	}

	return h.lifecycle(c, func(tc tenant.Context) error {
		return h.engine.Cancel(c.Context(), tc, c.Params("id"), req.Reason)
	})
}

func (h *APIHandlers) RollbackWorkflow(c fiber.Ctx) error {
	var req RollbackRequest

	err := c.Bind().Body(&req)
	if err != nil {
		return badRequest(c, "invalid request body: "+err.Error())
	}

	return h.lifecycle(c, func(tc tenant.Context) error {
		return h.engine.Rollback(c.Context(), tc, c.Params("id"), req.ToStepID)
	})
}

func (h *APIHandlers) PublishTemplate(c fiber.Ctx) error {
	tc, err := h.tenantContext(c)
	if err != nil {
		return badRequest(c, "invalid actor: "+err.Error())
	}

	if !tc.CrossTenant() {
		return handleEngineError(c, &engine.Error{
			Kind:    engine.KindPermissionDenied,
			Message: "template publication requires market_ops",
		})
	}

	var template models.WorkflowTemplate

	err = c.Bind().Body(&template)
	if err != nil {
		return badRequest(c, "invalid request body: "+err.Error())
	}

	err = h.templates.Publish(c.Context(), &template)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(template)
}

func (h *APIHandlers) AuditTenant(c fiber.Ctx) error {
	tc, err := h.tenantContext(c)
	if err != nil {
		return badRequest(c, "invalid actor: "+err.Error())
	}

	from := time.Time{}
	to := time.Now().UTC()

	if fromStr := c.Query("from"); fromStr != "" {
		from, err = time.Parse(time.RFC3339, fromStr)
		if err != nil {
			return badRequest(c, "invalid from timestamp")
		}
	}

	if toStr := c.Query("to"); toStr != "" {
		to, err = time.Parse(time.RFC3339, toStr)
		if err != nil {
			return badRequest(c, "invalid to timestamp")
		}
	}

	limit := 100

	if limitStr := c.Query("limit"); limitStr != "" {
		limit, err = strconv.Atoi(limitStr)
		if err != nil {
			return badRequest(c, "invalid limit")
		}
	}

	events, err := h.engine.Audit(c.Context(), tc, c.Params("tenantId"), from, to, limit)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(fiber.Map{"events": events})
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "healthy", "service": "marketflow"})
}

func (h *APIHandlers) lifecycle(c fiber.Ctx, op func(tc tenant.Context) error) error {
	tc, err := h.tenantContext(c)
	if err != nil {
		return badRequest(c, "invalid actor: "+err.Error())
	}

	err = op(tc)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(fiber.Map{"status": "ok"})
}

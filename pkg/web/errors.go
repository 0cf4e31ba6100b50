package web

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"

	"github.com/gridbee/marketflow/pkg/engine"
)

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(400).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func internalError(c fiber.Ctx, err error) error {
	problem := problems.NewStatusProblem(500).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(problem)
}

// handleEngineError maps the engine's stable error kinds to user-facing
// problem responses. TenantAccessDenied is reported as not_found so listing a
// foreign workflow id never discloses its existence.
func handleEngineError(c fiber.Ctx, err error) error {
	var engineErr *engine.Error
	if !errors.As(err, &engineErr) {
		return internalError(c, err)
	}

	switch engineErr.Kind {
	case engine.KindValidation:
		problem := problems.NewStatusProblem(400).
			WithInstance(c.Path()).
			WithType("validation_error").
			WithDetail(engineErr.Message)

		return c.Status(fiber.StatusBadRequest).JSON(struct {
			*problems.Problem
			Fields any `json:"fields,omitempty"`
		}{problem, engineErr.Fields})

	case engine.KindInvalidTransition:
		problem := problems.NewStatusProblem(409).
			WithInstance(c.Path()).
			WithType("invalid_transition").
			WithDetail(engineErr.Message)

		return c.Status(fiber.StatusConflict).JSON(problem)

	case engine.KindNotFound, engine.KindTenantAccessDenied:
		problem := problems.NewStatusProblem(404).
			WithInstance(c.Path()).
			WithType("not_found").
			WithDetail("workflow not found")

		return c.Status(fiber.StatusNotFound).JSON(problem)

	case engine.KindPermissionDenied:
		problem := problems.NewStatusProblem(403).
			WithInstance(c.Path()).
			WithType("permission_denied").
			WithDetail(engineErr.Message)

		return c.Status(fiber.StatusForbidden).JSON(problem)

	case engine.KindConflict:
		problem := problems.NewStatusProblem(409).
			WithInstance(c.Path()).
			WithType("conflict").
			WithDetail(engineErr.Message)

		return c.Status(fiber.StatusConflict).JSON(problem)

	case engine.KindBookmarkConsumed, engine.KindBookmarkExpired:
		problem := problems.NewStatusProblem(410).
			WithInstance(c.Path()).
			WithType("bookmark_gone").
			WithDetail(engineErr.Message)

		return c.Status(fiber.StatusGone).JSON(problem)

	case engine.KindExternalFailure, engine.KindTimeout:
		problem := problems.NewStatusProblem(502).
			WithInstance(c.Path()).
			WithType("step_failed").
			WithDetail(engineErr.Message)

		return c.Status(fiber.StatusBadGateway).JSON(problem)

	default:
		return internalError(c, err)
	}
}

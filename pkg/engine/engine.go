// Package engine orchestrates the workflow core: durable state transitions
// over the event log, step handler dispatch, saga rollback, and tenant-scoped
// access to every store.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/gridbee/marketflow/pkg/bookmarks"
	"github.com/gridbee/marketflow/pkg/config"
	"github.com/gridbee/marketflow/pkg/eventlog"
	"github.com/gridbee/marketflow/pkg/handlers"
	"github.com/gridbee/marketflow/pkg/locks"
	"github.com/gridbee/marketflow/pkg/models"
	"github.com/gridbee/marketflow/pkg/persistence"
	"github.com/gridbee/marketflow/pkg/projection"
	"github.com/gridbee/marketflow/pkg/saga"
	"github.com/gridbee/marketflow/pkg/statemachine"
	"github.com/gridbee/marketflow/pkg/templates"
	"github.com/gridbee/marketflow/pkg/tenant"
)

// Engine exposes the workflow operations. All state-mutating operations on a
// workflow are serialized by its per-workflow lock; handler I/O for
// asynchronous step types runs outside the lock.
type Engine struct {
	persistence persistence.Persistence
	store       *eventlog.Store
	templates   *templates.Registry
	registry    *handlers.Registry
	bookmarks   *bookmarks.Manager
	saga        *saga.Coordinator
	projector   *projection.Projector
	locker      locks.Locker
	validate    *validator.Validate
	tracer      trace.Tracer
	logger      *slog.Logger
	cfg         config.Config
}

// New wires the engine from its collaborators. tracer may be nil.
func New(
	p persistence.Persistence,
	store *eventlog.Store,
	templateRegistry *templates.Registry,
	handlerRegistry *handlers.Registry,
	bookmarkManager *bookmarks.Manager,
	sagaCoordinator *saga.Coordinator,
	projector *projection.Projector,
	locker locks.Locker,
	validate *validator.Validate,
	tracer trace.Tracer,
	logger *slog.Logger,
	cfg config.Config,
) *Engine {
	return &Engine{
		persistence: p,
		store:       store,
		templates:   templateRegistry,
		registry:    handlerRegistry,
		bookmarks:   bookmarkManager,
		saga:        sagaCoordinator,
		projector:   projector,
		locker:      locker,
		validate:    validate,
		tracer:      tracer,
		logger:      logger.With("module", "engine"),
		cfg:         cfg,
	}
}

// ExecuteResult is the answer of execute_step and resume_bookmark.
type ExecuteResult struct {
	Status     models.WorkflowStatus `json:"status"`
	NextStepID string                `json:"next_step_id,omitempty"`
	Outcome    string                `json:"outcome,omitempty"`
	Output     map[string]any        `json:"output,omitempty"`
	BookmarkID string                `json:"bookmark_id,omitempty"`
}

// ValidateResult aggregates validation over every required step.
type ValidateResult struct {
	Valid  bool                `json:"valid"`
	Errors []models.FieldError `json:"errors,omitempty"`
}

// Create starts a new workflow instance for a tenant under the active
// template of a market role.
func (e *Engine) Create(ctx context.Context, tc tenant.Context, tenantID string, role models.MarketRole) (string, error) {
	ctx, span := e.startSpan(ctx, "engine.create",
		attrTenantID.String(tenantID),
		attrMarketRole.String(string(role)))
	defer span.End()

	err := tc.Authorize(tenantID, true)
	if err != nil {
		return "", e.fail(span, wrap("", "", err))
	}

	owner, err := e.persistence.Tenants().GetByID(ctx, tenantID)
	if err != nil {
		return "", e.fail(span, wrap("", "", err))
	}

	if !owner.IsActive() {
		return "", e.fail(span, &Error{
			Kind:    KindValidation,
			Message: fmt.Sprintf("tenant %s is not active (status %s)", tenantID, owner.Status),
		})
	}

	template, err := e.templates.ActiveForRole(ctx, role)
	if err != nil {
		return "", e.fail(span, wrap("", "", err))
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", e.fail(span, wrap("", "", err))
	}

	workflowID := id.String()

	created := &models.WorkflowEvent{
		WorkflowID:  workflowID,
		TenantID:    tenantID,
		Type:        models.EventWorkflowCreated,
		PerformedBy: tc.Actor.ID,
		Payload: map[string]any{
			"template_id":      template.ID,
			"template_version": template.Version,
			"market_role":      string(role),
		},
	}

	err = e.store.Append(ctx, created)
	if err != nil {
		return "", e.fail(span, wrap(workflowID, "", err))
	}

	// Event append is the commit point; the projections below are
	// rebuildable, and the recovery sweep reprojects on partial failure.
	instance := statemachine.Initial(workflowID)

	err = statemachine.Apply(instance, created)
	if err != nil {
		return "", e.fail(span, wrap(workflowID, "", err))
	}

	err = e.projector.InsertNew(ctx, instance)
	if err != nil {
		e.logger.ErrorContext(ctx, "projection insert failed after commit, recovery will reproject",
			"workflow_id", workflowID, "error", err)
	}

	e.logger.InfoContext(ctx, "workflow created",
		"workflow_id", workflowID, "tenant_id", tenantID, "market_role", string(role))

	return workflowID, nil
}

// Get returns the full state document of a workflow visible to the context.
func (e *Engine) Get(ctx context.Context, tc tenant.Context, workflowID string) (*models.WorkflowInstance, error) {
	instance, err := e.persistence.States().Get(ctx, tc, workflowID)
	if err != nil {
		return nil, wrap(workflowID, "", err)
	}

	return instance, nil
}

// List returns the tenant-scoped index rows matching the filter.
func (e *Engine) List(ctx context.Context, tc tenant.Context, filter models.IndexFilter, page models.Page) ([]*models.IndexRow, int, error) {
	rows, err := e.persistence.Index().Query(ctx, tc, filter, page)
	if err != nil {
		return nil, 0, wrap("", "", err)
	}

	count, err := e.persistence.Index().Count(ctx, tc, filter)
	if err != nil {
		return nil, 0, wrap("", "", err)
	}

	return rows, count, nil
}

// History returns a workflow's event log, narrowed by the range.
func (e *Engine) History(ctx context.Context, tc tenant.Context, workflowID string, rng models.EventRange) ([]*models.WorkflowEvent, error) {
	// Visibility check rides on the state store's tenant scoping.
	_, err := e.persistence.States().Get(ctx, tc, workflowID)
	if err != nil {
		return nil, wrap(workflowID, "", err)
	}

	events, err := e.store.Events(ctx, workflowID, rng)
	if err != nil {
		return nil, wrap(workflowID, "", err)
	}

	return events, nil
}

// Audit returns a tenant's events in a time range. Tenant-bound actors may
// only audit their own tenant.
func (e *Engine) Audit(ctx context.Context, tc tenant.Context, tenantID string, from, to time.Time, limit int) ([]*models.WorkflowEvent, error) {
	if !tc.CanSee(tenantID) {
		return nil, wrap("", "", tenant.ErrAccessDenied)
	}

	events, err := e.store.EventsByTenant(ctx, tenantID, from, to, limit)
	if err != nil {
		return nil, wrap("", "", err)
	}

	return events, nil
}

// locked runs op while holding the workflow's lock.
func (e *Engine) locked(ctx context.Context, workflowID string, op func(ctx context.Context) error) error {
	release, err := e.locker.Acquire(ctx, workflowID, e.cfg.LockWaitTimeout)
	if err != nil {
		return wrap(workflowID, "", err)
	}

	defer release()

	return op(ctx)
}

// load fetches the instance and its pinned template version.
func (e *Engine) load(ctx context.Context, tc tenant.Context, workflowID string) (*models.WorkflowInstance, *models.WorkflowTemplate, error) {
	instance, err := e.persistence.States().Get(ctx, tc, workflowID)
	if err != nil {
		return nil, nil, wrap(workflowID, "", err)
	}

	template, err := e.templates.Version(ctx, instance.MarketRole, instance.TemplateVersion)
	if err != nil {
		return nil, nil, wrap(workflowID, "", err)
	}

	return instance, template, nil
}

// project applies appended events onto the instance and persists both views.
// A projection failure after the commit point is logged, not surfaced: the
// recovery sweep reprojects from the log.
func (e *Engine) project(ctx context.Context, instance *models.WorkflowInstance, events []*models.WorkflowEvent) {
	err := e.projector.ApplyEvents(ctx, instance, events)
	if err != nil {
		e.logger.ErrorContext(ctx, "projection failed after commit, recovery will reproject",
			"workflow_id", instance.ID, "error", err)
	}
}


package engine

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridbee/marketflow/pkg/bookmarks"
	"github.com/gridbee/marketflow/pkg/config"
	"github.com/gridbee/marketflow/pkg/eventlog"
	"github.com/gridbee/marketflow/pkg/handlers"
	"github.com/gridbee/marketflow/pkg/handlers/apicall"
	"github.com/gridbee/marketflow/pkg/handlers/approval"
	"github.com/gridbee/marketflow/pkg/handlers/decision"
	"github.com/gridbee/marketflow/pkg/handlers/form"
	"github.com/gridbee/marketflow/pkg/handlers/manual"
	notificationhandler "github.com/gridbee/marketflow/pkg/handlers/notification"
	validationhandler "github.com/gridbee/marketflow/pkg/handlers/validation"
	"github.com/gridbee/marketflow/pkg/locks"
	"github.com/gridbee/marketflow/pkg/models"
	"github.com/gridbee/marketflow/pkg/notifier"
	"github.com/gridbee/marketflow/pkg/persistence/document"
	"github.com/gridbee/marketflow/pkg/projection"
	"github.com/gridbee/marketflow/pkg/saga"
	"github.com/gridbee/marketflow/pkg/templates"
	"github.com/gridbee/marketflow/pkg/tenant"
)

type fakeTransport struct {
	mu    sync.Mutex
	sends int
}

func (f *fakeTransport) Send(_ context.Context, _ string, _ []string, _ map[string]any) (notifier.Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.sends++

	return notifier.Delivery{Delivered: true, MessageID: "msg-1"}, nil
}

type fixture struct {
	engine    *Engine
	store     *eventlog.Store
	p         *document.Persistence
	registry  *handlers.Registry
	templates *templates.Registry
	transport *fakeTransport
	cfg       config.Config
}

func newFixture(t *testing.T, mutateCfg func(*config.Config)) *fixture {
	t.Helper()

	cfg := config.Defaults()
	cfg.HandlerRetry = config.Retry{MaxAttempts: 2, BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
	cfg.LockWaitTimeout = 2 * time.Second

	if mutateCfg != nil {
		mutateCfg(&cfg)
	}

	logger := slog.Default()
	validate := validator.New()
	p := document.NewPersistence(t.TempDir())
	locker := locks.NewMutexLocker()

	store := eventlog.NewStore(p.Events(), p.Snapshots(), locker, nil, logger,
		cfg.LockWaitTimeout, cfg.EventReplaySnapshotInterval)

	transport := &fakeTransport{}

	registry := handlers.NewRegistry(logger)
	registry.Register(models.StepTypeForm, form.NewHandler())
	registry.Register(models.StepTypeApproval, approval.NewHandler())
	registry.Register(models.StepTypeAPICall, apicall.NewHandler(cfg.HandlerRetry))
	registry.Register(models.StepTypeNotification, notificationhandler.NewHandler(transport))
	registry.Register(models.StepTypeValidation, validationhandler.NewHandler())
	registry.Register(models.StepTypeDecision, decision.NewHandler())
	registry.Register(models.StepTypeManual, manual.NewHandler())

	templateRegistry := templates.NewRegistry(p.Templates(), nil, validate, logger)
	bookmarkManager := bookmarks.NewManager(p.Bookmarks(), logger, cfg.BookmarkDefaultExpiry)
	sagaCoordinator := saga.NewCoordinator(store, registry, cfg.HandlerRetry, logger)
	projector := projection.NewProjector(store, p.States(), p.Index(), logger)

	eng := New(p, store, templateRegistry, registry, bookmarkManager,
		sagaCoordinator, projector, locker, validate, nil, logger, cfg)

	return &fixture{
		engine:    eng,
		store:     store,
		p:         p,
		registry:  registry,
		templates: templateRegistry,
		transport: transport,
		cfg:       cfg,
	}
}

func (f *fixture) seedTenant(t *testing.T, id string) {
	t.Helper()

	err := f.p.Tenants().Save(t.Context(), &models.Tenant{
		ID: id, Name: "Tenant " + id, Status: models.TenantStatusActive,
	})
	require.NoError(t, err)
}

func brpTemplate(provisionURL string) *models.WorkflowTemplate {
	return &models.WorkflowTemplate{
		Name:       "BRP-onboarding",
		MarketRole: models.MarketRoleBRP,
		Version:    1,
		Steps: []models.StepDefinition{
			{ID: "company_info", Name: "Company info", Type: models.StepTypeForm, Required: true, Order: 1,
				Configuration: map[string]any{
					"schema": map[string]any{
						"type":     "object",
						"required": []any{"companyName", "vatNumber"},
						"properties": map[string]any{
							"companyName": map[string]any{"type": "string"},
							"vatNumber":   map[string]any{"type": "string", "pattern": "^BE[0-9]{10}$"},
						},
					},
				}},
			{ID: "portfolio", Name: "Portfolio", Type: models.StepTypeForm, Required: true, Order: 2},
			{ID: "compliance", Name: "Compliance review", Type: models.StepTypeApproval, Required: true, Order: 3,
				Configuration: map[string]any{
					"title":     "Compliance review",
					"approvers": []any{"compliance@ops"},
				}},
			{ID: "provision", Name: "Provision access", Type: models.StepTypeAPICall, Required: true, Order: 4,
				Configuration: map[string]any{"url": provisionURL, "method": "POST"}},
			{ID: "notify", Name: "Notify participant", Type: models.StepTypeNotification, Order: 5,
				Configuration: map[string]any{"template_id": "onboarded", "recipients": []any{"ops@engie.be"}}},
		},
		Transitions: map[string][]string{
			"company_info": {"portfolio"},
			"portfolio":    {"compliance"},
			"compliance":   {"provision"},
			"provision":    {"notify"},
			"notify":       {},
		},
	}
}

func marketOps() tenant.Context {
	return tenant.Context{Actor: models.Actor{ID: "ops-1", Role: models.RoleMarketOps}}
}

func countEvents(t *testing.T, f *fixture, workflowID string) map[models.EventType]int {
	t.Helper()

	events, err := f.store.Events(t.Context(), workflowID, models.EventRange{})
	require.NoError(t, err)

	counts := make(map[models.EventType]int)

	for _, event := range events {
		counts[event.Type]++
	}

	return counts
}

func TestScenario_BRPHappyPath(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"provisioned":true}`))
	}))
	defer server.Close()

	f := newFixture(t, nil)
	f.seedTenant(t, "t1")

	require.NoError(t, f.templates.Publish(t.Context(), brpTemplate(server.URL)))

	ops := marketOps()

	workflowID, err := f.engine.Create(t.Context(), ops, "t1", models.MarketRoleBRP)
	require.NoError(t, err)

	_, err = f.engine.ExecuteStep(t.Context(), ops, workflowID, "company_info", map[string]any{
		"companyName": "Engie", "vatNumber": "BE0403170701",
	})
	require.NoError(t, err)

	_, err = f.engine.ExecuteStep(t.Context(), ops, workflowID, "portfolio", map[string]any{
		"accessPoints": []any{"EAN-1"},
	})
	require.NoError(t, err)

	suspended, err := f.engine.ExecuteStep(t.Context(), ops, workflowID, "compliance", nil)
	require.NoError(t, err)
	require.NotEmpty(t, suspended.BookmarkID)

	// The workflow stays in_progress while the step awaits approval.
	instance, err := f.engine.Get(t.Context(), ops, workflowID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusInProgress, instance.Status)
	assert.Equal(t, models.StepStatusPaused, instance.StepStates["compliance"].Status)

	resumed, err := f.engine.ResumeBookmark(t.Context(), ops, workflowID, suspended.BookmarkID,
		map[string]any{"approved": true})
	require.NoError(t, err)
	assert.Equal(t, "approved", resumed.Outcome)

	provisioned, err := f.engine.ExecuteStep(t.Context(), ops, workflowID, "provision", nil)
	require.NoError(t, err)
	assert.Equal(t, "default", provisioned.Outcome)

	_, err = f.engine.ExecuteStep(t.Context(), ops, workflowID, "notify", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, f.transport.sends)

	require.NoError(t, f.engine.Submit(t.Context(), ops, workflowID))
	require.NoError(t, f.engine.Approve(t.Context(), ops, workflowID, "looks good"))

	instance, err = f.engine.Get(t.Context(), ops, workflowID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusCompleted, instance.Status)

	counts := countEvents(t, f, workflowID)
	assert.Equal(t, 1, counts[models.EventWorkflowCreated])
	assert.Equal(t, 5, counts[models.EventStepCompleted])
	assert.Equal(t, 1, counts[models.EventApprovalGranted])
	assert.Equal(t, 1, counts[models.EventAPICallCompleted])
	assert.Equal(t, 1, counts[models.EventNotificationSent])
	assert.Equal(t, 1, counts[models.EventWorkflowSubmitted])
	assert.Equal(t, 1, counts[models.EventWorkflowCompleted])

	// The projected state equals a fresh replay of the full log.
	replayed, err := f.store.Replay(t.Context(), workflowID, 0)
	require.NoError(t, err)
	assert.Equal(t, replayed.Status, instance.Status)
	assert.Equal(t, replayed.CurrentStepID, instance.CurrentStepID)
	assert.Equal(t, replayed.LastSequenceNo, instance.LastSequenceNo)
}

func TestScenario_RollbackAfterPartialProgress(t *testing.T) {
	f := newFixture(t, nil)
	f.seedTenant(t, "t1")

	require.NoError(t, f.templates.Publish(t.Context(), brpTemplate("http://unused.invalid")))

	ops := marketOps()

	workflowID, err := f.engine.Create(t.Context(), ops, "t1", models.MarketRoleBRP)
	require.NoError(t, err)

	_, err = f.engine.ExecuteStep(t.Context(), ops, workflowID, "company_info", map[string]any{
		"companyName": "Engie", "vatNumber": "BE0403170701",
	})
	require.NoError(t, err)

	_, err = f.engine.ExecuteStep(t.Context(), ops, workflowID, "portfolio", map[string]any{
		"accessPoints": []any{"EAN-1"},
	})
	require.NoError(t, err)

	require.NoError(t, f.engine.Rollback(t.Context(), ops, workflowID, "company_info"))

	instance, err := f.engine.Get(t.Context(), ops, workflowID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusInProgress, instance.Status)
	assert.Equal(t, "company_info", instance.CurrentStepID)
	assert.Equal(t, models.StepStatusPending, instance.StepStates["portfolio"].Status)
	assert.Nil(t, instance.StepStates["portfolio"].Data)

	counts := countEvents(t, f, workflowID)
	assert.Equal(t, 1, counts[models.EventStepCompensated])
	assert.Equal(t, 1, counts[models.EventWorkflowRolledBack])

	// Re-execution with new data is permitted and only the new data is
	// reachable from current state.
	_, err = f.engine.ExecuteStep(t.Context(), ops, workflowID, "portfolio", map[string]any{
		"accessPoints": []any{"EAN-2"},
	})
	require.NoError(t, err)

	instance, err = f.engine.Get(t.Context(), ops, workflowID)
	require.NoError(t, err)
	assert.Equal(t, []any{"EAN-2"}, instance.StepStates["portfolio"].Data["accessPoints"])

	// The original data remains in the event history.
	events, err := f.store.Events(t.Context(), workflowID, models.EventRange{})
	require.NoError(t, err)

	var sawOriginal bool

	for _, event := range events {
		if event.Type != models.EventStepCompleted || event.StepID != "portfolio" {
			continue
		}

		data, _ := event.Payload["data"].(map[string]any)
		if points, ok := data["accessPoints"].([]any); ok && len(points) == 1 && points[0] == "EAN-1" {
			sawOriginal = true
		}
	}

	assert.True(t, sawOriginal, "original portfolio data must remain in history")
}

func TestScenario_TenantIsolation(t *testing.T) {
	f := newFixture(t, nil)
	f.seedTenant(t, "t1")
	f.seedTenant(t, "t2")

	require.NoError(t, f.templates.Publish(t.Context(), brpTemplate("http://unused.invalid")))

	ops := marketOps()

	wf1, err := f.engine.Create(t.Context(), ops, "t1", models.MarketRoleBRP)
	require.NoError(t, err)

	wf2, err := f.engine.Create(t.Context(), ops, "t2", models.MarketRoleBRP)
	require.NoError(t, err)

	admin := tenant.Context{Actor: models.Actor{ID: "adm-1", Role: models.RoleTenantAdmin, TenantID: "t1"}}

	rows, total, err := f.engine.List(t.Context(), admin, models.IndexFilter{}, models.Page{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, rows, 1)
	assert.Equal(t, wf1, rows[0].ID)

	// Fetching the foreign workflow reads as NotFound, not PermissionDenied.
	_, err = f.engine.Get(t.Context(), admin, wf2)
	require.Error(t, err)
	assert.Equal(t, KindNotFound, KindOf(err))

	opsRows, opsTotal, err := f.engine.List(t.Context(), ops, models.IndexFilter{}, models.Page{})
	require.NoError(t, err)
	assert.Equal(t, 2, opsTotal)
	assert.Len(t, opsRows, 2)
}

func TestScenario_CrashRecoveryReissuesOpenStep(t *testing.T) {
	var mu sync.Mutex

	idempotencyKeys := make([]string, 0)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		idempotencyKeys = append(idempotencyKeys, r.Header.Get("Idempotency-Key"))
		mu.Unlock()

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"provisioned":true}`))
	}))
	defer server.Close()

	f := newFixture(t, nil)
	f.seedTenant(t, "t1")

	template := &models.WorkflowTemplate{
		Name:       "BRP-provision-only",
		MarketRole: models.MarketRoleBRP,
		Version:    1,
		Steps: []models.StepDefinition{
			{ID: "provision", Name: "Provision", Type: models.StepTypeAPICall, Required: true, Order: 1,
				Configuration: map[string]any{"url": server.URL, "method": "POST"}},
		},
		Transitions: map[string][]string{"provision": {}},
	}
	require.NoError(t, f.templates.Publish(t.Context(), template))

	ops := marketOps()

	workflowID, err := f.engine.Create(t.Context(), ops, "t1", models.MarketRoleBRP)
	require.NoError(t, err)

	// Simulate a crash after STEP_STARTED was appended but before the
	// handler finished: the log has the open step, the projection follows.
	require.NoError(t, f.store.AppendMany(t.Context(), []*models.WorkflowEvent{
		{WorkflowID: workflowID, TenantID: "t1", Type: models.EventWorkflowStarted, PerformedBy: "ops-1"},
		{WorkflowID: workflowID, TenantID: "t1", Type: models.EventStepStarted, StepID: "provision", PerformedBy: "ops-1"},
		{WorkflowID: workflowID, TenantID: "t1", Type: models.EventAPICallStarted, StepID: "provision", PerformedBy: "ops-1",
			Payload: map[string]any{"idempotency_key": workflowID + ":provision"}},
	}))

	projector := projection.NewProjector(f.store, f.p.States(), f.p.Index(), slog.Default())
	require.NoError(t, projector.Rebuild(t.Context(), workflowID))

	require.NoError(t, f.engine.RecoverOpenSteps(t.Context()))

	instance, err := f.engine.Get(t.Context(), ops, workflowID)
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusCompleted, instance.StepStates["provision"].Status)

	mu.Lock()
	defer mu.Unlock()

	require.NotEmpty(t, idempotencyKeys)
	assert.Equal(t, workflowID+":provision", idempotencyKeys[0])
}

func TestScenario_ApprovalRejectionWithReturnTo(t *testing.T) {
	f := newFixture(t, nil)
	f.seedTenant(t, "t1")

	template := &models.WorkflowTemplate{
		Name:       "BRP-short",
		MarketRole: models.MarketRoleBRP,
		Version:    1,
		Steps: []models.StepDefinition{
			{ID: "company_info", Name: "Company info", Type: models.StepTypeForm, Required: true, Order: 1},
			{ID: "portfolio", Name: "Portfolio", Type: models.StepTypeForm, Required: true, Order: 2},
			{ID: "compliance", Name: "Compliance", Type: models.StepTypeApproval, Required: true, Order: 3},
		},
		Transitions: map[string][]string{
			"company_info": {"portfolio"},
			"portfolio":    {"compliance"},
			"compliance":   {},
		},
	}
	require.NoError(t, f.templates.Publish(t.Context(), template))

	ops := marketOps()

	workflowID, err := f.engine.Create(t.Context(), ops, "t1", models.MarketRoleBRP)
	require.NoError(t, err)

	_, err = f.engine.ExecuteStep(t.Context(), ops, workflowID, "company_info", map[string]any{"companyName": "Engie"})
	require.NoError(t, err)

	_, err = f.engine.ExecuteStep(t.Context(), ops, workflowID, "portfolio", map[string]any{"accessPoints": []any{"EAN-1"}})
	require.NoError(t, err)

	suspended, err := f.engine.ExecuteStep(t.Context(), ops, workflowID, "compliance", nil)
	require.NoError(t, err)

	_, err = f.engine.ResumeBookmark(t.Context(), ops, workflowID, suspended.BookmarkID,
		map[string]any{"approved": true})
	require.NoError(t, err)

	require.NoError(t, f.engine.Submit(t.Context(), ops, workflowID))
	require.NoError(t, f.engine.Reject(t.Context(), ops, workflowID, "portfolio incomplete", "portfolio"))

	instance, err := f.engine.Get(t.Context(), ops, workflowID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusInProgress, instance.Status)
	assert.Equal(t, "portfolio", instance.CurrentStepID)

	// Only compliance sat between portfolio and the rejection; its
	// compensation is a no-op but is still recorded.
	counts := countEvents(t, f, workflowID)
	assert.Equal(t, 1, counts[models.EventStepCompensated])
}

// slowFormHandler holds the per-workflow lock long enough for a concurrent
// request to time out.
type slowFormHandler struct {
	delay time.Duration
}

func (h *slowFormHandler) Validate(_ context.Context, _ models.StepDefinition, _ map[string]any) []models.FieldError {
	return nil
}

func (h *slowFormHandler) Execute(_ context.Context, _ handlers.ExecutionContext) (handlers.Result, error) {
	time.Sleep(h.delay)

	return handlers.Result{Outcome: handlers.OutcomeDefault}, nil
}

func TestScenario_ConcurrentExecuteStep(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.LockWaitTimeout = 20 * time.Millisecond
	})
	f.seedTenant(t, "t1")

	require.NoError(t, f.templates.Publish(t.Context(), brpTemplate("http://unused.invalid")))

	f.registry.Register(models.StepTypeForm, &slowFormHandler{delay: 300 * time.Millisecond})

	ops := marketOps()

	workflowID, err := f.engine.Create(t.Context(), ops, "t1", models.MarketRoleBRP)
	require.NoError(t, err)

	var wg sync.WaitGroup

	results := make([]error, 2)

	for i := range results {
		wg.Add(1)

		go func(slot int) {
			defer wg.Done()

			_, err := f.engine.ExecuteStep(t.Context(), ops, workflowID, "company_info",
				map[string]any{"attempt": slot})
			results[slot] = err
		}(i)
	}

	wg.Wait()

	succeeded := 0
	conflicts := 0

	for _, err := range results {
		if err == nil {
			succeeded++

			continue
		}

		if KindOf(err) == KindConflict {
			conflicts++
		}
	}

	assert.Equal(t, 1, succeeded, "exactly one request must succeed")
	assert.Equal(t, 1, conflicts, "the loser must observe Conflict")

	counts := countEvents(t, f, workflowID)
	assert.Equal(t, 1, counts[models.EventStepCompleted])
}

func TestPauseResumeIdempotence(t *testing.T) {
	f := newFixture(t, nil)
	f.seedTenant(t, "t1")

	require.NoError(t, f.templates.Publish(t.Context(), brpTemplate("http://unused.invalid")))

	ops := marketOps()

	workflowID, err := f.engine.Create(t.Context(), ops, "t1", models.MarketRoleBRP)
	require.NoError(t, err)

	_, err = f.engine.ExecuteStep(t.Context(), ops, workflowID, "company_info",
		map[string]any{"companyName": "Engie", "vatNumber": "BE0403170701"})
	require.NoError(t, err)

	require.NoError(t, f.engine.Pause(t.Context(), ops, workflowID))
	require.NoError(t, f.engine.Pause(t.Context(), ops, workflowID))

	counts := countEvents(t, f, workflowID)
	assert.Equal(t, 1, counts[models.EventWorkflowPaused])

	require.NoError(t, f.engine.Resume(t.Context(), ops, workflowID))
	require.NoError(t, f.engine.Resume(t.Context(), ops, workflowID))

	counts = countEvents(t, f, workflowID)
	assert.Equal(t, 1, counts[models.EventWorkflowResumed])
}

func TestCreateImmediateCancel(t *testing.T) {
	f := newFixture(t, nil)
	f.seedTenant(t, "t1")

	require.NoError(t, f.templates.Publish(t.Context(), brpTemplate("http://unused.invalid")))

	ops := marketOps()

	workflowID, err := f.engine.Create(t.Context(), ops, "t1", models.MarketRoleBRP)
	require.NoError(t, err)

	require.NoError(t, f.engine.Cancel(t.Context(), ops, workflowID, "duplicate request"))

	events, err := f.store.Events(t.Context(), workflowID, models.EventRange{})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, models.EventWorkflowCreated, events[0].Type)
	assert.Equal(t, models.EventWorkflowCancelled, events[1].Type)
	assert.Equal(t, "duplicate request", events[1].Payload["reason"])

	// Terminal: no further transitions, no further events.
	_, err = f.engine.ExecuteStep(t.Context(), ops, workflowID, "company_info", nil)
	require.Error(t, err)
	assert.Equal(t, KindInvalidTransition, KindOf(err))

	err = f.engine.Pause(t.Context(), ops, workflowID)
	require.Error(t, err)

	err = f.engine.Rollback(t.Context(), ops, workflowID, "company_info")
	require.Error(t, err)

	events, err = f.store.Events(t.Context(), workflowID, models.EventRange{})
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestZeroStepTemplate(t *testing.T) {
	f := newFixture(t, nil)
	f.seedTenant(t, "t1")

	template := &models.WorkflowTemplate{
		Name:       "empty-template",
		MarketRole: models.MarketRoleGU,
		Version:    1,
	}
	require.NoError(t, f.templates.Publish(t.Context(), template))

	ops := marketOps()

	workflowID, err := f.engine.Create(t.Context(), ops, "t1", models.MarketRoleGU)
	require.NoError(t, err)

	err = f.engine.Submit(t.Context(), ops, workflowID)
	require.Error(t, err)
	assert.Equal(t, KindValidation, KindOf(err))

	var engineErr *Error
	require.ErrorAs(t, err, &engineErr)
	require.NotEmpty(t, engineErr.Fields)
	assert.Contains(t, engineErr.Fields[0].Message, "no required step completed")
}

func TestZeroStepTemplateDeclaredValid(t *testing.T) {
	f := newFixture(t, nil)
	f.seedTenant(t, "t1")

	template := &models.WorkflowTemplate{
		Name:             "empty-but-valid",
		MarketRole:       models.MarketRoleGU,
		Version:          1,
		AllowEmptySubmit: true,
	}
	require.NoError(t, f.templates.Publish(t.Context(), template))

	ops := marketOps()

	workflowID, err := f.engine.Create(t.Context(), ops, "t1", models.MarketRoleGU)
	require.NoError(t, err)

	require.NoError(t, f.engine.Submit(t.Context(), ops, workflowID))

	instance, err := f.engine.Get(t.Context(), ops, workflowID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusSubmitted, instance.Status)
}

func TestValidationFailureLeavesStepRetryable(t *testing.T) {
	f := newFixture(t, nil)
	f.seedTenant(t, "t1")

	require.NoError(t, f.templates.Publish(t.Context(), brpTemplate("http://unused.invalid")))

	ops := marketOps()

	workflowID, err := f.engine.Create(t.Context(), ops, "t1", models.MarketRoleBRP)
	require.NoError(t, err)

	_, err = f.engine.ExecuteStep(t.Context(), ops, workflowID, "company_info",
		map[string]any{"companyName": "Engie", "vatNumber": "WRONG"})
	require.Error(t, err)
	assert.Equal(t, KindValidation, KindOf(err))

	var engineErr *Error
	require.ErrorAs(t, err, &engineErr)
	assert.NotEmpty(t, engineErr.Fields)

	counts := countEvents(t, f, workflowID)
	assert.Equal(t, 1, counts[models.EventValidationFailed])
	assert.Zero(t, counts[models.EventStepCompleted])

	// The same step accepts valid data afterwards.
	_, err = f.engine.ExecuteStep(t.Context(), ops, workflowID, "company_info",
		map[string]any{"companyName": "Engie", "vatNumber": "BE0403170701"})
	require.NoError(t, err)
}

func TestBookmarkConsumedExactlyOnce(t *testing.T) {
	f := newFixture(t, nil)
	f.seedTenant(t, "t1")

	require.NoError(t, f.templates.Publish(t.Context(), brpTemplate("http://unused.invalid")))

	ops := marketOps()

	workflowID, err := f.engine.Create(t.Context(), ops, "t1", models.MarketRoleBRP)
	require.NoError(t, err)

	_, err = f.engine.ExecuteStep(t.Context(), ops, workflowID, "company_info",
		map[string]any{"companyName": "Engie", "vatNumber": "BE0403170701"})
	require.NoError(t, err)

	_, err = f.engine.ExecuteStep(t.Context(), ops, workflowID, "portfolio", map[string]any{"accessPoints": []any{"EAN-1"}})
	require.NoError(t, err)

	suspended, err := f.engine.ExecuteStep(t.Context(), ops, workflowID, "compliance", nil)
	require.NoError(t, err)

	_, err = f.engine.ResumeBookmark(t.Context(), ops, workflowID, suspended.BookmarkID,
		map[string]any{"approved": true})
	require.NoError(t, err)

	_, err = f.engine.ResumeBookmark(t.Context(), ops, workflowID, suspended.BookmarkID,
		map[string]any{"approved": true})
	require.Error(t, err)
	assert.Equal(t, KindBookmarkConsumed, KindOf(err))

	counts := countEvents(t, f, workflowID)
	assert.Equal(t, 1, counts[models.EventStepResumed])
}

func TestRollbackToStartThenReexecute(t *testing.T) {
	f := newFixture(t, nil)
	f.seedTenant(t, "t1")

	require.NoError(t, f.templates.Publish(t.Context(), brpTemplate("http://unused.invalid")))

	ops := marketOps()

	workflowID, err := f.engine.Create(t.Context(), ops, "t1", models.MarketRoleBRP)
	require.NoError(t, err)

	_, err = f.engine.ExecuteStep(t.Context(), ops, workflowID, "company_info",
		map[string]any{"companyName": "Engie", "vatNumber": "BE0403170701"})
	require.NoError(t, err)

	require.NoError(t, f.engine.Rollback(t.Context(), ops, workflowID, ""))

	// Only the new data is present after re-execution.
	_, err = f.engine.ExecuteStep(t.Context(), ops, workflowID, "company_info",
		map[string]any{"companyName": "Fluvius", "vatNumber": "BE0477445084"})
	require.NoError(t, err)

	instance, err := f.engine.Get(t.Context(), ops, workflowID)
	require.NoError(t, err)
	assert.Equal(t, "Fluvius", instance.StepStates["company_info"].Data["companyName"])
}

func TestAuditScopedToTenant(t *testing.T) {
	f := newFixture(t, nil)
	f.seedTenant(t, "t1")
	f.seedTenant(t, "t2")

	require.NoError(t, f.templates.Publish(t.Context(), brpTemplate("http://unused.invalid")))

	ops := marketOps()

	_, err := f.engine.Create(t.Context(), ops, "t1", models.MarketRoleBRP)
	require.NoError(t, err)

	_, err = f.engine.Create(t.Context(), ops, "t2", models.MarketRoleBRP)
	require.NoError(t, err)

	admin := tenant.Context{Actor: models.Actor{ID: "adm-1", Role: models.RoleTenantAdmin, TenantID: "t1"}}

	events, err := f.engine.Audit(t.Context(), admin, "t1", time.Time{}, time.Now().Add(time.Hour), 100)
	require.NoError(t, err)
	require.NotEmpty(t, events)

	for _, event := range events {
		assert.Equal(t, "t1", event.TenantID)
	}

	_, err = f.engine.Audit(t.Context(), admin, "t2", time.Time{}, time.Now().Add(time.Hour), 100)
	require.Error(t, err)
	assert.Equal(t, KindTenantAccessDenied, KindOf(err))
}

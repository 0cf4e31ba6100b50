package projection

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/gridbee/marketflow/pkg/eventbus"
	"github.com/gridbee/marketflow/pkg/eventlog"
	"github.com/gridbee/marketflow/pkg/models"
	"github.com/gridbee/marketflow/pkg/persistence"
	"github.com/gridbee/marketflow/pkg/tenant"
)

// Recovery detects projections trailing the log by at least the configured
// lag threshold and reprojects them by replay. It subscribes to append
// notifications for prompt catch-up and sweeps periodically for anything a
// lost notification left behind.
type Recovery struct {
	store     *eventlog.Store
	states    persistence.StateRepository
	projector *Projector
	publisher eventbus.Publisher
	logger    *slog.Logger
	maxLag    int64
	cron      *cron.Cron
}

// NewRecovery creates a projection recovery process.
func NewRecovery(store *eventlog.Store, states persistence.StateRepository, projector *Projector, publisher eventbus.Publisher, logger *slog.Logger, maxLag int64) *Recovery {
	if maxLag < 1 {
		maxLag = 1
	}

	return &Recovery{
		store:     store,
		states:    states,
		projector: projector,
		publisher: publisher,
		logger:    logger.With("module", "projection_recovery"),
		maxLag:    maxLag,
		cron:      cron.New(),
	}
}

// SubscribeCatchUp registers the append-notification handler on the bus.
func (r *Recovery) SubscribeCatchUp(bus eventbus.Subscriber) {
	bus.Handle(eventbus.EventAppendedNotification, func(ctx context.Context, notification eventbus.Notification) error {
		appended, ok := notification.(*eventbus.EventAppended)
		if !ok {
			return nil
		}

		return r.CheckWorkflow(ctx, appended.WorkflowID)
	})
}

// Start schedules the periodic sweep, e.g. "@every 1m".
func (r *Recovery) Start(ctx context.Context, schedule string) error {
	_, err := r.cron.AddFunc(schedule, func() {
		r.Sweep(ctx)
	})
	if err != nil {
		return err
	}

	r.cron.Start()
	r.logger.InfoContext(ctx, "projection recovery sweep started", "schedule", schedule)

	return nil
}

// Stop halts the sweep.
func (r *Recovery) Stop() {
	stopCtx := r.cron.Stop()
	<-stopCtx.Done()
}

// Sweep checks every known instance for projection lag.
func (r *Recovery) Sweep(ctx context.Context) {
	system := tenant.Context{Actor: models.Actor{ID: "system:recovery", Role: models.RoleMarketOps}}

	instances, err := r.states.Find(ctx, system, models.IndexFilter{})
	if err != nil {
		r.logger.ErrorContext(ctx, "failed to list instances for lag sweep", "error", err)

		return
	}

	for _, instance := range instances {
		err := r.CheckWorkflow(ctx, instance.ID)
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to check projection lag",
				"workflow_id", instance.ID, "error", err)
		}
	}
}

// CheckWorkflow reprojects one workflow when its state document trails the
// log head by at least the threshold, and emits the operator alert when it
// trails by more than the threshold.
func (r *Recovery) CheckWorkflow(ctx context.Context, workflowID string) error {
	head, err := r.store.HeadSequence(ctx, workflowID)
	if err != nil {
		return err
	}

	system := tenant.Context{Actor: models.Actor{ID: "system:recovery", Role: models.RoleMarketOps}}

	projected := int64(0)

	instance, err := r.states.Get(ctx, system, workflowID)
	if err != nil {
		if !persistence.IsWorkflowNotFound(err) {
			return err
		}
	} else {
		projected = instance.LastSequenceNo
	}

	lag := head - projected
	if lag < r.maxLag {
		return nil
	}

	r.logger.WarnContext(ctx, "projection lag detected, reprojecting",
		"workflow_id", workflowID, "head_seq", head, "projected_seq", projected)

	if r.publisher != nil && lag > r.maxLag {
		notification := eventbus.ProjectionLag{
			BaseNotification: eventbus.NewBaseNotification(eventbus.ProjectionLagNotification),
			WorkflowID:       workflowID,
			HeadSeq:          head,
			ProjectedSeq:     projected,
		}

		err := r.publisher.Publish(ctx, workflowID, notification)
		if err != nil {
			r.logger.WarnContext(ctx, "failed to publish lag alert",
				"workflow_id", workflowID, "error", err)
		}
	}

	return r.projector.Rebuild(ctx, workflowID)
}

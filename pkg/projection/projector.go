// Package projection derives the Index and State stores from the event log.
// The log is the commit point; both projections are caches that can be
// rebuilt from it at any time.
package projection

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gridbee/marketflow/pkg/eventlog"
	"github.com/gridbee/marketflow/pkg/models"
	"github.com/gridbee/marketflow/pkg/persistence"
	"github.com/gridbee/marketflow/pkg/statemachine"
	"github.com/gridbee/marketflow/pkg/tenant"
)

// Projector writes the derived views of the event log.
type Projector struct {
	store  *eventlog.Store
	states persistence.StateRepository
	index  persistence.IndexRepository
	logger *slog.Logger
}

// NewProjector creates a projector over the two derived stores.
func NewProjector(store *eventlog.Store, states persistence.StateRepository, index persistence.IndexRepository, logger *slog.Logger) *Projector {
	return &Projector{
		store:  store,
		states: states,
		index:  index,
		logger: logger.With("module", "projection"),
	}
}

// ApplyEvents is the fast path: project freshly appended events onto an
// already-loaded instance and persist both views. The instance must reflect
// the log up to the first new event.
func (p *Projector) ApplyEvents(ctx context.Context, instance *models.WorkflowInstance, events []*models.WorkflowEvent) error {
	expectedVersion := instance.Version

	for _, event := range events {
		err := statemachine.Apply(instance, event)
		if err != nil {
			return fmt.Errorf("failed to project event %d: %w", event.SequenceNo, err)
		}
	}

	err := p.states.UpdateState(ctx, instance, expectedVersion)
	if err != nil {
		return err
	}

	return p.index.UpdateStatus(ctx, instance.ID, instance.Status, instance.CurrentStepID)
}

// InsertNew projects a newly created workflow into both stores.
func (p *Projector) InsertNew(ctx context.Context, instance *models.WorkflowInstance) error {
	err := p.states.Insert(ctx, instance)
	if err != nil {
		return err
	}

	return p.index.Insert(ctx, &models.IndexRow{
		ID:            instance.ID,
		TenantID:      instance.TenantID,
		TemplateID:    instance.TemplateID,
		MarketRole:    instance.MarketRole,
		Status:        instance.Status,
		CurrentStepID: instance.CurrentStepID,
		CreatedAt:     instance.CreatedAt,
		UpdatedAt:     instance.UpdatedAt,
	})
}

// Rebuild replays the full log and overwrites both projections. Used by the
// recovery sweep and after rollback truncation. Idempotent: rebuilding twice
// yields the same rows.
func (p *Projector) Rebuild(ctx context.Context, workflowID string) error {
	replayed, err := p.store.Replay(ctx, workflowID, 0)
	if err != nil {
		return fmt.Errorf("failed to replay workflow %s: %w", workflowID, err)
	}

	system := tenant.Context{Actor: models.Actor{ID: "system:projection", Role: models.RoleMarketOps}}

	stored, err := p.states.Get(ctx, system, workflowID)
	if err != nil {
		if !persistence.IsWorkflowNotFound(err) {
			return err
		}

		err = p.states.Insert(ctx, replayed)
		if err != nil {
			return err
		}
	} else {
		replayed.Version = stored.Version

		err = p.states.UpdateState(ctx, replayed, stored.Version)
		if err != nil {
			return err
		}
	}

	err = p.index.UpdateStatus(ctx, workflowID, replayed.Status, replayed.CurrentStepID)
	if err != nil && persistence.IsWorkflowNotFound(err) {
		return p.index.Insert(ctx, &models.IndexRow{
			ID:            replayed.ID,
			TenantID:      replayed.TenantID,
			TemplateID:    replayed.TemplateID,
			MarketRole:    replayed.MarketRole,
			Status:        replayed.Status,
			CurrentStepID: replayed.CurrentStepID,
			CreatedAt:     replayed.CreatedAt,
			UpdatedAt:     replayed.UpdatedAt,
		})
	}

	return err
}

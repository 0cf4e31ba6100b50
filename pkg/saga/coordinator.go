// Package saga orders and executes compensations during workflow rollback.
package saga

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gridbee/marketflow/pkg/config"
	"github.com/gridbee/marketflow/pkg/eventlog"
	"github.com/gridbee/marketflow/pkg/handlers"
	"github.com/gridbee/marketflow/pkg/models"
)

// ErrCompensationFailed indicates a compensation exhausted its retry budget;
// the saga fails fast and the workflow transitions to failed.
var ErrCompensationFailed = fmt.Errorf("compensation failed")

// Coordinator walks the forward path of completed steps in reverse and
// invokes each step's compensation. Compensations run strictly sequentially
// even when the forward execution interleaved.
type Coordinator struct {
	store    *eventlog.Store
	registry *handlers.Registry
	retry    config.Retry
	logger   *slog.Logger
}

// NewCoordinator creates a saga coordinator.
func NewCoordinator(store *eventlog.Store, registry *handlers.Registry, retry config.Retry, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		store:    store,
		registry: registry,
		retry:    retry,
		logger:   logger.With("module", "saga"),
	}
}

// completion is one net-completed step on the forward path.
type completion struct {
	stepID     string
	sequenceNo int64
	data       map[string]any
}

// Compensate reverses every step completed strictly after toStepID's
// completion, in reverse completion order, appending STEP_COMPENSATED after
// each success. It returns the truncation sequence: the sequence number of
// toStepID's completion event, or 0 for an empty toStepID, which rolls back
// the entire forward path.
//
// The caller holds the per-workflow lock; events are appended through the
// locked path.
func (c *Coordinator) Compensate(ctx context.Context, instance *models.WorkflowInstance, template *models.WorkflowTemplate, toStepID string, performedBy string) (int64, error) {
	events, err := c.store.Events(ctx, instance.ID, models.EventRange{})
	if err != nil {
		return 0, fmt.Errorf("failed to load event history: %w", err)
	}

	toSeq, path, err := forwardPath(events, toStepID)
	if err != nil {
		return 0, err
	}

	for i := len(path) - 1; i >= 0; i-- {
		step := path[i]

		err := c.compensateStep(ctx, instance, template, step, performedBy)
		if err != nil {
			return 0, err
		}
	}

	return toSeq, nil
}

func (c *Coordinator) compensateStep(ctx context.Context, instance *models.WorkflowInstance, template *models.WorkflowTemplate, step completion, performedBy string) error {
	definition, ok := template.Step(step.stepID)
	if !ok {
		return fmt.Errorf("completed step %s is not defined in template", step.stepID)
	}

	ec := handlers.ExecutionContext{
		WorkflowID: instance.ID,
		TenantID:   instance.TenantID,
		Step:       definition,
		Input:      step.data,
		Logger:     c.logger,
	}

	var compensateErr error

	compensator, ok := c.registry.Compensator(definition.Type)
	if ok {
		compensateErr = handlers.Retry(ctx, c.retry, func(ctx context.Context) error {
			return compensator.Compensate(ctx, ec)
		})
	}

	if compensateErr != nil {
		c.logger.ErrorContext(ctx, "compensation exhausted retries",
			"workflow_id", instance.ID, "step_id", step.stepID, "error", compensateErr)

		// Record the failure for operator inspection, then fail fast.
		appendErr := c.store.AppendLocked(ctx, []*models.WorkflowEvent{{
			WorkflowID:  instance.ID,
			TenantID:    instance.TenantID,
			Type:        models.EventStepCompensated,
			StepID:      step.stepID,
			PerformedBy: performedBy,
			Payload: map[string]any{
				"failed": true,
				"error":  compensateErr.Error(),
			},
		}})
		if appendErr != nil {
			return appendErr
		}

		return fmt.Errorf("%w: step %s: %w", ErrCompensationFailed, step.stepID, compensateErr)
	}

	err := c.store.AppendLocked(ctx, []*models.WorkflowEvent{{
		WorkflowID:  instance.ID,
		TenantID:    instance.TenantID,
		Type:        models.EventStepCompensated,
		StepID:      step.stepID,
		PerformedBy: performedBy,
		Payload:     map[string]any{"compensated_sequence_no": step.sequenceNo},
	}})
	if err != nil {
		return err
	}

	c.logger.InfoContext(ctx, "step compensated",
		"workflow_id", instance.ID, "step_id", step.stepID)

	return nil
}

// forwardPath computes the net-completed steps after toStepID's completion.
// Steps already compensated by a prior rollback are not on the path.
func forwardPath(events []*models.WorkflowEvent, toStepID string) (int64, []completion, error) {
	completions := make(map[string]completion)
	order := make([]string, 0)

	for _, event := range events {
		switch event.Type {
		case models.EventStepCompleted:
			if _, seen := completions[event.StepID]; !seen {
				order = append(order, event.StepID)
			}

			data, _ := event.Payload["data"].(map[string]any)
			completions[event.StepID] = completion{
				stepID:     event.StepID,
				sequenceNo: event.SequenceNo,
				data:       data,
			}
		case models.EventStepCompensated:
			if failed, _ := event.Payload["failed"].(bool); failed {
				continue
			}

			delete(completions, event.StepID)
		}
	}

	toSeq := int64(0)

	if toStepID != "" {
		target, ok := completions[toStepID]
		if !ok {
			return 0, nil, fmt.Errorf("step %s does not appear as completed in history", toStepID)
		}

		toSeq = target.sequenceNo
	}

	path := make([]completion, 0, len(completions))

	for _, stepID := range order {
		step, ok := completions[stepID]
		if !ok || step.sequenceNo <= toSeq {
			continue
		}

		path = append(path, step)
	}

	// Completion order, not first-seen order: a step re-completed after an
	// earlier rollback sits at its latest completion sequence.
	for i := 1; i < len(path); i++ {
		for j := i; j > 0 && path[j].sequenceNo < path[j-1].sequenceNo; j-- {
			path[j], path[j-1] = path[j-1], path[j]
		}
	}

	return toSeq, path, nil
}

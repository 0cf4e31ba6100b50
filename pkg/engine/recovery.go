package engine

import (
	"context"

	"github.com/gridbee/marketflow/pkg/models"
	"github.com/gridbee/marketflow/pkg/tenant"
)

// RecoverOpenSteps scans for workflows left with an open step by a crash:
// STEP_STARTED appended but neither completion nor failure recorded. The
// handler is re-issued with the step's idempotency key, so a call that
// succeeded before the crash is observed rather than repeated.
//
// Run once on startup and periodically alongside the projection sweep.
func (e *Engine) RecoverOpenSteps(ctx context.Context) error {
	system := tenant.Context{Actor: models.Actor{ID: "system:recovery", Role: models.RoleMarketOps}}

	instances, err := e.persistence.States().Find(ctx, system, models.IndexFilter{
		Status: models.WorkflowStatusInProgress,
	})
	if err != nil {
		return wrap("", "", err)
	}

	for _, header := range instances {
		err := e.recoverWorkflow(ctx, system, header.ID)
		if err != nil {
			e.logger.ErrorContext(ctx, "failed to recover workflow",
				"workflow_id", header.ID, "error", err)
		}
	}

	return nil
}

func (e *Engine) recoverWorkflow(ctx context.Context, system tenant.Context, workflowID string) error {
	return e.locked(ctx, workflowID, func(ctx context.Context) error {
		instance, template, err := e.load(ctx, system, workflowID)
		if err != nil {
			return err
		}

		openStepID := e.openStep(ctx, instance)
		if openStepID == "" {
			return nil
		}

		step, ok := template.Step(openStepID)
		if !ok {
			return nil
		}

		// Bookmark waits are not open steps; the resume signal drives them.
		if state, ok := instance.StepStates[openStepID]; ok && state.Status == models.StepStatusPaused {
			return nil
		}

		handler, err := e.registry.Handler(step.Type)
		if err != nil {
			return wrap(workflowID, openStepID, err)
		}

		e.logger.InfoContext(ctx, "re-issuing open step after restart",
			"workflow_id", workflowID, "step_id", openStepID)

		data := map[string]any{}
		if state, ok := instance.StepStates[openStepID]; ok && state.Data != nil {
			data = state.Data
		}

		handlerResult, handlerErr := e.dispatch(ctx, instance, step, handler, data)

		_, err = e.finishStep(ctx, system, instance, template, step, data, handlerResult, handlerErr)

		return err
	})
}

// openStep returns the id of a step with a STEP_STARTED event and no later
// completion, failure, pause, or skip.
func (e *Engine) openStep(ctx context.Context, instance *models.WorkflowInstance) string {
	events, err := e.store.Events(ctx, instance.ID, models.EventRange{})
	if err != nil {
		return ""
	}

	open := make(map[string]bool)

	for _, event := range events {
		switch event.Type {
		case models.EventStepStarted:
			open[event.StepID] = true
		case models.EventStepCompleted, models.EventStepFailed,
			models.EventStepPaused, models.EventStepSkipped:
			delete(open, event.StepID)
		}
	}

	for stepID := range open {
		return stepID
	}

	return ""
}

package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/gridbee/marketflow/pkg/handlers/validation"
	"github.com/gridbee/marketflow/pkg/models"
	"github.com/gridbee/marketflow/pkg/saga"
	"github.com/gridbee/marketflow/pkg/tenant"
)

// Pause moves an in-progress workflow to paused. Idempotent when already
// paused.
func (e *Engine) Pause(ctx context.Context, tc tenant.Context, workflowID string) error {
	return e.statusTransition(ctx, tc, workflowID, "engine.pause",
		models.WorkflowStatusPaused, models.EventWorkflowPaused,
		[]models.WorkflowStatus{models.WorkflowStatusInProgress}, nil)
}

// Resume moves a paused or rolled-back workflow back to in_progress.
// Idempotent when already in_progress.
func (e *Engine) Resume(ctx context.Context, tc tenant.Context, workflowID string) error {
	return e.statusTransition(ctx, tc, workflowID, "engine.resume",
		models.WorkflowStatusInProgress, models.EventWorkflowResumed,
		[]models.WorkflowStatus{models.WorkflowStatusPaused, models.WorkflowStatusRolledBack}, nil)
}

// Cancel terminates the workflow from any non-terminal state. Compensation is
// deliberately not automatic; operators invoke rollback beforehand when side
// effects must be reversed.
func (e *Engine) Cancel(ctx context.Context, tc tenant.Context, workflowID, reason string) error {
	ctx, span := e.startSpan(ctx, "engine.cancel",
		attrWorkflowID.String(workflowID))
	defer span.End()

	err := e.locked(ctx, workflowID, func(ctx context.Context) error {
		instance, _, err := e.load(ctx, tc, workflowID)
		if err != nil {
			return err
		}

		err = tc.Authorize(instance.TenantID, true)
		if err != nil {
			return wrap(workflowID, "", err)
		}

		if instance.Status.Terminal() {
			return &Error{
				Kind:       KindInvalidTransition,
				WorkflowID: workflowID,
				Message:    fmt.Sprintf("workflow is already terminal (%s)", instance.Status),
			}
		}

		cancelled := e.event(instance, models.EventWorkflowCancelled, "", tc.Actor.ID,
			map[string]any{"reason": reason})

		err = e.store.AppendLocked(ctx, []*models.WorkflowEvent{cancelled})
		if err != nil {
			return wrap(workflowID, "", err)
		}

		e.project(ctx, instance, []*models.WorkflowEvent{cancelled})

		return nil
	})
	if err != nil {
		return e.fail(span, wrap(workflowID, "", err))
	}

	return nil
}

// Validate re-runs every required step's validator over the accumulated step
// data and applies template-level rules. It is a pure query; no events are
// appended.
func (e *Engine) Validate(ctx context.Context, tc tenant.Context, workflowID string) (*ValidateResult, error) {
	instance, template, err := e.load(ctx, tc, workflowID)
	if err != nil {
		return nil, wrap(workflowID, "", err)
	}

	return e.runValidation(ctx, instance, template)
}

func (e *Engine) runValidation(ctx context.Context, instance *models.WorkflowInstance, template *models.WorkflowTemplate) (*ValidateResult, error) {
	fieldErrors := make([]models.FieldError, 0)
	completedRequired := 0

	for _, step := range template.Steps {
		if !step.Required {
			continue
		}

		state, ok := instance.StepStates[step.ID]
		if !ok || state.Status != models.StepStatusCompleted {
			fieldErrors = append(fieldErrors, models.FieldError{
				Field:   step.ID,
				Message: fmt.Sprintf("required step %s is not completed", step.Name),
			})

			continue
		}

		completedRequired++

		handler, err := e.registry.Handler(step.Type)
		if err != nil {
			return nil, wrap(instance.ID, step.ID, err)
		}

		stepErrors := handler.Validate(ctx, step, state.Data)
		fieldErrors = append(fieldErrors, stepErrors...)
	}

	if completedRequired == 0 && !template.AllowEmptySubmit {
		fieldErrors = append(fieldErrors, models.FieldError{
			Field:   "",
			Message: "no required step completed",
		})
	}

	stepData := make(map[string]map[string]any, len(instance.StepStates))
	for stepID, state := range instance.StepStates {
		stepData[stepID] = state.Data
	}

	fieldErrors = append(fieldErrors, validation.Evaluate(template.ValidationRules, stepData)...)

	return &ValidateResult{Valid: len(fieldErrors) == 0, Errors: fieldErrors}, nil
}

// Submit transitions the workflow to submitted after full validation passes.
func (e *Engine) Submit(ctx context.Context, tc tenant.Context, workflowID string) error {
	ctx, span := e.startSpan(ctx, "engine.submit",
		attrWorkflowID.String(workflowID))
	defer span.End()

	err := e.locked(ctx, workflowID, func(ctx context.Context) error {
		instance, template, err := e.load(ctx, tc, workflowID)
		if err != nil {
			return err
		}

		err = tc.Authorize(instance.TenantID, true)
		if err != nil {
			return wrap(workflowID, "", err)
		}

		switch instance.Status {
		case models.WorkflowStatusDraft, models.WorkflowStatusInProgress, models.WorkflowStatusAwaitingValidation:
		default:
			return &Error{
				Kind:       KindInvalidTransition,
				WorkflowID: workflowID,
				Message:    fmt.Sprintf("workflow status %s does not allow submission", instance.Status),
			}
		}

		validateResult, err := e.runValidation(ctx, instance, template)
		if err != nil {
			return err
		}

		if !validateResult.Valid {
			failed := e.event(instance, models.EventValidationFailed, "", tc.Actor.ID,
				map[string]any{"errors": fieldErrorPayload(validateResult.Errors)})

			err := e.store.AppendLocked(ctx, []*models.WorkflowEvent{failed})
			if err != nil {
				return wrap(workflowID, "", err)
			}

			e.project(ctx, instance, []*models.WorkflowEvent{failed})

			return &Error{
				Kind:       KindValidation,
				WorkflowID: workflowID,
				Message:    "workflow validation failed",
				Fields:     validateResult.Errors,
			}
		}

		batch := []*models.WorkflowEvent{
			e.event(instance, models.EventValidationPassed, "", tc.Actor.ID, nil),
			e.event(instance, models.EventWorkflowSubmitted, "", tc.Actor.ID, nil),
		}

		err = e.store.AppendLocked(ctx, batch)
		if err != nil {
			return wrap(workflowID, "", err)
		}

		e.project(ctx, instance, batch)

		return nil
	})
	if err != nil {
		return e.fail(span, wrap(workflowID, "", err))
	}

	return nil
}

// Approve completes a submitted workflow. Requires market_ops.
func (e *Engine) Approve(ctx context.Context, tc tenant.Context, workflowID, comments string) error {
	if !tc.CrossTenant() {
		return wrap(workflowID, "", tenant.ErrPermissionDenied)
	}

	payload := map[string]any{}
	if comments != "" {
		payload["comments"] = comments
	}

	return e.statusTransition(ctx, tc, workflowID, "engine.approve",
		models.WorkflowStatusCompleted, models.EventWorkflowCompleted,
		[]models.WorkflowStatus{models.WorkflowStatusSubmitted}, payload)
}

// Reject returns a submitted workflow to in_progress, compensating back to
// the given step (or one step back by default) through the saga.
func (e *Engine) Reject(ctx context.Context, tc tenant.Context, workflowID, comments, returnTo string) error {
	if !tc.CrossTenant() {
		return wrap(workflowID, "", tenant.ErrPermissionDenied)
	}

	ctx, span := e.startSpan(ctx, "engine.reject",
		attrWorkflowID.String(workflowID))
	defer span.End()

	err := e.locked(ctx, workflowID, func(ctx context.Context) error {
		instance, template, err := e.load(ctx, tc, workflowID)
		if err != nil {
			return err
		}

		if instance.Status != models.WorkflowStatusSubmitted {
			return &Error{
				Kind:       KindInvalidTransition,
				WorkflowID: workflowID,
				Message:    fmt.Sprintf("workflow status %s does not allow rejection", instance.Status),
			}
		}

		if returnTo == "" {
			returnTo = e.previousCompletedStep(ctx, instance)
		}

		return e.rollbackLocked(ctx, tc, instance, template, returnTo,
			map[string]any{"rejected": true, "comments": comments})
	})
	if err != nil {
		return e.fail(span, wrap(workflowID, "", err))
	}

	return nil
}

// Rollback compensates completed steps back to toStepID and truncates the
// projected state to the point immediately after that step's completion.
func (e *Engine) Rollback(ctx context.Context, tc tenant.Context, workflowID, toStepID string) error {
	ctx, span := e.startSpan(ctx, "engine.rollback",
		attrWorkflowID.String(workflowID),
		attrStepID.String(toStepID))
	defer span.End()

	err := e.locked(ctx, workflowID, func(ctx context.Context) error {
		instance, template, err := e.load(ctx, tc, workflowID)
		if err != nil {
			return err
		}

		err = tc.Authorize(instance.TenantID, true)
		if err != nil {
			return wrap(workflowID, "", err)
		}

		if instance.Status.Terminal() {
			return &Error{
				Kind:       KindInvalidTransition,
				WorkflowID: workflowID,
				Message:    fmt.Sprintf("workflow is terminal (%s), rollback not possible", instance.Status),
			}
		}

		return e.rollbackLocked(ctx, tc, instance, template, toStepID, nil)
	})
	if err != nil {
		return e.fail(span, wrap(workflowID, toStepID, err))
	}

	return nil
}

// rollbackLocked runs the saga and appends the rollback event. On
// compensation failure the workflow transitions to failed.
func (e *Engine) rollbackLocked(ctx context.Context, tc tenant.Context, instance *models.WorkflowInstance, template *models.WorkflowTemplate, toStepID string, extraPayload map[string]any) error {
	truncateSeq, err := e.saga.Compensate(ctx, instance, template, toStepID, tc.Actor.ID)
	if err != nil {
		if errors.Is(err, saga.ErrCompensationFailed) {
			failedEvent := e.event(instance, models.EventWorkflowFailed, "", tc.Actor.ID,
				map[string]any{"error": err.Error()})

			appendErr := e.store.AppendLocked(ctx, []*models.WorkflowEvent{failedEvent})
			if appendErr != nil {
				return wrap(instance.ID, "", appendErr)
			}

			if rebuildErr := e.projector.Rebuild(ctx, instance.ID); rebuildErr != nil {
				e.logger.ErrorContext(ctx, "projection rebuild failed after saga failure",
					"workflow_id", instance.ID, "error", rebuildErr)
			}
		}

		return wrap(instance.ID, toStepID, err)
	}

	payload := map[string]any{
		"to_step_id":   toStepID,
		"truncate_seq": truncateSeq,
	}

	for k, v := range extraPayload {
		payload[k] = v
	}

	rolledBack := e.event(instance, models.EventWorkflowRolledBack, "", tc.Actor.ID, payload)

	err = e.store.AppendLocked(ctx, []*models.WorkflowEvent{rolledBack})
	if err != nil {
		return wrap(instance.ID, "", err)
	}

	// Snapshots past the truncation point describe compensated state; drop
	// them and rebuild both projections by replay.
	err = e.store.DropSnapshotsAbove(ctx, instance.ID, truncateSeq)
	if err != nil {
		e.logger.WarnContext(ctx, "failed to drop snapshots after rollback",
			"workflow_id", instance.ID, "error", err)
	}

	err = e.projector.Rebuild(ctx, instance.ID)
	if err != nil {
		e.logger.ErrorContext(ctx, "projection rebuild failed after rollback, recovery will reproject",
			"workflow_id", instance.ID, "error", err)
	}

	e.logger.InfoContext(ctx, "workflow rolled back",
		"workflow_id", instance.ID, "to_step_id", toStepID)

	return nil
}

// previousCompletedStep returns the latest completed step before the current
// one, for default reject behavior.
func (e *Engine) previousCompletedStep(ctx context.Context, instance *models.WorkflowInstance) string {
	events, err := e.store.Events(ctx, instance.ID, models.EventRange{})
	if err != nil {
		return ""
	}

	completed := make([]string, 0)

	for _, event := range events {
		switch event.Type {
		case models.EventStepCompleted:
			completed = append(completed, event.StepID)
		case models.EventStepCompensated:
			if failed, _ := event.Payload["failed"].(bool); failed {
				continue
			}

			for i := len(completed) - 1; i >= 0; i-- {
				if completed[i] == event.StepID {
					completed = append(completed[:i], completed[i+1:]...)

					break
				}
			}
		}
	}

	if len(completed) < 2 {
		return ""
	}

	return completed[len(completed)-2]
}

// ExpireBookmark fails the suspended step of an expired bookmark. Invoked by
// the bookmark sweeper.
func (e *Engine) ExpireBookmark(ctx context.Context, bookmark *models.Bookmark) error {
	system := tenant.Context{Actor: models.Actor{ID: "system:expiry", Role: models.RoleMarketOps}}

	return e.locked(ctx, bookmark.WorkflowID, func(ctx context.Context) error {
		instance, _, err := e.load(ctx, system, bookmark.WorkflowID)
		if err != nil {
			return err
		}

		failed := e.event(instance, models.EventStepFailed, bookmark.StepID, system.Actor.ID,
			map[string]any{
				"error":      "bookmark expired",
				"error_kind": string(KindBookmarkExpired),
			})

		err = e.store.AppendLocked(ctx, []*models.WorkflowEvent{failed})
		if err != nil {
			return wrap(bookmark.WorkflowID, bookmark.StepID, err)
		}

		e.project(ctx, instance, []*models.WorkflowEvent{failed})

		return nil
	})
}

// Delete removes a cancelled instance and everything it owns. There is no
// archived state; any cancelled instance may be deleted.
// Events are retained in the log for the configured retention horizon.
func (e *Engine) Delete(ctx context.Context, tc tenant.Context, workflowID string) error {
	return e.locked(ctx, workflowID, func(ctx context.Context) error {
		instance, _, err := e.load(ctx, tc, workflowID)
		if err != nil {
			return err
		}

		err = tc.Authorize(instance.TenantID, true)
		if err != nil {
			return wrap(workflowID, "", err)
		}

		if instance.Status != models.WorkflowStatusCancelled {
			return &Error{
				Kind:       KindInvalidTransition,
				WorkflowID: workflowID,
				Message:    "only cancelled workflows may be deleted",
			}
		}

		err = e.persistence.Bookmarks().DeleteForWorkflow(ctx, workflowID)
		if err != nil {
			return wrap(workflowID, "", err)
		}

		err = e.persistence.States().Delete(ctx, workflowID)
		if err != nil {
			return wrap(workflowID, "", err)
		}

		err = e.persistence.Index().Delete(ctx, workflowID)
		if err != nil {
			return wrap(workflowID, "", err)
		}

		return nil
	})
}

// statusTransition is the shared pause/resume/approve path: check the allowed
// source statuses, append the event, project. Idempotent when the workflow is
// already in the target status.
func (e *Engine) statusTransition(
	ctx context.Context,
	tc tenant.Context,
	workflowID string,
	spanName string,
	target models.WorkflowStatus,
	eventType models.EventType,
	from []models.WorkflowStatus,
	payload map[string]any,
) error {
	ctx, span := e.startSpan(ctx, spanName,
		attrWorkflowID.String(workflowID))
	defer span.End()

	err := e.locked(ctx, workflowID, func(ctx context.Context) error {
		instance, _, err := e.load(ctx, tc, workflowID)
		if err != nil {
			return err
		}

		err = tc.Authorize(instance.TenantID, true)
		if err != nil {
			return wrap(workflowID, "", err)
		}

		if instance.Status == target {
			return nil
		}

		allowed := false

		for _, status := range from {
			if instance.Status == status {
				allowed = true

				break
			}
		}

		if !allowed {
			return &Error{
				Kind:       KindInvalidTransition,
				WorkflowID: workflowID,
				Message:    fmt.Sprintf("cannot move from %s to %s", instance.Status, target),
			}
		}

		event := e.event(instance, eventType, "", tc.Actor.ID, payload)

		err = e.store.AppendLocked(ctx, []*models.WorkflowEvent{event})
		if err != nil {
			return wrap(workflowID, "", err)
		}

		e.project(ctx, instance, []*models.WorkflowEvent{event})

		return nil
	})
	if err != nil {
		return e.fail(span, wrap(workflowID, "", err))
	}

	return nil
}

package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/gridbee/marketflow/pkg/handlers"
	"github.com/gridbee/marketflow/pkg/models"
	"github.com/gridbee/marketflow/pkg/statemachine"
	"github.com/gridbee/marketflow/pkg/tenant"
)

// ExecuteStep validates and runs one step of the workflow. Synchronous step
// types execute under the per-workflow lock; api_call I/O runs outside it,
// bracketed by STEP_STARTED and the completion events.
func (e *Engine) ExecuteStep(ctx context.Context, tc tenant.Context, workflowID, stepID string, data map[string]any) (*ExecuteResult, error) {
	ctx, span := e.startSpan(ctx, "engine.execute_step",
		attrWorkflowID.String(workflowID),
		attrStepID.String(stepID))
	defer span.End()

	var (
		result   *ExecuteResult
		instance *models.WorkflowInstance
		template *models.WorkflowTemplate
		step     models.StepDefinition
		handler  handlers.Handler
		async    bool
	)

	err := e.locked(ctx, workflowID, func(ctx context.Context) error {
		var err error

		instance, template, err = e.load(ctx, tc, workflowID)
		if err != nil {
			return err
		}

		err = tc.Authorize(instance.TenantID, true)
		if err != nil {
			return wrap(workflowID, stepID, err)
		}

		if instance.Status != models.WorkflowStatusDraft && instance.Status != models.WorkflowStatusInProgress {
			return &Error{
				Kind:       KindInvalidTransition,
				WorkflowID: workflowID,
				StepID:     stepID,
				Message:    fmt.Sprintf("workflow status %s does not allow step execution", instance.Status),
			}
		}

		machine := e.machineFor(instance, template)

		err = machine.CheckTransition(stepID)
		if err != nil {
			return wrap(workflowID, stepID, err)
		}

		step, _ = template.Step(stepID)

		handler, err = e.registry.Handler(step.Type)
		if err != nil {
			return wrap(workflowID, stepID, err)
		}

		fieldErrors := handler.Validate(ctx, step, data)
		if len(fieldErrors) > 0 {
			validationEvent := e.event(instance, models.EventValidationFailed, stepID, tc.Actor.ID,
				map[string]any{"errors": fieldErrorPayload(fieldErrors)})

			err := e.store.AppendLocked(ctx, []*models.WorkflowEvent{validationEvent})
			if err != nil {
				return wrap(workflowID, stepID, err)
			}

			e.project(ctx, instance, []*models.WorkflowEvent{validationEvent})

			return &Error{
				Kind:       KindValidation,
				WorkflowID: workflowID,
				StepID:     stepID,
				Message:    "step data failed validation",
				Fields:     fieldErrors,
			}
		}

		opening := make([]*models.WorkflowEvent, 0, 3)

		if instance.Status == models.WorkflowStatusDraft {
			opening = append(opening, e.event(instance, models.EventWorkflowStarted, "", tc.Actor.ID, nil))
		}

		opening = append(opening, e.event(instance, models.EventStepStarted, stepID, tc.Actor.ID, nil))

		if step.Type == models.StepTypeAPICall {
			opening = append(opening, e.event(instance, models.EventAPICallStarted, stepID, tc.Actor.ID,
				map[string]any{"idempotency_key": workflowID + ":" + stepID}))
		}

		err = e.store.AppendLocked(ctx, opening)
		if err != nil {
			return wrap(workflowID, stepID, err)
		}

		e.project(ctx, instance, opening)

		// External I/O never runs under the per-workflow lock.
		if step.Type == models.StepTypeAPICall {
			async = true

			return nil
		}

		handlerResult, handlerErr := e.dispatch(ctx, instance, step, handler, data)

		result, err = e.finishStep(ctx, tc, instance, template, step, data, handlerResult, handlerErr)

		return err
	})
	if err != nil {
		return nil, e.fail(span, wrap(workflowID, stepID, err))
	}

	if !async {
		return result, nil
	}

	// api_call path: run the handler outside the lock, then re-acquire to
	// record the outcome. A crash in between leaves an open step that the
	// recovery scan re-issues idempotently.
	handlerResult, handlerErr := e.dispatch(ctx, instance, step, handler, data)

	err = e.locked(ctx, workflowID, func(ctx context.Context) error {
		var err error

		instance, template, err = e.load(ctx, tc, workflowID)
		if err != nil {
			return err
		}

		result, err = e.finishStep(ctx, tc, instance, template, step, data, handlerResult, handlerErr)

		return err
	})
	if err != nil {
		return nil, e.fail(span, wrap(workflowID, stepID, err))
	}

	return result, nil
}

// ResumeBookmark consumes a bookmark exactly once and re-enters the step's
// handler with the external payload, following the same completion path as
// ExecuteStep.
func (e *Engine) ResumeBookmark(ctx context.Context, tc tenant.Context, workflowID, bookmarkID string, payload map[string]any) (*ExecuteResult, error) {
	ctx, span := e.startSpan(ctx, "engine.resume_bookmark",
		attrWorkflowID.String(workflowID),
		attrBookmarkID.String(bookmarkID))
	defer span.End()

	var result *ExecuteResult

	err := e.locked(ctx, workflowID, func(ctx context.Context) error {
		instance, template, err := e.load(ctx, tc, workflowID)
		if err != nil {
			return err
		}

		err = tc.Authorize(instance.TenantID, true)
		if err != nil {
			return wrap(workflowID, "", err)
		}

		bookmark, err := e.bookmarks.Get(ctx, bookmarkID)
		if err != nil {
			return wrap(workflowID, "", err)
		}

		if bookmark.WorkflowID != workflowID {
			return &Error{
				Kind:       KindNotFound,
				WorkflowID: workflowID,
				Message:    "bookmark does not belong to this workflow",
			}
		}

		bookmark, err = e.bookmarks.Consume(ctx, bookmarkID, payload, tc.Actor.ID)
		if err != nil {
			return wrap(workflowID, "", err)
		}

		step, ok := template.Step(bookmark.StepID)
		if !ok {
			return &Error{
				Kind:       KindIntegrity,
				WorkflowID: workflowID,
				StepID:     bookmark.StepID,
				Message:    "bookmarked step is not defined in template",
			}
		}

		resumable, ok := e.registry.Resumable(step.Type)
		if !ok {
			return &Error{
				Kind:       KindIntegrity,
				WorkflowID: workflowID,
				StepID:     bookmark.StepID,
				Message:    fmt.Sprintf("step type %s does not support resume", step.Type),
			}
		}

		resumed := e.event(instance, models.EventStepResumed, bookmark.StepID, tc.Actor.ID,
			map[string]any{"bookmark_id": bookmarkID})

		err = e.store.AppendLocked(ctx, []*models.WorkflowEvent{resumed})
		if err != nil {
			return wrap(workflowID, bookmark.StepID, err)
		}

		e.project(ctx, instance, []*models.WorkflowEvent{resumed})

		ec := e.executionContext(instance, step, payload)

		handlerResult, handlerErr := resumable.OnResume(ctx, ec, payload)

		result, err = e.finishStep(ctx, tc, instance, template, step, payload, handlerResult, handlerErr)

		return err
	})
	if err != nil {
		return nil, e.fail(span, wrap(workflowID, "", err))
	}

	return result, nil
}

// dispatch runs the handler with the step's start-to-close timeout.
func (e *Engine) dispatch(ctx context.Context, instance *models.WorkflowInstance, step models.StepDefinition, handler handlers.Handler, data map[string]any) (handlers.Result, error) {
	timeout := step.StartToCloseTimeout
	if timeout <= 0 {
		timeout = e.cfg.StepStartToCloseTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return handler.Execute(ctx, e.executionContext(instance, step, data))
}

func (e *Engine) executionContext(instance *models.WorkflowInstance, step models.StepDefinition, data map[string]any) handlers.ExecutionContext {
	stepData := make(map[string]map[string]any, len(instance.StepStates))

	for stepID, state := range instance.StepStates {
		stepData[stepID] = state.Data
	}

	return handlers.ExecutionContext{
		WorkflowID: instance.ID,
		TenantID:   instance.TenantID,
		Step:       step,
		Input:      data,
		StepData:   stepData,
		Logger:     e.logger.With("workflow_id", instance.ID, "step_id", step.ID),
	}
}

// finishStep turns a handler result into the completion events and the
// caller-facing result. The caller holds the per-workflow lock.
func (e *Engine) finishStep(
	ctx context.Context,
	tc tenant.Context,
	instance *models.WorkflowInstance,
	template *models.WorkflowTemplate,
	step models.StepDefinition,
	data map[string]any,
	handlerResult handlers.Result,
	handlerErr error,
) (*ExecuteResult, error) {
	// Suspension: persist the bookmark, mark the step paused, and return.
	// The workflow stays in_progress; only the step is paused.
	if handlerErr == nil && handlerResult.Bookmark != nil {
		return e.suspendStep(ctx, tc, instance, step, data, handlerResult.Bookmark)
	}

	// A failed validation outcome records errors without advancing state.
	if handlerErr == nil && step.Type == models.StepTypeValidation && len(handlerResult.Errors) > 0 {
		validationEvent := e.event(instance, models.EventValidationFailed, step.ID, tc.Actor.ID,
			map[string]any{"errors": fieldErrorPayload(handlerResult.Errors)})

		err := e.store.AppendLocked(ctx, []*models.WorkflowEvent{validationEvent})
		if err != nil {
			return nil, wrap(instance.ID, step.ID, err)
		}

		e.project(ctx, instance, []*models.WorkflowEvent{validationEvent})

		return &ExecuteResult{
			Status:  instance.Status,
			Outcome: handlers.OutcomeFailed,
		}, nil
	}

	if handlerErr != nil || handlerResult.Outcome == handlers.OutcomeFailed {
		return nil, e.failStep(ctx, tc, instance, step, handlerResult, handlerErr)
	}

	batch := make([]*models.WorkflowEvent, 0, 3)

	switch step.Type {
	case models.StepTypeAPICall:
		batch = append(batch, e.event(instance, models.EventAPICallCompleted, step.ID, tc.Actor.ID,
			map[string]any{"response": handlerResult.Output}))
	case models.StepTypeNotification:
		if delivered, ok := handlerResult.Output["delivered"].(bool); ok && !delivered {
			batch = append(batch, e.event(instance, models.EventNotificationFailed, step.ID, tc.Actor.ID,
				map[string]any{"error": handlerResult.Output["error"]}))
		} else {
			batch = append(batch, e.event(instance, models.EventNotificationSent, step.ID, tc.Actor.ID,
				map[string]any{"message_id": handlerResult.Output["message_id"]}))
		}
	case models.StepTypeValidation:
		batch = append(batch, e.event(instance, models.EventValidationPassed, step.ID, tc.Actor.ID, nil))
		batch = append(batch, e.event(instance, models.EventStepValidated, step.ID, tc.Actor.ID, nil))
	case models.StepTypeApproval:
		if handlerResult.Outcome == handlers.OutcomeApproved {
			batch = append(batch, e.event(instance, models.EventApprovalGranted, step.ID, tc.Actor.ID, handlerResult.Output))
		} else if handlerResult.Outcome == handlers.OutcomeRejected {
			batch = append(batch, e.event(instance, models.EventApprovalRejected, step.ID, tc.Actor.ID, handlerResult.Output))
		}
	}

	completedPayload := map[string]any{
		"outcome": handlerResult.Outcome,
	}

	if data != nil {
		completedPayload["data"] = data
	}

	if handlerResult.Output != nil {
		completedPayload["output"] = handlerResult.Output
	}

	machine := e.machineFor(instance, template)
	if machine.IsLastStep(step.ID) {
		completedPayload["workflow_status"] = string(models.WorkflowStatusAwaitingValidation)
	}

	batch = append(batch, e.event(instance, models.EventStepCompleted, step.ID, tc.Actor.ID, completedPayload))

	err := e.store.AppendLocked(ctx, batch)
	if err != nil {
		return nil, wrap(instance.ID, step.ID, err)
	}

	e.project(ctx, instance, batch)

	next := ""
	if targets := machine.NextSteps(step.ID); len(targets) > 0 {
		next = targets[0]
	}

	return &ExecuteResult{
		Status:     instance.Status,
		NextStepID: next,
		Outcome:    handlerResult.Outcome,
		Output:     handlerResult.Output,
	}, nil
}

func (e *Engine) suspendStep(ctx context.Context, tc tenant.Context, instance *models.WorkflowInstance, step models.StepDefinition, data map[string]any, request *handlers.BookmarkRequest) (*ExecuteResult, error) {
	bookmark, err := e.bookmarks.Create(ctx, instance.ID, instance.TenantID, step.ID,
		request.Kind, request.ExpectedPayloadShape, request.Metadata, request.Expiry)
	if err != nil {
		return nil, wrap(instance.ID, step.ID, err)
	}

	batch := make([]*models.WorkflowEvent, 0, 2)

	if request.Kind == models.BookmarkKindApproval {
		batch = append(batch, e.event(instance, models.EventApprovalRequested, step.ID, tc.Actor.ID, request.Metadata))
	}

	pausedPayload := map[string]any{"bookmark_id": bookmark.BookmarkID, "kind": string(request.Kind)}

	if data != nil {
		pausedPayload["data"] = data
	}

	batch = append(batch, e.event(instance, models.EventStepPaused, step.ID, tc.Actor.ID, pausedPayload))

	err = e.store.AppendLocked(ctx, batch)
	if err != nil {
		return nil, wrap(instance.ID, step.ID, err)
	}

	e.project(ctx, instance, batch)

	return &ExecuteResult{
		Status:     instance.Status,
		BookmarkID: bookmark.BookmarkID,
	}, nil
}

func (e *Engine) failStep(ctx context.Context, tc tenant.Context, instance *models.WorkflowInstance, step models.StepDefinition, handlerResult handlers.Result, handlerErr error) error {
	kind := KindExternalFailure

	message := "step execution failed"
	if handlerErr != nil {
		message = handlerErr.Error()

		if errors.Is(handlerErr, context.DeadlineExceeded) {
			kind = KindTimeout
			message = "step exceeded its start-to-close timeout"
		}
	}

	batch := make([]*models.WorkflowEvent, 0, 2)

	if step.Type == models.StepTypeAPICall {
		batch = append(batch, e.event(instance, models.EventAPICallFailed, step.ID, tc.Actor.ID,
			map[string]any{"error": message}))
	}

	if step.Type == models.StepTypeNotification {
		batch = append(batch, e.event(instance, models.EventNotificationFailed, step.ID, tc.Actor.ID,
			map[string]any{"error": message}))
	}

	batch = append(batch, e.event(instance, models.EventStepFailed, step.ID, tc.Actor.ID,
		map[string]any{"error": message, "error_kind": string(kind)}))

	err := e.store.AppendLocked(ctx, batch)
	if err != nil {
		return wrap(instance.ID, step.ID, err)
	}

	e.project(ctx, instance, batch)

	// The workflow stays at the current step with the step failed and
	// retryable.
	return &Error{
		Kind:       kind,
		WorkflowID: instance.ID,
		StepID:     step.ID,
		Message:    message,
		Err:        handlerErr,
	}
}

func (e *Engine) machineFor(instance *models.WorkflowInstance, template *models.WorkflowTemplate) *statemachine.Machine {
	return statemachine.New(instance, template)
}

func (e *Engine) event(instance *models.WorkflowInstance, eventType models.EventType, stepID, performedBy string, payload map[string]any) *models.WorkflowEvent {
	return &models.WorkflowEvent{
		WorkflowID:  instance.ID,
		TenantID:    instance.TenantID,
		Type:        eventType,
		StepID:      stepID,
		PerformedBy: performedBy,
		Payload:     payload,
	}
}

func fieldErrorPayload(fieldErrors []models.FieldError) []any {
	payload := make([]any, 0, len(fieldErrors))

	for _, fe := range fieldErrors {
		payload = append(payload, map[string]any{"field": fe.Field, "message": fe.Message})
	}

	return payload
}

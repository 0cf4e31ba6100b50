package statemachine

import (
	"fmt"

	"github.com/gridbee/marketflow/pkg/models"
)

// Initial returns the canonical initial state every replay starts from.
func Initial(workflowID string) *models.WorkflowInstance {
	return &models.WorkflowInstance{
		ID:         workflowID,
		StepStates: make(map[string]*models.StepState),
	}
}

// Apply projects one event into the instance. It is a pure transformation of
// state, total over every defined event type; unknown types are rejected, not
// ignored, so a log written by a newer engine version fails loudly instead of
// replaying into a wrong state.
func Apply(instance *models.WorkflowInstance, event *models.WorkflowEvent) error {
	if !models.KnownEventType(event.Type) {
		return fmt.Errorf("%w: %s", ErrUnknownEventType, event.Type)
	}

	switch event.Type {
	case models.EventWorkflowCreated:
		applyCreated(instance, event)
	case models.EventWorkflowStarted:
		instance.Status = models.WorkflowStatusInProgress
	case models.EventWorkflowPaused:
		instance.Status = models.WorkflowStatusPaused
	case models.EventWorkflowResumed:
		instance.Status = models.WorkflowStatusInProgress
	case models.EventWorkflowSubmitted:
		instance.Status = models.WorkflowStatusSubmitted
	case models.EventWorkflowCompleted:
		instance.Status = models.WorkflowStatusCompleted
	case models.EventWorkflowFailed:
		instance.Status = models.WorkflowStatusFailed
	case models.EventWorkflowCancelled:
		instance.Status = models.WorkflowStatusCancelled
	case models.EventWorkflowRolledBack:
		applyRolledBack(instance, event)

	case models.EventStepStarted:
		state := instance.StepState(event.StepID)
		state.Status = models.StepStatusInProgress
		at := event.OccurredAt
		state.StartedAt = &at
		state.Error = ""
		instance.CurrentStepID = event.StepID
	case models.EventStepCompleted:
		applyStepCompleted(instance, event)
	case models.EventStepFailed:
		state := instance.StepState(event.StepID)
		state.Status = models.StepStatusFailed
		state.Error = stringPayload(event, "error")
	case models.EventStepValidated:
		state := instance.StepState(event.StepID)
		state.ValidationErrors = nil
	case models.EventStepPaused:
		state := instance.StepState(event.StepID)
		state.Status = models.StepStatusPaused
		at := event.OccurredAt
		state.PausedAt = &at
	case models.EventStepResumed:
		state := instance.StepState(event.StepID)
		state.Status = models.StepStatusInProgress
		state.PausedAt = nil
	case models.EventStepSkipped:
		state := instance.StepState(event.StepID)
		state.Status = models.StepStatusSkipped
	case models.EventStepCompensated:
		applyStepCompensated(instance, event)

	case models.EventApprovalRequested:
		state := instance.StepState(event.StepID)
		mergeData(state, map[string]any{"approval_requested": event.Payload})
	case models.EventApprovalGranted:
		state := instance.StepState(event.StepID)
		state.Outcome = "approved"
		mergeData(state, map[string]any{"approval": event.Payload})
	case models.EventApprovalRejected:
		state := instance.StepState(event.StepID)
		state.Outcome = "rejected"
		mergeData(state, map[string]any{"approval": event.Payload})

	case models.EventDataUpdated:
		state := instance.StepState(event.StepID)
		if data, ok := event.Payload["data"].(map[string]any); ok {
			mergeData(state, data)
		}
	case models.EventValidationFailed:
		state := instance.StepState(event.StepID)
		state.ValidationErrors = fieldErrors(event)
	case models.EventValidationPassed:
		if event.StepID != "" {
			state := instance.StepState(event.StepID)
			state.ValidationErrors = nil
		}

	case models.EventAPICallStarted:
		// Recorded for audit and crash recovery; the step state itself is
		// driven by the surrounding STEP_* events.
	case models.EventAPICallCompleted:
		state := instance.StepState(event.StepID)
		if response, ok := event.Payload["response"].(map[string]any); ok {
			state.Output = response
		}
	case models.EventAPICallFailed:
		state := instance.StepState(event.StepID)
		state.Error = stringPayload(event, "error")

	case models.EventNotificationSent:
		state := instance.StepState(event.StepID)
		if state.Output == nil {
			state.Output = make(map[string]any)
		}
		state.Output["message_id"] = event.Payload["message_id"]
	case models.EventNotificationFailed:
		state := instance.StepState(event.StepID)
		state.Error = stringPayload(event, "error")
	}

	instance.UpdatedAt = event.OccurredAt
	instance.LastSequenceNo = event.SequenceNo

	return nil
}

func applyCreated(instance *models.WorkflowInstance, event *models.WorkflowEvent) {
	instance.ID = event.WorkflowID
	instance.TenantID = event.TenantID
	instance.TemplateID = stringPayload(event, "template_id")
	instance.MarketRole = models.MarketRole(stringPayload(event, "market_role"))
	instance.Status = models.WorkflowStatusDraft
	instance.CreatedBy = event.PerformedBy
	instance.CreatedAt = event.OccurredAt

	if v, ok := event.Payload["template_version"].(float64); ok {
		instance.TemplateVersion = int(v)
	}

	if v, ok := event.Payload["template_version"].(int); ok {
		instance.TemplateVersion = v
	}

	if instance.StepStates == nil {
		instance.StepStates = make(map[string]*models.StepState)
	}
}

func applyStepCompleted(instance *models.WorkflowInstance, event *models.WorkflowEvent) {
	state := instance.StepState(event.StepID)
	state.Status = models.StepStatusCompleted
	at := event.OccurredAt
	state.CompletedAt = &at
	state.CompletedBy = event.PerformedBy
	state.Outcome = stringPayload(event, "outcome")
	state.Error = ""

	if data, ok := event.Payload["data"].(map[string]any); ok {
		state.Data = data
	}

	if output, ok := event.Payload["output"].(map[string]any); ok {
		state.Output = output
	}

	instance.CurrentStepID = event.StepID

	// The engine stamps the resulting workflow status into the completion
	// event so replay stays pure over the log alone.
	if status, ok := event.Payload["workflow_status"].(string); ok && status != "" {
		instance.Status = models.WorkflowStatus(status)
	}
}

// applyStepCompensated resets the compensated step to pending, dropping its
// data from current state. The original data remains reachable in the event
// history. A failed compensation attempt is recorded with failed=true and
// leaves the step state untouched for operator inspection.
func applyStepCompensated(instance *models.WorkflowInstance, event *models.WorkflowEvent) {
	if failed, ok := event.Payload["failed"].(bool); ok && failed {
		return
	}

	state := instance.StepState(event.StepID)
	state.Status = models.StepStatusPending
	state.Data = nil
	state.Output = nil
	state.Outcome = ""
	state.CompletedAt = nil
	state.CompletedBy = ""
	state.ValidationErrors = nil
}

func applyRolledBack(instance *models.WorkflowInstance, event *models.WorkflowEvent) {
	instance.Status = models.WorkflowStatusInProgress
	instance.CurrentStepID = stringPayload(event, "to_step_id")
}

func stringPayload(event *models.WorkflowEvent, key string) string {
	if v, ok := event.Payload[key].(string); ok {
		return v
	}

	return ""
}

func mergeData(state *models.StepState, data map[string]any) {
	if state.Data == nil {
		state.Data = make(map[string]any)
	}

	for k, v := range data {
		state.Data[k] = v
	}
}

func fieldErrors(event *models.WorkflowEvent) []models.FieldError {
	raw, ok := event.Payload["errors"].([]any)
	if !ok {
		return nil
	}

	result := make([]models.FieldError, 0, len(raw))

	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}

		fe := models.FieldError{}

		if f, ok := m["field"].(string); ok {
			fe.Field = f
		}

		if msg, ok := m["message"].(string); ok {
			fe.Message = msg
		}

		result = append(result, fe)
	}

	return result
}

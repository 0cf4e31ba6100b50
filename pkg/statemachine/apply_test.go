package statemachine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridbee/marketflow/pkg/models"
)

func event(seq int64, eventType models.EventType, stepID string, payload map[string]any) *models.WorkflowEvent {
	return &models.WorkflowEvent{
		EventID:     "ev-" + string(rune('0'+seq)),
		WorkflowID:  "wf-1",
		TenantID:    "t1",
		SequenceNo:  seq,
		Type:        eventType,
		StepID:      stepID,
		Payload:     payload,
		PerformedBy: "u1",
		OccurredAt:  time.Date(2026, 1, 1, 0, 0, int(seq), 0, time.UTC),
	}
}

func TestApply_RejectsUnknownEventType(t *testing.T) {
	instance := Initial("wf-1")

	err := Apply(instance, event(1, models.EventType("MYSTERY"), "", nil))
	assert.ErrorIs(t, err, ErrUnknownEventType)
}

func TestApply_Created(t *testing.T) {
	instance := Initial("wf-1")

	err := Apply(instance, event(1, models.EventWorkflowCreated, "", map[string]any{
		"template_id":      "tpl-1",
		"template_version": float64(3),
		"market_role":      "BRP",
	}))
	require.NoError(t, err)

	assert.Equal(t, models.WorkflowStatusDraft, instance.Status)
	assert.Equal(t, "tpl-1", instance.TemplateID)
	assert.Equal(t, 3, instance.TemplateVersion)
	assert.Equal(t, models.MarketRoleBRP, instance.MarketRole)
	assert.Equal(t, "t1", instance.TenantID)
	assert.Equal(t, int64(1), instance.LastSequenceNo)
}

func TestApply_StepLifecycle(t *testing.T) {
	instance := Initial("wf-1")

	require.NoError(t, Apply(instance, event(1, models.EventWorkflowCreated, "", nil)))
	require.NoError(t, Apply(instance, event(2, models.EventWorkflowStarted, "", nil)))
	require.NoError(t, Apply(instance, event(3, models.EventStepStarted, "a", nil)))

	assert.Equal(t, "a", instance.CurrentStepID)
	assert.Equal(t, models.StepStatusInProgress, instance.StepStates["a"].Status)

	require.NoError(t, Apply(instance, event(4, models.EventStepCompleted, "a", map[string]any{
		"outcome": "default",
		"data":    map[string]any{"companyName": "Engie"},
	})))

	state := instance.StepStates["a"]
	assert.Equal(t, models.StepStatusCompleted, state.Status)
	assert.Equal(t, "default", state.Outcome)
	assert.Equal(t, "Engie", state.Data["companyName"])
	assert.Equal(t, "u1", state.CompletedBy)
	assert.NotNil(t, state.CompletedAt)
}

func TestApply_CompletedStampsWorkflowStatus(t *testing.T) {
	instance := Initial("wf-1")

	require.NoError(t, Apply(instance, event(1, models.EventWorkflowCreated, "", nil)))
	require.NoError(t, Apply(instance, event(2, models.EventWorkflowStarted, "", nil)))
	require.NoError(t, Apply(instance, event(3, models.EventStepStarted, "last", nil)))
	require.NoError(t, Apply(instance, event(4, models.EventStepCompleted, "last", map[string]any{
		"outcome":         "default",
		"workflow_status": "awaiting_validation",
	})))

	assert.Equal(t, models.WorkflowStatusAwaitingValidation, instance.Status)
}

func TestApply_CompensationResetsStep(t *testing.T) {
	instance := Initial("wf-1")

	require.NoError(t, Apply(instance, event(1, models.EventWorkflowCreated, "", nil)))
	require.NoError(t, Apply(instance, event(2, models.EventStepStarted, "b", nil)))
	require.NoError(t, Apply(instance, event(3, models.EventStepCompleted, "b", map[string]any{
		"outcome": "default",
		"data":    map[string]any{"accessPoints": []any{"EAN-1"}},
	})))
	require.NoError(t, Apply(instance, event(4, models.EventStepCompensated, "b", nil)))

	state := instance.StepStates["b"]
	assert.Equal(t, models.StepStatusPending, state.Status)
	assert.Nil(t, state.Data)
	assert.Empty(t, state.Outcome)
	assert.Nil(t, state.CompletedAt)
}

func TestApply_FailedCompensationLeavesStepUntouched(t *testing.T) {
	instance := Initial("wf-1")

	require.NoError(t, Apply(instance, event(1, models.EventWorkflowCreated, "", nil)))
	require.NoError(t, Apply(instance, event(2, models.EventStepCompleted, "b", map[string]any{
		"outcome": "default",
	})))
	require.NoError(t, Apply(instance, event(3, models.EventStepCompensated, "b", map[string]any{
		"failed": true,
		"error":  "target unreachable",
	})))

	assert.Equal(t, models.StepStatusCompleted, instance.StepStates["b"].Status)
}

func TestApply_RolledBack(t *testing.T) {
	instance := Initial("wf-1")

	require.NoError(t, Apply(instance, event(1, models.EventWorkflowCreated, "", nil)))
	require.NoError(t, Apply(instance, event(2, models.EventWorkflowRolledBack, "", map[string]any{
		"to_step_id": "a",
	})))

	assert.Equal(t, models.WorkflowStatusInProgress, instance.Status)
	assert.Equal(t, "a", instance.CurrentStepID)
}

func TestApply_ReplayIsDeterministic(t *testing.T) {
	script := []*models.WorkflowEvent{
		event(1, models.EventWorkflowCreated, "", map[string]any{"template_id": "tpl-1"}),
		event(2, models.EventWorkflowStarted, "", nil),
		event(3, models.EventStepStarted, "a", nil),
		event(4, models.EventStepCompleted, "a", map[string]any{"outcome": "default", "data": map[string]any{"k": "v"}}),
		event(5, models.EventStepStarted, "b", nil),
		event(6, models.EventStepFailed, "b", map[string]any{"error": "boom"}),
	}

	first := Initial("wf-1")
	second := Initial("wf-1")

	for _, ev := range script {
		require.NoError(t, Apply(first, ev))
		require.NoError(t, Apply(second, ev))
	}

	assert.Equal(t, first, second)
	assert.Equal(t, models.StepStatusFailed, first.StepStates["b"].Status)
	assert.Equal(t, "boom", first.StepStates["b"].Error)
}

func TestMachine_CheckTransition(t *testing.T) {
	template := &models.WorkflowTemplate{
		Steps: []models.StepDefinition{
			{ID: "a", Order: 1},
			{ID: "b", Order: 2},
		},
		Transitions: map[string][]string{"a": {"b"}, "b": {}},
	}

	instance := &models.WorkflowInstance{Status: models.WorkflowStatusInProgress, CurrentStepID: "a"}
	machine := New(instance, template)

	assert.NoError(t, machine.CheckTransition("b"))
	assert.ErrorIs(t, machine.CheckTransition("ghost"), ErrUnknownStep)

	instance.Status = models.WorkflowStatusCompleted
	assert.ErrorIs(t, machine.CheckTransition("b"), ErrTerminalStatus)

	instance.Status = models.WorkflowStatusInProgress
	instance.CurrentStepID = "b"
	assert.ErrorIs(t, machine.CheckTransition("a"), ErrInvalidTransition)
}

func TestMachine_IsLastStep(t *testing.T) {
	template := &models.WorkflowTemplate{
		Steps: []models.StepDefinition{
			{ID: "a", Order: 1},
			{ID: "b", Order: 2},
		},
		Transitions: map[string][]string{"a": {"b"}, "b": {}},
	}

	machine := New(&models.WorkflowInstance{}, template)

	assert.False(t, machine.IsLastStep("a"))
	assert.True(t, machine.IsLastStep("b"))
}

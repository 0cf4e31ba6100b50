package eventlog

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridbee/marketflow/pkg/locks"
	"github.com/gridbee/marketflow/pkg/models"
	"github.com/gridbee/marketflow/pkg/persistence"
	"github.com/gridbee/marketflow/pkg/persistence/document"
)

func newStore(t *testing.T, snapshotInterval int64) (*Store, *document.Persistence) {
	t.Helper()

	p := document.NewPersistence(t.TempDir())

	store := NewStore(p.Events(), p.Snapshots(), locks.NewMutexLocker(), nil,
		slog.Default(), time.Second, snapshotInterval)

	return store, p
}

func TestStore_AppendAssignsSequence(t *testing.T) {
	store, _ := newStore(t, 0)

	err := store.Append(t.Context(), &models.WorkflowEvent{
		WorkflowID:  "wf-1",
		TenantID:    "t1",
		Type:        models.EventWorkflowCreated,
		PerformedBy: "u1",
	})
	require.NoError(t, err)

	err = store.AppendMany(t.Context(), []*models.WorkflowEvent{
		{WorkflowID: "wf-1", TenantID: "t1", Type: models.EventWorkflowStarted, PerformedBy: "u1"},
		{WorkflowID: "wf-1", TenantID: "t1", Type: models.EventStepStarted, StepID: "a", PerformedBy: "u1"},
	})
	require.NoError(t, err)

	events, err := store.Events(t.Context(), "wf-1", models.EventRange{})
	require.NoError(t, err)
	require.Len(t, events, 3)

	for i, event := range events {
		assert.Equal(t, int64(i+1), event.SequenceNo)
		assert.NotEmpty(t, event.EventID)
		assert.False(t, event.OccurredAt.IsZero())
	}

	// occurred_at is monotonic per workflow.
	for i := 1; i < len(events); i++ {
		assert.False(t, events[i].OccurredAt.Before(events[i-1].OccurredAt))
	}
}

func TestStore_ReplayMatchesAppliedState(t *testing.T) {
	store, _ := newStore(t, 0)

	err := store.AppendMany(t.Context(), []*models.WorkflowEvent{
		{WorkflowID: "wf-1", TenantID: "t1", Type: models.EventWorkflowCreated, PerformedBy: "u1",
			Payload: map[string]any{"template_id": "tpl-1", "template_version": float64(1), "market_role": "BRP"}},
		{WorkflowID: "wf-1", TenantID: "t1", Type: models.EventWorkflowStarted, PerformedBy: "u1"},
		{WorkflowID: "wf-1", TenantID: "t1", Type: models.EventStepStarted, StepID: "a", PerformedBy: "u1"},
		{WorkflowID: "wf-1", TenantID: "t1", Type: models.EventStepCompleted, StepID: "a", PerformedBy: "u1",
			Payload: map[string]any{"outcome": "default", "data": map[string]any{"k": "v"}}},
	})
	require.NoError(t, err)

	state, err := store.Replay(t.Context(), "wf-1", 0)
	require.NoError(t, err)

	assert.Equal(t, models.WorkflowStatusInProgress, state.Status)
	assert.Equal(t, "a", state.CurrentStepID)
	assert.Equal(t, int64(4), state.LastSequenceNo)
	assert.Equal(t, models.StepStatusCompleted, state.StepStates["a"].Status)

	// Replaying a prefix yields the earlier state.
	partial, err := store.Replay(t.Context(), "wf-1", 2)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusInProgress, partial.Status)
	assert.Empty(t, partial.CurrentStepID)
}

func TestStore_ReplayUnknownWorkflow(t *testing.T) {
	store, _ := newStore(t, 0)

	_, err := store.Replay(t.Context(), "missing", 0)
	assert.True(t, persistence.IsWorkflowNotFound(err))
}

func TestStore_SnapshotsSpeedReplay(t *testing.T) {
	store, p := newStore(t, 2)

	err := store.AppendMany(t.Context(), []*models.WorkflowEvent{
		{WorkflowID: "wf-1", TenantID: "t1", Type: models.EventWorkflowCreated, PerformedBy: "u1"},
		{WorkflowID: "wf-1", TenantID: "t1", Type: models.EventWorkflowStarted, PerformedBy: "u1"},
	})
	require.NoError(t, err)

	err = store.AppendMany(t.Context(), []*models.WorkflowEvent{
		{WorkflowID: "wf-1", TenantID: "t1", Type: models.EventStepStarted, StepID: "a", PerformedBy: "u1"},
		{WorkflowID: "wf-1", TenantID: "t1", Type: models.EventStepCompleted, StepID: "a", PerformedBy: "u1",
			Payload: map[string]any{"outcome": "default"}},
	})
	require.NoError(t, err)

	snapshot, err := p.Snapshots().LatestBefore(t.Context(), "wf-1", 100)
	require.NoError(t, err)
	require.NotNil(t, snapshot)
	assert.Equal(t, int64(4), snapshot.SequenceNo)

	state, err := store.Replay(t.Context(), "wf-1", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(4), state.LastSequenceNo)
	assert.Equal(t, models.StepStatusCompleted, state.StepStates["a"].Status)
}

package document

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridbee/marketflow/pkg/models"
	"github.com/gridbee/marketflow/pkg/persistence"
	"github.com/gridbee/marketflow/pkg/tenant"
)

func marketOps() tenant.Context {
	return tenant.Context{Actor: models.Actor{ID: "ops", Role: models.RoleMarketOps}}
}

func tenantAdmin(tenantID string) tenant.Context {
	return tenant.Context{Actor: models.Actor{ID: "adm", Role: models.RoleTenantAdmin, TenantID: tenantID}}
}

func testEvent(workflowID string, seq int64, eventType models.EventType) *models.WorkflowEvent {
	return &models.WorkflowEvent{
		EventID:     "ev",
		WorkflowID:  workflowID,
		TenantID:    "t1",
		SequenceNo:  seq,
		Type:        eventType,
		PerformedBy: "u1",
		OccurredAt:  time.Now().UTC(),
	}
}

func TestEventRepository_AppendAssignsDenseSequence(t *testing.T) {
	p := NewPersistence(t.TempDir())
	repo := p.Events()

	err := repo.Append(t.Context(), "wf-1", 1, []*models.WorkflowEvent{
		testEvent("wf-1", 1, models.EventWorkflowCreated),
		testEvent("wf-1", 2, models.EventWorkflowStarted),
	})
	require.NoError(t, err)

	head, err := repo.HeadSequence(t.Context(), "wf-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), head)

	events, err := repo.Events(t.Context(), "wf-1", models.EventRange{})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(1), events[0].SequenceNo)
	assert.Equal(t, int64(2), events[1].SequenceNo)
}

func TestEventRepository_RejectsNonDenseAppend(t *testing.T) {
	p := NewPersistence(t.TempDir())
	repo := p.Events()

	err := repo.Append(t.Context(), "wf-1", 1, []*models.WorkflowEvent{
		testEvent("wf-1", 1, models.EventWorkflowCreated),
	})
	require.NoError(t, err)

	// Appending with a stale head expectation violates density.
	err = repo.Append(t.Context(), "wf-1", 1, []*models.WorkflowEvent{
		testEvent("wf-1", 1, models.EventWorkflowStarted),
	})
	assert.True(t, persistence.IsIntegrity(err))

	err = repo.Append(t.Context(), "wf-1", 3, []*models.WorkflowEvent{
		testEvent("wf-1", 3, models.EventWorkflowStarted),
	})
	assert.True(t, persistence.IsIntegrity(err))
}

func TestEventRepository_RangeReads(t *testing.T) {
	p := NewPersistence(t.TempDir())
	repo := p.Events()

	batch := []*models.WorkflowEvent{
		testEvent("wf-1", 1, models.EventWorkflowCreated),
		testEvent("wf-1", 2, models.EventWorkflowStarted),
		testEvent("wf-1", 3, models.EventStepStarted),
		testEvent("wf-1", 4, models.EventStepCompleted),
	}
	require.NoError(t, repo.Append(t.Context(), "wf-1", 1, batch))

	events, err := repo.Events(t.Context(), "wf-1", models.EventRange{FromSeq: 2, ToSeq: 3})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(2), events[0].SequenceNo)
	assert.Equal(t, int64(3), events[1].SequenceNo)
}

func TestStateRepository_OptimisticConcurrency(t *testing.T) {
	p := NewPersistence(t.TempDir())
	repo := p.States()

	instance := &models.WorkflowInstance{
		ID:       "wf-1",
		TenantID: "t1",
		Status:   models.WorkflowStatusDraft,
	}

	require.NoError(t, repo.Insert(t.Context(), instance))
	assert.Equal(t, int64(1), instance.Version)

	instance.Status = models.WorkflowStatusInProgress
	require.NoError(t, repo.UpdateState(t.Context(), instance, 1))
	assert.Equal(t, int64(2), instance.Version)

	stale := &models.WorkflowInstance{ID: "wf-1", TenantID: "t1"}
	err := repo.UpdateState(t.Context(), stale, 1)
	assert.True(t, persistence.IsStaleWrite(err))
}

func TestStateRepository_TenantInvisibleIsNotFound(t *testing.T) {
	p := NewPersistence(t.TempDir())
	repo := p.States()

	require.NoError(t, repo.Insert(t.Context(), &models.WorkflowInstance{
		ID:       "wf-t2",
		TenantID: "t2",
		Status:   models.WorkflowStatusDraft,
	}))

	// A foreign tenant's workflow reads as not found, never as denied.
	_, err := repo.Get(t.Context(), tenantAdmin("t1"), "wf-t2")
	assert.True(t, persistence.IsWorkflowNotFound(err))

	instance, err := repo.Get(t.Context(), marketOps(), "wf-t2")
	require.NoError(t, err)
	assert.Equal(t, "t2", instance.TenantID)
}

func TestIndexRepository_TenantScopedQuery(t *testing.T) {
	p := NewPersistence(t.TempDir())
	repo := p.Index()

	now := time.Now().UTC()

	require.NoError(t, repo.Insert(t.Context(), &models.IndexRow{
		ID: "wf-1", TenantID: "t1", Status: models.WorkflowStatusDraft, CreatedAt: now,
	}))
	require.NoError(t, repo.Insert(t.Context(), &models.IndexRow{
		ID: "wf-2", TenantID: "t2", Status: models.WorkflowStatusDraft, CreatedAt: now,
	}))

	rows, err := repo.Query(t.Context(), tenantAdmin("t1"), models.IndexFilter{}, models.Page{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "wf-1", rows[0].ID)

	count, err := repo.Count(t.Context(), marketOps(), models.IndexFilter{})
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestIndexRepository_UpdateStatusIdempotent(t *testing.T) {
	p := NewPersistence(t.TempDir())
	repo := p.Index()

	require.NoError(t, repo.Insert(t.Context(), &models.IndexRow{
		ID: "wf-1", TenantID: "t1", Status: models.WorkflowStatusDraft, CreatedAt: time.Now().UTC(),
	}))

	require.NoError(t, repo.UpdateStatus(t.Context(), "wf-1", models.WorkflowStatusInProgress, "a"))
	require.NoError(t, repo.UpdateStatus(t.Context(), "wf-1", models.WorkflowStatusInProgress, "a"))

	rows, err := repo.Query(t.Context(), marketOps(), models.IndexFilter{}, models.Page{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, models.WorkflowStatusInProgress, rows[0].Status)
	assert.Equal(t, "a", rows[0].CurrentStepID)
}

func TestBookmarkRepository_ConsumeExactlyOnce(t *testing.T) {
	p := NewPersistence(t.TempDir())
	repo := p.Bookmarks()

	bookmark := &models.Bookmark{
		BookmarkID: "bm-1",
		WorkflowID: "wf-1",
		TenantID:   "t1",
		StepID:     "compliance",
		Kind:       models.BookmarkKindApproval,
		Active:     true,
		CreatedAt:  time.Now().UTC(),
	}

	require.NoError(t, repo.Insert(t.Context(), bookmark))

	active, err := repo.ActiveForStep(t.Context(), "wf-1", "compliance")
	require.NoError(t, err)
	assert.Equal(t, "bm-1", active.BookmarkID)

	require.NoError(t, repo.Consume(t.Context(), "bm-1", "u1", time.Now().UTC()))

	err = repo.Consume(t.Context(), "bm-1", "u1", time.Now().UTC())
	assert.ErrorIs(t, err, persistence.ErrBookmarkConsumed)

	_, err = repo.ActiveForStep(t.Context(), "wf-1", "compliance")
	assert.ErrorIs(t, err, persistence.ErrBookmarkNotFound)
}

func TestSnapshotRepository_LatestBeforeAndDrop(t *testing.T) {
	p := NewPersistence(t.TempDir())
	repo := p.Snapshots()

	for _, seq := range []int64{10, 20, 30} {
		require.NoError(t, repo.Save(t.Context(), &models.Snapshot{
			WorkflowID: "wf-1",
			SequenceNo: seq,
			State:      &models.WorkflowInstance{ID: "wf-1", LastSequenceNo: seq},
			TakenAt:    time.Now().UTC(),
		}))
	}

	snapshot, err := repo.LatestBefore(t.Context(), "wf-1", 25)
	require.NoError(t, err)
	require.NotNil(t, snapshot)
	assert.Equal(t, int64(20), snapshot.SequenceNo)

	require.NoError(t, repo.DropAbove(t.Context(), "wf-1", 15))

	snapshot, err = repo.LatestBefore(t.Context(), "wf-1", 100)
	require.NoError(t, err)
	require.NotNil(t, snapshot)
	assert.Equal(t, int64(10), snapshot.SequenceNo)
}

func TestTemplateRepository_PublishSupersedes(t *testing.T) {
	p := NewPersistence(t.TempDir())
	repo := p.Templates()

	v1 := &models.WorkflowTemplate{Name: "BRP v1", MarketRole: models.MarketRoleBRP, Version: 1}
	require.NoError(t, repo.Publish(t.Context(), v1))

	v2 := &models.WorkflowTemplate{Name: "BRP v2", MarketRole: models.MarketRoleBRP, Version: 2}
	require.NoError(t, repo.Publish(t.Context(), v2))

	active, err := repo.ActiveForRole(t.Context(), models.MarketRoleBRP)
	require.NoError(t, err)
	assert.Equal(t, 2, active.Version)

	// Prior versions stay retrievable and immutable.
	prior, err := repo.GetVersion(t.Context(), models.MarketRoleBRP, 1)
	require.NoError(t, err)
	assert.Equal(t, models.TemplateStatusSuperseded, prior.Status)

	duplicate := &models.WorkflowTemplate{Name: "BRP dup", MarketRole: models.MarketRoleBRP, Version: 2}
	err = repo.Publish(t.Context(), duplicate)
	assert.ErrorIs(t, err, persistence.ErrTemplateExists)
}

package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActor_Validate(t *testing.T) {
	marketOps := Actor{ID: "ops-1", Role: RoleMarketOps}
	require.NoError(t, marketOps.Validate())

	boundOps := Actor{ID: "ops-2", Role: RoleMarketOps, TenantID: "t1"}
	assert.ErrorIs(t, boundOps.Validate(), ErrActorTenantBound)

	admin := Actor{ID: "adm-1", Role: RoleTenantAdmin, TenantID: "t1"}
	require.NoError(t, admin.Validate())

	unbound := Actor{ID: "adm-2", Role: RoleTenantAdmin}
	assert.ErrorIs(t, unbound.Validate(), ErrActorMissingTenant)
}

func TestActor_CanWrite(t *testing.T) {
	assert.True(t, (&Actor{Role: RoleMarketOps}).CanWrite())
	assert.True(t, (&Actor{Role: RoleTenantAdmin}).CanWrite())
	assert.True(t, (&Actor{Role: RoleTenantOperator}).CanWrite())
	assert.False(t, (&Actor{Role: RoleTenantViewer}).CanWrite())
	assert.False(t, (&Actor{Role: RoleComplianceReviewer}).CanWrite())
}

func TestWorkflowStatus_Terminal(t *testing.T) {
	assert.True(t, WorkflowStatusCompleted.Terminal())
	assert.True(t, WorkflowStatusFailed.Terminal())
	assert.True(t, WorkflowStatusCancelled.Terminal())
	assert.False(t, WorkflowStatusInProgress.Terminal())
	assert.False(t, WorkflowStatusRolledBack.Terminal())
	assert.False(t, WorkflowStatusPaused.Terminal())
}

func TestWorkflowTemplate_CanTransition(t *testing.T) {
	template := &WorkflowTemplate{
		ID:         "tpl-1",
		Name:       "BRP onboarding",
		MarketRole: MarketRoleBRP,
		Version:    1,
		Steps: []StepDefinition{
			{ID: "a", Name: "A", Type: StepTypeForm, Order: 1},
			{ID: "b", Name: "B", Type: StepTypeForm, Order: 2},
			{ID: "c", Name: "C", Type: StepTypeApproval, Order: 3},
		},
		Transitions: map[string][]string{
			"a": {"b"},
			"b": {"c"},
			"c": {},
		},
	}

	// Only the first step is reachable before the workflow starts.
	assert.True(t, template.CanTransition("", "a"))
	assert.False(t, template.CanTransition("", "b"))

	assert.True(t, template.CanTransition("a", "b"))
	assert.False(t, template.CanTransition("a", "c"))
	assert.False(t, template.CanTransition("b", "a"))

	// Undefined steps are never reachable.
	assert.False(t, template.CanTransition("a", "ghost"))
}

func TestWorkflowTemplate_FirstStep(t *testing.T) {
	template := &WorkflowTemplate{
		Steps: []StepDefinition{
			{ID: "second", Order: 2},
			{ID: "first", Order: 1},
		},
	}

	first, ok := template.FirstStep()
	require.True(t, ok)
	assert.Equal(t, "first", first.ID)

	empty := &WorkflowTemplate{}
	_, ok = empty.FirstStep()
	assert.False(t, ok)
}

func TestBookmark_Expired(t *testing.T) {
	now := time.Now().UTC()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	assert.True(t, (&Bookmark{ExpiresAt: &past}).Expired(now))
	assert.False(t, (&Bookmark{ExpiresAt: &future}).Expired(now))
	assert.False(t, (&Bookmark{}).Expired(now))
}

func TestKnownEventType(t *testing.T) {
	assert.True(t, KnownEventType(EventWorkflowCreated))
	assert.True(t, KnownEventType(EventStepCompensated))
	assert.False(t, KnownEventType(EventType("SOMETHING_ELSE")))
}

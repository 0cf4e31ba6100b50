package templates

import (
	"log/slog"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridbee/marketflow/pkg/models"
	"github.com/gridbee/marketflow/pkg/persistence"
	"github.com/gridbee/marketflow/pkg/persistence/document"
)

func newRegistry(t *testing.T) *Registry {
	t.Helper()

	p := document.NewPersistence(t.TempDir())

	return NewRegistry(p.Templates(), nil, validator.New(), slog.Default())
}

func linearTemplate(version int) *models.WorkflowTemplate {
	return &models.WorkflowTemplate{
		Name:       "BRP-onboarding",
		MarketRole: models.MarketRoleBRP,
		Version:    version,
		Steps: []models.StepDefinition{
			{ID: "a", Name: "A", Type: models.StepTypeForm, Order: 1},
			{ID: "b", Name: "B", Type: models.StepTypeForm, Order: 2},
		},
		Transitions: map[string][]string{"a": {"b"}, "b": {}},
	}
}

func TestRegistry_PublishAndResolve(t *testing.T) {
	registry := newRegistry(t)

	template := linearTemplate(1)
	require.NoError(t, registry.Publish(t.Context(), template))
	assert.NotEmpty(t, template.ID)
	assert.Equal(t, models.TemplateStatusActive, template.Status)

	active, err := registry.ActiveForRole(t.Context(), models.MarketRoleBRP)
	require.NoError(t, err)
	assert.Equal(t, template.ID, active.ID)

	byVersion, err := registry.Version(t.Context(), models.MarketRoleBRP, 1)
	require.NoError(t, err)
	assert.Equal(t, template.ID, byVersion.ID)

	byID, err := registry.Get(t.Context(), template.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, byID.Version)
}

func TestRegistry_NewVersionSupersedes(t *testing.T) {
	registry := newRegistry(t)

	require.NoError(t, registry.Publish(t.Context(), linearTemplate(1)))
	require.NoError(t, registry.Publish(t.Context(), linearTemplate(2)))

	active, err := registry.ActiveForRole(t.Context(), models.MarketRoleBRP)
	require.NoError(t, err)
	assert.Equal(t, 2, active.Version)

	// Prior versions remain resolvable for pinned instances.
	prior, err := registry.Version(t.Context(), models.MarketRoleBRP, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, prior.Version)
}

func TestRegistry_RejectsDanglingTransitions(t *testing.T) {
	registry := newRegistry(t)

	template := linearTemplate(1)
	template.Transitions["a"] = []string{"ghost"}

	err := registry.Publish(t.Context(), template)
	assert.Error(t, err)
}

func TestRegistry_UnknownRole(t *testing.T) {
	registry := newRegistry(t)

	_, err := registry.ActiveForRole(t.Context(), models.MarketRoleTSO)
	assert.ErrorIs(t, err, persistence.ErrTemplateNotFound)
}

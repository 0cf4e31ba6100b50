package decision

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridbee/marketflow/pkg/handlers"
	"github.com/gridbee/marketflow/pkg/models"
)

func decisionStep() models.StepDefinition {
	return models.StepDefinition{
		ID:   "route",
		Type: models.StepTypeDecision,
		Configuration: map[string]any{
			"branches": []any{
				map[string]any{
					"outcome": "large_portfolio",
					"when":    map[string]any{"step_id": "portfolio", "field": "size", "equals": "large"},
				},
			},
			"default_branch": "standard",
		},
	}
}

func TestHandler_MatchingBranchWins(t *testing.T) {
	handler := NewHandler()

	result, err := handler.Execute(t.Context(), handlers.ExecutionContext{
		Step: decisionStep(),
		StepData: map[string]map[string]any{
			"portfolio": {"size": "large"},
		},
	})

	require.NoError(t, err)
	assert.Equal(t, "large_portfolio", result.Outcome)
}

func TestHandler_FallsBackToDefaultBranch(t *testing.T) {
	handler := NewHandler()

	result, err := handler.Execute(t.Context(), handlers.ExecutionContext{
		Step: decisionStep(),
		StepData: map[string]map[string]any{
			"portfolio": {"size": "small"},
		},
	})

	require.NoError(t, err)
	assert.Equal(t, "standard", result.Outcome)
}

func TestHandler_NoBranchNoDefaultFails(t *testing.T) {
	handler := NewHandler()

	step := decisionStep()
	delete(step.Configuration, "default_branch")

	_, err := handler.Execute(t.Context(), handlers.ExecutionContext{
		Step:     step,
		StepData: map[string]map[string]any{},
	})

	assert.Error(t, err)
}

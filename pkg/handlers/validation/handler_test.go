package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridbee/marketflow/pkg/handlers"
	"github.com/gridbee/marketflow/pkg/models"
)

func aggregateStep() models.StepDefinition {
	return models.StepDefinition{
		ID:   "final_check",
		Type: models.StepTypeValidation,
		Configuration: map[string]any{
			"rules": []any{
				map[string]any{"step_id": "company_info", "field": "vatNumber", "required": true, "pattern": "^BE[0-9]{10}$"},
				map[string]any{"step_id": "company_info", "field": "companyName", "required": true, "min_length": float64(2)},
			},
		},
	}
}

func TestHandler_PassesOverValidData(t *testing.T) {
	handler := NewHandler()

	result, err := handler.Execute(t.Context(), handlers.ExecutionContext{
		Step: aggregateStep(),
		StepData: map[string]map[string]any{
			"company_info": {"vatNumber": "BE0403170701", "companyName": "Engie"},
		},
	})

	require.NoError(t, err)
	assert.Equal(t, handlers.OutcomePassed, result.Outcome)
	assert.Empty(t, result.Errors)
}

func TestHandler_FailsWithFieldErrors(t *testing.T) {
	handler := NewHandler()

	result, err := handler.Execute(t.Context(), handlers.ExecutionContext{
		Step: aggregateStep(),
		StepData: map[string]map[string]any{
			"company_info": {"vatNumber": "NOPE"},
		},
	})

	require.NoError(t, err)
	assert.Equal(t, handlers.OutcomeFailed, result.Outcome)
	require.Len(t, result.Errors, 2)
}

func TestEvaluate_EmptyRules(t *testing.T) {
	assert.Empty(t, Evaluate(nil, nil))
	assert.Empty(t, Evaluate(map[string]any{}, map[string]map[string]any{}))
}

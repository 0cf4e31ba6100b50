// Package decision implements the pure predicate step handler. The outcome is
// one of the configured branches, chosen by matching accumulated step data.
package decision

import (
	"context"
	"fmt"
	"reflect"

	"github.com/gridbee/marketflow/pkg/handlers"
	"github.com/gridbee/marketflow/pkg/models"
)

type Handler struct{}

func NewHandler() *Handler {
	return &Handler{}
}

func (h *Handler) Validate(_ context.Context, step models.StepDefinition, _ map[string]any) []models.FieldError {
	if _, ok := step.Configuration["branches"].([]any); !ok {
		return []models.FieldError{{Field: "branches", Message: "decision step requires configured branches"}}
	}

	return nil
}

// Execute evaluates the branch predicates in order; the first match wins.
// Without a match the configured default branch is taken.
func (h *Handler) Execute(_ context.Context, ec handlers.ExecutionContext) (handlers.Result, error) {
	branches, _ := ec.Step.Configuration["branches"].([]any)

	for _, rawBranch := range branches {
		branch, ok := rawBranch.(map[string]any)
		if !ok {
			continue
		}

		outcome, _ := branch["outcome"].(string)

		when, ok := branch["when"].(map[string]any)
		if !ok {
			continue
		}

		if matches(when, ec.StepData) {
			return handlers.Result{Outcome: outcome}, nil
		}
	}

	if defaultBranch, ok := ec.Step.Configuration["default_branch"].(string); ok && defaultBranch != "" {
		return handlers.Result{Outcome: defaultBranch}, nil
	}

	return handlers.Result{}, fmt.Errorf("no decision branch matched and no default branch configured")
}

func matches(when map[string]any, stepData map[string]map[string]any) bool {
	stepID, _ := when["step_id"].(string)
	field, _ := when["field"].(string)

	var value any

	if data, ok := stepData[stepID]; ok {
		value = data[field]
	}

	expected, hasEquals := when["equals"]
	if hasEquals {
		return reflect.DeepEqual(value, expected)
	}

	if present, ok := when["present"].(bool); ok {
		return present == (value != nil)
	}

	return false
}

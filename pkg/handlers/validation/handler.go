// Package validation implements the aggregate validation step handler. It
// runs declared rules over the data accumulated by prior steps; failure
// populates validation errors without advancing state.
package validation

import (
	"context"
	"fmt"
	"regexp"

	"github.com/gridbee/marketflow/pkg/handlers"
	"github.com/gridbee/marketflow/pkg/models"
)

type Handler struct{}

func NewHandler() *Handler {
	return &Handler{}
}

func (h *Handler) Validate(_ context.Context, _ models.StepDefinition, _ map[string]any) []models.FieldError {
	return nil
}

// Execute evaluates every configured rule against the accumulated step data.
func (h *Handler) Execute(_ context.Context, ec handlers.ExecutionContext) (handlers.Result, error) {
	errors := Evaluate(ec.Step.Configuration, ec.StepData)

	if len(errors) > 0 {
		return handlers.Result{Outcome: handlers.OutcomeFailed, Errors: errors}, nil
	}

	return handlers.Result{Outcome: handlers.OutcomePassed}, nil
}

// Evaluate runs the rule list of a validation configuration over accumulated
// data. Each rule names the source step and field plus the constraint.
func Evaluate(configuration map[string]any, stepData map[string]map[string]any) []models.FieldError {
	rawRules, ok := configuration["rules"].([]any)
	if !ok {
		return nil
	}

	errors := make([]models.FieldError, 0)

	for _, rawRule := range rawRules {
		rule, ok := rawRule.(map[string]any)
		if !ok {
			continue
		}

		stepID, _ := rule["step_id"].(string)
		field, _ := rule["field"].(string)

		var value any

		if data, ok := stepData[stepID]; ok {
			value = data[field]
		}

		if required, _ := rule["required"].(bool); required && isEmpty(value) {
			errors = append(errors, models.FieldError{
				Field:   field,
				Message: fmt.Sprintf("%s is required", field),
			})

			continue
		}

		if isEmpty(value) {
			continue
		}

		if pattern, ok := rule["pattern"].(string); ok && pattern != "" {
			text, _ := value.(string)

			matched, err := regexp.MatchString(pattern, text)
			if err != nil || !matched {
				errors = append(errors, models.FieldError{
					Field:   field,
					Message: fmt.Sprintf("%s does not match pattern %s", field, pattern),
				})
			}
		}

		if minLength, ok := number(rule["min_length"]); ok {
			if text, isText := value.(string); isText && len(text) < int(minLength) {
				errors = append(errors, models.FieldError{
					Field:   field,
					Message: fmt.Sprintf("%s must be at least %d characters", field, int(minLength)),
				})
			}
		}

		if maxLength, ok := number(rule["max_length"]); ok {
			if text, isText := value.(string); isText && len(text) > int(maxLength) {
				errors = append(errors, models.FieldError{
					Field:   field,
					Message: fmt.Sprintf("%s must be at most %d characters", field, int(maxLength)),
				})
			}
		}
	}

	return errors
}

func isEmpty(value any) bool {
	switch v := value.(type) {
	case nil:
		return true
	case string:
		return v == ""
	case []any:
		return len(v) == 0
	default:
		return false
	}
}

func number(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}

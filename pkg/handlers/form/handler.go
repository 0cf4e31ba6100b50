// Package form implements the synchronous form step handler. Submitted data
// is validated against the step's declared JSON Schema and persisted into the
// step state on completion.
package form

import (
	"context"
	"fmt"

	"github.com/xeipuuv/gojsonschema"

	"github.com/gridbee/marketflow/pkg/handlers"
	"github.com/gridbee/marketflow/pkg/models"
)

type Handler struct{}

func NewHandler() *Handler {
	return &Handler{}
}

// Validate runs the step's schema rules: required, pattern, min/max length,
// min/max items, options membership.
func (h *Handler) Validate(_ context.Context, step models.StepDefinition, data map[string]any) []models.FieldError {
	schema, ok := step.Configuration["schema"].(map[string]any)
	if !ok {
		return nil
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(schema),
		gojsonschema.NewGoLoader(data),
	)
	if err != nil {
		return []models.FieldError{{Field: "", Message: fmt.Sprintf("schema validation failed: %v", err)}}
	}

	if result.Valid() {
		return nil
	}

	errors := make([]models.FieldError, 0, len(result.Errors()))

	for _, resultError := range result.Errors() {
		field := resultError.Field()
		if field == "(root)" {
			if property, ok := resultError.Details()["property"].(string); ok {
				field = property
			}
		}

		errors = append(errors, models.FieldError{
			Field:   field,
			Message: resultError.Description(),
		})
	}

	return errors
}

// Execute persists the submitted data and completes with the default outcome.
func (h *Handler) Execute(_ context.Context, ec handlers.ExecutionContext) (handlers.Result, error) {
	return handlers.Result{Outcome: handlers.OutcomeDefault}, nil
}

// Compensate is a no-op at the handler level: rollback drops the persisted
// form data when the compensation event is projected.
func (h *Handler) Compensate(_ context.Context, _ handlers.ExecutionContext) error {
	return nil
}

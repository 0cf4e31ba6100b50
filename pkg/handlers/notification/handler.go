// Package notification implements the best-effort notification step handler.
// A failed send is recorded but only fails the workflow when the step
// declares required_delivery.
package notification

import (
	"context"
	"fmt"

	"github.com/gridbee/marketflow/pkg/handlers"
	"github.com/gridbee/marketflow/pkg/models"
	"github.com/gridbee/marketflow/pkg/notifier"
)

type Handler struct {
	transport notifier.Transport
}

func NewHandler(transport notifier.Transport) *Handler {
	if transport == nil {
		transport = notifier.Noop{}
	}

	return &Handler{transport: transport}
}

func (h *Handler) Validate(_ context.Context, step models.StepDefinition, _ map[string]any) []models.FieldError {
	if templateID, _ := step.Configuration["template_id"].(string); templateID == "" {
		return []models.FieldError{{Field: "template_id", Message: "notification step requires a template_id"}}
	}

	return nil
}

func (h *Handler) Execute(ctx context.Context, ec handlers.ExecutionContext) (handlers.Result, error) {
	templateID, _ := ec.Step.Configuration["template_id"].(string)
	variables, _ := ec.Step.Configuration["variables"].(map[string]any)
	requiredDelivery, _ := ec.Step.Configuration["required_delivery"].(bool)

	recipients := make([]string, 0)

	if raw, ok := ec.Step.Configuration["recipients"].([]any); ok {
		for _, r := range raw {
			if recipient, ok := r.(string); ok {
				recipients = append(recipients, recipient)
			}
		}
	}

	delivery, err := h.transport.Send(ctx, templateID, recipients, variables)
	if err != nil || !delivery.Delivered {
		if err == nil {
			err = fmt.Errorf("notification not delivered")
		}

		ec.Logger.WarnContext(ctx, "notification send failed",
			"template_id", templateID, "error", err)

		if requiredDelivery {
			return handlers.Result{
				Outcome: handlers.OutcomeFailed,
				Output:  map[string]any{"error": err.Error()},
			}, err
		}

		// Best effort: record the failure and complete the step.
		return handlers.Result{
			Outcome: handlers.OutcomeDefault,
			Output:  map[string]any{"delivered": false, "error": err.Error()},
		}, nil
	}

	return handlers.Result{
		Outcome: handlers.OutcomeDefault,
		Output:  map[string]any{"delivered": true, "message_id": delivery.MessageID},
	}, nil
}

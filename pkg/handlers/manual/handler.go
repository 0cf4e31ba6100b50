// Package manual implements the opaque human task step handler. The step
// suspends until an explicit completion signal carries the task's payload.
package manual

import (
	"context"

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

// Execute suspends behind a form bookmark carrying the task description.
func (h *Handler) Execute(_ context.Context, ec handlers.ExecutionContext) (handlers.Result, error) {
	metadata := map[string]any{}

	if instructions, ok := ec.Step.Configuration["instructions"]; ok {
		metadata["instructions"] = instructions
	}

	if assignee, ok := ec.Step.Configuration["assignee"]; ok {
		metadata["assignee"] = assignee
	}

	return handlers.Result{
		Bookmark: &handlers.BookmarkRequest{
			Kind:     models.BookmarkKindForm,
			Metadata: metadata,
		},
	}, nil
}

// OnResume completes the task with the signalled payload.
func (h *Handler) OnResume(_ context.Context, _ handlers.ExecutionContext, payload map[string]any) (handlers.Result, error) {
	return handlers.Result{Outcome: handlers.OutcomeDefault, Output: payload}, nil
}

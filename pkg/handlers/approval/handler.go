// Package approval implements the asynchronous approval step handler. Execute
// suspends the step behind an approval bookmark; an external approval
// submission drives the resume.
package approval

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

// Execute creates the approval bookmark and returns without completing.
func (h *Handler) Execute(_ context.Context, ec handlers.ExecutionContext) (handlers.Result, error) {
	metadata := map[string]any{}

	if title, ok := ec.Step.Configuration["title"].(string); ok {
		metadata["title"] = title
	}

	if description, ok := ec.Step.Configuration["description"].(string); ok {
		metadata["description"] = description
	}

	if approvers, ok := ec.Step.Configuration["approvers"]; ok {
		metadata["approvers"] = approvers
	}

	return handlers.Result{
		Bookmark: &handlers.BookmarkRequest{
			Kind:     models.BookmarkKindApproval,
			Metadata: metadata,
			ExpectedPayloadShape: map[string]any{
				"type":     "object",
				"required": []any{"approved"},
				"properties": map[string]any{
					"approved": map[string]any{"type": "boolean"},
					"comments": map[string]any{"type": "string"},
				},
			},
		},
	}, nil
}

// OnResume completes the step from the approval submission.
func (h *Handler) OnResume(_ context.Context, _ handlers.ExecutionContext, payload map[string]any) (handlers.Result, error) {
	approved, _ := payload["approved"].(bool)

	outcome := handlers.OutcomeRejected
	if approved {
		outcome = handlers.OutcomeApproved
	}

	output := map[string]any{"approved": approved}

	if comments, ok := payload["comments"].(string); ok && comments != "" {
		output["comments"] = comments
	}

	return handlers.Result{Outcome: outcome, Output: output}, nil
}

// Compensate is a no-op: granting an approval has no downstream effect of its
// own to reverse.
func (h *Handler) Compensate(_ context.Context, _ handlers.ExecutionContext) error {
	return nil
}

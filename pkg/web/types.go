package web

import "github.com/gridbee/marketflow/pkg/models"

// CreateWorkflowRequest starts a new workflow for a tenant under a market role.
type CreateWorkflowRequest struct {
	TenantID   string            `json:"tenant_id"   validate:"required"`
	MarketRole models.MarketRole `json:"market_role" validate:"required"`
}

// ExecuteStepRequest carries the step's submitted data.
type ExecuteStepRequest struct {
	Data map[string]any `json:"data"`
}

// ResumeBookmarkRequest carries the external payload consuming a bookmark.
type ResumeBookmarkRequest struct {
	Payload map[string]any `json:"payload"`
}

// RollbackRequest names the step to roll back to.
type RollbackRequest struct {
	ToStepID string `json:"to_step_id"`
}

// DecisionRequest carries an approve/reject decision on a submitted workflow.
type DecisionRequest struct {
	Comments string `json:"comments,omitempty"`
	ReturnTo string `json:"return_to,omitempty"`
}

// CancelRequest records why the workflow was cancelled.
type CancelRequest struct {
	Reason string `json:"reason" validate:"required"`
}

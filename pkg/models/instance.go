package models

import "time"

// WorkflowStatus represents the lifecycle state of a workflow instance.
type WorkflowStatus string

const (
	WorkflowStatusDraft              WorkflowStatus = "draft"
	WorkflowStatusInProgress         WorkflowStatus = "in_progress"
	WorkflowStatusPaused             WorkflowStatus = "paused"
	WorkflowStatusAwaitingValidation WorkflowStatus = "awaiting_validation"
	WorkflowStatusSubmitted          WorkflowStatus = "submitted"
	WorkflowStatusCompleted          WorkflowStatus = "completed"
	WorkflowStatusFailed             WorkflowStatus = "failed"
	WorkflowStatusRolledBack         WorkflowStatus = "rolled_back"
	WorkflowStatusCancelled          WorkflowStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s WorkflowStatus) Terminal() bool {
	switch s {
	case WorkflowStatusCompleted, WorkflowStatusFailed, WorkflowStatusCancelled:
		return true
	default:
		return false
	}
}

// StepStatus represents the state of one step within an instance.
type StepStatus string

const (
	StepStatusPending    StepStatus = "pending"
	StepStatusInProgress StepStatus = "in_progress"
	StepStatusCompleted  StepStatus = "completed"
	StepStatusPaused     StepStatus = "paused"
	StepStatusFailed     StepStatus = "failed"
	StepStatusSkipped    StepStatus = "skipped"
)

// StepState carries the per-step execution state of an instance.
type StepState struct {
	StepID           string            `json:"step_id"`
	Status           StepStatus        `json:"status"`
	Data             map[string]any    `json:"data,omitempty"`
	ValidationErrors []FieldError      `json:"validation_errors,omitempty"`
	StartedAt        *time.Time        `json:"started_at,omitempty"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
	PausedAt         *time.Time        `json:"paused_at,omitempty"`
	CompletedBy      string            `json:"completed_by,omitempty"`
	Error            string            `json:"error,omitempty"`
	Outcome          string            `json:"outcome,omitempty"`
	Output           map[string]any    `json:"output,omitempty"`
}

// FieldError is one validation failure for a named field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// WorkflowInstance is a running execution of a template on behalf of a tenant.
// TenantID and TemplateVersion are immutable after creation.
type WorkflowInstance struct {
	ID              string                `json:"id"`
	TenantID        string                `json:"tenant_id"        validate:"required"`
	TemplateID      string                `json:"template_id"      validate:"required"`
	TemplateVersion int                   `json:"template_version" validate:"required,min=1"`
	MarketRole      MarketRole            `json:"market_role"      validate:"required"`
	Status          WorkflowStatus        `json:"status"`
	CurrentStepID   string                `json:"current_step_id,omitempty"`
	StepStates      map[string]*StepState `json:"step_states"`
	Metadata        map[string]any        `json:"metadata,omitempty"`
	CreatedBy       string                `json:"created_by"`
	CreatedAt       time.Time             `json:"created_at"`
	UpdatedAt       time.Time             `json:"updated_at"`

	// Version is the optimistic concurrency counter of the state document.
	Version int64 `json:"version"`

	// LastSequenceNo is the sequence of the last event projected into this
	// document. The event log is authoritative; this tracks projection lag.
	LastSequenceNo int64 `json:"last_sequence_no"`
}

// StepState returns the state record for a step, creating a pending one on
// first access.
func (w *WorkflowInstance) StepState(stepID string) *StepState {
	if w.StepStates == nil {
		w.StepStates = make(map[string]*StepState)
	}

	state, ok := w.StepStates[stepID]
	if !ok {
		state = &StepState{StepID: stepID, Status: StepStatusPending}
		w.StepStates[stepID] = state
	}

	return state
}

// IndexRow is the relational projection of an instance header used for
// tenant-scoped listing and filtering.
type IndexRow struct {
	ID            string         `json:"id"`
	TenantID      string         `json:"tenant_id"`
	TemplateID    string         `json:"template_id"`
	MarketRole    MarketRole     `json:"market_role"`
	Status        WorkflowStatus `json:"status"`
	CurrentStepID string         `json:"current_step_id,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// IndexFilter narrows an index query. Zero values are ignored.
type IndexFilter struct {
	Status     WorkflowStatus `json:"status,omitempty"`
	TemplateID string         `json:"template_id,omitempty"`
	MarketRole MarketRole     `json:"market_role,omitempty"`
}

// Page is limit/offset pagination for index queries.
type Page struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// Package handlers defines the step handler capability interface and the
// registry dispatching step execution by step type.
package handlers

import (
	"context"
	"log/slog"
	"time"

	"github.com/gridbee/marketflow/pkg/models"
)

// Outcome names the result branch of a handler execution.
const (
	OutcomeDefault  = "default"
	OutcomeFailed   = "failed"
	OutcomePassed   = "passed"
	OutcomeApproved = "approved"
	OutcomeRejected = "rejected"
)

// ExecutionContext carries everything a handler needs for one step run.
type ExecutionContext struct {
	WorkflowID string
	TenantID   string
	Step       models.StepDefinition
	Actor      models.Actor

	// Input is the data submitted for this step.
	Input map[string]any

	// StepData is the accumulated data of all steps, keyed by step id, for
	// aggregate validators and decision predicates.
	StepData map[string]map[string]any

	Logger *slog.Logger
}

// BookmarkRequest asks the engine to suspend the step awaiting an external
// signal instead of completing it.
type BookmarkRequest struct {
	Kind                 models.BookmarkKind
	ExpectedPayloadShape map[string]any
	Metadata             map[string]any
	Expiry               time.Duration // zero means the configured default
}

// Result is the handler's answer for one execution or resume.
type Result struct {
	Outcome string
	Output  map[string]any

	// Bookmark, when set, suspends the step; Outcome and Output are ignored
	// until the resume.
	Bookmark *BookmarkRequest

	// Errors carries validation failures for outcomes that do not advance
	// state.
	Errors []models.FieldError
}

// Handler is the capability interface every step handler implements. A step
// handler is any value with validate and execute; compensation and resume are
// optional capabilities.
type Handler interface {
	// Validate checks the submitted data against the step's declared rules.
	Validate(ctx context.Context, step models.StepDefinition, data map[string]any) []models.FieldError

	// Execute runs the step. Long-lived external I/O must not run under the
	// per-workflow lock; handlers suspend via a BookmarkRequest instead.
	Execute(ctx context.Context, ec ExecutionContext) (Result, error)
}

// Resumable handlers complete a suspended step from an external payload.
type Resumable interface {
	OnResume(ctx context.Context, ec ExecutionContext, payload map[string]any) (Result, error)
}

// Compensator handlers reverse the effects of a completed step during
// rollback. Handlers without this capability compensate as a no-op.
type Compensator interface {
	Compensate(ctx context.Context, ec ExecutionContext) error
}

package engine

import (
	"errors"
	"fmt"

	"github.com/gridbee/marketflow/pkg/bookmarks"
	"github.com/gridbee/marketflow/pkg/models"
	"github.com/gridbee/marketflow/pkg/persistence"
	"github.com/gridbee/marketflow/pkg/statemachine"
	"github.com/gridbee/marketflow/pkg/tenant"
)

// ErrorKind is the stable, user-facing classification of an engine error.
type ErrorKind string

const (
	KindValidation         ErrorKind = "Validation"
	KindInvalidTransition  ErrorKind = "InvalidTransition"
	KindNotFound           ErrorKind = "NotFound"
	KindTenantAccessDenied ErrorKind = "TenantAccessDenied"
	KindPermissionDenied   ErrorKind = "PermissionDenied"
	KindConflict           ErrorKind = "Conflict"
	KindBookmarkConsumed   ErrorKind = "BookmarkAlreadyConsumed"
	KindBookmarkExpired    ErrorKind = "BookmarkExpired"
	KindExternalFailure    ErrorKind = "ExternalFailure"
	KindTimeout            ErrorKind = "Timeout"
	KindIntegrity          ErrorKind = "IntegrityError"
)

// Error is the structured error every engine operation surfaces: the workflow
// id, the current step, a stable kind, and a human-readable message.
// Validation errors additionally carry the per-field list.
type Error struct {
	Kind       ErrorKind           `json:"kind"`
	WorkflowID string              `json:"workflow_id,omitempty"`
	StepID     string              `json:"step_id,omitempty"`
	Message    string              `json:"message"`
	Fields     []models.FieldError `json:"fields,omitempty"`
	Err        error               `json:"-"`
}

func (e *Error) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("%s: workflow %s step %s: %s", e.Kind, e.WorkflowID, e.StepID, e.Message)
	}

	if e.WorkflowID != "" {
		return fmt.Sprintf("%s: workflow %s: %s", e.Kind, e.WorkflowID, e.Message)
	}

	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the stable kind of an error, ExternalFailure for errors
// that match no known sentinel.
func KindOf(err error) ErrorKind {
	var engineErr *Error
	if errors.As(err, &engineErr) {
		return engineErr.Kind
	}

	return classify(err)
}

// classify maps lower-layer sentinels to stable kinds.
func classify(err error) ErrorKind {
	switch {
	case persistence.IsNotFound(err):
		return KindNotFound
	case errors.Is(err, tenant.ErrAccessDenied):
		return KindTenantAccessDenied
	case errors.Is(err, tenant.ErrPermissionDenied):
		return KindPermissionDenied
	case persistence.IsStaleWrite(err), persistence.IsConflictingWrite(err):
		return KindConflict
	case errors.Is(err, persistence.ErrBookmarkConsumed):
		return KindBookmarkConsumed
	case errors.Is(err, bookmarks.ErrExpired):
		return KindBookmarkExpired
	case errors.Is(err, statemachine.ErrInvalidTransition),
		errors.Is(err, statemachine.ErrUnknownStep),
		errors.Is(err, statemachine.ErrTerminalStatus):
		return KindInvalidTransition
	case persistence.IsIntegrity(err):
		return KindIntegrity
	default:
		return KindExternalFailure
	}
}

// wrap builds a structured engine error around a lower-layer failure.
func wrap(workflowID, stepID string, err error) *Error {
	var engineErr *Error
	if errors.As(err, &engineErr) {
		return engineErr
	}

	return &Error{
		Kind:       classify(err),
		WorkflowID: workflowID,
		StepID:     stepID,
		Message:    err.Error(),
		Err:        err,
	}
}

// Package persistence provides standardized error types for persistence operations.
package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrWorkflowNotFound indicates a workflow instance was not found by the given identifier.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrTemplateNotFound indicates no template exists for the given identifier or role/version.
	ErrTemplateNotFound = errors.New("template not found")

	// ErrTenantNotFound indicates a tenant was not found by the given identifier.
	ErrTenantNotFound = errors.New("tenant not found")

	// ErrBookmarkNotFound indicates a bookmark was not found by the given identifier.
	ErrBookmarkNotFound = errors.New("bookmark not found")

	// ErrBookmarkConsumed indicates the bookmark was already consumed by a prior resume.
	ErrBookmarkConsumed = errors.New("bookmark already consumed")

	// ErrStaleWrite indicates an optimistic concurrency check failed; the
	// caller must reload and retry.
	ErrStaleWrite = errors.New("stale write")

	// ErrConflictingWrite indicates another writer holds the per-workflow
	// lock beyond the configured wait.
	ErrConflictingWrite = errors.New("conflicting write")

	// ErrIntegrity indicates an invariant violation such as a non-dense
	// event sequence. Fatal for the operation; an operator alert is emitted.
	ErrIntegrity = errors.New("integrity violation")

	// ErrTemplateExists indicates a template with the same role and version
	// was already published.
	ErrTemplateExists = errors.New("template version already published")
)

// StoreError wraps persistence errors with operation context.
type StoreError struct {
	Op         string // Operation being performed (e.g., "Append", "Query", "UpdateState")
	WorkflowID string // Workflow ID if applicable
	TenantID   string // Tenant ID if applicable
	Err        error  // Underlying error
	Message    string // Additional context message
}

func (e *StoreError) Error() string {
	target := e.WorkflowID
	if target == "" {
		target = "tenant " + e.TenantID
	}

	if e.Message != "" {
		return fmt.Sprintf("%s operation failed for workflow %s: %s (%v)", e.Op, target, e.Message, e.Err)
	}

	return fmt.Sprintf("%s operation failed for workflow %s: %v", e.Op, target, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Is implements error comparison for store errors.
func (e *StoreError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewStoreError creates a new store error with context.
func NewStoreError(op, workflowID string, err error) *StoreError {
	return &StoreError{
		Op:         op,
		WorkflowID: workflowID,
		Err:        err,
	}
}

// IsNotFound checks for any of the not-found sentinels.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrWorkflowNotFound) ||
		errors.Is(err, ErrTemplateNotFound) ||
		errors.Is(err, ErrTenantNotFound) ||
		errors.Is(err, ErrBookmarkNotFound)
}

// IsWorkflowNotFound checks if an error indicates a workflow was not found.
func IsWorkflowNotFound(err error) bool {
	return errors.Is(err, ErrWorkflowNotFound)
}

// IsStaleWrite checks if an error indicates an optimistic concurrency failure.
func IsStaleWrite(err error) bool {
	return errors.Is(err, ErrStaleWrite)
}

// IsConflictingWrite checks if an error indicates lock contention.
func IsConflictingWrite(err error) bool {
	return errors.Is(err, ErrConflictingWrite)
}

// IsIntegrity checks if an error indicates an invariant violation.
func IsIntegrity(err error) bool {
	return errors.Is(err, ErrIntegrity)
}

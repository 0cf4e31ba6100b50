package models

import "time"

// BookmarkKind classifies the external signal a suspended step is waiting on.
type BookmarkKind string

const (
	BookmarkKindForm      BookmarkKind = "form"
	BookmarkKindApproval  BookmarkKind = "approval"
	BookmarkKindAPIReturn BookmarkKind = "api_return"
	BookmarkKindTimer     BookmarkKind = "timer"
)

// Bookmark is a durable marker that a step is suspended awaiting an external
// signal. Exactly one active bookmark exists per paused step; it is consumed
// exactly once on resume.
type Bookmark struct {
	BookmarkID string       `json:"bookmark_id"`
	WorkflowID string       `json:"workflow_id"`
	TenantID   string       `json:"tenant_id"`
	StepID     string       `json:"step_id"`
	Kind       BookmarkKind `json:"kind"`

	// ExpectedPayloadShape documents the fields the resume payload must
	// carry, as a JSON Schema fragment.
	ExpectedPayloadShape map[string]any `json:"expected_payload_shape,omitempty"`

	// Metadata carries handler-specific data, e.g. approval title and
	// approver list.
	Metadata map[string]any `json:"metadata,omitempty"`

	Active     bool       `json:"active"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	ConsumedAt *time.Time `json:"consumed_at,omitempty"`
	ConsumedBy string     `json:"consumed_by,omitempty"`
}

// Expired reports whether the bookmark has an expiry in the past.
func (b *Bookmark) Expired(now time.Time) bool {
	return b.ExpiresAt != nil && now.After(*b.ExpiresAt)
}

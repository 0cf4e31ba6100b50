// Package persistence provides the data storage abstraction layer for the
// workflow engine: the relational index side and the document state/event side.
package persistence

import (
	"context"
	"time"

	"github.com/gridbee/marketflow/pkg/models"
	"github.com/gridbee/marketflow/pkg/tenant"
)

// EventRepository is the append-only event log. The event log is the
// authoritative store; projections are derived from it.
type EventRepository interface {
	// Append writes events for one workflow. expectedNextSeq is the sequence
	// the first event must receive; the write fails with ErrIntegrity if the
	// log head does not match (non-dense sequence detected optimistically).
	Append(ctx context.Context, workflowID string, expectedNextSeq int64, events []*models.WorkflowEvent) error

	// Events returns events for a workflow ordered by sequence, narrowed by
	// the range. Readers always observe a prefix of the log.
	Events(ctx context.Context, workflowID string, r models.EventRange) ([]*models.WorkflowEvent, error)

	// EventsByTenant returns events across a tenant's workflows within a
	// time range, newest last, bounded by limit.
	EventsByTenant(ctx context.Context, tenantID string, from, to time.Time, limit int) ([]*models.WorkflowEvent, error)

	// HeadSequence returns the sequence of the last appended event, 0 for an
	// empty log.
	HeadSequence(ctx context.Context, workflowID string) (int64, error)
}

// StateRepository holds the full per-workflow state document, rebuildable
// from events.
type StateRepository interface {
	Get(ctx context.Context, tc tenant.Context, id string) (*models.WorkflowInstance, error)
	Insert(ctx context.Context, instance *models.WorkflowInstance) error

	// UpdateState replaces the document under optimistic concurrency:
	// ErrStaleWrite when expectedVersion does not match the stored version.
	UpdateState(ctx context.Context, instance *models.WorkflowInstance, expectedVersion int64) error

	UpdateStatus(ctx context.Context, id string, status models.WorkflowStatus) error
	Find(ctx context.Context, tc tenant.Context, filter models.IndexFilter) ([]*models.WorkflowInstance, error)
	Delete(ctx context.Context, id string) error
}

// IndexRepository is the relational projection of instance headers. Every
// query is filtered by the tenant context's effective tenant set at the store
// layer, not by the caller.
type IndexRepository interface {
	Insert(ctx context.Context, row *models.IndexRow) error

	// UpdateStatus is idempotent under the same (status, currentStepID) tuple.
	UpdateStatus(ctx context.Context, id string, status models.WorkflowStatus, currentStepID string) error

	Query(ctx context.Context, tc tenant.Context, filter models.IndexFilter, page models.Page) ([]*models.IndexRow, error)
	Count(ctx context.Context, tc tenant.Context, filter models.IndexFilter) (int, error)
	Delete(ctx context.Context, id string) error
}

// BookmarkRepository stores suspension points awaiting external input.
type BookmarkRepository interface {
	Insert(ctx context.Context, bookmark *models.Bookmark) error
	Get(ctx context.Context, bookmarkID string) (*models.Bookmark, error)

	// ActiveForStep returns the single active bookmark of a step, or
	// ErrBookmarkNotFound.
	ActiveForStep(ctx context.Context, workflowID, stepID string) (*models.Bookmark, error)

	// Consume marks the bookmark consumed exactly once: ErrBookmarkConsumed
	// on a second attempt.
	Consume(ctx context.Context, bookmarkID, consumedBy string, at time.Time) error

	// ExpiredBefore returns active bookmarks whose expiry is in the past.
	ExpiredBefore(ctx context.Context, cutoff time.Time) ([]*models.Bookmark, error)

	DeleteForWorkflow(ctx context.Context, workflowID string) error
}

// SnapshotRepository persists optional replay snapshots keyed by sequence.
type SnapshotRepository interface {
	Save(ctx context.Context, snapshot *models.Snapshot) error

	// LatestBefore returns the highest snapshot at or below seq, or nil.
	LatestBefore(ctx context.Context, workflowID string, seq int64) (*models.Snapshot, error)

	// DropAbove discards snapshots above seq, used after rollback truncation.
	DropAbove(ctx context.Context, workflowID string, seq int64) error
}

// TemplateRepository stores versioned workflow templates. Published versions
// are immutable.
type TemplateRepository interface {
	Publish(ctx context.Context, template *models.WorkflowTemplate) error
	GetByID(ctx context.Context, id string) (*models.WorkflowTemplate, error)
	ActiveForRole(ctx context.Context, role models.MarketRole) (*models.WorkflowTemplate, error)
	GetVersion(ctx context.Context, role models.MarketRole, version int) (*models.WorkflowTemplate, error)
}

// TenantRepository stores market-participant organizations.
type TenantRepository interface {
	Save(ctx context.Context, t *models.Tenant) error
	GetByID(ctx context.Context, id string) (*models.Tenant, error)
	UpdateStatus(ctx context.Context, id string, status models.TenantStatus) error
}

// Persistence aggregates the repositories of both stores.
type Persistence interface {
	Events() EventRepository
	States() StateRepository
	Index() IndexRepository
	Bookmarks() BookmarkRepository
	Snapshots() SnapshotRepository
	Templates() TemplateRepository
	Tenants() TenantRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

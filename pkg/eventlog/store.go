// Package eventlog is the Event Store service: the append-only, authoritative
// log of workflow events, with ordered retrieval and deterministic replay.
package eventlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/gridbee/marketflow/pkg/eventbus"
	"github.com/gridbee/marketflow/pkg/locks"
	"github.com/gridbee/marketflow/pkg/models"
	"github.com/gridbee/marketflow/pkg/persistence"
	"github.com/gridbee/marketflow/pkg/statemachine"
)

// Store wraps the event repository with sequence assignment, per-workflow
// serialization, replay, and post-commit notifications.
type Store struct {
	events    persistence.EventRepository
	snapshots persistence.SnapshotRepository
	locker    locks.Locker
	publisher eventbus.Publisher
	logger    *slog.Logger

	lockWait         time.Duration
	snapshotInterval int64
}

// NewStore creates an event store. publisher may be nil when no bus is wired.
func NewStore(
	events persistence.EventRepository,
	snapshots persistence.SnapshotRepository,
	locker locks.Locker,
	publisher eventbus.Publisher,
	logger *slog.Logger,
	lockWait time.Duration,
	snapshotInterval int64,
) *Store {
	return &Store{
		events:           events,
		snapshots:        snapshots,
		locker:           locker,
		publisher:        publisher,
		logger:           logger.With("module", "eventlog"),
		lockWait:         lockWait,
		snapshotInterval: snapshotInterval,
	}
}

// Append writes one event, acquiring the per-workflow lock for the duration
// of the write. Callers already holding the lock use AppendLocked.
func (s *Store) Append(ctx context.Context, event *models.WorkflowEvent) error {
	return s.AppendMany(ctx, []*models.WorkflowEvent{event})
}

// AppendMany writes a batch of events for one workflow atomically with
// respect to sequence assignment.
func (s *Store) AppendMany(ctx context.Context, events []*models.WorkflowEvent) error {
	if len(events) == 0 {
		return nil
	}

	workflowID := events[0].WorkflowID

	release, err := s.locker.Acquire(ctx, workflowID, s.lockWait)
	if err != nil {
		return fmt.Errorf("failed to acquire workflow lock for append: %w", err)
	}

	defer release()

	return s.AppendLocked(ctx, events)
}

// AppendLocked writes events assuming the caller holds the per-workflow
// lock. Sequence numbers are assigned from the current head; the repository
// re-checks density optimistically and fails with ErrIntegrity on a race.
func (s *Store) AppendLocked(ctx context.Context, events []*models.WorkflowEvent) error {
	if len(events) == 0 {
		return nil
	}

	workflowID := events[0].WorkflowID

	head, err := s.events.HeadSequence(ctx, workflowID)
	if err != nil {
		return fmt.Errorf("failed to read log head: %w", err)
	}

	now := time.Now().UTC()

	for i, event := range events {
		if event.WorkflowID != workflowID {
			return fmt.Errorf("%w: batch spans multiple workflows", persistence.ErrIntegrity)
		}

		if event.EventID == "" {
			id, err := uuid.NewV7()
			if err != nil {
				return fmt.Errorf("failed to generate event ID: %w", err)
			}

			event.EventID = id.String()
		}

		if event.OccurredAt.IsZero() {
			// Nudge forward so occurred_at stays strictly monotonic within
			// a batch.
			event.OccurredAt = now.Add(time.Duration(i) * time.Microsecond)
		}

		event.SequenceNo = head + 1 + int64(i)
	}

	err = s.events.Append(ctx, workflowID, head+1, events)
	if err != nil {
		if persistence.IsIntegrity(err) {
			s.alertIntegrity(ctx, workflowID, err)
		}

		return err
	}

	s.maybeSnapshot(ctx, workflowID, events[len(events)-1].SequenceNo)
	s.notifyAppended(ctx, events)

	return nil
}

// Events returns a workflow's events narrowed by the range, in sequence order.
func (s *Store) Events(ctx context.Context, workflowID string, rng models.EventRange) ([]*models.WorkflowEvent, error) {
	return s.events.Events(ctx, workflowID, rng)
}

// EventsByTenant returns a tenant's events within a time range, for audit.
func (s *Store) EventsByTenant(ctx context.Context, tenantID string, from, to time.Time, limit int) ([]*models.WorkflowEvent, error) {
	return s.events.EventsByTenant(ctx, tenantID, from, to, limit)
}

// HeadSequence returns the sequence of the workflow's last event.
func (s *Store) HeadSequence(ctx context.Context, workflowID string) (int64, error) {
	return s.events.HeadSequence(ctx, workflowID)
}

// Replay rebuilds the instance state by applying events [1..until] to the
// canonical initial state. until 0 means the full log. Replay is pure: it
// reads the log and the optional snapshots, never mutating either.
func (s *Store) Replay(ctx context.Context, workflowID string, until int64) (*models.WorkflowInstance, error) {
	instance := statemachine.Initial(workflowID)
	from := int64(1)

	if s.snapshotInterval > 0 && s.snapshots != nil {
		target := until
		if target == 0 {
			head, err := s.events.HeadSequence(ctx, workflowID)
			if err != nil {
				return nil, err
			}

			target = head
		}

		snapshot, err := s.snapshots.LatestBefore(ctx, workflowID, target)
		if err != nil {
			s.logger.WarnContext(ctx, "snapshot read failed, replaying from scratch",
				"workflow_id", workflowID, "error", err)
		} else if snapshot != nil {
			instance = snapshot.State
			from = snapshot.SequenceNo + 1
		}
	}

	events, err := s.events.Events(ctx, workflowID, models.EventRange{FromSeq: from, ToSeq: until})
	if err != nil {
		return nil, fmt.Errorf("failed to read events for replay: %w", err)
	}

	if from == 1 && len(events) == 0 {
		return nil, persistence.ErrWorkflowNotFound
	}

	expected := from

	for _, event := range events {
		if event.SequenceNo != expected {
			return nil, fmt.Errorf("%w: gap in log at sequence %d (found %d)",
				persistence.ErrIntegrity, expected, event.SequenceNo)
		}

		err := statemachine.Apply(instance, event)
		if err != nil {
			return nil, fmt.Errorf("failed to apply event %d: %w", event.SequenceNo, err)
		}

		expected++
	}

	return instance, nil
}

// DropSnapshotsAbove discards snapshots past a truncation point after rollback.
func (s *Store) DropSnapshotsAbove(ctx context.Context, workflowID string, seq int64) error {
	if s.snapshots == nil {
		return nil
	}

	return s.snapshots.DropAbove(ctx, workflowID, seq)
}

func (s *Store) maybeSnapshot(ctx context.Context, workflowID string, headSeq int64) {
	if s.snapshotInterval <= 0 || s.snapshots == nil || headSeq%s.snapshotInterval != 0 {
		return
	}

	state, err := s.Replay(ctx, workflowID, headSeq)
	if err != nil {
		s.logger.WarnContext(ctx, "failed to build snapshot", "workflow_id", workflowID, "error", err)

		return
	}

	err = s.snapshots.Save(ctx, &models.Snapshot{
		WorkflowID: workflowID,
		SequenceNo: headSeq,
		State:      state,
		TakenAt:    time.Now().UTC(),
	})
	if err != nil {
		s.logger.WarnContext(ctx, "failed to save snapshot", "workflow_id", workflowID, "error", err)
	}
}

func (s *Store) notifyAppended(ctx context.Context, events []*models.WorkflowEvent) {
	if s.publisher == nil {
		return
	}

	last := events[len(events)-1]
	types := make([]models.EventType, 0, len(events))

	for _, event := range events {
		types = append(types, event.Type)
	}

	notification := eventbus.EventAppended{
		BaseNotification: eventbus.NewBaseNotification(eventbus.EventAppendedNotification),
		WorkflowID:       last.WorkflowID,
		TenantID:         last.TenantID,
		HeadSeq:          last.SequenceNo,
		EventTypes:       types,
	}

	err := s.publisher.Publish(ctx, last.WorkflowID, notification)
	if err != nil {
		// The log is already committed; the recovery sweep catches lagging
		// projections even when the notification is lost.
		s.logger.WarnContext(ctx, "failed to publish append notification",
			"workflow_id", last.WorkflowID, "error", err)
	}
}

func (s *Store) alertIntegrity(ctx context.Context, workflowID string, cause error) {
	s.logger.ErrorContext(ctx, "event log integrity violation",
		"workflow_id", workflowID, "error", cause)

	if s.publisher == nil {
		return
	}

	notification := eventbus.IntegrityAlert{
		BaseNotification: eventbus.NewBaseNotification(eventbus.IntegrityAlertNotification),
		WorkflowID:       workflowID,
		Detail:           cause.Error(),
	}

	err := s.publisher.Publish(ctx, workflowID, notification)
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.WarnContext(ctx, "failed to publish integrity alert",
			"workflow_id", workflowID, "error", err)
	}
}

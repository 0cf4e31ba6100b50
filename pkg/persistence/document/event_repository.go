package document

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gridbee/marketflow/pkg/models"
	"github.com/gridbee/marketflow/pkg/persistence"
)

// EventRepository stores each workflow's event log as an append-only JSONL
// file. Readers always observe a prefix: a line is either fully written or
// not part of the file.
type EventRepository struct {
	persistence *Persistence
}

// Append writes events to the workflow's log. The dense-sequence invariant is
// checked optimistically against the current head before writing.
func (r *EventRepository) Append(ctx context.Context, workflowID string, expectedNextSeq int64, events []*models.WorkflowEvent) error {
	if len(events) == 0 {
		return nil
	}

	r.persistence.mu.Lock()
	defer r.persistence.mu.Unlock()

	head, err := r.headSequenceLocked(workflowID)
	if err != nil {
		return persistence.NewStoreError("Append", workflowID, err)
	}

	if head+1 != expectedNextSeq {
		return persistence.NewStoreError("Append", workflowID,
			fmt.Errorf("%w: head is %d, expected next %d", persistence.ErrIntegrity, head, expectedNextSeq))
	}

	dir, err := r.persistence.dir("events")
	if err != nil {
		return persistence.NewStoreError("Append", workflowID, err)
	}

	path := filepath.Join(dir, workflowID+".jsonl")

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return persistence.NewStoreError("Append", workflowID, err)
	}

	defer func() {
		_ = file.Close()
	}()

	writer := bufio.NewWriter(file)

	for i, event := range events {
		event.SequenceNo = expectedNextSeq + int64(i)

		line, err := json.Marshal(event)
		if err != nil {
			return persistence.NewStoreError("Append", workflowID, err)
		}

		_, err = writer.Write(append(line, '\n'))
		if err != nil {
			return persistence.NewStoreError("Append", workflowID, err)
		}
	}

	err = writer.Flush()
	if err != nil {
		return persistence.NewStoreError("Append", workflowID, err)
	}

	err = file.Sync()
	if err != nil {
		return persistence.NewStoreError("Append", workflowID, err)
	}

	return nil
}

// Events returns the workflow's events in sequence order, narrowed by the range.
func (r *EventRepository) Events(ctx context.Context, workflowID string, rng models.EventRange) ([]*models.WorkflowEvent, error) {
	r.persistence.mu.RLock()
	defer r.persistence.mu.RUnlock()

	all, err := r.readAllLocked(workflowID)
	if err != nil {
		return nil, persistence.NewStoreError("Events", workflowID, err)
	}

	result := make([]*models.WorkflowEvent, 0, len(all))

	for _, event := range all {
		if rng.FromSeq > 0 && event.SequenceNo < rng.FromSeq {
			continue
		}

		if rng.ToSeq > 0 && event.SequenceNo > rng.ToSeq {
			continue
		}

		if rng.ToTime != nil && event.OccurredAt.After(*rng.ToTime) {
			continue
		}

		result = append(result, event)
	}

	return result, nil
}

// EventsByTenant scans every log for the tenant's events within a time range.
func (r *EventRepository) EventsByTenant(ctx context.Context, tenantID string, from, to time.Time, limit int) ([]*models.WorkflowEvent, error) {
	r.persistence.mu.RLock()
	defer r.persistence.mu.RUnlock()

	dir := filepath.Join(r.persistence.root, "events")

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to read events directory: %w", err)
	}

	result := make([]*models.WorkflowEvent, 0)

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		workflowID := entry.Name()
		workflowID = workflowID[:len(workflowID)-len(filepath.Ext(workflowID))]

		events, err := r.readAllLocked(workflowID)
		if err != nil {
			return nil, err
		}

		for _, event := range events {
			if event.TenantID != tenantID {
				continue
			}

			if event.OccurredAt.Before(from) || event.OccurredAt.After(to) {
				continue
			}

			result = append(result, event)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].OccurredAt.Before(result[j].OccurredAt)
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}

	return result, nil
}

// HeadSequence returns the sequence of the last appended event.
func (r *EventRepository) HeadSequence(ctx context.Context, workflowID string) (int64, error) {
	r.persistence.mu.RLock()
	defer r.persistence.mu.RUnlock()

	return r.headSequenceLocked(workflowID)
}

func (r *EventRepository) headSequenceLocked(workflowID string) (int64, error) {
	events, err := r.readAllLocked(workflowID)
	if err != nil {
		return 0, err
	}

	if len(events) == 0 {
		return 0, nil
	}

	return events[len(events)-1].SequenceNo, nil
}

func (r *EventRepository) readAllLocked(workflowID string) ([]*models.WorkflowEvent, error) {
	path := filepath.Join(r.persistence.root, "events", workflowID+".jsonl")

	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to open event log: %w", err)
	}

	defer func() {
		_ = file.Close()
	}()

	events := make([]*models.WorkflowEvent, 0)
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var event models.WorkflowEvent

		err := json.Unmarshal(line, &event)
		if err != nil {
			// A torn trailing line from a crashed writer is not part of the
			// log prefix.
			break
		}

		events = append(events, &event)
	}

	err = scanner.Err()
	if err != nil {
		return nil, fmt.Errorf("failed to scan event log: %w", err)
	}

	return events, nil
}

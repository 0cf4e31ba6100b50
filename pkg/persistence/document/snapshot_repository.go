package document

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gridbee/marketflow/pkg/models"
)

// SnapshotRepository stores replay snapshots under
// snapshots/<workflow_id>/<sequence>.json. Snapshots are derivable from
// events and may be discarded at any time.
type SnapshotRepository struct {
	persistence *Persistence
}

// Save persists a snapshot keyed by its sequence.
func (r *SnapshotRepository) Save(ctx context.Context, snapshot *models.Snapshot) error {
	r.persistence.mu.Lock()
	defer r.persistence.mu.Unlock()

	dir, err := r.persistence.dir("snapshots", snapshot.WorkflowID)
	if err != nil {
		return fmt.Errorf("failed to create snapshots directory: %w", err)
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	path := filepath.Join(dir, strconv.FormatInt(snapshot.SequenceNo, 10)+".json")

	err = os.WriteFile(path, data, 0o644)
	if err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}

	return nil
}

// LatestBefore returns the highest snapshot at or below seq, or nil.
func (r *SnapshotRepository) LatestBefore(ctx context.Context, workflowID string, seq int64) (*models.Snapshot, error) {
	r.persistence.mu.RLock()
	defer r.persistence.mu.RUnlock()

	sequences, err := r.sequencesLocked(workflowID)
	if err != nil {
		return nil, err
	}

	var best int64

	for _, s := range sequences {
		if s <= seq && s > best {
			best = s
		}
	}

	if best == 0 {
		return nil, nil
	}

	path := filepath.Join(r.persistence.root, "snapshots", workflowID, strconv.FormatInt(best, 10)+".json")

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var snapshot models.Snapshot

	err = json.Unmarshal(data, &snapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}

	return &snapshot, nil
}

// DropAbove discards snapshots above seq, used after rollback truncation.
func (r *SnapshotRepository) DropAbove(ctx context.Context, workflowID string, seq int64) error {
	r.persistence.mu.Lock()
	defer r.persistence.mu.Unlock()

	sequences, err := r.sequencesLocked(workflowID)
	if err != nil {
		return err
	}

	for _, s := range sequences {
		if s <= seq {
			continue
		}

		path := filepath.Join(r.persistence.root, "snapshots", workflowID, strconv.FormatInt(s, 10)+".json")

		err := os.Remove(path)
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to drop snapshot %d: %w", s, err)
		}
	}

	return nil
}

func (r *SnapshotRepository) sequencesLocked(workflowID string) ([]int64, error) {
	dir := filepath.Join(r.persistence.root, "snapshots", workflowID)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to read snapshots directory: %w", err)
	}

	sequences := make([]int64, 0, len(entries))

	for _, entry := range entries {
		name := entry.Name()
		name = name[:len(name)-len(filepath.Ext(name))]

		seq, err := strconv.ParseInt(name, 10, 64)
		if err != nil {
			continue
		}

		sequences = append(sequences, seq)
	}

	return sequences, nil
}

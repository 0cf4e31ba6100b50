package document

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gridbee/marketflow/pkg/models"
	"github.com/gridbee/marketflow/pkg/persistence"
	"github.com/gridbee/marketflow/pkg/tenant"
)

// IndexRepository materializes workflow headers as one JSON document per row.
// Tenant filtering is enforced here, mirroring the row-level policy of the
// relational implementation.
type IndexRepository struct {
	persistence *Persistence
}

// Insert adds a new index row.
func (r *IndexRepository) Insert(ctx context.Context, row *models.IndexRow) error {
	r.persistence.mu.Lock()
	defer r.persistence.mu.Unlock()

	return r.writeLocked(row)
}

// UpdateStatus updates the projected status and current step. Idempotent
// under the same (status, currentStepID) tuple.
func (r *IndexRepository) UpdateStatus(ctx context.Context, id string, status models.WorkflowStatus, currentStepID string) error {
	r.persistence.mu.Lock()
	defer r.persistence.mu.Unlock()

	row, err := r.readLocked(id)
	if err != nil {
		return err
	}

	if row.Status == status && row.CurrentStepID == currentStepID {
		return nil
	}

	row.Status = status
	row.CurrentStepID = currentStepID
	row.UpdatedAt = time.Now().UTC()

	return r.writeLocked(row)
}

// Query returns rows visible to the tenant context, filtered and paged,
// newest first.
func (r *IndexRepository) Query(ctx context.Context, tc tenant.Context, filter models.IndexFilter, page models.Page) ([]*models.IndexRow, error) {
	rows, err := r.visible(tc, filter)
	if err != nil {
		return nil, err
	}

	sort.Slice(rows, func(i, j int) bool {
		return rows[i].CreatedAt.After(rows[j].CreatedAt)
	})

	if page.Offset > 0 {
		if page.Offset >= len(rows) {
			return nil, nil
		}

		rows = rows[page.Offset:]
	}

	if page.Limit > 0 && len(rows) > page.Limit {
		rows = rows[:page.Limit]
	}

	return rows, nil
}

// Count returns the number of rows visible to the tenant context.
func (r *IndexRepository) Count(ctx context.Context, tc tenant.Context, filter models.IndexFilter) (int, error) {
	rows, err := r.visible(tc, filter)
	if err != nil {
		return 0, err
	}

	return len(rows), nil
}

// Delete removes an index row.
func (r *IndexRepository) Delete(ctx context.Context, id string) error {
	r.persistence.mu.Lock()
	defer r.persistence.mu.Unlock()

	path := filepath.Join(r.persistence.root, "index", id+".json")

	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete index row %s: %w", id, err)
	}

	return nil
}

func (r *IndexRepository) visible(tc tenant.Context, filter models.IndexFilter) ([]*models.IndexRow, error) {
	r.persistence.mu.RLock()
	defer r.persistence.mu.RUnlock()

	dir := filepath.Join(r.persistence.root, "index")

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to read index directory: %w", err)
	}

	rows := make([]*models.IndexRow, 0, len(entries))

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		id := entry.Name()
		id = id[:len(id)-len(filepath.Ext(id))]

		row, err := r.readLocked(id)
		if err != nil {
			return nil, err
		}

		if !tc.CanSee(row.TenantID) {
			continue
		}

		if filter.Status != "" && row.Status != filter.Status {
			continue
		}

		if filter.TemplateID != "" && row.TemplateID != filter.TemplateID {
			continue
		}

		if filter.MarketRole != "" && row.MarketRole != filter.MarketRole {
			continue
		}

		rows = append(rows, row)
	}

	return rows, nil
}

func (r *IndexRepository) readLocked(id string) (*models.IndexRow, error) {
	path := filepath.Join(r.persistence.root, "index", id+".json")

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, persistence.ErrWorkflowNotFound
		}

		return nil, fmt.Errorf("failed to read index row %s: %w", id, err)
	}

	var row models.IndexRow

	err = json.Unmarshal(data, &row)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal index row %s: %w", id, err)
	}

	return &row, nil
}

func (r *IndexRepository) writeLocked(row *models.IndexRow) error {
	dir, err := r.persistence.dir("index")
	if err != nil {
		return fmt.Errorf("failed to create index directory: %w", err)
	}

	data, err := json.MarshalIndent(row, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal index row %s: %w", row.ID, err)
	}

	path := filepath.Join(dir, row.ID+".json")

	err = os.WriteFile(path, data, 0o644)
	if err != nil {
		return fmt.Errorf("failed to write index row %s: %w", row.ID, err)
	}

	return nil
}

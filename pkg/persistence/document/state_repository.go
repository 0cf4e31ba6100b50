package document

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gridbee/marketflow/pkg/models"
	"github.com/gridbee/marketflow/pkg/persistence"
	"github.com/gridbee/marketflow/pkg/tenant"
)

// StateRepository stores one JSON document per workflow instance.
type StateRepository struct {
	persistence *Persistence
}

// Get returns the instance if it is visible to the tenant context. Rows of
// other tenants are reported as not found, never as access denied, to avoid
// existence disclosure.
func (r *StateRepository) Get(ctx context.Context, tc tenant.Context, id string) (*models.WorkflowInstance, error) {
	r.persistence.mu.RLock()
	defer r.persistence.mu.RUnlock()

	instance, err := r.readLocked(id)
	if err != nil {
		return nil, err
	}

	if !tc.CanSee(instance.TenantID) {
		return nil, persistence.ErrWorkflowNotFound
	}

	return instance, nil
}

// Insert writes a new instance document at version 1.
func (r *StateRepository) Insert(ctx context.Context, instance *models.WorkflowInstance) error {
	r.persistence.mu.Lock()
	defer r.persistence.mu.Unlock()

	instance.Version = 1

	return r.writeLocked(instance)
}

// UpdateState replaces the document under optimistic concurrency.
func (r *StateRepository) UpdateState(ctx context.Context, instance *models.WorkflowInstance, expectedVersion int64) error {
	r.persistence.mu.Lock()
	defer r.persistence.mu.Unlock()

	stored, err := r.readLocked(instance.ID)
	if err != nil {
		return err
	}

	if stored.Version != expectedVersion {
		return persistence.NewStoreError("UpdateState", instance.ID,
			fmt.Errorf("%w: stored version %d, expected %d", persistence.ErrStaleWrite, stored.Version, expectedVersion))
	}

	instance.Version = expectedVersion + 1

	return r.writeLocked(instance)
}

// UpdateStatus rewrites only the status field, bumping the version.
func (r *StateRepository) UpdateStatus(ctx context.Context, id string, status models.WorkflowStatus) error {
	r.persistence.mu.Lock()
	defer r.persistence.mu.Unlock()

	stored, err := r.readLocked(id)
	if err != nil {
		return err
	}

	stored.Status = status
	stored.Version++

	return r.writeLocked(stored)
}

// Find returns instances visible to the tenant context matching the filter.
func (r *StateRepository) Find(ctx context.Context, tc tenant.Context, filter models.IndexFilter) ([]*models.WorkflowInstance, error) {
	r.persistence.mu.RLock()
	defer r.persistence.mu.RUnlock()

	dir := filepath.Join(r.persistence.root, "instances")

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to read instances directory: %w", err)
	}

	result := make([]*models.WorkflowInstance, 0)

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		id := entry.Name()
		id = id[:len(id)-len(filepath.Ext(id))]

		instance, err := r.readLocked(id)
		if err != nil {
			return nil, err
		}

		if !tc.CanSee(instance.TenantID) {
			continue
		}

		if filter.Status != "" && instance.Status != filter.Status {
			continue
		}

		if filter.TemplateID != "" && instance.TemplateID != filter.TemplateID {
			continue
		}

		if filter.MarketRole != "" && instance.MarketRole != filter.MarketRole {
			continue
		}

		result = append(result, instance)
	}

	return result, nil
}

// Delete removes the instance document.
func (r *StateRepository) Delete(ctx context.Context, id string) error {
	r.persistence.mu.Lock()
	defer r.persistence.mu.Unlock()

	path := filepath.Join(r.persistence.root, "instances", id+".json")

	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete instance %s: %w", id, err)
	}

	return nil
}

func (r *StateRepository) readLocked(id string) (*models.WorkflowInstance, error) {
	path := filepath.Join(r.persistence.root, "instances", id+".json")

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, persistence.ErrWorkflowNotFound
		}

		return nil, fmt.Errorf("failed to read instance %s: %w", id, err)
	}

	var instance models.WorkflowInstance

	err = json.Unmarshal(data, &instance)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal instance %s: %w", id, err)
	}

	return &instance, nil
}

func (r *StateRepository) writeLocked(instance *models.WorkflowInstance) error {
	dir, err := r.persistence.dir("instances")
	if err != nil {
		return fmt.Errorf("failed to create instances directory: %w", err)
	}

	data, err := json.MarshalIndent(instance, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal instance %s: %w", instance.ID, err)
	}

	path := filepath.Join(dir, instance.ID+".json")
	tmp := path + ".tmp"

	err = os.WriteFile(tmp, data, 0o644)
	if err != nil {
		return fmt.Errorf("failed to write instance %s: %w", instance.ID, err)
	}

	err = os.Rename(tmp, path)
	if err != nil {
		return fmt.Errorf("failed to replace instance %s: %w", instance.ID, err)
	}

	return nil
}

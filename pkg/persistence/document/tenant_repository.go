package document

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gridbee/marketflow/pkg/models"
	"github.com/gridbee/marketflow/pkg/persistence"
)

// TenantRepository stores one JSON document per tenant.
type TenantRepository struct {
	persistence *Persistence
}

// Save inserts or updates a tenant.
func (r *TenantRepository) Save(ctx context.Context, t *models.Tenant) error {
	r.persistence.mu.Lock()
	defer r.persistence.mu.Unlock()

	now := time.Now().UTC()

	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}

	t.UpdatedAt = now

	return r.writeLocked(t)
}

// GetByID returns a tenant by its ID.
func (r *TenantRepository) GetByID(ctx context.Context, id string) (*models.Tenant, error) {
	r.persistence.mu.RLock()
	defer r.persistence.mu.RUnlock()

	return r.readLocked(id)
}

// UpdateStatus moves a tenant to a new lifecycle status.
func (r *TenantRepository) UpdateStatus(ctx context.Context, id string, status models.TenantStatus) error {
	r.persistence.mu.Lock()
	defer r.persistence.mu.Unlock()

	t, err := r.readLocked(id)
	if err != nil {
		return err
	}

	t.Status = status
	t.UpdatedAt = time.Now().UTC()

	return r.writeLocked(t)
}

func (r *TenantRepository) readLocked(id string) (*models.Tenant, error) {
	path := filepath.Join(r.persistence.root, "tenants", id+".json")

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, persistence.ErrTenantNotFound
		}

		return nil, fmt.Errorf("failed to read tenant %s: %w", id, err)
	}

	var t models.Tenant

	err = json.Unmarshal(data, &t)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal tenant %s: %w", id, err)
	}

	return &t, nil
}

func (r *TenantRepository) writeLocked(t *models.Tenant) error {
	dir, err := r.persistence.dir("tenants")
	if err != nil {
		return fmt.Errorf("failed to create tenants directory: %w", err)
	}

	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal tenant %s: %w", t.ID, err)
	}

	path := filepath.Join(dir, t.ID+".json")

	err = os.WriteFile(path, data, 0o644)
	if err != nil {
		return fmt.Errorf("failed to write tenant %s: %w", t.ID, err)
	}

	return nil
}

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gridbee/marketflow/pkg/models"
	"github.com/gridbee/marketflow/pkg/persistence"
)

// TenantRepository handles market-participant organization storage.
type TenantRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewTenantRepository creates a new tenant repository.
func NewTenantRepository(db *sql.DB, logger *slog.Logger) *TenantRepository {
	return &TenantRepository{db: db, logger: logger}
}

// Save inserts or updates a tenant. The identifier never changes.
func (r *TenantRepository) Save(ctx context.Context, t *models.Tenant) error {
	now := time.Now().UTC()

	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}

	t.UpdatedAt = now

	query := `
		INSERT INTO tenants (id, name, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET name = $2, status = $3, updated_at = $5
	`

	_, err := r.db.ExecContext(ctx, query, t.ID, t.Name, string(t.Status), t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save tenant %s: %w", t.ID, err)
	}

	return nil
}

// GetByID returns a tenant by its ID.
func (r *TenantRepository) GetByID(ctx context.Context, id string) (*models.Tenant, error) {
	var t models.Tenant

	err := r.db.QueryRowContext(ctx,
		"SELECT id, name, status, created_at, updated_at FROM tenants WHERE id = $1", id).
		Scan(&t.ID, &t.Name, &t.Status, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrTenantNotFound
		}

		return nil, fmt.Errorf("failed to query tenant %s: %w", id, err)
	}

	return &t, nil
}

// UpdateStatus moves a tenant to a new lifecycle status.
func (r *TenantRepository) UpdateStatus(ctx context.Context, id string, status models.TenantStatus) error {
	result, err := r.db.ExecContext(ctx,
		"UPDATE tenants SET status = $2, updated_at = NOW() WHERE id = $1", id, string(status))
	if err != nil {
		return fmt.Errorf("failed to update tenant %s status: %w", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 0 {
		return persistence.ErrTenantNotFound
	}

	return nil
}

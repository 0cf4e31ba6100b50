package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/gridbee/marketflow/pkg/models"
	"github.com/gridbee/marketflow/pkg/persistence"
	"github.com/gridbee/marketflow/pkg/tenant"
)

// IndexRepository handles the relational projection of workflow headers.
// Every read runs inside a transaction that sets the tenant session variables
// before issuing the query, so the row-level policy applies even if a caller
// forgets explicit filtering.
type IndexRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewIndexRepository creates a new index repository.
func NewIndexRepository(db *sql.DB, logger *slog.Logger) *IndexRepository {
	return &IndexRepository{db: db, logger: logger}
}

// Insert adds a new index row.
func (r *IndexRepository) Insert(ctx context.Context, row *models.IndexRow) error {
	query := `
		INSERT INTO workflow_index
			(id, tenant_id, template_id, market_role, status, current_step_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := r.db.ExecContext(ctx, query,
		row.ID, row.TenantID, row.TemplateID, string(row.MarketRole),
		string(row.Status), nullable(row.CurrentStepID), row.CreatedAt, row.UpdatedAt)
	if err != nil {
		return persistence.NewStoreError("IndexInsert", row.ID, err)
	}

	return nil
}

// UpdateStatus updates the projected status and current step. Idempotent
// under the same (status, currentStepID) tuple.
func (r *IndexRepository) UpdateStatus(ctx context.Context, id string, status models.WorkflowStatus, currentStepID string) error {
	query := `
		UPDATE workflow_index
		SET status = $2, current_step_id = $3, updated_at = NOW()
		WHERE id = $1 AND (status IS DISTINCT FROM $2 OR current_step_id IS DISTINCT FROM $3)
	`

	_, err := r.db.ExecContext(ctx, query, id, string(status), nullable(currentStepID))
	if err != nil {
		return persistence.NewStoreError("IndexUpdateStatus", id, err)
	}

	return nil
}

// Query returns index rows visible to the tenant context, filtered and paged.
func (r *IndexRepository) Query(ctx context.Context, tc tenant.Context, filter models.IndexFilter, page models.Page) ([]*models.IndexRow, error) {
	where, args := buildFilter(tc, filter)

	query := `
		SELECT id, tenant_id, template_id, market_role, status, current_step_id, created_at, updated_at
		FROM workflow_index
	` + where + `
		ORDER BY created_at DESC
	`

	if page.Limit > 0 {
		query += " LIMIT " + strconv.Itoa(page.Limit)
	}

	if page.Offset > 0 {
		query += " OFFSET " + strconv.Itoa(page.Offset)
	}

	var result []*models.IndexRow

	err := r.scoped(ctx, tc, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to query workflow index: %w", err)
		}

		defer func() {
			err := rows.Close()
			if err != nil {
				r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
			}
		}()

		for rows.Next() {
			var (
				row    models.IndexRow
				stepID sql.NullString
			)

			err := rows.Scan(&row.ID, &row.TenantID, &row.TemplateID, &row.MarketRole,
				&row.Status, &stepID, &row.CreatedAt, &row.UpdatedAt)
			if err != nil {
				return fmt.Errorf("failed to scan index row: %w", err)
			}

			row.CurrentStepID = stepID.String
			result = append(result, &row)
		}

		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// Count returns the number of index rows visible to the tenant context.
func (r *IndexRepository) Count(ctx context.Context, tc tenant.Context, filter models.IndexFilter) (int, error) {
	where, args := buildFilter(tc, filter)

	var count int

	err := r.scoped(ctx, tc, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM workflow_index"+where, args...).Scan(&count)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count workflow index: %w", err)
	}

	return count, nil
}

// Delete removes an index row.
func (r *IndexRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM workflow_index WHERE id = $1", id)
	if err != nil {
		return persistence.NewStoreError("IndexDelete", id, err)
	}

	return nil
}

// scoped runs op inside a read-only transaction whose tenant session
// variables are set first, activating the row-level policy.
func (r *IndexRepository) scoped(ctx context.Context, tc tenant.Context, op func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	if tc.CrossTenant() {
		_, err = tx.ExecContext(ctx, "SELECT set_config('app.market_ops', 'on', true)")
	} else {
		_, err = tx.ExecContext(ctx, "SELECT set_config('app.tenant_id', $1, true)", tc.EffectiveTenant())
	}

	if err != nil {
		return fmt.Errorf("failed to set tenant session variable: %w", err)
	}

	err = op(tx)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// buildFilter renders the WHERE clause. The tenant predicate is always
// present for tenant-bound contexts; the row-level policy backs it up.
func buildFilter(tc tenant.Context, filter models.IndexFilter) (string, []any) {
	clauses := make([]string, 0, 4)
	args := make([]any, 0, 4)

	add := func(clause string, value any) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	if !tc.CrossTenant() {
		add("tenant_id = $%d", tc.EffectiveTenant())
	}

	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}

	if filter.TemplateID != "" {
		add("template_id = $%d", filter.TemplateID)
	}

	if filter.MarketRole != "" {
		add("market_role = $%d", string(filter.MarketRole))
	}

	if len(clauses) == 0 {
		return "", nil
	}

	where := " WHERE " + clauses[0]
	for _, c := range clauses[1:] {
		where += " AND " + c
	}

	return where, args
}

func nullable(s string) any {
	if s == "" {
		return nil
	}

	return s
}

package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/gridbee/marketflow/pkg/models"
	"github.com/gridbee/marketflow/pkg/persistence"
)

// TemplateRepository handles versioned workflow template storage. Published
// versions are immutable; publishing a new version supersedes prior versions
// of the same market role.
type TemplateRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewTemplateRepository creates a new template repository.
func NewTemplateRepository(db *sql.DB, logger *slog.Logger) *TemplateRepository {
	return &TemplateRepository{db: db, logger: logger}
}

// Publish stores a new template version and marks prior versions of the same
// role superseded, in one transaction.
func (r *TemplateRepository) Publish(ctx context.Context, template *models.WorkflowTemplate) error {
	now := time.Now().UTC()

	if template.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate template ID: %w", err)
		}

		template.ID = id.String()
	}

	if template.CreatedAt.IsZero() {
		template.CreatedAt = now
	}

	template.Status = models.TemplateStatusActive
	template.PublishedAt = &now

	definitionJSON, err := json.Marshal(template)
	if err != nil {
		return fmt.Errorf("failed to marshal template definition: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, `
		UPDATE workflow_templates SET status = $1 WHERE market_role = $2 AND status = $3
	`, string(models.TemplateStatusSuperseded), string(template.MarketRole), string(models.TemplateStatusActive))
	if err != nil {
		return fmt.Errorf("failed to supersede prior template versions: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO workflow_templates
			(id, name, market_role, version, status, definition, created_at, published_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, template.ID, template.Name, string(template.MarketRole), template.Version,
		string(template.Status), definitionJSON, template.CreatedAt, template.PublishedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			err = persistence.ErrTemplateExists

			return err
		}

		return fmt.Errorf("failed to insert template: %w", err)
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("failed to commit template publication: %w", err)
	}

	return nil
}

// GetByID returns a template by its ID.
func (r *TemplateRepository) GetByID(ctx context.Context, id string) (*models.WorkflowTemplate, error) {
	return r.getOne(ctx, "SELECT definition FROM workflow_templates WHERE id = $1", id)
}

// ActiveForRole returns the currently active template for a market role.
func (r *TemplateRepository) ActiveForRole(ctx context.Context, role models.MarketRole) (*models.WorkflowTemplate, error) {
	return r.getOne(ctx,
		"SELECT definition FROM workflow_templates WHERE market_role = $1 AND status = $2",
		string(role), string(models.TemplateStatusActive))
}

// GetVersion returns a specific version of a role's template.
func (r *TemplateRepository) GetVersion(ctx context.Context, role models.MarketRole, version int) (*models.WorkflowTemplate, error) {
	return r.getOne(ctx,
		"SELECT definition FROM workflow_templates WHERE market_role = $1 AND version = $2",
		string(role), version)
}

func (r *TemplateRepository) getOne(ctx context.Context, query string, args ...any) (*models.WorkflowTemplate, error) {
	var definitionJSON []byte

	err := r.db.QueryRowContext(ctx, query, args...).Scan(&definitionJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrTemplateNotFound
		}

		return nil, fmt.Errorf("failed to query template: %w", err)
	}

	var template models.WorkflowTemplate

	err = json.Unmarshal(definitionJSON, &template)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal template definition: %w", err)
	}

	return &template, nil
}

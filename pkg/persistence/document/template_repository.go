package document

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/gridbee/marketflow/pkg/models"
	"github.com/gridbee/marketflow/pkg/persistence"
)

// TemplateRepository stores one JSON document per template version.
type TemplateRepository struct {
	persistence *Persistence
}

// Publish stores a new template version and marks prior active versions of
// the same role superseded.
func (r *TemplateRepository) Publish(ctx context.Context, template *models.WorkflowTemplate) error {
	r.persistence.mu.Lock()
	defer r.persistence.mu.Unlock()

	templates, err := r.listLocked()
	if err != nil {
		return err
	}

	for _, existing := range templates {
		if existing.MarketRole == template.MarketRole && existing.Version == template.Version {
			return persistence.ErrTemplateExists
		}
	}

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

	for _, existing := range templates {
		if existing.MarketRole == template.MarketRole && existing.Status == models.TemplateStatusActive {
			existing.Status = models.TemplateStatusSuperseded

			err := r.writeLocked(existing)
			if err != nil {
				return err
			}
		}
	}

	return r.writeLocked(template)
}

// GetByID returns a template by its ID.
func (r *TemplateRepository) GetByID(ctx context.Context, id string) (*models.WorkflowTemplate, error) {
	r.persistence.mu.RLock()
	defer r.persistence.mu.RUnlock()

	return r.readLocked(id)
}

// ActiveForRole returns the currently active template for a market role.
func (r *TemplateRepository) ActiveForRole(ctx context.Context, role models.MarketRole) (*models.WorkflowTemplate, error) {
	r.persistence.mu.RLock()
	defer r.persistence.mu.RUnlock()

	templates, err := r.listLocked()
	if err != nil {
		return nil, err
	}

	for _, t := range templates {
		if t.MarketRole == role && t.Status == models.TemplateStatusActive {
			return t, nil
		}
	}

	return nil, persistence.ErrTemplateNotFound
}

// GetVersion returns a specific version of a role's template.
func (r *TemplateRepository) GetVersion(ctx context.Context, role models.MarketRole, version int) (*models.WorkflowTemplate, error) {
	r.persistence.mu.RLock()
	defer r.persistence.mu.RUnlock()

	templates, err := r.listLocked()
	if err != nil {
		return nil, err
	}

	for _, t := range templates {
		if t.MarketRole == role && t.Version == version {
			return t, nil
		}
	}

	return nil, persistence.ErrTemplateNotFound
}

func (r *TemplateRepository) listLocked() ([]*models.WorkflowTemplate, error) {
	dir := filepath.Join(r.persistence.root, "templates")

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to read templates directory: %w", err)
	}

	templates := make([]*models.WorkflowTemplate, 0, len(entries))

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		id := entry.Name()
		id = id[:len(id)-len(filepath.Ext(id))]

		template, err := r.readLocked(id)
		if err != nil {
			return nil, err
		}

		templates = append(templates, template)
	}

	return templates, nil
}

func (r *TemplateRepository) readLocked(id string) (*models.WorkflowTemplate, error) {
	path := filepath.Join(r.persistence.root, "templates", id+".json")

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, persistence.ErrTemplateNotFound
		}

		return nil, fmt.Errorf("failed to read template %s: %w", id, err)
	}

	var template models.WorkflowTemplate

	err = json.Unmarshal(data, &template)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal template %s: %w", id, err)
	}

	return &template, nil
}

func (r *TemplateRepository) writeLocked(template *models.WorkflowTemplate) error {
	dir, err := r.persistence.dir("templates")
	if err != nil {
		return fmt.Errorf("failed to create templates directory: %w", err)
	}

	data, err := json.MarshalIndent(template, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal template %s: %w", template.ID, err)
	}

	path := filepath.Join(dir, template.ID+".json")

	err = os.WriteFile(path, data, 0o644)
	if err != nil {
		return fmt.Errorf("failed to write template %s: %w", template.ID, err)
	}

	return nil
}

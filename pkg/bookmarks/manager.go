// Package bookmarks durably records suspension points awaiting external
// input and enforces their consume-exactly-once contract.
package bookmarks

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"

	"github.com/gridbee/marketflow/pkg/models"
	"github.com/gridbee/marketflow/pkg/persistence"
)

// Manager creates, resolves, and consumes bookmarks.
type Manager struct {
	repo          persistence.BookmarkRepository
	logger        *slog.Logger
	defaultExpiry time.Duration
}

// NewManager creates a bookmark manager.
func NewManager(repo persistence.BookmarkRepository, logger *slog.Logger, defaultExpiry time.Duration) *Manager {
	return &Manager{
		repo:          repo,
		logger:        logger.With("module", "bookmarks"),
		defaultExpiry: defaultExpiry,
	}
}

// Create persists a new active bookmark for a suspended step. A step may
// carry at most one active bookmark.
func (m *Manager) Create(ctx context.Context, workflowID, tenantID, stepID string, kind models.BookmarkKind, shape, metadata map[string]any, expiry time.Duration) (*models.Bookmark, error) {
	_, err := m.repo.ActiveForStep(ctx, workflowID, stepID)
	if err == nil {
		return nil, fmt.Errorf("step %s already has an active bookmark", stepID)
	}

	if !persistence.IsNotFound(err) {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate bookmark ID: %w", err)
	}

	if expiry == 0 {
		expiry = m.defaultExpiry
	}

	bookmark := &models.Bookmark{
		BookmarkID:           id.String(),
		WorkflowID:           workflowID,
		TenantID:             tenantID,
		StepID:               stepID,
		Kind:                 kind,
		ExpectedPayloadShape: shape,
		Metadata:             metadata,
		Active:               true,
		CreatedAt:            time.Now().UTC(),
	}

	if expiry > 0 {
		expiresAt := bookmark.CreatedAt.Add(expiry)
		bookmark.ExpiresAt = &expiresAt
	}

	err = m.repo.Insert(ctx, bookmark)
	if err != nil {
		return nil, err
	}

	m.logger.InfoContext(ctx, "bookmark created",
		"bookmark_id", bookmark.BookmarkID,
		"workflow_id", workflowID,
		"step_id", stepID,
		"kind", string(kind))

	return bookmark, nil
}

// Get returns a bookmark by id.
func (m *Manager) Get(ctx context.Context, bookmarkID string) (*models.Bookmark, error) {
	return m.repo.Get(ctx, bookmarkID)
}

// ActiveForStep returns the active bookmark of a step.
func (m *Manager) ActiveForStep(ctx context.Context, workflowID, stepID string) (*models.Bookmark, error) {
	return m.repo.ActiveForStep(ctx, workflowID, stepID)
}

// Consume validates the payload against the bookmark's expected shape and
// marks it consumed. A second consume fails with ErrBookmarkConsumed; an
// expired bookmark is not consumable.
func (m *Manager) Consume(ctx context.Context, bookmarkID string, payload map[string]any, consumedBy string) (*models.Bookmark, error) {
	bookmark, err := m.repo.Get(ctx, bookmarkID)
	if err != nil {
		return nil, err
	}

	if bookmark.Expired(time.Now().UTC()) {
		return nil, fmt.Errorf("bookmark %s: %w", bookmarkID, ErrExpired)
	}

	err = m.checkShape(bookmark, payload)
	if err != nil {
		return nil, err
	}

	err = m.repo.Consume(ctx, bookmarkID, consumedBy, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	m.logger.InfoContext(ctx, "bookmark consumed",
		"bookmark_id", bookmarkID,
		"workflow_id", bookmark.WorkflowID,
		"step_id", bookmark.StepID)

	return bookmark, nil
}

// Expired returns active bookmarks past their expiry.
func (m *Manager) Expired(ctx context.Context, now time.Time) ([]*models.Bookmark, error) {
	return m.repo.ExpiredBefore(ctx, now)
}

// Deactivate consumes an expired bookmark on behalf of the sweeper.
func (m *Manager) Deactivate(ctx context.Context, bookmarkID string) error {
	return m.repo.Consume(ctx, bookmarkID, "system:expiry", time.Now().UTC())
}

func (m *Manager) checkShape(bookmark *models.Bookmark, payload map[string]any) error {
	if len(bookmark.ExpectedPayloadShape) == 0 {
		return nil
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(bookmark.ExpectedPayloadShape),
		gojsonschema.NewGoLoader(payload),
	)
	if err != nil {
		return fmt.Errorf("failed to validate resume payload: %w", err)
	}

	if !result.Valid() {
		first := result.Errors()
		if len(first) > 0 {
			return fmt.Errorf("resume payload does not match expected shape: %s", first[0].Description())
		}

		return fmt.Errorf("resume payload does not match expected shape")
	}

	return nil
}

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

// BookmarkRepository stores one JSON document per bookmark.
type BookmarkRepository struct {
	persistence *Persistence
}

// Insert writes a new bookmark document.
func (r *BookmarkRepository) Insert(ctx context.Context, bookmark *models.Bookmark) error {
	r.persistence.mu.Lock()
	defer r.persistence.mu.Unlock()

	return r.writeLocked(bookmark)
}

// Get returns a bookmark by its identifier.
func (r *BookmarkRepository) Get(ctx context.Context, bookmarkID string) (*models.Bookmark, error) {
	r.persistence.mu.RLock()
	defer r.persistence.mu.RUnlock()

	return r.readLocked(bookmarkID)
}

// ActiveForStep returns the single active bookmark of a step.
func (r *BookmarkRepository) ActiveForStep(ctx context.Context, workflowID, stepID string) (*models.Bookmark, error) {
	r.persistence.mu.RLock()
	defer r.persistence.mu.RUnlock()

	bookmarks, err := r.listLocked()
	if err != nil {
		return nil, err
	}

	for _, b := range bookmarks {
		if b.Active && b.WorkflowID == workflowID && b.StepID == stepID {
			return b, nil
		}
	}

	return nil, persistence.ErrBookmarkNotFound
}

// Consume marks the bookmark consumed exactly once.
func (r *BookmarkRepository) Consume(ctx context.Context, bookmarkID, consumedBy string, at time.Time) error {
	r.persistence.mu.Lock()
	defer r.persistence.mu.Unlock()

	bookmark, err := r.readLocked(bookmarkID)
	if err != nil {
		return err
	}

	if !bookmark.Active || bookmark.ConsumedAt != nil {
		return persistence.ErrBookmarkConsumed
	}

	bookmark.Active = false
	bookmark.ConsumedAt = &at
	bookmark.ConsumedBy = consumedBy

	return r.writeLocked(bookmark)
}

// ExpiredBefore returns active bookmarks whose expiry is before the cutoff.
func (r *BookmarkRepository) ExpiredBefore(ctx context.Context, cutoff time.Time) ([]*models.Bookmark, error) {
	r.persistence.mu.RLock()
	defer r.persistence.mu.RUnlock()

	bookmarks, err := r.listLocked()
	if err != nil {
		return nil, err
	}

	expired := make([]*models.Bookmark, 0)

	for _, b := range bookmarks {
		if b.Active && b.ExpiresAt != nil && b.ExpiresAt.Before(cutoff) {
			expired = append(expired, b)
		}
	}

	return expired, nil
}

// DeleteForWorkflow removes every bookmark of a workflow.
func (r *BookmarkRepository) DeleteForWorkflow(ctx context.Context, workflowID string) error {
	r.persistence.mu.Lock()
	defer r.persistence.mu.Unlock()

	bookmarks, err := r.listLocked()
	if err != nil {
		return err
	}

	for _, b := range bookmarks {
		if b.WorkflowID != workflowID {
			continue
		}

		path := filepath.Join(r.persistence.root, "bookmarks", b.BookmarkID+".json")

		err := os.Remove(path)
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete bookmark %s: %w", b.BookmarkID, err)
		}
	}

	return nil
}

func (r *BookmarkRepository) listLocked() ([]*models.Bookmark, error) {
	dir := filepath.Join(r.persistence.root, "bookmarks")

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to read bookmarks directory: %w", err)
	}

	bookmarks := make([]*models.Bookmark, 0, len(entries))

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		id := entry.Name()
		id = id[:len(id)-len(filepath.Ext(id))]

		bookmark, err := r.readLocked(id)
		if err != nil {
			return nil, err
		}

		bookmarks = append(bookmarks, bookmark)
	}

	return bookmarks, nil
}

func (r *BookmarkRepository) readLocked(id string) (*models.Bookmark, error) {
	path := filepath.Join(r.persistence.root, "bookmarks", id+".json")

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, persistence.ErrBookmarkNotFound
		}

		return nil, fmt.Errorf("failed to read bookmark %s: %w", id, err)
	}

	var bookmark models.Bookmark

	err = json.Unmarshal(data, &bookmark)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal bookmark %s: %w", id, err)
	}

	return &bookmark, nil
}

func (r *BookmarkRepository) writeLocked(bookmark *models.Bookmark) error {
	dir, err := r.persistence.dir("bookmarks")
	if err != nil {
		return fmt.Errorf("failed to create bookmarks directory: %w", err)
	}

	data, err := json.MarshalIndent(bookmark, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal bookmark %s: %w", bookmark.BookmarkID, err)
	}

	path := filepath.Join(dir, bookmark.BookmarkID+".json")
	tmp := path + ".tmp"

	err = os.WriteFile(tmp, data, 0o644)
	if err != nil {
		return fmt.Errorf("failed to write bookmark %s: %w", bookmark.BookmarkID, err)
	}

	err = os.Rename(tmp, path)
	if err != nil {
		return fmt.Errorf("failed to replace bookmark %s: %w", bookmark.BookmarkID, err)
	}

	return nil
}

package bookmarks

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/gridbee/marketflow/pkg/models"
)

// ErrExpired indicates the bookmark's expiry has passed; the step fails with
// a BookmarkExpired error kind.
var ErrExpired = errors.New("bookmark expired")

// ExpiryFunc is invoked for each expired bookmark; the engine fails the
// suspended step there.
type ExpiryFunc func(ctx context.Context, bookmark *models.Bookmark) error

// Sweeper periodically fails steps whose bookmarks expired.
type Sweeper struct {
	manager  *Manager
	onExpiry ExpiryFunc
	logger   *slog.Logger
	cron     *cron.Cron
}

// NewSweeper creates a sweeper; Start runs it on a cron schedule spec,
// e.g. "@every 1m".
func NewSweeper(manager *Manager, onExpiry ExpiryFunc, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		manager:  manager,
		onExpiry: onExpiry,
		logger:   logger.With("module", "bookmark_sweeper"),
		cron:     cron.New(),
	}
}

// Start schedules the sweep and starts the cron runner.
func (s *Sweeper) Start(ctx context.Context, schedule string) error {
	_, err := s.cron.AddFunc(schedule, func() {
		s.Sweep(ctx)
	})
	if err != nil {
		return err
	}

	s.cron.Start()
	s.logger.InfoContext(ctx, "bookmark expiry sweeper started", "schedule", schedule)

	return nil
}

// Stop halts the cron runner.
func (s *Sweeper) Stop() {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
}

// Sweep runs one pass over expired bookmarks.
func (s *Sweeper) Sweep(ctx context.Context) {
	expired, err := s.manager.Expired(ctx, time.Now().UTC())
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to list expired bookmarks", "error", err)

		return
	}

	for _, bookmark := range expired {
		err := s.onExpiry(ctx, bookmark)
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to expire bookmark",
				"bookmark_id", bookmark.BookmarkID,
				"workflow_id", bookmark.WorkflowID,
				"error", err)

			continue
		}

		err = s.manager.Deactivate(ctx, bookmark.BookmarkID)
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to deactivate expired bookmark",
				"bookmark_id", bookmark.BookmarkID, "error", err)
		}
	}
}

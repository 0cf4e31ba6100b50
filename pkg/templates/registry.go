// Package templates loads versioned workflow definitions and caches them
// process-wide. Published templates are immutable, so cache entries never go
// stale except for the active pointer of a role, which refreshes on
// publication notifications.
package templates

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/gridbee/marketflow/pkg/eventbus"
	"github.com/gridbee/marketflow/pkg/models"
	"github.com/gridbee/marketflow/pkg/persistence"
)

type versionKey struct {
	role    models.MarketRole
	version int
}

// Registry caches templates keyed by (market_role, version).
type Registry struct {
	repo      persistence.TemplateRepository
	publisher eventbus.Publisher
	validate  *validator.Validate
	logger    *slog.Logger

	mu           sync.RWMutex
	byID         map[string]*models.WorkflowTemplate
	byVersion    map[versionKey]*models.WorkflowTemplate
	activeByRole map[models.MarketRole]*models.WorkflowTemplate
}

// NewRegistry creates a template registry. publisher may be nil.
func NewRegistry(repo persistence.TemplateRepository, publisher eventbus.Publisher, validate *validator.Validate, logger *slog.Logger) *Registry {
	return &Registry{
		repo:         repo,
		publisher:    publisher,
		validate:     validate,
		logger:       logger.With("module", "templates"),
		byID:         make(map[string]*models.WorkflowTemplate),
		byVersion:    make(map[versionKey]*models.WorkflowTemplate),
		activeByRole: make(map[models.MarketRole]*models.WorkflowTemplate),
	}
}

// Publish validates and persists a new template version, supersedes prior
// versions, and notifies other registry instances to refresh.
func (r *Registry) Publish(ctx context.Context, template *models.WorkflowTemplate) error {
	err := r.validate.Struct(template)
	if err != nil {
		return fmt.Errorf("template validation failed: %w", err)
	}

	err = validateTransitions(template)
	if err != nil {
		return err
	}

	err = r.repo.Publish(ctx, template)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.byID[template.ID] = template
	r.byVersion[versionKey{template.MarketRole, template.Version}] = template
	r.activeByRole[template.MarketRole] = template
	r.mu.Unlock()

	if r.publisher != nil {
		notification := eventbus.TemplatePublished{
			BaseNotification: eventbus.NewBaseNotification(eventbus.TemplatePublishedNotification),
			TemplateID:       template.ID,
			MarketRole:       template.MarketRole,
			Version:          template.Version,
		}

		err := r.publisher.Publish(ctx, string(template.MarketRole), notification)
		if err != nil {
			r.logger.WarnContext(ctx, "failed to publish template notification",
				"template_id", template.ID, "error", err)
		}
	}

	return nil
}

// Get returns a template by id, from cache or the store.
func (r *Registry) Get(ctx context.Context, id string) (*models.WorkflowTemplate, error) {
	r.mu.RLock()
	template, ok := r.byID[id]
	r.mu.RUnlock()

	if ok {
		return template, nil
	}

	template, err := r.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	r.cache(template)

	return template, nil
}

// ActiveForRole returns the active template for a market role.
func (r *Registry) ActiveForRole(ctx context.Context, role models.MarketRole) (*models.WorkflowTemplate, error) {
	r.mu.RLock()
	template, ok := r.activeByRole[role]
	r.mu.RUnlock()

	if ok {
		return template, nil
	}

	template, err := r.repo.ActiveForRole(ctx, role)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.activeByRole[role] = template
	r.mu.Unlock()
	r.cache(template)

	return template, nil
}

// Version returns a specific published version for a role. Versions are
// immutable, so the cache entry never invalidates.
func (r *Registry) Version(ctx context.Context, role models.MarketRole, version int) (*models.WorkflowTemplate, error) {
	key := versionKey{role, version}

	r.mu.RLock()
	template, ok := r.byVersion[key]
	r.mu.RUnlock()

	if ok {
		return template, nil
	}

	template, err := r.repo.GetVersion(ctx, role, version)
	if err != nil {
		return nil, err
	}

	r.cache(template)

	return template, nil
}

// SubscribeRefresh registers the publication handler on the bus so the active
// pointer refreshes when another instance publishes.
func (r *Registry) SubscribeRefresh(bus eventbus.Subscriber) {
	bus.Handle(eventbus.TemplatePublishedNotification, func(ctx context.Context, notification eventbus.Notification) error {
		published, ok := notification.(*eventbus.TemplatePublished)
		if !ok {
			return nil
		}

		r.mu.Lock()
		delete(r.activeByRole, published.MarketRole)
		r.mu.Unlock()

		r.logger.InfoContext(ctx, "template cache refreshed",
			"market_role", string(published.MarketRole), "version", published.Version)

		return nil
	})
}

func (r *Registry) cache(template *models.WorkflowTemplate) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.byID[template.ID] = template
	r.byVersion[versionKey{template.MarketRole, template.Version}] = template
}

// validateTransitions checks that every transition target is a defined step.
func validateTransitions(template *models.WorkflowTemplate) error {
	for from, targets := range template.Transitions {
		if _, ok := template.Step(from); !ok {
			return fmt.Errorf("transition source %s is not a defined step", from)
		}

		for _, to := range targets {
			if _, ok := template.Step(to); !ok {
				return fmt.Errorf("transition target %s from %s is not a defined step", to, from)
			}
		}
	}

	for _, step := range template.Steps {
		for _, to := range step.AllowedTransitions {
			if _, ok := template.Step(to); !ok {
				return fmt.Errorf("allowed transition %s from step %s is not a defined step", to, step.ID)
			}
		}
	}

	return nil
}

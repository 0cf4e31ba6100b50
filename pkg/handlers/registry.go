package handlers

import (
	"fmt"
	"log/slog"

	"github.com/gridbee/marketflow/pkg/models"
)

// Registry maps step types to handler implementations. Handlers are
// registered explicitly at process start; the registry is treated as
// immutable afterwards.
type Registry struct {
	logger   *slog.Logger
	handlers map[models.StepType]Handler
}

func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		logger:   log,
		handlers: make(map[models.StepType]Handler),
	}
}

// Register binds a handler to a step type, replacing any prior binding.
func (r *Registry) Register(stepType models.StepType, handler Handler) {
	r.handlers[stepType] = handler
	r.logger.Info("Registered step handler", "step_type", string(stepType))
}

// Handler returns the handler for a step type.
func (r *Registry) Handler(stepType models.StepType) (Handler, error) {
	handler, ok := r.handlers[stepType]
	if !ok {
		return nil, fmt.Errorf("step type '%s' not registered", stepType)
	}

	return handler, nil
}

// Compensator returns the compensation capability of a step type's handler,
// or false when compensation is a no-op.
func (r *Registry) Compensator(stepType models.StepType) (Compensator, bool) {
	handler, ok := r.handlers[stepType]
	if !ok {
		return nil, false
	}

	compensator, ok := handler.(Compensator)

	return compensator, ok
}

// Resumable returns the resume capability of a step type's handler.
func (r *Registry) Resumable(stepType models.StepType) (Resumable, bool) {
	handler, ok := r.handlers[stepType]
	if !ok {
		return nil, false
	}

	resumable, ok := handler.(Resumable)

	return resumable, ok
}

// HealthCheck reports whether any handlers are registered.
func (r *Registry) HealthCheck() (string, bool) {
	if len(r.handlers) == 0 {
		return "no step handlers registered", false
	}

	return fmt.Sprintf("%d step handlers registered", len(r.handlers)), true
}

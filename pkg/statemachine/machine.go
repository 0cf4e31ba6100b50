// Package statemachine validates workflow transitions against a template and
// projects events into state.
package statemachine

import (
	"errors"
	"fmt"

	"github.com/gridbee/marketflow/pkg/models"
)

var (
	// ErrTerminalStatus indicates the workflow admits no further transitions.
	ErrTerminalStatus = errors.New("workflow is in a terminal status")

	// ErrInvalidTransition indicates the requested step is not reachable
	// from the current step.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrUnknownStep indicates the step is not defined in the template.
	ErrUnknownStep = errors.New("step not defined in template")

	// ErrUnknownEventType indicates the apply function received an event
	// type outside the defined set.
	ErrUnknownEventType = errors.New("unknown event type")
)

// Machine pairs an instance with its template for transition checks.
type Machine struct {
	instance *models.WorkflowInstance
	template *models.WorkflowTemplate
}

// New creates a state machine over the given instance and template.
func New(instance *models.WorkflowInstance, template *models.WorkflowTemplate) *Machine {
	return &Machine{instance: instance, template: template}
}

// CurrentStep returns the instance's current step id, empty in draft.
func (m *Machine) CurrentStep() string {
	return m.instance.CurrentStepID
}

// CanTransition reports whether moving to the step is allowed.
func (m *Machine) CanTransition(toStepID string) bool {
	return m.checkTransition(toStepID) == nil
}

// CheckTransition validates a requested transition and returns the typed
// rejection reason, nil when allowed. The instance is not mutated here; the
// current step only moves after the corresponding event is appended.
func (m *Machine) CheckTransition(toStepID string) error {
	return m.checkTransition(toStepID)
}

func (m *Machine) checkTransition(toStepID string) error {
	if m.instance.Status.Terminal() {
		return fmt.Errorf("%w: %s", ErrTerminalStatus, m.instance.Status)
	}

	if _, ok := m.template.Step(toStepID); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStep, toStepID)
	}

	if !m.template.CanTransition(m.instance.CurrentStepID, toStepID) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.instance.CurrentStepID, toStepID)
	}

	return nil
}

// ApplyEvent projects one event into the instance state.
func (m *Machine) ApplyEvent(event *models.WorkflowEvent) error {
	return Apply(m.instance, event)
}

// IsLastStep reports whether the template defines no onward transition from
// the given step.
func (m *Machine) IsLastStep(stepID string) bool {
	if targets, ok := m.template.Transitions[stepID]; ok {
		return len(targets) == 0
	}

	step, ok := m.template.Step(stepID)
	if !ok {
		return false
	}

	return len(step.AllowedTransitions) == 0
}

// NextSteps returns the steps reachable from the given step.
func (m *Machine) NextSteps(stepID string) []string {
	if targets, ok := m.template.Transitions[stepID]; ok {
		return targets
	}

	step, ok := m.template.Step(stepID)
	if !ok {
		return nil
	}

	return step.AllowedTransitions
}

package models

import "time"

// StepType selects the handler a step is dispatched to.
type StepType string

const (
	StepTypeForm         StepType = "form"
	StepTypeApproval     StepType = "approval"
	StepTypeAPICall      StepType = "api_call"
	StepTypeNotification StepType = "notification"
	StepTypeValidation   StepType = "validation"
	StepTypeDecision     StepType = "decision"
	StepTypeManual       StepType = "manual"
)

// StepDefinition describes one step of a workflow template.
type StepDefinition struct {
	ID                 string         `json:"id"                   validate:"required"`
	Name               string         `json:"name"                 validate:"required"`
	Type               StepType       `json:"type"                 validate:"required"`
	Configuration      map[string]any `json:"configuration,omitempty"`
	Required           bool           `json:"required"`
	Order              int            `json:"order"`
	AllowedTransitions []string       `json:"allowed_transitions,omitempty"`

	// CompensationHandler names a compensation for this step. The saga
	// coordinator does not read it: it compensates through the compensator
	// registered for Type, and a Type without one compensates as a no-op.
	CompensationHandler string `json:"compensation_handler,omitempty"`

	// StartToCloseTimeout overrides the configured default when positive.
	StartToCloseTimeout time.Duration `json:"start_to_close_timeout,omitempty"`
}

// TemplateStatus represents the publication state of a template version.
type TemplateStatus string

const (
	TemplateStatusActive     TemplateStatus = "active"
	TemplateStatusSuperseded TemplateStatus = "superseded"
)

// WorkflowTemplate is the versioned, immutable definition of steps,
// transitions, and validation rules for one market role. A new version
// supersedes prior versions but never modifies them.
type WorkflowTemplate struct {
	ID          string           `json:"id"` // assigned at publication
	Name        string           `json:"name"        validate:"required,min=3"`
	MarketRole  MarketRole       `json:"market_role" validate:"required"`
	Version     int              `json:"version"     validate:"required,min=1"`
	Status      TemplateStatus   `json:"status"`
	Steps       []StepDefinition `json:"steps"`
	Transitions map[string][]string `json:"transitions,omitempty"`

	// ValidationRules are template-level rules applied on top of per-step
	// validators by the engine's validate operation.
	ValidationRules map[string]any `json:"validation_rules,omitempty"`

	// AllowEmptySubmit permits submitting a zero-step workflow.
	AllowEmptySubmit bool `json:"allow_empty_submit,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
}

// Step returns the definition of a step by id.
func (t *WorkflowTemplate) Step(stepID string) (StepDefinition, bool) {
	for _, s := range t.Steps {
		if s.ID == stepID {
			return s, true
		}
	}

	return StepDefinition{}, false
}

// FirstStep returns the lowest-ordered step, or false for an empty template.
func (t *WorkflowTemplate) FirstStep() (StepDefinition, bool) {
	if len(t.Steps) == 0 {
		return StepDefinition{}, false
	}

	first := t.Steps[0]
	for _, s := range t.Steps[1:] {
		if s.Order < first.Order {
			first = s
		}
	}

	return first, true
}

// CanTransition reports whether the template allows moving from one step to
// another. An empty current step means the workflow has not started; only the
// first step is reachable then.
func (t *WorkflowTemplate) CanTransition(fromStepID, toStepID string) bool {
	if _, ok := t.Step(toStepID); !ok {
		return false
	}

	if fromStepID == "" {
		first, ok := t.FirstStep()

		return ok && first.ID == toStepID
	}

	if targets, ok := t.Transitions[fromStepID]; ok {
		for _, id := range targets {
			if id == toStepID {
				return true
			}
		}

		return false
	}

	// Without an explicit transition map entry, fall back to the step's
	// declared allowed transitions.
	from, ok := t.Step(fromStepID)
	if !ok {
		return false
	}

	for _, id := range from.AllowedTransitions {
		if id == toStepID {
			return true
		}
	}

	return false
}

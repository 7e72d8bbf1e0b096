package schema

import (
	"encoding/json"
	"time"
)

// WorkflowDefinition is the reusable workflow template. Immutable once active:
// the UI edits drafts, activation freezes the step list for execution.
type WorkflowDefinition struct {
	ID             string                   `json:"id,omitempty"`
	Name           string                   `json:"name"`
	Title          string                   `json:"title"`
	Description    string                   `json:"description,omitempty"`
	Version        int                      `json:"version,omitempty"`
	Status         DefinitionStatus         `json:"status,omitempty"`
	Steps          []Step                   `json:"steps"`
	Parameters     map[string]ParameterSpec `json:"parameters,omitempty"`
	Outputs        map[string]OutputSpec    `json:"outputs,omitempty"`
	TimeoutMinutes int                      `json:"timeout_minutes,omitempty"`
	MaxRetries     int                      `json:"max_retries,omitempty"`
	CreatedAt      time.Time                `json:"created_at,omitempty"`
	UpdatedAt      time.Time                `json:"updated_at,omitempty"`
}

// DefinitionStatus is the lifecycle state of a workflow template.
type DefinitionStatus string

const (
	DefinitionStatusDraft      DefinitionStatus = "draft"
	DefinitionStatusActive     DefinitionStatus = "active"
	DefinitionStatusDeprecated DefinitionStatus = "deprecated"
	DefinitionStatusArchived   DefinitionStatus = "archived"
)

// ParameterSpec declares one workflow input parameter.
type ParameterSpec struct {
	Type        string `json:"type,omitempty"` // string, number, boolean, object, array
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
	Default     any    `json:"default,omitempty"`
}

// OutputSpec declares one workflow output, resolved from the final bindings.
// Source is a {{...}} template reference (e.g. "{{store.row_id}}").
type OutputSpec struct {
	Type        string `json:"type,omitempty"`
	Description string `json:"description,omitempty"`
	Source      string `json:"source"`
}

// Step is one unit in a workflow definition. Type selects the kind; Config
// carries the kind-specific block (decoded via the typed accessors below).
type Step struct {
	Name           string          `json:"name"`
	Title          string          `json:"title,omitempty"`
	Type           StepType        `json:"type,omitempty"` // default: action
	RetryCount     *int            `json:"retry_count,omitempty"`
	TimeoutMinutes *int            `json:"timeout_minutes,omitempty"`
	Config         json.RawMessage `json:"config,omitempty"`
}

// StepType enumerates the five step kinds the engine executes.
type StepType string

const (
	StepTypeAction       StepType = "action"
	StepTypeCondition    StepType = "condition"
	StepTypeParallel     StepType = "parallel"
	StepTypeLoop         StepType = "loop"
	StepTypeWorkflowLink StepType = "workflow_link"
)

// ValidStepTypes is the closed set of recognized step kinds.
var ValidStepTypes = map[StepType]bool{
	StepTypeAction:       true,
	StepTypeCondition:    true,
	StepTypeParallel:     true,
	StepTypeLoop:         true,
	StepTypeWorkflowLink: true,
}

// ActionConfig is the config block for action-type steps.
// Parameters may contain {{...}} references resolved against the bindings.
type ActionConfig struct {
	Tool       string          `json:"tool"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

// ConditionConfig is the config block for condition-type steps.
// Condition is a boolean expression over the bindings; Engine selects the
// evaluator ("expr" default, "cel" optional). OnSuccess/OnFailure name the
// steps the cursor jumps to.
type ConditionConfig struct {
	Condition string `json:"condition"`
	Engine    string `json:"engine,omitempty"`
	OnSuccess string `json:"on_success,omitempty"`
	OnFailure string `json:"on_failure,omitempty"`
}

// ParallelConfig is the config block for parallel-type steps.
type ParallelConfig struct {
	Steps      []Step `json:"steps"`
	WaitForAll bool   `json:"wait_for_all"`
}

// LoopConfig is the config block for loop-type steps.
// Collection names a binding holding an iterable; ItemVariable is bound per
// iteration; items past MaxIterations are skipped with a warning log entry.
type LoopConfig struct {
	Collection    string `json:"collection"`
	ItemVariable  string `json:"item_variable"`
	MaxIterations int    `json:"max_iterations,omitempty"`
	Steps         []Step `json:"steps"`
}

// WorkflowLinkConfig is the config block for workflow_link-type steps.
// InputMapping maps sub-workflow parameter name → {{...}} reference in the
// parent bindings; OutputMapping maps parent binding name → sub output name.
type WorkflowLinkConfig struct {
	WorkflowName  string            `json:"workflow_name"`
	InputMapping  map[string]string `json:"input_mapping,omitempty"`
	OutputMapping map[string]string `json:"output_mapping,omitempty"`
}

// Kind returns the step type, defaulting empty to action.
func (s *Step) Kind() StepType {
	if s.Type == "" {
		return StepTypeAction
	}
	return s.Type
}

// ActionConfig decodes the config block of an action step.
func (s *Step) ActionConfig() (*ActionConfig, error) {
	var cfg ActionConfig
	if err := s.decodeConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ConditionConfig decodes the config block of a condition step.
func (s *Step) ConditionConfig() (*ConditionConfig, error) {
	var cfg ConditionConfig
	if err := s.decodeConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ParallelConfig decodes the config block of a parallel step.
func (s *Step) ParallelConfig() (*ParallelConfig, error) {
	var cfg ParallelConfig
	if err := s.decodeConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoopConfig decodes the config block of a loop step.
func (s *Step) LoopConfig() (*LoopConfig, error) {
	var cfg LoopConfig
	if err := s.decodeConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// WorkflowLinkConfig decodes the config block of a workflow_link step.
func (s *Step) WorkflowLinkConfig() (*WorkflowLinkConfig, error) {
	var cfg WorkflowLinkConfig
	if err := s.decodeConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (s *Step) decodeConfig(out any) error {
	if len(s.Config) == 0 {
		return NewErrorf(ErrCodeValidation, "step %s has no config", s.Name).WithStep(s.Name)
	}
	if err := json.Unmarshal(s.Config, out); err != nil {
		return NewErrorf(ErrCodeValidation, "step %s has invalid config: %s", s.Name, err.Error()).WithStep(s.Name).WithCause(err)
	}
	return nil
}

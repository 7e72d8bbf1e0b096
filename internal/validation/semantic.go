package validation

import (
	"fmt"

	"github.com/PadsterH2012/archon-plus-sub002/pkg/schema"
)

// validatePresence checks required metadata fields.
// Missing name or title is an error; missing description a warning.
func validatePresence(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	if def.Name == "" {
		result.AddError("name", schema.ErrCodeValidation, "workflow name is required")
	}
	if def.Title == "" {
		result.AddError("title", schema.ErrCodeValidation, "workflow title is required")
	}
	if def.Description == "" {
		result.AddWarning("description", schema.ErrCodeValidation, "workflow has no description")
	}

	return result
}

// validateNameUniqueness checks step name uniqueness at the top level and
// within every nested scope (parallel children, loop bodies).
func validateNameUniqueness(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	checkScopeUniqueness(def.Steps, "steps", result)
	return result
}

func checkScopeUniqueness(steps []schema.Step, path string, result *schema.ValidationResult) {
	seen := make(map[string]bool, len(steps))
	for i := range steps {
		s := &steps[i]
		stepPath := fmt.Sprintf("%s[%d]", path, i)
		if seen[s.Name] {
			result.AddError(stepPath+".name", schema.ErrCodeValidation,
				fmt.Sprintf("duplicate step name %q", s.Name))
		}
		seen[s.Name] = true

		for _, nested := range nestedScopes(s, stepPath) {
			checkScopeUniqueness(nested.steps, nested.path, result)
		}
	}
}

// validateReferences checks that every jump target, workflow link, and loop
// collection is resolvable. Jump targets resolve within their own scope;
// loop collections resolve against parameter names and step names.
func validateReferences(def *schema.WorkflowDefinition, definitions DefinitionLookup) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	bindable := make(map[string]bool, len(def.Parameters))
	for name := range def.Parameters {
		bindable[name] = true
	}
	collectStepNames(def.Steps, bindable)

	checkScopeReferences(def.Steps, "steps", bindable, definitions, result)
	return result
}

func checkScopeReferences(steps []schema.Step, path string, bindable map[string]bool, definitions DefinitionLookup, result *schema.ValidationResult) {
	local := make(map[string]bool, len(steps))
	for i := range steps {
		local[steps[i].Name] = true
	}

	for i := range steps {
		s := &steps[i]
		stepPath := fmt.Sprintf("%s[%d]", path, i)

		switch s.Kind() {
		case schema.StepTypeCondition:
			cfg, err := s.ConditionConfig()
			if err != nil {
				continue // structural catches malformed config
			}
			if cfg.OnSuccess != "" && !local[cfg.OnSuccess] {
				result.AddError(stepPath+".config.on_success", schema.ErrCodeValidation,
					fmt.Sprintf("on_success references non-existent step %q", cfg.OnSuccess))
			}
			if cfg.OnFailure != "" && !local[cfg.OnFailure] {
				result.AddError(stepPath+".config.on_failure", schema.ErrCodeValidation,
					fmt.Sprintf("on_failure references non-existent step %q", cfg.OnFailure))
			}

		case schema.StepTypeWorkflowLink:
			cfg, err := s.WorkflowLinkConfig()
			if err != nil {
				continue
			}
			if cfg.WorkflowName == "" {
				result.AddError(stepPath+".config.workflow_name", schema.ErrCodeValidation,
					"workflow_link requires a workflow_name")
			} else if definitions != nil && !definitions.HasDefinition(cfg.WorkflowName) {
				result.AddError(stepPath+".config.workflow_name", schema.ErrCodeValidation,
					fmt.Sprintf("linked workflow %q not found", cfg.WorkflowName))
			}

		case schema.StepTypeLoop:
			cfg, err := s.LoopConfig()
			if err != nil {
				continue
			}
			if cfg.Collection == "" {
				result.AddError(stepPath+".config.collection", schema.ErrCodeValidation,
					"loop requires a collection")
			} else if !bindable[cfg.Collection] {
				result.AddError(stepPath+".config.collection", schema.ErrCodeValidation,
					fmt.Sprintf("collection %q is not a parameter or step name", cfg.Collection))
			}
		}

		for _, nested := range nestedScopes(s, stepPath) {
			checkScopeReferences(nested.steps, nested.path, bindable, definitions, result)
		}
	}
}

// validateTools checks action steps for a tool name. An empty name is a
// warning; a name the registry does not know is an error.
func validateTools(def *schema.WorkflowDefinition, tools ToolLookup) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	checkScopeTools(def.Steps, "steps", tools, result)
	return result
}

func checkScopeTools(steps []schema.Step, path string, tools ToolLookup, result *schema.ValidationResult) {
	for i := range steps {
		s := &steps[i]
		stepPath := fmt.Sprintf("%s[%d]", path, i)

		if s.Kind() == schema.StepTypeAction {
			cfg, err := s.ActionConfig()
			if err != nil {
				continue
			}
			if cfg.Tool == "" {
				result.AddWarning(stepPath+".config.tool", schema.ErrCodeValidation,
					fmt.Sprintf("action step %q has no tool", s.Name))
			} else if tools != nil && !tools.Has(cfg.Tool) {
				result.AddError(stepPath+".config.tool", schema.ErrCodeToolUnavailable,
					fmt.Sprintf("tool %q not registered", cfg.Tool))
			}
		}

		for _, nested := range nestedScopes(s, stepPath) {
			checkScopeTools(nested.steps, nested.path, tools, result)
		}
	}
}

// validateComplexity emits an info suggestion when the top-level step count
// exceeds the threshold.
func validateComplexity(def *schema.WorkflowDefinition, threshold int) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if threshold > 0 && len(def.Steps) > threshold {
		result.AddInfo("steps", schema.ErrCodeValidation,
			fmt.Sprintf("workflow has %d top-level steps (threshold %d); consider splitting into linked workflows", len(def.Steps), threshold))
	}
	return result
}

type scope struct {
	steps []schema.Step
	path  string
}

// nestedScopes returns the child step lists a step introduces, with their
// diagnostic paths. Malformed configs yield nothing; structural validation
// reports those.
func nestedScopes(s *schema.Step, stepPath string) []scope {
	switch s.Kind() {
	case schema.StepTypeParallel:
		cfg, err := s.ParallelConfig()
		if err != nil || len(cfg.Steps) == 0 {
			return nil
		}
		return []scope{{steps: cfg.Steps, path: stepPath + ".config.steps"}}
	case schema.StepTypeLoop:
		cfg, err := s.LoopConfig()
		if err != nil || len(cfg.Steps) == 0 {
			return nil
		}
		return []scope{{steps: cfg.Steps, path: stepPath + ".config.steps"}}
	default:
		return nil
	}
}

// collectStepNames adds every step name in every scope to the set.
func collectStepNames(steps []schema.Step, into map[string]bool) {
	for i := range steps {
		s := &steps[i]
		into[s.Name] = true
		for _, nested := range nestedScopes(s, "") {
			collectStepNames(nested.steps, into)
		}
	}
}

package validation

import "github.com/PadsterH2012/archon-plus-sub002/pkg/schema"

// DefaultComplexityThreshold is the top-level step count above which the
// validator suggests splitting the workflow.
const DefaultComplexityThreshold = 10

// ToolLookup reports whether a tool name is registered. Nil lookups downgrade
// unknown-tool errors to presence warnings only.
type ToolLookup interface {
	Has(name string) bool
}

// DefinitionLookup reports whether a workflow definition name is resolvable,
// used to check workflow_link references. May be nil to skip the check.
type DefinitionLookup interface {
	HasDefinition(name string) bool
}

// WorkflowValidator runs the full static-analysis pipeline over a definition:
// structural (JSON Schema), then the ordered semantic rules, then cycle
// detection over condition jump edges. Pure analysis: it never mutates the
// definition and always terminates, even on malformed input.
type WorkflowValidator struct {
	jsonSchema  *JSONSchemaValidator
	tools       ToolLookup
	definitions DefinitionLookup
	threshold   int
}

// NewWorkflowValidator creates a WorkflowValidator.
// tools and definitions may be nil to relax the corresponding checks.
func NewWorkflowValidator(tools ToolLookup, definitions DefinitionLookup) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{
		jsonSchema:  jsv,
		tools:       tools,
		definitions: definitions,
		threshold:   DefaultComplexityThreshold,
	}, nil
}

// WithComplexityThreshold overrides the step-count threshold for the
// complexity suggestion.
func (wv *WorkflowValidator) WithComplexityThreshold(n int) *WorkflowValidator {
	wv.threshold = n
	return wv
}

// Validate runs every rule and returns the aggregated result. Rules never
// short-circuit each other; a definition with five problems reports five
// findings. Structural failure is the one exception: a definition the schema
// rejects may not decode far enough for semantic analysis.
func (wv *WorkflowValidator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "workflow definition is nil")
		return r
	}

	result := validateStructural(wv.jsonSchema, def)
	if !result.Valid() {
		return result
	}

	// Fixed rule order. Each rule appends every violation it finds.
	result.Merge(validatePresence(def))
	result.Merge(validateNameUniqueness(def))
	result.Merge(validateReferences(def, wv.definitions))
	result.Merge(validateJumpCycles(def))
	result.Merge(validateTools(def, wv.tools))
	result.Merge(validateComplexity(def, wv.threshold))

	return result
}

// ValidateDefinition collapses the result into an error, nil when valid.
func (wv *WorkflowValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	return wv.Validate(def).ToError()
}

// ValidateInput checks start-time input parameters against a JSON Schema
// derived from the definition's parameter specs.
func (wv *WorkflowValidator) ValidateInput(input map[string]any, def *schema.WorkflowDefinition) error {
	if len(def.Parameters) == 0 {
		return nil
	}
	return wv.jsonSchema.ValidateInput(input, BuildParameterSchema(def.Parameters))
}

// validateStructural wraps JSONSchemaValidator.ValidateDefinition, converting
// its error output into ValidationResult.
func validateStructural(v *JSONSchemaValidator, def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := v.ValidateDefinition(def)
	if err == nil {
		return result
	}

	engErr, ok := err.(*schema.EngineError)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}

	if engErr.Details != nil {
		if violations, ok := engErr.Details["violations"].([]string); ok {
			for _, v := range violations {
				result.AddError("/", schema.ErrCodeValidation, v)
			}
			return result
		}
	}
	result.AddError("/", schema.ErrCodeValidation, engErr.Message)
	return result
}

package engine

import (
	"encoding/json"
	"sync"

	"github.com/PadsterH2012/archon-plus-sub002/pkg/schema"
)

// ExecutionContext is the mutable runtime state for one execution, owned
// exclusively by its Executor. Bindings are a flat map: input parameters
// first, then each completed step binds its full output under the step name
// and, for JSON-object outputs, merges its top-level keys. Later bindings
// shadow earlier ones.
type ExecutionContext struct {
	mu          sync.Mutex
	executionID string
	definition  *schema.WorkflowDefinition
	params      map[string]any
	outputs     map[string]any
	bindings    map[string]any
	cursor      int
	attempts    map[string]int
	skipped     map[string]bool
}

// NewExecutionContext creates the context for one run, seeding the bindings
// from the input parameters.
func NewExecutionContext(executionID string, def *schema.WorkflowDefinition, params map[string]any) *ExecutionContext {
	bindings := make(map[string]any, len(params))
	p := make(map[string]any, len(params))
	for k, v := range params {
		bindings[k] = v
		p[k] = v
	}
	return &ExecutionContext{
		executionID: executionID,
		definition:  def,
		params:      p,
		outputs:     make(map[string]any),
		bindings:    bindings,
		attempts:    make(map[string]int),
		skipped:     make(map[string]bool),
	}
}

// ExecutionID returns the owning execution's id.
func (c *ExecutionContext) ExecutionID() string { return c.executionID }

// Definition returns the workflow template this context runs.
func (c *ExecutionContext) Definition() *schema.WorkflowDefinition { return c.definition }

// TotalSteps returns the top-level step count.
func (c *ExecutionContext) TotalSteps() int { return len(c.definition.Steps) }

// Bindings returns a shallow copy of the current binding map. Dispatch reads
// through this copy so a tool can never mutate the live context.
func (c *ExecutionContext) Bindings() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]any, len(c.bindings))
	for k, v := range c.bindings {
		out[k] = v
	}
	return out
}

// RecordOutput binds a completed step's output: the decoded value under the
// step name, plus top-level keys of JSON-object outputs merged into the flat
// map. This is the single write path the dispatcher gets.
func (c *ExecutionContext) RecordOutput(stepName string, output json.RawMessage) error {
	if len(output) == 0 {
		return nil
	}

	var decoded any
	if err := json.Unmarshal(output, &decoded); err != nil {
		return schema.NewErrorf(schema.ErrCodeExecution,
			"step %s produced non-JSON output", stepName).WithStep(stepName).WithCause(err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.outputs[stepName] = decoded
	c.bindings[stepName] = decoded
	if obj, ok := decoded.(map[string]any); ok {
		for k, v := range obj {
			c.bindings[k] = v
		}
	}
	return nil
}

// SetBinding sets one binding directly (loop item variables, mapped
// sub-workflow outputs).
func (c *ExecutionContext) SetBinding(name string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bindings[name] = value
}

// RemoveBinding removes one binding (loop item variable teardown).
func (c *ExecutionContext) RemoveBinding(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.bindings, name)
}

// NamespacedBindings returns the structured view used by the CEL engine:
// params (inputs), steps (full outputs by step name), vars (flat bindings).
func (c *ExecutionContext) NamespacedBindings() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()

	params := make(map[string]any, len(c.params))
	for k, v := range c.params {
		params[k] = v
	}
	steps := make(map[string]any, len(c.outputs))
	for k, v := range c.outputs {
		steps[k] = v
	}
	vars := make(map[string]any, len(c.bindings))
	for k, v := range c.bindings {
		vars[k] = v
	}
	return map[string]any{"params": params, "steps": steps, "vars": vars}
}

// Cursor returns the current top-level step index.
func (c *ExecutionContext) Cursor() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursor
}

// SetCursor moves the cursor to an explicit index (condition routing).
func (c *ExecutionContext) SetCursor(index int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cursor = index
}

// Advance moves the cursor forward one step and returns the new index.
func (c *ExecutionContext) Advance() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cursor++
	return c.cursor
}

// NextAttempt increments and returns the attempt counter for a step name.
func (c *ExecutionContext) NextAttempt(stepName string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts[stepName]++
	return c.attempts[stepName]
}

// MarkSkipped records that a step was routed around and must not dispatch.
func (c *ExecutionContext) MarkSkipped(stepName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.skipped[stepName] = true
}

// IsSkipped reports whether a step was marked skipped.
func (c *ExecutionContext) IsSkipped(stepName string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.skipped[stepName]
}

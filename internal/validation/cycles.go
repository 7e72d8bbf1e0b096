package validation

import (
	"fmt"

	"github.com/PadsterH2012/archon-plus-sub002/pkg/schema"
)

// validateJumpCycles rejects condition jumps that could re-enter an earlier
// step. The cursor only ever moves forward on its own (fall-through is
// i→i+1), so a jump graph is acyclic exactly when every jump lands strictly
// after the condition that takes it: a self or backward target always closes
// a loop once the condition is reached. Each scope (top level, parallel
// children, loop bodies) is checked on its own.
func validateJumpCycles(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	checkScopeCycles(def.Steps, "steps", result)
	return result
}

func checkScopeCycles(steps []schema.Step, path string, result *schema.ValidationResult) {
	index := make(map[string]int, len(steps))
	for i := range steps {
		index[steps[i].Name] = i
	}

	for i := range steps {
		s := &steps[i]
		stepPath := fmt.Sprintf("%s[%d]", path, i)

		for _, nested := range nestedScopes(s, stepPath) {
			checkScopeCycles(nested.steps, nested.path, result)
		}

		if s.Kind() != schema.StepTypeCondition {
			continue
		}
		cfg, err := s.ConditionConfig()
		if err != nil {
			continue
		}
		for _, target := range []string{cfg.OnSuccess, cfg.OnFailure} {
			ti, known := index[target]
			if target == "" || !known || ti > i {
				continue
			}
			result.AddError(stepPath, schema.ErrCodeCycleDetected,
				fmt.Sprintf("condition jump from %q back to %q forms a cycle", s.Name, target))
		}
	}
}

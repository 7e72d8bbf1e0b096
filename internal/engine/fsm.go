package engine

import (
	"github.com/PadsterH2012/archon-plus-sub002/pkg/schema"
)

// ValidExecutionTransitions defines the allowed lifecycle transitions for an
// execution. pending is initial; completed, failed, and cancelled are terminal.
var ValidExecutionTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionStatusPending:   {schema.ExecutionStatusRunning, schema.ExecutionStatusCancelled},
	schema.ExecutionStatusRunning:   {schema.ExecutionStatusPaused, schema.ExecutionStatusCompleted, schema.ExecutionStatusFailed, schema.ExecutionStatusCancelled},
	schema.ExecutionStatusPaused:    {schema.ExecutionStatusRunning, schema.ExecutionStatusCancelled, schema.ExecutionStatusFailed},
	schema.ExecutionStatusCompleted: {},
	schema.ExecutionStatusFailed:    {},
	schema.ExecutionStatusCancelled: {},
}

// ValidStepTransitions defines the allowed transitions for one step attempt.
// A failed attempt is terminal for its record; retries append a new record.
var ValidStepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepStatusPending:   {schema.StepStatusRunning, schema.StepStatusSkipped},
	schema.StepStatusRunning:   {schema.StepStatusCompleted, schema.StepStatusFailed},
	schema.StepStatusCompleted: {},
	schema.StepStatusFailed:    {},
	schema.StepStatusSkipped:   {},
}

// ValidateExecutionTransition checks an execution status transition against
// the table, returning an INVALID_TRANSITION error when disallowed.
func ValidateExecutionTransition(executionID string, from, to schema.ExecutionStatus) error {
	if transitionAllowed(ValidExecutionTransitions[from], to) {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"invalid execution transition: %s -> %s", from, to).
		WithDetails(map[string]any{"execution_id": executionID, "from": string(from), "to": string(to)})
}

// ValidateStepTransition checks a step status transition against the table.
func ValidateStepTransition(stepName string, from, to schema.StepStatus) error {
	if transitionAllowed(ValidStepTransitions[from], to) {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"invalid step transition: %s -> %s", from, to).
		WithStep(stepName).
		WithDetails(map[string]any{"from": string(from), "to": string(to)})
}

func transitionAllowed[S ~string](allowed []S, to S) bool {
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

// ExecutionEventType maps an execution status transition target to the
// progress event emitted for it, or "" when no event applies.
func ExecutionEventType(to schema.ExecutionStatus) string {
	switch to {
	case schema.ExecutionStatusRunning:
		return schema.EventExecutionStarted
	case schema.ExecutionStatusPaused:
		return schema.EventExecutionPaused
	case schema.ExecutionStatusCompleted:
		return schema.EventExecutionCompleted
	case schema.ExecutionStatusFailed:
		return schema.EventExecutionFailed
	case schema.ExecutionStatusCancelled:
		return schema.EventExecutionCancelled
	default:
		return ""
	}
}

// StepEventType maps a step status to the progress event emitted for it.
func StepEventType(to schema.StepStatus) string {
	switch to {
	case schema.StepStatusRunning:
		return schema.EventStepStarted
	case schema.StepStatusCompleted:
		return schema.EventStepCompleted
	case schema.StepStatusFailed:
		return schema.EventStepFailed
	case schema.StepStatusSkipped:
		return schema.EventStepSkipped
	default:
		return ""
	}
}

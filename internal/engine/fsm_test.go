package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PadsterH2012/archon-plus-sub002/pkg/schema"
)

func TestValidExecutionTransitions(t *testing.T) {
	cases := []struct {
		from, to schema.ExecutionStatus
		valid    bool
	}{
		{schema.ExecutionStatusPending, schema.ExecutionStatusRunning, true},
		{schema.ExecutionStatusPending, schema.ExecutionStatusCancelled, true},
		{schema.ExecutionStatusPending, schema.ExecutionStatusCompleted, false},
		{schema.ExecutionStatusRunning, schema.ExecutionStatusPaused, true},
		{schema.ExecutionStatusRunning, schema.ExecutionStatusCompleted, true},
		{schema.ExecutionStatusRunning, schema.ExecutionStatusFailed, true},
		{schema.ExecutionStatusRunning, schema.ExecutionStatusCancelled, true},
		{schema.ExecutionStatusRunning, schema.ExecutionStatusPending, false},
		{schema.ExecutionStatusPaused, schema.ExecutionStatusRunning, true},
		{schema.ExecutionStatusPaused, schema.ExecutionStatusCancelled, true},
		{schema.ExecutionStatusPaused, schema.ExecutionStatusFailed, true},
		{schema.ExecutionStatusPaused, schema.ExecutionStatusCompleted, false},
		{schema.ExecutionStatusCompleted, schema.ExecutionStatusRunning, false},
		{schema.ExecutionStatusFailed, schema.ExecutionStatusRunning, false},
		{schema.ExecutionStatusCancelled, schema.ExecutionStatusRunning, false},
	}

	for _, tc := range cases {
		err := ValidateExecutionTransition("exec-1", tc.from, tc.to)
		if tc.valid {
			assert.NoError(t, err, "%s -> %s", tc.from, tc.to)
		} else {
			require.Error(t, err, "%s -> %s", tc.from, tc.to)
			var engErr *schema.EngineError
			require.ErrorAs(t, err, &engErr)
			assert.Equal(t, schema.ErrCodeInvalidTransition, engErr.Code)
		}
	}
}

func TestValidStepTransitions(t *testing.T) {
	cases := []struct {
		from, to schema.StepStatus
		valid    bool
	}{
		{schema.StepStatusPending, schema.StepStatusRunning, true},
		{schema.StepStatusPending, schema.StepStatusSkipped, true},
		{schema.StepStatusPending, schema.StepStatusCompleted, false},
		{schema.StepStatusRunning, schema.StepStatusCompleted, true},
		{schema.StepStatusRunning, schema.StepStatusFailed, true},
		{schema.StepStatusRunning, schema.StepStatusSkipped, false},
		{schema.StepStatusCompleted, schema.StepStatusRunning, false},
		{schema.StepStatusFailed, schema.StepStatusRunning, false},
		{schema.StepStatusSkipped, schema.StepStatusRunning, false},
	}

	for _, tc := range cases {
		err := ValidateStepTransition("fetch", tc.from, tc.to)
		if tc.valid {
			assert.NoError(t, err, "%s -> %s", tc.from, tc.to)
		} else {
			require.Error(t, err, "%s -> %s", tc.from, tc.to)
			var engErr *schema.EngineError
			require.ErrorAs(t, err, &engErr)
			assert.Equal(t, schema.ErrCodeInvalidTransition, engErr.Code)
			assert.Equal(t, "fetch", engErr.StepName)
		}
	}
}

func TestExecutionEventType(t *testing.T) {
	assert.Equal(t, schema.EventExecutionStarted, ExecutionEventType(schema.ExecutionStatusRunning))
	assert.Equal(t, schema.EventExecutionPaused, ExecutionEventType(schema.ExecutionStatusPaused))
	assert.Equal(t, schema.EventExecutionCompleted, ExecutionEventType(schema.ExecutionStatusCompleted))
	assert.Equal(t, schema.EventExecutionFailed, ExecutionEventType(schema.ExecutionStatusFailed))
	assert.Equal(t, schema.EventExecutionCancelled, ExecutionEventType(schema.ExecutionStatusCancelled))
	assert.Equal(t, "", ExecutionEventType(schema.ExecutionStatusPending))
}

func TestStepEventType(t *testing.T) {
	assert.Equal(t, schema.EventStepStarted, StepEventType(schema.StepStatusRunning))
	assert.Equal(t, schema.EventStepCompleted, StepEventType(schema.StepStatusCompleted))
	assert.Equal(t, schema.EventStepFailed, StepEventType(schema.StepStatusFailed))
	assert.Equal(t, schema.EventStepSkipped, StepEventType(schema.StepStatusSkipped))
	assert.Equal(t, "", StepEventType(schema.StepStatusPending))
}

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PadsterH2012/archon-plus-sub002/internal/store"
	"github.com/PadsterH2012/archon-plus-sub002/internal/tools"
	"github.com/PadsterH2012/archon-plus-sub002/pkg/schema"
)

func gatedDefinition(name string, steps ...schema.Step) *schema.WorkflowDefinition {
	all := append([]schema.Step{actionStep("held", "gate", nil)}, steps...)
	return &schema.WorkflowDefinition{Name: name, Title: name, Steps: all}
}

func TestPauseAndResumeAtStepBoundary(t *testing.T) {
	st := newMemStore()
	gate := newGateTool("gate")
	svc := newTestService(t, st, nil, gate, echoTool("echo"))

	def := gatedDefinition("pausable", actionStep("after", "echo", nil))
	require.NoError(t, svc.Define(context.Background(), def))

	id, err := svc.Start(context.Background(), "pausable", nil, "test")
	require.NoError(t, err)
	<-gate.started

	require.NoError(t, svc.Pause(context.Background(), id))

	// A second pause request is rejected while one is pending.
	err = svc.Pause(context.Background(), id)
	var engErr *schema.EngineError
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, schema.ErrCodeConflict, engErr.Code)

	// The in-flight step finishes; the pause lands at the next boundary.
	close(gate.release)
	require.Eventually(t, func() bool {
		exec, err := st.GetExecution(context.Background(), id)
		return err == nil && exec.Status == schema.ExecutionStatusPaused
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, svc.Resume(context.Background(), id))
	require.NoError(t, svc.Wait(waitCtx(t), id))

	view, err := svc.GetStatus(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, view.Execution.Status)
	require.Len(t, view.StepExecutions, 2)
	for _, rec := range view.StepExecutions {
		assert.Equal(t, schema.StepStatusCompleted, rec.Status)
	}

	messages := logMessagesFor(t, svc, id, "")
	assert.Contains(t, messages, "execution paused")
	assert.Contains(t, messages, "execution resumed")
}

func TestResumeWithoutPauseIsRejected(t *testing.T) {
	st := newMemStore()
	gate := newGateTool("gate")
	svc := newTestService(t, st, nil, gate)

	require.NoError(t, svc.Define(context.Background(), gatedDefinition("plain")))
	id, err := svc.Start(context.Background(), "plain", nil, "test")
	require.NoError(t, err)
	<-gate.started

	err = svc.Resume(context.Background(), id)
	var engErr *schema.EngineError
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, schema.ErrCodeInvalidTransition, engErr.Code)

	close(gate.release)
	require.NoError(t, svc.Wait(waitCtx(t), id))
}

func TestCancelDiscardsInFlightResult(t *testing.T) {
	st := newMemStore()
	gate := newGateTool("gate")
	svc := newTestService(t, st, nil, gate)

	require.NoError(t, svc.Define(context.Background(), gatedDefinition("cancellable")))
	id, err := svc.Start(context.Background(), "cancellable", nil, "test")
	require.NoError(t, err)
	<-gate.started

	require.NoError(t, svc.Cancel(context.Background(), id))
	close(gate.release)
	require.NoError(t, svc.Wait(waitCtx(t), id))

	view, err := svc.GetStatus(context.Background(), id)
	require.NoError(t, err)
	// The step itself completed, but the cancel raced it: the execution is
	// cancelled and the step's outcome is not promoted to completion.
	assert.Equal(t, schema.ExecutionStatusCancelled, view.Execution.Status)
	assert.Empty(t, view.Execution.ErrorMessage)
	require.NotNil(t, view.Execution.CompletedAt)
	require.Len(t, view.StepExecutions, 1)
	assert.Equal(t, schema.StepStatusCompleted, view.StepExecutions[0].Status)

	// Cancelling a finished execution reports the conflict.
	err = svc.Cancel(context.Background(), id)
	var engErr *schema.EngineError
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, schema.ErrCodeConflict, engErr.Code)
	assert.Contains(t, engErr.Message, "already finished")
}

func TestCancelStaleExecutionRecord(t *testing.T) {
	st := newMemStore()
	svc := newTestService(t, st, nil)

	// A running record with no live executor, e.g. left over from a crash.
	stale := &store.WorkflowExecution{
		ID:                 "stale-1",
		WorkflowTemplateID: "whatever",
		Status:             schema.ExecutionStatusRunning,
		CreatedAt:          time.Now().UTC(),
	}
	require.NoError(t, st.CreateExecution(context.Background(), stale))

	require.NoError(t, svc.Cancel(context.Background(), "stale-1"))

	exec, err := st.GetExecution(context.Background(), "stale-1")
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCancelled, exec.Status)
	require.NotNil(t, exec.CompletedAt)
}

func TestConcurrencyLimitRejectsStart(t *testing.T) {
	st := newMemStore()
	gate := newGateTool("gate")
	reg := tools.NewRegistry()
	require.NoError(t, reg.Register(gate))
	svc, err := NewExecutionService(st, reg, nil, discardLogger(), ServiceConfig{PoolSize: 2, MaxConcurrent: 1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close(context.Background()) })

	require.NoError(t, svc.Define(context.Background(), gatedDefinition("limited")))

	first, err := svc.Start(context.Background(), "limited", nil, "test")
	require.NoError(t, err)
	<-gate.started

	_, err = svc.Start(context.Background(), "limited", nil, "test")
	var engErr *schema.EngineError
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, schema.ErrCodeConflict, engErr.Code)
	assert.Contains(t, engErr.Message, "concurrent executions")

	close(gate.release)
	require.NoError(t, svc.Wait(waitCtx(t), first))

	// The slot frees up once the first execution finishes.
	second, err := svc.Start(context.Background(), "limited", nil, "test")
	require.NoError(t, err)
	require.NoError(t, svc.Wait(waitCtx(t), second))
}

func TestEachStartIsADistinctExecution(t *testing.T) {
	st := newMemStore()
	svc := newTestService(t, st, nil, echoTool("echo"))

	def := &schema.WorkflowDefinition{
		Name:  "repeatable",
		Title: "Repeatable",
		Steps: []schema.Step{actionStep("only", "echo", nil)},
	}
	require.NoError(t, svc.Define(context.Background(), def))

	first, err := svc.Start(context.Background(), "repeatable", nil, "test")
	require.NoError(t, err)
	second, err := svc.Start(context.Background(), "repeatable", nil, "test")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	require.NoError(t, svc.Wait(waitCtx(t), first))
	require.NoError(t, svc.Wait(waitCtx(t), second))

	execs, err := svc.List(context.Background(), store.ExecutionFilter{WorkflowTemplateID: "repeatable"})
	require.NoError(t, err)
	assert.Len(t, execs, 2)
	for _, exec := range execs {
		assert.Equal(t, schema.ExecutionStatusCompleted, exec.Status)
	}
}

func TestWorkflowLinkRunsNestedExecution(t *testing.T) {
	st := newMemStore()
	svc := newTestService(t, st, nil, echoTool("echo"))

	child := &schema.WorkflowDefinition{
		Name:  "greet_child",
		Title: "Greet child",
		Parameters: map[string]schema.ParameterSpec{
			"who": {Type: "string", Required: true},
		},
		Outputs: map[string]schema.OutputSpec{
			"greeting": {Source: "{{msg}}"},
		},
		Steps: []schema.Step{
			actionStep("mk", "echo", map[string]any{"msg": "{{who}}"}),
		},
	}
	require.NoError(t, svc.Define(context.Background(), child))

	parent := &schema.WorkflowDefinition{
		Name:  "greeter",
		Title: "Greeter",
		Parameters: map[string]schema.ParameterSpec{
			"name": {Type: "string", Required: true},
		},
		Outputs: map[string]schema.OutputSpec{
			"final": {Source: "{{text}}"},
		},
		Steps: []schema.Step{
			{Name: "link", Type: schema.StepTypeWorkflowLink, Config: rawConfig(map[string]any{
				"workflow_name":  "greet_child",
				"input_mapping":  map[string]any{"who": "{{name}}"},
				"output_mapping": map[string]any{"greeting_out": "greeting"},
			})},
			actionStep("use", "echo", map[string]any{"text": "{{greeting_out}}"}),
		},
	}
	require.NoError(t, svc.Define(context.Background(), parent))

	id, err := svc.Start(context.Background(), "greeter", map[string]any{"name": "world"}, "test")
	require.NoError(t, err)
	require.NoError(t, svc.Wait(waitCtx(t), id))

	view, err := svc.GetStatus(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, schema.ExecutionStatusCompleted, view.Execution.Status)

	var outputs map[string]any
	require.NoError(t, json.Unmarshal(view.Execution.OutputData, &outputs))
	assert.Equal(t, "world", outputs["final"])

	// The nested run is its own execution, triggered by the parent.
	nested, err := svc.List(context.Background(), store.ExecutionFilter{TriggeredBy: id})
	require.NoError(t, err)
	require.Len(t, nested, 1)
	assert.Equal(t, "greet_child", nested[0].WorkflowTemplateID)
	assert.Equal(t, schema.ExecutionStatusCompleted, nested[0].Status)

	// The link step's record carries the nested execution id.
	var linkOut map[string]any
	require.NoError(t, json.Unmarshal(view.StepExecutions[0].Output, &linkOut))
	assert.Equal(t, nested[0].ID, linkOut["execution_id"])
}

func TestWorkflowLinkFailurePropagates(t *testing.T) {
	st := newMemStore()
	svc := newTestService(t, st, nil,
		failingTool("always_down", schema.NewError(schema.ErrCodeValidation, "nope")),
	)

	child := &schema.WorkflowDefinition{
		Name:  "doomed_child",
		Title: "Doomed child",
		Steps: []schema.Step{actionStep("boom", "always_down", nil)},
	}
	require.NoError(t, svc.Define(context.Background(), child))

	parent := &schema.WorkflowDefinition{
		Name:  "doomed_parent",
		Title: "Doomed parent",
		Steps: []schema.Step{
			{Name: "link", Type: schema.StepTypeWorkflowLink, Config: rawConfig(map[string]any{
				"workflow_name": "doomed_child",
			})},
		},
	}
	require.NoError(t, svc.Define(context.Background(), parent))

	id, err := svc.Start(context.Background(), "doomed_parent", nil, "test")
	require.NoError(t, err)
	require.NoError(t, svc.Wait(waitCtx(t), id))

	view, err := svc.GetStatus(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusFailed, view.Execution.Status)
	assert.Contains(t, view.Execution.ErrorMessage, "doomed_child")
	assert.Contains(t, view.Execution.ErrorMessage, "failed")
}

func TestStartUnknownDefinition(t *testing.T) {
	st := newMemStore()
	svc := newTestService(t, st, nil)

	_, err := svc.Start(context.Background(), "does_not_exist", nil, "test")
	var engErr *schema.EngineError
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, schema.ErrCodeNotFound, engErr.Code)
}

func TestStartRejectsMissingRequiredParameter(t *testing.T) {
	st := newMemStore()
	svc := newTestService(t, st, nil, echoTool("echo"))

	def := &schema.WorkflowDefinition{
		Name:  "needs_input",
		Title: "Needs input",
		Parameters: map[string]schema.ParameterSpec{
			"url": {Type: "string", Required: true},
		},
		Steps: []schema.Step{actionStep("only", "echo", map[string]any{"url": "{{url}}"})},
	}
	require.NoError(t, svc.Define(context.Background(), def))

	_, err := svc.Start(context.Background(), "needs_input", nil, "test")
	require.Error(t, err)

	// No execution record is created for a rejected start.
	execs, listErr := svc.List(context.Background(), store.ExecutionFilter{})
	require.NoError(t, listErr)
	assert.Empty(t, execs)
}

func TestStartAppliesParameterDefaults(t *testing.T) {
	st := newMemStore()
	svc := newTestService(t, st, nil, echoTool("echo"))

	def := &schema.WorkflowDefinition{
		Name:  "defaulted",
		Title: "Defaulted",
		Parameters: map[string]schema.ParameterSpec{
			"greeting": {Type: "string", Default: "hello"},
		},
		Outputs: map[string]schema.OutputSpec{
			"said": {Source: "{{said}}"},
		},
		Steps: []schema.Step{actionStep("say", "echo", map[string]any{"said": "{{greeting}}"})},
	}
	require.NoError(t, svc.Define(context.Background(), def))

	id, err := svc.Start(context.Background(), "defaulted", nil, "test")
	require.NoError(t, err)
	require.NoError(t, svc.Wait(waitCtx(t), id))

	view, err := svc.GetStatus(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, schema.ExecutionStatusCompleted, view.Execution.Status)

	var outputs map[string]any
	require.NoError(t, json.Unmarshal(view.Execution.OutputData, &outputs))
	assert.Equal(t, "hello", outputs["said"])
}

func TestStartRejectsCyclicJumps(t *testing.T) {
	st := newMemStore()
	svc := newTestService(t, st, nil)

	// Saved behind the validator's back; Start re-validates before running.
	def := &schema.WorkflowDefinition{
		Name:  "cyclic",
		Title: "Cyclic",
		Steps: []schema.Step{
			{Name: "a", Type: schema.StepTypeCondition, Config: rawConfig(map[string]any{
				"condition": "true", "on_success": "b",
			})},
			{Name: "b", Type: schema.StepTypeCondition, Config: rawConfig(map[string]any{
				"condition": "true", "on_success": "a",
			})},
		},
	}
	require.NoError(t, st.SaveDefinition(context.Background(), def))

	_, err := svc.Start(context.Background(), "cyclic", nil, "test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestRepositoryFailureFailsExecution(t *testing.T) {
	st := newMemStore()
	st.appendStepErr = func(*store.StepExecution) error {
		return errors.New("disk full")
	}
	svc := newTestService(t, st, nil, echoTool("echo"))

	def := &schema.WorkflowDefinition{
		Name:  "unpersistable",
		Title: "Unpersistable",
		Steps: []schema.Step{actionStep("only", "echo", nil)},
	}
	require.NoError(t, svc.Define(context.Background(), def))

	id, err := svc.Start(context.Background(), "unpersistable", nil, "test")
	require.NoError(t, err)
	require.NoError(t, svc.Wait(waitCtx(t), id))

	exec, err := st.GetExecution(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusFailed, exec.Status)
	assert.Contains(t, exec.ErrorMessage, "append step execution")
	assert.Contains(t, exec.ErrorMessage, "disk full")
}

func TestValidateDefinitionReportsAllFindings(t *testing.T) {
	st := newMemStore()
	svc := newTestService(t, st, nil)

	def := &schema.WorkflowDefinition{
		Name:  "messy",
		Title: "Messy",
		Steps: []schema.Step{
			actionStep("dup", "nonexistent_tool", nil),
			actionStep("dup", "nonexistent_tool", nil),
		},
	}
	result := svc.ValidateDefinition(def)
	require.False(t, result.Valid())
	// Rules never short-circuit: the duplicate name and both unknown tools
	// are all reported.
	assert.GreaterOrEqual(t, len(result.Errors), 3)
}

func TestCloseStopsLiveExecutions(t *testing.T) {
	st := newMemStore()
	gate := newGateTool("gate")
	reg := tools.NewRegistry()
	require.NoError(t, reg.Register(gate))
	svc, err := NewExecutionService(st, reg, nil, discardLogger(), ServiceConfig{})
	require.NoError(t, err)

	require.NoError(t, svc.Define(context.Background(), gatedDefinition("long_running")))
	id, err := svc.Start(context.Background(), "long_running", nil, "test")
	require.NoError(t, err)
	<-gate.started

	// Close blocks until the gated execution finishes, so run it aside and
	// release the gate only once the shutdown has begun.
	ctx := waitCtx(t)
	closeErr := make(chan error, 1)
	go func() { closeErr <- svc.Close(ctx) }()

	require.Eventually(t, func() bool {
		_, err := svc.Start(context.Background(), "long_running", nil, "test")
		var engErr *schema.EngineError
		return errors.As(err, &engErr) && engErr.Code == schema.ErrCodeConflict
	}, 5*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	close(gate.release)

	require.NoError(t, <-closeErr)

	exec, err := st.GetExecution(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCancelled, exec.Status)
}

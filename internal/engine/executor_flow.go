package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/PadsterH2012/archon-plus-sub002/internal/expressions"
	"github.com/PadsterH2012/archon-plus-sub002/internal/tools"
	"github.com/PadsterH2012/archon-plus-sub002/pkg/schema"
)

// dispatchAction resolves the step's parameters against the bindings and
// invokes the named tool. A missing variable is a dispatch-time error, never
// a silent empty string.
func (e *Executor) dispatchAction(ctx context.Context, step *schema.Step) *StepResult {
	cfg, err := step.ActionConfig()
	if err != nil {
		return failResult(err)
	}

	tool, err := e.tools.Get(cfg.Tool)
	if err != nil {
		return failResult(asEngineError(err, schema.ErrCodeToolUnavailable, step.Name))
	}

	resolved, err := e.resolver.ResolveParams(cfg.Parameters, e.ec.Bindings())
	if err != nil {
		return failResult(asEngineError(err, schema.ErrCodeInterpolation, step.Name))
	}

	params := make(map[string]any)
	if len(resolved) > 0 {
		if err := json.Unmarshal(resolved, &params); err != nil {
			return failResult(schema.NewErrorf(schema.ErrCodeValidation,
				"step %s parameters must be a JSON object", step.Name).WithStep(step.Name).WithCause(err))
		}
	}

	if err := tool.Validate(params); err != nil {
		return failResult(asEngineError(err, schema.ErrCodeValidation, step.Name))
	}

	out, err := tool.Invoke(ctx, tools.ToolInput{
		Params: params,
		Execution: map[string]any{
			"execution_id": e.exec.ID,
			"step_name":    step.Name,
		},
	})
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return failResult(schema.NewErrorf(schema.ErrCodeTimeout,
				"step %s timed out invoking tool %q", step.Name, cfg.Tool).WithStep(step.Name).WithCause(err))
		}
		return failResult(asEngineError(err, schema.ErrCodeDispatch, step.Name))
	}

	result := &StepResult{Status: schema.StepStatusCompleted}
	if out != nil {
		result.Output = out.Data
	}
	return result
}

// dispatchCondition evaluates the step's boolean expression and selects the
// next step. Evaluation errors and non-boolean results fail closed: they
// never route to the success branch.
func (e *Executor) dispatchCondition(ctx context.Context, step *schema.Step, stepIndex int) *StepResult {
	cfg, err := step.ConditionConfig()
	if err != nil {
		return failResult(err)
	}
	if cfg.Condition == "" {
		return failResult(schema.NewErrorf(schema.ErrCodeValidation,
			"step %s has an empty condition", step.Name).WithStep(step.Name))
	}

	var eng expressions.Engine = e.expr
	data := e.ec.Bindings()
	switch cfg.Engine {
	case "", "expr":
	case "cel":
		if e.cel == nil {
			return failResult(schema.NewErrorf(schema.ErrCodeDispatch,
				"step %s requests the cel engine but none is configured", step.Name).WithStep(step.Name))
		}
		eng = e.cel
		data = e.ec.NamespacedBindings()
	default:
		return failResult(schema.NewErrorf(schema.ErrCodeValidation,
			"step %s requests unknown expression engine %q", step.Name, cfg.Engine).WithStep(step.Name))
	}

	val, err := eng.Evaluate(ctx, cfg.Condition, data)
	if err != nil {
		return failResult(asEngineError(err, schema.ErrCodeDispatch, step.Name))
	}
	outcome, ok := val.(bool)
	if !ok {
		return failResult(schema.NewErrorf(schema.ErrCodeDispatch,
			"step %s condition evaluated to %T, not a boolean", step.Name, val).WithStep(step.Name))
	}

	target, alternate := cfg.OnSuccess, cfg.OnFailure
	if !outcome {
		target, alternate = cfg.OnFailure, cfg.OnSuccess
	}
	if alternate != "" && alternate != target {
		e.ec.MarkSkipped(alternate)
	}

	e.publish(schema.EventConditionEvaluated, &stepIndex, step.Name, string(schema.StepStatusCompleted),
		map[string]any{"result": outcome, "next": target})

	output, _ := json.Marshal(map[string]any{"result": outcome})
	return &StepResult{Status: schema.StepStatusCompleted, Output: output, NextStep: target}
}

// parallelChild aggregates one child's outcome for the parent's output.
type parallelChild struct {
	Name   string            `json:"name"`
	Status schema.StepStatus `json:"status"`
	Output json.RawMessage   `json:"output,omitempty"`
	Error  string            `json:"error,omitempty"`
}

// dispatchParallel fans child steps out through the worker pool. Children
// start concurrently but their StepExecution records are created in listed
// order. wait_for_all aggregates every child (all run to completion, first
// listed failure wins for the reported error); otherwise the step returns on
// the first terminal child and the rest detach, recorded asynchronously and
// drained at executor teardown.
func (e *Executor) dispatchParallel(ctx context.Context, step *schema.Step, stepIndex int) *StepResult {
	cfg, err := step.ParallelConfig()
	if err != nil {
		return failResult(err)
	}
	if len(cfg.Steps) == 0 {
		output, _ := json.Marshal(map[string]any{"children": []any{}})
		return &StepResult{Status: schema.StepStatusCompleted, Output: output}
	}

	e.publish(schema.EventParallelStarted, &stepIndex, step.Name, string(schema.StepStatusRunning),
		map[string]any{"children": len(cfg.Steps), "wait_for_all": cfg.WaitForAll})

	parentIdx := stepIndex
	if cfg.WaitForAll {
		return e.runParallelAwaited(ctx, step, cfg, parentIdx)
	}
	return e.runParallelDetached(ctx, step, cfg, parentIdx)
}

func (e *Executor) runParallelAwaited(ctx context.Context, step *schema.Step, cfg *schema.ParallelConfig, parentIdx int) *StepResult {
	n := len(cfg.Steps)
	results := make([]*StepResult, n)
	repoErrs := make([]error, n)

	var wg sync.WaitGroup
	for i := range cfg.Steps {
		child := cfg.Steps[i]
		ordinal := i
		started := make(chan struct{})
		wg.Add(1)
		run := func(cctx context.Context) error {
			defer wg.Done()
			results[ordinal], repoErrs[ordinal] = e.runStepInstance(cctx, &child, ordinal, &parentIdx, "", started)
			return repoErrs[ordinal]
		}
		switch submitErr := e.pool.TrySubmit(ctx, run); {
		case submitErr == nil:
			// Wait for the child's first attempt record so creation order
			// follows the listed order.
			<-started
		case errors.Is(submitErr, ErrPoolSaturated):
			// Every slot is held, possibly by this step's own ancestors. Run
			// the child here instead of waiting for a slot that may never
			// free, which would deadlock a nested fan-out.
			_ = run(ctx)
		default:
			wg.Done()
			results[ordinal] = failResult(schema.NewErrorf(schema.ErrCodeDispatch,
				"parallel child %s could not be scheduled: %s", child.Name, submitErr.Error()).WithStep(child.Name))
		}
	}
	wg.Wait()

	for i := range repoErrs {
		if repoErrs[i] != nil {
			return failResult(repoErrs[i])
		}
	}

	children := make([]parallelChild, n)
	var firstFailure error
	for i := range cfg.Steps {
		res := results[i]
		children[i] = parallelChild{Name: cfg.Steps[i].Name, Status: res.Status, Output: res.Output}
		if res.Status == schema.StepStatusFailed {
			children[i].Error = res.Err.Error()
			if firstFailure == nil {
				firstFailure = res.Err
			}
		}
	}

	output, _ := json.Marshal(map[string]any{"children": children})
	e.publish(schema.EventParallelCompleted, &parentIdx, step.Name, string(schema.StepStatusCompleted),
		map[string]any{"children": len(children)})

	if firstFailure != nil {
		return &StepResult{
			Status: schema.StepStatusFailed,
			Output: output,
			Err: schema.NewErrorf(schema.ErrCodeStepFailed,
				"parallel step %s: child failed: %s", step.Name, firstFailure.Error()).
				WithStep(step.Name).WithCause(firstFailure),
		}
	}
	return &StepResult{Status: schema.StepStatusCompleted, Output: output}
}

func (e *Executor) runParallelDetached(ctx context.Context, step *schema.Step, cfg *schema.ParallelConfig, parentIdx int) *StepResult {
	type outcome struct {
		ordinal int
		result  *StepResult
	}
	n := len(cfg.Steps)
	firstDone := make(chan outcome, n)

	for i := range cfg.Steps {
		child := cfg.Steps[i]
		ordinal := i
		started := make(chan struct{})
		e.detached.Add(1)
		run := func(cctx context.Context) error {
			defer e.detached.Done()
			res, repoErr := e.runStepInstance(cctx, &child, ordinal, &parentIdx, "", started)
			if repoErr != nil {
				res = failResult(repoErr)
			}
			firstDone <- outcome{ordinal: ordinal, result: res}
			return nil
		}
		// Detached children outlive this dispatch; they must not inherit the
		// step timeout.
		bgCtx := context.WithoutCancel(ctx)
		switch submitErr := e.pool.TrySubmit(bgCtx, run); {
		case submitErr == nil:
			<-started
		case errors.Is(submitErr, ErrPoolSaturated):
			// Full pool: detach on a plain goroutine rather than block the
			// parent step on a slot its own ancestors may hold.
			go run(bgCtx)
			<-started
		default:
			e.detached.Done()
			firstDone <- outcome{ordinal: ordinal, result: failResult(schema.NewErrorf(schema.ErrCodeDispatch,
				"parallel child %s could not be scheduled: %s", child.Name, submitErr.Error()).WithStep(child.Name))}
		}
	}

	first := <-firstDone
	child := parallelChild{
		Name:   cfg.Steps[first.ordinal].Name,
		Status: first.result.Status,
		Output: first.result.Output,
	}
	if first.result.Status == schema.StepStatusFailed && first.result.Err != nil {
		child.Error = first.result.Err.Error()
	}

	// The parallel step itself completes on the first terminal child; the
	// remaining children keep running in the background.
	output, _ := json.Marshal(map[string]any{"first": child, "detached": n - 1})
	return &StepResult{Status: schema.StepStatusCompleted, Output: output}
}

// dispatchLoop iterates a bound collection, dispatching the nested steps
// sequentially per item. Loops fail fast: a single iteration failure aborts
// the remainder. Items beyond max_iterations produce one warning log entry
// and are skipped.
func (e *Executor) dispatchLoop(ctx context.Context, step *schema.Step, stepIndex int) *StepResult {
	cfg, err := step.LoopConfig()
	if err != nil {
		return failResult(err)
	}
	if cfg.ItemVariable == "" {
		return failResult(schema.NewErrorf(schema.ErrCodeValidation,
			"step %s has no item_variable", step.Name).WithStep(step.Name))
	}

	raw, ok := e.ec.Bindings()[cfg.Collection]
	if !ok {
		return failResult(schema.NewErrorf(schema.ErrCodeDispatch,
			"loop collection %q is not bound", cfg.Collection).WithStep(step.Name))
	}
	items, ok := raw.([]any)
	if !ok {
		return failResult(schema.NewErrorf(schema.ErrCodeDispatch,
			"loop collection %q is not iterable (got %T)", cfg.Collection, raw).WithStep(step.Name))
	}

	limit := len(items)
	if cfg.MaxIterations > 0 && limit > cfg.MaxIterations {
		limit = cfg.MaxIterations
		skipped := len(items) - limit
		e.appendLog(ctx, schema.LogLevelWarning,
			fmt.Sprintf("loop %s: %d items beyond max_iterations=%d skipped", step.Name, skipped, cfg.MaxIterations),
			&stepIndex, step.Name,
			map[string]any{"skipped_items": skipped, "max_iterations": cfg.MaxIterations})
		e.publish(schema.EventLoopItemsSkipped, &stepIndex, step.Name, string(schema.StepStatusRunning),
			map[string]any{"skipped_items": skipped})
	}

	defer e.ec.RemoveBinding(cfg.ItemVariable)

	iterations := 0
	for iter := 0; iter < limit; iter++ {
		e.ec.SetBinding(cfg.ItemVariable, items[iter])
		e.publish(schema.EventLoopIterStarted, &stepIndex, step.Name, string(schema.StepStatusRunning),
			map[string]any{"iteration": iter})

		for c := range cfg.Steps {
			child := cfg.Steps[c]
			attemptKey := fmt.Sprintf("%s[%d]", child.Name, iter)
			res, repoErr := e.runStepInstance(ctx, &child, iter, &stepIndex, attemptKey, nil)
			if repoErr != nil {
				return failResult(repoErr)
			}
			if res.Status == schema.StepStatusFailed {
				return failResult(schema.NewErrorf(schema.ErrCodeStepFailed,
					"loop %s iteration %d: %s", step.Name, iter, res.Err.Error()).
					WithStep(step.Name).WithCause(res.Err))
			}
		}

		iterations++
		e.publish(schema.EventLoopIterCompleted, &stepIndex, step.Name, string(schema.StepStatusRunning),
			map[string]any{"iteration": iter})
	}

	output, _ := json.Marshal(map[string]any{
		"iterations": iterations,
		"skipped":    len(items) - limit,
	})
	return &StepResult{Status: schema.StepStatusCompleted, Output: output}
}

// dispatchWorkflowLink resolves the named sub-definition and runs it as a
// nested execution to completion, mapping inputs from and outputs back into
// the parent bindings.
func (e *Executor) dispatchWorkflowLink(ctx context.Context, step *schema.Step) *StepResult {
	cfg, err := step.WorkflowLinkConfig()
	if err != nil {
		return failResult(err)
	}
	if e.subRunner == nil {
		return failResult(schema.NewErrorf(schema.ErrCodeDispatch,
			"step %s links a workflow but no sub-workflow runner is configured", step.Name).WithStep(step.Name))
	}

	bindings := e.ec.Bindings()
	subParams := make(map[string]any, len(cfg.InputMapping))
	for param, ref := range cfg.InputMapping {
		val, err := e.resolver.Resolve(ref, bindings)
		if err != nil {
			return failResult(asEngineError(err, schema.ErrCodeInterpolation, step.Name))
		}
		subParams[param] = val
	}

	e.publish(schema.EventSubWorkflowStarted, nil, step.Name, string(schema.StepStatusRunning),
		map[string]any{"workflow_name": cfg.WorkflowName})

	subExec, err := e.subRunner.RunSubWorkflow(ctx, cfg.WorkflowName, subParams, e.exec.ID)
	if err != nil {
		return failResult(asEngineError(err, schema.ErrCodeDispatch, step.Name))
	}
	if subExec.Status != schema.ExecutionStatusCompleted {
		return failResult(schema.NewErrorf(schema.ErrCodeDispatch,
			"sub-workflow %s finished %s: %s", cfg.WorkflowName, subExec.Status, subExec.ErrorMessage).
			WithStep(step.Name).
			WithDetails(map[string]any{"sub_execution_id": subExec.ID}))
	}

	subOutputs := make(map[string]any)
	if len(subExec.OutputData) > 0 {
		if err := json.Unmarshal(subExec.OutputData, &subOutputs); err != nil {
			return failResult(schema.NewErrorf(schema.ErrCodeDispatch,
				"sub-workflow %s produced non-object output", cfg.WorkflowName).WithStep(step.Name).WithCause(err))
		}
	}
	for parentKey, subKey := range cfg.OutputMapping {
		val, ok := subOutputs[subKey]
		if !ok {
			return failResult(schema.NewErrorf(schema.ErrCodeDispatch,
				"sub-workflow %s output %q not found", cfg.WorkflowName, subKey).WithStep(step.Name))
		}
		e.ec.SetBinding(parentKey, val)
	}

	output, _ := json.Marshal(map[string]any{
		"execution_id": subExec.ID,
		"outputs":      subOutputs,
	})
	return &StepResult{Status: schema.StepStatusCompleted, Output: output}
}

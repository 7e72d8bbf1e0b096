package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/PadsterH2012/archon-plus-sub002/internal/expressions"
	"github.com/PadsterH2012/archon-plus-sub002/internal/logging"
	"github.com/PadsterH2012/archon-plus-sub002/internal/store"
	"github.com/PadsterH2012/archon-plus-sub002/internal/streaming"
	"github.com/PadsterH2012/archon-plus-sub002/internal/tools"
	"github.com/PadsterH2012/archon-plus-sub002/pkg/schema"
)

// SubWorkflowRunner resolves and runs a linked workflow to completion as a
// nested execution. Satisfied by the ExecutionService.
type SubWorkflowRunner interface {
	RunSubWorkflow(ctx context.Context, workflowName string, params map[string]any, triggeredBy string) (*store.WorkflowExecution, error)
}

// StepResult is the outcome of dispatching one step instance.
type StepResult struct {
	Status   schema.StepStatus `json:"status"`
	Output   json.RawMessage   `json:"output,omitempty"`
	NextStep string            `json:"next_step,omitempty"`
	Err      error             `json:"-"`
}

// ExecutorDeps bundles the collaborators one Executor needs.
type ExecutorDeps struct {
	Repo      store.ExecutionRepository
	Tools     tools.ToolRegistry
	Resolver  *expressions.Resolver
	Expr      *expressions.ExprEngine
	CEL       *expressions.CELEngine
	Sink      streaming.ProgressSink
	Logger    *slog.Logger
	Pool      *WorkerPool
	SubRunner SubWorkflowRunner
}

// Executor drives one execution through its definition's steps: sequential
// cursor loop, retry/timeout policy, cooperative pause/cancel at step
// boundaries, progress events, and persistence of every state transition.
type Executor struct {
	repo      store.ExecutionRepository
	tools     tools.ToolRegistry
	resolver  *expressions.Resolver
	expr      *expressions.ExprEngine
	cel       *expressions.CELEngine
	sink      streaming.ProgressSink
	logger    *slog.Logger
	pool      *WorkerPool
	subRunner SubWorkflowRunner

	exec     *store.WorkflowExecution
	ec       *ExecutionContext
	deadline time.Time

	ctrlMu         sync.Mutex
	pauseRequested bool
	resumeCh       chan struct{}
	cancelCh       chan struct{}
	cancelOnce     sync.Once

	// detached tracks fire-and-forget parallel children; drained before the
	// terminal transition so no StepExecution lands after finality.
	detached sync.WaitGroup
	done     chan struct{}
}

// NewExecutor creates the Executor for one execution record.
func NewExecutor(deps ExecutorDeps, def *schema.WorkflowDefinition, exec *store.WorkflowExecution) *Executor {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sink := deps.Sink
	if sink == nil {
		sink = streaming.NopSink{}
	}
	return &Executor{
		repo:      deps.Repo,
		tools:     deps.Tools,
		resolver:  deps.Resolver,
		expr:      deps.Expr,
		cel:       deps.CEL,
		sink:      sink,
		logger:    logger,
		pool:      deps.Pool,
		subRunner: deps.SubRunner,
		exec:      exec,
		ec:        NewExecutionContext(exec.ID, def, exec.InputParameters),
		cancelCh:  make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Done is closed when Run has finished and the execution is terminal.
func (e *Executor) Done() <-chan struct{} { return e.done }

// Cancel requests cooperative cancellation, observed at the next step
// boundary. An in-flight step finishes but its result is discarded.
func (e *Executor) Cancel() {
	e.cancelOnce.Do(func() { close(e.cancelCh) })
}

// Pause requests a pause at the next step boundary.
func (e *Executor) Pause() error {
	e.ctrlMu.Lock()
	defer e.ctrlMu.Unlock()
	if e.pauseRequested {
		return schema.NewError(schema.ErrCodeConflict, "pause already requested")
	}
	e.pauseRequested = true
	e.resumeCh = make(chan struct{})
	return nil
}

// Resume releases a pending or active pause.
func (e *Executor) Resume() error {
	e.ctrlMu.Lock()
	defer e.ctrlMu.Unlock()
	if !e.pauseRequested {
		return schema.NewError(schema.ErrCodeInvalidTransition, "execution is not paused")
	}
	e.pauseRequested = false
	close(e.resumeCh)
	return nil
}

// Run executes the workflow to a terminal status. It returns the error that
// failed the execution, or nil for completed and cancelled outcomes.
func (e *Executor) Run(ctx context.Context) error {
	defer close(e.done)

	ctx = logging.WithExecution(ctx, e.exec.ID, e.ec.Definition().Name)
	log := logging.LogWith(ctx, e.logger)

	if err := ValidateExecutionTransition(e.exec.ID, e.exec.Status, schema.ExecutionStatusRunning); err != nil {
		return err
	}

	now := time.Now().UTC()
	e.exec.Status = schema.ExecutionStatusRunning
	e.exec.StartedAt = &now
	if err := e.updateExecution(ctx, store.ExecutionUpdate{
		Status:    &e.exec.Status,
		StartedAt: &now,
	}); err != nil {
		return e.finalizeFailed(ctx, log, err, e.ec.Cursor())
	}

	def := e.ec.Definition()
	if def.TimeoutMinutes > 0 {
		e.deadline = now.Add(time.Duration(def.TimeoutMinutes) * time.Minute)
	}

	e.appendLog(ctx, schema.LogLevelInfo, "execution started", nil, "", nil)
	e.publish(schema.EventExecutionStarted, nil, "", string(schema.ExecutionStatusRunning), nil)
	log.Info("execution started", "total_steps", e.ec.TotalSteps())

	runCtx := ctx
	if !e.deadline.IsZero() {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithDeadline(ctx, e.deadline)
		defer cancel()
	}

	for e.ec.Cursor() < e.ec.TotalSteps() {
		switch e.checkBoundary(ctx, log) {
		case boundaryCancelled:
			return e.finalizeCancelled(ctx, log)
		case boundaryTimedOut:
			return e.finalizeFailed(ctx, log,
				schema.NewErrorf(schema.ErrCodeTimeout, "execution exceeded timeout of %d minutes", def.TimeoutMinutes),
				e.ec.Cursor())
		}

		idx := e.ec.Cursor()
		step := &def.Steps[idx]

		if e.ec.IsSkipped(step.Name) {
			e.recordSkipped(ctx, idx, step.Name)
			if err := e.advance(ctx, idx+1); err != nil {
				return e.finalizeFailed(ctx, log, err, idx+1)
			}
			continue
		}

		result, err := e.runStepInstance(runCtx, step, idx, nil, "", nil)
		if err != nil {
			// Repository failure: cannot proceed if state cannot be persisted.
			return e.finalizeFailed(ctx, log, err, idx+1)
		}
		if result.Status == schema.StepStatusFailed {
			if e.deadlineExceeded() {
				return e.finalizeFailed(ctx, log,
					schema.NewErrorf(schema.ErrCodeTimeout, "execution exceeded timeout of %d minutes", def.TimeoutMinutes),
					idx+1)
			}
			return e.finalizeFailed(ctx, log, result.Err, idx+1)
		}

		next := idx + 1
		if result.NextStep != "" {
			target := indexOfStep(def, result.NextStep)
			if target < 0 {
				return e.finalizeFailed(ctx, log,
					schema.NewErrorf(schema.ErrCodeValidation, "condition target %q is not a top-level step", result.NextStep).WithStep(step.Name),
					idx+1)
			}
			// The cursor must advance. A self or backward target would
			// re-dispatch finished steps forever; validation rejects such
			// definitions, but a stale stored one must not loop the engine.
			if target <= idx {
				return e.finalizeFailed(ctx, log,
					schema.NewErrorf(schema.ErrCodeCycleDetected,
						"condition target %q does not advance past step %q", result.NextStep, step.Name).WithStep(step.Name),
					idx+1)
			}
			next = target
		}
		if err := e.advance(ctx, next); err != nil {
			return e.finalizeFailed(ctx, log, err, next)
		}
	}

	return e.finalizeCompleted(ctx, log)
}

// --- Step execution with retry ---

// runStepInstance runs one step instance through its attempt budget,
// appending one StepExecution record per attempt. parentIndex back-references
// the enclosing parallel/loop step for nested instances; attemptKey
// distinguishes loop iterations of the same step name. started, when non-nil,
// is closed once the first attempt record exists (parallel creation-order
// handshake). The returned error is reserved for repository failures.
func (e *Executor) runStepInstance(ctx context.Context, step *schema.Step, stepIndex int, parentIndex *int, attemptKey string, started chan<- struct{}) (*StepResult, error) {
	if attemptKey == "" {
		attemptKey = step.Name
	}
	def := e.ec.Definition()
	maxAttempts := MaxAttempts(step, def)

	for {
		attempt := e.ec.NextAttempt(attemptKey)
		rec, err := e.createStepRecord(ctx, step, stepIndex, parentIndex, attempt, maxAttempts)
		if started != nil {
			close(started)
			started = nil
		}
		if err != nil {
			return nil, err
		}

		e.publish(schema.EventStepStarted, &stepIndex, step.Name, string(schema.StepStatusRunning), nil)
		e.appendLog(ctx, schema.LogLevelInfo, "step started", &stepIndex, step.Name,
			map[string]any{"attempt": attempt, "max_attempts": maxAttempts})

		result := e.dispatch(ctx, step, stepIndex)

		if result.Status == schema.StepStatusCompleted {
			if recErr := e.ec.RecordOutput(step.Name, result.Output); recErr != nil {
				result = &StepResult{Status: schema.StepStatusFailed, Err: recErr}
			} else {
				if err := e.finalizeStepRecord(ctx, rec, schema.StepStatusCompleted, result.Output, ""); err != nil {
					return nil, err
				}
				e.publish(schema.EventStepCompleted, &stepIndex, step.Name, string(schema.StepStatusCompleted), nil)
				e.appendLog(ctx, schema.LogLevelInfo, "step completed", &stepIndex, step.Name, nil)
				return result, nil
			}
		}

		if result.Err == nil {
			result.Err = schema.NewErrorf(schema.ErrCodeStepFailed, "step %s failed", step.Name).WithStep(step.Name)
		}
		if err := e.finalizeStepRecord(ctx, rec, schema.StepStatusFailed, result.Output, result.Err.Error()); err != nil {
			return nil, err
		}
		e.publish(schema.EventStepFailed, &stepIndex, step.Name, string(schema.StepStatusFailed),
			map[string]any{"error": result.Err.Error(), "attempt": attempt})
		e.appendLog(ctx, schema.LogLevelError, "step failed: "+result.Err.Error(), &stepIndex, step.Name,
			map[string]any{"attempt": attempt, "max_attempts": maxAttempts})

		if attempt < maxAttempts && IsRetryableError(result.Err) && !e.cancelRequested() && !e.deadlineExceeded() {
			delay := ComputeBackoff(attempt)
			e.publish(schema.EventStepRetrying, &stepIndex, step.Name, string(schema.StepStatusRunning),
				map[string]any{"attempt": attempt + 1, "backoff_ms": delay.Milliseconds()})
			e.appendLog(ctx, schema.LogLevelWarning, "retrying step", &stepIndex, step.Name,
				map[string]any{"attempt": attempt + 1, "backoff_ms": delay.Milliseconds()})
			if err := WaitForBackoff(ctx, delay); err != nil {
				return result, nil
			}
			continue
		}

		if attempt >= maxAttempts && maxAttempts > 1 {
			result.Err = schema.NewErrorf(schema.ErrCodeRetryExhausted,
				"step %s: retries exhausted after %d attempts: %s", step.Name, attempt, result.Err.Error()).
				WithStep(step.Name).WithCause(result.Err)
		}
		return result, nil
	}
}

// dispatch runs one step by kind, wrapped with the effective step timeout.
func (e *Executor) dispatch(ctx context.Context, step *schema.Step, stepIndex int) *StepResult {
	if d := EffectiveTimeout(step, e.ec.Definition()); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	switch step.Kind() {
	case schema.StepTypeAction:
		return e.dispatchAction(ctx, step)
	case schema.StepTypeCondition:
		return e.dispatchCondition(ctx, step, stepIndex)
	case schema.StepTypeParallel:
		return e.dispatchParallel(ctx, step, stepIndex)
	case schema.StepTypeLoop:
		return e.dispatchLoop(ctx, step, stepIndex)
	case schema.StepTypeWorkflowLink:
		return e.dispatchWorkflowLink(ctx, step)
	default:
		return failResult(schema.NewErrorf(schema.ErrCodeValidation,
			"unknown step type %q", step.Type).WithStep(step.Name))
	}
}

// --- Finalization ---

func (e *Executor) finalizeCompleted(ctx context.Context, log *slog.Logger) error {
	e.detached.Wait()
	if e.cancelRequested() {
		// Cancel raced the final step; its result is discarded.
		return e.finalizeCancelled(ctx, log)
	}

	output := e.resolveOutputs(ctx)
	now := time.Now().UTC()
	total := e.ec.TotalSteps()
	progress := 100.0
	status := schema.ExecutionStatusCompleted
	e.exec.Status = status
	e.exec.CompletedAt = &now
	e.exec.OutputData = output

	if err := e.updateExecution(ctx, store.ExecutionUpdate{
		Status:             &status,
		OutputData:         output,
		CurrentStepIndex:   &total,
		ProgressPercentage: &progress,
		CompletedAt:        &now,
	}); err != nil {
		log.Error("failed to persist completed status", "error", err)
	}
	e.appendLog(ctx, schema.LogLevelInfo, "execution completed", nil, "", nil)
	e.publish(ExecutionEventType(status), nil, "", string(status), nil)
	log.Info("execution completed")
	return nil
}

func (e *Executor) finalizeFailed(ctx context.Context, log *slog.Logger, cause error, skipFrom int) error {
	e.detached.Wait()
	e.skipRemaining(ctx, skipFrom)

	now := time.Now().UTC()
	status := schema.ExecutionStatusFailed
	msg := cause.Error()
	e.exec.Status = status
	e.exec.CompletedAt = &now
	e.exec.ErrorMessage = msg

	if err := e.updateExecution(ctx, store.ExecutionUpdate{
		Status:       &status,
		ErrorMessage: &msg,
		CompletedAt:  &now,
	}); err != nil {
		log.Error("failed to persist failed status", "error", err)
	}
	e.appendLog(ctx, schema.LogLevelError, "execution failed: "+msg, nil, "", nil)
	e.publish(ExecutionEventType(status), nil, "", string(status), map[string]any{"error": msg})
	log.Error("execution failed", "error", msg)
	return cause
}

func (e *Executor) finalizeCancelled(ctx context.Context, log *slog.Logger) error {
	e.detached.Wait()

	now := time.Now().UTC()
	status := schema.ExecutionStatusCancelled
	e.exec.Status = status
	e.exec.CompletedAt = &now

	// A cancelled execution carries no error_message: cancellation is a
	// deliberate outcome, not a failure.
	if err := e.updateExecution(ctx, store.ExecutionUpdate{
		Status:      &status,
		CompletedAt: &now,
	}); err != nil {
		log.Error("failed to persist cancelled status", "error", err)
	}
	e.appendLog(ctx, schema.LogLevelInfo, "execution cancelled", nil, "", nil)
	e.publish(ExecutionEventType(status), nil, "", string(status), nil)
	log.Info("execution cancelled")
	return nil
}

// skipRemaining marks every not-yet-run top-level step from the given index
// as skipped via log entries and events. Skipped steps never get a
// StepExecution record: only dispatched attempts do.
func (e *Executor) skipRemaining(ctx context.Context, from int) {
	def := e.ec.Definition()
	for i := from; i < len(def.Steps); i++ {
		e.recordSkipped(ctx, i, def.Steps[i].Name)
	}
}

func (e *Executor) recordSkipped(ctx context.Context, index int, name string) {
	e.appendLog(ctx, schema.LogLevelInfo, "step skipped", &index, name, nil)
	e.publish(StepEventType(schema.StepStatusSkipped), &index, name, string(schema.StepStatusSkipped), nil)
}

// resolveOutputs maps the definition's outputs from the final bindings. An
// unresolvable source downgrades to a warning log entry rather than failing
// an already-completed execution.
func (e *Executor) resolveOutputs(ctx context.Context) json.RawMessage {
	def := e.ec.Definition()
	if len(def.Outputs) == 0 {
		return nil
	}
	bindings := e.ec.Bindings()
	out := make(map[string]any, len(def.Outputs))
	for name, spec := range def.Outputs {
		val, err := e.resolver.Resolve(spec.Source, bindings)
		if err != nil {
			e.appendLog(ctx, schema.LogLevelWarning, "output "+name+" could not be resolved: "+err.Error(), nil, "", nil)
			continue
		}
		out[name] = val
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil
	}
	return data
}

// --- Boundary checks ---

type boundaryAction int

const (
	boundaryProceed boundaryAction = iota
	boundaryCancelled
	boundaryTimedOut
)

// checkBoundary is the cooperative suspension point between steps: cancel
// first, then the watchdog deadline, then pause (which blocks the loop until
// resume, cancel, or deadline).
func (e *Executor) checkBoundary(ctx context.Context, log *slog.Logger) boundaryAction {
	if e.cancelRequested() {
		return boundaryCancelled
	}
	if e.deadlineExceeded() {
		e.publish(schema.EventExecutionTimedOut, nil, "", string(schema.ExecutionStatusFailed), nil)
		return boundaryTimedOut
	}

	e.ctrlMu.Lock()
	if !e.pauseRequested {
		e.ctrlMu.Unlock()
		return boundaryProceed
	}
	resumeCh := e.resumeCh
	e.ctrlMu.Unlock()

	paused := schema.ExecutionStatusPaused
	e.exec.Status = paused
	if err := e.updateExecution(ctx, store.ExecutionUpdate{Status: &paused}); err != nil {
		log.Error("failed to persist paused status", "error", err)
	}
	e.appendLog(ctx, schema.LogLevelInfo, "execution paused", nil, "", nil)
	e.publish(schema.EventExecutionPaused, nil, "", string(paused), nil)
	log.Info("execution paused", "cursor", e.ec.Cursor())

	var deadlineCh <-chan time.Time
	if !e.deadline.IsZero() {
		timer := time.NewTimer(time.Until(e.deadline))
		defer timer.Stop()
		deadlineCh = timer.C
	}

	select {
	case <-resumeCh:
		running := schema.ExecutionStatusRunning
		e.exec.Status = running
		if err := e.updateExecution(ctx, store.ExecutionUpdate{Status: &running}); err != nil {
			log.Error("failed to persist resumed status", "error", err)
		}
		e.appendLog(ctx, schema.LogLevelInfo, "execution resumed", nil, "", nil)
		e.publish(schema.EventExecutionResumed, nil, "", string(running), nil)
		log.Info("execution resumed", "cursor", e.ec.Cursor())
		// Re-check: cancel or a second pause may have landed meanwhile.
		return e.checkBoundary(ctx, log)
	case <-e.cancelCh:
		return boundaryCancelled
	case <-deadlineCh:
		e.publish(schema.EventExecutionTimedOut, nil, "", string(schema.ExecutionStatusFailed), nil)
		return boundaryTimedOut
	}
}

func (e *Executor) cancelRequested() bool {
	select {
	case <-e.cancelCh:
		return true
	default:
		return false
	}
}

func (e *Executor) deadlineExceeded() bool {
	return !e.deadline.IsZero() && time.Now().After(e.deadline)
}

// --- Persistence helpers ---

// advance moves the cursor, persists it with the derived progress, and emits
// a progress event.
func (e *Executor) advance(ctx context.Context, next int) error {
	e.ec.SetCursor(next)
	progress := store.Progress(next, e.ec.TotalSteps())
	e.exec.CurrentStepIndex = next
	e.exec.ProgressPercentage = progress
	if err := e.updateExecution(ctx, store.ExecutionUpdate{
		CurrentStepIndex:   &next,
		ProgressPercentage: &progress,
	}); err != nil {
		return err
	}
	e.publishProgress(next, progress)
	return nil
}

func (e *Executor) createStepRecord(ctx context.Context, step *schema.Step, stepIndex int, parentIndex *int, attempt, maxAttempts int) (*store.StepExecution, error) {
	now := time.Now().UTC()
	rec := &store.StepExecution{
		ID:              uuid.NewString(),
		ExecutionID:     e.exec.ID,
		StepIndex:       stepIndex,
		StepName:        step.Name,
		ParentStepIndex: parentIndex,
		Status:          schema.StepStatusRunning,
		AttemptNumber:   attempt,
		MaxAttempts:     maxAttempts,
		Input:           step.Config,
		StartedAt:       &now,
	}
	if err := e.repo.AppendStepExecution(context.WithoutCancel(ctx), rec); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeRepository,
			"append step execution for %s: %s", step.Name, err.Error()).WithStep(step.Name).WithCause(err)
	}
	return rec, nil
}

func (e *Executor) finalizeStepRecord(ctx context.Context, rec *store.StepExecution, status schema.StepStatus, output json.RawMessage, errMsg string) error {
	if err := ValidateStepTransition(rec.StepName, rec.Status, status); err != nil {
		return err
	}
	rec.Status = status
	now := time.Now().UTC()
	var durationMs int64
	if rec.StartedAt != nil {
		durationMs = now.Sub(*rec.StartedAt).Milliseconds()
	}
	update := store.StepExecutionUpdate{
		Status:      &status,
		Output:      output,
		CompletedAt: &now,
		DurationMs:  &durationMs,
	}
	if errMsg != "" {
		update.ErrorMessage = &errMsg
	}
	if err := e.repo.UpdateStepExecution(context.WithoutCancel(ctx), rec.ID, update); err != nil {
		return schema.NewErrorf(schema.ErrCodeRepository,
			"update step execution for %s: %s", rec.StepName, err.Error()).WithStep(rec.StepName).WithCause(err)
	}
	return nil
}

func (e *Executor) updateExecution(ctx context.Context, update store.ExecutionUpdate) error {
	if err := e.repo.UpdateExecution(context.WithoutCancel(ctx), e.exec.ID, update); err != nil {
		return schema.NewErrorf(schema.ErrCodeRepository,
			"update execution: %s", err.Error()).WithCause(err)
	}
	return nil
}

// appendLog is best-effort: the execution log is diagnostic, unlike execution
// and step state whose persistence failures abort the run.
func (e *Executor) appendLog(ctx context.Context, level schema.LogLevel, message string, stepIndex *int, stepName string, details map[string]any) {
	entry := &store.LogEntry{
		ExecutionID: e.exec.ID,
		Level:       level,
		Message:     message,
		StepIndex:   stepIndex,
		StepName:    stepName,
	}
	if details != nil {
		if data, err := json.Marshal(details); err == nil {
			entry.Details = data
		}
	}
	if err := e.repo.AppendLog(context.WithoutCancel(ctx), entry); err != nil {
		e.logger.Warn("failed to append execution log entry", "execution_id", e.exec.ID, "error", err)
	}
}

func (e *Executor) publish(eventType string, stepIndex *int, stepName, status string, payload any) {
	_ = e.sink.Publish(context.Background(), streaming.ProgressEvent{
		ExecutionID: e.exec.ID,
		EventType:   eventType,
		StepIndex:   stepIndex,
		StepName:    stepName,
		Status:      status,
		Payload:     payload,
	})
}

func (e *Executor) publishProgress(cursor int, progress float64) {
	_ = e.sink.Publish(context.Background(), streaming.ProgressEvent{
		ExecutionID: e.exec.ID,
		EventType:   schema.EventProgress,
		StepIndex:   &cursor,
		Status:      string(schema.ExecutionStatusRunning),
		Progress:    progress,
	})
}

// --- Small helpers ---

func failResult(err error) *StepResult {
	return &StepResult{Status: schema.StepStatusFailed, Err: err}
}

// asEngineError coerces an error into an EngineError with a default code.
func asEngineError(err error, code, stepName string) *schema.EngineError {
	var engErr *schema.EngineError
	if errors.As(err, &engErr) {
		return engErr
	}
	return schema.NewError(code, err.Error()).WithStep(stepName).WithCause(err)
}

func indexOfStep(def *schema.WorkflowDefinition, name string) int {
	for i := range def.Steps {
		if def.Steps[i].Name == name {
			return i
		}
	}
	return -1
}

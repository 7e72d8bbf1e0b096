package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/PadsterH2012/archon-plus-sub002/internal/expressions"
	"github.com/PadsterH2012/archon-plus-sub002/internal/store"
	"github.com/PadsterH2012/archon-plus-sub002/internal/streaming"
	"github.com/PadsterH2012/archon-plus-sub002/internal/tools"
	"github.com/PadsterH2012/archon-plus-sub002/internal/validation"
	"github.com/PadsterH2012/archon-plus-sub002/pkg/schema"
)

const (
	// DefaultPoolSize bounds concurrent parallel-step children.
	DefaultPoolSize = 10
	// DefaultMaxConcurrent bounds simultaneously running executions.
	DefaultMaxConcurrent = 50
)

// ServiceConfig holds tunables for the ExecutionService.
type ServiceConfig struct {
	PoolSize      int
	MaxConcurrent int
}

// ExecutionStatusView is the GetStatus response: the execution record plus
// every step attempt recorded for it.
type ExecutionStatusView struct {
	Execution      *store.WorkflowExecution `json:"execution"`
	StepExecutions []*store.StepExecution   `json:"step_executions"`
}

// ExecutionService coordinates concurrent executors: start, cancel, pause,
// resume, status, and listing. It owns the registry of live executors and
// guarantees at most one per execution id.
type ExecutionService struct {
	store     store.Store
	tools     tools.ToolRegistry
	validator *validation.WorkflowValidator
	sink      streaming.ProgressSink
	logger    *slog.Logger
	pool      *WorkerPool
	resolver  *expressions.Resolver
	expr      *expressions.ExprEngine
	cel       *expressions.CELEngine

	mu     sync.Mutex
	live   map[string]*Executor
	slots  chan struct{}
	closed bool
}

// toolLookup adapts the tool registry to the validator's lookup contract.
type toolLookup struct{ reg tools.ToolRegistry }

func (t toolLookup) Has(name string) bool { return t.reg.Has(name) }

// definitionLookup adapts the definition repository to the validator.
type definitionLookup struct{ repo store.DefinitionRepository }

func (d definitionLookup) HasDefinition(name string) bool {
	_, err := d.repo.GetDefinition(context.Background(), name)
	return err == nil
}

// NewExecutionService wires the service with its collaborators.
func NewExecutionService(st store.Store, reg tools.ToolRegistry, sink streaming.ProgressSink, logger *slog.Logger, cfg ServiceConfig) (*ExecutionService, error) {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = streaming.NopSink{}
	}

	validator, err := validation.NewWorkflowValidator(toolLookup{reg}, definitionLookup{st})
	if err != nil {
		return nil, err
	}
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}

	return &ExecutionService{
		store:     st,
		tools:     reg,
		validator: validator,
		sink:      sink,
		logger:    logger,
		pool:      NewWorkerPool(cfg.PoolSize),
		resolver:  expressions.NewResolver(),
		expr:      expressions.NewExprEngine(),
		cel:       cel,
		live:      make(map[string]*Executor),
		slots:     make(chan struct{}, cfg.MaxConcurrent),
	}, nil
}

// Start validates the named definition and its input, creates the execution
// record, and launches an Executor for it. Returns the new execution id;
// every start is a new execution, never a resume of an old one.
func (s *ExecutionService) Start(ctx context.Context, workflowName string, params map[string]any, triggeredBy string) (string, error) {
	return s.start(ctx, workflowName, params, triggeredBy, true)
}

func (s *ExecutionService) start(ctx context.Context, workflowName string, params map[string]any, triggeredBy string, acquireSlot bool) (string, error) {
	def, err := s.store.GetDefinition(ctx, workflowName)
	if err != nil {
		return "", err
	}
	if err := s.validator.ValidateDefinition(def); err != nil {
		return "", err
	}

	input := applyParameterDefaults(params, def)
	if err := s.validator.ValidateInput(input, def); err != nil {
		return "", err
	}

	if acquireSlot {
		select {
		case s.slots <- struct{}{}:
		default:
			return "", schema.NewErrorf(schema.ErrCodeConflict,
				"maximum of %d concurrent executions reached", cap(s.slots))
		}
	}
	release := func() {
		if acquireSlot {
			<-s.slots
		}
	}

	templateID := def.ID
	if templateID == "" {
		templateID = def.Name
	}
	now := time.Now().UTC()
	exec := &store.WorkflowExecution{
		ID:                 uuid.NewString(),
		WorkflowTemplateID: templateID,
		Status:             schema.ExecutionStatusPending,
		TriggeredBy:        triggeredBy,
		InputParameters:    input,
		TotalSteps:         len(def.Steps),
		CreatedAt:          now,
	}
	if err := s.store.CreateExecution(ctx, exec); err != nil {
		release()
		return "", schema.NewErrorf(schema.ErrCodeRepository,
			"create execution: %s", err.Error()).WithCause(err)
	}

	ex := NewExecutor(ExecutorDeps{
		Repo:      s.store,
		Tools:     s.tools,
		Resolver:  s.resolver,
		Expr:      s.expr,
		CEL:       s.cel,
		Sink:      s.sink,
		Logger:    s.logger,
		Pool:      s.pool,
		SubRunner: s,
	}, def, exec)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		release()
		return "", schema.NewError(schema.ErrCodeConflict, "execution service is shut down")
	}
	s.live[exec.ID] = ex
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.live, exec.ID)
			s.mu.Unlock()
			release()
		}()
		// The run outlives the Start call; it is bounded by its own
		// timeout watchdog, not the caller's context.
		if err := ex.Run(context.Background()); err != nil {
			s.logger.Error("execution finished with error",
				"execution_id", exec.ID, "workflow", def.Name, "error", err)
		}
	}()

	return exec.ID, nil
}

// RunSubWorkflow starts a nested execution for a workflow_link step and
// blocks until it is terminal. Nested executions bypass the concurrency
// slot: they run within their parent's budget, which prevents a parent from
// deadlocking while holding the last slot its child needs.
func (s *ExecutionService) RunSubWorkflow(ctx context.Context, workflowName string, params map[string]any, triggeredBy string) (*store.WorkflowExecution, error) {
	id, err := s.start(ctx, workflowName, params, triggeredBy, false)
	if err != nil {
		return nil, err
	}
	if err := s.Wait(ctx, id); err != nil {
		return nil, err
	}
	return s.store.GetExecution(ctx, id)
}

// Wait blocks until the given execution's executor finishes, or the context
// is done. Returns nil immediately when no executor is live for the id.
func (s *ExecutionService) Wait(ctx context.Context, executionID string) error {
	s.mu.Lock()
	ex, ok := s.live[executionID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-ex.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel requests cooperative cancellation of a live execution. For an
// execution with no live executor, a terminal record reports "already
// finished"; a stale non-terminal record is finalized as cancelled directly.
func (s *ExecutionService) Cancel(ctx context.Context, executionID string) error {
	s.mu.Lock()
	ex, ok := s.live[executionID]
	s.mu.Unlock()
	if ok {
		ex.Cancel()
		return nil
	}

	exec, err := s.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"execution %s already finished with status %s", executionID, exec.Status)
	}

	now := time.Now().UTC()
	cancelled := schema.ExecutionStatusCancelled
	return s.store.UpdateExecution(ctx, executionID, store.ExecutionUpdate{
		Status:      &cancelled,
		CompletedAt: &now,
	})
}

// Pause requests a pause at the execution's next step boundary.
func (s *ExecutionService) Pause(ctx context.Context, executionID string) error {
	s.mu.Lock()
	ex, ok := s.live[executionID]
	s.mu.Unlock()
	if ok {
		return ex.Pause()
	}
	return s.notLiveError(ctx, executionID, "pause")
}

// Resume releases a paused execution back into its run loop.
func (s *ExecutionService) Resume(ctx context.Context, executionID string) error {
	s.mu.Lock()
	ex, ok := s.live[executionID]
	s.mu.Unlock()
	if ok {
		return ex.Resume()
	}
	return s.notLiveError(ctx, executionID, "resume")
}

func (s *ExecutionService) notLiveError(ctx context.Context, executionID, op string) error {
	exec, err := s.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"cannot %s execution %s: already finished with status %s", op, executionID, exec.Status)
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"cannot %s execution %s in status %s", op, executionID, exec.Status)
}

// GetStatus returns the execution record with its step attempts.
func (s *ExecutionService) GetStatus(ctx context.Context, executionID string) (*ExecutionStatusView, error) {
	exec, err := s.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	steps, err := s.store.ListStepExecutions(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return &ExecutionStatusView{Execution: exec, StepExecutions: steps}, nil
}

// GetLog returns the execution's append-only log in emission order.
func (s *ExecutionService) GetLog(ctx context.Context, executionID string) ([]*store.LogEntry, error) {
	return s.store.GetLog(ctx, executionID)
}

// List returns executions matching the filter.
func (s *ExecutionService) List(ctx context.Context, filter store.ExecutionFilter) ([]*store.WorkflowExecution, error) {
	return s.store.ListExecutions(ctx, filter)
}

// Define validates and saves a workflow definition (create or replace).
func (s *ExecutionService) Define(ctx context.Context, def *schema.WorkflowDefinition) error {
	if err := s.validator.ValidateDefinition(def); err != nil {
		return err
	}
	return s.store.SaveDefinition(ctx, def)
}

// ValidateDefinition runs the full validation pipeline and returns the
// aggregated findings without persisting anything.
func (s *ExecutionService) ValidateDefinition(def *schema.WorkflowDefinition) *schema.ValidationResult {
	return s.validator.Validate(def)
}

// GetDefinition returns a stored definition by name.
func (s *ExecutionService) GetDefinition(ctx context.Context, name string) (*schema.WorkflowDefinition, error) {
	return s.store.GetDefinition(ctx, name)
}

// ListDefinitions returns stored definitions matching the filter.
func (s *ExecutionService) ListDefinitions(ctx context.Context, filter store.DefinitionFilter) ([]*schema.WorkflowDefinition, error) {
	return s.store.ListDefinitions(ctx, filter)
}

// PoolMetrics exposes worker pool counters for diagnostics.
func (s *ExecutionService) PoolMetrics() PoolMetrics {
	return s.pool.Metrics()
}

// Close cancels all live executions, waits for them to finish (bounded by
// the context), and shuts the worker pool down.
func (s *ExecutionService) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	executors := make([]*Executor, 0, len(s.live))
	for _, ex := range s.live {
		executors = append(executors, ex)
	}
	s.mu.Unlock()

	for _, ex := range executors {
		ex.Cancel()
	}
	for _, ex := range executors {
		select {
		case <-ex.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.pool.Shutdown()
	return nil
}

// applyParameterDefaults copies the input and fills declared defaults for
// absent parameters.
func applyParameterDefaults(params map[string]any, def *schema.WorkflowDefinition) map[string]any {
	out := make(map[string]any, len(params)+len(def.Parameters))
	for k, v := range params {
		out[k] = v
	}
	for name, spec := range def.Parameters {
		if _, ok := out[name]; !ok && spec.Default != nil {
			out[name] = spec.Default
		}
	}
	return out
}

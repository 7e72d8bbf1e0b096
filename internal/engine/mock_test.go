package engine

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/PadsterH2012/archon-plus-sub002/internal/store"
	"github.com/PadsterH2012/archon-plus-sub002/internal/tools"
	"github.com/PadsterH2012/archon-plus-sub002/pkg/schema"
)

// memStore is an in-memory store.Store for engine tests. It preserves append
// order for step executions and log entries, which the ordering assertions
// rely on.
type memStore struct {
	mu    sync.Mutex
	defs  map[string]*schema.WorkflowDefinition
	execs map[string]*store.WorkflowExecution
	steps []*store.StepExecution
	logs  []*store.LogEntry
	seq   map[string]int64

	// Failure injection hooks.
	appendStepErr func(rec *store.StepExecution) error
	updateExecErr func(id string) error
}

func newMemStore() *memStore {
	return &memStore{
		defs:  make(map[string]*schema.WorkflowDefinition),
		execs: make(map[string]*store.WorkflowExecution),
		seq:   make(map[string]int64),
	}
}

func (m *memStore) SaveDefinition(ctx context.Context, def *schema.WorkflowDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *def
	m.defs[def.Name] = &cp
	return nil
}

func (m *memStore) GetDefinition(ctx context.Context, name string) (*schema.WorkflowDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	def, ok := m.defs[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow definition %q not found", name)
	}
	cp := *def
	return &cp, nil
}

func (m *memStore) ListDefinitions(ctx context.Context, filter store.DefinitionFilter) ([]*schema.WorkflowDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*schema.WorkflowDefinition, 0, len(m.defs))
	for _, def := range m.defs {
		if filter.Status != "" && def.Status != filter.Status {
			continue
		}
		cp := *def
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memStore) CreateExecution(ctx context.Context, exec *store.WorkflowExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *exec
	m.execs[exec.ID] = &cp
	return nil
}

func (m *memStore) GetExecution(ctx context.Context, id string) (*store.WorkflowExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.execs[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution %q not found", id)
	}
	cp := *exec
	return &cp, nil
}

func (m *memStore) UpdateExecution(ctx context.Context, id string, update store.ExecutionUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateExecErr != nil {
		if err := m.updateExecErr(id); err != nil {
			return err
		}
	}
	exec, ok := m.execs[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "execution %q not found", id)
	}
	if update.Status != nil {
		exec.Status = *update.Status
	}
	if update.OutputData != nil {
		exec.OutputData = update.OutputData
	}
	if update.CurrentStepIndex != nil {
		exec.CurrentStepIndex = *update.CurrentStepIndex
	}
	if update.ProgressPercentage != nil {
		exec.ProgressPercentage = *update.ProgressPercentage
	}
	if update.ErrorMessage != nil {
		exec.ErrorMessage = *update.ErrorMessage
	}
	if update.StartedAt != nil {
		exec.StartedAt = update.StartedAt
	}
	if update.CompletedAt != nil {
		exec.CompletedAt = update.CompletedAt
	}
	exec.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *memStore) ListExecutions(ctx context.Context, filter store.ExecutionFilter) ([]*store.WorkflowExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*store.WorkflowExecution, 0, len(m.execs))
	for _, exec := range m.execs {
		if filter.Status != nil && exec.Status != *filter.Status {
			continue
		}
		if filter.WorkflowTemplateID != "" && exec.WorkflowTemplateID != filter.WorkflowTemplateID {
			continue
		}
		if filter.TriggeredBy != "" && exec.TriggeredBy != filter.TriggeredBy {
			continue
		}
		cp := *exec
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memStore) AppendStepExecution(ctx context.Context, rec *store.StepExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendStepErr != nil {
		if err := m.appendStepErr(rec); err != nil {
			return err
		}
	}
	cp := *rec
	m.steps = append(m.steps, &cp)
	return nil
}

func (m *memStore) UpdateStepExecution(ctx context.Context, id string, update store.StepExecutionUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.steps {
		if rec.ID != id {
			continue
		}
		if update.Status != nil {
			rec.Status = *update.Status
		}
		if update.Output != nil {
			rec.Output = update.Output
		}
		if update.ErrorMessage != nil {
			rec.ErrorMessage = *update.ErrorMessage
		}
		if update.CompletedAt != nil {
			rec.CompletedAt = update.CompletedAt
		}
		if update.DurationMs != nil {
			rec.DurationMs = *update.DurationMs
		}
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeNotFound, "step execution %q not found", id)
}

func (m *memStore) ListStepExecutions(ctx context.Context, executionID string) ([]*store.StepExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*store.StepExecution, 0)
	for _, rec := range m.steps {
		if rec.ExecutionID != executionID {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memStore) AppendLog(ctx context.Context, entry *store.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq[entry.ExecutionID]++
	cp := *entry
	cp.ID = int64(len(m.logs) + 1)
	cp.Sequence = m.seq[entry.ExecutionID]
	cp.Timestamp = time.Now().UTC()
	m.logs = append(m.logs, &cp)
	return nil
}

func (m *memStore) GetLog(ctx context.Context, executionID string) ([]*store.LogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*store.LogEntry, 0)
	for _, entry := range m.logs {
		if entry.ExecutionID != executionID {
			continue
		}
		cp := *entry
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memStore) Migrate(ctx context.Context) error { return nil }
func (m *memStore) Close() error                      { return nil }

var _ store.Store = (*memStore)(nil)

// stubTool invokes a fixed function; most tests just return canned JSON.
type stubTool struct {
	name string
	fn   func(ctx context.Context, input tools.ToolInput) (*tools.ToolOutput, error)
}

func (t *stubTool) Name() string             { return t.name }
func (t *stubTool) Schema() tools.ToolSchema { return tools.ToolSchema{Description: "test stub"} }
func (t *stubTool) Validate(map[string]any) error {
	return nil
}
func (t *stubTool) Invoke(ctx context.Context, input tools.ToolInput) (*tools.ToolOutput, error) {
	return t.fn(ctx, input)
}

// jsonTool returns a stubTool answering with a fixed JSON document.
func jsonTool(name, doc string) *stubTool {
	return &stubTool{name: name, fn: func(context.Context, tools.ToolInput) (*tools.ToolOutput, error) {
		return &tools.ToolOutput{Data: json.RawMessage(doc)}, nil
	}}
}

// failingTool always returns the given error.
func failingTool(name string, err error) *stubTool {
	return &stubTool{name: name, fn: func(context.Context, tools.ToolInput) (*tools.ToolOutput, error) {
		return nil, err
	}}
}

// echoTool returns its resolved params as the output document.
func echoTool(name string) *stubTool {
	return &stubTool{name: name, fn: func(_ context.Context, input tools.ToolInput) (*tools.ToolOutput, error) {
		data, err := json.Marshal(input.Params)
		if err != nil {
			return nil, err
		}
		return &tools.ToolOutput{Data: data}, nil
	}}
}

// gateTool signals when an invocation begins and blocks until released, so
// tests can interleave control operations with an in-flight step.
type gateTool struct {
	name    string
	started chan struct{}
	release chan struct{}
}

func newGateTool(name string) *gateTool {
	return &gateTool{
		name:    name,
		started: make(chan struct{}, 16),
		release: make(chan struct{}),
	}
}

func (t *gateTool) Name() string                  { return t.name }
func (t *gateTool) Schema() tools.ToolSchema      { return tools.ToolSchema{Description: "test gate"} }
func (t *gateTool) Validate(map[string]any) error { return nil }
func (t *gateTool) Invoke(ctx context.Context, input tools.ToolInput) (*tools.ToolOutput, error) {
	t.started <- struct{}{}
	select {
	case <-t.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &tools.ToolOutput{Data: json.RawMessage(`{"gated":true}`)}, nil
}

func rawConfig(v map[string]any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

func actionStep(name, tool string, params map[string]any) schema.Step {
	cfg := map[string]any{"tool": tool}
	if params != nil {
		cfg["parameters"] = params
	}
	return schema.Step{Name: name, Type: schema.StepTypeAction, Config: rawConfig(cfg)}
}

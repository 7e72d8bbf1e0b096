package store

import (
	"context"

	"github.com/PadsterH2012/archon-plus-sub002/pkg/schema"
)

// DefinitionRepository is the persistence contract for workflow templates.
// All implementations must be safe for concurrent use.
type DefinitionRepository interface {
	SaveDefinition(ctx context.Context, def *schema.WorkflowDefinition) error
	GetDefinition(ctx context.Context, name string) (*schema.WorkflowDefinition, error)
	ListDefinitions(ctx context.Context, filter DefinitionFilter) ([]*schema.WorkflowDefinition, error)
}

// ExecutionRepository is the persistence contract for executions, step
// attempts, and the append-only execution log.
type ExecutionRepository interface {
	CreateExecution(ctx context.Context, exec *WorkflowExecution) error
	GetExecution(ctx context.Context, id string) (*WorkflowExecution, error)
	UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*WorkflowExecution, error)

	AppendStepExecution(ctx context.Context, step *StepExecution) error
	UpdateStepExecution(ctx context.Context, id string, update StepExecutionUpdate) error
	ListStepExecutions(ctx context.Context, executionID string) ([]*StepExecution, error)

	AppendLog(ctx context.Context, entry *LogEntry) error
	GetLog(ctx context.Context, executionID string) ([]*LogEntry, error)
}

// Store combines both repositories with lifecycle management.
type Store interface {
	DefinitionRepository
	ExecutionRepository

	Migrate(ctx context.Context) error
	Close() error
}

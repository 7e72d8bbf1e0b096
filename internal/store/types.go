package store

import (
	"encoding/json"
	"time"

	"github.com/PadsterH2012/archon-plus-sub002/pkg/schema"
)

// WorkflowExecution is the persisted representation of one workflow run.
// The executor owns the in-memory copy for the run's lifetime; this durable
// copy is mutated only through status transitions.
type WorkflowExecution struct {
	ID                 string                 `json:"id"`
	WorkflowTemplateID string                 `json:"workflow_template_id"`
	Status             schema.ExecutionStatus `json:"status"`
	TriggeredBy        string                 `json:"triggered_by,omitempty"`
	InputParameters    map[string]any         `json:"input_parameters,omitempty"`
	OutputData         json.RawMessage        `json:"output_data,omitempty"`
	CurrentStepIndex   int                    `json:"current_step_index"`
	TotalSteps         int                    `json:"total_steps"`
	ProgressPercentage float64                `json:"progress_percentage"`
	ErrorMessage       string                 `json:"error_message,omitempty"`
	CreatedAt          time.Time              `json:"created_at"`
	StartedAt          *time.Time             `json:"started_at,omitempty"`
	CompletedAt        *time.Time             `json:"completed_at,omitempty"`
	UpdatedAt          time.Time              `json:"updated_at"`
}

// Progress computes the clamped progress percentage from cursor and total.
func Progress(currentStepIndex, totalSteps int) float64 {
	if totalSteps <= 0 {
		return 0
	}
	p := float64(currentStepIndex) / float64(totalSteps) * 100
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// StepExecution records one attempt of one step instance. A new record is
// appended per retry attempt; records are never rewritten once terminal.
// ParentStepIndex back-references the enclosing parallel/loop step for nested
// instances.
type StepExecution struct {
	ID              string            `json:"id"`
	ExecutionID     string            `json:"execution_id"`
	StepIndex       int               `json:"step_index"`
	StepName        string            `json:"step_name"`
	ParentStepIndex *int              `json:"parent_step_index,omitempty"`
	Status          schema.StepStatus `json:"status"`
	AttemptNumber   int               `json:"attempt_number"`
	MaxAttempts     int               `json:"max_attempts"`
	Input           json.RawMessage   `json:"input,omitempty"`
	Output          json.RawMessage   `json:"output,omitempty"`
	ErrorMessage    string            `json:"error_message,omitempty"`
	StartedAt       *time.Time        `json:"started_at,omitempty"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
	DurationMs      int64             `json:"duration_ms,omitempty"`
}

// LogEntry is one append-only line of an execution's log. Sequence is
// monotonically increasing per execution; emission order is total order.
type LogEntry struct {
	ID          int64           `json:"id"`
	ExecutionID string          `json:"execution_id"`
	Level       schema.LogLevel `json:"level"`
	Message     string          `json:"message"`
	StepIndex   *int            `json:"step_index,omitempty"`
	StepName    string          `json:"step_name,omitempty"`
	Details     json.RawMessage `json:"details,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Sequence    int64           `json:"sequence"`
}

// --- Filter and update types ---

// ExecutionFilter specifies criteria for listing executions.
type ExecutionFilter struct {
	Status             *schema.ExecutionStatus `json:"status,omitempty"`
	WorkflowTemplateID string                  `json:"workflow_template_id,omitempty"`
	TriggeredBy        string                  `json:"triggered_by,omitempty"`
	Since              *time.Time              `json:"since,omitempty"`
	Limit              int                     `json:"limit,omitempty"`
	Offset             int                     `json:"offset,omitempty"`
}

// ExecutionUpdate specifies mutable fields of an execution.
type ExecutionUpdate struct {
	Status             *schema.ExecutionStatus `json:"status,omitempty"`
	OutputData         json.RawMessage         `json:"output_data,omitempty"`
	CurrentStepIndex   *int                    `json:"current_step_index,omitempty"`
	ProgressPercentage *float64                `json:"progress_percentage,omitempty"`
	ErrorMessage       *string                 `json:"error_message,omitempty"`
	StartedAt          *time.Time              `json:"started_at,omitempty"`
	CompletedAt        *time.Time              `json:"completed_at,omitempty"`
}

// StepExecutionUpdate specifies the terminal fields of a step attempt.
type StepExecutionUpdate struct {
	Status       *schema.StepStatus `json:"status,omitempty"`
	Output       json.RawMessage    `json:"output,omitempty"`
	ErrorMessage *string            `json:"error_message,omitempty"`
	CompletedAt  *time.Time         `json:"completed_at,omitempty"`
	DurationMs   *int64             `json:"duration_ms,omitempty"`
}

// DefinitionFilter specifies criteria for listing workflow definitions.
type DefinitionFilter struct {
	Status schema.DefinitionStatus `json:"status,omitempty"`
	Limit  int                     `json:"limit,omitempty"`
}

package tools

import (
	"context"
	"encoding/json"
)

// Tool is an invocable capability named by action steps.
type Tool interface {
	Name() string
	Schema() ToolSchema
	Invoke(ctx context.Context, input ToolInput) (*ToolOutput, error)
	Validate(params map[string]any) error
}

// ToolRegistry manages the lifecycle and lookup of available tools.
type ToolRegistry interface {
	Register(tool Tool) error
	Get(name string) (Tool, error)
	List() []ToolInfo
	Has(name string) bool
}

// ToolSchema describes the input/output contract of a tool.
type ToolSchema struct {
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
	Description  string          `json:"description,omitempty"`
}

// ToolInput is the data provided to a tool at invocation time. Params are the
// step's parameters with every template reference already resolved.
type ToolInput struct {
	Params    map[string]any `json:"params"`
	Execution map[string]any `json:"execution,omitempty"`
}

// ToolOutput is the result of a tool invocation.
type ToolOutput struct {
	Data json.RawMessage `json:"data,omitempty"`
}

// ToolInfo is a summary of a registered tool for listing.
type ToolInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

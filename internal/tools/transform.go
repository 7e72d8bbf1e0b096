package tools

import (
	"context"
	"encoding/json"

	"github.com/PadsterH2012/archon-plus-sub002/internal/expressions"
	"github.com/PadsterH2012/archon-plus-sub002/pkg/schema"
)

const transformInputSchema = `{
  "type": "object",
  "properties": {
    "expression": {"type": "string"},
    "input": {"type": "object"}
  },
  "required": ["expression"]
}`

// inputObject extracts the transform input, defaulting to an empty object.
func inputObject(params map[string]any) (map[string]any, error) {
	v, ok := params["input"]
	if !ok || v == nil {
		return map[string]any{}, nil
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, schema.NewError(schema.ErrCodeValidation, "transform input must be a JSON object")
	}
	return obj, nil
}

func marshalResult(result any) (*ToolOutput, error) {
	data, err := json.Marshal(map[string]any{"result": result})
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "failed to marshal transform result").WithCause(err)
	}
	return &ToolOutput{Data: data}, nil
}

// JQTransformTool implements "transform.jq": reshape an input object with a
// jq expression. The result lands under the "result" output key.
type JQTransformTool struct {
	engine *expressions.GoJQEngine
}

// NewJQTransformTool creates the transform.jq tool.
func NewJQTransformTool(engine *expressions.GoJQEngine) *JQTransformTool {
	return &JQTransformTool{engine: engine}
}

func (t *JQTransformTool) Name() string { return "transform.jq" }

func (t *JQTransformTool) Schema() ToolSchema {
	return ToolSchema{
		Description: "Transform a JSON object with a jq expression.",
		InputSchema: json.RawMessage(transformInputSchema),
	}
}

func (t *JQTransformTool) Validate(params map[string]any) error {
	if stringParam(params, "expression", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "transform.jq: missing required param 'expression'")
	}
	return nil
}

func (t *JQTransformTool) Invoke(ctx context.Context, input ToolInput) (*ToolOutput, error) {
	if err := t.Validate(input.Params); err != nil {
		return nil, err
	}
	data, err := inputObject(input.Params)
	if err != nil {
		return nil, err
	}

	result, err := t.engine.Evaluate(ctx, stringParam(input.Params, "expression", ""), data)
	if err != nil {
		return nil, err
	}
	return marshalResult(result)
}

// ExprTransformTool implements "transform.expr": evaluate an expr-lang
// expression over an input object.
type ExprTransformTool struct {
	engine *expressions.ExprEngine
}

// NewExprTransformTool creates the transform.expr tool.
func NewExprTransformTool(engine *expressions.ExprEngine) *ExprTransformTool {
	return &ExprTransformTool{engine: engine}
}

func (t *ExprTransformTool) Name() string { return "transform.expr" }

func (t *ExprTransformTool) Schema() ToolSchema {
	return ToolSchema{
		Description: "Evaluate an expr expression over a JSON object.",
		InputSchema: json.RawMessage(transformInputSchema),
	}
}

func (t *ExprTransformTool) Validate(params map[string]any) error {
	if stringParam(params, "expression", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "transform.expr: missing required param 'expression'")
	}
	return nil
}

func (t *ExprTransformTool) Invoke(ctx context.Context, input ToolInput) (*ToolOutput, error) {
	if err := t.Validate(input.Params); err != nil {
		return nil, err
	}
	data, err := inputObject(input.Params)
	if err != nil {
		return nil, err
	}

	result, err := t.engine.Evaluate(ctx, stringParam(input.Params, "expression", ""), data)
	if err != nil {
		return nil, err
	}
	return marshalResult(result)
}

var (
	_ Tool = (*JQTransformTool)(nil)
	_ Tool = (*ExprTransformTool)(nil)
)

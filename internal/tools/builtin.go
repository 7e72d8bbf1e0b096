package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/PadsterH2012/archon-plus-sub002/internal/expressions"
	"github.com/PadsterH2012/archon-plus-sub002/pkg/schema"
)

// RegisterBuiltins registers the default tool set on a registry.
func RegisterBuiltins(r *Registry, httpCfg HTTPConfig) error {
	jq := expressions.NewGoJQEngine()
	ex := expressions.NewExprEngine()

	for _, t := range []Tool{
		NewHTTPRequestTool(httpCfg),
		NewJQTransformTool(jq),
		NewExprTransformTool(ex),
		&EchoTool{},
		&FailTool{},
		&SleepTool{},
	} {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// EchoTool implements "util.echo": returns its params as output.
type EchoTool struct{}

func (t *EchoTool) Name() string { return "util.echo" }

func (t *EchoTool) Schema() ToolSchema {
	return ToolSchema{Description: "Return the given parameters unchanged."}
}

func (t *EchoTool) Validate(params map[string]any) error { return nil }

func (t *EchoTool) Invoke(ctx context.Context, input ToolInput) (*ToolOutput, error) {
	params := input.Params
	if params == nil {
		params = map[string]any{}
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "util.echo: failed to marshal params").WithCause(err)
	}
	return &ToolOutput{Data: data}, nil
}

// FailTool implements "util.fail": always fails with the given message.
// Used to exercise retry and failure paths.
type FailTool struct{}

func (t *FailTool) Name() string { return "util.fail" }

func (t *FailTool) Schema() ToolSchema {
	return ToolSchema{Description: "Fail with a configurable message."}
}

func (t *FailTool) Validate(params map[string]any) error { return nil }

func (t *FailTool) Invoke(ctx context.Context, input ToolInput) (*ToolOutput, error) {
	msg := stringParam(input.Params, "message", "util.fail invoked")
	return nil, schema.NewError(schema.ErrCodeExecution, msg)
}

// SleepTool implements "util.sleep": waits for the given duration, honoring
// context cancellation.
type SleepTool struct{}

func (t *SleepTool) Name() string { return "util.sleep" }

func (t *SleepTool) Schema() ToolSchema {
	return ToolSchema{Description: "Sleep for a duration (e.g. \"500ms\")."}
}

func (t *SleepTool) Validate(params map[string]any) error {
	d := stringParam(params, "duration", "")
	if d == "" {
		return schema.NewError(schema.ErrCodeValidation, "util.sleep: missing required param 'duration'")
	}
	if _, err := time.ParseDuration(d); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "util.sleep: invalid duration %q", d)
	}
	return nil
}

func (t *SleepTool) Invoke(ctx context.Context, input ToolInput) (*ToolOutput, error) {
	if err := t.Validate(input.Params); err != nil {
		return nil, err
	}
	d, _ := time.ParseDuration(stringParam(input.Params, "duration", ""))

	select {
	case <-time.After(d):
	case <-ctx.Done():
		return nil, schema.NewError(schema.ErrCodeTimeout, "util.sleep: interrupted").WithCause(ctx.Err())
	}

	data, _ := json.Marshal(map[string]any{"slept": d.String()})
	return &ToolOutput{Data: data}, nil
}

var (
	_ Tool = (*EchoTool)(nil)
	_ Tool = (*FailTool)(nil)
	_ Tool = (*SleepTool)(nil)
)

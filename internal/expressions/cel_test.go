package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PadsterH2012/archon-plus-sub002/pkg/schema"
)

func TestCELEngine_NamespacedCondition(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	data := map[string]any{
		"steps": map[string]any{
			"fetch": map[string]any{"status": 200},
		},
	}

	out, err := e.Evaluate(context.Background(), `steps.fetch.status == 200`, data)
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestCELEngine_ParamsAccess(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	data := map[string]any{
		"params": map[string]any{"env": "prod"},
	}

	out, err := e.Evaluate(context.Background(), `params.env == "prod"`, data)
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestCELEngine_MissingNamespaceDefaultsToEmptyMap(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	out, err := e.Evaluate(context.Background(), `"x" in vars`, nil)
	require.NoError(t, err)
	assert.Equal(t, false, out)
}

func TestCELEngine_CompileError(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.Evaluate(context.Background(), `steps.fetch ==`, nil)
	require.Error(t, err)

	engErr, ok := err.(*schema.EngineError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, engErr.Code)
}

func TestCELEngine_EmptyExpression(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.Evaluate(context.Background(), "", nil)
	require.Error(t, err)
}

package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PadsterH2012/archon-plus-sub002/internal/streaming"
	"github.com/PadsterH2012/archon-plus-sub002/pkg/schema"
)

func TestNewEngineServerRegistersTools(t *testing.T) {
	s := newServer(&mockService{})
	require.NotNil(t, s.MCPServer())
	require.NotNil(t, s.notifier)

	tools := s.tools()
	assert.Len(t, tools, 8)

	seen := make(map[string]bool)
	for _, st := range tools {
		assert.NotNil(t, st.Handler)
		assert.False(t, seen[st.Tool.Name], "duplicate tool name %s", st.Tool.Name)
		seen[st.Tool.Name] = true
	}
	for _, name := range []string{
		"workflow.start", "workflow.status", "workflow.cancel", "workflow.pause",
		"workflow.resume", "workflow.define", "workflow.validate", "workflow.query",
	} {
		assert.True(t, seen[name], "missing tool %s", name)
	}
}

func TestNotifierDropsWatchOnTerminalEvent(t *testing.T) {
	n := NewProgressNotifier(nil, NewSessionRegistry(), nil)
	n.Watch("exec-1", "client-1")
	n.Watch("exec-2", "client-1")

	// Unwatched executions and disconnected clients are skipped silently.
	n.forward(streaming.ProgressEvent{ExecutionID: "exec-9", EventType: schema.EventExecutionCompleted})
	n.forward(streaming.ProgressEvent{ExecutionID: "exec-1", EventType: schema.EventStepCompleted, Progress: 50})

	assert.Len(t, n.owners, 2)

	n.forward(streaming.ProgressEvent{ExecutionID: "exec-1", EventType: schema.EventExecutionCompleted, Progress: 100})
	assert.Len(t, n.owners, 1)
	_, watched := n.owners["exec-1"]
	assert.False(t, watched)
}

func TestTerminalEvent(t *testing.T) {
	assert.True(t, terminalEvent(schema.EventExecutionCompleted))
	assert.True(t, terminalEvent(schema.EventExecutionFailed))
	assert.True(t, terminalEvent(schema.EventExecutionCancelled))
	assert.False(t, terminalEvent(schema.EventExecutionStarted))
	assert.False(t, terminalEvent(schema.EventStepCompleted))
}

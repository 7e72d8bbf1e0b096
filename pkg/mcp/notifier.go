package mcp

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/mark3labs/mcp-go/server"

	"github.com/PadsterH2012/archon-plus-sub002/internal/streaming"
	"github.com/PadsterH2012/archon-plus-sub002/pkg/schema"
)

// ProgressNotifier forwards progress events from the hub to the MCP session
// of the client that started the execution. Best-effort throughout: a
// disconnected client loses events, it never blocks the engine.
type ProgressNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
	logger    *slog.Logger

	mu     sync.Mutex
	owners map[string]string // executionID -> clientID
}

// NewProgressNotifier creates a notifier bound to the given server and
// session registry.
func NewProgressNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry, logger *slog.Logger) *ProgressNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProgressNotifier{
		mcpServer: mcpServer,
		sessions:  sessions,
		logger:    logger,
		owners:    make(map[string]string),
	}
}

// Watch records which client owns an execution's progress stream.
func (n *ProgressNotifier) Watch(executionID, clientID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.owners[executionID] = clientID
}

// Run subscribes to the hub and pumps events until the context is done. The
// watch entry is dropped once the execution reaches a terminal event.
func (n *ProgressNotifier) Run(ctx context.Context, hub streaming.ProgressHub) {
	events, cancel, err := hub.Subscribe(ctx, streaming.EventFilter{})
	if err != nil {
		n.logger.Error("progress notifier could not subscribe", "error", err)
		return
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			n.forward(ev)
		}
	}
}

func (n *ProgressNotifier) forward(ev streaming.ProgressEvent) {
	n.mu.Lock()
	clientID, watched := n.owners[ev.ExecutionID]
	if watched && terminalEvent(ev.EventType) {
		delete(n.owners, ev.ExecutionID)
	}
	n.mu.Unlock()
	if !watched {
		return
	}

	sessionID, connected := n.sessions.SessionFor(clientID)
	if !connected {
		return
	}

	payload := map[string]any{
		"execution_id": ev.ExecutionID,
		"event_type":   ev.EventType,
		"status":       ev.Status,
		"progress":     ev.Progress,
	}
	if ev.StepName != "" {
		payload["step_name"] = ev.StepName
	}
	if ev.StepIndex != nil {
		payload["step_index"] = *ev.StepIndex
	}

	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session expired between lookup and send.
		n.sessions.Remove(sessionID)
		return
	}
	if err != nil {
		n.logger.Warn("progress notification dropped",
			"execution_id", ev.ExecutionID, "client_id", clientID, "error", err)
	}
}

func terminalEvent(eventType string) bool {
	switch eventType {
	case schema.EventExecutionCompleted, schema.EventExecutionFailed, schema.EventExecutionCancelled:
		return true
	default:
		return false
	}
}

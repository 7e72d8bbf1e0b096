package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/PadsterH2012/archon-plus-sub002/internal/engine"
	"github.com/PadsterH2012/archon-plus-sub002/internal/store"
	"github.com/PadsterH2012/archon-plus-sub002/internal/streaming"
	"github.com/PadsterH2012/archon-plus-sub002/pkg/schema"
)

// WorkflowService is the engine surface the MCP tools drive. Satisfied by
// engine.ExecutionService.
type WorkflowService interface {
	Start(ctx context.Context, workflowName string, params map[string]any, triggeredBy string) (string, error)
	Cancel(ctx context.Context, executionID string) error
	Pause(ctx context.Context, executionID string) error
	Resume(ctx context.Context, executionID string) error
	GetStatus(ctx context.Context, executionID string) (*engine.ExecutionStatusView, error)
	GetLog(ctx context.Context, executionID string) ([]*store.LogEntry, error)
	List(ctx context.Context, filter store.ExecutionFilter) ([]*store.WorkflowExecution, error)
	Define(ctx context.Context, def *schema.WorkflowDefinition) error
	ValidateDefinition(def *schema.WorkflowDefinition) *schema.ValidationResult
	ListDefinitions(ctx context.Context, filter store.DefinitionFilter) ([]*schema.WorkflowDefinition, error)
	GetDefinition(ctx context.Context, name string) (*schema.WorkflowDefinition, error)
}

// EngineServerDeps holds the dependencies for creating an EngineServer.
type EngineServerDeps struct {
	Service  WorkflowService
	Hub      streaming.ProgressHub
	Logger   *slog.Logger
	Sessions *SessionRegistry
}

// EngineServer exposes the workflow engine as a set of MCP tools over stdio.
type EngineServer struct {
	service   WorkflowService
	hub       streaming.ProgressHub
	logger    *slog.Logger
	sessions  *SessionRegistry
	notifier  *ProgressNotifier
	mcpServer *server.MCPServer
}

// NewEngineServer creates an EngineServer with all workflow tools registered.
func NewEngineServer(deps EngineServerDeps) *EngineServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	sessions := deps.Sessions
	if sessions == nil {
		sessions = NewSessionRegistry()
	}

	s := &EngineServer{
		service:  deps.Service,
		hub:      deps.Hub,
		logger:   logger,
		sessions: sessions,
	}

	mcpSrv := server.NewMCPServer(
		"archon-engine",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Archon is a workflow execution engine. Use workflow.define to register definitions, workflow.start to run them, workflow.status to inspect progress, workflow.pause/resume/cancel to control a run, and workflow.query to list executions, definitions, or an execution's log."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewProgressNotifier(mcpSrv, sessions, logger)
	return s
}

// Serve starts the progress pump and the stdio transport, blocking until ctx
// is cancelled or stdin closes.
func (s *EngineServer) Serve(ctx context.Context) error {
	if s.hub != nil {
		go s.notifier.Run(ctx, s.hub)
	}
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *EngineServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *EngineServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: startTool(), Handler: s.handleStart},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: pauseTool(), Handler: s.handlePause},
		{Tool: resumeTool(), Handler: s.handleResume},
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: validateTool(), Handler: s.handleValidate},
		{Tool: queryTool(), Handler: s.handleQuery},
	}
}

// --- Tool definitions ---

func startTool() mcp.Tool {
	return mcp.NewTool("workflow.start",
		mcp.WithDescription("Start a new execution of a registered workflow definition"),
		mcp.WithString("workflow_name", mcp.Required(), mcp.Description("Name of the workflow definition to execute")),
		mcp.WithObject("params", mcp.Description("Input parameters for the workflow")),
		mcp.WithString("client_id", mcp.Required(), mcp.Description("ID of the client starting the execution; progress notifications are pushed to its session")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("workflow.status",
		mcp.WithDescription("Get an execution's status, progress, and step attempts"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to inspect")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("workflow.cancel",
		mcp.WithDescription("Request cancellation of a running or paused execution; takes effect at the next step boundary"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to cancel")),
	)
}

func pauseTool() mcp.Tool {
	return mcp.NewTool("workflow.pause",
		mcp.WithDescription("Pause a running execution at its next step boundary"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to pause")),
	)
}

func resumeTool() mcp.Tool {
	return mcp.NewTool("workflow.resume",
		mcp.WithDescription("Resume a paused execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to resume")),
	)
}

func defineTool() mcp.Tool {
	return mcp.NewTool("workflow.define",
		mcp.WithDescription("Validate and register a workflow definition (create or replace)"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition object with name, title, and steps")),
	)
}

func validateTool() mcp.Tool {
	return mcp.NewTool("workflow.validate",
		mcp.WithDescription("Run the full validation pipeline over a definition without persisting it; returns every finding, not just the first"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition object to validate")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("workflow.query",
		mcp.WithDescription("List executions, registered definitions, or an execution's log"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("executions", "definitions", "log"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (status, workflow_name, triggered_by, since, limit; execution_id for log)")),
	)
}

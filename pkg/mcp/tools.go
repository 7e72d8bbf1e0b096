package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/PadsterH2012/archon-plus-sub002/internal/store"
	"github.com/PadsterH2012/archon-plus-sub002/pkg/schema"
)

// handleStart starts a new execution and returns its id immediately; the run
// proceeds in the background and reports through workflow.status and the
// progress notifications.
func (s *EngineServer) handleStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowName, err := req.RequireString("workflow_name")
	if err != nil {
		return mcp.NewToolResultError("workflow_name is required"), nil
	}
	clientID, err := req.RequireString("client_id")
	if err != nil {
		return mcp.NewToolResultError("client_id is required"), nil
	}
	params := mcp.ParseStringMap(req, "params", nil)

	s.captureSession(ctx, clientID)

	executionID, startErr := s.service.Start(ctx, workflowName, params, clientID)
	if startErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("start failed: %v", startErr)), nil
	}

	s.notifier.Watch(executionID, clientID)
	s.logger.Info("execution started via mcp",
		"execution_id", executionID, "workflow", workflowName, "client_id", clientID)

	return marshalResult(map[string]any{
		"execution_id": executionID,
		"status":       string(schema.ExecutionStatusPending),
	})
}

// handleStatus returns the execution record with its step attempts.
func (s *EngineServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	view, statusErr := s.service.GetStatus(ctx, executionID)
	if statusErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", statusErr)), nil
	}
	return marshalResult(view)
}

func (s *EngineServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.controlOp(ctx, req, "cancel", s.service.Cancel)
}

func (s *EngineServer) handlePause(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.controlOp(ctx, req, "pause", s.service.Pause)
}

func (s *EngineServer) handleResume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.controlOp(ctx, req, "resume", s.service.Resume)
}

// controlOp is the shared shape of cancel/pause/resume: one required
// execution_id, an engine call, an ok envelope.
func (s *EngineServer) controlOp(ctx context.Context, req mcp.CallToolRequest, op string, fn func(context.Context, string) error) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	if opErr := fn(ctx, executionID); opErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("%s failed: %v", op, opErr)), nil
	}
	return marshalResult(map[string]any{
		"ok":           true,
		"execution_id": executionID,
		"operation":    op,
	})
}

// handleDefine validates and registers a workflow definition.
func (s *EngineServer) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	def, result := parseDefinition(req)
	if result != nil {
		return result, nil
	}

	if defineErr := s.service.Define(ctx, def); defineErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("define failed: %v", defineErr)), nil
	}

	s.logger.Info("workflow definition registered", "workflow", def.Name)
	return marshalResult(map[string]any{
		"name":  def.Name,
		"steps": len(def.Steps),
	})
}

// handleValidate runs the validation pipeline and returns every finding.
func (s *EngineServer) handleValidate(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	def, result := parseDefinition(req)
	if result != nil {
		return result, nil
	}

	findings := s.service.ValidateDefinition(def)
	return marshalResult(map[string]any{
		"valid":    findings.Valid(),
		"errors":   findings.Errors,
		"warnings": findings.Warnings,
		"info":     findings.Info,
	})
}

// handleQuery lists executions, definitions, or an execution's log.
func (s *EngineServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "executions":
		return s.queryExecutions(ctx, filter)
	case "definitions":
		return s.queryDefinitions(ctx, filter)
	case "log":
		return s.queryLog(ctx, filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// --- Query helpers ---

func (s *EngineServer) queryExecutions(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	ef := store.ExecutionFilter{
		Limit: extractInt(filter, "limit", 50),
	}
	if status, ok := filter["status"].(string); ok && status != "" {
		es := schema.ExecutionStatus(status)
		ef.Status = &es
	}
	if name, ok := filter["workflow_name"].(string); ok {
		ef.WorkflowTemplateID = name
	}
	if triggeredBy, ok := filter["triggered_by"].(string); ok {
		ef.TriggeredBy = triggeredBy
	}
	if since, ok := filter["since"].(string); ok && since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			ef.Since = &t
		}
	}

	execs, err := s.service.List(ctx, ef)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"executions": execs})
}

func (s *EngineServer) queryDefinitions(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	df := store.DefinitionFilter{
		Limit: extractInt(filter, "limit", 50),
	}
	if status, ok := filter["status"].(string); ok {
		df.Status = schema.DefinitionStatus(status)
	}

	defs, err := s.service.ListDefinitions(ctx, df)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"definitions": defs})
}

func (s *EngineServer) queryLog(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	executionID, ok := filter["execution_id"].(string)
	if !ok || executionID == "" {
		return mcp.NewToolResultError("log query requires 'execution_id' in filter"), nil
	}

	entries, err := s.service.GetLog(ctx, executionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"log": entries})
}

// --- Internal helpers ---

// parseDefinition decodes the request's definition argument. The second
// return value is the error result to hand back when decoding fails.
func parseDefinition(req mcp.CallToolRequest) (*schema.WorkflowDefinition, *mcp.CallToolResult) {
	raw := mcp.ParseStringMap(req, "definition", nil)
	if raw == nil {
		return nil, mcp.NewToolResultError("definition is required")
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return nil, mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err))
	}
	var def schema.WorkflowDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err))
	}
	return &def, nil
}

// captureSession maps the client ID to its current MCP session so progress
// notifications can be pushed back to it.
func (s *EngineServer) captureSession(ctx context.Context, clientID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(clientID, session.SessionID())
	}
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}

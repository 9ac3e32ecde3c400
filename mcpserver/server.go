// Package mcpserver provides the Model Context Protocol (MCP) server implementation.
//
// The mcpserver package exposes the fleet's upward surface as MCP tools:
// code/command execution against pooled sandbox sessions, session listing
// and teardown, resource statistics and on-demand orphan cleanup. It uses
// the mark3labs/mcp-go library to handle the protocol details.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/sandfleet/sandfleet/config"
	"github.com/sandfleet/sandfleet/fleet"
)

// Executor runs code and commands against pooled sessions.
type Executor interface {
	ExecuteCode(ctx context.Context, req fleet.CodeRequest) (fleet.ExecutionResult, error)
	ExecuteCommand(ctx context.Context, req fleet.CommandRequest) (fleet.ExecutionResult, error)
}

// SessionDirectory lists and stops sessions.
type SessionDirectory interface {
	ListSessions() []fleet.SessionSummary
	Release(ctx context.Context, sessionID string) error
}

// StatsProvider reports resource pool usage.
type StatsProvider interface {
	Stats() fleet.Stats
}

// OrphanCleaner runs one reconciliation sweep on demand.
type OrphanCleaner interface {
	SweepOnce(ctx context.Context) (int, error)
}

// MCPServer represents the MCP server
type MCPServer struct {
	config    *config.Config
	logger    *zap.Logger
	executor  Executor
	sessions  SessionDirectory
	stats     StatsProvider
	cleaner   OrphanCleaner
	mcpServer *server.MCPServer
}

// New creates a new MCPServer
func New(cfg *config.Config, logger *zap.Logger, executor Executor, sessions SessionDirectory, stats StatsProvider, cleaner OrphanCleaner) (*MCPServer, error) {
	s := &MCPServer{
		config:   cfg,
		logger:   logger,
		executor: executor,
		sessions: sessions,
		stats:    stats,
		cleaner:  cleaner,
	}

	// Log configuration parameters on startup
	logger.Info("configuration loaded",
		zap.String("server.transport", cfg.Server.Transport),
		zap.Int("server.http_port", cfg.Server.HTTPPort),
		zap.String("orchestrator.base_url", cfg.Orchestrator.BaseURL),
		zap.Int("fleet.max_concurrent_sessions", cfg.Fleet.MaxConcurrentSessions),
		zap.Any("fleet.max_per_flavor", cfg.Fleet.MaxPerFlavor),
		zap.Int("fleet.session_idle_timeout_sec", cfg.Fleet.SessionIdleTimeoutSec),
		zap.Int("fleet.cleanup_sweep_interval_sec", cfg.Fleet.CleanupSweepIntervalSec),
		zap.String("fleet.default_template", cfg.Fleet.DefaultTemplate),
		zap.String("fleet.default_flavor", cfg.Fleet.DefaultFlavor),
	)

	s.mcpServer = server.NewMCPServer("sandfleet", "Pooled sandbox session execution server")

	s.registerExecuteCodeTool()
	s.registerExecuteCommandTool()
	s.registerGetSessionsTool()
	s.registerStopSessionTool()
	s.registerGetResourceStatsTool()
	s.registerCleanupOrphansTool()

	return s, nil
}

func sessionProperties() map[string]any {
	return map[string]any{
		"template": map[string]any{
			"type":        "string",
			"description": "Execution environment kind",
			"enum":        []string{"python", "nodejs", "go", "cpp"},
		},
		"flavor": map[string]any{
			"type":        "string",
			"description": "Resource class for the sandbox",
			"enum":        []string{"small", "medium", "large"},
		},
		"session_id": map[string]any{
			"type":        "string",
			"description": "Existing session to reuse; omit to get a fresh session",
		},
		"timeout_sec": map[string]any{
			"type":        "integer",
			"description": "Per-call execution timeout in seconds",
		},
	}
}

func (s *MCPServer) registerExecuteCodeTool() {
	props := sessionProperties()
	props["code"] = map[string]any{
		"type":        "string",
		"description": "Source code to execute",
	}
	tool := mcp.Tool{
		Name:        "execute_code",
		Description: "Execute code in a pooled sandbox session, preserving interpreter state across calls with the same session_id",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: props,
			Required:   []string{"code"},
		},
	}
	s.mcpServer.AddTool(tool, s.handleExecuteCode)
}

func (s *MCPServer) registerExecuteCommandTool() {
	props := sessionProperties()
	props["command"] = map[string]any{
		"type":        "string",
		"description": "Command to execute",
	}
	props["args"] = map[string]any{
		"type":        "array",
		"description": "Command arguments",
		"items":       map[string]any{"type": "string"},
	}
	tool := mcp.Tool{
		Name:        "execute_command",
		Description: "Execute a command in a pooled sandbox session",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: props,
			Required:   []string{"command"},
		},
	}
	s.mcpServer.AddTool(tool, s.handleExecuteCommand)
}

func (s *MCPServer) registerGetSessionsTool() {
	tool := mcp.Tool{
		Name:        "get_sessions",
		Description: "List the currently managed sandbox sessions",
		InputSchema: mcp.ToolInputSchema{Type: "object", Properties: map[string]any{}},
	}
	s.mcpServer.AddTool(tool, s.handleGetSessions)
}

func (s *MCPServer) registerStopSessionTool() {
	tool := mcp.Tool{
		Name:        "stop_session",
		Description: "Stop a sandbox session and release its resources",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"session_id": map[string]any{
					"type":        "string",
					"description": "Session to stop",
				},
			},
			Required: []string{"session_id"},
		},
	}
	s.mcpServer.AddTool(tool, s.handleStopSession)
}

func (s *MCPServer) registerGetResourceStatsTool() {
	tool := mcp.Tool{
		Name:        "get_resource_stats",
		Description: "Report session pool usage and per-flavor utilization",
		InputSchema: mcp.ToolInputSchema{Type: "object", Properties: map[string]any{}},
	}
	s.mcpServer.AddTool(tool, s.handleGetResourceStats)
}

func (s *MCPServer) registerCleanupOrphansTool() {
	tool := mcp.Tool{
		Name:        "cleanup_orphan_sandboxes",
		Description: "Run one reconciliation sweep against the orchestrator and destroy orphaned sandboxes",
		InputSchema: mcp.ToolInputSchema{Type: "object", Properties: map[string]any{}},
	}
	s.mcpServer.AddTool(tool, s.handleCleanupOrphans)
}

// sessionParams extracts the optional session parameters shared by both
// execution tools.
func (s *MCPServer) sessionParams(request mcp.CallToolRequest) (template string, flavor fleet.Flavor, sessionID string, timeout time.Duration) {
	template = request.GetString("template", "")
	flavor = fleet.Flavor(request.GetString("flavor", ""))
	sessionID = request.GetString("session_id", "")
	if sec := request.GetInt("timeout_sec", 0); sec > 0 {
		timeout = time.Duration(sec) * time.Second
	}
	return template, flavor, sessionID, timeout
}

func (s *MCPServer) handleExecuteCode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := request.RequireString("code")
	if err != nil {
		return nil, fmt.Errorf("code parameter is required: %w", err)
	}
	template, flavor, sessionID, timeout := s.sessionParams(request)

	s.logger.Info("code execution requested",
		zap.String("template", template),
		zap.String("session_id", sessionID))

	result, err := s.executor.ExecuteCode(ctx, fleet.CodeRequest{
		Code:      code,
		Template:  template,
		Flavor:    flavor,
		SessionID: sessionID,
		Timeout:   timeout,
	})
	if err != nil {
		return s.errorResult(err), nil
	}
	return s.jsonResult(result)
}

func (s *MCPServer) handleExecuteCommand(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	command, err := request.RequireString("command")
	if err != nil {
		return nil, fmt.Errorf("command parameter is required: %w", err)
	}
	args := request.GetStringSlice("args", nil)
	template, flavor, sessionID, timeout := s.sessionParams(request)

	s.logger.Info("command execution requested",
		zap.String("command", command),
		zap.String("session_id", sessionID))

	result, err := s.executor.ExecuteCommand(ctx, fleet.CommandRequest{
		Command:   command,
		Args:      args,
		Template:  template,
		Flavor:    flavor,
		SessionID: sessionID,
		Timeout:   timeout,
	})
	if err != nil {
		return s.errorResult(err), nil
	}
	return s.jsonResult(result)
}

func (s *MCPServer) handleGetSessions(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.jsonResult(map[string]any{"sessions": s.sessions.ListSessions()})
}

func (s *MCPServer) handleStopSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return nil, fmt.Errorf("session_id parameter is required: %w", err)
	}
	if err := s.sessions.Release(ctx, sessionID); err != nil {
		return s.errorResult(err), nil
	}
	s.logger.Info("session stopped by caller", zap.String("session_id", sessionID))
	return s.jsonResult(map[string]any{"session_id": sessionID, "status": "stopped"})
}

func (s *MCPServer) handleGetResourceStats(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.jsonResult(s.stats.Stats())
}

func (s *MCPServer) handleCleanupOrphans(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	cleaned, err := s.cleaner.SweepOnce(ctx)
	if err != nil {
		return s.errorResult(err), nil
	}
	return s.jsonResult(map[string]any{"orphans_cleaned": cleaned})
}

// jsonResult wraps a value as a JSON text content block.
func (s *MCPServer) jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal tool result: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}

// errorResult maps fleet errors onto caller-visible tool failures with a
// stable kind prefix.
func (s *MCPServer) errorResult(err error) *mcp.CallToolResult {
	kind := "internal"
	switch {
	case errors.Is(err, fleet.ErrResourceExhausted):
		kind = "resource_exhausted"
	case errors.Is(err, fleet.ErrSessionNotFound):
		kind = "session_not_found"
	case errors.Is(err, fleet.ErrSessionBusy):
		kind = "session_busy"
	case errors.Is(err, context.DeadlineExceeded):
		kind = "timeout"
	}
	s.logger.Warn("tool call failed", zap.String("kind", kind), zap.Error(err))
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: fmt.Sprintf("%s: %v", kind, err)},
		},
		IsError: true,
	}
}

// ServeStdio starts the server on stdio
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server on stdio")
	return server.ServeStdio(s.mcpServer)
}

// ServeHTTP starts the server on HTTP
func (s *MCPServer) ServeHTTP() error {
	port := s.config.Server.HTTPPort
	s.logger.Info("starting MCP server on HTTP", zap.Int("port", port))

	httpServer := server.NewStreamableHTTPServer(s.mcpServer)
	return httpServer.Start(fmt.Sprintf(":%d", port))
}

// GetMCPServer returns the underlying MCP server for fx
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

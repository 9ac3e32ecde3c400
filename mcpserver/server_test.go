package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sandfleet/sandfleet/config"
	"github.com/sandfleet/sandfleet/fleet"
)

// MockExecutor implements Executor for testing
type MockExecutor struct {
	codeResult    fleet.ExecutionResult
	codeErr       error
	commandResult fleet.ExecutionResult
	commandErr    error

	lastCodeReq    fleet.CodeRequest
	lastCommandReq fleet.CommandRequest
}

func (m *MockExecutor) ExecuteCode(_ context.Context, req fleet.CodeRequest) (fleet.ExecutionResult, error) {
	m.lastCodeReq = req
	return m.codeResult, m.codeErr
}

func (m *MockExecutor) ExecuteCommand(_ context.Context, req fleet.CommandRequest) (fleet.ExecutionResult, error) {
	m.lastCommandReq = req
	return m.commandResult, m.commandErr
}

// MockSessionDirectory implements SessionDirectory for testing
type MockSessionDirectory struct {
	sessions []fleet.SessionSummary
	released []string
}

func (m *MockSessionDirectory) ListSessions() []fleet.SessionSummary {
	return m.sessions
}

func (m *MockSessionDirectory) Release(_ context.Context, sessionID string) error {
	m.released = append(m.released, sessionID)
	return nil
}

// MockStatsProvider implements StatsProvider for testing
type MockStatsProvider struct {
	stats fleet.Stats
}

func (m *MockStatsProvider) Stats() fleet.Stats {
	return m.stats
}

// MockOrphanCleaner implements OrphanCleaner for testing
type MockOrphanCleaner struct {
	cleaned int
	err     error
}

func (m *MockOrphanCleaner) SweepOnce(_ context.Context) (int, error) {
	return m.cleaned, m.err
}

type serverMocks struct {
	executor *MockExecutor
	sessions *MockSessionDirectory
	stats    *MockStatsProvider
	cleaner  *MockOrphanCleaner
}

func newTestServer(t *testing.T) (*MCPServer, *serverMocks) {
	t.Helper()
	mocks := &serverMocks{
		executor: &MockExecutor{},
		sessions: &MockSessionDirectory{},
		stats:    &MockStatsProvider{},
		cleaner:  &MockOrphanCleaner{},
	}
	cfg := &config.Config{
		Server:  config.ServerConfig{Transport: "stdio", HTTPPort: 8080},
		Logging: config.LoggingConfig{Mode: "production", Level: "info"},
		Fleet: config.FleetConfig{
			MaxConcurrentSessions: 10,
			MaxPerFlavor:          map[string]int{"small": 8},
			DefaultTemplate:       "python",
			DefaultFlavor:         "small",
		},
	}
	srv, err := New(cfg, zaptest.NewLogger(t), mocks.executor, mocks.sessions, mocks.stats, mocks.cleaner)
	require.NoError(t, err)
	require.NotNil(t, srv.GetMCPServer())
	return srv, mocks
}

func toolRequest(name string, args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func textContent(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.Len(t, result.Content, 1)
	text, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return text.Text
}

func TestHandleExecuteCode(t *testing.T) {
	t.Run("ReturnsResultJSON", func(t *testing.T) {
		srv, mocks := newTestServer(t)
		mocks.executor.codeResult = fleet.ExecutionResult{
			Success:   true,
			Stdout:    "4\n",
			SessionID: "sess-1",
		}

		result, err := srv.handleExecuteCode(context.Background(), toolRequest("execute_code", map[string]any{
			"code":        "print(2 + 2)",
			"template":    "python",
			"flavor":      "medium",
			"timeout_sec": 10,
		}))
		require.NoError(t, err)
		require.False(t, result.IsError)

		var decoded fleet.ExecutionResult
		require.NoError(t, json.Unmarshal([]byte(textContent(t, result)), &decoded))
		assert.True(t, decoded.Success)
		assert.Equal(t, "4\n", decoded.Stdout)
		assert.Equal(t, "sess-1", decoded.SessionID)

		assert.Equal(t, fleet.FlavorMedium, mocks.executor.lastCodeReq.Flavor)
		assert.Equal(t, 10*time.Second, mocks.executor.lastCodeReq.Timeout)
	})

	t.Run("RequiresCode", func(t *testing.T) {
		srv, _ := newTestServer(t)

		_, err := srv.handleExecuteCode(context.Background(), toolRequest("execute_code", map[string]any{}))
		assert.Error(t, err)
	})

	t.Run("MapsResourceExhaustion", func(t *testing.T) {
		srv, mocks := newTestServer(t)
		mocks.executor.codeErr = fleet.ErrResourceExhausted

		result, err := srv.handleExecuteCode(context.Background(), toolRequest("execute_code", map[string]any{
			"code": "1",
		}))
		require.NoError(t, err)
		assert.True(t, result.IsError)
		assert.Contains(t, textContent(t, result), "resource_exhausted")
	})

	t.Run("MapsSessionNotFound", func(t *testing.T) {
		srv, mocks := newTestServer(t)
		mocks.executor.codeErr = fleet.ErrSessionNotFound

		result, err := srv.handleExecuteCode(context.Background(), toolRequest("execute_code", map[string]any{
			"code":       "1",
			"session_id": "sess-stale",
		}))
		require.NoError(t, err)
		assert.True(t, result.IsError)
		assert.Contains(t, textContent(t, result), "session_not_found")
	})
}

func TestHandleExecuteCommand(t *testing.T) {
	srv, mocks := newTestServer(t)
	mocks.executor.commandResult = fleet.ExecutionResult{
		Success:   true,
		ExitCode:  0,
		Stdout:    "hello\n",
		SessionID: "sess-2",
	}

	result, err := srv.handleExecuteCommand(context.Background(), toolRequest("execute_command", map[string]any{
		"command": "echo",
		"args":    []any{"hello"},
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	assert.Equal(t, "echo", mocks.executor.lastCommandReq.Command)
	assert.Equal(t, []string{"hello"}, mocks.executor.lastCommandReq.Args)

	var decoded fleet.ExecutionResult
	require.NoError(t, json.Unmarshal([]byte(textContent(t, result)), &decoded))
	assert.Equal(t, "hello\n", decoded.Stdout)
}

func TestHandleGetSessions(t *testing.T) {
	srv, mocks := newTestServer(t)
	mocks.sessions.sessions = []fleet.SessionSummary{
		{ID: "sess-1", Template: "python", Flavor: fleet.FlavorSmall, State: fleet.StateReady},
	}

	result, err := srv.handleGetSessions(context.Background(), toolRequest("get_sessions", nil))
	require.NoError(t, err)

	var decoded struct {
		Sessions []fleet.SessionSummary `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal([]byte(textContent(t, result)), &decoded))
	require.Len(t, decoded.Sessions, 1)
	assert.Equal(t, "sess-1", decoded.Sessions[0].ID)
}

func TestHandleStopSession(t *testing.T) {
	t.Run("Stops", func(t *testing.T) {
		srv, mocks := newTestServer(t)

		result, err := srv.handleStopSession(context.Background(), toolRequest("stop_session", map[string]any{
			"session_id": "sess-1",
		}))
		require.NoError(t, err)
		assert.False(t, result.IsError)
		assert.Equal(t, []string{"sess-1"}, mocks.sessions.released)
	})

	t.Run("RequiresSessionID", func(t *testing.T) {
		srv, _ := newTestServer(t)

		_, err := srv.handleStopSession(context.Background(), toolRequest("stop_session", map[string]any{}))
		assert.Error(t, err)
	})
}

func TestHandleGetResourceStats(t *testing.T) {
	srv, mocks := newTestServer(t)
	mocks.stats.stats = fleet.Stats{
		ActiveSessions:        2,
		MaxConcurrentSessions: 10,
		Utilization:           20,
	}

	result, err := srv.handleGetResourceStats(context.Background(), toolRequest("get_resource_stats", nil))
	require.NoError(t, err)

	var decoded fleet.Stats
	require.NoError(t, json.Unmarshal([]byte(textContent(t, result)), &decoded))
	assert.Equal(t, 2, decoded.ActiveSessions)
	assert.InDelta(t, 20.0, decoded.Utilization, 0.01)
}

func TestHandleCleanupOrphans(t *testing.T) {
	t.Run("ReportsCount", func(t *testing.T) {
		srv, mocks := newTestServer(t)
		mocks.cleaner.cleaned = 4

		result, err := srv.handleCleanupOrphans(context.Background(), toolRequest("cleanup_orphan_sandboxes", nil))
		require.NoError(t, err)
		assert.False(t, result.IsError)
		assert.Contains(t, textContent(t, result), `"orphans_cleaned":4`)
	})

	t.Run("SurfacesSweepFailure", func(t *testing.T) {
		srv, mocks := newTestServer(t)
		mocks.cleaner.err = errors.New("orchestrator unreachable")

		result, err := srv.handleCleanupOrphans(context.Background(), toolRequest("cleanup_orphan_sandboxes", nil))
		require.NoError(t, err)
		assert.True(t, result.IsError)
	})
}

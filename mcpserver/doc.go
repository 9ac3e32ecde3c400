// Package mcpserver provides the Model Context Protocol (MCP) server implementation.
//
// The mcpserver package implements an MCP-compliant server exposing the
// sandbox fleet to callers. Tools:
//
//   - execute_code: run code in a pooled session (stateful across calls
//     sharing a session_id)
//   - execute_command: run a command in a pooled session
//   - get_sessions: list managed sessions
//   - stop_session: stop a session and release its resources
//   - get_resource_stats: pool counters and utilization
//   - cleanup_orphan_sandboxes: run one reconciliation sweep on demand
//
// The server supports stdio and streamable-HTTP transports.
package mcpserver

// Package main is the entry point for the sandfleet MCP server.
//
// The server exposes pooled sandbox sessions over MCP (stdio or HTTP
// transport). Session creation is admission-controlled against global and
// per-flavor limits; idle sessions are evicted on a periodic sweep; a
// background reaper reconciles the local registry against the remote
// orchestrator and destroys orphaned sandboxes.
package main

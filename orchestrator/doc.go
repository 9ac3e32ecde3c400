// Package orchestrator provides the client adapter for the remote
// sandbox-orchestration server.
//
// The orchestrator package defines the Client interface consumed by the
// fleet layer and an HTTP implementation talking JSON to the orchestrator's
// REST API. The client is stateless: all bookkeeping about which sandboxes
// exist and who may use them lives in the fleet package.
//
// Usage:
//
//	client := orchestrator.NewHTTPClient("http://localhost:7070", logger)
//	handle, err := client.CreateSandbox(ctx, "python", "small")
//	out, err := client.ExecCode(ctx, handle, "print('hi')", 30*time.Second)
package orchestrator

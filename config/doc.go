// Package config provides application configuration management.
//
// The config package handles loading and validation of the application's
// configuration from YAML files. It covers the MCP server transport, the
// remote orchestrator endpoint, the session fleet limits (global and
// per-flavor concurrency, idle timeout, cleanup sweep interval) and logging.
//
// Validation is fail-fast: an invalid limit or URL prevents the process
// from starting at all.
//
// Usage:
//
//	cfg, err := config.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Server transport: %s\n", cfg.Server.Transport)
package config

// Package fleet provides session and resource management for remote sandboxes.
//
// The fleet package owns the bounded pool of long-lived sandbox sessions.
// It enforces global and per-flavor concurrency limits (Pool), keeps the
// authoritative registry of sessions with idle-timeout eviction (Manager),
// coordinates execution requests with per-call timeouts and per-session
// mutual exclusion (Coordinator), and reconciles local bookkeeping against
// the orchestrator's actual running sandboxes (Reaper).
//
// The registry and the resource counters are the only mutable shared state;
// the orchestrator client is stateless and execution results are immutable
// values. All registry and counter mutations happen under their owner's
// lock, so no caller can observe a stale admission decision.
package fleet

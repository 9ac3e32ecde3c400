package fleet

import "errors"

// Error taxonomy for caller-correctable failures. Transient remote failures
// during execution are not raised as errors; they come back as a failed
// ExecutionResult so a single bad call does not terminate the caller's
// session.
var (
	// ErrResourceExhausted means admission was denied. The caller should
	// retry later or request a smaller flavor.
	ErrResourceExhausted = errors.New("resource pool exhausted")

	// ErrSessionNotFound means an explicit session id is stale or does not
	// match the requested template/flavor. The caller should omit the id to
	// get a fresh session.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionBusy means a concurrent execution targets the same session.
	// The coordinator queues executions FIFO, so it does not surface this on
	// the execute path; it is kept for callers that probe session state.
	ErrSessionBusy = errors.New("session busy")
)

// Failure kinds recorded on a failed ExecutionResult.
const (
	// KindTimeout marks an execution that exceeded the caller's timeout.
	// The session remains usable.
	KindTimeout = "timeout"

	// KindRemoteUnavailable marks a transport-level failure talking to the
	// orchestrator. Retryable from the caller's point of view.
	KindRemoteUnavailable = "remote_unavailable"
)

package fleet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sandfleet/sandfleet/orchestrator"
)

// ExecutionResult is the immutable outcome of one execution call. ExitCode
// is meaningful for commands only; code executions report success via the
// Success flag alone. ErrorKind is empty on success and on ordinary
// data-dependent failures (bad code, nonzero exit).
type ExecutionResult struct {
	Success    bool   `json:"success"`
	ExitCode   int    `json:"exit_code,omitempty"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	SessionID  string `json:"session_id"`
	DurationMs int64  `json:"duration_ms"`
	ErrorKind  string `json:"error_kind,omitempty"`
}

// CodeRequest is one code-execution call.
type CodeRequest struct {
	Code      string
	Template  string
	Flavor    Flavor
	SessionID string
	Timeout   time.Duration
}

// CommandRequest is one command-execution call.
type CommandRequest struct {
	Command   string
	Args      []string
	Template  string
	Flavor    Flavor
	SessionID string
	Timeout   time.Duration
}

// CoordinatorConfig holds request defaulting and clamping.
type CoordinatorConfig struct {
	DefaultTemplate string
	DefaultFlavor   Flavor
	DefaultTimeout  time.Duration
	MaxTimeout      time.Duration
}

// Coordinator resolves sessions for execution requests and runs the remote
// calls with per-call timeouts. It holds no state of its own: the manager
// owns the registry, the pool owns the counters.
//
// Concurrent executions against one session queue FIFO behind the session's
// exec slot rather than failing with ErrSessionBusy; a caller chaining
// stateful calls on one session never has to retry. The wait respects the
// caller's context.
type Coordinator struct {
	manager *Manager
	client  orchestrator.Client
	logger  *zap.Logger
	metrics *Metrics
	cfg     CoordinatorConfig
}

// NewCoordinator creates an execution coordinator.
func NewCoordinator(manager *Manager, client orchestrator.Client, logger *zap.Logger, metrics *Metrics, cfg CoordinatorConfig) *Coordinator {
	return &Coordinator{
		manager: manager,
		client:  client,
		logger:  logger.With(zap.String("component", "coordinator")),
		metrics: metrics,
		cfg:     cfg,
	}
}

// ExecuteCode runs code in a session, creating one if needed. Timeouts and
// transport failures come back as a failed ExecutionResult with the
// corresponding kind; the session stays usable either way.
func (c *Coordinator) ExecuteCode(ctx context.Context, req CodeRequest) (ExecutionResult, error) {
	template, flavor, timeout, err := c.normalize(req.Template, req.Flavor, req.Timeout)
	if err != nil {
		return ExecutionResult{}, err
	}

	return c.execute(ctx, "code", req.SessionID, template, flavor, timeout,
		func(execCtx context.Context, handle string) (string, string, bool, int, error) {
			out, execErr := c.client.ExecCode(execCtx, handle, req.Code, timeout)
			return out.Stdout, out.Stderr, out.Success, 0, execErr
		})
}

// ExecuteCommand runs a command in a session, creating one if needed.
func (c *Coordinator) ExecuteCommand(ctx context.Context, req CommandRequest) (ExecutionResult, error) {
	template, flavor, timeout, err := c.normalize(req.Template, req.Flavor, req.Timeout)
	if err != nil {
		return ExecutionResult{}, err
	}

	return c.execute(ctx, "command", req.SessionID, template, flavor, timeout,
		func(execCtx context.Context, handle string) (string, string, bool, int, error) {
			out, execErr := c.client.ExecCommand(execCtx, handle, req.Command, req.Args, timeout)
			return out.Stdout, out.Stderr, out.ExitCode == 0, out.ExitCode, execErr
		})
}

func (c *Coordinator) normalize(template string, flavor Flavor, timeout time.Duration) (string, Flavor, time.Duration, error) {
	if template == "" {
		template = c.cfg.DefaultTemplate
	}
	if flavor == "" {
		flavor = c.cfg.DefaultFlavor
	}
	if _, err := ParseFlavor(string(flavor)); err != nil {
		return "", "", 0, err
	}
	if timeout <= 0 {
		timeout = c.cfg.DefaultTimeout
	}
	if timeout > c.cfg.MaxTimeout {
		timeout = c.cfg.MaxTimeout
	}
	return template, flavor, timeout, nil
}

func (c *Coordinator) execute(
	ctx context.Context,
	kind, sessionID, template string,
	flavor Flavor,
	timeout time.Duration,
	call func(ctx context.Context, handle string) (stdout, stderr string, success bool, exitCode int, err error),
) (ExecutionResult, error) {
	s, err := c.manager.Acquire(ctx, sessionID, template, flavor)
	if err != nil {
		return ExecutionResult{}, err
	}

	// Per-session FIFO queue: one in-flight remote call per session.
	select {
	case s.execSlot <- struct{}{}:
	case <-ctx.Done():
		return ExecutionResult{}, fmt.Errorf("waiting for session %s: %w", s.ID, ctx.Err())
	}
	defer func() { <-s.execSlot }()

	if err := c.manager.beginExecution(s); err != nil {
		// The session was released while we queued (idle sweep, explicit
		// stop, or a release-and-recreate under the same id). The caller
		// should retry without the session id.
		return ExecutionResult{}, err
	}
	defer c.manager.endExecution(s)

	// The timeout cancels only the remote call; bookkeeping above runs
	// regardless.
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	stdout, stderr, success, exitCode, execErr := call(execCtx, s.RemoteHandle)
	duration := time.Since(start)

	result := ExecutionResult{
		SessionID:  s.ID,
		DurationMs: duration.Milliseconds(),
	}

	switch {
	case execErr != nil && ctx.Err() != nil:
		// The caller went away. Report their context error the way the
		// slot wait does, not as an orchestrator outage.
		return ExecutionResult{}, fmt.Errorf("executing on session %s: %w", s.ID, ctx.Err())
	case execErr != nil && (errors.Is(execErr, context.DeadlineExceeded) || execCtx.Err() == context.DeadlineExceeded):
		result.ErrorKind = KindTimeout
		result.Stderr = fmt.Sprintf("execution timed out after %s", timeout)
		c.logger.Warn("execution timed out",
			zap.String("kind", kind),
			zap.String("session_id", s.ID),
			zap.Duration("timeout", timeout))
	case execErr != nil:
		result.ErrorKind = KindRemoteUnavailable
		result.Stderr = execErr.Error()
		c.logger.Error("execution failed at transport level",
			zap.String("kind", kind),
			zap.String("session_id", s.ID),
			zap.Error(execErr))
	default:
		result.Success = success
		result.Stdout = stdout
		result.Stderr = stderr
		if kind == "command" {
			result.ExitCode = exitCode
		}
	}

	c.metrics.ExecutionsTotal.WithLabelValues(kind, outcomeLabel(result)).Inc()
	c.logger.Debug("execution complete",
		zap.String("kind", kind),
		zap.String("session_id", s.ID),
		zap.Bool("success", result.Success),
		zap.Int64("duration_ms", result.DurationMs))
	return result, nil
}

func outcomeLabel(r ExecutionResult) string {
	switch {
	case r.ErrorKind != "":
		return r.ErrorKind
	case r.Success:
		return "ok"
	default:
		return "error"
	}
}

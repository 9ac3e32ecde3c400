package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

// CodeOutput is the outcome of a code execution inside a sandbox. Code
// reports success via the absence of a raised error in the runtime, so there
// is no exit code here.
type CodeOutput struct {
	Stdout  string `json:"stdout"`
	Stderr  string `json:"stderr"`
	Success bool   `json:"success"`
}

// CommandOutput is the outcome of a command execution inside a sandbox.
type CommandOutput struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// Metrics is the orchestrator's own point-in-time resource report.
type Metrics struct {
	RunningSandboxes int     `json:"running_sandboxes"`
	CPUPercent       float64 `json:"cpu_percent"`
	MemoryUsedMB     float64 `json:"memory_used_mb"`
}

// Client defines the operations the fleet layer needs from the remote
// orchestrator. Implementations must be safe for concurrent use.
type Client interface {
	CreateSandbox(ctx context.Context, template, flavor string) (string, error)
	DestroySandbox(ctx context.Context, handle string) error
	ExecCode(ctx context.Context, handle, code string, timeout time.Duration) (CodeOutput, error)
	ExecCommand(ctx context.Context, handle, command string, args []string, timeout time.Duration) (CommandOutput, error)
	ListRunningSandboxes(ctx context.Context) ([]string, error)
	GetMetrics(ctx context.Context) (Metrics, error)
}

// HTTPClient implements Client against the orchestrator's REST API.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// HTTPClientOption defines a functional option for HTTPClient
type HTTPClientOption func(*HTTPClient)

// WithHTTPDoer sets the underlying *http.Client (used in tests and for
// custom transports).
func WithHTTPDoer(c *http.Client) HTTPClientOption {
	return func(h *HTTPClient) {
		h.httpClient = c
	}
}

// NewHTTPClient creates a client for the orchestrator at baseURL.
func NewHTTPClient(baseURL string, logger *zap.Logger, opts ...HTTPClientOption) *HTTPClient {
	c := &HTTPClient{
		baseURL:    baseURL,
		httpClient: &http.Client{},
		logger:     logger.With(zap.String("component", "orchestrator_client")),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type createRequest struct {
	Template string `json:"template"`
	Flavor   string `json:"flavor"`
}

type createResponse struct {
	SandboxID string `json:"sandbox_id"`
}

type execCodeRequest struct {
	Code      string `json:"code"`
	TimeoutMs int64  `json:"timeout_ms"`
}

type execCommandRequest struct {
	Command   string   `json:"command"`
	Args      []string `json:"args,omitempty"`
	TimeoutMs int64    `json:"timeout_ms"`
}

type listResponse struct {
	Sandboxes []createResponse `json:"sandboxes"`
}

// CreateSandbox asks the orchestrator for a fresh sandbox and returns its
// opaque handle.
func (c *HTTPClient) CreateSandbox(ctx context.Context, template, flavor string) (string, error) {
	var resp createResponse
	err := c.doJSON(ctx, http.MethodPost, "/v1/sandboxes", createRequest{Template: template, Flavor: flavor}, &resp)
	if err != nil {
		return "", fmt.Errorf("create sandbox: %w", err)
	}
	if resp.SandboxID == "" {
		return "", fmt.Errorf("create sandbox: orchestrator returned empty sandbox_id")
	}
	return resp.SandboxID, nil
}

// DestroySandbox destroys the sandbox behind handle. Destroying an
// already-destroyed handle is not an error.
func (c *HTTPClient) DestroySandbox(ctx context.Context, handle string) error {
	path := "/v1/sandboxes/" + url.PathEscape(handle)
	err := c.doJSON(ctx, http.MethodDelete, path, nil, nil)
	if err != nil {
		var se *statusError
		if errors.As(err, &se) && se.code == http.StatusNotFound {
			c.logger.Debug("sandbox already gone", zap.String("handle", handle))
			return nil
		}
		return fmt.Errorf("destroy sandbox %s: %w", handle, err)
	}
	return nil
}

// ExecCode runs code inside the sandbox behind handle. The timeout is passed
// to the orchestrator so the in-sandbox runtime can enforce it too; the
// context carries the caller-side deadline.
func (c *HTTPClient) ExecCode(ctx context.Context, handle, code string, timeout time.Duration) (CodeOutput, error) {
	var out CodeOutput
	path := "/v1/sandboxes/" + url.PathEscape(handle) + "/exec/code"
	err := c.doJSON(ctx, http.MethodPost, path, execCodeRequest{Code: code, TimeoutMs: timeout.Milliseconds()}, &out)
	if err != nil {
		return CodeOutput{}, fmt.Errorf("exec code on %s: %w", handle, err)
	}
	return out, nil
}

// ExecCommand runs a command inside the sandbox behind handle.
func (c *HTTPClient) ExecCommand(ctx context.Context, handle, command string, args []string, timeout time.Duration) (CommandOutput, error) {
	var out CommandOutput
	path := "/v1/sandboxes/" + url.PathEscape(handle) + "/exec/command"
	req := execCommandRequest{Command: command, Args: args, TimeoutMs: timeout.Milliseconds()}
	err := c.doJSON(ctx, http.MethodPost, path, req, &out)
	if err != nil {
		return CommandOutput{}, fmt.Errorf("exec command on %s: %w", handle, err)
	}
	return out, nil
}

// ListRunningSandboxes returns the handles of every sandbox the orchestrator
// currently reports as running.
func (c *HTTPClient) ListRunningSandboxes(ctx context.Context) ([]string, error) {
	var resp listResponse
	if err := c.doJSON(ctx, http.MethodGet, "/v1/sandboxes", nil, &resp); err != nil {
		return nil, fmt.Errorf("list running sandboxes: %w", err)
	}
	handles := make([]string, 0, len(resp.Sandboxes))
	for _, sb := range resp.Sandboxes {
		handles = append(handles, sb.SandboxID)
	}
	return handles, nil
}

// GetMetrics returns the orchestrator's resource report.
func (c *HTTPClient) GetMetrics(ctx context.Context) (Metrics, error) {
	var m Metrics
	if err := c.doJSON(ctx, http.MethodGet, "/v1/metrics", nil, &m); err != nil {
		return Metrics{}, fmt.Errorf("get metrics: %w", err)
	}
	return m, nil
}

// statusError carries a non-2xx response so callers can branch on the code.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("orchestrator returned status %d: %s", e.code, e.body)
}

func (c *HTTPClient) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &statusError{code: resp.StatusCode, body: string(bytes.TrimSpace(data))}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

package fleet

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sandfleet/sandfleet/orchestrator"
)

// mockClient implements orchestrator.Client for testing. It tracks created
// and destroyed handles, per-handle in-flight execution counts (to assert
// that executions against one sandbox never overlap) and supports scripted
// behavior per test.
type mockClient struct {
	mu sync.Mutex

	nextID      int
	createCalls int
	createDelay time.Duration
	createErr   error

	running    map[string]bool
	destroyed  []string
	destroyErr map[string]error
	listErr    error

	execCodeFn    func(ctx context.Context, handle, code string) (orchestrator.CodeOutput, error)
	execCommandFn func(ctx context.Context, handle, command string, args []string) (orchestrator.CommandOutput, error)

	inFlight    map[string]int
	maxInFlight map[string]int
	codeCalls   map[string][]string
}

func newMockClient() *mockClient {
	return &mockClient{
		running:     make(map[string]bool),
		destroyErr:  make(map[string]error),
		inFlight:    make(map[string]int),
		maxInFlight: make(map[string]int),
		codeCalls:   make(map[string][]string),
	}
}

func (m *mockClient) CreateSandbox(ctx context.Context, _, _ string) (string, error) {
	m.mu.Lock()
	m.createCalls++
	delay := m.createDelay
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return "", m.createErr
	}
	m.nextID++
	handle := fmt.Sprintf("sbx-%d", m.nextID)
	m.running[handle] = true
	return handle, nil
}

func (m *mockClient) DestroySandbox(_ context.Context, handle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.destroyErr[handle]; ok {
		return err
	}
	delete(m.running, handle)
	m.destroyed = append(m.destroyed, handle)
	return nil
}

func (m *mockClient) ExecCode(ctx context.Context, handle, code string, _ time.Duration) (orchestrator.CodeOutput, error) {
	m.enter(handle)
	defer m.leave(handle)

	m.mu.Lock()
	m.codeCalls[handle] = append(m.codeCalls[handle], code)
	fn := m.execCodeFn
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, handle, code)
	}
	return orchestrator.CodeOutput{Stdout: "ok", Success: true}, nil
}

func (m *mockClient) ExecCommand(ctx context.Context, handle, command string, args []string, _ time.Duration) (orchestrator.CommandOutput, error) {
	m.enter(handle)
	defer m.leave(handle)

	m.mu.Lock()
	fn := m.execCommandFn
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, handle, command, args)
	}
	return orchestrator.CommandOutput{Stdout: "ok", ExitCode: 0}, nil
}

func (m *mockClient) ListRunningSandboxes(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	handles := make([]string, 0, len(m.running))
	for h := range m.running {
		handles = append(handles, h)
	}
	sort.Strings(handles)
	return handles, nil
}

func (m *mockClient) GetMetrics(_ context.Context) (orchestrator.Metrics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return orchestrator.Metrics{RunningSandboxes: len(m.running)}, nil
}

func (m *mockClient) enter(handle string) {
	m.mu.Lock()
	m.inFlight[handle]++
	if m.inFlight[handle] > m.maxInFlight[handle] {
		m.maxInFlight[handle] = m.inFlight[handle]
	}
	m.mu.Unlock()
}

func (m *mockClient) leave(handle string) {
	m.mu.Lock()
	m.inFlight[handle]--
	m.mu.Unlock()
}

func (m *mockClient) destroyedHandles() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.destroyed))
	copy(out, m.destroyed)
	return out
}

func (m *mockClient) addRunning(handle string) {
	m.mu.Lock()
	m.running[handle] = true
	m.mu.Unlock()
}

func (m *mockClient) dropRunning(handle string) {
	m.mu.Lock()
	delete(m.running, handle)
	m.mu.Unlock()
}

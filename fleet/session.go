package fleet

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/sandfleet/sandfleet/orchestrator"
)

// State is a session's position in its lifecycle.
type State string

// Session states. Starting and Stopping are transient and never reusable:
// an Acquire that finds a session in either joins the in-flight creation or
// creates a new session, it never resurrects one on its way out.
const (
	StateStarting  State = "starting"
	StateReady     State = "ready"
	StateExecuting State = "executing"
	StateStopping  State = "stopping"
)

// Session is a locally-tracked handle to one remote sandbox instance,
// reusable across executions to preserve interpreter state. Identity fields
// are immutable after registration; state, lastUsedAt and RemoteHandle are
// guarded by the owning Manager's lock.
type Session struct {
	ID        string
	Template  string
	Flavor    Flavor
	CreatedAt time.Time

	RemoteHandle string
	state        State
	lastUsedAt   time.Time
	token        *Token

	// execSlot serializes executions against this session: at most one
	// in-flight remote call, waiters queued in arrival order.
	execSlot chan struct{}
}

// SessionSummary is the read-only view returned by ListSessions.
type SessionSummary struct {
	ID         string    `json:"session_id"`
	Template   string    `json:"template"`
	Flavor     Flavor    `json:"flavor"`
	State      State     `json:"state"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
}

// HandleInfo is the reaper's view of one registered remote handle.
type HandleInfo struct {
	SessionID string
	State     State
	CreatedAt time.Time
}

// ManagerConfig holds session lifecycle settings.
type ManagerConfig struct {
	IdleTimeout   time.Duration
	SweepInterval time.Duration
}

// Manager owns the authoritative registry of sessions. All creation goes
// through pool admission and the orchestrator client; all mutation happens
// under the manager's lock.
type Manager struct {
	client  orchestrator.Client
	pool    *Pool
	logger  *zap.Logger
	metrics *Metrics
	cfg     ManagerConfig

	mu       sync.Mutex
	sessions map[string]*Session
	creating singleflight.Group

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager creates a session manager. Call Start to run the idle sweeper
// and Stop to drain every session on shutdown.
func NewManager(client orchestrator.Client, pool *Pool, logger *zap.Logger, metrics *Metrics, cfg ManagerConfig) *Manager {
	return &Manager{
		client:   client,
		pool:     pool,
		logger:   logger.With(zap.String("component", "session_manager")),
		metrics:  metrics,
		cfg:      cfg,
		sessions: make(map[string]*Session),
		stopCh:   make(chan struct{}),
	}
}

// Acquire returns a live session for the request. A known, matching id is
// reused; anything else admits capacity and creates a remote sandbox.
// Concurrent acquires for the same unknown id collapse into one creation.
//
// An explicit id that names a live session with a different template or
// flavor fails with ErrSessionNotFound rather than silently handing back a
// sandbox of the wrong shape.
func (m *Manager) Acquire(ctx context.Context, sessionID, template string, flavor Flavor) (*Session, error) {
	if sessionID == "" {
		sessionID = "sess-" + uuid.NewString()
	}

	m.mu.Lock()
	if s, ok := m.sessions[sessionID]; ok && s.state != StateStopping && s.state != StateStarting {
		if s.Template != template || s.Flavor != flavor {
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: session %s is %s/%s, requested %s/%s",
				ErrSessionNotFound, sessionID, s.Template, s.Flavor, template, flavor)
		}
		s.lastUsedAt = time.Now()
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()

	v, err, _ := m.creating.Do(sessionID, func() (any, error) {
		return m.createSession(ctx, sessionID, template, flavor)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

func (m *Manager) createSession(ctx context.Context, sessionID, template string, flavor Flavor) (*Session, error) {
	// A previous flight may have finished between the caller's registry
	// check and this one.
	m.mu.Lock()
	if s, ok := m.sessions[sessionID]; ok && s.state != StateStopping {
		if s.Template != template || s.Flavor != flavor {
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: session %s is %s/%s, requested %s/%s",
				ErrSessionNotFound, sessionID, s.Template, s.Flavor, template, flavor)
		}
		s.lastUsedAt = time.Now()
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()

	token, err := m.pool.Admit(flavor)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	s := &Session{
		ID:         sessionID,
		Template:   template,
		Flavor:     flavor,
		CreatedAt:  now,
		state:      StateStarting,
		lastUsedAt: now,
		token:      token,
		execSlot:   make(chan struct{}, 1),
	}
	m.mu.Lock()
	m.sessions[sessionID] = s
	m.mu.Unlock()

	handle, err := m.client.CreateSandbox(ctx, template, string(flavor))
	if err != nil {
		m.mu.Lock()
		if cur, ok := m.sessions[sessionID]; ok && cur == s {
			delete(m.sessions, sessionID)
			m.mu.Unlock()
			token.Release()
		} else {
			// A concurrent Release already deregistered us and returned
			// the token.
			m.mu.Unlock()
		}
		return nil, fmt.Errorf("create sandbox for session %s: %w", sessionID, err)
	}

	m.mu.Lock()
	if cur, ok := m.sessions[sessionID]; !ok || cur != s {
		// Released while starting (shutdown drain). The releaser already
		// returned the token; the remote side is ours to clean up.
		m.mu.Unlock()
		if derr := m.client.DestroySandbox(ctx, handle); derr != nil {
			m.logger.Warn("destroy sandbox for aborted session failed",
				zap.String("session_id", sessionID), zap.Error(derr))
		}
		return nil, fmt.Errorf("%w: session %s released during startup", ErrSessionNotFound, sessionID)
	}
	s.RemoteHandle = handle
	s.state = StateReady
	s.lastUsedAt = time.Now()
	m.mu.Unlock()

	m.logger.Info("session created",
		zap.String("session_id", sessionID),
		zap.String("template", template),
		zap.String("flavor", string(flavor)),
		zap.String("remote_handle", handle))
	return s, nil
}

// Release stops a session: marks it Stopping, destroys the remote sandbox
// and returns its pool admission. Releasing an unknown or already-released
// id is a no-op. A destroy failure is logged; local cleanup still happens so
// the admission is never leaked.
func (m *Manager) Release(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	s.state = StateStopping
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	m.destroySession(ctx, s)
	return nil
}

func (m *Manager) destroySession(ctx context.Context, s *Session) {
	if s.RemoteHandle != "" {
		if err := m.client.DestroySandbox(ctx, s.RemoteHandle); err != nil {
			m.logger.Warn("destroy sandbox failed",
				zap.String("session_id", s.ID),
				zap.String("remote_handle", s.RemoteHandle),
				zap.Error(err))
		}
	}
	s.token.Release()
	m.logger.Info("session released", zap.String("session_id", s.ID))
}

// SweepIdle releases every session idle past threshold. Sessions that are
// Starting, Stopping or mid-execution are left alone. Returns the number of
// evicted sessions.
func (m *Manager) SweepIdle(ctx context.Context, now time.Time, threshold time.Duration) int {
	m.mu.Lock()
	var expired []string
	for id, s := range m.sessions {
		if s.state == StateReady && now.Sub(s.lastUsedAt) > threshold {
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()

	evicted := 0
	for _, id := range expired {
		// Re-check under the lock: the session may have started executing
		// since the snapshot.
		m.mu.Lock()
		s, ok := m.sessions[id]
		if !ok || s.state != StateReady || now.Sub(s.lastUsedAt) <= threshold {
			m.mu.Unlock()
			continue
		}
		s.state = StateStopping
		delete(m.sessions, id)
		m.mu.Unlock()

		m.logger.Info("evicting idle session",
			zap.String("session_id", id),
			zap.Duration("idle", now.Sub(s.lastUsedAt)))
		m.destroySession(ctx, s)
		m.metrics.IdleEvictions.Inc()
		evicted++
	}
	return evicted
}

// ListSessions returns a snapshot of the registry, oldest first. No remote
// calls.
func (m *Manager) ListSessions() []SessionSummary {
	m.mu.Lock()
	out := make([]SessionSummary, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, SessionSummary{
			ID:         s.ID,
			Template:   s.Template,
			Flavor:     s.Flavor,
			State:      s.state,
			CreatedAt:  s.CreatedAt,
			LastUsedAt: s.lastUsedAt,
		})
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// HandleSnapshot returns remote handle -> session info for every registered
// session, taken under the same lock Acquire registers under, so the reaper
// never diffs against a half-registered session.
func (m *Manager) HandleSnapshot() map[string]HandleInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]HandleInfo, len(m.sessions))
	for _, s := range m.sessions {
		if s.RemoteHandle == "" {
			continue
		}
		out[s.RemoteHandle] = HandleInfo{
			SessionID: s.ID,
			State:     s.state,
			CreatedAt: s.CreatedAt,
		}
	}
	return out
}

// beginExecution transitions a session to Executing. The caller must hold
// the session's exec slot. The registry entry must still be this exact
// session: an id released and recreated while the caller queued names a
// different sandbox, and matching it by id alone would run the call against
// a destroyed handle.
func (m *Manager) beginExecution(s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.sessions[s.ID]
	if !ok || cur != s || cur.state == StateStopping {
		return fmt.Errorf("%w: session %s is gone", ErrSessionNotFound, s.ID)
	}
	if cur.state == StateExecuting {
		return fmt.Errorf("%w: session %s", ErrSessionBusy, s.ID)
	}
	s.state = StateExecuting
	s.lastUsedAt = time.Now()
	return nil
}

// endExecution restores a session to Ready. Runs on every exit path of an
// execution, including timeout and remote failure. A session that was
// replaced in the registry is left alone.
func (m *Manager) endExecution(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.sessions[s.ID]; ok && cur == s && cur.state == StateExecuting {
		s.state = StateReady
		s.lastUsedAt = time.Now()
	}
}

// Start runs the periodic idle sweep.
func (m *Manager) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), m.cfg.SweepInterval)
				if n := m.SweepIdle(ctx, time.Now(), m.cfg.IdleTimeout); n > 0 {
					m.logger.Info("idle sweep complete", zap.Int("evicted", n))
				}
				cancel()
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Stop cancels the idle sweeper and drains every session. Safe to call once
// on shutdown.
func (m *Manager) Stop(ctx context.Context) {
	close(m.stopCh)
	m.wg.Wait()

	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.Release(ctx, id); err != nil {
			m.logger.Warn("release on shutdown failed", zap.String("session_id", id), zap.Error(err))
		}
	}
	m.logger.Info("session manager stopped", zap.Int("drained", len(ids)))
}

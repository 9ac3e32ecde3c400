package fleet

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sandfleet/sandfleet/orchestrator"
)

// ReaperConfig holds the reconciliation schedule. Interval must be strictly
// shorter than the session idle timeout (validated in config) so orphans
// never accumulate faster than they are swept.
type ReaperConfig struct {
	Interval    time.Duration
	GracePeriod time.Duration
	MaxPerSweep int
}

// Reaper reconciles the local session registry against the orchestrator's
// actual running sandboxes. Remote sandboxes with no local session are
// destroyed once they have stayed unknown for the grace period; local
// sessions whose remote counterpart disappeared are released, since keeping
// a registry entry for a dead sandbox is strictly worse than re-creating on
// next use.
type Reaper struct {
	manager *Manager
	client  orchestrator.Client
	logger  *zap.Logger
	metrics *Metrics
	cfg     ReaperConfig

	mu        sync.Mutex
	firstSeen map[string]time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewReaper creates an orphan reaper. Call Start to run the periodic sweep.
func NewReaper(manager *Manager, client orchestrator.Client, logger *zap.Logger, metrics *Metrics, cfg ReaperConfig) *Reaper {
	return &Reaper{
		manager:   manager,
		client:    client,
		logger:    logger.With(zap.String("component", "orphan_reaper")),
		metrics:   metrics,
		cfg:       cfg,
		firstSeen: make(map[string]time.Time),
		stopCh:    make(chan struct{}),
	}
}

// SweepOnce runs one reconciliation pass and returns the number of remote
// orphans successfully destroyed. Individual destroy failures are logged and
// skipped; they never abort the rest of the sweep.
//
// A remote handle is destroyed only after it has stayed unknown to the
// registry for the grace period, which protects against the race between a
// slow listing call and a fast-starting session. The registry snapshot is
// taken after the listing returns, under the same lock Acquire uses.
func (r *Reaper) SweepOnce(ctx context.Context) (int, error) {
	handles, err := r.client.ListRunningSandboxes(ctx)
	if err != nil {
		return 0, fmt.Errorf("list running sandboxes: %w", err)
	}

	local := r.manager.HandleSnapshot()
	now := time.Now()

	// First pass records every listed handle before anything is destroyed:
	// the liveness check below must see the full remote picture even when
	// the destruction budget runs out mid-sweep.
	remote := make(map[string]bool, len(handles))
	var stale []string
	for _, handle := range handles {
		remote[handle] = true
		if _, known := local[handle]; known {
			r.forget(handle)
			continue
		}
		if now.Sub(r.noteOrphan(handle, now)) < r.cfg.GracePeriod {
			continue
		}
		stale = append(stale, handle)
	}

	cleaned := 0
	for _, handle := range stale {
		if cleaned >= r.cfg.MaxPerSweep {
			r.logger.Warn("orphan sweep budget exhausted", zap.Int("max_per_sweep", r.cfg.MaxPerSweep))
			break
		}
		if err := r.client.DestroySandbox(ctx, handle); err != nil {
			r.logger.Warn("destroy orphan failed", zap.String("remote_handle", handle), zap.Error(err))
			continue
		}
		r.forget(handle)
		r.metrics.OrphansReaped.Inc()
		cleaned++
		r.logger.Info("destroyed orphan sandbox", zap.String("remote_handle", handle))
	}

	// Local sessions whose remote died without notice. Young or busy
	// sessions are left alone: the listing may predate them.
	for handle, info := range local {
		if remote[handle] {
			continue
		}
		if info.State != StateReady || now.Sub(info.CreatedAt) < r.cfg.GracePeriod {
			continue
		}
		r.logger.Warn("remote sandbox vanished, releasing local session",
			zap.String("session_id", info.SessionID),
			zap.String("remote_handle", handle))
		if err := r.manager.Release(ctx, info.SessionID); err != nil {
			r.logger.Warn("release of dead session failed", zap.String("session_id", info.SessionID), zap.Error(err))
		}
	}

	r.prune(remote)
	return cleaned, nil
}

// noteOrphan records when a handle was first seen without a local session
// and returns that time.
func (r *Reaper) noteOrphan(handle string, now time.Time) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	if first, ok := r.firstSeen[handle]; ok {
		return first
	}
	r.firstSeen[handle] = now
	return now
}

func (r *Reaper) forget(handle string) {
	r.mu.Lock()
	delete(r.firstSeen, handle)
	r.mu.Unlock()
}

// prune drops candidates that the orchestrator no longer reports.
func (r *Reaper) prune(remote map[string]bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for handle := range r.firstSeen {
		if !remote[handle] {
			delete(r.firstSeen, handle)
		}
	}
}

// Start runs the periodic sweep until Stop is called. Sweep failures are
// logged and swallowed; they must never reach caller-facing paths.
func (r *Reaper) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), r.cfg.Interval)
				n, err := r.SweepOnce(ctx)
				cancel()
				if err != nil {
					r.logger.Warn("orphan sweep failed", zap.Error(err))
				} else if n > 0 {
					r.logger.Info("orphan sweep complete", zap.Int("orphans_cleaned", n))
				}
			case <-r.stopCh:
				return
			}
		}
	}()
}

// Stop cancels the periodic sweep and waits for an in-flight pass to finish.
func (r *Reaper) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

package fleet

import (
	"fmt"
	"sync"
)

// Flavor is a named resource class mapping to a fixed CPU/memory budget on
// the orchestrator side.
type Flavor string

// The closed set of flavors.
const (
	FlavorSmall  Flavor = "small"
	FlavorMedium Flavor = "medium"
	FlavorLarge  Flavor = "large"
)

// Flavors lists every valid flavor.
func Flavors() []Flavor {
	return []Flavor{FlavorSmall, FlavorMedium, FlavorLarge}
}

// ParseFlavor validates a flavor name.
func ParseFlavor(s string) (Flavor, error) {
	switch Flavor(s) {
	case FlavorSmall, FlavorMedium, FlavorLarge:
		return Flavor(s), nil
	default:
		return "", fmt.Errorf("unknown flavor: %q, must be one of: small, medium, large", s)
	}
}

// PoolConfig holds the admission limits.
type PoolConfig struct {
	MaxConcurrentSessions int
	MaxPerFlavor          map[Flavor]int
}

// Pool tracks aggregate and per-flavor session counts and admits or rejects
// new session creation against the configured limits. It owns only the
// counters, never individual session records.
type Pool struct {
	mu        sync.Mutex
	max       int
	maxPer    map[Flavor]int
	active    int
	activePer map[Flavor]int
	metrics   *Metrics
}

// NewPool creates a pool with the given limits.
func NewPool(cfg PoolConfig, metrics *Metrics) *Pool {
	maxPer := make(map[Flavor]int, len(cfg.MaxPerFlavor))
	for f, n := range cfg.MaxPerFlavor {
		maxPer[f] = n
	}
	return &Pool{
		max:       cfg.MaxConcurrentSessions,
		maxPer:    maxPer,
		activePer: make(map[Flavor]int),
		metrics:   metrics,
	}
}

// Token represents one admission. It must be released exactly once.
type Token struct {
	pool     *Pool
	flavor   Flavor
	mu       sync.Mutex
	released bool
}

// Flavor returns the flavor the token was admitted for.
func (t *Token) Flavor() Flavor {
	return t.flavor
}

// Release returns the token's capacity to the pool. Releasing a token twice
// would corrupt the accounting, so a second call panics.
func (t *Token) Release() {
	t.mu.Lock()
	if t.released {
		t.mu.Unlock()
		panic("fleet: pool token released twice")
	}
	t.released = true
	t.mu.Unlock()

	t.pool.release(t.flavor)
}

// Admit atomically checks both the global and the per-flavor limit and, if
// both hold, increments the counters and returns a release token. On denial
// it fails with ErrResourceExhausted and no side effects.
func (p *Pool) Admit(flavor Flavor) (*Token, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.active >= p.max {
		return nil, fmt.Errorf("%w: %d/%d sessions active", ErrResourceExhausted, p.active, p.max)
	}
	limit, ok := p.maxPer[flavor]
	if !ok {
		return nil, fmt.Errorf("%w: no capacity configured for flavor %q", ErrResourceExhausted, flavor)
	}
	if p.activePer[flavor] >= limit {
		return nil, fmt.Errorf("%w: %d/%d %s sessions active", ErrResourceExhausted, p.activePer[flavor], limit, flavor)
	}

	p.active++
	p.activePer[flavor]++
	p.metrics.ActiveSessions.Set(float64(p.active))
	p.metrics.SessionsByFlavor.WithLabelValues(string(flavor)).Set(float64(p.activePer[flavor]))

	return &Token{pool: p, flavor: flavor}, nil
}

func (p *Pool) release(flavor Flavor) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.active--
	p.activePer[flavor]--
	p.metrics.ActiveSessions.Set(float64(p.active))
	p.metrics.SessionsByFlavor.WithLabelValues(string(flavor)).Set(float64(p.activePer[flavor]))
}

// FlavorStats is the per-flavor slice of a Stats snapshot.
type FlavorStats struct {
	Active      int     `json:"active"`
	Max         int     `json:"max"`
	Utilization float64 `json:"utilization_pct"`
}

// Stats is a point-in-time snapshot of the pool counters.
type Stats struct {
	ActiveSessions        int                    `json:"active_sessions"`
	MaxConcurrentSessions int                    `json:"max_concurrent_sessions"`
	Utilization           float64                `json:"utilization_pct"`
	ByFlavor              map[Flavor]FlavorStats `json:"by_flavor"`
}

// Stats returns a snapshot of all counters with derived utilization
// percentages. It never blocks on remote calls.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{
		ActiveSessions:        p.active,
		MaxConcurrentSessions: p.max,
		ByFlavor:              make(map[Flavor]FlavorStats, len(p.maxPer)),
	}
	if p.max > 0 {
		s.Utilization = 100 * float64(p.active) / float64(p.max)
	}
	for f, limit := range p.maxPer {
		fs := FlavorStats{Active: p.activePer[f], Max: limit}
		if limit > 0 {
			fs.Utilization = 100 * float64(fs.Active) / float64(limit)
		}
		s.ByFlavor[f] = fs
	}
	return s
}

package fleet

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instrumentation shared by the fleet
// components. The pool updates the gauges under its own lock so the exported
// values always match the admission counters.
type Metrics struct {
	ActiveSessions   prometheus.Gauge
	SessionsByFlavor *prometheus.GaugeVec
	ExecutionsTotal  *prometheus.CounterVec
	IdleEvictions    prometheus.Counter
	OrphansReaped    prometheus.Counter
}

// NewMetrics registers the fleet collectors on reg and returns them.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sandfleet_active_sessions",
			Help: "Number of sandbox sessions currently admitted.",
		}),
		SessionsByFlavor: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sandfleet_active_sessions_by_flavor",
			Help: "Number of admitted sandbox sessions per flavor.",
		}, []string{"flavor"}),
		ExecutionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sandfleet_executions_total",
			Help: "Executions by kind (code/command) and outcome.",
		}, []string{"kind", "outcome"}),
		IdleEvictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "sandfleet_idle_evictions_total",
			Help: "Sessions evicted by the idle sweep.",
		}),
		OrphansReaped: factory.NewCounter(prometheus.CounterOpts{
			Name: "sandfleet_orphans_reaped_total",
			Help: "Remote sandboxes destroyed because no local session referenced them.",
		}),
	}
}

// NopMetrics returns metrics bound to a throwaway registry, for tests and
// callers that do not scrape.
func NopMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

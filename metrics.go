package wire

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects pipeline-level counters, grounded on the teacher pack's
// Prometheus usage for proxy-level query metrics (counter/histogram vectors
// keyed by outcome or statement kind).
type Metrics struct {
	RowsStreamed       prometheus.Counter
	PortalSuspends     prometheus.Counter
	StalePlanRecompile prometheus.Counter
	BufferOverflows    prometheus.Counter
	CommandsTotal      *prometheus.CounterVec
	ExecuteLatency     prometheus.Histogram // registered, but nothing in this package observes it
}

// NewMetrics registers and returns a Metrics set against reg. Passing a nil
// registry is valid and yields unregistered (but still usable) collectors,
// convenient for tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RowsStreamed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pgentry",
			Name:      "rows_streamed_total",
			Help:      "Number of result rows streamed to clients via DataRow messages.",
		}),
		PortalSuspends: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pgentry",
			Name:      "portal_suspends_total",
			Help:      "Number of times a portal was suspended before its cursor was exhausted.",
		}),
		StalePlanRecompile: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pgentry",
			Name:      "stale_plan_recompiles_total",
			Help:      "Number of times a cached plan was detected stale and recompiled.",
		}),
		BufferOverflows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pgentry",
			Name:      "buffer_overflows_total",
			Help:      "Number of times the output buffer budget was exhausted mid-batch.",
		}),
		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pgentry",
			Name:      "commands_total",
			Help:      "Number of pipeline commands processed, labeled by statement kind.",
		}, []string{"kind"}),
		ExecuteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pgentry",
			Name:      "execute_latency_seconds",
			Help:      "Latency of a single EXECUTE cycle, from dispatch to SYNC.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	if reg != nil {
		reg.MustRegister(m.RowsStreamed, m.PortalSuspends, m.StalePlanRecompile,
			m.BufferOverflows, m.CommandsTotal, m.ExecuteLatency)
	}

	return m
}

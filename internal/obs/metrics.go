package obs

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// Metrics holds all Prometheus metrics for the core. Each process owns its
// own registry so tests can construct registries freely without duplicate
// registration panics.
type Metrics struct {
	registry *prometheus.Registry

	// Data hub metrics
	FetchDuration *prometheus.HistogramVec
	FetchTotal    *prometheus.CounterVec

	// Cache metrics
	CacheOps     *prometheus.CounterVec
	CacheEntries prometheus.Gauge

	// Coalescer metrics
	CoalesceInFlight prometheus.Gauge
	CoalesceTimeouts prometheus.Counter
	CoalesceEvicted  prometheus.Counter

	// Circuit breaker metrics
	BreakerState       *prometheus.GaugeVec
	BreakerTransitions *prometheus.CounterVec

	// Outbox metrics
	OutboxPublished  *prometheus.CounterVec
	OutboxQueueDepth prometheus.Gauge
	OutboxDLQTotal   prometheus.Counter

	// Scheduler metrics
	LeaseEvents  *prometheus.CounterVec
	JobRuns      *prometheus.CounterVec
	JobDuration  *prometheus.HistogramVec
	LeaderActive prometheus.Gauge
}

// NewMetrics creates and registers all core metrics on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		FetchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "minecore_fetch_duration_seconds",
				Help:    "Data hub fetch latency by resource kind and resolution source",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"kind", "source"},
		),

		FetchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "minecore_fetch_total",
				Help: "Data hub fetches by resource kind and outcome",
			},
			[]string{"kind", "outcome"},
		),

		CacheOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "minecore_cache_ops_total",
				Help: "Cache operations by op and status",
			},
			[]string{"op", "status"},
		),

		CacheEntries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "minecore_cache_entries",
				Help: "Current number of live cache entries",
			},
		),

		CoalesceInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "minecore_coalesce_inflight",
				Help: "Number of in-flight coalesced computations",
			},
		),

		CoalesceTimeouts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "minecore_coalesce_timeouts_total",
				Help: "Waiters that hit their deadline before the primary finished",
			},
		),

		CoalesceEvicted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "minecore_coalesce_watchdog_evictions_total",
				Help: "In-flight slots cleared by the watchdog after exceeding max age",
			},
		),

		BreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "minecore_breaker_state",
				Help: "Circuit breaker state per provider (0=closed, 1=half-open, 2=open)",
			},
			[]string{"provider"},
		),

		BreakerTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "minecore_breaker_transitions_total",
				Help: "Circuit breaker state transitions by provider and target state",
			},
			[]string{"provider", "to"},
		),

		OutboxPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "minecore_outbox_published_total",
				Help: "Outbox publish attempts by event kind and outcome",
			},
			[]string{"kind", "outcome"},
		),

		OutboxQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "minecore_outbox_queue_depth",
				Help: "Unprocessed outbox rows at last poll",
			},
		),

		OutboxDLQTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "minecore_outbox_dlq_total",
				Help: "Records moved to the dead letter queue",
			},
		),

		LeaseEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "minecore_lease_events_total",
				Help: "Leader lease lifecycle events by action",
			},
			[]string{"action"},
		),

		JobRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "minecore_job_runs_total",
				Help: "Scheduled job executions by job name and result",
			},
			[]string{"job", "result"},
		),

		JobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "minecore_job_duration_seconds",
				Help:    "Scheduled job execution time",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120},
			},
			[]string{"job"},
		),

		LeaderActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "minecore_leader_active",
				Help: "1 while this process holds the scheduler leader lease",
			},
		),
	}

	m.registry.MustRegister(
		m.FetchDuration,
		m.FetchTotal,
		m.CacheOps,
		m.CacheEntries,
		m.CoalesceInFlight,
		m.CoalesceTimeouts,
		m.CoalesceEvicted,
		m.BreakerState,
		m.BreakerTransitions,
		m.OutboxPublished,
		m.OutboxQueueDepth,
		m.OutboxDLQTotal,
		m.LeaseEvents,
		m.JobRuns,
		m.JobDuration,
		m.LeaderActive,
	)

	return m
}

// Handler returns the Prometheus scrape handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Snapshot gathers the current metric families, used by the health
// endpoint to report counts without a second scrape.
func (m *Metrics) Snapshot() ([]*dto.MetricFamily, error) {
	return m.registry.Gather()
}

// CounterValue sums a counter family across all label sets. Returns 0 for
// unknown names.
func (m *Metrics) CounterValue(name string) float64 {
	families, err := m.registry.Gather()
	if err != nil {
		return 0
	}
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		total := 0.0
		for _, metric := range fam.GetMetric() {
			total += metric.GetCounter().GetValue()
		}
		return total
	}
	return 0
}

package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes all engine metrics.
const Namespace = "grr"

// Metrics contains the core engine metrics shared across components.
// Component-specific metrics (worker pools, facade latencies) are
// registered separately through the MetricsRegistry.
type Metrics struct {
	// Flow lifecycle
	FlowsStarted  *prometheus.CounterVec // by flow type
	FlowsTerminal *prometheus.CounterVec // by terminal state
	ActiveFlows   prometheus.Gauge

	// Result stream
	ResultsIngested prometheus.Counter
	BatchesFlushed  *prometheus.CounterVec // by flush reason

	// Output plugins
	PluginBatches *prometheus.CounterVec // by plugin name and status

	// Cron scheduling
	CronTicks         prometheus.Counter
	CronRunsStarted   prometheus.Counter
	CronRunsSkipped   prometheus.Counter // overrun-policy skips
	CronLifetimeKills prometheus.Counter

	// NATS connection
	NATSConnected  prometheus.Gauge
	NATSReconnects prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all core engine metrics
func NewMetrics() *Metrics {
	return &Metrics{
		FlowsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "flow",
				Name:      "started_total",
				Help:      "Total number of flows started",
			},
			[]string{"flow_type"},
		),

		FlowsTerminal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "flow",
				Name:      "terminal_total",
				Help:      "Total number of flows reaching a terminal state",
			},
			[]string{"state"},
		),

		ActiveFlows: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "flow",
				Name:      "active",
				Help:      "Current number of running flows",
			},
		),

		ResultsIngested: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "results",
				Name:      "ingested_total",
				Help:      "Total number of results appended to stream buffers",
			},
		),

		BatchesFlushed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "results",
				Name:      "batches_flushed_total",
				Help:      "Total number of result batches flushed",
			},
			[]string{"reason"}, // size, interval, final
		),

		PluginBatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "plugin",
				Name:      "batches_total",
				Help:      "Total number of batches processed by output plugins",
			},
			[]string{"plugin", "status"}, // status: success, error
		),

		CronTicks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "cron",
				Name:      "ticks_total",
				Help:      "Total number of scheduler ticks",
			},
		),

		CronRunsStarted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "cron",
				Name:      "runs_started_total",
				Help:      "Total number of cron runs started",
			},
		),

		CronRunsSkipped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "cron",
				Name:      "runs_skipped_total",
				Help:      "Total number of cron runs skipped by the overrun policy",
			},
		),

		CronLifetimeKills: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "cron",
				Name:      "lifetime_kills_total",
				Help:      "Total number of runs force-terminated for exceeding their lifetime",
			},
		),

		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "nats",
				Name:      "connected",
				Help:      "NATS connection status (0=disconnected, 1=connected)",
			},
		),

		NATSReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "nats",
				Name:      "reconnects_total",
				Help:      "Total number of NATS reconnects",
			},
		),
	}
}

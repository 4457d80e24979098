package process

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	// MetricsSubsystem is a subsystem shared by all metrics exposed by this
	// package.
	MetricsSubsystem = "process"
)

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Classification outcomes, by variant.
	PreCheckOutcomes *prometheus.CounterVec
	// Blocks applied to the chain index, by source flow.
	BlocksApplied *prometheus.CounterVec
	// Blocks or headers rejected, by source flow and reason.
	BlocksRejected *prometheus.CounterVec
	// Requests handed to the networking task, by message kind.
	RequestsSent *prometheus.CounterVec
	// Requests dropped because the outbox was full or closed.
	RequestsDropped *prometheus.CounterVec
}

// PrometheusMetrics returns Metrics build using Prometheus client library.
// They must be registered with Collectors before being scraped.
func PrometheusMetrics(namespace string) *Metrics {
	return &Metrics{
		PreCheckOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "pre_check_outcomes_total",
			Help:      "Number of headers classified against the chain index, by outcome.",
		}, []string{"outcome"}),
		BlocksApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "blocks_applied_total",
			Help:      "Number of blocks applied to the chain index, by source.",
		}, []string{"source"}),
		BlocksRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "blocks_rejected_total",
			Help:      "Number of blocks or headers rejected, by source and reason.",
		}, []string{"source", "reason"}),
		RequestsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "requests_sent_total",
			Help:      "Number of sync requests handed to the networking task.",
		}, []string{"kind"}),
		RequestsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "requests_dropped_total",
			Help:      "Number of sync requests dropped because the outbox was full or closed.",
		}, []string{"kind"}),
	}
}

// NopMetrics returns Metrics that are never registered.
func NopMetrics() *Metrics {
	return PrometheusMetrics("")
}

// Collectors returns every metric, for registration.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.PreCheckOutcomes,
		m.BlocksApplied,
		m.BlocksRejected,
		m.RequestsSent,
		m.RequestsDropped,
	}
}

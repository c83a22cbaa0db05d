// Package metrics exposes the Prometheus instrumentation shared by the
// Scheduler, Router and Resilience Kernel, grounded on the
// PrometheusMetrics type in the dshills-langgraph-go reference repo's
// graph/metrics.go (gauges/histograms/counters registered via
// promauto).
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every gauge/histogram/counter the core emits.
type Metrics struct {
	QueueDepth      prometheus.Gauge
	InflightTasks   prometheus.Gauge
	StepLatency     *prometheus.HistogramVec
	Retries         *prometheus.CounterVec
	BreakerTransitions *prometheus.CounterVec
	AntiPatterns    *prometheus.CounterVec
}

// New registers every metric on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "minipipe_queue_depth",
			Help: "Number of tasks currently ready or pending in the Scheduler.",
		}),
		InflightTasks: f.NewGauge(prometheus.GaugeOpts{
			Name: "minipipe_inflight_tasks",
			Help: "Number of tasks currently running.",
		}),
		StepLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "minipipe_step_latency_seconds",
			Help:    "Step Attempt duration in seconds.",
			Buckets: []float64{.001, .01, .05, .1, .5, 1, 2.5, 5, 10},
		}, []string{"tool_id"}),
		Retries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "minipipe_retries_total",
			Help: "Retries attempted per tool.",
		}, []string{"tool_id"}),
		BreakerTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "minipipe_circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions.",
		}, []string{"tool_id", "from_state", "to_state"}),
		AntiPatterns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "minipipe_anti_patterns_detected_total",
			Help: "Anti-pattern detections by kind.",
		}, []string{"kind", "severity"}),
	}
}

// RecordStepLatency observes the duration of one Step Attempt for toolID.
func (m *Metrics) RecordStepLatency(toolID string, d time.Duration) {
	if m == nil {
		return
	}
	m.StepLatency.WithLabelValues(toolID).Observe(d.Seconds())
}

// IncrementRetries records one retry attempt for toolID.
func (m *Metrics) IncrementRetries(toolID string) {
	if m == nil {
		return
	}
	m.Retries.WithLabelValues(toolID).Inc()
}

// RecordBreakerTransition records a circuit breaker state change.
func (m *Metrics) RecordBreakerTransition(toolID, from, to string) {
	if m == nil {
		return
	}
	m.BreakerTransitions.WithLabelValues(toolID, from, to).Inc()
}

// RecordAntiPattern records one anti-pattern detection.
func (m *Metrics) RecordAntiPattern(kind, severity string) {
	if m == nil {
		return
	}
	m.AntiPatterns.WithLabelValues(kind, severity).Inc()
}

// UpdateQueueDepth sets the current Scheduler queue depth gauge.
func (m *Metrics) UpdateQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

// UpdateInflightTasks sets the current running-task gauge.
func (m *Metrics) UpdateInflightTasks(n int) {
	if m == nil {
		return
	}
	m.InflightTasks.Set(float64(n))
}

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func newTestMetrics() *Metrics {
	return New(prometheus.NewRegistry())
}

func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, vec.WithLabelValues(labels...).Write(m))
	return m.GetCounter().GetValue()
}

func TestRecordStepLatencyObservesHistogram(t *testing.T) {
	t.Parallel()
	m := newTestMetrics()
	require.NotPanics(t, func() { m.RecordStepLatency("editor", 250*time.Millisecond) })
}

func TestIncrementRetriesIncrementsCounter(t *testing.T) {
	t.Parallel()
	m := newTestMetrics()
	m.IncrementRetries("editor")
	m.IncrementRetries("editor")
	require.Equal(t, float64(2), counterValue(t, m.Retries, "editor"))
}

func TestRecordBreakerTransitionIncrementsLabeledCounter(t *testing.T) {
	t.Parallel()
	m := newTestMetrics()
	m.RecordBreakerTransition("editor", "closed", "open")
	require.Equal(t, float64(1), counterValue(t, m.BreakerTransitions, "editor", "closed", "open"))
}

func TestRecordAntiPatternIncrementsLabeledCounter(t *testing.T) {
	t.Parallel()
	m := newTestMetrics()
	m.RecordAntiPattern("oscillation", "high")
	require.Equal(t, float64(1), counterValue(t, m.AntiPatterns, "oscillation", "high"))
}

func TestUpdateQueueDepthAndInflightTasksSetGauges(t *testing.T) {
	t.Parallel()
	m := newTestMetrics()
	m.UpdateQueueDepth(5)
	m.UpdateInflightTasks(3)

	gm := &dto.Metric{}
	require.NoError(t, m.QueueDepth.Write(gm))
	require.Equal(t, float64(5), gm.GetGauge().GetValue())

	gm2 := &dto.Metric{}
	require.NoError(t, m.InflightTasks.Write(gm2))
	require.Equal(t, float64(3), gm2.GetGauge().GetValue())
}

func TestNilMetricsMethodsAreNoOps(t *testing.T) {
	t.Parallel()
	var m *Metrics
	require.NotPanics(t, func() {
		m.RecordStepLatency("editor", time.Second)
		m.IncrementRetries("editor")
		m.RecordBreakerTransition("editor", "closed", "open")
		m.RecordAntiPattern("oscillation", "high")
		m.UpdateQueueDepth(1)
		m.UpdateInflightTasks(1)
	})
}

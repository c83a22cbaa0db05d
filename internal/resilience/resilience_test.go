package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/minipipe/minipipe/internal/model"
	"github.com/minipipe/minipipe/internal/mperr"
)

func TestBreakerOpensAfterThresholdAndBlocks(t *testing.T) {
	t.Parallel()
	k := New(BreakerParams{FailureThreshold: 2, OpenDuration: time.Hour, HalfOpenProbes: 1}, 5, 2, 1)

	require.NoError(t, k.Allow("tool-a"))
	k.RecordResult("tool-a", false)
	require.NoError(t, k.Allow("tool-a"))
	k.RecordResult("tool-a", false)

	err := k.Allow("tool-a")
	require.Error(t, err)
	var circuitErr *mperr.CircuitOpenError
	require.ErrorAs(t, err, &circuitErr)
}

func TestBreakerHalfOpenAllowsSingleProbe(t *testing.T) {
	t.Parallel()
	k := New(BreakerParams{FailureThreshold: 1, OpenDuration: time.Millisecond, HalfOpenProbes: 1}, 5, 2, 1)

	k.RecordResult("tool-a", false) // opens
	time.Sleep(5 * time.Millisecond)

	require.NoError(t, k.Allow("tool-a")) // claims the one half-open probe
	require.Error(t, k.Allow("tool-a"))   // second concurrent probe rejected
}

func TestBreakerRecordSuccessInHalfOpenCloses(t *testing.T) {
	t.Parallel()
	k := New(BreakerParams{FailureThreshold: 1, OpenDuration: time.Millisecond, HalfOpenProbes: 1}, 5, 2, 1)

	k.RecordResult("tool-a", false)
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, k.Allow("tool-a"))
	k.RecordResult("tool-a", true)

	snap := k.Snapshot("tool-a")
	require.Equal(t, model.CircuitClosed, snap.State)
}

func TestNextDelayRespectsCap(t *testing.T) {
	t.Parallel()
	k := New(BreakerParams{FailureThreshold: 3, OpenDuration: time.Second}, 5, 2, 1)
	policy := RetryPolicy{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, CapDelay: time.Second}

	for attempt := 0; attempt < 10; attempt++ {
		d := k.NextDelay(policy, attempt)
		require.GreaterOrEqual(t, d, time.Duration(0))
		require.LessOrEqual(t, d, policy.CapDelay)
	}
}

func TestIsTransientClassifiesErrors(t *testing.T) {
	t.Parallel()
	require.True(t, IsTransient(&mperr.ToolTimeoutError{}))
	require.True(t, IsTransient(&mperr.StorageError{}))
	require.False(t, IsTransient(&mperr.CircuitOpenError{}))
}

func TestObserveDetectsRepeatedErrorSignature(t *testing.T) {
	t.Parallel()
	k := New(BreakerParams{FailureThreshold: 5, OpenDuration: time.Second}, 5, 2, 1)

	sig := ErrorSignature(1, "compile_error")
	_, hit := k.Observe("task-1", sig, "")
	require.False(t, hit)
	det, hit := k.Observe("task-1", sig, "")
	require.True(t, hit)
	require.Equal(t, model.APPlanningLoop, det.Kind)
}

func TestRecordResultReportsTransitionOnOpen(t *testing.T) {
	t.Parallel()
	k := New(BreakerParams{FailureThreshold: 2, OpenDuration: time.Hour}, 5, 2, 1)

	from, to, transitioned := k.RecordResult("tool-a", false)
	require.False(t, transitioned)
	require.Equal(t, model.CircuitClosed, from)
	require.Equal(t, model.CircuitClosed, to)

	from, to, transitioned = k.RecordResult("tool-a", false)
	require.True(t, transitioned)
	require.Equal(t, model.CircuitClosed, from)
	require.Equal(t, model.CircuitOpen, to)
}

func TestRecordResultReportsTransitionOnClose(t *testing.T) {
	t.Parallel()
	k := New(BreakerParams{FailureThreshold: 1, OpenDuration: time.Millisecond}, 5, 2, 1)

	k.RecordResult("tool-a", false)
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, k.Allow("tool-a"))

	from, to, transitioned := k.RecordResult("tool-a", true)
	require.True(t, transitioned)
	require.Equal(t, model.CircuitHalfOpen, from)
	require.Equal(t, model.CircuitClosed, to)
}

func TestToolStatsReflectsSuccessRateAndLatency(t *testing.T) {
	t.Parallel()
	k := New(BreakerParams{FailureThreshold: 10, OpenDuration: time.Hour}, 5, 2, 1)

	rate, p95 := k.ToolStats("tool-a")
	require.Equal(t, 1.0, rate)
	require.Equal(t, 0.0, p95)

	k.RecordResult("tool-a", true)
	k.RecordResult("tool-a", false)
	k.RecordLatency("tool-a", 10*time.Millisecond)
	k.RecordLatency("tool-a", 50*time.Millisecond)

	rate, p95 = k.ToolStats("tool-a")
	require.Equal(t, 0.5, rate)
	require.Equal(t, 50.0, p95)
}

func TestObserveDetectsRepeatedDiffHash(t *testing.T) {
	t.Parallel()
	k := New(BreakerParams{FailureThreshold: 5, OpenDuration: time.Second}, 5, 2, 1)

	hash := DiffHash([]byte("same patch"))
	_, hit := k.Observe("task-1", "", hash)
	require.False(t, hit)
	det, hit := k.Observe("task-1", "", hash)
	require.True(t, hit)
	require.Equal(t, model.APOscillation, det.Kind)
}

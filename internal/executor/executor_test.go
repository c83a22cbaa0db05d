package executor

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/minipipe/minipipe/internal/eventbus"
	"github.com/minipipe/minipipe/internal/logx"
	"github.com/minipipe/minipipe/internal/metrics"
	"github.com/minipipe/minipipe/internal/model"
	"github.com/minipipe/minipipe/internal/mperr"
	"github.com/minipipe/minipipe/internal/resilience"
	"github.com/minipipe/minipipe/internal/router"
)

func intPtr(n int) *int                { return &n }
func durPtr(d time.Duration) *time.Duration { return &d }

func TestMaxAttemptsFallsBackToPlanDefault(t *testing.T) {
	t.Parallel()
	require.Equal(t, 3, MaxAttempts(model.Task{}, 2))
}

func TestMaxAttemptsUsesTaskOverride(t *testing.T) {
	t.Parallel()
	require.Equal(t, 1, MaxAttempts(model.Task{Retries: intPtr(0)}, 5))
	require.Equal(t, 4, MaxAttempts(model.Task{Retries: intPtr(3)}, 5))
}

func TestTaskTimeoutFallsBackToPlanDefault(t *testing.T) {
	t.Parallel()
	require.Equal(t, 10*time.Minute, TaskTimeout(model.Task{}, 10*time.Minute))
}

func TestTaskTimeoutUsesTaskOverride(t *testing.T) {
	t.Parallel()
	got := TaskTimeout(model.Task{Timeout: durPtr(30 * time.Second)}, 10*time.Minute)
	require.Equal(t, 30*time.Second, got)
}

func TestClassifyToolErrMapsKnownErrorTypes(t *testing.T) {
	t.Parallel()
	require.Equal(t, "timeout", classifyToolErr(&mperr.ToolTimeoutError{ToolID: "editor", TaskID: "t1"}))
	require.Equal(t, "spawn_failed", classifyToolErr(&mperr.ToolSpawnError{ToolID: "editor", Err: errors.New("boom")}))
	require.Equal(t, "tool_error", classifyToolErr(errors.New("something else")))
}

func TestClassifyStderrTruncatesLongOutput(t *testing.T) {
	t.Parallel()
	long := make([]byte, 200)
	for i := range long {
		long[i] = 'x'
	}
	require.Len(t, classifyStderr(string(long)), 64)
	require.Equal(t, "short", classifyStderr("short"))
}

func TestDeclaredPathsFromMetadataParsesCommaSeparatedList(t *testing.T) {
	t.Parallel()
	task := model.Task{Metadata: map[string]string{"paths": "src/a.go,src/b.go"}}
	require.Equal(t, []string{"src/a.go", "src/b.go"}, declaredPathsFromMetadata(task))
}

func TestDeclaredPathsFromMetadataHandlesMissingOrEmptyKey(t *testing.T) {
	t.Parallel()
	require.Nil(t, declaredPathsFromMetadata(model.Task{}))
	require.Nil(t, declaredPathsFromMetadata(model.Task{Metadata: map[string]string{"paths": ""}}))
}

func newTestExecutorForStats(t *testing.T, rules []router.Rule) (*Executor, *resilience.Kernel, *eventbus.Bus) {
	t.Helper()
	kernel := resilience.New(resilience.BreakerParams{FailureThreshold: 2, OpenDuration: time.Hour}, 5, 2, 1)
	bus := eventbus.New(nil, eventbus.WithRegisterer(prometheus.NewRegistry()))
	log, err := logx.New(logx.Options{Writer: io.Discard})
	require.NoError(t, err)
	deps := Deps{
		Router:  router.New(rules),
		Kernel:  kernel,
		Bus:     bus,
		Metrics: metrics.New(prometheus.NewRegistry()),
	}
	return New(deps, log), kernel, bus
}

func TestToolStatsForReflectsKernelHistory(t *testing.T) {
	t.Parallel()
	exec, kernel, _ := newTestExecutorForStats(t, []router.Rule{
		{TaskKind: "edit", Candidates: []model.ToolProfile{{ToolID: "a"}, {ToolID: "b"}}, Strategy: "metrics-based"},
	})

	kernel.RecordResult("a", true)
	kernel.RecordLatency("a", 20*time.Millisecond)

	stats := exec.toolStatsFor("edit")
	require.Contains(t, stats, "a")
	require.Contains(t, stats, "b")
	require.Equal(t, 1.0, stats["a"].SuccessRate)
	require.Equal(t, 20.0, stats["a"].P95LatencyMS)
	require.False(t, stats["a"].CircuitOpen)
	require.Equal(t, 1.0, stats["b"].SuccessRate)
}

func TestToolStatsForMarksCircuitOpenTools(t *testing.T) {
	t.Parallel()
	exec, kernel, _ := newTestExecutorForStats(t, []router.Rule{
		{TaskKind: "edit", Candidates: []model.ToolProfile{{ToolID: "a"}}, Strategy: "metrics-based"},
	})

	kernel.RecordResult("a", false)
	kernel.RecordResult("a", false)

	stats := exec.toolStatsFor("edit")
	require.True(t, stats["a"].CircuitOpen)
}

func TestRecordToolResultPublishesEventOnlyOnTransition(t *testing.T) {
	t.Parallel()
	exec, _, bus := newTestExecutorForStats(t, nil)

	sub := bus.Subscribe(model.EventCircuitBreakerOpened)
	defer sub.Unsubscribe()

	exec.recordToolResult("run_1", "t1", "tool-a", false)
	select {
	case <-sub.C():
		t.Fatal("should not publish before the breaker actually opens")
	default:
	}

	exec.recordToolResult("run_1", "t1", "tool-a", false)
	select {
	case ev := <-sub.C():
		require.Equal(t, model.EventCircuitBreakerOpened, ev.Kind)
	default:
		t.Fatal("expected a circuit_breaker_opened event on the second failure")
	}
}

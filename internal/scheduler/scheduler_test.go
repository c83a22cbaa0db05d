package scheduler

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/minipipe/minipipe/internal/model"
)

func tasks(ids ...string) []model.Task {
	out := make([]model.Task, 0, len(ids))
	for _, id := range ids {
		out = append(out, model.Task{TaskID: id, TaskKind: "edit"})
	}
	return out
}

func TestDetectCycleAcyclic(t *testing.T) {
	t.Parallel()
	ts := []model.Task{
		{TaskID: "a", DependsOn: nil},
		{TaskID: "b", DependsOn: []string{"a"}},
		{TaskID: "c", DependsOn: []string{"b"}},
	}
	require.Nil(t, DetectCycle(ts))
}

func TestDetectCycleReportsPath(t *testing.T) {
	t.Parallel()
	ts := []model.Task{
		{TaskID: "a", DependsOn: []string{"c"}},
		{TaskID: "b", DependsOn: []string{"a"}},
		{TaskID: "c", DependsOn: []string{"b"}},
	}
	cycle := DetectCycle(ts)
	require.NotEmpty(t, cycle)
	require.Equal(t, cycle[0], cycle[len(cycle)-1])
}

func TestReadyRespectsDependencies(t *testing.T) {
	t.Parallel()
	s := New(2)
	ts := []model.Task{
		{TaskID: "a"},
		{TaskID: "b", DependsOn: []string{"a"}},
	}
	s.Seed(ts)

	ready := s.Ready()
	require.Len(t, ready, 1)
	require.Equal(t, "a", ready[0].TaskID)

	s.MarkRunning("a")
	require.Empty(t, s.Ready())

	s.MarkCompleted("a")
	ready = s.Ready()
	require.Len(t, ready, 1)
	require.Equal(t, "b", ready[0].TaskID)
}

func TestReadyRespectsCapacityAndPriorityOrdering(t *testing.T) {
	t.Parallel()
	s := New(1)
	ts := []model.Task{
		{TaskID: "low", Priority: 1},
		{TaskID: "high", Priority: 5},
	}
	s.Seed(ts)

	ready := s.Ready()
	require.Len(t, ready, 1)
	require.Equal(t, "high", ready[0].TaskID)
}

func TestMarkFailedPropagatesToDependentsWhenTerminal(t *testing.T) {
	t.Parallel()
	s := New(2)
	s.Seed([]model.Task{
		{TaskID: "a"},
		{TaskID: "b", DependsOn: []string{"a"}},
		{TaskID: "c", DependsOn: []string{"b"}},
	})
	s.MarkRunning("a")
	s.MarkFailed("a", true)

	st, ok := s.StateOf("a")
	require.True(t, ok)
	require.Equal(t, model.TaskFailed, st)
	st, ok = s.StateOf("b")
	require.True(t, ok)
	require.Equal(t, model.TaskFailed, st)
	st, ok = s.StateOf("c")
	require.True(t, ok)
	require.Equal(t, model.TaskFailed, st)

	require.Equal(t, 0, s.Remaining())
}

func TestMarkFailedNonTerminalDoesNotPropagate(t *testing.T) {
	t.Parallel()
	s := New(2)
	s.Seed([]model.Task{
		{TaskID: "a"},
		{TaskID: "b", DependsOn: []string{"a"}},
	})
	s.MarkRunning("a")
	s.MarkFailed("a", false)

	st, _ := s.StateOf("b")
	require.Equal(t, model.TaskPending, st)
	require.Equal(t, 2, s.Remaining())
}

func TestIsStuckDetectsDeadlock(t *testing.T) {
	t.Parallel()
	s := New(1)
	s.Seed([]model.Task{
		{TaskID: "a"},
		{TaskID: "b", DependsOn: []string{"a"}},
	})
	require.False(t, s.IsStuck())

	s.MarkRunning("a")
	s.MarkFailed("a", false)
	require.True(t, s.IsStuck())

	err := s.DeadlockErr("run-1")
	require.Error(t, err)
}

func TestAllCompletedAndRemaining(t *testing.T) {
	t.Parallel()
	s := New(2)
	s.Seed(tasks("a", "b"))
	require.False(t, s.AllCompleted())
	require.Equal(t, 2, s.Remaining())

	for _, task := range s.Ready() {
		s.MarkRunning(task.TaskID)
		s.MarkCompleted(task.TaskID)
	}
	require.True(t, s.AllCompleted())
	require.Equal(t, 0, s.Remaining())
}

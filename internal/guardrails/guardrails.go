// Package guardrails implements the Guardrails (C9): pre-execution
// checks, post-execution checks, and whole-plan validation. Predicate
// descriptors are a fixed, enumerated registry of pure functions keyed
// by name — not reflective duck typing — per the "dynamic factory ->
// enumerated variants" redesign flag. Plan validation reuses the
// Scheduler's cycle detector (internal/scheduler.DetectCycle, itself
// grounded on internal/config/cycle_detector.go).
package guardrails

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/minipipe/minipipe/internal/model"
	"github.com/minipipe/minipipe/internal/mperr"
	"github.com/minipipe/minipipe/internal/pattern"
	"github.com/minipipe/minipipe/internal/scheduler"
)

// PreCheckFunc and PostCheckFunc evaluate one named predicate against
// a task/context or a ToolResult, depending on which surface calls it.
type PreCheckFunc func(task model.Task, args map[string]string, pat model.Pattern, declaredPaths []string) error
type PostCheckFunc func(result model.ToolResult, args map[string]string, evidence []string) error

// preRegistry and postRegistry are the fixed, enumerated predicate sets.
var preRegistry = map[string]PreCheckFunc{
	"path_in_globs":     preCheckPathInGlobs,
	"metadata_present":  preCheckMetadataPresent,
}

var postRegistry = map[string]PostCheckFunc{
	"exit_code_eq":    postCheckExitCodeEq,
	"tests_passed":    postCheckTestsPassed,
	"patch_nonempty":  postCheckPatchNonempty,
}

func preCheckPathInGlobs(_ model.Task, _ map[string]string, pat model.Pattern, declaredPaths []string) error {
	for _, p := range declaredPaths {
		if strings.Contains(p, "..") {
			return fmt.Errorf("path %q escapes workspace", p)
		}
		matched := false
		for _, glob := range pat.AllowedPathGlobs {
			ok, err := filepath.Match(glob, p)
			if err == nil && ok {
				matched = true
				break
			}
		}
		if !matched {
			return fmt.Errorf("path %q not in any allowed glob", p)
		}
	}
	return nil
}

func preCheckMetadataPresent(task model.Task, args map[string]string, _ model.Pattern, _ []string) error {
	key := args["key"]
	if _, ok := task.Metadata[key]; !ok {
		return fmt.Errorf("required metadata key %q missing", key)
	}
	return nil
}

func postCheckExitCodeEq(result model.ToolResult, args map[string]string, _ []string) error {
	want, err := strconv.Atoi(args["exit_code"])
	if err != nil {
		return fmt.Errorf("exit_code_eq: invalid arg: %w", err)
	}
	if result.ExitCode != want {
		return fmt.Errorf("exit code %d != expected %d", result.ExitCode, want)
	}
	return nil
}

func postCheckTestsPassed(_ model.ToolResult, _ map[string]string, evidence []string) error {
	for _, e := range evidence {
		if e == "tests_passed" {
			return nil
		}
	}
	return fmt.Errorf("no evidence that tests were executed and passed")
}

func postCheckPatchNonempty(_ model.ToolResult, _ map[string]string, evidence []string) error {
	for _, e := range evidence {
		if e == "patch_nonempty" {
			return nil
		}
	}
	return fmt.Errorf("no non-empty patch produced")
}

// Guardrails evaluates pre/post-execution checks and whole-plan validation.
type Guardrails struct {
	patterns *pattern.Snapshot
}

// New constructs a Guardrails bound to a frozen pattern snapshot.
func New(patterns *pattern.Snapshot) *Guardrails {
	return &Guardrails{patterns: patterns}
}

// CheckPre runs the pre-execution surface: pattern exists, candidate
// tool is in the pattern's allowed set, declared paths are inside the
// pattern's allowed globs, required metadata keys are present, and the
// tool's safety tier is at least minTier.
func (g *Guardrails) CheckPre(task model.Task, tool model.ToolProfile, declaredPaths []string, minTier model.SafetyTier) error {
	if task.PatternID == "" {
		return nil // legacy mode: no pattern declared; the Executor logs it
	}
	pat, ok := g.patterns.Get(task.PatternID)
	if !ok {
		return &mperr.GuardrailPreError{TaskID: task.TaskID, Rule: "pattern_exists", Reason: "pattern not found"}
	}
	if !containsString(pat.AllowedToolIDs, tool.ToolID) {
		return &mperr.GuardrailPreError{TaskID: task.TaskID, Rule: "tool_allowed", Reason: "tool not in pattern's allowed set"}
	}
	if tool.SafetyTier() < minTier {
		return &mperr.GuardrailPreError{TaskID: task.TaskID, Rule: "safety_tier", Reason: "tool safety tier below required minimum"}
	}
	if err := preCheckPathInGlobs(task, nil, pat, declaredPaths); err != nil {
		return &mperr.GuardrailPreError{TaskID: task.TaskID, Rule: "path_in_globs", Reason: err.Error()}
	}
	for _, key := range pat.RequiredMetadataKeys {
		if err := preCheckMetadataPresent(task, map[string]string{"key": key}, pat, nil); err != nil {
			return &mperr.GuardrailPreError{TaskID: task.TaskID, Rule: "metadata_present", Reason: err.Error()}
		}
	}
	for _, desc := range pat.PreChecks {
		fn, ok := preRegistry[desc.Name]
		if !ok {
			return &mperr.GuardrailPreError{TaskID: task.TaskID, Rule: desc.Name, Reason: "unknown pre-check predicate"}
		}
		if err := fn(task, desc.Args, pat, declaredPaths); err != nil {
			return &mperr.GuardrailPreError{TaskID: task.TaskID, Rule: desc.Name, Reason: err.Error()}
		}
	}
	return nil
}

// CheckPost runs the post-execution surface: every pattern-declared
// post-check must pass. If exit_code was 0 but any post-check fails,
// the caller should relabel the attempt hallucinated_success and
// increment the run's hallucination counter.
func (g *Guardrails) CheckPost(task model.Task, result model.ToolResult, evidence []string) error {
	if task.PatternID == "" {
		return nil
	}
	pat, ok := g.patterns.Get(task.PatternID)
	if !ok {
		return &mperr.GuardrailPostError{TaskID: task.TaskID, Rule: "pattern_exists", Reason: "pattern not found"}
	}
	for _, desc := range pat.PostChecks {
		fn, ok := postRegistry[desc.Name]
		if !ok {
			return &mperr.GuardrailPostError{TaskID: task.TaskID, Rule: desc.Name, Reason: "unknown post-check predicate"}
		}
		if err := fn(result, desc.Args, evidence); err != nil {
			return &mperr.GuardrailPostError{TaskID: task.TaskID, Rule: desc.Name, Reason: err.Error()}
		}
	}
	return nil
}

// ValidatePlan rejects a plan with a duplicate task_id, whose tasks
// reference an unknown pattern id, whose depends_on does not close
// inside the plan, or whose DAG has a cycle — before any state-store
// row is created. Struct-tag schema checks are not run here.
func ValidatePlan(plan model.Plan, patterns *pattern.Snapshot) error {
	ids := make(map[string]bool, len(plan.Tasks))
	for _, t := range plan.Tasks {
		if ids[t.TaskID] {
			return &mperr.PlanInvalidError{PlanID: plan.PlanID, Reason: fmt.Sprintf("duplicate task_id %s", t.TaskID)}
		}
		ids[t.TaskID] = true
	}
	for _, t := range plan.Tasks {
		for _, dep := range t.DependsOn {
			if dep == t.TaskID {
				return &mperr.PlanInvalidError{PlanID: plan.PlanID, Reason: fmt.Sprintf("task %s depends on itself", t.TaskID)}
			}
			if !ids[dep] {
				return &mperr.PlanInvalidError{PlanID: plan.PlanID, Reason: fmt.Sprintf("task %s depends on unknown task %s", t.TaskID, dep)}
			}
		}
		if t.PatternID != "" && patterns != nil && !patterns.Exists(t.PatternID) {
			return &mperr.PlanInvalidError{PlanID: plan.PlanID, Reason: fmt.Sprintf("task %s references unknown pattern %s", t.TaskID, t.PatternID)}
		}
	}
	if cycle := scheduler.DetectCycle(plan.Tasks); cycle != nil {
		return &mperr.PlanInvalidError{PlanID: plan.PlanID, Reason: (&mperr.CycleError{Path: cycle}).Error(), Err: &mperr.CycleError{Path: cycle}}
	}
	return nil
}

func containsString(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

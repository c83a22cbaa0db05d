// Package converter implements the per-tool patch converters the
// Executor consults after a Tool Adapter invocation (spec.md §4.5,
// §4.11 step 5b: "convert stdout/stderr into a candidate Patch").
// Converters are a fixed, enumerated registry keyed by
// ToolProfile.PatchConverterID, mirroring the Guardrails predicate
// registry's "enumerated variants, not reflection" discipline.
//
// The before/after converter is grounded on the teacher's pkg/diff
// package (github.com/sergi/go-diff/diffmatchpatch): a code-modification
// tool that rewrites whole files rather than emitting its own unified
// diff hands the Tool Adapter a delimited before/after payload, and
// this converter calls diff.GenerateUnifiedDiff per file to produce the
// canonical patch the Ledger validates and applies.
package converter

import (
	"bufio"
	"strings"

	"github.com/minipipe/minipipe/internal/executor"
	"github.com/minipipe/minipipe/internal/model"
	"github.com/minipipe/minipipe/pkg/diff"
)

const (
	fileMarkerPrefix   = "@@MINIPIPE_FILE@@ "
	beforeMarker       = "@@MINIPIPE_BEFORE@@"
	afterMarker        = "@@MINIPIPE_AFTER@@"
	testsPassedMarker  = "@@MINIPIPE_TESTS_PASSED@@"
	testsFailedMarker  = "@@MINIPIPE_TESTS_FAILED@@"
)

// Registry returns the built-in, enumerated converter set keyed by the
// patch_converter_id a ToolProfile declares.
func Registry() map[string]executor.Converter {
	return map[string]executor.Converter{
		"unified_diff_passthrough": UnifiedDiffPassthrough,
		"before_after_rewrite":     BeforeAfterRewrite,
		"test_runner":              TestRunner,
	}
}

// UnifiedDiffPassthrough treats a tool's stdout as an already-formatted
// unified diff, for tools (patch generators, AI coding agents that emit
// diffs natively) that do their own diffing.
func UnifiedDiffPassthrough(result model.ToolResult) ([]byte, map[string][]byte, []string) {
	payload := strings.TrimRight(result.Stdout, "\n")
	if payload == "" {
		return nil, nil, evidenceFor(result, false)
	}
	return []byte(payload + "\n"), nil, evidenceFor(result, true)
}

// BeforeAfterRewrite expects stdout to contain, for each rewritten file,
// a "@@MINIPIPE_FILE@@ <path>" marker followed by "@@MINIPIPE_BEFORE@@",
// the file's prior content, "@@MINIPIPE_AFTER@@", and the file's new
// content. It synthesizes one unified diff per file via
// diff.GenerateUnifiedDiff and concatenates them into a single patch
// payload, plus the final file contents the Ledger's Applier writes
// directly rather than re-deriving from hunks.
func BeforeAfterRewrite(result model.ToolResult) ([]byte, map[string][]byte, []string) {
	sections := splitFileSections(result.Stdout)
	if len(sections) == 0 {
		return nil, nil, evidenceFor(result, false)
	}

	var combined strings.Builder
	files := make(map[string][]byte, len(sections))
	for _, sec := range sections {
		unified := diff.GenerateUnifiedDiff([]byte(sec.before), []byte(sec.after), "a/"+sec.path, "b/"+sec.path)
		if unified == "" {
			continue
		}
		combined.WriteString(unified)
		files[sec.path] = []byte(sec.after)
	}
	if combined.Len() == 0 {
		return nil, nil, evidenceFor(result, false)
	}
	return []byte(combined.String()), files, evidenceFor(result, true)
}

// TestRunner never produces a patch; it only translates exit status and
// stdout markers into post-check evidence for tools whose job is
// verification (test suites, linters) rather than code modification.
func TestRunner(result model.ToolResult) ([]byte, map[string][]byte, []string) {
	return nil, nil, evidenceFor(result, false)
}

// evidenceFor reports post-check evidence tags. patchNonEmpty must
// reflect whether the converter actually produced a patch payload, not
// the tool's exit code — a clean exit from a no-op tool (test runner)
// must not be mistaken for evidence of a produced patch.
func evidenceFor(result model.ToolResult, patchNonEmpty bool) []string {
	var out []string
	if patchNonEmpty {
		out = append(out, "patch_nonempty")
	}
	if strings.Contains(result.Stdout, testsPassedMarker) {
		out = append(out, "tests_passed")
	}
	if strings.Contains(result.Stdout, testsFailedMarker) {
		out = append(out, "tests_failed")
	}
	return out
}

type fileSection struct {
	path, before, after string
}

func splitFileSections(stdout string) []fileSection {
	var sections []fileSection
	scanner := bufio.NewScanner(strings.NewReader(stdout))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var cur *fileSection
	var mode int // 0=none, 1=before, 2=after
	var buf strings.Builder

	flush := func() {
		if cur == nil {
			return
		}
		switch mode {
		case 1:
			cur.before = buf.String()
		case 2:
			cur.after = buf.String()
		}
		buf.Reset()
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, fileMarkerPrefix):
			if cur != nil {
				flush()
				sections = append(sections, *cur)
			}
			cur = &fileSection{path: strings.TrimPrefix(line, fileMarkerPrefix)}
			mode = 0
		case line == beforeMarker:
			flush()
			mode = 1
		case line == afterMarker:
			flush()
			mode = 2
		default:
			if mode != 0 {
				buf.WriteString(line)
				buf.WriteByte('\n')
			}
		}
	}
	if cur != nil {
		flush()
		sections = append(sections, *cur)
	}
	return sections
}

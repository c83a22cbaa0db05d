package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const validPlanYAML = `
schema_version: "1"
plan_id: plan_1
globals:
  max_concurrency: 2
  default_timeout: 300000000000
  default_retries: 1
tasks:
  - task_id: t1
    task_kind: rename
tools:
  - tool_id: editor
    command_template: ["editor", "--task", "{{.task_id}}"]
    timeout: 30000000000
    safety_tier: low
    task_kinds: ["rename"]
routing_strategies:
  rename: fixed
`

func writePlanFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadPlanDocumentParsesValidPlan(t *testing.T) {
	t.Parallel()
	doc, err := loadPlanDocument(writePlanFile(t, validPlanYAML))
	require.NoError(t, err)
	require.Equal(t, "plan_1", doc.PlanID)
	require.Len(t, doc.Tools, 1)
	require.Equal(t, "editor", doc.Tools[0].ToolID)
}

func TestLoadPlanDocumentRejectsMissingFile(t *testing.T) {
	t.Parallel()
	_, err := loadPlanDocument(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoadPlanDocumentRejectsInvalidSchema(t *testing.T) {
	t.Parallel()
	_, err := loadPlanDocument(writePlanFile(t, "plan_id: p1\n"))
	require.Error(t, err)
}

func TestRouterRulesGroupsToolsByTaskKindWithDefaultStrategy(t *testing.T) {
	t.Parallel()
	doc, err := loadPlanDocument(writePlanFile(t, validPlanYAML))
	require.NoError(t, err)

	rules := doc.routerRules()
	require.Len(t, rules, 1)
	require.Equal(t, "rename", rules[0].TaskKind)
	require.Equal(t, "fixed", rules[0].Strategy)
	require.Len(t, rules[0].Candidates, 1)
}

func TestRouterRulesDefaultsToFixedWhenStrategyUnspecified(t *testing.T) {
	t.Parallel()
	const yamlDoc = `
schema_version: "1"
plan_id: plan_1
globals:
  max_concurrency: 1
  default_timeout: 300000000000
tasks:
  - task_id: t1
    task_kind: rename
tools:
  - tool_id: editor
    command_template: ["editor"]
    timeout: 30000000000
    safety_tier: low
    task_kinds: ["rename"]
`
	doc, err := loadPlanDocument(writePlanFile(t, yamlDoc))
	require.NoError(t, err)
	rules := doc.routerRules()
	require.Equal(t, "fixed", rules[0].Strategy)
}

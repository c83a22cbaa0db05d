package pattern

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const renamePattern = `
pattern_id: safe_rename
allowed_tool_ids: ["editor"]
allowed_path_globs: ["src/*.go"]
`

const antiPattern = `
pattern_id: spinning_retries
allowed_tool_ids: ["editor"]
allowed_path_globs: ["src/*.go"]
is_anti_pattern: true
`

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestLoadReadsAllYAMLFilesInRoot(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	writeFile(t, root, "rename.yaml", renamePattern)
	writeFile(t, root, "spin.yml", antiPattern)
	writeFile(t, root, "notes.txt", "ignore me")

	reg, err := Load(root)
	require.NoError(t, err)
	require.True(t, reg.Exists("safe_rename"))
	require.True(t, reg.Exists("spinning_retries"))
}

func TestLoadMissingRootReturnsEmptyRegistry(t *testing.T) {
	t.Parallel()
	reg, err := Load(filepath.Join(t.TempDir(), "does-not-exist"))
	require.NoError(t, err)
	require.False(t, reg.Exists("anything"))
}

func TestLoadRejectsDuplicatePatternID(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	writeFile(t, root, "a.yaml", renamePattern)
	writeFile(t, root, "b.yaml", renamePattern)

	_, err := Load(root)
	require.Error(t, err)
}

func TestLoadRejectsInvalidPattern(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	writeFile(t, root, "bad.yaml", "pattern_id: missing_fields\n")

	_, err := Load(root)
	require.Error(t, err)
}

func TestGetReturnsPatternAndOK(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	writeFile(t, root, "rename.yaml", renamePattern)
	reg, err := Load(root)
	require.NoError(t, err)

	p, ok := reg.Get("safe_rename")
	require.True(t, ok)
	require.Equal(t, []string{"editor"}, p.AllowedToolIDs)

	_, ok = reg.Get("missing")
	require.False(t, ok)
}

func TestListAntiPatternsReturnsOnlyFlaggedAndSorted(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	writeFile(t, root, "rename.yaml", renamePattern)
	writeFile(t, root, "spin.yaml", antiPattern)
	reg, err := Load(root)
	require.NoError(t, err)

	anti := reg.ListAntiPatterns()
	require.Len(t, anti, 1)
	require.Equal(t, "spinning_retries", anti[0].PatternID)
}

func TestSnapshotIsFrozenAfterSubsequentLoads(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	writeFile(t, root, "rename.yaml", renamePattern)
	reg, err := Load(root)
	require.NoError(t, err)

	snap := reg.Snapshot()
	require.True(t, snap.Exists("safe_rename"))

	writeFile(t, root, "spin.yaml", antiPattern)
	reloaded, err := Load(root)
	require.NoError(t, err)
	_, found := reloaded.Get("spinning_retries")
	require.True(t, found)
	require.False(t, snap.Exists("spinning_retries"))

	_, ok := snap.Get("safe_rename")
	require.True(t, ok)
}

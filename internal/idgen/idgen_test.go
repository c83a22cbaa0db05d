package idgen

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewMintsPrefixedUniqueIDs(t *testing.T) {
	t.Parallel()
	g := New()

	run := g.NewRunID()
	att := g.NewAttemptID()
	patch := g.NewPatchID()

	require.True(t, strings.HasPrefix(run, "run_"))
	require.True(t, strings.HasPrefix(att, "att_"))
	require.True(t, strings.HasPrefix(patch, "patch_"))

	require.NotEqual(t, run, g.NewRunID())
}

func TestNewDeterministicProducesWellFormedIDs(t *testing.T) {
	t.Parallel()
	g := NewDeterministic(42)

	run := g.NewRunID()
	require.True(t, strings.HasPrefix(run, "run_"))
	require.Len(t, strings.TrimPrefix(run, "run_"), 26) // ULID canonical length
}

// seededReader's byte stream supplies the entropy half of a
// deterministic id (the timestamp half is fixed), so the reader is
// exercised directly.
func TestSeededReaderIsReproducibleForSameSeed(t *testing.T) {
	t.Parallel()
	a := newSeededReader(42)
	b := newSeededReader(42)

	bufA := make([]byte, 32)
	bufB := make([]byte, 32)
	_, err := a.Read(bufA)
	require.NoError(t, err)
	_, err = b.Read(bufB)
	require.NoError(t, err)
	require.Equal(t, bufA, bufB)
}

func TestSeededReaderDiffersBySeed(t *testing.T) {
	t.Parallel()
	a := newSeededReader(1)
	b := newSeededReader(2)

	bufA := make([]byte, 32)
	bufB := make([]byte, 32)
	_, _ = a.Read(bufA)
	_, _ = b.Read(bufB)
	require.NotEqual(t, bufA, bufB)
}

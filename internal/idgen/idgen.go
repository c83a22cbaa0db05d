// Package idgen mints monotonic, lexicographically sortable identifiers
// for runs, step attempts and patches using ULIDs, grounded on the
// archive-naming use of github.com/oklog/ulid/v2 in the workspace
// package. In deterministic_id_mode a fixed-seed entropy source and a
// fixed timestamp are substituted so identical plans reproduce
// identical ids across runs.
package idgen

import (
	"crypto/rand"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Generator mints run/attempt/patch ids from one monotonic entropy
// source, satisfying both executor.IDGenerator and
// orchestrator.IDGenerator.
type Generator struct {
	mu      sync.Mutex
	entropy io.Reader
	now     func() time.Time
}

// New constructs a Generator backed by crypto/rand entropy.
func New() *Generator {
	return &Generator{entropy: ulid.Monotonic(rand.Reader, 0), now: time.Now}
}

// NewDeterministic constructs a Generator whose entropy is derived from
// seed and whose timestamp is fixed at the Unix epoch, used under
// Globals.DeterministicIDMode so replaying the same plan yields
// byte-identical ids for golden-file testing.
func NewDeterministic(seed int64) *Generator {
	return &Generator{
		entropy: ulid.Monotonic(newSeededReader(seed), 0),
		now:     func() time.Time { return time.Unix(0, 0) },
	}
}

func (g *Generator) next(prefix string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := ulid.MustNew(ulid.Timestamp(g.now()), g.entropy)
	return prefix + "_" + id.String()
}

// NewRunID mints a run id with the "run" prefix.
func (g *Generator) NewRunID() string { return g.next("run") }

// NewAttemptID mints a step-attempt id with the "att" prefix.
func (g *Generator) NewAttemptID() string { return g.next("att") }

// NewPatchID mints a patch id with the "patch" prefix.
func (g *Generator) NewPatchID() string { return g.next("patch") }

// seededReader is a minimal deterministic io.Reader backing
// ulid.Monotonic under Globals.DeterministicIDMode; it is not
// cryptographically secure and must never back production run ids
// outside of that explicit opt-in mode.
type seededReader struct {
	state uint64
}

func newSeededReader(seed int64) *seededReader {
	return &seededReader{state: uint64(seed) ^ 0x9E3779B97F4A7C15}
}

func (r *seededReader) Read(p []byte) (int, error) {
	for i := range p {
		r.state = r.state*6364136223846793005 + 1442695040888963407
		p[i] = byte(r.state >> 33)
	}
	return len(p), nil
}

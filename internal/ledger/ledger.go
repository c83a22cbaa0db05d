package ledger

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/minipipe/minipipe/internal/model"
	"github.com/minipipe/minipipe/internal/mperr"
	"github.com/minipipe/minipipe/internal/store"
	"github.com/minipipe/minipipe/internal/workspace"
)

// transitions is the explicit, append-only edge table of §4.10. An
// edge not present here is rejected with ErrLedgerInvalid before it
// ever reaches the State Store.
var transitions = map[model.LedgerState]map[model.LedgerState]bool{
	model.LedgerCreated: {
		model.LedgerValidated: true,
		model.LedgerDropped:   true,
	},
	model.LedgerValidated: {
		model.LedgerQueued:         true,
		model.LedgerAwaitingReview: true,
		model.LedgerQuarantined:    true,
		model.LedgerDropped:        true,
	},
	model.LedgerAwaitingReview: {
		model.LedgerQueued:  true,
		model.LedgerDropped: true,
	},
	model.LedgerQueued: {
		model.LedgerApplied:     true,
		model.LedgerApplyFailed: true,
		model.LedgerDropped:     true,
	},
	model.LedgerApplied: {
		model.LedgerVerified:    true,
		model.LedgerRolledBack:  true,
		model.LedgerQuarantined: true,
	},
	model.LedgerVerified: {
		model.LedgerCommitted:   true,
		model.LedgerRolledBack:  true,
		model.LedgerQuarantined: true,
	},
	model.LedgerApplyFailed: {
		model.LedgerQueued:      true,
		model.LedgerQuarantined: true,
		model.LedgerDropped:     true,
	},
}

// allowed reports whether from->to is a legal transition. Any
// non-terminal state may additionally move to quarantined or dropped.
func allowed(from, to model.LedgerState) bool {
	if from.Terminal() {
		return false
	}
	if to == model.LedgerQuarantined || to == model.LedgerDropped {
		return true
	}
	return transitions[from][to]
}

// Ledger drives one patch through its state machine against the
// State Store, rejecting illegal edges before they are persisted.
type Ledger struct {
	store *store.Store
}

// New constructs a Ledger backed by store.
func New(s *store.Store) *Ledger {
	return &Ledger{store: s}
}

// Transition validates from->to against the fixed edge table, appends
// the transition to the State Store, and updates the patch's current
// state. Illegal edges never reach the store.
func (l *Ledger) Transition(ctx context.Context, runID string, patchID string, from, to model.LedgerState, reason, actor string) error {
	if !allowed(from, to) {
		return &mperr.LedgerInvalidError{PatchID: patchID, Reason: fmt.Sprintf("illegal transition %s -> %s", from, to)}
	}
	return l.store.AppendLedgerTransition(ctx, runID, model.LedgerTransition{
		PatchID: patchID, From: from, To: to, Reason: reason, Actor: actor, At: time.Now(),
	})
}

// Validate checks a created patch for §4.10's validated requirements:
// schema-valid unified diff, non-empty, paths inside the owning
// pattern's allowed globs, no path escape, idempotent re-parse.
func Validate(patch model.Patch, allowedGlobs []string) error {
	if len(patch.Payload) == 0 {
		return &mperr.LedgerInvalidError{PatchID: patch.PatchID, Reason: "empty diff"}
	}
	canon := Canonicalize(patch.Payload)
	reCanon := Canonicalize(canon)
	if string(canon) != string(reCanon) {
		return &mperr.LedgerInvalidError{PatchID: patch.PatchID, Reason: "canonicalization is not idempotent"}
	}
	paths, err := ExtractPaths(canon)
	if err != nil {
		return &mperr.LedgerInvalidError{PatchID: patch.PatchID, Reason: err.Error()}
	}
	if len(paths) == 0 {
		return &mperr.LedgerInvalidError{PatchID: patch.PatchID, Reason: "diff touches no files"}
	}
	for _, p := range paths {
		if !matchesAnyGlob(p, allowedGlobs) {
			return &mperr.LedgerInvalidError{PatchID: patch.PatchID, Reason: fmt.Sprintf("path %s not in allowed globs", p)}
		}
	}
	return nil
}

func matchesAnyGlob(path string, globs []string) bool {
	for _, g := range globs {
		if ok, err := filepath.Match(g, path); err == nil && ok {
			return true
		}
	}
	return false
}

// Applier applies a validated, canonical patch to a workspace using
// go-git's worktree APIs, avoiding a shell-out to `git apply`. Only
// whole-file rewrites are supported: the converter that produced the
// Patch is expected to have resolved hunks into final file contents
// keyed by path.
type Applier struct{}

// Apply writes files (path -> final content) into handle's working
// tree, stages them, and commits. It returns the new commit's hash.
func (Applier) Apply(handle *workspace.Handle, files map[string][]byte, commitMessage string) (string, error) {
	for rel, content := range files {
		full := filepath.Join(handle.Path, rel)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return "", &mperr.ApplyConflictError{PatchID: rel, Err: err}
		}
		if err := os.WriteFile(full, content, 0o644); err != nil {
			return "", &mperr.ApplyConflictError{PatchID: rel, Err: err}
		}
	}

	repo, err := git.PlainOpen(handle.Path)
	if err != nil {
		return "", &mperr.ApplyConflictError{PatchID: handle.Branch, Err: err}
	}
	wt, err := repo.Worktree()
	if err != nil {
		return "", &mperr.ApplyConflictError{PatchID: handle.Branch, Err: err}
	}
	for rel := range files {
		if _, err := wt.Add(rel); err != nil {
			return "", &mperr.ApplyConflictError{PatchID: rel, Err: err}
		}
	}
	commit, err := wt.Commit(commitMessage, &git.CommitOptions{
		Author: &object.Signature{
			Name:  "minipipe",
			Email: "minipipe@localhost",
			When:  time.Now(),
		},
	})
	if err != nil {
		return "", &mperr.ApplyConflictError{PatchID: handle.Branch, Err: err}
	}
	return commit.String(), nil
}

// Package workspace implements the Workspace Manager (C4): isolated
// per-task working copies branched off a base repository. Grounded on
// internal/plugins/repo/repo.go, the teacher's go-git/go-git/v5 plugin
// (git.PlainOpen, git.CloneOptions, plumbing.NewBranchReferenceName).
// go-git v5 has no "git worktree add" primitive, so a workspace here is
// a dedicated clone of the base repository rather than a linked
// worktree — the isolation and branch-exclusivity guarantees the spec
// requires are identical either way.
package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/oklog/ulid/v2"

	"github.com/minipipe/minipipe/internal/logx"
	"github.com/minipipe/minipipe/internal/mperr"
)

// Outcome is the result a caller reports on Release.
type Outcome int

const (
	Success Outcome = iota
	Failure
)

// Handle is an acquired, isolated working copy on a dedicated branch.
type Handle struct {
	RunID   string
	TaskID  string
	Branch  string
	Path    string
	repo    *git.Repository
}

// Manager creates and tears down isolated workspaces anchored to a
// base repository. One active branch per workspace is enforced by a
// branch->handle map guarded by a mutex; disk I/O itself runs without
// the mutex held.
type Manager struct {
	baseRepoPath        string
	root                string
	archiveRetentionCap int
	logger              *logx.Logger

	mu       sync.Mutex
	active   map[string]*Handle // branch -> handle
}

// New constructs a Manager. baseRepoPath is the repository workspaces
// are branched from; root is where per-run/task clones are created.
func New(baseRepoPath, root string, archiveRetentionCap int, logger *logx.Logger) *Manager {
	return &Manager{
		baseRepoPath:        baseRepoPath,
		root:                root,
		archiveRetentionCap: archiveRetentionCap,
		logger:              logger,
		active:              make(map[string]*Handle),
	}
}

func branchName(runID, taskID string) string {
	return fmt.Sprintf("engine/%s/%s", runID, taskID)
}

// Acquire creates an isolated clone of the base repository at baseRef,
// checked out onto a fresh deterministic branch. It fails with
// ErrWorkspaceBusy if that branch is already checked out elsewhere.
// Acquisition is synchronous and may block on clone I/O; it must
// complete before the Executor spawns any tool.
func (m *Manager) Acquire(ctx context.Context, runID, taskID, baseRef string) (*Handle, error) {
	branch := branchName(runID, taskID)

	m.mu.Lock()
	if _, busy := m.active[branch]; busy {
		m.mu.Unlock()
		return nil, &mperr.WorkspaceBusyError{Branch: branch}
	}
	m.active[branch] = nil // reserve the slot before releasing the lock
	m.mu.Unlock()

	dest := filepath.Join(m.root, runID, taskID)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		m.unreserve(branch)
		return nil, fmt.Errorf("workspace: mkdir %s: %w", dest, err)
	}

	repo, err := git.PlainCloneContext(ctx, dest, false, &git.CloneOptions{
		URL: m.baseRepoPath,
	})
	if err != nil {
		m.unreserve(branch)
		return nil, fmt.Errorf("workspace: clone base repo: %w", err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		m.unreserve(branch)
		return nil, fmt.Errorf("workspace: worktree: %w", err)
	}

	checkoutOpts := &git.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName(branch),
		Create: true,
	}
	if baseRef != "" {
		checkoutOpts.Hash = plumbing.NewHash(baseRef)
	}
	if err := wt.Checkout(checkoutOpts); err != nil {
		m.unreserve(branch)
		return nil, fmt.Errorf("workspace: checkout branch %s: %w", branch, err)
	}

	h := &Handle{RunID: runID, TaskID: taskID, Branch: branch, Path: dest, repo: repo}

	m.mu.Lock()
	m.active[branch] = h
	m.mu.Unlock()

	if m.logger != nil {
		m.logger.Info("workspace acquired", "run_id", runID, "task_id", taskID, "branch", branch)
	}
	return h, nil
}

func (m *Manager) unreserve(branch string) {
	m.mu.Lock()
	delete(m.active, branch)
	m.mu.Unlock()
}

// Release tears down a workspace. On success the directory and branch
// are destroyed; on failure the directory is moved under an archive
// prefix for later inspection, with the oldest archives evicted first
// once ArchiveRetentionCap is exceeded.
func (m *Manager) Release(h *Handle, outcome Outcome) error {
	defer m.unreserve(h.Branch)

	if outcome == Success {
		if err := os.RemoveAll(h.Path); err != nil {
			return fmt.Errorf("workspace: remove %s: %w", h.Path, err)
		}
		if m.logger != nil {
			m.logger.Info("workspace released", "branch", h.Branch, "outcome", "success")
		}
		return nil
	}

	archiveRoot := filepath.Join(m.root, "archive", h.RunID)
	if err := os.MkdirAll(archiveRoot, 0o755); err != nil {
		return fmt.Errorf("workspace: mkdir archive: %w", err)
	}
	archivePath := filepath.Join(archiveRoot, fmt.Sprintf("%s-%s", h.TaskID, ulid.Make().String()))
	if err := os.Rename(h.Path, archivePath); err != nil {
		return fmt.Errorf("workspace: archive %s: %w", h.Path, err)
	}
	if m.logger != nil {
		m.logger.Warn("workspace archived", "branch", h.Branch, "archive_path", archivePath)
	}
	return m.evictOldArchives(archiveRoot)
}

func (m *Manager) evictOldArchives(archiveRoot string) error {
	if m.archiveRetentionCap <= 0 {
		return nil
	}
	entries, err := os.ReadDir(archiveRoot)
	if err != nil {
		return fmt.Errorf("workspace: read archive dir: %w", err)
	}
	if len(entries) <= m.archiveRetentionCap {
		return nil
	}

	type aged struct {
		name    string
		modTime time.Time
	}
	var aged_ []aged
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		aged_ = append(aged_, aged{name: e.Name(), modTime: info.ModTime()})
	}
	sort.Slice(aged_, func(i, j int) bool { return aged_[i].modTime.Before(aged_[j].modTime) })

	evict := len(aged_) - m.archiveRetentionCap
	for i := 0; i < evict; i++ {
		path := filepath.Join(archiveRoot, aged_[i].name)
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("workspace: evict archive %s: %w", path, err)
		}
	}
	return nil
}

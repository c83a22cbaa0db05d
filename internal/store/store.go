// Package store implements the State Store (C1): durable, single-writer
// persistence for runs, step attempts, patches and ledger transitions,
// plus the append-only event log. Grounded on graph/store/sqlite.go in
// the dshills-langgraph-go reference repo: a single *sql.DB opened with
// SetMaxOpenConns(1), WAL journal mode, foreign keys on, and a busy
// timeout, with every multi-row operation wrapped in one *sql.Tx.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/minipipe/minipipe/internal/mperr"
	"github.com/minipipe/minipipe/internal/model"
)

// Store is the sole component allowed to write engine state to disk.
type Store struct {
	db *sql.DB

	// runLocks serializes writer transactions for a given run; the
	// store-wide globalMu serializes appends to the shared event log.
	runLocksMu sync.Mutex
	runLocks   map[string]*sync.Mutex
	globalMu   sync.Mutex
}

// Open creates or attaches to the SQLite-backed store at path (use
// ":memory:" for tests).
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, &mperr.StorageError{Op: "open", Err: err}
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, &mperr.StorageError{Op: pragma, Err: err}
		}
	}

	s := &Store{db: db, runLocks: make(map[string]*sync.Mutex)}
	if err := s.createSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) createSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			plan_id TEXT NOT NULL,
			state TEXT NOT NULL,
			started_at TIMESTAMP NOT NULL,
			finished_at TIMESTAMP,
			stats TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS step_attempts (
			attempt_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL REFERENCES runs(run_id),
			task_id TEXT NOT NULL,
			tool_id TEXT NOT NULL,
			attempt_index INTEGER NOT NULL,
			started_at TIMESTAMP NOT NULL,
			finished_at TIMESTAMP,
			exit_code INTEGER NOT NULL,
			stdout TEXT NOT NULL,
			stderr TEXT NOT NULL,
			output_patch_id TEXT,
			state TEXT NOT NULL,
			failure_reason TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_step_attempts_run ON step_attempts(run_id)`,
		`CREATE TABLE IF NOT EXISTS patches (
			patch_id TEXT PRIMARY KEY,
			step_id TEXT NOT NULL REFERENCES step_attempts(attempt_id),
			payload BLOB NOT NULL,
			paths TEXT NOT NULL,
			stats TEXT NOT NULL,
			ledger_state TEXT NOT NULL,
			content_hash TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ledger_transitions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			patch_id TEXT NOT NULL REFERENCES patches(patch_id),
			from_state TEXT NOT NULL,
			to_state TEXT NOT NULL,
			reason TEXT NOT NULL,
			actor TEXT NOT NULL,
			at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_transitions_patch ON ledger_transitions(patch_id)`,
		`CREATE TABLE IF NOT EXISTS events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			task_id TEXT NOT NULL DEFAULT '',
			patch_id TEXT NOT NULL DEFAULT '',
			tool_id TEXT NOT NULL DEFAULT '',
			at TIMESTAMP NOT NULL,
			fields TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_run_seq ON events(run_id, seq)`,
		`CREATE TABLE IF NOT EXISTS run_control (
			run_id TEXT PRIMARY KEY,
			cancel_requested INTEGER NOT NULL DEFAULT 0
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return &mperr.StorageError{Op: "create_schema", Err: err}
		}
	}
	return nil
}

func (s *Store) lockFor(runID string) *sync.Mutex {
	s.runLocksMu.Lock()
	defer s.runLocksMu.Unlock()
	l, ok := s.runLocks[runID]
	if !ok {
		l = &sync.Mutex{}
		s.runLocks[runID] = l
	}
	return l
}

func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &mperr.StorageError{Op: "begin_tx", Err: err}
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return &mperr.StorageError{Op: "commit_tx", Err: err}
	}
	return nil
}

// CreateRun inserts a new Run row in state pending.
func (s *Store) CreateRun(ctx context.Context, run model.Run) error {
	lock := s.lockFor(run.RunID)
	lock.Lock()
	defer lock.Unlock()

	statsJSON, err := json.Marshal(run.Stats)
	if err != nil {
		return &mperr.StorageError{Op: "marshal_stats", Err: err}
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO runs (run_id, plan_id, state, started_at, finished_at, stats) VALUES (?, ?, ?, ?, ?, ?)`,
			run.RunID, run.PlanID, string(run.State), run.StartedAt, run.FinishedAt, string(statsJSON))
		if err != nil {
			return &mperr.StorageError{Op: "insert_run", Err: err}
		}
		return nil
	})
}

// UpdateRunState transitions a run's state and optionally its stats and
// finished_at timestamp, in a single transaction.
func (s *Store) UpdateRunState(ctx context.Context, runID string, state model.RunState, stats model.RunStats, finishedAt *time.Time) error {
	lock := s.lockFor(runID)
	lock.Lock()
	defer lock.Unlock()

	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return &mperr.StorageError{Op: "marshal_stats", Err: err}
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE runs SET state = ?, stats = ?, finished_at = ? WHERE run_id = ?`,
			string(state), string(statsJSON), finishedAt, runID)
		if err != nil {
			return &mperr.StorageError{Op: "update_run_state", Err: err}
		}
		return nil
	})
}

// AppendStepAttempt inserts a new running step attempt row.
func (s *Store) AppendStepAttempt(ctx context.Context, att model.StepAttempt) error {
	lock := s.lockFor(att.RunID)
	lock.Lock()
	defer lock.Unlock()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO step_attempts (attempt_id, run_id, task_id, tool_id, attempt_index, started_at, finished_at, exit_code, stdout, stderr, output_patch_id, state, failure_reason)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			att.AttemptID, att.RunID, att.TaskID, att.ToolID, att.AttemptIndex, att.StartedAt, att.FinishedAt,
			att.ExitCode, att.Stdout, att.Stderr, nullableString(att.OutputPatchID), string(att.State), att.FailureReason)
		if err != nil {
			return &mperr.StorageError{Op: "append_step_attempt", Err: err}
		}
		return nil
	})
}

// FinalizeStepAttempt updates a step attempt's terminal fields.
func (s *Store) FinalizeStepAttempt(ctx context.Context, att model.StepAttempt) error {
	lock := s.lockFor(att.RunID)
	lock.Lock()
	defer lock.Unlock()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE step_attempts SET finished_at = ?, exit_code = ?, stdout = ?, stderr = ?, output_patch_id = ?, state = ?, failure_reason = ?
			 WHERE attempt_id = ?`,
			att.FinishedAt, att.ExitCode, att.Stdout, att.Stderr, nullableString(att.OutputPatchID), string(att.State), att.FailureReason, att.AttemptID)
		if err != nil {
			return &mperr.StorageError{Op: "finalize_step_attempt", Err: err}
		}
		return nil
	})
}

// StorePatch inserts a newly produced patch row.
func (s *Store) StorePatch(ctx context.Context, runID string, p model.Patch) error {
	lock := s.lockFor(runID)
	lock.Lock()
	defer lock.Unlock()

	pathsJSON, err := json.Marshal(p.Paths)
	if err != nil {
		return &mperr.StorageError{Op: "marshal_paths", Err: err}
	}
	statsJSON, err := json.Marshal(p.Stats)
	if err != nil {
		return &mperr.StorageError{Op: "marshal_diff_stats", Err: err}
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO patches (patch_id, step_id, payload, paths, stats, ledger_state, content_hash) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			p.PatchID, p.StepID, p.Payload, string(pathsJSON), string(statsJSON), string(p.LedgerState), p.ContentHash)
		if err != nil {
			return &mperr.StorageError{Op: "store_patch", Err: err}
		}
		return nil
	})
}

// AppendLedgerTransition records one append-only ledger edge and
// updates the owning patch's current ledger_state, atomically.
func (s *Store) AppendLedgerTransition(ctx context.Context, runID string, t model.LedgerTransition) error {
	lock := s.lockFor(runID)
	lock.Lock()
	defer lock.Unlock()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO ledger_transitions (patch_id, from_state, to_state, reason, actor, at) VALUES (?, ?, ?, ?, ?, ?)`,
			t.PatchID, string(t.From), string(t.To), t.Reason, t.Actor, t.At)
		if err != nil {
			return &mperr.StorageError{Op: "append_ledger_transition", Err: err}
		}
		if _, err := tx.ExecContext(ctx, `UPDATE patches SET ledger_state = ? WHERE patch_id = ?`, string(t.To), t.PatchID); err != nil {
			return &mperr.StorageError{Op: "update_patch_ledger_state", Err: err}
		}
		return nil
	})
}

// LedgerHistory returns the append-only transition log for a patch, in
// insertion order.
func (s *Store) LedgerHistory(ctx context.Context, patchID string) ([]model.LedgerTransition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT patch_id, from_state, to_state, reason, actor, at FROM ledger_transitions WHERE patch_id = ? ORDER BY id ASC`, patchID)
	if err != nil {
		return nil, &mperr.StorageError{Op: "ledger_history", Err: err}
	}
	defer rows.Close()

	var out []model.LedgerTransition
	for rows.Next() {
		var t model.LedgerTransition
		var from, to string
		if err := rows.Scan(&t.PatchID, &from, &to, &t.Reason, &t.Actor, &t.At); err != nil {
			return nil, &mperr.StorageError{Op: "ledger_history_scan", Err: err}
		}
		t.From, t.To = model.LedgerState(from), model.LedgerState(to)
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetRun loads a single run by id.
func (s *Store) GetRun(ctx context.Context, runID string) (model.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT run_id, plan_id, state, started_at, finished_at, stats FROM runs WHERE run_id = ?`, runID)
	var run model.Run
	var state, statsJSON string
	var finishedAt sql.NullTime
	if err := row.Scan(&run.RunID, &run.PlanID, &state, &run.StartedAt, &finishedAt, &statsJSON); err != nil {
		if err == sql.ErrNoRows {
			return model.Run{}, &mperr.StorageError{Op: "get_run", Err: fmt.Errorf("run %s not found", runID)}
		}
		return model.Run{}, &mperr.StorageError{Op: "get_run", Err: err}
	}
	run.State = model.RunState(state)
	if finishedAt.Valid {
		t := finishedAt.Time
		run.FinishedAt = &t
	}
	if err := json.Unmarshal([]byte(statsJSON), &run.Stats); err != nil {
		return model.Run{}, &mperr.StorageError{Op: "unmarshal_stats", Err: err}
	}
	return run, nil
}

// ListRuns returns runs optionally filtered by state, most recent first.
func (s *Store) ListRuns(ctx context.Context, state model.RunState) ([]model.Run, error) {
	query := `SELECT run_id, plan_id, state, started_at, finished_at, stats FROM runs`
	args := []interface{}{}
	if state != "" {
		query += ` WHERE state = ?`
		args = append(args, string(state))
	}
	query += ` ORDER BY started_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &mperr.StorageError{Op: "list_runs", Err: err}
	}
	defer rows.Close()

	var out []model.Run
	for rows.Next() {
		var run model.Run
		var st, statsJSON string
		var finishedAt sql.NullTime
		if err := rows.Scan(&run.RunID, &run.PlanID, &st, &run.StartedAt, &finishedAt, &statsJSON); err != nil {
			return nil, &mperr.StorageError{Op: "list_runs_scan", Err: err}
		}
		run.State = model.RunState(st)
		if finishedAt.Valid {
			t := finishedAt.Time
			run.FinishedAt = &t
		}
		if err := json.Unmarshal([]byte(statsJSON), &run.Stats); err != nil {
			return nil, &mperr.StorageError{Op: "unmarshal_stats", Err: err}
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// AppendEvent writes one row to the append-only, monotonic-sequence
// event log backing stream_events_since.
func (s *Store) AppendEvent(ctx context.Context, ev model.Event) error {
	s.globalMu.Lock()
	defer s.globalMu.Unlock()

	fieldsJSON, err := json.Marshal(ev.Fields)
	if err != nil {
		return &mperr.StorageError{Op: "marshal_event_fields", Err: err}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO events (run_id, kind, task_id, patch_id, tool_id, at, fields) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.RunID, string(ev.Kind), ev.TaskID, ev.PatchID, ev.ToolID, ev.At, string(fieldsJSON))
	if err != nil {
		return &mperr.StorageError{Op: "append_event", Err: err}
	}
	return nil
}

// StreamEventsSince returns every event for runID with seq > offset, in
// ascending sequence order.
func (s *Store) StreamEventsSince(ctx context.Context, runID string, offset int64) ([]model.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, kind, run_id, task_id, patch_id, tool_id, at, fields FROM events WHERE run_id = ? AND seq > ? ORDER BY seq ASC`,
		runID, offset)
	if err != nil {
		return nil, &mperr.StorageError{Op: "stream_events_since", Err: err}
	}
	defer rows.Close()

	var out []model.Event
	for rows.Next() {
		var ev model.Event
		var kind, fieldsJSON string
		if err := rows.Scan(&ev.Seq, &kind, &ev.RunID, &ev.TaskID, &ev.PatchID, &ev.ToolID, &ev.At, &fieldsJSON); err != nil {
			return nil, &mperr.StorageError{Op: "stream_events_since_scan", Err: err}
		}
		ev.Kind = model.EventKind(kind)
		if err := json.Unmarshal([]byte(fieldsJSON), &ev.Fields); err != nil {
			return nil, &mperr.StorageError{Op: "unmarshal_event_fields", Err: err}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// RequestCancel records a cooperative cancel request for runID, readable
// by any process holding a handle on the same state store — the
// mechanism `cancel-run` uses to reach a Run owned by a separate
// `execute-plan` process.
func (s *Store) RequestCancel(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_control (run_id, cancel_requested) VALUES (?, 1)
		 ON CONFLICT(run_id) DO UPDATE SET cancel_requested = 1`, runID)
	if err != nil {
		return &mperr.StorageError{Op: "request_cancel", Err: err}
	}
	return nil
}

// IsCancelRequested reports whether a cancellation has been recorded
// for runID. The Orchestrator polls this alongside its in-process
// Cancellation flag.
func (s *Store) IsCancelRequested(ctx context.Context, runID string) (bool, error) {
	var requested int
	err := s.db.QueryRowContext(ctx, `SELECT cancel_requested FROM run_control WHERE run_id = ?`, runID).Scan(&requested)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, &mperr.StorageError{Op: "is_cancel_requested", Err: err}
	}
	return requested != 0, nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

package main

import (
	"fmt"
	"os"

	"github.com/minipipe/minipipe/internal/engcfg"
	"github.com/minipipe/minipipe/internal/logx"
	"github.com/minipipe/minipipe/internal/mperr"
	"github.com/minipipe/minipipe/internal/store"
)

// app bundles the long-lived collaborators every subcommand needs:
// a logger and a handle on the durable state store.
type app struct {
	cfg    engcfg.EngineConfig
	logger *logx.Logger
	store  *store.Store
}

func newApp(flags *rootFlags) (*app, error) {
	cfg, err := resolveConfig(flags)
	if err != nil {
		return nil, err
	}
	level := "info"
	if flags.verbose {
		level = "debug"
	}
	logger, err := logx.New(logx.Options{Writer: os.Stderr, Level: level, Component: "cli"})
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	st, err := store.Open(cfg.StateDir + "/minipipe.db")
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, logger: logger, store: st}, nil
}

func (a *app) close() {
	_ = a.store.Close()
}

// exitCodeFor maps a terminal error to the CLI exit-code contract:
// 0 success (the happy path never reaches here), 2 run failed, 3 run
// quarantined, 4 run canceled, >=64 invalid plan or unexpected error,
// 65 run not found.
func exitCodeFor(err error) int {
	if err == nil {
		return 0
	}
	switch e := err.(type) {
	case *mperr.PlanInvalidError:
		return 64
	case *runNotFoundError:
		return 65
	case *runOutcomeError:
		return e.code
	default:
		return 70
	}
}

type runNotFoundError struct{ RunID string }

func (e *runNotFoundError) Error() string { return fmt.Sprintf("run %s not found", e.RunID) }

type runOutcomeError struct {
	code int
	msg  string
}

func (e *runOutcomeError) Error() string { return e.msg }

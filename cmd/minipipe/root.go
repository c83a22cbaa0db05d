// Command minipipe is the CLI surface of the execution engine (C12's
// outer driver), grounded on cmd/streamy/root.go's persistent-flag and
// subcommand-tree shape, minus the interactive dashboard/TUI.
package main

import (
	"github.com/spf13/cobra"

	"github.com/minipipe/minipipe/internal/engcfg"
)

type rootFlags struct {
	stateDir       string
	patternRoot    string
	workspaceRoot  string
	deterministic  bool
	maxConcurrency int
	verbose        bool
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:           "minipipe",
		Short:         "minipipe drives autonomous code-modification plans to completion",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&flags.stateDir, "state-dir", "", "Directory for the durable state store (defaults to MINIPIPE_STATE_DIR or ./.minipipe/state)")
	cmd.PersistentFlags().StringVar(&flags.patternRoot, "pattern-root", "", "Directory of pattern specs (defaults to MINIPIPE_PATTERN_ROOT)")
	cmd.PersistentFlags().StringVar(&flags.workspaceRoot, "workspace-root", "", "Directory for per-task workspace clones")
	cmd.PersistentFlags().BoolVar(&flags.deterministic, "deterministic", false, "Run in deterministic id/jitter mode for reproducible golden-file tests")
	cmd.PersistentFlags().IntVar(&flags.maxConcurrency, "max-concurrency", 0, "Cap on the plan's max_concurrency (defaults to MINIPIPE_MAX_CONCURRENCY)")
	cmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "Enable debug logging")

	cmd.AddCommand(newExecutePlanCmd(flags))
	cmd.AddCommand(newShowRunCmd(flags))
	cmd.AddCommand(newCancelRunCmd(flags))
	cmd.AddCommand(newListRunsCmd(flags))

	return cmd
}

// resolveConfig layers flags over environment over defaults, flags
// winning, matching the precedence engcfg.Load documents.
func resolveConfig(flags *rootFlags) (engcfg.EngineConfig, error) {
	cfg, err := engcfg.Load()
	if err != nil {
		return cfg, err
	}
	if flags.stateDir != "" {
		cfg.StateDir = flags.stateDir
	}
	if flags.patternRoot != "" {
		cfg.PatternRoot = flags.patternRoot
	}
	if flags.workspaceRoot != "" {
		cfg.WorkspaceRoot = flags.workspaceRoot
	}
	if flags.maxConcurrency > 0 {
		cfg.MaxConcurrency = flags.maxConcurrency
	}
	if flags.deterministic {
		cfg.Deterministic = true
	}
	return cfg, cfg.Validate()
}

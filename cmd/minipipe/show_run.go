package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/minipipe/minipipe/internal/mperr"
)

func newShowRunCmd(root *rootFlags) *cobra.Command {
	var runID string
	cmd := &cobra.Command{
		Use:   "show-run",
		Short: "Print a run's current state, task summaries and ledger summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShowRun(root, runID)
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "Run id to inspect")
	cmd.MarkFlagRequired("run-id") //nolint:errcheck
	return cmd
}

func runShowRun(root *rootFlags, runID string) error {
	a, err := newApp(root)
	if err != nil {
		return err
	}
	defer a.close()

	ctx := context.Background()
	run, err := a.store.GetRun(ctx, runID)
	if err != nil {
		var storageErr *mperr.StorageError
		if errors.As(err, &storageErr) && storageErr.Op == "get_run" {
			return &runNotFoundError{RunID: runID}
		}
		return err
	}

	fmt.Printf("run_id: %s\n", run.RunID)
	fmt.Printf("plan_id: %s\n", run.PlanID)
	fmt.Printf("state: %s\n", run.State)
	fmt.Printf("started_at: %s\n", run.StartedAt)
	if run.FinishedAt != nil {
		fmt.Printf("finished_at: %s\n", *run.FinishedAt)
	}
	fmt.Printf("patches_applied: %d\n", run.Stats.PatchesApplied)
	fmt.Printf("hallucination_count: %d\n", run.Stats.HallucinationCount)
	for _, d := range run.Stats.AntiPatternsDetected {
		fmt.Printf("anti_pattern: %s severity=%s task=%s at=%s\n", d.Kind, d.Severity, d.TaskID, d.DetectedAt)
	}

	events, err := a.store.StreamEventsSince(ctx, runID, 0)
	if err != nil {
		return err
	}
	for _, ev := range events {
		fmt.Printf("event: %-24s task=%-16s tool=%-16s patch=%s\n", ev.Kind, ev.TaskID, ev.ToolID, ev.PatchID)
	}
	return nil
}

package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/minipipe/minipipe/internal/model"
)

func newListRunsCmd(root *rootFlags) *cobra.Command {
	var state string
	cmd := &cobra.Command{
		Use:   "list-runs",
		Short: "List known runs, optionally filtered by state",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(root)
			if err != nil {
				return err
			}
			defer a.close()

			runs, err := a.store.ListRuns(context.Background(), model.RunState(state))
			if err != nil {
				return err
			}
			for _, run := range runs {
				finished := "-"
				if run.FinishedAt != nil {
					finished = run.FinishedAt.Format("2006-01-02T15:04:05Z07:00")
				}
				fmt.Printf("%-26s %-20s %-12s started=%s finished=%s\n",
					run.RunID, run.PlanID, run.State, run.StartedAt.Format("2006-01-02T15:04:05Z07:00"), finished)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "Filter by run state (pending, running, succeeded, failed, quarantined, canceled)")
	return cmd
}

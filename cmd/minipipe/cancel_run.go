package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newCancelRunCmd(root *rootFlags) *cobra.Command {
	var runID string
	cmd := &cobra.Command{
		Use:   "cancel-run",
		Short: "Cooperatively request cancellation of a running run",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(root)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.store.RequestCancel(context.Background(), runID); err != nil {
				return err
			}
			fmt.Printf("cancellation requested for run %s\n", runID)
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "Run id to cancel")
	cmd.MarkFlagRequired("run-id") //nolint:errcheck
	return cmd
}

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/minipipe/minipipe/internal/antipattern"
	"github.com/minipipe/minipipe/internal/converter"
	"github.com/minipipe/minipipe/internal/eventbus"
	"github.com/minipipe/minipipe/internal/executor"
	"github.com/minipipe/minipipe/internal/guardrails"
	"github.com/minipipe/minipipe/internal/idgen"
	"github.com/minipipe/minipipe/internal/ledger"
	"github.com/minipipe/minipipe/internal/metrics"
	"github.com/minipipe/minipipe/internal/model"
	"github.com/minipipe/minipipe/internal/orchestrator"
	"github.com/minipipe/minipipe/internal/pattern"
	"github.com/minipipe/minipipe/internal/resilience"
	"github.com/minipipe/minipipe/internal/router"
	"github.com/minipipe/minipipe/internal/tooladapter"
	"github.com/minipipe/minipipe/internal/workspace"
)

type executePlanOptions struct {
	PlanPath string
	RunID    string
	BaseRef  string
	BaseRepo string
}

func newExecutePlanCmd(root *rootFlags) *cobra.Command {
	opts := executePlanOptions{}

	cmd := &cobra.Command{
		Use:   "execute-plan",
		Short: "Execute a plan to completion",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExecutePlan(root, opts)
		},
	}
	cmd.Flags().StringVar(&opts.PlanPath, "plan", "", "Path to the plan YAML document")
	cmd.Flags().StringVar(&opts.RunID, "run-id", "", "Explicit run id (defaults to a minted ULID)")
	cmd.Flags().StringVar(&opts.BaseRepo, "base-repo", ".", "Path to the base git repository plans branch off of")
	cmd.Flags().StringVar(&opts.BaseRef, "base-ref", "", "Commit/ref workspaces are cloned from (defaults to the base repo's HEAD)")
	cmd.MarkFlagRequired("plan") //nolint:errcheck

	return cmd
}

func runExecutePlan(rootFlags *rootFlags, opts executePlanOptions) error {
	a, err := newApp(rootFlags)
	if err != nil {
		return err
	}
	defer a.close()

	doc, err := loadPlanDocument(opts.PlanPath)
	if err != nil {
		return err
	}

	patterns, err := pattern.Load(a.cfg.PatternRoot)
	if err != nil {
		return err
	}
	snap := patterns.Snapshot()

	if err := guardrails.ValidatePlan(doc.Plan, snap); err != nil {
		return err
	}
	if a.cfg.MaxConcurrency > 0 && a.cfg.MaxConcurrency < doc.Plan.Globals.MaxConcurrency {
		doc.Plan.Globals.MaxConcurrency = a.cfg.MaxConcurrency
	}

	ids := idgen.New()
	if a.cfg.Deterministic {
		ids = idgen.NewDeterministic(1)
	}
	runID := opts.RunID
	if runID == "" {
		runID = ids.NewRunID()
	}

	bus := eventbus.New(a.logger.With("component", "eventbus"))
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	kernel := resilience.New(resilience.BreakerParams{FailureThreshold: 3, OpenDuration: 30 * time.Second, HalfOpenProbes: 1}, 10, 2, 1)
	rtr := router.New(doc.routerRules())
	gr := guardrails.New(snap)
	ws := workspace.New(opts.BaseRepo, a.cfg.WorkspaceRoot, 20, a.logger.With("component", "workspace"))
	ldg := ledger.New(a.store)
	detector := antipattern.New()

	deps := executor.Deps{
		Router: rtr, Guardrails: gr, Kernel: kernel, Workspace: ws,
		Adapter: tooladapter.NewProcessAdapter(), Ledger: ldg, Store: a.store,
		Bus: bus, Patterns: snap, Metrics: m, Converters: converter.Registry(), IDs: ids,
	}

	orch := orchestrator.New(a.store, bus, detector, m, a.logger, deps, ids)

	run, runErr := orch.Run(context.Background(), runID, doc.Plan, opts.BaseRef, &orchestrator.Cancellation{})
	fmt.Printf("run %s finished with state %s\n", run.RunID, run.State)

	switch run.State {
	case model.RunSucceeded:
		return nil
	case model.RunFailed:
		return &runOutcomeError{code: 2, msg: fmt.Sprintf("run %s failed", run.RunID)}
	case model.RunQuarantined:
		return &runOutcomeError{code: 3, msg: fmt.Sprintf("run %s quarantined", run.RunID)}
	case model.RunCanceled:
		return &runOutcomeError{code: 4, msg: fmt.Sprintf("run %s canceled", run.RunID)}
	default:
		if runErr != nil {
			return runErr
		}
		return &runOutcomeError{code: 70, msg: fmt.Sprintf("run %s ended in unexpected state %s", run.RunID, run.State)}
	}
}

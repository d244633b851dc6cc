package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/bootstrappo/bootstrappo/pkg/engine"
	"github.com/bootstrappo/bootstrappo/pkg/events"
)

func newConvergeCommand() *cobra.Command {
	var (
		watch       bool
		retryFailed bool
	)

	cmd := &cobra.Command{
		Use:   "converge",
		Short: "Converge the cluster toward the declared plan",
		Long: `Converge runs reconcile passes against the plan until the cluster
matches it or a blocker is found.

Without --watch a single pass runs to its terminal phase and the command
exits zero only when the plan converged. With --watch the loop keeps
running: periodic timers, plan-file edits, and cluster events each
trigger a fresh pass until interrupted.`,
		Example: `  # Single convergence pass
  bootstrappo converge -c /etc/bootstrappo/config.yaml

  # Re-evaluate previously failed steps as well
  bootstrappo converge --retry-failed

  # Stay resident and reconcile on triggers
  bootstrappo converge --watch`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConverge(cmd.Context(), watch, retryFailed)
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "keep reconciling on triggers until interrupted")
	cmd.Flags().BoolVar(&retryFailed, "retry-failed", false, "requeue failed steps this pass")

	return cmd
}

func runConverge(ctx context.Context, watch, retryFailed bool) error {
	rt, err := buildRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close(context.Background())

	if err := rt.tel.StartMetricsServer(); err != nil {
		return fmt.Errorf("start metrics server: %w", err)
	}

	// Detection is fail-closed, so an unreachable API only slows things
	// down; still worth telling the operator up front.
	if err := rt.api.HealthCheck(ctx); err != nil {
		rt.tel.Logger.WithError(err).Warn("cluster api not ready; detection will be inconclusive")
	}

	if watch {
		return runWatch(ctx, rt, retryFailed)
	}

	report, err := rt.loop.ConvergeWith(ctx, engine.Trigger{
		Cause:       engine.TriggerManual,
		RetryFailed: retryFailed,
	})
	if err != nil {
		return err
	}

	if err := printReport(report); err != nil {
		return err
	}
	if report.Phase != engine.PhaseConverged {
		return fmt.Errorf("plan did not converge: %d failed, %d pending",
			report.Summary.Failed, report.Summary.Pending)
	}
	return nil
}

func runWatch(ctx context.Context, rt *runtime, retryFailed bool) error {
	broker := events.NewBroker(events.BrokerOptions{
		Interval: rt.cfg.Loop.Interval.Std(),
		PlanPath: rt.cfg.PlanPath,
		Logger:   rt.tel.Logger,
	})

	triggers, err := broker.Start(ctx)
	if err != nil {
		return fmt.Errorf("start trigger sources: %w", err)
	}

	// Kick off an immediate pass instead of waiting for the first timer.
	broker.Trigger(engine.TriggerManual, retryFailed)

	if err := rt.loop.Run(ctx, triggers); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func printReport(report *engine.PassReport) error {
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	fmt.Printf("Pass %s finished in %s\n", report.ID, report.CompletedAt.Sub(report.StartedAt).Round(time.Millisecond))
	fmt.Printf("  Phase:     %s\n", report.Phase)
	fmt.Printf("  Steps:     %d total, %d verified, %d failed, %d skipped, %d pending\n",
		report.Summary.Total, report.Summary.Verified, report.Summary.Failed,
		report.Summary.Skipped, report.Summary.Pending)
	fmt.Printf("  Applies:   %d step, %d rotation\n", report.Applies, report.RotationApplies)
	return nil
}

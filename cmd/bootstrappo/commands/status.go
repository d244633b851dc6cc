package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func newStatusCommand() *cobra.Command {
	var history int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the latest convergence outcome",
		Long: `Status reads the pass history from the state store and reports the
most recent pass: its terminal phase, step counts, and how many apply
operations it performed. With --history it lists the last N passes.`,
		Example: `  # Latest pass
  bootstrappo status -c /etc/bootstrappo/config.yaml

  # Last ten passes
  bootstrappo status --history 10`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context(), history)
		},
	}

	cmd.Flags().IntVar(&history, "history", 0, "list the last N passes instead of only the latest")

	return cmd
}

func runStatus(ctx context.Context, history int) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	limit := history
	if limit <= 0 {
		limit = 1
	}

	records, err := store.ListPasses(ctx, limit, 0)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("No passes recorded yet.")
		return nil
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	}

	for _, rec := range records {
		fmt.Printf("%s  gen=%d  phase=%-9s  verified=%d/%d failed=%d pending=%d  applies=%d+%d  took=%s\n",
			rec.CompletedAt.Format(time.RFC3339),
			rec.Generation,
			rec.Phase,
			rec.Verified, rec.Total,
			rec.Failed, rec.Pending,
			rec.Applies, rec.RotationApplies,
			rec.CompletedAt.Sub(rec.StartedAt).Round(time.Millisecond),
		)
	}
	return nil
}

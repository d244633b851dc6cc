package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool

	// appVersion is the build version, shared with the telemetry setup.
	appVersion = "dev"
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	appVersion = version
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "bootstrappo",
		Short: "Bootstrappo - Cluster Convergence Engine",
		Long: `Bootstrappo converges a cluster toward a declared bootstrap plan.

It builds a dependency graph from the plan, detects which platform
capabilities the cluster already offers, deploys the steps whose gates
are open, and rotates capability bindings onto opted-in workloads as
capabilities appear or disappear.

Features:
  - Declarative YAML plans with dependency and capability gating
  - Fail-closed capability detection (API read + subprocess verify)
  - Classified-error retry with exponential backoff
  - Safety-gated binding rotation for managed workloads
  - Durable pass history in SQLite`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	// Add subcommands
	rootCmd.AddCommand(newConvergeCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newStatusCommand())

	return rootCmd
}

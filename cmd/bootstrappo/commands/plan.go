package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bootstrappo/bootstrappo/pkg/config"
	"github.com/bootstrappo/bootstrappo/pkg/engine"
)

func newPlanCommand() *cobra.Command {
	var (
		planPath string
		dot      bool
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Validate the plan and show its dependency graph",
		Long: `Plan loads the declared plan file, validates it (unique step IDs,
known dependencies, no cycles), and prints the execution levels the
reconcile loop would walk. With --dot it emits Graphviz output instead.`,
		Example: `  # Validate and summarize the configured plan
  bootstrappo plan -c /etc/bootstrappo/config.yaml

  # Validate a specific plan file and render its graph
  bootstrappo plan --plan ./plan.yaml --dot | dot -Tsvg -o plan.svg`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlan(cmd, planPath, dot)
		},
	}

	cmd.Flags().StringVar(&planPath, "plan", "", "plan file (defaults to the configured plan)")
	cmd.Flags().BoolVar(&dot, "dot", false, "emit the graph in Graphviz DOT format")

	return cmd
}

func runPlan(cmd *cobra.Command, planPath string, dot bool) error {
	if planPath == "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		planPath = cfg.PlanPath
	}

	steps, err := config.NewFilePlanSource(planPath).LoadPlan(cmd.Context())
	if err != nil {
		return err
	}

	graph, err := engine.NewPlanGraph(steps)
	if err != nil {
		return fmt.Errorf("invalid plan %s: %w", planPath, err)
	}

	if dot {
		fmt.Print(graph.ToDOT())
		return nil
	}

	if jsonOutput {
		out := struct {
			Plan         string     `json:"plan"`
			Steps        int        `json:"steps"`
			Depth        int        `json:"depth"`
			Levels       [][]string `json:"levels"`
			Capabilities []string   `json:"capabilities"`
		}{
			Plan:         planPath,
			Steps:        graph.Len(),
			Depth:        graph.Depth(),
			Levels:       graph.Levels(),
			Capabilities: graph.RequiredCapabilities(),
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	fmt.Printf("Plan %s is valid: %d steps, depth %d\n", planPath, graph.Len(), graph.Depth())
	for i, level := range graph.Levels() {
		fmt.Printf("  Level %d: %s\n", i, strings.Join(level, ", "))
	}
	if caps := graph.RequiredCapabilities(); len(caps) > 0 {
		fmt.Printf("  Required capabilities: %s\n", strings.Join(caps, ", "))
	}
	return nil
}

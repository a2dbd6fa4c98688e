package cmd

import (
	"fmt"
	"strings"

	"github.com/Iron-Ham/ladder/internal/assign"
	"github.com/spf13/cobra"
)

var assignCmd = &cobra.Command{
	Use:   "assign <graph-file>",
	Short: "Propose and save a worker assignment plan",
	Long: `Distribute the graph's tasks over a number of workers and save the plan
next to the feature's state. Plans are advisory: workers still claim tasks
through the claim protocol, and a stale plan never overrides it.`,
	Args: cobra.ExactArgs(1),
	RunE: runAssign,
}

var (
	assignWorkers  int
	assignStrategy string
	assignDryRun   bool
)

func init() {
	assignCmd.Flags().IntVarP(&assignWorkers, "workers", "w", 0, "Number of workers (default from scheduler.workers)")
	assignCmd.Flags().StringVar(&assignStrategy, "strategy", "", "Assignment strategy: lpt or lpt-per-level (default from scheduler.strategy)")
	assignCmd.Flags().BoolVar(&assignDryRun, "dry-run", false, "Print the plan without saving it")
	rootCmd.AddCommand(assignCmd)
}

func runAssign(cmd *cobra.Command, args []string) error {
	e, err := loadEnv()
	if err != nil {
		return err
	}
	defer e.close()

	g, _, err := loadGraph(args[0])
	if err != nil {
		return err
	}

	workers := e.cfg.Scheduler.Workers
	if assignWorkers > 0 {
		workers = assignWorkers
	}
	strategy, err := strategyFor(assignStrategy, e.cfg.Scheduler.Strategy, e.cfg.Scheduler.PerLevelBalance)
	if err != nil {
		return err
	}

	plan, err := assign.NewPlan(g, workers, strategy, timeNow())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Plan for %s: %d tasks over %d workers (%s)\n\n", g.Feature, len(plan.Assignments), workers, plan.Strategy)
	for _, level := range g.LevelNumbers() {
		loads := plan.Loads(level)
		parts := make([]string, len(loads))
		for w, l := range loads {
			parts[w] = fmt.Sprintf("w%d=%.0fm", w, l)
		}
		fmt.Fprintf(out, "L%-3d %s\n", level, strings.Join(parts, "  "))
	}
	fmt.Fprintln(out)
	for w := 0; w < workers; w++ {
		fmt.Fprintf(out, "worker %d: %s\n", w, strings.Join(plan.TasksFor(w), ", "))
	}

	if assignDryRun {
		return nil
	}
	feature := e.cfg.State.Feature
	if feature == "" {
		feature = g.Feature
	}
	path := e.cfg.State.PlanPath(feature)
	if err := assign.SavePlan(path, plan); err != nil {
		return err
	}
	fmt.Fprintf(out, "\nSaved plan to %s\n", path)
	return nil
}

// strategyFor resolves the flag, then the configured strategy name, then
// the per-level balance switch.
func strategyFor(flag, configured string, perLevel bool) (assign.Strategy, error) {
	switch {
	case flag != "":
		return assign.StrategyByName(flag)
	case configured != "":
		return assign.StrategyByName(configured)
	default:
		return assign.LPT{PerLevel: perLevel}, nil
	}
}

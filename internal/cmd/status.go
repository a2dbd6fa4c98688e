package cmd

import (
	"fmt"
	"os"

	"github.com/Iron-Ham/ladder/internal/dashboard"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the feature's tasks, levels and workers",
	Long: `Display the current state document of a feature.

Output is styled on a terminal and plain when piped. Use --filter to show
only tasks whose id matches a glob, e.g. --filter 'auth-*'.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

var (
	statusJSON   bool
	statusFilter string
	statusEvents int
)

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Output the raw state document as JSON")
	statusCmd.Flags().StringVar(&statusFilter, "filter", "", "Only show tasks whose id matches this glob")
	statusCmd.Flags().IntVar(&statusEvents, "events", 5, "Number of recent execution log entries to show")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	e, err := loadEnv()
	if err != nil {
		return err
	}
	defer e.close()
	if err := e.open("", nil); err != nil {
		return err
	}

	filter, err := dashboard.CompileFilter(statusFilter)
	if err != nil {
		return fmt.Errorf("invalid filter %q: %w", statusFilter, err)
	}

	st, err := e.store.Load(cmd.Context())
	if err != nil {
		return err
	}
	if statusJSON {
		return printJSON(cmd.OutOrStdout(), st)
	}

	fmt.Fprint(cmd.OutOrStdout(), dashboard.Render(st, dashboard.Options{
		Filter: filter,
		Plain:  !isTerminal(cmd),
		Events: statusEvents,
	}))
	return nil
}

// isTerminal reports whether the command writes to a terminal.
func isTerminal(cmd *cobra.Command) bool {
	f, ok := cmd.OutOrStdout().(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

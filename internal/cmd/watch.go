package cmd

import (
	"fmt"

	"github.com/Iron-Ham/ladder/internal/dashboard"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Open a live dashboard of the feature's state",
	Long: `Open a full-screen dashboard that reloads whenever the state document
changes. Press p to pause or resume the feature, r to reload and q to quit.`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

var watchFilter string

func init() {
	watchCmd.Flags().StringVar(&watchFilter, "filter", "", "Only show tasks whose id matches this glob")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	e, err := loadEnv()
	if err != nil {
		return err
	}
	defer e.close()
	if err := e.open("", nil); err != nil {
		return err
	}

	filter, err := dashboard.CompileFilter(watchFilter)
	if err != nil {
		return fmt.Errorf("invalid filter %q: %w", watchFilter, err)
	}
	return dashboard.Run(cmd.Context(), e.store, e.store.Location(), dashboard.Options{Filter: filter})
}

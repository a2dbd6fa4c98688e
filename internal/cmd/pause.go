package cmd

import (
	"fmt"

	"github.com/Iron-Ham/ladder/internal/scheduler"
	"github.com/spf13/cobra"
)

var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Stop workers from claiming new tasks",
	Long: `Set the feature's pause flag. Running tasks finish, but no worker claims
another task and the scheduler stops at the next check.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return setPaused(cmd, true)
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Clear the pause flag",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return setPaused(cmd, false)
	},
}

func init() {
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(resumeCmd)
}

func setPaused(cmd *cobra.Command, paused bool) error {
	e, err := loadEnv()
	if err != nil {
		return err
	}
	defer e.close()
	if err := e.open("", nil); err != nil {
		return err
	}

	if err := scheduler.SetPaused(cmd.Context(), e.store, paused); err != nil {
		return err
	}
	if paused {
		fmt.Fprintf(cmd.OutOrStdout(), "Paused %s\n", e.store.Feature())
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "Resumed %s\n", e.store.Feature())
	}
	return nil
}

package cmd

import (
	"context"
	"fmt"

	"github.com/Iron-Ham/ladder/internal/errors"
	"github.com/Iron-Ham/ladder/internal/retry"
	"github.com/Iron-Ham/ladder/internal/statestore"
	"github.com/Iron-Ham/ladder/internal/taskstate"
	"github.com/spf13/cobra"
)

var requeueCmd = &cobra.Command{
	Use:   "requeue <task-id>...",
	Short: "Reset failed tasks to pending with a fresh retry budget",
	Long: `Move tasks back to pending and clear their retry counters, so they are
claimed again on the next run. Tasks held by a worker are refused unless
--force is given.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRequeue,
}

var requeueForce bool

func init() {
	requeueCmd.Flags().BoolVar(&requeueForce, "force", false, "Requeue tasks even while a worker holds them")
	rootCmd.AddCommand(requeueCmd)
}

func runRequeue(cmd *cobra.Command, args []string) error {
	e, err := loadEnv()
	if err != nil {
		return err
	}
	defer e.close()
	if err := e.open("", nil); err != nil {
		return err
	}

	tasks := taskstate.New(e.store, taskstate.WithLogger(e.logger))
	retries := retry.NewRepo(e.store, retry.WithLogger(e.logger))

	err = e.store.AtomicUpdate(cmd.Context(), func(ctx context.Context, st *statestore.State) error {
		for _, id := range args {
			rec, err := tasks.Task(ctx, id)
			if err != nil {
				return err
			}
			if rec.Status.HoldsWorker() && !requeueForce {
				return errors.NewValidationError("task is held by a worker; use --force").
					WithField("task").
					WithValue(id)
			}
			if err := retries.ResetRetries(ctx, id); err != nil {
				return err
			}
			if err := tasks.SetTaskStatus(ctx, id, statestore.TaskPending); err != nil {
				return err
			}
			st.Tasks[id].Error = ""
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, id := range args {
		fmt.Fprintf(cmd.OutOrStdout(), "requeued %s\n", id)
	}
	return nil
}

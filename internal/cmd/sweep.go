package cmd

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/Iron-Ham/ladder/internal/retry"
	"github.com/Iron-Ham/ladder/internal/semaphore"
	"github.com/Iron-Ham/ladder/internal/statestore"
	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Recover stale tasks, due retries and abandoned semaphore slots",
	Long: `Run the housekeeping a scheduler performs between claims, once.

In-progress tasks started longer ago than scheduler.stale_timeout are failed
through the retry policy. Tasks whose retry time has passed go back to
pending. Semaphore holders older than --holder-timeout are reaped.`,
	Args: cobra.NoArgs,
	RunE: runSweep,
}

var (
	sweepHolderTimeout time.Duration
	sweepStaleTimeout  time.Duration
)

func init() {
	sweepCmd.Flags().DurationVar(&sweepHolderTimeout, "holder-timeout", time.Hour, "Reap semaphore holders older than this (0 disables)")
	sweepCmd.Flags().DurationVar(&sweepStaleTimeout, "stale-timeout", 0, "Override scheduler.stale_timeout")
	rootCmd.AddCommand(sweepCmd)
}

func runSweep(cmd *cobra.Command, args []string) error {
	e, err := loadEnv()
	if err != nil {
		return err
	}
	defer e.close()
	if err := e.open("", nil); err != nil {
		return err
	}

	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	sc := e.cfg.Scheduler
	timeout := sc.StaleTimeout
	if sweepStaleTimeout > 0 {
		timeout = sweepStaleTimeout
	}

	retries := retry.NewRepo(e.store, retry.WithLogger(e.logger))
	stale, err := retries.FailStale(ctx, timeout, retry.NewPolicy(
		retry.WithMaxRetries(sc.MaxRetries),
		retry.WithBackoff(sc.BackoffInitial, sc.BackoffMax),
	))
	if err != nil {
		return err
	}
	for _, t := range stale {
		verdict := "failed"
		if t.Retrying {
			verdict = "waiting retry"
		}
		fmt.Fprintf(out, "stale     %s -> %s\n", t.ID, verdict)
	}

	requeued, err := retries.RequeueReady(ctx)
	if err != nil {
		return err
	}
	for _, id := range requeued {
		fmt.Fprintf(out, "requeued  %s\n", id)
	}

	reaped := 0
	if sweepHolderTimeout > 0 && len(e.cfg.Resources) > 0 {
		sem := semaphore.New(statestore.NewFileBackend(e.cfg.State.SemaphorePath()),
			semaphore.WithLimits(e.cfg.Resources),
			semaphore.WithLogger(e.logger))
		for _, resource := range slices.Sorted(maps.Keys(e.cfg.Resources)) {
			holders, err := sem.Reap(ctx, resource, sweepHolderTimeout)
			if err != nil {
				return err
			}
			for _, h := range holders {
				fmt.Fprintf(out, "reaped    %s slot %s\n", resource, h.ID)
			}
			reaped += len(holders)
		}
	}

	fmt.Fprintf(out, "Swept %s: %d stale, %d requeued, %d slots reaped\n",
		e.store.Feature(), len(stale), len(requeued), reaped)
	return nil
}

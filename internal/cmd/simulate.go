package cmd

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Iron-Ham/ladder/internal/errors"
	"github.com/Iron-Ham/ladder/internal/execlog"
	"github.com/Iron-Ham/ladder/internal/retry"
	"github.com/Iron-Ham/ladder/internal/scheduler"
	"github.com/Iron-Ham/ladder/internal/semaphore"
	"github.com/Iron-Ham/ladder/internal/statestore"
	"github.com/spf13/cobra"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate <graph-file>",
	Short: "Run a graph end to end with simulated workers",
	Long: `Run every level of a task graph with in-process workers whose tasks
sleep for --duration instead of doing real work. Use --fail to make a task
fail a number of times before it succeeds, e.g. --fail auth-api=2.

The run uses the real claim, retry, level and merge protocol against the
feature's state, so it can be resumed, paused and watched like a real one.`,
	Args: cobra.ExactArgs(1),
	RunE: runSimulate,
}

var (
	simDuration time.Duration
	simFailures []string
	simWorkers  int
	simResource string
)

func init() {
	simulateCmd.Flags().DurationVar(&simDuration, "duration", 50*time.Millisecond, "Simulated duration of each task")
	simulateCmd.Flags().StringArrayVar(&simFailures, "fail", nil, "Fail a task N times before it succeeds (task=N, repeatable)")
	simulateCmd.Flags().IntVarP(&simWorkers, "workers", "w", 0, "Number of workers (default from scheduler.workers)")
	simulateCmd.Flags().StringVar(&simResource, "resource", "", "Semaphore resource every task must hold while running")
	rootCmd.AddCommand(simulateCmd)
}

func runSimulate(cmd *cobra.Command, args []string) error {
	failures, err := parseFailures(simFailures)
	if err != nil {
		return err
	}

	e, err := loadEnv()
	if err != nil {
		return err
	}
	defer e.close()

	g, _, err := loadGraph(args[0])
	if err != nil {
		return err
	}
	if err := e.open(g.Feature, nil); err != nil {
		return err
	}

	sc := e.cfg.Scheduler
	workers := sc.Workers
	if simWorkers > 0 {
		workers = simWorkers
	}
	strategy, err := strategyFor("", sc.Strategy, sc.PerLevelBalance)
	if err != nil {
		return err
	}

	opts := []scheduler.Option{
		scheduler.WithLogger(e.logger),
		scheduler.WithWorkers(workers),
		scheduler.WithPollInterval(sc.PollInterval),
		scheduler.WithStaleTimeout(sc.StaleTimeout),
		scheduler.WithReadyTimeout(sc.ReadyTimeout),
		scheduler.WithStrategy(strategy),
		scheduler.WithPolicy(retry.NewPolicy(
			retry.WithMaxRetries(sc.MaxRetries),
			retry.WithBackoff(sc.BackoffInitial, sc.BackoffMax),
		)),
	}
	if simResource != "" {
		if _, ok := e.cfg.Resources[simResource]; !ok {
			return errors.NewValidationError("unknown resource").
				WithField("resource").
				WithValue(simResource)
		}
		sem := semaphore.New(statestore.NewFileBackend(e.cfg.State.SemaphorePath()),
			semaphore.WithLimits(e.cfg.Resources),
			semaphore.WithOwner("simulate:"+g.Feature),
			semaphore.WithLogger(e.logger))
		opts = append(opts, scheduler.WithSemaphore(sem, simResource))
	}

	agent := &scheduler.SimAgent{Duration: simDuration, Failures: failures}
	s, err := scheduler.New(g, e.store, agent, opts...)
	if err != nil {
		return err
	}
	log := execlog.New(e.store, execlog.WithLogger(e.logger))
	// Shutdown events are published after cancellation and must still land.
	sub := log.Record(context.WithoutCancel(cmd.Context()), s.Bus())
	defer s.Bus().Unsubscribe(sub)

	summary, runErr := s.Run(cmd.Context())
	printSummary(cmd, summary)
	return runErr
}

func printSummary(cmd *cobra.Command, s *scheduler.Summary) {
	if s == nil {
		return
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Stopped: %s at level %d after %s\n", s.Reason, s.Level, s.Duration.Round(time.Millisecond))
	fmt.Fprintf(out, "  completed: %d\n", len(s.Completed))
	if len(s.Failed) > 0 {
		fmt.Fprintf(out, "  failed:    %s\n", strings.Join(s.Failed, ", "))
	}
	if len(s.Blocked) > 0 {
		fmt.Fprintf(out, "  blocked:   %s\n", strings.Join(s.Blocked, ", "))
	}
}

// parseFailures turns task=N pairs into a failure count map.
func parseFailures(pairs []string) (map[string]int, error) {
	failures := make(map[string]int, len(pairs))
	for _, p := range pairs {
		id, n, ok := strings.Cut(p, "=")
		if !ok || id == "" {
			return nil, errors.NewValidationError("expected task=N").WithField("fail").WithValue(p)
		}
		count, err := strconv.Atoi(n)
		if err != nil || count < 0 {
			return nil, errors.NewValidationError("failure count must be a non-negative integer").
				WithField("fail").
				WithValue(p)
		}
		failures[id] = count
	}
	return failures, nil
}

package cmd

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/Iron-Ham/ladder/internal/execlog"
	"github.com/Iron-Ham/ladder/internal/statestore"
	"github.com/spf13/cobra"
)

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Print the feature's execution log",
	Long: `Print the append-only execution log of a feature: claims, completions,
failures, retries, level transitions and merges, oldest first.`,
	Args: cobra.NoArgs,
	RunE: runLog,
}

var (
	logTail  int
	logType  string
	logSince time.Duration
	logJSON  bool
)

func init() {
	logCmd.Flags().IntVarP(&logTail, "tail", "n", 0, "Only show the last N entries")
	logCmd.Flags().StringVarP(&logType, "type", "t", "", "Only show entries of this event type (e.g. task.failed)")
	logCmd.Flags().DurationVar(&logSince, "since", 0, "Only show entries newer than this duration ago")
	logCmd.Flags().BoolVar(&logJSON, "json", false, "Output entries as JSON")
	rootCmd.AddCommand(logCmd)
}

func runLog(cmd *cobra.Command, args []string) error {
	e, err := loadEnv()
	if err != nil {
		return err
	}
	defer e.close()
	if err := e.open("", nil); err != nil {
		return err
	}

	ctx := cmd.Context()
	log := execlog.New(e.store, execlog.WithLogger(e.logger))

	var events []statestore.Event
	switch {
	case logType != "":
		events, err = log.EventsOfType(ctx, logType)
	case logSince > 0:
		events, err = log.Since(ctx, timeNow().Add(-logSince))
	default:
		events, err = log.Events(ctx)
	}
	if err != nil {
		return err
	}
	if logTail > 0 && len(events) > logTail {
		events = events[len(events)-logTail:]
	}

	if logJSON {
		return printJSON(cmd.OutOrStdout(), events)
	}
	for _, ev := range events {
		fmt.Fprintln(cmd.OutOrStdout(), formatEvent(ev))
	}
	return nil
}

// formatEvent renders one entry as "time type key=value ...".
func formatEvent(ev statestore.Event) string {
	var b strings.Builder
	b.WriteString(ev.Timestamp.UTC().Format(time.RFC3339))
	b.WriteString("  ")
	b.WriteString(ev.Event)
	for _, k := range slices.Sorted(maps.Keys(ev.Data)) {
		fmt.Fprintf(&b, " %s=%v", k, ev.Data[k])
	}
	return b.String()
}

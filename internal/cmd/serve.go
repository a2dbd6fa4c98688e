package cmd

import (
	"fmt"

	"github.com/Iron-Ham/ladder/internal/metrics"
	"github.com/Iron-Ham/ladder/internal/statusapi"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the feature's state and metrics over HTTP",
	Long: `Start a read-only HTTP API exposing the feature's state document,
execution log and Prometheus metrics. Stops cleanly on interrupt.

Routes: /health /state /tasks /tasks/{status} /levels /workers /events /metrics`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var serveAddr string

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default from metrics.addr)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	e, err := loadEnv()
	if err != nil {
		return err
	}
	defer e.close()

	reg, m := metrics.NewRegistry()
	if err := e.open("", m); err != nil {
		return err
	}

	addr := e.cfg.Metrics.Addr
	if serveAddr != "" {
		addr = serveAddr
	}
	srv := statusapi.New(e.store,
		statusapi.WithGatherer(reg),
		statusapi.WithLogger(e.logger))

	fmt.Fprintf(cmd.OutOrStdout(), "Serving %s on http://%s\n", e.store.Feature(), addr)
	return srv.Serve(cmd.Context(), addr)
}

package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/Iron-Ham/ladder/internal/config"
	"github.com/Iron-Ham/ladder/internal/logging"
	"github.com/Iron-Ham/ladder/internal/metrics"
	"github.com/Iron-Ham/ladder/internal/statestore"
	"github.com/Iron-Ham/ladder/internal/taskgraph"
)

// timeNow stamps plans and anchors relative log windows.
var timeNow = time.Now

// env bundles what most commands need: validated config, a logger and,
// once a feature is known, its store.
type env struct {
	cfg    *config.Config
	logger *logging.Logger
	store  *statestore.Store
}

// loadEnv loads and validates configuration and builds the logger.
func loadEnv() (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger, err := cfg.Logging.NewLogger()
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return &env{cfg: cfg, logger: logger}, nil
}

// open opens the store for the configured feature, falling back to
// fallbackFeature (usually the graph's) when none is configured.
func (e *env) open(fallbackFeature string, m *metrics.Metrics) error {
	if e.cfg.State.Feature == "" {
		e.cfg.State.Feature = fallbackFeature
	}
	if e.cfg.State.Feature == "" {
		return fmt.Errorf("no feature selected: pass --feature or set state.feature")
	}
	store, err := statestore.Open(e.cfg.State.StoreConfig(),
		statestore.WithLogger(e.logger),
		statestore.WithMetrics(m))
	if err != nil {
		return fmt.Errorf("failed to open state: %w", err)
	}
	e.store = store
	return nil
}

// close releases the store and logger.
func (e *env) close() {
	if e.store != nil {
		_ = e.store.Close()
	}
	_ = e.logger.Close()
}

// loadGraph reads and validates a graph file. Warnings are returned with a
// valid graph; structural errors fail.
func loadGraph(path string) (*taskgraph.Graph, *taskgraph.Result, error) {
	g, err := taskgraph.LoadFile(path)
	if err != nil {
		return nil, nil, err
	}
	res := taskgraph.Validate(g)
	return g, res, res.Err()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

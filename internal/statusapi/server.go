// Package statusapi serves a read-only HTTP view of one feature's state
// document and the process metrics.
package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/Iron-Ham/ladder/internal/execlog"
	"github.com/Iron-Ham/ladder/internal/logging"
	"github.com/Iron-Ham/ladder/internal/metrics"
	"github.com/Iron-Ham/ladder/internal/statestore"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultShutdownTimeout bounds graceful shutdown in Serve.
const DefaultShutdownTimeout = 5 * time.Second

// Server answers status queries against a Store.
type Server struct {
	store    *statestore.Store
	log      *execlog.Log
	gatherer prometheus.Gatherer
	logger   *logging.Logger
	started  time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithGatherer exposes the gatherer's metrics on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithLogger sets the request logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a Server for store.
func New(store *statestore.Store, opts ...Option) *Server {
	s := &Server{
		store:   store,
		logger:  logging.NopLogger(),
		started: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = execlog.New(store, execlog.WithLogger(s.logger))
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/state", s.handleState).Methods(http.MethodGet)
	r.HandleFunc("/tasks", s.handleTasks).Methods(http.MethodGet)
	r.HandleFunc("/tasks/{status}", s.handleTasksByStatus).Methods(http.MethodGet)
	r.HandleFunc("/levels", s.handleLevels).Methods(http.MethodGet)
	r.HandleFunc("/workers", s.handleWorkers).Methods(http.MethodGet)
	r.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	if s.gatherer != nil {
		r.Handle("/metrics", metrics.HandlerFor(s.gatherer)).Methods(http.MethodGet)
	}
	r.Use(s.loggingMiddleware)
	return r
}

// Serve listens on addr until ctx ends, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("status server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info("status server stopped")
	return nil
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("status request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start).String())
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"feature": s.store.Feature(),
		"uptime":  time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	st, ok := s.load(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	st, ok := s.load(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, st.Tasks)
}

func (s *Server) handleTasksByStatus(w http.ResponseWriter, r *http.Request) {
	status := statestore.TaskStatus(mux.Vars(r)["status"])
	if !status.IsValid() {
		writeError(w, http.StatusBadRequest, "unknown task status "+strconv.Quote(string(status)))
		return
	}
	st, ok := s.load(w, r)
	if !ok {
		return
	}
	ids := []string{}
	for id, t := range st.Tasks {
		if t.Status == status {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	writeJSON(w, http.StatusOK, map[string]any{"status": status, "tasks": ids})
}

func (s *Server) handleLevels(w http.ResponseWriter, r *http.Request) {
	st, ok := s.load(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"current_level": st.CurrentLevel,
		"levels":        st.Levels,
	})
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	st, ok := s.load(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, st.Workers)
}

// handleEvents returns the execution log, optionally only the last n
// entries (?tail=n) or those of one type (?type=task.failed).
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var (
		events []statestore.Event
		err    error
	)
	q := r.URL.Query()
	switch {
	case q.Get("type") != "":
		events, err = s.log.EventsOfType(r.Context(), q.Get("type"))
	case q.Get("tail") != "":
		n, convErr := strconv.Atoi(q.Get("tail"))
		if convErr != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "tail must be a non-negative integer")
			return
		}
		events, err = s.log.Tail(r.Context(), n)
	default:
		events, err = s.log.Events(r.Context())
	}
	if err != nil {
		s.logger.Error("failed to read execution log", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) load(w http.ResponseWriter, r *http.Request) (*statestore.State, bool) {
	st, err := s.store.Load(r.Context())
	if err != nil {
		s.logger.Error("failed to load state", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	return st, true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

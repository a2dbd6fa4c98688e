// Package statestore owns the persisted state document of one feature.
//
// A Store serializes access in two layers: a mutex for goroutines in this
// process and the Backend's exclusive lock for other processes. Every read,
// check, mutate and write done inside one AtomicUpdate scope is therefore
// linearizable with respect to every other scope on the same document.
//
// # Re-entrancy
//
// The context passed to an AtomicUpdate or View callback carries the open
// scope. Store methods called with that context reuse the in-scope state
// without taking any lock, so repositories can compose:
//
//	err := store.AtomicUpdate(ctx, func(ctx context.Context, st *statestore.State) error {
//	    ok, err := tasks.ClaimTask(ctx, "T1", 0) // joins this scope
//	    ...
//	})
//
// Calling a Store method with an unrelated context from inside a callback
// blocks forever on the mutex.
package statestore

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/Iron-Ham/ladder/internal/errors"
	"github.com/Iron-Ham/ladder/internal/logging"
	"github.com/Iron-Ham/ladder/internal/metrics"
	"github.com/Iron-Ham/ladder/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// Backend kinds accepted by Open.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// ErrReadOnlyScope is returned when a write is attempted inside View.
var ErrReadOnlyScope = errors.New("state scope is read-only")

// UpdateFunc mutates st inside an exclusive scope. Returning an error
// discards every change made in the scope.
type UpdateFunc func(ctx context.Context, st *State) error

// Store is the PersistenceLayer for one feature. It is safe for concurrent use.
type Store struct {
	feature string
	backend Backend
	mu      sync.Mutex
	logger  *logging.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger. The default discards output.
func WithLogger(l *logging.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics enables lock-wait and update metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// WithClock overrides time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates a Store for feature on top of backend.
func New(feature string, backend Backend, opts ...Option) *Store {
	s := &Store{
		feature: feature,
		backend: backend,
		logger:  logging.NopLogger(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithFeature(feature)
	return s
}

// Config selects where and how a feature's document is stored.
type Config struct {
	Dir         string
	Feature     string
	Backend     string
	BusyTimeout time.Duration
}

// Path returns the document location for cfg.
func (c Config) Path() string {
	if c.Backend == BackendSQLite {
		return filepath.Join(c.Dir, c.Feature+".db")
	}
	return filepath.Join(c.Dir, c.Feature+".json")
}

// Open builds the configured backend and wraps it in a Store.
func Open(cfg Config, opts ...Option) (*Store, error) {
	if cfg.Feature == "" {
		return nil, errors.NewValidationError("feature name is required").WithField("state.feature")
	}
	switch cfg.Backend {
	case "", BackendFile:
		return New(cfg.Feature, NewFileBackend(cfg.Path()), opts...), nil
	case BackendSQLite:
		b, err := OpenSQLiteBackend(cfg.Path(), cfg.BusyTimeout)
		if err != nil {
			return nil, err
		}
		return New(cfg.Feature, b, opts...), nil
	default:
		return nil, errors.NewValidationError("unknown state backend").WithField("state.backend").WithValue(cfg.Backend)
	}
}

// Feature returns the feature name.
func (s *Store) Feature() string { return s.feature }

// Location returns where the document lives.
func (s *Store) Location() string { return s.backend.Location() }

// Now returns the store's clock reading. Repositories stamp records with it.
func (s *Store) Now() time.Time { return s.now().UTC() }

// Logger returns the store's feature-scoped logger.
func (s *Store) Logger() *logging.Logger { return s.logger }

// Close releases the backend.
func (s *Store) Close() error { return s.backend.Close() }

type scopeKey struct{ store *Store }

type scope struct {
	state    *State
	readOnly bool
}

func (s *Store) scopeFrom(ctx context.Context) *scope {
	sc, _ := ctx.Value(scopeKey{s}).(*scope)
	return sc
}

// InScope reports whether ctx carries an open scope of this store.
func (s *Store) InScope(ctx context.Context) bool {
	return s.scopeFrom(ctx) != nil
}

// AtomicUpdate runs fn inside an exclusive scope and persists the result
// before releasing the lock. If fn fails, nothing is written. When ctx
// already carries a scope of this store, fn joins it: its changes commit
// with the outer scope and are rolled back on its own error.
func (s *Store) AtomicUpdate(ctx context.Context, fn UpdateFunc) error {
	if sc := s.scopeFrom(ctx); sc != nil {
		if sc.readOnly {
			return ErrReadOnlyScope
		}
		backup := sc.state.Clone()
		if err := fn(ctx, sc.state); err != nil {
			*sc.state = *backup
			return err
		}
		return nil
	}

	ctx, span := telemetry.Start(ctx, telemetry.SpanStateUpdate,
		attribute.String(telemetry.KeyFeature, s.feature),
		attribute.String(telemetry.KeyBackend, s.backend.Name()))
	err := s.exclusive(ctx, false, fn)
	s.metrics.RecordStateUpdate(s.backend.Name(), err)
	telemetry.End(span, err)
	return err
}

// View runs fn against the current document under the lock without
// persisting anything. Writes attempted through ctx fail with
// ErrReadOnlyScope.
func (s *Store) View(ctx context.Context, fn UpdateFunc) error {
	if sc := s.scopeFrom(ctx); sc != nil {
		return fn(ctx, sc.state)
	}
	ctx, span := telemetry.Start(ctx, telemetry.SpanStateView,
		attribute.String(telemetry.KeyFeature, s.feature))
	err := s.exclusive(ctx, true, fn)
	telemetry.End(span, err)
	return err
}

// Load returns the whole document. A missing document yields the default
// skeleton, which is not persisted until the first write. Inside a scope
// Load returns the live in-scope state.
func (s *Store) Load(ctx context.Context) (*State, error) {
	if sc := s.scopeFrom(ctx); sc != nil {
		return sc.state, nil
	}
	var out *State
	err := s.exclusive(ctx, true, func(_ context.Context, st *State) error {
		out = st
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Save replaces the whole document with st. Inside a scope it replaces the
// in-scope state, which commits with the scope.
func (s *Store) Save(ctx context.Context, st *State) error {
	if st == nil {
		return errors.NewValidationError("nil state")
	}
	if sc := s.scopeFrom(ctx); sc != nil {
		if sc.readOnly {
			return ErrReadOnlyScope
		}
		if sc.state != st {
			*sc.state = *st.Clone()
		}
		return nil
	}
	return s.AtomicUpdate(ctx, func(_ context.Context, cur *State) error {
		*cur = *st.Clone()
		cur.normalize()
		return nil
	})
}

func (s *Store) exclusive(ctx context.Context, readOnly bool, fn UpdateFunc) (err error) {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	txn, err := s.backend.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "acquire state lock")
	}
	s.metrics.ObserveLockWait(s.backend.Name(), time.Since(start))

	defer func() {
		if err != nil || readOnly {
			if rerr := txn.Rollback(); rerr != nil {
				s.logger.Warn("rollback failed", "error", rerr.Error())
			}
		}
	}()

	st, err := s.decode(txn)
	if err != nil {
		return err
	}

	sc := &scope{state: st, readOnly: readOnly}
	if err := fn(context.WithValue(ctx, scopeKey{s}, sc), sc.state); err != nil {
		return err
	}
	if readOnly {
		return nil
	}

	sc.state.normalize()
	data, err := json.MarshalIndent(sc.state, "", "  ")
	if err != nil {
		return errors.NewStateError("encode state", fmt.Errorf("%w: %w", errors.ErrStateWrite, err)).
			WithFeature(s.feature).WithPath(s.backend.Location())
	}
	if err := txn.Write(data); err != nil {
		return err
	}
	if err := txn.Commit(); err != nil {
		s.logger.Error("state commit failed", "error", err.Error())
		return err
	}
	return nil
}

func (s *Store) decode(txn Txn) (*State, error) {
	data, exists, err := txn.Read()
	if err != nil {
		return nil, err
	}
	if !exists {
		return NewState(s.feature, s.Now()), nil
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		s.logger.Error("state document corrupted", "path", s.backend.Location(), "error", err.Error())
		return nil, errors.NewStateCorruptionError(s.backend.Location(), err)
	}
	st.normalize()
	return &st, nil
}

// Package execlog is the append-only execution history kept in a feature's
// state document.
//
// Entries are never mutated or deleted. Reads return copies, so callers
// cannot change recorded history through them.
package execlog

import (
	"context"
	"maps"
	"time"

	"github.com/Iron-Ham/ladder/internal/errors"
	"github.com/Iron-Ham/ladder/internal/event"
	"github.com/Iron-Ham/ladder/internal/logging"
	"github.com/Iron-Ham/ladder/internal/statestore"
)

// Log appends to and reads the execution log of one store.
type Log struct {
	store  *statestore.Store
	logger *logging.Logger
}

// Option configures a Log.
type Option func(*Log)

// WithLogger sets the logger. Defaults to the store's logger.
func WithLogger(l *logging.Logger) Option {
	return func(lg *Log) {
		if l != nil {
			lg.logger = l
		}
	}
}

// New creates a Log on store.
func New(store *statestore.Store, opts ...Option) *Log {
	lg := &Log{store: store, logger: store.Logger()}
	for _, opt := range opts {
		opt(lg)
	}
	return lg
}

// Append records an event stamped with the store's clock.
func (l *Log) Append(ctx context.Context, eventType string, data map[string]any) error {
	return l.appendAt(ctx, l.store.Now(), eventType, data)
}

// AppendEvent records a bus event with its own timestamp and payload.
func (l *Log) AppendEvent(ctx context.Context, e event.Event) error {
	return l.appendAt(ctx, e.Timestamp().UTC(), e.EventType(), e.Data())
}

func (l *Log) appendAt(ctx context.Context, at time.Time, eventType string, data map[string]any) error {
	if eventType == "" {
		return errors.NewValidationError("event type is required").WithField("event")
	}
	entry := statestore.Event{Timestamp: at, Event: eventType, Data: maps.Clone(data)}
	if entry.Data == nil {
		entry.Data = map[string]any{}
	}
	return l.store.AtomicUpdate(ctx, func(_ context.Context, st *statestore.State) error {
		st.ExecutionLog = append(st.ExecutionLog, entry)
		return nil
	})
}

// Events returns every entry in append order.
func (l *Log) Events(ctx context.Context) ([]statestore.Event, error) {
	return l.filter(ctx, func(statestore.Event) bool { return true })
}

// EventsOfType returns the entries whose type is eventType, in append order.
func (l *Log) EventsOfType(ctx context.Context, eventType string) ([]statestore.Event, error) {
	return l.filter(ctx, func(e statestore.Event) bool { return e.Event == eventType })
}

// Since returns the entries stamped at or after t.
func (l *Log) Since(ctx context.Context, t time.Time) ([]statestore.Event, error) {
	return l.filter(ctx, func(e statestore.Event) bool { return !e.Timestamp.Before(t) })
}

// Tail returns the last n entries.
func (l *Log) Tail(ctx context.Context, n int) ([]statestore.Event, error) {
	all, err := l.Events(ctx)
	if err != nil || n <= 0 || n >= len(all) {
		return all, err
	}
	return all[len(all)-n:], nil
}

func (l *Log) filter(ctx context.Context, keep func(statestore.Event) bool) ([]statestore.Event, error) {
	out := []statestore.Event{}
	err := l.store.View(ctx, func(_ context.Context, st *statestore.State) error {
		for _, e := range st.ExecutionLog {
			if keep(e) {
				e.Data = maps.Clone(e.Data)
				out = append(out, e)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Record subscribes to every event on bus and appends it. Append failures
// are logged, not returned, since publishers never observe handlers. The
// returned id unsubscribes the recorder.
//
// Events must not be published from inside an open scope of the same store
// unless ctx is that scope's context, or the append blocks.
func (l *Log) Record(ctx context.Context, bus *event.Bus) string {
	return bus.SubscribeAll(func(e event.Event) {
		if err := l.AppendEvent(ctx, e); err != nil {
			l.logger.Error("failed to record event", "event_type", e.EventType(), "error", err)
		}
	})
}

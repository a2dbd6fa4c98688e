package worker

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/Iron-Ham/ladder/internal/errors"
	"github.com/Iron-Ham/ladder/internal/logging"
	"github.com/Iron-Ham/ladder/internal/statestore"
)

// DefaultPollInterval is how often WaitForWorkersReady re-reads the store.
const DefaultPollInterval = 500 * time.Millisecond

// Repo is the durable source of truth for worker records.
type Repo struct {
	store        *statestore.Store
	logger       *logging.Logger
	pollInterval time.Duration
}

// RepoOption configures a Repo.
type RepoOption func(*Repo)

// WithRepoLogger sets the logger. Defaults to the store's logger.
func WithRepoLogger(l *logging.Logger) RepoOption {
	return func(r *Repo) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithPollInterval sets the WaitForWorkersReady poll interval.
func WithPollInterval(d time.Duration) RepoOption {
	return func(r *Repo) {
		if d > 0 {
			r.pollInterval = d
		}
	}
}

// NewRepo creates a Repo on store.
func NewRepo(store *statestore.Store, opts ...RepoOption) *Repo {
	r := &Repo{store: store, logger: store.Logger(), pollInterval: DefaultPollInterval}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func notFound(id int) error {
	return errors.NewNotFoundError("worker", strconv.Itoa(id)).WithCause(errors.ErrWorkerNotFound)
}

// Register creates the record for worker id in INITIALIZING. Registering an
// existing id starts a fresh lifecycle on the same record.
func (r *Repo) Register(ctx context.Context, id, port int) error {
	if id < 0 {
		return errors.NewValidationError("worker id must not be negative").WithField("worker_id").WithValue(id)
	}
	err := r.store.AtomicUpdate(ctx, func(_ context.Context, st *statestore.State) error {
		now := r.store.Now()
		st.Workers[id] = &statestore.WorkerRecord{
			WorkerID:  id,
			Status:    StatusInitializing,
			Port:      port,
			StartedAt: statestore.TimePtr(now),
			UpdatedAt: statestore.TimePtr(now),
		}
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "register worker %d", id)
	}
	r.logger.WithWorker(id).Info("worker registered", "port", port)
	return nil
}

// update runs fn on an existing worker record inside one scope.
func (r *Repo) update(ctx context.Context, id int, fn func(w *statestore.WorkerRecord, now time.Time) error) error {
	return r.store.AtomicUpdate(ctx, func(_ context.Context, st *statestore.State) error {
		w, ok := st.Workers[id]
		if !ok {
			return notFound(id)
		}
		now := r.store.Now()
		if err := fn(w, now); err != nil {
			return err
		}
		w.UpdatedAt = statestore.TimePtr(now)
		return nil
	})
}

// SetStatus moves worker id to status unconditionally.
func (r *Repo) SetStatus(ctx context.Context, id int, status Status) error {
	err := r.update(ctx, id, func(w *statestore.WorkerRecord, now time.Time) error {
		w.Status = status
		if status == StatusReady && w.ReadyAt == nil {
			w.ReadyAt = statestore.TimePtr(now)
		}
		return nil
	})
	if err != nil {
		return err
	}
	r.logger.WithWorker(id).Debug("worker status changed", "status", string(status))
	return nil
}

// Transition moves worker id to status only if the lifecycle allows it. It
// reports whether the move happened.
func (r *Repo) Transition(ctx context.Context, id int, status Status) (bool, error) {
	moved := false
	err := r.update(ctx, id, func(w *statestore.WorkerRecord, now time.Time) error {
		moved = w.Status.CanTransitionTo(status)
		if !moved {
			return nil
		}
		w.Status = status
		if status == StatusReady && w.ReadyAt == nil {
			w.ReadyAt = statestore.TimePtr(now)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if !moved {
		r.logger.WithWorker(id).Warn("worker transition rejected", "to", string(status))
	}
	return moved, nil
}

// SetReady marks worker id READY and stamps ready_at.
func (r *Repo) SetReady(ctx context.Context, id int) error {
	return r.update(ctx, id, func(w *statestore.WorkerRecord, now time.Time) error {
		w.Status = StatusReady
		w.ReadyAt = statestore.TimePtr(now)
		return nil
	})
}

// SetCurrentTask records the task worker id is working on. An empty id
// clears it.
func (r *Repo) SetCurrentTask(ctx context.Context, id int, taskID string) error {
	return r.update(ctx, id, func(w *statestore.WorkerRecord, _ time.Time) error {
		w.CurrentTask = taskID
		return nil
	})
}

// SetContextUsage records the fraction of its context worker id has used.
func (r *Repo) SetContextUsage(ctx context.Context, id int, usage float64) error {
	if usage < 0 || usage > 1 {
		return errors.NewValidationError("context usage must be within [0, 1]").
			WithField("context_usage").WithValue(fmt.Sprintf("%.2f", usage))
	}
	return r.update(ctx, id, func(w *statestore.WorkerRecord, _ time.Time) error {
		w.ContextUsage = usage
		return nil
	})
}

// Worker returns a copy of worker id's record.
func (r *Repo) Worker(ctx context.Context, id int) (*statestore.WorkerRecord, error) {
	var out *statestore.WorkerRecord
	err := r.store.View(ctx, func(_ context.Context, st *statestore.State) error {
		w, ok := st.Workers[id]
		if !ok {
			return notFound(id)
		}
		out = w.Clone()
		return nil
	})
	return out, err
}

// Workers returns copies of every worker record, ordered by id.
func (r *Repo) Workers(ctx context.Context) ([]*statestore.WorkerRecord, error) {
	var out []*statestore.WorkerRecord
	err := r.store.View(ctx, func(_ context.Context, st *statestore.State) error {
		for _, w := range st.Workers {
			out = append(out, w.Clone())
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out, err
}

// WaitForWorkersReady polls until every worker in ids has become ready or
// timeout elapses. A worker counts as ready once ready_at is stamped and it
// has not stopped or crashed, so one that already moved on to RUNNING still
// counts. It returns false on timeout rather than an error, and ctx.Err()
// when ctx itself ends the wait.
func (r *Repo) WaitForWorkersReady(ctx context.Context, ids []int, timeout time.Duration) (bool, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		ready, err := r.allReady(waitCtx, ids)
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			if waitCtx.Err() != nil {
				return false, nil
			}
			return false, err
		}
		if ready {
			return true, nil
		}
		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			r.logger.Warn("timed out waiting for workers", "workers", fmt.Sprint(ids), "timeout", timeout.String())
			return false, nil
		case <-ticker.C:
		}
	}
}

func (r *Repo) allReady(ctx context.Context, ids []int) (bool, error) {
	ready := true
	err := r.store.View(ctx, func(_ context.Context, st *statestore.State) error {
		for _, id := range ids {
			w, ok := st.Workers[id]
			if !ok || w.ReadyAt == nil || w.Status.IsTerminal() || w.Status == StatusInitializing {
				ready = false
				return nil
			}
		}
		return nil
	})
	return ready, err
}

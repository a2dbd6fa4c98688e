// Package retry keeps per-task retry bookkeeping in the state document.
//
// The Repo is a ledger, not a timer: it stores retry counts and the time a
// retry becomes due, and compares those timestamps with the store's clock.
// Deciding how long to wait is the job of a [Policy].
package retry

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/Iron-Ham/ladder/internal/errors"
	"github.com/Iron-Ham/ladder/internal/logging"
	"github.com/Iron-Ham/ladder/internal/metrics"
	"github.com/Iron-Ham/ladder/internal/statestore"
	"github.com/Iron-Ham/ladder/internal/taskstate"
)

// Repo reads and writes retry fields of task records.
type Repo struct {
	store   *statestore.Store
	logger  *logging.Logger
	metrics *metrics.Metrics
}

// Option configures a Repo.
type Option func(*Repo)

// WithLogger sets the logger. Defaults to the store's logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Repo) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMetrics enables the retry counter.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Repo) { r.metrics = m }
}

// NewRepo creates a Repo on store.
func NewRepo(store *statestore.Store, opts ...Option) *Repo {
	r := &Repo{store: store, logger: store.Logger()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RetryCount returns how many times taskID has been retried.
func (r *Repo) RetryCount(ctx context.Context, taskID string) (int, error) {
	n := 0
	err := r.store.View(ctx, func(_ context.Context, st *statestore.State) error {
		if t, ok := st.Tasks[taskID]; ok {
			n = t.RetryCount
		}
		return nil
	})
	return n, err
}

// IncrementRetry adds one to the retry count, stamps last_retry_at and, when
// nextRetryAt is non-nil, records when the next attempt is due. The task's
// status is not changed. It returns the new count.
func (r *Repo) IncrementRetry(ctx context.Context, taskID string, nextRetryAt *time.Time) (int, error) {
	n := 0
	err := r.store.AtomicUpdate(ctx, func(_ context.Context, st *statestore.State) error {
		now := r.store.Now()
		t := st.Task(taskID)
		t.RetryCount++
		t.LastRetryAt = statestore.TimePtr(now)
		if nextRetryAt != nil {
			t.NextRetryAt = statestore.TimePtr(nextRetryAt.UTC())
		}
		t.UpdatedAt = statestore.TimePtr(now)
		n = t.RetryCount
		return nil
	})
	if err != nil {
		return 0, errors.Wrapf(err, "increment retry for %s", taskID)
	}
	r.metrics.RecordRetry()
	return n, nil
}

// RetrySchedule returns when taskID's next retry is due, or nil.
func (r *Repo) RetrySchedule(ctx context.Context, taskID string) (*time.Time, error) {
	var at *time.Time
	err := r.store.View(ctx, func(_ context.Context, st *statestore.State) error {
		if t, ok := st.Tasks[taskID]; ok && t.NextRetryAt != nil {
			at = statestore.TimePtr(*t.NextRetryAt)
		}
		return nil
	})
	return at, err
}

// SetRetrySchedule records when taskID's next retry is due.
func (r *Repo) SetRetrySchedule(ctx context.Context, taskID string, at time.Time) error {
	return r.store.AtomicUpdate(ctx, func(_ context.Context, st *statestore.State) error {
		t := st.Task(taskID)
		t.NextRetryAt = statestore.TimePtr(at.UTC())
		t.UpdatedAt = statestore.TimePtr(r.store.Now())
		return nil
	})
}

// TasksReadyForRetry returns, sorted, the failed or waiting_retry tasks
// whose next_retry_at is set and not in the future.
func (r *Repo) TasksReadyForRetry(ctx context.Context) ([]string, error) {
	ids := []string{}
	err := r.store.View(ctx, func(_ context.Context, st *statestore.State) error {
		ids = readyIDs(st, r.store.Now())
		return nil
	})
	return ids, err
}

func readyIDs(st *statestore.State, now time.Time) []string {
	ids := []string{}
	for id, t := range st.Tasks {
		if t.Status != statestore.TaskFailed && t.Status != statestore.TaskWaitingRetry {
			continue
		}
		if t.NextRetryAt != nil && !t.NextRetryAt.After(now) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// ResetRetries clears the retry count and schedule of taskID.
func (r *Repo) ResetRetries(ctx context.Context, taskID string) error {
	return r.store.AtomicUpdate(ctx, func(_ context.Context, st *statestore.State) error {
		t, ok := st.Tasks[taskID]
		if !ok {
			return nil
		}
		t.RetryCount = 0
		t.NextRetryAt = nil
		t.LastRetryAt = nil
		t.UpdatedAt = statestore.TimePtr(r.store.Now())
		return nil
	})
}

// RecordFailure records a failed attempt of taskID under policy p in one
// scope. While retries remain the task moves to waiting_retry with its next
// attempt scheduled; otherwise it stays failed for operator attention. The
// worker id is cleared either way. It reports whether a retry was scheduled.
func (r *Repo) RecordFailure(ctx context.Context, taskID, errMsg string, p *Policy) (bool, error) {
	retrying := false
	var next time.Time
	err := r.store.AtomicUpdate(ctx, func(_ context.Context, st *statestore.State) error {
		now := r.store.Now()
		t := st.Task(taskID)
		t.Error = errMsg
		t.WorkerID = nil
		t.UpdatedAt = statestore.TimePtr(now)

		retrying = p.ShouldRetry(t.RetryCount)
		if !retrying {
			t.Status = statestore.TaskFailed
			t.NextRetryAt = nil
			return nil
		}
		t.RetryCount++
		t.LastRetryAt = statestore.TimePtr(now)
		next = p.NextRetryAt(now, t.RetryCount)
		t.NextRetryAt = statestore.TimePtr(next)
		t.Status = statestore.TaskWaitingRetry
		return nil
	})
	if err != nil {
		return false, errors.NewTaskError("record failure", err).WithTaskID(taskID)
	}
	if retrying {
		r.metrics.RecordRetry()
		r.metrics.RecordTransition(string(statestore.TaskWaitingRetry))
		r.logger.Info("task retry scheduled", "task_id", taskID, "next_retry_at", next.Format(time.RFC3339))
	} else {
		r.metrics.RecordTransition(string(statestore.TaskFailed))
		r.logger.Warn("task failed permanently", "task_id", taskID, "error", errMsg)
	}
	return retrying, nil
}

// RequeueReady moves every task that is ready for retry back to pending and
// returns their ids.
func (r *Repo) RequeueReady(ctx context.Context) ([]string, error) {
	var ids []string
	err := r.store.AtomicUpdate(ctx, func(_ context.Context, st *statestore.State) error {
		now := r.store.Now()
		ids = readyIDs(st, now)
		for _, id := range ids {
			t := st.Tasks[id]
			t.Status = statestore.TaskPending
			t.WorkerID = nil
			t.NextRetryAt = nil
			t.StartedAt = nil
			t.ClaimedAt = nil
			t.UpdatedAt = statestore.TimePtr(now)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "requeue retries")
	}
	if len(ids) > 0 {
		r.logger.Info("retries requeued", "count", len(ids))
	}
	return ids, nil
}

// StaleTask describes an in-progress task that FailStale recorded as failed.
type StaleTask struct {
	ID        string
	WorkerID  *int
	StartedAt *time.Time
	// Retrying is true when the policy scheduled another attempt.
	Retrying bool
}

// FailStale records a failure under policy p for every task that has been
// in progress longer than timeout. Detection and the failures happen in one
// atomic scope. Results are ordered by task id.
func (r *Repo) FailStale(ctx context.Context, timeout time.Duration, p *Policy) ([]StaleTask, error) {
	tasks := taskstate.New(r.store, taskstate.WithLogger(r.logger), taskstate.WithMetrics(r.metrics))
	msg := fmt.Sprintf("no progress within %s", timeout)

	var stale []StaleTask
	err := r.store.AtomicUpdate(ctx, func(ctx context.Context, st *statestore.State) error {
		stale = nil
		ids, err := tasks.StaleInProgressTasks(ctx, timeout)
		if err != nil {
			return err
		}
		for _, id := range ids {
			t := st.Tasks[id]
			entry := StaleTask{ID: id}
			if t.StartedAt != nil {
				at := *t.StartedAt
				entry.StartedAt = &at
			}
			if t.WorkerID != nil {
				w := *t.WorkerID
				entry.WorkerID = &w
			}
			if entry.Retrying, err = r.RecordFailure(ctx, id, msg, p); err != nil {
				return err
			}
			stale = append(stale, entry)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "sweep stale tasks")
	}
	return stale, nil
}

// Package taskstate owns task lifecycle records in a feature's state document
// and implements the claim protocol workers use to take exclusive ownership
// of a task.
//
// Every operation runs inside one statestore scope. When the caller's
// context already carries a scope, the operation joins it, so a scheduler
// can claim a task and update a worker record in a single atomic update.
//
// A claim that is not possible right now is reported as false, never as an
// error. Errors are reserved for persistence failures.
//
// Usage:
//
//	repo := taskstate.New(store)
//	ok, err := repo.ClaimTask(ctx, "T1", workerID,
//	    taskstate.WithCurrentLevel(level),
//	    taskstate.WithDependencyChecker(checker))
//	if ok {
//	    _ = repo.SetTaskStatus(ctx, "T1", statestore.TaskInProgress, taskstate.WithWorker(workerID))
//	}
package taskstate

import (
	"context"
	"sort"
	"time"

	"github.com/Iron-Ham/ladder/internal/errors"
	"github.com/Iron-Ham/ladder/internal/logging"
	"github.com/Iron-Ham/ladder/internal/metrics"
	"github.com/Iron-Ham/ladder/internal/statestore"
	"github.com/Iron-Ham/ladder/internal/taskgraph"
	"github.com/Iron-Ham/ladder/internal/telemetry"
)

// DependencyChecker reports which dependencies of a task are not yet complete.
type DependencyChecker interface {
	IncompleteDependencies(ctx context.Context, taskID string) ([]string, error)
}

// Repo reads and writes task records. It is safe for concurrent use.
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

// WithMetrics enables claim and transition metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Repo) { r.metrics = m }
}

// New creates a Repo on store.
func New(store *statestore.Store, opts ...Option) *Repo {
	r := &Repo{store: store, logger: store.Logger()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Store returns the underlying store.
func (r *Repo) Store() *statestore.Store { return r.store }

type statusOptions struct {
	workerID *int
	errMsg   string
}

// StatusOption adds detail to a status change.
type StatusOption func(*statusOptions)

// WithWorker records the worker performing the transition. It is kept only
// for statuses that hold a worker.
func WithWorker(id int) StatusOption {
	return func(o *statusOptions) { o.workerID = &id }
}

// WithError records a failure message on the task.
func WithError(msg string) StatusOption {
	return func(o *statusOptions) { o.errMsg = msg }
}

// SetTaskStatus moves a task to status unconditionally. It stamps
// updated_at, plus started_at on in_progress and completed_at on complete.
// The worker id is cleared for any status that does not hold a worker.
func (r *Repo) SetTaskStatus(ctx context.Context, taskID string, status statestore.TaskStatus, opts ...StatusOption) error {
	if !status.IsValid() {
		return errors.NewValidationError("unknown task status").WithField("status").WithValue(string(status))
	}
	var o statusOptions
	for _, opt := range opts {
		opt(&o)
	}

	err := r.store.AtomicUpdate(ctx, func(_ context.Context, st *statestore.State) error {
		now := r.store.Now()
		t := st.Task(taskID)
		if t.CreatedAt == nil {
			t.CreatedAt = statestore.TimePtr(now)
		}
		t.Status = status
		t.UpdatedAt = statestore.TimePtr(now)

		switch status {
		case statestore.TaskInProgress:
			t.StartedAt = statestore.TimePtr(now)
		case statestore.TaskComplete:
			t.CompletedAt = statestore.TimePtr(now)
			t.Error = ""
		}
		if o.errMsg != "" {
			t.Error = o.errMsg
		}

		if status.HoldsWorker() {
			if o.workerID != nil {
				id := *o.workerID
				t.WorkerID = &id
			}
		} else {
			t.WorkerID = nil
		}
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "set task %s to %s", taskID, status)
	}
	r.metrics.RecordTransition(string(status))
	r.logger.Debug("task status changed", "task_id", taskID, "status", string(status))
	return nil
}

type claimOptions struct {
	level    int
	hasLevel bool
	checker  DependencyChecker
}

// ClaimOption gates a claim.
type ClaimOption func(*claimOptions)

// WithCurrentLevel rejects the claim when the task belongs to another level.
func WithCurrentLevel(level int) ClaimOption {
	return func(o *claimOptions) {
		o.level = level
		o.hasLevel = true
	}
}

// WithDependencyChecker rejects the claim while any dependency is incomplete.
func WithDependencyChecker(c DependencyChecker) ClaimOption {
	return func(o *claimOptions) { o.checker = c }
}

// ClaimTask tries to give workerID exclusive ownership of taskID. The checks
// and the write happen in one atomic scope, so of any number of concurrent
// callers at most one wins. A worker re-claiming a task it already holds
// succeeds.
//
// It returns false without error when the task is at a different level, has
// incomplete dependencies, is unknown to the dependency checker, or is not
// pending.
func (r *Repo) ClaimTask(ctx context.Context, taskID string, workerID int, opts ...ClaimOption) (bool, error) {
	var o claimOptions
	for _, opt := range opts {
		opt(&o)
	}

	ctx, span := telemetry.StartTaskSpan(ctx, telemetry.SpanTaskClaim, taskID, workerID)
	var (
		claimed   bool
		reason    string
		queueWait time.Duration
	)
	err := r.store.AtomicUpdate(ctx, func(ctx context.Context, st *statestore.State) error {
		claimed, reason = false, ""
		rec, exists := st.Tasks[taskID]

		if o.hasLevel && exists && rec.Level != 0 && rec.Level != o.level {
			reason = "level"
			return nil
		}
		if o.checker != nil {
			blocking, err := o.checker.IncompleteDependencies(ctx, taskID)
			if errors.Is(err, errors.ErrTaskNotFound) {
				reason = "unknown"
				return nil
			}
			if err != nil {
				return err
			}
			if len(blocking) > 0 {
				reason = "dependencies"
				return nil
			}
		}
		if exists {
			switch {
			case rec.Status == statestore.TaskPending:
			case rec.Status == statestore.TaskClaimed && rec.HeldBy(workerID):
				claimed = true
				return nil
			default:
				reason = "status"
				return nil
			}
		}

		now := r.store.Now()
		t := st.Task(taskID)
		if t.CreatedAt == nil {
			t.CreatedAt = statestore.TimePtr(now)
		}
		id := workerID
		t.Status = statestore.TaskClaimed
		t.WorkerID = &id
		t.ClaimedAt = statestore.TimePtr(now)
		t.UpdatedAt = statestore.TimePtr(now)
		queueWait = now.Sub(*t.CreatedAt)
		claimed = true
		return nil
	})
	telemetry.End(span, err)
	if err != nil {
		return false, errors.NewTaskError("claim failed", err).WithTaskID(taskID).WithWorkerID(workerID)
	}

	r.metrics.RecordClaim(claimed, queueWait)
	if claimed {
		r.logger.Debug("task claimed", "task_id", taskID, "worker_id", workerID)
	} else {
		r.logger.Debug("task not claimable", "task_id", taskID, "worker_id", workerID, "reason", reason)
	}
	return claimed, nil
}

// ReleaseTask returns a task held by workerID to pending. Releases by any
// other worker leave the state unchanged and report false.
func (r *Repo) ReleaseTask(ctx context.Context, taskID string, workerID int) (bool, error) {
	ctx, span := telemetry.StartTaskSpan(ctx, telemetry.SpanTaskRelease, taskID, workerID)
	released := false
	err := r.store.AtomicUpdate(ctx, func(_ context.Context, st *statestore.State) error {
		released = false
		t, ok := st.Tasks[taskID]
		if !ok || !t.HeldBy(workerID) {
			return nil
		}
		t.Status = statestore.TaskPending
		t.WorkerID = nil
		t.ClaimedAt = nil
		t.StartedAt = nil
		t.UpdatedAt = statestore.TimePtr(r.store.Now())
		released = true
		return nil
	})
	telemetry.End(span, err)
	if err != nil {
		return false, errors.NewTaskError("release failed", err).WithTaskID(taskID).WithWorkerID(workerID)
	}
	if released {
		r.metrics.RecordTransition(string(statestore.TaskPending))
		r.logger.Info("task released", "task_id", taskID, "worker_id", workerID)
	}
	return released, nil
}

// Status returns the task's status. A task with no record is pending.
func (r *Repo) Status(ctx context.Context, taskID string) (statestore.TaskStatus, error) {
	status := statestore.TaskPending
	err := r.store.View(ctx, func(_ context.Context, st *statestore.State) error {
		if t, ok := st.Tasks[taskID]; ok {
			status = t.Status
		}
		return nil
	})
	return status, err
}

// Task returns a copy of the task record.
func (r *Repo) Task(ctx context.Context, taskID string) (*statestore.TaskRecord, error) {
	var out *statestore.TaskRecord
	err := r.store.View(ctx, func(_ context.Context, st *statestore.State) error {
		t, ok := st.Tasks[taskID]
		if !ok {
			return errors.NewNotFoundError("task", taskID).WithCause(errors.ErrTaskNotFound)
		}
		out = t.Clone()
		return nil
	})
	return out, err
}

// Tasks returns copies of every task record keyed by id.
func (r *Repo) Tasks(ctx context.Context) (map[string]*statestore.TaskRecord, error) {
	out := make(map[string]*statestore.TaskRecord)
	err := r.store.View(ctx, func(_ context.Context, st *statestore.State) error {
		for id, t := range st.Tasks {
			out[id] = t.Clone()
		}
		return nil
	})
	return out, err
}

// TasksByStatus returns the ids of tasks in status, sorted.
func (r *Repo) TasksByStatus(ctx context.Context, status statestore.TaskStatus) ([]string, error) {
	return r.selectIDs(ctx, func(_ string, t *statestore.TaskRecord) bool {
		return t.Status == status
	})
}

// FailedTasks returns the ids of failed tasks, sorted.
func (r *Repo) FailedTasks(ctx context.Context) ([]string, error) {
	return r.TasksByStatus(ctx, statestore.TaskFailed)
}

// StaleInProgressTasks returns in-progress tasks whose started_at is older
// than now minus timeout. This is how crashed workers are detected.
func (r *Repo) StaleInProgressTasks(ctx context.Context, timeout time.Duration) ([]string, error) {
	cutoff := r.store.Now().Add(-timeout)
	ids, err := r.selectIDs(ctx, func(_ string, t *statestore.TaskRecord) bool {
		return t.Status == statestore.TaskInProgress && t.StartedAt != nil && t.StartedAt.Before(cutoff)
	})
	if err == nil {
		r.metrics.SetStaleTasks(len(ids))
	}
	return ids, err
}

func (r *Repo) selectIDs(ctx context.Context, match func(id string, t *statestore.TaskRecord) bool) ([]string, error) {
	ids := []string{}
	err := r.store.View(ctx, func(_ context.Context, st *statestore.State) error {
		for id, t := range st.Tasks {
			if match(id, t) {
				ids = append(ids, id)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

// Seed writes a pending record, with its level, for every graph task that
// has no record yet. Existing records only gain a missing level. It returns
// the number of records created.
func (r *Repo) Seed(ctx context.Context, g *taskgraph.Graph) (int, error) {
	created := 0
	err := r.store.AtomicUpdate(ctx, func(_ context.Context, st *statestore.State) error {
		created = 0
		now := r.store.Now()
		for _, task := range g.Tasks {
			if t, ok := st.Tasks[task.ID]; ok {
				if t.Level == 0 {
					t.Level = task.Level
				}
				continue
			}
			st.Tasks[task.ID] = &statestore.TaskRecord{
				Status:    statestore.TaskPending,
				Level:     task.Level,
				CreatedAt: statestore.TimePtr(now),
				UpdatedAt: statestore.TimePtr(now),
			}
			created++
		}
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "seed tasks")
	}
	if created > 0 {
		r.logger.Info("tasks seeded", "count", created)
	}
	return created, nil
}

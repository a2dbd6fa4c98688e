// Package levelstate tracks the two independent state axes of each level and
// the cursor that gates which level workers may claim from.
//
// The execution axis moves pending → running → complete|failed as the
// level's tasks run. The merge axis moves pending → in_progress →
// conflict|complete as the level's combined output is integrated. A level
// can be execution-complete while its merge is still in progress or stuck
// in conflict; the next level opens only once both axes are complete.
package levelstate

import (
	"context"
	"maps"
	"sort"
	"strconv"

	"github.com/Iron-Ham/ladder/internal/errors"
	"github.com/Iron-Ham/ladder/internal/logging"
	"github.com/Iron-Ham/ladder/internal/metrics"
	"github.com/Iron-Ham/ladder/internal/statestore"
)

// Axis labels used in logs and metrics.
const (
	AxisExecution = "execution"
	AxisMerge     = "merge"
)

// Repo reads and writes level records and the current-level cursor.
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

// WithMetrics enables level transition metrics.
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

func validLevel(level int) error {
	if level < 1 {
		return errors.NewValidationError("level must be positive").WithField("level").WithValue(level)
	}
	return nil
}

// SetLevelStatus moves the execution axis of level. Entering running always
// overwrites started_at so it measures the latest attempt. Entering
// complete or failed stamps completed_at.
func (r *Repo) SetLevelStatus(ctx context.Context, level int, status statestore.LevelStatus) error {
	if err := validLevel(level); err != nil {
		return err
	}
	err := r.store.AtomicUpdate(ctx, func(_ context.Context, st *statestore.State) error {
		now := r.store.Now()
		l := st.Level(level)
		l.Status = status
		l.UpdatedAt = statestore.TimePtr(now)
		switch status {
		case statestore.LevelRunning:
			l.StartedAt = statestore.TimePtr(now)
			l.CompletedAt = nil
		case statestore.LevelComplete, statestore.LevelFailed:
			l.CompletedAt = statestore.TimePtr(now)
		}
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "set level %d to %s", level, status)
	}
	r.metrics.RecordLevelTransition(AxisExecution, string(status))
	r.logger.WithLevel(level).Info("level status changed", "status", string(status))
	return nil
}

// StartLevel marks level running.
func (r *Repo) StartLevel(ctx context.Context, level int) error {
	return r.SetLevelStatus(ctx, level, statestore.LevelRunning)
}

// CompleteLevel marks level complete.
func (r *Repo) CompleteLevel(ctx context.Context, level int) error {
	return r.SetLevelStatus(ctx, level, statestore.LevelComplete)
}

// FailLevel marks level failed.
func (r *Repo) FailLevel(ctx context.Context, level int) error {
	return r.SetLevelStatus(ctx, level, statestore.LevelFailed)
}

// MergeOption adds detail to a merge status change.
type MergeOption func(*statestore.LevelRecord)

// WithMergeCommit records the commit that integrated the level.
func WithMergeCommit(commit string) MergeOption {
	return func(l *statestore.LevelRecord) { l.MergeCommit = commit }
}

// WithMergeDetails records structured merge details, e.g. conflicting files.
func WithMergeDetails(details map[string]any) MergeOption {
	return func(l *statestore.LevelRecord) { l.MergeDetails = maps.Clone(details) }
}

// SetMergeStatus moves the merge axis of level. The execution axis is not
// touched.
func (r *Repo) SetMergeStatus(ctx context.Context, level int, status statestore.MergeStatus, opts ...MergeOption) error {
	if err := validLevel(level); err != nil {
		return err
	}
	err := r.store.AtomicUpdate(ctx, func(_ context.Context, st *statestore.State) error {
		l := st.Level(level)
		l.MergeStatus = status
		l.UpdatedAt = statestore.TimePtr(r.store.Now())
		for _, opt := range opts {
			opt(l)
		}
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "set level %d merge to %s", level, status)
	}
	r.metrics.RecordLevelTransition(AxisMerge, string(status))
	r.logger.WithLevel(level).Info("level merge status changed", "merge_status", string(status))
	return nil
}

// Level returns a copy of level's record.
func (r *Repo) Level(ctx context.Context, level int) (*statestore.LevelRecord, error) {
	var out *statestore.LevelRecord
	err := r.store.View(ctx, func(_ context.Context, st *statestore.State) error {
		l, ok := st.Levels[level]
		if !ok {
			return errors.NewNotFoundError("level", strconv.Itoa(level)).WithCause(errors.ErrLevelNotFound)
		}
		out = l.Clone()
		return nil
	})
	return out, err
}

// Levels returns copies of every level record keyed by number.
func (r *Repo) Levels(ctx context.Context) (map[int]*statestore.LevelRecord, error) {
	out := make(map[int]*statestore.LevelRecord)
	err := r.store.View(ctx, func(_ context.Context, st *statestore.State) error {
		for n, l := range st.Levels {
			out[n] = l.Clone()
		}
		return nil
	})
	return out, err
}

// LevelNumbers returns the numbers of levels with a record, ascending.
func (r *Repo) LevelNumbers(ctx context.Context) ([]int, error) {
	levels, err := r.Levels(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]int, 0, len(levels))
	for n := range levels {
		out = append(out, n)
	}
	sort.Ints(out)
	return out, nil
}

// IsLevelMerged reports whether level is execution-complete and
// merge-complete.
func (r *Repo) IsLevelMerged(ctx context.Context, level int) (bool, error) {
	merged := false
	err := r.store.View(ctx, func(_ context.Context, st *statestore.State) error {
		merged = isMerged(st.Levels[level])
		return nil
	})
	return merged, err
}

func isMerged(l *statestore.LevelRecord) bool {
	return l != nil && l.Status == statestore.LevelComplete && l.MergeStatus == statestore.MergeComplete
}

// CurrentLevel returns the cursor gating claims. Zero means no level has
// started.
func (r *Repo) CurrentLevel(ctx context.Context) (int, error) {
	level := 0
	err := r.store.View(ctx, func(_ context.Context, st *statestore.State) error {
		level = st.CurrentLevel
		return nil
	})
	return level, err
}

// SetCurrentLevel moves the cursor unconditionally.
func (r *Repo) SetCurrentLevel(ctx context.Context, level int) error {
	if level < 0 {
		return errors.NewValidationError("current level must not be negative").WithField("current_level").WithValue(level)
	}
	err := r.store.AtomicUpdate(ctx, func(_ context.Context, st *statestore.State) error {
		st.CurrentLevel = level
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "set current level")
	}
	r.metrics.SetCurrentLevel(level)
	return nil
}

// Advance moves the cursor from level n to n+1 when level n is merged. A
// cursor at zero always advances to level 1. It returns the cursor after
// the call and whether it moved.
func (r *Repo) Advance(ctx context.Context) (int, bool, error) {
	var (
		level int
		moved bool
	)
	err := r.store.AtomicUpdate(ctx, func(_ context.Context, st *statestore.State) error {
		level, moved = st.CurrentLevel, false
		if level > 0 && !isMerged(st.Levels[level]) {
			return nil
		}
		level++
		st.CurrentLevel = level
		moved = true
		return nil
	})
	if err != nil {
		return 0, false, errors.Wrap(err, "advance level")
	}
	if moved {
		r.metrics.SetCurrentLevel(level)
		r.logger.Info("current level advanced", "current_level", level)
	}
	return level, moved, nil
}

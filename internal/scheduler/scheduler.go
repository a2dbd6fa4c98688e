// Package scheduler drives a task graph to completion with an in-process
// pool of workers.
//
// Each level runs in turn. Workers claim tasks of the current level through
// the claim protocol, hand them to an Agent, verify the result and record
// success or failure. Failed tasks are retried under a retry.Policy. When
// every task of a level is complete the level is merged, and only a merged
// level lets the cursor advance to the next one.
//
// All coordination goes through the state document, so a scheduler can be
// stopped and started again and will resume where the document says it
// left off.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Iron-Ham/ladder/internal/assign"
	"github.com/Iron-Ham/ladder/internal/deps"
	"github.com/Iron-Ham/ladder/internal/errors"
	"github.com/Iron-Ham/ladder/internal/event"
	"github.com/Iron-Ham/ladder/internal/levelstate"
	"github.com/Iron-Ham/ladder/internal/logging"
	"github.com/Iron-Ham/ladder/internal/metrics"
	"github.com/Iron-Ham/ladder/internal/retry"
	"github.com/Iron-Ham/ladder/internal/semaphore"
	"github.com/Iron-Ham/ladder/internal/statestore"
	"github.com/Iron-Ham/ladder/internal/taskgraph"
	"github.com/Iron-Ham/ladder/internal/taskstate"
	"github.com/Iron-Ham/ladder/internal/telemetry"
	"github.com/Iron-Ham/ladder/internal/worker"
	"github.com/sourcegraph/conc/pool"
)

// Defaults for a Scheduler.
const (
	DefaultWorkers      = 4
	DefaultPollInterval = 500 * time.Millisecond
	DefaultStaleTimeout = 30 * time.Minute
	DefaultReadyTimeout = 2 * time.Minute
)

// Stop reasons reported in Summary and SchedulerStoppedEvent.
const (
	StopCompleted     = "completed"
	StopPaused        = "paused"
	StopLevelFailed   = "level_failed"
	StopMergeConflict = "merge_conflict"
	StopCancelled     = "cancelled"
	StopError         = "error"
)

// Summary describes how a Run ended.
type Summary struct {
	Reason    string
	Level     int
	Completed []string
	Failed    []string
	Blocked   []string
	Duration  time.Duration
}

// Scheduler runs one feature's graph. It is not safe to call Run
// concurrently on the same Scheduler.
type Scheduler struct {
	graph    *taskgraph.Graph
	store    *statestore.Store
	agent    Agent
	verifier Verifier
	merger   Merger

	tasks    *taskstate.Repo
	retries  *retry.Repo
	levels   *levelstate.Repo
	workers  *worker.Repo
	registry *worker.Registry
	checker  *deps.Checker

	bus      *event.Bus
	logger   *logging.Logger
	metrics  *metrics.Metrics
	sem      *semaphore.Semaphore
	resource string

	workerCount  int
	pollInterval time.Duration
	staleTimeout time.Duration
	readyTimeout time.Duration
	policy       *retry.Policy
	strategy     assign.Strategy

	planMu sync.Mutex
	plan   *assign.Plan
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithVerifier sets the verifier run after each successful execution.
func WithVerifier(v Verifier) Option {
	return func(s *Scheduler) { s.verifier = v }
}

// WithMerger sets the merger that closes each level. Defaults to NopMerger.
func WithMerger(m Merger) Option {
	return func(s *Scheduler) {
		if m != nil {
			s.merger = m
		}
	}
}

// WithBus sets the bus lifecycle events are published on.
func WithBus(b *event.Bus) Option {
	return func(s *Scheduler) {
		if b != nil {
			s.bus = b
		}
	}
}

// WithLogger sets the logger. Defaults to the store's logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics enables metrics for the scheduler and its repos.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithWorkers sets the pool size.
func WithWorkers(n int) Option {
	return func(s *Scheduler) { s.workerCount = n }
}

// WithPollInterval sets how long an idle worker waits before looking again.
func WithPollInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithStaleTimeout sets how long a task may stay in progress before the
// sweep records it as failed.
func WithStaleTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.staleTimeout = d
		}
	}
}

// WithReadyTimeout bounds the wait for workers to report ready.
func WithReadyTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.readyTimeout = d
		}
	}
}

// WithPolicy sets the retry policy.
func WithPolicy(p *retry.Policy) Option {
	return func(s *Scheduler) {
		if p != nil {
			s.policy = p
		}
	}
}

// WithStrategy sets the assignment strategy used to order each worker's
// claims.
func WithStrategy(st assign.Strategy) Option {
	return func(s *Scheduler) {
		if st != nil {
			s.strategy = st
		}
	}
}

// WithSemaphore makes every execution hold a slot on resource for its
// duration. Longer tasks get higher priority.
func WithSemaphore(sem *semaphore.Semaphore, resource string) Option {
	return func(s *Scheduler) {
		s.sem = sem
		s.resource = resource
	}
}

// New validates g and builds a Scheduler over store. An invalid graph is
// rejected before anything is written.
func New(g *taskgraph.Graph, store *statestore.Store, agent Agent, opts ...Option) (*Scheduler, error) {
	if agent == nil {
		return nil, errors.NewValidationError("agent is required").WithField("agent")
	}
	if res := taskgraph.Validate(g); !res.Valid() {
		return nil, res.Err()
	}

	s := &Scheduler{
		graph:        g,
		store:        store,
		agent:        agent,
		merger:       NopMerger{},
		bus:          event.NewBus(),
		logger:       store.Logger(),
		workerCount:  DefaultWorkers,
		pollInterval: DefaultPollInterval,
		staleTimeout: DefaultStaleTimeout,
		readyTimeout: DefaultReadyTimeout,
		policy:       retry.NewPolicy(),
		strategy:     assign.LPT{PerLevel: true},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.workerCount < 1 {
		return nil, errors.NewValidationError("worker count must be positive").WithField("workers").WithValue(s.workerCount)
	}
	s.logger = s.logger.WithFeature(store.Feature())

	s.tasks = taskstate.New(store, taskstate.WithLogger(s.logger), taskstate.WithMetrics(s.metrics))
	s.retries = retry.NewRepo(store, retry.WithLogger(s.logger), retry.WithMetrics(s.metrics))
	s.levels = levelstate.New(store, levelstate.WithLogger(s.logger), levelstate.WithMetrics(s.metrics))
	s.workers = worker.NewRepo(store, worker.WithRepoLogger(s.logger), worker.WithPollInterval(s.pollInterval))
	s.registry = worker.NewRegistry(worker.WithRegistryMetrics(s.metrics))
	s.checker = deps.New(g, s.tasks)
	return s, nil
}

// Bus returns the bus lifecycle events are published on.
func (s *Scheduler) Bus() *event.Bus { return s.bus }

// Registry returns the live worker registry.
func (s *Scheduler) Registry() *worker.Registry { return s.registry }

// Plan returns a copy of the current assignment plan, or nil before Run.
func (s *Scheduler) Plan() *assign.Plan {
	s.planMu.Lock()
	defer s.planMu.Unlock()
	if s.plan == nil {
		return nil
	}
	cp := *s.plan
	cp.Assignments = append([]assign.Assignment(nil), s.plan.Assignments...)
	return &cp
}

// Run drives the graph until every level is merged, a level fails, a merge
// conflicts, the feature is paused or ctx ends. Domain stops (failure,
// conflict, pause) return a Summary together with the matching sentinel
// error; infrastructure failures return the underlying error.
func (s *Scheduler) Run(ctx context.Context) (*Summary, error) {
	start := time.Now()
	summary := &Summary{}

	level, err := s.run(ctx)
	summary.Level = level
	summary.Reason = stopReason(err)
	summary.Duration = time.Since(start)
	if outcome, oerr := s.outcome(context.WithoutCancel(ctx)); oerr == nil {
		summary.Completed, summary.Failed, summary.Blocked = outcome.completed, outcome.failed, outcome.blocked
	}

	s.shutdown(context.WithoutCancel(ctx), err)
	s.bus.Publish(event.NewSchedulerStoppedEvent(summary.Reason, level))
	s.logger.Info("scheduler stopped",
		"reason", summary.Reason,
		"current_level", level,
		"completed", len(summary.Completed),
		"failed", len(summary.Failed),
		"duration", summary.Duration.String(),
	)
	return summary, err
}

func stopReason(err error) string {
	switch {
	case err == nil:
		return StopCompleted
	case errors.Is(err, errors.ErrPaused):
		return StopPaused
	case errors.Is(err, errors.ErrLevelFailed):
		return StopLevelFailed
	case errors.Is(err, errors.ErrMergeConflict):
		return StopMergeConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return StopCancelled
	default:
		return StopError
	}
}

func (s *Scheduler) run(ctx context.Context) (int, error) {
	if _, err := s.tasks.Seed(ctx, s.graph); err != nil {
		return 0, err
	}
	if err := s.recoverHeld(ctx); err != nil {
		return 0, err
	}
	if err := s.buildPlan(); err != nil {
		return 0, err
	}
	if err := s.startWorkers(ctx); err != nil {
		return 0, err
	}

	maxLevel := s.graph.MaxLevel()
	for {
		if paused, err := Paused(ctx, s.store); err != nil {
			return 0, err
		} else if paused {
			return s.currentLevel(ctx), errors.ErrPaused
		}

		level, err := s.levels.CurrentLevel(ctx)
		if err != nil {
			return 0, err
		}
		if level == 0 {
			if level, _, err = s.levels.Advance(ctx); err != nil {
				return 0, err
			}
		}
		if level > maxLevel {
			return level, nil
		}

		if err := s.runLevel(ctx, level); err != nil {
			return level, err
		}
		if err := s.mergeLevel(ctx, level); err != nil {
			return level, err
		}
		if _, moved, err := s.levels.Advance(ctx); err != nil {
			return level, err
		} else if !moved {
			return level, fmt.Errorf("level %d did not advance after merge", level)
		}
	}
}

func (s *Scheduler) currentLevel(ctx context.Context) int {
	level, _ := s.levels.CurrentLevel(ctx)
	return level
}

// recoverHeld returns tasks left claimed or in progress by a previous run
// to pending. Workers are in-process, so nothing else can hold them.
func (s *Scheduler) recoverHeld(ctx context.Context) error {
	type held struct {
		id     string
		worker int
	}
	var recovered []held
	err := s.store.AtomicUpdate(ctx, func(ctx context.Context, st *statestore.State) error {
		recovered = nil
		ids := make([]string, 0, len(st.Tasks))
		for id, t := range st.Tasks {
			if t.Status.HoldsWorker() {
				ids = append(ids, id)
			}
		}
		sort.Strings(ids)
		for _, id := range ids {
			w := -1
			if t := st.Tasks[id]; t.WorkerID != nil {
				w = *t.WorkerID
			}
			if err := s.tasks.SetTaskStatus(ctx, id, statestore.TaskPending); err != nil {
				return err
			}
			recovered = append(recovered, held{id: id, worker: w})
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "recover held tasks")
	}
	for _, h := range recovered {
		s.logger.Warn("recovered task held by a previous run", "task_id", h.id, "worker_id", h.worker)
		s.bus.Publish(event.NewTaskReleasedEvent(h.id, h.worker, "recovered"))
	}
	return nil
}

func (s *Scheduler) buildPlan() error {
	p, err := assign.NewPlan(s.graph, s.workerCount, s.strategy, s.store.Now())
	if err != nil {
		return err
	}
	s.planMu.Lock()
	s.plan = p
	s.planMu.Unlock()
	return nil
}

func (s *Scheduler) startWorkers(ctx context.Context) error {
	ids := make([]int, s.workerCount)
	for id := range ids {
		ids[id] = id
		if err := s.workers.Register(ctx, id, 0); err != nil {
			return err
		}
		s.registry.Register(worker.Entry{ID: id, Status: worker.StatusInitializing})
		s.bus.Publish(event.NewWorkerRegisteredEvent(id))
		if err := s.workers.SetReady(ctx, id); err != nil {
			return err
		}
		s.setWorkerStatus(id, worker.StatusInitializing, worker.StatusReady)
	}

	ready, err := s.workers.WaitForWorkersReady(ctx, ids, s.readyTimeout)
	if err != nil {
		return err
	}
	if !ready {
		return errors.NewTimeoutError("wait for workers ready", s.readyTimeout)
	}
	return nil
}

// setWorkerStatus mirrors a status change into the registry and the bus.
// The durable record is written by the caller.
func (s *Scheduler) setWorkerStatus(id int, from, to worker.Status) {
	s.registry.UpdateStatus(id, to)
	if from != to {
		s.bus.Publish(event.NewWorkerStatusEvent(id, string(from), string(to)))
	}
}

func (s *Scheduler) shutdown(ctx context.Context, runErr error) {
	final := worker.StatusStopped
	if stopReason(runErr) == StopError {
		final = worker.StatusCrashed
	}
	for _, e := range s.registry.All() {
		if e.Status.IsTerminal() {
			continue
		}
		if err := s.workers.SetStatus(ctx, e.ID, final); err != nil {
			s.logger.Error("failed to stop worker", "worker_id", e.ID, "error", err)
			continue
		}
		_ = s.workers.SetCurrentTask(ctx, e.ID, "")
		s.setWorkerStatus(e.ID, e.Status, final)
	}

	msg := ""
	if runErr != nil && !errors.Is(runErr, errors.ErrPaused) {
		msg = runErr.Error()
	}
	err := s.store.AtomicUpdate(ctx, func(_ context.Context, st *statestore.State) error {
		if msg == "" {
			st.Error = nil
		} else {
			st.Error = &msg
		}
		return nil
	})
	if err != nil {
		s.logger.Error("failed to record run outcome", "error", err)
	}
}

// runLevel runs the pool until every task of level is complete or
// terminally failed.
func (s *Scheduler) runLevel(ctx context.Context, level int) (err error) {
	ctx, span := telemetry.StartLevelSpan(ctx, telemetry.SpanLevelRun, level)
	defer func() { telemetry.End(span, err) }()

	logger := s.logger.WithLevel(level)
	rec, err := s.levels.Level(ctx, level)
	if err != nil && !errors.Is(err, errors.ErrLevelNotFound) {
		return err
	}
	if rec == nil || rec.Status != statestore.LevelComplete {
		if err := s.levels.StartLevel(ctx, level); err != nil {
			return err
		}
		s.bus.Publish(event.NewLevelStartedEvent(level, len(s.graph.TasksAtLevel(level))))
		logger.Info("level started", "task_count", len(s.graph.TasksAtLevel(level)))
	}
	started := time.Now()

	p := pool.New().WithMaxGoroutines(s.workerCount).WithContext(ctx).WithCancelOnError().WithFirstError()
	for id := 0; id < s.workerCount; id++ {
		p.Go(func(ctx context.Context) error {
			return s.workerLoop(ctx, id, level)
		})
	}
	if err := p.Wait(); err != nil {
		return err
	}

	outcome, err := s.levelOutcome(ctx, level)
	if err != nil {
		return err
	}
	if outcome.pending > 0 {
		if paused, err := Paused(ctx, s.store); err != nil {
			return err
		} else if paused {
			logger.Info("level paused", "unfinished", outcome.pending)
			return errors.ErrPaused
		}
		return fmt.Errorf("level %d stopped with %d unfinished tasks", level, outcome.pending)
	}
	if len(outcome.failed) > 0 || len(outcome.blocked) > 0 {
		if err := s.levels.FailLevel(ctx, level); err != nil {
			return err
		}
		s.bus.Publish(event.NewLevelFailedEvent(level, outcome.failed))
		logger.Error("level failed", "failed_tasks", outcome.failed, "blocked_tasks", outcome.blocked)
		return fmt.Errorf("%w: level %d has %d failed and %d blocked tasks",
			errors.ErrLevelFailed, level, len(outcome.failed), len(outcome.blocked))
	}
	if err := s.levels.CompleteLevel(ctx, level); err != nil {
		return err
	}
	s.bus.Publish(event.NewLevelCompletedEvent(level, time.Since(started)))
	logger.Info("level completed", "duration", time.Since(started).String())
	return nil
}

// mergeLevel runs the merge axis of a completed level.
func (s *Scheduler) mergeLevel(ctx context.Context, level int) (err error) {
	if merged, err := s.levels.IsLevelMerged(ctx, level); err != nil {
		return err
	} else if merged {
		return nil
	}

	ctx, span := telemetry.StartLevelSpan(ctx, telemetry.SpanLevelMerge, level)
	defer func() { telemetry.End(span, err) }()

	if err := s.levels.SetMergeStatus(ctx, level, statestore.MergeInProgress); err != nil {
		return err
	}
	s.bus.Publish(event.NewMergeStartedEvent(level))

	var ids []string
	for _, t := range s.graph.TasksAtLevel(level) {
		ids = append(ids, t.ID)
	}
	res, err := s.merger.Merge(ctx, level, ids)
	if err != nil {
		return errors.Wrapf(err, "merge level %d", level)
	}
	if res.Conflict {
		if err := s.levels.SetMergeStatus(ctx, level, statestore.MergeConflict, levelstate.WithMergeDetails(res.Details)); err != nil {
			return err
		}
		s.bus.Publish(event.NewMergeConflictEvent(level, res.Details))
		return fmt.Errorf("%w: level %d", errors.ErrMergeConflict, level)
	}
	if err := s.levels.SetMergeStatus(ctx, level, statestore.MergeComplete,
		levelstate.WithMergeCommit(res.Commit), levelstate.WithMergeDetails(res.Details)); err != nil {
		return err
	}
	s.bus.Publish(event.NewMergeCompletedEvent(level, res.Commit))
	return nil
}

type outcome struct {
	completed []string
	failed    []string
	// blocked tasks wait on a terminally failed dependency and can never run.
	blocked []string
	pending int
}

// levelOutcome classifies the tasks of one level. A level is done when
// pending is zero.
func (s *Scheduler) levelOutcome(ctx context.Context, level int) (outcome, error) {
	var o outcome
	tasks := s.graph.TasksAtLevel(level)
	err := s.store.View(ctx, func(ctx context.Context, st *statestore.State) error {
		upstream, err := s.checker.FailedUpstream(ctx)
		if err != nil {
			return err
		}
		for _, t := range tasks {
			rec, ok := st.Tasks[t.ID]
			switch {
			case ok && rec.Status == statestore.TaskComplete:
				o.completed = append(o.completed, t.ID)
			case ok && rec.Status == statestore.TaskFailed:
				o.failed = append(o.failed, t.ID)
			case len(upstream[t.ID]) > 0:
				o.blocked = append(o.blocked, t.ID)
			default:
				o.pending++
			}
		}
		return nil
	})
	return o, err
}

// outcome classifies every task in the graph.
func (s *Scheduler) outcome(ctx context.Context) (outcome, error) {
	var o outcome
	for _, level := range s.graph.LevelNumbers() {
		lo, err := s.levelOutcome(ctx, level)
		if err != nil {
			return o, err
		}
		o.completed = append(o.completed, lo.completed...)
		o.failed = append(o.failed, lo.failed...)
		o.blocked = append(o.blocked, lo.blocked...)
		o.pending += lo.pending
	}
	sort.Strings(o.completed)
	sort.Strings(o.failed)
	sort.Strings(o.blocked)
	return o, nil
}

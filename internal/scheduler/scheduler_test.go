package scheduler

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Iron-Ham/ladder/internal/errors"
	"github.com/Iron-Ham/ladder/internal/event"
	"github.com/Iron-Ham/ladder/internal/execlog"
	"github.com/Iron-Ham/ladder/internal/retry"
	"github.com/Iron-Ham/ladder/internal/semaphore"
	"github.com/Iron-Ham/ladder/internal/statestore"
	"github.com/Iron-Ham/ladder/internal/taskgraph"
	"github.com/Iron-Ham/ladder/internal/worker"
)

func testGraph() *taskgraph.Graph {
	return &taskgraph.Graph{
		Feature: "auth",
		Tasks: []taskgraph.Task{
			{ID: "A", Level: 1, EstimateMinutes: 20},
			{ID: "B", Level: 1, EstimateMinutes: 10},
			{ID: "C", Level: 2, Dependencies: []string{"A", "B"}},
		},
	}
}

func newTestStore(t *testing.T) *statestore.Store {
	t.Helper()
	return statestore.New("auth", statestore.NewFileBackend(filepath.Join(t.TempDir(), "auth.json")))
}

func newTestScheduler(t *testing.T, store *statestore.Store, agent Agent, opts ...Option) *Scheduler {
	t.Helper()
	base := []Option{
		WithWorkers(2),
		WithPollInterval(5 * time.Millisecond),
		WithPolicy(retry.NewPolicy(
			retry.WithMaxRetries(1),
			retry.WithBackoff(time.Millisecond, 5*time.Millisecond),
			retry.WithJitter(0),
		)),
	}
	s, err := New(testGraph(), store, agent, append(base, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func runWithTimeout(t *testing.T, s *Scheduler) (*Summary, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	return s.Run(ctx)
}

type mergerFunc func(ctx context.Context, level int, taskIDs []string) (MergeResult, error)

func (f mergerFunc) Merge(ctx context.Context, level int, taskIDs []string) (MergeResult, error) {
	return f(ctx, level, taskIDs)
}

type verifierFunc func(ctx context.Context, taskID string) (VerifyResult, error)

func (f verifierFunc) Verify(ctx context.Context, taskID string) (VerifyResult, error) {
	return f(ctx, taskID)
}

func TestNew_Validation(t *testing.T) {
	store := newTestStore(t)

	if _, err := New(testGraph(), store, nil); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("nil agent: err = %v, want ErrInvalidInput", err)
	}

	cyclic := &taskgraph.Graph{Tasks: []taskgraph.Task{
		{ID: "A", Level: 1, Dependencies: []string{"A"}},
	}}
	if _, err := New(cyclic, store, &SimAgent{}); !errors.Is(err, errors.ErrInvalidGraph) {
		t.Errorf("cyclic graph: err = %v, want ErrInvalidGraph", err)
	}

	if _, err := New(testGraph(), store, &SimAgent{}, WithWorkers(0)); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("zero workers: err = %v, want ErrInvalidInput", err)
	}
}

func TestRun_CompletesAllLevels(t *testing.T) {
	store := newTestStore(t)
	agent := &SimAgent{}
	s := newTestScheduler(t, store, agent)

	sum, err := runWithTimeout(t, s)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Reason != StopCompleted {
		t.Errorf("Reason = %q, want %q", sum.Reason, StopCompleted)
	}
	if len(sum.Completed) != 3 || len(sum.Failed) != 0 {
		t.Errorf("Completed = %v, Failed = %v", sum.Completed, sum.Failed)
	}

	st, err := store.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"A", "B", "C"} {
		if got := st.Tasks[id].Status; got != statestore.TaskComplete {
			t.Errorf("task %s = %s, want complete", id, got)
		}
		if agent.Attempts(id) != 1 {
			t.Errorf("task %s executed %d times, want 1", id, agent.Attempts(id))
		}
	}
	for _, level := range []int{1, 2} {
		l := st.Levels[level]
		if l == nil || l.Status != statestore.LevelComplete || l.MergeStatus != statestore.MergeComplete {
			t.Errorf("level %d = %+v", level, l)
			continue
		}
		if l.MergeCommit == "" {
			t.Errorf("level %d has no merge commit", level)
		}
	}
	if st.CurrentLevel != 3 {
		t.Errorf("CurrentLevel = %d, want 3 after the last merge", st.CurrentLevel)
	}
	if st.Error != nil {
		t.Errorf("Error = %q, want nil", *st.Error)
	}
	for id, w := range st.Workers {
		if w.Status != worker.StatusStopped {
			t.Errorf("worker %d = %s, want stopped", id, w.Status)
		}
	}
}

func TestRun_DependenciesRunFirst(t *testing.T) {
	store := newTestStore(t)
	var order []string
	done := make(chan string, 3)
	agent := AgentFunc(func(_ context.Context, taskID string, _ int) error {
		done <- taskID
		return nil
	})
	s := newTestScheduler(t, store, agent)

	if _, err := runWithTimeout(t, s); err != nil {
		t.Fatalf("Run: %v", err)
	}
	close(done)
	for id := range done {
		order = append(order, id)
	}
	if len(order) != 3 || order[2] != "C" {
		t.Errorf("execution order = %v, want C last", order)
	}
}

func TestRun_RetriesFailedTask(t *testing.T) {
	store := newTestStore(t)
	agent := &SimAgent{Failures: map[string]int{"A": 1}}
	s := newTestScheduler(t, store, agent)

	var failed, requeued atomic.Int32
	s.Bus().Subscribe(event.TypeTaskFailed, func(event.Event) { failed.Add(1) })
	s.Bus().Subscribe(event.TypeTasksRequeued, func(event.Event) { requeued.Add(1) })

	if _, err := runWithTimeout(t, s); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if agent.Attempts("A") != 2 {
		t.Errorf("A attempts = %d, want 2", agent.Attempts("A"))
	}
	st, _ := store.Load(context.Background())
	if a := st.Tasks["A"]; a.Status != statestore.TaskComplete || a.RetryCount != 1 {
		t.Errorf("A = %+v, want complete after one retry", a)
	}
	if failed.Load() != 1 {
		t.Errorf("task.failed events = %d, want 1", failed.Load())
	}
	if requeued.Load() < 1 {
		t.Error("expected a task.requeued event")
	}
}

func TestRun_TerminalFailureStopsLevel(t *testing.T) {
	store := newTestStore(t)
	agent := &SimAgent{Failures: map[string]int{"A": 10}}
	s := newTestScheduler(t, store, agent)

	sum, err := runWithTimeout(t, s)
	if !errors.Is(err, errors.ErrLevelFailed) {
		t.Fatalf("Run err = %v, want ErrLevelFailed", err)
	}
	if sum.Reason != StopLevelFailed || sum.Level != 1 {
		t.Errorf("Summary = %+v", sum)
	}
	if len(sum.Failed) != 1 || sum.Failed[0] != "A" {
		t.Errorf("Failed = %v, want [A]", sum.Failed)
	}
	if agent.Attempts("A") != 2 {
		t.Errorf("A attempts = %d, want 2 (one retry)", agent.Attempts("A"))
	}
	if agent.Attempts("C") != 0 {
		t.Error("level 2 must not start after level 1 failed")
	}

	st, _ := store.Load(context.Background())
	if st.Levels[1].Status != statestore.LevelFailed {
		t.Errorf("level 1 = %s, want failed", st.Levels[1].Status)
	}
	if st.Error == nil {
		t.Error("state error should record the failure")
	}
}

func TestRun_DependentsOfFailedTaskFailLevel(t *testing.T) {
	store := newTestStore(t)
	g := &taskgraph.Graph{
		Feature: "auth",
		Tasks: []taskgraph.Task{
			{ID: "A", Level: 1},
			{ID: "B", Level: 1, Dependencies: []string{"A"}},
			{ID: "C", Level: 1, Dependencies: []string{"B"}},
		},
	}
	agent := &SimAgent{Failures: map[string]int{"A": 10}}
	s, err := New(g, store, agent,
		WithWorkers(2),
		WithPollInterval(5*time.Millisecond),
		WithPolicy(retry.NewPolicy(retry.WithMaxRetries(0))))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sum, err := s.Run(ctx)
	if !errors.Is(err, errors.ErrLevelFailed) {
		t.Fatalf("Run err = %v, want ErrLevelFailed", err)
	}
	if sum.Reason != StopLevelFailed {
		t.Errorf("Reason = %q, want %q", sum.Reason, StopLevelFailed)
	}
	if len(sum.Failed) != 1 || sum.Failed[0] != "A" {
		t.Errorf("Failed = %v, want [A]", sum.Failed)
	}
	if len(sum.Blocked) != 2 || sum.Blocked[0] != "B" || sum.Blocked[1] != "C" {
		t.Errorf("Blocked = %v, want [B C]", sum.Blocked)
	}
	if agent.Attempts("B") != 0 || agent.Attempts("C") != 0 {
		t.Error("tasks behind a failed dependency must not run")
	}

	st, _ := store.Load(context.Background())
	if st.Levels[1].Status != statestore.LevelFailed {
		t.Errorf("level 1 = %s, want failed", st.Levels[1].Status)
	}
	if got := st.Tasks["B"].Status; got != statestore.TaskPending {
		t.Errorf("B = %s, want pending", got)
	}
}

func TestRun_VerificationFailureCountsAsFailure(t *testing.T) {
	store := newTestStore(t)
	verifier := verifierFunc(func(_ context.Context, taskID string) (VerifyResult, error) {
		if taskID == "B" {
			return VerifyResult{ExitCode: 1, Output: "FAIL: TestLogin"}, nil
		}
		return VerifyResult{Passed: true}, nil
	})
	s := newTestScheduler(t, store, &SimAgent{}, WithVerifier(verifier))

	_, err := runWithTimeout(t, s)
	if !errors.Is(err, errors.ErrLevelFailed) {
		t.Fatalf("Run err = %v, want ErrLevelFailed", err)
	}
	st, _ := store.Load(context.Background())
	if b := st.Tasks["B"]; b.Status != statestore.TaskFailed || b.Error == "" {
		t.Errorf("B = %+v, want failed with an error message", b)
	}
	if st.Tasks["A"].Status != statestore.TaskComplete {
		t.Errorf("A = %s, want complete", st.Tasks["A"].Status)
	}
}

func TestRun_MergeConflictStops(t *testing.T) {
	store := newTestStore(t)
	merger := mergerFunc(func(_ context.Context, level int, _ []string) (MergeResult, error) {
		return MergeResult{Conflict: true, Details: map[string]any{"files": []string{"auth.go"}}}, nil
	})
	agent := &SimAgent{}
	s := newTestScheduler(t, store, agent, WithMerger(merger))

	var conflicts atomic.Int32
	s.Bus().Subscribe(event.TypeMergeConflict, func(event.Event) { conflicts.Add(1) })

	sum, err := runWithTimeout(t, s)
	if !errors.Is(err, errors.ErrMergeConflict) {
		t.Fatalf("Run err = %v, want ErrMergeConflict", err)
	}
	if sum.Reason != StopMergeConflict {
		t.Errorf("Reason = %q", sum.Reason)
	}
	st, _ := store.Load(context.Background())
	l := st.Levels[1]
	if l.Status != statestore.LevelComplete || l.MergeStatus != statestore.MergeConflict {
		t.Errorf("level 1 = %+v, want complete with merge conflict", l)
	}
	if l.MergeDetails["files"] == nil {
		t.Errorf("merge details = %v", l.MergeDetails)
	}
	if st.CurrentLevel != 1 {
		t.Errorf("CurrentLevel = %d, want 1", st.CurrentLevel)
	}
	if agent.Attempts("C") != 0 {
		t.Error("level 2 must not start before level 1 is merged")
	}
	if conflicts.Load() != 1 {
		t.Errorf("merge.conflict events = %d, want 1", conflicts.Load())
	}
}

func TestRun_Paused(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if err := SetPaused(ctx, store, true); err != nil {
		t.Fatal(err)
	}
	agent := &SimAgent{}
	s := newTestScheduler(t, store, agent)

	sum, err := runWithTimeout(t, s)
	if !errors.Is(err, errors.ErrPaused) {
		t.Fatalf("Run err = %v, want ErrPaused", err)
	}
	if sum.Reason != StopPaused {
		t.Errorf("Reason = %q", sum.Reason)
	}
	if agent.Attempts("A")+agent.Attempts("B") != 0 {
		t.Error("no task should run while paused")
	}

	if err := SetPaused(ctx, store, false); err != nil {
		t.Fatal(err)
	}
	if paused, _ := Paused(ctx, store); paused {
		t.Fatal("Paused() = true after unpausing")
	}
	if _, err := runWithTimeout(t, newTestScheduler(t, store, agent)); err != nil {
		t.Fatalf("resumed Run: %v", err)
	}
}

func TestRun_PauseMidLevel(t *testing.T) {
	store := newTestStore(t)
	agent := AgentFunc(func(ctx context.Context, taskID string, _ int) error {
		if taskID == "A" {
			return SetPaused(ctx, store, true)
		}
		return nil
	})
	s := newTestScheduler(t, store, agent, WithWorkers(1))

	_, err := runWithTimeout(t, s)
	if !errors.Is(err, errors.ErrPaused) {
		t.Fatalf("Run err = %v, want ErrPaused", err)
	}
	st, _ := store.Load(context.Background())
	if st.Tasks["A"].Status != statestore.TaskComplete {
		t.Errorf("A = %s, the running task should finish", st.Tasks["A"].Status)
	}
	if st.Tasks["B"].Status != statestore.TaskPending {
		t.Errorf("B = %s, no new task should be claimed after pausing", st.Tasks["B"].Status)
	}
}

func TestRun_RecoversTasksHeldByPreviousRun(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	err := store.AtomicUpdate(ctx, func(_ context.Context, st *statestore.State) error {
		w := 7
		now := store.Now()
		st.Tasks["A"] = &statestore.TaskRecord{
			Status:    statestore.TaskInProgress,
			Level:     1,
			WorkerID:  &w,
			StartedAt: &now,
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	agent := &SimAgent{}
	s := newTestScheduler(t, store, agent)
	var released atomic.Int32
	s.Bus().Subscribe(event.TypeTaskReleased, func(event.Event) { released.Add(1) })

	if _, err := runWithTimeout(t, s); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if released.Load() != 1 {
		t.Errorf("task.released events = %d, want 1", released.Load())
	}
	if agent.Attempts("A") != 1 {
		t.Errorf("A attempts = %d, want 1", agent.Attempts("A"))
	}
}

func TestRun_ResumeSkipsMergedLevels(t *testing.T) {
	store := newTestStore(t)
	first := &SimAgent{}
	if _, err := runWithTimeout(t, newTestScheduler(t, store, first)); err != nil {
		t.Fatal(err)
	}

	second := &SimAgent{}
	sum, err := runWithTimeout(t, newTestScheduler(t, store, second))
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if sum.Reason != StopCompleted {
		t.Errorf("Reason = %q", sum.Reason)
	}
	for _, id := range []string{"A", "B", "C"} {
		if second.Attempts(id) != 0 {
			t.Errorf("task %s re-executed on resume", id)
		}
	}
}

func TestRun_CancelReleasesTasks(t *testing.T) {
	store := newTestStore(t)
	started := make(chan struct{}, 2)
	agent := AgentFunc(func(ctx context.Context, _ string, _ int) error {
		started <- struct{}{}
		<-ctx.Done()
		return ctx.Err()
	})
	s := newTestScheduler(t, store, agent)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		<-started
		cancel()
	}()

	sum, err := s.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run err = %v, want context.Canceled", err)
	}
	if sum.Reason != StopCancelled {
		t.Errorf("Reason = %q", sum.Reason)
	}
	st, _ := store.Load(context.Background())
	for _, id := range []string{"A", "B"} {
		if rec := st.Tasks[id]; rec.Status != statestore.TaskPending || rec.WorkerID != nil {
			t.Errorf("task %s = %+v, want released to pending", id, rec)
		}
	}
}

func TestRun_RecordsExecutionLog(t *testing.T) {
	store := newTestStore(t)
	s := newTestScheduler(t, store, &SimAgent{})
	log := execlog.New(store)
	log.Record(context.Background(), s.Bus())

	if _, err := runWithTimeout(t, s); err != nil {
		t.Fatalf("Run: %v", err)
	}

	ctx := context.Background()
	for _, tc := range []struct {
		eventType string
		want      int
	}{
		{event.TypeTaskClaimed, 3},
		{event.TypeTaskCompleted, 3},
		{event.TypeLevelStarted, 2},
		{event.TypeMergeCompleted, 2},
		{event.TypeWorkerRegistered, 2},
		{event.TypeSchedulerStopped, 1},
	} {
		events, err := log.EventsOfType(ctx, tc.eventType)
		if err != nil {
			t.Fatal(err)
		}
		if len(events) != tc.want {
			t.Errorf("%s events = %d, want %d", tc.eventType, len(events), tc.want)
		}
	}
}

func TestRun_PlanAndRegistry(t *testing.T) {
	store := newTestStore(t)
	s := newTestScheduler(t, store, &SimAgent{})
	if s.Plan() != nil {
		t.Error("Plan() should be nil before Run")
	}
	if _, err := runWithTimeout(t, s); err != nil {
		t.Fatal(err)
	}

	p := s.Plan()
	if p == nil || len(p.Assignments) != 3 {
		t.Fatalf("Plan() = %+v", p)
	}
	if w, ok := p.WorkerOf("A"); !ok || w != 0 {
		t.Errorf("A assigned to %d, want the longest task on worker 0", w)
	}
	if s.Registry().Len() != 2 {
		t.Errorf("registry has %d workers, want 2", s.Registry().Len())
	}
	if len(s.Registry().Active()) != 0 {
		t.Error("no worker should be active after Run")
	}
}

func TestRun_WithSemaphore(t *testing.T) {
	store := newTestStore(t)
	var running, peak atomic.Int32
	agent := AgentFunc(func(context.Context, string, int) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		running.Add(-1)
		return nil
	})
	sem := semaphore.New(
		statestore.NewFileBackend(filepath.Join(t.TempDir(), "semaphores.json")),
		semaphore.WithLimit("db", 1),
		semaphore.WithPollInterval(time.Millisecond),
	)
	s := newTestScheduler(t, store, agent, WithSemaphore(sem, "db"))

	if _, err := runWithTimeout(t, s); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if peak.Load() != 1 {
		t.Errorf("peak concurrency = %d, want 1 with a single db slot", peak.Load())
	}
}

func TestStopReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, StopCompleted},
		{errors.ErrPaused, StopPaused},
		{errors.Wrap(errors.ErrLevelFailed, "level 1"), StopLevelFailed},
		{errors.ErrMergeConflict, StopMergeConflict},
		{context.Canceled, StopCancelled},
		{errors.New("disk full"), StopError},
	}
	for _, tt := range tests {
		if got := stopReason(tt.err); got != tt.want {
			t.Errorf("stopReason(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

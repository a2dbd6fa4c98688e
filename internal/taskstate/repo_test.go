package taskstate

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Iron-Ham/ladder/internal/errors"
	"github.com/Iron-Ham/ladder/internal/statestore"
	"github.com/Iron-Ham/ladder/internal/taskgraph"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestRepo(t *testing.T) (*Repo, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	path := filepath.Join(t.TempDir(), "auth.json")
	store := statestore.New("auth", statestore.NewFileBackend(path), statestore.WithClock(clock.Now))
	return New(store), clock
}

type stubChecker struct {
	blocking map[string][]string
	known    map[string]bool
}

func (s stubChecker) IncompleteDependencies(_ context.Context, taskID string) ([]string, error) {
	if s.known != nil && !s.known[taskID] {
		return nil, errors.NewNotFoundError("task", taskID).WithCause(errors.ErrTaskNotFound)
	}
	return s.blocking[taskID], nil
}

func TestSetTaskStatus_Stamps(t *testing.T) {
	repo, clock := newTestRepo(t)
	ctx := context.Background()

	if err := repo.SetTaskStatus(ctx, "T1", statestore.TaskInProgress, WithWorker(3)); err != nil {
		t.Fatalf("SetTaskStatus: %v", err)
	}
	rec, err := repo.Task(ctx, "T1")
	if err != nil {
		t.Fatalf("Task: %v", err)
	}
	if rec.StartedAt == nil || !rec.StartedAt.Equal(clock.Now()) {
		t.Errorf("StartedAt = %v, want %v", rec.StartedAt, clock.Now())
	}
	if !rec.HeldBy(3) {
		t.Errorf("WorkerID = %v, want 3", rec.WorkerID)
	}

	clock.Advance(time.Minute)
	if err := repo.SetTaskStatus(ctx, "T1", statestore.TaskComplete, WithWorker(3)); err != nil {
		t.Fatalf("SetTaskStatus: %v", err)
	}
	rec, _ = repo.Task(ctx, "T1")
	if rec.CompletedAt == nil || !rec.CompletedAt.Equal(clock.Now()) {
		t.Errorf("CompletedAt = %v, want %v", rec.CompletedAt, clock.Now())
	}
	if rec.WorkerID != nil {
		t.Errorf("WorkerID = %v, want nil after completion", *rec.WorkerID)
	}
	if rec.UpdatedAt == nil || !rec.UpdatedAt.Equal(clock.Now()) {
		t.Errorf("UpdatedAt = %v", rec.UpdatedAt)
	}
}

func TestSetTaskStatus_WorkerInvariant(t *testing.T) {
	tests := []struct {
		status     statestore.TaskStatus
		wantWorker bool
	}{
		{statestore.TaskPending, false},
		{statestore.TaskClaimed, true},
		{statestore.TaskInProgress, true},
		{statestore.TaskComplete, false},
		{statestore.TaskFailed, false},
		{statestore.TaskWaitingRetry, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			repo, _ := newTestRepo(t)
			ctx := context.Background()
			if err := repo.SetTaskStatus(ctx, "T1", tt.status, WithWorker(1), WithError("boom")); err != nil {
				t.Fatalf("SetTaskStatus: %v", err)
			}
			rec, _ := repo.Task(ctx, "T1")
			if got := rec.WorkerID != nil; got != tt.wantWorker {
				t.Errorf("worker set = %v, want %v", got, tt.wantWorker)
			}
			if rec.Error != "boom" {
				t.Errorf("Error = %q, want boom", rec.Error)
			}
		})
	}
}

func TestSetTaskStatus_RejectsUnknownStatus(t *testing.T) {
	repo, _ := newTestRepo(t)
	err := repo.SetTaskStatus(context.Background(), "T1", statestore.TaskStatus("done"))
	if !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("error = %v, want validation error", err)
	}
}

func TestClaimTask(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(t *testing.T, r *Repo)
		worker  int
		opts    []ClaimOption
		want    bool
		wantHas int
	}{
		{
			name:    "pending task without record",
			worker:  1,
			want:    true,
			wantHas: 1,
		},
		{
			name: "claimed by another worker",
			setup: func(t *testing.T, r *Repo) {
				mustClaim(t, r, "T1", 2)
			},
			worker:  1,
			want:    false,
			wantHas: 2,
		},
		{
			name: "re-claim by the same worker",
			setup: func(t *testing.T, r *Repo) {
				mustClaim(t, r, "T1", 1)
			},
			worker:  1,
			want:    true,
			wantHas: 1,
		},
		{
			name: "complete task",
			setup: func(t *testing.T, r *Repo) {
				_ = r.SetTaskStatus(context.Background(), "T1", statestore.TaskComplete)
			},
			worker:  1,
			want:    false,
			wantHas: -1,
		},
		{
			name: "in progress by the same worker",
			setup: func(t *testing.T, r *Repo) {
				_ = r.SetTaskStatus(context.Background(), "T1", statestore.TaskInProgress, WithWorker(1))
			},
			worker:  1,
			want:    false,
			wantHas: 1,
		},
		{
			name: "level mismatch",
			setup: func(t *testing.T, r *Repo) {
				seed(t, r, taskgraph.Task{ID: "T1", Level: 2})
			},
			worker:  1,
			opts:    []ClaimOption{WithCurrentLevel(1)},
			want:    false,
			wantHas: -1,
		},
		{
			name: "level match",
			setup: func(t *testing.T, r *Repo) {
				seed(t, r, taskgraph.Task{ID: "T1", Level: 2})
			},
			worker:  1,
			opts:    []ClaimOption{WithCurrentLevel(2)},
			want:    true,
			wantHas: 1,
		},
		{
			name:    "unknown level passes the level gate",
			worker:  1,
			opts:    []ClaimOption{WithCurrentLevel(3)},
			want:    true,
			wantHas: 1,
		},
		{
			name:    "incomplete dependencies",
			worker:  1,
			opts:    []ClaimOption{WithDependencyChecker(stubChecker{blocking: map[string][]string{"T1": {"T0"}}})},
			want:    false,
			wantHas: -1,
		},
		{
			name:    "task unknown to the dependency checker",
			worker:  1,
			opts:    []ClaimOption{WithDependencyChecker(stubChecker{known: map[string]bool{"T0": true}})},
			want:    false,
			wantHas: -1,
		},
		{
			name:    "dependencies complete",
			worker:  1,
			opts:    []ClaimOption{WithDependencyChecker(stubChecker{})},
			want:    true,
			wantHas: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, _ := newTestRepo(t)
			if tt.setup != nil {
				tt.setup(t, repo)
			}
			got, err := repo.ClaimTask(context.Background(), "T1", tt.worker, tt.opts...)
			if err != nil {
				t.Fatalf("ClaimTask: %v", err)
			}
			if got != tt.want {
				t.Errorf("ClaimTask() = %v, want %v", got, tt.want)
			}

			rec, err := repo.Task(context.Background(), "T1")
			if tt.wantHas < 0 {
				if err == nil && rec.WorkerID != nil {
					t.Errorf("WorkerID = %d, want none", *rec.WorkerID)
				}
				return
			}
			if err != nil {
				t.Fatalf("Task: %v", err)
			}
			if !rec.HeldBy(tt.wantHas) {
				t.Errorf("holder = %v, want %d", rec.WorkerID, tt.wantHas)
			}
		})
	}
}

func TestClaimTask_StampsClaimedAt(t *testing.T) {
	repo, clock := newTestRepo(t)
	ctx := context.Background()
	seed(t, repo, taskgraph.Task{ID: "T1", Level: 1})
	clock.Advance(5 * time.Minute)

	mustClaim(t, repo, "T1", 4)
	rec, _ := repo.Task(ctx, "T1")
	if rec.Status != statestore.TaskClaimed {
		t.Errorf("Status = %s, want claimed", rec.Status)
	}
	if rec.ClaimedAt == nil || !rec.ClaimedAt.Equal(clock.Now()) {
		t.Errorf("ClaimedAt = %v, want %v", rec.ClaimedAt, clock.Now())
	}
	if rec.ClaimedAt.Sub(*rec.CreatedAt) != 5*time.Minute {
		t.Errorf("queue wait = %v, want 5m", rec.ClaimedAt.Sub(*rec.CreatedAt))
	}
}

func TestClaimTask_AtMostOnce(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "auth.json")
	const tasks = 10
	const workers = 4

	// One store per worker simulates separate processes sharing the file.
	repos := make([]*Repo, workers)
	for i := range repos {
		repos[i] = New(statestore.New("auth", statestore.NewFileBackend(path)))
	}

	var mu sync.Mutex
	winners := make(map[string][]int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < tasks; i++ {
				id := fmt.Sprintf("T%d", i)
				ok, err := repos[w].ClaimTask(context.Background(), id, w)
				if err != nil {
					t.Errorf("ClaimTask(%s, %d): %v", id, w, err)
					return
				}
				if ok {
					mu.Lock()
					winners[id] = append(winners[id], w)
					mu.Unlock()
				}
			}
		}(w)
	}
	wg.Wait()

	for i := 0; i < tasks; i++ {
		id := fmt.Sprintf("T%d", i)
		if len(winners[id]) != 1 {
			t.Errorf("task %s claimed by %v, want exactly one worker", id, winners[id])
		}
		rec, err := repos[0].Task(context.Background(), id)
		if err != nil {
			t.Fatalf("Task: %v", err)
		}
		if len(winners[id]) == 1 && !rec.HeldBy(winners[id][0]) {
			t.Errorf("task %s holder = %v, want %d", id, rec.WorkerID, winners[id][0])
		}
	}
}

func TestClaimTask_JoinsCallerScope(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	errAbort := errors.New("abort")

	err := repo.Store().AtomicUpdate(ctx, func(ctx context.Context, st *statestore.State) error {
		ok, err := repo.ClaimTask(ctx, "T1", 1)
		if err != nil || !ok {
			t.Fatalf("ClaimTask in scope = %v, %v", ok, err)
		}
		if !st.Tasks["T1"].HeldBy(1) {
			t.Error("claim should be visible inside the scope")
		}
		return errAbort
	})
	if !errors.Is(err, errAbort) {
		t.Fatalf("AtomicUpdate error = %v", err)
	}

	if _, err := repo.Task(ctx, "T1"); !errors.Is(err, errors.ErrTaskNotFound) {
		t.Errorf("claim should have been discarded, Task() error = %v", err)
	}
}

func TestReleaseTask(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	mustClaim(t, repo, "T1", 1)

	released, err := repo.ReleaseTask(ctx, "T1", 2)
	if err != nil {
		t.Fatalf("ReleaseTask: %v", err)
	}
	if released {
		t.Error("release by a non-holder should be a no-op")
	}
	rec, _ := repo.Task(ctx, "T1")
	if rec.Status != statestore.TaskClaimed || !rec.HeldBy(1) {
		t.Errorf("state changed by non-holder release: %+v", rec)
	}

	released, err = repo.ReleaseTask(ctx, "T1", 1)
	if err != nil || !released {
		t.Fatalf("ReleaseTask by holder = %v, %v", released, err)
	}
	rec, _ = repo.Task(ctx, "T1")
	if rec.Status != statestore.TaskPending || rec.WorkerID != nil || rec.ClaimedAt != nil {
		t.Errorf("after release: %+v", rec)
	}

	if ok, _ := repo.ReleaseTask(ctx, "missing", 1); ok {
		t.Error("release of an unknown task should report false")
	}
}

func TestQueries(t *testing.T) {
	repo, clock := newTestRepo(t)
	ctx := context.Background()

	_ = repo.SetTaskStatus(ctx, "old", statestore.TaskInProgress, WithWorker(1))
	clock.Advance(20 * time.Minute)
	_ = repo.SetTaskStatus(ctx, "fresh", statestore.TaskInProgress, WithWorker(2))
	_ = repo.SetTaskStatus(ctx, "F2", statestore.TaskFailed, WithError("x"))
	_ = repo.SetTaskStatus(ctx, "F1", statestore.TaskFailed, WithError("y"))
	_ = repo.SetTaskStatus(ctx, "done", statestore.TaskComplete)
	clock.Advance(5 * time.Minute)

	stale, err := repo.StaleInProgressTasks(ctx, 10*time.Minute)
	if err != nil {
		t.Fatalf("StaleInProgressTasks: %v", err)
	}
	if len(stale) != 1 || stale[0] != "old" {
		t.Errorf("stale = %v, want [old]", stale)
	}

	failed, _ := repo.FailedTasks(ctx)
	if len(failed) != 2 || failed[0] != "F1" || failed[1] != "F2" {
		t.Errorf("FailedTasks() = %v, want [F1 F2]", failed)
	}

	running, _ := repo.TasksByStatus(ctx, statestore.TaskInProgress)
	if len(running) != 2 {
		t.Errorf("in progress = %v", running)
	}

	pending, _ := repo.TasksByStatus(ctx, statestore.TaskPending)
	if pending == nil || len(pending) != 0 {
		t.Errorf("pending = %v, want empty non-nil", pending)
	}

	all, _ := repo.Tasks(ctx)
	if len(all) != 5 {
		t.Errorf("Tasks() = %d records, want 5", len(all))
	}
}

func TestSeed(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	mustClaim(t, repo, "T1", 0)

	g := &taskgraph.Graph{Tasks: []taskgraph.Task{
		{ID: "T1", Level: 1},
		{ID: "T2", Level: 1},
		{ID: "T3", Level: 2, Dependencies: []string{"T1"}},
	}}
	n, err := repo.Seed(ctx, g)
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if n != 2 {
		t.Errorf("created = %d, want 2", n)
	}

	rec, _ := repo.Task(ctx, "T1")
	if rec.Status != statestore.TaskClaimed || rec.Level != 1 {
		t.Errorf("existing record should keep its status and gain its level: %+v", rec)
	}
	rec, _ = repo.Task(ctx, "T3")
	if rec.Status != statestore.TaskPending || rec.Level != 2 {
		t.Errorf("T3 = %+v", rec)
	}

	if n, _ := repo.Seed(ctx, g); n != 0 {
		t.Errorf("second Seed created %d, want 0", n)
	}
}

func mustClaim(t *testing.T, r *Repo, id string, worker int) {
	t.Helper()
	ok, err := r.ClaimTask(context.Background(), id, worker)
	if err != nil || !ok {
		t.Fatalf("ClaimTask(%s, %d) = %v, %v", id, worker, ok, err)
	}
}

func seed(t *testing.T, r *Repo, tasks ...taskgraph.Task) {
	t.Helper()
	if _, err := r.Seed(context.Background(), &taskgraph.Graph{Tasks: tasks}); err != nil {
		t.Fatalf("Seed: %v", err)
	}
}

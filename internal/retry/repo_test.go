package retry

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Iron-Ham/ladder/internal/statestore"
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

func newTestRepo(t *testing.T) (*Repo, *statestore.Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := statestore.New("auth",
		statestore.NewFileBackend(filepath.Join(t.TempDir(), "auth.json")),
		statestore.WithClock(clock.Now))
	return NewRepo(store), store, clock
}

func setStatus(t *testing.T, s *statestore.Store, id string, status statestore.TaskStatus) {
	t.Helper()
	err := s.AtomicUpdate(context.Background(), func(_ context.Context, st *statestore.State) error {
		st.Task(id).Status = status
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestIncrementRetry_Counts(t *testing.T) {
	for _, n := range []int{0, 1, 3, 7} {
		repo, _, _ := newTestRepo(t)
		ctx := context.Background()
		for i := 0; i < n; i++ {
			if _, err := repo.IncrementRetry(ctx, "T1", nil); err != nil {
				t.Fatalf("IncrementRetry: %v", err)
			}
		}
		got, err := repo.RetryCount(ctx, "T1")
		if err != nil {
			t.Fatal(err)
		}
		if got != n {
			t.Errorf("RetryCount after %d increments = %d", n, got)
		}
	}
}

func TestIncrementRetry_KeepsStatus(t *testing.T) {
	repo, store, clock := newTestRepo(t)
	ctx := context.Background()
	setStatus(t, store, "T1", statestore.TaskFailed)

	next := clock.Now().Add(time.Minute)
	if _, err := repo.IncrementRetry(ctx, "T1", &next); err != nil {
		t.Fatal(err)
	}
	st, _ := store.Load(ctx)
	rec := st.Tasks["T1"]
	if rec.Status != statestore.TaskFailed {
		t.Errorf("Status = %s, want failed", rec.Status)
	}
	if rec.NextRetryAt == nil || !rec.NextRetryAt.Equal(next) {
		t.Errorf("NextRetryAt = %v, want %v", rec.NextRetryAt, next)
	}
	if rec.LastRetryAt == nil || !rec.LastRetryAt.Equal(clock.Now()) {
		t.Errorf("LastRetryAt = %v", rec.LastRetryAt)
	}
}

func TestTasksReadyForRetry(t *testing.T) {
	repo, store, clock := newTestRepo(t)
	ctx := context.Background()
	now := clock.Now()

	setStatus(t, store, "past", statestore.TaskFailed)
	setStatus(t, store, "due", statestore.TaskWaitingRetry)
	setStatus(t, store, "future", statestore.TaskWaitingRetry)
	setStatus(t, store, "unscheduled", statestore.TaskFailed)
	setStatus(t, store, "pending", statestore.TaskPending)

	_ = repo.SetRetrySchedule(ctx, "past", now.Add(-time.Minute))
	_ = repo.SetRetrySchedule(ctx, "due", now)
	_ = repo.SetRetrySchedule(ctx, "future", now.Add(time.Minute))
	_ = repo.SetRetrySchedule(ctx, "pending", now.Add(-time.Hour))

	got, err := repo.TasksReadyForRetry(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != "due" || got[1] != "past" {
		t.Errorf("ready = %v, want [due past]", got)
	}

	clock.Advance(2 * time.Minute)
	got, _ = repo.TasksReadyForRetry(ctx)
	if len(got) != 3 {
		t.Errorf("ready after advance = %v, want 3 tasks", got)
	}
}

func TestRetrySchedule_AndReset(t *testing.T) {
	repo, _, clock := newTestRepo(t)
	ctx := context.Background()

	at, err := repo.RetrySchedule(ctx, "T1")
	if err != nil || at != nil {
		t.Fatalf("RetrySchedule of unknown task = %v, %v", at, err)
	}

	next := clock.Now().Add(time.Hour)
	_, _ = repo.IncrementRetry(ctx, "T1", &next)
	at, _ = repo.RetrySchedule(ctx, "T1")
	if at == nil || !at.Equal(next) {
		t.Errorf("RetrySchedule = %v, want %v", at, next)
	}

	if err := repo.ResetRetries(ctx, "T1"); err != nil {
		t.Fatal(err)
	}
	n, _ := repo.RetryCount(ctx, "T1")
	at, _ = repo.RetrySchedule(ctx, "T1")
	if n != 0 || at != nil {
		t.Errorf("after reset count=%d schedule=%v", n, at)
	}
}

func TestRecordFailure_ExhaustsPolicy(t *testing.T) {
	repo, store, clock := newTestRepo(t)
	ctx := context.Background()
	p := NewPolicy(WithMaxRetries(2), WithBackoff(time.Minute, time.Hour))

	wantDelays := []time.Duration{time.Minute, 2 * time.Minute}
	for i, want := range wantDelays {
		retrying, err := repo.RecordFailure(ctx, "T1", "exit 1", p)
		if err != nil {
			t.Fatal(err)
		}
		if !retrying {
			t.Fatalf("attempt %d: expected a retry", i+1)
		}
		at, _ := repo.RetrySchedule(ctx, "T1")
		if got := at.Sub(clock.Now()); got != want {
			t.Errorf("attempt %d delay = %v, want %v", i+1, got, want)
		}
		st, _ := store.Load(ctx)
		if st.Tasks["T1"].Status != statestore.TaskWaitingRetry {
			t.Errorf("Status = %s, want waiting_retry", st.Tasks["T1"].Status)
		}
	}

	retrying, err := repo.RecordFailure(ctx, "T1", "exit 2", p)
	if err != nil {
		t.Fatal(err)
	}
	if retrying {
		t.Error("retries should be exhausted")
	}
	st, _ := store.Load(ctx)
	rec := st.Tasks["T1"]
	if rec.Status != statestore.TaskFailed || rec.RetryCount != 2 || rec.Error != "exit 2" || rec.NextRetryAt != nil {
		t.Errorf("terminal record = %+v", rec)
	}
}

func TestRequeueReady(t *testing.T) {
	repo, store, clock := newTestRepo(t)
	ctx := context.Background()
	p := NewPolicy(WithMaxRetries(3), WithBackoff(time.Minute, time.Hour))

	_, _ = repo.RecordFailure(ctx, "T1", "boom", p)
	ids, err := repo.RequeueReady(ctx)
	if err != nil || len(ids) != 0 {
		t.Fatalf("RequeueReady before due = %v, %v", ids, err)
	}

	clock.Advance(time.Minute)
	ids, _ = repo.RequeueReady(ctx)
	if len(ids) != 1 || ids[0] != "T1" {
		t.Fatalf("RequeueReady = %v, want [T1]", ids)
	}
	st, _ := store.Load(ctx)
	rec := st.Tasks["T1"]
	if rec.Status != statestore.TaskPending || rec.NextRetryAt != nil || rec.RetryCount != 1 {
		t.Errorf("requeued record = %+v", rec)
	}
}

func TestFailStale(t *testing.T) {
	repo, store, clock := newTestRepo(t)
	ctx := context.Background()
	p := NewPolicy(WithMaxRetries(1), WithBackoff(time.Minute, time.Hour))

	started := clock.Now()
	err := store.AtomicUpdate(ctx, func(_ context.Context, st *statestore.State) error {
		for i, id := range []string{"T1", "T2"} {
			w := i
			t := st.Task(id)
			t.Status = statestore.TaskInProgress
			t.WorkerID = &w
			t.StartedAt = statestore.TimePtr(started)
		}
		st.Task("T2").RetryCount = 1
		st.Task("T3").Status = statestore.TaskPending
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	stale, err := repo.FailStale(ctx, 30*time.Minute, p)
	if err != nil || len(stale) != 0 {
		t.Fatalf("FailStale before timeout = %v, %v", stale, err)
	}

	clock.Advance(31 * time.Minute)
	stale, err = repo.FailStale(ctx, 30*time.Minute, p)
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 2 || stale[0].ID != "T1" || stale[1].ID != "T2" {
		t.Fatalf("FailStale = %+v, want T1 and T2", stale)
	}
	if !stale[0].Retrying || stale[1].Retrying {
		t.Errorf("Retrying = %v/%v, want true/false", stale[0].Retrying, stale[1].Retrying)
	}
	if stale[1].WorkerID == nil || *stale[1].WorkerID != 1 || !stale[1].StartedAt.Equal(started) {
		t.Errorf("T2 entry = %+v, want worker 1 started at %v", stale[1], started)
	}

	st, _ := store.Load(ctx)
	if got := st.Tasks["T1"].Status; got != statestore.TaskWaitingRetry {
		t.Errorf("T1 = %s, want waiting_retry", got)
	}
	if got := st.Tasks["T2"]; got.Status != statestore.TaskFailed || got.WorkerID != nil || got.Error != "no progress within 30m0s" {
		t.Errorf("T2 = %+v, want failed without worker", got)
	}
	if got := st.Tasks["T3"].Status; got != statestore.TaskPending {
		t.Errorf("T3 = %s, want untouched", got)
	}
}

func TestPolicy(t *testing.T) {
	p := NewPolicy(WithBackoff(10*time.Second, 30*time.Second), WithMultiplier(2))
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 10 * time.Second},
		{1, 10 * time.Second},
		{2, 20 * time.Second},
		{3, 30 * time.Second},
		{6, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := p.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}

	if !p.ShouldRetry(DefaultMaxRetries-1) || p.ShouldRetry(DefaultMaxRetries) {
		t.Error("ShouldRetry boundary is wrong")
	}

	jittered := NewPolicy(WithBackoff(time.Minute, time.Hour), WithJitter(0.5))
	for i := 0; i < 20; i++ {
		d := jittered.Delay(1)
		if d < 30*time.Second || d > 90*time.Second {
			t.Fatalf("jittered delay %v outside [30s, 90s]", d)
		}
	}
}

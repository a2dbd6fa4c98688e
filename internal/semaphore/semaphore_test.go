package semaphore

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Iron-Ham/ladder/internal/errors"
	"github.com/Iron-Ham/ladder/internal/metrics"
	"github.com/Iron-Ham/ladder/internal/statestore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
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

func newTestSemaphore(t *testing.T, path string, opts ...Option) *Semaphore {
	t.Helper()
	if path == "" {
		path = filepath.Join(t.TempDir(), "semaphores.json")
	}
	opts = append([]Option{WithPollInterval(2 * time.Millisecond)}, opts...)
	return New(statestore.NewFileBackend(path), opts...)
}

func waitForWaiters(t *testing.T, s *Semaphore, resource string, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		ws, err := s.Waiters(context.Background(), resource)
		if err != nil {
			t.Fatal(err)
		}
		if len(ws) == n {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d waiters on %s", n, resource)
}

func TestAcquireRelease(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	s := newTestSemaphore(t, "", WithLimit("db", 2), WithMetrics(m))
	ctx := context.Background()

	a, err := s.Acquire(ctx, "db", 0, 0)
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	b, err := s.Acquire(ctx, "db", 0, 0)
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	if a.ID == b.ID {
		t.Error("holders share an id")
	}
	if got := testutil.ToFloat64(m.SemaphoreHeld.WithLabelValues("db")); got != 2 {
		t.Errorf("held gauge = %v, want 2", got)
	}

	_, err = s.Acquire(ctx, "db", 100, 0)
	if !errors.Is(err, ErrAcquireTimeout) || !errors.Is(err, errors.ErrTimeout) {
		t.Errorf("third Acquire error = %v, want acquire timeout", err)
	}
	if ws, _ := s.Waiters(ctx, "db"); len(ws) != 0 {
		t.Errorf("timed out caller left in queue: %+v", ws)
	}

	holders, _ := s.Holders(ctx, "db")
	if len(holders) != 2 {
		t.Errorf("Holders() = %+v", holders)
	}

	if err := a.Release(ctx); err != nil {
		t.Fatal(err)
	}
	if ok, _ := s.Release(ctx, "db", a.ID); ok {
		t.Error("double release should report false")
	}
	if _, err := s.Acquire(ctx, "db", 0, 0); err != nil {
		t.Errorf("Acquire after release: %v", err)
	}
}

func TestAcquire_Validation(t *testing.T) {
	s := newTestSemaphore(t, "", WithLimit("off", 0))
	ctx := context.Background()
	if _, err := s.Acquire(ctx, "", 0, 0); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("empty resource error = %v", err)
	}
	if _, err := s.Acquire(ctx, "off", 0, 0); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("zero limit error = %v", err)
	}
	if s.Limit("anything") != DefaultLimit {
		t.Errorf("default limit = %d", s.Limit("anything"))
	}
}

func TestAcquire_PriorityOrder(t *testing.T) {
	s := newTestSemaphore(t, "")
	ctx := context.Background()

	first, err := s.Acquire(ctx, "gpu", 0, 0)
	if err != nil {
		t.Fatal(err)
	}

	order := make(chan string, 2)
	var wg sync.WaitGroup
	start := func(name string, priority int) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			slot, err := s.Acquire(ctx, "gpu", priority, 5*time.Second)
			if err != nil {
				t.Errorf("%s: %v", name, err)
				return
			}
			order <- name
			time.Sleep(5 * time.Millisecond)
			_ = slot.Release(ctx)
		}()
	}

	start("low", 1)
	waitForWaiters(t, s, "gpu", 1)
	start("high", 10)
	waitForWaiters(t, s, "gpu", 2)

	ws, _ := s.Waiters(ctx, "gpu")
	if ws[0].Priority != 10 {
		t.Errorf("queue head priority = %d, want 10", ws[0].Priority)
	}

	_ = first.Release(ctx)
	wg.Wait()
	close(order)

	var got []string
	for name := range order {
		got = append(got, name)
	}
	if len(got) != 2 || got[0] != "high" || got[1] != "low" {
		t.Errorf("grant order = %v, want [high low]", got)
	}
}

func TestAcquire_ContextCancelLeavesQueue(t *testing.T) {
	s := newTestSemaphore(t, "")
	ctx := context.Background()
	if _, err := s.Acquire(ctx, "db", 0, 0); err != nil {
		t.Fatal(err)
	}

	cctx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		_, err := s.Acquire(cctx, "db", 0, -1)
		done <- err
	}()
	waitForWaiters(t, s, "db", 1)
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Acquire error = %v, want context.Canceled", err)
	}
	if ws, _ := s.Waiters(ctx, "db"); len(ws) != 0 {
		t.Errorf("cancelled waiter still queued: %+v", ws)
	}
}

func TestAcquire_LimitAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "semaphores.json")
	sems := []*Semaphore{
		newTestSemaphore(t, path, WithLimit("api", 2), WithOwner("a")),
		newTestSemaphore(t, path, WithLimit("api", 2), WithOwner("b")),
	}
	ctx := context.Background()

	var inFlight, peak atomic.Int32
	var wg sync.WaitGroup
	for i := range 12 {
		s := sems[i%2]
		wg.Go(func() {
			slot, err := s.Acquire(ctx, "api", i%3, 10*time.Second)
			if err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(3 * time.Millisecond)
			inFlight.Add(-1)
			if err := slot.Release(ctx); err != nil {
				t.Errorf("Release: %v", err)
			}
		})
	}
	wg.Wait()

	if p := peak.Load(); p > 2 {
		t.Errorf("peak concurrent holders = %d, limit is 2", p)
	}
	if holders, _ := sems[0].Holders(ctx, "api"); len(holders) != 0 {
		t.Errorf("holders left after all releases: %+v", holders)
	}
}

func TestAbandonedWaitersDropped(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)}
	s := newTestSemaphore(t, "", WithClock(clock.Now), WithAbandonAfter(time.Minute))
	ctx := context.Background()

	if _, err := s.Acquire(ctx, "db", 0, 0); err != nil {
		t.Fatal(err)
	}
	// A waiter whose process died before it could leave the queue.
	if _, err := s.poll(ctx, "db", "ghost", 50, 1, true); err != nil {
		t.Fatal(err)
	}
	clock.Advance(2 * time.Minute)

	if _, err := s.poll(ctx, "db", "live", 0, 1, true); err != nil {
		t.Fatal(err)
	}
	ws, _ := s.Waiters(ctx, "db")
	if len(ws) != 1 || ws[0].ID != "live" {
		t.Errorf("Waiters() = %+v, want only the live waiter", ws)
	}
}

func TestReap(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)}
	s := newTestSemaphore(t, "", WithClock(clock.Now), WithLimit("db", 3))
	ctx := context.Background()

	old, _ := s.Acquire(ctx, "db", 0, 0)
	clock.Advance(time.Hour)
	fresh, _ := s.Acquire(ctx, "db", 0, 0)

	reaped, err := s.Reap(ctx, "db", 30*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(reaped) != 1 || reaped[0].ID != old.ID {
		t.Errorf("Reap() = %+v, want the old holder", reaped)
	}
	holders, _ := s.Holders(ctx, "db")
	if len(holders) != 1 || holders[0].ID != fresh.ID {
		t.Errorf("Holders() after reap = %+v", holders)
	}

	names, _ := s.Resources(ctx)
	if len(names) != 1 || names[0] != "db" {
		t.Errorf("Resources() = %v", names)
	}
}

func TestCorruptDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "semaphores.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	s := newTestSemaphore(t, path)
	if _, err := s.Holders(context.Background(), "db"); !errors.IsCorruption(err) {
		t.Errorf("Holders() on corrupt document error = %v", err)
	}
}

// Package semaphore provides named, bounded-concurrency slots shared by
// every process that opens the same document.
//
// Each resource has a slot limit. Acquire queues the caller, highest
// priority first and then by arrival, and polls until a slot is granted,
// the wait elapses or the context ends. Queue and holders live in a
// document guarded by a statestore.Backend, so grants follow the same
// exclusive-scope discipline as task claims.
//
// Usage:
//
//	sem := semaphore.New(statestore.NewFileBackend(path), semaphore.WithLimit("db", 2))
//	slot, err := sem.Acquire(ctx, "db", 10, 30*time.Second)
//	if err != nil {
//	    return err
//	}
//	defer slot.Release(context.WithoutCancel(ctx))
package semaphore

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/Iron-Ham/ladder/internal/errors"
	"github.com/Iron-Ham/ladder/internal/logging"
	"github.com/Iron-Ham/ladder/internal/metrics"
	"github.com/Iron-Ham/ladder/internal/statestore"
	"github.com/Iron-Ham/ladder/internal/telemetry"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// Defaults for a Semaphore.
const (
	DefaultLimit        = 1
	DefaultPollInterval = 100 * time.Millisecond
	DefaultAbandonAfter = 30 * time.Second
)

// ErrAcquireTimeout is returned when no slot was granted within the wait.
// It also matches errors.ErrTimeout.
var ErrAcquireTimeout = errors.New("semaphore acquire timed out")

// Semaphore grants slots on named resources.
type Semaphore struct {
	mu           sync.Mutex
	backend      statestore.Backend
	limits       map[string]int
	defaultLimit int
	pollInterval time.Duration
	abandonAfter time.Duration
	owner        string
	logger       *logging.Logger
	metrics      *metrics.Metrics
	now          func() time.Time
}

// Option configures a Semaphore.
type Option func(*Semaphore)

// WithLimit sets the slot count of one resource.
func WithLimit(resource string, n int) Option {
	return func(s *Semaphore) { s.limits[resource] = n }
}

// WithLimits sets slot counts for several resources.
func WithLimits(limits map[string]int) Option {
	return func(s *Semaphore) {
		for name, n := range limits {
			s.limits[name] = n
		}
	}
}

// WithDefaultLimit sets the slot count of resources without an explicit
// limit.
func WithDefaultLimit(n int) Option {
	return func(s *Semaphore) { s.defaultLimit = n }
}

// WithPollInterval sets how often a queued Acquire rechecks the document.
func WithPollInterval(d time.Duration) Option {
	return func(s *Semaphore) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithAbandonAfter sets how long a waiter may go unrefreshed before other
// callers drop it from the queue.
func WithAbandonAfter(d time.Duration) Option {
	return func(s *Semaphore) {
		if d > 0 {
			s.abandonAfter = d
		}
	}
}

// WithOwner labels holders and waiters created by this Semaphore.
func WithOwner(owner string) Option {
	return func(s *Semaphore) { s.owner = owner }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Semaphore) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics enables wait and holder metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Semaphore) { s.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Semaphore) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates a Semaphore whose document lives in backend.
func New(backend statestore.Backend, opts ...Option) *Semaphore {
	s := &Semaphore{
		backend:      backend,
		limits:       make(map[string]int),
		defaultLimit: DefaultLimit,
		pollInterval: DefaultPollInterval,
		abandonAfter: DefaultAbandonAfter,
		logger:       logging.NopLogger(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Limit returns the slot count of resource.
func (s *Semaphore) Limit(resource string) int {
	if n, ok := s.limits[resource]; ok {
		return n
	}
	return s.defaultLimit
}

// Slot is a granted acquisition. Release it exactly once.
type Slot struct {
	Resource   string
	ID         string
	Priority   int
	AcquiredAt time.Time
	Waited     time.Duration

	sem *Semaphore
}

// Release returns the slot.
func (sl *Slot) Release(ctx context.Context) error {
	_, err := sl.sem.Release(ctx, sl.Resource, sl.ID)
	return err
}

// Acquire waits for a slot on resource. A zero wait tries once; a negative
// wait blocks until a slot is granted or ctx ends. On timeout the error
// wraps ErrAcquireTimeout.
func (s *Semaphore) Acquire(ctx context.Context, resource string, priority int, wait time.Duration) (slot *Slot, err error) {
	if resource == "" {
		return nil, errors.NewValidationError("resource name is required").WithField("resource")
	}
	limit := s.Limit(resource)
	if limit < 1 {
		return nil, errors.NewValidationError("resource has no slots").WithField("resource").WithValue(resource)
	}

	ctx, span := telemetry.Start(ctx, telemetry.SpanSemaphoreAcquire, attribute.String(telemetry.KeyResource, resource))
	defer func() { telemetry.End(span, err) }()

	logger := s.logger.With("resource", resource)
	start := s.now()
	id := uuid.NewString()

	granted, err := s.poll(ctx, resource, id, priority, limit, true)
	if err != nil {
		return nil, err
	}
	if granted != nil {
		return s.slot(resource, *granted, start), nil
	}
	if wait == 0 {
		s.abandon(ctx, resource, id)
		return nil, s.timeout(resource, wait)
	}

	logger.Debug("waiting for slot", "holder_id", id, "priority", priority, "limit", limit)

	var deadline <-chan time.Time
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		deadline = timer.C
	}
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.abandon(ctx, resource, id)
			return nil, ctx.Err()
		case <-deadline:
			s.abandon(ctx, resource, id)
			logger.Warn("slot wait timed out", "holder_id", id, "wait", wait.String())
			return nil, s.timeout(resource, wait)
		case <-ticker.C:
			granted, err := s.poll(ctx, resource, id, priority, limit, false)
			if err != nil {
				s.abandon(ctx, resource, id)
				return nil, err
			}
			if granted != nil {
				return s.slot(resource, *granted, start), nil
			}
		}
	}
}

// poll refreshes or enqueues waiter id and grants it a slot if one is free.
func (s *Semaphore) poll(ctx context.Context, name, id string, priority, limit int, enqueue bool) (*Holder, error) {
	var granted *Holder
	err := s.update(ctx, func(doc *document, now time.Time) error {
		r := doc.resource(name)
		if dropped := r.dropAbandoned(now.Add(-s.abandonAfter)); dropped > 0 {
			s.logger.Warn("dropped abandoned waiters", "resource", name, "count", dropped)
		}
		if i := r.waiterIndex(id); i >= 0 {
			r.Waiters[i].SeenAt = now
		} else {
			if !enqueue {
				s.logger.Warn("waiter was dropped, re-queueing", "resource", name, "holder_id", id)
			}
			r.Waiters = append(r.Waiters, Waiter{
				ID:         id,
				Owner:      s.owner,
				Priority:   priority,
				EnqueuedAt: now,
				SeenAt:     now,
			})
		}
		if h, ok := r.tryGrant(id, limit, now); ok {
			granted = &h
			s.metrics.SetSemaphoreHeld(name, len(r.Holders))
		}
		return nil
	})
	return granted, err
}

func (s *Semaphore) slot(resource string, h Holder, start time.Time) *Slot {
	waited := h.AcquiredAt.Sub(start)
	if waited < 0 {
		waited = 0
	}
	s.metrics.ObserveSemaphoreWait(resource, waited)
	s.logger.Debug("slot acquired", "resource", resource, "holder_id", h.ID, "waited", waited.String())
	return &Slot{
		Resource:   resource,
		ID:         h.ID,
		Priority:   h.Priority,
		AcquiredAt: h.AcquiredAt,
		Waited:     waited,
		sem:        s,
	}
}

func (s *Semaphore) timeout(resource string, wait time.Duration) error {
	return fmt.Errorf("%w: %w", ErrAcquireTimeout, errors.NewTimeoutError("acquire slot "+resource, wait))
}

// abandon removes a waiter that gave up. It runs even when ctx is done.
func (s *Semaphore) abandon(ctx context.Context, name, id string) {
	err := s.update(context.WithoutCancel(ctx), func(doc *document, _ time.Time) error {
		doc.resource(name).removeWaiter(id)
		return nil
	})
	if err != nil {
		s.logger.Error("failed to leave slot queue", "resource", name, "holder_id", id, "error", err)
	}
}

// Release returns holder id's slot on resource. It reports false when id
// holds no slot there.
func (s *Semaphore) Release(ctx context.Context, resource, id string) (bool, error) {
	released := false
	err := s.update(ctx, func(doc *document, _ time.Time) error {
		r := doc.resource(resource)
		i := r.holderIndex(id)
		if i < 0 {
			return nil
		}
		r.Holders = slices.Delete(r.Holders, i, i+1)
		released = true
		s.metrics.SetSemaphoreHeld(resource, len(r.Holders))
		return nil
	})
	if err != nil {
		return false, err
	}
	if released {
		s.logger.Debug("slot released", "resource", resource, "holder_id", id)
	}
	return released, nil
}

// Holders returns the current holders of resource, oldest first.
func (s *Semaphore) Holders(ctx context.Context, resource string) ([]Holder, error) {
	out := []Holder{}
	err := s.view(ctx, func(doc *document) {
		if r, ok := doc.Resources[resource]; ok {
			out = append(out, r.Holders...)
		}
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].AcquiredAt.Before(out[j].AcquiredAt) })
	return out, err
}

// Waiters returns the queue of resource in grant order.
func (s *Semaphore) Waiters(ctx context.Context, resource string) ([]Waiter, error) {
	out := []Waiter{}
	err := s.view(ctx, func(doc *document) {
		if r, ok := doc.Resources[resource]; ok {
			r.queue()
			out = append(out, r.Waiters...)
		}
	})
	return out, err
}

// Resources returns the names of every resource with holders or waiters.
func (s *Semaphore) Resources(ctx context.Context) ([]string, error) {
	var out []string
	err := s.view(ctx, func(doc *document) {
		for name, r := range doc.Resources {
			if len(r.Holders) > 0 || len(r.Waiters) > 0 {
				out = append(out, name)
			}
		}
	})
	sort.Strings(out)
	return out, err
}

// Reap releases holders of resource that acquired their slot more than
// olderThan ago, for holders whose process died without releasing.
func (s *Semaphore) Reap(ctx context.Context, resource string, olderThan time.Duration) ([]Holder, error) {
	var reaped []Holder
	err := s.update(ctx, func(doc *document, now time.Time) error {
		r := doc.resource(resource)
		cutoff := now.Add(-olderThan)
		r.Holders = slices.DeleteFunc(r.Holders, func(h Holder) bool {
			if h.AcquiredAt.Before(cutoff) {
				reaped = append(reaped, h)
				return true
			}
			return false
		})
		s.metrics.SetSemaphoreHeld(resource, len(r.Holders))
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, h := range reaped {
		s.logger.Warn("reaped stale slot holder", "resource", resource, "holder_id", h.ID, "owner", h.Owner)
	}
	return reaped, nil
}

func (s *Semaphore) update(ctx context.Context, fn func(doc *document, now time.Time) error) error {
	return s.exclusive(ctx, false, fn)
}

func (s *Semaphore) view(ctx context.Context, fn func(doc *document)) error {
	return s.exclusive(ctx, true, func(doc *document, _ time.Time) error {
		fn(doc)
		return nil
	})
}

func (s *Semaphore) exclusive(ctx context.Context, readOnly bool, fn func(doc *document, now time.Time) error) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	txn, err := s.backend.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "acquire semaphore lock")
	}
	defer func() {
		if err != nil || readOnly {
			if rerr := txn.Rollback(); rerr != nil {
				s.logger.Warn("semaphore rollback failed", "error", rerr.Error())
			}
		}
	}()

	data, exists, err := txn.Read()
	if err != nil {
		return err
	}
	doc, err := decodeDocument(data, exists, s.backend.Location())
	if err != nil {
		return err
	}
	if err := fn(doc, s.now().UTC()); err != nil {
		return err
	}
	if readOnly {
		return nil
	}
	out, err := doc.encode()
	if err != nil {
		return err
	}
	if err := txn.Write(out); err != nil {
		return err
	}
	return txn.Commit()
}

package worker

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Iron-Ham/ladder/internal/metrics"
)

// Entry is the registry's view of one worker.
type Entry struct {
	ID          int
	Status      Status
	Port        int
	CurrentTask string
	UpdatedAt   time.Time
}

// Registry is an in-memory, concurrency-safe mirror of the live workers.
// It does no I/O. Every read returns an independent snapshot, so callers
// may iterate while other goroutines register or update workers.
type Registry struct {
	mu      sync.RWMutex
	workers map[int]Entry
	metrics *metrics.Metrics
	now     func() time.Time
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryMetrics publishes the active worker count on every change.
func WithRegistryMetrics(m *metrics.Metrics) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

// NewRegistry creates an empty Registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{workers: make(map[int]Entry), now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds or replaces the entry for e.ID.
func (r *Registry) Register(e Entry) {
	if e.Status == "" {
		e.Status = StatusInitializing
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = r.now()
	}
	r.mu.Lock()
	r.workers[e.ID] = e
	active := r.activeLocked()
	r.mu.Unlock()
	r.metrics.SetWorkersActive(active)
}

// Unregister removes worker id and reports whether it was present.
func (r *Registry) Unregister(id int) bool {
	r.mu.Lock()
	_, ok := r.workers[id]
	delete(r.workers, id)
	active := r.activeLocked()
	r.mu.Unlock()
	r.metrics.SetWorkersActive(active)
	return ok
}

// UpdateStatus sets the status of a registered worker. It reports false for
// unknown ids.
func (r *Registry) UpdateStatus(id int, status Status) bool {
	r.mu.Lock()
	e, ok := r.workers[id]
	if ok {
		e.Status = status
		e.UpdatedAt = r.now()
		r.workers[id] = e
	}
	active := r.activeLocked()
	r.mu.Unlock()
	if ok {
		r.metrics.SetWorkersActive(active)
	}
	return ok
}

// SetCurrentTask sets the task of a registered worker. It reports false for
// unknown ids.
func (r *Registry) SetCurrentTask(id int, taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.workers[id]
	if ok {
		e.CurrentTask = taskID
		e.UpdatedAt = r.now()
		r.workers[id] = e
	}
	return ok
}

// Get returns the entry for id.
func (r *Registry) Get(id int) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.workers[id]
	return e, ok
}

// All returns every entry ordered by id.
func (r *Registry) All() []Entry {
	return r.filter(func(Entry) bool { return true })
}

// Active returns the entries that are not stopped or crashed, ordered by id.
func (r *Registry) Active() []Entry {
	return r.filter(func(e Entry) bool { return IsActive(e.Status) })
}

// ByLevel returns the workers available to level. Workers are not
// partitioned by level, so this is the full registry.
func (r *Registry) ByLevel(level int) []Entry {
	return r.All()
}

// IDs returns the registered worker ids in ascending order.
func (r *Registry) IDs() []int {
	r.mu.RLock()
	ids := make([]int, 0, len(r.workers))
	for id := range r.workers {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Ints(ids)
	return ids
}

// Len returns the number of registered workers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}

func (r *Registry) filter(keep func(Entry) bool) []Entry {
	r.mu.RLock()
	out := make([]Entry, 0, len(r.workers))
	for _, e := range r.workers {
		if keep(e) {
			out = append(out, e)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) activeLocked() int {
	n := 0
	for _, e := range r.workers {
		if IsActive(e.Status) {
			n++
		}
	}
	return n
}

// LoadFrom replaces the registry contents with the records in repo. The
// orchestrator calls it on restart.
func (r *Registry) LoadFrom(ctx context.Context, repo *Repo) error {
	records, err := repo.Workers(ctx)
	if err != nil {
		return err
	}
	workers := make(map[int]Entry, len(records))
	for _, w := range records {
		e := Entry{ID: w.WorkerID, Status: w.Status, Port: w.Port, CurrentTask: w.CurrentTask}
		if w.UpdatedAt != nil {
			e.UpdatedAt = *w.UpdatedAt
		}
		workers[w.WorkerID] = e
	}

	r.mu.Lock()
	r.workers = workers
	active := r.activeLocked()
	r.mu.Unlock()
	r.metrics.SetWorkersActive(active)
	return nil
}

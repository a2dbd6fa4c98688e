// Package metrics exposes Prometheus instrumentation for the state store,
// the claim protocol, the level state machines and the resource semaphore.
//
// All recording methods are nil-safe so components can take an optional
// *Metrics and call it unconditionally.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for ladder.
type Metrics struct {
	// State store
	StateLockWait *prometheus.HistogramVec
	StateUpdates  *prometheus.CounterVec

	// Task lifecycle
	TaskClaims      *prometheus.CounterVec
	TaskTransitions *prometheus.CounterVec
	TaskQueueWait   prometheus.Histogram
	TaskRetries     prometheus.Counter
	StaleTasks      prometheus.Gauge

	// Levels
	LevelTransitions *prometheus.CounterVec
	CurrentLevel     prometheus.Gauge

	// Workers
	WorkersActive prometheus.Gauge

	// Resource semaphore
	SemaphoreWait *prometheus.HistogramVec
	SemaphoreHeld *prometheus.GaugeVec
}

// NewMetrics creates a Metrics instance registered on registry.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	factory := promauto.With(registry)

	return &Metrics{
		StateLockWait: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ladder_state_lock_wait_seconds",
				Help:    "Time spent waiting for the exclusive state lock",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"backend"},
		),
		StateUpdates: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ladder_state_updates_total",
				Help: "Atomic state scopes by outcome",
			},
			[]string{"backend", "result"},
		),
		TaskClaims: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ladder_task_claims_total",
				Help: "Claim attempts by outcome",
			},
			[]string{"result"},
		),
		TaskTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ladder_task_transitions_total",
				Help: "Task status transitions by target status",
			},
			[]string{"status"},
		),
		TaskQueueWait: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ladder_task_queue_wait_seconds",
				Help:    "Time between a task record's creation and its claim",
				Buckets: prometheus.ExponentialBuckets(1, 4, 8),
			},
		),
		TaskRetries: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ladder_task_retries_total",
				Help: "Total number of recorded task retries",
			},
		),
		StaleTasks: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "ladder_stale_tasks",
				Help: "In-progress tasks found stale by the last sweep",
			},
		),
		LevelTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ladder_level_transitions_total",
				Help: "Level state transitions by axis and status",
			},
			[]string{"axis", "status"},
		),
		CurrentLevel: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "ladder_current_level",
				Help: "The level currently open for claims",
			},
		),
		WorkersActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "ladder_workers_active",
				Help: "Workers in the registry that are not stopped or crashed",
			},
		),
		SemaphoreWait: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ladder_semaphore_wait_seconds",
				Help:    "Time spent waiting for a resource slot",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"resource"},
		),
		SemaphoreHeld: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ladder_semaphore_held",
				Help: "Slots currently held per resource",
			},
			[]string{"resource"},
		),
	}
}

// ObserveLockWait records how long a state scope waited for its lock.
func (m *Metrics) ObserveLockWait(backend string, d time.Duration) {
	if m == nil {
		return
	}
	m.StateLockWait.WithLabelValues(backend).Observe(d.Seconds())
}

// RecordStateUpdate counts a finished atomic scope.
func (m *Metrics) RecordStateUpdate(backend string, err error) {
	if m == nil {
		return
	}
	m.StateUpdates.WithLabelValues(backend, resultLabel(err)).Inc()
}

// RecordClaim counts a claim attempt.
func (m *Metrics) RecordClaim(claimed bool, queueWait time.Duration) {
	if m == nil {
		return
	}
	if !claimed {
		m.TaskClaims.WithLabelValues("rejected").Inc()
		return
	}
	m.TaskClaims.WithLabelValues("claimed").Inc()
	if queueWait > 0 {
		m.TaskQueueWait.Observe(queueWait.Seconds())
	}
}

// RecordTransition counts a task status change.
func (m *Metrics) RecordTransition(status string) {
	if m == nil {
		return
	}
	m.TaskTransitions.WithLabelValues(status).Inc()
}

// RecordRetry counts one retry increment.
func (m *Metrics) RecordRetry() {
	if m == nil {
		return
	}
	m.TaskRetries.Inc()
}

// SetStaleTasks publishes the size of the last stale sweep.
func (m *Metrics) SetStaleTasks(n int) {
	if m == nil {
		return
	}
	m.StaleTasks.Set(float64(n))
}

// RecordLevelTransition counts a level change on the execution or merge axis.
func (m *Metrics) RecordLevelTransition(axis, status string) {
	if m == nil {
		return
	}
	m.LevelTransitions.WithLabelValues(axis, status).Inc()
}

// SetCurrentLevel publishes the level cursor.
func (m *Metrics) SetCurrentLevel(level int) {
	if m == nil {
		return
	}
	m.CurrentLevel.Set(float64(level))
}

// SetWorkersActive publishes the active worker count.
func (m *Metrics) SetWorkersActive(n int) {
	if m == nil {
		return
	}
	m.WorkersActive.Set(float64(n))
}

// ObserveSemaphoreWait records a slot acquisition wait.
func (m *Metrics) ObserveSemaphoreWait(resource string, d time.Duration) {
	if m == nil {
		return
	}
	m.SemaphoreWait.WithLabelValues(resource).Observe(d.Seconds())
}

// SetSemaphoreHeld publishes the holder count for a resource.
func (m *Metrics) SetSemaphoreHeld(resource string, n int) {
	if m == nil {
		return
	}
	m.SemaphoreHeld.WithLabelValues(resource).Set(float64(n))
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

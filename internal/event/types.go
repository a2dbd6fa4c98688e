package event

import (
	"maps"
	"time"
)

// Event is anything published on a Bus.
type Event interface {
	// EventType identifies the event, "category.action" by convention.
	EventType() string
	Timestamp() time.Time
	// Data is the key-value payload written to the execution log.
	Data() map[string]any
}

// Event types emitted by the scheduler.
const (
	TypeTaskClaimed      = "task.claimed"
	TypeTaskStarted      = "task.started"
	TypeTaskCompleted    = "task.completed"
	TypeTaskFailed       = "task.failed"
	TypeTaskReleased     = "task.released"
	TypeTasksRequeued    = "task.requeued"
	TypeTaskStale        = "task.stale"
	TypeLevelStarted     = "level.started"
	TypeLevelCompleted   = "level.completed"
	TypeLevelFailed      = "level.failed"
	TypeMergeStarted     = "merge.started"
	TypeMergeCompleted   = "merge.completed"
	TypeMergeConflict    = "merge.conflict"
	TypeWorkerRegistered = "worker.registered"
	TypeWorkerStatus     = "worker.status"
	TypeSchedulerStopped = "scheduler.stopped"
)

type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

func newBaseEvent(eventType string) baseEvent {
	return baseEvent{eventType: eventType, timestamp: time.Now().UTC()}
}

// Generic is an event with a caller-defined type and payload.
type Generic struct {
	baseEvent
	Payload map[string]any
}

// NewGeneric creates a Generic event.
func NewGeneric(eventType string, payload map[string]any) Generic {
	return Generic{baseEvent: newBaseEvent(eventType), Payload: payload}
}

// Data implements Event.
func (e Generic) Data() map[string]any {
	return maps.Clone(e.Payload)
}

// -----------------------------------------------------------------------------
// Task events
// -----------------------------------------------------------------------------

// TaskClaimedEvent is emitted after a worker wins a claim.
type TaskClaimedEvent struct {
	baseEvent
	TaskID   string
	WorkerID int
	Level    int
}

// NewTaskClaimedEvent creates a TaskClaimedEvent.
func NewTaskClaimedEvent(taskID string, workerID, level int) TaskClaimedEvent {
	return TaskClaimedEvent{baseEvent: newBaseEvent(TypeTaskClaimed), TaskID: taskID, WorkerID: workerID, Level: level}
}

func (e TaskClaimedEvent) Data() map[string]any {
	return map[string]any{"task_id": e.TaskID, "worker_id": e.WorkerID, "level": e.Level}
}

// TaskStartedEvent is emitted when a claimed task moves to in_progress.
type TaskStartedEvent struct {
	baseEvent
	TaskID   string
	WorkerID int
	Level    int
}

// NewTaskStartedEvent creates a TaskStartedEvent.
func NewTaskStartedEvent(taskID string, workerID, level int) TaskStartedEvent {
	return TaskStartedEvent{baseEvent: newBaseEvent(TypeTaskStarted), TaskID: taskID, WorkerID: workerID, Level: level}
}

func (e TaskStartedEvent) Data() map[string]any {
	return map[string]any{"task_id": e.TaskID, "worker_id": e.WorkerID, "level": e.Level}
}

// TaskCompletedEvent is emitted when a task passes verification.
type TaskCompletedEvent struct {
	baseEvent
	TaskID   string
	WorkerID int
	Level    int
	Duration time.Duration
}

// NewTaskCompletedEvent creates a TaskCompletedEvent.
func NewTaskCompletedEvent(taskID string, workerID, level int, d time.Duration) TaskCompletedEvent {
	return TaskCompletedEvent{
		baseEvent: newBaseEvent(TypeTaskCompleted),
		TaskID:    taskID,
		WorkerID:  workerID,
		Level:     level,
		Duration:  d,
	}
}

func (e TaskCompletedEvent) Data() map[string]any {
	return map[string]any{
		"task_id":          e.TaskID,
		"worker_id":        e.WorkerID,
		"level":            e.Level,
		"duration_seconds": e.Duration.Seconds(),
	}
}

// TaskFailedEvent is emitted when execution or verification fails.
// WillRetry is false once the retry budget is spent.
type TaskFailedEvent struct {
	baseEvent
	TaskID      string
	WorkerID    int
	Level       int
	Error       string
	RetryCount  int
	WillRetry   bool
	NextRetryAt *time.Time
}

// NewTaskFailedEvent creates a TaskFailedEvent.
func NewTaskFailedEvent(taskID string, workerID, level int, errMsg string, retryCount int, nextRetryAt *time.Time) TaskFailedEvent {
	return TaskFailedEvent{
		baseEvent:   newBaseEvent(TypeTaskFailed),
		TaskID:      taskID,
		WorkerID:    workerID,
		Level:       level,
		Error:       errMsg,
		RetryCount:  retryCount,
		WillRetry:   nextRetryAt != nil,
		NextRetryAt: nextRetryAt,
	}
}

func (e TaskFailedEvent) Data() map[string]any {
	d := map[string]any{
		"task_id":     e.TaskID,
		"worker_id":   e.WorkerID,
		"level":       e.Level,
		"error":       e.Error,
		"retry_count": e.RetryCount,
		"will_retry":  e.WillRetry,
	}
	if e.NextRetryAt != nil {
		d["next_retry_at"] = e.NextRetryAt.UTC().Format(time.RFC3339)
	}
	return d
}

// TaskReleasedEvent is emitted when a holder gives a task back.
type TaskReleasedEvent struct {
	baseEvent
	TaskID   string
	WorkerID int
	Reason   string
}

// NewTaskReleasedEvent creates a TaskReleasedEvent.
func NewTaskReleasedEvent(taskID string, workerID int, reason string) TaskReleasedEvent {
	return TaskReleasedEvent{baseEvent: newBaseEvent(TypeTaskReleased), TaskID: taskID, WorkerID: workerID, Reason: reason}
}

func (e TaskReleasedEvent) Data() map[string]any {
	return map[string]any{"task_id": e.TaskID, "worker_id": e.WorkerID, "reason": e.Reason}
}

// TasksRequeuedEvent is emitted when retry-ready tasks return to pending.
type TasksRequeuedEvent struct {
	baseEvent
	TaskIDs []string
}

// NewTasksRequeuedEvent creates a TasksRequeuedEvent.
func NewTasksRequeuedEvent(taskIDs []string) TasksRequeuedEvent {
	return TasksRequeuedEvent{baseEvent: newBaseEvent(TypeTasksRequeued), TaskIDs: append([]string(nil), taskIDs...)}
}

func (e TasksRequeuedEvent) Data() map[string]any {
	return map[string]any{"task_ids": append([]string(nil), e.TaskIDs...)}
}

// TaskStaleEvent is emitted by the staleness sweep for an in-progress task
// whose worker has gone quiet.
type TaskStaleEvent struct {
	baseEvent
	TaskID    string
	WorkerID  *int
	StartedAt *time.Time
}

// NewTaskStaleEvent creates a TaskStaleEvent.
func NewTaskStaleEvent(taskID string, workerID *int, startedAt *time.Time) TaskStaleEvent {
	return TaskStaleEvent{baseEvent: newBaseEvent(TypeTaskStale), TaskID: taskID, WorkerID: workerID, StartedAt: startedAt}
}

func (e TaskStaleEvent) Data() map[string]any {
	d := map[string]any{"task_id": e.TaskID}
	if e.WorkerID != nil {
		d["worker_id"] = *e.WorkerID
	}
	if e.StartedAt != nil {
		d["started_at"] = e.StartedAt.UTC().Format(time.RFC3339)
	}
	return d
}

// -----------------------------------------------------------------------------
// Level and merge events
// -----------------------------------------------------------------------------

// LevelStartedEvent is emitted when a level opens for claims.
type LevelStartedEvent struct {
	baseEvent
	Level     int
	TaskCount int
}

// NewLevelStartedEvent creates a LevelStartedEvent.
func NewLevelStartedEvent(level, taskCount int) LevelStartedEvent {
	return LevelStartedEvent{baseEvent: newBaseEvent(TypeLevelStarted), Level: level, TaskCount: taskCount}
}

func (e LevelStartedEvent) Data() map[string]any {
	return map[string]any{"level": e.Level, "task_count": e.TaskCount}
}

// LevelCompletedEvent is emitted when every task at a level is complete.
type LevelCompletedEvent struct {
	baseEvent
	Level    int
	Duration time.Duration
}

// NewLevelCompletedEvent creates a LevelCompletedEvent.
func NewLevelCompletedEvent(level int, d time.Duration) LevelCompletedEvent {
	return LevelCompletedEvent{baseEvent: newBaseEvent(TypeLevelCompleted), Level: level, Duration: d}
}

func (e LevelCompletedEvent) Data() map[string]any {
	return map[string]any{"level": e.Level, "duration_seconds": e.Duration.Seconds()}
}

// LevelFailedEvent is emitted when a level has terminally failed tasks.
type LevelFailedEvent struct {
	baseEvent
	Level       int
	FailedTasks []string
}

// NewLevelFailedEvent creates a LevelFailedEvent.
func NewLevelFailedEvent(level int, failed []string) LevelFailedEvent {
	return LevelFailedEvent{baseEvent: newBaseEvent(TypeLevelFailed), Level: level, FailedTasks: append([]string(nil), failed...)}
}

func (e LevelFailedEvent) Data() map[string]any {
	return map[string]any{"level": e.Level, "failed_tasks": append([]string(nil), e.FailedTasks...)}
}

// MergeStartedEvent is emitted before a level's work is merged.
type MergeStartedEvent struct {
	baseEvent
	Level int
}

// NewMergeStartedEvent creates a MergeStartedEvent.
func NewMergeStartedEvent(level int) MergeStartedEvent {
	return MergeStartedEvent{baseEvent: newBaseEvent(TypeMergeStarted), Level: level}
}

func (e MergeStartedEvent) Data() map[string]any {
	return map[string]any{"level": e.Level}
}

// MergeCompletedEvent is emitted once a level is merged.
type MergeCompletedEvent struct {
	baseEvent
	Level  int
	Commit string
}

// NewMergeCompletedEvent creates a MergeCompletedEvent.
func NewMergeCompletedEvent(level int, commit string) MergeCompletedEvent {
	return MergeCompletedEvent{baseEvent: newBaseEvent(TypeMergeCompleted), Level: level, Commit: commit}
}

func (e MergeCompletedEvent) Data() map[string]any {
	return map[string]any{"level": e.Level, "merge_commit": e.Commit}
}

// MergeConflictEvent is emitted when merging a level conflicts.
type MergeConflictEvent struct {
	baseEvent
	Level   int
	Details map[string]any
}

// NewMergeConflictEvent creates a MergeConflictEvent.
func NewMergeConflictEvent(level int, details map[string]any) MergeConflictEvent {
	return MergeConflictEvent{baseEvent: newBaseEvent(TypeMergeConflict), Level: level, Details: details}
}

func (e MergeConflictEvent) Data() map[string]any {
	d := map[string]any{"level": e.Level}
	if len(e.Details) > 0 {
		d["details"] = e.Details
	}
	return d
}

// -----------------------------------------------------------------------------
// Worker and scheduler events
// -----------------------------------------------------------------------------

// WorkerRegisteredEvent is emitted when a worker joins the pool.
type WorkerRegisteredEvent struct {
	baseEvent
	WorkerID int
}

// NewWorkerRegisteredEvent creates a WorkerRegisteredEvent.
func NewWorkerRegisteredEvent(workerID int) WorkerRegisteredEvent {
	return WorkerRegisteredEvent{baseEvent: newBaseEvent(TypeWorkerRegistered), WorkerID: workerID}
}

func (e WorkerRegisteredEvent) Data() map[string]any {
	return map[string]any{"worker_id": e.WorkerID}
}

// WorkerStatusEvent is emitted when a worker changes status.
type WorkerStatusEvent struct {
	baseEvent
	WorkerID int
	From     string
	To       string
}

// NewWorkerStatusEvent creates a WorkerStatusEvent.
func NewWorkerStatusEvent(workerID int, from, to string) WorkerStatusEvent {
	return WorkerStatusEvent{baseEvent: newBaseEvent(TypeWorkerStatus), WorkerID: workerID, From: from, To: to}
}

func (e WorkerStatusEvent) Data() map[string]any {
	return map[string]any{"worker_id": e.WorkerID, "from": e.From, "to": e.To}
}

// SchedulerStoppedEvent is emitted when a scheduler run ends.
type SchedulerStoppedEvent struct {
	baseEvent
	Reason string
	Level  int
}

// NewSchedulerStoppedEvent creates a SchedulerStoppedEvent.
func NewSchedulerStoppedEvent(reason string, level int) SchedulerStoppedEvent {
	return SchedulerStoppedEvent{baseEvent: newBaseEvent(TypeSchedulerStopped), Reason: reason, Level: level}
}

func (e SchedulerStoppedEvent) Data() map[string]any {
	return map[string]any{"reason": e.Reason, "level": e.Level}
}

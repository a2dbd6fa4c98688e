package statestore

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	// TaskPending indicates the task is waiting to be claimed.
	TaskPending TaskStatus = "pending"

	// TaskClaimed indicates a worker holds the task but has not started it.
	TaskClaimed TaskStatus = "claimed"

	// TaskInProgress indicates the holder is executing the task.
	TaskInProgress TaskStatus = "in_progress"

	// TaskComplete indicates the task finished successfully.
	TaskComplete TaskStatus = "complete"

	// TaskFailed indicates the last attempt failed. It may be retried.
	TaskFailed TaskStatus = "failed"

	// TaskWaitingRetry indicates a failed task scheduled for another attempt.
	TaskWaitingRetry TaskStatus = "waiting_retry"
)

// String returns the wire value.
func (s TaskStatus) String() string {
	return string(s)
}

// IsValid reports whether s is a known task status.
func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskPending, TaskClaimed, TaskInProgress, TaskComplete, TaskFailed, TaskWaitingRetry:
		return true
	}
	return false
}

// HoldsWorker reports whether a task in this status carries a worker id.
func (s TaskStatus) HoldsWorker() bool {
	return s == TaskClaimed || s == TaskInProgress
}

// LevelStatus is the execution state of a level.
type LevelStatus string

const (
	LevelPending  LevelStatus = "pending"
	LevelRunning  LevelStatus = "running"
	LevelComplete LevelStatus = "complete"
	LevelFailed   LevelStatus = "failed"
)

// String returns the wire value.
func (s LevelStatus) String() string {
	return string(s)
}

// MergeStatus tracks integration of a level's combined output. It moves
// independently of LevelStatus.
type MergeStatus string

const (
	MergePending    MergeStatus = "pending"
	MergeInProgress MergeStatus = "in_progress"
	MergeConflict   MergeStatus = "conflict"
	MergeComplete   MergeStatus = "complete"
)

// String returns the wire value.
func (s MergeStatus) String() string {
	return string(s)
}

// WorkerStatus is the lifecycle state of a worker.
type WorkerStatus string

const (
	WorkerInitializing  WorkerStatus = "initializing"
	WorkerReady         WorkerStatus = "ready"
	WorkerRunning       WorkerStatus = "running"
	WorkerIdle          WorkerStatus = "idle"
	WorkerCheckpointing WorkerStatus = "checkpointing"
	WorkerStopping      WorkerStatus = "stopping"
	WorkerBlocked       WorkerStatus = "blocked"
	WorkerStalled       WorkerStatus = "stalled"
	WorkerStopped       WorkerStatus = "stopped"
	WorkerCrashed       WorkerStatus = "crashed"
)

// String returns the wire value.
func (s WorkerStatus) String() string {
	return string(s)
}

// IsTerminal reports whether the worker has stopped for good.
func (s WorkerStatus) IsTerminal() bool {
	return s == WorkerStopped || s == WorkerCrashed
}

var workerTransitions = map[WorkerStatus][]WorkerStatus{
	WorkerInitializing:  {WorkerReady, WorkerStopping},
	WorkerReady:         {WorkerRunning, WorkerIdle, WorkerStopping},
	WorkerRunning:       {WorkerIdle, WorkerCheckpointing, WorkerStopping, WorkerBlocked, WorkerStalled},
	WorkerIdle:          {WorkerRunning, WorkerCheckpointing, WorkerStopping, WorkerBlocked, WorkerStalled},
	WorkerCheckpointing: {WorkerRunning, WorkerIdle, WorkerStopping},
	WorkerBlocked:       {WorkerRunning, WorkerIdle, WorkerStopping},
	WorkerStalled:       {WorkerRunning, WorkerIdle, WorkerStopping},
	WorkerStopping:      {},
}

// CanTransitionTo reports whether a worker may move from s to next.
// Any non-terminal status may move to STOPPED or CRASHED; terminal
// statuses accept nothing. Staying in the same status is always allowed.
func (s WorkerStatus) CanTransitionTo(next WorkerStatus) bool {
	if s == next {
		return true
	}
	if s.IsTerminal() {
		return false
	}
	if next.IsTerminal() {
		return true
	}
	for _, allowed := range workerTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

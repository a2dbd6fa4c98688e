// Package worker tracks worker lifecycle in two places: a durable [Repo] in
// the feature's state document, and a fast in-memory [Registry] for
// high-frequency reads by dashboards and the scheduler.
//
// Workers move INITIALIZING → READY → RUNNING ↔ IDLE. CHECKPOINTING,
// STOPPING, BLOCKED and STALLED are transient sub-states reachable from
// RUNNING or IDLE. STOPPED and CRASHED are terminal; records in those states
// are kept for post-mortem inspection.
package worker

import "github.com/Iron-Ham/ladder/internal/statestore"

// Status is a worker lifecycle state.
type Status = statestore.WorkerStatus

const (
	StatusInitializing  = statestore.WorkerInitializing
	StatusReady         = statestore.WorkerReady
	StatusRunning       = statestore.WorkerRunning
	StatusIdle          = statestore.WorkerIdle
	StatusCheckpointing = statestore.WorkerCheckpointing
	StatusStopping      = statestore.WorkerStopping
	StatusBlocked       = statestore.WorkerBlocked
	StatusStalled       = statestore.WorkerStalled
	StatusStopped       = statestore.WorkerStopped
	StatusCrashed       = statestore.WorkerCrashed
)

// IsActive reports whether a worker in status s counts as active.
func IsActive(s Status) bool {
	return !s.IsTerminal()
}

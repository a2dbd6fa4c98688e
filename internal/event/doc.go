// Package event is the lifecycle hook bus of the scheduler.
//
// The scheduler publishes named events with a key-value payload and has no
// dependency on whether anything handles them. The execution log, the
// dashboard and tests subscribe to the bus to observe a run.
//
// # Main Types
//
//   - [Event]: EventType, Timestamp and a Data payload
//   - [Bus]: synchronous dispatcher, safe for concurrent use
//   - [Handler]: func(Event)
//
// # Event Categories
//
// Task lifecycle:
//   - [TaskClaimedEvent], [TaskStartedEvent], [TaskCompletedEvent]
//   - [TaskFailedEvent]: carries the retry decision
//   - [TaskReleasedEvent], [TasksRequeuedEvent], [TaskStaleEvent]
//
// Levels and merges:
//   - [LevelStartedEvent], [LevelCompletedEvent], [LevelFailedEvent]
//   - [MergeStartedEvent], [MergeCompletedEvent], [MergeConflictEvent]
//
// Workers and runs:
//   - [WorkerRegisteredEvent], [WorkerStatusEvent], [SchedulerStoppedEvent]
//
// [Generic] covers anything else a caller wants to record.
//
// # Delivery
//
// Publish is synchronous. Handlers subscribed to the event's type run first,
// then handlers registered with SubscribeAll, each in registration order. A
// handler that panics is recovered and logged so the remaining handlers still
// run.
package event

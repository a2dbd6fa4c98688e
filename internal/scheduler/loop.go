package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/Iron-Ham/ladder/internal/assign"
	"github.com/Iron-Ham/ladder/internal/errors"
	"github.com/Iron-Ham/ladder/internal/event"
	"github.com/Iron-Ham/ladder/internal/statestore"
	"github.com/Iron-Ham/ladder/internal/taskstate"
	"github.com/Iron-Ham/ladder/internal/telemetry"
	"github.com/Iron-Ham/ladder/internal/worker"
	"go.opentelemetry.io/otel/attribute"
)

// maxErrorOutput bounds verification output copied into a task's error.
const maxErrorOutput = 500

// workerLoop claims and runs tasks of level until none are left to run, the
// feature is paused or ctx ends.
func (s *Scheduler) workerLoop(ctx context.Context, id, level int) (err error) {
	ctx, span := telemetry.Start(ctx, telemetry.SpanWorkerLoop,
		attribute.Int(telemetry.KeyWorkerID, id),
		attribute.Int(telemetry.KeyLevel, level))
	defer func() { telemetry.End(span, err) }()

	logger := s.logger.WithWorker(id).WithLevel(level)
	logger.Debug("worker loop started")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if paused, err := Paused(ctx, s.store); err != nil {
			return err
		} else if paused {
			logger.Info("worker stopping, feature paused")
			return nil
		}

		ran, err := s.claimNext(ctx, id, level)
		if err != nil {
			return err
		}
		if ran {
			continue
		}

		if err := s.housekeep(ctx); err != nil {
			return err
		}
		o, err := s.levelOutcome(ctx, level)
		if err != nil {
			return err
		}
		if o.pending == 0 {
			logger.Debug("worker loop finished", "completed", len(o.completed), "failed", len(o.failed))
			return nil
		}

		timer := time.NewTimer(s.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// candidates orders the level's tasks for worker id: its own assignments
// first, then everyone else's so idle workers pick up slack.
func (s *Scheduler) candidates(id, level int) []string {
	s.planMu.Lock()
	defer s.planMu.Unlock()

	var own, others []string
	for _, a := range s.plan.Assignments {
		if a.Level != level {
			continue
		}
		if a.WorkerID == id {
			own = append(own, a.TaskID)
		} else {
			others = append(others, a.TaskID)
		}
	}
	return append(own, others...)
}

// claimNext claims the first claimable candidate and runs it. It reports
// whether a task was run.
func (s *Scheduler) claimNext(ctx context.Context, id, level int) (bool, error) {
	records, err := s.tasks.Tasks(ctx)
	if err != nil {
		return false, err
	}
	for _, taskID := range s.candidates(id, level) {
		if rec, ok := records[taskID]; ok && rec.Status != statestore.TaskPending {
			continue
		}
		claimed, err := s.tasks.ClaimTask(ctx, taskID, id,
			taskstate.WithCurrentLevel(level), taskstate.WithDependencyChecker(s.checker))
		if err != nil {
			return false, err
		}
		if !claimed {
			continue
		}
		s.bus.Publish(event.NewTaskClaimedEvent(taskID, id, level))
		return true, s.runTask(ctx, id, level, taskID)
	}
	return false, nil
}

// runTask takes a claimed task through execution and records the outcome.
func (s *Scheduler) runTask(ctx context.Context, id, level int, taskID string) error {
	logger := s.logger.WithWorker(id).WithLevel(level).With("task_id", taskID)

	if err := s.tasks.SetTaskStatus(ctx, taskID, statestore.TaskInProgress, taskstate.WithWorker(id)); err != nil {
		return err
	}
	s.setBusy(ctx, id, taskID)
	defer s.setIdle(context.WithoutCancel(ctx), id)
	s.bus.Publish(event.NewTaskStartedEvent(taskID, id, level))
	logger.Info("task started")

	started := time.Now()
	execErr := s.execute(ctx, id, taskID)

	if ctx.Err() != nil {
		released, err := s.tasks.ReleaseTask(context.WithoutCancel(ctx), taskID, id)
		if err != nil {
			return err
		}
		if released {
			s.bus.Publish(event.NewTaskReleasedEvent(taskID, id, "cancelled"))
		}
		return ctx.Err()
	}
	if execErr != nil {
		logger.Warn("task attempt failed", "error", execErr)
		return s.fail(ctx, id, level, taskID, execErr)
	}
	return s.complete(ctx, id, level, taskID, time.Since(started))
}

// execute runs the agent and then the verifier, holding a semaphore slot
// when one is configured.
func (s *Scheduler) execute(ctx context.Context, id int, taskID string) error {
	if s.sem != nil {
		priority := 0
		if t, ok := s.graph.Task(taskID); ok {
			priority = int(t.Estimate())
		}
		slot, err := s.sem.Acquire(ctx, s.resource, priority, -1)
		if err != nil {
			return err
		}
		defer func() {
			if err := slot.Release(context.WithoutCancel(ctx)); err != nil {
				s.logger.Error("failed to release semaphore slot", "resource", s.resource, "task_id", taskID, "error", err)
			}
		}()
	}

	execCtx, cancel := context.WithTimeout(ctx, s.staleTimeout)
	defer cancel()

	spanCtx, span := telemetry.StartTaskSpan(execCtx, telemetry.SpanTaskExecute, taskID, id)
	err := s.agent.Execute(spanCtx, taskID, id)
	telemetry.End(span, err)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return errors.NewTimeoutError("execute "+taskID, s.staleTimeout)
		}
		return err
	}
	if s.verifier == nil {
		return nil
	}

	spanCtx, span = telemetry.StartTaskSpan(execCtx, telemetry.SpanTaskVerify, taskID, id)
	res, err := s.verifier.Verify(spanCtx, taskID)
	telemetry.End(span, err)
	if err != nil {
		return errors.Wrap(err, "verify")
	}
	if !res.Passed {
		out := res.Output
		if len(out) > maxErrorOutput {
			out = out[len(out)-maxErrorOutput:]
		}
		return fmt.Errorf("verification failed with exit code %d: %s", res.ExitCode, out)
	}
	return nil
}

// complete marks taskID complete if worker id still holds it. A task taken
// away by the stale sweep while running is left to its retry.
func (s *Scheduler) complete(ctx context.Context, id, level int, taskID string, d time.Duration) error {
	held := false
	err := s.store.AtomicUpdate(ctx, func(ctx context.Context, st *statestore.State) error {
		t, ok := st.Tasks[taskID]
		held = ok && t.Status == statestore.TaskInProgress && t.HeldBy(id)
		if !held {
			return nil
		}
		return s.tasks.SetTaskStatus(ctx, taskID, statestore.TaskComplete)
	})
	if err != nil {
		return err
	}
	logger := s.logger.WithWorker(id).WithLevel(level).With("task_id", taskID)
	if !held {
		logger.Warn("task finished after losing its claim, result dropped")
		return nil
	}

	s.bus.Publish(event.NewTaskCompletedEvent(taskID, id, level, d))
	logger.Info("task completed", "duration", d.String())

	unblocked, err := s.checker.Unblocked(ctx, taskID)
	if err != nil {
		return err
	}
	if len(unblocked) > 0 {
		logger.Debug("tasks unblocked", "unblocked", unblocked)
	}
	return nil
}

// fail records a failed attempt. Retries are rebalanced onto the least
// loaded active worker.
func (s *Scheduler) fail(ctx context.Context, id, level int, taskID string, cause error) error {
	msg := cause.Error()
	held, retrying := false, false
	err := s.store.AtomicUpdate(ctx, func(ctx context.Context, st *statestore.State) error {
		t, ok := st.Tasks[taskID]
		held = ok && t.HeldBy(id)
		if !held {
			return nil
		}
		var err error
		retrying, err = s.retries.RecordFailure(ctx, taskID, msg, s.policy)
		return err
	})
	if err != nil {
		return err
	}
	if !held {
		return nil
	}

	rec, err := s.tasks.Task(ctx, taskID)
	if err != nil {
		return err
	}
	if retrying {
		if err := s.rebalance(ctx, level, taskID); err != nil {
			return err
		}
	}
	s.bus.Publish(event.NewTaskFailedEvent(taskID, id, level, msg, rec.RetryCount, rec.NextRetryAt))
	return nil
}

func (s *Scheduler) rebalance(ctx context.Context, level int, taskID string) error {
	o, err := s.levelOutcome(ctx, level)
	if err != nil {
		return err
	}
	var active []int
	for _, e := range s.registry.Active() {
		active = append(active, e.ID)
	}

	s.planMu.Lock()
	moves := assign.Rebalance(s.plan, o.completed, []string{taskID}, level, active)
	s.planMu.Unlock()

	for _, m := range moves {
		s.logger.WithLevel(level).Info("task reassigned", "task_id", m.TaskID, "from", m.From, "to", m.To)
	}
	return nil
}

// housekeep requeues retries whose backoff has elapsed and fails tasks
// that have been in progress longer than the stale timeout.
func (s *Scheduler) housekeep(ctx context.Context) error {
	requeued, err := s.retries.RequeueReady(ctx)
	if err != nil {
		return err
	}
	if len(requeued) > 0 {
		s.bus.Publish(event.NewTasksRequeuedEvent(requeued))
	}

	stale, err := s.retries.FailStale(ctx, s.staleTimeout, s.policy)
	if err != nil {
		return err
	}
	for _, t := range stale {
		s.logger.Warn("stale task recorded as failed", "task_id", t.ID, "retrying", t.Retrying)
		s.bus.Publish(event.NewTaskStaleEvent(t.ID, t.WorkerID, t.StartedAt))
	}
	return nil
}

func (s *Scheduler) setBusy(ctx context.Context, id int, taskID string) {
	if err := s.workers.SetStatus(ctx, id, worker.StatusRunning); err != nil {
		s.logger.Error("failed to mark worker running", "worker_id", id, "error", err)
	}
	if err := s.workers.SetCurrentTask(ctx, id, taskID); err != nil {
		s.logger.Error("failed to set current task", "worker_id", id, "error", err)
	}
	prev, _ := s.registry.Get(id)
	s.setWorkerStatus(id, prev.Status, worker.StatusRunning)
	s.registry.SetCurrentTask(id, taskID)
}

func (s *Scheduler) setIdle(ctx context.Context, id int) {
	if err := s.workers.SetStatus(ctx, id, worker.StatusIdle); err != nil {
		s.logger.Error("failed to mark worker idle", "worker_id", id, "error", err)
	}
	if err := s.workers.SetCurrentTask(ctx, id, ""); err != nil {
		s.logger.Error("failed to clear current task", "worker_id", id, "error", err)
	}
	prev, _ := s.registry.Get(id)
	s.setWorkerStatus(id, prev.Status, worker.StatusIdle)
	s.registry.SetCurrentTask(id, "")
}

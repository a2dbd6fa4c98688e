package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Agent executes one task on behalf of a worker. It should return when ctx
// is done.
type Agent interface {
	Execute(ctx context.Context, taskID string, workerID int) error
}

// AgentFunc adapts a function to Agent.
type AgentFunc func(ctx context.Context, taskID string, workerID int) error

// Execute implements Agent.
func (f AgentFunc) Execute(ctx context.Context, taskID string, workerID int) error {
	return f(ctx, taskID, workerID)
}

// VerifyResult is the outcome of a task's verification command.
type VerifyResult struct {
	ExitCode int
	Output   string
	Passed   bool
}

// Verifier checks that an executed task is actually done.
type Verifier interface {
	Verify(ctx context.Context, taskID string) (VerifyResult, error)
}

// MergeResult is the outcome of integrating a level's work.
type MergeResult struct {
	Commit   string
	Conflict bool
	Details  map[string]any
}

// Merger integrates the output of a completed level.
type Merger interface {
	Merge(ctx context.Context, level int, taskIDs []string) (MergeResult, error)
}

// NopMerger reports every level as merged without conflicts.
type NopMerger struct{}

// Merge implements Merger.
func (NopMerger) Merge(_ context.Context, level int, _ []string) (MergeResult, error) {
	return MergeResult{Commit: fmt.Sprintf("level-%d", level)}, nil
}

// SimAgent is an Agent for dry runs. Each task takes Duration, and the tasks
// listed in Failures fail that many times before succeeding.
type SimAgent struct {
	Duration time.Duration
	Failures map[string]int

	mu       sync.Mutex
	attempts map[string]int
}

// Execute implements Agent.
func (a *SimAgent) Execute(ctx context.Context, taskID string, _ int) error {
	if a.Duration > 0 {
		timer := time.NewTimer(a.Duration)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.attempts == nil {
		a.attempts = make(map[string]int)
	}
	a.attempts[taskID]++
	if a.attempts[taskID] <= a.Failures[taskID] {
		return fmt.Errorf("simulated failure %d of %s", a.attempts[taskID], taskID)
	}
	return nil
}

// Attempts returns how many times taskID was executed.
func (a *SimAgent) Attempts(taskID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.attempts[taskID]
}

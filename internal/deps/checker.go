// Package deps resolves a task's declared dependencies against the live task
// status in the state document.
package deps

import (
	"context"
	"sort"

	"github.com/Iron-Ham/ladder/internal/errors"
	"github.com/Iron-Ham/ladder/internal/statestore"
	"github.com/Iron-Ham/ladder/internal/taskgraph"
	"github.com/Iron-Ham/ladder/internal/taskstate"
)

// Checker combines the graph's static dependency lists with persisted task
// status. A dependency is satisfied only when its status is complete.
type Checker struct {
	deps       map[string][]string
	dependents map[string][]string
	order      []string
	tasks      *taskstate.Repo
}

var _ taskstate.DependencyChecker = (*Checker)(nil)

// New builds a Checker for g reading status through tasks.
func New(g *taskgraph.Graph, tasks *taskstate.Repo) *Checker {
	c := &Checker{
		deps:       make(map[string][]string, len(g.Tasks)),
		dependents: g.Dependents(),
		tasks:      tasks,
	}
	for _, t := range g.Tasks {
		if _, dup := c.deps[t.ID]; dup {
			continue
		}
		c.deps[t.ID] = append([]string(nil), t.Dependencies...)
		c.order = append(c.order, t.ID)
	}
	return c
}

// Dependencies returns the declared dependencies of taskID.
func (c *Checker) Dependencies(taskID string) ([]string, error) {
	d, ok := c.deps[taskID]
	if !ok {
		return nil, errors.NewNotFoundError("task", taskID).WithCause(errors.ErrTaskNotFound)
	}
	return append([]string(nil), d...), nil
}

// IncompleteDependencies returns every dependency of taskID that is not
// complete, in declaration order. An empty result means the task may run.
func (c *Checker) IncompleteDependencies(ctx context.Context, taskID string) ([]string, error) {
	d, err := c.Dependencies(taskID)
	if err != nil {
		return nil, err
	}
	blocking := []string{}
	if len(d) == 0 {
		return blocking, nil
	}
	err = c.tasks.Store().View(ctx, func(_ context.Context, st *statestore.State) error {
		for _, dep := range d {
			if t, ok := st.Tasks[dep]; !ok || t.Status != statestore.TaskComplete {
				blocking = append(blocking, dep)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return blocking, nil
}

// AreDependenciesComplete reports whether every dependency of taskID is complete.
func (c *Checker) AreDependenciesComplete(ctx context.Context, taskID string) (bool, error) {
	blocking, err := c.IncompleteDependencies(ctx, taskID)
	if err != nil {
		return false, err
	}
	return len(blocking) == 0, nil
}

// Unblocked returns the pending tasks that depend on completedID and whose
// dependencies are now all complete, in graph order.
func (c *Checker) Unblocked(ctx context.Context, completedID string) ([]string, error) {
	candidates := make(map[string]bool)
	for _, id := range c.dependents[completedID] {
		candidates[id] = true
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	var out []string
	err := c.tasks.Store().View(ctx, func(_ context.Context, st *statestore.State) error {
		for _, id := range c.order {
			if !candidates[id] {
				continue
			}
			if t, ok := st.Tasks[id]; ok && t.Status != statestore.TaskPending {
				continue
			}
			ready := true
			for _, dep := range c.deps[id] {
				if t, ok := st.Tasks[dep]; !ok || t.Status != statestore.TaskComplete {
					ready = false
					break
				}
			}
			if ready {
				out = append(out, id)
			}
		}
		return nil
	})
	return out, err
}

// Blocked maps every graph task that has incomplete dependencies to the
// sorted blocking set. Tasks that are already complete are skipped.
func (c *Checker) Blocked(ctx context.Context) (map[string][]string, error) {
	out := make(map[string][]string)
	err := c.tasks.Store().View(ctx, func(_ context.Context, st *statestore.State) error {
		for _, id := range c.order {
			if t, ok := st.Tasks[id]; ok && t.Status == statestore.TaskComplete {
				continue
			}
			var blocking []string
			for _, dep := range c.deps[id] {
				if t, ok := st.Tasks[dep]; !ok || t.Status != statestore.TaskComplete {
					blocking = append(blocking, dep)
				}
			}
			if len(blocking) > 0 {
				sort.Strings(blocking)
				out[id] = blocking
			}
		}
		return nil
	})
	return out, err
}

// FailedUpstream maps every task that is neither complete nor failed to the
// sorted set of terminally failed tasks it depends on, directly or through
// other unfinished tasks. Such tasks can never become claimable.
func (c *Checker) FailedUpstream(ctx context.Context) (map[string][]string, error) {
	out := make(map[string][]string)
	err := c.tasks.Store().View(ctx, func(_ context.Context, st *statestore.State) error {
		memo := make(map[string][]string, len(c.order))
		var visit func(id string) []string
		visit = func(id string) []string {
			if roots, ok := memo[id]; ok {
				return roots
			}
			memo[id] = nil
			seen := make(map[string]bool)
			var roots []string
			for _, dep := range c.deps[id] {
				found := []string{dep}
				if t, ok := st.Tasks[dep]; !ok || t.Status != statestore.TaskFailed {
					found = visit(dep)
				}
				for _, r := range found {
					if !seen[r] {
						seen[r] = true
						roots = append(roots, r)
					}
				}
			}
			sort.Strings(roots)
			memo[id] = roots
			return roots
		}
		for _, id := range c.order {
			if t, ok := st.Tasks[id]; ok && (t.Status == statestore.TaskComplete || t.Status == statestore.TaskFailed) {
				continue
			}
			if roots := visit(id); len(roots) > 0 {
				out[id] = roots
			}
		}
		return nil
	})
	return out, err
}

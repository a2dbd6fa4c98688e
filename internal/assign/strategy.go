// Package assign proposes which worker should run which task.
//
// Plans are a recomputable convenience for resuming work and for display.
// They never decide ownership: the claim protocol in taskstate remains the
// only authority, even when a stale plan disagrees with it.
package assign

import (
	"fmt"
	"sort"

	"github.com/Iron-Ham/ladder/internal/errors"
	"github.com/Iron-Ham/ladder/internal/taskgraph"
)

// Assignment places one task on one worker.
type Assignment struct {
	TaskID           string  `json:"task_id"`
	WorkerID         int     `json:"worker_id"`
	Level            int     `json:"level"`
	EstimatedMinutes float64 `json:"estimated_minutes"`
}

// Strategy distributes a graph's tasks over workerCount workers. Worker ids
// are 0 through workerCount-1.
type Strategy interface {
	Name() string
	Assign(g *taskgraph.Graph, workerCount int) ([]Assignment, error)
}

// LPT is the longest-processing-time heuristic: within each level, tasks are
// taken longest first and each goes to the worker with the least
// accumulated estimate, ties broken by lowest worker id.
//
// With PerLevel set, every worker's load resets to zero at the start of
// each level, which balances each level on its own. Otherwise load carries
// across levels, which balances total work per worker.
type LPT struct {
	PerLevel bool
}

// Name implements Strategy.
func (s LPT) Name() string {
	if s.PerLevel {
		return "lpt-per-level"
	}
	return "lpt"
}

// Assign implements Strategy.
func (s LPT) Assign(g *taskgraph.Graph, workerCount int) ([]Assignment, error) {
	if workerCount < 1 {
		return nil, errors.NewValidationError("worker count must be positive").WithField("workers").WithValue(workerCount)
	}
	if g == nil {
		return nil, errors.NewValidationError("task graph is nil")
	}

	loads := make([]float64, workerCount)
	out := make([]Assignment, 0, len(g.Tasks))
	for _, level := range g.LevelNumbers() {
		if s.PerLevel {
			clear(loads)
		}
		tasks := g.TasksAtLevel(level)
		sortLongestFirst(tasks)
		for _, t := range tasks {
			w := leastLoaded(loads, nil)
			est := t.Estimate()
			loads[w] += est
			out = append(out, Assignment{TaskID: t.ID, WorkerID: w, Level: level, EstimatedMinutes: est})
		}
	}
	return out, nil
}

func sortLongestFirst(tasks []taskgraph.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].Estimate() != tasks[j].Estimate() {
			return tasks[i].Estimate() > tasks[j].Estimate()
		}
		return tasks[i].ID < tasks[j].ID
	})
}

// leastLoaded returns the index of the smallest load, lowest index first.
// When eligible is non-nil only those indexes are considered.
func leastLoaded(loads []float64, eligible []int) int {
	best := -1
	consider := func(i int) {
		if best < 0 || loads[i] < loads[best] {
			best = i
		}
	}
	if eligible == nil {
		for i := range loads {
			consider(i)
		}
		return best
	}
	for _, i := range eligible {
		consider(i)
	}
	return best
}

// StrategyByName returns the built-in strategy called name.
func StrategyByName(name string) (Strategy, error) {
	switch name {
	case "", "lpt":
		return LPT{}, nil
	case "lpt-per-level":
		return LPT{PerLevel: true}, nil
	default:
		return nil, errors.NewValidationError(fmt.Sprintf("unknown assignment strategy %q", name)).WithField("strategy")
	}
}

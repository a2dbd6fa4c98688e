// Package taskgraph defines the task graph input artifact and its structural
// validator.
//
// A graph groups tasks into numbered levels. Tasks in one level may run in
// parallel; a level must complete and merge before the next one opens.
// [Validate] is run once before scheduling and never mutates the graph.
package taskgraph

import (
	"sort"
)

// DefaultEstimateMinutes is used for tasks that carry no estimate.
const DefaultEstimateMinutes = 15.0

// Graph is the task graph for one feature.
type Graph struct {
	Feature     string               `json:"feature" yaml:"feature" toml:"feature"`
	Version     string               `json:"version,omitempty" yaml:"version,omitempty" toml:"version,omitempty"`
	GeneratedAt string               `json:"generated_at,omitempty" yaml:"generated_at,omitempty" toml:"generated_at,omitempty"`
	TotalTasks  int                  `json:"total_tasks,omitempty" yaml:"total_tasks,omitempty" toml:"total_tasks,omitempty"`
	Tasks       []Task               `json:"tasks" yaml:"tasks" toml:"tasks"`
	Levels      map[string]LevelMeta `json:"levels,omitempty" yaml:"levels,omitempty" toml:"levels,omitempty"`
}

// Task is one unit of work in the graph.
type Task struct {
	ID              string        `json:"id" yaml:"id" toml:"id"`
	Title           string        `json:"title" yaml:"title" toml:"title"`
	Description     string        `json:"description,omitempty" yaml:"description,omitempty" toml:"description,omitempty"`
	Level           int           `json:"level" yaml:"level" toml:"level"`
	Dependencies    []string      `json:"dependencies,omitempty" yaml:"dependencies,omitempty" toml:"dependencies,omitempty"`
	Files           Files         `json:"files,omitempty" yaml:"files,omitempty" toml:"files,omitempty"`
	Verification    *Verification `json:"verification,omitempty" yaml:"verification,omitempty" toml:"verification,omitempty"`
	Consumers       []string      `json:"consumers,omitempty" yaml:"consumers,omitempty" toml:"consumers,omitempty"`
	IntegrationTest string        `json:"integration_test,omitempty" yaml:"integration_test,omitempty" toml:"integration_test,omitempty"`
	EstimateMinutes float64       `json:"estimate_minutes,omitempty" yaml:"estimate_minutes,omitempty" toml:"estimate_minutes,omitempty"`
}

// Estimate returns the task's estimate in minutes, or DefaultEstimateMinutes.
func (t Task) Estimate() float64 {
	if t.EstimateMinutes > 0 {
		return t.EstimateMinutes
	}
	return DefaultEstimateMinutes
}

// Files lists the paths a task touches.
type Files struct {
	Create []string `json:"create,omitempty" yaml:"create,omitempty" toml:"create,omitempty"`
	Modify []string `json:"modify,omitempty" yaml:"modify,omitempty" toml:"modify,omitempty"`
	Read   []string `json:"read,omitempty" yaml:"read,omitempty" toml:"read,omitempty"`
}

// Verification is the command that proves a task is done.
type Verification struct {
	Command        string `json:"command" yaml:"command" toml:"command"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty" toml:"timeout_seconds,omitempty"`
}

// LevelMeta is descriptive metadata for a level, keyed by level number.
type LevelMeta struct {
	Name             string   `json:"name,omitempty" yaml:"name,omitempty" toml:"name,omitempty"`
	Tasks            []string `json:"tasks,omitempty" yaml:"tasks,omitempty" toml:"tasks,omitempty"`
	Parallel         bool     `json:"parallel,omitempty" yaml:"parallel,omitempty" toml:"parallel,omitempty"`
	EstimatedMinutes float64  `json:"estimated_minutes,omitempty" yaml:"estimated_minutes,omitempty" toml:"estimated_minutes,omitempty"`
	DependsOnLevels  []int    `json:"depends_on,omitempty" yaml:"depends_on,omitempty" toml:"depends_on,omitempty"`
}

// Task returns the task with id and whether it exists. The first task wins
// when ids are duplicated.
func (g *Graph) Task(id string) (Task, bool) {
	for _, t := range g.Tasks {
		if t.ID == id {
			return t, true
		}
	}
	return Task{}, false
}

// Index maps task ids to tasks. The first task wins when ids are duplicated.
func (g *Graph) Index() map[string]Task {
	idx := make(map[string]Task, len(g.Tasks))
	for _, t := range g.Tasks {
		if _, dup := idx[t.ID]; !dup {
			idx[t.ID] = t
		}
	}
	return idx
}

// LevelNumbers returns the distinct task levels in ascending order.
func (g *Graph) LevelNumbers() []int {
	seen := make(map[int]bool)
	var levels []int
	for _, t := range g.Tasks {
		if !seen[t.Level] {
			seen[t.Level] = true
			levels = append(levels, t.Level)
		}
	}
	sort.Ints(levels)
	return levels
}

// TasksAtLevel returns the tasks at level in input order.
func (g *Graph) TasksAtLevel(level int) []Task {
	var out []Task
	for _, t := range g.Tasks {
		if t.Level == level {
			out = append(out, t)
		}
	}
	return out
}

// MaxLevel returns the highest task level, or 0 for an empty graph.
func (g *Graph) MaxLevel() int {
	highest := 0
	for _, t := range g.Tasks {
		if t.Level > highest {
			highest = t.Level
		}
	}
	return highest
}

// Dependents maps each task id to the ids of tasks that depend on it.
func (g *Graph) Dependents() map[string][]string {
	out := make(map[string][]string)
	for _, t := range g.Tasks {
		for _, dep := range t.Dependencies {
			out[dep] = append(out[dep], t.ID)
		}
	}
	return out
}

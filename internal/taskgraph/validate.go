package taskgraph

import (
	"fmt"
	"strings"

	"github.com/Iron-Ham/ladder/internal/errors"
)

// Severity of a validation message.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Check names the structural check that produced a message.
type Check string

const (
	CheckDuplicateID     Check = "duplicate_id"
	CheckLevel           Check = "level"
	CheckReference       Check = "reference"
	CheckForwardDep      Check = "forward_dependency"
	CheckCycle           Check = "cycle"
	CheckOrphan          Check = "orphan"
	CheckReachability    Check = "reachability"
	CheckIntegrationTest Check = "integration_test"
)

// Message is one validation finding. RelatedIDs lists the other tasks
// involved, e.g. the full cycle path.
type Message struct {
	Severity   Severity `json:"severity"`
	Check      Check    `json:"check"`
	TaskID     string   `json:"task_id,omitempty"`
	Message    string   `json:"message"`
	RelatedIDs []string `json:"related_ids,omitempty"`
}

// String renders the message for CLI output.
func (m Message) String() string {
	return fmt.Sprintf("[%s] %s", m.Check, m.Message)
}

// Result holds every finding of one validation pass.
type Result struct {
	Errors   []Message `json:"errors"`
	Warnings []Message `json:"warnings"`
}

// Valid reports whether the graph has no errors. Warnings are allowed.
func (r *Result) Valid() bool {
	return len(r.Errors) == 0
}

// Err returns nil for a valid graph, otherwise a ValidationError wrapping
// ErrInvalidGraph that lists every error.
func (r *Result) Err() error {
	if r.Valid() {
		return nil
	}
	lines := make([]string, len(r.Errors))
	for i, m := range r.Errors {
		lines[i] = m.Message
	}
	msg := fmt.Sprintf("%d structural error(s): %s", len(r.Errors), strings.Join(lines, "; "))
	return errors.NewValidationError(msg).WithCause(errors.ErrInvalidGraph)
}

func (r *Result) errorf(check Check, taskID string, related []string, format string, args ...any) {
	r.Errors = append(r.Errors, Message{
		Severity:   SeverityError,
		Check:      check,
		TaskID:     taskID,
		Message:    fmt.Sprintf(format, args...),
		RelatedIDs: related,
	})
}

func (r *Result) warnf(check Check, taskID string, format string, args ...any) {
	r.Warnings = append(r.Warnings, Message{
		Severity: SeverityWarning,
		Check:    check,
		TaskID:   taskID,
		Message:  fmt.Sprintf(format, args...),
	})
}

// Validate runs every structural check against g and collects all findings
// in one pass. Checks never short-circuit each other. g is not modified.
func Validate(g *Graph) *Result {
	r := &Result{Errors: []Message{}, Warnings: []Message{}}
	if g == nil {
		r.errorf(CheckReference, "", nil, "task graph is nil")
		return r
	}

	idx := g.Index()
	checkIDsAndLevels(g, r)
	checkReferences(g, idx, r)
	checkCycles(g, idx, r)
	checkOrphans(g, r)
	checkReachability(g, idx, r)
	checkIntegrationTests(g, r)
	return r
}

func checkIDsAndLevels(g *Graph, r *Result) {
	seen := make(map[string]bool, len(g.Tasks))
	for i, t := range g.Tasks {
		switch {
		case t.ID == "":
			r.errorf(CheckDuplicateID, "", nil, "task at index %d has no id", i)
		case seen[t.ID]:
			r.errorf(CheckDuplicateID, t.ID, nil, "task id %s is declared more than once", t.ID)
		}
		seen[t.ID] = true

		if t.Level < 1 {
			r.errorf(CheckLevel, t.ID, nil, "task %s has level %d; levels start at 1", t.ID, t.Level)
		}
	}
}

// checkReferences flags dangling dependency/consumer ids and dependencies on
// tasks at a later level, which the level gate would never let run first.
func checkReferences(g *Graph, idx map[string]Task, r *Result) {
	for _, t := range g.Tasks {
		for _, dep := range t.Dependencies {
			d, ok := idx[dep]
			if !ok {
				r.errorf(CheckReference, t.ID, []string{dep}, "task %s depends on unknown task %s", t.ID, dep)
				continue
			}
			if d.Level > t.Level {
				r.errorf(CheckForwardDep, t.ID, []string{dep},
					"task %s (level %d) depends on %s at later level %d", t.ID, t.Level, dep, d.Level)
			}
		}
		for _, c := range t.Consumers {
			if _, ok := idx[c]; !ok {
				r.errorf(CheckReference, t.ID, []string{c}, "task %s lists unknown consumer %s", t.ID, c)
			}
		}
	}
}

type color int

const (
	white color = iota
	gray
	black
)

// checkCycles runs a three-colour DFS per level over dependency edges whose
// endpoints share that level. Every back edge is reported with its full path.
func checkCycles(g *Graph, idx map[string]Task, r *Result) {
	for _, level := range g.LevelNumbers() {
		tasks := g.TasksAtLevel(level)
		state := make(map[string]color, len(tasks))
		var stack []string

		var visit func(id string)
		visit = func(id string) {
			state[id] = gray
			stack = append(stack, id)
			for _, dep := range idx[id].Dependencies {
				d, ok := idx[dep]
				if !ok || d.Level != level {
					continue
				}
				switch state[dep] {
				case white:
					visit(dep)
				case gray:
					path := append(cyclePath(stack, dep), dep)
					r.errorf(CheckCycle, id, path, "intra-level dependency cycle at level %d: %s",
						level, strings.Join(path, " -> "))
				}
			}
			stack = stack[:len(stack)-1]
			state[id] = black
		}

		for _, t := range tasks {
			if state[t.ID] == white {
				visit(t.ID)
			}
		}
	}
}

// cyclePath returns the stack suffix starting at start.
func cyclePath(stack []string, start string) []string {
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == start {
			return append([]string(nil), stack[i:]...)
		}
	}
	return []string{start}
}

// checkOrphans warns about tasks below the final level that nothing
// depends on or consumes. Final-level tasks are the graph's sinks.
func checkOrphans(g *Graph, r *Result) {
	dependents := g.Dependents()
	final := g.MaxLevel()
	for _, t := range g.Tasks {
		if t.Level < 2 || t.Level >= final {
			continue
		}
		if len(dependents[t.ID]) == 0 && len(t.Consumers) == 0 {
			r.warnf(CheckOrphan, t.ID, "task %s is an orphan: level %d with no dependents and no consumers", t.ID, t.Level)
		}
	}
}

// checkReachability walks the feeds-into relation breadth first from the
// level-1 tasks. Level-1 tasks are trivially reachable.
func checkReachability(g *Graph, idx map[string]Task, r *Result) {
	dependents := g.Dependents()
	reached := make(map[string]bool, len(g.Tasks))
	var queue []string
	for _, t := range g.Tasks {
		if t.Level == 1 && !reached[t.ID] {
			reached[t.ID] = true
			queue = append(queue, t.ID)
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, next := range dependents[id] {
			if _, ok := idx[next]; ok && !reached[next] {
				reached[next] = true
				queue = append(queue, next)
			}
		}
	}

	reported := make(map[string]bool)
	for _, t := range g.Tasks {
		if !reached[t.ID] && !reported[t.ID] {
			reported[t.ID] = true
			r.errorf(CheckReachability, t.ID, nil, "task %s is unreachable from level-1 tasks", t.ID)
		}
	}
}

func checkIntegrationTests(g *Graph, r *Result) {
	for _, t := range g.Tasks {
		if len(t.Consumers) > 0 && strings.TrimSpace(t.IntegrationTest) == "" {
			r.errorf(CheckIntegrationTest, t.ID, t.Consumers,
				"task %s declares consumers %s but no integration_test", t.ID, strings.Join(t.Consumers, ", "))
		}
	}
}

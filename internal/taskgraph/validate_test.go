package taskgraph

import (
	"strings"
	"testing"

	"github.com/Iron-Ham/ladder/internal/errors"
)

func task(id string, level int, deps ...string) Task {
	return Task{ID: id, Title: "Task " + id, Level: level, Dependencies: deps}
}

func countCheck(msgs []Message, check Check) int {
	n := 0
	for _, m := range msgs {
		if m.Check == check {
			n++
		}
	}
	return n
}

func TestValidate_Scenarios(t *testing.T) {
	tests := []struct {
		name         string
		tasks        []Task
		wantErrors   int
		wantWarnings int
		mustMention  []string
	}{
		{
			name:  "two roots feeding one task",
			tasks: []Task{task("T1", 1), task("T2", 1), task("T3", 2, "T1", "T2")},
		},
		{
			// T2 is a sink at the final level, like T3 above, so it is
			// not an orphan.
			name:  "chain ending at the final level",
			tasks: []Task{task("T1", 1), task("T2", 2, "T1")},
		},
		{
			name: "dead end below the final level",
			tasks: []Task{
				task("T1", 1),
				task("T2", 2, "T1"),
				task("T3", 3, "T1"),
			},
			wantWarnings: 1,
			mustMention:  []string{"T2", "orphan"},
		},
		{
			name: "consumers keep a mid-level task from being an orphan",
			tasks: []Task{
				task("T1", 1),
				{ID: "T2", Level: 2, Dependencies: []string{"T1"}, Consumers: []string{"T3"}, IntegrationTest: "tests/t2_test.go"},
				task("T3", 3, "T1"),
			},
		},
		{
			name: "consumers without integration test",
			tasks: []Task{
				{ID: "T1", Level: 1, Consumers: []string{"T2"}},
				task("T2", 2, "T1"),
			},
			wantErrors:  1,
			mustMention: []string{"integration_test"},
		},
		{
			name: "consumers with integration test",
			tasks: []Task{
				{ID: "T1", Level: 1, Consumers: []string{"T2"}, IntegrationTest: "tests/integration/t1_test.go"},
				task("T2", 2, "T1"),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Validate(&Graph{Feature: "auth", Tasks: tt.tasks})
			if len(r.Errors) != tt.wantErrors {
				t.Errorf("errors = %v, want %d", r.Errors, tt.wantErrors)
			}
			if len(r.Warnings) != tt.wantWarnings {
				t.Errorf("warnings = %v, want %d", r.Warnings, tt.wantWarnings)
			}
			all := append(append([]Message{}, r.Errors...), r.Warnings...)
			for _, word := range tt.mustMention {
				found := false
				for _, m := range all {
					if strings.Contains(m.Message, word) {
						found = true
					}
				}
				if !found {
					t.Errorf("no message mentions %q: %v", word, all)
				}
			}
		})
	}
}

func TestValidate_SelfDependencyIsCycle(t *testing.T) {
	for _, level := range []int{1, 2, 5} {
		tasks := []Task{task("root", 1)}
		if level == 1 {
			tasks = []Task{task("A", 1, "A")}
		} else {
			tasks = append(tasks, task("A", level, "root", "A"))
		}
		r := Validate(&Graph{Tasks: tasks})
		if countCheck(r.Errors, CheckCycle) != 1 {
			t.Fatalf("level %d: cycle errors = %v, want 1", level, r.Errors)
		}
		cycle := r.Errors[0]
		for _, m := range r.Errors {
			if m.Check == CheckCycle {
				cycle = m
			}
		}
		if !strings.Contains(cycle.Message, "A -> A") {
			t.Errorf("level %d: message %q should show the path", level, cycle.Message)
		}
	}
}

func TestValidate_IntraLevelCyclePath(t *testing.T) {
	g := &Graph{Tasks: []Task{
		task("R", 1),
		task("A", 2, "R", "C"),
		task("B", 2, "A"),
		task("C", 2, "B"),
	}}
	r := Validate(g)

	if countCheck(r.Errors, CheckCycle) != 1 {
		t.Fatalf("cycle errors = %v, want exactly 1", r.Errors)
	}
	var cycle Message
	for _, m := range r.Errors {
		if m.Check == CheckCycle {
			cycle = m
		}
	}
	if len(cycle.RelatedIDs) != 4 || cycle.RelatedIDs[0] != cycle.RelatedIDs[3] {
		t.Errorf("RelatedIDs = %v, want a closed path of 3 tasks", cycle.RelatedIDs)
	}
}

func TestValidate_CrossLevelEdgesAreNotCycles(t *testing.T) {
	g := &Graph{Tasks: []Task{
		task("A", 1),
		task("B", 2, "A"),
		task("C", 3, "B", "A"),
	}}
	r := Validate(g)
	if !r.Valid() {
		t.Errorf("expected a valid graph, got %v", r.Errors)
	}
}

func TestValidate_LevelOneAlwaysReachable(t *testing.T) {
	graphs := [][]Task{
		{task("A", 1)},
		{task("A", 1), task("B", 1)},
		{task("A", 1, "missing")},
		{task("A", 1), task("B", 2)},
	}
	for _, tasks := range graphs {
		r := Validate(&Graph{Tasks: tasks})
		for _, m := range r.Errors {
			if m.Check == CheckReachability && m.TaskID == "A" {
				t.Errorf("level-1 task reported unreachable: %v", m)
			}
		}
	}
}

func TestValidate_Unreachable(t *testing.T) {
	g := &Graph{Tasks: []Task{
		task("A", 1),
		task("B", 2),
		task("C", 3, "B"),
	}}
	r := Validate(g)
	if got := countCheck(r.Errors, CheckReachability); got != 2 {
		t.Errorf("unreachable errors = %d, want 2 (B and C): %v", got, r.Errors)
	}
}

func TestValidate_IsExhaustive(t *testing.T) {
	g := &Graph{Tasks: []Task{
		task("A", 1, "ghost"),
		task("A", 1),
		{ID: "B", Level: 1, Consumers: []string{"nobody"}},
		task("C", 0),
		task("D", 2, "D", "A"),
		task("E", 2, "F"),
		task("F", 3, "A"),
	}}
	r := Validate(g)

	for _, check := range []Check{CheckReference, CheckDuplicateID, CheckIntegrationTest, CheckLevel, CheckCycle, CheckForwardDep, CheckReachability} {
		if countCheck(r.Errors, check) == 0 {
			t.Errorf("expected at least one %s error in %v", check, r.Errors)
		}
	}
	if r.Valid() {
		t.Error("graph should be invalid")
	}
	err := r.Err()
	if !errors.Is(err, errors.ErrInvalidGraph) || !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("Err() = %v, want ErrInvalidGraph validation error", err)
	}
}

func TestValidate_DoesNotMutate(t *testing.T) {
	g := &Graph{Tasks: []Task{task("B", 2, "A"), task("A", 1)}}
	before := len(g.Tasks[0].Dependencies)
	Validate(g)
	if g.Tasks[0].ID != "B" || len(g.Tasks[0].Dependencies) != before {
		t.Error("Validate modified the graph")
	}
}

func TestValidate_Nil(t *testing.T) {
	if Validate(nil).Valid() {
		t.Error("nil graph should be invalid")
	}
}

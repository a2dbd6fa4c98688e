package taskgraph

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/Iron-Ham/ladder/internal/errors"
)

const jsonGraph = `{
  "feature": "auth",
  "version": "2.0",
  "total_tasks": 2,
  "tasks": [
    {"id": "T1", "title": "Models", "level": 1, "estimate_minutes": 30,
     "files": {"create": ["models.go"]},
     "verification": {"command": "go test ./models", "timeout_seconds": 60},
     "consumers": ["T2"], "integration_test": "tests/auth_test.go"},
    {"id": "T2", "title": "Handlers", "level": 2, "dependencies": ["T1"], "owner": "ignored"}
  ],
  "levels": {"1": {"name": "foundation", "tasks": ["T1"], "parallel": true}}
}`

const yamlGraph = `feature: auth
tasks:
  - id: T1
    title: Models
    level: 1
    estimate_minutes: 30
  - id: T2
    title: Handlers
    level: 2
    dependencies: [T1]
`

const tomlGraph = `feature = "auth"

[[tasks]]
id = "T1"
title = "Models"
level = 1
estimate_minutes = 30.0

[[tasks]]
id = "T2"
title = "Handlers"
level = 2
dependencies = ["T1"]
`

func TestParse_Formats(t *testing.T) {
	tests := []struct {
		name   string
		data   string
		format Format
	}{
		{"json", jsonGraph, FormatJSON},
		{"yaml", yamlGraph, FormatYAML},
		{"toml", tomlGraph, FormatTOML},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := Parse([]byte(tt.data), tt.format)
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			if g.Feature != "auth" {
				t.Errorf("Feature = %q, want auth", g.Feature)
			}
			if len(g.Tasks) != 2 {
				t.Fatalf("len(Tasks) = %d, want 2", len(g.Tasks))
			}
			t2, ok := g.Task("T2")
			if !ok || t2.Level != 2 || len(t2.Dependencies) != 1 || t2.Dependencies[0] != "T1" {
				t.Errorf("T2 = %+v", t2)
			}
			t1, _ := g.Task("T1")
			if t1.Estimate() != 30 {
				t.Errorf("T1.Estimate() = %v, want 30", t1.Estimate())
			}
			if t2.Estimate() != DefaultEstimateMinutes {
				t.Errorf("T2.Estimate() = %v, want default", t2.Estimate())
			}
		})
	}
}

func TestParse_JSONDetails(t *testing.T) {
	g, err := Parse([]byte(jsonGraph), FormatJSON)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	t1, _ := g.Task("T1")
	if t1.Verification == nil || t1.Verification.TimeoutSeconds != 60 {
		t.Errorf("Verification = %+v", t1.Verification)
	}
	if len(t1.Files.Create) != 1 || t1.Files.Create[0] != "models.go" {
		t.Errorf("Files = %+v", t1.Files)
	}
	if meta := g.Levels["1"]; meta.Name != "foundation" || !meta.Parallel {
		t.Errorf("Levels[1] = %+v", meta)
	}
	if !Validate(g).Valid() {
		t.Errorf("parsed graph should validate: %v", Validate(g).Errors)
	}
}

func TestParse_Malformed(t *testing.T) {
	tests := []struct {
		name   string
		data   string
		format Format
	}{
		{"json", `{"tasks": [`, FormatJSON},
		{"yaml", "tasks: [\n  - id: T1\n   level", FormatYAML},
		{"toml", `tasks = [[`, FormatTOML},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data), tt.format)
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, errors.ErrInvalidGraph) {
				t.Errorf("error %v should wrap ErrInvalidGraph", err)
			}
		})
	}

	if _, err := Parse([]byte("{}"), Format("xml")); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("unknown format error = %v", err)
	}
}

func TestFormatFromPath(t *testing.T) {
	tests := []struct {
		path    string
		want    Format
		wantErr bool
	}{
		{"graph.json", FormatJSON, false},
		{"dir/graph.YAML", FormatYAML, false},
		{"graph.yml", FormatYAML, false},
		{"graph.toml", FormatTOML, false},
		{"graph.txt", "", true},
		{"graph", "", true},
	}
	for _, tt := range tests {
		got, err := FormatFromPath(tt.path)
		if (err != nil) != tt.wantErr {
			t.Errorf("FormatFromPath(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("FormatFromPath(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "task-graph.yaml")
	if err := os.WriteFile(path, []byte(yamlGraph), 0o644); err != nil {
		t.Fatal(err)
	}

	g, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if g.MaxLevel() != 2 {
		t.Errorf("MaxLevel() = %d, want 2", g.MaxLevel())
	}

	if _, err := LoadFile(filepath.Join(dir, "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestGraphHelpers(t *testing.T) {
	g := &Graph{Tasks: []Task{
		task("C", 3, "B"),
		task("A", 1),
		task("B", 2, "A"),
		task("B2", 2, "A"),
	}}

	levels := g.LevelNumbers()
	if len(levels) != 3 || levels[0] != 1 || levels[2] != 3 {
		t.Errorf("LevelNumbers() = %v", levels)
	}
	if at2 := g.TasksAtLevel(2); len(at2) != 2 || at2[0].ID != "B" {
		t.Errorf("TasksAtLevel(2) = %v", at2)
	}
	deps := g.Dependents()
	if len(deps["A"]) != 2 || len(deps["B"]) != 1 || len(deps["C"]) != 0 {
		t.Errorf("Dependents() = %v", deps)
	}
	if _, ok := g.Task("Z"); ok {
		t.Error("Task(Z) should not exist")
	}
	if (&Graph{}).MaxLevel() != 0 {
		t.Error("empty graph MaxLevel should be 0")
	}
}

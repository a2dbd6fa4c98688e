package assign

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/Iron-Ham/ladder/internal/errors"
	"github.com/Iron-Ham/ladder/internal/taskgraph"
	"github.com/zeebo/blake3"
)

// Plan is the persisted assignment artifact for one feature.
type Plan struct {
	Feature     string       `json:"feature"`
	WorkerCount int          `json:"worker_count"`
	Strategy    string       `json:"strategy,omitempty"`
	GraphDigest string       `json:"graph_digest,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	Assignments []Assignment `json:"assignments"`
}

// NewPlan runs strategy over g and wraps the result with the graph digest.
func NewPlan(g *taskgraph.Graph, workerCount int, strategy Strategy, now time.Time) (*Plan, error) {
	assignments, err := strategy.Assign(g, workerCount)
	if err != nil {
		return nil, err
	}
	digest, err := GraphDigest(g)
	if err != nil {
		return nil, err
	}
	return &Plan{
		Feature:     g.Feature,
		WorkerCount: workerCount,
		Strategy:    strategy.Name(),
		GraphDigest: digest,
		CreatedAt:   now.UTC(),
		Assignments: assignments,
	}, nil
}

// WorkerOf returns the worker task is assigned to.
func (p *Plan) WorkerOf(taskID string) (int, bool) {
	for _, a := range p.Assignments {
		if a.TaskID == taskID {
			return a.WorkerID, true
		}
	}
	return 0, false
}

// TasksFor returns the task ids assigned to workerID, in plan order.
func (p *Plan) TasksFor(workerID int) []string {
	var out []string
	for _, a := range p.Assignments {
		if a.WorkerID == workerID {
			out = append(out, a.TaskID)
		}
	}
	return out
}

// Loads returns each worker's total estimate. A level of zero sums every
// level.
func (p *Plan) Loads(level int) []float64 {
	loads := make([]float64, p.WorkerCount)
	for _, a := range p.Assignments {
		if level != 0 && a.Level != level {
			continue
		}
		if a.WorkerID >= 0 && a.WorkerID < len(loads) {
			loads[a.WorkerID] += a.EstimatedMinutes
		}
	}
	return loads
}

// Stale reports whether g differs from the graph the plan was built from.
func (p *Plan) Stale(g *taskgraph.Graph) (bool, error) {
	digest, err := GraphDigest(g)
	if err != nil {
		return false, err
	}
	return digest != p.GraphDigest, nil
}

// Reassignment records one task moved by Rebalance.
type Reassignment struct {
	TaskID string `json:"task_id"`
	From   int    `json:"from"`
	To     int    `json:"to"`
}

// Rebalance re-offers the failed tasks of currentLevel to the active
// workers, longest first, each to the worker with the least remaining load
// at that level. Remaining load counts the level's assignments that are
// neither completed nor failed. Only moves that change the worker are
// applied to p and returned.
func Rebalance(p *Plan, completed, failed []string, currentLevel int, activeWorkers []int) []Reassignment {
	if len(activeWorkers) == 0 || len(failed) == 0 {
		return nil
	}
	done := toSet(completed)
	failedSet := toSet(failed)

	maxID := 0
	for _, id := range activeWorkers {
		if id > maxID {
			maxID = id
		}
	}
	for _, a := range p.Assignments {
		if a.WorkerID > maxID {
			maxID = a.WorkerID
		}
	}
	loads := make([]float64, maxID+1)

	var retry []int
	for i, a := range p.Assignments {
		if a.Level != currentLevel || done[a.TaskID] {
			continue
		}
		if failedSet[a.TaskID] {
			retry = append(retry, i)
			continue
		}
		loads[a.WorkerID] += a.EstimatedMinutes
	}

	sort.SliceStable(retry, func(i, j int) bool {
		a, b := p.Assignments[retry[i]], p.Assignments[retry[j]]
		if a.EstimatedMinutes != b.EstimatedMinutes {
			return a.EstimatedMinutes > b.EstimatedMinutes
		}
		return a.TaskID < b.TaskID
	})

	eligible := append([]int(nil), activeWorkers...)
	sort.Ints(eligible)

	var moves []Reassignment
	for _, i := range retry {
		a := &p.Assignments[i]
		to := leastLoaded(loads, eligible)
		loads[to] += a.EstimatedMinutes
		if to != a.WorkerID {
			moves = append(moves, Reassignment{TaskID: a.TaskID, From: a.WorkerID, To: to})
			a.WorkerID = to
		}
	}
	return moves
}

func toSet(ids []string) map[string]bool {
	s := make(map[string]bool, len(ids))
	for _, id := range ids {
		s[id] = true
	}
	return s
}

// GraphDigest returns a blake3 hex digest of g's scheduling-relevant
// content: task ids, levels, dependencies and estimates, in id order.
func GraphDigest(g *taskgraph.Graph) (string, error) {
	type entry struct {
		ID       string   `json:"id"`
		Level    int      `json:"level"`
		Deps     []string `json:"deps"`
		Estimate float64  `json:"estimate"`
	}
	entries := make([]entry, 0, len(g.Tasks))
	for _, t := range g.Tasks {
		deps := append([]string{}, t.Dependencies...)
		sort.Strings(deps)
		entries = append(entries, entry{ID: t.ID, Level: t.Level, Deps: deps, Estimate: t.Estimate()})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })

	canonical, err := json.Marshal(entries)
	if err != nil {
		return "", fmt.Errorf("canonicalize graph: %w", err)
	}
	hasher := blake3.New()
	if _, err := hasher.Write(canonical); err != nil {
		return "", fmt.Errorf("hash graph: %w", err)
	}
	return fmt.Sprintf("%x", hasher.Sum(nil)), nil
}

// SavePlan writes p to path atomically.
func SavePlan(path string, p *Plan) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("encode plan: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create plan directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write plan: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename plan: %w", err)
	}
	return nil
}

// LoadPlan reads a plan written by SavePlan.
func LoadPlan(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewNotFoundError("plan", path)
		}
		return nil, fmt.Errorf("read plan: %w", err)
	}
	var p Plan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, errors.NewValidationError("decode plan").WithField("path").WithValue(path).WithCause(err)
	}
	if p.WorkerCount < 1 {
		return nil, errors.NewValidationError("plan has no workers").WithField("worker_count").WithValue(p.WorkerCount)
	}
	return &p, nil
}

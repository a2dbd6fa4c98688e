package dashboard

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Iron-Ham/ladder/internal/statestore"
	"github.com/charmbracelet/lipgloss"
	"github.com/gobwas/glob"
)

// Options controls Render.
type Options struct {
	// Filter keeps only tasks whose id matches. Nil keeps every task.
	Filter glob.Glob
	// Plain disables colors and borders.
	Plain bool
	// Events is how many trailing execution log entries to show.
	Events int
}

// CompileFilter compiles a task id glob such as "auth-*". An empty pattern
// yields a nil filter.
func CompileFilter(pattern string) (glob.Glob, error) {
	if pattern == "" {
		return nil, nil
	}
	return glob.Compile(pattern)
}

// Render formats a state document for the terminal.
func Render(st *statestore.State, opts Options) string {
	p := styledPalette()
	if opts.Plain {
		p = plainPalette()
	}

	var b strings.Builder
	b.WriteString(renderHeader(st, p))
	b.WriteString("\n\n")
	b.WriteString(p.section.Render("Levels"))
	b.WriteString("\n")
	b.WriteString(renderLevels(st, p))
	b.WriteString("\n")
	b.WriteString(p.section.Render("Tasks"))
	b.WriteString("\n")
	b.WriteString(renderTasks(st, opts.Filter, p))
	b.WriteString("\n")
	b.WriteString(p.section.Render("Workers"))
	b.WriteString("\n")
	b.WriteString(renderWorkers(st, p))
	if opts.Events > 0 {
		b.WriteString("\n")
		b.WriteString(p.section.Render("Recent events"))
		b.WriteString("\n")
		b.WriteString(renderEvents(st, opts.Events, p))
	}
	return b.String()
}

func renderHeader(st *statestore.State, p palette) string {
	line := p.title.Render("ladder · "+st.Feature) + "  " +
		p.muted.Render(fmt.Sprintf("level %d", st.CurrentLevel))
	if st.Paused {
		line += "  " + p.warning.Render("PAUSED")
	}
	if !st.StartedAt.IsZero() {
		line += "  " + p.muted.Render("started "+st.StartedAt.Format(time.RFC3339))
	}
	if st.Error != nil {
		line += "\n" + p.err.Render("error: "+*st.Error)
	}
	return line
}

// levelCounts tallies task statuses per level.
func levelCounts(st *statestore.State) map[int]map[statestore.TaskStatus]int {
	out := make(map[int]map[statestore.TaskStatus]int)
	for _, t := range st.Tasks {
		if out[t.Level] == nil {
			out[t.Level] = make(map[statestore.TaskStatus]int)
		}
		out[t.Level][t.Status]++
	}
	return out
}

func renderLevels(st *statestore.State, p palette) string {
	counts := levelCounts(st)
	levels := make(map[int]bool)
	for n := range st.Levels {
		levels[n] = true
	}
	for n := range counts {
		if n > 0 {
			levels[n] = true
		}
	}
	if len(levels) == 0 {
		return p.muted.Render("  no levels") + "\n"
	}
	nums := make([]int, 0, len(levels))
	for n := range levels {
		nums = append(nums, n)
	}
	sort.Ints(nums)

	var b strings.Builder
	for _, n := range nums {
		status, merge := string(statestore.LevelPending), string(statestore.MergePending)
		if l := st.Levels[n]; l != nil {
			status, merge = string(l.Status), string(l.MergeStatus)
		}
		total := 0
		for _, c := range counts[n] {
			total += c
		}
		marker := " "
		if n == st.CurrentLevel {
			marker = "▸"
		}
		fmt.Fprintf(&b, "%s L%-3d %s merge %s %d/%d complete\n",
			marker, n,
			pad(p.status(status), 12),
			pad(p.status(merge), 12),
			counts[n][statestore.TaskComplete], total)
	}
	return b.String()
}

func renderTasks(st *statestore.State, filter glob.Glob, p palette) string {
	ids := make([]string, 0, len(st.Tasks))
	for id := range st.Tasks {
		if filter == nil || filter.Match(id) {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return p.muted.Render("  no tasks") + "\n"
	}
	sort.Slice(ids, func(i, j int) bool {
		a, c := st.Tasks[ids[i]], st.Tasks[ids[j]]
		if a.Level != c.Level {
			return a.Level < c.Level
		}
		return ids[i] < ids[j]
	})

	width := 4
	for _, id := range ids {
		width = max(width, lipgloss.Width(id))
	}

	var b strings.Builder
	for _, id := range ids {
		t := st.Tasks[id]
		status := string(t.Status)
		worker := "-"
		if t.WorkerID != nil {
			worker = fmt.Sprintf("%d", *t.WorkerID)
		}
		fmt.Fprintf(&b, "  L%-3d %s %s %s worker %-3s retries %d",
			t.Level, statusIcon(status), pad(id, width), pad(p.status(status), 14), worker, t.RetryCount)
		if t.NextRetryAt != nil {
			b.WriteString(p.muted.Render("  next " + t.NextRetryAt.Format(time.Kitchen)))
		}
		if t.Error != "" {
			b.WriteString("  " + p.err.Render(truncate(t.Error, 60)))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func renderWorkers(st *statestore.State, p palette) string {
	if len(st.Workers) == 0 {
		return p.muted.Render("  no workers") + "\n"
	}
	ids := make([]int, 0, len(st.Workers))
	for id := range st.Workers {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	var b strings.Builder
	for _, id := range ids {
		w := st.Workers[id]
		task := w.CurrentTask
		if task == "" {
			task = "-"
		}
		fmt.Fprintf(&b, "  %-3d %s task %s\n", id, pad(p.status(string(w.Status)), 14), task)
	}
	return b.String()
}

func renderEvents(st *statestore.State, n int, p palette) string {
	events := st.ExecutionLog
	if len(events) > n {
		events = events[len(events)-n:]
	}
	if len(events) == 0 {
		return p.muted.Render("  no events") + "\n"
	}
	var b strings.Builder
	for _, e := range events {
		keys := make([]string, 0, len(e.Data))
		for k := range e.Data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", k, e.Data[k]))
		}
		fmt.Fprintf(&b, "  %s %s %s\n",
			p.muted.Render(e.Timestamp.Format(time.TimeOnly)), pad(e.Event, 18), truncate(strings.Join(parts, " "), 80))
	}
	return b.String()
}

// pad right-pads s to width visible cells.
func pad(s string, width int) string {
	if w := lipgloss.Width(s); w < width {
		return s + strings.Repeat(" ", width-w)
	}
	return s
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}

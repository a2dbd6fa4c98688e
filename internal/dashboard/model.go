// Package dashboard renders a feature's state document, either once for the
// status command or live in a bubbletea program that reloads whenever the
// document changes on disk.
package dashboard

import (
	"context"
	"fmt"
	"time"

	"github.com/Iron-Ham/ladder/internal/scheduler"
	"github.com/Iron-Ham/ladder/internal/statestore"
	tea "github.com/charmbracelet/bubbletea"
)

// RefreshInterval is the fallback reload period for filesystems that do not
// deliver change notifications.
const RefreshInterval = 2 * time.Second

// Model is the live dashboard.
type Model struct {
	store   *statestore.Store
	watcher *Watcher
	opts    Options

	state    *statestore.State
	err      error
	message  string
	loadedAt time.Time
	width    int
	height   int
}

// Messages

type stateMsg struct {
	state *statestore.State
	err   error
}

type changedMsg struct{}

type tickMsg time.Time

type pausedMsg struct {
	paused bool
	err    error
}

// NewModel creates a dashboard over store. watcher may be nil, in which case
// the model only reloads on its refresh tick.
func NewModel(store *statestore.Store, watcher *Watcher, opts Options) Model {
	if opts.Events == 0 {
		opts.Events = 8
	}
	return Model{store: store, watcher: watcher, opts: opts}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.load(), m.waitForChange(), tick())
}

func tick() tea.Cmd {
	return tea.Tick(RefreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Model) load() tea.Cmd {
	store := m.store
	return func() tea.Msg {
		st, err := store.Load(context.Background())
		return stateMsg{state: st, err: err}
	}
}

func (m Model) waitForChange() tea.Cmd {
	if m.watcher == nil {
		return nil
	}
	changes := m.watcher.Changes()
	return func() tea.Msg {
		<-changes
		return changedMsg{}
	}
}

func (m Model) togglePause() tea.Cmd {
	store := m.store
	paused := m.state != nil && m.state.Paused
	return func() tea.Msg {
		err := scheduler.SetPaused(context.Background(), store, !paused)
		return pausedMsg{paused: !paused, err: err}
	}
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, m.load()
		case "p":
			return m, m.togglePause()
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case stateMsg:
		m.err = msg.err
		if msg.err == nil {
			m.state = msg.state
			m.loadedAt = time.Now()
		}
		return m, nil

	case changedMsg:
		return m, tea.Batch(m.load(), m.waitForChange())

	case tickMsg:
		return m, tea.Batch(m.load(), tick())

	case pausedMsg:
		if msg.err != nil {
			m.message = "pause failed: " + msg.err.Error()
			return m, nil
		}
		m.message = "resumed"
		if msg.paused {
			m.message = "paused"
		}
		return m, m.load()
	}
	return m, nil
}

// View implements tea.Model.
func (m Model) View() string {
	p := styledPalette()
	if m.opts.Plain {
		p = plainPalette()
	}
	if m.state == nil {
		if m.err != nil {
			return p.err.Render("failed to load state: "+m.err.Error()) + "\n"
		}
		return p.muted.Render("loading…") + "\n"
	}

	body := Render(m.state, m.opts)
	if !p.plain && m.width > 4 {
		body = p.box.Width(m.width - 4).Render(body)
	}

	footer := p.muted.Render(fmt.Sprintf("updated %s · r reload · p pause/resume · q quit",
		m.loadedAt.Format(time.TimeOnly)))
	if m.message != "" {
		footer = p.warning.Render(m.message) + "  " + footer
	}
	if m.err != nil {
		footer = p.err.Render("reload failed: "+m.err.Error()) + "\n" + footer
	}
	return body + "\n" + footer + "\n"
}

// Run shows the dashboard for the document at path until the user quits or
// ctx ends.
func Run(ctx context.Context, store *statestore.Store, path string, opts Options) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	watcher, err := NewWatcher(path, store.Logger())
	if err != nil {
		store.Logger().Warn("state watcher unavailable, polling instead", "error", err)
		watcher = nil
	} else {
		defer func() { _ = watcher.Close() }()
		go watcher.Run(ctx)
	}

	_, err = tea.NewProgram(NewModel(store, watcher, opts), tea.WithAltScreen(), tea.WithContext(ctx)).Run()
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

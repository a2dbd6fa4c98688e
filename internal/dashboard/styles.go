package dashboard

import "github.com/charmbracelet/lipgloss"

var (
	// Colors meet WCAG AA contrast on dark terminals.
	primaryColor = lipgloss.Color("#A78BFA") // Purple
	successColor = lipgloss.Color("#10B981") // Green
	warningColor = lipgloss.Color("#F59E0B") // Amber
	errorColor   = lipgloss.Color("#F87171") // Red
	mutedColor   = lipgloss.Color("#9CA3AF") // Gray
	infoColor    = lipgloss.Color("#60A5FA") // Blue
	borderColor  = lipgloss.Color("#6B7280") // Gray
)

// palette holds the styles used by the renderer. The plain palette renders
// text unchanged for pipes and log files.
type palette struct {
	plain   bool
	title   lipgloss.Style
	section lipgloss.Style
	muted   lipgloss.Style
	warning lipgloss.Style
	err     lipgloss.Style
	box     lipgloss.Style
}

func styledPalette() palette {
	return palette{
		title:   lipgloss.NewStyle().Bold(true).Foreground(primaryColor),
		section: lipgloss.NewStyle().Bold(true).Foreground(infoColor),
		muted:   lipgloss.NewStyle().Foreground(mutedColor),
		warning: lipgloss.NewStyle().Bold(true).Foreground(warningColor),
		err:     lipgloss.NewStyle().Foreground(errorColor),
		box: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(borderColor).
			Padding(0, 1),
	}
}

func plainPalette() palette {
	s := lipgloss.NewStyle()
	return palette{plain: true, title: s, section: s, muted: s, warning: s, err: s, box: s}
}

// status styles a status value with its color.
func (p palette) status(status string) string {
	if p.plain {
		return status
	}
	return lipgloss.NewStyle().Foreground(statusColor(status)).Render(status)
}

// statusColor returns the color for a task, level, merge or worker status.
func statusColor(status string) lipgloss.Color {
	switch status {
	case "complete", "ready", "stopped":
		return successColor
	case "in_progress", "running", "claimed":
		return primaryColor
	case "waiting_retry", "conflict", "blocked", "stalled", "stopping", "checkpointing":
		return warningColor
	case "failed", "crashed":
		return errorColor
	case "idle", "initializing":
		return infoColor
	default:
		return mutedColor
	}
}

// statusIcon returns a one-cell marker for a task status.
func statusIcon(status string) string {
	switch status {
	case "complete":
		return "✓"
	case "in_progress":
		return "●"
	case "claimed":
		return "◐"
	case "waiting_retry":
		return "↻"
	case "failed":
		return "✗"
	default:
		return "○"
	}
}

package tui

import (
	"github.com/charmbracelet/lipgloss"
)

const (
	colorAccent  = lipgloss.Color("62")
	colorMuted   = lipgloss.Color("240")
	colorRunning = lipgloss.Color("214")
	colorDone    = lipgloss.Color("42")
	colorFailed  = lipgloss.Color("196")
	colorBlocked = lipgloss.Color("203")
)

var (
	StyleFocusedBorder   = pane(colorAccent)
	StyleUnfocusedBorder = pane(colorMuted)
)

var (
	StyleStatusRunning  = lipgloss.NewStyle().Foreground(colorRunning).Bold(true)
	StyleStatusComplete = lipgloss.NewStyle().Foreground(colorDone).Bold(true)
	StyleStatusFailed   = lipgloss.NewStyle().Foreground(colorFailed).Bold(true)
	StyleStatusBlocked  = lipgloss.NewStyle().Foreground(colorBlocked)
	StyleStatusPending  = lipgloss.NewStyle().Foreground(colorMuted)
)

var (
	StyleTitle    = lipgloss.NewStyle().Bold(true).Foreground(colorAccent).Padding(0, 1)
	StyleHelp     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	StyleSelected = lipgloss.NewStyle().Background(colorAccent).Foreground(lipgloss.Color("0"))
)

func pane(border lipgloss.Color) lipgloss.Style {
	return lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(border)
}

// stateStyle returns the style a task state is drawn in.
func stateStyle(state string) lipgloss.Style {
	switch state {
	case "running":
		return StyleStatusRunning
	case "completed":
		return StyleStatusComplete
	case "failed":
		return StyleStatusFailed
	case "blocked":
		return StyleStatusBlocked
	default:
		return StyleStatusPending
	}
}

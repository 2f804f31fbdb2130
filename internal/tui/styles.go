package tui

import (
	"github.com/charmbracelet/lipgloss"
)

var (
	StyleFocusedBorder   = borderStyle("62")
	StyleUnfocusedBorder = borderStyle("240")
)

// Task status colours, keyed by the status strings carried in events.
var (
	StyleStatusRunning   = statusStyle("yellow", true)
	StyleStatusComplete  = statusStyle("green", true)
	StyleStatusFailed    = statusStyle("red", true)
	StyleStatusCancelled = statusStyle("magenta", false)
	StyleStatusPending   = statusStyle("240", false)
)

var (
	StyleTitle    = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	StyleHelp     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	StyleSelected = lipgloss.NewStyle().Background(lipgloss.Color("62")).Foreground(lipgloss.Color("0"))
)

func borderStyle(color string) lipgloss.Style {
	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color(color))
}

func statusStyle(color string, bold bool) lipgloss.Style {
	return lipgloss.NewStyle().Foreground(lipgloss.Color(color)).Bold(bold)
}

// StyleForStatus returns the colour used for a task status.
func StyleForStatus(status string) lipgloss.Style {
	switch status {
	case "in_progress":
		return StyleStatusRunning
	case "completed":
		return StyleStatusComplete
	case "failed":
		return StyleStatusFailed
	case "cancelled":
		return StyleStatusCancelled
	default:
		return StyleStatusPending
	}
}

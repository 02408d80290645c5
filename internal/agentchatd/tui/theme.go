// Package tui renders the operator dashboard: a terminal view over the
// admin HTTP API's sessions, channels, disputes, and audit log.
package tui

import "github.com/charmbracelet/lipgloss"

// Colors.
var (
	ColorPrimary = lipgloss.Color("#22D3EE") // cyan
	ColorAccent  = lipgloss.Color("#A78BFA") // violet

	ColorSuccess = lipgloss.Color("#10B981")
	ColorWarning = lipgloss.Color("#F59E0B")
	ColorError   = lipgloss.Color("#EF4444")
	ColorMuted   = lipgloss.Color("#6B7280")
	ColorText    = lipgloss.Color("#E5E7EB")
	ColorSubtle  = lipgloss.Color("#9CA3AF")
)

var (
	Title = lipgloss.NewStyle().Bold(true).Foreground(ColorPrimary)

	Subtitle = lipgloss.NewStyle().Bold(true).Foreground(ColorAccent)

	Description = lipgloss.NewStyle().Foreground(ColorSubtle)

	Selected = lipgloss.NewStyle().Foreground(ColorPrimary).Bold(true)

	Dimmed = lipgloss.NewStyle().Foreground(ColorMuted)

	Success = lipgloss.NewStyle().Foreground(ColorSuccess)

	ErrorStyle = lipgloss.NewStyle().Foreground(ColorError)

	WarningStyle = lipgloss.NewStyle().Foreground(ColorWarning)

	Help = lipgloss.NewStyle().Foreground(ColorMuted)

	ActiveDot   = lipgloss.NewStyle().Foreground(ColorSuccess).Render("●")
	InactiveDot = lipgloss.NewStyle().Foreground(ColorError).Render("●")
)

// StatusDot returns a colored dot for the relay's reachability.
func StatusDot(reachable bool) string {
	if reachable {
		return ActiveDot
	}
	return InactiveDot
}

// StatusText returns a colored status label.
func StatusText(reachable bool) string {
	if reachable {
		return Success.Render("connected")
	}
	return ErrorStyle.Render("unreachable")
}

// DisputePhaseStyle colors a dispute phase by how settled it is.
func DisputePhaseStyle(phase string) lipgloss.Style {
	switch phase {
	case "resolved":
		return lipgloss.NewStyle().Foreground(ColorSuccess)
	case "voided", "fallback":
		return lipgloss.NewStyle().Foreground(ColorWarning)
	default:
		return lipgloss.NewStyle().Foreground(ColorAccent)
	}
}

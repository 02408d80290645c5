package tui

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

type sessionsModel struct {
	items  []SessionInfo
	cursor int
}

func newSessionsPanel() sessionsModel {
	return sessionsModel{}
}

func (s *sessionsModel) set(items []SessionInfo) {
	s.items = items
	if s.cursor >= len(s.items) {
		s.cursor = max(0, len(s.items)-1)
	}
}

func (s sessionsModel) Update(msg tea.Msg) (sessionsModel, tea.Cmd) {
	if key, ok := msg.(tea.KeyMsg); ok {
		switch key.String() {
		case "j", "down":
			if s.cursor < len(s.items)-1 {
				s.cursor++
			}
		case "k", "up":
			if s.cursor > 0 {
				s.cursor--
			}
		case "G":
			s.cursor = max(0, len(s.items)-1)
		case "g":
			s.cursor = 0
		}
	}
	return s, nil
}

func (s sessionsModel) View() string {
	if len(s.items) == 0 {
		return Dimmed.Render("  No connected agents")
	}

	headerStyle := lipgloss.NewStyle().Foreground(ColorSubtle).Bold(true)
	header := fmt.Sprintf("  %-18s %-20s %-12s %s",
		headerStyle.Render("AGENT ID"),
		headerStyle.Render("NAME"),
		headerStyle.Render("KIND"),
		headerStyle.Render("STATUS"),
	)

	rows := header + "\n"
	for i, sess := range s.items {
		cursor := "  "
		style := lipgloss.NewStyle()
		if i == s.cursor {
			cursor = Selected.Render("> ")
			style = style.Bold(true)
		}

		kind := "ephemeral"
		if sess.Persistent {
			kind = "persistent"
		}

		rows += cursor + fmt.Sprintf("%-18s %-20s %-12s %s\n",
			style.Render(sess.AgentID), style.Render(sess.Name), style.Render(kind), style.Render(sess.Status))
	}
	return rows
}

func (s sessionsModel) height() int {
	return min(len(s.items)+2, 12)
}

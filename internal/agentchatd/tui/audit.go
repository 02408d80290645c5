package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
)

const maxAuditLines = 1000

type auditModel struct {
	viewport   viewport.Model
	lines      []string
	autoScroll bool
}

func newAuditPanel() auditModel {
	return auditModel{viewport: viewport.New(80, 10), autoScroll: true}
}

func (a *auditModel) setSize(width, height int) {
	a.viewport.Width = width
	a.viewport.Height = height
}

func (a *auditModel) set(events []AuditEvent) {
	lines := make([]string, 0, len(events))
	// events arrive newest-first; render oldest-first so it reads top to bottom.
	for i := len(events) - 1; i >= 0; i-- {
		e := events[i]
		lines = append(lines, fmt.Sprintf("  %s  %-20s %-12s %s",
			e.CreatedAt.Format("15:04:05"), e.Actor, e.Action, string(e.Detail)))
	}
	if len(lines) > maxAuditLines {
		lines = lines[len(lines)-maxAuditLines:]
	}
	a.lines = lines
	a.viewport.SetContent(strings.Join(a.lines, "\n"))
	if a.autoScroll {
		a.viewport.GotoBottom()
	}
}

func (a auditModel) Update(msg tea.Msg) (auditModel, tea.Cmd) {
	if key, ok := msg.(tea.KeyMsg); ok {
		switch key.String() {
		case "G":
			a.autoScroll = true
			a.viewport.GotoBottom()
			return a, nil
		case "g":
			a.autoScroll = false
			a.viewport.GotoTop()
			return a, nil
		case "j", "down", "k", "up":
			a.autoScroll = false
		}
	}
	var cmd tea.Cmd
	a.viewport, cmd = a.viewport.Update(msg)
	return a, cmd
}

func (a auditModel) View() string {
	return a.viewport.View()
}

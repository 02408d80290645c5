package tui

import (
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Panel identifies which dashboard panel is focused.
type Panel int

const (
	PanelSessions Panel = iota
	PanelDisputes
	PanelAudit
)

// Model is the root dashboard TUI model.
type Model struct {
	header   headerModel
	sessions sessionsModel
	disputes disputesModel
	audit    auditModel
	help     helpModel

	activePanel Panel
	width       int
	height      int
	quitting    bool
}

// NewModel creates a dashboard model for the given admin API address.
func NewModel(addr string) Model {
	return Model{
		header:   newHeader(addr, Health{}),
		sessions: newSessionsPanel(),
		disputes: newDisputesPanel(),
		audit:    newAuditPanel(),
		help:     newHelp(),
	}
}

// HealthMsg carries a fresh health poll result (or its failure).
type HealthMsg struct {
	Health Health
	Err    error
}

// SessionsMsg carries a fresh session list.
type SessionsMsg struct{ Sessions []SessionInfo }

// DisputesMsg carries a fresh dispute list.
type DisputesMsg struct{ Disputes []DisputeInfo }

// AuditMsg carries a fresh audit log page.
type AuditMsg struct{ Events []AuditEvent }

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.audit.setSize(msg.Width-4, m.auditHeight())
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, key.NewBinding(key.WithKeys("ctrl+c", "q"))):
			m.quitting = true
			return m, tea.Quit
		case key.Matches(msg, key.NewBinding(key.WithKeys("tab"))):
			m.activePanel = (m.activePanel + 1) % 3
			return m, nil
		case key.Matches(msg, key.NewBinding(key.WithKeys("?"))):
			m.help.toggle()
			return m, nil
		}

	case HealthMsg:
		m.header.update(msg.Health, msg.Err)
		return m, nil

	case SessionsMsg:
		m.sessions.set(msg.Sessions)
		return m, nil

	case DisputesMsg:
		m.disputes.set(msg.Disputes)
		return m, nil

	case AuditMsg:
		m.audit.set(msg.Events)
		return m, nil
	}

	var cmd tea.Cmd
	switch m.activePanel {
	case PanelSessions:
		m.sessions, cmd = m.sessions.Update(msg)
	case PanelDisputes:
		m.disputes, cmd = m.disputes.Update(msg)
	case PanelAudit:
		m.audit, cmd = m.audit.Update(msg)
	}
	return m, cmd
}

func (m Model) View() string {
	if m.help.visible {
		return m.help.View()
	}
	if m.width == 0 {
		return "loading..."
	}

	headerView := m.header.View(m.width)

	panelStyle := func(focused bool) lipgloss.Style {
		s := lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Width(m.width - 2)
		if focused {
			return s.BorderForeground(ColorPrimary)
		}
		return s.BorderForeground(ColorMuted)
	}

	sessView := panelStyle(m.activePanel == PanelSessions).Render(
		Subtitle.Render(" Sessions") + "\n" + m.sessions.View(),
	)
	dispView := panelStyle(m.activePanel == PanelDisputes).Render(
		Subtitle.Render(" Disputes") + "\n" + m.disputes.View(),
	)
	auditView := panelStyle(m.activePanel == PanelAudit).Render(
		Subtitle.Render(" Audit Log") + "\n" + m.audit.View(),
	)

	return lipgloss.JoinVertical(lipgloss.Left,
		headerView, sessView, dispView, auditView, m.help.bar(),
	)
}

// Quitting returns true if the user quit.
func (m Model) Quitting() bool { return m.quitting }

func (m Model) auditHeight() int {
	used := 6 + m.sessions.height() + m.disputes.height() + 8
	h := m.height - used
	if h < 5 {
		h = 5
	}
	return h
}

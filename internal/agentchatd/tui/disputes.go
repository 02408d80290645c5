package tui

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

type disputesModel struct {
	items  []DisputeInfo
	cursor int
}

func newDisputesPanel() disputesModel {
	return disputesModel{}
}

func (d *disputesModel) set(items []DisputeInfo) {
	d.items = items
	if d.cursor >= len(d.items) {
		d.cursor = max(0, len(d.items)-1)
	}
}

func (d disputesModel) Update(msg tea.Msg) (disputesModel, tea.Cmd) {
	if key, ok := msg.(tea.KeyMsg); ok {
		switch key.String() {
		case "j", "down":
			if d.cursor < len(d.items)-1 {
				d.cursor++
			}
		case "k", "up":
			if d.cursor > 0 {
				d.cursor--
			}
		case "G":
			d.cursor = max(0, len(d.items)-1)
		case "g":
			d.cursor = 0
		}
	}
	return d, nil
}

func (d disputesModel) View() string {
	if len(d.items) == 0 {
		return Dimmed.Render("  No disputes filed")
	}

	headerStyle := lipgloss.NewStyle().Foreground(ColorSubtle).Bold(true)
	header := fmt.Sprintf("  %-10s %-14s %-14s %-12s %s",
		headerStyle.Render("ID"),
		headerStyle.Render("DISPUTANT"),
		headerStyle.Render("RESPONDENT"),
		headerStyle.Render("PHASE"),
		headerStyle.Render("VERDICT"),
	)

	rows := header + "\n"
	for i, disp := range d.items {
		cursor := "  "
		style := lipgloss.NewStyle()
		if i == d.cursor {
			cursor = Selected.Render("> ")
			style = style.Bold(true)
		}

		shortID := disp.ID
		if len(shortID) > 8 {
			shortID = shortID[:8]
		}

		phaseStyle := DisputePhaseStyle(disp.Phase)
		verdict := disp.Verdict
		if verdict == "" {
			verdict = "-"
		}

		rows += cursor + fmt.Sprintf("%-10s %-14s %-14s %-12s %s\n",
			style.Render(shortID), style.Render(disp.Disputant), style.Render(disp.Respondent),
			phaseStyle.Render(disp.Phase), style.Render(verdict))
	}
	return rows
}

func (d disputesModel) height() int {
	return min(len(d.items)+2, 10)
}

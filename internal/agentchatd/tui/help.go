package tui

import "github.com/charmbracelet/lipgloss"

type helpModel struct {
	visible bool
}

func newHelp() helpModel {
	return helpModel{}
}

func (h *helpModel) toggle() {
	h.visible = !h.visible
}

func (h helpModel) bar() string {
	return Help.Render("  q quit  Tab switch panel  j/k navigate  g/G top/bottom  ? help")
}

func (h helpModel) View() string {
	title := Title.Render("Keyboard Shortcuts") + "\n\n"

	binds := []struct{ key, desc string }{
		{"q / Ctrl+C", "Quit"},
		{"Tab", "Switch between Sessions, Disputes, and Audit panels"},
		{"j / Down", "Move down / scroll down"},
		{"k / Up", "Move up / scroll up"},
		{"G", "Jump to bottom"},
		{"g", "Jump to top"},
		{"?", "Toggle this help"},
	}

	keyStyle := lipgloss.NewStyle().Foreground(ColorAccent).Bold(true).Width(14)
	descStyle := lipgloss.NewStyle().Foreground(ColorText)

	s := title
	for _, b := range binds {
		s += "  " + keyStyle.Render(b.key) + descStyle.Render(b.desc) + "\n"
	}
	s += "\n" + Help.Render("  Press ? to close")
	return lipgloss.NewStyle().Padding(1, 2).Render(s)
}

package tui

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
)

type headerModel struct {
	addr   string
	health Health
	err    error
}

func newHeader(addr string, health Health) headerModel {
	return headerModel{addr: addr, health: health}
}

func (h *headerModel) update(health Health, err error) {
	h.health = health
	h.err = err
}

func (h headerModel) View(width int) string {
	left := Title.Render("AgentChat Dashboard")

	reachable := h.err == nil
	dot := StatusDot(reachable)
	statusLabel := StatusText(reachable)
	right := fmt.Sprintf("%s  %s %s", h.addr, dot, statusLabel)

	details := fmt.Sprintf("  Sessions: %d   Channels: %d   Disputes: %d (%d open)   Uptime: %ds",
		h.health.SessionCount, h.health.ChannelCount, h.health.DisputeCount, h.health.OpenDisputes, h.health.UptimeSeconds)

	headerStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorPrimary).
		Width(width - 2).
		Padding(0, 1)

	gap := width - lipgloss.Width(left) - lipgloss.Width(right) - 6
	if gap < 1 {
		gap = 1
	}
	firstRow := lipgloss.JoinHorizontal(lipgloss.Top,
		left,
		lipgloss.NewStyle().Width(gap).Render(""),
		right,
	)

	return headerStyle.Render(firstRow + "\n" + Description.Render(details))
}

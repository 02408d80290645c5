package tui

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// Attach logs into the admin API at addr and runs the dashboard TUI until
// the user quits.
func Attach(addr, username, password string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	client, err := NewClient(ctx, addr, username, password)
	cancel()
	if err != nil {
		return err
	}

	m := NewModel(addr)
	p := tea.NewProgram(m, tea.WithAltScreen())

	go pollLoop(p, client)

	finalModel, err := p.Run()
	if err != nil {
		return fmt.Errorf("dashboard error: %w", err)
	}
	_ = finalModel.(Model)
	return nil
}

// pollLoop refreshes every panel on its own ticker until the program exits.
func pollLoop(p *tea.Program, client *Client) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	refresh := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 4*time.Second)
		defer cancel()

		health, err := client.Health(ctx)
		p.Send(HealthMsg{Health: health, Err: err})

		if sessions, err := client.Sessions(ctx); err == nil {
			p.Send(SessionsMsg{Sessions: sessions})
		}
		if disputes, err := client.Disputes(ctx); err == nil {
			p.Send(DisputesMsg{Disputes: disputes})
		}
		if events, err := client.Audit(ctx); err == nil {
			p.Send(AuditMsg{Events: events})
		}
	}

	refresh()
	for range ticker.C {
		refresh()
	}
}

// Command agentchat-dashboard is a terminal dashboard for an operator: it
// logs into a running agentchatd's admin API and displays live sessions,
// disputes, and the audit log.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/agentchat/agentchat/internal/agentchatd/tui"
	"github.com/agentchat/agentchat/pkg/cli"
)

func main() {
	addr := flag.String("addr", "http://localhost:6667", "agentchatd admin API base URL")
	username := flag.String("username", "", "operator username")
	flag.Parse()

	user := *username
	prompter := cli.DefaultPrompter()
	if user == "" {
		user = prompter.Ask("Operator username", "admin")
	}
	password := prompter.AskPassword("Operator password")

	if err := tui.Attach(*addr, user, password); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

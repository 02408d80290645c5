// Command agentchatd runs the AgentChat relay: the agent-facing WebSocket
// endpoint and the operator HTTP API in one process.
package main

import (
	"fmt"
	"os"

	"github.com/agentchat/agentchat/internal/agentchatd/cli"
)

var version = "dev"

func main() {
	root := cli.NewRootCmd(version)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

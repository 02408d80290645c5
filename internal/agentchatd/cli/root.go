// Package cli implements the agentchatd command-line interface: run, init,
// and version subcommands, built on cobra.
package cli

import (
	"github.com/spf13/cobra"
)

var version = "dev"

// NewRootCmd creates the root cobra command for agentchatd. When invoked
// without a subcommand, it delegates to "run" for convenience.
func NewRootCmd(v string) *cobra.Command {
	version = v

	root := &cobra.Command{
		Use:   "agentchatd",
		Short: "AgentChat relay — agent chat, marketplace, and dispute server",
		Long:  "agentchatd serves the AgentChat wire protocol over WebSocket, along with the operator HTTP API for sessions, channels, disputes, and the audit log.",
		// Bare invocation (no subcommand) behaves as "run".
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, args)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(newInitCmd())
	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringP("config", "c", "", "path to config file")

	return root
}

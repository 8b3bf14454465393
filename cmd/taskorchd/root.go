// Command taskorchd is the thin process entrypoint for the task
// orchestrator: it loads configuration, initializes the workspace, wires
// the core packages together, and serves the webhook. Per SPEC_FULL.md §1
// the CLI surface and config file format are explicitly out of scope; this
// binary is deliberately shallow glue over internal/orchestrator.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "taskorchd",
	Short:         "AI-agent task orchestrator",
	Long:          `taskorchd turns chat-channel development requests into reviewed, tested code changes driven through an isolated worktree lifecycle.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "taskorch.json", "path to the orchestrator config file")
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

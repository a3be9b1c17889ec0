// Command hyperagent runs the agent orchestration backend: the task queue
// worker pool, the streaming HTTP API, and the supporting sandbox and skill
// infrastructure, all wired from one YAML config file.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "hyperagent",
		Short:         "Agentic orchestration backend",
		Long:          "hyperagent accepts user queries, routes them to task or research agents, drives tool-using model loops, and streams progress to clients.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newServeCommand())
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

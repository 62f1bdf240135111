// Package main provides the packbot CLI.
//
// Start the bot on the console:
//
//	packbot serve --config packbot.yaml
//
// Inspect the tools the model can call:
//
//	packbot tools
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build information, set via ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "packbot",
		Short: "packbot - pipeline driven chat bot with extension packs",
		Long: `packbot gates inbound chat messages through a stage pipeline, dispatches
commands to extension packs and answers everything else with a tool-calling
language model agent.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	root.AddCommand(
		buildServeCmd(),
		buildToolsCmd(),
		buildVersionCmd(),
		buildConfigCmd(),
	)

	return root
}

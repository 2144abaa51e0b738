// Orchd is a GitHub-driven orchestration daemon for autonomous coding agents.
//
// It polls a repository for issues labeled for orchestration, runs one agent
// turn per issue in an isolated git worktree, and walks each issue through a
// label state machine from queued to merged. A read-only HTTP server exposes
// live agents, tracked items, and the audit event log.
//
// Configuration comes from .orch/config.yaml overridden by ORCHD_* environment
// variables. See internal/config for details.
//
// Usage:
//
//	# Start the daemon against the configured repository
//	orchd run
//
//	# Use an explicit config file
//	orchd run --config /etc/orchd/config.yaml
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "orchd",
	Short: "GitHub-driven orchestration daemon for coding agents",
	Long: `orchd drives autonomous coding agents against a GitHub repository.

Issues carrying the tracking label are picked up, worked in isolated git
worktrees, opened as draft pull requests, and promoted or auto-merged once
checks pass. Issue labels are the durable state; orchd can be restarted at
any point and resumes from what the repository says.`,
	Version: version,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the orchestration daemon",
	Long: `Start the poll loop, the agent watchdog, and the status HTTP server,
and block until interrupted.

Examples:
  # Start with .orch/config.yaml in the working directory
  orchd run

  # Start with an explicit config file
  orchd run --config /etc/orchd/config.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon(cmd.Context(), configPath)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("orchd by Fyrsmith Labs\n")
		fmt.Printf("Version:    %s\n", version)
		fmt.Printf("Commit:     %s\n", gitCommit)
		fmt.Printf("Build Date: %s\n", buildDate)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default .orch/config.yaml)")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

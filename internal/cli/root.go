package cli

import (
	"github.com/spf13/cobra"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

var configPath string

var rootCmd = &cobra.Command{
	Use:   "conveyor",
	Short: "conveyor — PR-to-production pipeline orchestrator",
	Long: `conveyor promotes pull requests through verification gates and deployment
environments, from PR open to production release.

It runs a transactional state machine over PostgreSQL, dispatches external
CI workflows for gates and deploys, and launches autonomous coding agents
to repair critical test failures and merge conflicts.`,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config YAML (env vars override)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(statsCmd)
}

// Package cli is the gateway's command-line entrypoint: cobra commands for
// running the server, driving the retry/reconcile loop once, and applying
// the database schema.
package cli

import (
	"github.com/spf13/cobra"
)

var (
	buildVersion = "dev"
	buildCommit  = "none"
	buildDate    = "unknown"
)

// SetVersion is called from main to inject build-time version info.
func SetVersion(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date
}

var rootCmd = &cobra.Command{
	Use:   "smsgw",
	Short: "SMS gateway — multi-tenant conversation router",
	Long: `smsgw receives carrier SMS webhooks, routes known senders to an
agent runtime and unknown senders through an onboarding conversation, and
dispatches outbound replies with retry and per-user usage accounting.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to gateway.toml config file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(tickCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

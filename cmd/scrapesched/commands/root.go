// Package commands implements the scrapesched CLI using cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd builds the root command with every subcommand registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "scrapesched",
		Short: "Scheduled web-scraping job orchestrator",
		Long: `scrapesched runs recurring scraping jobs against a remote scraping
service, persists their run history, and exposes an HTTP API for
schedule management.

Examples:
  scrapesched serve
  scrapesched serve --config ./config.yaml`,
		Version: version,
	}

	rootCmd.AddCommand(
		newServeCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the config file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}

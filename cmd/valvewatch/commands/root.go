// Package commands implements the valvewatch CLI commands using cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command with all subcommands registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "valvewatch",
		Short: "valvewatch - WhatsApp D5 valve monitor",
		Long: `valvewatch watches a WhatsApp account for valve board photos from
whitelisted senders, asks Gemini whether valve D5 is open, and pushes the
verdict to a live dashboard.

Examples:
  valvewatch serve
  valvewatch serve --config ./valvewatch.yaml
  valvewatch status
  valvewatch logout`,
		Version: version,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newStatusCmd(),
		newLogoutCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}

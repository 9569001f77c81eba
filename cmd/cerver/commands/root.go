// Package commands implements the cerver CLI.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/ermiry/cerver/pkg/version"
)

var (
	// Global flags.
	cfgFile string
)

// rootCmd represents the base command when called without subcommands.
var rootCmd = &cobra.Command{
	Use:   "cerver",
	Short: "cerver - TCP server framework",
	Long: `cerver is a TCP server framework: long-lived client connections,
length-prefixed typed packets, per-type handlers with optional worker
queues, and a parallel admin plane for privileged inspection.

The start command runs the test-message echo server, the framework's
canonical example. Embedders import pkg/cerver directly.

Use "cerver [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the CLI. Called by main.main().
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default: $XDG_CONFIG_HOME/cerver/config.yaml)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(initCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		version.Print()
	},
}

// Package commands implements the imageiod daemon CLI.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/marmos91/imageiod/cmd/imageiod/commands/config"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "imageiod",
	Short: "imageiod - ticket-authorized disk image transfer daemon",
	Long: `imageiod serves disk images over HTTP. A management system installs
tickets on the control plane; each ticket grants a client access to one image
(a local file or block device, an NBD export, another imageiod, or an S3
object) for a limited time and a limited set of operations.

Use "imageiod [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $XDG_CONFIG_HOME/imageiod/config.yaml)")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(config.Cmd)
}

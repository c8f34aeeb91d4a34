// Package commands implements the imageioctl CLI.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/marmos91/imageiod/cmd/imageioctl/cmdutil"
	"github.com/marmos91/imageiod/cmd/imageioctl/commands/ticket"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "imageioctl",
	Short: "imageioctl - imageiod control and transfer client",
	Long: `imageioctl manages tickets on a running imageiod and moves disk
images to and from its data plane.

Ticket commands talk to the control plane, by default over the UNIX socket
/run/imageiod/control.sock. Transfer commands take an image URL such as
https://host:54322/images/<ticket-id>.

Use "imageioctl [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		cmdutil.Flags.Socket, _ = cmd.Flags().GetString("socket")
		cmdutil.Flags.Server, _ = cmd.Flags().GetString("server")
		cmdutil.Flags.Output, _ = cmd.Flags().GetString("output")
		cmdutil.Flags.NoColor, _ = cmd.Flags().GetBool("no-color")
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().String("socket", cmdutil.DefaultSocket, "Control plane UNIX socket")
	rootCmd.PersistentFlags().String("server", "", "Control plane URL (e.g. http://localhost:54324); overrides --socket")
	rootCmd.PersistentFlags().StringP("output", "o", "table", "Output format (table|json|yaml)")
	rootCmd.PersistentFlags().Bool("no-color", false, "Disable colored output")

	rootCmd.AddCommand(ticket.Cmd)
	rootCmd.AddCommand(downloadCmd)
	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(checksumCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(versionCmd)
}

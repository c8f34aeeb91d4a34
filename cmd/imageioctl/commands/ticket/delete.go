package ticket

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/marmos91/imageiod/cmd/imageioctl/cmdutil"
)

var (
	deleteTimeout time.Duration
	deleteForce   bool
)

var deleteCmd = &cobra.Command{
	Use:     "delete <id>",
	Aliases: []string{"rm", "remove"},
	Short:   "Remove a ticket",
	Long: `Remove a ticket. Active connections are cancelled; the daemon waits up
to --timeout for them to drain and fails with a conflict if they do not.
Without --timeout the daemon default is used.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		timeout := time.Duration(-1)
		if cmd.Flags().Changed("timeout") {
			timeout = deleteTimeout
		}
		w := cmd.OutOrStdout()
		return cmdutil.RunWithConfirmation(w, fmt.Sprintf("Remove ticket %s", id), deleteForce, func() error {
			if err := cmdutil.Client().RemoveTicket(cmd.Context(), id, timeout); err != nil {
				return fmt.Errorf("failed to remove ticket: %w", err)
			}
			cmdutil.PrintSuccess(w, fmt.Sprintf("Ticket %s removed", id))
			return nil
		})
	},
}

func init() {
	deleteCmd.Flags().DurationVar(&deleteTimeout, "timeout", 0, "Time to wait for connections to drain")
	deleteCmd.Flags().BoolVarP(&deleteForce, "force", "f", false, "Skip confirmation")
}

package ticket

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/marmos91/imageiod/cmd/imageioctl/cmdutil"
)

var extendTimeout time.Duration

var extendCmd = &cobra.Command{
	Use:   "extend <id>",
	Short: "Extend a ticket",
	Long: `Raise a ticket's timeout to --timeout, counted from now. A timeout that
is not larger than the current one leaves the ticket unchanged.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if extendTimeout < 0 {
			return fmt.Errorf("--timeout must not be negative")
		}
		info, err := cmdutil.Client().ExtendTicket(cmd.Context(), args[0], extendTimeout)
		if err != nil {
			return fmt.Errorf("failed to extend ticket: %w", err)
		}
		w := cmd.OutOrStdout()
		cmdutil.PrintSuccess(w, fmt.Sprintf("Ticket %s extended", info.ID))
		return cmdutil.PrintResource(w, info, detailTable{info: info, now: time.Now()})
	},
}

func init() {
	extendCmd.Flags().DurationVar(&extendTimeout, "timeout", 5*time.Minute, "New timeout, counted from now")
}

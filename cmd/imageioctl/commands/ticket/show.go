package ticket

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/marmos91/imageiod/cmd/imageioctl/cmdutil"
)

var showCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show ticket details",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		info, err := cmdutil.Client().GetTicket(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("failed to get ticket: %w", err)
		}
		return cmdutil.PrintResource(cmd.OutOrStdout(), info, detailTable{info: info, now: time.Now()})
	},
}

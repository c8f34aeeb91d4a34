package ticket

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/marmos91/imageiod/cmd/imageioctl/cmdutil"
	"github.com/marmos91/imageiod/internal/cli/output"
	"github.com/marmos91/imageiod/pkg/ticket"
)

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List tickets",
	Args:    cobra.NoArgs,
	RunE:    runList,
}

// listTable renders tickets one per row.
type listTable struct {
	tickets []ticket.Info
	now     time.Time
}

func (t listTable) Headers() []string {
	return []string{"ID", "STATE", "OPS", "SIZE", "CONNS", "TRANSFERRED", "EXPIRES"}
}

func (t listTable) Rows() [][]string {
	rows := make([][]string, 0, len(t.tickets))
	for _, i := range t.tickets {
		rows = append(rows, []string{
			i.ID,
			string(i.State),
			opsString(i.Ops),
			output.Bytes(i.Size),
			strconv.Itoa(i.Connections),
			output.Bytes(i.Transferred),
			output.Expires(i.Expires, t.now),
		})
	}
	return rows
}

func runList(cmd *cobra.Command, args []string) error {
	tickets, err := cmdutil.Client().ListTickets(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to list tickets: %w", err)
	}
	return cmdutil.PrintList(cmd.OutOrStdout(), tickets, len(tickets) == 0, "No tickets installed.",
		listTable{tickets: tickets, now: time.Now()})
}

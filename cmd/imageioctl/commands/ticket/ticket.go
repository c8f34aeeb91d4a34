// Package ticket implements the ticket management commands.
package ticket

import (
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/marmos91/imageiod/internal/cli/output"
	"github.com/marmos91/imageiod/pkg/ticket"
)

// Cmd is the parent command for ticket management.
var Cmd = &cobra.Command{
	Use:     "ticket",
	Aliases: []string{"tickets", "t"},
	Short:   "Manage image transfer tickets",
	Long: `Install, inspect, extend and remove tickets on the daemon.

Examples:
  imageioctl ticket add --url file:///var/lib/images/disk.raw --ops read,write
  imageioctl ticket list
  imageioctl ticket extend $TICKET --timeout 10m
  imageioctl ticket delete $TICKET`,
}

func init() {
	Cmd.AddCommand(addCmd)
	Cmd.AddCommand(showCmd)
	Cmd.AddCommand(listCmd)
	Cmd.AddCommand(extendCmd)
	Cmd.AddCommand(deleteCmd)
}

func opsString(ops []ticket.Op) string {
	s := make([]string, len(ops))
	for i, op := range ops {
		s[i] = string(op)
	}
	return strings.Join(s, ",")
}

// detailTable renders one ticket as field/value rows.
type detailTable struct {
	info *ticket.Info
	now  time.Time
}

func (t detailTable) Headers() []string { return []string{"FIELD", "VALUE"} }

func (t detailTable) Rows() [][]string {
	i := t.info
	rows := [][]string{
		{"ID", i.ID},
		{"URL", i.URL},
		{"Size", output.Bytes(i.Size)},
		{"Ops", opsString(i.Ops)},
		{"State", string(i.State)},
		{"Timeout", output.Seconds(i.Timeout)},
		{"Expires", output.Expires(i.Expires, t.now)},
		{"Connections", strconv.Itoa(i.Connections)},
		{"Idle", output.Seconds(i.IdleTime)},
		{"Transferred", output.Bytes(i.Transferred)},
		{"Sparse", strconv.FormatBool(i.Sparse)},
		{"Dirty", strconv.FormatBool(i.Dirty)},
	}
	if i.InactivityTimeout > 0 {
		rows = append(rows, []string{"Inactivity timeout", output.Seconds(i.InactivityTimeout)})
	}
	if i.TransferID != "" {
		rows = append(rows, []string{"Transfer ID", i.TransferID})
	}
	if i.Filename != "" {
		rows = append(rows, []string{"Filename", i.Filename})
	}
	if i.Canceled {
		rows = append(rows, []string{"Canceled", "true"})
	}
	return rows
}

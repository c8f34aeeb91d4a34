package commands

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/marmos91/imageiod/cmd/imageioctl/cmdutil"
	"github.com/marmos91/imageiod/internal/cli/output"
	"github.com/marmos91/imageiod/pkg/apiclient"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show daemon information",
	Long: `Show the daemon version, uptime, connection limit and a summary of the
installed tickets.`,
	RunE: runInfo,
}

type infoTable struct{ info *apiclient.DaemonInfo }

func (t infoTable) Headers() []string { return []string{"FIELD", "VALUE"} }

func (t infoTable) Rows() [][]string {
	states := make([]string, 0, len(t.info.ByState))
	for state, n := range t.info.ByState {
		states = append(states, fmt.Sprintf("%s=%d", state, n))
	}
	sort.Strings(states)

	return [][]string{
		{"Version", t.info.Version},
		{"Uptime", time.Since(t.info.StartedAt).Round(time.Second).String()},
		{"Max connections", strconv.Itoa(t.info.MaxConnections)},
		{"Connections", strconv.Itoa(t.info.Connections)},
		{"Tickets", strconv.Itoa(t.info.Tickets)},
		{"By state", strings.Join(states, " ")},
		{"Transferred", output.Bytes(t.info.Transferred)},
	}
}

func runInfo(cmd *cobra.Command, args []string) error {
	info, err := cmdutil.Client().Info(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to get daemon info: %w", err)
	}
	return cmdutil.PrintResource(cmd.OutOrStdout(), info, infoTable{info: info})
}

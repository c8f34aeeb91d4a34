package ticket

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/marmos91/imageiod/cmd/imageioctl/cmdutil"
	"github.com/marmos91/imageiod/internal/cli/prompt"
	"github.com/marmos91/imageiod/pkg/apiclient"
	"github.com/marmos91/imageiod/pkg/ticket"
)

var (
	addID                string
	addURL               string
	addSize              int64
	addOps               []string
	addTimeout           time.Duration
	addInactivityTimeout time.Duration
	addTransferID        string
	addFilename          string
	addSparse            bool
	addDirty             bool
)

var addCmd = &cobra.Command{
	Use:   "add [id]",
	Short: "Install a ticket",
	Long: `Install a ticket granting access to the image at --url. A random UUID is
used when no id is given. Adding an id that is already installed fails.

Supported URL schemes: file, nbd+unix, nbd, http(s) (another imageiod) and s3.

Examples:
  imageioctl ticket add --url file:///var/lib/images/disk.raw --ops read
  imageioctl ticket add 3f0c... --url nbd+unix:///export?socket=/run/nbd.sock --ops read,write,zero,flush --timeout 1h`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAdd,
}

func init() {
	addCmd.Flags().StringVar(&addID, "id", "", "Ticket id (alternative to the positional argument)")
	addCmd.Flags().StringVar(&addURL, "url", "", "Image URL (prompted when omitted)")
	addCmd.Flags().Int64Var(&addSize, "size", 0, "Image size in bytes (0 uses the backend size)")
	addCmd.Flags().StringSliceVar(&addOps, "ops", []string{string(ticket.OpRead)}, "Allowed operations (read,write,zero,flush)")
	addCmd.Flags().DurationVar(&addTimeout, "timeout", 5*time.Minute, "Ticket lifetime")
	addCmd.Flags().DurationVar(&addInactivityTimeout, "inactivity-timeout", 0, "Per-connection inactivity timeout (0 uses the daemon default)")
	addCmd.Flags().StringVar(&addTransferID, "transfer-id", "", "Transfer ID reported back to the management system")
	addCmd.Flags().StringVar(&addFilename, "filename", "", "File name suggested to browsers")
	addCmd.Flags().BoolVar(&addSparse, "sparse", true, "Report zero extents")
	addCmd.Flags().BoolVar(&addDirty, "dirty", false, "Report dirty extents")
}

func validateURL(s string) error {
	if s == "" {
		return errors.New("URL is required")
	}
	u, err := url.Parse(s)
	if err != nil {
		return err
	}
	if u.Scheme == "" {
		return errors.New("URL must have a scheme")
	}
	return nil
}

func runAdd(cmd *cobra.Command, args []string) error {
	id := addID
	if len(args) == 1 {
		if id != "" && id != args[0] {
			return fmt.Errorf("ticket id given twice: %q and --id %q", args[0], id)
		}
		id = args[0]
	}
	if id == "" {
		id = uuid.NewString()
	}

	imageURL := addURL
	if imageURL == "" {
		var err error
		if imageURL, err = prompt.Input("Image URL", validateURL); err != nil {
			return err
		}
	} else if err := validateURL(imageURL); err != nil {
		return fmt.Errorf("invalid --url: %w", err)
	}

	if addTimeout < time.Second {
		return fmt.Errorf("--timeout must be at least 1s")
	}

	ops := make([]ticket.Op, len(addOps))
	for i, op := range addOps {
		ops[i] = ticket.Op(op)
	}

	sparse := addSparse
	req := apiclient.TicketRequest{
		URL:               imageURL,
		Size:              addSize,
		Ops:               ops,
		Timeout:           int64(addTimeout / time.Second),
		InactivityTimeout: int64(addInactivityTimeout / time.Second),
		TransferID:        addTransferID,
		Filename:          addFilename,
		Sparse:            &sparse,
		Dirty:             addDirty,
	}

	info, err := cmdutil.Client().AddTicket(cmd.Context(), id, req)
	if err != nil {
		return fmt.Errorf("failed to add ticket: %w", err)
	}

	w := cmd.OutOrStdout()
	cmdutil.PrintSuccess(w, fmt.Sprintf("Ticket %s added", info.ID))
	return cmdutil.PrintResource(w, info, detailTable{info: info, now: time.Now()})
}

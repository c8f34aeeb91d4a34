package commands

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/marmos91/imageiod/cmd/imageioctl/cmdutil"
	"github.com/marmos91/imageiod/internal/cli/output"
	"github.com/marmos91/imageiod/pkg/apiclient"
	"github.com/marmos91/imageiod/pkg/checksum"
)

// transferFlags are shared by download, upload and checksum.
type transferFlags struct {
	bufferSize int
	timeout    time.Duration
	checksum   string
	caFile     string
	insecure   bool
	quiet      bool
}

var (
	downloadFlags transferFlags
	uploadFlags   transferFlags
)

func (f *transferFlags) register(cmd *cobra.Command, verify bool) {
	cmd.Flags().IntVar(&f.bufferSize, "buffer-size", 8<<20, "Request size in bytes")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 60*time.Second, "Timeout of each data plane request")
	cmd.Flags().StringVar(&f.caFile, "ca-file", "", "CA certificate used to verify the daemon")
	cmd.Flags().BoolVar(&f.insecure, "insecure", false, "Skip TLS certificate verification")
	if verify {
		cmd.Flags().StringVar(&f.checksum, "checksum", "", fmt.Sprintf("Verify the transfer with this algorithm %v", checksum.Algorithms))
		cmd.Flags().BoolVarP(&f.quiet, "quiet", "q", false, "Do not show progress")
	}
}

func (f *transferFlags) options(w io.Writer, label string) apiclient.TransferOptions {
	opts := apiclient.TransferOptions{
		BufferSize:         f.bufferSize,
		Timeout:            f.timeout,
		Checksum:           f.checksum,
		CAFile:             f.caFile,
		InsecureSkipVerify: f.insecure,
	}
	if !f.quiet && cmdutil.Flags.Output == "table" {
		opts.Progress = output.NewProgress(w, label).Update
	}
	return opts
}

var downloadCmd = &cobra.Command{
	Use:   "download <image-url> <file>",
	Short: "Download an image to a local file",
	Long: `Download the image behind a ticket into a local file. The file is
created or truncated and zero extents are left as holes.

Examples:
  imageioctl download https://host:54322/images/$TICKET disk.raw
  imageioctl download --checksum sha256 --ca-file ca.pem https://host:54322/images/$TICKET disk.raw`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		stats, err := apiclient.Download(cmd.Context(), args[0], args[1], downloadFlags.options(cmd.ErrOrStderr(), "download"))
		if err != nil {
			return fmt.Errorf("download failed: %w", err)
		}
		return printStats(cmd.OutOrStdout(), "Downloaded", stats)
	},
}

var uploadCmd = &cobra.Command{
	Use:   "upload <file> <image-url>",
	Short: "Upload a local file to an image",
	Long: `Upload a local file to the image behind a ticket. Data extents are
written, zero extents are zeroed on the daemon, and the image is flushed at
the end. The ticket must allow write (and zero when the file has holes).

Examples:
  imageioctl upload disk.raw https://host:54322/images/$TICKET
  imageioctl upload --checksum blake2b disk.raw https://host:54322/images/$TICKET`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		stats, err := apiclient.Upload(cmd.Context(), args[0], args[1], uploadFlags.options(cmd.ErrOrStderr(), "upload"))
		if err != nil {
			return fmt.Errorf("upload failed: %w", err)
		}
		return printStats(cmd.OutOrStdout(), "Uploaded", stats)
	},
}

type statsTable struct{ stats *apiclient.TransferStats }

func (t statsTable) Headers() []string { return []string{"FIELD", "VALUE"} }

func (t statsTable) Rows() [][]string {
	rows := [][]string{
		{"Size", output.Bytes(t.stats.Size)},
		{"Data", output.Bytes(t.stats.Data)},
		{"Zero", output.Bytes(t.stats.Zero)},
		{"Duration", t.stats.Duration.Round(time.Millisecond).String()},
	}
	if t.stats.Checksum != "" {
		rows = append(rows, []string{"Checksum", t.stats.Checksum})
	}
	return rows
}

func printStats(w io.Writer, verb string, stats *apiclient.TransferStats) error {
	cmdutil.PrintSuccess(w, fmt.Sprintf("%s %s in %s", verb, output.Bytes(stats.Size), stats.Duration.Round(time.Millisecond)))
	return cmdutil.PrintResource(w, stats, statsTable{stats: stats})
}

var (
	checksumAlgorithm string
	checksumFile      string
	checksumFlags     transferFlags
)

var checksumCmd = &cobra.Command{
	Use:   "checksum <image-url>",
	Short: "Compute the checksum of an image",
	Long: `Ask the daemon for the checksum of the image behind a ticket. With
--file the checksum of a local file is computed too and compared.

Examples:
  imageioctl checksum https://host:54322/images/$TICKET
  imageioctl checksum --algorithm sha256 --file disk.raw https://host:54322/images/$TICKET`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		remote, err := apiclient.Checksum(ctx, args[0], checksumAlgorithm, checksumFlags.options(cmd.ErrOrStderr(), ""))
		if err != nil {
			return fmt.Errorf("checksum failed: %w", err)
		}
		if checksumFile == "" {
			return cmdutil.PrintResource(cmd.OutOrStdout(), remote, checksumTable{remote: remote})
		}

		local, err := apiclient.FileChecksum(ctx, checksumFile, remote.Algorithm)
		if err != nil {
			return fmt.Errorf("checksum of %s failed: %w", checksumFile, err)
		}
		if err := cmdutil.PrintResource(cmd.OutOrStdout(), remote, checksumTable{remote: remote, local: &local}); err != nil {
			return err
		}
		if local.Checksum != remote.Checksum {
			return fmt.Errorf("%w: image %s, %s %s", apiclient.ErrChecksumMismatch, remote.Checksum, checksumFile, local.Checksum)
		}
		return nil
	},
}

type checksumTable struct {
	remote checksum.Result
	local  *checksum.Result
}

func (t checksumTable) Headers() []string { return []string{"SOURCE", "ALGORITHM", "CHECKSUM"} }

func (t checksumTable) Rows() [][]string {
	rows := [][]string{{"image", t.remote.Algorithm, t.remote.Checksum}}
	if t.local != nil {
		rows = append(rows, []string{checksumFile, t.local.Algorithm, t.local.Checksum})
	}
	return rows
}

func init() {
	downloadFlags.register(downloadCmd, true)
	uploadFlags.register(uploadCmd, true)

	checksumFlags.register(checksumCmd, false)
	checksumCmd.Flags().StringVar(&checksumAlgorithm, "algorithm", checksum.Default, fmt.Sprintf("Checksum algorithm %v", checksum.Algorithms))
	checksumCmd.Flags().StringVar(&checksumFile, "file", "", "Local file to compare with the image")
}

// Package cmdutil provides shared utilities for imageioctl commands.
package cmdutil

import (
	"fmt"
	"io"

	"github.com/marmos91/imageiod/internal/cli/output"
	"github.com/marmos91/imageiod/internal/cli/prompt"
	"github.com/marmos91/imageiod/pkg/apiclient"
	"github.com/marmos91/imageiod/pkg/config"
)

// Flags stores global flag values accessible by subcommands.
var Flags = &GlobalFlags{}

// GlobalFlags holds the global flag values.
type GlobalFlags struct {
	Socket  string
	Server  string
	Output  string
	NoColor bool
}

// DefaultSocket is the control plane socket used when neither --socket nor
// --server is given.
const DefaultSocket = config.DefaultControlSocket

// Client returns a control plane client. --server selects a TCP control
// plane; otherwise the UNIX socket is used.
func Client() *apiclient.Client {
	if Flags.Server != "" {
		return apiclient.New(Flags.Server)
	}
	socket := Flags.Socket
	if socket == "" {
		socket = DefaultSocket
	}
	return apiclient.NewUnix(socket)
}

// Printer returns a printer for the --output format.
func Printer(w io.Writer) (*output.Printer, error) {
	format, err := output.ParseFormat(Flags.Output)
	if err != nil {
		return nil, err
	}
	return output.NewPrinter(w, format, !Flags.NoColor), nil
}

// PrintResource prints data as JSON/YAML, or through table for table format.
func PrintResource(w io.Writer, data any, table output.TableRenderer) error {
	p, err := Printer(w)
	if err != nil {
		return err
	}
	if p.Format() == output.FormatTable {
		return output.PrintTable(w, table)
	}
	return p.Print(data)
}

// PrintList prints a list, or emptyMsg when a table would be empty.
func PrintList(w io.Writer, data any, empty bool, emptyMsg string, table output.TableRenderer) error {
	p, err := Printer(w)
	if err != nil {
		return err
	}
	if p.Format() != output.FormatTable {
		return p.Print(data)
	}
	if empty {
		_, _ = fmt.Fprintln(w, emptyMsg)
		return nil
	}
	return output.PrintTable(w, table)
}

// PrintSuccess prints msg in table format only.
func PrintSuccess(w io.Writer, msg string) {
	if p, err := Printer(w); err == nil {
		p.Success(msg)
	}
}

// RunWithConfirmation asks before running fn unless force is set. An
// aborted prompt is not an error.
func RunWithConfirmation(w io.Writer, question string, force bool, fn func() error) error {
	confirmed, err := prompt.ConfirmWithForce(question, force)
	if err != nil {
		if prompt.IsAborted(err) {
			_, _ = fmt.Fprintln(w, "\nAborted.")
			return nil
		}
		return err
	}
	if !confirmed {
		_, _ = fmt.Fprintln(w, "Aborted.")
		return nil
	}
	return fn()
}

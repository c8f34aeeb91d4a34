package config

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marmos91/imageiod/pkg/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file",
	Long: `Validate an imageiod configuration file.

Checks for syntax errors, missing required fields and invalid values.

Examples:
  imageiod config validate --config /etc/imageiod/config.yaml`,
	RunE: runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	path := configPath(cmd)
	cfg, err := config.MustLoad(path)
	if err != nil {
		return err
	}
	if path == "" {
		path = config.GetDefaultConfigPath()
	}

	var warnings []string
	if !cfg.TLS.Enable && cfg.Remote.Host != "127.0.0.1" && cfg.Remote.Host != "localhost" {
		warnings = append(warnings, "remote data plane serves plain HTTP on a non-loopback address")
	}
	if cfg.Backends.HTTP.InsecureSkipVerify {
		warnings = append(warnings, "backends.http.insecure_skip_verify disables certificate checks")
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Configuration file: %s\n", path)
	_, _ = fmt.Fprintln(out, "Validation: OK")
	if len(warnings) > 0 {
		_, _ = fmt.Fprintln(out, "\nWarnings:")
		for _, w := range warnings {
			_, _ = fmt.Fprintf(out, "  - %s\n", w)
		}
	}

	control := cfg.Control.Socket
	if cfg.Control.Transport == "tcp" {
		control = fmt.Sprintf("localhost:%d", cfg.Control.Port)
	}
	_, _ = fmt.Fprintln(out, "\nConfiguration summary:")
	_, _ = fmt.Fprintf(out, "  Data plane:       %s:%d (tls: %t)\n", cfg.Remote.Host, cfg.Remote.Port, cfg.TLS.Enable)
	_, _ = fmt.Fprintf(out, "  Control plane:    %s (%s)\n", control, cfg.Control.Transport)
	_, _ = fmt.Fprintf(out, "  Max connections:  %d per ticket\n", cfg.Daemon.MaxConnections)
	_, _ = fmt.Fprintf(out, "  Log level:        %s\n", cfg.Logging.Level)
	return nil
}

package config

import (
	"strings"
	"time"

	"github.com/marmos91/imageiod/internal/bytesize"
)

// Default values.
const (
	DefaultRemotePort        = 54322
	DefaultControlPort       = 54324
	DefaultMetricsPort       = 9090
	DefaultMaxConnections    = 8
	DefaultLocalSocket       = "/run/imageiod/data.sock"
	DefaultControlSocket     = "/run/imageiod/control.sock"
	DefaultBufferSize        = 8 * bytesize.MiB
	DefaultBackendTimeout    = 60 * time.Second
	DefaultInactivityTimeout = 60 * time.Second
	DefaultRemoveTimeout     = 60 * time.Second
)

// ApplyDefaults sets default values for unspecified configuration fields.
// Zero values are replaced; explicit values are preserved. Booleans whose
// default is true (local.enable, tls.reload) are only defaulted through
// GetDefaultConfig, since false is a meaningful explicit value.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyTelemetryDefaults(&cfg.Telemetry)
	applyMetricsDefaults(&cfg.Metrics)
	applyDaemonDefaults(&cfg.Daemon)
	applyListenerDefaults(cfg)
	applyBackendDefaults(&cfg.Backends)
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyTelemetryDefaults(cfg *TelemetryConfig) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "localhost:4317"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 1.0
	}

	if cfg.Profiling.Endpoint == "" {
		cfg.Profiling.Endpoint = "http://localhost:4040"
	}
	if len(cfg.Profiling.ProfileTypes) == 0 {
		cfg.Profiling.ProfileTypes = []string{
			"cpu",
			"alloc_objects",
			"alloc_space",
			"inuse_objects",
			"inuse_space",
			"goroutines",
		}
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Port == 0 {
		cfg.Port = DefaultMetricsPort
	}
}

func applyDaemonDefaults(cfg *DaemonConfig) {
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = DefaultMaxConnections
	}
	if cfg.InactivityTimeout == 0 {
		cfg.InactivityTimeout = DefaultInactivityTimeout
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = time.Second
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
}

func applyListenerDefaults(cfg *Config) {
	if cfg.Local.Socket == "" {
		cfg.Local.Socket = DefaultLocalSocket
	}
	if cfg.Control.Transport == "" {
		cfg.Control.Transport = "unix"
	}
	if cfg.Control.Socket == "" {
		cfg.Control.Socket = DefaultControlSocket
	}
}

func applyBackendDefaults(cfg *BackendsConfig) {
	for _, size := range []*bytesize.ByteSize{
		&cfg.File.BufferSize,
		&cfg.NBD.BufferSize,
		&cfg.HTTP.BufferSize,
		&cfg.S3.BufferSize,
	} {
		if *size == 0 {
			*size = DefaultBufferSize
		}
	}
	if cfg.NBD.Timeout == 0 {
		cfg.NBD.Timeout = DefaultBackendTimeout
	}
	if cfg.HTTP.Timeout == 0 {
		cfg.HTTP.Timeout = DefaultBackendTimeout
	}
	if cfg.S3.Region == "" {
		cfg.S3.Region = "us-east-1"
	}
}

// GetDefaultConfig returns a Config with all default values applied.
func GetDefaultConfig() *Config {
	cfg := &Config{
		Remote: RemoteConfig{Port: DefaultRemotePort},
		Local:  LocalConfig{Enable: true},
		TLS:    TLSConfig{Reload: true},
		Control: ControlConfig{
			Port:          DefaultControlPort,
			RemoveTimeout: DefaultRemoveTimeout,
		},
	}
	ApplyDefaults(cfg)
	return cfg
}

// Package config loads the imageiod daemon configuration.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (IMAGEIOD_*, with "." replaced by "_")
//  2. Configuration file (YAML)
//  3. Default values
//
// Engine packages never import config: the daemon converts the loaded
// Config into the option structs of each component.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/marmos91/imageiod/internal/bytesize"
)

// EnvPrefix is the prefix of configuration environment variables.
const EnvPrefix = "IMAGEIOD"

// Config represents the imageiod configuration.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Telemetry controls OpenTelemetry tracing and Pyroscope profiling
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`

	// Metrics contains Prometheus metrics server configuration
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// Daemon contains ticket and connection limits
	Daemon DaemonConfig `mapstructure:"daemon" yaml:"daemon"`

	// Remote configures the data plane TCP listener
	Remote RemoteConfig `mapstructure:"remote" yaml:"remote"`

	// Local configures the data plane UNIX socket listener
	Local LocalConfig `mapstructure:"local" yaml:"local"`

	// TLS configures TLS for the remote data plane listener
	TLS TLSConfig `mapstructure:"tls" yaml:"tls"`

	// Control configures the control plane listener
	Control ControlConfig `mapstructure:"control" yaml:"control"`

	// Backends holds per-backend tunables
	Backends BackendsConfig `mapstructure:"backends" yaml:"backends"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// TelemetryConfig controls OpenTelemetry distributed tracing.
type TelemetryConfig struct {
	// Enabled controls whether distributed tracing is enabled
	// Default: false
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Endpoint is the OTLP collector endpoint (host:port)
	// Default: "localhost:4317"
	Endpoint string `mapstructure:"endpoint" validate:"required_if=Enabled true" yaml:"endpoint"`

	// Insecure disables TLS towards the collector
	Insecure bool `mapstructure:"insecure" yaml:"insecure"`

	// SampleRate controls the trace sampling rate (0.0 to 1.0)
	// Default: 1.0
	SampleRate float64 `mapstructure:"sample_rate" validate:"gte=0,lte=1" yaml:"sample_rate"`

	// Profiling contains Pyroscope continuous profiling configuration
	Profiling ProfilingConfig `mapstructure:"profiling" yaml:"profiling"`
}

// ProfilingConfig controls Pyroscope continuous profiling.
type ProfilingConfig struct {
	// Enabled controls whether continuous profiling is enabled
	// Default: false
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Endpoint is the Pyroscope server URL
	// Default: "http://localhost:4040"
	Endpoint string `mapstructure:"endpoint" validate:"required_if=Enabled true" yaml:"endpoint"`

	// ProfileTypes specifies which profile types to collect
	ProfileTypes []string `mapstructure:"profile_types" validate:"dive,oneof=cpu alloc_objects alloc_space inuse_objects inuse_space goroutines mutex_count mutex_duration block_count block_duration" yaml:"profile_types"`
}

// MetricsConfig configures the Prometheus metrics HTTP server.
type MetricsConfig struct {
	// Enabled controls whether metrics collection and HTTP server are enabled
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the HTTP port for the metrics endpoint
	// Default: 9090
	Port int `mapstructure:"port" validate:"min=1,max=65535" yaml:"port"`
}

// DaemonConfig contains ticket and connection limits.
type DaemonConfig struct {
	// MaxConnections is the number of connections that may be bound to one
	// ticket at the same time
	// Default: 8
	MaxConnections int `mapstructure:"max_connections" validate:"min=1,max=1024" yaml:"max_connections"`

	// InactivityTimeout closes bound connections idle for longer, unless the
	// ticket overrides it
	// Default: 60s
	InactivityTimeout time.Duration `mapstructure:"inactivity_timeout" validate:"gt=0" yaml:"inactivity_timeout"`

	// SweepInterval is how often expired tickets and idle connections are
	// collected
	// Default: 1s
	SweepInterval time.Duration `mapstructure:"sweep_interval" validate:"gt=0" yaml:"sweep_interval"`

	// ShutdownTimeout bounds the wait for transfers during shutdown
	// Default: 30s
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0" yaml:"shutdown_timeout"`
}

// RemoteConfig configures the data plane TCP listener.
type RemoteConfig struct {
	// Host is the address to bind. Empty binds all interfaces.
	Host string `mapstructure:"host" yaml:"host"`

	// Port is the TCP port. Zero picks a free port.
	// Default: 54322
	Port int `mapstructure:"port" validate:"min=0,max=65535" yaml:"port"`
}

// LocalConfig configures the data plane UNIX socket listener.
type LocalConfig struct {
	// Enable turns on the UNIX socket listener
	// Default: true
	Enable bool `mapstructure:"enable" yaml:"enable"`

	// Socket is the socket path
	// Default: /run/imageiod/data.sock
	Socket string `mapstructure:"socket" validate:"required_if=Enable true" yaml:"socket"`
}

// TLSConfig configures TLS for the remote data plane listener.
type TLSConfig struct {
	// Enable serves HTTPS instead of HTTP
	Enable bool `mapstructure:"enable" yaml:"enable"`

	// KeyFile is the PEM private key
	KeyFile string `mapstructure:"key_file" validate:"required_if=Enable true" yaml:"key_file"`

	// CertFile is the PEM certificate chain
	CertFile string `mapstructure:"cert_file" validate:"required_if=Enable true" yaml:"cert_file"`

	// CAFile, when set, verifies client certificates presented by peers
	CAFile string `mapstructure:"ca_file" yaml:"ca_file"`

	// Reload watches the key and certificate files and reloads them on change
	// Default: true
	Reload bool `mapstructure:"reload" yaml:"reload"`
}

// ControlConfig configures the control plane listener.
type ControlConfig struct {
	// Transport selects the listener kind
	// Valid values: unix, tcp
	// Default: unix
	Transport string `mapstructure:"transport" validate:"required,oneof=unix tcp" yaml:"transport"`

	// Socket is the UNIX socket path
	// Default: /run/imageiod/control.sock
	Socket string `mapstructure:"socket" validate:"required_if=Transport unix" yaml:"socket"`

	// Port is the TCP port, bound on localhost only
	// Default: 54324
	Port int `mapstructure:"port" validate:"min=0,max=65535" yaml:"port"`

	// RemoveTimeout is how long DELETE /tickets/{id} waits for active
	// connections to drain, unless the request overrides it
	// Default: 60s
	RemoveTimeout time.Duration `mapstructure:"remove_timeout" validate:"gte=0" yaml:"remove_timeout"`
}

// BackendsConfig holds per-backend tunables.
type BackendsConfig struct {
	File FileBackendConfig `mapstructure:"file" yaml:"file"`
	NBD  NBDBackendConfig  `mapstructure:"nbd" yaml:"nbd"`
	HTTP HTTPBackendConfig `mapstructure:"http" yaml:"http"`
	S3   S3BackendConfig   `mapstructure:"s3" yaml:"s3"`
}

// FileBackendConfig configures the file backend.
type FileBackendConfig struct {
	// BufferSize is the streaming chunk size
	// Default: 8MiB
	BufferSize bytesize.ByteSize `mapstructure:"buffer_size" validate:"gt=0" yaml:"buffer_size"`
}

// NBDBackendConfig configures the NBD backend.
type NBDBackendConfig struct {
	// BufferSize is the streaming chunk size
	// Default: 8MiB
	BufferSize bytesize.ByteSize `mapstructure:"buffer_size" validate:"gt=0" yaml:"buffer_size"`

	// Timeout bounds the handshake and each request
	// Default: 60s
	Timeout time.Duration `mapstructure:"timeout" validate:"gt=0" yaml:"timeout"`
}

// HTTPBackendConfig configures the proxy backend.
type HTTPBackendConfig struct {
	// BufferSize is the streaming chunk size
	// Default: 8MiB
	BufferSize bytesize.ByteSize `mapstructure:"buffer_size" validate:"gt=0" yaml:"buffer_size"`

	// Timeout bounds each request to the remote daemon
	// Default: 60s
	Timeout time.Duration `mapstructure:"timeout" validate:"gt=0" yaml:"timeout"`

	// CAFile verifies the remote certificate. Empty uses system roots.
	CAFile string `mapstructure:"ca_file" yaml:"ca_file"`

	// InsecureSkipVerify disables certificate verification
	InsecureSkipVerify bool `mapstructure:"insecure_skip_verify" yaml:"insecure_skip_verify"`
}

// S3BackendConfig configures the read-only S3 backend.
type S3BackendConfig struct {
	// BufferSize is the streaming chunk size
	// Default: 8MiB
	BufferSize bytesize.ByteSize `mapstructure:"buffer_size" validate:"gt=0" yaml:"buffer_size"`

	// Region is the bucket region
	// Default: us-east-1
	Region string `mapstructure:"region" validate:"required" yaml:"region"`

	// Endpoint overrides the S3 endpoint (MinIO, Ceph RGW)
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// ForcePathStyle addresses buckets as endpoint/bucket/key
	ForcePathStyle bool `mapstructure:"force_path_style" yaml:"force_path_style"`

	// AccessKeyID and SecretAccessKey select static credentials. When empty
	// the default AWS credential chain applies.
	AccessKeyID     string `mapstructure:"access_key_id" yaml:"access_key_id,omitempty"`
	SecretAccessKey string `mapstructure:"secret_access_key" validate:"required_with=AccessKeyID" yaml:"secret_access_key,omitempty"`
}

// Load loads configuration from defaults, file and environment.
//
// A missing file is not an error: defaults and environment variables are
// enough to run the daemon.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v)

	// Defaults are the base layer so that every key is known to viper and
	// can be overridden from the environment.
	defaults, err := yaml.Marshal(GetDefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal defaults: %w", err)
	}
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath == "" {
		configPath = GetDefaultConfigPath()
	}
	if err := mergeConfigFile(v, configPath); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// MustLoad loads configuration and requires the file to exist.
func MustLoad(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = GetDefaultConfigPath()
	}
	if _, err := os.Stat(configPath); errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("configuration file not found: %s\n\n"+
			"Please create the configuration file:\n"+
			"  imageiod config init --config %s",
			configPath, configPath)
	}
	return Load(configPath)
}

// SaveConfig saves the configuration to path in YAML format.
func SaveConfig(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// The file may hold S3 credentials.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// setupViper configures environment variable support.
// Example: IMAGEIOD_DAEMON_MAX_CONNECTIONS=16
func setupViper(v *viper.Viper) {
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// mergeConfigFile merges path over the defaults if it exists.
func mergeConfigFile(v *viper.Viper, path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := v.MergeConfig(bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// configDecodeHooks returns a combined decode hook for ByteSize and
// time.Duration values, plus comma separated string slices from the
// environment.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		durationDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

// byteSizeDecodeHook converts strings and numbers to bytesize.ByteSize, so
// config files can use sizes like "8MiB", "512K" or plain byte counts.
func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return bytesize.ParseByteSize(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case uint64:
			return bytesize.ByteSize(v), nil
		case float64:
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

// durationDecodeHook converts strings like "30s" and plain numbers of
// seconds to time.Duration.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if secs, err := strconv.ParseFloat(v, 64); err == nil {
				return time.Duration(secs * float64(time.Second)), nil
			}
			return time.ParseDuration(v)
		case int:
			return time.Duration(v) * time.Second, nil
		case int64:
			return time.Duration(v) * time.Second, nil
		case float64:
			return time.Duration(v * float64(time.Second)), nil
		default:
			return data, nil
		}
	}
}

// getConfigDir returns $XDG_CONFIG_HOME/imageiod, ~/.config/imageiod, or
// the current directory as a last resort.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "imageiod")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "imageiod")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists checks if a config file exists at the default location.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

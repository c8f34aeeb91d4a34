package telemetry

// ServiceName is reported as the OTel service name and Pyroscope application.
const ServiceName = "imageiod"

// Config controls trace export. The daemon fills it from the telemetry
// section of its configuration file.
type Config struct {
	Enabled bool

	// ServiceName and ServiceVersion become resource attributes on every span.
	ServiceName    string
	ServiceVersion string

	// Endpoint is the OTLP gRPC collector address, host:port.
	Endpoint string

	// Insecure sends spans over plaintext gRPC.
	Insecure bool

	// SampleRate is the fraction of data-plane requests traced. Values
	// outside [0, 1] are clamped.
	SampleRate float64
}

// DefaultConfig returns tracing disabled, pointed at a local collector.
func DefaultConfig() Config {
	return Config{
		ServiceName:    ServiceName,
		ServiceVersion: "dev",
		Endpoint:       "localhost:4317",
		Insecure:       true,
		SampleRate:     1.0,
	}
}

func (c Config) sampleRatio() float64 {
	return min(max(c.SampleRate, 0), 1)
}

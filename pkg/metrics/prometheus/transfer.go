// Package prometheus implements the pkg/metrics observer interfaces with
// client_golang collectors registered on the global registry.
package prometheus

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/imageiod/pkg/metrics"
)

// transferMetrics is the Prometheus implementation of metrics.TransferMetrics.
type transferMetrics struct {
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	bytesTotal        *prometheus.CounterVec
	connections       prometheus.Gauge
	connectionsTotal  prometheus.Counter
	admissionRejected prometheus.Counter
}

// NewTransferMetrics returns data-plane metrics, or nil when metrics are
// disabled.
func NewTransferMetrics() metrics.TransferMetrics {
	if !metrics.IsEnabled() {
		return nil
	}
	return newTransferMetrics(metrics.GetRegistry())
}

func newTransferMetrics(reg prometheus.Registerer) *transferMetrics {
	return &transferMetrics{
		operationsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "imageiod_operations_total",
				Help: "Data-plane operations by operation, backend and HTTP status",
			},
			[]string{"op", "backend", "status"},
		),
		operationDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "imageiod_operation_duration_milliseconds",
				Help: "Duration of data-plane operations in milliseconds",
				Buckets: []float64{
					1,      // 1ms - options, small extents queries
					10,     // 10ms
					50,     // 50ms - single chunk on local storage
					100,    // 100ms
					500,    // 500ms
					1000,   // 1s - multi-chunk ranges
					5000,   // 5s
					30000,  // 30s - whole image over a slow link
					120000, // 2m
				},
			},
			[]string{"op", "backend"},
		),
		bytesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "imageiod_bytes_transferred_total",
				Help: "Payload bytes moved by the data plane",
			},
			[]string{"op", "backend"},
		),
		connections: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "imageiod_connections_active",
				Help: "Open data-plane connections",
			},
		),
		connectionsTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "imageiod_connections_accepted_total",
				Help: "Data-plane connections accepted",
			},
		),
		admissionRejected: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "imageiod_admission_rejected_total",
				Help: "Bind attempts rejected because the ticket was at its connection ceiling",
			},
		),
	}
}

func (m *transferMetrics) ObserveOperation(op, backend string, status int, duration time.Duration) {
	m.operationsTotal.WithLabelValues(op, backend, strconv.Itoa(status)).Inc()
	m.operationDuration.WithLabelValues(op, backend).Observe(float64(duration.Microseconds()) / 1000.0)
}

func (m *transferMetrics) AddBytes(op, backend string, n int64) {
	if n > 0 {
		m.bytesTotal.WithLabelValues(op, backend).Add(float64(n))
	}
}

func (m *transferMetrics) ConnectionOpened() {
	m.connections.Inc()
	m.connectionsTotal.Inc()
}

func (m *transferMetrics) ConnectionClosed() {
	m.connections.Dec()
}

func (m *transferMetrics) AdmissionRejected() {
	m.admissionRejected.Inc()
}

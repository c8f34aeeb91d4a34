package prometheus

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/imageiod/pkg/metrics"
	"github.com/marmos91/imageiod/pkg/ticket"
)

// StatsSource is implemented by *ticket.Registry.
type StatsSource interface {
	Stats() ticket.Stats
}

// registryCollector reads a registry snapshot on every scrape, so ticket
// gauges never drift from the registry.
type registryCollector struct {
	src StatsSource

	tickets     *prometheus.Desc
	connections *prometheus.Desc
	transferred *prometheus.Desc
}

// RegisterTicketCollector exposes ticket counts by state, bound connections
// and bytes moved under live tickets. No-op when metrics are disabled.
func RegisterTicketCollector(src StatsSource) error {
	if !metrics.IsEnabled() {
		return nil
	}
	return metrics.GetRegistry().Register(newRegistryCollector(src))
}

func newRegistryCollector(src StatsSource) *registryCollector {
	return &registryCollector{
		src: src,
		tickets: prometheus.NewDesc(
			"imageiod_tickets",
			"Live tickets by state",
			[]string{"state"}, nil),
		connections: prometheus.NewDesc(
			"imageiod_ticket_connections",
			"Connections bound to live tickets",
			nil, nil),
		transferred: prometheus.NewDesc(
			"imageiod_ticket_transferred_bytes",
			"Bytes moved under live tickets",
			nil, nil),
	}
}

func (c *registryCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.tickets
	ch <- c.connections
	ch <- c.transferred
}

func (c *registryCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.src.Stats()
	for _, state := range []ticket.State{ticket.StatePending, ticket.StateActive, ticket.StateCanceling} {
		ch <- prometheus.MustNewConstMetric(c.tickets, prometheus.GaugeValue,
			float64(stats.ByState[state]), string(state))
	}
	ch <- prometheus.MustNewConstMetric(c.connections, prometheus.GaugeValue, float64(stats.Connections))
	ch <- prometheus.MustNewConstMetric(c.transferred, prometheus.GaugeValue, float64(stats.Transferred))
}

// ticketMetrics is the Prometheus implementation of metrics.TicketMetrics.
type ticketMetrics struct {
	drainTimeouts   prometheus.Counter
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// NewTicketMetrics returns control-plane metrics, or nil when metrics are
// disabled.
func NewTicketMetrics() metrics.TicketMetrics {
	if !metrics.IsEnabled() {
		return nil
	}
	return newTicketMetrics(metrics.GetRegistry())
}

func newTicketMetrics(reg prometheus.Registerer) *ticketMetrics {
	return &ticketMetrics{
		drainTimeouts: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "imageiod_drain_timeouts_total",
				Help: "Ticket removals that timed out waiting for connections to drain",
			},
		),
		requestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "imageiod_control_requests_total",
				Help: "Control-plane requests by operation and HTTP status",
			},
			[]string{"op", "status"},
		),
		requestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "imageiod_control_request_duration_milliseconds",
				Help:    "Duration of control-plane requests in milliseconds",
				Buckets: []float64{0.1, 1, 10, 100, 1000, 10000, 60000},
			},
			[]string{"op"},
		),
	}
}

func (m *ticketMetrics) DrainTimeout() {
	m.drainTimeouts.Inc()
}

func (m *ticketMetrics) ObserveRequest(op string, status int, duration time.Duration) {
	m.requestsTotal.WithLabelValues(op, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(op).Observe(float64(duration.Microseconds()) / 1000.0)
}

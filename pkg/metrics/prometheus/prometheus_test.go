package prometheus

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/imageiod/pkg/metrics"
	"github.com/marmos91/imageiod/pkg/ticket"
)

type fakeStats ticket.Stats

func (f fakeStats) Stats() ticket.Stats { return ticket.Stats(f) }

func TestConstructorsDisabled(t *testing.T) {
	metrics.Reset()

	assert.Nil(t, NewTransferMetrics())
	assert.Nil(t, NewTicketMetrics())
	assert.NoError(t, RegisterTicketCollector(fakeStats{}))
}

func TestTransferMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newTransferMetrics(reg)

	m.ObserveOperation("read", "file", 206, 3*time.Millisecond)
	m.ObserveOperation("read", "file", 206, 5*time.Millisecond)
	m.ObserveOperation("write", "nbd", 500, time.Millisecond)
	m.AddBytes("read", "file", 4096)
	m.AddBytes("read", "file", 0)
	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.AdmissionRejected()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.operationsTotal.WithLabelValues("read", "file", "206")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.operationsTotal.WithLabelValues("write", "nbd", "500")))
	assert.Equal(t, 4096.0, testutil.ToFloat64(m.bytesTotal.WithLabelValues("read", "file")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connections))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.connectionsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.admissionRejected))
	assert.Equal(t, 2, testutil.CollectAndCount(m.operationDuration))
}

func TestTicketMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newTicketMetrics(reg)

	m.DrainTimeout()
	m.ObserveRequest("remove", 409, time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.drainTimeouts))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requestsTotal.WithLabelValues("remove", "409")))
}

func TestRegistryCollector(t *testing.T) {
	src := fakeStats{
		ByState: map[ticket.State]int{
			ticket.StatePending: 2,
			ticket.StateActive:  1,
		},
		Connections: 3,
		Transferred: 1 << 20,
	}
	c := newRegistryCollector(src)

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(c))

	// three states plus connections and transferred
	assert.Equal(t, 5, testutil.CollectAndCount(c))

	families, err := reg.Gather()
	require.NoError(t, err)
	values := map[string]float64{}
	for _, f := range families {
		for _, m := range f.GetMetric() {
			name := f.GetName()
			for _, l := range m.GetLabel() {
				name += "/" + l.GetValue()
			}
			values[name] = m.GetGauge().GetValue()
		}
	}
	assert.Equal(t, 2.0, values["imageiod_tickets/pending"])
	assert.Equal(t, 1.0, values["imageiod_tickets/active"])
	assert.Equal(t, 0.0, values["imageiod_tickets/canceling"])
	assert.Equal(t, 3.0, values["imageiod_ticket_connections"])
	assert.Equal(t, float64(1<<20), values["imageiod_ticket_transferred_bytes"])
}

func TestRegisterTicketCollectorEnabled(t *testing.T) {
	metrics.InitRegistry()
	t.Cleanup(metrics.Reset)

	reg := ticket.NewRegistry(ticket.Options{})
	_, err := reg.Add(ticket.Spec{
		ID: "t1", URL: "file:///tmp/disk.img", Ops: []ticket.Op{ticket.OpRead}, Size: 10, Timeout: time.Minute,
	})
	require.NoError(t, err)

	require.NoError(t, RegisterTicketCollector(reg))
	count, err := testutil.GatherAndCount(metrics.GetRegistry(), "imageiod_tickets")
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	assert.NotNil(t, NewTransferMetrics())
	assert.NotNil(t, NewTicketMetrics())
}

package metrics

import (
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryLifecycle(t *testing.T) {
	Reset()
	assert.False(t, IsEnabled())
	assert.Nil(t, GetRegistry())

	reg := InitRegistry()
	t.Cleanup(Reset)
	assert.True(t, IsEnabled())
	assert.Same(t, reg, GetRegistry())
}

func TestServerExposesRegistry(t *testing.T) {
	reg := InitRegistry()
	t.Cleanup(Reset)

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "imageiod_test_total",
		Help: "test counter",
	})
	require.NoError(t, reg.Register(counter))
	counter.Add(3)

	srv, err := Listen("127.0.0.1", 0)
	require.NoError(t, err)
	go func() { _ = srv.Serve() }()
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	resp, err := http.Get("http://" + srv.Addr() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "imageiod_test_total 3")
	assert.Contains(t, string(body), "go_goroutines")
}

func TestHandlerDisabled(t *testing.T) {
	Reset()
	assert.IsType(t, http.NotFoundHandler(), Handler())
}

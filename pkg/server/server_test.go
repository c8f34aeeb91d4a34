package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/imageiod/internal/tlsutil/tlstest"
	"github.com/marmos91/imageiod/pkg/apiclient"
	"github.com/marmos91/imageiod/pkg/config"
	"github.com/marmos91/imageiod/pkg/ticket"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.GetDefaultConfig()
	cfg.Remote.Host = "127.0.0.1"
	cfg.Remote.Port = 0
	cfg.Local.Socket = filepath.Join(dir, "data.sock")
	cfg.Control.Socket = filepath.Join(dir, "control.sock")
	cfg.Control.RemoveTimeout = time.Second
	cfg.Daemon.SweepInterval = 50 * time.Millisecond
	cfg.Daemon.ShutdownTimeout = 5 * time.Second
	return cfg
}

// start serves s in the background and returns a function that stops it and
// reports the result of Serve.
func start(t *testing.T, s *Server) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	stopped := false
	stop := func() error {
		if stopped {
			return nil
		}
		stopped = true
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(10 * time.Second):
			t.Fatal("server did not stop")
			return nil
		}
	}
	t.Cleanup(func() { _ = stop() })
	return stop
}

func writeImage(t *testing.T, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	path := filepath.Join(t.TempDir(), "disk.raw")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path, data
}

func addTicket(t *testing.T, client *apiclient.Client, id, path string, size int) {
	t.Helper()
	_, err := client.AddTicket(context.Background(), id, apiclient.TicketRequest{
		URL:     "file://" + path,
		Size:    int64(size),
		Ops:     []ticket.Op{ticket.OpRead, ticket.OpWrite},
		Timeout: 60,
	})
	require.NoError(t, err)
}

func TestServeEndToEnd(t *testing.T) {
	cfg := testConfig(t)
	cfg.Metrics.Enabled = true
	cfg.Metrics.Port = 0

	s, err := New(cfg, "test")
	require.NoError(t, err)
	stop := start(t, s)

	client := apiclient.NewUnix(cfg.Control.Socket)
	ctx := context.Background()
	info, err := client.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, "test", info.Version)
	assert.Equal(t, cfg.Daemon.MaxConnections, info.MaxConnections)

	const size = 128 << 10
	path, want := writeImage(t, size)
	addTicket(t, client, "ticket-1", path, size)

	t.Run("Remote", func(t *testing.T) {
		local := filepath.Join(t.TempDir(), "copy.raw")
		_, err := apiclient.Download(ctx, s.ImageURL("ticket-1"), local, apiclient.TransferOptions{Checksum: "sha256"})
		require.NoError(t, err)
		got, err := os.ReadFile(local)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	})

	t.Run("Local", func(t *testing.T) {
		tr := &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", cfg.Local.Socket)
			},
		}
		defer tr.CloseIdleConnections()

		req, err := http.NewRequest(http.MethodGet, "http://localhost/images/ticket-1", nil)
		require.NoError(t, err)
		req.Header.Set("Range", "bytes=0-99")
		resp, err := (&http.Client{Transport: tr}).Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
		assert.Equal(t, want[:100], body)
	})

	t.Run("Metrics", func(t *testing.T) {
		resp, err := http.Get("http://" + s.MetricsAddr() + "/metrics")
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Contains(t, string(body), "imageiod_tickets")
		assert.Contains(t, string(body), "imageiod_operations_total")
		assert.Contains(t, string(body), "imageiod_control_requests_total")
	})

	require.NoError(t, client.RemoveTicket(ctx, "ticket-1", time.Second))

	require.NoError(t, stop())
	_, err = os.Stat(cfg.Control.Socket)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(cfg.Local.Socket)
	assert.True(t, os.IsNotExist(err))
}

func TestServeTLS(t *testing.T) {
	cfg := testConfig(t)
	cfg.Local.Enable = false
	cert, key := tlstest.WriteSelfSigned(t, t.TempDir(), "localhost")
	cfg.TLS.Enable = true
	cfg.TLS.CertFile = cert
	cfg.TLS.KeyFile = key

	s, err := New(cfg, "test")
	require.NoError(t, err)
	start(t, s)

	const size = 64 << 10
	path, _ := writeImage(t, size)
	client := apiclient.NewUnix(cfg.Control.Socket)
	addTicket(t, client, "tls", path, size)

	url := s.ImageURL("tls")
	assert.Contains(t, url, "https://")

	res, err := apiclient.Checksum(context.Background(), url, "", apiclient.TransferOptions{CAFile: cert})
	require.NoError(t, err)
	local, err := apiclient.FileChecksum(context.Background(), path, "")
	require.NoError(t, err)
	assert.Equal(t, local.Checksum, res.Checksum)

	// Without the CA the certificate is rejected.
	_, err = apiclient.Checksum(context.Background(), url, "", apiclient.TransferOptions{})
	assert.Error(t, err)
}

func TestControlOverTCP(t *testing.T) {
	cfg := testConfig(t)
	cfg.Local.Enable = false
	cfg.Control.Transport = "tcp"
	cfg.Control.Port = 0

	s, err := New(cfg, "tcp")
	require.NoError(t, err)
	start(t, s)

	client := apiclient.New("http://" + s.ControlAddr().String())
	health, err := client.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "healthy", health.Status)
}

func TestSweeperExpiresTickets(t *testing.T) {
	cfg := testConfig(t)
	cfg.Local.Enable = false

	s, err := New(cfg, "test")
	require.NoError(t, err)
	start(t, s)

	_, err = s.Registry().Add(ticket.Spec{
		ID:      "short",
		URL:     "file:///dev/null",
		Ops:     []ticket.Op{ticket.OpRead},
		Timeout: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		_, err := s.Registry().Get("short")
		return err != nil
	}, 5*time.Second, 20*time.Millisecond)
}

func TestNewFailures(t *testing.T) {
	t.Run("BadCertificate", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.TLS.Enable = true
		cfg.TLS.CertFile = filepath.Join(t.TempDir(), "missing.pem")
		cfg.TLS.KeyFile = cfg.TLS.CertFile
		_, err := New(cfg, "test")
		assert.Error(t, err)
	})

	t.Run("PortInUse", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		defer ln.Close()

		cfg := testConfig(t)
		cfg.Remote.Port = ln.Addr().(*net.TCPAddr).Port
		_, err = New(cfg, "test")
		assert.Error(t, err)
	})

	t.Run("StaleSocket", func(t *testing.T) {
		cfg := testConfig(t)
		require.NoError(t, os.WriteFile(cfg.Control.Socket, nil, 0o600))
		s, err := New(cfg, "test")
		require.NoError(t, err)
		require.NoError(t, s.Close())
		_, err = os.Stat(cfg.Control.Socket)
		assert.True(t, os.IsNotExist(err))
	})
}

func TestServeOnce(t *testing.T) {
	cfg := testConfig(t)
	cfg.Local.Enable = false
	s, err := New(cfg, "test")
	require.NoError(t, err)
	stop := start(t, s)
	require.NoError(t, stop())
	assert.Error(t, s.Serve(context.Background()))
}

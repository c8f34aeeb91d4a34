package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/imageiod/pkg/backend/opener"
	"github.com/marmos91/imageiod/pkg/checksum"
	"github.com/marmos91/imageiod/pkg/controlplane/api"
	"github.com/marmos91/imageiod/pkg/dataplane"
	"github.com/marmos91/imageiod/pkg/ticket"
)

// resetFlags restores flag defaults; cobra keeps parsed values on the
// package-level commands between runs. Slice flags append once set, so
// tests pass --ops at most once.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if _, ok := f.Value.(pflag.SliceValue); ok {
			return
		}
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

type env struct {
	reg     *ticket.Registry
	control string
	data    string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	reg := ticket.NewRegistry(ticket.Options{MaxConnections: 4})

	control := httptest.NewServer(api.NewRouter(reg, api.RouterOptions{Version: "cli-test", RemoveTimeout: time.Second}))
	t.Cleanup(control.Close)

	srv := dataplane.NewServer(dataplane.NewHandler(dataplane.Options{
		Registry: reg,
		Opener:   opener.New(opener.DefaultConfig()),
	}), time.Minute)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})

	return &env{reg: reg, control: control.URL, data: "http://" + ln.Addr().String()}
}

func (e *env) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append([]string{"--server", e.control, "--no-color"}, args...))
	err := rootCmd.Execute()
	return out.String(), err
}

func (e *env) image(t *testing.T, id string, data []byte, ops ...ticket.Op) (string, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), id+".raw")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	_, err := e.reg.Add(ticket.Spec{
		ID:      id,
		URL:     "file://" + path,
		Ops:     ops,
		Size:    int64(len(data)),
		Timeout: time.Minute,
		Sparse:  true,
	})
	require.NoError(t, err)
	return path, e.data + "/images/" + id
}

func TestTicketCommands(t *testing.T) {
	e := newEnv(t)
	path := filepath.Join(t.TempDir(), "disk.raw")
	require.NoError(t, os.WriteFile(path, make([]byte, 4096), 0o644))

	out, err := e.run(t, "ticket", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No tickets installed.")

	out, err = e.run(t, "-o", "json", "ticket", "add", "t1",
		"--url", "file://"+path, "--ops", "read,write", "--timeout", "10m", "--transfer-id", "xfer")
	require.NoError(t, err)
	var added ticket.Info
	require.NoError(t, json.Unmarshal([]byte(out), &added))
	assert.Equal(t, "t1", added.ID)
	assert.Equal(t, int64(600), added.Timeout)
	assert.Equal(t, "xfer", added.TransferID)
	assert.Equal(t, []ticket.Op{ticket.OpRead, ticket.OpWrite}, added.Ops)
	assert.True(t, added.Sparse)

	out, err = e.run(t, "ticket", "show", "t1")
	require.NoError(t, err)
	assert.Contains(t, out, "read,write")
	assert.Contains(t, out, "xfer")

	out, err = e.run(t, "ticket", "list")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "EXPIRES")
	assert.Contains(t, lines[1], "t1")

	out, err = e.run(t, "-o", "yaml", "ticket", "extend", "t1", "--timeout", "1h")
	require.NoError(t, err)
	assert.Contains(t, out, "timeout: 3600")
	assert.NotContains(t, out, "extended")

	_, err = e.run(t, "ticket", "extend", "t1", "--timeout", "-1s")
	assert.Error(t, err)

	out, err = e.run(t, "ticket", "delete", "t1", "--force", "--timeout", "1s")
	require.NoError(t, err)
	assert.Contains(t, out, "Ticket t1 removed")

	_, err = e.run(t, "ticket", "show", "t1")
	assert.ErrorContains(t, err, "failed to get ticket")
}

func TestTicketAddValidation(t *testing.T) {
	e := newEnv(t)

	tests := []struct {
		name string
		args []string
	}{
		{name: "NoScheme", args: []string{"--url", "/var/lib/disk.raw"}},
		{name: "ShortTimeout", args: []string{"--url", "file:///dev/null", "--timeout", "10ms"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.run(t, append([]string{"ticket", "add"}, tt.args...)...)
			assert.Error(t, err)
		})
	}
	assert.Empty(t, e.reg.List())
}

func TestInfo(t *testing.T) {
	e := newEnv(t)
	e.image(t, "a", make([]byte, 512), ticket.OpRead)

	out, err := e.run(t, "info")
	require.NoError(t, err)
	assert.Contains(t, out, "cli-test")
	assert.Contains(t, out, "Max connections")

	out, err = e.run(t, "-o", "json", "info")
	require.NoError(t, err)
	var info map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.EqualValues(t, 1, info["tickets"])
	assert.EqualValues(t, 4, info["max_connections"])
}

func TestTransferCommands(t *testing.T) {
	e := newEnv(t)
	data := bytes.Repeat([]byte("imageioctl"), 10_000)

	remote, url := e.image(t, "xfer", data, ticket.OpRead, ticket.OpWrite, ticket.OpZero, ticket.OpFlush)

	local := filepath.Join(t.TempDir(), "local.raw")
	out, err := e.run(t, "download", "-q", "--checksum", checksum.SHA256, url, local)
	require.NoError(t, err)
	assert.Contains(t, out, "Downloaded")
	got, err := os.ReadFile(local)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	// Change the local copy and push it back.
	changed := bytes.ToUpper(data)
	require.NoError(t, os.WriteFile(local, changed, 0o644))
	_, err = e.run(t, "upload", "-q", local, url)
	require.NoError(t, err)
	got, err = os.ReadFile(remote)
	require.NoError(t, err)
	assert.Equal(t, changed, got)

	out, err = e.run(t, "checksum", "--algorithm", checksum.SHA256, "--file", local, url)
	require.NoError(t, err)
	assert.Contains(t, out, "sha256")

	other := filepath.Join(t.TempDir(), "other.raw")
	require.NoError(t, os.WriteFile(other, data, 0o644))
	_, err = e.run(t, "checksum", "--file", other, url)
	assert.ErrorContains(t, err, "checksum mismatch")
}

func TestVersion(t *testing.T) {
	e := newEnv(t)
	out, err := e.run(t, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "imageioctl dev"))
}

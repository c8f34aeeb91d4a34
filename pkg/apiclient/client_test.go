package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/imageiod/pkg/controlplane/api"
	"github.com/marmos91/imageiod/pkg/ticket"
)

func newControlPlane(t *testing.T) (*Client, *ticket.Registry) {
	t.Helper()
	reg := ticket.NewRegistry(ticket.Options{MaxConnections: 8})
	srv := httptest.NewServer(api.NewRouter(reg, api.RouterOptions{
		Version:       "test",
		RemoveTimeout: 50 * time.Millisecond,
	}))
	t.Cleanup(srv.Close)
	return New(srv.URL), reg
}

func ticketRequest() TicketRequest {
	return TicketRequest{
		URL:     "file:///var/lib/images/disk.raw",
		Size:    1 << 20,
		Ops:     []ticket.Op{ticket.OpRead, ticket.OpWrite},
		Timeout: 300,
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func TestNew(t *testing.T) {
	client := New("http://localhost:54324")
	assert.Equal(t, "http://localhost:54324", client.baseURL)
}

func TestDoHeaders(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		if r.Method == http.MethodGet {
			assert.Empty(t, r.Header.Get("Content-Type"))
		} else {
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "success"})
	}))
	defer server.Close()

	client := New(server.URL)
	ctx := context.Background()

	var resp struct {
		Message string `json:"message"`
	}
	require.NoError(t, client.get(ctx, "/test", &resp))
	assert.Equal(t, "success", resp.Message)
	require.NoError(t, client.put(ctx, "/test", map[string]int{"a": 1}, nil))
}

func TestDoWithAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/problem+json")
		w.WriteHeader(http.StatusConflict)
		_, _ = io.WriteString(w, `{"title":"Conflict","status":409,"detail":"ticket exists","instance":"/tickets/a"}`)
	}))
	defer server.Close()

	err := New(server.URL).get(context.Background(), "/tickets/a", nil)
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "ticket exists", apiErr.Detail)
	assert.Equal(t, "/tickets/a", apiErr.Instance)
	assert.True(t, apiErr.IsConflict())
	assert.True(t, apiErr.IsRetryable())
	assert.False(t, apiErr.IsNotFound())
	assert.Contains(t, apiErr.Error(), "ticket exists")
}

func TestDoWithPlainError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	err := New(server.URL).get(context.Background(), "/x", nil)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
	assert.Equal(t, "Internal Server Error", apiErr.Title)
	assert.False(t, apiErr.IsRetryable())
}

func TestTicketLifecycle(t *testing.T) {
	client, reg := newControlPlane(t)
	ctx := context.Background()

	info, err := client.AddTicket(ctx, "ticket-a", ticketRequest())
	require.NoError(t, err)
	assert.Equal(t, "ticket-a", info.ID)
	assert.Equal(t, int64(300), info.Timeout)
	assert.True(t, info.Sparse)

	_, err = client.AddTicket(ctx, "ticket-a", ticketRequest())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.True(t, apiErr.IsConflict())

	got, err := client.GetTicket(ctx, "ticket-a")
	require.NoError(t, err)
	assert.Equal(t, info.URL, got.URL)

	_, err = client.AddTicket(ctx, "ticket-b", ticketRequest())
	require.NoError(t, err)
	list, err := client.ListTickets(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "ticket-a", list[0].ID)
	assert.Equal(t, "ticket-b", list[1].ID)

	extended, err := client.ExtendTicket(ctx, "ticket-a", time.Hour)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, extended.Expires, got.Expires)

	require.NoError(t, client.RemoveTicket(ctx, "ticket-a", 0))
	_, err = client.GetTicket(ctx, "ticket-a")
	require.ErrorAs(t, err, &apiErr)
	assert.True(t, apiErr.IsNotFound())

	// Removing an unknown ticket succeeds.
	require.NoError(t, client.RemoveTicket(ctx, "ticket-a", -1))

	_, err = reg.Get("ticket-b")
	assert.NoError(t, err)
}

func TestAddTicketValidation(t *testing.T) {
	client, _ := newControlPlane(t)

	req := ticketRequest()
	req.Timeout = 0
	_, err := client.AddTicket(context.Background(), "ticket-a", req)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.True(t, apiErr.IsValidationError())
}

func TestRemoveTicketDrainTimeout(t *testing.T) {
	client, reg := newControlPlane(t)
	ctx := context.Background()

	_, err := client.AddTicket(ctx, "ticket-a", ticketRequest())
	require.NoError(t, err)
	_, err = reg.Bind("ticket-a", "conn-1", nopCloser{})
	require.NoError(t, err)

	err = client.RemoveTicket(ctx, "ticket-a", 20*time.Millisecond)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.True(t, apiErr.IsConflict())
	assert.True(t, apiErr.IsRetryable())

	reg.Unbind("ticket-a", "conn-1")
	require.NoError(t, client.RemoveTicket(ctx, "ticket-a", 20*time.Millisecond))
}

func TestInfoAndHealth(t *testing.T) {
	client, _ := newControlPlane(t)
	ctx := context.Background()

	_, err := client.AddTicket(ctx, "ticket-a", ticketRequest())
	require.NoError(t, err)

	info, err := client.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, "test", info.Version)
	assert.Equal(t, 1, info.Tickets)
	assert.Equal(t, 8, info.MaxConnections)

	health, err := client.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "healthy", health.Status)
}

func TestNewUnix(t *testing.T) {
	reg := ticket.NewRegistry(ticket.Options{})
	socket := filepath.Join(t.TempDir(), "control.sock")
	ln, err := net.Listen("unix", socket)
	require.NoError(t, err)

	srv := &http.Server{Handler: api.NewRouter(reg, api.RouterOptions{Version: "unix"})}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Close() })

	info, err := NewUnix(socket).Info(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "unix", info.Version)
}

package dataplane

import (
	"context"
	"io"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/marmos91/imageiod/internal/logger"
	"github.com/marmos91/imageiod/pkg/backend"
	"github.com/marmos91/imageiod/pkg/ticket"
)

type connKey struct{}

// attachment is a ticket bound to a connection and the backend the
// connection opened for it.
type attachment struct {
	url     string
	backend backend.Backend
}

// conn tracks one client connection: the tickets it is bound to and the
// backends it opened. Backends are reused by later requests on the same
// keep-alive connection and closed with it.
type conn struct {
	id     string
	client string

	// nc is closed to force the connection down on cancel or inactivity.
	// It is nil for requests served outside a Server.
	nc net.Conn

	mu       sync.Mutex
	attached map[string]*attachment
	released bool
}

func newConn(nc net.Conn) *conn {
	c := &conn{
		id:       uuid.NewString(),
		nc:       nc,
		attached: make(map[string]*attachment),
		client:   "local",
	}
	if nc != nil && nc.RemoteAddr() != nil && nc.RemoteAddr().Network() != "unix" {
		c.client = nc.RemoteAddr().String()
	}
	return c
}

func withConn(ctx context.Context, c *conn) context.Context {
	return context.WithValue(ctx, connKey{}, c)
}

func connFromContext(ctx context.Context) *conn {
	c, _ := ctx.Value(connKey{}).(*conn)
	return c
}

// closer is handed to the registry. A nil net.Conn must stay a nil
// interface.
func (c *conn) closer() io.Closer {
	if c.nc == nil {
		return nil
	}
	return c.nc
}

func (c *conn) isAttached(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.attached[id]
	return ok
}

func (c *conn) attach(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.attached[id]; !ok {
		c.attached[id] = &attachment{}
	}
}

// detach forgets id and closes its backend.
func (c *conn) detach(id string) {
	c.mu.Lock()
	a := c.attached[id]
	delete(c.attached, id)
	c.mu.Unlock()
	if a != nil && a.backend != nil {
		_ = a.backend.Close()
	}
}

// backend returns the backend opened for t on this connection, opening it
// on first use. A ticket re-added under the same id with a new url gets a
// fresh backend.
func (c *conn) backend(ctx context.Context, t *ticket.Ticket, opener Opener) (backend.Backend, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	a, ok := c.attached[t.ID()]
	if !ok {
		a = &attachment{}
		c.attached[t.ID()] = a
	}
	if a.backend != nil && a.url == t.URL() {
		return a.backend, nil
	}
	if a.backend != nil {
		_ = a.backend.Close()
		a.backend = nil
	}

	b, err := opener.Open(ctx, t.URL(), modeFor(t))
	if err != nil {
		return nil, err
	}
	a.url, a.backend = t.URL(), b
	logger.DebugCtx(ctx, "Backend opened",
		logger.KeyBackend, b.Name(), logger.KeySize, b.Size())
	return b, nil
}

// release unbinds every ticket and closes every backend. It runs once, when
// the connection closes.
func (c *conn) release(reg *ticket.Registry) {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return
	}
	c.released = true
	attached := c.attached
	c.attached = make(map[string]*attachment)
	c.mu.Unlock()

	for id, a := range attached {
		if a.backend != nil {
			if err := a.backend.Close(); err != nil {
				logger.Warn("Closing backend failed",
					logger.KeyTicketID, id, logger.KeyConnID, c.id, logger.KeyError, err)
			}
		}
		reg.Unbind(id, c.id)
	}
}

// modeFor opens read-write only for tickets that may modify the resource.
func modeFor(t *ticket.Ticket) backend.Mode {
	if t.May(ticket.OpWrite) || t.May(ticket.OpZero) {
		return backend.ReadWrite
	}
	return backend.ReadOnly
}

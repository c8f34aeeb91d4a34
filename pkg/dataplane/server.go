package dataplane

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/marmos91/imageiod/internal/logger"
)

// Server serves a Handler on any number of listeners and ties every client
// connection to the tickets it binds.
type Server struct {
	handler *Handler
	srv     *http.Server

	// conns maps net.Conn to *conn for every open connection.
	conns sync.Map
}

// NewServer creates a server for h. Idle keep-alive connections that are not
// bound to any ticket are closed after idleTimeout; bound ones are managed by
// the registry sweeper.
func NewServer(h *Handler, idleTimeout time.Duration) *Server {
	s := &Server{handler: h}
	s.srv = &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       idleTimeout,
		ConnContext:       s.connContext,
		ConnState:         s.connState,
	}
	return s
}

func (s *Server) connContext(ctx context.Context, nc net.Conn) context.Context {
	c := newConn(nc)
	s.conns.Store(nc, c)
	return withConn(ctx, c)
}

func (s *Server) connState(nc net.Conn, state http.ConnState) {
	m := s.handler.opts.Metrics
	switch state {
	case http.StateNew:
		if m != nil {
			m.ConnectionOpened()
		}
	case http.StateClosed, http.StateHijacked:
		v, ok := s.conns.LoadAndDelete(nc)
		if !ok {
			return
		}
		c := v.(*conn)
		c.release(s.handler.opts.Registry)
		if m != nil {
			m.ConnectionClosed()
		}
		logger.Debug("Connection closed", logger.KeyConnID, c.id, logger.KeyClient, c.client)
	}
}

// Serve accepts connections on ln until Shutdown. It returns nil after a
// graceful shutdown.
func (s *Server) Serve(ln net.Listener) error {
	logger.Info("Data plane listening", "network", ln.Addr().Network(), "address", ln.Addr().String())
	if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("data plane serve: %w", err)
	}
	return nil
}

// ServeTLS wraps ln with TLS before serving.
func (s *Server) ServeTLS(ln net.Listener, cfg *tls.Config) error {
	return s.Serve(tls.NewListener(ln, cfg))
}

// Connections returns the number of open client connections.
func (s *Server) Connections() int {
	n := 0
	s.conns.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Shutdown stops accepting connections and waits for in-flight requests
// until ctx expires, then closes whatever is left. Every binding is released
// before Shutdown returns.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.srv.Shutdown(ctx)
	if err != nil {
		logger.Warn("Data plane shutdown timed out, closing connections", logger.KeyError, err)
		_ = s.srv.Close()
	}

	// Connections closed by Shutdown do not always report StateClosed.
	s.conns.Range(func(k, _ any) bool {
		s.connState(k.(net.Conn), http.StateClosed)
		return true
	})
	return err
}

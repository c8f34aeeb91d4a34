package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/marmos91/imageiod/internal/logger"
)

// Config holds the HTTP server timeouts of the control plane.
type Config struct {
	// ReadTimeout is the maximum duration for reading a request.
	// Default: 10s
	ReadTimeout time.Duration

	// IdleTimeout is how long an idle keep-alive connection stays open.
	// Default: 60s
	IdleTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 60 * time.Second
	}
}

// Server serves the control-plane API.
//
// There is no write timeout: DELETE /tickets/{id} may block for the whole
// drain window.
type Server struct {
	server       *http.Server
	shutdownOnce sync.Once
}

// NewServer creates a control-plane server for handler.
func NewServer(cfg Config, handler http.Handler) *Server {
	cfg.applyDefaults()
	return &Server{
		server: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: cfg.ReadTimeout,
			ReadTimeout:       cfg.ReadTimeout,
			IdleTimeout:       cfg.IdleTimeout,
		},
	}
}

// Start serves on ln and blocks until ctx is cancelled or serving fails.
// Cancellation triggers a graceful shutdown.
func (s *Server) Start(ctx context.Context, ln net.Listener) error {
	errChan := make(chan error, 1)
	go func() {
		logger.Info("Control plane listening", "network", ln.Addr().Network(), "address", ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		// The cancelled ctx would abort the shutdown at once.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Stop(shutdownCtx)
	case err := <-errChan:
		return fmt.Errorf("control plane failed: %w", err)
	}
}

// Stop shuts the server down gracefully. It is safe to call more than once.
func (s *Server) Stop(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		if err := s.server.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("control plane shutdown: %w", err)
			logger.Error("Control plane shutdown error", logger.KeyError, err)
			_ = s.server.Close()
			return
		}
		logger.Info("Control plane stopped")
	})
	return shutdownErr
}

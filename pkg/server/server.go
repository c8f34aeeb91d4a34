// Package server wires the daemon together: the ticket registry and its
// sweeper, the data plane on TCP (optionally TLS) and on a UNIX socket, the
// control plane, and the metrics endpoint.
//
// New binds every listener so configuration problems surface before Serve
// is called; Serve runs until its context is cancelled and then shuts the
// components down in order: control plane first so no new tickets arrive,
// then the data plane (waiting up to daemon.shutdown_timeout for transfers),
// then metrics.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/marmos91/imageiod/internal/logger"
	"github.com/marmos91/imageiod/internal/tlsutil"
	"github.com/marmos91/imageiod/pkg/backend/opener"
	"github.com/marmos91/imageiod/pkg/config"
	"github.com/marmos91/imageiod/pkg/controlplane/api"
	"github.com/marmos91/imageiod/pkg/dataplane"
	"github.com/marmos91/imageiod/pkg/metrics"
	"github.com/marmos91/imageiod/pkg/metrics/prometheus"
	"github.com/marmos91/imageiod/pkg/ticket"
)

// Server is a configured, bound daemon.
type Server struct {
	cfg     *config.Config
	version string

	registry *ticket.Registry
	data     *dataplane.Server
	control  *api.Server
	metrics  *metrics.Server

	tlsConfig *tls.Config
	reloader  *tlsutil.Reloader

	remoteLn  net.Listener
	localLn   net.Listener
	controlLn net.Listener
	sockets   []string

	serveOnce sync.Once
}

// New builds the daemon from cfg and binds its listeners. On error every
// listener bound so far is closed.
func New(cfg *config.Config, version string) (_ *Server, err error) {
	s := &Server{
		cfg:      cfg,
		version:  version,
		registry: ticket.NewRegistry(cfg.TicketOptions()),
	}
	defer func() {
		if err != nil {
			s.closeListeners()
		}
	}()

	var (
		transferMetrics metrics.TransferMetrics
		ticketMetrics   metrics.TicketMetrics
	)
	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		if err := prometheus.RegisterTicketCollector(s.registry); err != nil {
			return nil, fmt.Errorf("register ticket collector: %w", err)
		}
		transferMetrics = prometheus.NewTransferMetrics()
		ticketMetrics = prometheus.NewTicketMetrics()
		if s.metrics, err = metrics.Listen("", cfg.Metrics.Port); err != nil {
			return nil, err
		}
	}

	handler := dataplane.NewHandler(dataplane.Options{
		Registry: s.registry,
		Opener:   opener.New(cfg.OpenerConfig()),
		Metrics:  transferMetrics,
	})
	s.data = dataplane.NewServer(handler, cfg.Daemon.InactivityTimeout)

	if cfg.TLS.Enable {
		if s.reloader, err = tlsutil.NewReloader(cfg.TLS.CertFile, cfg.TLS.KeyFile); err != nil {
			return nil, fmt.Errorf("load TLS certificate: %w", err)
		}
		s.tlsConfig, err = tlsutil.ServerConfig(tlsutil.Config{
			CertFile: cfg.TLS.CertFile,
			KeyFile:  cfg.TLS.KeyFile,
			CAFile:   cfg.TLS.CAFile,
		}, s.reloader)
		if err != nil {
			return nil, fmt.Errorf("TLS config: %w", err)
		}
	}

	remoteAddr := net.JoinHostPort(cfg.Remote.Host, strconv.Itoa(cfg.Remote.Port))
	if s.remoteLn, err = net.Listen("tcp", remoteAddr); err != nil {
		return nil, fmt.Errorf("data plane listen on %s: %w", remoteAddr, err)
	}

	if cfg.Local.Enable {
		if s.localLn, err = s.listenUnix(cfg.Local.Socket); err != nil {
			return nil, fmt.Errorf("local data plane: %w", err)
		}
	}

	switch cfg.Control.Transport {
	case "tcp":
		addr := net.JoinHostPort("localhost", strconv.Itoa(cfg.Control.Port))
		if s.controlLn, err = net.Listen("tcp", addr); err != nil {
			return nil, fmt.Errorf("control plane listen on %s: %w", addr, err)
		}
	default:
		if s.controlLn, err = s.listenUnix(cfg.Control.Socket); err != nil {
			return nil, fmt.Errorf("control plane: %w", err)
		}
	}

	router := api.NewRouter(s.registry, api.RouterOptions{
		Version:       version,
		RemoveTimeout: cfg.Control.RemoveTimeout,
		Metrics:       ticketMetrics,
	})
	s.control = api.NewServer(api.Config{}, router)
	return s, nil
}

// listenUnix removes a stale socket at path and listens on it. Only the
// owner and group may connect.
func (s *Server) listenUnix(path string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(path, 0o660); err != nil {
		_ = ln.Close()
		return nil, err
	}
	s.sockets = append(s.sockets, path)
	return ln, nil
}

// Registry returns the ticket registry.
func (s *Server) Registry() *ticket.Registry { return s.registry }

// RemoteAddr returns the data plane TCP address.
func (s *Server) RemoteAddr() net.Addr { return s.remoteLn.Addr() }

// ControlAddr returns the control plane address.
func (s *Server) ControlAddr() net.Addr { return s.controlLn.Addr() }

// MetricsAddr returns the metrics address, or "" when metrics are disabled.
func (s *Server) MetricsAddr() string {
	if s.metrics == nil {
		return ""
	}
	return s.metrics.Addr()
}

// ImageURL returns the data plane URL of ticket id on the TCP listener.
func (s *Server) ImageURL(id string) string {
	scheme := "http"
	if s.tlsConfig != nil {
		scheme = "https"
	}
	return scheme + "://" + s.RemoteAddr().String() + "/images/" + id
}

// Serve runs the daemon until ctx is cancelled or a component fails, then
// shuts everything down. It may be called once.
func (s *Server) Serve(ctx context.Context) error {
	err := errors.New("server already served")
	s.serveOnce.Do(func() {
		err = s.serve(ctx)
	})
	return err
}

func (s *Server) serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errChan := make(chan error, 5)
	run := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil {
				errChan <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.registry.Run(ctx, s.cfg.Daemon.SweepInterval)
	}()

	if s.reloader != nil && s.cfg.TLS.Reload {
		run("certificate watcher", func() error { return s.reloader.Watch(ctx) })
	}
	if s.metrics != nil {
		run("metrics", s.metrics.Serve)
	}
	run("control plane", func() error { return s.control.Start(ctx, s.controlLn) })
	if s.tlsConfig != nil {
		run("data plane", func() error { return s.data.ServeTLS(s.remoteLn, s.tlsConfig) })
	} else {
		run("data plane", func() error { return s.data.Serve(s.remoteLn) })
	}
	if s.localLn != nil {
		run("local data plane", func() error { return s.data.Serve(s.localLn) })
	}

	logger.Info("imageiod running",
		"version", s.version,
		"remote", s.RemoteAddr().String(),
		"control", s.ControlAddr().String(),
		"max_connections", s.registry.MaxConnections())

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received", "reason", context.Cause(ctx))
	case serveErr = <-errChan:
		logger.Error("Component failed, initiating shutdown", logger.KeyError, serveErr)
	}

	cancel()
	s.shutdown()
	wg.Wait()

	logger.Info("imageiod stopped")
	return serveErr
}

// shutdown stops the components. The control plane stops itself when the
// serve context is cancelled.
func (s *Server) shutdown() {
	timeout := s.cfg.Daemon.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.control.Stop(ctx); err != nil {
		logger.Warn("Control plane shutdown error", logger.KeyError, err)
	}

	logger.Info("Stopping data plane", "timeout", timeout, "connections", s.data.Connections())
	if err := s.data.Shutdown(ctx); err != nil {
		logger.Warn("Data plane shutdown error", logger.KeyError, err)
	}

	if s.metrics != nil {
		if err := s.metrics.Shutdown(ctx); err != nil {
			logger.Warn("Metrics shutdown error", logger.KeyError, err)
		}
		metrics.Reset()
	}

	s.removeSockets()
}

// Close releases the listeners of a server that was never served.
func (s *Server) Close() error {
	s.closeListeners()
	return nil
}

func (s *Server) closeListeners() {
	for _, ln := range []net.Listener{s.remoteLn, s.localLn, s.controlLn} {
		if ln != nil {
			_ = ln.Close()
		}
	}
	if s.metrics != nil {
		_ = s.metrics.Close()
		metrics.Reset()
	}
	s.removeSockets()
}

func (s *Server) removeSockets() {
	for _, path := range s.sockets {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warn("Failed to remove socket", "path", path, logger.KeyError, err)
		}
	}
}

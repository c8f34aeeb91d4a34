// Package nbd provides the backend for Network Block Device exports.
package nbd

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync/atomic"
	"time"

	"github.com/marmos91/imageiod/internal/bytesize"
	"github.com/marmos91/imageiod/internal/logger"
	"github.com/marmos91/imageiod/pkg/backend"
	"github.com/marmos91/imageiod/pkg/nbd"
)

// Config holds configuration for the NBD backend.
type Config struct {
	// BufferSize is the chunk size used for streaming.
	// Default: 8MiB
	BufferSize int

	// Timeout bounds the handshake and each request.
	// Default: 60s
	Timeout time.Duration
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		BufferSize: int(8 * bytesize.MiB),
		Timeout:    60 * time.Second,
	}
}

// Backend is an open connection to one NBD export.
type Backend struct {
	cfg    Config
	url    string
	mode   backend.Mode
	client *nbd.Client
	closed atomic.Bool
}

var _ backend.Backend = (*Backend)(nil)

// Open connects to the export named by rawURL.
func Open(ctx context.Context, rawURL string, mode backend.Mode, cfg Config) (*Backend, error) {
	def := DefaultConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	// Requests larger than the protocol maximum are split anyway.
	cfg.BufferSize = min(cfg.BufferSize, nbd.MaxRequestSize)

	addr, err := nbd.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", backend.ErrUnavailable, err)
	}

	client, err := nbd.Dial(ctx, addr.Network, addr.Addr, nbd.Options{
		ExportName: addr.Export,
		Timeout:    cfg.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", backend.ErrUnavailable, addr, err)
	}
	if mode == backend.ReadWrite && client.ReadOnly() {
		_ = client.Close()
		return nil, fmt.Errorf("%w: %s is read-only", backend.ErrNotSupported, addr)
	}

	logger.DebugCtx(ctx, "NBD export opened",
		logger.URL(addr.String()),
		logger.KeySize, client.Size(),
		"structured_replies", client.StructuredReplies(),
		"block_status", client.HasBlockStatus())

	return &Backend{cfg: cfg, url: addr.String(), mode: mode, client: client}, nil
}

// Name returns "nbd".
func (b *Backend) Name() string { return "nbd" }

// Size returns the export size.
func (b *Backend) Size() int64 { return b.client.Size() }

// BufferSize returns the configured chunk size.
func (b *Backend) BufferSize() int { return b.cfg.BufferSize }

// Capabilities reports what the server negotiated.
func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Write:   b.mode == backend.ReadWrite,
		Extents: b.client.HasBlockStatus(),
		Zero:    b.client.CanZero(),
		Flush:   b.client.CanFlush(),
	}
}

// wrap classifies client errors. Server replies and transport failures are
// both I/O errors; use after Close is ErrClosed.
func (b *Backend) wrap(op string, off int64, err error) error {
	if b.closed.Load() && errors.Is(err, nbd.ErrClosed) {
		return backend.ErrClosed
	}
	return fmt.Errorf("%w: %s %s at %d: %v", backend.ErrIO, op, b.url, off, err)
}

// ReadAt reads len(p) bytes at off.
func (b *Backend) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	if err := backend.CheckRange(off, int64(len(p)), b.Size()); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := b.client.ReadAt(p, off); err != nil {
		return 0, b.wrap("read", off, err)
	}
	return len(p), nil
}

// WriteAt writes p at off. The client serializes requests, so a write is
// never interleaved with another on the wire.
func (b *Backend) WriteAt(ctx context.Context, p []byte, off int64) (int, error) {
	if b.mode != backend.ReadWrite {
		return 0, backend.ErrNotSupported
	}
	if err := backend.CheckRange(off, int64(len(p)), b.Size()); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := b.client.WriteAt(p, off); err != nil {
		return 0, b.wrap("write", off, err)
	}
	return len(p), nil
}

// Zero uses NBD_CMD_WRITE_ZEROES when the server supports it, otherwise
// writes zero buffers.
func (b *Backend) Zero(ctx context.Context, off, length int64, punch bool) error {
	if b.mode != backend.ReadWrite {
		return backend.ErrNotSupported
	}
	if err := backend.CheckRange(off, length, b.Size()); err != nil {
		return err
	}
	if length == 0 {
		return nil
	}

	if b.client.CanZero() {
		if err := b.client.Zero(off, length, punch); err != nil {
			return b.wrap("zero", off, err)
		}
		return nil
	}

	buf := make([]byte, min(int64(b.cfg.BufferSize), length))
	for length > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := min(int64(len(buf)), length)
		if err := b.client.WriteAt(buf[:n], off); err != nil {
			return b.wrap("zero", off, err)
		}
		off += n
		length -= n
	}
	return nil
}

// Flush issues NBD_CMD_FLUSH when the server supports it.
func (b *Backend) Flush(_ context.Context) error {
	if !b.client.CanFlush() {
		return nil
	}
	if err := b.client.Flush(); err != nil {
		return b.wrap("flush", 0, err)
	}
	return nil
}

// Extents queries base:allocation, falling back to a single data extent
// when the server does not support block status.
func (b *Backend) Extents(ctx context.Context, off, length int64) iter.Seq2[backend.Extent, error] {
	if err := backend.CheckRange(off, length, b.Size()); err != nil {
		return backend.ErrorExtents(err)
	}
	if !b.client.HasBlockStatus() {
		return backend.SingleExtent(off, length)
	}

	return func(yield func(backend.Extent, error) bool) {
		pos, end := off, off+length
		for pos < end {
			if err := ctx.Err(); err != nil {
				yield(backend.Extent{}, err)
				return
			}
			extents, err := b.client.BlockStatus(pos, end-pos)
			if err != nil {
				yield(backend.Extent{}, b.wrap("block status", pos, err))
				return
			}
			for _, e := range extents {
				length := min(e.Length, end-e.Offset)
				if length <= 0 {
					break
				}
				if !yield(backend.Extent{Start: e.Offset, Length: length, Zero: e.Zero(), Hole: e.Hole()}, nil) {
					return
				}
				pos = e.Offset + length
			}
		}
	}
}

// Close disconnects from the server. It is idempotent.
func (b *Backend) Close() error {
	b.closed.Store(true)
	return b.client.Close()
}

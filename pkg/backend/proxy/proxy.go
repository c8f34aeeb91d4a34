// Package proxy provides the backend that forwards I/O to another imageiod
// data plane over HTTP(S). The ticket URL is the remote image URL,
// for example https://host:54322/images/<ticket-id>.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/marmos91/imageiod/internal/bytesize"
	"github.com/marmos91/imageiod/internal/logger"
	"github.com/marmos91/imageiod/internal/tlsutil"
	"github.com/marmos91/imageiod/pkg/backend"
	"github.com/marmos91/imageiod/pkg/checksum"
)

// Config holds configuration for the proxy backend.
type Config struct {
	// BufferSize is the chunk size used for streaming.
	// Default: 8MiB
	BufferSize int

	// Timeout bounds each request to the remote daemon.
	// Default: 60s
	Timeout time.Duration

	// CAFile verifies the remote certificate. Empty uses system roots.
	CAFile string

	// InsecureSkipVerify disables certificate verification.
	InsecureSkipVerify bool
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		BufferSize: int(8 * bytesize.MiB),
		Timeout:    60 * time.Second,
	}
}

// options is the OPTIONS response of a remote image.
type options struct {
	Features   []string `json:"features"`
	MaxReaders int      `json:"max_readers"`
	MaxWriters int      `json:"max_writers"`
}

func (o options) has(feature string) bool {
	for _, f := range o.Features {
		if f == feature {
			return true
		}
	}
	return false
}

// patchRequest is the PATCH body understood by the data plane.
type patchRequest struct {
	Op     string `json:"op"`
	Offset int64  `json:"offset,omitempty"`
	Size   int64  `json:"size,omitempty"`
	Flush  bool   `json:"flush"`
}

// Backend is an open remote image.
type Backend struct {
	cfg     Config
	url     string
	mode    backend.Mode
	client  *http.Client
	size    int64
	options options
	closed  atomic.Bool
}

var _ backend.Backend = (*Backend)(nil)

// Open probes the remote image and learns its size.
func Open(ctx context.Context, rawURL string, mode backend.Mode, cfg Config) (*Backend, error) {
	def := DefaultConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if strings.HasPrefix(rawURL, "https:") {
		tlsCfg, err := tlsutil.ClientConfig(cfg.CAFile, cfg.InsecureSkipVerify)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", backend.ErrUnavailable, err)
		}
		transport.TLSClientConfig = tlsCfg
	}

	b := &Backend{
		cfg:    cfg,
		url:    strings.TrimSuffix(rawURL, "/"),
		mode:   mode,
		client: &http.Client{Transport: transport, Timeout: cfg.Timeout},
	}

	if err := b.probe(ctx); err != nil {
		b.client.CloseIdleConnections()
		return nil, err
	}

	logger.DebugCtx(ctx, "Remote image opened",
		logger.URL(b.url),
		logger.KeySize, b.size,
		"features", b.options.Features)
	return b, nil
}

func (b *Backend) probe(ctx context.Context) error {
	resp, err := b.do(ctx, http.MethodOptions, b.url, nil, nil)
	if err != nil {
		return unavailable(err)
	}
	err = json.NewDecoder(resp.Body).Decode(&b.options)
	drain(resp)
	if err != nil {
		return fmt.Errorf("%w: decode OPTIONS response: %v", backend.ErrUnavailable, err)
	}
	if b.mode == backend.ReadWrite && !b.options.has("flush") {
		return fmt.Errorf("%w: remote image is read-only", backend.ErrNotSupported)
	}

	// The last extent ends at the image size.
	var last backend.Extent
	for e, err := range b.remoteExtents(ctx) {
		if err != nil {
			return unavailable(err)
		}
		last = e
	}
	b.size = last.End()
	return nil
}

func unavailable(err error) error {
	if errors.Is(err, backend.ErrUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", backend.ErrUnavailable, err)
}

// do sends a request and returns the response when the status is 2xx.
// Other statuses are drained and classified.
func (b *Backend) do(ctx context.Context, method, target string, body io.Reader, header http.Header) (*http.Response, error) {
	if b.closed.Load() {
		return nil, backend.ErrClosed
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", backend.ErrIO, err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	if r, ok := body.(*bytes.Reader); ok {
		req.ContentLength = int64(r.Len())
	}

	resp, err := b.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %s %s: %v", backend.ErrIO, method, target, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer drain(resp)
	return nil, statusError(method, resp)
}

// problem is the subset of an RFC 7807 body used in error messages.
type problem struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
}

func statusError(method string, resp *http.Response) error {
	var p problem
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	msg := strings.TrimSpace(string(data))
	if json.Unmarshal(data, &p) == nil && (p.Detail != "" || p.Title != "") {
		msg = p.Detail
		if msg == "" {
			msg = p.Title
		}
	}

	var base error
	switch resp.StatusCode {
	case http.StatusRequestedRangeNotSatisfiable:
		base = backend.ErrOutOfRange
	case http.StatusMethodNotAllowed:
		base = backend.ErrNotSupported
	case http.StatusForbidden, http.StatusNotFound, http.StatusBadGateway, http.StatusServiceUnavailable:
		base = backend.ErrUnavailable
	default:
		base = backend.ErrIO
	}
	return fmt.Errorf("%w: %s: remote returned %d: %s", base, method, resp.StatusCode, msg)
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	_ = resp.Body.Close()
}

// Name returns "http".
func (b *Backend) Name() string { return "http" }

// Size returns the remote image size.
func (b *Backend) Size() int64 { return b.size }

// BufferSize returns the configured chunk size.
func (b *Backend) BufferSize() int { return b.cfg.BufferSize }

// Capabilities reports the remote features.
func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Write:   b.mode == backend.ReadWrite,
		Extents: b.options.has("extents"),
		Zero:    b.options.has("zero"),
		Flush:   b.options.has("flush"),
	}
}

// ReadAt issues a ranged GET.
func (b *Backend) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	if err := backend.CheckRange(off, int64(len(p)), b.size); err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}

	header := http.Header{}
	header.Set("Range", fmt.Sprintf("bytes=%d-%d", off, off+int64(len(p))-1))
	resp, err := b.do(ctx, http.MethodGet, b.url, nil, header)
	if err != nil {
		return 0, err
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusPartialContent {
		return 0, fmt.Errorf("%w: expected 206, got %d", backend.ErrIO, resp.StatusCode)
	}
	n, err := io.ReadFull(resp.Body, p)
	if err != nil {
		return n, fmt.Errorf("%w: read %s at %d: %v", backend.ErrIO, b.url, off, err)
	}
	return n, nil
}

// WriteAt issues a PUT with Content-Range, without flushing.
func (b *Backend) WriteAt(ctx context.Context, p []byte, off int64) (int, error) {
	if b.mode != backend.ReadWrite {
		return 0, backend.ErrNotSupported
	}
	if err := backend.CheckRange(off, int64(len(p)), b.size); err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}

	header := http.Header{}
	header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/*", off, off+int64(len(p))-1))
	resp, err := b.do(ctx, http.MethodPut, b.url+"?flush=n", bytes.NewReader(p), header)
	if err != nil {
		return 0, err
	}
	drain(resp)
	return len(p), nil
}

func (b *Backend) patch(ctx context.Context, body patchRequest) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	resp, err := b.do(ctx, http.MethodPatch, b.url, bytes.NewReader(data), header)
	if err != nil {
		return err
	}
	drain(resp)
	return nil
}

// Zero sends a PATCH zero request. Whether the remote punches holes is
// decided by the remote ticket.
func (b *Backend) Zero(ctx context.Context, off, length int64, _ bool) error {
	if b.mode != backend.ReadWrite {
		return backend.ErrNotSupported
	}
	if err := backend.CheckRange(off, length, b.size); err != nil {
		return err
	}
	if length == 0 {
		return nil
	}
	return b.patch(ctx, patchRequest{Op: "zero", Offset: off, Size: length})
}

// Flush sends a PATCH flush request.
func (b *Backend) Flush(ctx context.Context) error {
	if b.mode != backend.ReadWrite {
		return nil
	}
	return b.patch(ctx, patchRequest{Op: "flush"})
}

// remoteExtents fetches the zero extents of the whole remote image.
func (b *Backend) remoteExtents(ctx context.Context) iter.Seq2[backend.Extent, error] {
	return func(yield func(backend.Extent, error) bool) {
		resp, err := b.do(ctx, http.MethodGet, b.url+"/extents?context=zero", nil, nil)
		if err != nil {
			yield(backend.Extent{}, err)
			return
		}
		defer drain(resp)

		var extents []backend.Extent
		if err := json.NewDecoder(resp.Body).Decode(&extents); err != nil {
			yield(backend.Extent{}, fmt.Errorf("%w: decode extents: %v", backend.ErrIO, err))
			return
		}
		for _, e := range extents {
			if !yield(e, nil) {
				return
			}
		}
	}
}

// Extents clips the remote extents to [off, off+length).
func (b *Backend) Extents(ctx context.Context, off, length int64) iter.Seq2[backend.Extent, error] {
	if err := backend.CheckRange(off, length, b.size); err != nil {
		return backend.ErrorExtents(err)
	}
	if !b.options.has("extents") {
		return backend.SingleExtent(off, length)
	}

	end := off + length
	return func(yield func(backend.Extent, error) bool) {
		for e, err := range b.remoteExtents(ctx) {
			if err != nil {
				yield(backend.Extent{}, err)
				return
			}
			if e.End() <= off {
				continue
			}
			if e.Start >= end {
				return
			}
			start := max(e.Start, off)
			e.Length = min(e.End(), end) - start
			e.Start = start
			if !yield(e, nil) {
				return
			}
		}
	}
}

// Checksum asks the remote daemon for the checksum of the whole image.
func (b *Backend) Checksum(ctx context.Context, algorithm string) (checksum.Result, error) {
	u := b.url + "/checksum"
	if algorithm != "" {
		u += "?algorithm=" + url.QueryEscape(algorithm)
	}
	resp, err := b.do(ctx, http.MethodGet, u, nil, nil)
	if err != nil {
		return checksum.Result{}, err
	}
	defer drain(resp)

	var res checksum.Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return checksum.Result{}, fmt.Errorf("%w: decode checksum: %v", backend.ErrIO, err)
	}
	return res, nil
}

// Close releases idle connections. It is idempotent.
func (b *Backend) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	b.client.CloseIdleConnections()
	return nil
}

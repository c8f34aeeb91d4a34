package dataplane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/marmos91/imageiod/internal/api/problem"
	"github.com/marmos91/imageiod/internal/logger"
	"github.com/marmos91/imageiod/pkg/backend"
	"github.com/marmos91/imageiod/pkg/bufpool"
	"github.com/marmos91/imageiod/pkg/checksum"
	"github.com/marmos91/imageiod/pkg/ticket"
)

// ChecksumHeader carries the hex checksum of the streamed bytes, as a
// trailer on reads and a header on writes.
const ChecksumHeader = "X-Checksum"

// zeroStep is the largest range zeroed between cancellation checks.
const zeroStep = 1 << 30

// maxPatchBody limits PATCH request bodies.
const maxPatchBody = 4 << 10

// ImageOptions describes what a ticket (or the daemon, for "*") supports.
type ImageOptions struct {
	Features   []string `json:"features"`
	MaxReaders int      `json:"max_readers"`
	MaxWriters int      `json:"max_writers"`
}

// PatchRequest is the body of PATCH /images/{id}.
type PatchRequest struct {
	Op     string `json:"op" validate:"required,oneof=zero flush"`
	Offset int64  `json:"offset" validate:"min=0"`
	Size   int64  `json:"size" validate:"min=0"`
	Flush  bool   `json:"flush"`
}

func (h *Handler) options(ctx context.Context, x *exchange) error {
	limit := h.opts.Registry.MaxConnections()

	if x.id == "*" {
		x.w.Header().Set("Allow", "OPTIONS,GET,PUT,PATCH")
		problem.WriteJSON(x.w, http.StatusOK, ImageOptions{
			Features:   backend.Capabilities{Write: true}.Features(),
			MaxReaders: limit,
			MaxWriters: limit,
		})
		return nil
	}

	if err := x.attach(ctx, "", 0, 0); err != nil {
		return err
	}
	t := x.ticket

	features := []string{"extents"}
	allow := []string{http.MethodOptions}
	if t.May(ticket.OpRead) {
		allow = append(allow, http.MethodGet)
	}
	if t.May(ticket.OpWrite) {
		allow = append(allow, http.MethodPut)
	}
	if t.May(ticket.OpZero) || t.May(ticket.OpFlush) {
		allow = append(allow, http.MethodPatch)
	}
	if x.backend.Capabilities().Write {
		if t.May(ticket.OpZero) {
			features = append(features, "zero")
		}
		if t.May(ticket.OpFlush) {
			features = append(features, "flush")
		}
	}

	writers := limit
	if !t.May(ticket.OpWrite) {
		writers = 0
	}
	x.w.Header().Set("Allow", strings.Join(allow, ","))
	problem.WriteJSON(x.w, http.StatusOK, ImageOptions{
		Features:   features,
		MaxReaders: limit,
		MaxWriters: writers,
	})
	return nil
}

func (h *Handler) read(ctx context.Context, x *exchange) error {
	rng, err := parseRange(x.r.Header.Get("Range"))
	if err != nil {
		return err
	}
	alg := x.r.URL.Query().Get("checksum")
	if !checksum.Valid(alg) {
		return fmt.Errorf("%w: %w", problem.ErrBadRequest, checksum.ErrUnknownAlgorithm)
	}

	t, err := h.opts.Registry.Lookup(x.id)
	if err != nil {
		return err
	}
	off, length := rng.resolve(t.Size())
	if err := x.attach(ctx, ticket.OpRead, off, length); err != nil {
		return err
	}

	size := x.size()
	if !rng.bounded() {
		off, length = rng.resolve(size)
	}
	if err := backend.CheckRange(off, length, size); err != nil {
		return fmt.Errorf("%w: offset=%d length=%d size=%d", err, off, length, size)
	}

	hdr := x.w.Header()
	hdr.Set("Content-Type", "application/octet-stream")
	hdr.Set("Accept-Ranges", "bytes")
	if name := x.ticket.Filename(); name != "" {
		hdr.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	}

	var sum hash.Hash
	if x.r.URL.Query().Has("checksum") {
		if sum, err = checksum.New(alg); err != nil {
			return err
		}
		hdr.Set("Trailer", ChecksumHeader)
	} else {
		hdr.Set("Content-Length", strconv.FormatInt(length, 10))
	}

	status := http.StatusOK
	if rng != nil {
		hdr.Set("Content-Range", contentRange(off, length, size))
		status = http.StatusPartialContent
	}

	logger.DebugCtx(ctx, "Reading", logger.KeyOffset, off, logger.KeyLength, length)
	x.w.WriteHeader(status)
	if err := x.copyOut(ctx, off, length, sum); err != nil {
		return err
	}
	if sum != nil {
		hdr.Set(ChecksumHeader, checksum.Hex(sum))
	}
	return nil
}

// copyOut streams [off, off+length) to the client. Zero extents are sent
// without reading the backend.
func (x *exchange) copyOut(ctx context.Context, off, length int64, sum hash.Hash) error {
	if length == 0 {
		return nil
	}
	buf := bufpool.Get(int(min(int64(x.backend.BufferSize()), length)))
	defer bufpool.Put(buf)

	for ext, err := range x.backend.Extents(ctx, off, length) {
		if err != nil {
			return err
		}
		pos, end := ext.Start, ext.End()
		for pos < end {
			if err := x.canceled(); err != nil {
				return err
			}
			chunk := buf[:min(int64(len(buf)), end-pos)]
			if ext.Zero {
				clear(chunk)
			} else if _, err := x.backend.ReadAt(ctx, chunk, pos); err != nil {
				return err
			}

			if err := x.send(chunk); err != nil {
				return fmt.Errorf("writing to client: %w", err)
			}
			if sum != nil {
				sum.Write(chunk)
			}
			x.touch(int64(len(chunk)))
			pos += int64(len(chunk))
		}
	}
	return nil
}

func (h *Handler) write(ctx context.Context, x *exchange) error {
	q := x.r.URL.Query()
	flush, err := parseFlag("flush", q.Get("flush"), true)
	if err != nil {
		return err
	}
	alg := q.Get("checksum")
	if !checksum.Valid(alg) {
		return fmt.Errorf("%w: %w", problem.ErrBadRequest, checksum.ErrUnknownAlgorithm)
	}
	length := x.r.ContentLength
	if length < 0 {
		return fmt.Errorf("%w: Content-Length is required", problem.ErrBadRequest)
	}
	var off int64
	if cr := x.r.Header.Get("Content-Range"); cr != "" {
		var n int64
		if off, n, err = parseContentRange(cr); err != nil {
			return err
		}
		if n != length {
			return fmt.Errorf("%w: Content-Range length %d does not match Content-Length %d",
				problem.ErrBadRequest, n, length)
		}
	}

	if err := x.attach(ctx, ticket.OpWrite, off, length); err != nil {
		return err
	}
	if err := backend.CheckRange(off, length, x.size()); err != nil {
		return fmt.Errorf("%w: offset=%d length=%d size=%d", err, off, length, x.size())
	}

	var sum hash.Hash
	if q.Has("checksum") {
		if sum, err = checksum.New(alg); err != nil {
			return err
		}
	}

	logger.DebugCtx(ctx, "Writing", logger.KeyOffset, off, logger.KeyLength, length)
	if err := x.copyIn(ctx, off, length, sum); err != nil {
		return err
	}
	if flush {
		if err := x.backend.Flush(ctx); err != nil {
			return err
		}
	}

	if sum != nil {
		x.w.Header().Set(ChecksumHeader, checksum.Hex(sum))
	}
	x.w.WriteHeader(http.StatusOK)
	return nil
}

// copyIn writes length bytes of the request body at off.
func (x *exchange) copyIn(ctx context.Context, off, length int64, sum hash.Hash) error {
	if length == 0 {
		return nil
	}
	buf := bufpool.Get(int(min(int64(x.backend.BufferSize()), length)))
	defer bufpool.Put(buf)

	for length > 0 {
		if err := x.canceled(); err != nil {
			return err
		}
		chunk := buf[:min(int64(len(buf)), length)]

		if _, err := io.ReadFull(bodyReader{x}, chunk); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				return fmt.Errorf("%w: body ended %d bytes early", problem.ErrBadRequest, length)
			}
			x.w.Header().Set("Connection", "close")
			return fmt.Errorf("reading from client: %w", err)
		}
		if _, err := x.backend.WriteAt(ctx, chunk, off); err != nil {
			return err
		}
		if sum != nil {
			sum.Write(chunk)
		}
		x.touch(int64(len(chunk)))
		off += int64(len(chunk))
		length -= int64(len(chunk))
	}
	return nil
}

func (h *Handler) patch(ctx context.Context, x *exchange) error {
	var req PatchRequest
	body := http.MaxBytesReader(x.w, x.r.Body, maxPatchBody)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		return fmt.Errorf("%w: invalid request body: %v", problem.ErrBadRequest, err)
	}
	if err := h.validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %v", problem.ErrBadRequest, err)
	}

	switch req.Op {
	case opZero:
		x.op = opZero
		return h.zero(ctx, x, req)
	default:
		x.op = opFlush
		if err := x.attach(ctx, ticket.OpFlush, 0, 0); err != nil {
			return err
		}
		if err := x.backend.Flush(ctx); err != nil {
			return err
		}
		x.touch(0)
		x.w.WriteHeader(http.StatusOK)
		return nil
	}
}

func (h *Handler) zero(ctx context.Context, x *exchange, req PatchRequest) error {
	if err := x.attach(ctx, ticket.OpZero, req.Offset, req.Size); err != nil {
		return err
	}
	if err := backend.CheckRange(req.Offset, req.Size, x.size()); err != nil {
		return fmt.Errorf("%w: offset=%d length=%d size=%d", err, req.Offset, req.Size, x.size())
	}

	logger.DebugCtx(ctx, "Zeroing",
		logger.KeyOffset, req.Offset, logger.KeyLength, req.Size, "punch", x.ticket.Sparse())
	off, length := req.Offset, req.Size
	for length > 0 {
		if err := x.canceled(); err != nil {
			return err
		}
		n := min(length, zeroStep)
		if err := x.backend.Zero(ctx, off, n, x.ticket.Sparse()); err != nil {
			return err
		}
		x.touch(0)
		off += n
		length -= n
	}
	if req.Flush {
		if err := x.backend.Flush(ctx); err != nil {
			return err
		}
	}
	x.w.WriteHeader(http.StatusOK)
	return nil
}

func (h *Handler) extents(ctx context.Context, x *exchange) error {
	switch c := x.r.URL.Query().Get("context"); c {
	case "", "zero":
	case "dirty":
		if err := x.attach(ctx, ticket.OpRead, 0, 0); err != nil {
			return err
		}
		if !x.ticket.Dirty() {
			return fmt.Errorf("%w: ticket does not track dirty extents", problem.ErrNotFound)
		}
		return fmt.Errorf("%w: %s backend does not report dirty extents", problem.ErrNotFound, x.backend.Name())
	default:
		return fmt.Errorf("%w: unknown extents context %q", problem.ErrBadRequest, c)
	}

	if err := x.attach(ctx, ticket.OpRead, 0, 0); err != nil {
		return err
	}

	extents := []backend.Extent{}
	for ext, err := range backend.Merge(x.backend.Extents(ctx, 0, x.size())) {
		if err != nil {
			return err
		}
		if err := x.canceled(); err != nil {
			return err
		}
		extents = append(extents, ext)
	}
	x.touch(0)
	problem.WriteJSON(x.w, http.StatusOK, extents)
	return nil
}

func (h *Handler) checksum(ctx context.Context, x *exchange) error {
	alg := x.r.URL.Query().Get("algorithm")
	if alg == "" {
		alg = checksum.Default
	}
	sum, err := checksum.New(alg)
	if err != nil {
		return fmt.Errorf("%w: %w", problem.ErrBadRequest, err)
	}
	if err := x.attach(ctx, ticket.OpRead, 0, 0); err != nil {
		return err
	}

	size := x.size()
	buf := bufpool.Get(int(min(int64(x.backend.BufferSize()), max(size, 1))))
	defer bufpool.Put(buf)

	for ext, err := range x.backend.Extents(ctx, 0, size) {
		if err != nil {
			return err
		}
		if ext.Zero {
			checksum.Zeroes(sum, ext.Length)
			continue
		}
		for pos := ext.Start; pos < ext.End(); {
			if err := x.canceled(); err != nil {
				return err
			}
			chunk := buf[:min(int64(len(buf)), ext.End()-pos)]
			if _, err := x.backend.ReadAt(ctx, chunk, pos); err != nil {
				return err
			}
			sum.Write(chunk)
			x.touch(0)
			pos += int64(len(chunk))
		}
	}

	problem.WriteJSON(x.w, http.StatusOK, checksum.Result{
		Algorithm: alg,
		Checksum:  checksum.Hex(sum),
		BlockSize: x.backend.BufferSize(),
	})
	return nil
}

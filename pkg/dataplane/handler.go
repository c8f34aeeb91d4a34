// Package dataplane serves image data under tickets.
//
// Routes (all under /images/{ticket_id}):
//
//	OPTIONS  /images/{id}            features and connection limits
//	GET      /images/{id}            read, optionally ranged (206)
//	PUT      /images/{id}            write at offset 0 or at Content-Range
//	PATCH    /images/{id}            {"op":"zero"} or {"op":"flush"}
//	GET      /images/{id}/extents    sparseness map of the whole image
//	GET      /images/{id}/checksum   checksum of the whole image
//
// Every request is checked against its ticket before any backend I/O. The
// first request on a connection binds the connection to the ticket; the
// binding and the backend opened for it live until the connection closes.
package dataplane

import (
	"context"
	"errors"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/marmos91/imageiod/internal/api/middleware"
	"github.com/marmos91/imageiod/internal/api/problem"
	"github.com/marmos91/imageiod/internal/logger"
	"github.com/marmos91/imageiod/internal/telemetry"
	"github.com/marmos91/imageiod/pkg/backend"
	"github.com/marmos91/imageiod/pkg/metrics"
	"github.com/marmos91/imageiod/pkg/ticket"
)

// ioSlice caps one socket write so the write deadline measures how long the
// client stays silent rather than how long a whole chunk takes.
const ioSlice = 256 << 10

// Opener opens the backend a ticket URL points at.
type Opener interface {
	Open(ctx context.Context, rawURL string, mode backend.Mode) (backend.Backend, error)
}

// Options configures a Handler.
type Options struct {
	// Registry owns the tickets. Required.
	Registry *ticket.Registry

	// Opener resolves ticket URLs. Required.
	Opener Opener

	// Metrics observes operations. Nil disables metrics.
	Metrics metrics.TransferMetrics
}

// Handler is the data-plane HTTP handler.
type Handler struct {
	opts     Options
	router   chi.Router
	validate *validator.Validate
}

// NewHandler creates the data-plane handler.
func NewHandler(opts Options) *Handler {
	h := &Handler{
		opts:     opts,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RequestLogger("dataplane"))
	r.Use(chimw.Recoverer)
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		problem.Write(w, r, http.StatusMethodNotAllowed, r.Method+" is not supported")
	})
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		problem.Write(w, r, http.StatusNotFound, "no such resource")
	})

	r.Route("/images/{ticketID}", func(r chi.Router) {
		r.Options("/", h.serve(opOptions, h.options))
		r.Get("/", h.serve(opRead, h.read))
		r.Put("/", h.serve(opWrite, h.write))
		r.Patch("/", h.serve(opPatch, h.patch))
		r.Get("/extents", h.serve(opExtents, h.extents))
		r.Get("/checksum", h.serve(opChecksum, h.checksum))
	})
	h.router = r
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// Operation names used in logs, spans and metrics.
const (
	opOptions  = "options"
	opRead     = "read"
	opWrite    = "write"
	opPatch    = "patch"
	opZero     = "zero"
	opFlush    = "flush"
	opExtents  = "extents"
	opChecksum = "checksum"
)

// exchange is the state of one data-plane request.
type exchange struct {
	h    *Handler
	w    chimw.WrapResponseWriter
	r    *http.Request
	rc   *http.ResponseController
	conn *conn
	id   string
	op   string

	// Set by attach. idle is the longest the client may stay silent while
	// a body is moving.
	ticket  *ticket.Ticket
	backend backend.Backend
	idle    time.Duration
	begun   bool

	// Payload bytes moved, for metrics.
	moved int64
}

// serve wraps an operation with connection tracking, tracing, logging,
// metrics and error mapping.
func (h *Handler) serve(op string, fn func(ctx context.Context, x *exchange) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := chi.URLParam(r, "ticketID")

		c := connFromContext(r.Context())
		if c == nil {
			// Served outside a Server: the request is its own connection.
			c = newConn(nil)
			defer c.release(h.opts.Registry)
		}

		ctx, span := telemetry.StartImageSpan(r.Context(), op, id,
			telemetry.ConnID(c.id), telemetry.ClientAddr(c.client))
		defer span.End()

		lc := logger.NewLogContext(c.client)
		lc.ConnID = c.id
		lc.TicketID = id
		lc.Op = op
		lc.RequestID = chimw.GetReqID(ctx)
		lc.TraceID = telemetry.TraceID(ctx)
		lc.SpanID = telemetry.SpanID(ctx)
		ctx = logger.WithContext(ctx, lc)

		x := &exchange{
			h:    h,
			w:    chimw.NewWrapResponseWriter(w, r.ProtoMajor),
			r:    r.WithContext(ctx),
			rc:   http.NewResponseController(w),
			conn: c,
			id:   id,
			op:   op,
		}
		defer x.finish(ctx, start)

		err := fn(ctx, x)
		if err == nil {
			return
		}
		telemetry.RecordError(ctx, err)
		status := problem.Status(err)

		if errors.Is(err, os.ErrDeadlineExceeded) {
			logger.InfoCtx(ctx, "Closing inactive connection",
				logger.KeyTimeout, x.idle, logger.KeyBytes, x.moved)
			panic(http.ErrAbortHandler)
		}
		if x.w.Status() != 0 {
			// Headers are gone; the only way to signal failure is to cut
			// the connection.
			logger.ErrorCtx(ctx, "Transfer aborted", logger.KeyError, err)
			panic(http.ErrAbortHandler)
		}

		switch {
		case status >= 500 && status != http.StatusServiceUnavailable:
			logger.ErrorCtx(ctx, "Request failed", logger.KeyStatus, status, logger.KeyError, err)
		default:
			logger.DebugCtx(ctx, "Request refused", logger.KeyStatus, status, logger.KeyError, err)
		}
		if errors.Is(err, ticket.ErrCanceled) || status >= 500 {
			x.w.Header().Set("Connection", "close")
		}
		problem.WriteError(x.w, r, err)
	}
}

// attach resolves the ticket, checks op and range, binds the connection and
// opens the backend. op may be empty for requests that only need the ticket
// to be usable.
func (x *exchange) attach(ctx context.Context, op ticket.Op, off, length int64) error {
	reg := x.h.opts.Registry

	t, err := reg.Lookup(x.id)
	if err != nil {
		return err
	}
	if op != "" {
		if err := t.Authorize(op, off, length); err != nil {
			return err
		}
	}

	if hook := testHookAfterLookup.Load(); hook != nil {
		(*hook)()
	}

	fresh := !x.conn.isAttached(x.id)
	t, err = reg.Bind(x.id, x.conn.id, x.conn.closer())
	if err != nil {
		if errors.Is(err, ticket.ErrTooManyConnections) && x.h.opts.Metrics != nil {
			x.h.opts.Metrics.AdmissionRejected()
		}
		return err
	}
	x.conn.attach(x.id)
	undo := func() {
		if fresh {
			x.conn.detach(x.id)
			reg.Unbind(x.id, x.conn.id)
		}
	}

	// The id may have been removed and re-added since Lookup.
	if op != "" {
		if err := t.Authorize(op, off, length); err != nil {
			undo()
			return err
		}
	}
	if lc := logger.FromContext(ctx); lc != nil {
		lc.TransferID = t.TransferID()
	}
	telemetry.SetAttributes(ctx, telemetry.TransferID(t.TransferID()))

	b, err := x.conn.backend(ctx, t, x.h.opts.Opener)
	if err != nil {
		undo()
		logger.WarnCtx(ctx, "Opening backend failed", logger.KeyURL, t.URL(), logger.KeyError, err)
		return err
	}
	telemetry.SetAttributes(ctx, telemetry.Backend(b.Name()))

	x.ticket, x.backend = t, b
	x.idle = reg.InactivityTimeout(t)
	t.Begin(x.conn.id, reg.Now())
	x.begun = true
	return nil
}

// size is the usable image size: the ticket may not reach past the backend.
func (x *exchange) size() int64 {
	return min(x.ticket.Size(), x.backend.Size())
}

// canceled reports whether the ticket is being removed. Streams check it
// between chunks.
func (x *exchange) canceled() error {
	select {
	case <-x.ticket.Canceled():
		x.w.Header().Set("Connection", "close")
		return ticket.ErrCanceled
	default:
		return nil
	}
}

// touch accounts n bytes moved under the ticket.
func (x *exchange) touch(n int64) {
	x.ticket.Touch(x.conn.id, n, x.h.opts.Registry.Now())
	x.moved += n
}

// armRead and armWrite push the connection deadline one inactivity window
// ahead. Writers that do not support deadlines (tests using a recorder) are
// ignored.
func (x *exchange) armRead() {
	_ = x.rc.SetReadDeadline(time.Now().Add(x.idle))
}

func (x *exchange) armWrite() {
	_ = x.rc.SetWriteDeadline(time.Now().Add(x.idle))
}

// send writes p to the client, re-arming the write deadline before every
// slice.
func (x *exchange) send(p []byte) error {
	for len(p) > 0 {
		n := min(len(p), ioSlice)
		x.armWrite()
		if _, err := x.w.Write(p[:n]); err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}

// bodyReader re-arms the read deadline before every read of the request
// body, so only silence trips it.
type bodyReader struct{ x *exchange }

func (b bodyReader) Read(p []byte) (int, error) {
	b.x.armRead()
	return b.x.r.Body.Read(p)
}

// testHookAfterLookup, when set, runs between ticket lookup and bind.
var testHookAfterLookup atomic.Pointer[func()]

// finish ends in-flight accounting, clears deadlines for the next request
// on the connection and records metrics.
func (x *exchange) finish(ctx context.Context, start time.Time) {
	if x.begun {
		x.ticket.End(x.conn.id, x.h.opts.Registry.Now())
		_ = x.rc.SetReadDeadline(time.Time{})
		_ = x.rc.SetWriteDeadline(time.Time{})
	}

	status := x.w.Status()
	if status == 0 {
		status = http.StatusOK
	}
	kind := "none"
	if x.backend != nil {
		kind = x.backend.Name()
	}
	telemetry.SetAttributes(ctx, telemetry.Status(status), telemetry.Bytes(x.moved))

	if m := x.h.opts.Metrics; m != nil {
		m.ObserveOperation(x.op, kind, status, time.Since(start))
		m.AddBytes(x.op, kind, x.moved)
	}
	logger.DebugCtx(ctx, "Operation finished",
		logger.KeyStatus, status,
		logger.KeyBytes, x.moved,
		logger.KeyDurationMs, float64(time.Since(start).Microseconds())/1000.0)
}

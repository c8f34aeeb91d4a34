package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys for transfer spans.
const (
	AttrTicketID   = "imageio.ticket_id"
	AttrTransferID = "imageio.transfer_id"
	AttrOp         = "imageio.op"
	AttrOffset     = "imageio.offset"
	AttrLength     = "imageio.length"
	AttrBytes      = "imageio.bytes"
	AttrBackend    = "imageio.backend"
	AttrConnID     = "imageio.conn_id"
	AttrClientAddr = "client.address"
	AttrStatus     = "http.response.status_code"
)

// Attribute constructors.
func TicketID(id string) attribute.KeyValue { return attribute.String(AttrTicketID, id) }
func TransferID(id string) attribute.KeyValue { return attribute.String(AttrTransferID, id) }
func Op(op string) attribute.KeyValue { return attribute.String(AttrOp, op) }
func Offset(off int64) attribute.KeyValue { return attribute.Int64(AttrOffset, off) }
func Length(n int64) attribute.KeyValue { return attribute.Int64(AttrLength, n) }
func Bytes(n int64) attribute.KeyValue { return attribute.Int64(AttrBytes, n) }
func Backend(kind string) attribute.KeyValue { return attribute.String(AttrBackend, kind) }
func ConnID(id string) attribute.KeyValue { return attribute.String(AttrConnID, id) }
func ClientAddr(addr string) attribute.KeyValue { return attribute.String(AttrClientAddr, addr) }
func Status(code int) attribute.KeyValue { return attribute.Int(AttrStatus, code) }

// StartImageSpan starts a server span for one data-plane operation on a
// ticket. Span names look like "image.read".
func StartImageSpan(ctx context.Context, op, ticketID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	all := make([]attribute.KeyValue, 0, len(attrs)+2)
	all = append(all, Op(op), TicketID(ticketID))
	all = append(all, attrs...)
	return Tracer().Start(ctx, "image."+op,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(all...))
}

// StartBackendSpan starts an internal span around a backend call.
func StartBackendSpan(ctx context.Context, kind, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	all := make([]attribute.KeyValue, 0, len(attrs)+2)
	all = append(all, Backend(kind), Op(op))
	all = append(all, attrs...)
	return Tracer().Start(ctx, "backend."+kind+"."+op,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(all...))
}

// StartTicketSpan starts a server span for a control-plane ticket request.
func StartTicketSpan(ctx context.Context, op, ticketID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "ticket."+op,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(TicketID(ticketID)))
}

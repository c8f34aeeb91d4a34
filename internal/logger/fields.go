package logger

import (
	"log/slog"
	"time"
)

// Standard field keys for structured logging.
// Use these keys consistently across all log statements so transfers can be
// followed across the control plane, data plane and backends.
const (
	// ========================================================================
	// Distributed Tracing
	// ========================================================================
	KeyTraceID   = "trace_id"   // OpenTelemetry trace ID for request correlation
	KeySpanID    = "span_id"    // OpenTelemetry span ID for operation tracking
	KeyRequestID = "request_id" // HTTP request ID

	// ========================================================================
	// Tickets
	// ========================================================================
	KeyTicketID    = "ticket_id"    // Ticket identifier
	KeyTransferID  = "transfer_id"  // Transfer identifier carried by the ticket
	KeyState       = "state"        // Ticket state: pending, active, canceling, removed
	KeyConnections = "connections"  // Bound data-plane connections
	KeyTimeout     = "timeout"      // Ticket or drain timeout
	KeyTransferred = "transferred"  // Bytes moved under a ticket

	// ========================================================================
	// Data Plane
	// ========================================================================
	KeyConnID = "conn_id" // Data-plane connection ID
	KeyClient = "client"  // Client address
	KeyOp     = "op"      // read, write, zero, flush, extents, checksum
	KeyOffset = "offset"  // Byte offset of a request
	KeyLength = "length"  // Byte length of a request
	KeyBytes  = "bytes"   // Bytes actually moved
	KeyStatus = "status"  // HTTP status code

	// ========================================================================
	// Backends
	// ========================================================================
	KeyBackend = "backend" // Backend kind: file, nbd, http, s3
	KeyURL     = "url"     // Resource URL
	KeySize    = "size"    // Resource size in bytes

	// ========================================================================
	// Operation Metadata
	// ========================================================================
	KeyDurationMs = "duration_ms" // Operation duration in milliseconds
	KeyError      = "error"       // Error message
)

// TicketID returns a slog.Attr for a ticket identifier
func TicketID(id string) slog.Attr {
	return slog.String(KeyTicketID, id)
}

// TransferID returns a slog.Attr for a transfer identifier
func TransferID(id string) slog.Attr {
	return slog.String(KeyTransferID, id)
}

// ConnID returns a slog.Attr for a data-plane connection identifier
func ConnID(id string) slog.Attr {
	return slog.String(KeyConnID, id)
}

// Op returns a slog.Attr for the operation name
func Op(op string) slog.Attr {
	return slog.String(KeyOp, op)
}

// Offset returns a slog.Attr for a byte offset
func Offset(off int64) slog.Attr {
	return slog.Int64(KeyOffset, off)
}

// Length returns a slog.Attr for a byte length
func Length(n int64) slog.Attr {
	return slog.Int64(KeyLength, n)
}

// Bytes returns a slog.Attr for bytes moved
func Bytes(n int64) slog.Attr {
	return slog.Int64(KeyBytes, n)
}

// Backend returns a slog.Attr for the backend kind
func Backend(kind string) slog.Attr {
	return slog.String(KeyBackend, kind)
}

// URL returns a slog.Attr for a resource URL
func URL(u string) slog.Attr {
	return slog.String(KeyURL, u)
}

// DurationMs returns a slog.Attr for duration in milliseconds
func DurationMs(d time.Duration) slog.Attr {
	return slog.Float64(KeyDurationMs, float64(d.Microseconds())/1000.0)
}

// Err returns a slog.Attr for an error
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

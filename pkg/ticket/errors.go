package ticket

import (
	"errors"
	"fmt"
)

// Standard ticket errors. The data plane and control plane check for these
// with errors.Is and map them to HTTP status codes.
var (
	// ErrNotFound indicates the ticket id is unknown or the ticket was removed.
	//
	// HTTP: 404 Not Found
	ErrNotFound = errors.New("ticket not found")

	// ErrConflict indicates a ticket with the same id already exists, or that
	// a removal could not complete yet. Callers may retry.
	//
	// HTTP: 409 Conflict
	ErrConflict = errors.New("ticket conflict")

	// ErrDrainTimeout indicates connections were still bound when a remove
	// call's drain window elapsed. The ticket stays in canceling state and a
	// repeated remove continues waiting.
	//
	// HTTP: 409 Conflict (wraps ErrConflict)
	ErrDrainTimeout = fmt.Errorf("%w: timed out waiting for connections to drain", ErrConflict)

	// ErrTooManyConnections indicates the per-ticket connection ceiling was
	// reached. This is transient; clients should retry later.
	//
	// HTTP: 503 Service Unavailable + Retry-After
	ErrTooManyConnections = errors.New("too many connections")

	// ErrForbidden indicates the ticket does not permit the operation.
	//
	// HTTP: 403 Forbidden
	ErrForbidden = errors.New("operation not permitted by ticket")

	// ErrCanceled indicates the ticket is being removed and refuses new work.
	//
	// HTTP: 403 Forbidden (wraps ErrForbidden)
	ErrCanceled = fmt.Errorf("%w: transfer was canceled", ErrForbidden)

	// ErrExpired indicates the ticket timed out but was not swept yet.
	//
	// HTTP: 403 Forbidden (wraps ErrForbidden)
	ErrExpired = fmt.Errorf("%w: ticket expired", ErrForbidden)

	// ErrOutOfRange indicates offset+length falls outside the ticket size.
	//
	// HTTP: 416 Range Not Satisfiable
	ErrOutOfRange = errors.New("requested range out of ticket size")

	// ErrInvalid indicates a malformed ticket definition.
	//
	// HTTP: 400 Bad Request
	ErrInvalid = errors.New("invalid ticket")
)

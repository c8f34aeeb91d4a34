// Package problem writes RFC 7807 "problem details" responses and maps the
// daemon's sentinel errors to HTTP status codes for both planes.
package problem

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strconv"

	"github.com/marmos91/imageiod/pkg/backend"
	"github.com/marmos91/imageiod/pkg/ticket"
)

// ContentType is the Content-Type of problem responses.
const ContentType = "application/problem+json"

// RetryAfter is the delay suggested to clients refused at the connection
// ceiling, in seconds.
const RetryAfter = 1

// Handler level errors. Handlers wrap them with detail.
var (
	// ErrBadRequest marks malformed client input.
	ErrBadRequest = errors.New("bad request")

	// ErrNotFound marks a sub-resource that does not exist for the ticket.
	ErrNotFound = errors.New("not found")
)

// Problem represents an RFC 7807 "problem details" response.
// https://tools.ietf.org/html/rfc7807
type Problem struct {
	// Type is a URI reference that identifies the problem type.
	Type string `json:"type,omitempty"`

	// Title is a short, human-readable summary of the problem type.
	Title string `json:"title"`

	// Status is the HTTP status code for this occurrence of the problem.
	Status int `json:"status"`

	// Detail is a human-readable explanation specific to this occurrence.
	Detail string `json:"detail,omitempty"`

	// Instance is the request path of this occurrence.
	Instance string `json:"instance,omitempty"`
}

// Error implements error so clients can return decoded problems.
func (p *Problem) Error() string {
	if p.Detail != "" {
		return p.Title + ": " + p.Detail
	}
	return p.Title
}

// Write writes a problem response.
func Write(w http.ResponseWriter, r *http.Request, status int, detail string) {
	p := &Problem{
		Type:   "about:blank",
		Title:  http.StatusText(status),
		Status: status,
		Detail: detail,
	}
	if r != nil {
		p.Instance = r.URL.Path
	}

	w.Header().Set("Content-Type", ContentType)
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", strconv.Itoa(RetryAfter))
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteError writes the problem matching err.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	Write(w, r, Status(err), err.Error())
}

// Status maps an error to its HTTP status code.
func Status(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrBadRequest), errors.Is(err, ticket.ErrInvalid),
		errors.Is(err, backend.ErrUnknownScheme):
		return http.StatusBadRequest
	case errors.Is(err, ticket.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ticket.ErrNotFound), errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ticket.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ticket.ErrOutOfRange), errors.Is(err, backend.ErrOutOfRange):
		return http.StatusRequestedRangeNotSatisfiable
	case errors.Is(err, ticket.ErrTooManyConnections):
		return http.StatusServiceUnavailable
	case errors.Is(err, backend.ErrNotSupported):
		return http.StatusMethodNotAllowed
	case errors.Is(err, backend.ErrUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether a client may retry a request that failed with
// status.
func Retryable(status int) bool {
	return status == http.StatusServiceUnavailable || status == http.StatusConflict
}

// Decode reads a problem body from resp. Bodies that are not problem JSON
// produce a Problem with the status text as title.
func Decode(resp *http.Response) *Problem {
	p := &Problem{}
	if err := json.NewDecoder(resp.Body).Decode(p); err != nil || p.Title == "" {
		p.Title = http.StatusText(resp.StatusCode)
	}
	p.Status = resp.StatusCode
	return p
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

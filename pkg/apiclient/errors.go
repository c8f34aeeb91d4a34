package apiclient

import (
	"fmt"
	"net/http"

	"github.com/marmos91/imageiod/internal/api/problem"
)

// APIError is a problem response returned by the daemon.
type APIError struct {
	StatusCode int
	Title      string
	Detail     string
	Instance   string
}

func newAPIError(resp *http.Response) *APIError {
	p := problem.Decode(resp)
	return &APIError{
		StatusCode: resp.StatusCode,
		Title:      p.Title,
		Detail:     p.Detail,
		Instance:   p.Instance,
	}
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s (%d): %s", e.Title, e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("%s (%d)", e.Title, e.StatusCode)
}

// IsNotFound returns true if the resource does not exist.
func (e *APIError) IsNotFound() bool {
	return e.StatusCode == http.StatusNotFound
}

// IsConflict returns true for duplicate tickets and drain timeouts.
func (e *APIError) IsConflict() bool {
	return e.StatusCode == http.StatusConflict
}

// IsValidationError returns true if the request was rejected as malformed.
func (e *APIError) IsValidationError() bool {
	return e.StatusCode == http.StatusBadRequest
}

// IsRetryable returns true if the same request may succeed later.
func (e *APIError) IsRetryable() bool {
	return problem.Retryable(e.StatusCode)
}

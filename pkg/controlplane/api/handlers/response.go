// Package handlers provides the control-plane HTTP handlers.
package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/marmos91/imageiod/internal/api/problem"
)

// Response wraps health and info payloads.
type Response struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
	Error     string    `json:"error,omitempty"`
}

func healthyResponse(data any) Response {
	return Response{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// decodeJSONBody decodes a JSON request body into v.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, v any) error {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid request body: %v", problem.ErrBadRequest, err)
	}
	return nil
}

// maxBody limits control-plane request bodies.
const maxBody = 64 << 10

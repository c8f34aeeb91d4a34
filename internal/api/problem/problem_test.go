package problem

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/imageiod/pkg/backend"
	"github.com/marmos91/imageiod/pkg/ticket"
)

func TestStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{fmt.Errorf("%w: bad range", ErrBadRequest), http.StatusBadRequest},
		{ticket.ErrInvalid, http.StatusBadRequest},
		{backend.ErrUnknownScheme, http.StatusBadRequest},
		{ticket.ErrForbidden, http.StatusForbidden},
		{ticket.ErrCanceled, http.StatusForbidden},
		{ticket.ErrExpired, http.StatusForbidden},
		{ticket.ErrNotFound, http.StatusNotFound},
		{ticket.ErrConflict, http.StatusConflict},
		{ticket.ErrDrainTimeout, http.StatusConflict},
		{ticket.ErrOutOfRange, http.StatusRequestedRangeNotSatisfiable},
		{backend.ErrOutOfRange, http.StatusRequestedRangeNotSatisfiable},
		{ticket.ErrTooManyConnections, http.StatusServiceUnavailable},
		{backend.ErrNotSupported, http.StatusMethodNotAllowed},
		{backend.ErrUnavailable, http.StatusBadGateway},
		{backend.ErrIO, http.StatusInternalServerError},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
	}
	for _, tt := range tests {
		name := "nil"
		if tt.err != nil {
			name = tt.err.Error()
		}
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tt.want, Status(tt.err))
		})
	}
}

func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/images/t1", nil)

	WriteError(rec, req, fmt.Errorf("bind: %w", ticket.ErrTooManyConnections))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, ContentType, rec.Header().Get("Content-Type"))
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	var p Problem
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&p))
	assert.Equal(t, "Service Unavailable", p.Title)
	assert.Equal(t, http.StatusServiceUnavailable, p.Status)
	assert.Equal(t, "/images/t1", p.Instance)
	assert.Contains(t, p.Detail, "too many connections")
}

func TestDecode(t *testing.T) {
	resp := &http.Response{
		StatusCode: http.StatusNotFound,
		Body:       http.NoBody,
	}
	p := Decode(resp)
	assert.Equal(t, "Not Found", p.Title)
	assert.Equal(t, http.StatusNotFound, p.Status)

	rec := httptest.NewRecorder()
	Write(rec, nil, http.StatusConflict, "draining")
	resp = rec.Result()
	p = Decode(resp)
	assert.Equal(t, "Conflict: draining", p.Error())
	assert.True(t, Retryable(p.Status))
	assert.False(t, Retryable(http.StatusForbidden))

	resp = &http.Response{StatusCode: http.StatusBadGateway, Body: io.NopCloser(strings.NewReader("not json"))}
	assert.Equal(t, "Bad Gateway", Decode(resp).Title)
}

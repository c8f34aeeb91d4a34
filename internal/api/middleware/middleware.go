// Package middleware holds chi middleware shared by the data plane and the
// control plane.
package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/marmos91/imageiod/internal/logger"
)

// RequestIDHeader is echoed on every response.
const RequestIDHeader = "X-Request-ID"

// RequestID assigns a request id (reusing a client supplied one) and echoes
// it in the response headers.
func RequestID(next http.Handler) http.Handler {
	return middleware.RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(RequestIDHeader, middleware.GetReqID(r.Context()))
		next.ServeHTTP(w, r)
	}))
}

// RequestLogger logs one structured access line per request. Paths with one
// of the quiet prefixes are logged at DEBUG.
func RequestLogger(component string, quiet ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			args := []any{
				"component", component,
				logger.KeyRequestID, middleware.GetReqID(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				logger.KeyStatus, ww.Status(),
				logger.KeyBytes, ww.BytesWritten(),
				logger.KeyClient, r.RemoteAddr,
				logger.KeyDurationMs, float64(time.Since(start).Microseconds()) / 1000.0,
			}
			for _, prefix := range quiet {
				if strings.HasPrefix(r.URL.Path, prefix) {
					logger.Debug("Request completed", args...)
					return
				}
			}
			logger.Info("Request completed", args...)
		})
	}
}

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/marmos91/imageiod/internal/api/middleware"
	"github.com/marmos91/imageiod/internal/api/problem"
	"github.com/marmos91/imageiod/pkg/controlplane/api/handlers"
	"github.com/marmos91/imageiod/pkg/metrics"
	"github.com/marmos91/imageiod/pkg/ticket"
)

// RouterOptions configures the control-plane router.
type RouterOptions struct {
	// Version is reported by GET /info.
	Version string

	// RemoveTimeout is the default drain window of DELETE /tickets/{id}.
	RemoveTimeout time.Duration

	// Metrics observes requests. Nil disables metrics.
	Metrics metrics.TicketMetrics
}

// NewRouter creates the control-plane router.
//
// Routes:
//   - GET /health - Liveness probe
//   - GET /info - Version and ticket counts
//   - GET /tickets - List ticket snapshots
//   - PUT /tickets/{id} - Add a ticket
//   - GET /tickets/{id} - Ticket snapshot
//   - PATCH /tickets/{id} - Extend a ticket
//   - DELETE /tickets/{id}[?timeout=seconds] - Remove a ticket, draining connections
func NewRouter(reg *ticket.Registry, opts RouterOptions) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RequestLogger("control", "/health", "/info"))
	r.Use(chimw.Recoverer)
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		problem.Write(w, r, http.StatusMethodNotAllowed, r.Method+" is not supported")
	})
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		problem.Write(w, r, http.StatusNotFound, "no such resource")
	})

	health := handlers.NewHealthHandler(reg, opts.Version)
	r.Get("/health", health.Liveness)
	r.Get("/info", health.Info)

	tickets := handlers.NewTicketHandler(reg, opts.RemoveTimeout, opts.Metrics)
	r.Route("/tickets", func(r chi.Router) {
		r.Get("/", tickets.List())
		r.Route("/{ticketID}", func(r chi.Router) {
			r.Put("/", tickets.Add())
			r.Get("/", tickets.Get())
			r.Patch("/", tickets.Extend())
			r.Delete("/", tickets.Remove())
		})
	})

	return r
}

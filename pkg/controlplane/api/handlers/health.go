package handlers

import (
	"net/http"
	"time"

	"github.com/marmos91/imageiod/internal/api/problem"
	"github.com/marmos91/imageiod/pkg/ticket"
)

// HealthHandler serves /health and /info.
type HealthHandler struct {
	registry  *ticket.Registry
	version   string
	startTime time.Time
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(reg *ticket.Registry, version string) *HealthHandler {
	return &HealthHandler{
		registry:  reg,
		version:   version,
		startTime: time.Now(),
	}
}

// Info is the payload of GET /info.
type Info struct {
	Version        string               `json:"version"`
	StartedAt      time.Time            `json:"started_at"`
	MaxConnections int                  `json:"max_connections"`
	Tickets        int                  `json:"tickets"`
	ByState        map[ticket.State]int `json:"by_state"`
	Connections    int                  `json:"connections"`
	Transferred    int64                `json:"transferred"`
}

// Liveness handles GET /health.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(h.startTime)
	problem.WriteJSON(w, http.StatusOK, healthyResponse(map[string]any{
		"service":    "imageiod",
		"started_at": h.startTime.UTC().Format(time.RFC3339),
		"uptime":     uptime.Round(time.Second).String(),
		"uptime_sec": int64(uptime.Seconds()),
	}))
}

// Info handles GET /info.
func (h *HealthHandler) Info(w http.ResponseWriter, r *http.Request) {
	stats := h.registry.Stats()
	total := 0
	for _, n := range stats.ByState {
		total += n
	}
	problem.WriteJSON(w, http.StatusOK, Info{
		Version:        h.version,
		StartedAt:      h.startTime.UTC(),
		MaxConnections: h.registry.MaxConnections(),
		Tickets:        total,
		ByState:        stats.ByState,
		Connections:    stats.Connections,
		Transferred:    stats.Transferred,
	})
}

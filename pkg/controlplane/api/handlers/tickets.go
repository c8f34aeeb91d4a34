package handlers

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/marmos91/imageiod/internal/api/problem"
	"github.com/marmos91/imageiod/internal/logger"
	"github.com/marmos91/imageiod/internal/telemetry"
	"github.com/marmos91/imageiod/pkg/backend/opener"
	"github.com/marmos91/imageiod/pkg/metrics"
	"github.com/marmos91/imageiod/pkg/ticket"
)

// TicketHandler serves the /tickets endpoints.
type TicketHandler struct {
	registry      *ticket.Registry
	removeTimeout time.Duration
	metrics       metrics.TicketMetrics
	validate      *validator.Validate
}

// NewTicketHandler creates a TicketHandler. removeTimeout is the drain
// window used when DELETE does not pass one. m may be nil.
func NewTicketHandler(reg *ticket.Registry, removeTimeout time.Duration, m metrics.TicketMetrics) *TicketHandler {
	return &TicketHandler{
		registry:      reg,
		removeTimeout: removeTimeout,
		metrics:       m,
		validate:      validator.New(validator.WithRequiredStructEnabled()),
	}
}

// maxTimeoutSeconds bounds every timeout accepted in seconds (ten years), so
// the conversion to time.Duration cannot overflow. Keep the lte tags below
// in sync.
const maxTimeoutSeconds = 10 * 365 * 24 * 60 * 60

// TicketRequest is the body of PUT /tickets/{id}. Timeouts are in seconds.
type TicketRequest struct {
	UUID              string      `json:"uuid,omitempty"`
	URL               string      `json:"url" validate:"required"`
	Size              int64       `json:"size" validate:"min=0"`
	Ops               []ticket.Op `json:"ops" validate:"required,min=1,dive,oneof=read write zero flush"`
	Timeout           int64       `json:"timeout" validate:"gt=0,lte=315360000"`
	InactivityTimeout int64       `json:"inactivity_timeout,omitempty" validate:"min=0,lte=315360000"`
	TransferID        string      `json:"transfer_id,omitempty" validate:"max=256"`
	Filename          string      `json:"filename,omitempty" validate:"max=255"`
	Sparse            *bool       `json:"sparse,omitempty"`
	Dirty             bool        `json:"dirty,omitempty"`
}

// ExtendRequest is the body of PATCH /tickets/{id}.
type ExtendRequest struct {
	Timeout *int64 `json:"timeout" validate:"required,min=0,lte=315360000"`
}

// Spec converts the request into a ticket definition for id.
func (req TicketRequest) Spec(id string) ticket.Spec {
	sparse := true
	if req.Sparse != nil {
		sparse = *req.Sparse
	}
	return ticket.Spec{
		ID:                id,
		URL:               req.URL,
		Ops:               req.Ops,
		Size:              req.Size,
		Timeout:           time.Duration(req.Timeout) * time.Second,
		InactivityTimeout: time.Duration(req.InactivityTimeout) * time.Second,
		TransferID:        req.TransferID,
		Filename:          req.Filename,
		Sparse:            sparse,
		Dirty:             req.Dirty,
	}
}

// Operation names for logs and metrics.
const (
	opAdd    = "add"
	opGet    = "get"
	opList   = "list"
	opExtend = "extend"
	opRemove = "remove"
)

type ticketFunc func(ctx context.Context, w http.ResponseWriter, r *http.Request, id string) error

// serve adds tracing, metrics and error mapping to a ticket operation.
func (h *TicketHandler) serve(op string, fn ticketFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := chi.URLParam(r, "ticketID")
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

		ctx, span := telemetry.StartTicketSpan(r.Context(), op, id)
		defer span.End()

		if err := fn(ctx, ww, r, id); err != nil {
			telemetry.RecordError(ctx, err)
			status := problem.Status(err)
			if status >= 500 {
				logger.ErrorCtx(ctx, "Ticket request failed",
					logger.KeyOp, op, logger.KeyTicketID, id, logger.KeyError, err)
			} else {
				logger.DebugCtx(ctx, "Ticket request refused",
					logger.KeyOp, op, logger.KeyTicketID, id, logger.KeyStatus, status, logger.KeyError, err)
			}
			problem.WriteError(ww, r, err)
		}

		if h.metrics != nil {
			h.metrics.ObserveRequest(op, ww.Status(), time.Since(start))
		}
	}
}

// Add handles PUT /tickets/{id}.
func (h *TicketHandler) Add() http.HandlerFunc {
	return h.serve(opAdd, func(ctx context.Context, w http.ResponseWriter, r *http.Request, id string) error {
		var req TicketRequest
		if err := decodeJSONBody(w, r, &req); err != nil {
			return err
		}
		if err := h.validate.Struct(req); err != nil {
			return fmt.Errorf("%w: %v", problem.ErrBadRequest, err)
		}
		if req.UUID != "" && req.UUID != id {
			return fmt.Errorf("%w: uuid %q does not match path id %q", problem.ErrBadRequest, req.UUID, id)
		}
		if _, err := opener.Scheme(req.URL); err != nil {
			return err
		}

		info, err := h.registry.Add(req.Spec(id))
		if err != nil {
			return err
		}
		problem.WriteJSON(w, http.StatusCreated, info)
		return nil
	})
}

// Get handles GET /tickets/{id}.
func (h *TicketHandler) Get() http.HandlerFunc {
	return h.serve(opGet, func(ctx context.Context, w http.ResponseWriter, r *http.Request, id string) error {
		info, err := h.registry.Get(id)
		if err != nil {
			return err
		}
		problem.WriteJSON(w, http.StatusOK, info)
		return nil
	})
}

// List handles GET /tickets.
func (h *TicketHandler) List() http.HandlerFunc {
	return h.serve(opList, func(ctx context.Context, w http.ResponseWriter, r *http.Request, _ string) error {
		infos := h.registry.List()
		if infos == nil {
			infos = []ticket.Info{}
		}
		problem.WriteJSON(w, http.StatusOK, infos)
		return nil
	})
}

// Extend handles PATCH /tickets/{id}.
func (h *TicketHandler) Extend() http.HandlerFunc {
	return h.serve(opExtend, func(ctx context.Context, w http.ResponseWriter, r *http.Request, id string) error {
		var req ExtendRequest
		if err := decodeJSONBody(w, r, &req); err != nil {
			return err
		}
		if err := h.validate.Struct(req); err != nil {
			return fmt.Errorf("%w: %v", problem.ErrBadRequest, err)
		}

		info, err := h.registry.Extend(id, time.Duration(*req.Timeout)*time.Second)
		if err != nil {
			return err
		}
		problem.WriteJSON(w, http.StatusOK, info)
		return nil
	})
}

// Remove handles DELETE /tickets/{id}[?timeout=seconds]. It blocks until
// the ticket's connections drain or the timeout elapses (409).
func (h *TicketHandler) Remove() http.HandlerFunc {
	return h.serve(opRemove, func(ctx context.Context, w http.ResponseWriter, r *http.Request, id string) error {
		timeout := h.removeTimeout
		if v := r.URL.Query().Get("timeout"); v != "" {
			secs, err := strconv.ParseFloat(v, 64)
			if err != nil || math.IsNaN(secs) || math.IsInf(secs, 0) || secs < 0 || secs > maxTimeoutSeconds {
				return fmt.Errorf("%w: invalid timeout %q", problem.ErrBadRequest, v)
			}
			timeout = time.Duration(secs * float64(time.Second))
		}

		err := h.registry.Remove(ctx, id, timeout)
		if errors.Is(err, ticket.ErrDrainTimeout) && h.metrics != nil {
			h.metrics.DrainTimeout()
		}
		if err != nil {
			return err
		}
		w.WriteHeader(http.StatusNoContent)
		return nil
	})
}

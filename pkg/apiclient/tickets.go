package apiclient

import (
	"context"
	"net/url"
	"strconv"
	"time"

	"github.com/marmos91/imageiod/pkg/controlplane/api/handlers"
	"github.com/marmos91/imageiod/pkg/ticket"
)

// TicketRequest is the body of an add-ticket request.
type TicketRequest = handlers.TicketRequest

// DaemonInfo is the daemon summary returned by GET /info.
type DaemonInfo = handlers.Info

// AddTicket installs a ticket under id.
func (c *Client) AddTicket(ctx context.Context, id string, req TicketRequest) (*ticket.Info, error) {
	var info ticket.Info
	if err := c.put(ctx, ticketPath(id), req, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// GetTicket returns a snapshot of ticket id.
func (c *Client) GetTicket(ctx context.Context, id string) (*ticket.Info, error) {
	var info ticket.Info
	if err := c.get(ctx, ticketPath(id), &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// ListTickets returns snapshots of all tickets ordered by id.
func (c *Client) ListTickets(ctx context.Context) ([]ticket.Info, error) {
	var infos []ticket.Info
	if err := c.get(ctx, "/tickets", &infos); err != nil {
		return nil, err
	}
	return infos, nil
}

// ExtendTicket raises the ticket timeout. Shorter timeouts are ignored by
// the daemon.
func (c *Client) ExtendTicket(ctx context.Context, id string, timeout time.Duration) (*ticket.Info, error) {
	secs := int64(timeout / time.Second)
	var info ticket.Info
	if err := c.patch(ctx, ticketPath(id), handlers.ExtendRequest{Timeout: &secs}, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// RemoveTicket removes ticket id, waiting up to timeout for its connections
// to drain. A negative timeout uses the daemon default. A drain that does not
// finish in time fails with a conflict; the call may be retried.
func (c *Client) RemoveTicket(ctx context.Context, id string, timeout time.Duration) error {
	path := ticketPath(id)
	if timeout >= 0 {
		path += "?timeout=" + strconv.FormatFloat(timeout.Seconds(), 'f', -1, 64)
	}
	return c.delete(ctx, path)
}

// Info returns the daemon version and ticket counts.
func (c *Client) Info(ctx context.Context) (*DaemonInfo, error) {
	var info DaemonInfo
	if err := c.get(ctx, "/info", &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Health checks that the daemon answers.
func (c *Client) Health(ctx context.Context) (*handlers.Response, error) {
	var resp handlers.Response
	if err := c.get(ctx, "/health", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func ticketPath(id string) string {
	return "/tickets/" + url.PathEscape(id)
}

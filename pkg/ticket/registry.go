package ticket

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/marmos91/imageiod/internal/logger"
)

// Default registry limits.
const (
	DefaultMaxConnections    = 8
	DefaultInactivityTimeout = 60 * time.Second
	DefaultSweepInterval     = time.Second
)

// Options configures a Registry.
type Options struct {
	// MaxConnections is the ceiling on connections bound to one ticket.
	// Default: 8
	MaxConnections int

	// InactivityTimeout closes a bound connection that stays idle longer than
	// this, unless the ticket overrides it.
	// Default: 60s
	InactivityTimeout time.Duration

	// Now returns the current time. Tests replace it with a fake clock.
	Now func() time.Time
}

func (o *Options) applyDefaults() {
	if o.MaxConnections <= 0 {
		o.MaxConnections = DefaultMaxConnections
	}
	if o.InactivityTimeout <= 0 {
		o.InactivityTimeout = DefaultInactivityTimeout
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Stats is a point-in-time summary used by metrics.
type Stats struct {
	ByState     map[State]int
	Connections int
	Transferred int64
}

// Registry is the single owner of all live tickets.
//
// The map lock is held only to find, insert or evict entries. Every state
// change of a ticket happens under that ticket's mutex, which gives the
// per-record exclusion the data plane and control plane rely on:
// bind/unbind/extend/remove/sweep on one id are linearizable, and operations
// on different ids never block each other.
type Registry struct {
	opts Options

	mu      sync.RWMutex
	tickets map[string]*Ticket
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	opts.applyDefaults()
	return &Registry{
		opts:    opts,
		tickets: make(map[string]*Ticket),
	}
}

// MaxConnections returns the per-ticket connection ceiling.
func (r *Registry) MaxConnections() int {
	return r.opts.MaxConnections
}

// InactivityTimeout returns how long a connection bound to t may stay
// silent: the ticket's own limit, or the registry default.
func (r *Registry) InactivityTimeout(t *Ticket) time.Duration {
	return t.inactivityTimeout(r.opts.InactivityTimeout)
}

// Now returns the registry clock's current time.
func (r *Registry) Now() time.Time {
	return r.opts.Now()
}

// Add inserts a new ticket in pending state. A duplicate id fails with
// ErrConflict and leaves the existing ticket untouched.
func (r *Registry) Add(spec Spec) (Info, error) {
	if err := spec.Validate(); err != nil {
		return Info{}, err
	}

	now := r.opts.Now()
	t := newTicket(spec, now)

	r.mu.Lock()
	if _, exists := r.tickets[spec.ID]; exists {
		r.mu.Unlock()
		return Info{}, fmt.Errorf("%w: ticket %q already exists", ErrConflict, spec.ID)
	}
	r.tickets[spec.ID] = t
	r.mu.Unlock()

	logger.Info("Ticket added",
		logger.KeyTicketID, spec.ID,
		logger.KeyTransferID, t.spec.TransferID,
		logger.KeyURL, spec.URL,
		logger.KeySize, spec.Size,
		logger.KeyTimeout, spec.Timeout)

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.infoLocked(now, r.opts.InactivityTimeout), nil
}

// lookup returns the live record or ErrNotFound.
func (r *Registry) lookup(id string) (*Ticket, error) {
	r.mu.RLock()
	t, ok := r.tickets[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return t, nil
}

// evict removes t from the map if it is still the entry for its id.
func (r *Registry) evict(t *Ticket) {
	r.mu.Lock()
	if cur, ok := r.tickets[t.spec.ID]; ok && cur == t {
		delete(r.tickets, t.spec.ID)
	}
	r.mu.Unlock()
}

// Get returns a snapshot of the ticket.
func (r *Registry) Get(id string) (Info, error) {
	t, err := r.lookup(id)
	if err != nil {
		return Info{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateRemoved {
		return Info{}, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return t.infoLocked(r.opts.Now(), r.opts.InactivityTimeout), nil
}

// Lookup returns the live ticket for data-plane use. It refuses tickets that
// are removed, canceling or expired.
func (r *Registry) Lookup(id string) (*Ticket, error) {
	t, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.usableLocked(r.opts.Now()); err != nil {
		return nil, err
	}
	return t, nil
}

// usableLocked reports why new work cannot start. Caller must hold t.mu.
func (t *Ticket) usableLocked(now time.Time) error {
	switch {
	case t.state == StateRemoved:
		return fmt.Errorf("%w: %q", ErrNotFound, t.spec.ID)
	case t.state == StateCanceling:
		return ErrCanceled
	case t.expiredLocked(now):
		return ErrExpired
	}
	return nil
}

// List returns snapshots of all tickets ordered by id.
func (r *Registry) List() []Info {
	r.mu.RLock()
	all := make([]*Ticket, 0, len(r.tickets))
	for _, t := range r.tickets {
		all = append(all, t)
	}
	r.mu.RUnlock()

	now := r.opts.Now()
	infos := make([]Info, 0, len(all))
	for _, t := range all {
		t.mu.Lock()
		if t.state != StateRemoved {
			infos = append(infos, t.infoLocked(now, r.opts.InactivityTimeout))
		}
		t.mu.Unlock()
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Extend raises the ticket timeout. A timeout not greater than the current
// one is a no-op; otherwise the timeout is replaced and activity refreshed.
func (r *Registry) Extend(id string, timeout time.Duration) (Info, error) {
	if timeout < 0 {
		return Info{}, fmt.Errorf("%w: timeout must not be negative", ErrInvalid)
	}
	t, err := r.lookup(id)
	if err != nil {
		return Info{}, err
	}

	now := r.opts.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateRemoved {
		return Info{}, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if timeout > t.timeout {
		t.timeout = timeout
		t.activeUntil = now
		logger.Info("Ticket extended", logger.KeyTicketID, id, logger.KeyTimeout, timeout)
	}
	return t.infoLocked(now, r.opts.InactivityTimeout), nil
}

// Bind attaches a data-plane connection to the ticket. Binding a connection
// that is already bound is a no-op. closer is used to force the connection
// closed on cancel or inactivity.
func (r *Registry) Bind(id, connID string, closer io.Closer) (*Ticket, error) {
	t, err := r.lookup(id)
	if err != nil {
		return nil, err
	}

	now := r.opts.Now()
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.usableLocked(now); err != nil {
		return nil, err
	}
	if b, ok := t.conns[connID]; ok {
		b.lastActivity = now
		return t, nil
	}
	if len(t.conns) >= r.opts.MaxConnections {
		return nil, fmt.Errorf("%w: ticket %q has %d connections", ErrTooManyConnections, id, len(t.conns))
	}

	if len(t.conns) == 0 {
		t.drained = make(chan struct{})
	}
	t.conns[connID] = &binding{closer: closer, lastActivity: now}
	t.activeUntil = now
	if t.state == StatePending {
		t.state = StateActive
		logger.Info("Ticket active", logger.KeyTicketID, id, logger.KeyConnID, connID)
	}
	logger.Debug("Connection bound",
		logger.KeyTicketID, id, logger.KeyConnID, connID, logger.KeyConnections, len(t.conns))
	return t, nil
}

// Unbind detaches a connection. When the last connection of a canceling
// ticket leaves, the ticket is removed.
func (r *Registry) Unbind(id, connID string) {
	t, err := r.lookup(id)
	if err != nil {
		return
	}

	now := r.opts.Now()
	t.mu.Lock()
	if _, ok := t.conns[connID]; !ok {
		t.mu.Unlock()
		return
	}
	delete(t.conns, connID)
	t.activeUntil = now
	remaining := len(t.conns)

	removed := false
	if remaining == 0 {
		close(t.drained)
		if t.state == StateCanceling {
			t.state = StateRemoved
			removed = true
		}
	}
	t.mu.Unlock()

	logger.Debug("Connection unbound",
		logger.KeyTicketID, id, logger.KeyConnID, connID, logger.KeyConnections, remaining)
	if removed {
		r.evict(t)
		logger.Info("Ticket removed", logger.KeyTicketID, id, logger.KeyTransferred, t.Transferred())
	}
}

// Remove cancels the ticket and waits up to drainTimeout for its connections
// to go away. Idle connections are closed right away; connections in the
// middle of an operation stop at the next chunk boundary.
//
// Removing an unknown ticket succeeds. If connections remain when the window
// elapses Remove returns ErrDrainTimeout and the ticket stays canceling; each
// call waits for its own fresh window.
func (r *Registry) Remove(ctx context.Context, id string, drainTimeout time.Duration) error {
	t, err := r.lookup(id)
	if err != nil {
		return nil
	}

	t.mu.Lock()
	switch {
	case t.state == StateRemoved:
		t.mu.Unlock()
		return nil
	case len(t.conns) == 0:
		t.state = StateRemoved
		if !isClosed(t.canceled) {
			close(t.canceled)
		}
		t.mu.Unlock()
		r.evict(t)
		logger.Info("Ticket removed", logger.KeyTicketID, id, logger.KeyTransferred, t.Transferred())
		return nil
	}

	var idle []io.Closer
	if t.state != StateCanceling {
		t.state = StateCanceling
		close(t.canceled)
		logger.Info("Ticket canceling",
			logger.KeyTicketID, id, logger.KeyConnections, len(t.conns), logger.KeyTimeout, drainTimeout)
	}
	for _, b := range t.conns {
		if b.inflight == 0 && b.closer != nil {
			idle = append(idle, b.closer)
		}
	}
	drained := t.drained
	t.mu.Unlock()

	for _, c := range idle {
		_ = c.Close()
	}

	if drainTimeout <= 0 {
		select {
		case <-drained:
			return nil
		default:
			return ErrDrainTimeout
		}
	}

	timer := time.NewTimer(drainTimeout)
	defer timer.Stop()
	select {
	case <-drained:
		return nil
	case <-timer.C:
		logger.Warn("Ticket drain timed out",
			logger.KeyTicketID, id, logger.KeyConnections, t.Connections(), logger.KeyTimeout, drainTimeout)
		return ErrDrainTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func isClosed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// Sweep evicts expired tickets and closes bound connections that stayed idle
// past their inactivity timeout. It returns the number of tickets evicted.
func (r *Registry) Sweep() int {
	r.mu.RLock()
	all := make([]*Ticket, 0, len(r.tickets))
	for _, t := range r.tickets {
		all = append(all, t)
	}
	r.mu.RUnlock()

	now := r.opts.Now()
	evicted := 0
	var stale []io.Closer

	for _, t := range all {
		t.mu.Lock()
		if (t.state == StatePending || t.state == StateActive) && t.expiredLocked(now) {
			t.state = StateRemoved
			close(t.canceled)
			t.mu.Unlock()
			r.evict(t)
			evicted++
			logger.Info("Ticket expired", logger.KeyTicketID, t.spec.ID, logger.KeyTransferred, t.Transferred())
			continue
		}
		limit := t.inactivityTimeout(r.opts.InactivityTimeout)
		for connID, b := range t.conns {
			if b.inflight == 0 && b.closer != nil && now.Sub(b.lastActivity) > limit {
				stale = append(stale, b.closer)
				logger.Info("Closing inactive connection",
					logger.KeyTicketID, t.spec.ID, logger.KeyConnID, connID, logger.KeyTimeout, limit)
			}
		}
		t.mu.Unlock()
	}

	for _, c := range stale {
		_ = c.Close()
	}
	return evicted
}

// Run sweeps on every interval tick until ctx is cancelled.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Stats summarizes the registry for metrics.
func (r *Registry) Stats() Stats {
	stats := Stats{ByState: map[State]int{}}
	for _, info := range r.List() {
		stats.ByState[info.State]++
		stats.Connections += info.Connections
		stats.Transferred += info.Transferred
	}
	return stats
}

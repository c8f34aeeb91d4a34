// Package ticket implements the authorization records that scope image
// transfers and the registry that owns them.
//
// A Ticket grants a set of operations on one resource URL for a bounded size
// and time. The data plane binds connections to tickets, moves bytes under
// them and reports activity; the control plane adds, extends, inspects and
// removes them. All mutation of one ticket is serialized on that ticket's own
// mutex, so operations on different tickets never contend beyond the short
// registry map lookup.
package ticket

import (
	"fmt"
	"io"
	"net/url"
	"slices"
	"sync"
	"time"
)

// Op is a data-plane operation a ticket may permit.
type Op string

const (
	OpRead  Op = "read"
	OpWrite Op = "write"
	OpZero  Op = "zero"
	OpFlush Op = "flush"
)

// ValidOps lists every operation a ticket may carry.
var ValidOps = []Op{OpRead, OpWrite, OpZero, OpFlush}

// State is the lifecycle state of a ticket.
type State string

const (
	// StatePending is a ticket that never had a bound connection.
	StatePending State = "pending"
	// StateActive is a ticket that had at least one bound connection.
	StateActive State = "active"
	// StateCanceling is a ticket being removed while connections drain.
	StateCanceling State = "canceling"
	// StateRemoved is a ticket evicted from the registry.
	StateRemoved State = "removed"
)

// Spec describes a ticket as requested by the control plane.
type Spec struct {
	ID   string
	URL  string
	Ops  []Op
	Size int64

	// Timeout is how long the ticket survives without data-plane activity
	// once no connection is bound.
	Timeout time.Duration

	// InactivityTimeout overrides the daemon-wide idle limit for a single
	// bound connection. Zero uses the registry default.
	InactivityTimeout time.Duration

	TransferID string
	Filename   string
	Sparse     bool
	Dirty      bool
}

// Validate checks the structural rules of a ticket definition.
func (s Spec) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalid)
	}
	if s.Size < 0 {
		return fmt.Errorf("%w: size must not be negative", ErrInvalid)
	}
	if s.Timeout < 0 || s.InactivityTimeout < 0 {
		return fmt.Errorf("%w: timeouts must not be negative", ErrInvalid)
	}
	if len(s.Ops) == 0 {
		return fmt.Errorf("%w: ops must not be empty", ErrInvalid)
	}
	for _, op := range s.Ops {
		if !slices.Contains(ValidOps, op) {
			return fmt.Errorf("%w: unknown op %q", ErrInvalid, op)
		}
	}
	u, err := url.Parse(s.URL)
	if err != nil || u.Scheme == "" {
		return fmt.Errorf("%w: url %q is not an absolute url", ErrInvalid, s.URL)
	}
	return nil
}

// defaultTransferID derives a transfer id for tickets created without one.
func defaultTransferID(id string) string {
	if len(id) > 18 {
		id = id[:18]
	}
	return "(ticket/" + id + ")"
}

// Info is a point-in-time snapshot of a ticket.
type Info struct {
	ID                string    `json:"id" yaml:"id"`
	URL               string    `json:"url" yaml:"url"`
	Size              int64     `json:"size" yaml:"size"`
	Ops               []Op      `json:"ops" yaml:"ops"`
	Timeout           int64     `json:"timeout" yaml:"timeout"`
	InactivityTimeout int64     `json:"inactivity_timeout" yaml:"inactivity_timeout"`
	TransferID        string    `json:"transfer_id" yaml:"transfer_id"`
	Filename          string    `json:"filename,omitempty" yaml:"filename,omitempty"`
	Sparse            bool      `json:"sparse" yaml:"sparse"`
	Dirty             bool      `json:"dirty" yaml:"dirty"`
	State             State     `json:"state" yaml:"state"`
	Active            bool      `json:"active" yaml:"active"`
	Canceled          bool      `json:"canceled" yaml:"canceled"`
	Connections       int       `json:"connections" yaml:"connections"`
	Expires           int64     `json:"expires" yaml:"expires"`
	IdleTime          int64     `json:"idle_time" yaml:"idle_time"`
	Transferred       int64     `json:"transferred" yaml:"transferred"`
	ActiveUntil       time.Time `json:"-" yaml:"-"`
}

// binding is one data-plane connection attached to a ticket.
type binding struct {
	closer       io.Closer
	lastActivity time.Time
	inflight     int
}

// Ticket is a live ticket record owned by a Registry.
//
// Immutable fields (id, url, ops, size and the descriptive fields) may be read
// without locking. Everything else is guarded by mu.
type Ticket struct {
	spec Spec

	mu          sync.Mutex
	state       State
	timeout     time.Duration
	activeUntil time.Time
	transferred int64
	conns       map[string]*binding

	// drained is closed when the connection count drops to zero. A new
	// channel is created on every 0 -> 1 transition.
	drained chan struct{}

	// canceled is closed once when removal starts.
	canceled chan struct{}
}

func newTicket(spec Spec, now time.Time) *Ticket {
	if spec.TransferID == "" {
		spec.TransferID = defaultTransferID(spec.ID)
	}
	spec.Ops = slices.Clone(spec.Ops)
	return &Ticket{
		spec:        spec,
		state:       StatePending,
		timeout:     spec.Timeout,
		activeUntil: now,
		conns:       make(map[string]*binding),
		canceled:    make(chan struct{}),
	}
}

// ID returns the ticket id.
func (t *Ticket) ID() string { return t.spec.ID }

// URL returns the resource url the ticket grants access to.
func (t *Ticket) URL() string { return t.spec.URL }

// Size returns the declared resource size.
func (t *Ticket) Size() int64 { return t.spec.Size }

// TransferID returns the transfer id used for logging.
func (t *Ticket) TransferID() string { return t.spec.TransferID }

// Filename returns the suggested download name, if any.
func (t *Ticket) Filename() string { return t.spec.Filename }

// Sparse reports whether zero requests may deallocate storage.
func (t *Ticket) Sparse() bool { return t.spec.Sparse }

// Dirty reports whether the ticket asked for dirty extents.
func (t *Ticket) Dirty() bool { return t.spec.Dirty }

// Canceled returns a channel closed when removal of the ticket starts.
// Streaming operations check it between chunks.
func (t *Ticket) Canceled() <-chan struct{} { return t.canceled }

// May reports whether the ticket permits op. Write access implies read, zero
// and flush.
func (t *Ticket) May(op Op) bool {
	if slices.Contains(t.spec.Ops, op) {
		return true
	}
	return op != OpWrite && slices.Contains(t.spec.Ops, OpWrite)
}

// Authorize checks op and the byte range [offset, offset+length) against the
// ticket without touching any counters.
func (t *Ticket) Authorize(op Op, offset, length int64) error {
	if !t.May(op) {
		return fmt.Errorf("%w: %s", ErrForbidden, op)
	}
	if offset < 0 || length < 0 || offset > t.spec.Size || length > t.spec.Size-offset {
		return fmt.Errorf("%w: offset=%d length=%d size=%d", ErrOutOfRange, offset, length, t.spec.Size)
	}
	return nil
}

// Begin marks an operation in flight on a bound connection. The sweeper
// skips in-flight connections; the data plane bounds their silence with
// I/O deadlines of InactivityTimeout.
func (t *Ticket) Begin(connID string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok := t.conns[connID]; ok {
		b.inflight++
		b.lastActivity = now
	}
	t.activeUntil = now
}

// End marks the end of an operation started with Begin.
func (t *Ticket) End(connID string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok := t.conns[connID]; ok {
		if b.inflight > 0 {
			b.inflight--
		}
		b.lastActivity = now
	}
	t.activeUntil = now
}

// Touch accounts n transferred bytes and refreshes activity for connID.
func (t *Ticket) Touch(connID string, n int64, now time.Time) {
	if n < 0 {
		n = 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.transferred += n
	t.activeUntil = now
	if b, ok := t.conns[connID]; ok {
		b.lastActivity = now
	}
}

// Transferred returns the bytes moved under the ticket so far.
func (t *Ticket) Transferred() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transferred
}

// Connections returns the number of bound connections.
func (t *Ticket) Connections() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

// State returns the current lifecycle state.
func (t *Ticket) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// expiredLocked reports whether the ticket idled past its timeout.
// Caller must hold t.mu.
func (t *Ticket) expiredLocked(now time.Time) bool {
	return len(t.conns) == 0 && now.After(t.activeUntil.Add(t.timeout))
}

func (t *Ticket) inactivityTimeout(def time.Duration) time.Duration {
	if t.spec.InactivityTimeout > 0 {
		return t.spec.InactivityTimeout
	}
	return def
}

// info builds a snapshot. Caller must hold t.mu.
func (t *Ticket) infoLocked(now time.Time, defInactivity time.Duration) Info {
	idle := now.Sub(t.activeUntil)
	for _, b := range t.conns {
		if b.inflight > 0 {
			idle = 0
			break
		}
	}
	if idle < 0 {
		idle = 0
	}
	return Info{
		ID:                t.spec.ID,
		URL:               t.spec.URL,
		Size:              t.spec.Size,
		Ops:               slices.Clone(t.spec.Ops),
		Timeout:           int64(t.timeout / time.Second),
		InactivityTimeout: int64(t.inactivityTimeout(defInactivity) / time.Second),
		TransferID:        t.spec.TransferID,
		Filename:          t.spec.Filename,
		Sparse:            t.spec.Sparse,
		Dirty:             t.spec.Dirty,
		State:             t.state,
		Active:            len(t.conns) > 0,
		Canceled:          t.state == StateCanceling || t.state == StateRemoved,
		Connections:       len(t.conns),
		Expires:           t.activeUntil.Add(t.timeout).Unix(),
		IdleTime:          int64(idle / time.Second),
		Transferred:       t.transferred,
		ActiveUntil:       t.activeUntil,
	}
}

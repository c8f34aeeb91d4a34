// Package rangelock serializes writers whose byte ranges overlap.
//
// Writers to disjoint ranges of the same resource proceed in parallel.
// Writers to overlapping ranges take turns, so one write call never
// interleaves with another at the storage layer. No order between waiters is
// promised: the last writer to run wins.
package rangelock

import (
	"context"
	"math"
	"sync"
)

// Overlaps reports whether [off1, off1+len1) and [off2, off2+len2) intersect.
// A length of 0 means the range extends to the end of the resource.
func Overlaps(off1, len1, off2, len2 int64) bool {
	return end(off1, len1) > off2 && end(off2, len2) > off1
}

func end(off, length int64) int64 {
	if length == 0 {
		return math.MaxInt64
	}
	return off + length
}

type span struct {
	off, length int64
	done        chan struct{}
}

// Table holds the ranges currently locked, grouped by resource key.
type Table struct {
	mu   sync.Mutex
	held map[string][]*span
}

// New creates an empty table.
func New() *Table {
	return &Table{held: make(map[string][]*span)}
}

// shared is the process-wide table used by the file backend so that two
// handles on the same file see each other's locks.
var shared = New()

// Shared returns the process-wide table.
func Shared() *Table { return shared }

// Lock blocks until [off, off+length) of key overlaps no held range, then
// holds it. The returned func releases the range.
func (t *Table) Lock(ctx context.Context, key string, off, length int64) (func(), error) {
	s := &span{off: off, length: length, done: make(chan struct{})}

	for {
		t.mu.Lock()
		blocker := t.conflictLocked(key, s)
		if blocker == nil {
			t.held[key] = append(t.held[key], s)
			t.mu.Unlock()
			return func() { t.release(key, s) }, nil
		}
		t.mu.Unlock()

		select {
		case <-blocker.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (t *Table) conflictLocked(key string, s *span) *span {
	for _, h := range t.held[key] {
		if Overlaps(h.off, h.length, s.off, s.length) {
			return h
		}
	}
	return nil
}

func (t *Table) release(key string, s *span) {
	t.mu.Lock()
	spans := t.held[key]
	for i, h := range spans {
		if h == s {
			spans = append(spans[:i], spans[i+1:]...)
			break
		}
	}
	if len(spans) == 0 {
		delete(t.held, key)
	} else {
		t.held[key] = spans
	}
	t.mu.Unlock()
	close(s.done)
}

// Held returns the number of ranges held for key.
func (t *Table) Held(key string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.held[key])
}

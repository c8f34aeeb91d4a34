// Package bufpool pools the chunk buffers used for streaming image data.
//
// Requests are rounded up to the next power of two, so the number of pools
// is bounded no matter which lengths clients ask for. Sizes above
// MaxPooledSize are allocated directly and dropped on Put.
//
// Usage:
//
//	buf := bufpool.Get(b.BufferSize())
//	defer bufpool.Put(buf)
package bufpool

import (
	"math/bits"
	"sync"
)

// MaxPooledSize is the largest buffer kept for reuse (64MiB).
const MaxPooledSize = 64 << 20

// Pool is a set of sync.Pools keyed by power-of-two buffer capacity.
type Pool struct {
	mu    sync.RWMutex
	pools map[int]*sync.Pool
}

// NewPool creates an empty pool.
func NewPool() *Pool {
	return &Pool{pools: make(map[int]*sync.Pool)}
}

// bucket rounds size up to the next power of two.
func bucket(size int) int {
	if size <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(size-1))
}

func (p *Pool) pool(size int) *sync.Pool {
	p.mu.RLock()
	sp, ok := p.pools[size]
	p.mu.RUnlock()
	if ok {
		return sp
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if sp, ok = p.pools[size]; ok {
		return sp
	}
	sp = &sync.Pool{
		New: func() any {
			buf := make([]byte, size)
			return &buf
		},
	}
	p.pools[size] = sp
	return sp
}

// Get returns a buffer of exactly size bytes. Its capacity may be larger and
// its contents are undefined.
func (p *Pool) Get(size int) []byte {
	if size <= 0 {
		return nil
	}
	if size > MaxPooledSize {
		return make([]byte, size)
	}
	bufPtr := p.pool(bucket(size)).Get().(*[]byte)
	return (*bufPtr)[:size]
}

// Put returns a buffer obtained from Get. Buffers are keyed by capacity,
// so reslicing before Put is fine. Buffers whose capacity is not a pooled
// power of two are dropped.
func (p *Pool) Put(buf []byte) {
	size := cap(buf)
	if size == 0 || size > MaxPooledSize || size != bucket(size) {
		return
	}
	buf = buf[:size]
	p.pool(size).Put(&buf)
}

// Sizes returns the bucket capacities that have pools.
func (p *Pool) Sizes() []int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	sizes := make([]int, 0, len(p.pools))
	for size := range p.pools {
		sizes = append(sizes, size)
	}
	return sizes
}

var defaultPool = NewPool()

// Get returns a buffer of size bytes from the default pool.
func Get(size int) []byte {
	return defaultPool.Get(size)
}

// Put returns a buffer to the default pool.
func Put(buf []byte) {
	defaultPool.Put(buf)
}

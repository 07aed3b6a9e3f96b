package core

import (
	"fmt"
	"math/bits"
	"sync"
	"sync/atomic"
)

// Allocator hands out byte buffers for cache segments and channel buffers.
// Implementations must be safe for concurrent use.
type Allocator interface {
	// Allocate returns a zeroed buffer whose length is exactly size.
	Allocate(size int) ([]byte, error)
	// Release returns a buffer, with the length Allocate gave it, to the
	// allocator. Using buf afterwards is a bug.
	Release(buf []byte)
}

// HeapAllocator allocates straight from the Go heap; Release is a no-op.
type HeapAllocator struct{}

var _ Allocator = HeapAllocator{}

func (HeapAllocator) Allocate(size int) ([]byte, error) {
	if size < 0 {
		return nil, fmt.Errorf("allocate %d bytes: %w", size, ErrInvalidArgument)
	}
	return make([]byte, size), nil
}

func (HeapAllocator) Release([]byte) {}

// DefaultAllocator is used when a component is not given one.
var DefaultAllocator Allocator = HeapAllocator{}

// PooledAllocator recycles buffers by power-of-two size class. Unlike
// sync.Pool its free lists are not cleared by the garbage collector, which
// keeps large cache segments warm across flush cycles.
type PooledAllocator struct {
	mu      sync.Mutex
	classes map[int][][]byte
	// maxPerClass bounds how many free buffers are retained per size class.
	maxPerClass int

	hits    atomic.Uint64
	misses  atomic.Uint64
	created atomic.Uint64
}

var _ Allocator = (*PooledAllocator)(nil)

// NewPooledAllocator creates a PooledAllocator that keeps at most
// maxPerClass idle buffers for each size class.
func NewPooledAllocator(maxPerClass int) *PooledAllocator {
	if maxPerClass <= 0 {
		maxPerClass = 16
	}
	return &PooledAllocator{
		classes:     make(map[int][][]byte),
		maxPerClass: maxPerClass,
	}
}

func sizeClass(size int) int {
	if size <= 64 {
		return 64
	}
	return 1 << bits.Len(uint(size-1))
}

func (p *PooledAllocator) Allocate(size int) ([]byte, error) {
	if size < 0 {
		return nil, fmt.Errorf("allocate %d bytes: %w", size, ErrInvalidArgument)
	}
	class := sizeClass(size)
	p.mu.Lock()
	free := p.classes[class]
	if n := len(free); n > 0 {
		buf := free[n-1]
		p.classes[class] = free[:n-1]
		p.mu.Unlock()
		p.hits.Add(1)
		clear(buf[:size])
		return buf[:size], nil
	}
	p.mu.Unlock()
	p.misses.Add(1)
	p.created.Add(1)
	return make([]byte, size, class), nil
}

func (p *PooledAllocator) Release(buf []byte) {
	if cap(buf) == 0 {
		return
	}
	class := sizeClass(cap(buf))
	if class != cap(buf) {
		// Not one of ours; let the GC have it.
		return
	}
	p.mu.Lock()
	if len(p.classes[class]) < p.maxPerClass {
		p.classes[class] = append(p.classes[class], buf[:0])
	}
	p.mu.Unlock()
}

// GetMetrics returns the pool's hit, miss and creation counters.
func (p *PooledAllocator) GetMetrics() (hits, misses, created uint64) {
	return p.hits.Load(), p.misses.Load(), p.created.Load()
}

// LimitedAllocator wraps another allocator and refuses to hand out more than
// limit bytes at once. It models a constrained direct-memory budget.
type LimitedAllocator struct {
	next  Allocator
	limit int64
	used  atomic.Int64
}

var _ Allocator = (*LimitedAllocator)(nil)

func NewLimitedAllocator(next Allocator, limit int64) *LimitedAllocator {
	if next == nil {
		next = DefaultAllocator
	}
	return &LimitedAllocator{next: next, limit: limit}
}

func (l *LimitedAllocator) Allocate(size int) ([]byte, error) {
	if l.used.Add(int64(size)) > l.limit {
		l.used.Add(-int64(size))
		return nil, fmt.Errorf("allocate %d bytes with %d of %d in use: %w", size, l.used.Load(), l.limit, ErrAllocationFailed)
	}
	buf, err := l.next.Allocate(size)
	if err != nil {
		l.used.Add(-int64(size))
		return nil, err
	}
	return buf, nil
}

func (l *LimitedAllocator) Release(buf []byte) {
	l.used.Add(-int64(len(buf)))
	l.next.Release(buf)
}

// InUse reports the number of bytes currently allocated.
func (l *LimitedAllocator) InUse() int64 {
	return l.used.Load()
}

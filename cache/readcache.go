package cache

import (
	"fmt"
	"slices"
	"sync"

	"github.com/INLOpen/bookie/core"
)

// ReadCache keeps recently read entries in a ring of equally sized
// segments. When the active segment fills up the ring advances and the
// oldest segment is emptied wholesale, so Size never exceeds the
// configured capacity.
type ReadCache struct {
	mu sync.RWMutex

	alloc        core.Allocator
	maxCacheSize int64
	segmentSize  int64

	segments [][]byte
	indexes  []map[core.EntryKey]segmentLocation
	sizes    []int64
	current  int
	cursor   int
	closed   bool
}

// ReadCacheOption customizes a ReadCache.
type ReadCacheOption func(*ReadCache)

// WithReadSegmentSize sets the ring segment size.
func WithReadSegmentSize(n int64) ReadCacheOption {
	return func(c *ReadCache) {
		if n > 0 {
			c.segmentSize = n
		}
	}
}

// NewReadCache creates a cache holding at most maxCacheSize bytes.
func NewReadCache(alloc core.Allocator, maxCacheSize int64, opts ...ReadCacheOption) *ReadCache {
	if alloc == nil {
		alloc = core.DefaultAllocator
	}
	if maxCacheSize < 0 {
		maxCacheSize = 0
	}
	c := &ReadCache{
		alloc:        alloc,
		maxCacheSize: maxCacheSize,
		segmentSize:  min(maxCacheSize, DefaultMaxSegmentSize),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.segmentSize > maxCacheSize {
		c.segmentSize = maxCacheSize
	}
	n := 0
	if c.segmentSize > 0 {
		n = int(maxCacheSize / c.segmentSize)
	}
	c.segments = make([][]byte, n)
	c.indexes = make([]map[core.EntryKey]segmentLocation, n)
	c.sizes = make([]int64, n)
	for i := range c.indexes {
		c.indexes[i] = make(map[core.EntryKey]segmentLocation)
	}
	return c
}

// Put caches entry. An entry larger than a segment is rejected with
// core.ErrCapacityExceeded.
func (c *ReadCache) Put(ledgerID, entryID int64, entry []byte) error {
	if entry == nil {
		return fmt.Errorf("read cache put %d:%d: %w", ledgerID, entryID, core.ErrNullArgument)
	}
	length := int64(len(entry))
	if length > c.maxCacheSize || length > c.segmentSize || len(c.segments) == 0 {
		return fmt.Errorf("read cache put %d:%d: %d bytes against segment %d: %w",
			ledgerID, entryID, length, c.segmentSize, core.ErrCapacityExceeded)
	}
	if ledgerID < 0 || entryID < 0 {
		return fmt.Errorf("read cache put %d:%d: %w", ledgerID, entryID, core.ErrInvalidArgument)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("read cache put: %w", core.ErrBookieClosed)
	}

	key := core.EntryKey{LedgerID: ledgerID, EntryID: entryID}
	for i, idx := range c.indexes {
		if old, ok := idx[key]; ok {
			delete(idx, key)
			c.sizes[i] -= int64(old.length)
		}
	}

	if int64(c.cursor)+length > c.segmentSize {
		c.rotate()
	}
	if c.segments[c.current] == nil {
		buf, err := c.alloc.Allocate(int(c.segmentSize))
		if err != nil {
			return fmt.Errorf("read cache segment %d: %w", c.current, err)
		}
		c.segments[c.current] = buf
	}
	copy(c.segments[c.current][c.cursor:], entry)
	c.indexes[c.current][key] = segmentLocation{segment: c.current, offset: c.cursor, length: int(length)}
	c.sizes[c.current] += length
	c.cursor += int(length)
	return nil
}

// rotate advances to the next segment in the ring, evicting its contents.
// Must be called with c.mu held.
func (c *ReadCache) rotate() {
	c.current = (c.current + 1) % len(c.segments)
	c.cursor = 0
	clear(c.indexes[c.current])
	c.sizes[c.current] = 0
}

// Get returns a copy of the cached entry.
func (c *ReadCache) Get(ledgerID, entryID int64) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	key := core.EntryKey{LedgerID: ledgerID, EntryID: entryID}
	for _, idx := range c.indexes {
		if loc, ok := idx[key]; ok {
			return slices.Clone(c.segments[loc.segment][loc.offset : loc.offset+loc.length]), true
		}
	}
	return nil, false
}

// Contains reports whether the key is resident.
func (c *ReadCache) Contains(ledgerID, entryID int64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	key := core.EntryKey{LedgerID: ledgerID, EntryID: entryID}
	for _, idx := range c.indexes {
		if _, ok := idx[key]; ok {
			return true
		}
	}
	return false
}

// Count returns the number of resident entries.
func (c *ReadCache) Count() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var n int64
	for _, idx := range c.indexes {
		n += int64(len(idx))
	}
	return n
}

// Size returns the total bytes of resident entries.
func (c *ReadCache) Size() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var n int64
	for _, s := range c.sizes {
		n += s
	}
	return n
}

// Clear empties the cache and returns its memory to the allocator.
func (c *ReadCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearLocked()
}

func (c *ReadCache) clearLocked() {
	for i := range c.segments {
		if c.segments[i] != nil {
			c.alloc.Release(c.segments[i])
			c.segments[i] = nil
		}
		clear(c.indexes[i])
		c.sizes[i] = 0
	}
	c.current = 0
	c.cursor = 0
}

// Close releases all memory.
func (c *ReadCache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearLocked()
	c.closed = true
}

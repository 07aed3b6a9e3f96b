package cache

import (
	"fmt"
	"slices"
	"sync"

	"github.com/INLOpen/bookie/core"
)

// DefaultMaxSegmentSize caps the size of a single cache segment.
const DefaultMaxSegmentSize int64 = 1 << 30

// segmentLocation addresses an entry inside the segment arena.
type segmentLocation struct {
	segment int
	offset  int
	length  int
}

// WriteCache buffers newly written entries until they are flushed to ledger
// storage. Memory is carved from fixed-size segments taken from an
// Allocator; entries are never evicted, a full cache rejects new puts until
// Clear is called.
type WriteCache struct {
	mu sync.RWMutex

	alloc        core.Allocator
	maxCacheSize int64
	segmentSize  int64

	segments [][]byte
	// cursor is the arena offset of the next free byte.
	cursor int64

	index     map[core.EntryKey]segmentLocation
	lastEntry map[int64]int64
	size      int64
	closed    bool
}

// WriteCacheOption customizes a WriteCache.
type WriteCacheOption func(*WriteCache)

// WithSegmentSize sets the segment size. Values larger than the cache
// capacity are clamped to it.
func WithSegmentSize(n int64) WriteCacheOption {
	return func(c *WriteCache) {
		if n > 0 {
			c.segmentSize = n
		}
	}
}

// NewWriteCache creates a cache holding at most maxCacheSize bytes.
func NewWriteCache(alloc core.Allocator, maxCacheSize int64, opts ...WriteCacheOption) *WriteCache {
	if alloc == nil {
		alloc = core.DefaultAllocator
	}
	if maxCacheSize < 0 {
		maxCacheSize = 0
	}
	c := &WriteCache{
		alloc:        alloc,
		maxCacheSize: maxCacheSize,
		segmentSize:  DefaultMaxSegmentSize,
		index:        make(map[core.EntryKey]segmentLocation),
		lastEntry:    make(map[int64]int64),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.segmentSize > maxCacheSize {
		c.segmentSize = maxCacheSize
	}
	if c.segmentSize > 0 {
		c.segments = make([][]byte, (maxCacheSize+c.segmentSize-1)/c.segmentSize)
	}
	return c
}

// Put stores entry under (ledgerID, entryID), replacing any previous value.
// It returns false with a nil error when the remaining capacity cannot hold
// the entry; the caller should flush and Clear the cache. An entry that can
// never fit yields core.ErrCapacityExceeded.
func (c *WriteCache) Put(ledgerID, entryID int64, entry []byte) (bool, error) {
	if entry == nil {
		return false, fmt.Errorf("write cache put %d:%d: %w", ledgerID, entryID, core.ErrNullArgument)
	}
	length := int64(len(entry))
	if length > c.maxCacheSize || length > c.segmentSize {
		return false, fmt.Errorf("write cache put %d:%d: %d bytes against capacity %d (segment %d): %w",
			ledgerID, entryID, length, c.maxCacheSize, c.segmentSize, core.ErrCapacityExceeded)
	}
	if ledgerID < 0 || entryID < 0 {
		return false, fmt.Errorf("write cache put %d:%d: %w", ledgerID, entryID, core.ErrInvalidArgument)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false, fmt.Errorf("write cache put: %w", core.ErrBookieClosed)
	}
	if c.segmentSize == 0 {
		return false, nil
	}

	offset := c.cursor
	if within := offset % c.segmentSize; within+length > c.segmentSize {
		// Roll over to the start of the next segment.
		offset += c.segmentSize - within
	}
	if offset+length > c.maxCacheSize {
		return false, nil
	}

	segIdx := int(offset / c.segmentSize)
	if segIdx >= len(c.segments) {
		// A zero-length entry with the cursor at capacity.
		return false, nil
	}
	if c.segments[segIdx] == nil {
		segLen := c.segmentSize
		if rest := c.maxCacheSize - int64(segIdx)*c.segmentSize; rest < segLen {
			segLen = rest
		}
		buf, err := c.alloc.Allocate(int(segLen))
		if err != nil {
			return false, fmt.Errorf("write cache segment %d: %w", segIdx, err)
		}
		c.segments[segIdx] = buf
	}
	within := int(offset % c.segmentSize)
	copy(c.segments[segIdx][within:], entry)
	c.cursor = offset + length

	key := core.EntryKey{LedgerID: ledgerID, EntryID: entryID}
	if old, ok := c.index[key]; ok {
		c.size -= int64(old.length)
	}
	c.index[key] = segmentLocation{segment: segIdx, offset: within, length: int(length)}
	c.size += length
	if last, ok := c.lastEntry[ledgerID]; !ok || entryID > last {
		c.lastEntry[ledgerID] = entryID
	}
	return true, nil
}

func (c *WriteCache) bytesAt(loc segmentLocation) []byte {
	return c.segments[loc.segment][loc.offset : loc.offset+loc.length]
}

// Get returns a copy of the cached entry.
func (c *WriteCache) Get(ledgerID, entryID int64) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	loc, ok := c.index[core.EntryKey{LedgerID: ledgerID, EntryID: entryID}]
	if !ok {
		return nil, false
	}
	return slices.Clone(c.bytesAt(loc)), true
}

// HasEntry reports whether the key is resident.
func (c *WriteCache) HasEntry(ledgerID, entryID int64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.index[core.EntryKey{LedgerID: ledgerID, EntryID: entryID}]
	return ok
}

// GetLastEntry returns a copy of the highest-numbered resident entry of the
// ledger.
func (c *WriteCache) GetLastEntry(ledgerID int64) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	last, ok := c.lastEntry[ledgerID]
	if !ok {
		return nil, false
	}
	loc := c.index[core.EntryKey{LedgerID: ledgerID, EntryID: last}]
	return slices.Clone(c.bytesAt(loc)), true
}

// LastEntryID returns the highest resident entry id of the ledger.
func (c *WriteCache) LastEntryID(ledgerID int64) (int64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	last, ok := c.lastEntry[ledgerID]
	return last, ok
}

// EntryIDs calls fn for every resident entry id of the ledger, unordered.
func (c *WriteCache) EntryIDs(ledgerID int64, fn func(entryID int64)) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, ok := c.lastEntry[ledgerID]; !ok {
		return
	}
	for k := range c.index {
		if k.LedgerID == ledgerID {
			fn(k.EntryID)
		}
	}
}

// Count returns the number of resident entries.
func (c *WriteCache) Count() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return int64(len(c.index))
}

// Size returns the total bytes of resident entries.
func (c *WriteCache) Size() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.size
}

// IsEmpty reports whether no entries are resident.
func (c *WriteCache) IsEmpty() bool {
	return c.Count() == 0
}

// Capacity returns the configured maximum size.
func (c *WriteCache) Capacity() int64 {
	return c.maxCacheSize
}

// ForEach visits entries in (ledgerId, entryId) order. The slice passed to
// fn is only valid for the duration of the call. Iteration stops at the
// first error, which is returned.
func (c *WriteCache) ForEach(fn func(ledgerID, entryID int64, entry []byte) error) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]core.EntryKey, 0, len(c.index))
	for k := range c.index {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, core.CompareEntryKeys)
	for _, k := range keys {
		if err := fn(k.LedgerID, k.EntryID, c.bytesAt(c.index[k])); err != nil {
			return err
		}
	}
	return nil
}

// Clear drops every entry and returns all segments to the allocator.
func (c *WriteCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearLocked()
}

func (c *WriteCache) clearLocked() {
	for i, seg := range c.segments {
		if seg != nil {
			c.alloc.Release(seg)
			c.segments[i] = nil
		}
	}
	c.cursor = 0
	c.size = 0
	clear(c.index)
	clear(c.lastEntry)
}

// Close releases all memory; the cache rejects puts afterwards.
func (c *WriteCache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearLocked()
	c.closed = true
}

package cache

import (
	"bytes"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/bookie/core"
)

const (
	testCacheSize   = 1024 * 10
	testSegmentSize = 4096
)

func filled(n int, b byte) []byte {
	return bytes.Repeat([]byte{b}, n)
}

func TestWriteCache_PutGet(t *testing.T) {
	c := NewWriteCache(nil, testCacheSize)
	defer c.Close()

	entry := filled(1024, 'a')
	ok, err := c.Put(1, 0, entry)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1), c.Count())
	assert.Equal(t, int64(1024), c.Size())

	got, found := c.Get(1, 0)
	require.True(t, found)
	assert.Equal(t, entry, got)

	_, found = c.Get(1, 1)
	assert.False(t, found)
}

func TestWriteCache_PutRejects(t *testing.T) {
	tests := []struct {
		name     string
		ledgerID int64
		entryID  int64
		entry    []byte
		wantErr  error
	}{
		{name: "negative ledger", ledgerID: -1, entryID: 0, entry: filled(16, 'x'), wantErr: core.ErrInvalidArgument},
		{name: "negative entry", ledgerID: 0, entryID: -1, entry: filled(16, 'x'), wantErr: core.ErrInvalidArgument},
		{name: "nil entry", ledgerID: 0, entryID: 0, entry: nil, wantErr: core.ErrNullArgument},
		{name: "larger than cache", ledgerID: 1, entryID: 1, entry: filled(testCacheSize+1, 'x'), wantErr: core.ErrCapacityExceeded},
		{name: "larger than cache with negative ids", ledgerID: -1, entryID: 0, entry: filled(testCacheSize+1, 'x'), wantErr: core.ErrCapacityExceeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewWriteCache(nil, testCacheSize)
			defer c.Close()
			ok, err := c.Put(tt.ledgerID, tt.entryID, tt.entry)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
			assert.False(t, ok)
			assert.Zero(t, c.Count())
			assert.Zero(t, c.Size())
		})
	}
}

func TestWriteCache_FillsUp(t *testing.T) {
	c := NewWriteCache(nil, testCacheSize, WithSegmentSize(testSegmentSize))
	defer c.Close()

	entry := filled(1024, 'b')
	for i := int64(0); i < 10; i++ {
		ok, err := c.Put(1, i, entry)
		require.NoError(t, err)
		require.True(t, ok, "entry %d should fit", i)
	}
	ok, err := c.Put(1, 10, entry)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(10), c.Count())
	assert.Equal(t, int64(testCacheSize), c.Size())

	c.Clear()
	assert.True(t, c.IsEmpty())
	ok, err = c.Put(1, 10, entry)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestWriteCache_Overwrite(t *testing.T) {
	c := NewWriteCache(nil, testCacheSize, WithSegmentSize(testSegmentSize))
	defer c.Close()

	_, err := c.Put(3, 7, filled(1024, 'a'))
	require.NoError(t, err)
	_, err = c.Put(3, 7, filled(512, 'b'))
	require.NoError(t, err)

	assert.Equal(t, int64(1), c.Count())
	assert.Equal(t, int64(512), c.Size())
	got, ok := c.Get(3, 7)
	require.True(t, ok)
	assert.Equal(t, filled(512, 'b'), got)
}

func TestWriteCache_SegmentRollover(t *testing.T) {
	c := NewWriteCache(nil, testCacheSize, WithSegmentSize(testSegmentSize))
	defer c.Close()

	entry := filled(2049, 'c')
	// Each entry takes a segment of its own since two do not fit in 4096 bytes.
	for i := int64(0); i < 2; i++ {
		ok, err := c.Put(0, i, entry)
		require.NoError(t, err)
		require.True(t, ok)
	}
	ok, err := c.Put(0, 2, entry)
	require.NoError(t, err)
	assert.False(t, ok, "third segment is too short to hold the entry")
	assert.Equal(t, int64(2), c.Count())
	assert.Equal(t, int64(2*2049), c.Size())

	for i := int64(0); i < 2; i++ {
		got, found := c.Get(0, i)
		require.True(t, found)
		assert.Equal(t, entry, got)
	}

	_, err = c.Put(0, 3, filled(testSegmentSize+1, 'd'))
	assert.ErrorIs(t, err, core.ErrCapacityExceeded)
}

func TestWriteCache_LastEntryAndOrder(t *testing.T) {
	c := NewWriteCache(nil, testCacheSize)
	defer c.Close()

	puts := []core.EntryKey{{LedgerID: 2, EntryID: 5}, {LedgerID: 1, EntryID: 3}, {LedgerID: 2, EntryID: 1}, {LedgerID: 1, EntryID: 9}}
	for _, k := range puts {
		_, err := c.Put(k.LedgerID, k.EntryID, []byte(k.String()))
		require.NoError(t, err)
	}

	last, ok := c.GetLastEntry(2)
	require.True(t, ok)
	assert.Equal(t, []byte("2:5"), last)
	id, ok := c.LastEntryID(1)
	require.True(t, ok)
	assert.Equal(t, int64(9), id)
	_, ok = c.GetLastEntry(42)
	assert.False(t, ok)

	var seen []core.EntryKey
	err := c.ForEach(func(l, e int64, entry []byte) error {
		seen = append(seen, core.EntryKey{LedgerID: l, EntryID: e})
		assert.Equal(t, core.EntryKey{LedgerID: l, EntryID: e}.String(), string(entry))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []core.EntryKey{{LedgerID: 1, EntryID: 3}, {LedgerID: 1, EntryID: 9}, {LedgerID: 2, EntryID: 1}, {LedgerID: 2, EntryID: 5}}, seen)

	stop := errors.New("stop")
	calls := 0
	err = c.ForEach(func(int64, int64, []byte) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

func TestWriteCache_ZeroLengthEntry(t *testing.T) {
	c := NewWriteCache(nil, testCacheSize)
	defer c.Close()
	ok, err := c.Put(1, 1, []byte{})
	require.NoError(t, err)
	require.True(t, ok)
	got, found := c.Get(1, 1)
	require.True(t, found)
	assert.Empty(t, got)
	assert.Equal(t, int64(1), c.Count())

	t.Run("full cache", func(t *testing.T) {
		full := NewWriteCache(nil, testCacheSize, WithSegmentSize(1024))
		defer full.Close()
		for i := int64(0); i < 10; i++ {
			ok, err := full.Put(1, i, filled(1024, 'z'))
			require.NoError(t, err)
			require.True(t, ok)
		}
		ok, err := full.Put(1, 99, []byte{})
		require.NoError(t, err)
		assert.False(t, ok)
		assert.False(t, full.HasEntry(1, 99))
		assert.Equal(t, int64(10), full.Count())
	})

	t.Run("zero capacity", func(t *testing.T) {
		empty := NewWriteCache(nil, 0)
		defer empty.Close()
		ok, err := empty.Put(1, 1, []byte{})
		require.NoError(t, err)
		assert.False(t, ok)
		assert.True(t, empty.IsEmpty())
	})
}

func TestWriteCache_ReleasesSegments(t *testing.T) {
	limited := core.NewLimitedAllocator(nil, testCacheSize)
	c := NewWriteCache(limited, testCacheSize, WithSegmentSize(testSegmentSize))

	_, err := c.Put(1, 1, filled(3000, 'e'))
	require.NoError(t, err)
	_, err = c.Put(1, 2, filled(3000, 'e'))
	require.NoError(t, err)
	assert.Equal(t, int64(2*testSegmentSize), limited.InUse())

	c.Clear()
	assert.Zero(t, limited.InUse())

	_, err = c.Put(1, 3, filled(10, 'e'))
	require.NoError(t, err)
	c.Close()
	assert.Zero(t, limited.InUse())

	_, err = c.Put(1, 4, filled(10, 'e'))
	assert.ErrorIs(t, err, core.ErrBookieClosed)
}

func TestWriteCache_AllocationFailure(t *testing.T) {
	c := NewWriteCache(core.NewLimitedAllocator(nil, 100), testCacheSize, WithSegmentSize(testSegmentSize))
	defer c.Close()
	ok, err := c.Put(1, 1, filled(10, 'f'))
	assert.False(t, ok)
	assert.ErrorIs(t, err, core.ErrAllocationFailed)
	assert.Zero(t, c.Count())
}

func TestWriteCache_Concurrent(t *testing.T) {
	c := NewWriteCache(nil, 1<<20, WithSegmentSize(64*1024))
	defer c.Close()

	var wg sync.WaitGroup
	for w := int64(0); w < 8; w++ {
		wg.Add(1)
		go func(ledger int64) {
			defer wg.Done()
			for i := int64(0); i < 100; i++ {
				ok, err := c.Put(ledger, i, filled(100, byte(ledger)))
				assert.NoError(t, err)
				assert.True(t, ok)
				_, _ = c.Get(ledger, i)
			}
		}(w)
	}
	wg.Wait()
	assert.Equal(t, int64(800), c.Count())
	assert.Equal(t, int64(80000), c.Size())
}

package bookie

import (
	"context"
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/bookie/core"
)

func TestBookie_ReadErrors(t *testing.T) {
	b := newTestBookie(t, testOptions(t))
	ctx := context.Background()

	_, err := b.ReadEntry(ctx, 1, 0)
	assert.ErrorIs(t, err, core.ErrNoLedger)

	require.NoError(t, b.OpenLedger(ctx, 1, testKey))
	_, err = b.ReadEntry(ctx, 1, 0)
	assert.ErrorIs(t, err, core.ErrNoEntry, "a known ledger without entries")

	addSync(t, b, 1, 0)
	require.NoError(t, b.Flush(ctx))
	_, err = b.ReadEntry(ctx, 1, 1)
	assert.ErrorIs(t, err, core.ErrNoEntry)
	assert.Equal(t, int64(3), b.Metrics().ReadEntryErrorsTotal.Value())
}

func TestBookie_ReadCacheServesRepeatedReads(t *testing.T) {
	b := newTestBookie(t, testOptions(t))
	ctx := context.Background()
	for e := int64(0); e < 5; e++ {
		addSync(t, b, 2, e)
	}
	require.NoError(t, b.Flush(ctx))

	for round := 0; round < 2; round++ {
		for e := int64(0); e < 5; e++ {
			got, err := b.ReadEntry(ctx, 2, e)
			require.NoError(t, err)
			assert.Equal(t, testEntry(2, e), got)
		}
	}
	assert.Equal(t, int64(5), b.Metrics().ReadCacheMisses.Value())
	assert.Equal(t, int64(5), b.Metrics().ReadCacheHits.Value())
}

func TestBookie_ConcurrentReadsOfSameEntry(t *testing.T) {
	b := newTestBookie(t, testOptions(t))
	ctx := context.Background()
	addSync(t, b, 3, 0)
	require.NoError(t, b.Flush(ctx))

	var wg sync.WaitGroup
	results := make([][]byte, 16)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := b.ReadEntry(ctx, 3, 0)
			if assert.NoError(t, err) {
				results[i] = got
			}
		}()
	}
	wg.Wait()
	for _, got := range results {
		assert.Equal(t, testEntry(3, 0), got)
	}
	// Callers own the returned slices.
	results[0][0] ^= 0xff
	assert.Equal(t, testEntry(3, 0), results[1])
}

func TestBookie_ListEntries(t *testing.T) {
	b := newTestBookie(t, testOptions(t))
	ctx := context.Background()

	_, err := b.GetListOfEntriesOfLedger(ctx, -1)
	assert.ErrorIs(t, err, core.ErrInvalidArgument)
	_, err = b.GetListOfEntriesOfLedger(ctx, 4)
	assert.ErrorIs(t, err, core.ErrNoLedger)

	for e := int64(0); e < 5; e++ {
		addSync(t, b, 4, e)
	}
	require.NoError(t, b.Flush(ctx))
	for _, e := range []int64{7, 6, 5} {
		addSync(t, b, 4, e)
	}
	f, err := b.RecoveryAddEntry(ctx, testEntry(4, -1), nil, nil, testKey)
	require.NoError(t, err)
	require.NoError(t, waitFuture(t, f))

	list, err := b.GetListOfEntriesOfLedger(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, int64(4), list.LedgerID)
	assert.Equal(t, 8, list.Len())
	assert.True(t, list.Contains(6))
	assert.False(t, list.Contains(-1), "negative ids are not listed")

	want := []int64{0, 1, 2, 3, 4, 5, 6, 7}
	assert.Equal(t, want, slices.Collect(list.All()))
	assert.Equal(t, want, slices.Collect(list.All()), "the list can be iterated again")

	var firstThree []int64
	for id := range list.All() {
		if len(firstThree) == 3 {
			break
		}
		firstThree = append(firstThree, id)
	}
	assert.Equal(t, []int64{0, 1, 2}, firstThree)
}

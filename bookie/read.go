package bookie

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"strconv"
	"time"

	"github.com/RoaringBitmap/roaring/roaring64"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/INLOpen/bookie/core"
)

// ReadEntry returns an encoded entry, looking in the read cache, the write
// caches and ledger storage in that order. An unknown ledger fails with
// core.ErrNoLedger, a missing entry with core.ErrNoEntry.
func (b *Bookie) ReadEntry(ctx context.Context, ledgerID, entryID int64) ([]byte, error) {
	start := time.Now()
	_, span := b.tracer.Start(ctx, "Bookie.ReadEntry")
	defer func() {
		observeLatency(b.metrics.ReadLatencyHist, time.Since(start).Seconds())
		span.End()
	}()
	span.SetAttributes(attribute.Int64("bookie.ledger_id", ledgerID), attribute.Int64("bookie.entry_id", entryID))
	b.metrics.ReadEntryTotal.Add(1)

	entry, source, err := b.readEntry(ledgerID, entryID)
	if err != nil {
		b.metrics.ReadEntryErrorsTotal.Add(1)
		span.RecordError(err)
		span.SetStatus(codes.Error, "read_failed")
		return nil, err
	}
	span.SetAttributes(attribute.String("bookie.found_in", source))
	return entry, nil
}

func (b *Bookie) readEntry(ledgerID, entryID int64) ([]byte, string, error) {
	b.closeMu.RLock()
	defer b.closeMu.RUnlock()
	if b.closed.Load() {
		return nil, "", closedErr("read entry")
	}
	if b.ledger(ledgerID) == nil {
		return nil, "", fmt.Errorf("read entry %d:%d: %w", ledgerID, entryID, core.ErrNoLedger)
	}

	if entry, ok := b.readCache.Get(ledgerID, entryID); ok {
		b.metrics.ReadCacheHits.Add(1)
		return entry, "read_cache", nil
	}
	b.metrics.ReadCacheMisses.Add(1)

	b.writeCacheMu.RLock()
	entry, ok := b.activeCache.Get(ledgerID, entryID)
	if !ok {
		entry, ok = b.flushingCache.Get(ledgerID, entryID)
	}
	b.writeCacheMu.RUnlock()
	if ok {
		b.metrics.WriteCacheHits.Add(1)
		return entry, "write_cache", nil
	}

	key := strconv.FormatInt(ledgerID, 10) + ":" + strconv.FormatInt(entryID, 10)
	v, err, shared := b.reads.Do(key, func() (interface{}, error) {
		entry, err := b.storage.GetEntry(ledgerID, entryID)
		if err != nil {
			return nil, err
		}
		// Entries the read cache rejects are still served.
		_ = b.readCache.Put(ledgerID, entryID, entry)
		return entry, nil
	})
	if err != nil {
		if errors.Is(err, core.ErrNoLedger) {
			// Known to the bookie but nothing of it reached storage yet.
			err = fmt.Errorf("read entry %d:%d: %w", ledgerID, entryID, core.ErrNoEntry)
		}
		return nil, "", err
	}
	entry = v.([]byte)
	if shared {
		entry = slices.Clone(entry)
	}
	return entry, "storage", nil
}

// GetExplicitLac returns the ledger's explicit LAC entry. found is false,
// with a nil error, when none was set.
func (b *Bookie) GetExplicitLac(ctx context.Context, ledgerID int64) (lac []byte, found bool, err error) {
	ls, err := b.knownLedger("get explicit lac", ledgerID)
	if err != nil {
		return nil, false, err
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.explicitLac == nil {
		return nil, false, nil
	}
	return slices.Clone(ls.explicitLac), true, nil
}

// ReadLastAddConfirmed returns the highest entry id durably added to the
// ledger in order, or -1 before the first.
func (b *Bookie) ReadLastAddConfirmed(ctx context.Context, ledgerID int64) (int64, error) {
	ls, err := b.knownLedger("read last add confirmed", ledgerID)
	if err != nil {
		return 0, err
	}
	return ls.lac.Load(), nil
}

// GetListOfEntriesOfLedger returns the ids of the entries stored for the
// ledger, including those still in the write caches.
func (b *Bookie) GetListOfEntriesOfLedger(ctx context.Context, ledgerID int64) (*EntryList, error) {
	if ledgerID < 0 {
		return nil, fmt.Errorf("list entries of ledger %d: %w", ledgerID, core.ErrInvalidArgument)
	}
	if _, err := b.knownLedger("list entries", ledgerID); err != nil {
		return nil, err
	}
	ids := b.storage.EntryIDs(ledgerID)
	add := func(entryID int64) {
		if entryID >= 0 {
			ids.Add(uint64(entryID))
		}
	}
	b.writeCacheMu.RLock()
	b.activeCache.EntryIDs(ledgerID, add)
	b.flushingCache.EntryIDs(ledgerID, add)
	b.writeCacheMu.RUnlock()
	return &EntryList{LedgerID: ledgerID, ids: ids}, nil
}

func (b *Bookie) knownLedger(op string, ledgerID int64) (*ledgerState, error) {
	b.closeMu.RLock()
	defer b.closeMu.RUnlock()
	if b.closed.Load() {
		return nil, closedErr(op)
	}
	ls := b.ledger(ledgerID)
	if ls == nil {
		return nil, fmt.Errorf("%s %d: %w", op, ledgerID, core.ErrNoLedger)
	}
	return ls, nil
}

// EntryList is a snapshot of a ledger's entry ids. It can be iterated any
// number of times, always in ascending order.
type EntryList struct {
	LedgerID int64
	ids      *roaring64.Bitmap
}

// Len returns the number of entry ids.
func (l *EntryList) Len() int {
	return int(l.ids.GetCardinality())
}

func (l *EntryList) Contains(entryID int64) bool {
	return entryID >= 0 && l.ids.Contains(uint64(entryID))
}

// All yields the entry ids lazily, ascending.
func (l *EntryList) All() iter.Seq[int64] {
	return func(yield func(int64) bool) {
		it := l.ids.Iterator()
		for it.HasNext() {
			if !yield(int64(it.Next())) {
				return
			}
		}
	}
}

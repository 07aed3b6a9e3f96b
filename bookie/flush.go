package bookie

import (
	"context"
	"fmt"
	"time"

	"github.com/INLOpen/bookie/cache"
	"github.com/INLOpen/bookie/checkpoint"
	"github.com/INLOpen/bookie/hooks"
)

// Flush writes the write cache into ledger storage, checkpoints the journal
// and purges the journal segments the checkpoint covers.
func (b *Bookie) Flush(ctx context.Context) error {
	b.closeMu.RLock()
	defer b.closeMu.RUnlock()
	if b.closed.Load() {
		return closedErr("flush")
	}
	return b.flushWriteCache(ctx)
}

// triggerFlush wakes the background flusher without waiting.
func (b *Bookie) triggerFlush() {
	select {
	case b.flushChan <- struct{}{}:
	default:
	}
}

func (b *Bookie) flushLoop() {
	defer b.wg.Done()
	var tick <-chan time.Time
	if b.opts.FlushInterval > 0 {
		ticker := time.NewTicker(b.opts.FlushInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-b.shutdownChan:
			return
		case <-tick:
			b.backgroundFlush("interval")
		case <-b.flushChan:
			b.backgroundFlush("threshold")
		}
	}
}

func (b *Bookie) backgroundFlush(reason string) {
	if err := b.flushWriteCache(context.Background()); err != nil {
		b.logger.Error("Background write cache flush failed", "reason", reason, "error", err)
	}
}

// flushWriteCache swaps the write caches, rolls the journal behind every
// record of the swapped cache and writes it out.
func (b *Bookie) flushWriteCache(ctx context.Context) error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	if b.retryFlush {
		if err := b.writeOut(ctx, b.retryCovered); err != nil {
			return err
		}
	}

	b.writeCacheMu.Lock()
	if b.activeCache.IsEmpty() && !b.dirty.Load() {
		b.writeCacheMu.Unlock()
		return nil
	}
	b.activeCache, b.flushingCache = b.flushingCache, b.activeCache
	b.dirty.Store(false)
	// Until the roll completes nothing beyond the last checkpoint is known
	// to be covered.
	b.retryFlush, b.retryCovered = true, b.lastCheckpoint.JournalSegment
	rollCh, err := b.journal.Roll()
	b.writeCacheMu.Unlock()
	if err != nil {
		b.dirty.Store(true)
		return fmt.Errorf("flush write cache: roll journal: %w", err)
	}
	res := <-rollCh
	if res.Err != nil {
		b.dirty.Store(true)
		return fmt.Errorf("flush write cache: roll journal: %w", res.Err)
	}
	b.retryCovered = res.Segment - 1
	return b.writeOut(ctx, b.retryCovered)
}

// finalFlush runs after the journal is closed: every journal segment is
// complete, so the checkpoint covers all of them.
func (b *Bookie) finalFlush(ctx context.Context) error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	if b.retryFlush {
		if err := b.writeOut(ctx, b.retryCovered); err != nil {
			return err
		}
	}
	covered := b.lastCheckpoint.JournalSegment
	if segs := b.journal.SegmentIndexes(); len(segs) > 0 {
		covered = max(covered, segs[len(segs)-1])
	}
	b.writeCacheMu.Lock()
	b.activeCache, b.flushingCache = b.flushingCache, b.activeCache
	b.writeCacheMu.Unlock()
	b.retryFlush, b.retryCovered = true, covered
	return b.writeOut(ctx, covered)
}

// writeOut writes the flushing cache into storage and checkpoints covered.
// Must be called with flushMu held.
func (b *Bookie) writeOut(ctx context.Context, covered uint64) error {
	start := time.Now()
	fc := b.flushingCache
	payload := hooks.FlushWriteCachePayload{Entries: fc.Count(), Bytes: fc.Size(), JournalSegment: covered}
	if err := b.hooks.Trigger(ctx, hooks.NewPreFlushWriteCacheEvent(payload)); err != nil {
		return err
	}

	err := b.persist(fc, covered)
	payload.Duration = time.Since(start)
	payload.Error = err
	b.metrics.FlushTotal.Add(1)
	observeLatency(b.metrics.FlushLatencyHist, payload.Duration.Seconds())
	b.hooks.Trigger(ctx, hooks.NewPostFlushWriteCacheEvent(payload))
	if err != nil {
		b.metrics.FlushErrorsTotal.Add(1)
		return err
	}
	b.metrics.FlushEntriesTotal.Add(payload.Entries)
	b.metrics.FlushBytesTotal.Add(payload.Bytes)
	fc.Clear()
	b.retryFlush = false
	b.logger.Debug("Flushed write cache", "entries", payload.Entries, "bytes", payload.Bytes,
		"journal_segment", covered, "duration", payload.Duration)
	return nil
}

// persist writes fc (which may be nil) and the ledgers' LAC into storage,
// makes storage durable, then checkpoints and purges the journal up to
// covered. Must be called with flushMu held.
func (b *Bookie) persist(fc *cache.WriteCache, covered uint64) error {
	if fc != nil {
		if err := fc.ForEach(func(_, _ int64, entry []byte) error {
			return b.storage.AddEntry(entry)
		}); err != nil {
			return fmt.Errorf("write cache to storage: %w", err)
		}
	}
	for _, ls := range b.ledgerStates() {
		lac := ls.lac.Load()
		if lac == ls.persistedLac {
			continue
		}
		if err := b.storage.UpdateLastAddConfirmed(ls.id, lac); err != nil {
			return fmt.Errorf("persist lac of ledger %d: %w", ls.id, err)
		}
		ls.persistedLac = lac
	}
	if err := b.storage.Flush(); err != nil {
		return err
	}

	if covered <= b.lastCheckpoint.JournalSegment {
		return nil
	}
	cp := checkpoint.Checkpoint{JournalSegment: covered, EntryLogID: b.storage.CurrentLogID()}
	if err := checkpoint.Write(b.opts.LedgerDir, cp); err != nil {
		return err
	}
	b.lastCheckpoint = cp
	if err := b.journal.Purge(covered); err != nil {
		// Leftover segments are replayed again, which is harmless.
		b.logger.Warn("Failed to purge journal after checkpoint", "up_to_segment", covered, "error", err)
	}
	return nil
}

package bookie

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/INLOpen/bookie/core"
	"github.com/INLOpen/bookie/hooks"
	"github.com/INLOpen/bookie/journal"
)

// AddEntry admits an encoded entry of an open ledger. The returned future,
// and cb when non-nil, complete once the entry is durable in the journal;
// with ackBeforeSync they complete once it is written, before the fsync.
//
// A nil entry or master key fails with core.ErrNullArgument, a malformed
// entry or negative ids with core.ErrInvalidArgument, a wrong key with
// core.ErrAccessDenied and a fenced ledger with core.ErrLedgerFenced. Once
// admitted, failures are only reported through the future and cb.
func (b *Bookie) AddEntry(ctx context.Context, entry []byte, ackBeforeSync bool, cb WriteCallback, cbCtx any, masterKey []byte) (*AddFuture, error) {
	return b.write(ctx, writeAdd, entry, ackBeforeSync, cb, cbCtx, masterKey)
}

// RecoveryAddEntry is AddEntry for the ledger recovery protocol. It is the
// only write a fenced ledger accepts and it does not check ids for being
// negative.
func (b *Bookie) RecoveryAddEntry(ctx context.Context, entry []byte, cb WriteCallback, cbCtx any, masterKey []byte) (*AddFuture, error) {
	return b.write(ctx, writeRecoveryAdd, entry, false, cb, cbCtx, masterKey)
}

// SetExplicitLac records entry as the ledger's explicit LAC. It is accepted
// on fenced ledgers.
func (b *Bookie) SetExplicitLac(ctx context.Context, entry []byte, cb WriteCallback, cbCtx any, masterKey []byte) (*AddFuture, error) {
	return b.write(ctx, writeExplicitLac, entry, false, cb, cbCtx, masterKey)
}

func (b *Bookie) write(ctx context.Context, kind writeKind, entry []byte, ackBeforeSync bool, cb WriteCallback, cbCtx any, masterKey []byte) (*AddFuture, error) {
	if entry == nil {
		return nil, fmt.Errorf("%s: entry: %w", kind, core.ErrNullArgument)
	}
	if masterKey == nil {
		return nil, fmt.Errorf("%s: master key: %w", kind, core.ErrNullArgument)
	}
	ledgerID, entryID, err := core.DecodeEntryHeader(entry)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", kind, err)
	}
	if kind == writeAdd && (ledgerID < 0 || entryID < 0) {
		return nil, fmt.Errorf("%s %d:%d: negative id: %w", kind, ledgerID, entryID, core.ErrInvalidArgument)
	}

	ctx, span := b.tracer.Start(ctx, kind.spanName())
	defer span.End()
	span.SetAttributes(
		attribute.Int64("bookie.ledger_id", ledgerID),
		attribute.Int64("bookie.entry_id", entryID),
		attribute.Int("bookie.entry_size", len(entry)),
		attribute.Bool("bookie.ack_before_sync", ackBeforeSync),
	)

	future, err := b.admit(ctx, kind, entry, ledgerID, entryID, ackBeforeSync, cb, cbCtx, masterKey)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "admission_failed")
		b.metrics.AddEntryErrorsTotal.Add(1)
		return nil, err
	}
	switch kind {
	case writeAdd:
		b.metrics.AddEntryTotal.Add(1)
	case writeRecoveryAdd:
		b.metrics.RecoveryAddTotal.Add(1)
	case writeExplicitLac:
		b.metrics.ExplicitLacTotal.Add(1)
	}
	return future, nil
}

func (b *Bookie) admit(ctx context.Context, kind writeKind, entry []byte, ledgerID, entryID int64, ackBeforeSync bool, cb WriteCallback, cbCtx any, masterKey []byte) (*AddFuture, error) {
	b.closeMu.RLock()
	defer b.closeMu.RUnlock()
	if b.closed.Load() {
		return nil, closedErr(kind.String())
	}

	if kind != writeExplicitLac {
		if err := b.hooks.Trigger(ctx, hooks.NewPreAddEntryEvent(hooks.PreAddEntryPayload{
			LedgerID: ledgerID,
			EntryID:  entryID,
			Size:     len(entry),
			Recovery: kind == writeRecoveryAdd,
		})); err != nil {
			return nil, err
		}
	}

	ls := b.ledgerForWrite(ledgerID)
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if err := ls.checkKeyLocked(masterKey); err != nil {
		return nil, err
	}
	if kind == writeAdd && ls.fenced {
		return nil, fmt.Errorf("%s %d:%d: %w", kind, ledgerID, entryID, core.ErrLedgerFenced)
	}
	if err := b.journalKeyLocked(ls, nil); err != nil {
		return nil, err
	}

	pw := &pendingWrite{
		kind:     kind,
		ledgerID: ledgerID,
		entryID:  entryID,
		start:    time.Now(),
		future:   newAddFuture(ledgerID, entryID),
		cb:       cb,
		cbCtx:    cbCtx,
	}
	ls.enqueue(pw)
	done := func(err error) { b.complete(ls, pw, err) }

	var err error
	if kind == writeExplicitLac {
		err = b.admitExplicitLacLocked(ls, entry, done)
	} else {
		err = b.admitEntry(ctx, kind, entry, ledgerID, entryID, ackBeforeSync, done)
	}
	if errors.Is(err, core.ErrJournalClosed) {
		ls.dropTail(pw)
		return nil, closedErr(kind.String())
	}
	if err != nil {
		// Admission already succeeded; the failure belongs to durability.
		b.complete(ls, pw, err)
	}
	return pw.future, nil
}

// journalKeyLocked journals the master key of a ledger the first time it is
// written to. done, when non-nil, receives the durability outcome. Must be
// called with ls.mu held.
func (b *Bookie) journalKeyLocked(ls *ledgerState, done func(error)) error {
	if ls.keyJournaled {
		if done != nil {
			done(nil)
		}
		return nil
	}
	if err := b.storage.SetMasterKey(ls.id, ls.masterKey); err != nil {
		return err
	}
	if done == nil {
		done = func(err error) {
			if err != nil {
				b.logger.Warn("Failed to journal master key", "ledger_id", ls.id, "error", err)
			}
		}
	}
	rec := journal.Record{Type: journal.RecordMasterKey, LedgerID: ls.id, EntryID: -1, Data: ls.masterKey}
	if err := b.appendJournal(rec, false, done); err != nil {
		if errors.Is(err, core.ErrJournalClosed) {
			return closedErr("journal master key")
		}
		return err
	}
	ls.keyJournaled = true
	return nil
}

// Must be called with ls.mu held.
func (b *Bookie) admitExplicitLacLocked(ls *ledgerState, entry []byte, done func(error)) error {
	ls.explicitLac = slices.Clone(entry)
	if err := b.storage.SetExplicitLac(ls.id, ls.explicitLac); err != nil {
		return err
	}
	return b.appendJournal(journal.Record{
		Type:     journal.RecordExplicitLac,
		LedgerID: ls.id,
		EntryID:  -1,
		Data:     ls.explicitLac,
	}, false, done)
}

// admitEntry puts the entry into the active write cache and journals it. A
// full cache is flushed synchronously once; entries the cache can never
// hold go straight to ledger storage.
func (b *Bookie) admitEntry(ctx context.Context, kind writeKind, entry []byte, ledgerID, entryID int64, ackBeforeSync bool, done func(error)) error {
	rec := journal.Record{Type: journal.RecordAddEntry, LedgerID: ledgerID, EntryID: entryID, Data: entry}
	if kind == writeRecoveryAdd {
		rec.Flags = journal.FlagRecovery
	}

	for attempt := 0; ; attempt++ {
		b.writeCacheMu.RLock()
		ok, err := b.activeCache.Put(ledgerID, entryID, entry)
		uncacheable := errors.Is(err, core.ErrCapacityExceeded) || errors.Is(err, core.ErrInvalidArgument)
		switch {
		case err != nil && !uncacheable:
			b.writeCacheMu.RUnlock()
			return err
		case err == nil && ok:
			err = b.appendJournal(rec, ackBeforeSync, done)
			full := b.activeCache.Size() >= b.opts.WriteCacheFlushThreshold
			b.writeCacheMu.RUnlock()
			if err != nil {
				return err
			}
			b.refreshReadCache(ledgerID, entryID, entry)
			if full {
				b.triggerFlush()
			}
			return nil
		case uncacheable, attempt > 0:
			err = b.storage.AddEntry(entry)
			if err == nil {
				b.metrics.DirectStorageWrites.Add(1)
				err = b.appendJournal(rec, ackBeforeSync, done)
			}
			b.writeCacheMu.RUnlock()
			if err == nil {
				b.refreshReadCache(ledgerID, entryID, entry)
			}
			return err
		}
		b.writeCacheMu.RUnlock()

		b.logger.Debug("Write cache full, flushing before admission", "ledger_id", ledgerID, "entry_id", entryID)
		if err := b.flushWriteCache(ctx); err != nil {
			return fmt.Errorf("flush full write cache: %w", err)
		}
	}
}

func (b *Bookie) appendJournal(rec journal.Record, ackBeforeSync bool, done func(error)) error {
	b.dirty.Store(true)
	return b.journal.Append(rec, ackBeforeSync, done)
}

// refreshReadCache replaces a stale copy of an overwritten entry.
func (b *Bookie) refreshReadCache(ledgerID, entryID int64, entry []byte) {
	if b.readCache.Contains(ledgerID, entryID) {
		_ = b.readCache.Put(ledgerID, entryID, entry)
	}
}

// complete records the outcome of pw and hands every write now complete at
// the head of the ledger's queue to the dispatcher, in order.
func (b *Bookie) complete(ls *ledgerState, pw *pendingWrite, err error) {
	ls.pendingMu.Lock()
	defer ls.pendingMu.Unlock()
	for _, ready := range ls.completeLocked(pw, err) {
		b.dispatcher.dispatch(func() { b.finish(ready) })
	}
}

// finish runs on the dispatcher.
func (b *Bookie) finish(pw *pendingWrite) {
	latency := time.Since(pw.start)
	if pw.err != nil {
		b.metrics.AddEntryErrorsTotal.Add(1)
		b.logger.Warn("Write failed", "op", pw.kind, "ledger_id", pw.ledgerID, "entry_id", pw.entryID, "error", pw.err)
	} else if pw.kind != writeExplicitLac {
		b.metrics.observeAdd(latency)
	}
	pw.future.complete(pw.err)
	if pw.cb != nil {
		pw.cb(core.ResultCodeOf(pw.err), pw.ledgerID, pw.entryID, b.opts.BookieID, pw.cbCtx)
	}
	if pw.kind != writeExplicitLac {
		b.hooks.Trigger(context.Background(), hooks.NewPostAddEntryEvent(hooks.PostAddEntryPayload{
			LedgerID: pw.ledgerID,
			EntryID:  pw.entryID,
			Latency:  latency,
			Error:    pw.err,
		}))
	}
}

// FenceLedger fences an existing ledger so that only recovery writes are
// accepted from now on. It returns once the fence is durable in the journal.
func (b *Bookie) FenceLedger(ctx context.Context, ledgerID int64, masterKey []byte) error {
	if masterKey == nil {
		return fmt.Errorf("fence ledger %d: master key: %w", ledgerID, core.ErrNullArgument)
	}
	ctx, span := b.tracer.Start(ctx, "Bookie.FenceLedger")
	defer span.End()
	span.SetAttributes(attribute.Int64("bookie.ledger_id", ledgerID))

	durable, already, err := b.fence(ctx, ledgerID, masterKey)
	if err == nil {
		select {
		case err = <-durable:
		case <-ctx.Done():
			err = ctx.Err()
		}
	}
	b.hooks.Trigger(ctx, hooks.NewPostFenceLedgerEvent(hooks.FenceLedgerPayload{LedgerID: ledgerID, Error: err}))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fence_failed")
		return err
	}
	if already {
		return nil
	}
	b.metrics.FenceTotal.Add(1)
	b.logger.Info("Ledger fenced", "ledger_id", ledgerID)
	return nil
}

// fence marks the ledger fenced and journals it. The bool is true when the
// ledger was fenced already and nothing was written.
func (b *Bookie) fence(ctx context.Context, ledgerID int64, masterKey []byte) (<-chan error, bool, error) {
	b.closeMu.RLock()
	defer b.closeMu.RUnlock()
	if b.closed.Load() {
		return nil, false, closedErr("fence ledger")
	}
	ls := b.ledger(ledgerID)
	if ls == nil {
		return nil, false, fmt.Errorf("fence ledger %d: %w", ledgerID, core.ErrNoLedger)
	}
	if err := b.hooks.Trigger(ctx, hooks.NewPreFenceLedgerEvent(hooks.FenceLedgerPayload{LedgerID: ledgerID})); err != nil {
		return nil, false, err
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()
	if err := ls.checkKeyLocked(masterKey); err != nil {
		return nil, false, err
	}
	if ls.fenced {
		done := make(chan error, 1)
		done <- nil
		return done, true, nil
	}
	if err := b.journalKeyLocked(ls, nil); err != nil {
		return nil, false, err
	}
	// Fencing takes effect for admission right away, whatever the journal
	// outcome.
	ls.fenced = true
	if _, err := b.storage.SetFenced(ledgerID); err != nil {
		return nil, false, err
	}
	result := make(chan error, 1)
	rec := journal.Record{Type: journal.RecordFence, LedgerID: ledgerID, EntryID: -1}
	if err := b.appendJournal(rec, false, func(err error) { result <- err }); err != nil {
		return nil, false, closedErr("fence ledger")
	}
	return result, false, nil
}

// OpenLedger creates the state of a ledger bound to masterKey, so it can be
// fenced or read before its first entry. It is a no-op for a ledger that
// exists with the same key.
func (b *Bookie) OpenLedger(ctx context.Context, ledgerID int64, masterKey []byte) error {
	if ledgerID < 0 {
		return fmt.Errorf("open ledger %d: %w", ledgerID, core.ErrInvalidArgument)
	}
	if masterKey == nil {
		return fmt.Errorf("open ledger %d: master key: %w", ledgerID, core.ErrNullArgument)
	}
	durable, err := b.openLedger(ledgerID, masterKey)
	if err != nil {
		return err
	}
	select {
	case err := <-durable:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bookie) openLedger(ledgerID int64, masterKey []byte) (<-chan error, error) {
	b.closeMu.RLock()
	defer b.closeMu.RUnlock()
	if b.closed.Load() {
		return nil, closedErr("open ledger")
	}
	ls := b.ledgerForWrite(ledgerID)
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if err := ls.checkKeyLocked(masterKey); err != nil {
		return nil, err
	}
	durable := make(chan error, 1)
	if err := b.journalKeyLocked(ls, func(err error) { durable <- err }); err != nil {
		return nil, err
	}
	return durable, nil
}

// ledgerForWrite returns the state of a ledger, creating it on first use.
func (b *Bookie) ledgerForWrite(ledgerID int64) *ledgerState {
	if ls := b.ledger(ledgerID); ls != nil {
		return ls
	}
	b.ledgersMu.Lock()
	defer b.ledgersMu.Unlock()
	ls, ok := b.ledgers[ledgerID]
	if !ok {
		ls = newLedgerState(ledgerID)
		b.ledgers[ledgerID] = ls
	}
	return ls
}

func (b *Bookie) ledger(ledgerID int64) *ledgerState {
	b.ledgersMu.RLock()
	defer b.ledgersMu.RUnlock()
	return b.ledgers[ledgerID]
}

func (b *Bookie) ledgerStates() []*ledgerState {
	b.ledgersMu.RLock()
	defer b.ledgersMu.RUnlock()
	out := make([]*ledgerState, 0, len(b.ledgers))
	for _, ls := range b.ledgers {
		out = append(out, ls)
	}
	return out
}

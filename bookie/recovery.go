package bookie

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/INLOpen/bookie/checkpoint"
	"github.com/INLOpen/bookie/hooks"
	"github.com/INLOpen/bookie/journal"
)

// recover loads ledger state from storage, opens the journal and applies
// every record journaled after the last checkpoint.
func (b *Bookie) recover() error {
	start := time.Now()
	cp, found, err := checkpoint.Read(b.opts.LedgerDir)
	if err != nil {
		return fmt.Errorf("failed to read checkpoint: %w", err)
	}
	b.lastCheckpoint = cp

	for _, id := range b.storage.LedgerIDs() {
		if m, ok := b.storage.Ledger(id); ok {
			b.ledgers[id] = ledgerStateFromMeta(m)
		}
	}

	j, records, err := journal.Open(journal.Options{
		Dir:                b.opts.JournalDir,
		SyncMode:           b.opts.JournalSyncMode,
		MaxSegmentSize:     b.opts.JournalMaxSegmentSize,
		BufferSize:         b.opts.JournalBufferSize,
		MaxBatch:           b.opts.JournalMaxBatch,
		StartRecoveryIndex: cp.JournalSegment,
		Allocator:          b.opts.Allocator,
		DiskChecker:        b.disk,
		Logger:             b.opts.Logger,
		HookManager:        b.hooks,
		BytesWritten:       b.metrics.JournalBytesWritten,
		RecordsWritten:     b.metrics.JournalRecordsWritten,
		Syncs:              b.metrics.JournalSyncs,
	})
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	b.journal = j

	for i := range records {
		if err := b.applyRecord(&records[i]); err != nil {
			return fmt.Errorf("failed to replay journal record %s %d:%d from segment %d: %w",
				records[i].Type, records[i].LedgerID, records[i].EntryID, records[i].Segment, err)
		}
	}

	if len(records) > 0 {
		// Everything replayed is now in storage; checkpoint it so the
		// segments are not replayed again.
		b.flushMu.Lock()
		err := b.persist(nil, j.ActiveSegmentIndex()-1)
		b.flushMu.Unlock()
		if err != nil {
			return fmt.Errorf("failed to checkpoint recovered state: %w", err)
		}
	}

	duration := time.Since(start)
	b.metrics.RecoveredRecordsTotal.Add(int64(len(records)))
	b.metrics.RecoveryDurationSeconds.Set(duration.Seconds())
	b.logger.Info("Bookie recovered", "checkpoint_found", found, "checkpoint_segment", cp.JournalSegment,
		"replayed_records", len(records), "ledgers", len(b.ledgers), "duration", duration)
	b.hooks.Trigger(context.Background(), hooks.NewPostRecoveryEvent(hooks.PostRecoveryPayload{
		ReplayedRecords: len(records),
		Ledgers:         len(b.ledgers),
		Duration:        duration,
	}))
	return nil
}

// recoveredLedger returns the state of a ledger seen in the journal,
// creating it when storage did not know it. Only used before the bookie is
// shared.
func (b *Bookie) recoveredLedger(ledgerID int64) *ledgerState {
	ls, ok := b.ledgers[ledgerID]
	if !ok {
		ls = newLedgerState(ledgerID)
		b.ledgers[ledgerID] = ls
	}
	return ls
}

func (b *Bookie) applyRecord(rec *journal.Record) error {
	ls := b.recoveredLedger(rec.LedgerID)
	switch rec.Type {
	case journal.RecordMasterKey:
		if ls.masterKey != nil {
			return nil
		}
		ls.masterKey = slices.Clone(rec.Data)
		ls.keyJournaled = true
		return b.storage.SetMasterKey(rec.LedgerID, ls.masterKey)
	case journal.RecordAddEntry:
		if err := b.storage.AddEntry(rec.Data); err != nil {
			return err
		}
		if rec.EntryID > ls.lac.Load() {
			ls.lac.Store(rec.EntryID)
		}
		return nil
	case journal.RecordFence:
		ls.fenced = true
		_, err := b.storage.SetFenced(rec.LedgerID)
		return err
	case journal.RecordExplicitLac:
		ls.explicitLac = slices.Clone(rec.Data)
		return b.storage.SetExplicitLac(rec.LedgerID, ls.explicitLac)
	default:
		b.logger.Warn("Skipping unknown journal record", "type", rec.Type, "segment", rec.Segment)
		return nil
	}
}

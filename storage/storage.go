// Package storage is the durable layer under the bookie: entries in entry
// logs, their locations and the ledger metadata in an index.
package storage

import (
	"github.com/RoaringBitmap/roaring/roaring64"

	"github.com/INLOpen/bookie/index"
)

// LedgerMeta is the persisted state of one ledger.
type LedgerMeta = index.LedgerMeta

// LedgerStorage is the interface the bookie persists through. Writes become
// durable only after Flush.
type LedgerStorage interface {
	// AddEntry stores an encoded entry. A later entry with the same key
	// replaces the earlier one.
	AddEntry(entry []byte) error
	// GetEntry returns ErrNoLedger for an unknown ledger and ErrNoEntry for
	// an entry that was never stored.
	GetEntry(ledgerID, entryID int64) ([]byte, error)
	LastEntryID(ledgerID int64) (int64, bool)
	EntryIDs(ledgerID int64) *roaring64.Bitmap

	LedgerExists(ledgerID int64) bool
	Ledger(ledgerID int64) (LedgerMeta, bool)
	LedgerIDs() []int64
	SetMasterKey(ledgerID int64, masterKey []byte) error
	// SetFenced marks the ledger fenced and reports whether it already was.
	SetFenced(ledgerID int64) (bool, error)
	SetExplicitLac(ledgerID int64, lac []byte) error
	// UpdateLastAddConfirmed raises the ledger's LAC to lac if it is higher.
	UpdateLastAddConfirmed(ledgerID, lac int64) error

	Flush() error
	CurrentLogID() uint64
	Close() error
}

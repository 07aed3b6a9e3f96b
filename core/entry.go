package core

import (
	"encoding/binary"
	"fmt"
)

// EntryHeaderSize is the number of bytes preceding the payload of an encoded
// entry: the ledger id followed by the entry id, both big-endian int64.
const EntryHeaderSize = 16

// Entry is a decoded view over an encoded entry record. Payload aliases the
// record it was decoded from.
type Entry struct {
	LedgerID int64
	EntryID  int64
	Payload  []byte
}

// EncodeEntry builds the wire/storage representation of an entry.
func EncodeEntry(ledgerID, entryID int64, payload []byte) []byte {
	buf := make([]byte, EntryHeaderSize+len(payload))
	binary.BigEndian.PutUint64(buf[0:8], uint64(ledgerID))
	binary.BigEndian.PutUint64(buf[8:16], uint64(entryID))
	copy(buf[EntryHeaderSize:], payload)
	return buf
}

// DecodeEntryHeader extracts the ledger and entry ids from an encoded entry.
// A nil record is a null argument; a record too short to hold the header is
// malformed.
func DecodeEntryHeader(record []byte) (ledgerID, entryID int64, err error) {
	if record == nil {
		return 0, 0, fmt.Errorf("decode entry header: %w", ErrNullArgument)
	}
	if len(record) < EntryHeaderSize {
		return 0, 0, fmt.Errorf("decode entry header: record of %d bytes is shorter than %d: %w", len(record), EntryHeaderSize, ErrInvalidArgument)
	}
	ledgerID = int64(binary.BigEndian.Uint64(record[0:8]))
	entryID = int64(binary.BigEndian.Uint64(record[8:16]))
	return ledgerID, entryID, nil
}

// DecodeEntry parses an encoded entry into its components.
func DecodeEntry(record []byte) (Entry, error) {
	ledgerID, entryID, err := DecodeEntryHeader(record)
	if err != nil {
		return Entry{}, err
	}
	return Entry{LedgerID: ledgerID, EntryID: entryID, Payload: record[EntryHeaderSize:]}, nil
}

// Encode returns the encoded form of e.
func (e Entry) Encode() []byte {
	return EncodeEntry(e.LedgerID, e.EntryID, e.Payload)
}

// EntryKey identifies an entry within the bookie.
type EntryKey struct {
	LedgerID int64
	EntryID  int64
}

// CompareEntryKeys orders keys by ledger id, then entry id.
func CompareEntryKeys(a, b EntryKey) int {
	switch {
	case a.LedgerID < b.LedgerID:
		return -1
	case a.LedgerID > b.LedgerID:
		return 1
	case a.EntryID < b.EntryID:
		return -1
	case a.EntryID > b.EntryID:
		return 1
	}
	return 0
}

func (k EntryKey) String() string {
	return fmt.Sprintf("%d:%d", k.LedgerID, k.EntryID)
}

package journal

import (
	"encoding/binary"
	"fmt"

	"github.com/INLOpen/bookie/core"
)

// RecordType identifies the kind of a journal record.
type RecordType uint8

const (
	// RecordAddEntry carries an encoded entry.
	RecordAddEntry RecordType = iota + 1
	// RecordFence marks a ledger as fenced.
	RecordFence
	// RecordExplicitLac carries an explicit LAC entry.
	RecordExplicitLac
	// RecordMasterKey binds a master key to a ledger.
	RecordMasterKey
)

func (t RecordType) String() string {
	switch t {
	case RecordAddEntry:
		return "add_entry"
	case RecordFence:
		return "fence"
	case RecordExplicitLac:
		return "explicit_lac"
	case RecordMasterKey:
		return "master_key"
	default:
		return fmt.Sprintf("RecordType(%d)", uint8(t))
	}
}

// FlagRecovery marks an entry written by the ledger recovery protocol.
const FlagRecovery uint8 = 1 << 0

// recordHeaderSize is type(1) | flags(1) | ledgerId(8) | entryId(8).
const recordHeaderSize = 18

// frameOverhead is the length prefix plus the crc trailer.
const frameOverhead = 4 + core.ChecksumSize

// Record is a single journaled operation.
type Record struct {
	Type     RecordType
	Flags    uint8
	LedgerID int64
	EntryID  int64
	Data     []byte
	// Segment is the journal segment the record was read from. It is only
	// set on replayed records.
	Segment uint64
}

func (r *Record) encodedSize() int {
	return recordHeaderSize + len(r.Data)
}

// appendPayload appends the record payload to buf.
func (r *Record) appendPayload(buf []byte) []byte {
	var hdr [recordHeaderSize]byte
	hdr[0] = byte(r.Type)
	hdr[1] = r.Flags
	binary.BigEndian.PutUint64(hdr[2:10], uint64(r.LedgerID))
	binary.BigEndian.PutUint64(hdr[10:18], uint64(r.EntryID))
	buf = append(buf, hdr[:]...)
	return append(buf, r.Data...)
}

func decodeRecord(payload []byte) (Record, error) {
	if len(payload) < recordHeaderSize {
		return Record{}, fmt.Errorf("journal record of %d bytes is shorter than header", len(payload))
	}
	rec := Record{
		Type:     RecordType(payload[0]),
		Flags:    payload[1],
		LedgerID: int64(binary.BigEndian.Uint64(payload[2:10])),
		EntryID:  int64(binary.BigEndian.Uint64(payload[10:18])),
	}
	if rec.Type < RecordAddEntry || rec.Type > RecordMasterKey {
		return Record{}, fmt.Errorf("unknown journal record type %d", payload[0])
	}
	if len(payload) > recordHeaderSize {
		rec.Data = append([]byte(nil), payload[recordHeaderSize:]...)
	}
	return rec, nil
}

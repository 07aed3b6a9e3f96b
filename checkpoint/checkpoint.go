package checkpoint

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"

	"github.com/INLOpen/bookie/core"
	"github.com/INLOpen/bookie/sys"
)

// encodedSize is magic(4) | journal segment(8) | entry log id(8) | crc32(4).
const encodedSize = 4 + 8 + 8 + core.ChecksumSize

// Checkpoint marks how much of the journal is covered by ledger storage.
type Checkpoint struct {
	// JournalSegment is the highest journal segment whose records are all
	// persisted in ledger storage. Replay starts after it.
	JournalSegment uint64
	// EntryLogID is the entry log that was current when the checkpoint was
	// taken.
	EntryLogID uint64
}

func (cp Checkpoint) marshal() []byte {
	buf := make([]byte, encodedSize)
	binary.LittleEndian.PutUint32(buf[0:4], core.CheckpointMagic)
	binary.LittleEndian.PutUint64(buf[4:12], cp.JournalSegment)
	binary.LittleEndian.PutUint64(buf[12:20], cp.EntryLogID)
	binary.LittleEndian.PutUint32(buf[20:24], crc32.ChecksumIEEE(buf[:20]))
	return buf
}

// Write atomically replaces the checkpoint file in dir.
func Write(dir string, cp Checkpoint) error {
	path := filepath.Join(dir, core.CheckpointFileName)
	if err := sys.WriteFileAtomic(path, cp.marshal()); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	return nil
}

// Read loads the checkpoint from dir. A missing file yields a zero
// Checkpoint and found == false.
func Read(dir string) (Checkpoint, bool, error) {
	path := filepath.Join(dir, core.CheckpointFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Checkpoint{}, false, nil
		}
		return Checkpoint{}, false, fmt.Errorf("failed to read checkpoint file: %w", err)
	}
	if len(data) != encodedSize {
		return Checkpoint{}, true, &core.CorruptionError{Path: path, Reason: fmt.Sprintf("checkpoint is %d bytes, want %d", len(data), encodedSize)}
	}
	if magic := binary.LittleEndian.Uint32(data[0:4]); magic != core.CheckpointMagic {
		return Checkpoint{}, true, &core.CorruptionError{Path: path, Reason: fmt.Sprintf("invalid checkpoint magic number: got %x, want %x", magic, core.CheckpointMagic)}
	}
	if crc32.ChecksumIEEE(data[:20]) != binary.LittleEndian.Uint32(data[20:24]) {
		return Checkpoint{}, true, &core.CorruptionError{Path: path, Offset: 20, Reason: "checkpoint checksum mismatch"}
	}
	return Checkpoint{
		JournalSegment: binary.LittleEndian.Uint64(data[4:12]),
		EntryLogID:     binary.LittleEndian.Uint64(data[12:20]),
	}, true, nil
}

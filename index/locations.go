package index

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/INLOpen/bookie/channel"
	"github.com/INLOpen/bookie/core"
	"github.com/INLOpen/bookie/entrylog"
	"github.com/INLOpen/bookie/sys"
)

// locationRecordSize is ledgerId | entryId | logId | offset, 8 bytes each.
const locationRecordSize = 32

func encodeLocation(buf []byte, key core.EntryKey, loc entrylog.Location) {
	binary.BigEndian.PutUint64(buf[0:8], uint64(key.LedgerID))
	binary.BigEndian.PutUint64(buf[8:16], uint64(key.EntryID))
	binary.BigEndian.PutUint64(buf[16:24], loc.LogID)
	binary.BigEndian.PutUint64(buf[24:32], uint64(loc.Offset))
}

func decodeLocation(buf []byte) (core.EntryKey, entrylog.Location) {
	key := core.EntryKey{
		LedgerID: int64(binary.BigEndian.Uint64(buf[0:8])),
		EntryID:  int64(binary.BigEndian.Uint64(buf[8:16])),
	}
	loc := entrylog.Location{
		LogID:  binary.BigEndian.Uint64(buf[16:24]),
		Offset: int64(binary.BigEndian.Uint64(buf[24:32])),
	}
	return key, loc
}

// openLocations opens or creates the locations file, calls fn for every
// complete record in write order and truncates a torn trailing record. The
// returned channel appends after the last complete record.
func openLocations(path string, alloc core.Allocator, bufferSize int, fn func(core.EntryKey, entrylog.Location)) (*channel.BufferedChannel, int, error) {
	file, err := sys.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open locations file %s: %w", path, err)
	}
	size, err := sys.FileSize(file)
	if err != nil {
		file.Close()
		return nil, 0, fmt.Errorf("failed to stat locations file %s: %w", path, err)
	}

	records := 0
	if size == 0 {
		header := core.NewFileHeader(core.LocationsMagic, core.CompressionNone)
		if _, err := file.WriteAt(header.MarshalBinary(), 0); err != nil {
			file.Close()
			return nil, 0, fmt.Errorf("failed to write locations header to %s: %w", path, err)
		}
	} else {
		reader := bufio.NewReader(io.NewSectionReader(file, 0, size))
		if _, err := core.ReadFileHeader(reader, core.LocationsMagic); err != nil {
			file.Close()
			return nil, 0, fmt.Errorf("locations file %s: %w", path, err)
		}
		var rec [locationRecordSize]byte
		for {
			if _, err := io.ReadFull(reader, rec[:]); err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
					break
				}
				file.Close()
				return nil, 0, fmt.Errorf("failed to read locations file %s: %w", path, err)
			}
			key, loc := decodeLocation(rec[:])
			fn(key, loc)
			records++
		}
		if valid := int64(core.FileHeaderSize) + int64(records)*locationRecordSize; valid < size {
			if err := file.Truncate(valid); err != nil {
				file.Close()
				return nil, 0, fmt.Errorf("failed to truncate torn locations record in %s: %w", path, err)
			}
		}
	}

	ch, err := channel.New(alloc, file, bufferSize)
	if err != nil {
		file.Close()
		return nil, 0, err
	}
	return ch, records, nil
}

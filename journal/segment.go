package journal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	"github.com/INLOpen/bookie/channel"
	"github.com/INLOpen/bookie/core"
	"github.com/INLOpen/bookie/sys"
)

// segmentWriter appends framed records to one journal segment file.
type segmentWriter struct {
	ch    *channel.BufferedChannel
	path  string
	index uint64
}

func createSegment(dir string, index uint64, alloc core.Allocator, bufferSize int) (*segmentWriter, error) {
	path := filepath.Join(dir, core.FormatJournalSegmentName(index))
	file, err := sys.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create journal segment %s: %w", path, err)
	}
	ch, err := channel.New(alloc, file, bufferSize)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to buffer journal segment %s: %w", path, err)
	}
	header := core.NewFileHeader(core.JournalMagic, core.CompressionNone)
	if _, err := ch.Write(header.MarshalBinary()); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to write journal segment header to %s: %w", path, err)
	}
	return &segmentWriter{ch: ch, path: path, index: index}, nil
}

// writeFrame writes len | payload | crc. frame must already hold the payload
// at frame[4:len(frame)-4].
func (sw *segmentWriter) writeFrame(frame []byte) error {
	payload := frame[4 : len(frame)-core.ChecksumSize]
	binary.LittleEndian.PutUint32(frame[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(frame[len(frame)-core.ChecksumSize:], crc32.ChecksumIEEE(payload))
	_, err := sw.ch.Write(frame)
	return err
}

func (sw *segmentWriter) size() int64 {
	return sw.ch.Position()
}

// hasRecords reports whether anything beyond the header was written.
func (sw *segmentWriter) hasRecords() bool {
	return sw.size() > int64(core.FileHeaderSize)
}

func (sw *segmentWriter) flush() error {
	return sw.ch.Flush()
}

func (sw *segmentWriter) sync() error {
	return sw.ch.Sync()
}

func (sw *segmentWriter) close(syncFirst bool) error {
	var syncErr error
	if syncFirst {
		syncErr = sw.ch.Sync()
	}
	closeErr := sw.ch.Close()
	if syncErr != nil {
		return syncErr
	}
	return closeErr
}

// segmentReader reads framed records sequentially.
type segmentReader struct {
	file   sys.FileHandle
	reader *bufio.Reader
	path   string
	index  uint64
	offset int64
	size   int64
}

// openSegmentForRead opens a segment and validates its header. A file too
// short to hold a header is reported with io.ErrUnexpectedEOF.
func openSegmentForRead(path string) (*segmentReader, error) {
	index, err := core.ParseJournalSegmentName(filepath.Base(path))
	if err != nil {
		return nil, err
	}
	file, err := sys.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal segment %s: %w", path, err)
	}
	size, err := sys.FileSize(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat journal segment %s: %w", path, err)
	}
	reader := bufio.NewReaderSize(file, 64*1024)
	if _, err := core.ReadFileHeader(reader, core.JournalMagic); err != nil {
		file.Close()
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("journal segment %s truncated at header: %w", path, io.ErrUnexpectedEOF)
		}
		return nil, fmt.Errorf("journal segment %s: %w", path, err)
	}
	return &segmentReader{
		file:   file,
		reader: reader,
		path:   path,
		index:  index,
		offset: int64(core.FileHeaderSize),
		size:   size,
	}, nil
}

// next returns the next record. io.EOF marks a clean end of segment,
// io.ErrUnexpectedEOF a torn frame, *core.CorruptionError a bad checksum.
func (sr *segmentReader) next() (Record, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(sr.reader, lenBuf[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return Record{}, io.EOF
		}
		return Record{}, io.ErrUnexpectedEOF
	}
	length := int64(binary.LittleEndian.Uint32(lenBuf[:]))
	if sr.offset+int64(frameOverhead)+length > sr.size {
		return Record{}, io.ErrUnexpectedEOF
	}
	buf := make([]byte, length+core.ChecksumSize)
	if _, err := io.ReadFull(sr.reader, buf); err != nil {
		return Record{}, io.ErrUnexpectedEOF
	}
	payload := buf[:length]
	want := binary.LittleEndian.Uint32(buf[length:])
	if crc32.ChecksumIEEE(payload) != want {
		return Record{}, &core.CorruptionError{Path: sr.path, Offset: sr.offset, Reason: "journal record checksum mismatch"}
	}
	rec, err := decodeRecord(payload)
	if err != nil {
		return Record{}, &core.CorruptionError{Path: sr.path, Offset: sr.offset, Reason: err.Error()}
	}
	rec.Segment = sr.index
	sr.offset += int64(frameOverhead) + length
	return rec, nil
}

func (sr *segmentReader) close() error {
	return sr.file.Close()
}

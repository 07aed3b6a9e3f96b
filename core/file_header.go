package core

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

// FileHeader is the standard header at the start of every persistent file.
type FileHeader struct {
	Magic          uint32
	Version        uint8
	CreatedAt      int64 // UnixNano timestamp
	CompressorType CompressionType
}

// FileHeaderSize is the encoded size of a FileHeader.
var FileHeaderSize = binary.Size(FileHeader{})

func (h *FileHeader) Size() int {
	return binary.Size(h)
}

// NewFileHeader creates a new header with the current time and specified magic number.
func NewFileHeader(magic uint32, compressorType CompressionType) FileHeader {
	return FileHeader{
		Magic:          magic,
		Version:        FormatVersion,
		CreatedAt:      time.Now().UnixNano(),
		CompressorType: compressorType,
	}
}

// MarshalBinary encodes the header in little-endian order.
func (h FileHeader) MarshalBinary() []byte {
	buf := make([]byte, FileHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	binary.LittleEndian.PutUint64(buf[5:13], uint64(h.CreatedAt))
	buf[13] = byte(h.CompressorType)
	return buf
}

// ReadFileHeader reads a header from r and checks its magic number.
func ReadFileHeader(r io.Reader, wantMagic uint32) (FileHeader, error) {
	var h FileHeader
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return h, fmt.Errorf("read file header: %w", err)
	}
	if h.Magic != wantMagic {
		return h, fmt.Errorf("invalid magic number: got %x, want %x: %w", h.Magic, wantMagic, ErrCorrupted)
	}
	if h.Version > FormatVersion {
		return h, fmt.Errorf("unsupported format version %d: %w", h.Version, ErrCorrupted)
	}
	return h, nil
}

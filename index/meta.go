package index

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"slices"

	"github.com/INLOpen/bookie/compressors"
	"github.com/INLOpen/bookie/core"
	"github.com/INLOpen/bookie/sys"
)

// LedgerMeta is the persisted state of one ledger.
type LedgerMeta struct {
	LedgerID int64
	// MasterKey is nil until a writer binds one.
	MasterKey        []byte
	Fenced           bool
	LastAddConfirmed int64
	// ExplicitLac is the last explicit LAC entry, nil if none was set.
	ExplicitLac []byte
}

func (m *LedgerMeta) clone() LedgerMeta {
	c := *m
	if m.MasterKey != nil {
		c.MasterKey = slices.Clone(m.MasterKey)
	}
	if m.ExplicitLac != nil {
		c.ExplicitLac = slices.Clone(m.ExplicitLac)
	}
	return c
}

const (
	metaFlagFenced uint8 = 1 << iota
	metaFlagHasKey
	metaFlagHasExplicitLac
)

func appendBytes(buf *bytes.Buffer, b []byte) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], uint64(len(b)))
	buf.Write(tmp[:n])
	buf.Write(b)
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if n > uint64(r.Len()) {
		return nil, io.ErrUnexpectedEOF
	}
	b := make([]byte, n)
	_, err = io.ReadFull(r, b)
	return b, err
}

// encodeMetas serializes ledgers ordered by id.
func encodeMetas(metas []*LedgerMeta) []byte {
	var buf bytes.Buffer
	var tmp [8]byte
	binary.BigEndian.PutUint32(tmp[:4], uint32(len(metas)))
	buf.Write(tmp[:4])
	for _, m := range metas {
		binary.BigEndian.PutUint64(tmp[:], uint64(m.LedgerID))
		buf.Write(tmp[:])
		var flags uint8
		if m.Fenced {
			flags |= metaFlagFenced
		}
		if m.MasterKey != nil {
			flags |= metaFlagHasKey
		}
		if m.ExplicitLac != nil {
			flags |= metaFlagHasExplicitLac
		}
		buf.WriteByte(flags)
		binary.BigEndian.PutUint64(tmp[:], uint64(m.LastAddConfirmed))
		buf.Write(tmp[:])
		if m.MasterKey != nil {
			appendBytes(&buf, m.MasterKey)
		}
		if m.ExplicitLac != nil {
			appendBytes(&buf, m.ExplicitLac)
		}
	}
	return buf.Bytes()
}

func decodeMetas(body []byte) ([]*LedgerMeta, error) {
	r := bytes.NewReader(body)
	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, err
	}
	metas := make([]*LedgerMeta, 0, count)
	for i := uint32(0); i < count; i++ {
		m := &LedgerMeta{}
		var flags uint8
		if err := binary.Read(r, binary.BigEndian, &m.LedgerID); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.BigEndian, &flags); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.BigEndian, &m.LastAddConfirmed); err != nil {
			return nil, err
		}
		m.Fenced = flags&metaFlagFenced != 0
		if flags&metaFlagHasKey != 0 {
			key, err := readBytes(r)
			if err != nil {
				return nil, err
			}
			m.MasterKey = key
		}
		if flags&metaFlagHasExplicitLac != 0 {
			lac, err := readBytes(r)
			if err != nil {
				return nil, err
			}
			m.ExplicitLac = lac
		}
		metas = append(metas, m)
	}
	return metas, nil
}

// writeMetaSnapshot writes header | compressed body | crc32(compressed body).
func writeMetaSnapshot(path string, compressor core.Compressor, metas []*LedgerMeta) error {
	compressed, err := compressor.Compress(encodeMetas(metas))
	if err != nil {
		return fmt.Errorf("failed to compress ledger metadata: %w", err)
	}
	header := core.NewFileHeader(core.LedgerMetaMagic, compressor.Type())
	out := make([]byte, 0, core.FileHeaderSize+len(compressed)+core.ChecksumSize)
	out = append(out, header.MarshalBinary()...)
	out = append(out, compressed...)
	out = binary.LittleEndian.AppendUint32(out, crc32.ChecksumIEEE(compressed))
	return sys.WriteFileAtomic(path, out)
}

// readMetaSnapshot loads a snapshot written by writeMetaSnapshot. A missing
// file yields no ledgers.
func readMetaSnapshot(path string) ([]*LedgerMeta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read ledger metadata %s: %w", path, err)
	}
	if len(data) < core.FileHeaderSize+core.ChecksumSize {
		return nil, &core.CorruptionError{Path: path, Reason: "ledger metadata file truncated"}
	}
	header, err := core.ReadFileHeader(bytes.NewReader(data), core.LedgerMetaMagic)
	if err != nil {
		return nil, fmt.Errorf("ledger metadata %s: %w", path, err)
	}
	compressed := data[core.FileHeaderSize : len(data)-core.ChecksumSize]
	if crc32.ChecksumIEEE(compressed) != binary.LittleEndian.Uint32(data[len(data)-core.ChecksumSize:]) {
		return nil, &core.CorruptionError{Path: path, Offset: int64(core.FileHeaderSize), Reason: "ledger metadata checksum mismatch"}
	}
	compressor, err := compressors.ForType(header.CompressorType)
	if err != nil {
		return nil, fmt.Errorf("ledger metadata %s: %w", path, err)
	}
	body, err := compressor.Decompress(compressed)
	if err != nil {
		return nil, &core.CorruptionError{Path: path, Offset: int64(core.FileHeaderSize), Reason: "decompress: " + err.Error()}
	}
	metas, err := decodeMetas(body)
	if err != nil {
		return nil, &core.CorruptionError{Path: path, Offset: int64(core.FileHeaderSize), Reason: "decode: " + err.Error()}
	}
	return metas, nil
}

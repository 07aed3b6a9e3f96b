package compressors

import (
	"encoding/binary"
	"fmt"

	"github.com/INLOpen/bookie/core"
	lz4 "github.com/pierrec/lz4/v4"
)

// maxLZ4BlockSize bounds the decoded size accepted from a block header.
const maxLZ4BlockSize = 1 << 30

// LZ4Compressor implements core.Compressor using LZ4 blocks. The LZ4 block
// format does not record the decoded length, so each block is prefixed with
// it as a uvarint.
type LZ4Compressor struct{}

var _ core.Compressor = (*LZ4Compressor)(nil)

func NewLz4Compressor() *LZ4Compressor {
	return &LZ4Compressor{}
}

func (c *LZ4Compressor) Compress(src []byte) ([]byte, error) {
	dst := make([]byte, binary.MaxVarintLen64+lz4.CompressBlockBound(len(src)))
	hdr := binary.PutUvarint(dst, uint64(len(src)))
	if len(src) == 0 {
		return dst[:hdr], nil
	}
	n, err := lz4.CompressBlock(src, dst[hdr:], nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress error: %w", err)
	}
	if n == 0 {
		// Incompressible input; CompressBlock signals this with n == 0.
		return nil, fmt.Errorf("lz4 compression resulted in zero bytes for non-empty input")
	}
	return dst[:hdr+n], nil
}

func (c *LZ4Compressor) Decompress(src []byte) ([]byte, error) {
	size, hdr := binary.Uvarint(src)
	if hdr <= 0 {
		return nil, fmt.Errorf("lz4 decompress: bad length prefix: %w", core.ErrCorrupted)
	}
	if size > maxLZ4BlockSize {
		return nil, fmt.Errorf("lz4 decompress: block of %d bytes too large: %w", size, core.ErrCorrupted)
	}
	dst := make([]byte, size)
	if size == 0 {
		return dst, nil
	}
	n, err := lz4.UncompressBlock(src[hdr:], dst)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress error: %w", err)
	}
	if uint64(n) != size {
		return nil, fmt.Errorf("lz4 decompress: got %d bytes, want %d: %w", n, size, core.ErrCorrupted)
	}
	return dst, nil
}

func (c *LZ4Compressor) Type() core.CompressionType {
	return core.CompressionLZ4
}

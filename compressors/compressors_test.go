package compressors

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/INLOpen/bookie/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressors_RoundTrip(t *testing.T) {
	repetitive := bytes.Repeat([]byte("ledger-1-entry-"), 512)
	random := make([]byte, 4096)
	rand.New(rand.NewSource(1)).Read(random)

	inputs := map[string][]byte{
		"empty":      {},
		"small":      []byte("hello"),
		"repetitive": repetitive,
		"random":     random,
	}

	for _, ct := range []core.CompressionType{core.CompressionNone, core.CompressionSnappy, core.CompressionLZ4, core.CompressionZSTD} {
		c, err := ForType(ct)
		require.NoError(t, err)
		require.Equal(t, ct, c.Type())
		for name, in := range inputs {
			t.Run(ct.String()+"/"+name, func(t *testing.T) {
				if ct == core.CompressionLZ4 && name == "random" {
					// LZ4 reports incompressible blocks as an error.
					if _, err := c.Compress(in); err != nil {
						t.Skip("incompressible input")
					}
				}
				out, err := c.Compress(in)
				require.NoError(t, err)
				back, err := c.Decompress(out)
				require.NoError(t, err)
				assert.True(t, bytes.Equal(in, back), "round trip mismatch")
			})
		}
	}
}

func TestCompressors_CompressesRepetitiveInput(t *testing.T) {
	in := bytes.Repeat([]byte("abcdefgh"), 1024)
	for _, name := range []string{"snappy", "lz4", "zstd"} {
		c, err := ForName(name)
		require.NoError(t, err)
		out, err := c.Compress(in)
		require.NoError(t, err)
		assert.Less(t, len(out), len(in)/4, name)
	}
}

func TestLZ4_RejectsCorruptHeader(t *testing.T) {
	_, err := NewLz4Compressor().Decompress([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0x01})
	require.Error(t, err)
}

func TestForName_Unknown(t *testing.T) {
	_, err := ForName("brotli")
	require.ErrorIs(t, err, core.ErrInvalidArgument)
}

package storage

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/bookie/core"
)

func openTestStorage(t *testing.T, dir string) *InterleavedStorage {
	t.Helper()
	s, err := NewInterleavedStorage(InterleavedOptions{
		Dir:         dir,
		MaxLogSize:  1024,
		BufferSize:  128,
		Compression: core.CompressionSnappy,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	return s
}

// testPayload is large enough that 40 entries overflow a 1024-byte log.
func testPayload(l, e int64) []byte {
	p := make([]byte, 64)
	p[0], p[1] = byte(l), byte(e)
	return p
}

func TestInterleavedStorage_AddGet(t *testing.T) {
	s := openTestStorage(t, t.TempDir())
	defer s.Close()

	_, err := s.GetEntry(1, 0)
	assert.ErrorIs(t, err, core.ErrNoLedger)

	for l := int64(1); l <= 2; l++ {
		for e := int64(0); e < 20; e++ {
			require.NoError(t, s.AddEntry(core.EncodeEntry(l, e, testPayload(l, e))))
		}
	}
	got, err := s.GetEntry(2, 13)
	require.NoError(t, err)
	assert.Equal(t, core.EncodeEntry(2, 13, testPayload(2, 13)), got)

	_, err = s.GetEntry(2, 20)
	assert.ErrorIs(t, err, core.ErrNoEntry)

	last, ok := s.LastEntryID(1)
	require.True(t, ok)
	assert.Equal(t, int64(19), last)
	assert.Equal(t, uint64(20), s.EntryIDs(1).GetCardinality())
	assert.Equal(t, []int64{1, 2}, s.LedgerIDs())
	assert.True(t, s.LedgerExists(1))
	assert.False(t, s.LedgerExists(3))
	assert.Greater(t, s.CurrentLogID(), uint64(1), "small logs roll")

	assert.ErrorIs(t, s.AddEntry([]byte{1}), core.ErrInvalidArgument)
}

func TestInterleavedStorage_Metadata(t *testing.T) {
	s := openTestStorage(t, t.TempDir())
	defer s.Close()

	assert.ErrorIs(t, s.SetMasterKey(1, nil), core.ErrNullArgument)
	require.NoError(t, s.SetMasterKey(1, []byte("key")))

	already, err := s.SetFenced(1)
	require.NoError(t, err)
	assert.False(t, already)
	already, err = s.SetFenced(1)
	require.NoError(t, err)
	assert.True(t, already)

	require.NoError(t, s.UpdateLastAddConfirmed(1, 5))
	require.NoError(t, s.UpdateLastAddConfirmed(1, 3))
	lac := core.EncodeEntry(1, -1, []byte("explicit"))
	require.NoError(t, s.SetExplicitLac(1, lac))
	lac[0] = 0xFF

	m, ok := s.Ledger(1)
	require.True(t, ok)
	assert.True(t, m.Fenced)
	assert.Equal(t, []byte("key"), m.MasterKey)
	assert.Equal(t, int64(5), m.LastAddConfirmed, "LAC never moves back")
	assert.Equal(t, core.EncodeEntry(1, -1, []byte("explicit")), m.ExplicitLac)
}

func TestInterleavedStorage_Reopen(t *testing.T) {
	dir := t.TempDir()
	s := openTestStorage(t, dir)
	for e := int64(0); e < 50; e++ {
		require.NoError(t, s.AddEntry(core.EncodeEntry(9, e, make([]byte, 40))))
	}
	require.NoError(t, s.SetMasterKey(9, []byte{}))
	_, err := s.SetFenced(9)
	require.NoError(t, err)
	require.NoError(t, s.Flush())
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Flush(), core.ErrBookieClosed)
	assert.NoError(t, s.Close())

	s2 := openTestStorage(t, dir)
	defer s2.Close()
	for e := int64(0); e < 50; e++ {
		got, err := s2.GetEntry(9, e)
		require.NoError(t, err)
		assert.Len(t, got, core.EntryHeaderSize+40)
	}
	m, ok := s2.Ledger(9)
	require.True(t, ok)
	assert.True(t, m.Fenced)
	assert.NotNil(t, m.MasterKey)
}

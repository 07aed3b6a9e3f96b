package storage

import (
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"

	"github.com/RoaringBitmap/roaring/roaring64"

	"github.com/INLOpen/bookie/core"
	"github.com/INLOpen/bookie/entrylog"
	"github.com/INLOpen/bookie/index"
	"github.com/INLOpen/bookie/sys"
)

// IndexDirName is the sub directory of the ledgers dir holding the index.
const IndexDirName = "index"

type InterleavedOptions struct {
	Dir               string
	MaxLogSize        int64
	BufferSize        int
	Preallocate       bool
	OpenFileCacheSize int
	// Compression is used for the ledger metadata snapshot.
	Compression core.CompressionType
	Allocator   core.Allocator
	DiskChecker *sys.DiskChecker
	Logger      *slog.Logger

	BytesWritten *expvar.Int
	HandleHits   *expvar.Int
	HandleMisses *expvar.Int
}

// InterleavedStorage writes the entries of every ledger into shared entry
// logs and indexes them by (ledgerId, entryId).
type InterleavedStorage struct {
	logger  *slog.Logger
	entries *entrylog.EntryLogger
	index   *index.Index

	// mu orders Flush and Close against each other.
	mu     sync.Mutex
	closed bool
}

var _ LedgerStorage = (*InterleavedStorage)(nil)

func NewInterleavedStorage(opts InterleavedOptions) (*InterleavedStorage, error) {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	entries, err := entrylog.Open(entrylog.Options{
		Dir:               opts.Dir,
		MaxLogSize:        opts.MaxLogSize,
		BufferSize:        opts.BufferSize,
		Preallocate:       opts.Preallocate,
		OpenFileCacheSize: opts.OpenFileCacheSize,
		Allocator:         opts.Allocator,
		DiskChecker:       opts.DiskChecker,
		Logger:            opts.Logger,
		BytesWritten:      opts.BytesWritten,
		HandleHits:        opts.HandleHits,
		HandleMisses:      opts.HandleMisses,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open entry logger: %w", err)
	}
	idx, err := index.Open(index.Options{
		Dir:         filepath.Join(opts.Dir, IndexDirName),
		Compression: opts.Compression,
		Allocator:   opts.Allocator,
		Logger:      opts.Logger,
	})
	if err != nil {
		entries.Close()
		return nil, fmt.Errorf("failed to open ledger index: %w", err)
	}
	return &InterleavedStorage{
		logger:  opts.Logger.With("component", "InterleavedStorage"),
		entries: entries,
		index:   idx,
	}, nil
}

func (s *InterleavedStorage) AddEntry(entry []byte) error {
	ledgerID, entryID, err := core.DecodeEntryHeader(entry)
	if err != nil {
		return err
	}
	loc, err := s.entries.Add(entry)
	if err != nil {
		return fmt.Errorf("add entry %d:%d: %w", ledgerID, entryID, err)
	}
	if !s.index.HasLedger(ledgerID) {
		if err := s.index.UpdateLedger(ledgerID, func(*index.LedgerMeta) {}); err != nil {
			return err
		}
	}
	return s.index.Put(ledgerID, entryID, loc)
}

func (s *InterleavedStorage) GetEntry(ledgerID, entryID int64) ([]byte, error) {
	if !s.index.HasLedger(ledgerID) {
		return nil, fmt.Errorf("ledger %d: %w", ledgerID, core.ErrNoLedger)
	}
	loc, ok := s.index.Get(ledgerID, entryID)
	if !ok {
		return nil, fmt.Errorf("entry %d:%d: %w", ledgerID, entryID, core.ErrNoEntry)
	}
	return s.entries.Read(loc, ledgerID, entryID)
}

func (s *InterleavedStorage) LastEntryID(ledgerID int64) (int64, bool) {
	return s.index.LastEntryID(ledgerID)
}

func (s *InterleavedStorage) EntryIDs(ledgerID int64) *roaring64.Bitmap {
	return s.index.EntryIDs(ledgerID)
}

func (s *InterleavedStorage) LedgerExists(ledgerID int64) bool {
	return s.index.HasLedger(ledgerID)
}

func (s *InterleavedStorage) Ledger(ledgerID int64) (LedgerMeta, bool) {
	return s.index.Ledger(ledgerID)
}

func (s *InterleavedStorage) LedgerIDs() []int64 {
	return s.index.LedgerIDs()
}

func (s *InterleavedStorage) SetMasterKey(ledgerID int64, masterKey []byte) error {
	if masterKey == nil {
		return fmt.Errorf("master key for ledger %d: %w", ledgerID, core.ErrNullArgument)
	}
	return s.index.UpdateLedger(ledgerID, func(m *index.LedgerMeta) {
		m.MasterKey = slices.Clone(masterKey)
	})
}

func (s *InterleavedStorage) SetFenced(ledgerID int64) (bool, error) {
	var already bool
	err := s.index.UpdateLedger(ledgerID, func(m *index.LedgerMeta) {
		already = m.Fenced
		m.Fenced = true
	})
	return already, err
}

func (s *InterleavedStorage) SetExplicitLac(ledgerID int64, lac []byte) error {
	return s.index.UpdateLedger(ledgerID, func(m *index.LedgerMeta) {
		m.ExplicitLac = slices.Clone(lac)
	})
}

func (s *InterleavedStorage) UpdateLastAddConfirmed(ledgerID, lac int64) error {
	return s.index.UpdateLedger(ledgerID, func(m *index.LedgerMeta) {
		m.LastAddConfirmed = max(m.LastAddConfirmed, lac)
	})
}

// Flush makes every added entry durable, then the locations and metadata
// pointing at them.
func (s *InterleavedStorage) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.ErrBookieClosed
	}
	if err := s.entries.Flush(); err != nil {
		return fmt.Errorf("flush entry logs: %w", err)
	}
	if err := s.index.Flush(); err != nil {
		return fmt.Errorf("flush index: %w", err)
	}
	return nil
}

func (s *InterleavedStorage) CurrentLogID() uint64 {
	return s.entries.CurrentLogID()
}

func (s *InterleavedStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	// Entries first so the index never points past durable data.
	entriesErr := s.entries.Close()
	indexErr := s.index.Close()
	if entriesErr != nil {
		return entriesErr
	}
	if indexErr != nil {
		s.logger.Error("Failed to close index", "error", indexErr)
	}
	return indexErr
}

// Package index maps (ledgerId, entryId) to entry log locations and keeps
// the per-ledger metadata of the bookie.
package index

import (
	"cmp"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/INLOpen/skiplist"
	"github.com/RoaringBitmap/roaring/roaring64"

	"github.com/INLOpen/bookie/channel"
	"github.com/INLOpen/bookie/compressors"
	"github.com/INLOpen/bookie/core"
	"github.com/INLOpen/bookie/entrylog"
)

const DefaultBufferSize = 64 * 1024

type Options struct {
	Dir string
	// Compression is applied to the ledger metadata snapshot.
	Compression core.CompressionType
	BufferSize  int
	Allocator   core.Allocator
	Logger      *slog.Logger
}

// Index is the ordered location map plus ledger metadata. Locations are
// appended to a log file as they are added; ledger metadata is snapshotted
// on Flush.
type Index struct {
	opts       Options
	logger     *slog.Logger
	compressor core.Compressor

	mu        sync.RWMutex
	locations *skiplist.SkipList[core.EntryKey, entrylog.Location]
	locFile   *channel.BufferedChannel
	scratch   [locationRecordSize]byte
	lastEntry map[int64]int64

	ledgers   map[int64]*LedgerMeta
	metaDirty bool
	closed    bool
}

// Open loads the locations log and the ledger metadata snapshot from dir.
func Open(opts Options) (*Index, error) {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.Allocator == nil {
		opts.Allocator = core.DefaultAllocator
	}
	compressor, err := compressors.ForType(opts.Compression)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create index directory %s: %w", opts.Dir, err)
	}

	idx := &Index{
		opts:       opts,
		logger:     opts.Logger.With("component", "Index"),
		compressor: compressor,
		locations:  skiplist.NewWithComparator[core.EntryKey, entrylog.Location](core.CompareEntryKeys),
		ledgers:    make(map[int64]*LedgerMeta),
		lastEntry:  make(map[int64]int64),
	}

	metas, err := readMetaSnapshot(filepath.Join(opts.Dir, core.LedgerMetaFileName))
	if err != nil {
		return nil, err
	}
	for _, m := range metas {
		idx.ledgers[m.LedgerID] = m
	}

	ch, records, err := openLocations(filepath.Join(opts.Dir, core.LocationsFileName), opts.Allocator, opts.BufferSize,
		func(key core.EntryKey, loc entrylog.Location) {
			idx.insertLocked(key, loc)
		})
	if err != nil {
		return nil, err
	}
	idx.locFile = ch
	idx.logger.Info("Index opened", "ledgers", len(idx.ledgers), "location_records", records, "entries", idx.locations.Len())
	return idx, nil
}

// Put records the location of an entry, replacing any previous one.
func (idx *Index) Put(ledgerID, entryID int64, loc entrylog.Location) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.closed {
		return fmt.Errorf("index put: %w", core.ErrBookieClosed)
	}
	key := core.EntryKey{LedgerID: ledgerID, EntryID: entryID}
	encodeLocation(idx.scratch[:], key, loc)
	if _, err := idx.locFile.Write(idx.scratch[:]); err != nil {
		return fmt.Errorf("index put %s: %w", key, err)
	}
	idx.insertLocked(key, loc)
	return nil
}

func (idx *Index) insertLocked(key core.EntryKey, loc entrylog.Location) {
	idx.locations.Insert(key, loc)
	if last, ok := idx.lastEntry[key.LedgerID]; !ok || key.EntryID > last {
		idx.lastEntry[key.LedgerID] = key.EntryID
	}
}

// Get returns the location of an entry.
func (idx *Index) Get(ledgerID, entryID int64) (entrylog.Location, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	key := core.EntryKey{LedgerID: ledgerID, EntryID: entryID}
	node, ok := idx.locations.Seek(key)
	if !ok || node.Key() != key {
		return entrylog.Location{}, false
	}
	return node.Value(), true
}

// LastEntryID returns the highest indexed entry id of the ledger.
func (idx *Index) LastEntryID(ledgerID int64) (int64, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	last, ok := idx.lastEntry[ledgerID]
	return last, ok
}

// EntryIDs returns the non-negative entry ids indexed for the ledger.
func (idx *Index) EntryIDs(ledgerID int64) *roaring64.Bitmap {
	bm := roaring64.New()
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	it := idx.locations.NewIterator()
	if !it.Seek(core.EntryKey{LedgerID: ledgerID, EntryID: 0}) {
		return bm
	}
	for {
		key := it.Key()
		if key.LedgerID != ledgerID {
			break
		}
		bm.Add(uint64(key.EntryID))
		if !it.Next() {
			break
		}
	}
	return bm
}

// EntryCount returns the number of indexed entries.
func (idx *Index) EntryCount() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.locations.Len()
}

// Ledger returns a copy of the ledger's metadata.
func (idx *Index) Ledger(ledgerID int64) (LedgerMeta, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	m, ok := idx.ledgers[ledgerID]
	if !ok {
		return LedgerMeta{}, false
	}
	return m.clone(), true
}

// UpdateLedger applies fn to the ledger's metadata, creating it with
// LastAddConfirmed -1 when absent. fn must not retain the pointer.
func (idx *Index) UpdateLedger(ledgerID int64, fn func(m *LedgerMeta)) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.closed {
		return fmt.Errorf("index update ledger %d: %w", ledgerID, core.ErrBookieClosed)
	}
	m, ok := idx.ledgers[ledgerID]
	if !ok {
		m = &LedgerMeta{LedgerID: ledgerID, LastAddConfirmed: -1}
		idx.ledgers[ledgerID] = m
	}
	fn(m)
	idx.metaDirty = true
	return nil
}

// HasLedger reports whether the ledger has metadata.
func (idx *Index) HasLedger(ledgerID int64) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	_, ok := idx.ledgers[ledgerID]
	return ok
}

// LedgerIDs returns all known ledger ids, ascending.
func (idx *Index) LedgerIDs() []int64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	ids := make([]int64, 0, len(idx.ledgers))
	for id := range idx.ledgers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Flush makes appended locations durable and rewrites the ledger metadata
// snapshot if it changed.
func (idx *Index) Flush() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.closed {
		return nil
	}
	return idx.flushLocked()
}

func (idx *Index) flushLocked() error {
	if err := idx.locFile.Sync(); err != nil {
		return fmt.Errorf("index flush locations: %w", err)
	}
	if !idx.metaDirty {
		return nil
	}
	metas := make([]*LedgerMeta, 0, len(idx.ledgers))
	for _, m := range idx.ledgers {
		metas = append(metas, m)
	}
	slices.SortFunc(metas, func(a, b *LedgerMeta) int { return cmp.Compare(a.LedgerID, b.LedgerID) })
	if err := writeMetaSnapshot(filepath.Join(idx.opts.Dir, core.LedgerMetaFileName), idx.compressor, metas); err != nil {
		return err
	}
	idx.metaDirty = false
	idx.logger.Debug("Wrote ledger metadata snapshot", "ledgers", len(metas), "compression", idx.compressor.Type())
	return nil
}

// Close flushes and closes the index.
func (idx *Index) Close() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.closed {
		return nil
	}
	flushErr := idx.flushLocked()
	idx.closed = true
	closeErr := idx.locFile.Close()
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

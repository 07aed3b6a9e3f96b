// Package entrylog stores encoded entries in append-only log files. Entries
// of all ledgers are interleaved; a Location addresses one of them.
package entrylog

import (
	"encoding/binary"
	"errors"
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/INLOpen/bookie/cache"
	"github.com/INLOpen/bookie/channel"
	"github.com/INLOpen/bookie/core"
	"github.com/INLOpen/bookie/sys"
)

const (
	DefaultMaxLogSize        int64 = 1 << 30
	DefaultBufferSize              = 64 * 1024
	DefaultOpenFileCacheSize       = 16

	// sizePrefix is the big-endian length in front of every entry.
	sizePrefix = 4
)

// Location addresses an entry: the log it lives in and the offset of its
// size prefix.
type Location struct {
	LogID  uint64
	Offset int64
}

func (l Location) String() string {
	return fmt.Sprintf("%d@%d", l.LogID, l.Offset)
}

type Options struct {
	Dir        string
	MaxLogSize int64
	BufferSize int
	// Preallocate reserves MaxLogSize blocks for every new log.
	Preallocate bool
	// OpenFileCacheSize bounds the read handles kept for rolled logs.
	OpenFileCacheSize int
	Allocator         core.Allocator
	DiskChecker       *sys.DiskChecker
	Logger            *slog.Logger

	BytesWritten *expvar.Int
	HandleHits   *expvar.Int
	HandleMisses *expvar.Int
}

// EntryLogger appends entries to the current log and rolls to a new one
// once it reaches MaxLogSize.
type EntryLogger struct {
	opts   Options
	logger *slog.Logger

	mu        sync.RWMutex
	current   *channel.BufferedChannel
	currentID uint64
	logIDs    []uint64
	closed    bool

	// handlesMu is held shared while reading through a cached handle and
	// exclusively while opening or evicting one.
	handlesMu sync.RWMutex
	handles   *cache.LRU[uint64, sys.FileHandle]
}

// Open scans dir for existing logs and starts a new log after the highest.
func Open(opts Options) (*EntryLogger, error) {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.MaxLogSize <= 0 {
		opts.MaxLogSize = DefaultMaxLogSize
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.OpenFileCacheSize <= 0 {
		opts.OpenFileCacheSize = DefaultOpenFileCacheSize
	}
	if opts.Allocator == nil {
		opts.Allocator = core.DefaultAllocator
	}
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create entry log directory %s: %w", opts.Dir, err)
	}

	el := &EntryLogger{
		opts:   opts,
		logger: opts.Logger.With("component", "EntryLogger"),
	}
	el.handles = cache.NewLRU[uint64, sys.FileHandle](opts.OpenFileCacheSize, func(id uint64, f sys.FileHandle) {
		if err := f.Close(); err != nil {
			el.logger.Warn("Failed to close entry log read handle", "log_id", id, "error", err)
		}
	})
	el.handles.SetMetrics(opts.HandleHits, opts.HandleMisses)

	files, err := os.ReadDir(opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read entry log directory %s: %w", opts.Dir, err)
	}
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		if id, err := core.ParseEntryLogName(f.Name()); err == nil {
			el.logIDs = append(el.logIDs, id)
		}
	}
	sort.Slice(el.logIDs, func(a, b int) bool { return el.logIDs[a] < el.logIDs[b] })

	var next uint64 = 1
	if n := len(el.logIDs); n > 0 {
		next = el.logIDs[n-1] + 1
	}
	if err := el.createLogLocked(next); err != nil {
		return nil, err
	}
	el.logger.Info("Entry logger opened", "dir", opts.Dir, "existing_logs", len(el.logIDs)-1, "current_log", next)
	return el, nil
}

func (el *EntryLogger) logPath(id uint64) string {
	return filepath.Join(el.opts.Dir, core.FormatEntryLogName(id))
}

// Must be called with el.mu held or before el is shared.
func (el *EntryLogger) createLogLocked(id uint64) error {
	path := el.logPath(id)
	file, err := sys.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create entry log %s: %w", path, err)
	}
	if el.opts.Preallocate {
		if err := sys.Preallocate(file, el.opts.MaxLogSize); err != nil && !errors.Is(err, sys.ErrPreallocNotSupported) {
			el.logger.Warn("Failed to preallocate entry log", "path", path, "error", err)
		}
	}
	ch, err := channel.New(el.opts.Allocator, file, el.opts.BufferSize)
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to buffer entry log %s: %w", path, err)
	}
	header := core.NewFileHeader(core.EntryLogMagic, core.CompressionNone)
	if _, err := ch.Write(header.MarshalBinary()); err != nil {
		ch.Close()
		return fmt.Errorf("failed to write entry log header to %s: %w", path, err)
	}
	if err := sys.SyncDir(el.opts.Dir); err != nil {
		el.logger.Warn("Failed to sync entry log directory", "error", err)
	}
	el.current = ch
	el.currentID = id
	el.logIDs = append(el.logIDs, id)
	return nil
}

// rollLocked makes the current log durable and read-only and opens the next.
// Must be called with el.mu held.
func (el *EntryLogger) rollLocked() error {
	old := el.current
	if err := old.Sync(); err != nil {
		return fmt.Errorf("failed to sync entry log %d before roll: %w", el.currentID, err)
	}
	if err := old.Close(); err != nil {
		return fmt.Errorf("failed to close entry log %d: %w", el.currentID, err)
	}
	oldID := el.currentID
	el.current = nil
	if err := el.createLogLocked(oldID + 1); err != nil {
		return err
	}
	el.logger.Info("Rolled entry log", "old_log", oldID, "new_log", el.currentID)
	return nil
}

// Add appends an encoded entry and returns where it was written. The entry
// is readable immediately but durable only after Flush.
func (el *EntryLogger) Add(entry []byte) (Location, error) {
	if _, _, err := core.DecodeEntryHeader(entry); err != nil {
		return Location{}, err
	}
	if err := el.opts.DiskChecker.Check(); err != nil {
		return Location{}, fmt.Errorf("entry log: %w", err)
	}

	el.mu.Lock()
	defer el.mu.Unlock()
	if el.closed || el.current == nil {
		return Location{}, fmt.Errorf("entry log add: %w", core.ErrBookieClosed)
	}
	need := int64(sizePrefix + len(entry))
	if pos := el.current.Position(); pos > int64(core.FileHeaderSize) && pos+need > el.opts.MaxLogSize {
		if err := el.rollLocked(); err != nil {
			return Location{}, err
		}
	}

	loc := Location{LogID: el.currentID, Offset: el.current.Position()}
	var prefix [sizePrefix]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(entry)))
	if _, err := el.current.Write(prefix[:]); err != nil {
		return Location{}, fmt.Errorf("entry log %d write: %w", el.currentID, err)
	}
	if _, err := el.current.Write(entry); err != nil {
		return Location{}, fmt.Errorf("entry log %d write: %w", el.currentID, err)
	}
	if el.opts.BytesWritten != nil {
		el.opts.BytesWritten.Add(need)
	}
	return loc, nil
}

// Read returns the entry at loc and checks that it belongs to
// (ledgerID, entryID).
func (el *EntryLogger) Read(loc Location, ledgerID, entryID int64) ([]byte, error) {
	var (
		entry []byte
		err   error
	)
	el.mu.RLock()
	if el.closed {
		el.mu.RUnlock()
		return nil, fmt.Errorf("entry log read: %w", core.ErrBookieClosed)
	}
	if loc.LogID == el.currentID {
		entry, err = readAt(el.current.Read, loc, el.current.Name())
		el.mu.RUnlock()
	} else {
		el.mu.RUnlock()
		entry, err = el.readRolled(loc)
	}
	if err != nil {
		return nil, err
	}

	gotLedger, gotEntry, err := core.DecodeEntryHeader(entry)
	if err != nil || gotLedger != ledgerID || gotEntry != entryID {
		return nil, &core.CorruptionError{
			Path:   el.logPath(loc.LogID),
			Offset: loc.Offset,
			Reason: fmt.Sprintf("expected entry %d:%d, found %d:%d", ledgerID, entryID, gotLedger, gotEntry),
		}
	}
	return entry, nil
}

func (el *EntryLogger) readRolled(loc Location) ([]byte, error) {
	el.handlesMu.RLock()
	if f, ok := el.handles.Get(loc.LogID); ok {
		defer el.handlesMu.RUnlock()
		return readAt(fileReader(f), loc, f.Name())
	}
	el.handlesMu.RUnlock()

	el.handlesMu.Lock()
	defer el.handlesMu.Unlock()
	f, ok := el.handles.Get(loc.LogID)
	if !ok {
		path := el.logPath(loc.LogID)
		opened, err := sys.Open(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("entry log %d missing: %w", loc.LogID, core.ErrNoEntry)
			}
			return nil, fmt.Errorf("failed to open entry log %s: %w", path, err)
		}
		el.handles.Put(loc.LogID, opened)
		f = opened
	}
	return readAt(fileReader(f), loc, f.Name())
}

type positionalReader func(dst []byte, pos int64) (int, error)

func fileReader(f sys.FileHandle) positionalReader {
	return func(dst []byte, pos int64) (int, error) {
		n, err := f.ReadAt(dst, pos)
		if errors.Is(err, io.EOF) && n == len(dst) {
			err = nil
		}
		return n, err
	}
}

func readAt(read positionalReader, loc Location, path string) ([]byte, error) {
	var prefix [sizePrefix]byte
	if err := readFull(read, prefix[:], loc.Offset); err != nil {
		return nil, &core.CorruptionError{Path: path, Offset: loc.Offset, Reason: "short size prefix: " + err.Error()}
	}
	size := binary.BigEndian.Uint32(prefix[:])
	entry := make([]byte, size)
	if err := readFull(read, entry, loc.Offset+sizePrefix); err != nil {
		return nil, &core.CorruptionError{Path: path, Offset: loc.Offset, Reason: "short entry: " + err.Error()}
	}
	return entry, nil
}

func readFull(read positionalReader, dst []byte, pos int64) error {
	got := 0
	for got < len(dst) {
		n, err := read(dst[got:], pos+int64(got))
		got += n
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrUnexpectedEOF
		}
	}
	return nil
}

// Flush writes buffered entries of the current log and fsyncs it. Rolled
// logs were synced when they rolled.
func (el *EntryLogger) Flush() error {
	el.mu.RLock()
	defer el.mu.RUnlock()
	if el.closed || el.current == nil {
		return nil
	}
	if err := el.current.Sync(); err != nil {
		return fmt.Errorf("entry log %d flush: %w", el.currentID, err)
	}
	return nil
}

// CurrentLogID returns the id of the log being appended to.
func (el *EntryLogger) CurrentLogID() uint64 {
	el.mu.RLock()
	defer el.mu.RUnlock()
	return el.currentID
}

// LogIDs returns the ids of all logs on disk, ascending.
func (el *EntryLogger) LogIDs() []uint64 {
	el.mu.RLock()
	defer el.mu.RUnlock()
	return append([]uint64(nil), el.logIDs...)
}

// Close syncs and closes the current log and every cached read handle.
func (el *EntryLogger) Close() error {
	el.mu.Lock()
	defer el.mu.Unlock()
	if el.closed {
		return nil
	}
	el.closed = true
	var err error
	if el.current != nil {
		err = el.current.Sync()
		if cerr := el.current.Close(); err == nil {
			err = cerr
		}
		el.current = nil
	}
	el.handlesMu.Lock()
	el.handles.Clear()
	el.handlesMu.Unlock()
	return err
}

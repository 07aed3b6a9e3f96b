package journal

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/INLOpen/bookie/core"
	"github.com/INLOpen/bookie/hooks"
	"github.com/INLOpen/bookie/sys"
)

// SyncMode defines whether group commits fsync the active segment.
type SyncMode string

const (
	SyncAlways   SyncMode = "always"   // fsync once per group commit
	SyncDisabled SyncMode = "disabled" // write to the OS only, for tests and benchmarks
)

const (
	// DefaultMaxSegmentSize is the default roll threshold for a segment.
	DefaultMaxSegmentSize int64 = 512 * 1024 * 1024
	DefaultBufferSize           = 512 * 1024
	DefaultMaxBatch             = 1024
)

// Options holds configuration for the journal.
type Options struct {
	Dir            string
	SyncMode       SyncMode
	MaxSegmentSize int64
	// BufferSize is the write buffer of the active segment.
	BufferSize int
	// MaxBatch bounds the records written per group commit.
	MaxBatch int
	// StartRecoveryIndex skips replay of segments at or below this index.
	StartRecoveryIndex uint64
	Allocator          core.Allocator
	DiskChecker        *sys.DiskChecker
	Logger             *slog.Logger
	HookManager        hooks.HookManager

	BytesWritten   *expvar.Int
	RecordsWritten *expvar.Int
	Syncs          *expvar.Int
}

// RollResult reports the segment that became active after a Roll. Every
// record appended before the Roll lives in a lower segment.
type RollResult struct {
	Segment uint64
	Err     error
}

type request struct {
	rec           Record
	ackBeforeSync bool
	done          func(error)
	// roll is set for roll markers, which carry no record.
	roll chan RollResult
}

// Journal is a segmented write-ahead log. A single committer goroutine
// drains appended records in batches, writes them and fsyncs once per
// batch (group commit).
type Journal struct {
	dir    string
	opts   Options
	logger *slog.Logger

	// mu guards the segment state.
	mu             sync.Mutex
	active         *segmentWriter
	segmentIndexes []uint64
	scratch        []byte

	queueMu   sync.Mutex
	queueCond *sync.Cond
	queue     []*request
	closed    bool
	done      chan struct{}
	closeErr  error
	closeOnce sync.Once

	testingOnlyInjectWriteError error
}

// Open creates or opens a journal directory. It returns the records of every
// segment above StartRecoveryIndex in write order, then starts a fresh
// segment for appending. A torn or corrupt tail ends the replay of its
// segment and is logged; a segment with a bad header is an error.
func Open(opts Options) (*Journal, []Record, error) {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	opts.Logger = opts.Logger.With("component", "Journal")
	if opts.MaxSegmentSize <= 0 {
		opts.MaxSegmentSize = DefaultMaxSegmentSize
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = DefaultMaxBatch
	}
	if opts.SyncMode == "" {
		opts.SyncMode = SyncAlways
	}
	if opts.Allocator == nil {
		opts.Allocator = core.DefaultAllocator
	}
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create journal directory %s: %w", opts.Dir, err)
	}

	j := &Journal{
		dir:    opts.Dir,
		opts:   opts,
		logger: opts.Logger,
		done:   make(chan struct{}),
	}
	j.queueCond = sync.NewCond(&j.queueMu)

	if err := j.loadSegments(); err != nil {
		return nil, nil, err
	}
	records, err := j.replay(opts.StartRecoveryIndex)
	if err != nil {
		return nil, nil, err
	}
	if err := j.openForAppend(); err != nil {
		return nil, nil, fmt.Errorf("failed to open journal for appending: %w", err)
	}
	go j.committerLoop()
	return j, records, nil
}

func (j *Journal) loadSegments() error {
	files, err := os.ReadDir(j.dir)
	if err != nil {
		return fmt.Errorf("failed to read journal directory %s: %w", j.dir, err)
	}
	j.segmentIndexes = j.segmentIndexes[:0]
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		if index, err := core.ParseJournalSegmentName(f.Name()); err == nil {
			j.segmentIndexes = append(j.segmentIndexes, index)
		}
	}
	sort.Slice(j.segmentIndexes, func(a, b int) bool { return j.segmentIndexes[a] < j.segmentIndexes[b] })
	return nil
}

func (j *Journal) replay(startRecoveryIndex uint64) ([]Record, error) {
	var all []Record
	for _, index := range j.segmentIndexes {
		if index <= startRecoveryIndex {
			continue
		}
		path := filepath.Join(j.dir, core.FormatJournalSegmentName(index))
		reader, err := openSegmentForRead(path)
		if err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				j.logger.Warn("Skipping journal segment without a complete header", "path", path)
				continue
			}
			return all, err
		}
		n := 0
		for {
			rec, err := reader.next()
			if err == nil {
				all = append(all, rec)
				n++
				continue
			}
			if !errors.Is(err, io.EOF) {
				j.logger.Warn("Journal segment has a torn or corrupt tail, ignoring the rest of it",
					"path", path, "offset", reader.offset, "records", n, "error", err)
			}
			break
		}
		reader.close()
		j.logger.Debug("Replayed journal segment", "index", index, "records", n)
	}
	return all, nil
}

func (j *Journal) openForAppend() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if n := len(j.segmentIndexes); n > 0 {
		lastIndex := j.segmentIndexes[n-1]
		path := filepath.Join(j.dir, core.FormatJournalSegmentName(lastIndex))
		stat, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("failed to stat last segment %s: %w", path, err)
		}
		if stat.Size() <= int64(core.FileHeaderSize) && lastIndex > j.opts.StartRecoveryIndex {
			// Header only: recreate it in place.
			seg, err := createSegment(j.dir, lastIndex, j.opts.Allocator, j.opts.BufferSize)
			if err != nil {
				return err
			}
			j.active = seg
			return nil
		}
	}
	return j.rotateLocked()
}

// rotateLocked syncs and closes the active segment and starts the next one.
// Must be called with j.mu held.
func (j *Journal) rotateLocked() error {
	// Indexes at or below StartRecoveryIndex are never replayed, so they
	// must not be reused even when those segments were purged.
	nextIndex := j.opts.StartRecoveryIndex + 1
	if n := len(j.segmentIndexes); n > 0 {
		nextIndex = max(nextIndex, j.segmentIndexes[n-1]+1)
	}

	var oldIndex uint64
	if j.active != nil {
		oldIndex = j.active.index
		if err := j.active.close(j.opts.SyncMode != SyncDisabled); err != nil {
			return fmt.Errorf("failed to close journal segment %d: %w", oldIndex, err)
		}
		j.active = nil
	}

	seg, err := createSegment(j.dir, nextIndex, j.opts.Allocator, j.opts.BufferSize)
	if err != nil {
		return err
	}
	if err := sys.SyncDir(j.dir); err != nil {
		j.logger.Warn("Failed to sync journal directory", "error", err)
	}
	j.active = seg
	j.segmentIndexes = append(j.segmentIndexes, nextIndex)
	j.logger.Info("Rolled to new journal segment", "index", nextIndex, "path", seg.path)

	if j.opts.HookManager != nil && oldIndex > 0 {
		j.opts.HookManager.Trigger(context.Background(), hooks.NewPostJournalRollEvent(hooks.PostJournalRollPayload{
			OldSegmentIndex: oldIndex,
			NewSegmentIndex: nextIndex,
			NewSegmentPath:  seg.path,
		}))
	}
	return nil
}

// Append queues rec for the committer. done is called exactly once from the
// committer goroutine: right after the record is written when ackBeforeSync
// is set, after the batch fsync otherwise. An error is returned, and done is
// not called, only when the journal is closed.
func (j *Journal) Append(rec Record, ackBeforeSync bool, done func(error)) error {
	j.queueMu.Lock()
	defer j.queueMu.Unlock()
	if j.closed {
		return core.ErrJournalClosed
	}
	j.queue = append(j.queue, &request{rec: rec, ackBeforeSync: ackBeforeSync, done: done})
	j.queueCond.Signal()
	return nil
}

// Roll queues a segment roll behind every record appended so far. The
// result arrives once those records are durable and the new segment is open.
func (j *Journal) Roll() (<-chan RollResult, error) {
	j.queueMu.Lock()
	defer j.queueMu.Unlock()
	if j.closed {
		return nil, core.ErrJournalClosed
	}
	ch := make(chan RollResult, 1)
	j.queue = append(j.queue, &request{roll: ch})
	j.queueCond.Signal()
	return ch, nil
}

func (j *Journal) committerLoop() {
	defer close(j.done)
	for {
		j.queueMu.Lock()
		for len(j.queue) == 0 && !j.closed {
			j.queueCond.Wait()
		}
		if len(j.queue) == 0 {
			j.queueMu.Unlock()
			return
		}
		n := min(len(j.queue), j.opts.MaxBatch)
		batch := make([]*request, n)
		copy(batch, j.queue)
		clear(j.queue[:n])
		j.queue = j.queue[n:]
		j.queueMu.Unlock()

		j.commit(batch)
	}
}

// commit writes one batch. Records are written in queue order; roll
// markers split the batch into sync groups.
func (j *Journal) commit(batch []*request) {
	diskErr := j.opts.DiskChecker.Check()

	j.mu.Lock()
	defer j.mu.Unlock()

	var awaitingSync []*request
	var writeErr error
	written := false

	syncGroup := func() error {
		var err error
		if written && j.opts.SyncMode != SyncDisabled {
			err = j.active.sync()
			if j.opts.Syncs != nil {
				j.opts.Syncs.Add(1)
			}
		} else if written {
			err = j.active.flush()
		}
		if err != nil {
			err = fmt.Errorf("journal sync: %w", err)
		}
		for _, r := range awaitingSync {
			r.done(err)
		}
		awaitingSync = awaitingSync[:0]
		written = false
		return err
	}

	for _, req := range batch {
		if req.roll != nil {
			err := syncGroup()
			if err == nil {
				err = j.rotateLocked()
			}
			var seg uint64
			if j.active != nil {
				seg = j.active.index
			}
			req.roll <- RollResult{Segment: seg, Err: err}
			continue
		}
		if diskErr != nil {
			req.done(fmt.Errorf("journal %s: %w", j.dir, diskErr))
			continue
		}
		if writeErr != nil {
			req.done(writeErr)
			continue
		}
		if err := j.writeLocked(&req.rec); err != nil {
			writeErr = fmt.Errorf("journal write: %w", err)
			req.done(writeErr)
			continue
		}
		written = true
		if req.ackBeforeSync {
			req.done(nil)
		} else {
			awaitingSync = append(awaitingSync, req)
		}
	}
	syncGroup()
}

// Must be called with j.mu held.
func (j *Journal) writeLocked(rec *Record) error {
	if j.testingOnlyInjectWriteError != nil {
		return j.testingOnlyInjectWriteError
	}
	if j.active == nil {
		return core.ErrJournalClosed
	}
	frameSize := int64(frameOverhead + rec.encodedSize())
	if j.active.hasRecords() && j.active.size()+frameSize > j.opts.MaxSegmentSize {
		j.logger.Debug("Rolling journal segment due to size", "size", j.active.size(), "record_size", frameSize)
		if err := j.rotateLocked(); err != nil {
			return err
		}
	}

	j.scratch = append(j.scratch[:0], 0, 0, 0, 0)
	j.scratch = rec.appendPayload(j.scratch)
	j.scratch = append(j.scratch, 0, 0, 0, 0)
	if err := j.active.writeFrame(j.scratch); err != nil {
		return err
	}
	if j.opts.BytesWritten != nil {
		j.opts.BytesWritten.Add(frameSize)
	}
	if j.opts.RecordsWritten != nil {
		j.opts.RecordsWritten.Add(1)
	}
	return nil
}

// Purge deletes segments with index less than or equal to upToIndex. The
// active segment is never deleted.
func (j *Journal) Purge(upToIndex uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	var remaining []uint64
	var purged int
	var firstErr error
	for _, index := range j.segmentIndexes {
		if index > upToIndex || (j.active != nil && j.active.index == index) {
			remaining = append(remaining, index)
			continue
		}
		path := filepath.Join(j.dir, core.FormatJournalSegmentName(index))
		if err := sys.Remove(path); err != nil && !os.IsNotExist(err) {
			j.logger.Error("Failed to purge journal segment", "path", path, "error", err)
			remaining = append(remaining, index)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		purged++
	}
	j.segmentIndexes = remaining
	if purged > 0 {
		j.logger.Info("Purged journal segments", "count", purged, "up_to_index", upToIndex)
	}
	return firstErr
}

// ActiveSegmentIndex returns the index of the segment being appended to, or
// 0 once closed.
func (j *Journal) ActiveSegmentIndex() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.active == nil {
		return 0
	}
	return j.active.index
}

// SegmentIndexes returns the indexes of the segments on disk.
func (j *Journal) SegmentIndexes() []uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]uint64(nil), j.segmentIndexes...)
}

// Dir returns the journal directory.
func (j *Journal) Dir() string {
	return j.dir
}

// Close stops accepting records, waits for every queued record to be
// written and completed, then syncs and closes the active segment.
func (j *Journal) Close() error {
	j.closeOnce.Do(func() {
		j.queueMu.Lock()
		j.closed = true
		j.queueCond.Broadcast()
		j.queueMu.Unlock()
		<-j.done

		j.mu.Lock()
		defer j.mu.Unlock()
		if j.active != nil {
			j.closeErr = j.active.close(j.opts.SyncMode != SyncDisabled)
			j.active = nil
		}
		if j.closeErr != nil {
			j.logger.Error("Error during journal close.", "error", j.closeErr)
		} else {
			j.logger.Info("Journal closed.")
		}
	})
	return j.closeErr
}

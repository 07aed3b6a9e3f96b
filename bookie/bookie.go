// Package bookie is the entry storage engine of a bookie: it admits entries
// into a write cache, journals them for durability, flushes them into ledger
// storage and enforces per-ledger fencing.
package bookie

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/singleflight"

	"github.com/INLOpen/bookie/cache"
	"github.com/INLOpen/bookie/checkpoint"
	"github.com/INLOpen/bookie/core"
	"github.com/INLOpen/bookie/hooks"
	"github.com/INLOpen/bookie/journal"
	"github.com/INLOpen/bookie/storage"
	"github.com/INLOpen/bookie/sys"
)

var ErrAlreadyStarted = errors.New("bookie already started")

// Bookie is a single storage node. All methods are safe for concurrent use.
type Bookie struct {
	opts    Options
	logger  *slog.Logger
	tracer  trace.Tracer
	hooks   hooks.HookManager
	metrics *Metrics

	dirLocks []*sys.DirLock
	disk     *sys.DiskChecker
	storage  storage.LedgerStorage
	journal  *journal.Journal

	ledgersMu sync.RWMutex
	ledgers   map[int64]*ledgerState

	// writeCacheMu is held shared while an entry is put into the active
	// cache and journaled, and exclusively to swap the caches and queue the
	// journal roll of a flush. Entries in the swapped cache are therefore
	// all journaled before the roll.
	writeCacheMu  sync.RWMutex
	activeCache   *cache.WriteCache
	flushingCache *cache.WriteCache
	readCache     *cache.ReadCache
	// dirty is set by every journal append and cleared when a flush starts.
	dirty atomic.Bool

	flushMu        sync.Mutex
	lastCheckpoint checkpoint.Checkpoint
	// retryFlush is set while flushingCache holds entries not yet in
	// storage; retryCovered is the journal segment they are covered up to.
	retryFlush   bool
	retryCovered uint64

	reads      singleflight.Group
	dispatcher *dispatcher

	// closeMu is held shared by every operation and exclusively to close.
	closeMu      sync.RWMutex
	closed       atomic.Bool
	started      atomic.Bool
	flushChan    chan struct{}
	shutdownChan chan struct{}
	wg           sync.WaitGroup
	shutdownOnce sync.Once
	shutdownErr  error
}

// New opens the journal and ledger storage, replays the journal from the
// last checkpoint and returns a bookie ready to accept requests. Start runs
// the background flusher.
func New(opts Options) (*Bookie, error) {
	if opts.JournalDir == "" || opts.LedgerDir == "" {
		return nil, fmt.Errorf("journal and ledger directories are required")
	}
	opts.applyDefaults()

	b := &Bookie{
		opts:         opts,
		logger:       opts.Logger.With("component", "Bookie", "bookie_id", opts.BookieID),
		hooks:        opts.HookManager,
		metrics:      opts.Metrics,
		ledgers:      make(map[int64]*ledgerState),
		flushChan:    make(chan struct{}, 1),
		shutdownChan: make(chan struct{}),
	}
	if opts.TracerProvider != nil {
		b.tracer = opts.TracerProvider.Tracer("github.com/INLOpen/bookie/bookie")
	} else {
		b.tracer = noop.NewTracerProvider().Tracer("")
	}

	if err := b.open(); err != nil {
		b.releaseResources()
		return nil, err
	}
	return b, nil
}

func (b *Bookie) open() error {
	for _, dir := range uniqueDirs(b.opts.JournalDir, b.opts.LedgerDir) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
		lock, err := sys.LockDir(dir, core.DirectoryLockFileName)
		if err != nil {
			return fmt.Errorf("failed to lock %s: %w", dir, err)
		}
		b.dirLocks = append(b.dirLocks, lock)
	}

	if b.opts.DiskUsageThreshold > 0 {
		b.disk = sys.NewDiskChecker(sys.DiskCheckerOptions{
			Dir:           b.opts.LedgerDir,
			Threshold:     b.opts.DiskUsageThreshold,
			WarnThreshold: b.opts.DiskUsageWarnThreshold,
			Interval:      b.opts.DiskCheckInterval,
			Usage:         b.opts.DiskUsage,
			Logger:        b.opts.Logger,
		})
	}

	b.storage = b.opts.Storage
	if b.storage == nil {
		s, err := storage.NewInterleavedStorage(storage.InterleavedOptions{
			Dir:               b.opts.LedgerDir,
			MaxLogSize:        b.opts.EntryLogMaxSize,
			BufferSize:        b.opts.EntryLogBufferSize,
			Preallocate:       b.opts.EntryLogPreallocate,
			OpenFileCacheSize: b.opts.OpenFileCacheSize,
			Compression:       b.opts.MetadataCompression,
			Allocator:         b.opts.Allocator,
			DiskChecker:       b.disk,
			Logger:            b.opts.Logger,
			BytesWritten:      b.metrics.EntryLogBytesWritten,
			HandleHits:        b.metrics.EntryLogHandleHits,
			HandleMisses:      b.metrics.EntryLogHandleMisses,
		})
		if err != nil {
			return err
		}
		b.storage = s
	}

	b.activeCache = cache.NewWriteCache(b.opts.Allocator, b.opts.WriteCacheMaxSize, b.writeCacheOptions()...)
	b.flushingCache = cache.NewWriteCache(b.opts.Allocator, b.opts.WriteCacheMaxSize, b.writeCacheOptions()...)
	var readOpts []cache.ReadCacheOption
	if b.opts.ReadCacheSegmentSize > 0 {
		readOpts = append(readOpts, cache.WithReadSegmentSize(b.opts.ReadCacheSegmentSize))
	}
	b.readCache = cache.NewReadCache(b.opts.Allocator, b.opts.ReadCacheMaxSize, readOpts...)
	b.dispatcher = newDispatcher()

	return b.recover()
}

func (b *Bookie) writeCacheOptions() []cache.WriteCacheOption {
	if b.opts.WriteCacheSegmentSize > 0 {
		return []cache.WriteCacheOption{cache.WithSegmentSize(b.opts.WriteCacheSegmentSize)}
	}
	return nil
}

func uniqueDirs(dirs ...string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, d := range dirs {
		if !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	return out
}

// Start launches the background flusher.
func (b *Bookie) Start() error {
	if b.closed.Load() {
		return closedErr("start")
	}
	if !b.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	b.wg.Add(1)
	go b.flushLoop()
	b.logger.Info("Bookie started", "flush_interval", b.opts.FlushInterval,
		"write_cache_bytes", b.opts.WriteCacheMaxSize, "read_cache_bytes", b.opts.ReadCacheMaxSize)
	return nil
}

// ID returns the bookie id reported to write callbacks.
func (b *Bookie) ID() string {
	return b.opts.BookieID
}

func (b *Bookie) HookManager() hooks.HookManager {
	return b.hooks
}

func (b *Bookie) Metrics() *Metrics {
	return b.metrics
}

// Ready returns nil while the bookie accepts writes. A bookie whose disk is
// above the usage threshold reports core.ErrDiskFull.
func (b *Bookie) Ready() error {
	if b.closed.Load() {
		return closedErr("ready")
	}
	return b.disk.Check()
}

// Shutdown rejects new requests, waits for journaled writes and their
// callbacks, flushes the write cache and closes all files. Calling it again
// returns the first result.
func (b *Bookie) Shutdown(ctx context.Context) error {
	b.shutdownOnce.Do(func() {
		b.shutdownErr = b.shutdown(ctx)
	})
	return b.shutdownErr
}

func (b *Bookie) shutdown(ctx context.Context) error {
	start := time.Now()
	b.logger.Info("Shutting down bookie")
	b.hooks.Trigger(ctx, hooks.NewPreShutdownEvent(hooks.LifecyclePayload{BookieID: b.opts.BookieID}))

	b.closeMu.Lock()
	b.closed.Store(true)
	b.closeMu.Unlock()

	close(b.shutdownChan)
	b.wg.Wait()

	var errs error
	if err := b.journal.Close(); err != nil {
		errs = errors.Join(errs, fmt.Errorf("close journal: %w", err))
	}
	b.dispatcher.close()
	if err := b.finalFlush(ctx); err != nil {
		errs = errors.Join(errs, fmt.Errorf("final flush: %w", err))
	}
	errs = errors.Join(errs, b.releaseResources())

	b.hooks.Trigger(ctx, hooks.NewPostShutdownEvent(hooks.LifecyclePayload{BookieID: b.opts.BookieID}))
	b.hooks.Stop()
	if errs != nil {
		b.logger.Error("Bookie shut down with errors", "error", errs, "duration", time.Since(start))
	} else {
		b.logger.Info("Bookie shut down", "duration", time.Since(start))
	}
	return errs
}

// releaseResources closes whatever open managed to create.
func (b *Bookie) releaseResources() error {
	var errs error
	if b.journal != nil {
		errs = errors.Join(errs, b.journal.Close())
	}
	if b.dispatcher != nil {
		b.dispatcher.close()
	}
	if b.storage != nil {
		if err := b.storage.Close(); err != nil {
			errs = errors.Join(errs, fmt.Errorf("close ledger storage: %w", err))
		}
	}
	for _, c := range []*cache.WriteCache{b.activeCache, b.flushingCache} {
		if c != nil {
			c.Close()
		}
	}
	if b.readCache != nil {
		b.readCache.Close()
	}
	for _, lock := range b.dirLocks {
		if err := lock.Release(); err != nil {
			errs = errors.Join(errs, err)
		}
	}
	b.dirLocks = nil
	return errs
}

func closedErr(op string) error {
	return fmt.Errorf("%s: %w", op, core.ErrBookieClosed)
}

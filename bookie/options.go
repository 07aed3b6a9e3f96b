package bookie

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/INLOpen/bookie/core"
	"github.com/INLOpen/bookie/hooks"
	"github.com/INLOpen/bookie/journal"
	"github.com/INLOpen/bookie/storage"
	"github.com/INLOpen/bookie/sys"
)

const (
	DefaultWriteCacheMaxSize int64 = 64 * 1024 * 1024
	DefaultReadCacheMaxSize  int64 = 32 * 1024 * 1024
	DefaultFlushInterval           = 60 * time.Second
	DefaultDiskCheckInterval       = 10 * time.Second
)

// Options configures a Bookie.
type Options struct {
	// BookieID is reported to write callbacks as the node address.
	BookieID   string
	JournalDir string
	// LedgerDir holds the entry logs, the index and the checkpoint.
	LedgerDir string

	JournalSyncMode       journal.SyncMode
	JournalMaxSegmentSize int64
	JournalBufferSize     int
	JournalMaxBatch       int

	EntryLogMaxSize     int64
	EntryLogBufferSize  int
	EntryLogPreallocate bool
	OpenFileCacheSize   int
	MetadataCompression core.CompressionType

	WriteCacheMaxSize     int64
	WriteCacheSegmentSize int64
	// WriteCacheFlushThreshold wakes the flusher once the active write
	// cache holds this many bytes. Defaults to half of WriteCacheMaxSize.
	WriteCacheFlushThreshold int64
	ReadCacheMaxSize         int64
	ReadCacheSegmentSize     int64
	// FlushInterval is the period of the background write cache flush. A
	// negative value disables it.
	FlushInterval time.Duration

	// DiskUsageThreshold is the used fraction above which journal and entry
	// log writes fail. Zero disables the check.
	DiskUsageThreshold     float64
	DiskUsageWarnThreshold float64
	DiskCheckInterval      time.Duration
	DiskUsage              sys.UsageFunc

	Allocator core.Allocator
	// Storage replaces the interleaved ledger storage opened in LedgerDir.
	// The bookie closes it on shutdown.
	Storage        storage.LedgerStorage
	Logger         *slog.Logger
	Metrics        *Metrics
	HookManager    hooks.HookManager
	TracerProvider trace.TracerProvider
}

func (o *Options) applyDefaults() {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.BookieID == "" {
		o.BookieID = "localhost:3181"
	}
	if o.WriteCacheMaxSize <= 0 {
		o.WriteCacheMaxSize = DefaultWriteCacheMaxSize
	}
	if o.WriteCacheFlushThreshold <= 0 {
		o.WriteCacheFlushThreshold = o.WriteCacheMaxSize / 2
	}
	if o.ReadCacheMaxSize <= 0 {
		o.ReadCacheMaxSize = DefaultReadCacheMaxSize
	}
	if o.FlushInterval == 0 {
		o.FlushInterval = DefaultFlushInterval
	}
	if o.DiskCheckInterval <= 0 {
		o.DiskCheckInterval = DefaultDiskCheckInterval
	}
	if o.Allocator == nil {
		o.Allocator = core.DefaultAllocator
	}
	if o.Metrics == nil {
		o.Metrics = NewMetrics(false, "")
	}
	if o.HookManager == nil {
		o.HookManager = hooks.NewHookManager(o.Logger)
	}
}

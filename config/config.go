package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/INLOpen/bookie/bookie"
	"github.com/INLOpen/bookie/core"
	"github.com/INLOpen/bookie/journal"
)

// BookieConfig holds the node identity and its directories.
type BookieConfig struct {
	ID         string `yaml:"id"` // reported to write callbacks, e.g. "10.0.0.5:3181"
	JournalDir string `yaml:"journal_dir"`
	LedgerDir  string `yaml:"ledger_dir"`
}

// JournalConfig holds journal specific configurations.
type JournalConfig struct {
	SyncMode            string `yaml:"sync_mode"` // "always" or "disabled"
	MaxSegmentSizeBytes int64  `yaml:"max_segment_size_bytes"`
	BufferSizeBytes     int    `yaml:"buffer_size_bytes"`
	MaxBatch            int    `yaml:"max_batch"`
}

// StorageConfig holds ledger storage configurations.
type StorageConfig struct {
	EntryLogMaxSizeBytes    int64   `yaml:"entry_log_max_size_bytes"`
	EntryLogBufferSizeBytes int     `yaml:"entry_log_buffer_size_bytes"`
	Preallocate             bool    `yaml:"preallocate"`
	OpenFileCacheSize       int     `yaml:"open_file_cache_size"`
	MetadataCompression     string  `yaml:"metadata_compression"` // none, snappy, lz4, zstd
	FlushInterval           string  `yaml:"flush_interval"`
	DiskUsageThreshold      float64 `yaml:"disk_usage_threshold"`
	DiskUsageWarnThreshold  float64 `yaml:"disk_usage_warn_threshold"`
	DiskCheckInterval       string  `yaml:"disk_check_interval"`
}

// CacheConfig holds write and read cache configurations.
type CacheConfig struct {
	WriteCacheMaxSizeBytes        int64 `yaml:"write_cache_max_size_bytes"`
	WriteCacheSegmentSizeBytes    int64 `yaml:"write_cache_segment_size_bytes"`
	WriteCacheFlushThresholdBytes int64 `yaml:"write_cache_flush_threshold_bytes"`
	ReadCacheMaxSizeBytes         int64 `yaml:"read_cache_max_size_bytes"`
	ReadCacheSegmentSizeBytes     int64 `yaml:"read_cache_segment_size_bytes"`
	// Allocator selects where cache and buffer memory comes from: "heap" or
	// "pooled" (size-class pools reused across flushes).
	Allocator string `yaml:"allocator"`
	// MaxMemoryBytes caps the memory handed out by the allocator. Zero means
	// no limit.
	MaxMemoryBytes int64 `yaml:"max_memory_bytes"`
}

// LoggingConfig holds logging-specific configurations.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // e.g., "debug", "info", "warn", "error"
	Output string `yaml:"output"` // e.g., "stdout", "file", "none"
	File   string `yaml:"file"`   // Path to the log file, used if output is "file"
}

// DebugConfig holds debugging-related configurations.
type DebugConfig struct {
	Enabled          bool   `yaml:"enabled"`
	ListenAddress    string `yaml:"listen_address"`
	PProfEnabled     bool   `yaml:"pprof_enabled"`
	MetricsEnabled   bool   `yaml:"metrics_enabled"`
	MonitorUIEnabled bool   `yaml:"monitor_ui_enabled"`
}

type SelfMonitoringConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Interval string `yaml:"interval"`
}

// TracingConfig holds configuration for distributed tracing.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"` // e.g., "localhost:4317" for gRPC OTLP collector
	Protocol string `yaml:"protocol"` // "grpc" or "http"
}

// Config is the top-level configuration struct.
type Config struct {
	Bookie         BookieConfig         `yaml:"bookie"`
	Journal        JournalConfig        `yaml:"journal"`
	Storage        StorageConfig        `yaml:"storage"`
	Cache          CacheConfig          `yaml:"cache"`
	Logging        LoggingConfig        `yaml:"logging"`
	Debug          DebugConfig          `yaml:"debug"`
	SelfMonitoring SelfMonitoringConfig `yaml:"self_monitoring"`
	Tracing        TracingConfig        `yaml:"tracing"`
}

// ParseDuration parses a duration string. Returns the default duration if the string is empty or invalid.
// Logs a warning if the string is invalid but not empty.
func ParseDuration(durationStr string, defaultDuration time.Duration, logger *slog.Logger) time.Duration {
	if durationStr == "" || durationStr == "0" {
		return defaultDuration
	}
	d, err := time.ParseDuration(durationStr)
	if err != nil {
		if logger != nil {
			logger.Warn("Invalid duration format, using default", "input", durationStr, "default", defaultDuration.String(), "error", err)
		}
		return defaultDuration
	}
	return d
}

// Load reads configuration from an io.Reader.
// This is the core logic, separated for testability.
func Load(r io.Reader) (*Config, error) {
	cfg := &Config{
		Bookie: BookieConfig{
			ID:         "localhost:3181",
			JournalDir: "./data/journal",
			LedgerDir:  "./data/ledgers",
		},
		Journal: JournalConfig{
			SyncMode:            string(journal.SyncAlways),
			MaxSegmentSizeBytes: 512 * 1024 * 1024, // 512 MiB
			BufferSizeBytes:     64 * 1024,
			MaxBatch:            1024,
		},
		Storage: StorageConfig{
			EntryLogMaxSizeBytes:    1024 * 1024 * 1024, // 1 GiB
			EntryLogBufferSizeBytes: 64 * 1024,
			Preallocate:             true,
			OpenFileCacheSize:       16,
			MetadataCompression:     "snappy",
			FlushInterval:           "60s",
			DiskUsageThreshold:      0.95,
			DiskUsageWarnThreshold:  0.90,
			DiskCheckInterval:       "10s",
		},
		Cache: CacheConfig{
			WriteCacheMaxSizeBytes:     bookie.DefaultWriteCacheMaxSize,
			WriteCacheSegmentSizeBytes: 16 * 1024 * 1024,
			ReadCacheMaxSizeBytes:      bookie.DefaultReadCacheMaxSize,
			ReadCacheSegmentSizeBytes:  8 * 1024 * 1024,
			Allocator:                  "heap",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
			File:   "bookie.log",
		},
		Debug: DebugConfig{
			Enabled:          true,
			ListenAddress:    "0.0.0.0:8000",
			PProfEnabled:     true,
			MetricsEnabled:   true,
			MonitorUIEnabled: true,
		},
		SelfMonitoring: SelfMonitoringConfig{
			Enabled:  true,
			Interval: "15s",
		},
		Tracing: TracingConfig{
			Enabled:  false,
			Endpoint: "localhost:4317",
			Protocol: "grpc",
		},
	}

	// If the reader is nil, it's like an empty file, return defaults.
	if r == nil {
		return cfg, nil
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config data: %w", err)
	}
	if len(data) == 0 {
		return cfg, nil
	}

	// Unmarshal YAML into the config struct, overwriting defaults
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}
	return cfg, nil
}

// LoadConfig reads configuration from a YAML file by path.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			// If file doesn't exist, return default config by calling Load with a nil reader.
			return Load(nil)
		}
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()

	return Load(file)
}

// BookieOptions maps the configuration onto bookie.Options. Dependencies
// such as the tracer provider and hook manager are left for the caller.
func (c *Config) BookieOptions(logger *slog.Logger) (bookie.Options, error) {
	compression, err := core.ParseCompressionType(c.Storage.MetadataCompression)
	if err != nil {
		return bookie.Options{}, fmt.Errorf("storage.metadata_compression: %w", err)
	}
	syncMode := journal.SyncMode(c.Journal.SyncMode)
	switch syncMode {
	case "", journal.SyncAlways, journal.SyncDisabled:
	default:
		return bookie.Options{}, fmt.Errorf("journal.sync_mode %q: %w", c.Journal.SyncMode, core.ErrInvalidArgument)
	}
	if t := c.Storage.DiskUsageThreshold; t < 0 || t > 1 {
		return bookie.Options{}, fmt.Errorf("storage.disk_usage_threshold %v must be within [0, 1]: %w", t, core.ErrInvalidArgument)
	}

	var alloc core.Allocator
	switch c.Cache.Allocator {
	case "", "heap":
		alloc = core.HeapAllocator{}
	case "pooled":
		alloc = core.NewPooledAllocator(64)
	default:
		return bookie.Options{}, fmt.Errorf("cache.allocator %q: %w", c.Cache.Allocator, core.ErrInvalidArgument)
	}
	if c.Cache.MaxMemoryBytes > 0 {
		alloc = core.NewLimitedAllocator(alloc, c.Cache.MaxMemoryBytes)
	}

	flushInterval := bookie.DefaultFlushInterval
	if c.Storage.FlushInterval == "off" {
		flushInterval = -1
	} else {
		flushInterval = ParseDuration(c.Storage.FlushInterval, flushInterval, logger)
	}

	return bookie.Options{
		BookieID:   c.Bookie.ID,
		JournalDir: c.Bookie.JournalDir,
		LedgerDir:  c.Bookie.LedgerDir,

		JournalSyncMode:       syncMode,
		JournalMaxSegmentSize: c.Journal.MaxSegmentSizeBytes,
		JournalBufferSize:     c.Journal.BufferSizeBytes,
		JournalMaxBatch:       c.Journal.MaxBatch,

		EntryLogMaxSize:     c.Storage.EntryLogMaxSizeBytes,
		EntryLogBufferSize:  c.Storage.EntryLogBufferSizeBytes,
		EntryLogPreallocate: c.Storage.Preallocate,
		OpenFileCacheSize:   c.Storage.OpenFileCacheSize,
		MetadataCompression: compression,

		WriteCacheMaxSize:        c.Cache.WriteCacheMaxSizeBytes,
		WriteCacheSegmentSize:    c.Cache.WriteCacheSegmentSizeBytes,
		WriteCacheFlushThreshold: c.Cache.WriteCacheFlushThresholdBytes,
		ReadCacheMaxSize:         c.Cache.ReadCacheMaxSizeBytes,
		ReadCacheSegmentSize:     c.Cache.ReadCacheSegmentSizeBytes,
		FlushInterval:            flushInterval,

		DiskUsageThreshold:     c.Storage.DiskUsageThreshold,
		DiskUsageWarnThreshold: c.Storage.DiskUsageWarnThreshold,
		DiskCheckInterval:      ParseDuration(c.Storage.DiskCheckInterval, bookie.DefaultDiskCheckInterval, logger),

		Allocator: alloc,
		Logger:    logger,
	}, nil
}

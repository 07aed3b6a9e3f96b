package sys

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/INLOpen/bookie/core"
	"github.com/shirou/gopsutil/v3/disk"
)

// UsageFunc reports the used fraction (0..100) of the filesystem holding path.
type UsageFunc func(path string) (float64, error)

// GopsutilUsage reads disk usage through gopsutil.
func GopsutilUsage(path string) (float64, error) {
	u, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return u.UsedPercent, nil
}

// DiskChecker rejects writes once the filesystem holding a directory is
// fuller than a threshold. Results are cached for Interval to keep the
// statfs call off the hot path.
type DiskChecker struct {
	dir           string
	threshold     float64
	warnThreshold float64
	interval      time.Duration
	usage         UsageFunc
	logger        *slog.Logger

	mu        sync.Mutex
	checkedAt time.Time
	lastErr   error
	lastUsed  float64
}

// DiskCheckerOptions configures a DiskChecker. Thresholds are fractions in
// (0, 1]; a zero Threshold disables the check.
type DiskCheckerOptions struct {
	Dir           string
	Threshold     float64
	WarnThreshold float64
	Interval      time.Duration
	Usage         UsageFunc
	Logger        *slog.Logger
}

func NewDiskChecker(opts DiskCheckerOptions) *DiskChecker {
	if opts.Usage == nil {
		opts.Usage = GopsutilUsage
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	return &DiskChecker{
		dir:           opts.Dir,
		threshold:     opts.Threshold,
		warnThreshold: opts.WarnThreshold,
		interval:      opts.Interval,
		usage:         opts.Usage,
		logger:        opts.Logger.With("component", "DiskChecker", "dir", opts.Dir),
	}
}

// Check returns an error wrapping core.ErrDiskFull when usage is above the
// threshold. Failures to read usage are logged and do not block writes.
func (c *DiskChecker) Check() error {
	if c == nil || c.threshold <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.checkedAt.IsZero() && time.Since(c.checkedAt) < c.interval {
		return c.lastErr
	}
	c.checkedAt = time.Now()

	used, err := c.usage(c.dir)
	if err != nil {
		c.logger.Warn("Failed to read disk usage", "error", err)
		c.lastErr = nil
		return nil
	}
	c.lastUsed = used
	frac := used / 100
	switch {
	case frac > c.threshold:
		if c.lastErr == nil {
			c.logger.Error("Disk usage above threshold, rejecting writes", "used_percent", used, "threshold", c.threshold)
		}
		c.lastErr = fmt.Errorf("%s at %.1f%% used: %w", c.dir, used, core.ErrDiskFull)
	case c.warnThreshold > 0 && frac > c.warnThreshold:
		c.logger.Warn("Disk usage above warn threshold", "used_percent", used, "warn_threshold", c.warnThreshold)
		c.lastErr = nil
	default:
		if c.lastErr != nil {
			c.logger.Info("Disk usage back under threshold", "used_percent", used)
		}
		c.lastErr = nil
	}
	return c.lastErr
}

// LastUsedPercent returns the usage observed by the most recent check.
func (c *DiskChecker) LastUsedPercent() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUsed
}

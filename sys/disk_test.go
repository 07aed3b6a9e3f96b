package sys

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/INLOpen/bookie/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiskChecker(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	used := 50.0
	checker := NewDiskChecker(DiskCheckerOptions{
		Dir:           "/data",
		Threshold:     0.9,
		WarnThreshold: 0.8,
		Interval:      time.Nanosecond,
		Usage:         func(string) (float64, error) { return used, nil },
		Logger:        logger,
	})

	require.NoError(t, checker.Check())

	used = 85
	time.Sleep(time.Millisecond)
	require.NoError(t, checker.Check(), "warn threshold does not reject")

	used = 95
	time.Sleep(time.Millisecond)
	err := checker.Check()
	require.ErrorIs(t, err, core.ErrDiskFull)
	assert.Equal(t, 95.0, checker.LastUsedPercent())

	used = 10
	time.Sleep(time.Millisecond)
	require.NoError(t, checker.Check())
}

func TestDiskChecker_CachesResult(t *testing.T) {
	calls := 0
	checker := NewDiskChecker(DiskCheckerOptions{
		Threshold: 0.5,
		Interval:  time.Hour,
		Usage: func(string) (float64, error) {
			calls++
			return 99, nil
		},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.ErrorIs(t, checker.Check(), core.ErrDiskFull)
	require.ErrorIs(t, checker.Check(), core.ErrDiskFull)
	assert.Equal(t, 1, calls)
}

func TestDiskChecker_DisabledAndUsageErrors(t *testing.T) {
	var nilChecker *DiskChecker
	require.NoError(t, nilChecker.Check())

	checker := NewDiskChecker(DiskCheckerOptions{
		Threshold: 0.5,
		Usage:     func(string) (float64, error) { return 0, errors.New("statfs failed") },
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, checker.Check(), "usage errors must not block writes")
}

func TestGopsutilUsage(t *testing.T) {
	pct, err := GopsutilUsage(t.TempDir())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, pct, 0.0)
	assert.LessOrEqual(t, pct, 100.0)
}

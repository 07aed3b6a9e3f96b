package bookie

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/bookie/core"
	"github.com/INLOpen/bookie/journal"
	"github.com/INLOpen/bookie/sys"
)

var testKey = []byte("master-key")

func testOptions(t *testing.T) Options {
	t.Helper()
	dir := t.TempDir()
	return Options{
		BookieID:          "127.0.0.1:3181",
		JournalDir:        filepath.Join(dir, "journal"),
		LedgerDir:         filepath.Join(dir, "ledgers"),
		JournalSyncMode:   journal.SyncDisabled,
		WriteCacheMaxSize: 64 * 1024,
		ReadCacheMaxSize:  32 * 1024,
		FlushInterval:     -1,
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func newTestBookie(t *testing.T, opts Options) *Bookie {
	t.Helper()
	b, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Shutdown(context.Background()) })
	return b
}

func testEntry(ledgerID, entryID int64) []byte {
	return core.EncodeEntry(ledgerID, entryID, []byte(fmt.Sprintf("payload of %d:%d", ledgerID, entryID)))
}

func waitFuture(t *testing.T, f *AddFuture) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := f.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "write %d:%d never completed", f.LedgerID, f.EntryID)
	return err
}

func addSync(t *testing.T, b *Bookie, ledgerID, entryID int64) {
	t.Helper()
	f, err := b.AddEntry(context.Background(), testEntry(ledgerID, entryID), false, nil, nil, testKey)
	require.NoError(t, err)
	require.NoError(t, waitFuture(t, f))
}

// crash stops b without the final flush, leaving recovery to the journal.
func crash(t *testing.T, b *Bookie) {
	t.Helper()
	b.shutdownOnce.Do(func() {
		b.closeMu.Lock()
		b.closed.Store(true)
		b.closeMu.Unlock()
		close(b.shutdownChan)
		b.wg.Wait()
		b.shutdownErr = b.releaseResources()
	})
	require.NoError(t, b.shutdownErr)
}

func TestNew_RequiresDirs(t *testing.T) {
	_, err := New(Options{JournalDir: t.TempDir()})
	assert.Error(t, err)
}

func TestNew_DirectoryLocked(t *testing.T) {
	opts := testOptions(t)
	newTestBookie(t, opts)
	_, err := New(opts)
	assert.ErrorIs(t, err, sys.ErrLocked)
}

func TestBookie_StartAndShutdown(t *testing.T) {
	opts := testOptions(t)
	opts.FlushInterval = 10 * time.Millisecond
	b := newTestBookie(t, opts)
	require.NoError(t, b.Start())
	assert.ErrorIs(t, b.Start(), ErrAlreadyStarted)

	addSync(t, b, 1, 0)
	require.Eventually(t, func() bool {
		return b.Metrics().FlushTotal.Value() > 0
	}, 5*time.Second, 10*time.Millisecond, "interval flush never ran")

	require.NoError(t, b.Shutdown(context.Background()))
	assert.NoError(t, b.Shutdown(context.Background()), "second shutdown returns the first result")

	_, err := b.AddEntry(context.Background(), testEntry(1, 1), false, nil, nil, testKey)
	assert.ErrorIs(t, err, core.ErrBookieClosed)
	_, err = b.ReadEntry(context.Background(), 1, 0)
	assert.ErrorIs(t, err, core.ErrBookieClosed)
	assert.ErrorIs(t, b.FenceLedger(context.Background(), 1, testKey), core.ErrBookieClosed)
	assert.ErrorIs(t, b.Flush(context.Background()), core.ErrBookieClosed)
	assert.ErrorIs(t, b.Start(), core.ErrBookieClosed)
}

func TestBookie_ShutdownCompletesInFlightWrites(t *testing.T) {
	b := newTestBookie(t, testOptions(t))

	var futures []*AddFuture
	calls := make(chan core.ResultCode, 100)
	for e := int64(0); e < 100; e++ {
		f, err := b.AddEntry(context.Background(), testEntry(3, e), e%2 == 0, func(rc core.ResultCode, _, _ int64, _ string, _ any) {
			calls <- rc
		}, nil, testKey)
		require.NoError(t, err)
		futures = append(futures, f)
	}
	require.NoError(t, b.Shutdown(context.Background()))

	for _, f := range futures {
		select {
		case <-f.Done():
			assert.NoError(t, f.Err())
		default:
			t.Fatalf("write %d:%d still pending after shutdown", f.LedgerID, f.EntryID)
		}
	}
	assert.Len(t, calls, 100, "every callback ran exactly once")
}

func TestBookie_GracefulRestart(t *testing.T) {
	opts := testOptions(t)
	b, err := New(opts)
	require.NoError(t, err)
	for e := int64(0); e < 20; e++ {
		addSync(t, b, 8, e)
	}
	require.NoError(t, b.FenceLedger(context.Background(), 8, testKey))
	require.NoError(t, b.Shutdown(context.Background()))

	opts.Metrics = NewMetrics(false, "")
	b2 := newTestBookie(t, opts)
	assert.Zero(t, b2.Metrics().RecoveredRecordsTotal.Value(), "a clean shutdown leaves nothing to replay")
	for e := int64(0); e < 20; e++ {
		got, err := b2.ReadEntry(context.Background(), 8, e)
		require.NoError(t, err)
		assert.Equal(t, testEntry(8, e), got)
	}
	lac, err := b2.ReadLastAddConfirmed(context.Background(), 8)
	require.NoError(t, err)
	assert.Equal(t, int64(19), lac)

	_, err = b2.AddEntry(context.Background(), testEntry(8, 20), false, nil, nil, testKey)
	assert.ErrorIs(t, err, core.ErrLedgerFenced)
}

func TestBookie_Ready(t *testing.T) {
	opts := testOptions(t)
	usage := 50.0
	opts.DiskUsageThreshold = 0.9
	opts.DiskCheckInterval = time.Nanosecond
	opts.DiskUsage = func(string) (float64, error) { return usage, nil }
	b := newTestBookie(t, opts)

	assert.NoError(t, b.Ready())
	usage = 97
	assert.ErrorIs(t, b.Ready(), core.ErrDiskFull)
	require.NoError(t, b.Shutdown(context.Background()))
	assert.ErrorIs(t, b.Ready(), core.ErrBookieClosed)
}

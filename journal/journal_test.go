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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/bookie/core"
	"github.com/INLOpen/bookie/hooks"
	"github.com/INLOpen/bookie/sys"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestJournal(t *testing.T, opts Options) (*Journal, []Record) {
	t.Helper()
	if opts.Dir == "" {
		opts.Dir = t.TempDir()
	}
	opts.Logger = testLogger()
	j, recs, err := Open(opts)
	require.NoError(t, err)
	return j, recs
}

func addRecord(ledgerID, entryID int64) Record {
	return Record{
		Type:     RecordAddEntry,
		LedgerID: ledgerID,
		EntryID:  entryID,
		Data:     core.EncodeEntry(ledgerID, entryID, []byte(fmt.Sprintf("payload-%d-%d", ledgerID, entryID))),
	}
}

// appendSync appends rec and waits for its completion.
func appendSync(t *testing.T, j *Journal, rec Record, ackBeforeSync bool) error {
	t.Helper()
	done := make(chan error, 1)
	require.NoError(t, j.Append(rec, ackBeforeSync, func(err error) { done <- err }))
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for journal completion")
		return nil
	}
}

func TestJournal_AppendAndReplay(t *testing.T) {
	dir := t.TempDir()
	j, recs := openTestJournal(t, Options{Dir: dir})
	assert.Empty(t, recs)
	assert.Equal(t, uint64(1), j.ActiveSegmentIndex())

	want := []Record{
		{Type: RecordMasterKey, LedgerID: 1, EntryID: -1, Data: []byte("key")},
		addRecord(1, 0),
		addRecord(1, 1),
		{Type: RecordFence, LedgerID: 1, EntryID: -1},
		{Type: RecordAddEntry, Flags: FlagRecovery, LedgerID: 1, EntryID: 2, Data: core.EncodeEntry(1, 2, nil)},
		{Type: RecordExplicitLac, LedgerID: 1, EntryID: -1, Data: []byte("lac")},
	}
	for i, rec := range want {
		require.NoError(t, appendSync(t, j, rec, i%2 == 0))
	}
	require.NoError(t, j.Close())

	j2, replayed := openTestJournal(t, Options{Dir: dir})
	defer j2.Close()
	require.Len(t, replayed, len(want))
	for i := range want {
		assert.Equal(t, want[i].Type, replayed[i].Type)
		assert.Equal(t, want[i].Flags, replayed[i].Flags)
		assert.Equal(t, want[i].LedgerID, replayed[i].LedgerID)
		assert.Equal(t, want[i].EntryID, replayed[i].EntryID)
		assert.Equal(t, want[i].Data, replayed[i].Data)
		assert.Equal(t, uint64(1), replayed[i].Segment)
	}
	assert.Equal(t, uint64(2), j2.ActiveSegmentIndex(), "reopen starts a new segment after one with data")
}

func TestJournal_CompletionOrderAndMetrics(t *testing.T) {
	bytesWritten, recordsWritten, syncs := new(expvar.Int), new(expvar.Int), new(expvar.Int)
	j, _ := openTestJournal(t, Options{BytesWritten: bytesWritten, RecordsWritten: recordsWritten, Syncs: syncs})
	defer j.Close()

	const n = 200
	var mu sync.Mutex
	var order []int64
	var wg sync.WaitGroup
	wg.Add(n)
	for i := int64(0); i < n; i++ {
		require.NoError(t, j.Append(addRecord(9, i), false, func(err error) {
			assert.NoError(t, err)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
		}))
	}
	wg.Wait()
	for i := range order {
		require.Equal(t, int64(i), order[i])
	}
	assert.Equal(t, int64(n), recordsWritten.Value())
	assert.Positive(t, bytesWritten.Value())
	assert.Positive(t, syncs.Value())
	assert.LessOrEqual(t, syncs.Value(), int64(n), "group commit syncs at most once per record")
}

func TestJournal_RollAndPurge(t *testing.T) {
	dir := t.TempDir()
	var rolled []hooks.PostJournalRollPayload
	hm := hooks.NewHookManager(nil)
	hm.Register(hooks.EventPostJournalRoll, hooks.ListenerFunc{Fn: func(_ context.Context, e hooks.HookEvent) error {
		rolled = append(rolled, e.Payload().(hooks.PostJournalRollPayload))
		return nil
	}})
	j, _ := openTestJournal(t, Options{Dir: dir, HookManager: hm})

	require.NoError(t, appendSync(t, j, addRecord(1, 0), false))
	ch, err := j.Roll()
	require.NoError(t, err)
	res := <-ch
	require.NoError(t, res.Err)
	assert.Equal(t, uint64(2), res.Segment)
	require.Len(t, rolled, 1)
	assert.Equal(t, uint64(1), rolled[0].OldSegmentIndex)

	require.NoError(t, appendSync(t, j, addRecord(1, 1), false))
	assert.Equal(t, []uint64{1, 2}, j.SegmentIndexes())

	require.NoError(t, j.Purge(res.Segment-1))
	assert.Equal(t, []uint64{2}, j.SegmentIndexes())
	_, err = os.Stat(filepath.Join(dir, core.FormatJournalSegmentName(1)))
	assert.True(t, os.IsNotExist(err))

	// The active segment survives a purge that covers it.
	require.NoError(t, j.Purge(100))
	assert.Equal(t, []uint64{2}, j.SegmentIndexes())
	require.NoError(t, j.Close())

	j2, recs := openTestJournal(t, Options{Dir: dir, StartRecoveryIndex: 1})
	defer j2.Close()
	require.Len(t, recs, 1)
	assert.Equal(t, int64(1), recs[0].EntryID)
}

func TestJournal_RollWaitsForEarlierRecords(t *testing.T) {
	j, _ := openTestJournal(t, Options{})
	defer j.Close()

	var completed sync.WaitGroup
	completed.Add(10)
	for i := int64(0); i < 10; i++ {
		require.NoError(t, j.Append(addRecord(2, i), false, func(error) { completed.Done() }))
	}
	ch, err := j.Roll()
	require.NoError(t, err)
	<-ch
	// Roll results are only delivered after earlier completions ran.
	doneCh := make(chan struct{})
	go func() { completed.Wait(); close(doneCh) }()
	select {
	case <-doneCh:
	case <-time.After(time.Second):
		t.Fatal("records appended before the roll were not completed")
	}
}

func TestJournal_SizeBasedRoll(t *testing.T) {
	dir := t.TempDir()
	j, _ := openTestJournal(t, Options{Dir: dir, MaxSegmentSize: 256, BufferSize: 64})
	for i := int64(0); i < 20; i++ {
		require.NoError(t, appendSync(t, j, addRecord(3, i), false))
	}
	assert.Greater(t, len(j.SegmentIndexes()), 1)
	require.NoError(t, j.Close())

	j2, recs := openTestJournal(t, Options{Dir: dir})
	defer j2.Close()
	require.Len(t, recs, 20)
	for i, rec := range recs {
		assert.Equal(t, int64(i), rec.EntryID)
	}
}

func TestJournal_TornTail(t *testing.T) {
	dir := t.TempDir()
	j, _ := openTestJournal(t, Options{Dir: dir})
	for i := int64(0); i < 3; i++ {
		require.NoError(t, appendSync(t, j, addRecord(4, i), false))
	}
	require.NoError(t, j.Close())

	path := filepath.Join(dir, core.FormatJournalSegmentName(1))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	// A frame header promising more bytes than were written.
	_, err = f.Write([]byte{200, 0, 0, 0, 1, 2, 3})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	j2, recs := openTestJournal(t, Options{Dir: dir})
	require.Len(t, recs, 3)
	require.NoError(t, appendSync(t, j2, addRecord(4, 3), false))
	require.NoError(t, j2.Close())

	// The torn segment is no longer the last one and still replays.
	j3, recs := openTestJournal(t, Options{Dir: dir})
	defer j3.Close()
	require.Len(t, recs, 4)
}

func TestJournal_CorruptRecordEndsSegment(t *testing.T) {
	dir := t.TempDir()
	j, _ := openTestJournal(t, Options{Dir: dir})
	for i := int64(0); i < 3; i++ {
		require.NoError(t, appendSync(t, j, addRecord(5, i), false))
	}
	require.NoError(t, j.Close())

	path := filepath.Join(dir, core.FormatJournalSegmentName(1))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-6] ^= 0xFF // inside the last record's payload
	require.NoError(t, os.WriteFile(path, data, 0644))

	j2, recs := openTestJournal(t, Options{Dir: dir})
	defer j2.Close()
	require.Len(t, recs, 2)
}

func TestJournal_BadHeaderIsError(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, core.FormatJournalSegmentName(1)), make([]byte, 64), 0644))
	_, _, err := Open(Options{Dir: dir, Logger: testLogger()})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrCorrupted)
}

func TestJournal_DiskFull(t *testing.T) {
	var used float64 = 99
	var mu sync.Mutex
	checker := sys.NewDiskChecker(sys.DiskCheckerOptions{
		Threshold: 0.95,
		Interval:  time.Nanosecond,
		Logger:    testLogger(),
		Usage: func(string) (float64, error) {
			mu.Lock()
			defer mu.Unlock()
			return used, nil
		},
	})
	j, _ := openTestJournal(t, Options{DiskChecker: checker})
	defer j.Close()

	err := appendSync(t, j, addRecord(6, 0), false)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrDiskFull)

	mu.Lock()
	used = 10
	mu.Unlock()
	time.Sleep(time.Millisecond)
	require.NoError(t, appendSync(t, j, addRecord(6, 1), false))
}

func TestJournal_WriteErrorFailsRestOfBatch(t *testing.T) {
	j, _ := openTestJournal(t, Options{})
	defer j.Close()
	injected := errors.New("injected write failure")
	j.mu.Lock()
	j.testingOnlyInjectWriteError = injected
	j.mu.Unlock()

	err := appendSync(t, j, addRecord(7, 0), true)
	assert.ErrorIs(t, err, injected)
}

func TestJournal_CloseDrainsQueue(t *testing.T) {
	j, _ := openTestJournal(t, Options{})

	const n = 50
	results := make(chan error, n)
	for i := int64(0); i < n; i++ {
		require.NoError(t, j.Append(addRecord(8, i), i%3 == 0, func(err error) { results <- err }))
	}
	require.NoError(t, j.Close())
	require.Len(t, results, n, "every queued record completes before Close returns")
	for i := 0; i < n; i++ {
		assert.NoError(t, <-results)
	}

	assert.ErrorIs(t, j.Append(addRecord(8, n), false, func(error) {}), core.ErrJournalClosed)
	_, err := j.Roll()
	assert.ErrorIs(t, err, core.ErrJournalClosed)
	assert.Zero(t, j.ActiveSegmentIndex())
	assert.NoError(t, j.Close(), "close is idempotent")
}

func TestJournal_SyncDisabled(t *testing.T) {
	dir := t.TempDir()
	syncs := new(expvar.Int)
	j, _ := openTestJournal(t, Options{Dir: dir, SyncMode: SyncDisabled, Syncs: syncs})
	require.NoError(t, appendSync(t, j, addRecord(1, 1), false))
	assert.Zero(t, syncs.Value())
	require.NoError(t, j.Close())

	j2, recs := openTestJournal(t, Options{Dir: dir})
	defer j2.Close()
	assert.Len(t, recs, 1)
}

func TestJournal_NeverReusesCheckpointedIndex(t *testing.T) {
	dir := t.TempDir()
	j, _ := openTestJournal(t, Options{Dir: dir})
	require.NoError(t, appendSync(t, j, addRecord(1, 0), false))
	require.NoError(t, j.Close())
	require.NoError(t, j.Purge(1))
	assert.Empty(t, j.SegmentIndexes())

	j2, recs := openTestJournal(t, Options{Dir: dir, StartRecoveryIndex: 5})
	assert.Empty(t, recs)
	assert.Equal(t, uint64(6), j2.ActiveSegmentIndex())
	require.NoError(t, j2.Close())

	// A header-only segment at the recovery mark is not appended to.
	j3, _ := openTestJournal(t, Options{Dir: dir, StartRecoveryIndex: 6})
	defer j3.Close()
	assert.Equal(t, uint64(7), j3.ActiveSegmentIndex())
}

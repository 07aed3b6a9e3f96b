package bookie

import (
	"context"
	"sync"

	"github.com/INLOpen/bookie/core"
)

// WriteCallback is invoked once per accepted write, after its durability is
// final. bookieID is the address of the bookie that handled the write.
type WriteCallback func(rc core.ResultCode, ledgerID, entryID int64, bookieID string, ctx any)

// AddFuture completes once the write it was returned for is durable or has
// failed. Futures of one ledger complete in admission order.
type AddFuture struct {
	LedgerID int64
	EntryID  int64

	once sync.Once
	done chan struct{}
	err  error
}

func newAddFuture(ledgerID, entryID int64) *AddFuture {
	return &AddFuture{LedgerID: ledgerID, EntryID: entryID, done: make(chan struct{})}
}

func (f *AddFuture) complete(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// Done is closed when the write completes.
func (f *AddFuture) Done() <-chan struct{} {
	return f.done
}

// Err returns the outcome of a completed write. It is nil while pending.
func (f *AddFuture) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

// Wait blocks until the write completes or ctx is done. Cancelling ctx does
// not cancel the write.
func (f *AddFuture) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ResultCode returns the protocol code of a completed write.
func (f *AddFuture) ResultCode() core.ResultCode {
	return core.ResultCodeOf(f.Err())
}

package bookie

import (
	"bytes"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/INLOpen/bookie/core"
	"github.com/INLOpen/bookie/storage"
)

type writeKind int

const (
	writeAdd writeKind = iota
	writeRecoveryAdd
	writeExplicitLac
)

func (k writeKind) String() string {
	switch k {
	case writeAdd:
		return "add entry"
	case writeRecoveryAdd:
		return "recovery add entry"
	case writeExplicitLac:
		return "set explicit lac"
	default:
		return fmt.Sprintf("writeKind(%d)", int(k))
	}
}

func (k writeKind) spanName() string {
	switch k {
	case writeRecoveryAdd:
		return "Bookie.RecoveryAddEntry"
	case writeExplicitLac:
		return "Bookie.SetExplicitLac"
	default:
		return "Bookie.AddEntry"
	}
}

// pendingWrite is an admitted write waiting for its journal record.
type pendingWrite struct {
	kind     writeKind
	ledgerID int64
	entryID  int64
	start    time.Time
	future   *AddFuture
	cb       WriteCallback
	cbCtx    any

	// Guarded by ledgerState.pendingMu.
	done bool
	err  error
}

// ledgerState is the in-memory state of one ledger.
type ledgerState struct {
	id int64

	// mu serializes admission on the ledger: the key check, fencing, cache
	// admission and journal append happen under it.
	mu           sync.Mutex
	masterKey    []byte
	keyJournaled bool
	fenced       bool
	explicitLac  []byte

	// lac is only advanced under pendingMu.
	lac atomic.Int64
	// persistedLac is the LAC last handed to storage. Guarded by the
	// bookie's flushMu.
	persistedLac int64

	pendingMu sync.Mutex
	pending   []*pendingWrite
}

func newLedgerState(id int64) *ledgerState {
	ls := &ledgerState{id: id, persistedLac: -1}
	ls.lac.Store(-1)
	return ls
}

func ledgerStateFromMeta(m storage.LedgerMeta) *ledgerState {
	ls := newLedgerState(m.LedgerID)
	ls.masterKey = m.MasterKey
	ls.keyJournaled = m.MasterKey != nil
	ls.fenced = m.Fenced
	ls.explicitLac = m.ExplicitLac
	ls.lac.Store(m.LastAddConfirmed)
	ls.persistedLac = m.LastAddConfirmed
	return ls
}

// checkKeyLocked adopts masterKey for a ledger without one and rejects a
// mismatching key. Must be called with ls.mu held.
func (ls *ledgerState) checkKeyLocked(masterKey []byte) error {
	if ls.masterKey == nil {
		ls.masterKey = slices.Clone(masterKey)
		return nil
	}
	if !bytes.Equal(ls.masterKey, masterKey) {
		return fmt.Errorf("ledger %d: %w", ls.id, core.ErrAccessDenied)
	}
	return nil
}

func (ls *ledgerState) enqueue(pw *pendingWrite) {
	ls.pendingMu.Lock()
	ls.pending = append(ls.pending, pw)
	ls.pendingMu.Unlock()
}

// dropTail removes pw, which was never handed to the journal.
func (ls *ledgerState) dropTail(pw *pendingWrite) {
	ls.pendingMu.Lock()
	defer ls.pendingMu.Unlock()
	for i := len(ls.pending) - 1; i >= 0; i-- {
		if ls.pending[i] == pw {
			ls.pending = slices.Delete(ls.pending, i, i+1)
			return
		}
	}
}

// completeLocked marks pw finished and returns the writes at the head of the
// queue that can now be reported, in admission order. The LAC follows them.
// Must be called with ls.pendingMu held.
func (ls *ledgerState) completeLocked(pw *pendingWrite, err error) []*pendingWrite {
	pw.done = true
	pw.err = err
	var ready []*pendingWrite
	for len(ls.pending) > 0 && ls.pending[0].done {
		head := ls.pending[0]
		ls.pending[0] = nil
		ls.pending = ls.pending[1:]
		if head.err == nil && head.kind != writeExplicitLac && head.entryID > ls.lac.Load() {
			ls.lac.Store(head.entryID)
		}
		ready = append(ready, head)
	}
	return ready
}

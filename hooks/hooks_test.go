package hooks

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockListener struct {
	name      string
	priority  int
	isAsync   bool
	returnErr error
	workDelay time.Duration

	mu        *sync.Mutex
	callOrder *[]string
	calls     atomic.Int32
}

func (m *mockListener) OnEvent(ctx context.Context, event HookEvent) error {
	if m.workDelay > 0 {
		time.Sleep(m.workDelay)
	}
	m.calls.Add(1)
	if m.callOrder != nil {
		m.mu.Lock()
		*m.callOrder = append(*m.callOrder, m.name)
		m.mu.Unlock()
	}
	return m.returnErr
}

func (m *mockListener) Priority() int { return m.priority }
func (m *mockListener) IsAsync() bool { return m.isAsync }

func TestDefaultHookManager_RegisterOrder(t *testing.T) {
	manager := NewHookManager(nil).(*DefaultHookManager)

	manager.Register(EventPreAddEntry, &mockListener{name: "p10", priority: 10})
	manager.Register(EventPreAddEntry, &mockListener{name: "p1", priority: 1})
	manager.Register(EventPreAddEntry, &mockListener{name: "p5a", priority: 5})
	manager.Register(EventPreAddEntry, &mockListener{name: "p5b", priority: 5})

	var names []string
	for _, l := range manager.listeners[EventPreAddEntry] {
		names = append(names, l.listener.(*mockListener).name)
	}
	assert.Equal(t, []string{"p1", "p5a", "p5b", "p10"}, names)
}

func TestDefaultHookManager_PreHookVeto(t *testing.T) {
	manager := NewHookManager(nil)
	var mu sync.Mutex
	var order []string
	veto := errors.New("rejected")

	first := &mockListener{name: "first", priority: 1, mu: &mu, callOrder: &order}
	second := &mockListener{name: "second", priority: 2, mu: &mu, callOrder: &order, returnErr: veto}
	third := &mockListener{name: "third", priority: 3, mu: &mu, callOrder: &order}
	manager.Register(EventPreAddEntry, third)
	manager.Register(EventPreAddEntry, first)
	manager.Register(EventPreAddEntry, second)

	err := manager.Trigger(context.Background(), NewPreAddEntryEvent(PreAddEntryPayload{LedgerID: 1, EntryID: 2}))
	require.Error(t, err)
	assert.ErrorIs(t, err, veto)
	assert.Equal(t, []string{"first", "second"}, order)
	assert.Zero(t, third.calls.Load())
}

func TestDefaultHookManager_PreHookAlwaysSync(t *testing.T) {
	manager := NewHookManager(nil)
	l := &mockListener{priority: 1, isAsync: true, workDelay: 20 * time.Millisecond}
	manager.Register(EventPreFenceLedger, l)

	require.NoError(t, manager.Trigger(context.Background(), NewPreFenceLedgerEvent(FenceLedgerPayload{LedgerID: 5})))
	assert.Equal(t, int32(1), l.calls.Load(), "pre-hook must have completed before Trigger returned")
}

func TestDefaultHookManager_PostHookErrorsIgnored(t *testing.T) {
	manager := NewHookManager(nil)
	failing := &mockListener{priority: 1, returnErr: errors.New("boom")}
	next := &mockListener{priority: 2}
	manager.Register(EventPostAddEntry, failing)
	manager.Register(EventPostAddEntry, next)

	err := manager.Trigger(context.Background(), NewPostAddEntryEvent(PostAddEntryPayload{LedgerID: 1}))
	require.NoError(t, err)
	assert.Equal(t, int32(1), next.calls.Load())
}

func TestDefaultHookManager_AsyncPostHookAndStop(t *testing.T) {
	manager := NewHookManager(nil)
	slow := &mockListener{priority: 1, isAsync: true, workDelay: 30 * time.Millisecond}
	manager.Register(EventPostFlushWriteCache, slow)

	start := time.Now()
	require.NoError(t, manager.Trigger(context.Background(), NewPostFlushWriteCacheEvent(FlushWriteCachePayload{Entries: 3})))
	assert.Less(t, time.Since(start), 30*time.Millisecond)

	manager.Stop()
	assert.Equal(t, int32(1), slow.calls.Load())
}

func TestListenerFunc(t *testing.T) {
	manager := NewHookManager(nil)
	var got PostJournalRollPayload
	manager.Register(EventPostJournalRoll, ListenerFunc{Fn: func(_ context.Context, e HookEvent) error {
		got = e.Payload().(PostJournalRollPayload)
		return nil
	}})

	require.NoError(t, manager.Trigger(context.Background(), NewPostJournalRollEvent(PostJournalRollPayload{OldSegmentIndex: 1, NewSegmentIndex: 2})))
	assert.Equal(t, uint64(2), got.NewSegmentIndex)
	assert.NoError(t, manager.Trigger(context.Background(), NewPreShutdownEvent(LifecyclePayload{BookieID: "b"})), "no listeners")
}

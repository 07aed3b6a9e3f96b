package hooks

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// EventType defines the type of a hook event. Types starting with "Pre" are
// synchronous and may veto the operation by returning an error.
type EventType string

const (
	// Write path
	EventPreAddEntry  EventType = "PreAddEntry"
	EventPostAddEntry EventType = "PostAddEntry"

	// Fencing
	EventPreFenceLedger  EventType = "PreFenceLedger"
	EventPostFenceLedger EventType = "PostFenceLedger"

	// Storage lifecycle
	EventPreFlushWriteCache  EventType = "PreFlushWriteCache"
	EventPostFlushWriteCache EventType = "PostFlushWriteCache"
	EventPostJournalRoll     EventType = "PostJournalRoll"
	EventPostRecovery        EventType = "PostRecovery"

	// Bookie lifecycle
	EventPreShutdown  EventType = "PreShutdown"
	EventPostShutdown EventType = "PostShutdown"
)

// HookManager registers listeners and dispatches events to them.
type HookManager interface {
	Register(eventType EventType, listener HookListener)
	// Trigger fires every listener registered for the event. For Pre events
	// the first listener error aborts dispatch and is returned.
	Trigger(ctx context.Context, event HookEvent) error
	// Stop waits for in-flight asynchronous listeners.
	Stop()
}

// HookEvent is implemented by every event value.
type HookEvent interface {
	Type() EventType
	Payload() interface{}
}

// HookListener receives events.
type HookListener interface {
	// OnEvent handles an event. An error from a Pre event vetoes the
	// operation; errors from Post events are logged.
	OnEvent(ctx context.Context, event HookEvent) error
	// Priority orders listeners; lower runs first.
	Priority() int
	// IsAsync requests asynchronous delivery for Post events.
	IsAsync() bool
}

// BaseEvent provides a base implementation for HookEvent.
type BaseEvent struct {
	eventType EventType
	payload   interface{}
}

func (e *BaseEvent) Type() EventType      { return e.eventType }
func (e *BaseEvent) Payload() interface{} { return e.payload }

// ListenerFunc adapts a function to a synchronous HookListener.
type ListenerFunc struct {
	Fn    func(ctx context.Context, event HookEvent) error
	Order int
	Async bool
}

func (l ListenerFunc) OnEvent(ctx context.Context, event HookEvent) error { return l.Fn(ctx, event) }
func (l ListenerFunc) Priority() int                                      { return l.Order }
func (l ListenerFunc) IsAsync() bool                                      { return l.Async }

// PreAddEntryPayload describes an entry about to be admitted. Recovery is
// set for writes coming from the ledger recovery protocol.
type PreAddEntryPayload struct {
	LedgerID int64
	EntryID  int64
	Size     int
	Recovery bool
}

func NewPreAddEntryEvent(payload PreAddEntryPayload) HookEvent {
	return &BaseEvent{eventType: EventPreAddEntry, payload: payload}
}

// PostAddEntryPayload reports the durable outcome of a write.
type PostAddEntryPayload struct {
	LedgerID int64
	EntryID  int64
	Latency  time.Duration
	Error    error
}

func NewPostAddEntryEvent(payload PostAddEntryPayload) HookEvent {
	return &BaseEvent{eventType: EventPostAddEntry, payload: payload}
}

type FenceLedgerPayload struct {
	LedgerID int64
	Error    error
}

func NewPreFenceLedgerEvent(payload FenceLedgerPayload) HookEvent {
	return &BaseEvent{eventType: EventPreFenceLedger, payload: payload}
}

func NewPostFenceLedgerEvent(payload FenceLedgerPayload) HookEvent {
	return &BaseEvent{eventType: EventPostFenceLedger, payload: payload}
}

// FlushWriteCachePayload describes a write cache flush cycle. Pre events
// carry only the entry count and size.
type FlushWriteCachePayload struct {
	Entries        int64
	Bytes          int64
	JournalSegment uint64
	Duration       time.Duration
	Error          error
}

func NewPreFlushWriteCacheEvent(payload FlushWriteCachePayload) HookEvent {
	return &BaseEvent{eventType: EventPreFlushWriteCache, payload: payload}
}

func NewPostFlushWriteCacheEvent(payload FlushWriteCachePayload) HookEvent {
	return &BaseEvent{eventType: EventPostFlushWriteCache, payload: payload}
}

// PostJournalRollPayload contains information about a journal segment roll.
type PostJournalRollPayload struct {
	OldSegmentIndex uint64
	NewSegmentIndex uint64
	NewSegmentPath  string
}

func NewPostJournalRollEvent(payload PostJournalRollPayload) HookEvent {
	return &BaseEvent{eventType: EventPostJournalRoll, payload: payload}
}

// PostRecoveryPayload contains information about a completed journal replay.
type PostRecoveryPayload struct {
	ReplayedRecords int
	Ledgers         int
	Duration        time.Duration
}

func NewPostRecoveryEvent(payload PostRecoveryPayload) HookEvent {
	return &BaseEvent{eventType: EventPostRecovery, payload: payload}
}

// LifecyclePayload is used for shutdown events.
type LifecyclePayload struct {
	BookieID string
}

func NewPreShutdownEvent(payload LifecyclePayload) HookEvent {
	return &BaseEvent{eventType: EventPreShutdown, payload: payload}
}

func NewPostShutdownEvent(payload LifecyclePayload) HookEvent {
	return &BaseEvent{eventType: EventPostShutdown, payload: payload}
}

type listenerWithPriority struct {
	listener HookListener
	priority int
}

// DefaultHookManager is a concrete implementation of HookManager.
type DefaultHookManager struct {
	// Listeners per event, kept sorted by priority.
	listeners map[EventType][]*listenerWithPriority
	mu        sync.RWMutex
	wg        sync.WaitGroup
	logger    *slog.Logger
}

// NewHookManager creates a new DefaultHookManager.
func NewHookManager(logger *slog.Logger) HookManager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &DefaultHookManager{
		listeners: make(map[EventType][]*listenerWithPriority),
		logger:    logger.With("component", "HookManager"),
	}
}

// Register adds a listener, keeping priority order. Listeners with equal
// priority run in registration order.
func (m *DefaultHookManager) Register(eventType EventType, listener HookListener) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item := &listenerWithPriority{listener: listener, priority: listener.Priority()}
	l := m.listeners[eventType]
	idx := sort.Search(len(l), func(i int) bool {
		return l[i].priority > item.priority
	})
	l = append(l, nil)
	copy(l[idx+1:], l[idx:])
	l[idx] = item
	m.listeners[eventType] = l
}

// Trigger fires all registered listeners for an event in priority order.
func (m *DefaultHookManager) Trigger(ctx context.Context, event HookEvent) error {
	m.mu.RLock()
	listeners := m.listeners[event.Type()]
	m.mu.RUnlock()
	if len(listeners) == 0 {
		return nil
	}

	isPreHook := strings.HasPrefix(string(event.Type()), "Pre")
	for _, item := range listeners {
		async := item.listener.IsAsync()
		if isPreHook || !async {
			if isPreHook && async {
				m.logger.Warn("Listener for Pre-hook requested async execution, running synchronously.", "event", event.Type(), "priority", item.priority)
			}
			if err := item.listener.OnEvent(ctx, event); err != nil {
				if isPreHook {
					return fmt.Errorf("pre-hook for event %s (priority %d) failed: %w", event.Type(), item.priority, err)
				}
				m.logger.Error("Error from synchronous post-hook listener", "event", event.Type(), "priority", item.priority, "error", err)
			}
			continue
		}
		m.wg.Add(1)
		go func(current *listenerWithPriority) {
			defer m.wg.Done()
			if err := current.listener.OnEvent(ctx, event); err != nil {
				m.logger.Error("Error from asynchronous post-hook listener", "event", event.Type(), "priority", current.priority, "error", err)
			}
		}(item)
	}
	return nil
}

// Stop waits for all asynchronous listeners to complete.
func (m *DefaultHookManager) Stop() {
	m.wg.Wait()
}

package stm

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aschepis/backscratcher/stm/memory"
)

// EventType tags entries in the engine's event stream.
type EventType string

const (
	EventMemoryAdded      EventType = "memory_added"
	EventMemoryUpdated    EventType = "memory_updated"
	EventMemoryDeleted    EventType = "memory_deleted"
	EventSyncStarted      EventType = "sync_started"
	EventSyncCompleted    EventType = "sync_completed"
	EventSyncFailed       EventType = "sync_failed"
	EventConflictDetected EventType = "conflict_detected"
	EventStorageWarning   EventType = "storage_warning"
)

// Event is one entry in the engine's event stream. Only the fields relevant
// to Type are populated.
type Event struct {
	Type     EventType
	Time     time.Time
	MemoryID string               // memory_* and conflict events
	Record   *memory.MemoryRecord // memory_added / memory_updated
	Conflict *memory.Conflict     // conflict_detected
	Sync     *SyncSummary         // sync_completed
	Err      error                // sync_failed
	Message  string               // storage_warning
}

// Listener receives events. Dispatch is synchronous, so listeners observe
// events in causal order; slow listeners slow the engine.
type Listener func(Event)

type subscription struct {
	types map[EventType]bool // nil means all types
	fn    Listener
}

// eventBus is a typed publish/subscribe registry keyed by opaque tokens.
type eventBus struct {
	mu          sync.Mutex
	subscribers map[string]subscription
	logger      zerolog.Logger
}

func newEventBus(logger zerolog.Logger) *eventBus {
	return &eventBus{
		subscribers: make(map[string]subscription),
		logger:      logger.With().Str("component", "event_bus").Logger(),
	}
}

func (b *eventBus) subscribe(fn Listener, types ...EventType) string {
	sub := subscription{fn: fn}
	if len(types) > 0 {
		sub.types = make(map[EventType]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}

	id := uuid.NewString()
	b.mu.Lock()
	b.subscribers[id] = sub
	b.mu.Unlock()
	return id
}

func (b *eventBus) unsubscribe(id string) {
	b.mu.Lock()
	delete(b.subscribers, id)
	b.mu.Unlock()
}

func (b *eventBus) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	// Snapshot matching listeners, then dispatch outside the lock so a
	// listener may call back into the bus or the engine. Ordering is
	// unchanged: emit itself still runs inline at the emitting call site.
	b.mu.Lock()
	listeners := make([]Listener, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		if sub.types != nil && !sub.types[ev.Type] {
			continue
		}
		listeners = append(listeners, sub.fn)
	}
	b.mu.Unlock()

	for _, fn := range listeners {
		fn(ev)
	}
	b.logger.Debug().Str("event", string(ev.Type)).Str("memory_id", ev.MemoryID).Msg("Event dispatched")
}

// Package events implements a small typed publish/subscribe bus used
// to replace the ad-hoc event-emitter flood the original system sent
// toward its UI layer: one coarse-grained event per meaningful state
// change, fanned out to any number of subscribers (the control
// boundary, the audit log, the structured logger).
package events

import "sync"

// Kind identifies the category of an Event.
type Kind string

const (
	KindQueueChanged    Kind = "queue.changed"
	KindUpdateStarted   Kind = "update.started"
	KindUpdateProgress  Kind = "update.progress"
	KindUpdatePaused    Kind = "update.paused"
	KindUpdateResumed   Kind = "update.resumed"
	KindUpdateCompleted Kind = "update.completed"
	KindUpdateCancelled Kind = "update.cancelled"
	KindUpdateError     Kind = "update.error"
	KindConnectivity    Kind = "network.connectivity"
)

// Event is one published occurrence. Payload is kind-specific and
// left as an opaque value so the bus itself stays agnostic of any
// particular component's data shape.
type Event struct {
	Kind    Kind
	GameUid string
	Payload interface{}
}

// Bus fans published events out to every currently-subscribed
// listener. A slow or blocked subscriber only ever affects its own
// channel; Publish never blocks on a full subscriber buffer, it drops
// for that subscriber instead, matching the "best-effort broadcast"
// contract the rest of the engine already uses for progress events.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int]chan Event
	nextID      int
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{subscribers: make(map[int]chan Event)}
}

// Subscribe registers a new listener with a bounded buffer and
// returns the channel plus an unsubscribe function.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	ch := make(chan Event, buffer)
	b.subscribers[id] = ch
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		if existing, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(existing)
		}
		b.mu.Unlock()
	}
	return ch, unsubscribe
}

// Publish broadcasts ev to every current subscriber, best-effort.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

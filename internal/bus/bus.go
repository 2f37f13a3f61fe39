// Package bus fans a session's normalized event stream out to every surface
// mirroring that session. Adapters keep independent render state, so the bus
// only guarantees per-session ordering, never shared accumulation.
package bus

import (
	"strings"
	"sync"

	"github.com/mbrandolli/tandem/internal/task"
)

const subscriberBuffer = 256

type Bus struct {
	mu          sync.Mutex
	subscribers map[string]map[int]chan task.Event
	nextSubID   int
}

func New() *Bus {
	return &Bus{
		subscribers: make(map[string]map[int]chan task.Event),
	}
}

// Subscribe registers a consumer for one session's events. The returned
// cancel func must be called to release the subscription.
func (b *Bus) Subscribe(sessionID string) (<-chan task.Event, func()) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		ch := make(chan task.Event)
		close(ch)
		return ch, func() {}
	}

	ch := make(chan task.Event, subscriberBuffer)
	b.mu.Lock()
	b.nextSubID++
	id := b.nextSubID
	if _, ok := b.subscribers[sessionID]; !ok {
		b.subscribers[sessionID] = make(map[int]chan task.Event)
	}
	b.subscribers[sessionID][id] = ch
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subscribers[sessionID]
		if subs == nil {
			return
		}
		if c, ok := subs[id]; ok {
			delete(subs, id)
			close(c)
		}
		if len(subs) == 0 {
			delete(b.subscribers, sessionID)
		}
	}
}

// Publish delivers an event to every subscriber of the session. Delivery is
// non-blocking: a subscriber that stopped draining its buffer loses events
// rather than stalling the executor loop.
func (b *Bus) Publish(sessionID string, ev task.Event) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subscribers[sessionID] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// SubscriberCount reports live subscriptions for a session.
func (b *Bus) SubscriberCount(sessionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers[sessionID])
}

// Package broadcast implements spec §4.8's broadcast fabric: a
// per-conversation hub that multiplexes events to subscribers over
// WebSocket or SSE indifferently. The hub holds no keys, no database
// handle, and executes no business logic beyond fan-out, per the spec's
// explicit contract.
package broadcast

import (
	"context"
	"sync"

	"vaultchat/internal/ports"
)

const subscriberBufferSize = 32

type subscriber struct {
	id string
	ch chan ports.BroadcastEvent
}

// Hub fans BroadcastEvents out to every live subscriber of one conversation.
// Mutex-guarded subscriber map and prune-dead-subscriber-on-write-failure
// are grounded on the teacher's `core.ConnPool` (map keyed by address).
// Publish holds the lock for the whole dispatch rather than only while
// copying the subscriber list; every send under it is non-blocking.
type Hub struct {
	mu          sync.Mutex
	subscribers map[string][]*subscriber // conversationID -> subscribers
}

// NewHub constructs an empty Hub.
func NewHub() *Hub {
	return &Hub{subscribers: make(map[string][]*subscriber)}
}

// Subscribe registers subscriberID for conversationID's events and returns
// a receive-only channel plus an unsubscribe function. The API layer
// (internal/wsapi, internal/httpapi's SSE handler) calls this only after
// verifying the connecting principal's membership, per spec §4.8's "the hub
// enforces a per-hub auth decision given membership state fed to it by the
// API layer at connect".
//
// ch is only ever closed while h.mu is held, and only by code that has just
// removed sub from the map under that same lock acquisition — Publish and
// unsubscribe never close a channel that a concurrent Publish could still be
// sending to, since Publish's send happens under the lock too.
func (h *Hub) Subscribe(conversationID, subscriberID string) (<-chan ports.BroadcastEvent, func()) {
	sub := &subscriber{id: subscriberID, ch: make(chan ports.BroadcastEvent, subscriberBufferSize)}

	h.mu.Lock()
	h.subscribers[conversationID] = append(h.subscribers[conversationID], sub)
	h.mu.Unlock()

	unsubscribe := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		list := h.subscribers[conversationID]
		for i, s := range list {
			if s == sub {
				h.subscribers[conversationID] = append(list[:i], list[i+1:]...)
				close(sub.ch)
				break
			}
		}
		if len(h.subscribers[conversationID]) == 0 {
			delete(h.subscribers, conversationID)
		}
	}
	return sub.ch, unsubscribe
}

// Publish fans event out to every subscriber of event.ConversationID. The
// whole snapshot-dispatch-prune sequence runs under h.mu, so a subscriber
// can never be closed (by unsubscribe or by Publish's own dead-subscriber
// prune below) while this or any other Publish call is sending to it: a
// send on a closed channel is always select-ready and would panic rather
// than fall through to default, so the two must never race. Each
// subscriber's channel is buffered and the send is non-blocking, so holding
// the lock across dispatch does not let one slow consumer stall another
// conversation's hub for longer than a handful of channel sends.
func (h *Hub) Publish(ctx context.Context, event ports.BroadcastEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	list := h.subscribers[event.ConversationID]
	live := list[:0]
	for _, sub := range list {
		select {
		case sub.ch <- event:
			live = append(live, sub)
		default:
			close(sub.ch)
		}
	}
	if len(live) == 0 {
		delete(h.subscribers, event.ConversationID)
	} else {
		h.subscribers[event.ConversationID] = live
	}
}

// SubscriberCount reports the number of live subscribers for a
// conversation, used by metrics.
func (h *Hub) SubscriberCount(conversationID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers[conversationID])
}

// ActiveConnections reports the total number of live subscribers across
// every conversation, satisfying internal/metrics.Sampler for the
// ws_active_connections gauge.
func (h *Hub) ActiveConnections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	total := 0
	for _, subs := range h.subscribers {
		total += len(subs)
	}
	return total
}

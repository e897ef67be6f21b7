// Package events fans document status changes out to live subscribers.
package events

import (
	"log/slog"
	"sync"

	"github.com/markdave123-py/contexta/internal/core"
)

const subscriberBuffer = 16

// Hub delivers each event to the subscribers of its document. Delivery never
// blocks the notifier: a subscriber whose buffer is full misses the event.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*subscription]struct{}
	log    *slog.Logger
	closed bool
}

type subscription struct {
	ch   chan core.DocumentEvent
	once sync.Once
}

var _ core.StatusNotifier = (*Hub)(nil)

func NewHub() *Hub {
	return &Hub{
		subs: make(map[string]map[*subscription]struct{}),
		log:  slog.With("component", "events"),
	}
}

// Subscribe returns a channel of events for documentID and a func that
// unsubscribes and closes the channel.
func (h *Hub) Subscribe(documentID string) (<-chan core.DocumentEvent, func()) {
	s := &subscription{ch: make(chan core.DocumentEvent, subscriberBuffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(s.ch)
		return s.ch, func() {}
	}
	if h.subs[documentID] == nil {
		h.subs[documentID] = make(map[*subscription]struct{})
	}
	h.subs[documentID][s] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if set, ok := h.subs[documentID]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(h.subs, documentID)
			}
		}
		h.mu.Unlock()
		s.once.Do(func() { close(s.ch) })
	}
	return s.ch, cancel
}

func (h *Hub) Notify(ev core.DocumentEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs[ev.DocumentID] {
		select {
		case s.ch <- ev:
		default:
			h.log.Warn("subscriber lagging, event dropped", "document_id", ev.DocumentID, "status", ev.Status)
		}
	}
}

// Subscribers counts the live subscriptions for documentID.
func (h *Hub) Subscribers(documentID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[documentID])
}

// Close ends every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, set := range h.subs {
		for s := range set {
			s.once.Do(func() { close(s.ch) })
		}
		delete(h.subs, id)
	}
}

// Package broadcast fans session state changes out to connected dashboards.
// Delivery is best-effort only: the hub is a freshness optimization, never a
// system of record. A reconnecting dashboard re-fetches current state from
// the API.
package broadcast

import (
	"sync"

	"fsas/internal/metrics"
)

const subscriberBuffer = 16

// Subscriber is one dashboard connection's view of its topics.
type Subscriber struct {
	topics []string
	ch     chan []byte
	once   sync.Once
}

// C returns the channel events arrive on. Closed on Unsubscribe or hub
// shutdown.
func (s *Subscriber) C() <-chan []byte { return s.ch }

func (s *Subscriber) close() {
	s.once.Do(func() { close(s.ch) })
}

// Hub routes published events to topic subscribers.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscriber]struct{}
	closed bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*Subscriber]struct{})}
}

// Subscribe registers a subscriber for the given topics.
func (h *Hub) Subscribe(topics ...string) *Subscriber {
	sub := &Subscriber{topics: topics, ch: make(chan []byte, subscriberBuffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		sub.close()
		return sub
	}
	for _, topic := range topics {
		set, ok := h.subs[topic]
		if !ok {
			set = make(map[*Subscriber]struct{})
			h.subs[topic] = set
		}
		set[sub] = struct{}{}
	}
	return sub
}

// Unsubscribe removes the subscriber and closes its channel.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, topic := range sub.topics {
		if set, ok := h.subs[topic]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(h.subs, topic)
			}
		}
	}
	sub.close()
}

// publish delivers data to every subscriber of topic. A full subscriber
// buffer drops the message; a slow dashboard never blocks a scan handler.
func (h *Hub) publish(topic string, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for sub := range h.subs[topic] {
		select {
		case sub.ch <- data:
			metrics.BroadcastMessages.Inc()
		default:
			metrics.BroadcastDropped.Inc()
		}
	}
}

// Close shuts the hub down and closes every subscriber channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	seen := make(map[*Subscriber]struct{})
	for _, set := range h.subs {
		for sub := range set {
			if _, dup := seen[sub]; !dup {
				seen[sub] = struct{}{}
				sub.close()
			}
		}
	}
	h.subs = make(map[string]map[*Subscriber]struct{})
}

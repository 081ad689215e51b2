package monitor

import (
	"sync"
)

// Hub tracks feed subscribers and fans events out to them.
// It uses a read-write mutex so publishing does not serialize behind joins.
type Hub struct {
	subs map[string]*subscriber
	mu   sync.RWMutex
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{
		subs: make(map[string]*subscriber),
	}
}

func (h *Hub) add(s *subscriber) {
	h.mu.Lock()
	h.subs[s.ID] = s
	h.mu.Unlock()
}

func (h *Hub) remove(id string) {
	h.mu.Lock()
	delete(h.subs, id)
	h.mu.Unlock()
}

// Count returns the number of subscribers
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Publish queues ev for every subscriber and returns how many accepted it.
// It never blocks on a slow subscriber.
func (h *Hub) Publish(ev *Event) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	sent := 0
	for _, s := range h.subs {
		if s.Send(ev) {
			sent++
		}
	}
	return sent
}

// CloseAll disconnects every subscriber
func (h *Hub) CloseAll() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[string]*subscriber)
	h.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
}

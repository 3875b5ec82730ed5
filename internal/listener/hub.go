package listener

import "sync"

// Hub fans events out to every attached dispatcher.
type Hub struct {
	mu          sync.RWMutex
	dispatchers map[*Dispatcher]bool
	published   uint64
	delivered   uint64
}

func NewHub() *Hub {
	return &Hub{dispatchers: make(map[*Dispatcher]bool)}
}

func (h *Hub) Attach(d *Dispatcher) {
	h.mu.Lock()
	h.dispatchers[d] = true
	h.mu.Unlock()
}

func (h *Hub) Detach(d *Dispatcher) {
	h.mu.Lock()
	delete(h.dispatchers, d)
	h.mu.Unlock()
}

// Publish delivers ev to all attached dispatchers and returns how many of
// them had a matching listener.
func (h *Hub) Publish(ev Event) int {
	h.mu.RLock()
	targets := make([]*Dispatcher, 0, len(h.dispatchers))
	for d := range h.dispatchers {
		targets = append(targets, d)
	}
	h.mu.RUnlock()

	n := 0
	for _, d := range targets {
		if d.Deliver(ev) {
			n++
		}
	}

	h.mu.Lock()
	h.published++
	h.delivered += uint64(n)
	h.mu.Unlock()
	return n
}

type HubStats struct {
	Dispatchers int    `json:"dispatchers"`
	Published   uint64 `json:"published"`
	Delivered   uint64 `json:"delivered"`
}

func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return HubStats{
		Dispatchers: len(h.dispatchers),
		Published:   h.published,
		Delivered:   h.delivered,
	}
}

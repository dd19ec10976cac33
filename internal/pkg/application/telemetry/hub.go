package telemetry

import (
	"sync"

	"github.com/diwise/integration-compression/domain"
)

const subscriberBacklog int = 32

// Hub fans accepted readings out to live observers. A subscriber that falls
// behind loses readings; Publish never blocks the ingestion path.
type Hub struct {
	mu          sync.RWMutex
	nextID      int
	subscribers map[int]chan domain.Reading
}

func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[int]chan domain.Reading),
	}
}

// Subscribe registers a new observer. The returned func unregisters it and
// closes the channel; calling it more than once is harmless.
func (h *Hub) Subscribe() (<-chan domain.Reading, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++

	ch := make(chan domain.Reading, subscriberBacklog)
	h.subscribers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()

			if c, ok := h.subscribers[id]; ok {
				delete(h.subscribers, id)
				close(c)
			}
		})
	}
}

func (h *Hub) Publish(r domain.Reading) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, ch := range h.subscribers {
		select {
		case ch <- r:
		default:
		}
	}
}

func (h *Hub) subscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Close unregisters and closes every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, ch := range h.subscribers {
		delete(h.subscribers, id)
		close(ch)
	}
}

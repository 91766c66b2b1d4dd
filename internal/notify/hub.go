// Package notify fans AI request updates out to live watchers.
package notify

import (
	"log/slog"
	"sync"

	"github.com/logen-app/logen/internal/domain"
)

// Hub tracks watchers per AI request. Each watcher gets a channel that
// holds at most the latest undelivered update.
type Hub struct {
	mu     sync.RWMutex
	nextID uint64
	active map[string]map[uint64]chan *domain.AIRequest
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{active: make(map[string]map[uint64]chan *domain.AIRequest)}
}

// Subscribe registers a watcher for requestID. The returned cancel func
// unregisters it and closes the channel; it is safe to call twice.
func (h *Hub) Subscribe(requestID string) (<-chan *domain.AIRequest, func()) {
	ch := make(chan *domain.AIRequest, 1)

	h.mu.Lock()
	h.nextID++
	id := h.nextID
	if _, exists := h.active[requestID]; !exists {
		h.active[requestID] = make(map[uint64]chan *domain.AIRequest)
	}
	h.active[requestID][id] = ch
	h.mu.Unlock()
	slog.Debug("AI request watcher registered", "request_id", requestID, "watcher", id)

	var once sync.Once
	return ch, func() {
		once.Do(func() { h.unsubscribe(requestID, id) })
	}
}

func (h *Hub) unsubscribe(requestID string, id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	watchers, ok := h.active[requestID]
	if !ok {
		return
	}
	if ch, exists := watchers[id]; exists {
		close(ch)
		delete(watchers, id)
		if len(watchers) == 0 {
			delete(h.active, requestID)
		}
		slog.Debug("AI request watcher unregistered", "request_id", requestID, "watcher", id)
	}
}

// Publish delivers req to every watcher of req.ID without blocking.
// A slow watcher only ever sees the most recent state.
func (h *Hub) Publish(req *domain.AIRequest) {
	if req == nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, ch := range h.active[req.ID] {
		for {
			select {
			case ch <- req:
			default:
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
}

// Watchers returns the number of watchers for requestID.
func (h *Hub) Watchers(requestID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.active[requestID])
}

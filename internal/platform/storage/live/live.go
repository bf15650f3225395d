// Package live provides in-process change signaling for store watch queries.
//
// SQLite has no change feed, so each store broadcasts a signal after every
// committed write and watchers re-run their query to produce the next
// snapshot. Signals are coalescing: a watcher that is behind sees at most one
// pending signal and re-queries once, so every delivered snapshot reflects a
// superset of the changes covered by the previous one.
package live

import (
	"context"
	"sync"
)

// Hub fans out change signals to query watchers.
type Hub struct {
	mu   sync.Mutex
	subs map[int]chan struct{}
	next int
}

// NewHub creates an empty change-signal hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan struct{})}
}

// Subscribe registers a signal channel that is closed and removed when ctx
// ends. The channel has capacity one; pending signals coalesce.
func (h *Hub) Subscribe(ctx context.Context) <-chan struct{} {
	signals := make(chan struct{}, 1)
	if ctx == nil {
		ctx = context.Background()
	}

	h.mu.Lock()
	key := h.next
	h.next++
	h.subs[key] = signals
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		if current, ok := h.subs[key]; ok && current == signals {
			delete(h.subs, key)
			close(signals)
		}
		h.mu.Unlock()
	}()

	return signals
}

// Broadcast signals every subscriber without blocking. Subscribers with a
// pending signal are skipped; they will re-query once and observe this change.
func (h *Hub) Broadcast() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, signals := range h.subs {
		select {
		case signals <- struct{}{}:
		default:
		}
	}
}

// PushLatest delivers value on a capacity-one channel, replacing any
// undelivered previous value. Only a single producer may use a channel with
// PushLatest; the consumer always observes the latest snapshot.
func PushLatest[T any](updates chan T, value T) {
	for {
		select {
		case updates <- value:
			return
		default:
		}
		select {
		case <-updates:
		default:
		}
	}
}

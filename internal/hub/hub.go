package hub

import (
	"maps"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/jenilv-icpl/slips-sdk/internal/model"
)

const subscriberBuffer = 1024

// Hub fans alerts out to every subscriber. Its Publish method is meant to
// be used as a monitor handler, so it never blocks on a slow consumer.
type Hub struct {
	mu          sync.RWMutex
	subscribers []chan model.Alert
	closed      bool
	dropped     atomic.Int64
}

// New creates an empty Hub.
func New() *Hub {
	return &Hub{}
}

// Subscribe returns a buffered channel that receives every published alert.
// The channel is closed by Close.
func (h *Hub) Subscribe() <-chan model.Alert {
	ch := make(chan model.Alert, subscriberBuffer)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch
	}
	h.subscribers = append(h.subscribers, ch)
	return ch
}

// Dropped returns the number of deliveries skipped because a subscriber's
// buffer was full.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Publish sends alert to all subscribers. A full subscriber misses it.
// Each subscriber gets its own copy of the top-level map; nested values
// such as Note and CorrelID are shared and must be treated as read-only.
func (h *Hub) Publish(alert model.Alert) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}

	for _, ch := range h.subscribers {
		select {
		case ch <- maps.Clone(alert):
		default:
			n := h.dropped.Add(1)
			log.Warn().Int64("total_dropped", n).Str("id", alert.ID()).Msg("hub: dropped alert for slow consumer")
		}
	}
}

// Close closes all subscriber channels. Later publishes are ignored.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, ch := range h.subscribers {
		close(ch)
	}
	h.subscribers = nil
}

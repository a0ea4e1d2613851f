package tracker

import (
	"log/slog"
	"sync"

	"github.com/InsulaLabs/lantorrent/pkg/models"
)

const subscriberBufferSize = 256

type hub struct {
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[chan models.TrackedRequest]struct{}
	closed bool
}

func newHub(logger *slog.Logger) *hub {
	return &hub{
		logger: logger,
		subs:   make(map[chan models.TrackedRequest]struct{}),
	}
}

// Subscribe returns a feed of request snapshots, one per state change, and a
// function that ends the subscription. A subscriber that falls behind misses
// snapshots rather than holding up the tracker. The channel is closed when the
// subscription ends or the tracker closes.
func (t *Tracker) Subscribe() (<-chan models.TrackedRequest, func()) {
	return t.hub.subscribe()
}

func (h *hub) subscribe() (<-chan models.TrackedRequest, func()) {
	ch := make(chan models.TrackedRequest, subscriberBufferSize)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	h.subs[ch] = struct{}{}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := h.subs[ch]; ok {
				delete(h.subs, ch)
				close(ch)
			}
		})
	}
}

func (h *hub) publish(rec models.TrackedRequest) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- rec:
		default:
			h.logger.Warn("subscriber channel full, event dropped", "request_id", rec.RequestID)
		}
	}
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.subs {
		close(ch)
	}
	h.subs = make(map[chan models.TrackedRequest]struct{})
}

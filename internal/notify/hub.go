package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/hetangai/generation-engine/internal/observability"
)

const (
	// subscriberBuffer absorbs bursts; a subscriber that falls further
	// behind loses events rather than stalling the engines.
	subscriberBuffer = 32

	heartbeatInterval = 15 * time.Second
)

// Hub is the in-process event broker. Every subscriber receives every event;
// the "channel" field tells image and video traffic apart.
type Hub struct {
	logger *observability.Logger

	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
}

// NewHub creates an empty hub.
func NewHub(logger *observability.Logger) *Hub {
	return &Hub{
		logger: logger.WithComponent("notify"),
		subs:   make(map[int]chan Event),
	}
}

// Publish fans the event out to every subscriber. Sends never block: a full
// subscriber drops the event.
func (h *Hub) Publish(_ context.Context, channel string, event Event) error {
	event["channel"] = channel

	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		select {
		case ch <- event:
		default:
			h.logger.Debug().Int("subscriber", id).Msg("slow subscriber, event dropped")
		}
	}
	return nil
}

// Subscribe registers a listener. The returned cancel func must be called
// exactly once; afterwards the channel is closed.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

// SubscriberCount returns how many listeners are attached.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// ServeHTTP streams hub events to the client as server-sent events until the
// client disconnects. An optional channel query parameter filters the feed to
// one media kind.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wantChannel := r.URL.Query().Get("channel")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events, cancel := h.Subscribe()
	defer cancel()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case event := <-events:
			if wantChannel != "" && event["channel"] != wantChannel {
				continue
			}
			payload, err := json.Marshal(event)
			if err != nil {
				h.logger.Warn().Err(err).Msg("event marshal failed")
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

package handlers

import (
	"fmt"
	"net/http"
	"sync"
	"time"
)

const keepaliveInterval = 25 * time.Second

// EventHub fans owner-key change notifications out to SSE subscribers.
// Events are coarse-grained pings; observers refetch the authoritative
// collection themselves.
type EventHub struct {
	mu   sync.Mutex
	subs map[string]map[chan struct{}]struct{}
}

// NewEventHub creates an empty hub.
func NewEventHub() *EventHub {
	return &EventHub{subs: map[string]map[chan struct{}]struct{}{}}
}

// Subscribe registers a listener for the owner key. The returned cancel
// func must be called to release the subscription.
func (h *EventHub) Subscribe(ownerKey string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	h.mu.Lock()
	if h.subs[ownerKey] == nil {
		h.subs[ownerKey] = map[chan struct{}]struct{}{}
	}
	h.subs[ownerKey][ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if set, ok := h.subs[ownerKey]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(h.subs, ownerKey)
			}
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// Broadcast pings every subscriber of the owner key. Sends are
// non-blocking; a subscriber that already has a pending ping needs no
// second one.
func (h *EventHub) Broadcast(ownerKey string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[ownerKey] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// SubscriberCount reports the number of active subscribers for a key.
func (h *EventHub) SubscriberCount(ownerKey string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[ownerKey])
}

// CollectionEvents streams change pings for an owner key as server-sent
// events. The payload carries no data; clients refetch the collection on
// every ping.
func (a *App) CollectionEvents(w http.ResponseWriter, r *http.Request) {
	ownerKey := r.URL.Query().Get("ownerKey")
	if ownerKey == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "ownerKey required")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		a.error(w, http.StatusInternalServerError, "internal", "streaming unsupported")
		return
	}

	events, cancel := a.Hub.Subscribe(ownerKey)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-events:
			_, _ = fmt.Fprint(w, "event: change\ndata: {}\n\n")
			flusher.Flush()
		case <-keepalive.C:
			_, _ = fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

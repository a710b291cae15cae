// Package telemetry buffers opaque telemetry entries and streams them to
// server-sent-event clients: buffered replay on connect, live pushes after,
// and a periodic keepalive comment.
package telemetry

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const (
	bufferCapacity    = 100
	clientBufSize     = 32
	keepaliveInterval = 30 * time.Second
)

// Hub owns the ring buffer and the connected streams.
type Hub struct {
	logger    *slog.Logger
	keepalive time.Duration

	mu      sync.Mutex
	buffer  []json.RawMessage
	clients map[chan json.RawMessage]struct{}
}

// NewHub creates a telemetry hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:    logger.With("component", "telemetry"),
		keepalive: keepaliveInterval,
		clients:   make(map[chan json.RawMessage]struct{}),
	}
}

// Publish appends an entry to the ring buffer (FIFO eviction at capacity)
// and fans it out to every connected stream. Slow streams drop entries.
func (h *Hub) Publish(entry json.RawMessage) {
	h.mu.Lock()
	h.buffer = append(h.buffer, entry)
	if len(h.buffer) > bufferCapacity {
		h.buffer = h.buffer[len(h.buffer)-bufferCapacity:]
	}
	chans := make([]chan json.RawMessage, 0, len(h.clients))
	for ch := range h.clients {
		chans = append(chans, ch)
	}
	h.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- entry:
		default:
		}
	}
}

// Buffered returns a copy of the ring buffer, oldest first.
func (h *Hub) Buffered() []json.RawMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]json.RawMessage, len(h.buffer))
	copy(out, h.buffer)
	return out
}

// ClientCount returns the number of connected streams.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeStream handles one SSE connection: replays the buffer, then relays
// live entries until the client goes away or a write fails.
func (h *Hub) ServeStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := make(chan json.RawMessage, clientBufSize)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	replay := make([]json.RawMessage, len(h.buffer))
	copy(replay, h.buffer)
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, ch)
		h.mu.Unlock()
	}()

	for _, entry := range replay {
		if _, err := fmt.Fprintf(w, "data: %s\n\n", entry); err != nil {
			return
		}
	}
	flusher.Flush()

	ticker := time.NewTicker(h.keepalive)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case entry := <-ch:
			if _, err := fmt.Fprintf(w, "data: %s\n\n", entry); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprintf(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

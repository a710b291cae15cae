// Package hub fans out store, presence, and history events to connected
// WebSocket peers. Delivery is best-effort, at-most-once: a failed write
// never aborts the fan-out and there is no per-peer queue.
package hub

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/fortistate/inspector/internal/protocol"
	"github.com/fortistate/inspector/internal/store"
)

const historyCapacity = 200

// Peer is one connected WebSocket client. The write mutex serializes frames
// onto the connection.
type Peer struct {
	ID   string
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
}

// Send writes one JSON frame to the peer. Errors are returned for the
// caller's bookkeeping but peers are never removed mid-broadcast.
func (p *Peer) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return websocket.ErrCloseSent
	}
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

// Terminate forcefully closes the underlying connection.
func (p *Peer) Terminate() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	_ = p.conn.Close()
}

// Hub tracks peers, bridges store subscriptions onto the wire, and owns the
// history ring buffer.
type Hub struct {
	logger *slog.Logger

	mu      sync.Mutex
	peers   map[string]*Peer
	history []map[string]any
	unsubs  []func()
}

// New creates an empty hub.
func New(logger *slog.Logger) *Hub {
	return &Hub{
		logger: logger.With("component", "hub"),
		peers:  make(map[string]*Peer),
	}
}

// Bind subscribes the hub to the factory's global create/change streams so
// that every primitive mutation reaches every peer. The subscriptions are
// released by Close.
func (h *Hub) Bind(f *store.Factory) {
	unsubCreate := f.SubscribeCreate(func(key string, initial store.Value) {
		h.Broadcast(protocol.NewStoreCreate(key, initial))
	})
	unsubChange := f.SubscribeChange(func(key string, value store.Value) {
		h.Broadcast(protocol.NewStoreChange(key, value))
	})

	h.mu.Lock()
	h.unsubs = append(h.unsubs, unsubCreate, unsubChange)
	h.mu.Unlock()
}

// Add registers a connection and returns its peer handle.
func (h *Hub) Add(conn *websocket.Conn) *Peer {
	p := &Peer{ID: uuid.NewString(), conn: conn}
	h.mu.Lock()
	h.peers[p.ID] = p
	h.mu.Unlock()
	return p
}

// Remove forgets a peer.
func (h *Hub) Remove(id string) {
	h.mu.Lock()
	delete(h.peers, id)
	h.mu.Unlock()
}

// Count returns the number of connected peers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}

// Broadcast sends a frame to every peer. Per-peer send failures are
// swallowed.
func (h *Hub) Broadcast(v any) {
	h.broadcastExcept("", v)
}

// BroadcastExcept sends a frame to every peer but one.
func (h *Hub) BroadcastExcept(excludeID string, v any) {
	h.broadcastExcept(excludeID, v)
}

func (h *Hub) broadcastExcept(excludeID string, v any) {
	h.mu.Lock()
	peers := make([]*Peer, 0, len(h.peers))
	for id, p := range h.peers {
		if id == excludeID {
			continue
		}
		peers = append(peers, p)
	}
	h.mu.Unlock()

	for _, p := range peers {
		if err := p.Send(v); err != nil {
			h.logger.Debug("broadcast send failed", "peer", p.ID, "error", err)
		}
	}
}

// Send delivers a frame to a single peer by id.
func (h *Hub) Send(id string, v any) {
	h.mu.Lock()
	p := h.peers[id]
	h.mu.Unlock()
	if p == nil {
		return
	}
	if err := p.Send(v); err != nil {
		h.logger.Debug("send failed", "peer", id, "error", err)
	}
}

// AppendHistory records an action in the ring buffer and broadcasts a
// history:add frame. The action and timestamp are merged with any details.
func (h *Hub) AppendHistory(action string, details map[string]any) {
	entry := make(map[string]any, len(details)+2)
	for k, v := range details {
		entry[k] = v
	}
	entry["action"] = action
	entry["ts"] = time.Now().UnixMilli()

	h.mu.Lock()
	h.history = append(h.history, entry)
	if len(h.history) > historyCapacity {
		h.history = h.history[len(h.history)-historyCapacity:]
	}
	h.mu.Unlock()

	h.Broadcast(protocol.NewHistoryAdd(entry))
}

// History returns a copy of the ring buffer contents, oldest first.
func (h *Hub) History() []map[string]any {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]map[string]any, len(h.history))
	copy(out, h.history)
	return out
}

// Close releases store subscriptions and forcefully terminates every peer.
func (h *Hub) Close() {
	h.mu.Lock()
	unsubs := h.unsubs
	h.unsubs = nil
	peers := make([]*Peer, 0, len(h.peers))
	for _, p := range h.peers {
		peers = append(peers, p)
	}
	h.peers = make(map[string]*Peer)
	h.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	for _, p := range peers {
		p.Terminate()
	}
}

// Package protocol defines the JSON frames exchanged between the inspector
// server and its WebSocket peers. Unlike an enveloped protocol, every frame
// is a flat object whose "type" field determines the remaining shape.
package protocol

import "encoding/json"

// Frame types, server → client.
const (
	TypeHello          = "hello"
	TypeSnapshot       = "snapshot"
	TypeStoreCreate    = "store:create"
	TypeStoreChange    = "store:change"
	TypeStoreDuplicate = "store:duplicate"
	TypeHistoryAdd     = "history:add"
	TypePresenceInit   = "presence:init"
	TypePresenceJoin   = "presence:join"
	TypePresenceUpdate = "presence:update"
	TypePresenceLeave  = "presence:leave"
)

// Frame types, client → server. A bare text payload of "req:snapshot" is
// also accepted as a snapshot request.
const (
	TypePresencePing = "presence:ping"
	ReqSnapshot      = "req:snapshot"
)

// Close codes for denied upgrades.
const (
	CloseUnauthorized = 4401
	CloseForbidden    = 4403
)

// Hello greets a newly accepted peer.
type Hello struct {
	Type    string `json:"type"`
	Version int    `json:"version"`
}

// NewHello builds the protocol greeting.
func NewHello() Hello { return Hello{Type: TypeHello, Version: 1} }

// Snapshot carries the merged view of every store.
type Snapshot struct {
	Type   string                     `json:"type"`
	Stores map[string]json.RawMessage `json:"stores"`
}

// NewSnapshot builds a snapshot frame.
func NewSnapshot(stores map[string]json.RawMessage) Snapshot {
	return Snapshot{Type: TypeSnapshot, Stores: stores}
}

// StoreCreate announces a newly registered store.
type StoreCreate struct {
	Type    string          `json:"type"`
	Key     string          `json:"key"`
	Initial json.RawMessage `json:"initial"`
}

// NewStoreCreate builds a store:create frame.
func NewStoreCreate(key string, initial json.RawMessage) StoreCreate {
	return StoreCreate{Type: TypeStoreCreate, Key: key, Initial: initial}
}

// StoreChange announces a value change. A null value signals removal.
type StoreChange struct {
	Type  string          `json:"type"`
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// NewStoreChange builds a store:change frame.
func NewStoreChange(key string, value json.RawMessage) StoreChange {
	return StoreChange{Type: TypeStoreChange, Key: key, Value: value}
}

// StoreDuplicate announces a store duplication.
type StoreDuplicate struct {
	Type      string `json:"type"`
	SourceKey string `json:"sourceKey"`
	DestKey   string `json:"destKey"`
}

// NewStoreDuplicate builds a store:duplicate frame.
func NewStoreDuplicate(source, dest string) StoreDuplicate {
	return StoreDuplicate{Type: TypeStoreDuplicate, SourceKey: source, DestKey: dest}
}

// HistoryAdd announces an appended history entry.
type HistoryAdd struct {
	Type  string         `json:"type"`
	Entry map[string]any `json:"entry"`
}

// NewHistoryAdd builds a history:add frame.
func NewHistoryAdd(entry map[string]any) HistoryAdd {
	return HistoryAdd{Type: TypeHistoryAdd, Entry: entry}
}

// PresenceInit seeds a new peer with the current roster.
type PresenceInit struct {
	Type  string `json:"type"`
	Users []any  `json:"users"`
}

// PresenceJoin announces a new peer to everyone else.
type PresenceJoin struct {
	Type string `json:"type"`
	User any    `json:"user"`
}

// PresenceUpdate announces a focus change.
type PresenceUpdate struct {
	Type        string  `json:"type"`
	SessionID   string  `json:"sessionId"`
	ActiveStore *string `json:"activeStore"`
	CursorPath  []any   `json:"cursorPath"`
}

// PresenceLeave announces a departure.
type PresenceLeave struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// ClientMessage is the parsed form of an inbound JSON frame. The focus fields
// stay raw so an absent key can be told apart from an explicit null.
type ClientMessage struct {
	Type        string          `json:"type"`
	ActiveStore json.RawMessage `json:"activeStore,omitempty"`
	CursorPath  json.RawMessage `json:"cursorPath,omitempty"`
}

// Package monitor exposes a rendezvous server over HTTP: health and stats
// endpoints plus a WebSocket feed of registrations and lookups.
package monitor

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/saintparish4/burrow/internal/registry"
	"github.com/saintparish4/burrow/pkg/nat"
	"github.com/saintparish4/burrow/pkg/types"
)

// EventType identifies the type of feed event
type EventType string

const (
	EventTypeSnapshot   EventType = "SNAPSHOT"   // Sent once to each new subscriber
	EventTypeRegistered EventType = "REGISTERED" // A peer registered on one listener
	EventTypeLookup     EventType = "LOOKUP"     // A peer looked another one up
	EventTypeError      EventType = "ERROR"      // Error notice
)

// Event is the envelope for everything sent on the feed
type Event struct {
	Type      EventType       `json:"type"`
	PeerID    types.PeerID    `json:"peer_id,omitempty"`
	TargetID  types.PeerID    `json:"target_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// NewEvent creates a new event with the current timestamp
func NewEvent(t EventType) *Event {
	return &Event{
		Type:      t,
		Timestamp: time.Now().UnixMilli(),
	}
}

// WithPeerID sets the peer ID and returns the event for chaining
func (e *Event) WithPeerID(id types.PeerID) *Event {
	e.PeerID = id
	return e
}

// WithTargetID sets the target peer ID and returns the event for chaining
func (e *Event) WithTargetID(id types.PeerID) *Event {
	e.TargetID = id
	return e
}

// WithPayload sets the payload from any serializable value
func (e *Event) WithPayload(v any) *Event {
	data, err := json.Marshal(v)
	if err != nil {
		e.Payload = json.RawMessage(fmt.Sprintf(`{"error":%q}`, "marshal failed: "+err.Error()))
		return e
	}
	e.Payload = data
	return e
}

// ParsePayload unmarshals the event payload into v
func (e *Event) ParsePayload(v any) error {
	if e.Payload == nil {
		return fmt.Errorf("event has no payload")
	}
	return json.Unmarshal(e.Payload, v)
}

// --- Payload Types ---

// PeerInfo describes one registry entry
type PeerInfo struct {
	PeerID    types.PeerID   `json:"peer_id"`
	Primary   types.Endpoint `json:"primary"`
	Secondary types.Endpoint `json:"secondary"`
	NAT       string         `json:"nat"`
	LastSeen  int64          `json:"last_seen"`
}

// NewPeerInfo converts a registry entry
func NewPeerInfo(e registry.Entry) PeerInfo {
	return PeerInfo{
		PeerID:    e.ID,
		Primary:   e.Primary,
		Secondary: e.Secondary,
		NAT:       nat.Classify(e.Primary, e.Secondary).String(),
		LastSeen:  e.LastSeen.UnixMilli(),
	}
}

// RegisteredPayload is sent with REGISTERED events
type RegisteredPayload struct {
	Listener string   `json:"listener"`
	Peer     PeerInfo `json:"peer"`
}

// LookupPayload is sent with LOOKUP events
type LookupPayload struct {
	Found bool `json:"found"`
}

// SnapshotPayload is sent with SNAPSHOT events
type SnapshotPayload struct {
	Peers []PeerInfo `json:"peers"`
}

// Package events defines the event types published on the voxelnet event bus.
package events

import "time"

// EventType represents the type of event emitted through the EventBus.
type EventType string

const (
	// Connection events
	EventPeerConnected    EventType = "peer_connected"
	EventPeerDisconnected EventType = "peer_disconnected"
	EventPeerRejected     EventType = "peer_rejected"

	// Session events
	EventLogin       EventType = "login"
	EventLoginFailed EventType = "login_failed"
	EventChat        EventType = "chat"
	EventWorldEdit   EventType = "world_edit"

	// System events
	EventWorldSaved    EventType = "world_saved"
	EventConfigChanged EventType = "config_changed"
	EventStats         EventType = "stats"
	EventShutdown      EventType = "shutdown"
)

// PeerState is the position of a connection in its lifecycle.
type PeerState int

const (
	PeerConnecting PeerState = iota
	PeerAuthenticated
	PeerClosed
)

var peerStateStrings = map[PeerState]string{
	PeerConnecting:    "connecting",
	PeerAuthenticated: "authenticated",
	PeerClosed:        "closed",
}

// String returns the string representation of PeerState.
func (s PeerState) String() string {
	if str, ok := peerStateStrings[s]; ok {
		return str
	}
	return "unknown"
}

// MarshalJSON serializes PeerState as a JSON string (e.g. "connecting").
func (s PeerState) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// Event represents a single event in the system.
type Event struct {
	Type    EventType
	Source  string
	Time    time.Time // set by Emit when zero
	Payload interface{}
}

// PeerPayload describes a connection lifecycle change.
type PeerPayload struct {
	PeerID uint64 `json:"peer_id"`
	Handle int    `json:"handle"`
	Remote string `json:"remote"`
	User   string `json:"user,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// ChatPayload is emitted for every relayed chat line.
type ChatPayload struct {
	From      uint64 `json:"from"`
	Recipient uint16 `json:"recipient"`
	Text      string `json:"text"`
}

// WorldEditPayload is emitted after a block edit was applied.
type WorldEditPayload struct {
	PeerID uint64 `json:"peer_id"`
	User   string `json:"user"`
	X      uint16 `json:"x"`
	Y      uint16 `json:"y"`
	Z      uint16 `json:"z"`
	Block  uint16 `json:"block"`
}

// StatsPayload is a periodic snapshot of server activity.
type StatsPayload struct {
	Peers      int           `json:"peers"`
	Queued     int           `json:"queued"`
	Blocks     int           `json:"blocks"`
	Uptime     time.Duration `json:"uptime"`
	Goroutines int           `json:"goroutines"`
}

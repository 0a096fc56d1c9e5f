package models

import "time"

/*** Connection state ***/

type ConnectionStatus string

const (
	StatusIdle         ConnectionStatus = "idle"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusDisconnected ConnectionStatus = "disconnected"
)

/*** Presence ***/

// Identity describes the participant behind a presence record. Empty fields
// are left unset by SetUser merges.
type Identity struct {
	ID     string `cbor:"id,omitempty" json:"id,omitempty"`
	Name   string `cbor:"name,omitempty" json:"name,omitempty"`
	Color  string `cbor:"color,omitempty" json:"color,omitempty"`
	Avatar string `cbor:"avatar,omitempty" json:"avatar,omitempty"`
}

type Cursor struct {
	X float64 `cbor:"x" json:"x"`
	Y float64 `cbor:"y" json:"y"`
}

type Selection struct {
	Start int `cbor:"start" json:"start"`
	End   int `cbor:"end" json:"end"`
}

// PresenceRecord is one participant's ephemeral presence. ClientID and Slot
// are filled in from the peer-state channel and never travel inside the
// payload.
type PresenceRecord struct {
	ClientID  string     `cbor:"-" json:"clientId"`
	Slot      string     `cbor:"-" json:"slot,omitempty"`
	Identity  *Identity  `cbor:"user,omitempty" json:"user,omitempty"`
	Cursor    *Cursor    `cbor:"cursor,omitempty" json:"cursor,omitempty"`
	Selection *Selection `cbor:"selection,omitempty" json:"selection,omitempty"`
	LastSeen  time.Time  `cbor:"lastSeen" json:"lastSeen"`
}

/*** Wire frames ***/

type FrameType string

const (
	// FrameHello announces a replica joining; payload is its full document.
	FrameHello FrameType = "hello"
	// FrameState answers a hello; payload is the sender's full document.
	FrameState FrameType = "state"
	// FrameUpdate carries incremental changes.
	FrameUpdate FrameType = "update"
	// FrameAwareness carries an encoded presence record. An empty payload
	// removes the sender's record.
	FrameAwareness FrameType = "awareness"
	// FrameBye tells peers the sender left.
	FrameBye FrameType = "bye"
)

// Frame is the envelope exchanged between replicas. An empty To means
// broadcast.
type Frame struct {
	Type    FrameType `cbor:"t"`
	Room    string    `cbor:"r"`
	From    string    `cbor:"f"`
	To      string    `cbor:"to,omitempty"`
	Payload []byte    `cbor:"p,omitempty"`
}

/*** Relay ***/

type RoomSummary struct {
	Room      string    `json:"room"`
	Clients   int       `json:"clients"`
	Peers     []string  `json:"peers"`
	Bytes     int       `json:"bytes"`
	Dirty     bool      `json:"dirty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type HubStats struct {
	Rooms   int `json:"rooms"`
	Clients int `json:"clients"`
}

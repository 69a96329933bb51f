package protocol

import "encoding/json"

// Outbound frames are dedicated shapes rather than the inbound envelope:
// relayed frames replace the sender-supplied addressing (to/toRole) with a
// hub-assigned from, and the roster frame must serialize items and
// lastMeasuredPing explicitly even when empty or null.

// Joined acknowledges a join and carries the hub-assigned session id.
type Joined struct {
	Type Type   `json:"type"`
	ID   string `json:"id"`
}

func NewJoined(id string) Joined {
	return Joined{Type: TypeJoined, ID: id}
}

// Pong echoes a ping timestamp verbatim; round-trip latency is measured
// entirely by the caller.
type Pong struct {
	Type Type            `json:"type"`
	TS   json.RawMessage `json:"ts"`
}

func NewPong(ts json.RawMessage) Pong {
	return Pong{Type: TypePong, TS: ts}
}

// UploadAck is the one-hop reply to an upload_probe.
type UploadAck struct {
	Type Type            `json:"type"`
	Size json.RawMessage `json:"size"`
	TS   json.RawMessage `json:"ts"`
}

func NewUploadAck(size, ts json.RawMessage) UploadAck {
	return UploadAck{Type: TypeUploadAck, Size: size, TS: ts}
}

// RosterEntry is one client in a clients broadcast. LastMeasuredPing is null
// until the client's first netupdate; LastSeenAt is Unix milliseconds.
type RosterEntry struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	BrowserLabel     string   `json:"browserLabel"`
	OSLabel          string   `json:"osLabel"`
	LastMeasuredPing *float64 `json:"lastMeasuredPing"`
	LastSeenAt       int64    `json:"lastSeenAt"`
}

// Clients is the full roster snapshot pushed to every technician. The
// payload is always complete, never a diff, so a missed broadcast is
// repaired by the next one.
type Clients struct {
	Type  Type          `json:"type"`
	Items []RosterEntry `json:"items"`
}

func NewClients(items []RosterEntry) Clients {
	if items == nil {
		items = []RosterEntry{}
	}
	return Clients{Type: TypeClients, Items: items}
}

// RelayedSDP is an offer or answer re-emitted to its addressed peer with
// from set to the sender's session id. The sdp payload is opaque to the hub.
type RelayedSDP struct {
	Type Type            `json:"type"`
	From string          `json:"from"`
	SDP  json.RawMessage `json:"sdp"`
}

func NewRelayedSDP(t Type, from string, sdp json.RawMessage) RelayedSDP {
	return RelayedSDP{Type: t, From: from, SDP: sdp}
}

// RelayedCandidate is a connectivity hint re-emitted to its addressed peer.
type RelayedCandidate struct {
	Type      Type            `json:"type"`
	From      string          `json:"from"`
	Candidate json.RawMessage `json:"candidate"`
}

func NewRelayedCandidate(from string, candidate json.RawMessage) RelayedCandidate {
	return RelayedCandidate{Type: TypeCandidate, From: from, Candidate: candidate}
}

// RelayedControl toggles remote control on the addressed client.
type RelayedControl struct {
	Type   Type   `json:"type"`
	From   string `json:"from"`
	Enable bool   `json:"enable"`
}

func NewRelayedControl(from string, enable bool) RelayedControl {
	return RelayedControl{Type: TypeRequestControl, From: from, Enable: enable}
}

// RelayedQuality switches the addressed client's stream quality tier.
type RelayedQuality struct {
	Type Type   `json:"type"`
	From string `json:"from"`
	Mode string `json:"mode"`
}

func NewRelayedQuality(from, mode string) RelayedQuality {
	return RelayedQuality{Type: TypeSetQuality, From: from, Mode: mode}
}

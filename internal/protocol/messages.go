package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Type identifies a signaling frame.
type Type string

const (
	// Peer to hub.
	TypeJoin           Type = "join"
	TypePing           Type = "ping"
	TypeNetUpdate      Type = "netupdate"
	TypeOffer          Type = "offer"
	TypeAnswer         Type = "answer"
	TypeCandidate      Type = "candidate"
	TypeRequestControl Type = "request_control"
	TypeSetQuality     Type = "set_quality"
	TypeUploadProbe    Type = "upload_probe"

	// Hub to peer.
	TypeJoined    Type = "joined"
	TypePong      Type = "pong"
	TypeClients   Type = "clients"
	TypeUploadAck Type = "upload_ack"
)

// Role partitions connected peers. A connection declares its role once, in
// its join frame, and keeps it for the lifetime of the connection.
type Role string

const (
	RoleClient     Role = "client"
	RoleTechnician Role = "technician"
)

func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleClient, RoleTechnician:
		return Role(s), nil
	}
	return "", fmt.Errorf("unsupported role %q", s)
}

var (
	ErrUnknownType = errors.New("protocol: unknown frame type")
	errMissingTo   = errors.New("protocol: missing to")
)

// Message is the inbound frame envelope. Every peer-to-hub frame decodes into
// this single flat shape; validate() checks the fields the declared type
// requires. Payload fields the hub relays without interpreting (sdp,
// candidate, ts, size) stay raw so they round-trip byte-for-byte.
type Message struct {
	Type Type `json:"type"`

	// join
	Role         string `json:"role,omitempty"`
	Name         string `json:"name,omitempty"`
	BrowserLabel string `json:"browserLabel,omitempty"`
	OSLabel      string `json:"osLabel,omitempty"`

	// ping, upload_probe
	TS   json.RawMessage `json:"ts,omitempty"`
	Size json.RawMessage `json:"size,omitempty"`

	// netupdate
	Ping *float64 `json:"ping,omitempty"`

	// Addressed relay frames.
	To        string          `json:"to,omitempty"`
	ToRole    string          `json:"toRole,omitempty"`
	SDP       json.RawMessage `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
	Enable    *bool           `json:"enable,omitempty"`
	Mode      string          `json:"mode,omitempty"`
}

// Parse decodes an inbound frame and validates the fields required by its
// declared type. Unknown top-level fields are tolerated so peers can evolve
// independently of the hub; an unknown type is an error the caller is
// expected to swallow (the hub's policy for every bad frame is a silent
// drop, never an error reply).
func Parse(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, err
	}
	if err := msg.validate(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

func (m Message) validate() error {
	switch m.Type {
	case TypeJoin:
		if _, err := ParseRole(m.Role); err != nil {
			return err
		}
	case TypePing:
		if len(m.TS) == 0 {
			return errors.New("protocol: ping missing ts")
		}
	case TypeNetUpdate:
		// ping is nullable and may be absent entirely; arrival alone is
		// meaningful (it refreshes lastSeenAt).
	case TypeOffer, TypeAnswer:
		if m.To == "" {
			return errMissingTo
		}
		if len(m.SDP) == 0 {
			return fmt.Errorf("protocol: %s missing sdp", m.Type)
		}
	case TypeCandidate:
		if m.To == "" {
			return errMissingTo
		}
		if _, err := ParseRole(m.ToRole); err != nil {
			return err
		}
		if len(m.Candidate) == 0 {
			return errors.New("protocol: candidate missing candidate")
		}
	case TypeRequestControl:
		if m.To == "" {
			return errMissingTo
		}
		if m.Enable == nil {
			return errors.New("protocol: request_control missing enable")
		}
	case TypeSetQuality:
		if m.To == "" {
			return errMissingTo
		}
		if m.Mode == "" {
			return errors.New("protocol: set_quality missing mode")
		}
	case TypeUploadProbe:
		if len(m.Size) == 0 || len(m.TS) == 0 {
			return errors.New("protocol: upload_probe missing size/ts")
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, m.Type)
	}
	return nil
}

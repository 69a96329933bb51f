// Package hub implements the signaling core: an in-memory registry of
// connected clients and technicians, a frame router that relays addressed
// handshake and session-control frames between them, and a roster
// broadcaster that pushes the full client list to every technician after
// any change to the client partition.
//
// The hub never inspects relayed payloads and keeps no state across
// restarts. Every failure mode on an inbound frame (unparseable input,
// unknown type, unknown target) is a silent drop, counted but never
// reported to the peer.
package hub

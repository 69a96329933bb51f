package hub

import (
	"time"

	"github.com/remoteassist/signal-relay/internal/protocol"
)

// Presence is the mutable per-client telemetry record. Only netupdate frames
// (and the initial join) touch it.
type Presence struct {
	Name         string
	BrowserLabel string
	OSLabel      string

	// LastMeasuredPing is the round-trip latency most recently reported by
	// the client itself, in milliseconds. Nil until the first netupdate.
	LastMeasuredPing *float64

	LastSeenAt time.Time
}

// Session is one registered connection. It is created on join, lives exactly
// as long as its transport, and is never persisted.
type Session struct {
	ID       string
	Role     protocol.Role
	Peer     *Peer
	Presence Presence
}

// partition is an insertion-ordered id -> Session map. Roster broadcasts
// list clients in the order they joined.
type partition struct {
	byID  map[string]*Session
	order []string
}

func newPartition() *partition {
	return &partition{byID: make(map[string]*Session)}
}

func (p *partition) add(sess *Session) {
	if _, ok := p.byID[sess.ID]; ok {
		return
	}
	p.byID[sess.ID] = sess
	p.order = append(p.order, sess.ID)
}

func (p *partition) remove(id string) bool {
	if _, ok := p.byID[id]; !ok {
		return false
	}
	delete(p.byID, id)
	for i, other := range p.order {
		if other == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	return true
}

func (p *partition) get(id string) (*Session, bool) {
	sess, ok := p.byID[id]
	return sess, ok
}

func (p *partition) all() []*Session {
	out := make([]*Session, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.byID[id])
	}
	return out
}

// Registry holds the two live-participant partitions. Ids are generated per
// join and never reused, so the partitions are disjoint by construction.
//
// Registry is not safe for concurrent use; the Hub serializes access by
// holding its mutex for the full handling of each inbound frame.
type Registry struct {
	clients     *partition
	technicians *partition
}

func NewRegistry() *Registry {
	return &Registry{
		clients:     newPartition(),
		technicians: newPartition(),
	}
}

func (r *Registry) AddClient(sess *Session)     { r.clients.add(sess) }
func (r *Registry) AddTechnician(sess *Session) { r.technicians.add(sess) }

// RemoveClient deletes the entry if present. Removing an absent id is a
// no-op, not an error.
func (r *Registry) RemoveClient(id string) bool     { return r.clients.remove(id) }
func (r *Registry) RemoveTechnician(id string) bool { return r.technicians.remove(id) }

func (r *Registry) LookupClient(id string) (*Session, bool)     { return r.clients.get(id) }
func (r *Registry) LookupTechnician(id string) (*Session, bool) { return r.technicians.get(id) }

func (r *Registry) Technicians() []*Session { return r.technicians.all() }

func (r *Registry) ClientCount() int     { return len(r.clients.byID) }
func (r *Registry) TechnicianCount() int { return len(r.technicians.byID) }

// UpdateClientPresence merges a netupdate into an existing client's presence
// record. A client that disconnected just before the update frame arrived
// must not be resurrected, so an absent id is a no-op.
func (r *Registry) UpdateClientPresence(id string, ping *float64, now time.Time) bool {
	sess, ok := r.clients.get(id)
	if !ok {
		return false
	}
	sess.Presence.LastMeasuredPing = ping
	sess.Presence.LastSeenAt = now
	return true
}

// SnapshotClients lists every current client in insertion order for a roster
// broadcast. The returned slice is freshly allocated and never mutated by
// the registry afterwards.
func (r *Registry) SnapshotClients() []protocol.RosterEntry {
	items := make([]protocol.RosterEntry, 0, len(r.clients.order))
	for _, sess := range r.clients.all() {
		items = append(items, protocol.RosterEntry{
			ID:               sess.ID,
			Name:             sess.Presence.Name,
			BrowserLabel:     sess.Presence.BrowserLabel,
			OSLabel:          sess.Presence.OSLabel,
			LastMeasuredPing: sess.Presence.LastMeasuredPing,
			LastSeenAt:       sess.Presence.LastSeenAt.UnixMilli(),
		})
	}
	return items
}

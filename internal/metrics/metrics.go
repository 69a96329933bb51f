package metrics

import "sync"

// Event names. Silent-drop reasons are prefixed drop_ so operators can sum
// them with a single label matcher.
const (
	ClientJoined     = "client_joined"
	TechnicianJoined = "technician_joined"
	PeerDisconnected = "peer_disconnected"
	RosterBroadcast  = "roster_broadcast"
	FrameRelayed     = "frame_relayed"
	PongSent         = "pong_sent"
	UploadAckSent    = "upload_ack_sent"
	PresenceUpdated  = "presence_updated"

	DropBadFrame          = "drop_bad_frame"
	DropUnknownType       = "drop_unknown_type"
	DropNotJoined         = "drop_not_joined"
	DropDuplicateJoin     = "drop_duplicate_join"
	DropWrongRole         = "drop_wrong_role"
	DropUnknownTarget     = "drop_unknown_target"
	DropRateLimited       = "drop_rate_limited"
	DropSendQueueOverflow = "drop_send_queue_overflow"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// The hub's failure policy is silent drop, so these counters are the only
// place dropped frames are visible at all; keeping the registry in-process
// keeps the drop paths trivially testable.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.mu.Lock()
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot copies the current counters for exposition.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}

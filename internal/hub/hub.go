package hub

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/remoteassist/signal-relay/internal/metrics"
	"github.com/remoteassist/signal-relay/internal/protocol"
	"github.com/remoteassist/signal-relay/internal/ratelimit"
)

// Config wires the hub's runtime dependencies and hardening knobs.
type Config struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// MaxFrameBytes caps a single inbound frame. <= 0 uses a 64 KiB default.
	MaxFrameBytes int64

	// FramesPerSecond is a per-connection inbound frame budget. <= 0 disables
	// the budget entirely, which keeps the protocol's "bad input never
	// terminates the connection" policy intact; when enabled, exceeding the
	// budget closes the connection with a policy-violation close code.
	FramesPerSecond int

	// SendQueueDepth bounds each peer's outbound queue.
	SendQueueDepth int
}

// Hub accepts WebSocket connections, interprets each inbound frame, and
// either answers it directly, mutates the registry, or relays it to the
// addressed peer. Hub implements http.Handler and is mounted at a single
// fixed path.
//
// All registry reads and writes happen with mu held for the full handling
// of one frame, so every mutation is atomic with respect to frames from
// other connections; frames from one connection are handled in strict
// arrival order by its read loop.
type Hub struct {
	log     *slog.Logger
	metrics *metrics.Metrics

	maxFrameBytes   int64
	framesPerSecond int
	sendQueueDepth  int

	upgrader websocket.Upgrader

	mu       sync.Mutex
	registry *Registry

	now func() time.Time
}

func New(cfg Config) *Hub {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	maxFrameBytes := cfg.MaxFrameBytes
	if maxFrameBytes <= 0 {
		maxFrameBytes = 64 * 1024
	}
	return &Hub{
		log:             log,
		metrics:         cfg.Metrics,
		maxFrameBytes:   maxFrameBytes,
		framesPerSecond: cfg.FramesPerSecond,
		sendQueueDepth:  cfg.SendQueueDepth,
		upgrader: websocket.Upgrader{
			// Origin checks belong to the outer HTTP deployment; the hub is
			// explicitly unauthenticated.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		registry: NewRegistry(),
		now:      time.Now,
	}
}

// connState is the per-connection view the read loop keeps between frames:
// whether the connection has joined, and under which id and partition, so
// transport close can unregister without consulting the peer again.
type connState struct {
	joined bool
	id     string
	role   protocol.Role
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	conn.SetReadLimit(h.maxFrameBytes)

	peer := NewPeer(conn, h.sendQueueDepth)
	state := &connState{}

	var limiter *ratelimit.TokenBucket
	if h.framesPerSecond > 0 {
		limiter = ratelimit.NewTokenBucket(ratelimit.RealClock{}, int64(h.framesPerSecond), int64(h.framesPerSecond))
	}

	defer func() {
		peer.Close()
		h.disconnect(state)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		// The budget is applied after reading so bytes already in the TCP
		// receive buffer are consumed before any close frame goes out.
		if limiter != nil && !limiter.Allow(1) {
			h.inc(metrics.DropRateLimited)
			peer.closeWith(websocket.ClosePolicyViolation, "frame budget exceeded")
			return
		}
		h.handleFrame(peer, state, data)
	}
}

// handleFrame dispatches one inbound frame. Every failure path drops the
// frame without a reply; the connection stays open.
func (h *Hub) handleFrame(peer *Peer, state *connState, data []byte) {
	msg, err := protocol.Parse(data)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownType) {
			h.inc(metrics.DropUnknownType)
		} else {
			h.inc(metrics.DropBadFrame)
		}
		h.log.Debug("dropped frame", "id", state.id, "err", err)
		return
	}

	if !state.joined && msg.Type != protocol.TypeJoin {
		h.inc(metrics.DropNotJoined)
		return
	}

	switch msg.Type {
	case protocol.TypeJoin:
		h.handleJoin(peer, state, msg)
	case protocol.TypePing:
		h.send(peer, protocol.NewPong(msg.TS))
		h.inc(metrics.PongSent)
	case protocol.TypeNetUpdate:
		h.handleNetUpdate(state, msg)
	case protocol.TypeUploadProbe:
		h.send(peer, protocol.NewUploadAck(msg.Size, msg.TS))
		h.inc(metrics.UploadAckSent)
	case protocol.TypeOffer, protocol.TypeAnswer, protocol.TypeCandidate,
		protocol.TypeRequestControl, protocol.TypeSetQuality:
		h.relay(state, msg)
	}
}

func (h *Hub) handleJoin(peer *Peer, state *connState, msg protocol.Message) {
	if state.joined {
		h.inc(metrics.DropDuplicateJoin)
		return
	}

	// Role was validated during parse.
	role, _ := protocol.ParseRole(msg.Role)

	id, err := newSessionID()
	if err != nil {
		h.log.Error("failed to generate session id", "err", err)
		return
	}

	sess := &Session{
		ID:   id,
		Role: role,
		Peer: peer,
		Presence: Presence{
			Name:         msg.Name,
			BrowserLabel: msg.BrowserLabel,
			OSLabel:      msg.OSLabel,
			LastSeenAt:   h.now(),
		},
	}

	h.mu.Lock()
	switch role {
	case protocol.RoleClient:
		h.registry.AddClient(sess)
		h.broadcastLocked()
	case protocol.RoleTechnician:
		h.registry.AddTechnician(sess)
	}
	h.mu.Unlock()

	state.joined = true
	state.id = id
	state.role = role

	h.send(peer, protocol.NewJoined(id))

	if role == protocol.RoleClient {
		h.inc(metrics.ClientJoined)
	} else {
		h.inc(metrics.TechnicianJoined)
	}
	h.log.Info("peer joined", "role", role, "id", id, "name", msg.Name)
}

func (h *Hub) handleNetUpdate(state *connState, msg protocol.Message) {
	if state.role != protocol.RoleClient {
		h.inc(metrics.DropWrongRole)
		return
	}

	h.mu.Lock()
	ok := h.registry.UpdateClientPresence(state.id, msg.Ping, h.now())
	if ok {
		h.broadcastLocked()
	}
	h.mu.Unlock()

	if ok {
		h.inc(metrics.PresenceUpdated)
	}
}

// relay re-emits an addressed frame to its target with from set to the
// sender's session id. An absent target is a silent drop: the sender applies
// its own timeout policy, the hub provides none.
func (h *Hub) relay(state *connState, msg protocol.Message) {
	var out any
	switch msg.Type {
	case protocol.TypeOffer:
		out = protocol.NewRelayedSDP(protocol.TypeOffer, state.id, msg.SDP)
	case protocol.TypeAnswer:
		out = protocol.NewRelayedSDP(protocol.TypeAnswer, state.id, msg.SDP)
	case protocol.TypeCandidate:
		out = protocol.NewRelayedCandidate(state.id, msg.Candidate)
	case protocol.TypeRequestControl:
		out = protocol.NewRelayedControl(state.id, *msg.Enable)
	case protocol.TypeSetQuality:
		out = protocol.NewRelayedQuality(state.id, msg.Mode)
	default:
		return
	}

	h.mu.Lock()
	target, ok := h.lookupTargetLocked(msg)
	if ok {
		// Enqueueing is non-blocking, so sending under the mutex is safe and
		// keeps lookup and delivery atomic with respect to disconnects.
		h.send(target.Peer, out)
	}
	h.mu.Unlock()

	if !ok {
		h.inc(metrics.DropUnknownTarget)
		return
	}
	h.inc(metrics.FrameRelayed)
}

// lookupTargetLocked resolves the partition an addressed frame routes to:
// answers go to technicians, candidates to the partition named by toRole,
// everything else addressed (offer, request_control, set_quality) to clients.
func (h *Hub) lookupTargetLocked(msg protocol.Message) (*Session, bool) {
	switch msg.Type {
	case protocol.TypeAnswer:
		return h.registry.LookupTechnician(msg.To)
	case protocol.TypeCandidate:
		role, _ := protocol.ParseRole(msg.ToRole)
		if role == protocol.RoleTechnician {
			return h.registry.LookupTechnician(msg.To)
		}
		return h.registry.LookupClient(msg.To)
	default:
		return h.registry.LookupClient(msg.To)
	}
}

// disconnect removes the connection's session after transport close and, if
// it was a client, pushes the shrunken roster.
func (h *Hub) disconnect(state *connState) {
	if !state.joined {
		return
	}

	h.mu.Lock()
	var removed bool
	if state.role == protocol.RoleClient {
		removed = h.registry.RemoveClient(state.id)
		if removed {
			h.broadcastLocked()
		}
	} else {
		removed = h.registry.RemoveTechnician(state.id)
	}
	h.mu.Unlock()

	if removed {
		h.inc(metrics.PeerDisconnected)
		h.log.Info("peer disconnected", "role", state.role, "id", state.id)
	}
}

// broadcastLocked pushes a complete roster snapshot to every technician.
// Fire-and-forget: enqueueing never blocks, and a technician that misses a
// broadcast converges on the next one.
func (h *Hub) broadcastLocked() {
	payload, err := json.Marshal(protocol.NewClients(h.registry.SnapshotClients()))
	if err != nil {
		h.log.Error("failed to encode roster", "err", err)
		return
	}
	for _, tech := range h.registry.Technicians() {
		if err := tech.Peer.Send(payload); err != nil {
			h.inc(metrics.DropSendQueueOverflow)
		}
	}
	h.inc(metrics.RosterBroadcast)
}

func (h *Hub) send(peer *Peer, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		h.log.Error("failed to encode frame", "err", err)
		return
	}
	if err := peer.Send(payload); err != nil {
		h.inc(metrics.DropSendQueueOverflow)
	}
}

// Close closes every live connection. Registry entries are removed by each
// connection's read loop as its transport reports closure; there is no drain
// of in-flight sessions.
func (h *Hub) Close() {
	h.mu.Lock()
	peers := make([]*Peer, 0, h.registry.ClientCount()+h.registry.TechnicianCount())
	for _, sess := range h.registry.clients.all() {
		peers = append(peers, sess.Peer)
	}
	for _, sess := range h.registry.Technicians() {
		peers = append(peers, sess.Peer)
	}
	h.mu.Unlock()

	for _, p := range peers {
		p.Close()
	}
}

// Counts reports the current partition sizes.
func (h *Hub) Counts() (clients, technicians int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.registry.ClientCount(), h.registry.TechnicianCount()
}

func (h *Hub) inc(name string) {
	if h.metrics == nil {
		return
	}
	h.metrics.Inc(name)
}

// newSessionID returns 128 bits of randomness encoded as hex. Ids are
// unpredictable and generated per join, never supplied by peers.
func newSessionID() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return hex.EncodeToString(buf[:]), nil
}

package hub

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const peerWriteWait = 1 * time.Second

var (
	errPeerClosed    = errors.New("hub: peer closed")
	errSendQueueFull = errors.New("hub: send queue full")
)

// Peer wraps one WebSocket connection's outbound side: a bounded queue
// drained by a single writer goroutine, so frame handlers never block on a
// slow transport.
//
// The queue bound makes the otherwise-unspecified "slow peer" behavior an
// explicit policy: when the queue is full the connection is closed rather
// than buffering without limit or silently dropping newer frames.
type Peer struct {
	conn *websocket.Conn
	send chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

// NewPeer starts the writer goroutine. queueDepth <= 0 falls back to a
// small default.
func NewPeer(conn *websocket.Conn, queueDepth int) *Peer {
	if queueDepth <= 0 {
		queueDepth = 32
	}
	p := &Peer{
		conn: conn,
		send: make(chan []byte, queueDepth),
		done: make(chan struct{}),
	}
	go p.writeLoop()
	return p
}

// Send enqueues one already-encoded text frame. It never blocks: a full
// queue closes the peer and returns errSendQueueFull.
func (p *Peer) Send(payload []byte) error {
	select {
	case <-p.done:
		return errPeerClosed
	default:
	}

	select {
	case p.send <- payload:
		return nil
	case <-p.done:
		return errPeerClosed
	default:
		p.Close()
		return errSendQueueFull
	}
}

func (p *Peer) writeLoop() {
	for {
		select {
		case <-p.done:
			return
		case payload := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(peerWriteWait))
			if err := p.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				p.Close()
				return
			}
		}
	}
}

// Close shuts the underlying connection. Idempotent; the read loop observes
// the closed transport and unregisters the session.
func (p *Peer) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
		_ = p.conn.Close()
	})
}

func (p *Peer) closeWith(code int, reason string) {
	_ = p.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(peerWriteWait))
	p.Close()
}

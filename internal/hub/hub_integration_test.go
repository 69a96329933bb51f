package hub_test

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/remoteassist/signal-relay/internal/hub"
	"github.com/remoteassist/signal-relay/internal/metrics"
)

func newTestServer(t *testing.T, cfg hub.Config) (*hub.Hub, *metrics.Metrics, string) {
	t.Helper()

	m := metrics.New()
	cfg.Metrics = m
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))

	h := hub.New(cfg)
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)

	return h, m, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func readFrame(t *testing.T, c *websocket.Conn) map[string]any {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var frame map[string]any
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("unmarshal frame %q: %v", data, err)
	}
	return frame
}

func writeFrame(t *testing.T, c *websocket.Conn, v any) {
	t.Helper()
	if err := c.WriteJSON(v); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
}

func join(t *testing.T, c *websocket.Conn, role, name string) string {
	t.Helper()
	writeFrame(t, c, map[string]any{
		"type": "join", "role": role, "name": name,
		"browserLabel": "Firefox 128", "osLabel": "Windows 11",
	})
	frame := readFrame(t, c)
	if frame["type"] != "joined" {
		t.Fatalf("expected joined, got %v", frame)
	}
	id, _ := frame["id"].(string)
	if id == "" {
		t.Fatalf("joined frame missing id: %v", frame)
	}
	return id
}

// expectPongProbe confirms the connection is still open and that nothing
// else was delivered before the probe's reply: the hub's silent-drop paths
// answer with nothing, so the next frame after a ping must be its pong.
func expectPongProbe(t *testing.T, c *websocket.Conn, ts float64) {
	t.Helper()
	writeFrame(t, c, map[string]any{"type": "ping", "ts": ts})
	frame := readFrame(t, c)
	if frame["type"] != "pong" {
		t.Fatalf("expected pong, got %v", frame)
	}
	if frame["ts"] != ts {
		t.Fatalf("pong ts=%v, want %v", frame["ts"], ts)
	}
}

func waitForMetric(t *testing.T, m *metrics.Metrics, name string, want uint64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.Get(name) >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("metric %s=%d, want >= %d", name, m.Get(name), want)
}

func TestJoinAssignsUniqueIDs(t *testing.T) {
	_, _, url := newTestServer(t, hub.Config{})

	seen := make(map[string]bool)
	for i := 0; i < 12; i++ {
		c := dial(t, url)
		role := "client"
		if i%2 == 1 {
			role = "technician"
		}
		id := join(t, c, role, fmt.Sprintf("peer-%d", i))
		if seen[id] {
			t.Fatalf("duplicate session id %q", id)
		}
		seen[id] = true
	}
}

func TestPingEcho(t *testing.T) {
	_, _, url := newTestServer(t, hub.Config{})

	c := dial(t, url)
	join(t, c, "client", "Ana")
	expectPongProbe(t, c, 12345)
}

func TestMalformedFrameIsIgnored(t *testing.T) {
	_, m, url := newTestServer(t, hub.Config{})

	c := dial(t, url)
	join(t, c, "client", "Ana")

	if err := c.WriteMessage(websocket.TextMessage, []byte(`{not json`)); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	// No reply, and the connection stays open.
	expectPongProbe(t, c, 1)
	waitForMetric(t, m, metrics.DropBadFrame, 1)
}

func TestFrameBeforeJoinIsDropped(t *testing.T) {
	_, m, url := newTestServer(t, hub.Config{})

	c := dial(t, url)
	writeFrame(t, c, map[string]any{"type": "ping", "ts": 1})

	// The pre-join ping gets no pong; the first frame the hub ever sends on
	// this connection is the joined reply.
	join(t, c, "client", "Ana")
	waitForMetric(t, m, metrics.DropNotJoined, 1)
}

func TestDuplicateJoinIsDropped(t *testing.T) {
	h, m, url := newTestServer(t, hub.Config{})

	c := dial(t, url)
	join(t, c, "client", "Ana")
	writeFrame(t, c, map[string]any{"type": "join", "role": "client", "name": "Ana again"})

	expectPongProbe(t, c, 2)
	waitForMetric(t, m, metrics.DropDuplicateJoin, 1)

	clients, technicians := h.Counts()
	if clients != 1 || technicians != 0 {
		t.Fatalf("counts=(%d,%d), want (1,0)", clients, technicians)
	}
}

func TestUnknownTypeIsIgnored(t *testing.T) {
	_, m, url := newTestServer(t, hub.Config{})

	c := dial(t, url)
	join(t, c, "client", "Ana")
	writeFrame(t, c, map[string]any{"type": "bogus"})

	expectPongProbe(t, c, 3)
	waitForMetric(t, m, metrics.DropUnknownType, 1)
}

func TestRosterBroadcastOnClientJoin(t *testing.T) {
	_, _, url := newTestServer(t, hub.Config{})

	tech := dial(t, url)
	join(t, tech, "technician", "Bruno")

	client := dial(t, url)
	clientID := join(t, client, "client", "Ana")

	frame := readFrame(t, tech)
	if frame["type"] != "clients" {
		t.Fatalf("expected clients broadcast, got %v", frame)
	}
	items, _ := frame["items"].([]any)
	if len(items) != 1 {
		t.Fatalf("items=%v, want exactly one entry", frame["items"])
	}
	entry, _ := items[0].(map[string]any)
	if entry["id"] != clientID {
		t.Fatalf("entry id=%v, want %q", entry["id"], clientID)
	}
	if entry["name"] != "Ana" {
		t.Fatalf("entry name=%v, want Ana", entry["name"])
	}
	if entry["browserLabel"] != "Firefox 128" || entry["osLabel"] != "Windows 11" {
		t.Fatalf("entry labels=%v", entry)
	}
	ping, present := entry["lastMeasuredPing"]
	if !present || ping != nil {
		t.Fatalf("lastMeasuredPing=%v (present=%v), want explicit null", ping, present)
	}
	if seen, _ := entry["lastSeenAt"].(float64); seen <= 0 {
		t.Fatalf("lastSeenAt=%v, want a timestamp", entry["lastSeenAt"])
	}
}

func TestRosterShrinksOnClientDisconnect(t *testing.T) {
	_, _, url := newTestServer(t, hub.Config{})

	tech := dial(t, url)
	join(t, tech, "technician", "Bruno")

	client := dial(t, url)
	clientID := join(t, client, "client", "Ana")

	frame := readFrame(t, tech)
	if items, _ := frame["items"].([]any); len(items) != 1 {
		t.Fatalf("initial roster=%v, want one entry", frame)
	}

	_ = client.Close()

	frame = readFrame(t, tech)
	if frame["type"] != "clients" {
		t.Fatalf("expected clients broadcast, got %v", frame)
	}
	items, ok := frame["items"].([]any)
	if !ok || len(items) != 0 {
		t.Fatalf("roster after disconnect=%v, want empty items", frame)
	}
	_ = clientID
}

func TestTechnicianJoinDoesNotTriggerBroadcast(t *testing.T) {
	_, _, url := newTestServer(t, hub.Config{})

	client := dial(t, url)
	join(t, client, "client", "Ana")

	// A technician joining after the client changes nothing in the client
	// partition, so no roster is pushed until the next client churn.
	tech := dial(t, url)
	join(t, tech, "technician", "Bruno")
	expectPongProbe(t, tech, 4)
}

func TestOfferRelay(t *testing.T) {
	_, m, url := newTestServer(t, hub.Config{})

	tech := dial(t, url)
	techID := join(t, tech, "technician", "Bruno")

	client := dial(t, url)
	clientID := join(t, client, "client", "Ana")

	writeFrame(t, tech, map[string]any{"type": "offer", "to": clientID, "sdp": "v=0..."})

	frame := readFrame(t, client)
	if frame["type"] != "offer" {
		t.Fatalf("expected offer, got %v", frame)
	}
	if frame["from"] != techID {
		t.Fatalf("from=%v, want %q", frame["from"], techID)
	}
	if frame["sdp"] != "v=0..." {
		t.Fatalf("sdp=%v, want verbatim payload", frame["sdp"])
	}
	if _, leaked := frame["to"]; leaked {
		t.Fatalf("relayed offer leaked addressing: %v", frame)
	}
	waitForMetric(t, m, metrics.FrameRelayed, 1)
}

func TestOfferToUnknownTargetIsSilent(t *testing.T) {
	_, m, url := newTestServer(t, hub.Config{})

	tech := dial(t, url)
	join(t, tech, "technician", "Bruno")

	client := dial(t, url)
	join(t, client, "client", "Ana")

	if frame := readFrame(t, tech); frame["type"] != "clients" {
		t.Fatalf("expected clients broadcast, got %v", frame)
	}

	writeFrame(t, tech, map[string]any{"type": "offer", "to": "deadbeef", "sdp": "v=0..."})

	// No error back to the sender, nothing delivered to anyone.
	expectPongProbe(t, tech, 5)
	expectPongProbe(t, client, 6)
	waitForMetric(t, m, metrics.DropUnknownTarget, 1)
}

func TestAnswerRelay(t *testing.T) {
	_, _, url := newTestServer(t, hub.Config{})

	tech := dial(t, url)
	techID := join(t, tech, "technician", "Bruno")

	client := dial(t, url)
	clientID := join(t, client, "client", "Ana")

	// Drain the roster broadcast triggered by the client's join.
	if frame := readFrame(t, tech); frame["type"] != "clients" {
		t.Fatalf("expected clients broadcast, got %v", frame)
	}

	writeFrame(t, client, map[string]any{"type": "answer", "to": techID, "sdp": "v=0 answer"})

	frame := readFrame(t, tech)
	if frame["type"] != "answer" || frame["from"] != clientID || frame["sdp"] != "v=0 answer" {
		t.Fatalf("relayed answer=%v", frame)
	}
}

func TestCandidateRoutedByTargetRole(t *testing.T) {
	_, _, url := newTestServer(t, hub.Config{})

	tech := dial(t, url)
	techID := join(t, tech, "technician", "Bruno")

	client := dial(t, url)
	clientID := join(t, client, "client", "Ana")

	if frame := readFrame(t, tech); frame["type"] != "clients" {
		t.Fatalf("expected clients broadcast, got %v", frame)
	}

	cand := map[string]any{"candidate": "candidate:1 1 udp 2122252543 192.0.2.1 50000 typ host"}

	writeFrame(t, tech, map[string]any{"type": "candidate", "to": clientID, "toRole": "client", "candidate": cand})
	frame := readFrame(t, client)
	if frame["type"] != "candidate" || frame["from"] != techID {
		t.Fatalf("candidate to client=%v", frame)
	}
	if got, _ := frame["candidate"].(map[string]any); got["candidate"] != cand["candidate"] {
		t.Fatalf("candidate payload=%v", frame["candidate"])
	}

	writeFrame(t, client, map[string]any{"type": "candidate", "to": techID, "toRole": "technician", "candidate": cand})
	frame = readFrame(t, tech)
	if frame["type"] != "candidate" || frame["from"] != clientID {
		t.Fatalf("candidate to technician=%v", frame)
	}
}

func TestControlAndQualityRelay(t *testing.T) {
	_, _, url := newTestServer(t, hub.Config{})

	tech := dial(t, url)
	techID := join(t, tech, "technician", "Bruno")

	client := dial(t, url)
	clientID := join(t, client, "client", "Ana")

	writeFrame(t, tech, map[string]any{"type": "request_control", "to": clientID, "enable": true})
	frame := readFrame(t, client)
	if frame["type"] != "request_control" || frame["from"] != techID || frame["enable"] != true {
		t.Fatalf("relayed request_control=%v", frame)
	}

	writeFrame(t, tech, map[string]any{"type": "set_quality", "to": clientID, "mode": "high"})
	frame = readFrame(t, client)
	if frame["type"] != "set_quality" || frame["from"] != techID || frame["mode"] != "high" {
		t.Fatalf("relayed set_quality=%v", frame)
	}
}

func TestUploadProbeAck(t *testing.T) {
	_, _, url := newTestServer(t, hub.Config{})

	c := dial(t, url)
	join(t, c, "client", "Ana")

	writeFrame(t, c, map[string]any{"type": "upload_probe", "size": 65536, "ts": 7})
	frame := readFrame(t, c)
	if frame["type"] != "upload_ack" {
		t.Fatalf("expected upload_ack, got %v", frame)
	}
	if frame["size"] != float64(65536) || frame["ts"] != float64(7) {
		t.Fatalf("upload_ack echo=%v", frame)
	}
}

func TestNetUpdateRefreshesRoster(t *testing.T) {
	_, _, url := newTestServer(t, hub.Config{})

	tech := dial(t, url)
	join(t, tech, "technician", "Bruno")

	client := dial(t, url)
	clientID := join(t, client, "client", "Ana")

	if frame := readFrame(t, tech); frame["type"] != "clients" {
		t.Fatalf("expected clients broadcast, got %v", frame)
	}

	writeFrame(t, client, map[string]any{"type": "netupdate", "ping": 42})

	frame := readFrame(t, tech)
	if frame["type"] != "clients" {
		t.Fatalf("expected clients broadcast, got %v", frame)
	}
	items, _ := frame["items"].([]any)
	if len(items) != 1 {
		t.Fatalf("items=%v", frame["items"])
	}
	entry, _ := items[0].(map[string]any)
	if entry["id"] != clientID || entry["lastMeasuredPing"] != float64(42) {
		t.Fatalf("entry after netupdate=%v", entry)
	}
}

func TestNetUpdateFromTechnicianIsDropped(t *testing.T) {
	_, m, url := newTestServer(t, hub.Config{})

	tech := dial(t, url)
	join(t, tech, "technician", "Bruno")

	writeFrame(t, tech, map[string]any{"type": "netupdate", "ping": 10})

	expectPongProbe(t, tech, 8)
	waitForMetric(t, m, metrics.DropWrongRole, 1)
}

func TestFrameBudgetClosesConnection(t *testing.T) {
	_, m, url := newTestServer(t, hub.Config{FramesPerSecond: 1})

	c := dial(t, url)
	join(t, c, "client", "Ana")

	// The bucket holds a single token, already spent on the join.
	writeFrame(t, c, map[string]any{"type": "ping", "ts": 9})

	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := c.ReadMessage()
	if err == nil {
		t.Fatal("expected close error")
	}
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("expected policy violation close, got %v", err)
	}
	waitForMetric(t, m, metrics.DropRateLimited, 1)
}

func TestOversizedFrameClosesConnection(t *testing.T) {
	_, _, url := newTestServer(t, hub.Config{MaxFrameBytes: 64})

	c := dial(t, url)
	payload := `{"type":"ping","ts":1,"pad":"` + strings.Repeat("a", 256) + `"}`
	if err := c.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := c.ReadMessage(); err == nil {
		t.Fatal("expected connection to drop after oversized frame")
	}
}

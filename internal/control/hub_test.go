package control

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"

	"eclaw/internal/hardware"
	"eclaw/internal/queue"
	"eclaw/internal/store"
	"eclaw/internal/turn"
)

func testHardwareConfig() hardware.Config {
	return hardware.Config{
		PulseDuration:     10 * time.Millisecond,
		DirectionHoldMax:  time.Second,
		DropHoldMax:       time.Second,
		DirectionCooldown: 0,
		OpposingPolicy:    hardware.PolicyIgnoreNew,
		DispatchTimeout:   time.Second,
		PulseTimeout:      time.Second,
		InitTimeout:       time.Second,
		MaxReplacements:   3,
		ReplacementWindow: time.Minute,
	}
}

func testTurnConfig() turn.Config {
	return turn.Config{
		TriesPerPlayer:       3,
		ReadyPromptSeconds:   time.Second,
		TryMoveSeconds:       5 * time.Second,
		DropHoldMax:          time.Second,
		PostDropWaitSeconds:  time.Second,
		TurnTimeSeconds:      10 * time.Second,
		WinSensorEnabled:     true,
		EmergencyStopTimeout: time.Second,
		GhostPlayerAge:       time.Hour,
	}
}

func newTestQueueManager(t *testing.T) *queue.Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "eclaw.db")
	s, err := store.Open(context.Background(), path)
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return queue.New(s)
}

// fakeBroadcaster discards every broadcast; this suite exercises the control
// channel, not the status fan-out.
type fakeBroadcaster struct{}

func (fakeBroadcaster) BroadcastState(turn.State, turn.StatePayload) error        { return nil }
func (fakeBroadcaster) BroadcastQueueUpdate(queue.QueueStatus, []turn.QueueEntryView) error {
	return nil
}
func (fakeBroadcaster) BroadcastTurnEnd(string, string) error { return nil }

// testHarness wires a real Hub to a real turn.Machine and hardware mock, the
// same way internal/supervisor will, and serves it over httptest.
type testHarness struct {
	t       *testing.T
	hub     *Hub
	machine *turn.Machine
	qm      *queue.Manager
	backend *hardware.MockBackend
	server  *httptest.Server
	wsURL   string
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	qm := newTestQueueManager(t)
	backend := hardware.NewMockBackend()
	gate := hardware.New(testHardwareConfig(), backend, func(error) {})

	hub := New(Config{
		PreAuthTimeout:  2 * time.Second,
		PingInterval:    time.Hour, // long enough not to fire during a test
		LivenessTimeout: 5 * time.Second,
		SendTimeout:     time.Second,
		MaxMessageBytes: 4096,
		MaxConnections:  2,
		CommandInterval: 10 * time.Millisecond,
		DisconnectGrace: 200 * time.Millisecond,
	}, gate, qm)

	m := turn.New(gate, qm, fakeBroadcaster{}, hub, testTurnConfig())
	hub.BindMachine(m)

	server := httptest.NewServer(hub)
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/control"

	h := &testHarness{t: t, hub: hub, machine: m, qm: qm, backend: backend, server: server, wsURL: wsURL}
	t.Cleanup(func() { server.Close() })
	return h
}

func (h *testHarness) dial(t *testing.T) *gorilla.Conn {
	t.Helper()
	conn, _, err := gorilla.DefaultDialer.Dial(h.wsURL, nil)
	if err != nil {
		t.Fatalf("dial() error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *gorilla.Conn, timeout time.Duration) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(timeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	var msg map[string]any
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("unmarshal() error = %v", err)
	}
	return msg
}

// readJSONUntil drains messages until one of the given types arrives,
// ignoring interleaved state_update/ready_prompt pushes the turn machine
// sends asynchronously to the same connection.
func readJSONUntil(t *testing.T, conn *gorilla.Conn, timeout time.Duration, wantTypes ...string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			t.Fatalf("did not see any of %v within %s", wantTypes, timeout)
		}
		msg := readJSON(t, conn, remaining)
		for _, want := range wantTypes {
			if msg["type"] == want {
				return msg
			}
		}
	}
}

func sendJSON(t *testing.T, conn *gorilla.Conn, v any) {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal() error = %v", err)
	}
	if err := conn.WriteMessage(gorilla.TextMessage, b); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
}

func TestAuthHandshakeSucceedsWithValidToken(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	_, rawToken, _, err := h.qm.Join(ctx, "Ada", "ada@example.com", "127.0.0.1")
	if err != nil {
		t.Fatalf("Join() error = %v", err)
	}

	conn := h.dial(t)
	sendJSON(t, conn, clientMessage{Type: msgAuth, Token: rawToken})

	msg := readJSON(t, conn, time.Second)
	if msg["type"] != "auth_ok" {
		t.Fatalf("type = %v, want auth_ok (msg=%v)", msg["type"], msg)
	}
	if msg["state"] != string(store.StateWaiting) {
		t.Fatalf("state = %v, want waiting", msg["state"])
	}
}

func TestAuthHandshakeRejectsInvalidToken(t *testing.T) {
	h := newTestHarness(t)
	conn := h.dial(t)
	sendJSON(t, conn, clientMessage{Type: msgAuth, Token: "not-a-real-token"})

	msg := readJSON(t, conn, time.Second)
	if msg["type"] != "error" {
		t.Fatalf("type = %v, want error (msg=%v)", msg["type"], msg)
	}

	conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected connection to be closed after auth rejection")
	}
}

func TestAuthHandshakeRejectsNonAuthFirstMessage(t *testing.T) {
	h := newTestHarness(t)
	conn := h.dial(t)
	sendJSON(t, conn, clientMessage{Type: msgLatencyPing})

	msg := readJSON(t, conn, time.Second)
	if msg["type"] != "error" {
		t.Fatalf("type = %v, want error (msg=%v)", msg["type"], msg)
	}
}

func TestLatencyPingBypassesRateLimitAndIsAnsweredImmediately(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	_, rawToken, _, _ := h.qm.Join(ctx, "Ada", "ada@example.com", "127.0.0.1")

	conn := h.dial(t)
	sendJSON(t, conn, clientMessage{Type: msgAuth, Token: rawToken})
	readJSON(t, conn, time.Second) // auth_ok

	sendJSON(t, conn, clientMessage{Type: msgLatencyPing})
	msg := readJSON(t, conn, time.Second)
	if msg["type"] != "latency_pong" {
		t.Fatalf("type = %v, want latency_pong", msg["type"])
	}
}

func TestKeydownIgnoredWhenPlayerNotActive(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	_, rawToken, _, _ := h.qm.Join(ctx, "Ada", "ada@example.com", "127.0.0.1")

	conn := h.dial(t)
	sendJSON(t, conn, clientMessage{Type: msgAuth, Token: rawToken})
	readJSON(t, conn, time.Second) // auth_ok

	sendJSON(t, conn, clientMessage{Type: msgKeydown, Key: "north"})
	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected no control_ack for a non-active player")
	}
	if h.backend.State()["north"] {
		t.Fatalf("direction should not have been engaged")
	}
}

func TestKeydownDrivesDirectionWhenActiveAndMoving(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	id, rawToken, _, _ := h.qm.Join(ctx, "Ada", "ada@example.com", "127.0.0.1")

	conn := h.dial(t)
	sendJSON(t, conn, clientMessage{Type: msgAuth, Token: rawToken})
	readJSON(t, conn, time.Second) // auth_ok

	h.machine.AdvanceQueue(ctx)
	waitForControl(t, time.Second, func() bool {
		return h.machine.CurrentState().ActiveEntryID == id
	})
	h.machine.HandleReadyConfirm(ctx, id)
	waitForControl(t, time.Second, func() bool {
		return h.machine.CurrentState().State == turn.StateMoving
	})

	sendJSON(t, conn, clientMessage{Type: msgKeydown, Key: "north"})
	msg := readJSONUntil(t, conn, time.Second, "control_ack")
	if msg["key"] != "north" || msg["active"] != true {
		t.Fatalf("unexpected control_ack: %v", msg)
	}
	if !h.backend.State()["north"] {
		t.Fatalf("expected north output to be engaged")
	}

	sendJSON(t, conn, clientMessage{Type: msgKeyup, Key: "north"})
	waitForControl(t, time.Second, func() bool { return !h.backend.State()["north"] })
}

func TestReadyConfirmAdvancesReadyPromptToMoving(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	id, rawToken, _, _ := h.qm.Join(ctx, "Ada", "ada@example.com", "127.0.0.1")

	conn := h.dial(t)
	sendJSON(t, conn, clientMessage{Type: msgAuth, Token: rawToken})
	readJSON(t, conn, time.Second) // auth_ok

	h.machine.AdvanceQueue(ctx)
	waitForControl(t, time.Second, func() bool {
		return h.machine.CurrentState().ActiveEntryID == id
	})

	sendJSON(t, conn, clientMessage{Type: msgReadyConfirm})
	waitForControl(t, time.Second, func() bool {
		return h.machine.CurrentState().State == turn.StateMoving
	})
}

func TestSecondConnectionReplacesFirstForSameEntry(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	_, rawToken, _, _ := h.qm.Join(ctx, "Ada", "ada@example.com", "127.0.0.1")

	first := h.dial(t)
	sendJSON(t, first, clientMessage{Type: msgAuth, Token: rawToken})
	readJSON(t, first, time.Second)

	second := h.dial(t)
	sendJSON(t, second, clientMessage{Type: msgAuth, Token: rawToken})
	readJSON(t, second, time.Second)

	first.SetReadDeadline(time.Now().Add(time.Second))
	if _, _, err := first.ReadMessage(); err == nil {
		t.Fatalf("expected first connection to be closed once replaced")
	}
}

func TestConnectionRejectedOverCapacity(t *testing.T) {
	h := newTestHarness(t)
	h.hub.cfg.MaxConnections = 1
	h.hub.sem = make(chan struct{}, 1)

	h.dial(t) // occupies the only slot, never authenticates

	rejected := h.dial(t)
	rejected.SetReadDeadline(time.Now().Add(time.Second))
	if _, _, err := rejected.ReadMessage(); err == nil {
		t.Fatalf("expected the over-capacity connection to be closed")
	}
}

func waitForControl(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !cond() {
		t.Fatalf("condition not met within %s", timeout)
	}
}

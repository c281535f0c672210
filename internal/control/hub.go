package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"eclaw/internal/hardware"
	"eclaw/internal/store"
	"eclaw/internal/turn"
)

// wsUpgrader is shared across all connections like the teacher's
// package-level Upgrader; stateless and safe for concurrent reuse.
var wsUpgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  1024,
	WriteBufferSize: 4 * 1024,
}

// Config holds the Control Channel's timing and capacity knobs (SPEC_FULL
// §4.5, §8).
type Config struct {
	PreAuthTimeout  time.Duration
	PingInterval    time.Duration
	LivenessTimeout time.Duration
	SendTimeout     time.Duration
	MaxMessageBytes int64
	MaxConnections  int
	CommandInterval time.Duration // minimum gap between accepted keydowns
	DisconnectGrace time.Duration
}

// entryLookup is the subset of *queue.Manager the hub needs to authenticate
// a channel and report queue position. Declared as an interface purely to
// keep hub_test.go free of a real store.
type entryLookup interface {
	GetByToken(ctx context.Context, rawToken string) (*store.QueueEntry, error)
	GetWaitingRank(ctx context.Context, id string) (int, error)
}

// Hub is the Control Channel's connection registry: one playerConn per
// authenticated entry ID, keyed in a map guarded by mu.
//
// Lock ordering (never acquire in reverse, mirroring the teacher's Hub):
//
//	conn.writeMu -> h.mu
//
// h.mu protects the registry and the disconnect-grace timer set.
// Each playerConn's own writeMu serializes its WriteMessage calls.
type Hub struct {
	cfg     Config
	gate    hardware.Gate
	machine atomic.Pointer[turn.Machine]
	entries entryLookup

	mu          sync.Mutex
	conns       map[string]*playerConn // entryID -> current connection
	graceTimers map[string]*time.Timer

	sem chan struct{} // counting admission semaphore
}

// playerConn is one authenticated control channel.
type playerConn struct {
	entryID string
	conn    *websocket.Conn

	writeMu sync.Mutex

	mu           sync.Mutex
	lastActivity time.Time
	lastKeydown  time.Time
}

// New constructs a Hub with no turn.Machine bound yet. The Hub and the turn
// state machine hold references to each other (the Hub implements
// turn.Controller; the Hub calls into the Machine) so internal/supervisor
// constructs this Hub first, then the Machine with this Hub as its
// Controller, then calls BindMachine — see SPEC_FULL §4.7's note on late
// binding. entries is typed as the minimal entryLookup interface purely to
// let tests substitute a fake in place of *queue.Manager.
func New(cfg Config, gate hardware.Gate, entries entryLookup) *Hub {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 64
	}
	return &Hub{
		cfg:         cfg,
		gate:        gate,
		entries:     entries,
		conns:       make(map[string]*playerConn),
		graceTimers: make(map[string]*time.Timer),
		sem:         make(chan struct{}, cfg.MaxConnections),
	}
}

// BindMachine completes the Hub/Machine late binding. Must be called once,
// before ServeHTTP handles any connection.
func (h *Hub) BindMachine(m *turn.Machine) {
	h.machine.Store(m)
}

// IsPlayerConnected implements turn.Controller.
func (h *Hub) IsPlayerConnected(entryID string) bool {
	h.mu.Lock()
	_, ok := h.conns[entryID]
	h.mu.Unlock()
	return ok
}

// SendToPlayer implements turn.Controller. Errors are returned to the caller
// (internal/turn logs-and-ignores them); a send failure force-closes and
// evicts the channel so a stalled socket cannot silently keep receiving
// state it never acknowledges.
func (h *Hub) SendToPlayer(entryID string, msg any) error {
	h.mu.Lock()
	pc := h.conns[entryID]
	h.mu.Unlock()
	if pc == nil {
		return fmt.Errorf("control: no channel registered for entry %s", entryID)
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("control: marshal: %w", err)
	}
	if err := h.writeTo(pc, websocket.TextMessage, payload); err != nil {
		h.evict(pc, "send failure")
		return err
	}
	return nil
}

// Kick force-closes the channel registered for entryID, if any (used by the
// admin kick endpoint). Returns false if no channel is currently registered.
func (h *Hub) Kick(entryID string) bool {
	h.mu.Lock()
	pc := h.conns[entryID]
	h.mu.Unlock()
	if pc == nil {
		return false
	}
	h.evict(pc, "admin kick")
	return true
}

// writeTo performs a single deadline-bounded write, serialized per connection.
func (h *Hub) writeTo(pc *playerConn, msgType int, payload []byte) error {
	pc.writeMu.Lock()
	defer pc.writeMu.Unlock()
	if err := pc.conn.SetWriteDeadline(time.Now().Add(h.cfg.SendTimeout)); err != nil {
		return fmt.Errorf("control: set write deadline: %w", err)
	}
	err := pc.conn.WriteMessage(msgType, payload)
	pc.conn.SetWriteDeadline(time.Time{}) //nolint:errcheck // best effort, next write sets a fresh deadline
	if err != nil {
		return fmt.Errorf("control: write: %w", err)
	}
	return nil
}

// ServeHTTP upgrades the request to a WebSocket and runs the connection's
// lifecycle: admission check, auth handshake, then message processing until
// close.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[WARN-CONTROL] upgrade failed", "error", err)
		return
	}

	select {
	case h.sem <- struct{}{}:
	default:
		slog.Warn("[WARN-CONTROL] connection rejected: at capacity")
		closeWithCode(conn, websocket.CloseTryAgainLater, "capacity exhausted")
		conn.Close()
		return
	}

	admitted := true
	release := func() {
		if admitted {
			<-h.sem
			admitted = false
		}
	}
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("[ERROR-PANIC] control ServeHTTP recovered",
				"panic", rec, "stack", string(debug.Stack()))
		}
		release()
	}()

	pc := &playerConn{conn: conn, lastActivity: time.Now()}
	conn.SetReadLimit(h.cfg.MaxMessageBytes * 4) // allow a margin; oversized messages are dropped, not fatal

	entryID, ok := h.authenticate(r.Context(), pc)
	if !ok {
		conn.Close()
		return
	}
	pc.entryID = entryID

	h.register(entryID, pc)
	defer h.unregisterIfCurrent(entryID, pc)

	pingDone := make(chan struct{})
	go h.pingLoop(pc, pingDone)
	defer close(pingDone)

	h.readPump(r.Context(), pc)
}

func closeWithCode(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(time.Second)
	msg := websocket.FormatCloseMessage(code, reason)
	conn.WriteControl(websocket.CloseMessage, msg, deadline) //nolint:errcheck // best effort on a connection we're about to drop
}

// authenticate reads the first message with a short pre-auth deadline,
// requiring an auth message carrying a valid token. Returns the resolved
// entry ID and true on success; on failure, sends an error message, closes
// with code 1008, and returns false.
func (h *Hub) authenticate(ctx context.Context, pc *playerConn) (string, bool) {
	conn := pc.conn
	if err := conn.SetReadDeadline(time.Now().Add(h.cfg.PreAuthTimeout)); err != nil {
		slog.Warn("[WARN-CONTROL] set pre-auth read deadline failed", "error", err)
		return "", false
	}

	msgType, raw, err := conn.ReadMessage()
	if err != nil {
		slog.Debug("[DEBUG-CONTROL] pre-auth read failed", "error", err)
		return "", false
	}
	if msgType != websocket.TextMessage {
		h.rejectAuth(conn, "expected text message")
		return "", false
	}

	var msg clientMessage
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Type != msgAuth || msg.Token == "" {
		h.rejectAuth(conn, "expected auth message")
		return "", false
	}

	entry, err := h.entries.GetByToken(ctx, msg.Token)
	if err != nil {
		h.rejectAuth(conn, "invalid token")
		return "", false
	}

	if err := conn.SetReadDeadline(time.Now().Add(h.cfg.LivenessTimeout)); err != nil {
		slog.Warn("[WARN-CONTROL] set post-auth read deadline failed", "error", err)
		return "", false
	}

	rank, err := h.entries.GetWaitingRank(ctx, entry.ID)
	var position *int64
	if err == nil && rank > 0 {
		p := int64(rank)
		position = &p
	}
	ack := authOKMessage{Type: "auth_ok", State: string(entry.State), Position: position}
	if err := h.writeTo(pc, websocket.TextMessage, marshalOrNil(ack)); err != nil {
		slog.Debug("[DEBUG-CONTROL] auth_ok send failed", "error", err)
		return "", false
	}

	if m := h.machine.Load(); m != nil {
		snap := m.CurrentState()
		if snap.ActiveEntryID == entry.ID {
			payload := m.CurrentStatePayload()
			if err := h.writeTo(pc, websocket.TextMessage, marshalOrNil(stateUpdateMessage{Type: "state_update", StatePayload: payload})); err != nil {
				slog.Debug("[DEBUG-CONTROL] resume state_update send failed", "error", err)
			}
		}
	}

	return entry.ID, true
}

func (h *Hub) rejectAuth(conn *websocket.Conn, reason string) {
	payload := marshalOrNil(errorMessage{Type: "error", Message: reason})
	conn.SetWriteDeadline(time.Now().Add(time.Second)) //nolint:errcheck
	conn.WriteMessage(websocket.TextMessage, payload)  //nolint:errcheck
	closeWithCode(conn, websocket.ClosePolicyViolation, reason)
}

// register installs pc as the current connection for entryID, closing and
// replacing any prior connection (page-refresh reconnect) and cancelling any
// pending disconnect-grace timer.
func (h *Hub) register(entryID string, pc *playerConn) {
	h.mu.Lock()
	old := h.conns[entryID]
	h.conns[entryID] = pc
	if t, ok := h.graceTimers[entryID]; ok {
		t.Stop()
		delete(h.graceTimers, entryID)
	}
	h.mu.Unlock()

	if old != nil {
		closeWithCode(old.conn, websocket.CloseNormalClosure, "replaced")
		old.conn.Close()
	}
	slog.Info("[INFO-CONTROL] channel authenticated", "entry_id", entryID)
}

// unregisterIfCurrent removes pc from the registry only if it is still the
// registered connection for entryID, then runs disconnect handling.
func (h *Hub) unregisterIfCurrent(entryID string, pc *playerConn) {
	h.mu.Lock()
	isCurrent := h.conns[entryID] == pc
	if isCurrent {
		delete(h.conns, entryID)
	}
	h.mu.Unlock()

	pc.conn.Close()
	if !isCurrent {
		return
	}
	slog.Info("[INFO-CONTROL] channel disconnected", "entry_id", entryID)
	h.handleDisconnect(entryID)
}

// evict force-closes pc and removes it from the registry regardless of
// whether a newer connection has already replaced it — used when a send
// fails, since the failing write's target is always pc specifically.
func (h *Hub) evict(pc *playerConn, reason string) {
	h.mu.Lock()
	if h.conns[pc.entryID] == pc {
		delete(h.conns, pc.entryID)
	}
	h.mu.Unlock()
	closeWithCode(pc.conn, websocket.CloseGoingAway, reason)
	pc.conn.Close()
}

// handleDisconnect implements SPEC_FULL §4.5 disconnect handling: directions
// off immediately if this was the active player, then a disconnect-grace
// timer only while in a state where losing the connection doesn't already
// have its own timeout.
func (h *Hub) handleDisconnect(entryID string) {
	m := h.machine.Load()
	if m == nil {
		return
	}
	snap := m.CurrentState()
	if snap.ActiveEntryID != entryID {
		return
	}

	ctx := context.Background()
	m.HandleDisconnect(ctx, entryID)

	switch snap.State {
	case turn.StateMoving, turn.StateDropping, turn.StatePostDrop:
		h.armDisconnectGrace(entryID, m)
	}
}

func (h *Hub) armDisconnectGrace(entryID string, m *turn.Machine) {
	h.mu.Lock()
	if t, ok := h.graceTimers[entryID]; ok {
		t.Stop()
	}
	h.graceTimers[entryID] = time.AfterFunc(h.cfg.DisconnectGrace, func() {
		h.mu.Lock()
		delete(h.graceTimers, entryID)
		h.mu.Unlock()
		m.HandleDisconnectTimeout(context.Background(), entryID)
	})
	h.mu.Unlock()
}

// pingLoop sends the application-level keepalive ping and enforces the
// liveness threshold, mirroring the teacher's pingLoop shape but at the JSON
// message layer rather than the WebSocket control-frame layer.
func (h *Hub) pingLoop(pc *playerConn, done <-chan struct{}) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("[ERROR-PANIC] control pingLoop recovered",
				"panic", rec, "stack", string(debug.Stack()))
			h.evict(pc, "pingLoop panic recovery")
		}
	}()

	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			pc.mu.Lock()
			idle := time.Since(pc.lastActivity)
			pc.mu.Unlock()
			if idle > h.cfg.LivenessTimeout {
				slog.Debug("[DEBUG-CONTROL] liveness timeout, closing", "entry_id", pc.entryID)
				h.evict(pc, "liveness timeout")
				return
			}
			if err := h.writeTo(pc, websocket.TextMessage, marshalOrNil(pingMessage{Type: "ping"})); err != nil {
				slog.Debug("[DEBUG-CONTROL] ping send failed", "error", err)
				h.evict(pc, "ping failure")
				return
			}
		}
	}
}

// readPump processes messages until the connection closes or read fails.
func (h *Hub) readPump(ctx context.Context, pc *playerConn) {
	conn := pc.conn
	for {
		if err := conn.SetReadDeadline(time.Now().Add(h.cfg.LivenessTimeout)); err != nil {
			return
		}
		msgType, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		pc.mu.Lock()
		pc.lastActivity = time.Now()
		pc.mu.Unlock()

		if int64(len(raw)) > h.cfg.MaxMessageBytes {
			// Oversized messages are silently dropped (SPEC_FULL §4.5), not
			// treated as a reason to close the connection.
			continue
		}

		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		h.handleMessage(ctx, pc, msg)
	}
}

func (h *Hub) handleMessage(ctx context.Context, pc *playerConn, msg clientMessage) {
	if msg.Type == msgLatencyPing {
		h.writeTo(pc, websocket.TextMessage, marshalOrNil(latencyPongMessage{Type: "latency_pong"})) //nolint:errcheck // best effort
		return
	}
	m := h.machine.Load()
	if m == nil {
		return
	}

	switch msg.Type {
	case msgKeydown:
		h.handleKeydown(ctx, pc, msg.Key, m)
	case msgKeyup:
		h.handleKeyup(ctx, pc, msg.Key, m)
	case msgDropStart:
		if isActiveInState(m, pc.entryID, turn.StateMoving) {
			m.HandleDropPress(ctx, pc.entryID)
		}
	case msgDropEnd:
		if isActiveInState(m, pc.entryID, turn.StateDropping) {
			m.HandleDropRelease(ctx, pc.entryID)
		}
	case msgReadyConfirm:
		m.HandleReadyConfirm(ctx, pc.entryID)
	default:
		slog.Debug("[DEBUG-CONTROL] unknown message type", "type", msg.Type)
	}
}

func isActiveInState(m *turn.Machine, entryID string, want turn.State) bool {
	snap := m.CurrentState()
	return snap.ActiveEntryID == entryID && snap.State == want
}

var validKeys = map[string]hardware.Direction{
	"north": hardware.North,
	"south": hardware.South,
	"east":  hardware.East,
	"west":  hardware.West,
}

func (h *Hub) handleKeydown(ctx context.Context, pc *playerConn, key string, m *turn.Machine) {
	dir, ok := validKeys[key]
	if !ok {
		return
	}
	if !isActiveInState(m, pc.entryID, turn.StateMoving) {
		return
	}

	pc.mu.Lock()
	since := time.Since(pc.lastKeydown)
	if since < h.cfg.CommandInterval {
		pc.mu.Unlock()
		return
	}
	pc.lastKeydown = time.Now()
	pc.mu.Unlock()

	err := h.gate.DirectionOn(ctx, dir)
	ack := controlAckMessage{Type: "control_ack", Key: key, Active: err == nil}
	if err != nil {
		slog.Debug("[DEBUG-CONTROL] direction on rejected", "key", key, "error", err)
	}
	h.writeTo(pc, websocket.TextMessage, marshalOrNil(ack)) //nolint:errcheck // best effort
}

func (h *Hub) handleKeyup(ctx context.Context, pc *playerConn, key string, m *turn.Machine) {
	dir, ok := validKeys[key]
	if !ok {
		return
	}
	if !isActiveInState(m, pc.entryID, turn.StateMoving) {
		return
	}
	if err := h.gate.DirectionOff(ctx, dir); err != nil {
		slog.Debug("[DEBUG-CONTROL] direction off rejected", "key", key, "error", err)
	}
}

// stateUpdateMessage is the resume snapshot sent right after auth_ok,
// flattening StatePayload's fields alongside Type via anonymous embedding —
// the same idiom internal/turn/transitions.go uses for its own
// state_update messages.
type stateUpdateMessage struct {
	Type string `json:"type"`
	turn.StatePayload
}

// Package broadcast implements the Status Fan-out (SPEC_FULL §4.6): a
// broadcast-only WebSocket channel for spectators. Every state transition,
// queue change, and turn result is serialized once and dispatched to every
// connected viewer concurrently.
package broadcast

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"eclaw/internal/queue"
	"eclaw/internal/turn"
)

// wsUpgrader is shared across all connections, like the teacher's
// package-level Upgrader.
var wsUpgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  1024,
	WriteBufferSize: 4 * 1024,
}

// Config holds the Status Fan-out's timing and capacity knobs.
type Config struct {
	MaxViewers   int
	SendTimeout  time.Duration
	PingInterval time.Duration
}

// Hub is the Status Fan-out's connection set. Unlike internal/control's
// per-entry registry, every viewer is equivalent, so the set is a plain
// map keyed by the connection's own pointer.
//
// Lock ordering: each viewerConn's own writeMu serializes its writes; h.mu
// protects only set membership and is never held during a write.
type Hub struct {
	cfg Config
	sem chan struct{}

	mu      sync.Mutex
	viewers map[*viewerConn]struct{}
}

type viewerConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// New constructs a Hub.
func New(cfg Config) *Hub {
	if cfg.MaxViewers <= 0 {
		cfg.MaxViewers = 256
	}
	return &Hub{
		cfg:     cfg,
		sem:     make(chan struct{}, cfg.MaxViewers),
		viewers: make(map[*viewerConn]struct{}),
	}
}

// ViewerCount returns the number of currently connected viewers, surfaced by
// GET /api/health.
func (h *Hub) ViewerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.viewers)
}

// ServeHTTP upgrades the request to a WebSocket, admits it if under
// capacity, and keeps it registered until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[WARN-BROADCAST] upgrade failed", "error", err)
		return
	}

	select {
	case h.sem <- struct{}{}:
	default:
		slog.Warn("[WARN-BROADCAST] viewer rejected: at capacity")
		closeWithCode(conn, websocket.CloseTryAgainLater, "capacity exhausted")
		conn.Close()
		return
	}
	defer func() { <-h.sem }()

	vc := &viewerConn{conn: conn}

	h.mu.Lock()
	h.viewers[vc] = struct{}{}
	h.mu.Unlock()

	slog.Debug("[DEBUG-BROADCAST] viewer connected", "remote_addr", conn.RemoteAddr())

	pingDone := make(chan struct{})
	go h.pingLoop(vc, pingDone)

	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("[ERROR-PANIC] broadcast ServeHTTP recovered",
				"panic", rec, "stack", string(debug.Stack()))
		}
		close(pingDone)
		h.remove(vc)
		conn.Close()
		slog.Debug("[DEBUG-BROADCAST] viewer disconnected")
	}()

	// Viewers never send anything meaningful; this loop exists only to
	// detect the connection closing (read errors) and to discard whatever a
	// misbehaving client sends.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func closeWithCode(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(time.Second)
	msg := websocket.FormatCloseMessage(code, reason)
	conn.WriteControl(websocket.CloseMessage, msg, deadline) //nolint:errcheck // best effort on a connection we're about to drop
}

func (h *Hub) remove(vc *viewerConn) {
	h.mu.Lock()
	delete(h.viewers, vc)
	h.mu.Unlock()
}

// snapshot returns the current viewer set for a dispatch pass, taken under
// lock so broadcasting never races with registration/removal.
func (h *Hub) snapshot() []*viewerConn {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*viewerConn, 0, len(h.viewers))
	for vc := range h.viewers {
		out = append(out, vc)
	}
	return out
}

// broadcast serializes msg once and dispatches it to every viewer
// concurrently, each bounded by cfg.SendTimeout. Stragglers are collected
// and evicted in bulk after every dispatch completes, per SPEC_FULL §4.6.
// Ordering within a single client is preserved (each client has its own
// writeMu); ordering across clients is not guaranteed.
func (h *Hub) broadcast(msg any) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	viewers := h.snapshot()
	if len(viewers) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	var failedMu sync.Mutex
	var failed []*viewerConn

	for _, vc := range viewers {
		wg.Add(1)
		go func(vc *viewerConn) {
			defer wg.Done()
			if err := h.sendTo(vc, payload); err != nil {
				failedMu.Lock()
				failed = append(failed, vc)
				failedMu.Unlock()
			}
		}(vc)
	}
	wg.Wait()

	if len(failed) > 0 {
		h.mu.Lock()
		for _, vc := range failed {
			delete(h.viewers, vc)
		}
		h.mu.Unlock()
		for _, vc := range failed {
			vc.conn.Close()
		}
	}
	return nil
}

func (h *Hub) sendTo(vc *viewerConn, payload []byte) error {
	vc.writeMu.Lock()
	defer vc.writeMu.Unlock()
	if err := vc.conn.SetWriteDeadline(time.Now().Add(h.cfg.SendTimeout)); err != nil {
		return err
	}
	err := vc.conn.WriteMessage(websocket.TextMessage, payload)
	vc.conn.SetWriteDeadline(time.Time{}) //nolint:errcheck // best effort
	return err
}

// pingLoop sends a periodic server-side keepalive, distinct from the
// broadcast path, preventing intermediary idle timeouts on viewer
// connections that may go long stretches without a state change.
func (h *Hub) pingLoop(vc *viewerConn, done <-chan struct{}) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("[ERROR-PANIC] broadcast pingLoop recovered",
				"panic", rec, "stack", string(debug.Stack()))
		}
	}()

	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := h.sendTo(vc, marshalOrNil(pingMessage{Type: "ping"})); err != nil {
				slog.Debug("[DEBUG-BROADCAST] ping failed, closing", "error", err)
				h.remove(vc)
				vc.conn.Close()
				return
			}
		}
	}
}

func marshalOrNil(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

type pingMessage struct {
	Type string `json:"type"`
}

// BroadcastState implements turn.Broadcaster.
func (h *Hub) BroadcastState(state turn.State, payload turn.StatePayload) error {
	return h.broadcast(stateUpdateMessage{Type: "state_update", StatePayload: payload})
}

// BroadcastQueueUpdate implements turn.Broadcaster.
func (h *Hub) BroadcastQueueUpdate(status queue.QueueStatus, entries []turn.QueueEntryView) error {
	return h.broadcast(queueUpdateMessage{
		Type:          "queue_update",
		CurrentPlayer: status.CurrentPlayer,
		QueueLength:   status.QueueLength,
		Entries:       entries,
	})
}

// BroadcastTurnEnd implements turn.Broadcaster.
func (h *Hub) BroadcastTurnEnd(entryID, result string) error {
	return h.broadcast(turnEndMessage{Type: "turn_end", EntryID: entryID, Result: result})
}

type stateUpdateMessage struct {
	Type string `json:"type"`
	turn.StatePayload
}

type queueUpdateMessage struct {
	Type          string                `json:"type"`
	CurrentPlayer string                `json:"current_player"`
	QueueLength   int                   `json:"queue_length"`
	Entries       []turn.QueueEntryView `json:"entries"`
}

type turnEndMessage struct {
	Type    string `json:"type"`
	EntryID string `json:"entry_id"`
	Result  string `json:"result"`
}

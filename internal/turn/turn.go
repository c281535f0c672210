// Package turn implements the turn state machine (SPEC_FULL §4.4): the
// component that owns progression through a single player's turn, from
// promotion off the waiting queue through the MOVING/DROPPING/POST_DROP
// cycle to a terminal result.
//
// Concurrency shape follows the teacher's wsserver.Hub: one struct, one
// documented mutex guarding all mutable fields, time.AfterFunc-based
// cancellable timers, and an explicit doc comment stating the
// deadlock-avoidance policy (see scheduleAdvance).
package turn

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"eclaw/internal/hardware"
	"eclaw/internal/queue"
)

// State is one of the turn state machine's six states (SPEC_FULL §4.4).
type State string

const (
	StateIdle        State = "idle"
	StateReadyPrompt State = "ready_prompt"
	StateMoving      State = "moving"
	StateDropping    State = "dropping"
	StatePostDrop    State = "post_drop"
	StateTurnEnd     State = "turn_end"
)

// Config holds the state machine's timing and policy knobs, mirroring
// internal/config.Config's Timeouts/RateLimits sections.
type Config struct {
	TriesPerPlayer       int
	ReadyPromptSeconds   time.Duration
	TryMoveSeconds       time.Duration
	DropHoldMax          time.Duration
	PostDropWaitSeconds  time.Duration
	TurnTimeSeconds      time.Duration
	WinSensorEnabled     bool
	CoinEachTry          bool
	CoinPulsesPerCredit  int
	CoinPostPulseDelay   time.Duration
	GhostPlayerAge       time.Duration
	EmergencyStopTimeout time.Duration
}

// StatePayload is the JSON-serializable snapshot broadcast on every state
// transition and sent directly to the active player.
type StatePayload struct {
	State            State  `json:"state"`
	ActiveEntryID    string `json:"active_entry_id,omitempty"`
	CurrentTry       int    `json:"current_try"`
	MaxTries         int    `json:"max_tries"`
	TryMoveSeconds   int    `json:"try_move_seconds"`
	StateSecondsLeft float64 `json:"state_seconds_left"`
	TurnSecondsLeft  float64 `json:"turn_seconds_left"`
	WinSensorEnabled bool   `json:"win_sensor_enabled"`
}

// QueueEntryView is the reduced shape broadcast in a queue update.
type QueueEntryView struct {
	Name     string `json:"name"`
	State    string `json:"state"`
	Position *int64 `json:"position,omitempty"`
}

// Broadcaster is the status fan-out surface the state machine notifies on
// every state-changing event (implemented by internal/broadcast). Errors are
// logged and otherwise ignored — a stalled viewer connection must never
// block game progression.
type Broadcaster interface {
	BroadcastState(state State, payload StatePayload) error
	BroadcastQueueUpdate(status queue.QueueStatus, entries []QueueEntryView) error
	BroadcastTurnEnd(entryID, result string) error
}

// Controller is the per-player control channel surface the state machine
// consults and notifies (implemented by internal/control).
type Controller interface {
	IsPlayerConnected(entryID string) bool
	SendToPlayer(entryID string, msg any) error
}

// Machine is the turn state machine. All mutable fields are guarded by mu;
// callers never hold mu across a call into gate/queue/broadcast/control, so
// those components are free to call back into Machine (e.g. a win-sensor
// callback) without risking self-deadlock.
type Machine struct {
	gate    hardware.Gate
	queue   *queue.Manager
	bcast   Broadcaster
	ctrl    Controller
	cfg     Config

	mu              sync.Mutex
	state           State
	activeEntryID   string
	currentTry      int
	paused          bool
	recovering      atomic.Bool
	stateTimer      *time.Timer
	turnTimer       *time.Timer
	stateDeadline   time.Time // zero means unset
	turnDeadline    time.Time // zero means unset
	lastStateChange time.Time

	// advanceReqC carries fire-and-forget advance-queue requests, processed
	// one at a time by Run. Using a request channel rather than
	// calling advanceQueue directly from end-of-turn cleanup is what makes
	// the "never call advanceQueue from inside endTurn" rule structural
	// instead of a convention: endTurn can run from a timer callback that is
	// itself on the advance goroutine's call stack, and a direct call would
	// deadlock waiting for itself.
	advanceReqC chan struct{}
	closeOnce   sync.Once
	closeC      chan struct{}
}

// New constructs a Machine without starting any goroutine. Its
// advance-request loop is Run, which the caller (internal/supervisor) launches
// via workerutil.RunWithPanicRecovery the same way every other long-lived
// background goroutine in this program is.
func New(gate hardware.Gate, qm *queue.Manager, bcast Broadcaster, ctrl Controller, cfg Config) *Machine {
	m := &Machine{
		gate:            gate,
		queue:           qm,
		bcast:           bcast,
		ctrl:            ctrl,
		cfg:             cfg,
		state:           StateIdle,
		lastStateChange: time.Now(),
		advanceReqC:     make(chan struct{}, 1),
		closeC:          make(chan struct{}),
	}
	return m
}

// Run processes advance-queue requests until ctx is cancelled. Intended to be
// launched once by the Supervisor via workerutil.RunWithPanicRecovery.
func (m *Machine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.closeC:
			return
		case <-m.advanceReqC:
			m.AdvanceQueue(ctx)
		}
	}
}

// Close stops the advance-request loop.
func (m *Machine) Close() {
	m.closeOnce.Do(func() { close(m.closeC) })
}

// scheduleAdvance requests an AdvanceQueue pass without blocking the caller.
// Safe to call from anywhere, including from inside endTurn and from timer
// callbacks — see the advanceReqC doc comment above.
func (m *Machine) scheduleAdvance() {
	select {
	case m.advanceReqC <- struct{}{}:
	default:
		// A request is already pending; AdvanceQueue will re-check current
		// state when it runs, so coalescing is safe.
	}
}

// Snapshot is a read-only view of the machine's current state, for the
// stuck-state detector (internal/supervisor) and the admin dashboard.
type Snapshot struct {
	State           State
	ActiveEntryID   string
	CurrentTry      int
	LastStateChange time.Time
	Paused          bool
}

// CurrentState returns a snapshot of the machine's state under lock.
func (m *Machine) CurrentState() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		State:           m.state,
		ActiveEntryID:   m.activeEntryID,
		CurrentTry:      m.currentTry,
		LastStateChange: m.lastStateChange,
		Paused:          m.paused,
	}
}

// CurrentStatePayload returns the StatePayload a freshly (re)connected
// control channel should receive for page-refresh resume.
func (m *Machine) CurrentStatePayload() StatePayload {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buildStatePayloadLocked()
}

// Pause prevents AdvanceQueue from promoting new candidates; an in-progress
// turn is unaffected (SPEC_FULL's own resolution of the admin-pause Open
// Question: pausing only prevents promotions).
func (m *Machine) Pause() {
	m.mu.Lock()
	m.paused = true
	m.mu.Unlock()
}

// Resume clears the pause flag set by Pause.
func (m *Machine) Resume() {
	m.mu.Lock()
	m.paused = false
	m.mu.Unlock()
}

func (m *Machine) buildStatePayloadLocked() StatePayload {
	now := time.Now()
	var stateLeft, turnLeft float64
	if !m.stateDeadline.IsZero() {
		if d := m.stateDeadline.Sub(now); d > 0 {
			stateLeft = d.Seconds()
		}
	}
	if !m.turnDeadline.IsZero() {
		if d := m.turnDeadline.Sub(now); d > 0 {
			turnLeft = d.Seconds()
		}
	}
	return StatePayload{
		State:            m.state,
		ActiveEntryID:    m.activeEntryID,
		CurrentTry:       m.currentTry,
		MaxTries:         m.cfg.TriesPerPlayer,
		TryMoveSeconds:   int(m.cfg.TryMoveSeconds.Seconds()),
		StateSecondsLeft: round1(stateLeft),
		TurnSecondsLeft:  round1(turnLeft),
		WinSensorEnabled: m.cfg.WinSensorEnabled,
	}
}

func round1(f float64) float64 {
	return float64(int(f*10+0.5)) / 10
}

func (m *Machine) logError(msg string, args ...any) {
	slog.Error("[ERROR-TURN] "+msg, args...)
}

func (m *Machine) logWarn(msg string, args ...any) {
	slog.Warn("[WARN-TURN] "+msg, args...)
}

func (m *Machine) logInfo(msg string, args ...any) {
	slog.Info("[INFO-TURN] "+msg, args...)
}

// broadcastQueueUpdate fetches fresh queue status/entries and broadcasts
// them, logging (never propagating) any failure — a broadcast failure must
// never interrupt game progression.
func (m *Machine) broadcastQueueUpdate(ctx context.Context) {
	status, err := m.queue.GetQueueStatus(ctx)
	if err != nil {
		m.logWarn("broadcast queue update: get status failed", "error", err)
		return
	}
	entries, err := m.queue.ListQueue(ctx)
	if err != nil {
		m.logWarn("broadcast queue update: list queue failed", "error", err)
		return
	}
	views := make([]QueueEntryView, len(entries))
	for i, e := range entries {
		views[i] = QueueEntryView{Name: e.Name, State: string(e.State), Position: e.Position}
	}
	if err := m.bcast.BroadcastQueueUpdate(status, views); err != nil {
		m.logWarn("broadcast queue update failed", "error", err)
	}
}

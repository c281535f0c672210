package turn

import (
	"context"
	"time"

	"eclaw/internal/store"
)

// AdvanceQueue promotes the next eligible waiting player to READY_PROMPT, if
// the machine is idle and not paused. Players with no live control-channel
// connection who joined more than cfg.GhostPlayerAge ago are skipped
// (completed as "skipped") instead of waiting out a full ready-prompt cycle
// — SPEC_FULL §4.4 ghost-skip threshold. Safe to call repeatedly; it is a
// no-op whenever state != idle.
func (m *Machine) AdvanceQueue(ctx context.Context) {
	m.mu.Lock()
	if m.state != StateIdle || m.paused {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	for {
		next, err := m.queue.PeekNextWaiting(ctx)
		if err != nil {
			m.logWarn("advance queue: peek next waiting failed", "error", err)
			return
		}
		if next == nil {
			return
		}

		if m.ctrl != nil && !m.ctrl.IsPlayerConnected(next.ID) {
			if time.Since(next.CreatedAt) > m.cfg.GhostPlayerAge {
				m.logInfo("skipping disconnected player", "entry_id", next.ID, "name", next.Name)
				if err := m.queue.CompleteEntry(ctx, next.ID, store.ResultSkipped, 0); err != nil {
					m.logWarn("advance queue: complete skipped entry failed", "error", err)
				}
				if err := m.bcast.BroadcastTurnEnd(next.ID, string(store.ResultSkipped)); err != nil {
					m.logWarn("advance queue: broadcast skip failed", "error", err)
				}
				m.broadcastQueueUpdate(ctx)
				continue
			}
		}

		m.mu.Lock()
		if m.state != StateIdle {
			m.mu.Unlock()
			return
		}
		m.activeEntryID = next.ID
		m.mu.Unlock()

		if err := m.queue.SetState(ctx, next.ID, store.StateReady); err != nil {
			m.logWarn("advance queue: set ready failed", "error", err)
		}
		m.broadcastQueueUpdate(ctx)
		m.enterState(ctx, StateReadyPrompt)
		return
	}
}

// HandleReadyConfirm is called when the prompted player confirms readiness.
func (m *Machine) HandleReadyConfirm(ctx context.Context, entryID string) {
	m.mu.Lock()
	if m.state != StateReadyPrompt || entryID != m.activeEntryID {
		m.mu.Unlock()
		return
	}
	m.currentTry = 0
	m.turnDeadline = time.Now().Add(m.cfg.TurnTimeSeconds)
	m.turnTimer = time.AfterFunc(m.cfg.TurnTimeSeconds, func() { m.onHardTurnTimeout(ctx) })
	m.mu.Unlock()

	if err := m.queue.SetState(ctx, entryID, store.StateActive); err != nil {
		m.logWarn("ready confirm: set active failed", "error", err)
	}
	m.startTry(ctx)
}

// HandleDropPress transitions MOVING -> DROPPING when the active player
// presses drop. Momentary: the relay stays on until HandleDropRelease or the
// drop-hold safety timeout.
func (m *Machine) HandleDropPress(ctx context.Context, entryID string) {
	m.mu.Lock()
	ok := m.state == StateMoving && entryID == m.activeEntryID
	m.mu.Unlock()
	if !ok {
		return
	}
	m.enterState(ctx, StateDropping)
}

// HandleDropRelease transitions DROPPING -> POST_DROP when the active player
// releases drop. A harmless no-op if the safety timeout already fired.
func (m *Machine) HandleDropRelease(ctx context.Context, entryID string) {
	m.mu.Lock()
	if m.state != StateDropping || entryID != m.activeEntryID {
		m.mu.Unlock()
		return
	}
	m.stopStateTimerLocked()
	m.mu.Unlock()

	if err := m.gate.DropOff(ctx); err != nil {
		m.logWarn("drop release: drop off failed", "error", err)
	}
	m.enterState(ctx, StatePostDrop)
}

// HandleWin is called from the Hardware Gate's win callback, already
// bridged off the hardware-owning goroutine (internal/hardware never takes
// this machine's mutex itself — see internal/hardware/gateimpl.go). Accepted
// during both DROPPING (claw may still be retracting when the sensor trips)
// and POST_DROP; ignored entirely when the win sensor is disabled.
func (m *Machine) HandleWin(ctx context.Context) {
	if !m.cfg.WinSensorEnabled {
		return
	}
	m.mu.Lock()
	state := m.state
	m.mu.Unlock()

	switch state {
	case StateDropping, StatePostDrop:
		m.logInfo("win detected", "state", state)
		m.endTurn(ctx, store.ResultWin)
	default:
		m.logWarn("win trigger ignored", "state", state)
	}
}

// HandleDisconnect reacts to the active player's control channel dropping:
// release all directional holds immediately. The drop relay is momentary and
// its own safety timer will release it if DROPPING is in progress.
func (m *Machine) HandleDisconnect(ctx context.Context, entryID string) {
	m.mu.Lock()
	active := m.activeEntryID
	m.mu.Unlock()
	if entryID != active {
		return
	}
	if err := m.gate.AllDirectionsOff(ctx); err != nil {
		m.logWarn("disconnect: all directions off failed", "error", err)
	}
	m.logInfo("active player disconnected, directions off", "entry_id", entryID)
}

// HandleDisconnectTimeout is called after the disconnect grace period
// expires without reconnection.
func (m *Machine) HandleDisconnectTimeout(ctx context.Context, entryID string) {
	m.mu.Lock()
	active := m.activeEntryID
	m.mu.Unlock()
	if entryID != active {
		return
	}
	m.endTurn(ctx, store.ResultExpired)
}

// ForceEndTurn forces the current turn to end (admin skip, player leave).
// Handles the edge case where AdvanceQueue has set activeEntryID but hasn't
// yet entered READY_PROMPT (state still idle): endTurn would bail in that
// window, so the entry is cleaned up directly.
func (m *Machine) ForceEndTurn(ctx context.Context, result store.EntryResult) {
	m.mu.Lock()
	entryID := m.activeEntryID
	state := m.state
	m.mu.Unlock()
	if entryID == "" {
		return
	}

	if state == StateIdle || state == StateTurnEnd {
		m.logInfo("force end turn: cleaning up entry directly", "state", state, "entry_id", entryID)
		if err := m.queue.CompleteEntry(ctx, entryID, result, m.currentTryValue()); err != nil {
			m.logWarn("force end turn: complete entry failed", "error", err)
		}
		m.mu.Lock()
		m.activeEntryID = ""
		m.currentTry = 0
		m.stateDeadline = time.Time{}
		m.turnDeadline = time.Time{}
		m.mu.Unlock()
		m.gate.Unlock()
		m.scheduleAdvance()
		return
	}
	m.endTurn(ctx, result)
}

func (m *Machine) currentTryValue() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentTry
}

// enterState transitions to newState, arming the timer and side effects that
// state owns, then broadcasts the resulting payload. Must not be called
// while m.mu is held by the caller.
func (m *Machine) enterState(ctx context.Context, newState State) {
	m.mu.Lock()
	m.stopStateTimerLocked()
	old := m.state
	m.state = newState
	m.stateDeadline = time.Time{}
	m.lastStateChange = time.Now()
	activeEntryID := m.activeEntryID
	m.logInfo("state transition", "from", old, "to", newState)

	switch newState {
	case StateReadyPrompt:
		m.stateDeadline = time.Now().Add(m.cfg.ReadyPromptSeconds)
		m.stateTimer = time.AfterFunc(m.cfg.ReadyPromptSeconds, func() { m.onReadyTimeout(ctx) })

	case StateMoving:
		m.stateDeadline = time.Now().Add(m.cfg.TryMoveSeconds)
		m.stateTimer = time.AfterFunc(m.cfg.TryMoveSeconds, func() { m.onMoveTimeout(ctx) })

	case StateDropping:
		m.stateDeadline = time.Now().Add(m.cfg.DropHoldMax)

	case StatePostDrop:
		wait := m.cfg.PostDropWaitSeconds
		if !m.cfg.WinSensorEnabled {
			wait = time.Second
		}
		m.stateDeadline = time.Now().Add(wait)
	}
	moveEnd, turnEnd := m.deadlinePointersLocked()
	payload := m.buildStatePayloadLocked()
	winEnabled := m.cfg.WinSensorEnabled
	m.mu.Unlock()

	// Side effects that must happen outside the lock (hardware calls,
	// network sends) but before the drop-hold/post-drop timers are armed,
	// mirroring the original's enter-state ordering.
	switch newState {
	case StateMoving:
		if err := m.queue.SetTryDeadlines(ctx, activeEntryID, moveEnd, turnEnd); err != nil {
			m.logWarn("enter state: persist deadlines failed", "error", err)
		}

	case StateDropping:
		if err := m.gate.AllDirectionsOff(ctx); err != nil {
			m.logWarn("enter state: all directions off failed", "error", err)
		}
		if winEnabled {
			m.gate.RegisterWinCallback(func() { m.HandleWin(ctx) })
		}
		if err := m.gate.DropOn(ctx); err != nil {
			m.logWarn("enter state: drop on failed", "error", err)
		}
		m.mu.Lock()
		m.stateTimer = time.AfterFunc(m.cfg.DropHoldMax, func() { m.onDropHoldTimeout(ctx) })
		m.mu.Unlock()

	case StatePostDrop:
		if winEnabled {
			m.gate.RegisterWinCallback(func() { m.HandleWin(ctx) })
		}
		wait := m.cfg.PostDropWaitSeconds
		if !winEnabled {
			wait = time.Second
		}
		m.mu.Lock()
		m.stateTimer = time.AfterFunc(wait, func() { m.onPostDropTimeout(ctx) })
		m.mu.Unlock()
	}

	if err := m.bcast.BroadcastState(newState, payload); err != nil {
		m.logWarn("enter state: broadcast failed", "error", err)
	}
	if activeEntryID != "" && m.ctrl != nil {
		if err := m.ctrl.SendToPlayer(activeEntryID, stateUpdateMessage{Type: "state_update", StatePayload: payload}); err != nil {
			m.logWarn("enter state: send to player failed", "error", err)
		}
		if newState == StateReadyPrompt {
			if err := m.ctrl.SendToPlayer(activeEntryID, readyPromptMessage{
				Type:           "ready_prompt",
				TimeoutSeconds: int(m.cfg.ReadyPromptSeconds.Seconds()),
			}); err != nil {
				m.logWarn("enter state: send ready prompt failed", "error", err)
			}
		}
	}
}

type stateUpdateMessage struct {
	Type string `json:"type"`
	StatePayload
}

type readyPromptMessage struct {
	Type           string `json:"type"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// deadlinePointersLocked returns pointers to the current absolute state/turn
// deadlines for persistence, or nil where unset. Caller must hold m.mu.
func (m *Machine) deadlinePointersLocked() (moveEnd, turnEnd *time.Time) {
	if !m.stateDeadline.IsZero() {
		d := m.stateDeadline
		moveEnd = &d
	}
	if !m.turnDeadline.IsZero() {
		d := m.turnDeadline
		turnEnd = &d
	}
	return moveEnd, turnEnd
}

func (m *Machine) stopStateTimerLocked() {
	if m.stateTimer != nil {
		m.stateTimer.Stop()
		m.stateTimer = nil
	}
}

func (m *Machine) stopTurnTimerLocked() {
	if m.turnTimer != nil {
		m.turnTimer.Stop()
		m.turnTimer = nil
	}
}

// startTry begins a new try: optionally pulses the coin relay, then enters
// MOVING.
func (m *Machine) startTry(ctx context.Context) {
	m.mu.Lock()
	m.currentTry++
	try := m.currentTry
	entryID := m.activeEntryID
	m.mu.Unlock()

	m.logInfo("starting try", "try", try, "max_tries", m.cfg.TriesPerPlayer)

	if err := m.queue.IncrementTries(ctx, entryID); err != nil {
		m.logWarn("start try: increment tries failed", "error", err)
	}

	if m.cfg.CoinEachTry {
		for i := 0; i < m.cfg.CoinPulsesPerCredit; i++ {
			if err := m.gate.Pulse(ctx, "coin"); err != nil {
				m.logWarn("start try: coin pulse failed", "error", err)
			}
			if m.cfg.CoinPostPulseDelay > 0 {
				time.Sleep(m.cfg.CoinPostPulseDelay)
			}
		}
	}

	m.enterState(ctx, StateMoving)
}

// endTurn finalizes the current turn with result and resets to idle.
//
// Must never be called with m.mu held, and must never call AdvanceQueue
// directly: endTurn routinely runs from timer callbacks (onHardTurnTimeout,
// onPostDropTimeout, ...) that may themselves be running on the goroutine
// processing a queued AdvanceQueue request. A direct call here would try to
// re-enter that same logical pass and deadlock against itself; scheduleAdvance
// hands the request to the channel instead.
func (m *Machine) endTurn(ctx context.Context, result store.EntryResult) {
	m.mu.Lock()
	if m.state == StateIdle || m.state == StateTurnEnd {
		m.mu.Unlock()
		return
	}
	prevState := m.state
	m.state = StateTurnEnd
	m.lastStateChange = time.Now()
	m.stopStateTimerLocked()
	m.stopTurnTimerLocked()
	entryID := m.activeEntryID
	tries := m.currentTry
	m.mu.Unlock()

	m.logInfo("turn ending", "result", result, "tries", tries)

	m.gate.UnregisterWinCallback()

	if prevState == StateDropping {
		if err := m.gate.DropOff(ctx); err != nil {
			m.logWarn("end turn: release drop relay before emergency stop failed", "error", err)
		}
	}

	stopCtx, cancel := context.WithTimeout(ctx, m.cfg.EmergencyStopTimeout)
	if err := m.gate.EmergencyStop(stopCtx); err != nil {
		m.logError("end turn: emergency stop failed", "error", err)
	}
	cancel()
	// Always unlock regardless of the outcome above: a stuck emergency stop
	// must never leave controls disabled for every subsequent player.
	m.gate.Unlock()

	if entryID != "" {
		if err := m.queue.CompleteEntry(ctx, entryID, result, tries); err != nil {
			m.logWarn("end turn: complete entry failed", "error", err)
		} else if err := m.bcast.BroadcastTurnEnd(entryID, string(result)); err != nil {
			m.logWarn("end turn: broadcast turn end failed", "error", err)
		}
		if m.ctrl != nil {
			if err := m.ctrl.SendToPlayer(entryID, turnEndMessage{
				Type:      "turn_end",
				Result:    string(result),
				TriesUsed: tries,
			}); err != nil {
				m.logWarn("end turn: send to player failed", "error", err)
			}
		}
	}
	m.broadcastQueueUpdate(ctx)

	m.mu.Lock()
	m.state = StateIdle
	m.lastStateChange = time.Now()
	m.activeEntryID = ""
	m.currentTry = 0
	m.stateDeadline = time.Time{}
	m.turnDeadline = time.Time{}
	m.mu.Unlock()

	m.scheduleAdvance()
}

type turnEndMessage struct {
	Type      string `json:"type"`
	Result    string `json:"result"`
	TriesUsed int    `json:"tries_used"`
}

package turn

import (
	"context"
	"time"

	"eclaw/internal/store"
)

// onReadyTimeout fires when a prompted player fails to confirm readiness in
// time; the turn is skipped.
func (m *Machine) onReadyTimeout(ctx context.Context) {
	m.mu.Lock()
	if m.state != StateReadyPrompt {
		m.mu.Unlock()
		return
	}
	m.stateTimer = nil // self-cancellation guard: this timer already fired
	m.mu.Unlock()
	m.logInfo("ready prompt timed out, skipping player")
	m.endTurn(ctx, store.ResultSkipped)
}

// onMoveTimeout fires when MOVING exceeds its try-move window; auto-drops.
func (m *Machine) onMoveTimeout(ctx context.Context) {
	m.mu.Lock()
	if m.state != StateMoving {
		m.mu.Unlock()
		return
	}
	m.stateTimer = nil
	m.mu.Unlock()
	m.logInfo("move timer expired, auto-dropping")
	m.enterState(ctx, StateDropping)
}

// onDropHoldTimeout fires when the drop relay has been held longer than the
// configured maximum (a safety net if the player never releases, or the
// client disconnects mid-drop).
func (m *Machine) onDropHoldTimeout(ctx context.Context) {
	m.mu.Lock()
	if m.state != StateDropping {
		m.mu.Unlock()
		return
	}
	m.stateTimer = nil
	m.mu.Unlock()

	m.logInfo("drop hold timeout, auto-releasing")
	if err := m.gate.DropOff(ctx); err != nil {
		m.logWarn("drop hold timeout: drop off failed", "error", err)
	}
	m.enterState(ctx, StatePostDrop)
}

// onPostDropTimeout fires when POST_DROP's wait window elapses with no win
// signal: starts the next try, or ends the turn as a loss if tries are
// exhausted.
func (m *Machine) onPostDropTimeout(ctx context.Context) {
	m.mu.Lock()
	if m.state != StatePostDrop {
		m.mu.Unlock()
		return
	}
	m.stateTimer = nil
	tries := m.currentTry
	maxTries := m.cfg.TriesPerPlayer
	m.mu.Unlock()

	m.gate.UnregisterWinCallback()

	if tries < maxTries {
		m.logInfo("post-drop timeout, no win — starting next try")
		m.startTry(ctx)
		return
	}
	m.logInfo("post-drop timeout, no win — ending turn as loss")
	m.endTurn(ctx, store.ResultLoss)
}

// onHardTurnTimeout fires when the whole turn (across all tries) exceeds its
// hard deadline, regardless of sub-state.
func (m *Machine) onHardTurnTimeout(ctx context.Context) {
	m.mu.Lock()
	if m.state == StateIdle || m.state == StateTurnEnd {
		m.mu.Unlock()
		return
	}
	m.turnTimer = nil
	m.mu.Unlock()
	m.logWarn("hard turn timeout reached")
	m.endTurn(ctx, store.ResultExpired)
}

// ForceRecover drives the machine back to idle unconditionally: cancels
// timers, unregisters the win callback, emergency-stops and unlocks the
// Hardware Gate, marks any active entry as an error, and resets. Guarded
// against concurrent invocation — the stuck-state detector (internal/supervisor)
// may call this from its own periodic tick while a timer-driven call is
// already in flight.
func (m *Machine) ForceRecover(ctx context.Context) {
	if !m.recovering.CompareAndSwap(false, true) {
		m.logWarn("force recovery already in progress, skipping")
		return
	}
	defer m.recovering.Store(false)

	m.mu.Lock()
	if m.state == StateIdle && m.activeEntryID == "" {
		m.mu.Unlock()
		m.logInfo("force recovery: already idle, nothing to do")
		return
	}
	m.logWarn("force recovering state machine to idle", "state", m.state, "entry_id", m.activeEntryID)
	m.stopStateTimerLocked()
	m.stopTurnTimerLocked()
	entryID := m.activeEntryID
	tries := m.currentTry
	m.mu.Unlock()

	m.gate.UnregisterWinCallback()

	stopCtx, cancel := context.WithTimeout(ctx, m.cfg.EmergencyStopTimeout)
	if err := m.gate.EmergencyStop(stopCtx); err != nil {
		m.logError("force recovery: emergency stop failed", "error", err)
	}
	cancel()
	m.gate.Unlock()

	if entryID != "" {
		if err := m.queue.CompleteEntry(ctx, entryID, store.ResultError, tries); err != nil {
			m.logWarn("force recovery: complete entry failed", "error", err)
		}
	}

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

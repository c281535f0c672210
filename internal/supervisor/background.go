package supervisor

import (
	"context"
	"errors"
	"time"

	"eclaw/internal/store"
	"eclaw/internal/turn"
)

// runPruneLoop periodically deletes expired queue entries, rate-limit rows,
// and game events per internal/config's retention horizons (SPEC_FULL §4.7:
// "store prune at interval").
func (s *Supervisor) runPruneLoop(ctx context.Context) {
	interval := time.Duration(s.cfg.Retention.PruneIntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.prune(ctx)
		}
	}
}

func (s *Supervisor) prune(ctx context.Context) {
	now := time.Now()
	entryHorizon := time.Duration(s.cfg.Retention.EntryHorizonHours) * time.Hour
	rateHorizon := time.Duration(s.cfg.Retention.RateLimitHorizonMins) * time.Minute

	if n, err := s.Store.PruneEvents(ctx, entryHorizon, now); err != nil {
		s.logWarn("prune events failed", "error", err)
	} else if n > 0 {
		s.logInfo("pruned game events", "count", n)
	}

	if n, err := s.Store.PruneEntries(ctx, entryHorizon, now); err != nil {
		s.logWarn("prune entries failed", "error", err)
	} else if n > 0 {
		s.logInfo("pruned expired queue entries", "count", n)
	}

	if n, err := s.Store.PruneRateLimits(ctx, rateHorizon, now); err != nil {
		s.logWarn("prune rate limit rows failed", "error", err)
	} else if n > 0 {
		s.logInfo("pruned rate limit rows", "count", n)
	}
}

// stuckStateDetectorInterval is the fixed tick for liveness-checking the
// turn machine; independent of the store prune interval since it must
// catch a wedged machine well before a player gives up and leaves.
const stuckStateDetectorInterval = 5 * time.Second

// runStuckStateDetector implements the supervisor task described in
// SPEC_FULL §4.7/§4.4 "Background stuck-state detector": catches a machine
// that is IDLE with a waiting candidate never promoted, IDLE with a
// dangling active-entry id, or wedged in any non-IDLE state well past its
// natural deadline, and drives it back to IDLE via ForceRecover.
func (s *Supervisor) runStuckStateDetector(ctx context.Context) {
	ticker := time.NewTicker(stuckStateDetectorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkStuckState(ctx)
		}
	}
}

func (s *Supervisor) checkStuckState(ctx context.Context) {
	snap := s.Machine.CurrentState()
	buffer := time.Duration(s.cfg.Timeouts.StuckStateBufferSecs) * time.Second
	if buffer <= 0 {
		buffer = 20 * time.Second
	}

	switch {
	case snap.State == turn.StateIdle && snap.ActiveEntryID == "":
		s.recoverIfWaitingCandidateStalled(ctx)
		return

	case snap.State == turn.StateIdle && snap.ActiveEntryID != "":
		// Partially applied advance: idle but still holding an entry id.
		s.logWarn("stuck-state detector: idle with a dangling active entry, force recovering",
			"entry_id", snap.ActiveEntryID)
		s.Machine.ForceRecover(ctx)
		return
	}

	maxAge := s.maxStateAge(snap.State, buffer)
	if maxAge > 0 && time.Since(snap.LastStateChange) > maxAge {
		s.logWarn("stuck-state detector: state persisted past its deadline, force recovering",
			"state", snap.State, "entry_id", snap.ActiveEntryID, "age", time.Since(snap.LastStateChange))
		s.Machine.ForceRecover(ctx)
		return
	}

	s.verifyActiveEntryStillNonTerminal(ctx, snap)
}

// recoverIfWaitingCandidateStalled checks whether a waiting candidate
// exists while the machine believes there is nothing to do, and nudges it
// forward rather than force-recovering (there is nothing to recover from —
// just a missed advance signal).
func (s *Supervisor) recoverIfWaitingCandidateStalled(ctx context.Context) {
	next, err := s.Queue.PeekNextWaiting(ctx)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return // empty queue, nothing to nudge — the common idle case
		}
		s.logWarn("stuck-state detector: peek next waiting failed", "error", err)
		return
	}
	s.logInfo("stuck-state detector: idle with a waiting candidate, nudging advance", "entry_id", next.ID)
	s.Machine.AdvanceQueue(ctx)
}

// verifyActiveEntryStillNonTerminal guards against the active entry having
// been externally mutated to a terminal state in the store (e.g. an admin
// action) out from under the state machine.
func (s *Supervisor) verifyActiveEntryStillNonTerminal(ctx context.Context, snap turn.Snapshot) {
	if snap.ActiveEntryID == "" {
		return
	}
	entry, err := s.Queue.GetByID(ctx, snap.ActiveEntryID)
	if err != nil {
		s.logWarn("stuck-state detector: lookup active entry failed", "error", err)
		return
	}
	if entry.State == store.StateDone || entry.State == store.StateCancel {
		s.logWarn("stuck-state detector: active entry is terminal in the store but machine still holds it, force recovering",
			"entry_id", entry.ID, "store_state", entry.State)
		s.Machine.ForceRecover(ctx)
	}
}

// maxStateAge returns how long a non-idle state may persist before it is
// considered wedged: turn time + ready time + the configured buffer, per
// SPEC_FULL §4.4's "(turn time + ready time + buffer)" formula. TURN_END is
// held to the buffer alone since it is a brief terminal-broadcast state,
// not a timed one.
func (s *Supervisor) maxStateAge(state turn.State, buffer time.Duration) time.Duration {
	if state == turn.StateTurnEnd {
		return buffer
	}
	return time.Duration(s.cfg.Timeouts.TurnSeconds)*time.Second +
		time.Duration(s.cfg.Timeouts.ReadySeconds)*time.Second +
		buffer
}

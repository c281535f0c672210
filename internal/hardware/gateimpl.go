package hardware

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

const (
	outputCoin  = "coin"
	outputDrop  = "drop"
	outputNorth = "north"
	outputSouth = "south"
	outputEast  = "east"
	outputWest  = "west"
)

func directionOutput(d Direction) string {
	switch d {
	case North:
		return outputNorth
	case South:
		return outputSouth
	case East:
		return outputEast
	case West:
		return outputWest
	}
	return ""
}

// gateImpl is the concrete Gate: it owns an Executor (one worker goroutine
// per SPEC_FULL §4.1), a Backend (pin driver), per-output cooldown state,
// directional hold timers, and the emergency-stop lock flag.
type gateImpl struct {
	cfg     Config
	backend Backend
	exec    *Executor

	locked atomic.Bool

	mu             sync.Mutex
	lastPulse      map[string]time.Time
	directionTimer map[Direction]*time.Timer // directions currently held
	dropHeld       bool
	dropTimer      *time.Timer

	winMu       sync.Mutex
	winCallback func()
	winCancel   context.CancelFunc
}

// New constructs a Gate backed by backend, with onFatal wired to the
// executor's replacement-budget escalation.
func New(cfg Config, backend Backend, onFatal func(err error)) Gate {
	return &gateImpl{
		cfg:            cfg,
		backend:        backend,
		exec:           NewExecutor(cfg, onFatal),
		lastPulse:      make(map[string]time.Time),
		directionTimer: make(map[Direction]*time.Timer),
	}
}

func (g *gateImpl) Locked() bool { return g.locked.Load() }
func (g *gateImpl) Unlock()      { g.locked.Store(false) }

func (g *gateImpl) Pulse(ctx context.Context, name string) error {
	if g.locked.Load() {
		return ErrRejected
	}
	g.mu.Lock()
	if last, ok := g.lastPulse[name]; ok && time.Since(last) < g.cfg.DirectionCooldown {
		g.mu.Unlock()
		return ErrRejected
	}
	g.lastPulse[name] = time.Now()
	g.mu.Unlock()

	return g.exec.Dispatch(ctx, g.cfg.PulseTimeout, func() error {
		if err := g.backend.SetOutput(name, true); err != nil {
			return err
		}
		time.Sleep(g.cfg.PulseDuration)
		return g.backend.SetOutput(name, false)
	})
}

// DirectionOn engages d. Only the true opposite of d (north/south,
// east/west) conflicts with it — any other direction may be held at the
// same time, so diagonal movement (e.g. north+east together) is allowed.
func (g *gateImpl) DirectionOn(ctx context.Context, d Direction) error {
	if g.locked.Load() {
		return ErrRejected
	}

	g.mu.Lock()
	opp := opposite(d)
	replaced := false
	if _, held := g.directionTimer[opp]; held {
		if g.cfg.OpposingPolicy == PolicyIgnoreNew {
			g.mu.Unlock()
			return ErrRejected
		}
		// PolicyReplace: release the opposing direction before engaging d.
		g.stopDirectionTimerLocked(opp)
		replaced = true
	}
	g.resetDirectionTimerLocked(d)
	g.mu.Unlock()

	return g.exec.Dispatch(ctx, g.cfg.DispatchTimeout, func() error {
		if replaced {
			if err := g.backend.SetOutput(directionOutput(opp), false); err != nil {
				return err
			}
		}
		return g.backend.SetOutput(directionOutput(d), true)
	})
}

func (g *gateImpl) DirectionOff(ctx context.Context, d Direction) error {
	g.mu.Lock()
	g.stopDirectionTimerLocked(d)
	g.mu.Unlock()

	return g.exec.Dispatch(ctx, g.cfg.DispatchTimeout, func() error {
		return g.backend.SetOutput(directionOutput(d), false)
	})
}

func (g *gateImpl) AllDirectionsOff(ctx context.Context) error {
	g.mu.Lock()
	for d := range g.directionTimer {
		g.stopDirectionTimerLocked(d)
	}
	g.mu.Unlock()

	return g.exec.Dispatch(ctx, g.cfg.DispatchTimeout, func() error {
		var firstErr error
		for _, out := range []string{outputNorth, outputSouth, outputEast, outputWest} {
			if err := g.backend.SetOutput(out, false); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	})
}

// resetDirectionTimerLocked (re-)arms the safety auto-release timer for d.
// Caller must hold g.mu.
func (g *gateImpl) resetDirectionTimerLocked(d Direction) {
	g.stopDirectionTimerLocked(d)
	g.directionTimer[d] = time.AfterFunc(g.cfg.DirectionHoldMax, func() {
		g.DirectionOff(context.Background(), d)
	})
}

func (g *gateImpl) stopDirectionTimerLocked(d Direction) {
	if t, ok := g.directionTimer[d]; ok {
		t.Stop()
		delete(g.directionTimer, d)
	}
}

func (g *gateImpl) DropOn(ctx context.Context) error {
	if g.locked.Load() {
		return ErrRejected
	}
	g.mu.Lock()
	g.dropHeld = true
	g.resetDropTimerLocked()
	g.mu.Unlock()

	return g.exec.Dispatch(ctx, g.cfg.DispatchTimeout, func() error {
		return g.backend.SetOutput(outputDrop, true)
	})
}

func (g *gateImpl) DropOff(ctx context.Context) error {
	g.mu.Lock()
	g.stopDropTimerLocked()
	g.dropHeld = false
	g.mu.Unlock()

	return g.exec.Dispatch(ctx, g.cfg.DispatchTimeout, func() error {
		return g.backend.SetOutput(outputDrop, false)
	})
}

func (g *gateImpl) resetDropTimerLocked() {
	g.stopDropTimerLocked()
	g.dropTimer = time.AfterFunc(g.cfg.DropHoldMax, func() {
		g.DropOff(context.Background())
	})
}

func (g *gateImpl) stopDropTimerLocked() {
	if g.dropTimer != nil {
		g.dropTimer.Stop()
		g.dropTimer = nil
	}
}

// EmergencyStop cancels all hold timers and drives every output off. The
// lock flag is set unconditionally before the drive is attempted and stays
// set regardless of outcome until the caller calls Unlock; internal/turn's
// end-turn path unlocks unconditionally, so a stuck emergency stop never
// leaves controls locked for the next player.
func (g *gateImpl) EmergencyStop(ctx context.Context) error {
	g.locked.Store(true)

	g.mu.Lock()
	for d := range g.directionTimer {
		g.stopDirectionTimerLocked(d)
	}
	g.stopDropTimerLocked()
	g.dropHeld = false
	g.mu.Unlock()

	err := g.exec.Dispatch(ctx, g.cfg.DispatchTimeout, func() error {
		var firstErr error
		for _, out := range []string{outputNorth, outputSouth, outputEast, outputWest, outputDrop} {
			if err := g.backend.SetOutput(out, false); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	})
	if err != nil {
		return fmt.Errorf("hardware: emergency stop: %w", err)
	}
	return nil
}

func (g *gateImpl) RegisterWinCallback(fn func()) {
	g.winMu.Lock()
	defer g.winMu.Unlock()

	if g.winCancel != nil {
		g.winCancel()
	}
	g.winCallback = fn

	ctx, cancel := context.WithCancel(context.Background())
	g.winCancel = cancel
	go func() {
		err := g.backend.WatchWinSensor(ctx, func() {
			g.winMu.Lock()
			cb := g.winCallback
			g.winMu.Unlock()
			if cb != nil {
				cb()
			}
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			// A watcher failure is not fatal to the gate: the win sensor
			// simply stops delivering edges until re-registered.
		}
	}()
}

func (g *gateImpl) UnregisterWinCallback() {
	g.winMu.Lock()
	defer g.winMu.Unlock()
	if g.winCancel != nil {
		g.winCancel()
		g.winCancel = nil
	}
	g.winCallback = nil
}

func (g *gateImpl) Close() error {
	g.UnregisterWinCallback()
	g.mu.Lock()
	for d := range g.directionTimer {
		g.stopDirectionTimerLocked(d)
	}
	g.stopDropTimerLocked()
	g.mu.Unlock()
	g.exec.Close()
	return g.backend.Close()
}

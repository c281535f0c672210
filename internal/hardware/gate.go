// Package hardware implements the Hardware Gate (SPEC_FULL §4.1): a
// single-worker-serialized abstraction over the machine's relays and win
// sensor, tolerant of stuck hardware calls via timeout-based executor
// replacement.
package hardware

import (
	"context"
	"errors"
	"time"
)

// Direction is one of the four claw movement relays.
type Direction string

const (
	North Direction = "north"
	South Direction = "south"
	East  Direction = "east"
	West  Direction = "west"
)

// ErrRejected is returned (never as a process-fatal error) when a call is
// refused by policy: the emergency-stop lock is held, or a cooldown/hold
// limit is in effect. Rejection is an expected, observable outcome, not a
// hardware fault (SPEC_FULL §4.1 Rejection policy).
var ErrRejected = errors.New("hardware: rejected")

// Gate is the Hardware Gate's contract. All methods may block up to the
// executor's per-operation timeout; callers (internal/turn, internal/control)
// must treat any returned error as non-fatal to their own state.
type Gate interface {
	// Pulse drives the named output ON for the configured pulse duration
	// then OFF. name is "coin" or "drop".
	Pulse(ctx context.Context, name string) error

	// DirectionOn energizes a directional relay, auto-releasing after the
	// configured maximum hold window.
	DirectionOn(ctx context.Context, d Direction) error
	// DirectionOff releases a directional relay.
	DirectionOff(ctx context.Context, d Direction) error
	// AllDirectionsOff releases every held direction.
	AllDirectionsOff(ctx context.Context) error

	// DropOn energizes the drop relay, auto-releasing after the configured
	// maximum hold window.
	DropOn(ctx context.Context) error
	// DropOff releases the drop relay.
	DropOff(ctx context.Context) error

	// EmergencyStop sets the lock flag, cancels all hold timers, and drives
	// every output OFF. Must not return an error to the caller in a way that
	// leaves the lock flag in doubt: the lock flag is always left set after
	// this call returns, regardless of whether the underlying drive
	// succeeded. Callers unlock explicitly via Unlock.
	EmergencyStop(ctx context.Context) error
	// Unlock clears the lock flag set by EmergencyStop.
	Unlock()
	// Locked reports whether the lock flag is currently set.
	Locked() bool

	// RegisterWinCallback arranges for fn to be invoked (from a
	// hardware-owned goroutine, never the caller's goroutine) on each rising
	// edge of the win sensor, while a callback is registered.
	RegisterWinCallback(fn func())
	// UnregisterWinCallback removes any registered win callback.
	UnregisterWinCallback()

	// Close releases the executor and any underlying OS resources.
	Close() error
}

// Config holds the Hardware Gate's timing and policy knobs, mirroring
// internal/config.Config's GPIO/Timeouts sections.
type Config struct {
	PulseDuration       time.Duration
	DirectionHoldMax    time.Duration
	DropHoldMax         time.Duration
	DirectionCooldown   time.Duration
	OpposingPolicy      OpposingPolicy
	DispatchTimeout     time.Duration // per logical operation
	PulseTimeout        time.Duration // pulse() specifically, per SPEC_FULL §4.1
	InitTimeout         time.Duration
	MaxReplacements     int
	ReplacementWindow   time.Duration
	RelayActiveLow      bool
}

// OpposingPolicy controls what happens when an opposing direction is
// requested while one is already held (SPEC_FULL §4.1).
type OpposingPolicy string

const (
	// PolicyIgnoreNew leaves the existing direction held and ignores the new request.
	PolicyIgnoreNew OpposingPolicy = "ignore_new"
	// PolicyReplace releases the existing direction and engages the new one.
	PolicyReplace OpposingPolicy = "replace"
)

func opposite(d Direction) Direction {
	switch d {
	case North:
		return South
	case South:
		return North
	case East:
		return West
	case West:
		return East
	}
	return d
}

// Backend is the low-level pin driver a Gate's executor dispatches onto. It
// has no notion of timeouts, cooldowns, or policy — those live in Executor —
// only raw pin writes and a blocking sensor read.
type Backend interface {
	// SetOutput drives the named output on (true) or off (false).
	SetOutput(name string, on bool) error
	// WatchWinSensor blocks until ctx is cancelled, invoking onEdge on each
	// rising edge of the win sensor in the interim.
	WatchWinSensor(ctx context.Context, onEdge func()) error
	// Close releases backend resources.
	Close() error
}

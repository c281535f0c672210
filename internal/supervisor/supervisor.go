// Package supervisor wires every component into one running process
// (SPEC_FULL §4.7): construction order, the Control Channel/state machine
// late binding, background tasks, and graceful shutdown.
//
// Lifecycle shape is grounded on the teacher's App.startup/App.shutdown
// pair in main.go/app_lifecycle.go: a single struct owns every subsystem,
// background tasks are tracked in one sync.WaitGroup and launched via
// internal/workerutil.RunWithPanicRecovery, and shutdown cancels a context,
// waits on the WaitGroup with a bounded timeout, then tears subsystems down
// in reverse dependency order.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"eclaw/internal/broadcast"
	"eclaw/internal/config"
	"eclaw/internal/control"
	"eclaw/internal/hardware"
	"eclaw/internal/queue"
	"eclaw/internal/ratelimit"
	"eclaw/internal/store"
	"eclaw/internal/turn"
	"eclaw/internal/workerutil"
)

// shutdownWaitTimeout bounds how long Shutdown waits for background tasks
// before giving up and proceeding with teardown anyway, mirroring the
// teacher's shutdownWaitTimeout in app_lifecycle.go.
const shutdownWaitTimeout = 10 * time.Second

// Supervisor owns every long-lived subsystem and background task.
type Supervisor struct {
	cfg config.Config

	Store     *store.Store
	Queue     *queue.Manager
	Gate      hardware.Gate
	Machine   *turn.Machine
	Control   *control.Hub
	Broadcast *broadcast.Hub

	JoinLimiter    *ratelimit.Limiter
	CommandLimiter *ratelimit.Limiter

	bgWG         sync.WaitGroup
	bgCancel     context.CancelFunc
	shuttingDown atomic.Bool

	stopJoinCleanup    func()
	stopCommandCleanup func()
}

// New constructs every subsystem in dependency order and performs the
// Control Channel / state machine late binding, but does not yet launch
// background tasks or issue the initial advance-queue — call Run for that.
func New(ctx context.Context, cfg config.Config, backend hardware.Backend) (*Supervisor, error) {
	if cfg.WorkerCount != 1 {
		return nil, fmt.Errorf("supervisor: worker_count must be 1, got %d (single-process hardware ownership)", cfg.WorkerCount)
	}

	s, err := store.Open(ctx, cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	sup := &Supervisor{cfg: cfg, Store: s}

	qm := queue.New(s)
	sup.Queue = qm
	if _, _, err := qm.CleanupStale(ctx, time.Duration(cfg.Timeouts.StaleCleanupGraceSecs)*time.Second); err != nil {
		s.Close()
		return nil, fmt.Errorf("initial stale cleanup: %w", err)
	}

	gate := hardware.New(hardwareConfig(cfg), backend, sup.onHardwareFatal)
	sup.Gate = gate

	broadcastHub := broadcast.New(broadcast.Config{
		MaxViewers:   cfg.MaxConcurrentViewers,
		SendTimeout:  2 * time.Second,
		PingInterval: 15 * time.Second,
	})
	sup.Broadcast = broadcastHub

	controlHub := control.New(controlConfig(cfg), gate, qm)
	sup.Control = controlHub

	machine := turn.New(gate, qm, broadcastHub, controlHub, turnConfig(cfg))
	controlHub.BindMachine(machine)
	sup.Machine = machine

	sup.JoinLimiter = ratelimit.New(ratelimit.Config{
		Limit:  cfg.RateLimits.JoinPerMinute,
		Window: time.Minute,
	})
	sup.CommandLimiter = ratelimit.New(ratelimit.Config{
		Limit:  cfg.RateLimits.CommandRateHz,
		Window: time.Second,
	})

	return sup, nil
}

func hardwareConfig(cfg config.Config) hardware.Config {
	policy := hardware.PolicyIgnoreNew
	if cfg.OpposingDirectionPolicy == string(hardware.PolicyReplace) {
		policy = hardware.PolicyReplace
	}
	return hardware.Config{
		PulseDuration:     time.Duration(cfg.PulseMillis) * time.Millisecond,
		DirectionHoldMax:  time.Duration(cfg.Timeouts.MoveSeconds) * time.Second,
		DropHoldMax:       time.Duration(cfg.Timeouts.DropHoldMaxSeconds) * time.Second,
		DirectionCooldown: time.Duration(cfg.DirectionCooldownMillis) * time.Millisecond,
		OpposingPolicy:    policy,
		DispatchTimeout:   2 * time.Second,
		PulseTimeout:      5 * time.Second,
		InitTimeout:       10 * time.Second,
		MaxReplacements:   cfg.MaxWorkerReplacements,
		ReplacementWindow: time.Duration(cfg.ExecutorReplacementWindowSecs) * time.Second,
		RelayActiveLow:    cfg.RelayActiveLow,
	}
}

func turnConfig(cfg config.Config) turn.Config {
	return turn.Config{
		TriesPerPlayer:       cfg.TriesPerPlayer,
		ReadyPromptSeconds:   time.Duration(cfg.Timeouts.ReadySeconds) * time.Second,
		TryMoveSeconds:       time.Duration(cfg.Timeouts.MoveSeconds) * time.Second,
		DropHoldMax:          time.Duration(cfg.Timeouts.DropHoldMaxSeconds) * time.Second,
		PostDropWaitSeconds:  time.Duration(cfg.Timeouts.PostDropSeconds) * time.Second,
		TurnTimeSeconds:      time.Duration(cfg.Timeouts.TurnSeconds) * time.Second,
		WinSensorEnabled:     cfg.WinSensorEnabled,
		GhostPlayerAge:       time.Duration(cfg.Timeouts.GhostAgeSeconds) * time.Second,
		EmergencyStopTimeout: 5 * time.Second,
	}
}

func controlConfig(cfg config.Config) control.Config {
	return control.Config{
		PreAuthTimeout:  time.Duration(cfg.Timeouts.PreAuthSeconds) * time.Second,
		PingInterval:    15 * time.Second,
		LivenessTimeout: 45 * time.Second,
		SendTimeout:     2 * time.Second,
		MaxMessageBytes: 1024,
		MaxConnections:  cfg.MaxConcurrentControlConns,
		CommandInterval: commandIntervalFromHz(cfg.RateLimits.CommandRateHz),
		DisconnectGrace: time.Duration(cfg.Timeouts.DisconnectGraceSecs) * time.Second,
	}
}

func commandIntervalFromHz(hz int) time.Duration {
	if hz <= 0 {
		return 0
	}
	return time.Second / time.Duration(hz)
}

func (s *Supervisor) onHardwareFatal(err error) {
	s.logError("hardware executor reported a fatal, unrecoverable error", "error", err)
}

// Config returns the configuration the Supervisor was constructed with, for
// read-only callers (internal/httpapi's health/admin-dashboard endpoints).
// It is not updated by a running admin config reload; callers that write a
// new config file must restart the process for it to take effect, matching
// SPEC_FULL §6's "atomic config file replace" contract (the replace is
// durable, not a live hot-reload).
func (s *Supervisor) Config() config.Config {
	return s.cfg
}

// SysfsPinMap builds the pin map hardware.NewSysfsBackend expects from GPIOPins, keyed by the
// output names internal/hardware's Backend implementations use.
func SysfsPinMap(pins config.GPIOPins) map[string]int {
	return map[string]int{
		"coin":  pins.Coin,
		"drop":  pins.Drop,
		"north": pins.North,
		"south": pins.South,
		"east":  pins.East,
		"west":  pins.West,
	}
}

// Run launches background tasks and issues the initial advance-queue. It
// does not block; call Shutdown to stop.
func (s *Supervisor) Run(ctx context.Context) {
	bgCtx, cancel := context.WithCancel(ctx)
	s.bgCancel = cancel

	workerutil.RunWithPanicRecovery(bgCtx, "turn-machine", &s.bgWG, s.Machine.Run, s.recoveryOptions())
	workerutil.RunWithPanicRecovery(bgCtx, "store-pruner", &s.bgWG, s.runPruneLoop, s.recoveryOptions())
	workerutil.RunWithPanicRecovery(bgCtx, "stuck-state-detector", &s.bgWG, s.runStuckStateDetector, s.recoveryOptions())

	s.stopJoinCleanup = s.JoinLimiter.StartCleanup(5*time.Minute, time.Hour)
	s.stopCommandCleanup = s.CommandLimiter.StartCleanup(time.Minute, 10*time.Minute)

	s.Machine.AdvanceQueue(ctx)
}

func (s *Supervisor) recoveryOptions() workerutil.RecoveryOptions {
	return workerutil.RecoveryOptions{
		OnPanic: func(worker string, attempt int) {
			s.logWarn("background worker panicked, restarting", "worker", worker, "attempt", attempt)
		},
		OnFatal: func(worker string, maxRetries int) {
			s.logError("background worker exceeded max retries, permanently stopped", "worker", worker, "max_retries", maxRetries)
		},
		IsShutdown: func() bool { return s.shuttingDown.Load() },
	}
}

// Shutdown cancels background tasks, waits for them (bounded by
// shutdownWaitTimeout), stops hardware, and closes the store — in the
// reverse of construction order, per SPEC_FULL §4.7.
func (s *Supervisor) Shutdown() {
	s.shuttingDown.Store(true)

	if s.bgCancel != nil {
		s.bgCancel()
	}
	s.Machine.Close()

	if s.stopJoinCleanup != nil {
		s.stopJoinCleanup()
	}
	if s.stopCommandCleanup != nil {
		s.stopCommandCleanup()
	}

	if !waitWithTimeout(s.bgWG.Wait, shutdownWaitTimeout) {
		s.logWarn("timed out waiting for background workers during shutdown")
	}

	if err := s.Gate.EmergencyStop(context.Background()); err != nil {
		s.logWarn("emergency stop during shutdown reported an error", "error", err)
	}
	if err := s.Gate.Close(); err != nil {
		s.logWarn("hardware gate close reported an error", "error", err)
	}

	if err := s.Store.Close(); err != nil {
		s.logWarn("store close reported an error", "error", err)
	}
}

// waitWithTimeout runs waitFn in a goroutine and returns whether it
// completed before timeout. On timeout the goroutine is left running; this
// is only safe to call during process shutdown, matching the teacher's own
// waitWithTimeout in app_lifecycle.go.
func waitWithTimeout(waitFn func(), timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		waitFn()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

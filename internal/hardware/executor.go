package hardware

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// request is one dispatched unit of work: fn runs on the executor's worker
// goroutine; result is sent back exactly once.
type request struct {
	fn     func() error
	result chan error
}

// Executor serializes calls onto a single long-lived worker goroutine, the
// way the spec's "single-threaded event loop" models hardware ownership in
// Go: one goroutine, one channel, never two concurrent dispatches.
//
// Executor replacement: RunWithPanicRecovery (internal/workerutil) recovers
// *panics* in a worker and restarts it. This executor's failure mode is
// different — a dispatch that simply never returns (a bus hang) — so instead
// of panic recovery it detects a per-dispatch timeout and abandons the
// stuck worker goroutine outright, starting a fresh one for the next
// dispatch. The abandoned goroutine may still be blocked in a real syscall
// and is deliberately leaked rather than killed (Go has no goroutine-kill
// primitive); SPEC_FULL §9 accepts this cost and bounds it with a replacement
// budget.
type Executor struct {
	mu   sync.Mutex
	reqC chan request

	onFatal func(err error)

	replacementsMu sync.Mutex
	replacements   []time.Time

	cfg Config
}

// NewExecutor starts the first worker goroutine and returns an Executor.
// onFatal is invoked on every replacement that leaves more than
// cfg.MaxReplacements replacements within cfg.ReplacementWindow — the
// escalation path in SPEC_FULL §9.
func NewExecutor(cfg Config, onFatal func(err error)) *Executor {
	e := &Executor{cfg: cfg, onFatal: onFatal}
	e.reqC = e.spawnWorker()
	return e
}

// spawnWorker starts a fresh worker goroutine reading off a fresh channel
// and returns that channel. The previous channel (if any) is abandoned by
// the caller; nothing reads from it again.
func (e *Executor) spawnWorker() chan request {
	ch := make(chan request)
	go func() {
		for req := range ch {
			err := req.fn()
			// The dispatcher may have already given up and closed its
			// result-waiting select; send is best-effort via buffered chan.
			req.result <- err
		}
	}()
	return ch
}

// Dispatch runs fn on the worker goroutine, bounded by timeout. If the
// worker does not respond within timeout, it is presumed dead: the executor
// records a replacement, spins up a fresh worker, and returns a timeout
// error to this caller (the *next* caller gets the fresh worker).
func (e *Executor) Dispatch(ctx context.Context, timeout time.Duration, fn func() error) error {
	e.mu.Lock()
	ch := e.reqC
	e.mu.Unlock()

	req := request{fn: fn, result: make(chan error, 1)}

	dispatchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case ch <- req:
	case <-dispatchCtx.Done():
		e.replaceWorker("dispatch send blocked")
		return fmt.Errorf("hardware: dispatch timed out sending to worker: %w", dispatchCtx.Err())
	}

	select {
	case err := <-req.result:
		return err
	case <-dispatchCtx.Done():
		e.replaceWorker("dispatch result timed out")
		return fmt.Errorf("hardware: dispatch timed out waiting for result: %w", dispatchCtx.Err())
	}
}

// replaceWorker abandons the current worker and starts a fresh one, tracking
// the replacement in a sliding window to detect flapping.
func (e *Executor) replaceWorker(reason string) {
	slog.Warn("[WARN-HARDWARE] executor worker replaced", "reason", reason)

	e.mu.Lock()
	e.reqC = e.spawnWorker()
	e.mu.Unlock()

	e.replacementsMu.Lock()
	now := time.Now()
	cutoff := now.Add(-e.cfg.ReplacementWindow)
	kept := e.replacements[:0]
	for _, t := range e.replacements {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	e.replacements = kept
	count := len(e.replacements)
	e.replacementsMu.Unlock()

	if count > e.cfg.MaxReplacements {
		slog.Error("[ERROR-HARDWARE] executor replacement budget exceeded",
			"count", count, "max", e.cfg.MaxReplacements, "window", e.cfg.ReplacementWindow)
		if e.onFatal != nil {
			e.onFatal(fmt.Errorf("hardware: %d worker replacements within %s exceeds budget of %d",
				count, e.cfg.ReplacementWindow, e.cfg.MaxReplacements))
		}
	}
}

// Close stops accepting new dispatches. The current worker goroutine, if
// blocked, is left to exit on its own (or leak until process exit).
func (e *Executor) Close() {
	e.mu.Lock()
	close(e.reqC)
	e.mu.Unlock()
}

// Package ratelimit implements the dual fast-path/durable admission
// controller (SPEC_FULL §4.8) consulted on every public write endpoint
// (queue join, and indirectly the Control Channel's command rate).
//
// Two layers guard the same key (e.g. "ip:1.2.3.4", "email:a@b.com"):
//
//  1. Fast path: an in-process per-key token bucket, consulted first so an
//     obviously-over-limit caller never reaches the store.
//  2. Durable path: store.TryAdmitDurable, a conditional INSERT that is the
//     actual source of truth and survives process restarts.
//
// Both must admit for the call to be admitted overall.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"eclaw/internal/store"
)

// Config describes one rate-limited key space, e.g. "join" or "command".
type Config struct {
	// Limit is the number of admissions allowed per Window.
	Limit int
	// Window is the sliding window the fast path approximates with a token
	// bucket refilling at Limit/Window and the durable path enforces exactly
	// via a count-within-window query.
	Window time.Duration
}

type entry struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// Limiter is the fast-path half: a map of per-key token buckets. It is safe
// for concurrent use.
type Limiter struct {
	cfg Config

	mu       sync.Mutex
	limiters map[string]*entry
}

// New constructs a Limiter for the given config. A zero Limit disables the
// fast path entirely (Allow always returns true) — durable-path rejection
// still applies via AdmitDual.
func New(cfg Config) *Limiter {
	return &Limiter{cfg: cfg, limiters: make(map[string]*entry)}
}

func (l *Limiter) ratePerSecond() rate.Limit {
	if l.cfg.Window <= 0 {
		return rate.Inf
	}
	return rate.Limit(float64(l.cfg.Limit) / l.cfg.Window.Seconds())
}

func (l *Limiter) getLimiter(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.limiters[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.ratePerSecond(), l.cfg.Limit)}
		l.limiters[key] = e
	}
	e.lastUsed = time.Now()
	return e.limiter
}

// Allow consults only the fast path for key. A true result does not by
// itself admit the request — callers on the write path must also consult
// the durable path via AdmitDual.
func (l *Limiter) Allow(key string) bool {
	if l.cfg.Limit <= 0 {
		return true
	}
	return l.getLimiter(key).Allow()
}

// AdmitDual consults the fast path first — rejecting without touching the
// store if the in-process bucket is already exhausted — and, only if the
// fast path admits, falls through to the durable path. This ordering means
// a sustained flood is absorbed almost entirely in memory; the store only
// ever sees traffic the fast path has already approved.
func (l *Limiter) AdmitDual(ctx context.Context, s *store.Store, key string, now time.Time) (bool, error) {
	if !l.Allow(key) {
		return false, nil
	}
	return s.TryAdmitDurable(ctx, key, l.cfg.Limit, l.cfg.Window, now)
}

// Cleanup evicts fast-path entries idle for longer than maxAge, bounding
// map growth from keys (IPs, emails) that will never be seen again.
func (l *Limiter) Cleanup(maxAge time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for key, e := range l.limiters {
		if e.lastUsed.Before(cutoff) {
			delete(l.limiters, key)
			removed++
		}
	}
	return removed
}

// Count returns the number of tracked keys, for tests and diagnostics.
func (l *Limiter) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// StartCleanup runs Cleanup on a ticker until the returned stop func is
// called, mirroring the teacher pack's StartCleanup shape for background
// map-pruning goroutines.
func (l *Limiter) StartCleanup(interval, maxAge time.Duration) (stop func()) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	var once sync.Once

	go func() {
		for {
			select {
			case <-ticker.C:
				l.Cleanup(maxAge)
			case <-done:
				return
			}
		}
	}()

	return func() {
		once.Do(func() {
			ticker.Stop()
			close(done)
		})
	}
}

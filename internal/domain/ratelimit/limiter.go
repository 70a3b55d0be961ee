// Package ratelimit provides a per-client sliding-window failure limiter
// with lockout, used to throttle repeated authentication failures.
package ratelimit

import (
	"log/slog"
	"sync"
	"time"

	"github.com/Ward-Gate/wardgate/internal/domain/trust"
)

// Result is the outcome of a limiter check.
type Result struct {
	// Allowed is false while the key is locked out.
	Allowed bool

	// RetryAfter is the time until the lockout expires.
	// Only meaningful when Allowed is false.
	RetryAfter time.Duration
}

// Config defines the failure-limiting parameters.
type Config struct {
	// MaxAttempts is the number of failures within Window that triggers a lockout.
	MaxAttempts int

	// Window is the sliding window over which failures are counted.
	Window time.Duration

	// Lockout is how long a key stays blocked once MaxAttempts is reached.
	Lockout time.Duration

	// LimitLoopback opts 127.0.0.1 and ::1 into limiting. The zero value
	// leaves loopback exempt, so a misconfigured limiter can never lock an
	// operator out of their own machine.
	LimitLoopback bool

	// SweepInterval is how often the background sweeper prunes expired
	// entries. Zero disables the sweeper (Prune can be called manually).
	SweepInterval time.Duration
}

// entry tracks the failure history for one key.
type entry struct {
	failures      []time.Time
	lockedUntil   time.Time
	lockoutActive bool
}

// FailureLimiter counts recent authentication failures per client key and
// locks a key out once the threshold is crossed within the window.
//
// State machine: Normal -> (MaxAttempts failures in Window) -> Locked ->
// (Lockout elapses) -> Normal. Once set, a lockout persists for its full
// duration regardless of window pruning.
type FailureLimiter struct {
	mu      sync.Mutex
	entries map[string]*entry
	cfg     Config
	now     func() time.Time
	logger  *slog.Logger

	stopChan chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

// Option configures a FailureLimiter.
type Option func(*FailureLimiter)

// WithClock sets a custom time source (useful for testing).
func WithClock(now func() time.Time) Option {
	return func(l *FailureLimiter) {
		l.now = now
	}
}

// WithLogger sets the logger for sweep events.
func WithLogger(logger *slog.Logger) Option {
	return func(l *FailureLimiter) {
		l.logger = logger
	}
}

// NewFailureLimiter creates a limiter with the given config. Zero-valued
// limits fall back to 10 attempts over 1 minute with a 1-minute lockout,
// and loopback is exempt unless LimitLoopback explicitly opts it in.
func NewFailureLimiter(cfg Config, opts ...Option) *FailureLimiter {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.Lockout <= 0 {
		cfg.Lockout = time.Minute
	}

	l := &FailureLimiter{
		entries:  make(map[string]*entry),
		cfg:      cfg,
		now:      time.Now,
		logger:   slog.Default(),
		stopChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}

	if cfg.SweepInterval > 0 {
		l.wg.Add(1)
		go l.sweepLoop()
	}
	return l
}

// exempt reports whether the key bypasses limiting entirely.
func (l *FailureLimiter) exempt(key string) bool {
	return !l.cfg.LimitLoopback && trust.IsLoopback(key)
}

// RecordFailure appends a failure timestamp for the key. Exempt keys are
// never tracked.
func (l *FailureLimiter) RecordFailure(key string) {
	if l.exempt(key) {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e, ok := l.entries[key]
	if !ok {
		e = &entry{}
		l.entries[key] = e
	}
	e.failures = append(e.failures, now)
	l.pruneEntryLocked(e, now)

	if !e.lockoutActive && len(e.failures) >= l.cfg.MaxAttempts {
		e.lockoutActive = true
		e.lockedUntil = now.Add(l.cfg.Lockout)
	}
}

// Check reports whether the key is currently allowed. Failures older than the
// window are pruned first; an active lockout persists until its expiry even
// if pruning empties the window.
func (l *FailureLimiter) Check(key string) Result {
	if l.exempt(key) {
		return Result{Allowed: true}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok {
		return Result{Allowed: true}
	}

	now := l.now()
	l.pruneEntryLocked(e, now)

	if e.lockoutActive {
		if now.Before(e.lockedUntil) {
			return Result{Allowed: false, RetryAfter: e.lockedUntil.Sub(now)}
		}
		e.lockoutActive = false
	}

	if len(e.failures) >= l.cfg.MaxAttempts {
		e.lockoutActive = true
		e.lockedUntil = now.Add(l.cfg.Lockout)
		return Result{Allowed: false, RetryAfter: l.cfg.Lockout}
	}

	return Result{Allowed: true}
}

// Reset clears all state for the key. Called on successful authentication.
func (l *FailureLimiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, key)
}

// Prune removes entries whose window and lockout have both fully expired.
func (l *FailureLimiter) Prune() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	pruned := 0
	for key, e := range l.entries {
		l.pruneEntryLocked(e, now)
		if len(e.failures) == 0 && (!e.lockoutActive || !now.Before(e.lockedUntil)) {
			delete(l.entries, key)
			pruned++
		}
	}
	if pruned > 0 {
		l.logger.Debug("failure limiter pruned",
			"pruned_keys", pruned,
			"remaining_keys", len(l.entries))
	}
}

// pruneEntryLocked drops failure timestamps older than the window.
// Caller must hold l.mu.
func (l *FailureLimiter) pruneEntryLocked(e *entry, now time.Time) {
	cutoff := now.Add(-l.cfg.Window)
	kept := e.failures[:0]
	for _, ts := range e.failures {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	e.failures = kept
}

// Size returns the number of tracked keys. Useful for tests and health checks.
func (l *FailureLimiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// sweepLoop runs Prune on the configured interval until Dispose.
func (l *FailureLimiter) sweepLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopChan:
			return
		case <-ticker.C:
			l.Prune()
		}
	}
}

// Dispose stops the background sweeper and waits for it to exit.
// Safe to call multiple times.
func (l *FailureLimiter) Dispose() {
	l.once.Do(func() {
		close(l.stopChan)
	})
	l.wg.Wait()
}

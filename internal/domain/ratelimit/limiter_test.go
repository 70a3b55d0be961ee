package ratelimit

import (
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeClock is a manually advanced time source.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(cfg Config) (*FailureLimiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)}
	return NewFailureLimiter(cfg, WithClock(clock.now)), clock
}

func TestCheck_AllowsUntilThreshold(t *testing.T) {
	l, _ := newTestLimiter(Config{MaxAttempts: 3, Window: time.Minute, Lockout: 5 * time.Minute})
	defer l.Dispose()

	for i := 0; i < 2; i++ {
		l.RecordFailure("203.0.113.1")
		if res := l.Check("203.0.113.1"); !res.Allowed {
			t.Fatalf("failure %d: should still be allowed", i+1)
		}
	}

	l.RecordFailure("203.0.113.1")
	res := l.Check("203.0.113.1")
	if res.Allowed {
		t.Fatal("third failure in window should lock out")
	}
	if res.RetryAfter <= 0 {
		t.Errorf("RetryAfter = %v, want > 0", res.RetryAfter)
	}
}

func TestCheck_LockoutExpires(t *testing.T) {
	l, clock := newTestLimiter(Config{MaxAttempts: 2, Window: time.Minute, Lockout: 2 * time.Minute})
	defer l.Dispose()

	l.RecordFailure("203.0.113.1")
	l.RecordFailure("203.0.113.1")
	if l.Check("203.0.113.1").Allowed {
		t.Fatal("expected lockout")
	}

	clock.advance(2*time.Minute + time.Second)
	if !l.Check("203.0.113.1").Allowed {
		t.Fatal("lockout should have expired")
	}
}

func TestCheck_LockoutPersistsThroughWindowPruning(t *testing.T) {
	l, clock := newTestLimiter(Config{MaxAttempts: 2, Window: 10 * time.Second, Lockout: 5 * time.Minute})
	defer l.Dispose()

	l.RecordFailure("203.0.113.1")
	l.RecordFailure("203.0.113.1")

	// Window has fully slid past; the lockout must still hold.
	clock.advance(time.Minute)
	res := l.Check("203.0.113.1")
	if res.Allowed {
		t.Fatal("lockout must persist after window pruning")
	}
	if res.RetryAfter > 4*time.Minute+time.Second || res.RetryAfter <= 0 {
		t.Errorf("RetryAfter = %v, want remaining lockout", res.RetryAfter)
	}
}

func TestCheck_OtherKeyUnaffected(t *testing.T) {
	l, _ := newTestLimiter(Config{MaxAttempts: 1, Window: time.Minute, Lockout: time.Minute})
	defer l.Dispose()

	l.RecordFailure("203.0.113.1")
	if l.Check("203.0.113.1").Allowed {
		t.Fatal("expected lockout for first key")
	}
	if !l.Check("203.0.113.2").Allowed {
		t.Fatal("second key must be unaffected")
	}
}

func TestReset_ClearsLockout(t *testing.T) {
	l, _ := newTestLimiter(Config{MaxAttempts: 1, Window: time.Minute, Lockout: time.Hour})
	defer l.Dispose()

	l.RecordFailure("203.0.113.1")
	if l.Check("203.0.113.1").Allowed {
		t.Fatal("expected lockout")
	}
	l.Reset("203.0.113.1")
	if !l.Check("203.0.113.1").Allowed {
		t.Fatal("reset should clear lockout")
	}
}

func TestLoopbackExemptByDefault(t *testing.T) {
	// LimitLoopback deliberately left at its zero value: an unconfigured
	// limiter must never lock the local operator out.
	l, _ := newTestLimiter(Config{MaxAttempts: 1, Window: time.Minute, Lockout: time.Hour})
	defer l.Dispose()

	for i := 0; i < 10; i++ {
		l.RecordFailure("127.0.0.1")
		l.RecordFailure("::1")
	}
	if !l.Check("127.0.0.1").Allowed || !l.Check("::1").Allowed {
		t.Fatal("loopback must be exempt by default")
	}
	if l.Size() != 0 {
		t.Errorf("exempt keys should not be tracked, Size() = %d", l.Size())
	}
}

func TestLoopbackLockableWhenConfigured(t *testing.T) {
	l, _ := newTestLimiter(Config{MaxAttempts: 1, Window: time.Minute, Lockout: time.Hour, LimitLoopback: true})
	defer l.Dispose()

	l.RecordFailure("127.0.0.1")
	if l.Check("127.0.0.1").Allowed {
		t.Fatal("loopback must be lockable with LimitLoopback set")
	}
}

func TestPrune_RemovesExpiredEntries(t *testing.T) {
	l, clock := newTestLimiter(Config{MaxAttempts: 5, Window: time.Minute, Lockout: time.Minute})
	defer l.Dispose()

	l.RecordFailure("203.0.113.1")
	l.RecordFailure("203.0.113.2")
	if l.Size() != 2 {
		t.Fatalf("Size() = %d, want 2", l.Size())
	}

	clock.advance(5 * time.Minute)
	l.Prune()
	if l.Size() != 0 {
		t.Errorf("Size() after prune = %d, want 0", l.Size())
	}
}

func TestPrune_KeepsActiveLockout(t *testing.T) {
	l, clock := newTestLimiter(Config{MaxAttempts: 1, Window: time.Second, Lockout: time.Hour})
	defer l.Dispose()

	l.RecordFailure("203.0.113.1")
	clock.advance(time.Minute)
	l.Prune()
	if l.Size() != 1 {
		t.Fatal("entry with active lockout must survive pruning")
	}
	if l.Check("203.0.113.1").Allowed {
		t.Fatal("lockout must still be active")
	}
}

func TestSweeper_StopsOnDispose(t *testing.T) {
	l := NewFailureLimiter(Config{
		MaxAttempts:   1,
		Window:        time.Minute,
		Lockout:       time.Minute,
		SweepInterval: time.Millisecond,
	})
	time.Sleep(5 * time.Millisecond)
	l.Dispose()
	// goleak in TestMain verifies the sweeper goroutine exited.
}

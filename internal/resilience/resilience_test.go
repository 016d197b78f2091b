package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/sony/gobreaker"

	"github.com/autopr/autopr/internal/action"
	"github.com/autopr/autopr/internal/errkind"
)

func transportErr() error {
	return errkind.New(errkind.Transport, "connection reset")
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b := NewBreakerSet(BreakerConfig{FailMax: 5, ResetAfter: time.Minute}, nil)

	for i := 0; i < 5; i++ {
		_, err := b.Do("github", "tok-1", func() (any, error) { return nil, transportErr() })
		if errkind.KindOf(err) != errkind.Transport {
			t.Fatalf("attempt %d: kind=%q", i, errkind.KindOf(err))
		}
	}
	if b.State("github", "tok-1") != gobreaker.StateOpen {
		t.Fatalf("breaker not open after fail_max")
	}

	// Open state fails fast without running fn.
	ran := false
	_, err := b.Do("github", "tok-1", func() (any, error) { ran = true; return nil, nil })
	if errkind.KindOf(err) != errkind.CircuitOpen {
		t.Fatalf("kind=%q", errkind.KindOf(err))
	}
	if ran {
		t.Fatalf("fn ran while breaker open")
	}
}

func TestBreakerIsolatesCredentials(t *testing.T) {
	b := NewBreakerSet(BreakerConfig{FailMax: 2, ResetAfter: time.Minute}, nil)
	for i := 0; i < 2; i++ {
		_, _ = b.Do("github", "tok-a", func() (any, error) { return nil, transportErr() })
	}
	if b.State("github", "tok-a") != gobreaker.StateOpen {
		t.Fatalf("tok-a breaker should be open")
	}
	if b.State("github", "tok-b") != gobreaker.StateClosed {
		t.Fatalf("tok-b breaker tripped by tok-a failures")
	}
}

func TestBreakerIgnoresCallerErrors(t *testing.T) {
	b := NewBreakerSet(BreakerConfig{FailMax: 2, ResetAfter: time.Minute}, nil)
	for i := 0; i < 10; i++ {
		_, _ = b.Do("github", "tok", func() (any, error) {
			return nil, errkind.New(errkind.InvalidInput, "bad request")
		})
	}
	if b.State("github", "tok") != gobreaker.StateClosed {
		t.Fatalf("caller errors tripped the breaker")
	}
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	b := NewBreakerSet(BreakerConfig{FailMax: 1, ResetAfter: 30 * time.Millisecond}, nil)
	_, _ = b.Do("api", "tok", func() (any, error) { return nil, transportErr() })
	if b.State("api", "tok") != gobreaker.StateOpen {
		t.Fatalf("breaker should be open")
	}
	time.Sleep(50 * time.Millisecond)
	v, err := b.Do("api", "tok", func() (any, error) { return "ok", nil })
	if err != nil || v != "ok" {
		t.Fatalf("half-open probe: %v, %v", v, err)
	}
	if b.State("api", "tok") != gobreaker.StateClosed {
		t.Fatalf("success in half-open should close the breaker")
	}
}

func TestLimiterExhaustion(t *testing.T) {
	l := NewLimiterSet(LimiterConfig{Capacity: 3, RefillRate: 0.001}, nil)
	for i := 0; i < 3; i++ {
		if err := l.Acquire("slack", "team-1"); err != nil {
			t.Fatalf("token %d denied: %v", i, err)
		}
	}
	err := l.Acquire("slack", "team-1")
	if errkind.KindOf(err) != errkind.RateLimited {
		t.Fatalf("kind=%q", errkind.KindOf(err))
	}
	// A different identifier has its own bucket.
	if err := l.Acquire("slack", "team-2"); err != nil {
		t.Fatalf("separate bucket denied: %v", err)
	}
}

func TestRetryableClassification(t *testing.T) {
	cases := []struct {
		kind  errkind.Kind
		class action.Idempotency
		want  bool
	}{
		{errkind.Transport, action.Pure, true},
		{errkind.Transport, action.Read, true},
		{errkind.Transport, action.Effectful, true},
		{errkind.RateLimited, action.Read, true},
		{errkind.RateLimited, action.Effectful, false},
		{errkind.Timeout, action.Read, true},
		{errkind.Timeout, action.Effectful, false},
		{errkind.Deadline, action.Pure, true},
		{errkind.Deadline, action.Read, false},
		{errkind.CircuitOpen, action.Pure, false},
		{errkind.InvalidInput, action.Pure, false},
		{errkind.AuthFailed, action.Read, false},
		{errkind.BudgetExceeded, action.Pure, false},
		{errkind.Conflict, action.Effectful, false},
		{errkind.Cancelled, action.Pure, false},
	}
	for _, tc := range cases {
		if got := Retryable(tc.kind, tc.class); got != tc.want {
			t.Fatalf("Retryable(%s, %s)=%v, want %v", tc.kind, tc.class, got, tc.want)
		}
	}
}

func TestDelayBoundsAndDeterminism(t *testing.T) {
	p := DefaultRetryPolicy()
	for attempt := 1; attempt <= 5; attempt++ {
		d1 := p.Delay("run-1:fetch", attempt)
		d2 := p.Delay("run-1:fetch", attempt)
		if d1 != d2 {
			t.Fatalf("delay not deterministic for attempt %d", attempt)
		}
		if d1 < 0 || d1 > p.MaxDelay {
			t.Fatalf("attempt %d delay out of bounds: %v", attempt, d1)
		}
	}
	if p.Delay("run-1:fetch", 1) == p.Delay("run-2:fetch", 1) {
		t.Fatalf("different seeds produced identical jitter")
	}
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	calls := 0
	attempts, err := Do(context.Background(), RetryPolicy{InitialDelay: time.Millisecond}, action.Read, "s", func(context.Context) error {
		calls++
		return errkind.New(errkind.InvalidInput, "no")
	})
	if calls != 1 || attempts != 1 {
		t.Fatalf("calls=%d attempts=%d", calls, attempts)
	}
	if errkind.KindOf(err) != errkind.InvalidInput {
		t.Fatalf("kind=%q", errkind.KindOf(err))
	}
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	calls := 0
	attempts, err := Do(context.Background(), RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}, action.Read, "s", func(context.Context) error {
		calls++
		if calls < 3 {
			return transportErr()
		}
		return nil
	})
	if err != nil || attempts != 3 {
		t.Fatalf("attempts=%d err=%v", attempts, err)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	calls := 0
	attempts, err := Do(context.Background(), RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}, action.Pure, "s", func(context.Context) error {
		calls++
		return transportErr()
	})
	if calls != 3 || attempts != 3 {
		t.Fatalf("calls=%d attempts=%d", calls, attempts)
	}
	if errkind.KindOf(err) != errkind.Transport {
		t.Fatalf("kind=%q", errkind.KindOf(err))
	}
}

func TestDoHonorsContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Do(ctx, RetryPolicy{MaxAttempts: 5, InitialDelay: 50 * time.Millisecond}, action.Pure, "s", func(context.Context) error {
		return transportErr()
	})
	if errkind.KindOf(err) != errkind.Cancelled {
		t.Fatalf("kind=%q", errkind.KindOf(err))
	}
}

package resilience

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/zeebo/blake3"

	"github.com/autopr/autopr/internal/action"
	"github.com/autopr/autopr/internal/errkind"
)

// RetryPolicy caps both attempts and elapsed wall time. Delays grow
// exponentially with full jitter, derived from a seed so identical runs
// replay identical schedules.
type RetryPolicy struct {
	MaxAttempts  int
	MaxElapsed   time.Duration
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Factor       float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		MaxElapsed:   30 * time.Second,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Factor:       2.0,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.MaxElapsed <= 0 {
		p.MaxElapsed = d.MaxElapsed
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = d.InitialDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.Factor <= 1 {
		p.Factor = d.Factor
	}
	return p
}

// Retryable decides whether an error may be retried for a given idempotency
// class. Pure steps retry any retryable kind plus time errors; reads retry
// the retryable kinds; effectful steps retry transport faults only.
func Retryable(kind errkind.Kind, class action.Idempotency) bool {
	switch kind {
	case errkind.CircuitOpen, errkind.InvalidInput, errkind.InvalidWorkflow,
		errkind.UnresolvedReference, errkind.SchemaMismatch,
		errkind.AuthFailed, errkind.Forbidden, errkind.BudgetExceeded,
		errkind.Conflict, errkind.Cancelled:
		return false
	}
	switch class {
	case action.Pure:
		return kind == errkind.Transport || kind == errkind.RateLimited ||
			kind == errkind.Timeout || kind == errkind.Deadline
	case action.Read:
		return kind == errkind.Transport || kind == errkind.RateLimited || kind == errkind.Timeout
	case action.Effectful:
		return kind == errkind.Transport
	}
	return false
}

// Delay computes the backoff before the given retry (1-indexed): an
// exponential base with full jitter in [0, base], seeded so the schedule is
// a pure function of (seed, attempt).
func (p RetryPolicy) Delay(seed string, attempt int) time.Duration {
	p = p.normalized()
	if attempt < 1 {
		attempt = 1
	}
	base := float64(p.InitialDelay) * math.Pow(p.Factor, float64(attempt-1))
	base = math.Min(base, float64(p.MaxDelay))
	return time.Duration(base * jitterUnit(fmt.Sprintf("%s:%d", seed, attempt)))
}

func jitterUnit(seed string) float64 {
	sum := blake3.Sum256([]byte(seed))
	u := binary.BigEndian.Uint64(sum[:8])
	return float64(u) / float64(^uint64(0))
}

// Do runs fn with classified retries. It returns the attempt count alongside
// the final error; context cancellation stops the loop between attempts.
func Do(ctx context.Context, p RetryPolicy, class action.Idempotency, seed string, fn func(context.Context) error) (int, error) {
	p = p.normalized()
	start := time.Now()
	var err error
	for attempt := 1; ; attempt++ {
		err = fn(ctx)
		if err == nil {
			return attempt, nil
		}
		if attempt >= p.MaxAttempts || !Retryable(errkind.KindOf(err), class) {
			return attempt, err
		}
		if ctx.Err() != nil {
			return attempt, errkind.Wrap(errkind.KindOf(ctx.Err()), err, "retry abandoned")
		}
		delay := p.Delay(seed, attempt)
		if time.Since(start)+delay > p.MaxElapsed {
			return attempt, err
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, errkind.Wrap(errkind.KindOf(ctx.Err()), err, "retry abandoned")
		case <-timer.C:
		}
	}
}

// Package resilience wraps outbound calls with circuit breakers, token
// bucket rate limits and classified retries. The engine composes the three
// around every adapter call.
package resilience

import (
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/autopr/autopr/internal/errkind"
)

// BreakerConfig tunes the per (endpoint, credential) breakers.
type BreakerConfig struct {
	FailMax    uint32
	ResetAfter time.Duration
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailMax: 5, ResetAfter: 60 * time.Second}
}

// BreakerSet lazily creates one breaker per (endpoint, credential) pair.
type BreakerSet struct {
	cfg BreakerConfig
	log *zap.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewBreakerSet(cfg BreakerConfig, log *zap.Logger) *BreakerSet {
	if cfg.FailMax == 0 {
		cfg.FailMax = DefaultBreakerConfig().FailMax
	}
	if cfg.ResetAfter <= 0 {
		cfg.ResetAfter = DefaultBreakerConfig().ResetAfter
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &BreakerSet{cfg: cfg, log: log, breakers: map[string]*gobreaker.CircuitBreaker{}}
}

func (b *BreakerSet) breaker(endpoint, credential string) *gobreaker.CircuitBreaker {
	key := endpoint + "|" + credential
	b.mu.Lock()
	defer b.mu.Unlock()
	if cb, ok := b.breakers[key]; ok {
		return cb
	}
	log := b.log
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        key,
		MaxRequests: 1,
		Timeout:     b.cfg.ResetAfter,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= b.cfg.FailMax
		},
		// Only endpoint faults trip the breaker; caller mistakes and policy
		// errors pass through without counting.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			switch errkind.KindOf(err) {
			case errkind.Transport, errkind.Timeout, errkind.Deadline:
				return false
			}
			return true
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Info("breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	b.breakers[key] = cb
	return cb
}

// Do executes fn behind the (endpoint, credential) breaker. While the
// breaker is open the call fails immediately with CircuitOpen.
func (b *BreakerSet) Do(endpoint, credential string, fn func() (any, error)) (any, error) {
	v, err := b.breaker(endpoint, credential).Execute(fn)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, errkind.Wrap(errkind.CircuitOpen, err, "endpoint %s unavailable", endpoint)
		}
		return nil, err
	}
	return v, nil
}

// State reports the breaker state for introspection and tests.
func (b *BreakerSet) State(endpoint, credential string) gobreaker.State {
	return b.breaker(endpoint, credential).State()
}

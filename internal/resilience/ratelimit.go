package resilience

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/autopr/autopr/internal/errkind"
)

// LimiterConfig is a token bucket: capacity tokens, refilled at RefillRate
// tokens per second.
type LimiterConfig struct {
	Capacity   int
	RefillRate float64
}

func DefaultLimiterConfig() LimiterConfig {
	return LimiterConfig{Capacity: 30, RefillRate: 10}
}

// LimiterSet keeps one bucket per (service, identifier) pair. Identifier is
// typically a repo or credential, so one hot tenant cannot starve the rest.
type LimiterSet struct {
	defaults LimiterConfig
	perSvc   map[string]LimiterConfig

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewLimiterSet(defaults LimiterConfig, perService map[string]LimiterConfig) *LimiterSet {
	if defaults.Capacity <= 0 {
		defaults.Capacity = DefaultLimiterConfig().Capacity
	}
	if defaults.RefillRate <= 0 {
		defaults.RefillRate = DefaultLimiterConfig().RefillRate
	}
	if perService == nil {
		perService = map[string]LimiterConfig{}
	}
	return &LimiterSet{defaults: defaults, perSvc: perService, limiters: map[string]*rate.Limiter{}}
}

func (l *LimiterSet) limiter(service, identifier string) *rate.Limiter {
	key := service + "|" + identifier
	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok := l.limiters[key]; ok {
		return lim
	}
	cfg, ok := l.perSvc[service]
	if !ok {
		cfg = l.defaults
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = l.defaults.Capacity
	}
	if cfg.RefillRate <= 0 {
		cfg.RefillRate = l.defaults.RefillRate
	}
	lim := rate.NewLimiter(rate.Limit(cfg.RefillRate), cfg.Capacity)
	l.limiters[key] = lim
	return lim
}

// Acquire takes one token or fails with RateLimited. Backoff is the retry
// layer's job, not the limiter's.
func (l *LimiterSet) Acquire(service, identifier string) error {
	if l.limiter(service, identifier).Allow() {
		return nil
	}
	return errkind.New(errkind.RateLimited, "rate limit exhausted for %s/%s", service, identifier)
}

package providers

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig is the per-provider token bucket shape.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// DefaultRateLimit allows a modest request rate for providers without an
// explicit config.
func DefaultRateLimit() RateLimitConfig {
	return RateLimitConfig{RPS: 5, Burst: 10}
}

// RateLimits maintains one token bucket per provider. Buckets are process
// local; fleet-wide budgets are out of scope, each replica polices itself.
type RateLimits struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	configs  map[string]RateLimitConfig
	defaults RateLimitConfig
}

// NewRateLimits builds the limiter set with per-provider overrides.
func NewRateLimits(defaults RateLimitConfig, perProvider map[string]RateLimitConfig) *RateLimits {
	if defaults.RPS <= 0 {
		defaults = DefaultRateLimit()
	}
	return &RateLimits{
		limiters: make(map[string]*rate.Limiter),
		configs:  perProvider,
		defaults: defaults,
	}
}

// Acquire takes one token for the provider, waiting for bucket refill only
// as long as ctx allows. When the required wait does not fit the caller's
// remaining budget the reservation is returned and the call fails fast
// with a retryable rate-limit error, so the chain can try the next
// provider instead of burning its deadline in line.
func (rl *RateLimits) Acquire(ctx context.Context, provider string) error {
	limiter := rl.limiterFor(provider)

	res := limiter.Reserve()
	if !res.OK() {
		return NewRateLimitError(provider, errors.New("burst exceeds bucket capacity"))
	}

	delay := res.Delay()
	if delay == 0 {
		return nil
	}

	if deadline, ok := ctx.Deadline(); ok && time.Now().Add(delay).After(deadline) {
		res.Cancel()
		return NewRateLimitError(provider, errors.New("bucket refill exceeds call budget"))
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		res.Cancel()
		return NewRateLimitError(provider, ctx.Err())
	}
}

// Tokens reports the provider's currently available tokens, for stats.
func (rl *RateLimits) Tokens(provider string) float64 {
	return rl.limiterFor(provider).Tokens()
}

func (rl *RateLimits) limiterFor(provider string) *rate.Limiter {
	rl.mu.RLock()
	limiter, ok := rl.limiters[provider]
	rl.mu.RUnlock()
	if ok {
		return limiter
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if limiter, ok := rl.limiters[provider]; ok {
		return limiter
	}

	cfg := rl.defaults
	if override, ok := rl.configs[provider]; ok && override.RPS > 0 {
		cfg = override
	}
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}

	limiter = rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst)
	rl.limiters[provider] = limiter
	return limiter
}

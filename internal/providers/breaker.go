package providers

import (
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/wattmine/minecore/internal/clock"
	"github.com/wattmine/minecore/internal/obs"
)

// BreakerConfig maps the configured breaker knobs onto gobreaker settings.
type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold"` // consecutive failures to open
	CoolDownMS       int `yaml:"cool_down_ms"`      // open -> half-open delay
	HalfOpenProbes   int `yaml:"half_open_probes"`  // max probes while half-open
}

// DefaultBreakerConfig returns production defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		CoolDownMS:       30000,
		HalfOpenProbes:   2,
	}
}

// BreakerStatus is the externally visible state of one provider's breaker.
type BreakerStatus struct {
	Provider            string     `json:"provider"`
	State               string     `json:"state"`
	ConsecutiveFailures uint32     `json:"consecutive_failures"`
	OpenedAt            *time.Time `json:"opened_at,omitempty"`
}

// BreakerSet holds one circuit breaker per provider for this process.
// Breakers are process-local: each replica makes its own trip decisions.
type BreakerSet struct {
	mu       sync.RWMutex
	breakers map[string]*gobreaker.CircuitBreaker
	configs  map[string]BreakerConfig
	defaults BreakerConfig
	emitter  *obs.Emitter
	clk      clock.Clock

	// openedAt has its own lock: transitions arrive from inside
	// gobreaker's mutex, and Snapshot reads breaker state while holding
	// mu, so sharing mu here would invert lock order.
	openedMu sync.Mutex
	openedAt map[string]time.Time
}

// NewBreakerSet builds the set. perProvider overrides defaults for the
// named providers.
func NewBreakerSet(defaults BreakerConfig, perProvider map[string]BreakerConfig, emitter *obs.Emitter, clk clock.Clock) *BreakerSet {
	if defaults.FailureThreshold <= 0 {
		defaults = DefaultBreakerConfig()
	}
	if clk == nil {
		clk = clock.System()
	}
	return &BreakerSet{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		openedAt: make(map[string]time.Time),
		configs:  perProvider,
		defaults: defaults,
		emitter:  emitter,
		clk:      clk,
	}
}

// Execute runs fn under the provider's breaker. While the breaker is open
// the call fails fast with ErrCircuitOpen; half-open admits a bounded
// number of probes.
func (bs *BreakerSet) Execute(provider string, fn func() (any, error)) (any, error) {
	cb := bs.breakerFor(provider)

	val, err := cb.Execute(fn)
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return nil, &ProviderError{Provider: provider, Retryable: false, Err: ErrCircuitOpen}
	}
	return val, err
}

// State returns the provider's current breaker state string.
func (bs *BreakerSet) State(provider string) string {
	return bs.breakerFor(provider).State().String()
}

// Snapshot reports every registered breaker for the /breakers endpoint.
func (bs *BreakerSet) Snapshot() []BreakerStatus {
	bs.mu.RLock()
	defer bs.mu.RUnlock()

	statuses := make([]BreakerStatus, 0, len(bs.breakers))
	for name, cb := range bs.breakers {
		status := BreakerStatus{
			Provider:            name,
			State:               cb.State().String(),
			ConsecutiveFailures: cb.Counts().ConsecutiveFailures,
		}
		bs.openedMu.Lock()
		if at, ok := bs.openedAt[name]; ok {
			t := at
			status.OpenedAt = &t
		}
		bs.openedMu.Unlock()
		statuses = append(statuses, status)
	}
	return statuses
}

// breakerFor returns the provider's breaker, creating it on first use.
// Double-checked locking keeps the read path cheap.
func (bs *BreakerSet) breakerFor(provider string) *gobreaker.CircuitBreaker {
	bs.mu.RLock()
	cb, ok := bs.breakers[provider]
	bs.mu.RUnlock()
	if ok {
		return cb
	}

	bs.mu.Lock()
	defer bs.mu.Unlock()
	if cb, ok := bs.breakers[provider]; ok {
		return cb
	}

	cfg := bs.defaults
	if override, ok := bs.configs[provider]; ok {
		cfg = override
	}

	settings := gobreaker.Settings{
		Name:        provider,
		MaxRequests: uint32(cfg.HalfOpenProbes),
		Timeout:     time.Duration(cfg.CoolDownMS) * time.Millisecond,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.FailureThreshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			bs.recordTransition(name, from, to, cfg.FailureThreshold)
		},
	}

	cb = gobreaker.NewCircuitBreaker(settings)
	bs.breakers[provider] = cb
	return cb
}

// recordTransition runs inside gobreaker's mutex. Reading cb.Counts()
// here would deadlock, so the open transition reports the configured
// threshold, which is what the consecutive failure count was at trip time.
func (bs *BreakerSet) recordTransition(name string, from, to gobreaker.State, threshold int) {
	failures := 0
	bs.openedMu.Lock()
	switch to {
	case gobreaker.StateOpen:
		bs.openedAt[name] = bs.clk.Now()
		failures = threshold
	case gobreaker.StateClosed:
		delete(bs.openedAt, name)
	}
	bs.openedMu.Unlock()

	bs.emitter.BreakerTransition(obs.BreakerEvent{
		Provider:            name,
		From:                from.String(),
		To:                  to.String(),
		ConsecutiveFailures: failures,
	})
}

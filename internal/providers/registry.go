package providers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/wattmine/minecore/internal/clock"
	"github.com/wattmine/minecore/internal/obs"
)

// Provider fetches one payload for a resource kind. Implementations own
// their wire format; params carry the fingerprint dimensions (site id,
// grid node, ...).
type Provider interface {
	ID() string
	Fetch(ctx context.Context, params map[string]string) (any, error)
}

// Policy is the per-provider call budget: timeout per attempt, attempt
// count, and the backoff curve between attempts.
type Policy struct {
	Timeout     time.Duration
	MaxAttempts int
	Backoff     Backoff
}

// DefaultPolicy returns the standard provider policy.
func DefaultPolicy() Policy {
	return Policy{
		Timeout:     3 * time.Second,
		MaxAttempts: 3,
		Backoff:     DefaultBackoff(),
	}
}

// Result is a successful chain resolution: the decoded value tagged with
// which provider served it and when.
type Result struct {
	Value     any
	Provider  string
	FetchedAt time.Time
}

// ValidateFunc is the kind's semantic check, applied after decode. A
// failure is non-retryable for that provider and moves the chain on.
type ValidateFunc func(any) error

type chainEntry struct {
	providers []Provider
	validate  ValidateFunc
}

// Registry maps resource kinds to ordered provider chains and executes
// fetches under the full resilience stack: rate limit, circuit breaker,
// per-attempt timeout, retry with backoff, validation.
type Registry struct {
	mu       sync.RWMutex
	chains   map[string]*chainEntry
	policies map[string]Policy

	breakers *BreakerSet
	limits   *RateLimits
	emitter  *obs.Emitter
	clk      clock.Clock
}

// NewRegistry wires the registry over shared breaker and limiter sets.
func NewRegistry(breakers *BreakerSet, limits *RateLimits, emitter *obs.Emitter, clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.System()
	}
	return &Registry{
		chains:   make(map[string]*chainEntry),
		policies: make(map[string]Policy),
		breakers: breakers,
		limits:   limits,
		emitter:  emitter,
		clk:      clk,
	}
}

// SetPolicy assigns the call budget for one provider. Providers without a
// policy run under DefaultPolicy.
func (r *Registry) SetPolicy(providerID string, policy Policy) {
	if policy.Timeout <= 0 {
		policy.Timeout = DefaultPolicy().Timeout
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = DefaultPolicy().MaxAttempts
	}
	r.mu.Lock()
	r.policies[providerID] = policy
	r.mu.Unlock()
}

// RegisterChain binds a kind to its ordered fallback chain. Order is
// priority: earlier providers are preferred.
func (r *Registry) RegisterChain(kind string, validate ValidateFunc, chain ...Provider) {
	r.mu.Lock()
	r.chains[kind] = &chainEntry{providers: chain, validate: validate}
	r.mu.Unlock()
}

// Kinds lists registered kinds.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.chains))
	for kind := range r.chains {
		kinds = append(kinds, kind)
	}
	return kinds
}

// Breakers exposes the breaker set for the observability surface.
func (r *Registry) Breakers() *BreakerSet { return r.breakers }

// Fetch walks the kind's chain in order until one provider yields a
// validated value. Providers with open breakers fail fast and the chain
// moves on. When the whole chain is exhausted the aggregate error wraps
// ErrAllSourcesFailed plus each provider's failure.
func (r *Registry) Fetch(ctx context.Context, kind string, params map[string]string) (*Result, error) {
	r.mu.RLock()
	entry, ok := r.chains[kind]
	r.mu.RUnlock()
	if !ok || len(entry.providers) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}

	var failures []error
	for _, provider := range entry.providers {
		if err := ctx.Err(); err != nil {
			failures = append(failures, err)
			break
		}

		started := r.clk.Now()
		value, err := r.fetchOne(ctx, provider, params, entry.validate)
		if err == nil {
			return &Result{
				Value:     value,
				Provider:  provider.ID(),
				FetchedAt: r.clk.Now(),
			}, nil
		}

		log.Debug().
			Err(err).
			Str("kind", kind).
			Str("provider", provider.ID()).
			Msg("provider failed, trying next in chain")
		r.emitter.Fetch(obs.FetchEvent{
			Kind:      kind,
			Source:    provider.ID(),
			Status:    "error",
			LatencyMS: r.clk.Since(started).Milliseconds(),
			Error:     err.Error(),
		})
		failures = append(failures, err)
	}

	return nil, errors.Join(append([]error{fmt.Errorf("%w: kind %s", ErrAllSourcesFailed, kind)}, failures...)...)
}

// fetchOne runs a single provider's retry loop. Each attempt passes
// through the local rate limiter and the provider's breaker; non-retryable
// failures and open circuits end the loop immediately.
func (r *Registry) fetchOne(ctx context.Context, provider Provider, params map[string]string, validate ValidateFunc) (any, error) {
	r.mu.RLock()
	policy, ok := r.policies[provider.ID()]
	r.mu.RUnlock()
	if !ok {
		policy = DefaultPolicy()
	}

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := policy.Backoff.Delay(attempt - 1)
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil, fmt.Errorf("retry wait: %w", ctx.Err())
			}
			timer.Stop()
		}

		value, err := r.attempt(ctx, provider, params, validate, policy.Timeout)
		if err == nil {
			return value, nil
		}
		lastErr = err

		if errors.Is(err, ErrCircuitOpen) || !IsRetryable(err) {
			break
		}
	}
	return nil, lastErr
}

func (r *Registry) attempt(ctx context.Context, provider Provider, params map[string]string, validate ValidateFunc, timeout time.Duration) (any, error) {
	if err := r.limits.Acquire(ctx, provider.ID()); err != nil {
		return nil, err
	}

	return r.breakers.Execute(provider.ID(), func() (any, error) {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		value, err := provider.Fetch(callCtx, params)
		if err != nil {
			return nil, normalizeError(provider.ID(), err)
		}
		if validate != nil {
			if verr := validate(value); verr != nil {
				return nil, NewValidationError(provider.ID(), verr)
			}
		}
		return value, nil
	})
}

// normalizeError guarantees every provider failure carries a retryability
// class. Errors already typed pass through.
func normalizeError(providerID string, err error) error {
	var perr *ProviderError
	if errors.As(err, &perr) {
		return err
	}
	return NewTransportError(providerID, err)
}

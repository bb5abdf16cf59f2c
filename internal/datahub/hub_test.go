package datahub

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wattmine/minecore/internal/cache"
	"github.com/wattmine/minecore/internal/coalesce"
	"github.com/wattmine/minecore/internal/providers"
)

// stubProvider counts invocations and delegates to fn.
type stubProvider struct {
	id    string
	calls int32
	fn    func(ctx context.Context, params map[string]string) (any, error)
}

func (p *stubProvider) ID() string { return p.id }

func (p *stubProvider) Fetch(ctx context.Context, params map[string]string) (any, error) {
	atomic.AddInt32(&p.calls, 1)
	return p.fn(ctx, params)
}

func (p *stubProvider) invocations() int32 { return atomic.LoadInt32(&p.calls) }

type hubFixture struct {
	hub      *Hub
	store    *cache.Store
	registry *providers.Registry
	group    *coalesce.Group
}

func newHubFixture(t *testing.T) *hubFixture {
	t.Helper()

	store := cache.New(cache.Config{Shards: 4, MaxEntries: 256, JanitorInterval: 0})
	t.Cleanup(store.Close)

	breakers := providers.NewBreakerSet(providers.BreakerConfig{
		FailureThreshold: 5,
		CoolDownMS:       60000,
		HalfOpenProbes:   1,
	}, nil, nil, nil)
	limits := providers.NewRateLimits(providers.RateLimitConfig{RPS: 10000, Burst: 10000}, nil)
	registry := providers.NewRegistry(breakers, limits, nil, nil)

	group := coalesce.New(coalesce.Config{MaxInflightAge: 5 * time.Second})
	t.Cleanup(group.Close)

	hub := New(store, nil, registry, group, nil, nil)
	return &hubFixture{hub: hub, store: store, registry: registry, group: group}
}

// registerKind wires a kind with a single-attempt policy per provider so
// failure counts in tests stay predictable.
func (f *hubFixture) registerKind(t *testing.T, k Kind, chain ...providers.Provider) {
	t.Helper()
	for _, p := range chain {
		f.registry.SetPolicy(p.ID(), providers.Policy{Timeout: 2 * time.Second, MaxAttempts: 1})
	}
	f.registry.RegisterChain(k.Name, nil, chain...)
	require.NoError(t, f.hub.RegisterKind(k))
}

// Ten concurrent fetches of a cold key must produce exactly one provider
// invocation, and every caller gets the same value without waiting in line
// behind ten sequential calls.
func TestFetchCoalescesConcurrentCallers(t *testing.T) {
	f := newHubFixture(t)

	provider := &stubProvider{id: "coingecko", fn: func(ctx context.Context, _ map[string]string) (any, error) {
		time.Sleep(200 * time.Millisecond)
		return 62000.0, nil
	}}
	f.registerKind(t, Kind{
		Name:     "btc-price",
		FreshTTL: time.Minute,
		StaleTTL: 2 * time.Minute,
		Deadline: 2 * time.Second,
	}, provider)

	const callers = 10
	values := make([]any, callers)
	errs := make([]error, callers)

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer wg.Done()
			values[i], _, errs[i] = f.hub.Fetch(context.Background(), "btc-price", nil)
		}(i)
	}
	wg.Wait()
	elapsed := time.Since(start)

	assert.Equal(t, int32(1), provider.invocations(), "provider must run once for the whole burst")
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, 62000.0, values[i])
	}
	// One 200ms provider call shared by everyone, not ten in sequence.
	assert.Less(t, elapsed, 400*time.Millisecond)
}

func TestFetchPrimaryErrorReachesAllCallers(t *testing.T) {
	f := newHubFixture(t)

	provider := &stubProvider{id: "coingecko", fn: func(ctx context.Context, _ map[string]string) (any, error) {
		time.Sleep(100 * time.Millisecond)
		return nil, &providers.ProviderError{Provider: "coingecko", Retryable: false, Err: errors.New("boom")}
	}}
	f.registerKind(t, Kind{
		Name:     "btc-price",
		FreshTTL: time.Minute,
		StaleTTL: 2 * time.Minute,
		Deadline: 2 * time.Second,
	}, provider)

	const callers = 5
	errs := make([]error, callers)
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = f.hub.Fetch(context.Background(), "btc-price", nil)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), provider.invocations())
	for i := 0; i < callers; i++ {
		require.Error(t, errs[i])
		assert.ErrorIs(t, errs[i], ErrAllSourcesFailed)
		assert.Contains(t, errs[i].Error(), "boom")
	}
	assert.Equal(t, 0, f.store.Stats().Entries, "failed fetches must not write cache entries")
}

func TestFetchFallsBackAlongChain(t *testing.T) {
	f := newHubFixture(t)

	primary := &stubProvider{id: "coingecko", fn: func(ctx context.Context, _ map[string]string) (any, error) {
		return nil, &providers.ProviderError{Provider: "coingecko", Retryable: false, Err: errors.New("offline")}
	}}
	fallback := &stubProvider{id: "kraken", fn: func(ctx context.Context, _ map[string]string) (any, error) {
		return 42.0, nil
	}}
	f.registerKind(t, Kind{
		Name:     "btc-price",
		FreshTTL: time.Minute,
		StaleTTL: 2 * time.Minute,
		Deadline: 2 * time.Second,
	}, primary, fallback)

	value, meta, err := f.hub.Fetch(context.Background(), "btc-price", nil)
	require.NoError(t, err)
	assert.Equal(t, 42.0, value)
	assert.Equal(t, "kraken", meta.Source)
	assert.Equal(t, int32(1), primary.invocations())
	assert.Equal(t, int32(1), fallback.invocations())
}

func TestFetchServesFreshFromCache(t *testing.T) {
	f := newHubFixture(t)

	provider := &stubProvider{id: "coingecko", fn: func(ctx context.Context, _ map[string]string) (any, error) {
		return 62000.0, nil
	}}
	f.registerKind(t, Kind{
		Name:     "btc-price",
		FreshTTL: time.Minute,
		StaleTTL: 2 * time.Minute,
		Deadline: 2 * time.Second,
	}, provider)

	_, meta, err := f.hub.Fetch(context.Background(), "btc-price", nil)
	require.NoError(t, err)
	assert.False(t, meta.Cached)

	value, meta, err := f.hub.Fetch(context.Background(), "btc-price", nil)
	require.NoError(t, err)
	assert.True(t, meta.Cached)
	assert.Equal(t, "coingecko", meta.Source)
	assert.Equal(t, 62000.0, value)
	assert.Equal(t, int32(1), provider.invocations(), "fresh hit must not touch providers")
}

// Stale-while-revalidate: the stale value is served immediately and a
// background refresh replaces it shortly after.
func TestFetchStaleWhileRevalidate(t *testing.T) {
	f := newHubFixture(t)

	provider := &stubProvider{id: "coingecko", fn: func(ctx context.Context, _ map[string]string) (any, error) {
		return 200.0, nil
	}}
	f.registerKind(t, Kind{
		Name:     "btc-price",
		FreshTTL: 30 * time.Second,
		StaleTTL: time.Minute,
		Deadline: 2 * time.Second,
		SWR:      true,
	}, provider)

	// Seed an entry that is already past fresh but inside its stale window.
	now := time.Now()
	fp := Fingerprint("btc-price", nil)
	seeded := cache.Entry{
		Value:      100.0,
		CreatedAt:  now.Add(-40 * time.Second),
		FreshUntil: now.Add(-10 * time.Second),
		StaleUntil: now.Add(50 * time.Second),
		Source:     "seed",
	}
	require.True(t, f.store.Put(fp, seeded))

	value, meta, err := f.hub.Fetch(context.Background(), "btc-price", nil)
	require.NoError(t, err)
	assert.Equal(t, 100.0, value, "stale value is served immediately")
	assert.True(t, meta.Cached)
	assert.Equal(t, "seed", meta.Source)

	require.Eventually(t, func() bool {
		entry, status := f.store.Get(fp)
		return status == cache.StatusHitFresh && entry.Value == 200.0 && entry.CreatedAt.After(seeded.CreatedAt)
	}, time.Second, 10*time.Millisecond, "background refresh must replace the stale entry")
	assert.Equal(t, int32(1), provider.invocations())
}

func TestFetchStaleWithoutSWRRefetchesInline(t *testing.T) {
	f := newHubFixture(t)

	provider := &stubProvider{id: "coingecko", fn: func(ctx context.Context, _ map[string]string) (any, error) {
		return 200.0, nil
	}}
	f.registerKind(t, Kind{
		Name:     "btc-price",
		FreshTTL: 30 * time.Second,
		StaleTTL: time.Minute,
		Deadline: 2 * time.Second,
		SWR:      false,
	}, provider)

	now := time.Now()
	fp := Fingerprint("btc-price", nil)
	require.True(t, f.store.Put(fp, cache.Entry{
		Value:      100.0,
		CreatedAt:  now.Add(-40 * time.Second),
		FreshUntil: now.Add(-10 * time.Second),
		StaleUntil: now.Add(50 * time.Second),
		Source:     "seed",
	}))

	value, meta, err := f.hub.Fetch(context.Background(), "btc-price", nil)
	require.NoError(t, err)
	assert.Equal(t, 200.0, value, "without swr a stale hit waits for the chain")
	assert.False(t, meta.Cached)
	assert.Equal(t, "coingecko", meta.Source)
	assert.Equal(t, int32(1), provider.invocations())
}

func TestFetchDegradedServeWhenChainExhausted(t *testing.T) {
	f := newHubFixture(t)

	provider := &stubProvider{id: "coingecko", fn: func(ctx context.Context, _ map[string]string) (any, error) {
		return nil, &providers.ProviderError{Provider: "coingecko", Retryable: false, Err: errors.New("upstream down")}
	}}
	f.registerKind(t, Kind{
		Name:     "btc-price",
		FreshTTL: 30 * time.Second,
		StaleTTL: time.Minute,
		Deadline: 2 * time.Second,
	}, provider)

	now := time.Now()
	fp := Fingerprint("btc-price", nil)
	require.True(t, f.store.Put(fp, cache.Entry{
		Value:      100.0,
		CreatedAt:  now.Add(-40 * time.Second),
		FreshUntil: now.Add(-10 * time.Second),
		StaleUntil: now.Add(50 * time.Second),
		Source:     "seed",
	}))

	value, meta, err := f.hub.Fetch(context.Background(), "btc-price", nil)
	require.NoError(t, err, "a serveable stale entry absorbs the chain failure")
	assert.Equal(t, 100.0, value)
	assert.True(t, meta.Degraded)
	assert.Equal(t, "seed", meta.Source)
}

func TestFetchAllSourcesFailedWithoutFallback(t *testing.T) {
	f := newHubFixture(t)

	provider := &stubProvider{id: "coingecko", fn: func(ctx context.Context, _ map[string]string) (any, error) {
		return nil, &providers.ProviderError{Provider: "coingecko", Retryable: false, Err: errors.New("upstream down")}
	}}
	f.registerKind(t, Kind{
		Name:     "btc-price",
		FreshTTL: 30 * time.Second,
		StaleTTL: time.Minute,
		Deadline: 2 * time.Second,
	}, provider)

	_, _, err := f.hub.Fetch(context.Background(), "btc-price", nil)
	assert.ErrorIs(t, err, ErrAllSourcesFailed)
}

// miner-telemetry caches an explicit empty fleet briefly so a flapping
// site agent cannot stampede the chain.
func TestFetchNegativeCachesEmptyFleet(t *testing.T) {
	f := newHubFixture(t)

	provider := &stubProvider{id: "site-agent", fn: func(ctx context.Context, _ map[string]string) (any, error) {
		return providers.FleetTelemetry{SiteID: "tx-alpha", AsOf: time.Now()}, nil
	}}
	f.registerKind(t, Kind{
		Name:       "miner-telemetry",
		FreshTTL:   30 * time.Second,
		StaleTTL:   time.Minute,
		Deadline:   2 * time.Second,
		CacheEmpty: true,
		EmptyTTL:   5 * time.Second,
		IsEmpty: func(v any) bool {
			ft, ok := v.(providers.FleetTelemetry)
			return ok && ft.Empty()
		},
	}, provider)

	params := map[string]string{"site": "tx-alpha"}
	_, _, err := f.hub.Fetch(context.Background(), "miner-telemetry", params)
	require.NoError(t, err)

	_, meta, err := f.hub.Fetch(context.Background(), "miner-telemetry", params)
	require.NoError(t, err)
	assert.True(t, meta.Cached, "empty fleet must be served from the negative cache")
	assert.Equal(t, int32(1), provider.invocations())
}

// Kinds that treat absence as a miss never cache it: the next fetch walks
// the chain again.
func TestFetchEmptyValueNotCachedWithoutRuling(t *testing.T) {
	f := newHubFixture(t)

	provider := &stubProvider{id: "site-agent", fn: func(ctx context.Context, _ map[string]string) (any, error) {
		return providers.FleetTelemetry{SiteID: "tx-alpha", AsOf: time.Now()}, nil
	}}
	f.registerKind(t, Kind{
		Name:     "miner-telemetry",
		FreshTTL: 30 * time.Second,
		StaleTTL: time.Minute,
		Deadline: 2 * time.Second,
		IsEmpty: func(v any) bool {
			ft, ok := v.(providers.FleetTelemetry)
			return ok && ft.Empty()
		},
	}, provider)

	params := map[string]string{"site": "tx-alpha"}
	_, _, err := f.hub.Fetch(context.Background(), "miner-telemetry", params)
	require.NoError(t, err)
	_, meta, err := f.hub.Fetch(context.Background(), "miner-telemetry", params)
	require.NoError(t, err)

	assert.False(t, meta.Cached)
	assert.Equal(t, int32(2), provider.invocations())
}

func TestFetchUnknownKind(t *testing.T) {
	f := newHubFixture(t)
	_, _, err := f.hub.Fetch(context.Background(), "never-registered", nil)
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestInvalidateRemovesEntry(t *testing.T) {
	f := newHubFixture(t)

	provider := &stubProvider{id: "coingecko", fn: func(ctx context.Context, _ map[string]string) (any, error) {
		return 62000.0, nil
	}}
	f.registerKind(t, Kind{
		Name:     "btc-price",
		FreshTTL: time.Minute,
		StaleTTL: 2 * time.Minute,
		Deadline: 2 * time.Second,
	}, provider)

	_, _, err := f.hub.Fetch(context.Background(), "btc-price", nil)
	require.NoError(t, err)

	assert.True(t, f.hub.Invalidate(context.Background(), "btc-price", nil))

	_, meta, err := f.hub.Fetch(context.Background(), "btc-price", nil)
	require.NoError(t, err)
	assert.False(t, meta.Cached)
	assert.Equal(t, int32(2), provider.invocations())
}

func TestProbeRunsChainOnce(t *testing.T) {
	f := newHubFixture(t)

	provider := &stubProvider{id: "coingecko", fn: func(ctx context.Context, _ map[string]string) (any, error) {
		return 62000.0, nil
	}}
	f.registerKind(t, Kind{
		Name:     "btc-price",
		FreshTTL: time.Minute,
		StaleTTL: 2 * time.Minute,
		Deadline: 2 * time.Second,
	}, provider)

	require.NoError(t, f.hub.Probe(context.Background(), "btc-price", nil))
	assert.Equal(t, int32(1), provider.invocations())

	// The probe warms the cache on the way through.
	_, meta, err := f.hub.Fetch(context.Background(), "btc-price", nil)
	require.NoError(t, err)
	assert.True(t, meta.Cached)
}

func TestRegisterKindValidation(t *testing.T) {
	f := newHubFixture(t)

	assert.Error(t, f.hub.RegisterKind(Kind{Name: "", Deadline: time.Second}))
	assert.Error(t, f.hub.RegisterKind(Kind{Name: "x", FreshTTL: time.Minute, StaleTTL: time.Second, Deadline: time.Second}))
	assert.Error(t, f.hub.RegisterKind(Kind{Name: "x", Deadline: 0}))
	assert.Error(t, f.hub.RegisterKind(Kind{Name: "x", Deadline: time.Second, CacheEmpty: true}))
}

package main

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/wattmine/minecore/internal/bus"
	"github.com/wattmine/minecore/internal/cache"
	"github.com/wattmine/minecore/internal/clock"
	"github.com/wattmine/minecore/internal/coalesce"
	"github.com/wattmine/minecore/internal/config"
	"github.com/wattmine/minecore/internal/datahub"
	"github.com/wattmine/minecore/internal/infrastructure/db"
	"github.com/wattmine/minecore/internal/infrastructure/httpclient"
	"github.com/wattmine/minecore/internal/obs"
	"github.com/wattmine/minecore/internal/providers"
)

// dataCore is the fetch side of the process: cache tiers, coalescer,
// provider registry and the hub on top. serve and probe build the same
// core; only what they run on it differs.
type dataCore struct {
	hub      *datahub.Hub
	group    *coalesce.Group
	registry *providers.Registry
	store    *cache.Store
	remote   *cache.RemoteTier
}

func (c *dataCore) Close() {
	c.store.Close()
	if c.remote != nil {
		if err := c.remote.Close(); err != nil {
			log.Warn().Err(err).Msg("remote cache close")
		}
	}
}

// buildCore assembles the hub from configuration. Every kind in the file
// gets its chain registered; a kind without a builtin codec is a config
// error, not something to limp past.
func buildCore(cfg *config.Config, metrics *obs.Metrics, emitter *obs.Emitter, clk clock.Clock) (*dataCore, error) {
	store := cache.New(cache.Config{
		Shards:     cfg.Cache.Shards,
		MaxEntries: cfg.Cache.MaxEntries,
		Clock:      clk,
		Emitter:    emitter,
	})

	// Nil when no addr is configured; the hub treats a nil tier as absent.
	remote := cache.NewRemoteTier(cache.RemoteConfig{
		Addr:      cfg.Redis.Addr,
		Password:  cfg.Redis.Password,
		DB:        cfg.Redis.DB,
		Prefix:    cfg.Redis.Prefix,
		OpTimeout: cfg.Redis.GetOpTimeout(),
	})

	group := coalesce.New(coalesce.Config{Clock: clk, Metrics: metrics})

	pool := httpclient.NewClientPool(httpclient.DefaultClientConfig())

	breakerCfgs := make(map[string]providers.BreakerConfig, len(cfg.Providers))
	limitCfgs := make(map[string]providers.RateLimitConfig, len(cfg.Providers))
	for id, p := range cfg.Providers {
		breakerCfgs[id] = providers.BreakerConfig{
			FailureThreshold: p.Breaker.Threshold,
			CoolDownMS:       p.Breaker.CoolDownMS,
			HalfOpenProbes:   p.Breaker.HalfOpenProbes,
		}
		limitCfgs[id] = providers.RateLimitConfig{RPS: p.RPS, Burst: p.Burst}
	}

	breakers := providers.NewBreakerSet(providers.DefaultBreakerConfig(), breakerCfgs, emitter, clk)
	limits := providers.NewRateLimits(providers.DefaultRateLimit(), limitCfgs)
	registry := providers.NewRegistry(breakers, limits, emitter, clk)

	for id, p := range cfg.Providers {
		registry.SetPolicy(id, providers.Policy{
			Timeout:     p.GetTimeout(),
			MaxAttempts: p.Retry.MaxAttempts,
			Backoff: providers.Backoff{
				InitialMS:  p.Retry.InitialDelayMS,
				MaxMS:      p.Retry.MaxDelayMS,
				Multiplier: p.Retry.Multiplier,
			},
		})
	}

	hub := datahub.New(store, remote, registry, group, emitter, clk)

	built := make(map[string]providers.Provider)
	for name, kc := range cfg.Hub.Kinds {
		decode, validate, isEmpty, err := kindCodec(name)
		if err != nil {
			return nil, err
		}

		chain := make([]providers.Provider, 0, len(kc.Chain))
		for _, id := range kc.Chain {
			p, ok := built[id]
			if !ok {
				p, err = buildProvider(id, cfg, pool)
				if err != nil {
					return nil, fmt.Errorf("kind %s: %w", name, err)
				}
				built[id] = p
			}
			chain = append(chain, p)
		}
		registry.RegisterChain(name, validate, chain...)

		if err := hub.RegisterKind(datahub.Kind{
			Name:          name,
			FreshTTL:      kc.GetFreshTTL(),
			StaleTTL:      kc.GetStaleTTL(),
			Deadline:      kc.GetDeadline(),
			SWR:           kc.SWR,
			MaxConcurrent: kc.MaxConcurrent,
			CacheEmpty:    kc.CacheEmpty,
			EmptyTTL:      kc.GetEmptyTTL(),
			Decode:        decode,
			IsEmpty:       isEmpty,
		}); err != nil {
			return nil, fmt.Errorf("kind %s: %w", name, err)
		}
	}

	return &dataCore{hub: hub, group: group, registry: registry, store: store, remote: remote}, nil
}

// buildProvider constructs one upstream adapter by id. The site agent is
// the only one addressed per site rather than by base URL.
func buildProvider(id string, cfg *config.Config, pool *httpclient.ClientPool) (providers.Provider, error) {
	pcfg, ok := cfg.Providers[id]
	if !ok {
		return nil, fmt.Errorf("provider %q not configured", id)
	}

	switch id {
	case "coingecko":
		return providers.NewCoinGeckoPrice(pcfg.BaseURL, pool), nil
	case "kraken":
		return providers.NewKrakenPrice(pcfg.BaseURL, pool), nil
	case "mempool":
		return providers.NewMempoolNetworkStats(pcfg.BaseURL, pool), nil
	case "blockchain-info":
		return providers.NewBlockchainInfoStats(pcfg.BaseURL, pool), nil
	case "site-agent":
		agents := make(map[string]string, len(cfg.Sites))
		for _, site := range cfg.Sites {
			agents[site.ID] = site.AgentURL
		}
		return providers.NewSiteAgentTelemetry(agents, pool), nil
	case "grid-feed":
		return providers.NewGridEnergyPrice(pcfg.BaseURL, pool), nil
	}
	return nil, fmt.Errorf("no builtin provider %q", id)
}

// kindCodec returns the decode, validate and emptiness hooks for one
// resource kind. Only miner-telemetry has an empty representation worth
// negative-caching.
func kindCodec(kind string) (func(json.RawMessage) (any, error), providers.ValidateFunc, func(any) bool, error) {
	switch kind {
	case "btc-price":
		return providers.DecodePriceQuote, providers.ValidatePriceQuote, nil, nil
	case "network-stats":
		return providers.DecodeNetworkStats, providers.ValidateNetworkStats, nil, nil
	case "miner-telemetry":
		isEmpty := func(v any) bool {
			fleet, ok := v.(providers.FleetTelemetry)
			return ok && fleet.Empty()
		}
		return providers.DecodeFleetTelemetry, providers.ValidateFleetTelemetry, isEmpty, nil
	case "energy-price":
		return providers.DecodeEnergyPrice, providers.ValidateEnergyPrice, nil, nil
	}
	return nil, nil, nil, fmt.Errorf("no codec for kind %q", kind)
}

// buildBus selects the event transport. Without an addr everything stays
// in-process, which is fine for a single node and useless beyond it.
func buildBus(cfg *config.Config) (bus.Publisher, error) {
	if cfg.Bus.Addr == "" {
		log.Warn().Msg("no bus address configured, events stay in-process")
		return bus.NewMemoryBus(), nil
	}
	return bus.NewStreamsBus(bus.StreamsConfig{
		Addr:         cfg.Bus.Addr,
		Password:     cfg.Bus.Password,
		DB:           cfg.Bus.DB,
		Streams:      cfg.Bus.Streams,
		Prefix:       cfg.Bus.Prefix,
		MaxLen:       cfg.Bus.MaxLen,
		BatchSize:    int64(cfg.Bus.BatchSize),
		BlockTimeout: cfg.Bus.GetBlockTimeout(),
		RetryIdle:    cfg.Bus.GetRetryIdle(),
		Logger:       log.Logger,
	})
}

func dbConfig(cfg *config.Config) db.Config {
	return db.Config{
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.GetConnMaxLifetime(),
		ConnMaxIdleTime: cfg.Database.GetConnMaxIdleTime(),
		QueryTimeout:    cfg.Database.GetQueryTimeout(),
	}
}

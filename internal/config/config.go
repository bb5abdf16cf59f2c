// Package config loads and validates the platform configuration. The main
// file is YAML (config/minecore.yaml); the curtailment threshold overlay
// written by the older site tooling is parsed separately, see
// curtailment.go.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full minecore configuration.
type Config struct {
	Cache     CacheConfig               `yaml:"cache"`
	Redis     RedisConfig               `yaml:"redis"`
	Database  DatabaseConfig            `yaml:"database"`
	Bus       BusConfig                 `yaml:"bus"`
	Hub       HubConfig                 `yaml:"hub"`
	Providers map[string]ProviderConfig `yaml:"providers"`
	Scheduler SchedulerConfig           `yaml:"scheduler"`
	Leader    LeaderConfig              `yaml:"leader"`
	Outbox    OutboxConfig              `yaml:"outbox"`
	HTTP      HTTPConfig                `yaml:"http"`
	Sites     []SiteConfig              `yaml:"sites"`

	// CurtailmentFile points at the legacy per-site threshold overlay.
	CurtailmentFile string `yaml:"curtailment_file"`
}

// CacheConfig sizes the in-process cache tier.
type CacheConfig struct {
	Shards     int `yaml:"shards"`
	MaxEntries int `yaml:"max_entries"`
}

// RedisConfig is the warm cache tier connection. An empty addr disables
// the tier; the hub then runs on the local shards alone.
type RedisConfig struct {
	Addr        string `yaml:"addr"`
	Password    string `yaml:"password"`
	DB          int    `yaml:"db"`
	Prefix      string `yaml:"prefix"`
	OpTimeoutMS int    `yaml:"op_timeout_ms"`
}

// DatabaseConfig is the Postgres connection for the outbox, inbox, DLQ
// and leader lease tables.
type DatabaseConfig struct {
	DSN                 string `yaml:"dsn"`
	MaxOpenConns        int    `yaml:"max_open_conns"`
	MaxIdleConns        int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeSecs int    `yaml:"conn_max_lifetime_secs"`
	ConnMaxIdleTimeSecs int    `yaml:"conn_max_idle_time_secs"`
	QueryTimeoutMS      int    `yaml:"query_timeout_ms"`
}

// BusConfig is the Redis Streams message bus. An empty addr selects the
// in-process bus, which is only useful for single-node development.
type BusConfig struct {
	Addr           string `yaml:"addr"`
	Password       string `yaml:"password"`
	DB             int    `yaml:"db"`
	Streams        int    `yaml:"streams"`
	Prefix         string `yaml:"prefix"`
	MaxLen         int64  `yaml:"max_len"`
	BatchSize      int    `yaml:"batch_size"`
	BlockTimeoutMS int    `yaml:"block_timeout_ms"`
	RetryIdleMS    int    `yaml:"retry_idle_ms"`
}

// HubConfig declares the resource kinds the hub serves.
type HubConfig struct {
	Kinds map[string]KindConfig `yaml:"kinds"`
}

// KindConfig is one resource kind's cache and fetch policy. Chain lists
// provider ids in fallback order.
type KindConfig struct {
	FreshTTLSecs  int      `yaml:"fresh_ttl_secs"`
	StaleTTLSecs  int      `yaml:"stale_ttl_secs"`
	DeadlineMS    int      `yaml:"deadline_ms"`
	SWR           bool     `yaml:"swr"`
	MaxConcurrent int      `yaml:"max_concurrent"`
	CacheEmpty    bool     `yaml:"cache_empty"`
	EmptyTTLSecs  int      `yaml:"empty_ttl_secs"`
	Chain         []string `yaml:"chain"`
}

// ProviderConfig is one upstream's call budget.
type ProviderConfig struct {
	BaseURL   string        `yaml:"base_url"`
	TimeoutMS int           `yaml:"timeout_ms"`
	RPS       float64       `yaml:"rps"`
	Burst     int           `yaml:"burst"`
	Retry     RetryConfig   `yaml:"retry"`
	Breaker   BreakerConfig `yaml:"breaker"`
}

// RetryConfig is the per-provider retry curve.
type RetryConfig struct {
	MaxAttempts    int     `yaml:"max_attempts"`
	InitialDelayMS int     `yaml:"initial_delay_ms"`
	MaxDelayMS     int     `yaml:"max_delay_ms"`
	Multiplier     float64 `yaml:"multiplier"`
}

// BreakerConfig is the per-provider circuit breaker policy.
type BreakerConfig struct {
	Threshold      int `yaml:"threshold"`
	CoolDownMS     int `yaml:"cool_down_ms"`
	HalfOpenProbes int `yaml:"half_open_probes"`
}

// SchedulerConfig lists the periodic jobs and the process identity used
// in lease rows.
type SchedulerConfig struct {
	HolderID string      `yaml:"holder_id"`
	Jobs     []JobConfig `yaml:"jobs"`
}

// JobConfig overrides one job's timing. Jobs not listed here run on
// their builtin intervals.
type JobConfig struct {
	Name         string `yaml:"name"`
	IntervalSecs int    `yaml:"interval_secs"`
	JitterSecs   int    `yaml:"jitter_secs"`
	DeadlineSecs int    `yaml:"deadline_secs"`
}

// LeaderConfig is the lease timing shared by every job election.
type LeaderConfig struct {
	TTLSecs       int `yaml:"ttl_secs"`
	HeartbeatSecs int `yaml:"heartbeat_secs"`
}

// OutboxConfig is the dispatcher policy.
type OutboxConfig struct {
	BatchSize          int `yaml:"batch_size"`
	PollIntervalMS     int `yaml:"poll_interval_ms"`
	MaxAttempts        int `yaml:"max_attempts"`
	PublishConcurrency int `yaml:"publish_concurrency"`
	MaxPayloadBytes    int `yaml:"max_payload_bytes"`
}

// HTTPConfig is the read-only observability server.
type HTTPConfig struct {
	Addr               string `yaml:"addr"`
	RequestTimeoutSecs int    `yaml:"request_timeout_secs"`
}

// SiteConfig is one mining site under management.
type SiteConfig struct {
	ID       string `yaml:"id"`
	AgentURL string `yaml:"agent_url"`
	GridNode string `yaml:"grid_node"`
}

// Load reads, defaults and validates the main configuration file.
// PG_DSN, REDIS_ADDR and BUS_REDIS_ADDR environment variables override
// their file counterparts so deployments can keep credentials out of
// the file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnv()
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Default returns the fully defaulted configuration, the same one an
// empty file loads to.
func Default() *Config {
	var cfg Config
	cfg.ApplyDefaults()
	return &cfg
}

func (c *Config) applyEnv() {
	if dsn := os.Getenv("PG_DSN"); dsn != "" {
		c.Database.DSN = dsn
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.Redis.Addr = addr
	}
	if addr := os.Getenv("BUS_REDIS_ADDR"); addr != "" {
		c.Bus.Addr = addr
	}
}

// ApplyDefaults fills every zero field. Kind and provider maps are
// seeded with the builtin WattMine chains only when absent entirely;
// entries present in the file keep their shape and only get zero fields
// topped up.
func (c *Config) ApplyDefaults() {
	if c.Cache.Shards <= 0 {
		c.Cache.Shards = 16
	}
	if c.Cache.MaxEntries <= 0 {
		c.Cache.MaxEntries = 8192
	}

	if c.Redis.Prefix == "" {
		c.Redis.Prefix = "minecore:cache:"
	}
	if c.Redis.OpTimeoutMS <= 0 {
		c.Redis.OpTimeoutMS = 500
	}

	if c.Database.MaxOpenConns <= 0 {
		c.Database.MaxOpenConns = 10
	}
	if c.Database.MaxIdleConns <= 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Database.ConnMaxLifetimeSecs <= 0 {
		c.Database.ConnMaxLifetimeSecs = 1800
	}
	if c.Database.ConnMaxIdleTimeSecs <= 0 {
		c.Database.ConnMaxIdleTimeSecs = 300
	}
	if c.Database.QueryTimeoutMS <= 0 {
		c.Database.QueryTimeoutMS = 30000
	}

	if c.Bus.Streams <= 0 {
		c.Bus.Streams = 4
	}
	if c.Bus.Prefix == "" {
		c.Bus.Prefix = "minecore:events:"
	}
	if c.Bus.MaxLen <= 0 {
		c.Bus.MaxLen = 100000
	}
	if c.Bus.BatchSize <= 0 {
		c.Bus.BatchSize = 64
	}
	if c.Bus.BlockTimeoutMS <= 0 {
		c.Bus.BlockTimeoutMS = 5000
	}
	if c.Bus.RetryIdleMS <= 0 {
		c.Bus.RetryIdleMS = 30000
	}

	if c.Hub.Kinds == nil {
		c.Hub.Kinds = defaultKinds()
	}
	for name, kind := range c.Hub.Kinds {
		kind.applyDefaults()
		c.Hub.Kinds[name] = kind
	}

	if c.Providers == nil {
		c.Providers = defaultProviders()
	}
	for name, provider := range c.Providers {
		provider.applyDefaults()
		c.Providers[name] = provider
	}

	if c.Leader.TTLSecs <= 0 {
		c.Leader.TTLSecs = 15
	}
	if c.Leader.HeartbeatSecs <= 0 {
		c.Leader.HeartbeatSecs = 5
	}

	if c.Outbox.BatchSize <= 0 {
		c.Outbox.BatchSize = 50
	}
	if c.Outbox.PollIntervalMS <= 0 {
		c.Outbox.PollIntervalMS = 500
	}
	if c.Outbox.MaxAttempts <= 0 {
		c.Outbox.MaxAttempts = 8
	}
	if c.Outbox.PublishConcurrency <= 0 {
		c.Outbox.PublishConcurrency = 8
	}
	if c.Outbox.MaxPayloadBytes <= 0 {
		c.Outbox.MaxPayloadBytes = 256 * 1024
	}

	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	if c.HTTP.RequestTimeoutSecs <= 0 {
		c.HTTP.RequestTimeoutSecs = 5
	}

	if c.CurtailmentFile == "" {
		c.CurtailmentFile = CurtailmentConfigPath()
	}
}

func (k *KindConfig) applyDefaults() {
	if k.FreshTTLSecs <= 0 {
		k.FreshTTLSecs = 30
	}
	if k.StaleTTLSecs <= 0 {
		k.StaleTTLSecs = 600
	}
	if k.DeadlineMS <= 0 {
		k.DeadlineMS = 1000
	}
	if k.MaxConcurrent <= 0 {
		k.MaxConcurrent = 8
	}
	if k.CacheEmpty && k.EmptyTTLSecs <= 0 {
		k.EmptyTTLSecs = 5
	}
}

func (p *ProviderConfig) applyDefaults() {
	if p.TimeoutMS <= 0 {
		p.TimeoutMS = 3000
	}
	if p.RPS <= 0 {
		p.RPS = 5
	}
	if p.Burst <= 0 {
		p.Burst = 10
	}
	if p.Retry.MaxAttempts <= 0 {
		p.Retry.MaxAttempts = 3
	}
	if p.Retry.InitialDelayMS <= 0 {
		p.Retry.InitialDelayMS = 100
	}
	if p.Retry.MaxDelayMS <= 0 {
		p.Retry.MaxDelayMS = 5000
	}
	if p.Retry.Multiplier <= 1 {
		p.Retry.Multiplier = 2.0
	}
	if p.Breaker.Threshold <= 0 {
		p.Breaker.Threshold = 5
	}
	if p.Breaker.CoolDownMS <= 0 {
		p.Breaker.CoolDownMS = 30000
	}
	if p.Breaker.HalfOpenProbes <= 0 {
		p.Breaker.HalfOpenProbes = 2
	}
}

// defaultKinds is the builtin WattMine kind set.
func defaultKinds() map[string]KindConfig {
	return map[string]KindConfig{
		"btc-price": {
			FreshTTLSecs: 30,
			StaleTTLSecs: 600,
			DeadlineMS:   800,
			SWR:          true,
			Chain:        []string{"coingecko", "kraken"},
		},
		"network-stats": {
			FreshTTLSecs: 60,
			StaleTTLSecs: 1800,
			DeadlineMS:   1000,
			SWR:          true,
			Chain:        []string{"mempool", "blockchain-info"},
		},
		"miner-telemetry": {
			FreshTTLSecs: 10,
			StaleTTLSecs: 60,
			DeadlineMS:   1500,
			CacheEmpty:   true,
			EmptyTTLSecs: 5,
			Chain:        []string{"site-agent"},
		},
		"energy-price": {
			FreshTTLSecs: 60,
			StaleTTLSecs: 300,
			DeadlineMS:   1000,
			SWR:          true,
			Chain:        []string{"grid-feed"},
		},
	}
}

// defaultProviders covers the builtin chains. The grid feed default
// points at the platform's internal settlement-price mirror; the site
// agent needs no base URL, its endpoints come from sites[*].agent_url.
func defaultProviders() map[string]ProviderConfig {
	base := func(url string, rps float64, burst int) ProviderConfig {
		p := ProviderConfig{BaseURL: url, RPS: rps, Burst: burst}
		p.applyDefaults()
		return p
	}
	return map[string]ProviderConfig{
		"coingecko":       base("https://api.coingecko.com", 2, 4),
		"kraken":          base("https://api.kraken.com", 2, 4),
		"mempool":         base("https://mempool.space", 5, 10),
		"blockchain-info": base("https://api.blockchain.info", 5, 10),
		"site-agent":      base("", 10, 20),
		"grid-feed":       base("https://grid-feed.wattmine.internal", 5, 10),
	}
}

// Validate checks the whole configuration for consistency.
func (c *Config) Validate() error {
	if c.Cache.Shards < 1 || c.Cache.Shards > 256 {
		return fmt.Errorf("cache shards must be between 1 and 256, got %d", c.Cache.Shards)
	}
	if c.Cache.MaxEntries < c.Cache.Shards {
		return fmt.Errorf("cache max_entries (%d) must be >= shards (%d)", c.Cache.MaxEntries, c.Cache.Shards)
	}

	if c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		return fmt.Errorf("database max_idle_conns (%d) must be <= max_open_conns (%d)",
			c.Database.MaxIdleConns, c.Database.MaxOpenConns)
	}

	if c.Bus.Streams < 1 || c.Bus.Streams > 64 {
		return fmt.Errorf("bus streams must be between 1 and 64, got %d", c.Bus.Streams)
	}

	for name, kind := range c.Hub.Kinds {
		if err := kind.validate(c.Providers); err != nil {
			return fmt.Errorf("kind %s: %w", name, err)
		}
	}
	for name, provider := range c.Providers {
		if err := provider.validate(name); err != nil {
			return fmt.Errorf("provider %s: %w", name, err)
		}
	}

	seen := make(map[string]bool, len(c.Scheduler.Jobs))
	for _, job := range c.Scheduler.Jobs {
		if job.Name == "" {
			return fmt.Errorf("scheduler job name cannot be empty")
		}
		if seen[job.Name] {
			return fmt.Errorf("scheduler job %s listed twice", job.Name)
		}
		seen[job.Name] = true
		if job.IntervalSecs < 1 {
			return fmt.Errorf("scheduler job %s: interval_secs must be positive, got %d", job.Name, job.IntervalSecs)
		}
		if job.JitterSecs < 0 || job.JitterSecs > job.IntervalSecs {
			return fmt.Errorf("scheduler job %s: jitter_secs must be within [0, interval], got %d", job.Name, job.JitterSecs)
		}
	}

	if c.Leader.HeartbeatSecs*3 > c.Leader.TTLSecs {
		return fmt.Errorf("leader heartbeat_secs (%d) must be at most a third of ttl_secs (%d)",
			c.Leader.HeartbeatSecs, c.Leader.TTLSecs)
	}

	if c.Outbox.MaxPayloadBytes < 1024 {
		return fmt.Errorf("outbox max_payload_bytes must be at least 1024, got %d", c.Outbox.MaxPayloadBytes)
	}

	siteIDs := make(map[string]bool, len(c.Sites))
	for _, site := range c.Sites {
		if site.ID == "" {
			return fmt.Errorf("site id cannot be empty")
		}
		if siteIDs[site.ID] {
			return fmt.Errorf("site %s listed twice", site.ID)
		}
		siteIDs[site.ID] = true
		if site.AgentURL == "" {
			return fmt.Errorf("site %s: agent_url cannot be empty", site.ID)
		}
		if site.GridNode == "" {
			return fmt.Errorf("site %s: grid_node cannot be empty", site.ID)
		}
	}

	return nil
}

func (k *KindConfig) validate(providers map[string]ProviderConfig) error {
	if k.StaleTTLSecs < k.FreshTTLSecs {
		return fmt.Errorf("stale_ttl_secs (%d) must be >= fresh_ttl_secs (%d)", k.StaleTTLSecs, k.FreshTTLSecs)
	}
	if k.DeadlineMS <= 0 {
		return fmt.Errorf("deadline_ms must be positive, got %d", k.DeadlineMS)
	}
	if len(k.Chain) == 0 {
		return fmt.Errorf("chain cannot be empty")
	}
	for _, id := range k.Chain {
		if _, ok := providers[id]; !ok {
			return fmt.Errorf("chain references unknown provider %q", id)
		}
	}
	return nil
}

func (p *ProviderConfig) validate(name string) error {
	// The site agent is addressed per site, every other provider needs a
	// base URL.
	if p.BaseURL == "" && name != "site-agent" {
		return fmt.Errorf("base_url cannot be empty")
	}
	if p.RPS <= 0 {
		return fmt.Errorf("rps must be positive, got %g", p.RPS)
	}
	if p.Burst < 1 {
		return fmt.Errorf("burst must be at least 1, got %d", p.Burst)
	}
	if p.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry max_attempts must be at least 1, got %d", p.Retry.MaxAttempts)
	}
	if p.Retry.MaxDelayMS < p.Retry.InitialDelayMS {
		return fmt.Errorf("retry max_delay_ms (%d) must be >= initial_delay_ms (%d)",
			p.Retry.MaxDelayMS, p.Retry.InitialDelayMS)
	}
	if p.Retry.Multiplier < 1 {
		return fmt.Errorf("retry multiplier must be >= 1, got %g", p.Retry.Multiplier)
	}
	if p.Breaker.Threshold < 1 {
		return fmt.Errorf("breaker threshold must be at least 1, got %d", p.Breaker.Threshold)
	}
	return nil
}

// Duration accessors, unit-suffixed ints to time.Duration.

func (r *RedisConfig) GetOpTimeout() time.Duration {
	return time.Duration(r.OpTimeoutMS) * time.Millisecond
}

func (d *DatabaseConfig) GetConnMaxLifetime() time.Duration {
	return time.Duration(d.ConnMaxLifetimeSecs) * time.Second
}

func (d *DatabaseConfig) GetConnMaxIdleTime() time.Duration {
	return time.Duration(d.ConnMaxIdleTimeSecs) * time.Second
}

func (d *DatabaseConfig) GetQueryTimeout() time.Duration {
	return time.Duration(d.QueryTimeoutMS) * time.Millisecond
}

func (b *BusConfig) GetBlockTimeout() time.Duration {
	return time.Duration(b.BlockTimeoutMS) * time.Millisecond
}

func (b *BusConfig) GetRetryIdle() time.Duration {
	return time.Duration(b.RetryIdleMS) * time.Millisecond
}

func (k *KindConfig) GetFreshTTL() time.Duration {
	return time.Duration(k.FreshTTLSecs) * time.Second
}

func (k *KindConfig) GetStaleTTL() time.Duration {
	return time.Duration(k.StaleTTLSecs) * time.Second
}

func (k *KindConfig) GetDeadline() time.Duration {
	return time.Duration(k.DeadlineMS) * time.Millisecond
}

func (k *KindConfig) GetEmptyTTL() time.Duration {
	return time.Duration(k.EmptyTTLSecs) * time.Second
}

func (p *ProviderConfig) GetTimeout() time.Duration {
	return time.Duration(p.TimeoutMS) * time.Millisecond
}

func (j *JobConfig) GetInterval() time.Duration {
	return time.Duration(j.IntervalSecs) * time.Second
}

func (j *JobConfig) GetJitter() time.Duration {
	return time.Duration(j.JitterSecs) * time.Second
}

func (j *JobConfig) GetDeadline() time.Duration {
	return time.Duration(j.DeadlineSecs) * time.Second
}

func (l *LeaderConfig) GetTTL() time.Duration {
	return time.Duration(l.TTLSecs) * time.Second
}

func (l *LeaderConfig) GetHeartbeat() time.Duration {
	return time.Duration(l.HeartbeatSecs) * time.Second
}

func (o *OutboxConfig) GetPollInterval() time.Duration {
	return time.Duration(o.PollIntervalMS) * time.Millisecond
}

func (h *HTTPConfig) GetRequestTimeout() time.Duration {
	return time.Duration(h.RequestTimeoutSecs) * time.Second
}

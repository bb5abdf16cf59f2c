package cache

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"
)

// RemoteTier mirrors cache entries in Redis so sibling processes can warm
// misses from each other instead of hitting providers. Strictly
// best-effort: every failure is logged and swallowed, and the in-process
// store stays authoritative for freshness decisions.
type RemoteTier struct {
	client    *redis.Client
	prefix    string
	opTimeout time.Duration
}

// RemoteConfig configures the Redis connection for the warm tier.
type RemoteConfig struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	Prefix    string        `yaml:"prefix"`
	OpTimeout time.Duration `yaml:"-"`
}

// remoteEnvelope is the wire form of an entry. Values travel as raw JSON;
// the data hub re-decodes them with the kind's decoder on adoption.
type remoteEnvelope struct {
	Value      json.RawMessage `json:"value"`
	CreatedAt  time.Time       `json:"created_at"`
	FreshUntil time.Time       `json:"fresh_until"`
	StaleUntil time.Time       `json:"stale_until"`
	Source     string          `json:"source"`
	ETag       string          `json:"etag,omitempty"`
}

// NewRemoteTier connects the warm tier. Returns nil when addr is empty so
// callers can wire it unconditionally.
func NewRemoteTier(cfg RemoteConfig) *RemoteTier {
	if cfg.Addr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRemoteTierWithClient(client, cfg.Prefix, cfg.OpTimeout)
}

// NewRemoteTierWithClient wraps an existing client; tests pass a redismock
// client here.
func NewRemoteTierWithClient(client *redis.Client, prefix string, opTimeout time.Duration) *RemoteTier {
	if prefix == "" {
		prefix = "minecore:cache:"
	}
	if opTimeout <= 0 {
		opTimeout = 500 * time.Millisecond
	}
	return &RemoteTier{client: client, prefix: prefix, opTimeout: opTimeout}
}

// Lookup fetches an entry by fingerprint. The returned entry carries its
// value as json.RawMessage. Expired entries and every error report as a
// plain miss.
func (rt *RemoteTier) Lookup(ctx context.Context, fingerprint string) (*Entry, bool) {
	if rt == nil {
		return nil, false
	}
	opCtx, cancel := context.WithTimeout(ctx, rt.opTimeout)
	defer cancel()

	raw, err := rt.client.Get(opCtx, rt.prefix+fingerprint).Bytes()
	if err != nil {
		if err != redis.Nil {
			log.Warn().Err(err).Str("fingerprint", fingerprint).Msg("remote cache lookup failed")
		}
		return nil, false
	}

	var env remoteEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		log.Warn().Err(err).Str("fingerprint", fingerprint).Msg("remote cache entry malformed")
		return nil, false
	}
	if !time.Now().Before(env.StaleUntil) {
		return nil, false
	}

	return &Entry{
		Value:      env.Value,
		CreatedAt:  env.CreatedAt,
		FreshUntil: env.FreshUntil,
		StaleUntil: env.StaleUntil,
		Source:     env.Source,
		ETag:       env.ETag,
	}, true
}

// Store writes an entry through to Redis with TTL equal to its remaining
// serveable lifetime. Already-expired entries are skipped.
func (rt *RemoteTier) Store(ctx context.Context, fingerprint string, entry Entry) {
	if rt == nil {
		return
	}
	ttl := time.Until(entry.StaleUntil)
	if ttl <= 0 {
		return
	}

	value, err := json.Marshal(entry.Value)
	if err != nil {
		log.Warn().Err(err).Str("fingerprint", fingerprint).Msg("remote cache value not serializable")
		return
	}
	payload, err := json.Marshal(remoteEnvelope{
		Value:      value,
		CreatedAt:  entry.CreatedAt,
		FreshUntil: entry.FreshUntil,
		StaleUntil: entry.StaleUntil,
		Source:     entry.Source,
		ETag:       entry.ETag,
	})
	if err != nil {
		log.Warn().Err(err).Str("fingerprint", fingerprint).Msg("remote cache envelope marshal failed")
		return
	}

	opCtx, cancel := context.WithTimeout(ctx, rt.opTimeout)
	defer cancel()
	if err := rt.client.Set(opCtx, rt.prefix+fingerprint, payload, ttl).Err(); err != nil {
		log.Warn().Err(err).Str("fingerprint", fingerprint).Msg("remote cache store failed")
	}
}

// Remove drops the remote copy, used on Invalidate.
func (rt *RemoteTier) Remove(ctx context.Context, fingerprint string) {
	if rt == nil {
		return
	}
	opCtx, cancel := context.WithTimeout(ctx, rt.opTimeout)
	defer cancel()
	if err := rt.client.Del(opCtx, rt.prefix+fingerprint).Err(); err != nil {
		log.Warn().Err(err).Str("fingerprint", fingerprint).Msg("remote cache remove failed")
	}
}

// Close releases the Redis connection.
func (rt *RemoteTier) Close() error {
	if rt == nil {
		return nil
	}
	return rt.client.Close()
}

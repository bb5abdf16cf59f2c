package datahub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/wattmine/minecore/internal/cache"
	"github.com/wattmine/minecore/internal/clock"
	"github.com/wattmine/minecore/internal/coalesce"
	"github.com/wattmine/minecore/internal/obs"
	"github.com/wattmine/minecore/internal/providers"
)

// ErrAllSourcesFailed is the hub-level sentinel for an exhausted provider
// chain with no serveable stale entry. It aliases the registry's sentinel
// so errors.Is works across both layers.
var ErrAllSourcesFailed = providers.ErrAllSourcesFailed

// ErrUnknownKind is returned for a kind that was never registered.
var ErrUnknownKind = providers.ErrUnknownKind

// Kind declares one resource kind: its cache lifetimes, fetch budget, and
// refresh policy. Decode rehydrates values adopted from the remote tier,
// where they travel as raw JSON. IsEmpty, together with CacheEmpty, encodes
// the kind's negative-caching ruling: kinds that never cache absence leave
// CacheEmpty false, kinds that do get a short EmptyTTL entry instead.
type Kind struct {
	Name          string
	FreshTTL      time.Duration
	StaleTTL      time.Duration
	Deadline      time.Duration
	SWR           bool
	MaxConcurrent int

	CacheEmpty bool
	EmptyTTL   time.Duration

	Decode  func(json.RawMessage) (any, error)
	IsEmpty func(any) bool
}

// Meta describes how a Fetch was resolved.
type Meta struct {
	Kind        string    `json:"kind"`
	Fingerprint string    `json:"fingerprint"`
	Source      string    `json:"source"`
	Cached      bool      `json:"cached"`
	Coalesced   bool      `json:"coalesced"`
	Degraded    bool      `json:"degraded"`
	CreatedAt   time.Time `json:"created_at"`
}

type kindState struct {
	Kind
	sem chan struct{}
}

// Hub composes the cache, the coalescer, and the provider registry into
// the typed Fetch surface the rest of the platform calls. The hub owns the
// orchestration: the cache knows nothing about the coalescer, and the
// registry knows nothing about either.
type Hub struct {
	store    *cache.Store
	remote   *cache.RemoteTier
	registry *providers.Registry
	group    *coalesce.Group
	emitter  *obs.Emitter
	clk      clock.Clock

	mu    sync.RWMutex
	kinds map[string]*kindState
}

// New wires the hub. remote may be nil when no warm tier is configured.
func New(store *cache.Store, remote *cache.RemoteTier, registry *providers.Registry, group *coalesce.Group, emitter *obs.Emitter, clk clock.Clock) *Hub {
	if clk == nil {
		clk = clock.System()
	}
	return &Hub{
		store:    store,
		remote:   remote,
		registry: registry,
		group:    group,
		emitter:  emitter,
		clk:      clk,
		kinds:    make(map[string]*kindState),
	}
}

// RegisterKind declares a resource kind. Registration is idempotent by
// name: re-registering replaces the previous declaration, so startup code
// can run unconditionally.
func (h *Hub) RegisterKind(k Kind) error {
	if k.Name == "" {
		return errors.New("kind name required")
	}
	if k.FreshTTL < 0 || k.StaleTTL < k.FreshTTL {
		return fmt.Errorf("kind %s: ttls must satisfy 0 <= fresh <= stale", k.Name)
	}
	if k.Deadline <= 0 {
		return fmt.Errorf("kind %s: deadline must be positive", k.Name)
	}
	if k.CacheEmpty && k.IsEmpty == nil {
		return fmt.Errorf("kind %s: cache_empty requires an IsEmpty predicate", k.Name)
	}

	ks := &kindState{Kind: k}
	if k.MaxConcurrent > 0 {
		ks.sem = make(chan struct{}, k.MaxConcurrent)
	}

	h.mu.Lock()
	h.kinds[k.Name] = ks
	h.mu.Unlock()
	return nil
}

// Kinds lists registered kind names.
func (h *Hub) Kinds() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.kinds))
	for name := range h.kinds {
		names = append(names, name)
	}
	return names
}

func (h *Hub) kind(name string) (*kindState, error) {
	h.mu.RLock()
	ks, ok := h.kinds[name]
	h.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, name)
	}
	return ks, nil
}

// Fetch resolves one value for (kind, params): fresh cache hits return
// immediately, stale hits under SWR return immediately with a background
// refresh, everything else runs the provider chain behind the coalescer.
// When the whole chain fails but a stale entry is still serveable, the
// entry is returned with meta.Degraded set instead of the error.
func (h *Hub) Fetch(ctx context.Context, kindName string, params map[string]string) (any, Meta, error) {
	ks, err := h.kind(kindName)
	if err != nil {
		return nil, Meta{Kind: kindName}, err
	}

	fp := Fingerprint(kindName, params)
	meta := Meta{Kind: kindName, Fingerprint: fp}
	started := h.clk.Now()

	entry, status := h.store.Get(fp)
	switch status {
	case cache.StatusHitFresh:
		meta.Cached = true
		meta.Source = entry.Source
		meta.CreatedAt = entry.CreatedAt
		h.emitter.Fetch(obs.FetchEvent{
			Kind: kindName, Fingerprint: fp, Source: entry.Source,
			Status: "ok", LatencyMS: h.clk.Since(started).Milliseconds(),
		})
		return entry.Value, meta, nil

	case cache.StatusHitStale:
		if ks.SWR {
			go h.refresh(ks, fp, params)
			meta.Cached = true
			meta.Source = entry.Source
			meta.CreatedAt = entry.CreatedAt
			h.emitter.Fetch(obs.FetchEvent{
				Kind: kindName, Fingerprint: fp, Source: entry.Source,
				Status: "stale", LatencyMS: h.clk.Since(started).Milliseconds(),
			})
			return entry.Value, meta, nil
		}
	}

	// Miss, or stale without SWR: fetch through the coalescer. The wait is
	// bounded by the caller's context and the kind deadline, whichever is
	// shorter; the primary applies its own budget inside compute.
	waitCtx, cancel := context.WithTimeout(ctx, ks.Deadline)
	defer cancel()

	result, ferr, shared := h.group.Do(waitCtx, fp, func(pctx context.Context) (any, error) {
		return h.compute(pctx, ks, fp, params)
	})
	meta.Coalesced = shared

	if ferr == nil {
		stored := result.(cache.Entry)
		meta.Source = stored.Source
		meta.CreatedAt = stored.CreatedAt
		return stored.Value, meta, nil
	}

	// The chain failed (or our wait ran out). A stale entry may still be
	// serveable: the one we fell through with, or one written meanwhile.
	if fallback, ok := h.serveable(fp); ok {
		meta.Cached = true
		meta.Degraded = true
		meta.Source = fallback.Source
		meta.CreatedAt = fallback.CreatedAt
		h.emitter.Fetch(obs.FetchEvent{
			Kind: kindName, Fingerprint: fp, Source: fallback.Source,
			Status: "stale", Degraded: true, Coalesced: shared,
			LatencyMS: h.clk.Since(started).Milliseconds(),
			Error:     ferr.Error(),
		})
		return fallback.Value, meta, nil
	}

	h.emitter.Fetch(obs.FetchEvent{
		Kind: kindName, Fingerprint: fp,
		Status: fetchStatus(ferr), Coalesced: shared,
		LatencyMS: h.clk.Since(started).Milliseconds(),
		Error:     ferr.Error(),
	})
	return nil, meta, ferr
}

// compute is the coalesced primary: it consults the remote tier, then
// walks the provider chain, and caches whatever it wins. It runs on a
// context detached from every caller, so the kind deadline is applied
// here.
func (h *Hub) compute(ctx context.Context, ks *kindState, fp string, params map[string]string) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, ks.Deadline)
	defer cancel()

	if ks.sem != nil {
		select {
		case ks.sem <- struct{}{}:
			defer func() { <-ks.sem }()
		case <-ctx.Done():
			return nil, fmt.Errorf("kind %s concurrency wait: %w", ks.Name, ctx.Err())
		}
	}

	if adopted, ok := h.adoptRemote(ctx, ks, fp); ok {
		return adopted, nil
	}

	started := h.clk.Now()
	res, err := h.registry.Fetch(ctx, ks.Name, params)
	if err != nil {
		return nil, err
	}

	freshTTL, staleTTL := ks.FreshTTL, ks.StaleTTL
	if ks.IsEmpty != nil && ks.IsEmpty(res.Value) {
		if !ks.CacheEmpty {
			// This kind treats absence as a miss: hand the value to the
			// callers of this flight but leave the cache untouched.
			return cache.NewEntry(res.Value, res.FetchedAt, 0, 0, res.Provider), nil
		}
		freshTTL, staleTTL = ks.EmptyTTL, ks.EmptyTTL
	}

	entry := cache.NewEntry(res.Value, res.FetchedAt, freshTTL, staleTTL, res.Provider)
	h.store.Put(fp, entry)
	h.remote.Store(ctx, fp, entry)

	h.emitter.Fetch(obs.FetchEvent{
		Kind: ks.Name, Fingerprint: fp, Source: res.Provider,
		Status: "ok", LatencyMS: h.clk.Since(started).Milliseconds(),
	})
	return entry, nil
}

// adoptRemote pulls a sibling process's fresh entry out of the warm tier
// so this process skips the provider chain entirely. Stale remote entries
// are ignored; they carry nothing the local state does not.
func (h *Hub) adoptRemote(ctx context.Context, ks *kindState, fp string) (cache.Entry, bool) {
	rentry, ok := h.remote.Lookup(ctx, fp)
	if !ok || !h.clk.Now().Before(rentry.FreshUntil) {
		return cache.Entry{}, false
	}

	value := rentry.Value
	if ks.Decode != nil {
		raw, isRaw := rentry.Value.(json.RawMessage)
		if !isRaw {
			return cache.Entry{}, false
		}
		decoded, err := ks.Decode(raw)
		if err != nil {
			log.Warn().Err(err).Str("kind", ks.Name).Str("fingerprint", fp).
				Msg("remote cache entry failed to decode, falling through to providers")
			return cache.Entry{}, false
		}
		value = decoded
	}

	entry := cache.Entry{
		Value:      value,
		CreatedAt:  rentry.CreatedAt,
		FreshUntil: rentry.FreshUntil,
		StaleUntil: rentry.StaleUntil,
		Source:     rentry.Source,
		ETag:       rentry.ETag,
	}
	h.store.Put(fp, entry)
	return entry, true
}

// refresh is the SWR background path: best-effort, detached from the
// caller, coalesced under the same fingerprint as foreground fetches.
func (h *Hub) refresh(ks *kindState, fp string, params map[string]string) {
	ctx, cancel := context.WithTimeout(context.Background(), ks.Deadline)
	defer cancel()

	_, err, _ := h.group.Do(ctx, fp, func(pctx context.Context) (any, error) {
		return h.compute(pctx, ks, fp, params)
	})
	if err != nil {
		log.Warn().Err(err).Str("kind", ks.Name).Str("fingerprint", fp).
			Msg("background refresh failed, stale entry stays")
	}
}

// serveable returns the cached entry if it is still fresh or stale but
// serveable.
func (h *Hub) serveable(fp string) (*cache.Entry, bool) {
	entry, status := h.store.Get(fp)
	if status == cache.StatusMiss {
		return nil, false
	}
	return entry, true
}

// Invalidate removes the entry from both tiers. Returns whether a local
// entry was present.
func (h *Hub) Invalidate(ctx context.Context, kindName string, params map[string]string) bool {
	fp := Fingerprint(kindName, params)
	removed := h.store.Invalidate(fp)
	h.remote.Remove(ctx, fp)
	return removed
}

// Probe runs one provider chain pass for the kind, bypassing both cache
// tiers, and reports whether any provider answered. The embedding program
// gates startup readiness on this; the hub itself takes no position.
func (h *Hub) Probe(ctx context.Context, kindName string, params map[string]string) error {
	ks, err := h.kind(kindName)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, ks.Deadline)
	defer cancel()

	res, err := h.registry.Fetch(ctx, ks.Name, params)
	if err != nil {
		return err
	}

	fp := Fingerprint(kindName, params)
	h.store.Put(fp, cache.NewEntry(res.Value, res.FetchedAt, ks.FreshTTL, ks.StaleTTL, res.Provider))
	return nil
}

// CacheStats exposes the underlying store counters for the observability
// surface.
func (h *Hub) CacheStats() cache.Stats {
	return h.store.Stats()
}

func fetchStatus(err error) string {
	if errors.Is(err, coalesce.ErrCoalesceTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "error"
}

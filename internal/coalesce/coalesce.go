package coalesce

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/wattmine/minecore/internal/clock"
	"github.com/wattmine/minecore/internal/obs"
)

var (
	// ErrCoalesceTimeout is returned to a waiter whose deadline expired
	// while the primary computation was still running. The primary keeps
	// running; only this waiter gives up.
	ErrCoalesceTimeout = errors.New("coalesce: waiter deadline exceeded")

	// ErrPrimaryFailed wraps a panic captured inside the primary
	// computation. Every waiter of that flight receives it.
	ErrPrimaryFailed = errors.New("coalesce: primary computation failed")
)

// Config controls slot aging and watchdog cadence.
type Config struct {
	// MaxInflightAge bounds how long a slot may stay in flight before the
	// watchdog clears it so a fresh attempt can start. Zero disables the
	// watchdog.
	MaxInflightAge time.Duration

	// WatchdogInterval is how often slots are scanned. Defaults to a
	// quarter of MaxInflightAge.
	WatchdogInterval time.Duration

	Clock   clock.Clock
	Metrics *obs.Metrics
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxInflightAge: 30 * time.Second,
	}
}

// Stats is a point-in-time view of coalescer activity.
type Stats struct {
	InFlight          int    `json:"in_flight"`
	PrimaryRuns       uint64 `json:"primary_runs"`
	CoalescedWaits    uint64 `json:"coalesced_waits"`
	Timeouts          uint64 `json:"timeouts"`
	Panics            uint64 `json:"panics"`
	WatchdogEvictions uint64 `json:"watchdog_evictions"`
}

type slotMeta struct {
	startedAt time.Time
	primaryID string
	waiters   int
}

// Group deduplicates concurrent computations by fingerprint: one primary
// runs, every concurrent caller receives the identical result. Built on
// singleflight with three additions the raw group does not give us:
// primaries run on a context detached from their caller, panics are
// converted to errors before singleflight can re-raise them, and a
// watchdog clears slots that out-live MaxInflightAge.
type Group struct {
	sf      singleflight.Group
	cfg     Config
	clk     clock.Clock
	metrics *obs.Metrics

	mu    sync.Mutex
	slots map[string]*slotMeta
	stats Stats

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a group and starts its watchdog when MaxInflightAge > 0.
func New(cfg Config) *Group {
	if cfg.Clock == nil {
		cfg.Clock = clock.System()
	}
	if cfg.WatchdogInterval <= 0 && cfg.MaxInflightAge > 0 {
		cfg.WatchdogInterval = cfg.MaxInflightAge / 4
		if cfg.WatchdogInterval < 50*time.Millisecond {
			cfg.WatchdogInterval = 50 * time.Millisecond
		}
	}

	g := &Group{
		cfg:     cfg,
		clk:     cfg.Clock,
		metrics: cfg.Metrics,
		slots:   make(map[string]*slotMeta),
		stopCh:  make(chan struct{}),
	}
	if cfg.MaxInflightAge > 0 {
		go g.watchdog()
	}
	return g
}

// Close stops the watchdog. In-flight computations finish normally.
func (g *Group) Close() {
	g.stopOnce.Do(func() { close(g.stopCh) })
}

// Do runs compute under the fingerprint's slot. The first caller becomes
// the primary; concurrent callers wait for its result. All callers of one
// flight receive the identical (value, error) pair. The returned bool
// reports whether the result was shared with other callers.
//
// The waiter honors ctx's deadline: on expiry it receives
// ErrCoalesceTimeout while the primary keeps running for the remaining
// waiters. The primary itself runs on a context detached from every
// caller; compute must apply its own budget.
func (g *Group) Do(ctx context.Context, fingerprint string, compute func(context.Context) (any, error)) (any, error, bool) {
	g.mu.Lock()
	meta, joined := g.slots[fingerprint]
	if !joined {
		meta = &slotMeta{
			startedAt: g.clk.Now(),
			primaryID: uuid.NewString()[:8],
			waiters:   1,
		}
		g.slots[fingerprint] = meta
		g.stats.PrimaryRuns++
	} else {
		meta.waiters++
		g.stats.CoalescedWaits++
	}
	primaryID := meta.primaryID
	g.mu.Unlock()

	// Callers come and go; the primary must not die with the first one.
	detached := context.WithoutCancel(ctx)

	ch := g.sf.DoChan(fingerprint, func() (any, error) {
		return g.runPrimary(detached, fingerprint, primaryID, compute)
	})

	select {
	case res := <-ch:
		return res.Val, res.Err, res.Shared || joined
	case <-ctx.Done():
		g.mu.Lock()
		if m, ok := g.slots[fingerprint]; ok && m.waiters > 0 {
			m.waiters--
		}
		g.stats.Timeouts++
		g.mu.Unlock()
		if g.metrics != nil {
			g.metrics.CoalesceTimeouts.Inc()
		}
		return nil, fmt.Errorf("%w: %s", ErrCoalesceTimeout, fingerprint), joined
	}
}

// runPrimary executes compute with panic capture. singleflight re-panics
// into a fresh goroutine when a DoChan fn panics, which would crash the
// process, so the recover has to happen here, before singleflight sees it.
func (g *Group) runPrimary(ctx context.Context, fingerprint, primaryID string, compute func(context.Context) (any, error)) (val any, err error) {
	if g.metrics != nil {
		g.metrics.CoalesceInFlight.Inc()
	}
	defer func() {
		if r := recover(); r != nil {
			g.mu.Lock()
			g.stats.Panics++
			g.mu.Unlock()
			log.Error().
				Str("fingerprint", fingerprint).
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("coalesced computation panicked")
			err = fmt.Errorf("%w: panic: %v", ErrPrimaryFailed, r)
		}
		g.finish(fingerprint, primaryID)
		if g.metrics != nil {
			g.metrics.CoalesceInFlight.Dec()
		}
	}()

	return compute(ctx)
}

// finish clears the slot, but only if it still belongs to this primary:
// the watchdog may have evicted it and a fresh flight taken its place.
func (g *Group) finish(fingerprint, primaryID string) {
	g.mu.Lock()
	if meta, ok := g.slots[fingerprint]; ok && meta.primaryID == primaryID {
		delete(g.slots, fingerprint)
	}
	g.mu.Unlock()
}

// Forget drops the slot and singleflight key so the next Do starts a new
// primary. The old primary's result still reaches its existing waiters.
func (g *Group) Forget(fingerprint string) {
	g.mu.Lock()
	delete(g.slots, fingerprint)
	g.mu.Unlock()
	g.sf.Forget(fingerprint)
}

// Stats returns a snapshot of counters and in-flight slots.
func (g *Group) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := g.stats
	out.InFlight = len(g.slots)
	return out
}

func (g *Group) watchdog() {
	ticker := time.NewTicker(g.cfg.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.sweep()
		case <-g.stopCh:
			return
		}
	}
}

// sweep evicts slots older than MaxInflightAge. The stuck primary is not
// cancelled (it runs detached); eviction just lets the next caller start a
// fresh attempt instead of queueing behind a wedged one.
func (g *Group) sweep() {
	now := g.clk.Now()

	g.mu.Lock()
	var evict []string
	for fp, meta := range g.slots {
		if now.Sub(meta.startedAt) > g.cfg.MaxInflightAge {
			evict = append(evict, fp)
			log.Warn().
				Str("fingerprint", fp).
				Dur("age", now.Sub(meta.startedAt)).
				Int("waiters", meta.waiters).
				Msg("coalesce watchdog evicting stuck slot")
		}
	}
	for _, fp := range evict {
		delete(g.slots, fp)
		g.stats.WatchdogEvictions++
	}
	g.mu.Unlock()

	for _, fp := range evict {
		g.sf.Forget(fp)
		if g.metrics != nil {
			g.metrics.CoalesceEvicted.Inc()
		}
	}
}

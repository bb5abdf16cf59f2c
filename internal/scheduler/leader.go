package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/wattmine/minecore/internal/clock"
	"github.com/wattmine/minecore/internal/obs"
	"github.com/wattmine/minecore/internal/persistence"
)

// ElectorConfig tunes leader election timing. The heartbeat must fit
// three times into the TTL so a single missed beat cannot cost the
// lease; Validate clamps rather than errors because these come from
// operator config.
type ElectorConfig struct {
	TTL            time.Duration
	HeartbeatEvery time.Duration
	AcquireEvery   time.Duration
}

func (c *ElectorConfig) setDefaults() {
	if c.TTL <= 0 {
		c.TTL = 15 * time.Second
	}
	if c.HeartbeatEvery <= 0 || c.HeartbeatEvery > c.TTL/3 {
		c.HeartbeatEvery = c.TTL / 3
	}
	if c.AcquireEvery <= 0 {
		c.AcquireEvery = c.TTL / 3
	}
}

// Elector runs the standby/leader loop for one lease name. At most one
// holder per name is leader at a time; everyone else polls Acquire until
// the row expires. Leadership is delivered as a context: the leading
// callback runs until its context is cancelled, either by losing the
// lease or by the parent context ending.
type Elector struct {
	leases   persistence.LeaseRepo
	holderID string
	cfg      ElectorConfig
	emitter  *obs.Emitter
	clk      clock.Clock
	log      zerolog.Logger
}

// NewElector wires an elector for this process.
func NewElector(leases persistence.LeaseRepo, holderID string, cfg ElectorConfig, emitter *obs.Emitter, clk clock.Clock, log zerolog.Logger) *Elector {
	cfg.setDefaults()
	if clk == nil {
		clk = clock.System()
	}
	return &Elector{
		leases:   leases,
		holderID: holderID,
		cfg:      cfg,
		emitter:  emitter,
		clk:      clk,
		log:      log,
	}
}

// Run cycles between standby and leadership until ctx is cancelled.
// leading is invoked once per term with a context that is cancelled the
// moment leadership cannot be proven anymore; Run waits for it to
// return before starting the next standby phase.
func (e *Elector) Run(ctx context.Context, lease string, leading func(ctx context.Context)) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		ok, err := e.leases.Acquire(ctx, lease, e.holderID, e.cfg.TTL, e.clk.Now().UTC())
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.log.Warn().Err(err).Str("lease", lease).Msg("lease acquire failed")
		}
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(e.cfg.AcquireEvery):
			}
			continue
		}

		e.emitter.Lease(obs.LeaseEvent{Lease: lease, HolderID: e.holderID, Action: "acquired"})
		e.lead(ctx, lease, leading)

		if ctx.Err() != nil {
			e.release(lease)
			return ctx.Err()
		}
		// Lost the lease. Back to standby; someone else is (or will be)
		// leader until their lease expires.
	}
}

// lead runs one leadership term: the callback in its own goroutine, the
// heartbeat loop in this one. Returns after the callback unwound.
func (e *Elector) lead(ctx context.Context, lease string, leading func(ctx context.Context)) {
	leaderCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		leading(leaderCtx)
	}()

	e.heartbeat(leaderCtx, lease, cancel)
	cancel()
	<-done
}

// heartbeat renews the lease until it cannot anymore. An immediate first
// beat verifies the acquire stuck; afterwards the loop ticks at the
// configured cadence. Transient repo errors are tolerated for half the
// TTL, after which the lease can no longer be trusted and leadership is
// surrendered locally before anyone else could have taken the row.
func (e *Elector) heartbeat(ctx context.Context, lease string, onLost func()) {
	var failingSince time.Time

	beat := func() bool {
		now := e.clk.Now().UTC()
		ok, err := e.leases.Heartbeat(ctx, lease, e.holderID, now)
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			if failingSince.IsZero() {
				failingSince = now
			}
			if now.Sub(failingSince) >= e.cfg.TTL/2 {
				e.log.Error().Err(err).Str("lease", lease).Msg("heartbeat failing past safety window, surrendering lease")
				return false
			}
			e.log.Warn().Err(err).Str("lease", lease).Msg("heartbeat failed, retrying within safety window")
			return true
		}
		failingSince = time.Time{}
		if !ok {
			// Zero rows updated: the row belongs to someone else now.
			return false
		}
		e.emitter.Lease(obs.LeaseEvent{Lease: lease, HolderID: e.holderID, Action: "renewed"})
		return true
	}

	if !beat() {
		e.lost(ctx, lease, onLost)
		return
	}

	ticker := time.NewTicker(e.cfg.HeartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !beat() {
				e.lost(ctx, lease, onLost)
				return
			}
		}
	}
}

// lost emits before cancelling so the check still sees a live context.
// A beat that failed because of shutdown is not a loss; release handles
// that path.
func (e *Elector) lost(ctx context.Context, lease string, onLost func()) {
	if ctx.Err() == nil {
		e.emitter.Lease(obs.LeaseEvent{Lease: lease, HolderID: e.holderID, Action: "lost"})
	}
	onLost()
}

// release gives the lease up explicitly on clean shutdown so the next
// leader does not have to wait out the TTL. Best-effort with a fresh
// context because the caller's is already cancelled.
func (e *Elector) release(lease string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := e.leases.Release(ctx, lease, e.holderID); err != nil {
		e.log.Warn().Err(err).Str("lease", lease).Msg("lease release failed")
		return
	}
	e.emitter.Lease(obs.LeaseEvent{Lease: lease, HolderID: e.holderID, Action: "released"})
}

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/wattmine/minecore/internal/clock"
	"github.com/wattmine/minecore/internal/datahub"
	"github.com/wattmine/minecore/internal/outbox"
	"github.com/wattmine/minecore/internal/persistence"
	"github.com/wattmine/minecore/internal/providers"
)

// Event kinds the builtin jobs enqueue.
const (
	KindMinerTelemetry      = "miner.telemetry"
	KindMarketSnapshot      = "market.snapshot"
	KindCurtailmentDecision = "curtailment.decision"
)

// Builtin job names.
const (
	JobTelemetryPoll   = "telemetry.poll"
	JobMarketRefresh   = "market.refresh"
	JobCurtailmentTick = "curtailment.tick"
)

// Site is one mining site the builtin jobs poll. A positive
// MarginUSDPerMWh narrows or widens the curtailment band for this site
// alone, overriding the policy default.
type Site struct {
	ID              string
	GridNode        string
	MarginUSDPerMWh float64
}

// Fetcher is the slice of the data hub the jobs need.
type Fetcher interface {
	Fetch(ctx context.Context, kind string, params map[string]string) (any, datahub.Meta, error)
}

// CurtailmentPolicy decides when a site should shut its fleet down. The
// break-even power price is where expected mining revenue equals energy
// cost; the margin is a hysteresis half-band around it so a price
// oscillating on the line does not flap the fleet.
type CurtailmentPolicy struct {
	MarginUSDPerMWh float64
	BTCPerBlock     float64
	BlocksPerDay    float64
}

func (p *CurtailmentPolicy) setDefaults() {
	if p.MarginUSDPerMWh <= 0 {
		p.MarginUSDPerMWh = 5
	}
	if p.BTCPerBlock <= 0 {
		p.BTCPerBlock = 3.125
	}
	if p.BlocksPerDay <= 0 {
		p.BlocksPerDay = 144
	}
}

// BreakEvenUSDPerMWh returns the power price at which the fleet mines at
// cost: daily revenue (network share times subsidy) over daily energy.
func (p CurtailmentPolicy) BreakEvenUSDPerMWh(btcUSD, fleetTHS, networkTHS, fleetPowerKW float64) (float64, error) {
	if networkTHS <= 0 {
		return 0, errors.New("network hashrate must be positive")
	}
	if fleetPowerKW <= 0 {
		return 0, errors.New("fleet power must be positive")
	}
	revenuePerDay := btcUSD * p.BlocksPerDay * p.BTCPerBlock * (fleetTHS / networkTHS)
	mwhPerDay := fleetPowerKW * 24 / 1000
	return revenuePerDay / mwhPerDay, nil
}

// JobDeps bundles everything the builtin jobs touch. Intervals default
// to 30s telemetry, 1m market, 5m curtailment.
type JobDeps struct {
	Hub    Fetcher
	Outbox *outbox.Outbox
	Tx     persistence.TxRunner
	Sites  []Site
	Policy CurtailmentPolicy

	TelemetryEvery   time.Duration
	MarketEvery      time.Duration
	CurtailmentEvery time.Duration

	Clock  clock.Clock
	Logger zerolog.Logger
}

// TelemetryEvent is the miner.telemetry payload.
type TelemetryEvent struct {
	Site     string                   `json:"site"`
	Fleet    providers.FleetTelemetry `json:"fleet"`
	Source   string                   `json:"source"`
	Degraded bool                     `json:"degraded"`
	PolledAt time.Time                `json:"polled_at"`
}

// MarketSnapshot is the market.snapshot payload.
type MarketSnapshot struct {
	BTCUSD      float64   `json:"btc_usd"`
	Venue       string    `json:"venue"`
	Difficulty  float64   `json:"difficulty"`
	HashrateTHS float64   `json:"hashrate_ths"`
	BlockHeight int64     `json:"block_height"`
	Degraded    bool      `json:"degraded"`
	AsOf        time.Time `json:"as_of"`
}

// CurtailmentDecision is the curtailment.decision payload.
type CurtailmentDecision struct {
	Site               string    `json:"site"`
	Action             string    `json:"action"`
	BreakEvenUSDPerMWh float64   `json:"break_even_usd_per_mwh"`
	EnergyUSDPerMWh    float64   `json:"energy_usd_per_mwh"`
	MarginUSDPerMWh    float64   `json:"margin_usd_per_mwh"`
	DecidedAt          time.Time `json:"decided_at"`
}

// Curtailment actions.
const (
	ActionCurtail = "curtail"
	ActionRun     = "run"
)

// builtinJobs holds the shared state of the three platform jobs.
type builtinJobs struct {
	hub    Fetcher
	outbox *outbox.Outbox
	txr    persistence.TxRunner
	sites  []Site
	policy CurtailmentPolicy
	clk    clock.Clock
	log    zerolog.Logger

	mu       sync.Mutex
	lastSide map[string]string
}

// RegisterBuiltinJobs wires telemetry.poll, market.refresh and
// curtailment.tick onto the scheduler.
func RegisterBuiltinJobs(s *Scheduler, deps JobDeps) {
	deps.Policy.setDefaults()
	if deps.Clock == nil {
		deps.Clock = clock.System()
	}
	if deps.TelemetryEvery <= 0 {
		deps.TelemetryEvery = 30 * time.Second
	}
	if deps.MarketEvery <= 0 {
		deps.MarketEvery = time.Minute
	}
	if deps.CurtailmentEvery <= 0 {
		deps.CurtailmentEvery = 5 * time.Minute
	}

	jobs := &builtinJobs{
		hub:      deps.Hub,
		outbox:   deps.Outbox,
		txr:      deps.Tx,
		sites:    deps.Sites,
		policy:   deps.Policy,
		clk:      deps.Clock,
		log:      deps.Logger,
		lastSide: make(map[string]string),
	}

	s.RegisterJob(JobConfig{Name: JobTelemetryPoll, Interval: deps.TelemetryEvery}, jobs.pollTelemetry)
	s.RegisterJob(JobConfig{Name: JobMarketRefresh, Interval: deps.MarketEvery}, jobs.refreshMarket)
	s.RegisterJob(JobConfig{Name: JobCurtailmentTick, Interval: deps.CurtailmentEvery}, jobs.tickCurtailment)
}

// pollTelemetry fetches each site's fleet through the hub and enqueues a
// telemetry event. One failing site does not stop the others.
func (j *builtinJobs) pollTelemetry(ctx context.Context) error {
	var errs []error
	for _, site := range j.sites {
		if err := j.pollSite(ctx, site); err != nil {
			errs = append(errs, fmt.Errorf("site %s: %w", site.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (j *builtinJobs) pollSite(ctx context.Context, site Site) error {
	value, meta, err := j.hub.Fetch(ctx, "miner-telemetry", map[string]string{"site": site.ID})
	if err != nil {
		return err
	}
	fleet, ok := value.(providers.FleetTelemetry)
	if !ok {
		return fmt.Errorf("unexpected telemetry type %T", value)
	}

	asOf := fleet.AsOf
	if asOf.IsZero() {
		asOf = j.clk.Now().UTC()
	}

	event := TelemetryEvent{
		Site:     site.ID,
		Fleet:    fleet,
		Source:   meta.Source,
		Degraded: meta.Degraded,
		PolledAt: j.clk.Now().UTC(),
	}
	key := fmt.Sprintf("telemetry:%s:%d", site.ID, asOf.Unix())

	return j.txr.RunInTx(ctx, func(tx *sqlx.Tx) error {
		_, err := j.outbox.EnqueueJSON(ctx, tx, KindMinerTelemetry, "site:"+site.ID, event, key)
		return err
	})
}

// refreshMarket pulls price and network stats through the hub, which
// refreshes both cache tiers as a side effect, and enqueues a combined
// snapshot keyed to the minute so replicas racing a leadership change
// collapse to one event.
func (j *builtinJobs) refreshMarket(ctx context.Context) error {
	priceVal, priceMeta, err := j.hub.Fetch(ctx, "btc-price", nil)
	if err != nil {
		return fmt.Errorf("btc-price: %w", err)
	}
	statsVal, statsMeta, err := j.hub.Fetch(ctx, "network-stats", nil)
	if err != nil {
		return fmt.Errorf("network-stats: %w", err)
	}

	price, ok := priceVal.(providers.PriceQuote)
	if !ok {
		return fmt.Errorf("unexpected price type %T", priceVal)
	}
	stats, ok := statsVal.(providers.NetworkStats)
	if !ok {
		return fmt.Errorf("unexpected stats type %T", statsVal)
	}

	now := j.clk.Now().UTC()
	snapshot := MarketSnapshot{
		BTCUSD:      price.USD,
		Venue:       price.Venue,
		Difficulty:  stats.Difficulty,
		HashrateTHS: stats.HashrateTHS,
		BlockHeight: stats.BlockHeight,
		Degraded:    priceMeta.Degraded || statsMeta.Degraded,
		AsOf:        now,
	}
	key := "market:" + now.Truncate(time.Minute).Format(time.RFC3339)

	return j.txr.RunInTx(ctx, func(tx *sqlx.Tx) error {
		_, err := j.outbox.EnqueueJSON(ctx, tx, KindMarketSnapshot, "market", snapshot, key)
		return err
	})
}

// tickCurtailment compares each site's energy price against its fleet
// break-even and enqueues a decision when the side changes. Inside the
// hysteresis band the previous side stands.
func (j *builtinJobs) tickCurtailment(ctx context.Context) error {
	priceVal, _, err := j.hub.Fetch(ctx, "btc-price", nil)
	if err != nil {
		return fmt.Errorf("btc-price: %w", err)
	}
	statsVal, _, err := j.hub.Fetch(ctx, "network-stats", nil)
	if err != nil {
		return fmt.Errorf("network-stats: %w", err)
	}
	price, ok := priceVal.(providers.PriceQuote)
	if !ok {
		return fmt.Errorf("unexpected price type %T", priceVal)
	}
	stats, ok := statsVal.(providers.NetworkStats)
	if !ok {
		return fmt.Errorf("unexpected stats type %T", statsVal)
	}

	var errs []error
	for _, site := range j.sites {
		if err := j.decideSite(ctx, site, price, stats); err != nil {
			errs = append(errs, fmt.Errorf("site %s: %w", site.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (j *builtinJobs) decideSite(ctx context.Context, site Site, price providers.PriceQuote, stats providers.NetworkStats) error {
	energyVal, _, err := j.hub.Fetch(ctx, "energy-price", map[string]string{"node": site.GridNode})
	if err != nil {
		return fmt.Errorf("energy-price: %w", err)
	}
	energy, ok := energyVal.(providers.EnergyPrice)
	if !ok {
		return fmt.Errorf("unexpected energy type %T", energyVal)
	}

	fleetVal, _, err := j.hub.Fetch(ctx, "miner-telemetry", map[string]string{"site": site.ID})
	if err != nil {
		return fmt.Errorf("miner-telemetry: %w", err)
	}
	fleet, ok := fleetVal.(providers.FleetTelemetry)
	if !ok {
		return fmt.Errorf("unexpected telemetry type %T", fleetVal)
	}
	if fleet.Empty() {
		// Nothing to curtail and nothing to spin up against a zero-power
		// denominator.
		j.log.Debug().Str("site", site.ID).Msg("fleet empty, skipping curtailment decision")
		return nil
	}

	breakeven, err := j.policy.BreakEvenUSDPerMWh(price.USD, fleet.HashrateTHS, stats.HashrateTHS, fleet.PowerKW)
	if err != nil {
		return err
	}

	margin := j.policy.MarginUSDPerMWh
	if site.MarginUSDPerMWh > 0 {
		margin = site.MarginUSDPerMWh
	}
	side, decisive := pickSide(energy.USDPerMWh, breakeven, margin)
	if !decisive {
		return nil
	}

	j.mu.Lock()
	previous := j.lastSide[site.ID]
	j.mu.Unlock()
	if previous == side {
		return nil
	}

	now := j.clk.Now().UTC()
	intervalStart := energy.IntervalStart
	if intervalStart.IsZero() {
		intervalStart = now.Truncate(5 * time.Minute)
	}
	decision := CurtailmentDecision{
		Site:               site.ID,
		Action:             side,
		BreakEvenUSDPerMWh: breakeven,
		EnergyUSDPerMWh:    energy.USDPerMWh,
		MarginUSDPerMWh:    margin,
		DecidedAt:          now,
	}
	key := fmt.Sprintf("curtail:%s:%s:%d", site.ID, side, intervalStart.Unix())

	err = j.txr.RunInTx(ctx, func(tx *sqlx.Tx) error {
		_, err := j.outbox.EnqueueJSON(ctx, tx, KindCurtailmentDecision, "site:"+site.ID, decision, key)
		return err
	})
	if err != nil {
		return err
	}

	// Flip the remembered side only once the decision is durably queued,
	// otherwise a failed transaction would swallow the change for good.
	j.mu.Lock()
	j.lastSide[site.ID] = side
	j.mu.Unlock()
	return nil
}

// pickSide maps an energy price onto curtail/run, or reports the price
// sits inside the hysteresis band where no side is decisive.
func pickSide(energyUSDPerMWh, breakeven, margin float64) (string, bool) {
	switch {
	case energyUSDPerMWh > breakeven+margin:
		return ActionCurtail, true
	case energyUSDPerMWh < breakeven-margin:
		return ActionRun, true
	default:
		return "", false
	}
}

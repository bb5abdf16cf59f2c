package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/wattmine/minecore/internal/clock"
	"github.com/wattmine/minecore/internal/config"
	"github.com/wattmine/minecore/internal/datahub"
	"github.com/wattmine/minecore/internal/infrastructure/db"
	httpsrv "github.com/wattmine/minecore/internal/interfaces/http"
	"github.com/wattmine/minecore/internal/obs"
	"github.com/wattmine/minecore/internal/outbox"
	"github.com/wattmine/minecore/internal/scheduler"
)

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd.Flags())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.System()
	metrics := obs.NewMetrics()
	emitter := obs.NewEmitter(metrics)

	manager, err := db.NewManager(dbConfig(cfg))
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer manager.Close()
	repo := manager.Repository()

	core, err := buildCore(cfg, metrics, emitter, clk)
	if err != nil {
		return err
	}
	defer core.Close()

	pub, err := buildBus(cfg)
	if err != nil {
		return fmt.Errorf("bus: %w", err)
	}
	defer pub.Close()

	dispatcher := outbox.NewDispatcher(outbox.DispatcherConfig{
		BatchSize:          cfg.Outbox.BatchSize,
		PollInterval:       cfg.Outbox.GetPollInterval(),
		MaxAttempts:        cfg.Outbox.MaxAttempts,
		PublishConcurrency: cfg.Outbox.PublishConcurrency,
		MaxPayloadBytes:    cfg.Outbox.MaxPayloadBytes,
		Logger:             log.Logger,
	}, *repo, pub, emitter, metrics, clk)

	sched := scheduler.New(scheduler.Config{
		HolderID: cfg.Scheduler.HolderID,
		Leader: scheduler.ElectorConfig{
			TTL:            cfg.Leader.GetTTL(),
			HeartbeatEvery: cfg.Leader.GetHeartbeat(),
		},
		Logger: log.Logger,
	}, repo.Leases, emitter, metrics, clk)

	sites, policy := buildSites(cfg)
	deps := scheduler.JobDeps{
		Hub:    core.hub,
		Outbox: outbox.New(repo.Outbox, clk),
		Tx:     repo.Tx,
		Sites:  sites,
		Policy: policy,
		Clock:  clk,
		Logger: log.Logger,
	}
	applyJobOverrides(cfg, &deps)
	scheduler.RegisterBuiltinJobs(sched, deps)

	srv, err := httpsrv.NewServer(httpsrv.Config{
		Addr:           cfg.HTTP.Addr,
		RequestTimeout: cfg.HTTP.GetRequestTimeout(),
	}, httpsrv.Sources{
		CacheStats:      core.hub.CacheStats,
		CoalesceStats:   core.group.Stats,
		BreakerSnapshot: core.registry.Breakers().Snapshot,
		OutboxPending:   repo.Outbox.PendingCount,
		DBHealth:        manager.Health(),
		Metrics:         metrics,
		Emitter:         emitter,
		Version:         version,
	}, log.Logger)
	if err != nil {
		return fmt.Errorf("http server: %w", err)
	}

	bootProbes(ctx, core.hub, cfg)

	g, runCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return dispatcher.Run(runCtx) })
	g.Go(func() error { return sched.Run(runCtx) })
	g.Go(srv.Start)
	g.Go(func() error {
		<-runCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	log.Info().
		Str("holder_id", sched.HolderID()).
		Str("addr", srv.Address()).
		Int("sites", len(sites)).
		Msg("minecore serving")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info().Msg("minecore stopped")
	return nil
}

// buildSites maps configured sites onto scheduler sites and folds in the
// per-site margins from the curtailment overlay. A missing or broken
// overlay is logged, not fatal: sites then run on the policy defaults.
func buildSites(cfg *config.Config) ([]scheduler.Site, scheduler.CurtailmentPolicy) {
	var policy scheduler.CurtailmentPolicy
	var profile *config.CurtailmentProfile

	overlay, err := config.LoadCurtailmentConfig(cfg.CurtailmentFile)
	if err != nil {
		log.Warn().Err(err).Str("path", cfg.CurtailmentFile).Msg("curtailment overlay not loaded, using default margins")
	} else if profile, err = overlay.ActiveProfile(); err != nil {
		log.Warn().Err(err).Str("path", cfg.CurtailmentFile).Msg("curtailment overlay has no usable profile")
	} else {
		for _, problem := range profile.ValidateProfile() {
			log.Warn().Str("profile", overlay.Active).Msg(problem)
		}
		policy = scheduler.CurtailmentPolicy{
			MarginUSDPerMWh: profile.MarginUSDPerMWh,
			BTCPerBlock:     profile.BTCPerBlock,
			BlocksPerDay:    profile.BlocksPerDay,
		}
	}

	sites := make([]scheduler.Site, 0, len(cfg.Sites))
	for _, s := range cfg.Sites {
		site := scheduler.Site{ID: s.ID, GridNode: s.GridNode}
		if profile != nil {
			site.MarginUSDPerMWh = profile.SiteMargin(s.ID)
		}
		sites = append(sites, site)
	}
	return sites, policy
}

// applyJobOverrides folds scheduler config entries onto the builtin job
// intervals.
func applyJobOverrides(cfg *config.Config, deps *scheduler.JobDeps) {
	for _, job := range cfg.Scheduler.Jobs {
		switch job.Name {
		case scheduler.JobTelemetryPoll:
			deps.TelemetryEvery = job.GetInterval()
		case scheduler.JobMarketRefresh:
			deps.MarketEvery = job.GetInterval()
		case scheduler.JobCurtailmentTick:
			deps.CurtailmentEvery = job.GetInterval()
		default:
			log.Warn().Str("job", job.Name).Msg("unknown scheduler job in config, ignored")
		}
	}
}

// bootProbes fetches each kind once and logs the outcome. Probes inform,
// they never gate: a cold chain at boot is the scheduler's problem to
// retry, not a reason to refuse to start.
func bootProbes(ctx context.Context, hub *datahub.Hub, cfg *config.Config) {
	probeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	for kind := range cfg.Hub.Kinds {
		params, ok := probeParams(kind, cfg.Sites)
		if !ok {
			log.Info().Str("kind", kind).Msg("boot probe skipped, no sites configured")
			continue
		}
		if err := hub.Probe(probeCtx, kind, params); err != nil {
			log.Warn().Err(err).Str("kind", kind).Msg("boot probe failed")
			continue
		}
		log.Info().Str("kind", kind).Msg("boot probe ok")
	}
}

// probeParams picks representative fetch params for one kind. Site-scoped
// kinds probe the first configured site.
func probeParams(kind string, sites []config.SiteConfig) (map[string]string, bool) {
	switch kind {
	case "miner-telemetry":
		if len(sites) == 0 {
			return nil, false
		}
		return map[string]string{"site": sites[0].ID}, true
	case "energy-price":
		if len(sites) == 0 {
			return nil, false
		}
		return map[string]string{"node": sites[0].GridNode}, true
	default:
		return nil, true
	}
}

// Package scheduler runs periodic jobs behind database leader election.
// Every job name elects independently on a lease row, so replicas split
// the job set when one process dies and exactly one replica ticks each
// job at any time.
package scheduler

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/wattmine/minecore/internal/clock"
	"github.com/wattmine/minecore/internal/obs"
	"github.com/wattmine/minecore/internal/persistence"
)

// ErrNoJobs is returned by Run with nothing registered.
var ErrNoJobs = errors.New("scheduler: no jobs registered")

// Job run results, used as the metric label.
const (
	runOK      = "ok"
	runError   = "error"
	runSkipped = "skipped"
)

// Handler executes one job run. The context carries the run deadline and
// is cancelled on leadership loss; handlers must honor it.
type Handler func(ctx context.Context) error

// JobConfig describes one periodic job.
type JobConfig struct {
	Name string
	// Interval between ticks.
	Interval time.Duration
	// Jitter delays the first tick by a random offset in [0, Jitter) so
	// a leadership change does not fire every job at once. Defaults to
	// a tenth of the interval.
	Jitter time.Duration
	// Deadline bounds one run. Defaults to the interval.
	Deadline time.Duration
}

func (c *JobConfig) setDefaults() {
	if c.Jitter <= 0 {
		c.Jitter = c.Interval / 10
	}
	if c.Deadline <= 0 {
		c.Deadline = c.Interval
	}
}

type job struct {
	cfg     JobConfig
	handler Handler
	running sync.Mutex
}

// Config wires a Scheduler.
type Config struct {
	// HolderID identifies this process in lease rows. Defaults to a
	// host-derived id.
	HolderID string
	Leader   ElectorConfig
	Logger   zerolog.Logger
}

// Scheduler owns a set of named periodic jobs. Each job ticks only while
// this process holds the job's leader lease; a run that overlaps the
// next tick causes that tick to be skipped rather than queued.
type Scheduler struct {
	elector *Elector
	emitter *obs.Emitter
	metrics *obs.Metrics
	clk     clock.Clock
	log     zerolog.Logger

	mu    sync.Mutex
	jobs  map[string]*job
	order []string
}

// New builds a scheduler over the lease repository. metrics may be nil.
func New(cfg Config, leases persistence.LeaseRepo, emitter *obs.Emitter, metrics *obs.Metrics, clk clock.Clock) *Scheduler {
	if clk == nil {
		clk = clock.System()
	}
	if cfg.HolderID == "" {
		cfg.HolderID = clock.NewHolderID("minecore")
	}
	return &Scheduler{
		elector: NewElector(leases, cfg.HolderID, cfg.Leader, emitter, clk, cfg.Logger),
		emitter: emitter,
		metrics: metrics,
		clk:     clk,
		log:     cfg.Logger,
		jobs:    make(map[string]*job),
	}
}

// HolderID returns this process's lease holder identity.
func (s *Scheduler) HolderID() string { return s.elector.holderID }

// Register adds a job with default jitter and deadline. Registering a
// name again replaces its interval and handler.
func (s *Scheduler) Register(name string, interval time.Duration, handler Handler) {
	s.RegisterJob(JobConfig{Name: name, Interval: interval}, handler)
}

// RegisterJob adds a fully specified job. Idempotent by name.
func (s *Scheduler) RegisterJob(cfg JobConfig, handler Handler) {
	cfg.setDefaults()

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.jobs[cfg.Name]; ok {
		existing.cfg = cfg
		existing.handler = handler
		return
	}
	s.jobs[cfg.Name] = &job{cfg: cfg, handler: handler}
	s.order = append(s.order, cfg.Name)
}

// Jobs returns registered job names in registration order.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Run elects and ticks every registered job until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	jobs := make([]*job, 0, len(s.order))
	for _, name := range s.order {
		jobs = append(jobs, s.jobs[name])
	}
	s.mu.Unlock()

	if len(jobs) == 0 {
		return ErrNoJobs
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, j := range jobs {
		j := j
		g.Go(func() error {
			return s.elector.Run(ctx, j.cfg.Name, func(leaderCtx context.Context) {
				s.tick(leaderCtx, j)
			})
		})
	}
	return g.Wait()
}

// tick drives one leadership term of one job: an immediate first run
// after the jitter offset, then interval ticks. In-flight runs are
// waited out on exit so handlers never outlive their leadership term
// unsupervised.
func (s *Scheduler) tick(ctx context.Context, j *job) {
	if j.cfg.Jitter > 0 {
		offset := time.Duration(rand.Int63n(int64(j.cfg.Jitter)))
		select {
		case <-ctx.Done():
			return
		case <-time.After(offset):
		}
	}

	var wg sync.WaitGroup
	defer wg.Wait()

	run := func() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.invoke(ctx, j)
		}()
	}

	run()
	ticker := time.NewTicker(j.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run()
		}
	}
}

// invoke executes one run unless the previous one is still holding the
// job mutex, in which case the tick is dropped.
func (s *Scheduler) invoke(ctx context.Context, j *job) {
	if !j.running.TryLock() {
		s.log.Warn().Str("job", j.cfg.Name).Msg("previous run still in flight, skipping tick")
		s.record(j.cfg.Name, runSkipped, 0)
		return
	}
	defer j.running.Unlock()

	runCtx, cancel := context.WithTimeout(ctx, j.cfg.Deadline)
	defer cancel()

	start := s.clk.Now()
	err := j.handler(runCtx)
	elapsed := s.clk.Since(start)

	if err != nil {
		s.log.Error().Err(err).Str("job", j.cfg.Name).Dur("elapsed", elapsed).Msg("job run failed")
		s.record(j.cfg.Name, runError, elapsed)
		return
	}
	s.log.Debug().Str("job", j.cfg.Name).Dur("elapsed", elapsed).Msg("job run complete")
	s.record(j.cfg.Name, runOK, elapsed)
}

func (s *Scheduler) record(name, result string, elapsed time.Duration) {
	if s.metrics == nil {
		return
	}
	s.metrics.JobRuns.WithLabelValues(name, result).Inc()
	if result != runSkipped {
		s.metrics.JobDuration.WithLabelValues(name).Observe(elapsed.Seconds())
	}
}

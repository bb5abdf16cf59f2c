package outbox

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/wattmine/minecore/internal/bus"
	"github.com/wattmine/minecore/internal/clock"
	"github.com/wattmine/minecore/internal/obs"
	"github.com/wattmine/minecore/internal/persistence"
)

// Publish attempt outcomes, also used as the metric label.
const (
	outcomeOK    = "ok"
	outcomeRetry = "retry"
	outcomeDLQ   = "dlq"
)

// DispatcherConfig tunes the outbox publish loop.
type DispatcherConfig struct {
	// BatchSize caps rows claimed per cycle.
	BatchSize int
	// PollInterval is the pause between cycles when the queue is drained.
	PollInterval time.Duration
	// MaxAttempts is the publish attempt budget before a record moves to
	// the dead letter queue.
	MaxAttempts int
	// PublishConcurrency bounds parallel bus publishes within one batch.
	// A claimed batch holds at most one record per partition, so parallel
	// publishing cannot reorder a partition.
	PublishConcurrency int
	// MaxPayloadBytes is the poison guard: larger payloads go straight to
	// the DLQ without a publish attempt.
	MaxPayloadBytes int

	// Retry curve for failed publishes, same shape as provider retries:
	// min(max, initial * multiplier^(n-1)) with uniform [0.5, 1.5) jitter.
	RetryInitialMS  int
	RetryMaxMS      int
	RetryMultiplier float64

	Logger zerolog.Logger
}

func (c *DispatcherConfig) setDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 8
	}
	if c.PublishConcurrency <= 0 {
		c.PublishConcurrency = 8
	}
	if c.MaxPayloadBytes <= 0 {
		c.MaxPayloadBytes = 256 << 10
	}
	if c.RetryInitialMS <= 0 {
		c.RetryInitialMS = 1000
	}
	if c.RetryMaxMS <= 0 {
		c.RetryMaxMS = 300000
	}
	if c.RetryMultiplier < 1 {
		c.RetryMultiplier = 2.0
	}
}

// Dispatcher drains the outbox table onto the bus. Each cycle claims the
// head records of due partitions under row locks, publishes them, and
// settles every record as processed, rescheduled, or dead-lettered in the
// same transaction. Multiple dispatchers may run against one database;
// SKIP LOCKED keeps them off each other's rows.
type Dispatcher struct {
	cfg     DispatcherConfig
	repo    persistence.OutboxRepo
	dlq     persistence.DLQRepo
	txr     persistence.TxRunner
	pub     bus.Publisher
	emitter *obs.Emitter
	metrics *obs.Metrics
	clk     clock.Clock
	log     zerolog.Logger
}

// NewDispatcher wires a dispatcher. metrics may be nil; the queue depth
// gauge is skipped then.
func NewDispatcher(cfg DispatcherConfig, repo persistence.Repository, pub bus.Publisher, emitter *obs.Emitter, metrics *obs.Metrics, clk clock.Clock) *Dispatcher {
	cfg.setDefaults()
	if clk == nil {
		clk = clock.System()
	}
	return &Dispatcher{
		cfg:     cfg,
		repo:    repo.Outbox,
		dlq:     repo.DLQ,
		txr:     repo.Tx,
		pub:     pub,
		emitter: emitter,
		metrics: metrics,
		clk:     clk,
		log:     cfg.Logger,
	}
}

// Run polls until ctx is cancelled. Full batches are followed up
// immediately so a backlog drains at publish speed, not poll speed.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		n, err := d.DispatchOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.log.Error().Err(err).Msg("outbox dispatch cycle failed")
		}
		if n >= d.cfg.BatchSize && ctx.Err() == nil {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// publishOutcome is the per-record result of one publish attempt. A nil
// err is a broker ack; an err wrapping ErrOutboxPoison skips retries.
type publishOutcome struct {
	err error
}

// DispatchOnce runs a single claim-publish-settle cycle and returns how
// many records it handled. Settlement failures roll the whole cycle back;
// the records are then reclaimed and republished later, which is why
// consumers must dedupe.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	var handled int
	var events []obs.OutboxEvent

	err := d.txr.RunInTx(ctx, func(tx *sqlx.Tx) error {
		events = events[:0]
		now := d.clk.Now().UTC()

		batch, err := d.repo.ClaimBatch(ctx, tx, now, d.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("claim batch: %w", err)
		}
		if len(batch) == 0 {
			handled = 0
			return nil
		}

		outcomes := d.publishBatch(ctx, batch)
		for i := range batch {
			ev, err := d.settle(ctx, tx, &batch[i], outcomes[i], now)
			if err != nil {
				return err
			}
			events = append(events, ev)
		}
		handled = len(batch)
		return nil
	})
	if err != nil {
		return 0, err
	}

	// Emit only after commit so a rolled-back cycle reports nothing.
	for _, ev := range events {
		d.emitter.OutboxPublish(ev)
	}
	d.updateQueueDepth(ctx)
	return handled, nil
}

// publishBatch attempts every non-poison record on the bus in parallel.
func (d *Dispatcher) publishBatch(ctx context.Context, batch []persistence.OutboxRecord) []publishOutcome {
	outcomes := make([]publishOutcome, len(batch))

	var g errgroup.Group
	g.SetLimit(d.cfg.PublishConcurrency)
	for i := range batch {
		rec := batch[i]

		if err := d.poisonCheck(rec); err != nil {
			outcomes[i] = publishOutcome{err: err}
			continue
		}

		idx := i
		g.Go(func() error {
			outcomes[idx] = publishOutcome{err: d.pub.Publish(ctx, bus.Message{
				EventID:        strconv.FormatInt(rec.ID, 10),
				Kind:           rec.Kind,
				PartitionKey:   rec.PartitionKey,
				IdempotencyKey: rec.IdempotencyKey,
				Payload:        rec.Payload,
				PublishedAt:    d.clk.Now().UTC(),
			})}
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// poisonCheck flags records that can never publish successfully.
func (d *Dispatcher) poisonCheck(rec persistence.OutboxRecord) error {
	if rec.Kind == "" {
		return fmt.Errorf("%w: empty kind", ErrOutboxPoison)
	}
	if len(rec.Payload) > d.cfg.MaxPayloadBytes {
		return fmt.Errorf("%w: payload %d bytes exceeds cap %d", ErrOutboxPoison, len(rec.Payload), d.cfg.MaxPayloadBytes)
	}
	return nil
}

// settle writes one record's fate inside the cycle transaction.
func (d *Dispatcher) settle(ctx context.Context, tx *sqlx.Tx, rec *persistence.OutboxRecord, outcome publishOutcome, now time.Time) (obs.OutboxEvent, error) {
	ev := obs.OutboxEvent{
		EventID: strconv.FormatInt(rec.ID, 10),
		Kind:    rec.Kind,
		Attempt: rec.Attempts + 1,
	}

	switch {
	case outcome.err == nil:
		if err := d.repo.MarkProcessed(ctx, tx, rec.ID, now); err != nil {
			return ev, fmt.Errorf("mark processed %d: %w", rec.ID, err)
		}
		ev.Outcome = outcomeOK

	case errors.Is(outcome.err, ErrOutboxPoison):
		if err := d.moveToDLQ(ctx, tx, rec, outcome.err.Error(), now); err != nil {
			return ev, err
		}
		ev.Outcome = outcomeDLQ
		ev.Error = outcome.err.Error()

	default:
		attempts := rec.Attempts + 1
		if attempts >= d.cfg.MaxAttempts {
			if err := d.moveToDLQ(ctx, tx, rec, outcome.err.Error(), now); err != nil {
				return ev, err
			}
			ev.Outcome = outcomeDLQ
			ev.Error = outcome.err.Error()
			break
		}

		next := now.Add(d.retryDelay(attempts))
		if err := d.repo.RecordFailure(ctx, tx, rec.ID, attempts, outcome.err.Error(), next); err != nil {
			return ev, fmt.Errorf("record failure %d: %w", rec.ID, err)
		}
		ev.Outcome = outcomeRetry
		ev.Error = outcome.err.Error()
	}

	return ev, nil
}

// moveToDLQ copies the record to the dead letter queue and removes it
// from the outbox, both inside the cycle transaction.
func (d *Dispatcher) moveToDLQ(ctx context.Context, tx *sqlx.Tx, rec *persistence.OutboxRecord, reason string, now time.Time) error {
	dead := &persistence.DLQRecord{
		EventID:        rec.ID,
		Kind:           rec.Kind,
		PartitionKey:   rec.PartitionKey,
		Payload:        rec.Payload,
		IdempotencyKey: rec.IdempotencyKey,
		ErrorMessage:   reason,
		RetryCount:     rec.Attempts + 1,
		FailedAt:       now,
	}
	if err := d.dlq.Insert(ctx, tx, dead); err != nil {
		return fmt.Errorf("dlq insert for outbox %d: %w", rec.ID, err)
	}
	if err := d.repo.Delete(ctx, tx, rec.ID); err != nil {
		return fmt.Errorf("outbox delete %d: %w", rec.ID, err)
	}
	return nil
}

// retryDelay computes the pause before attempt n+1 after n failures.
func (d *Dispatcher) retryDelay(attempts int) time.Duration {
	base := float64(d.cfg.RetryInitialMS) * math.Pow(d.cfg.RetryMultiplier, float64(attempts-1))
	if maxMS := float64(d.cfg.RetryMaxMS); base > maxMS {
		base = maxMS
	}
	jitter := 0.5 + rand.Float64() // [0.5, 1.5)
	return time.Duration(base*jitter) * time.Millisecond
}

func (d *Dispatcher) updateQueueDepth(ctx context.Context) {
	if d.metrics == nil {
		return
	}
	n, err := d.repo.PendingCount(ctx)
	if err != nil {
		if ctx.Err() == nil {
			d.log.Warn().Err(err).Msg("outbox pending count failed")
		}
		return
	}
	d.metrics.OutboxQueueDepth.Set(float64(n))
}

package outbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/wattmine/minecore/internal/clock"
	"github.com/wattmine/minecore/internal/persistence"
)

// ReplayRequest selects which dead-lettered events to re-enqueue.
// Zero values mean "no constraint"; already-replayed records are always
// skipped.
type ReplayRequest struct {
	Kind   string
	Since  time.Time
	Limit  int
	DryRun bool
}

// ReplayReport summarizes one replay invocation.
type ReplayReport struct {
	Matched  int      `json:"matched"`
	Replayed int      `json:"replayed"`
	Failed   int      `json:"failed"`
	Errors   []string `json:"errors,omitempty"`
}

// Partial reports whether some matched records could not be replayed.
func (r ReplayReport) Partial() bool { return r.Failed > 0 }

// Replayer re-enqueues dead-lettered events into the outbox. Each record
// goes back with a fresh idempotency key derived from its original one,
// so the replay is not swallowed by the dedupe that already saw the
// original key, while replaying one DLQ listing twice stays detectable
// through the replayed_at stamp.
type Replayer struct {
	dlq    persistence.DLQRepo
	txr    persistence.TxRunner
	outbox *Outbox
	clk    clock.Clock
	log    zerolog.Logger
}

// NewReplayer wires a replayer over the repository.
func NewReplayer(repo persistence.Repository, clk clock.Clock, log zerolog.Logger) *Replayer {
	if clk == nil {
		clk = clock.System()
	}
	return &Replayer{
		dlq:    repo.DLQ,
		txr:    repo.Tx,
		outbox: New(repo.Outbox, clk),
		clk:    clk,
		log:    log,
	}
}

// Stats summarizes the dead letter queue.
func (r *Replayer) Stats(ctx context.Context, filter persistence.DLQFilter) (persistence.DLQStats, error) {
	return r.dlq.Stats(ctx, filter)
}

// List returns dead-lettered records matching the filter, oldest first.
func (r *Replayer) List(ctx context.Context, filter persistence.DLQFilter) ([]persistence.DLQRecord, error) {
	return r.dlq.List(ctx, filter)
}

// Replay re-enqueues matching records one transaction at a time, so a
// failure on record N leaves records 1..N-1 replayed. The report carries
// per-record errors; callers decide how a partial replay exits.
func (r *Replayer) Replay(ctx context.Context, req ReplayRequest) (ReplayReport, error) {
	records, err := r.dlq.List(ctx, persistence.DLQFilter{
		Kind:  req.Kind,
		Since: req.Since,
		Limit: req.Limit,
	})
	if err != nil {
		return ReplayReport{}, fmt.Errorf("list dlq: %w", err)
	}

	report := ReplayReport{Matched: len(records)}
	if req.DryRun {
		for _, rec := range records {
			r.log.Info().
				Int64("dlq_id", rec.ID).
				Str("kind", rec.Kind).
				Str("partition_key", rec.PartitionKey).
				Time("failed_at", rec.FailedAt).
				Msg("dry run, would replay")
		}
		return report, nil
	}

	// One salt per invocation: every record replayed in this run gets a
	// distinct derived key, and a later second invocation derives fresh
	// ones again.
	salt := uuid.NewString()

	for _, rec := range records {
		if err := r.replayOne(ctx, rec, salt); err != nil {
			report.Failed++
			report.Errors = append(report.Errors, fmt.Sprintf("dlq %d: %v", rec.ID, err))
			r.log.Error().Err(err).Int64("dlq_id", rec.ID).Str("kind", rec.Kind).Msg("replay failed")
			continue
		}
		report.Replayed++
	}
	return report, nil
}

// replayOne re-enqueues a single record and stamps it replayed, in one
// transaction.
func (r *Replayer) replayOne(ctx context.Context, rec persistence.DLQRecord, salt string) error {
	return r.txr.RunInTx(ctx, func(tx *sqlx.Tx) error {
		key := DeriveReplayKey(rec.IdempotencyKey, salt)
		if _, err := r.outbox.Enqueue(ctx, tx, rec.Kind, rec.PartitionKey, rec.Payload, key); err != nil {
			return err
		}
		if err := r.dlq.MarkReplayed(ctx, tx, rec.ID, r.clk.Now().UTC()); err != nil {
			return fmt.Errorf("mark replayed: %w", err)
		}
		return nil
	})
}

// DeriveReplayKey builds the idempotency key for a replayed event. It is
// deterministic in (original, salt) and never collides with an original
// key thanks to the prefix.
func DeriveReplayKey(original, salt string) string {
	sum := sha256.Sum256([]byte(original + ":" + salt))
	return "replay:" + hex.EncodeToString(sum[:16])
}

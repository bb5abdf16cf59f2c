package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/wattmine/minecore/internal/persistence"
)

// outboxRepo implements OutboxRepo for PostgreSQL.
type outboxRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewOutboxRepo creates a new PostgreSQL outbox repository.
func NewOutboxRepo(db *sqlx.DB, timeout time.Duration) persistence.OutboxRepo {
	return &outboxRepo{db: db, timeout: timeout}
}

// Enqueue inserts an outbox row inside the caller's transaction, so the
// event commits or rolls back with the business write that produced it.
func (r *outboxRepo) Enqueue(ctx context.Context, tx *sqlx.Tx, record *persistence.OutboxRecord) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO event_outbox (kind, partition_key, payload, idempotency_key, created_at, attempts, next_attempt_at)
		VALUES ($1, $2, $3, $4, $5, 0, $5)
		RETURNING id`

	err := tx.QueryRowxContext(ctx, query,
		record.Kind, record.PartitionKey, record.Payload,
		record.IdempotencyKey, record.CreatedAt).
		Scan(&record.ID)

	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fmt.Errorf("%w: %s", persistence.ErrDuplicateKey, record.IdempotencyKey)
		}
		return fmt.Errorf("failed to enqueue outbox record: %w", err)
	}

	record.NextAttemptAt = record.CreatedAt
	return nil
}

// ClaimBatch locks due records in id order with SKIP LOCKED so concurrent
// dispatchers never double-claim. The NOT EXISTS guard admits only each
// partition's oldest unprocessed row: a partition has at most one record
// in flight, which is what preserves per-key publish order even when the
// older sibling is locked elsewhere or waiting out its backoff.
func (r *outboxRepo) ClaimBatch(ctx context.Context, tx *sqlx.Tx, now time.Time, limit int) ([]persistence.OutboxRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, kind, partition_key, payload, idempotency_key,
		       created_at, processed_at, attempts, last_error, next_attempt_at
		FROM event_outbox o
		WHERE processed_at IS NULL
		  AND next_attempt_at <= $1
		  AND NOT EXISTS (
		      SELECT 1 FROM event_outbox e
		      WHERE e.partition_key = o.partition_key
		        AND e.processed_at IS NULL
		        AND e.id < o.id)
		ORDER BY id
		LIMIT $2
		FOR UPDATE OF o SKIP LOCKED`

	var records []persistence.OutboxRecord
	if err := tx.SelectContext(ctx, &records, query, now, limit); err != nil {
		return nil, fmt.Errorf("failed to claim outbox batch: %w", err)
	}
	return records, nil
}

// MarkProcessed stamps a published record inside the claim transaction.
func (r *outboxRepo) MarkProcessed(ctx context.Context, tx *sqlx.Tx, id int64, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := tx.ExecContext(ctx,
		`UPDATE event_outbox SET processed_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("failed to mark outbox record processed: %w", err)
	}
	return nil
}

// RecordFailure bumps the attempt counter and reschedules the record.
func (r *outboxRepo) RecordFailure(ctx context.Context, tx *sqlx.Tx, id int64, attempts int, lastError string, nextAttemptAt time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := tx.ExecContext(ctx,
		`UPDATE event_outbox SET attempts = $2, last_error = $3, next_attempt_at = $4 WHERE id = $1`,
		id, attempts, lastError, nextAttemptAt)
	if err != nil {
		return fmt.Errorf("failed to record outbox failure: %w", err)
	}
	return nil
}

// Delete removes a record, the outbox half of a move to the DLQ.
func (r *outboxRepo) Delete(ctx context.Context, tx *sqlx.Tx, id int64) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := tx.ExecContext(ctx, `DELETE FROM event_outbox WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete outbox record: %w", err)
	}
	return nil
}

// PendingCount reports unprocessed rows for the queue-depth gauge.
func (r *outboxRepo) PendingCount(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var count int64
	err := r.db.QueryRowxContext(ctx,
		`SELECT COUNT(*) FROM event_outbox WHERE processed_at IS NULL`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending outbox records: %w", err)
	}
	return count, nil
}

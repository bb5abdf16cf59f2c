package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/wattmine/minecore/internal/persistence"
)

// dlqRepo implements DLQRepo for PostgreSQL.
type dlqRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewDLQRepo creates a new PostgreSQL dead-letter queue repository.
func NewDLQRepo(db *sqlx.DB, timeout time.Duration) persistence.DLQRepo {
	return &dlqRepo{db: db, timeout: timeout}
}

// Insert adds a dead-lettered record, the DLQ half of a move from the
// outbox. Runs in the dispatcher's claim transaction so the move is atomic.
func (r *dlqRepo) Insert(ctx context.Context, tx *sqlx.Tx, record *persistence.DLQRecord) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO event_dlq (event_id, kind, partition_key, payload, idempotency_key,
		                       error_message, retry_count, failed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`

	err := tx.QueryRowxContext(ctx, query,
		record.EventID, record.Kind, record.PartitionKey, record.Payload,
		record.IdempotencyKey, record.ErrorMessage, record.RetryCount, record.FailedAt).
		Scan(&record.ID)
	if err != nil {
		return fmt.Errorf("failed to insert dlq record: %w", err)
	}
	return nil
}

// List returns matching records, oldest first, so replay preserves the
// original failure order.
func (r *dlqRepo) List(ctx context.Context, filter persistence.DLQFilter) ([]persistence.DLQRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query, args := buildDLQQuery(`
		SELECT id, event_id, kind, partition_key, payload, idempotency_key,
		       error_message, retry_count, failed_at, replayed_at
		FROM event_dlq`, filter)
	query += " ORDER BY failed_at, id"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	var records []persistence.DLQRecord
	if err := r.db.SelectContext(ctx, &records, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list dlq records: %w", err)
	}
	return records, nil
}

// Stats summarizes matching records for the replay tool.
func (r *dlqRepo) Stats(ctx context.Context, filter persistence.DLQFilter) (persistence.DLQStats, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	stats := persistence.DLQStats{ByKind: make(map[string]int64)}

	query, args := buildDLQQuery(`
		SELECT kind, COUNT(*) AS total,
		       COUNT(replayed_at) AS replayed,
		       MIN(failed_at) AS oldest, MAX(failed_at) AS newest
		FROM event_dlq`, filter)
	query += " GROUP BY kind ORDER BY kind"

	rows, err := r.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return stats, fmt.Errorf("failed to query dlq stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var kind string
		var total, replayed int64
		var oldest, newest time.Time
		if err := rows.Scan(&kind, &total, &replayed, &oldest, &newest); err != nil {
			return stats, fmt.Errorf("failed to scan dlq stats row: %w", err)
		}
		stats.ByKind[kind] = total
		stats.Total += total
		stats.Replayed += replayed
		if stats.OldestAt == nil || oldest.Before(*stats.OldestAt) {
			o := oldest
			stats.OldestAt = &o
		}
		if stats.NewestAt == nil || newest.After(*stats.NewestAt) {
			n := newest
			stats.NewestAt = &n
		}
	}
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("error iterating dlq stats rows: %w", err)
	}
	return stats, nil
}

// MarkReplayed stamps a record after its payload was re-enqueued.
func (r *dlqRepo) MarkReplayed(ctx context.Context, tx *sqlx.Tx, id int64, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := tx.ExecContext(ctx,
		`UPDATE event_dlq SET replayed_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("failed to mark dlq record replayed: %w", err)
	}
	return nil
}

// buildDLQQuery appends the filter's WHERE clause with positional args.
func buildDLQQuery(base string, filter persistence.DLQFilter) (string, []any) {
	var conds []string
	var args []any

	if !filter.IncludeReplayed {
		conds = append(conds, "replayed_at IS NULL")
	}
	if filter.Kind != "" {
		args = append(args, filter.Kind)
		conds = append(conds, fmt.Sprintf("kind = $%d", len(args)))
	}
	if !filter.Since.IsZero() {
		args = append(args, filter.Since)
		conds = append(conds, fmt.Sprintf("failed_at >= $%d", len(args)))
	}

	if len(conds) > 0 {
		base += " WHERE " + strings.Join(conds, " AND ")
	}
	return base, args
}

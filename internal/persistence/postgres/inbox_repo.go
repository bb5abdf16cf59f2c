package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/wattmine/minecore/internal/persistence"
)

// inboxRepo implements InboxRepo for PostgreSQL.
type inboxRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewInboxRepo creates a new PostgreSQL inbox repository.
func NewInboxRepo(db *sqlx.DB, timeout time.Duration) persistence.InboxRepo {
	return &inboxRepo{db: db, timeout: timeout}
}

// MarkProcessed records the dedupe mark inside the consumer's handler
// transaction. ON CONFLICT DO NOTHING turns a redelivery into zero rows
// affected, which the caller reads as "skip the side effect".
func (r *inboxRepo) MarkProcessed(ctx context.Context, tx *sqlx.Tx, eventID, consumerGroup string, at time.Time) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO event_inbox (event_id, consumer_group, processed_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (event_id, consumer_group) DO NOTHING`,
		eventID, consumerGroup, at)
	if err != nil {
		return false, fmt.Errorf("failed to mark inbox record: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read inbox insert result: %w", err)
	}
	return affected == 1, nil
}

// Count reports processed events for one consumer group.
func (r *inboxRepo) Count(ctx context.Context, consumerGroup string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var count int64
	err := r.db.QueryRowxContext(ctx,
		`SELECT COUNT(*) FROM event_inbox WHERE consumer_group = $1`, consumerGroup).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count inbox records: %w", err)
	}
	return count, nil
}

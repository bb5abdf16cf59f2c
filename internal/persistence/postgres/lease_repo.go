package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/wattmine/minecore/internal/persistence"
)

// leaseRepo implements LeaseRepo for PostgreSQL.
type leaseRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewLeaseRepo creates a new PostgreSQL leader lease repository.
func NewLeaseRepo(db *sqlx.DB, timeout time.Duration) persistence.LeaseRepo {
	return &leaseRepo{db: db, timeout: timeout}
}

// Acquire upserts the lease row. The conditional update succeeds only when
// the row already belongs to this holder or its previous lease has
// expired; a live foreign lease leaves zero rows affected. The row itself
// serializes racing acquirers, so at most one holder wins.
func (r *leaseRepo) Acquire(ctx context.Context, jobName, holderID string, ttl time.Duration, now time.Time) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO scheduler_leader_lease (job_name, holder_id, acquired_at, heartbeat_at, ttl_seconds)
		VALUES ($1, $2, $3, $3, $4)
		ON CONFLICT (job_name) DO UPDATE
		SET holder_id = EXCLUDED.holder_id,
		    acquired_at = EXCLUDED.acquired_at,
		    heartbeat_at = EXCLUDED.heartbeat_at,
		    ttl_seconds = EXCLUDED.ttl_seconds
		WHERE scheduler_leader_lease.holder_id = EXCLUDED.holder_id
		   OR scheduler_leader_lease.heartbeat_at
		      + make_interval(secs => scheduler_leader_lease.ttl_seconds) <= EXCLUDED.heartbeat_at`

	res, err := r.db.ExecContext(ctx, query, jobName, holderID, now, int(ttl.Seconds()))
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease %s: %w", jobName, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read lease acquire result: %w", err)
	}
	return affected == 1, nil
}

// Heartbeat renews the lease. Zero rows affected means another process
// took the lease over; the caller must stop acting as leader immediately.
func (r *leaseRepo) Heartbeat(ctx context.Context, jobName, holderID string, now time.Time) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE scheduler_leader_lease SET heartbeat_at = $3
		WHERE job_name = $1 AND holder_id = $2`,
		jobName, holderID, now)
	if err != nil {
		return false, fmt.Errorf("failed to heartbeat lease %s: %w", jobName, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read lease heartbeat result: %w", err)
	}
	return affected == 1, nil
}

// Release drops the lease if this holder still owns it.
func (r *leaseRepo) Release(ctx context.Context, jobName, holderID string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		DELETE FROM scheduler_leader_lease
		WHERE job_name = $1 AND holder_id = $2`,
		jobName, holderID)
	if err != nil {
		return fmt.Errorf("failed to release lease %s: %w", jobName, err)
	}
	return nil
}

// Get returns the current lease row, or nil when absent.
func (r *leaseRepo) Get(ctx context.Context, jobName string) (*persistence.LeaderLease, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var lease persistence.LeaderLease
	err := r.db.GetContext(ctx, &lease, `
		SELECT job_name, holder_id, acquired_at, heartbeat_at, ttl_seconds
		FROM scheduler_leader_lease
		WHERE job_name = $1`,
		jobName)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get lease %s: %w", jobName, err)
	}
	return &lease, nil
}

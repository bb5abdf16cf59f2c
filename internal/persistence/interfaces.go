package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
)

// ErrDuplicateKey is returned when an insert collides with the outbox's
// idempotency_key uniqueness constraint. Callers treat it as "already
// enqueued", not as a failure.
var ErrDuplicateKey = errors.New("duplicate idempotency key")

// OutboxRecord is one event awaiting publication. Rows are written in the
// same transaction as the business change that caused them and later
// claimed by the dispatcher in id order.
type OutboxRecord struct {
	ID             int64      `json:"id" db:"id"`
	Kind           string     `json:"kind" db:"kind"`
	PartitionKey   string     `json:"partition_key" db:"partition_key"`
	Payload        []byte     `json:"payload" db:"payload"`
	IdempotencyKey string     `json:"idempotency_key" db:"idempotency_key"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	ProcessedAt    *time.Time `json:"processed_at,omitempty" db:"processed_at"`
	Attempts       int        `json:"attempts" db:"attempts"`
	LastError      *string    `json:"last_error,omitempty" db:"last_error"`
	NextAttemptAt  time.Time  `json:"next_attempt_at" db:"next_attempt_at"`
}

// Pending reports whether the record still awaits a successful publish.
func (r OutboxRecord) Pending() bool { return r.ProcessedAt == nil }

// InboxRecord marks one event as handled by one consumer group. The
// primary key on (event_id, consumer_group) is what makes redelivery a
// no-op on the consumer side.
type InboxRecord struct {
	EventID       string    `json:"event_id" db:"event_id"`
	ConsumerGroup string    `json:"consumer_group" db:"consumer_group"`
	ProcessedAt   time.Time `json:"processed_at" db:"processed_at"`
}

// DLQRecord is an outbox event that exhausted its publish attempts. The
// original idempotency key is carried so replay can derive a fresh one
// from it.
type DLQRecord struct {
	ID             int64      `json:"id" db:"id"`
	EventID        int64      `json:"event_id" db:"event_id"`
	Kind           string     `json:"kind" db:"kind"`
	PartitionKey   string     `json:"partition_key" db:"partition_key"`
	Payload        []byte     `json:"payload" db:"payload"`
	IdempotencyKey string     `json:"idempotency_key" db:"idempotency_key"`
	ErrorMessage   string     `json:"error_message" db:"error_message"`
	RetryCount     int        `json:"retry_count" db:"retry_count"`
	FailedAt       time.Time  `json:"failed_at" db:"failed_at"`
	ReplayedAt     *time.Time `json:"replayed_at,omitempty" db:"replayed_at"`
}

// DLQFilter narrows DLQ listings. Zero values mean "no constraint".
type DLQFilter struct {
	Kind            string
	Since           time.Time
	Limit           int
	IncludeReplayed bool
}

// DLQStats summarizes the dead-letter queue for the replay tool.
type DLQStats struct {
	Total    int64            `json:"total"`
	Replayed int64            `json:"replayed"`
	ByKind   map[string]int64 `json:"by_kind"`
	OldestAt *time.Time       `json:"oldest_at,omitempty"`
	NewestAt *time.Time       `json:"newest_at,omitempty"`
}

// LeaderLease is one job's leadership row. A lease is live while
// heartbeat_at + ttl_seconds is in the future; anyone may take over an
// expired one.
type LeaderLease struct {
	JobName     string    `json:"job_name" db:"job_name"`
	HolderID    string    `json:"holder_id" db:"holder_id"`
	AcquiredAt  time.Time `json:"acquired_at" db:"acquired_at"`
	HeartbeatAt time.Time `json:"heartbeat_at" db:"heartbeat_at"`
	TTLSeconds  int       `json:"ttl_seconds" db:"ttl_seconds"`
}

// ExpiresAt returns the instant the lease stops being live.
func (l LeaderLease) ExpiresAt() time.Time {
	return l.HeartbeatAt.Add(time.Duration(l.TTLSeconds) * time.Second)
}

// Expired reports whether the lease may be taken over at now.
func (l LeaderLease) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt())
}

// TxRunner executes fn inside one database transaction: commit on nil,
// rollback on error or panic. Business writes and their outbox enqueues
// share a transaction through this.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error
}

// OutboxRepo persists the transactional outbox. Methods taking a tx must
// run inside one; Enqueue in the caller's business transaction, the claim
// cycle in the dispatcher's.
type OutboxRepo interface {
	// Enqueue inserts a record and fills in its ID. Returns ErrDuplicateKey
	// when the idempotency key is already present.
	Enqueue(ctx context.Context, tx *sqlx.Tx, record *OutboxRecord) error

	// ClaimBatch locks and returns up to limit unprocessed records that are
	// due at now, in id order, skipping rows locked by other dispatchers.
	// Only the head record of each partition is claimable, which is what
	// keeps per-partition publish order.
	ClaimBatch(ctx context.Context, tx *sqlx.Tx, now time.Time, limit int) ([]OutboxRecord, error)

	// MarkProcessed stamps a successful publish.
	MarkProcessed(ctx context.Context, tx *sqlx.Tx, id int64, at time.Time) error

	// RecordFailure bumps attempts, stores the error, and schedules the
	// next attempt.
	RecordFailure(ctx context.Context, tx *sqlx.Tx, id int64, attempts int, lastError string, nextAttemptAt time.Time) error

	// Delete removes a record, used when it moves to the DLQ.
	Delete(ctx context.Context, tx *sqlx.Tx, id int64) error

	// PendingCount reports unprocessed rows for the queue-depth gauge.
	PendingCount(ctx context.Context) (int64, error)
}

// InboxRepo persists consumer-side dedupe marks.
type InboxRepo interface {
	// MarkProcessed records (eventID, group). Returns false when the pair
	// was already present, meaning this delivery is a duplicate.
	MarkProcessed(ctx context.Context, tx *sqlx.Tx, eventID, consumerGroup string, at time.Time) (bool, error)

	// Count reports processed events for one consumer group.
	Count(ctx context.Context, consumerGroup string) (int64, error)
}

// DLQRepo persists dead-lettered events.
type DLQRepo interface {
	// Insert adds a dead-lettered record and fills in its ID.
	Insert(ctx context.Context, tx *sqlx.Tx, record *DLQRecord) error

	// List returns records matching the filter, oldest first.
	List(ctx context.Context, filter DLQFilter) ([]DLQRecord, error)

	// Stats summarizes matching records.
	Stats(ctx context.Context, filter DLQFilter) (DLQStats, error)

	// MarkReplayed stamps a record after its payload was re-enqueued.
	MarkReplayed(ctx context.Context, tx *sqlx.Tx, id int64, at time.Time) error
}

// LeaseRepo persists leader leases. All mutations are single-row and
// serialized by the database, so no in-process locks are needed.
type LeaseRepo interface {
	// Acquire attempts to take the lease: succeeds when the row is absent,
	// expired, or already held by this holder. Returns whether this holder
	// is now the leader.
	Acquire(ctx context.Context, jobName, holderID string, ttl time.Duration, now time.Time) (bool, error)

	// Heartbeat renews the lease. Returns false when the row no longer
	// belongs to this holder, meaning leadership was lost.
	Heartbeat(ctx context.Context, jobName, holderID string, now time.Time) (bool, error)

	// Release drops the lease if this holder still owns it. Best-effort;
	// an expired lease may already belong to someone else.
	Release(ctx context.Context, jobName, holderID string) error

	// Get returns the current lease row, or nil when absent.
	Get(ctx context.Context, jobName string) (*LeaderLease, error)
}

// Repository aggregates all persistence interfaces.
type Repository struct {
	Outbox OutboxRepo
	Inbox  InboxRepo
	DLQ    DLQRepo
	Leases LeaseRepo
	Tx     TxRunner
}

// HealthCheck represents repository health status.
type HealthCheck struct {
	Healthy        bool           `json:"healthy"`
	Errors         []string       `json:"errors,omitempty"`
	ConnectionPool map[string]int `json:"connection_pool"`
	LastCheck      time.Time      `json:"last_check"`
	ResponseTimeMS int64          `json:"response_time_ms"`
}

// RepositoryHealth provides health monitoring for the persistence layer.
type RepositoryHealth interface {
	// Health returns current repository health status.
	Health(ctx context.Context) HealthCheck

	// Ping tests basic connectivity to the database.
	Ping(ctx context.Context) error
}

// Package outbox implements the transactional outbox pattern: events are
// inserted in the same database transaction as the state change that
// produced them, a background dispatcher publishes them to the bus in
// per-partition order, and exhausted records land in a dead letter queue
// that an operator can replay.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/wattmine/minecore/internal/clock"
	"github.com/wattmine/minecore/internal/persistence"
)

var (
	// ErrEmptyKind rejects enqueues without an event kind.
	ErrEmptyKind = errors.New("outbox: event kind is empty")

	// ErrOutboxPoison marks records that can never publish successfully.
	// The dispatcher dead-letters them immediately instead of burning
	// retry attempts.
	ErrOutboxPoison = errors.New("outbox: poison message")
)

// Outbox enqueues events inside the caller's transaction. The write
// commits or rolls back together with the business change, which is the
// whole point of the pattern.
type Outbox struct {
	repo persistence.OutboxRepo
	clk  clock.Clock
}

// New creates an enqueue service over the given repository.
func New(repo persistence.OutboxRepo, clk clock.Clock) *Outbox {
	if clk == nil {
		clk = clock.System()
	}
	return &Outbox{repo: repo, clk: clk}
}

// Enqueue inserts one event row in the caller's transaction. An empty
// idempotencyKey gets a generated one. A key that was already enqueued
// is dropped silently: the returned record is nil and the caller's
// transaction proceeds, since the event is already on its way.
func (o *Outbox) Enqueue(ctx context.Context, tx *sqlx.Tx, kind, partitionKey string, payload []byte, idempotencyKey string) (*persistence.OutboxRecord, error) {
	if kind == "" {
		return nil, ErrEmptyKind
	}
	if idempotencyKey == "" {
		idempotencyKey = clock.NewIdempotencyKey()
	}

	now := o.clk.Now().UTC()
	record := &persistence.OutboxRecord{
		Kind:           kind,
		PartitionKey:   partitionKey,
		Payload:        payload,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      now,
		NextAttemptAt:  now,
	}

	err := o.repo.Enqueue(ctx, tx, record)
	if errors.Is(err, persistence.ErrDuplicateKey) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("outbox enqueue %s: %w", kind, err)
	}
	return record, nil
}

// EnqueueJSON marshals payload and enqueues it.
func (o *Outbox) EnqueueJSON(ctx context.Context, tx *sqlx.Tx, kind, partitionKey string, payload any, idempotencyKey string) (*persistence.OutboxRecord, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("outbox marshal %s: %w", kind, err)
	}
	return o.Enqueue(ctx, tx, kind, partitionKey, raw, idempotencyKey)
}

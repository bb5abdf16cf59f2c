package outbox

import (
	"context"
	"fmt"
	"sync"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/wattmine/minecore/internal/bus"
	"github.com/wattmine/minecore/internal/clock"
	"github.com/wattmine/minecore/internal/persistence"
)

// Processor handles one deduplicated message. It runs inside the same
// transaction as the inbox mark, so its writes commit atomically with the
// dedupe record: a redelivery after a crash either sees both or neither.
type Processor func(ctx context.Context, tx *sqlx.Tx, msg bus.Message) error

// Consumer turns the bus's at-least-once delivery into effectively-once
// processing. Every message is marked in the inbox keyed on
// (event_id, consumer_group) before its processor runs; a duplicate
// delivery finds the mark and acks without side effects.
type Consumer struct {
	group string
	name  string
	src   bus.Consumer
	inbox persistence.InboxRepo
	txr   persistence.TxRunner
	clk   clock.Clock
	log   zerolog.Logger

	mu    sync.RWMutex
	procs map[string]Processor
}

// NewConsumer wires a deduplicating consumer for one group.
func NewConsumer(group, name string, src bus.Consumer, repo persistence.Repository, clk clock.Clock, log zerolog.Logger) *Consumer {
	if clk == nil {
		clk = clock.System()
	}
	return &Consumer{
		group: group,
		name:  name,
		src:   src,
		inbox: repo.Inbox,
		txr:   repo.Tx,
		clk:   clk,
		log:   log,
		procs: make(map[string]Processor),
	}
}

// Register routes an event kind to a processor. Kinds without a
// processor are acked and dropped.
func (c *Consumer) Register(kind string, proc Processor) {
	c.mu.Lock()
	c.procs[kind] = proc
	c.mu.Unlock()
}

// Run consumes from the bus until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	return c.src.Consume(ctx, c.group, c.name, c.Handle)
}

// Handle processes one delivery. A nil return acks the message; any
// error leaves it on the bus for redelivery.
func (c *Consumer) Handle(ctx context.Context, msg bus.Message) error {
	c.mu.RLock()
	proc, ok := c.procs[msg.Kind]
	c.mu.RUnlock()
	if !ok {
		c.log.Debug().Str("kind", msg.Kind).Str("group", c.group).Msg("no processor for kind, dropping")
		return nil
	}

	dedupeKey := msg.EventID
	if dedupeKey == "" {
		dedupeKey = msg.IdempotencyKey
	}
	if dedupeKey == "" {
		// Nothing to dedupe on. Process anyway; the publisher broke the
		// contract and at-least-once is the best we can offer.
		c.log.Warn().Str("kind", msg.Kind).Msg("message without event or idempotency id")
		return c.txr.RunInTx(ctx, func(tx *sqlx.Tx) error {
			return proc(ctx, tx, msg)
		})
	}

	return c.txr.RunInTx(ctx, func(tx *sqlx.Tx) error {
		inserted, err := c.inbox.MarkProcessed(ctx, tx, dedupeKey, c.group, c.clk.Now().UTC())
		if err != nil {
			return fmt.Errorf("inbox mark %s: %w", dedupeKey, err)
		}
		if !inserted {
			c.log.Debug().Str("event_id", dedupeKey).Str("group", c.group).Msg("duplicate delivery, skipping")
			return nil
		}
		return proc(ctx, tx, msg)
	})
}

package bus

import (
	"context"
	"sync"
	"time"
)

// MemoryBus is the in-process bus: a single append-only log with one read
// cursor per consumer group. Publish order is delivery order, so per-key
// order holds trivially. Used by unit tests and single-node deployments
// where Redis would be dead weight.
//
// Delivery is at-least-once: a handler error leaves the cursor in place
// and the message is retried after RetryDelay. Two consumers sharing a
// group may both observe a message during a race; consumers are expected
// to deduplicate, same as on the production bus.
type MemoryBus struct {
	retryDelay time.Duration

	mu      sync.Mutex
	msgs    []Message
	cursors map[string]int
	wake    chan struct{}
	closed  bool
}

// NewMemoryBus creates an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		retryDelay: 25 * time.Millisecond,
		cursors:    make(map[string]int),
		wake:       make(chan struct{}),
	}
}

// Publish appends the message to the log and wakes blocked consumers.
func (b *MemoryBus) Publish(_ context.Context, msg Message) error {
	if msg.Kind == "" {
		return ErrEmptyKind
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}

	if msg.PublishedAt.IsZero() {
		msg.PublishedAt = time.Now().UTC()
	}
	b.msgs = append(b.msgs, msg)
	close(b.wake)
	b.wake = make(chan struct{})
	return nil
}

// Consume delivers messages beyond the group's cursor to handler, in
// publish order, until ctx is cancelled or the bus closes. The cursor
// only advances on a nil handler return.
func (b *MemoryBus) Consume(ctx context.Context, group, _ string, handler Handler) error {
	for {
		msg, seq, err := b.next(ctx, group)
		if err != nil {
			return err
		}

		if herr := handler(ctx, msg); herr != nil {
			select {
			case <-time.After(b.retryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		b.ack(group, seq)
	}
}

// next blocks until a message past the group cursor exists.
func (b *MemoryBus) next(ctx context.Context, group string) (Message, int, error) {
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return Message{}, 0, ErrBusClosed
		}
		cursor := b.cursors[group]
		if cursor < len(b.msgs) {
			msg := b.msgs[cursor]
			b.mu.Unlock()
			return msg, cursor, nil
		}
		wake := b.wake
		b.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return Message{}, 0, ctx.Err()
		}
	}
}

// ack advances the cursor past seq, unless a racing consumer already did.
func (b *MemoryBus) ack(group string, seq int) {
	b.mu.Lock()
	if b.cursors[group] == seq {
		b.cursors[group] = seq + 1
	}
	b.mu.Unlock()
}

// Messages returns a copy of everything published, for test assertions.
func (b *MemoryBus) Messages() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Message, len(b.msgs))
	copy(out, b.msgs)
	return out
}

// Close stops all consumers and rejects further publishes.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.wake)
	b.wake = make(chan struct{})
	return nil
}

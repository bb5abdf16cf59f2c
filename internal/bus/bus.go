// Package bus carries dispatched outbox events between processes. The
// production implementation rides Redis Streams; an in-process bus backs
// unit tests and single-node deployments.
package bus

import (
	"context"
	"errors"
	"time"
)

// Message is one event in flight between the outbox dispatcher and
// downstream consumers. EventID and IdempotencyKey travel with the
// payload so consumers can deduplicate without a side channel.
type Message struct {
	ID             string    `json:"id"`
	EventID        string    `json:"event_id"`
	Kind           string    `json:"kind"`
	PartitionKey   string    `json:"partition_key"`
	IdempotencyKey string    `json:"idempotency_key"`
	Payload        []byte    `json:"payload"`
	PublishedAt    time.Time `json:"published_at"`
}

// Handler processes one delivered message. A nil return acknowledges the
// message; an error leaves it pending for redelivery.
type Handler func(ctx context.Context, msg Message) error

// Publisher is the dispatcher-facing half of the bus.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// Consumer is the worker-facing half. Consume blocks delivering messages
// to handler until ctx is cancelled; each consumer group sees every
// message at least once.
type Consumer interface {
	Consume(ctx context.Context, group, consumer string, handler Handler) error
	Close() error
}

var (
	// ErrBusClosed is returned by operations on a closed bus.
	ErrBusClosed = errors.New("bus: closed")
	// ErrEmptyKind rejects messages without a routing kind.
	ErrEmptyKind = errors.New("bus: message kind is empty")
)

// Partition maps a partition key onto one of n streams. Events sharing a
// key always land on the same stream so per-key order survives transport.
func Partition(key string, n int) int {
	if n <= 1 {
		return 0
	}
	return int(fnv32a(key) % uint32(n))
}

func fnv32a(s string) uint32 {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	h := uint32(offset32)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime32
	}
	return h
}

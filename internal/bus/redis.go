package bus

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Wire field names for stream entries.
const (
	fieldEventID        = "event_id"
	fieldKind           = "kind"
	fieldPartitionKey   = "partition_key"
	fieldIdempotencyKey = "idempotency_key"
	fieldPayload        = "payload"
	fieldPublishedAt    = "published_at"
)

// StreamsConfig configures the Redis Streams bus.
type StreamsConfig struct {
	Addr     string
	Password string
	DB       int

	// Streams is the number of partitioned stream keys. Messages hash to
	// a stream by partition key, so per-key order holds within a stream.
	Streams int
	// Prefix is prepended to the stream index, e.g. "minecore:events:3".
	Prefix string
	// MaxLen caps each stream approximately (XADD MAXLEN ~).
	MaxLen int64

	// BatchSize bounds reads and pending claims per iteration.
	BatchSize int64
	// BlockTimeout is passed to XREADGROUP BLOCK. Negative disables
	// blocking entirely and the consumer polls on PollInterval instead.
	BlockTimeout time.Duration
	// RetryIdle is how long a delivered-but-unacked entry must sit idle
	// before another consumer may claim and retry it.
	RetryIdle time.Duration
	// PollInterval is the sleep between empty non-blocking reads.
	PollInterval time.Duration

	Logger zerolog.Logger
}

func (c *StreamsConfig) setDefaults() {
	if c.Streams <= 0 {
		c.Streams = 4
	}
	if c.Prefix == "" {
		c.Prefix = "minecore:events:"
	}
	if c.MaxLen <= 0 {
		c.MaxLen = 100000
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 64
	}
	if c.BlockTimeout == 0 {
		c.BlockTimeout = 5 * time.Second
	}
	if c.RetryIdle <= 0 {
		c.RetryIdle = 30 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
}

// StreamsBus publishes and consumes over partitioned Redis Streams with
// consumer groups. Unacked entries are reclaimed after RetryIdle, which
// gives at-least-once delivery across consumer restarts.
type StreamsBus struct {
	client  *redis.Client
	cfg     StreamsConfig
	log     zerolog.Logger
	ownConn bool
}

// NewStreamsBus connects to Redis and returns a bus over cfg.Streams keys.
func NewStreamsBus(cfg StreamsConfig) (*StreamsBus, error) {
	cfg.setDefaults()
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  cfg.BlockTimeout + 5*time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis streams ping: %w", err)
	}

	return &StreamsBus{client: client, cfg: cfg, log: cfg.Logger, ownConn: true}, nil
}

// NewStreamsBusWithClient wraps an existing client, mainly for tests.
func NewStreamsBusWithClient(client *redis.Client, cfg StreamsConfig) *StreamsBus {
	cfg.setDefaults()
	return &StreamsBus{client: client, cfg: cfg, log: cfg.Logger}
}

// streamKey maps a partition key onto one of the configured streams.
func (b *StreamsBus) streamKey(partitionKey string) string {
	return b.cfg.Prefix + strconv.Itoa(Partition(partitionKey, b.cfg.Streams))
}

// streamKeys returns all stream keys in index order.
func (b *StreamsBus) streamKeys() []string {
	keys := make([]string, b.cfg.Streams)
	for i := range keys {
		keys[i] = b.cfg.Prefix + strconv.Itoa(i)
	}
	return keys
}

// Publish appends the message to its partition stream.
func (b *StreamsBus) Publish(ctx context.Context, msg Message) error {
	if msg.Kind == "" {
		return ErrEmptyKind
	}
	publishedAt := msg.PublishedAt
	if publishedAt.IsZero() {
		publishedAt = time.Now().UTC()
	}

	stream := b.streamKey(msg.PartitionKey)
	err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: b.cfg.MaxLen,
		Approx: true,
		Values: map[string]interface{}{
			fieldEventID:        msg.EventID,
			fieldKind:           msg.Kind,
			fieldPartitionKey:   msg.PartitionKey,
			fieldIdempotencyKey: msg.IdempotencyKey,
			fieldPayload:        string(msg.Payload),
			fieldPublishedAt:    publishedAt.Format(time.RFC3339Nano),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", stream, err)
	}
	return nil
}

// Consume joins the consumer group on every stream and feeds messages to
// handler until ctx is cancelled. Acked only on a nil handler return;
// failed deliveries surface again once RetryIdle passes.
func (b *StreamsBus) Consume(ctx context.Context, group, consumer string, handler Handler) error {
	if err := b.ensureGroups(ctx, group); err != nil {
		return err
	}

	streams := b.streamKeys()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		claimed := b.claimStale(ctx, streams, group, consumer, handler)
		read, err := b.readNew(ctx, streams, group, consumer, handler)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			b.log.Warn().Err(err).Msg("stream read failed, backing off")
			read = 0
		}

		if claimed == 0 && read == 0 && b.cfg.BlockTimeout < 0 {
			select {
			case <-time.After(b.cfg.PollInterval):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// ensureGroups creates the consumer group on each stream from the start
// of history. Existing groups are left alone.
func (b *StreamsBus) ensureGroups(ctx context.Context, group string) error {
	for _, stream := range b.streamKeys() {
		err := b.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("create group %s on %s: %w", group, stream, err)
		}
	}
	return nil
}

// claimStale takes over entries another consumer read but never acked.
func (b *StreamsBus) claimStale(ctx context.Context, streams []string, group, consumer string, handler Handler) int {
	total := 0
	for _, stream := range streams {
		msgs, _, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    group,
			Consumer: consumer,
			MinIdle:  b.cfg.RetryIdle,
			Start:    "0-0",
			Count:    b.cfg.BatchSize,
		}).Result()
		if err != nil {
			if ctx.Err() == nil {
				b.log.Warn().Err(err).Str("stream", stream).Msg("xautoclaim failed")
			}
			continue
		}
		total += b.dispatch(ctx, stream, group, msgs, handler)
	}
	return total
}

// readNew pulls undelivered entries across all streams.
func (b *StreamsBus) readNew(ctx context.Context, streams []string, group, consumer string, handler Handler) (int, error) {
	args := make([]string, 0, len(streams)*2)
	args = append(args, streams...)
	for range streams {
		args = append(args, ">")
	}

	res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  args,
		Count:    b.cfg.BatchSize,
		Block:    b.cfg.BlockTimeout,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, err
	}

	total := 0
	for _, sr := range res {
		total += b.dispatch(ctx, sr.Stream, group, sr.Messages, handler)
	}
	return total, nil
}

// dispatch decodes and handles entries in stream order. Undecodable
// entries are acked away so they cannot wedge the partition.
func (b *StreamsBus) dispatch(ctx context.Context, stream, group string, entries []redis.XMessage, handler Handler) int {
	handled := 0
	for _, entry := range entries {
		msg, err := decodeEntry(entry)
		if err != nil {
			b.log.Warn().Err(err).Str("stream", stream).Str("entry", entry.ID).Msg("dropping malformed stream entry")
			b.client.XAck(ctx, stream, group, entry.ID)
			continue
		}

		if herr := handler(ctx, msg); herr != nil {
			b.log.Warn().Err(herr).Str("kind", msg.Kind).Str("event_id", msg.EventID).Msg("handler failed, leaving entry pending")
			continue
		}
		if err := b.client.XAck(ctx, stream, group, entry.ID).Err(); err != nil && ctx.Err() == nil {
			b.log.Warn().Err(err).Str("stream", stream).Str("entry", entry.ID).Msg("xack failed")
		}
		handled++
	}
	return handled
}

func decodeEntry(entry redis.XMessage) (Message, error) {
	msg := Message{ID: entry.ID}

	get := func(field string) (string, bool) {
		v, ok := entry.Values[field]
		if !ok {
			return "", false
		}
		s, ok := v.(string)
		return s, ok
	}

	kind, ok := get(fieldKind)
	if !ok || kind == "" {
		return Message{}, fmt.Errorf("entry %s: missing kind", entry.ID)
	}
	msg.Kind = kind

	if v, ok := get(fieldEventID); ok {
		msg.EventID = v
	}
	if v, ok := get(fieldPartitionKey); ok {
		msg.PartitionKey = v
	}
	if v, ok := get(fieldIdempotencyKey); ok {
		msg.IdempotencyKey = v
	}
	if v, ok := get(fieldPayload); ok {
		msg.Payload = []byte(v)
	}
	if v, ok := get(fieldPublishedAt); ok {
		if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
			msg.PublishedAt = ts
		}
	}
	return msg, nil
}

// Close releases the Redis connection when the bus owns it.
func (b *StreamsBus) Close() error {
	if b.ownConn {
		return b.client.Close()
	}
	return nil
}

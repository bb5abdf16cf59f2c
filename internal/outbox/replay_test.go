package outbox

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wattmine/minecore/internal/clock"
	"github.com/wattmine/minecore/internal/persistence"
)

func seedDLQ(t *testing.T, fx *fixture, kind, partition, key string, failedAt time.Time) int64 {
	t.Helper()
	rec := &persistence.DLQRecord{
		EventID:        failedAt.UnixNano(),
		Kind:           kind,
		PartitionKey:   partition,
		Payload:        []byte(`{"replayme":true}`),
		IdempotencyKey: key,
		ErrorMessage:   "broker down",
		RetryCount:     8,
		FailedAt:       failedAt,
	}
	require.NoError(t, fx.dlq.Insert(context.Background(), nil, rec))
	return rec.ID
}

func TestReplayerStats(t *testing.T) {
	fx := newFixture()
	r := NewReplayer(fx.repo, nil, zerolog.Nop())

	base := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	seedDLQ(t, fx, "miner.telemetry", "site:tx-01", "tel:1", base)
	seedDLQ(t, fx, "miner.telemetry", "site:mt-02", "tel:2", base.Add(time.Hour))
	seedDLQ(t, fx, "market.snapshot", "market", "snap:1", base.Add(2*time.Hour))

	stats, err := r.Stats(context.Background(), persistence.DLQFilter{})
	require.NoError(t, err)

	assert.Equal(t, int64(3), stats.Total)
	assert.Equal(t, int64(0), stats.Replayed)
	assert.Equal(t, int64(2), stats.ByKind["miner.telemetry"])
	assert.Equal(t, int64(1), stats.ByKind["market.snapshot"])
	require.NotNil(t, stats.OldestAt)
	require.NotNil(t, stats.NewestAt)
	assert.Equal(t, base, *stats.OldestAt)
	assert.Equal(t, base.Add(2*time.Hour), *stats.NewestAt)
}

func TestReplayReEnqueuesWithDerivedKeys(t *testing.T) {
	fx := newFixture()
	clk := clock.NewFake(time.Date(2025, 3, 11, 9, 0, 0, 0, time.UTC))
	r := NewReplayer(fx.repo, clk, zerolog.Nop())

	base := clk.Now().Add(-24 * time.Hour)
	seedDLQ(t, fx, "miner.telemetry", "site:tx-01", "tel:1", base)
	seedDLQ(t, fx, "market.snapshot", "market", "snap:1", base.Add(time.Minute))

	report, err := r.Replay(context.Background(), ReplayRequest{})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Matched)
	assert.Equal(t, 2, report.Replayed)
	assert.Zero(t, report.Failed)
	assert.False(t, report.Partial())

	// Back in the outbox under fresh keys so consumer dedupe does not
	// swallow the replay.
	pending, err := fx.outbox.PendingCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), pending)

	rows, err := fx.outbox.ClaimBatch(context.Background(), nil, clk.Now(), 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, row := range rows {
		assert.True(t, strings.HasPrefix(row.IdempotencyKey, "replay:"), "key %q", row.IdempotencyKey)
		assert.NotEqual(t, "tel:1", row.IdempotencyKey)
		assert.NotEqual(t, "snap:1", row.IdempotencyKey)
	}

	// Originals are stamped and excluded from the next run.
	for _, dead := range fx.dlq.rows() {
		assert.NotNil(t, dead.ReplayedAt)
	}
	again, err := r.Replay(context.Background(), ReplayRequest{})
	require.NoError(t, err)
	assert.Zero(t, again.Matched)
}

func TestReplayFiltersByKindAndSince(t *testing.T) {
	fx := newFixture()
	r := NewReplayer(fx.repo, nil, zerolog.Nop())

	base := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	seedDLQ(t, fx, "miner.telemetry", "site:tx-01", "tel:1", base)
	seedDLQ(t, fx, "miner.telemetry", "site:mt-02", "tel:2", base.Add(2*time.Hour))
	seedDLQ(t, fx, "market.snapshot", "market", "snap:1", base.Add(3*time.Hour))

	report, err := r.Replay(context.Background(), ReplayRequest{
		Kind:  "miner.telemetry",
		Since: base.Add(time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Matched)
	assert.Equal(t, 1, report.Replayed)

	rows, err := fx.outbox.ClaimBatch(context.Background(), nil, time.Now().UTC(), 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "site:mt-02", rows[0].PartitionKey)
}

func TestReplayDryRunChangesNothing(t *testing.T) {
	fx := newFixture()
	r := NewReplayer(fx.repo, nil, zerolog.Nop())

	seedDLQ(t, fx, "miner.telemetry", "site:tx-01", "tel:1", time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC))

	report, err := r.Replay(context.Background(), ReplayRequest{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Matched)
	assert.Zero(t, report.Replayed)

	pending, err := fx.outbox.PendingCount(context.Background())
	require.NoError(t, err)
	assert.Zero(t, pending)
	assert.Nil(t, fx.dlq.rows()[0].ReplayedAt)
}

func TestReplayPartialFailure(t *testing.T) {
	fx := newFixture()
	r := NewReplayer(fx.repo, nil, zerolog.Nop())

	base := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	goodID := seedDLQ(t, fx, "miner.telemetry", "site:tx-01", "tel:1", base)
	badID := seedDLQ(t, fx, "miner.telemetry", "site:broken", "tel:2", base.Add(time.Minute))

	fx.outbox.enqueueErr = func(rec *persistence.OutboxRecord) error {
		if rec.PartitionKey == "site:broken" {
			return errors.New("insert failed")
		}
		return nil
	}

	report, err := r.Replay(context.Background(), ReplayRequest{})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Matched)
	assert.Equal(t, 1, report.Replayed)
	assert.Equal(t, 1, report.Failed)
	assert.True(t, report.Partial())
	require.Len(t, report.Errors, 1)
	assert.Contains(t, report.Errors[0], "insert failed")

	// The failed record's transaction rolled back whole: not replayed,
	// not in the outbox.
	for _, dead := range fx.dlq.rows() {
		switch dead.ID {
		case goodID:
			assert.NotNil(t, dead.ReplayedAt)
		case badID:
			assert.Nil(t, dead.ReplayedAt)
		}
	}
	pending, err := fx.outbox.PendingCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending)
}

func TestDeriveReplayKey(t *testing.T) {
	a := DeriveReplayKey("tel:1", "salt-a")
	b := DeriveReplayKey("tel:1", "salt-a")
	c := DeriveReplayKey("tel:1", "salt-b")
	d := DeriveReplayKey("tel:2", "salt-a")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, a, d)
	assert.True(t, strings.HasPrefix(a, "replay:"))
}

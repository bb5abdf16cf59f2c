package outbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wattmine/minecore/internal/clock"
)

func TestEnqueueFillsRecord(t *testing.T) {
	fx := newFixture()
	clk := clock.NewFake(time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC))
	ob := New(fx.outbox, clk)

	rec, err := ob.Enqueue(context.Background(), nil, "miner.telemetry", "site:tx-01", []byte(`{"ths":412.5}`), "tel:tx-01:1")
	require.NoError(t, err)
	require.NotNil(t, rec)

	assert.Equal(t, int64(1), rec.ID)
	assert.Equal(t, "miner.telemetry", rec.Kind)
	assert.Equal(t, "site:tx-01", rec.PartitionKey)
	assert.Equal(t, "tel:tx-01:1", rec.IdempotencyKey)
	assert.Equal(t, clk.Now().UTC(), rec.CreatedAt)
	assert.Equal(t, clk.Now().UTC(), rec.NextAttemptAt)
	assert.True(t, rec.Pending())
	assert.Zero(t, rec.Attempts)
}

func TestEnqueueGeneratesIdempotencyKey(t *testing.T) {
	fx := newFixture()
	ob := New(fx.outbox, nil)

	first, err := ob.Enqueue(context.Background(), nil, "market.snapshot", "market", nil, "")
	require.NoError(t, err)
	second, err := ob.Enqueue(context.Background(), nil, "market.snapshot", "market", nil, "")
	require.NoError(t, err)

	assert.NotEmpty(t, first.IdempotencyKey)
	assert.NotEmpty(t, second.IdempotencyKey)
	assert.NotEqual(t, first.IdempotencyKey, second.IdempotencyKey)
}

func TestEnqueueDropsDuplicateKey(t *testing.T) {
	fx := newFixture()
	ob := New(fx.outbox, nil)

	first, err := ob.Enqueue(context.Background(), nil, "curtailment.decision", "site:tx-01", []byte(`{"action":"curtail"}`), "curtail:tx-01:2025-03-10")
	require.NoError(t, err)
	require.NotNil(t, first)

	// Same key again: dropped without error so the caller's transaction
	// is unaffected.
	dup, err := ob.Enqueue(context.Background(), nil, "curtailment.decision", "site:tx-01", []byte(`{"action":"curtail"}`), "curtail:tx-01:2025-03-10")
	require.NoError(t, err)
	assert.Nil(t, dup)

	n, err := fx.outbox.PendingCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestEnqueueRejectsEmptyKind(t *testing.T) {
	fx := newFixture()
	ob := New(fx.outbox, nil)

	_, err := ob.Enqueue(context.Background(), nil, "", "site:tx-01", nil, "")
	assert.ErrorIs(t, err, ErrEmptyKind)
}

func TestEnqueueJSONMarshalsPayload(t *testing.T) {
	fx := newFixture()
	ob := New(fx.outbox, nil)

	payload := map[string]any{"site": "tx-01", "ths": 412.5}
	rec, err := ob.EnqueueJSON(context.Background(), nil, "miner.telemetry", "site:tx-01", payload, "tel:1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"site":"tx-01","ths":412.5}`, string(rec.Payload))

	_, err = ob.EnqueueJSON(context.Background(), nil, "miner.telemetry", "site:tx-01", func() {}, "tel:2")
	assert.Error(t, err)
}

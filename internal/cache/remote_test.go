package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/go-redis/redis/v8"
	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMiniredisTier(t *testing.T) (*RemoteTier, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	tier := NewRemoteTierWithClient(client, "test:cache:", time.Second)
	t.Cleanup(func() { tier.Close() })
	return tier, srv
}

func TestRemoteTierRoundTrip(t *testing.T) {
	tier, _ := newMiniredisTier(t)
	ctx := context.Background()

	now := time.Now()
	entry := NewEntry(map[string]any{"usd": 64250.5}, now, 30*time.Second, 2*time.Minute, "provider:coingecko")
	entry.ETag = `W/"abc"`

	tier.Store(ctx, "btc-price:spot", entry)

	got, ok := tier.Lookup(ctx, "btc-price:spot")
	require.True(t, ok)
	assert.Equal(t, "provider:coingecko", got.Source)
	assert.Equal(t, `W/"abc"`, got.ETag)
	assert.WithinDuration(t, entry.StaleUntil, got.StaleUntil, time.Millisecond)

	// Values come back as raw JSON for the hub to decode.
	raw, isRaw := got.Value.(json.RawMessage)
	require.True(t, isRaw)

	var decoded map[string]float64
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, 64250.5, decoded["usd"])
}

func TestRemoteTierSkipsExpiredStore(t *testing.T) {
	tier, srv := newMiniredisTier(t)
	ctx := context.Background()

	entry := NewEntry(1, time.Now().Add(-time.Hour), time.Second, 2*time.Second, "p")
	tier.Store(ctx, "old", entry)

	assert.False(t, srv.Exists("test:cache:old"), "expired entries must not be written")
}

func TestRemoteTierHonorsRedisTTL(t *testing.T) {
	tier, srv := newMiniredisTier(t)
	ctx := context.Background()

	entry := NewEntry(1, time.Now(), 50*time.Millisecond, 100*time.Millisecond, "p")
	tier.Store(ctx, "short", entry)
	require.True(t, srv.Exists("test:cache:short"))

	srv.FastForward(time.Second)

	_, ok := tier.Lookup(ctx, "short")
	assert.False(t, ok)
}

func TestRemoteTierRemove(t *testing.T) {
	tier, srv := newMiniredisTier(t)
	ctx := context.Background()

	tier.Store(ctx, "k", NewEntry(1, time.Now(), time.Minute, time.Minute, "p"))
	require.True(t, srv.Exists("test:cache:k"))

	tier.Remove(ctx, "k")
	assert.False(t, srv.Exists("test:cache:k"))
}

func TestRemoteTierMiss(t *testing.T) {
	client, mock := redismock.NewClientMock()
	tier := NewRemoteTierWithClient(client, "test:cache:", time.Second)

	mock.ExpectGet("test:cache:absent").RedisNil()

	_, ok := tier.Lookup(context.Background(), "absent")
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRemoteTierMalformedEntry(t *testing.T) {
	client, mock := redismock.NewClientMock()
	tier := NewRemoteTierWithClient(client, "test:cache:", time.Second)

	mock.ExpectGet("test:cache:bad").SetVal("{not valid json")

	_, ok := tier.Lookup(context.Background(), "bad")
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRemoteTierConnectionErrorIsMiss(t *testing.T) {
	client, mock := redismock.NewClientMock()
	tier := NewRemoteTierWithClient(client, "test:cache:", time.Second)

	mock.ExpectGet("test:cache:k").SetErr(assert.AnError)

	_, ok := tier.Lookup(context.Background(), "k")
	assert.False(t, ok, "remote failures must read as misses")
}

func TestRemoteTierNilSafe(t *testing.T) {
	var tier *RemoteTier
	ctx := context.Background()

	_, ok := tier.Lookup(ctx, "k")
	assert.False(t, ok)
	tier.Store(ctx, "k", Entry{})
	tier.Remove(ctx, "k")
	assert.NoError(t, tier.Close())
}

func TestNewRemoteTierEmptyAddr(t *testing.T) {
	assert.Nil(t, NewRemoteTier(RemoteConfig{}))
}

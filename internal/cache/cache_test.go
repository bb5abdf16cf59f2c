package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wattmine/minecore/internal/clock"
)

func newTestStore(t *testing.T, shards, maxEntries int) (*Store, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	store := New(Config{
		Shards:          shards,
		MaxEntries:      maxEntries,
		JanitorInterval: 0, // tests sweep explicitly
		Clock:           clk,
	})
	t.Cleanup(store.Close)
	return store, clk
}

func TestEntryLifecycle(t *testing.T) {
	store, clk := newTestStore(t, 4, 64)

	entry := NewEntry(100.0, clk.Now(), 10*time.Second, 30*time.Second, "provider:coingecko")
	require.True(t, store.Put("btc-price:spot", entry))

	got, status := store.Get("btc-price:spot")
	require.Equal(t, StatusHitFresh, status)
	assert.Equal(t, 100.0, got.Value)
	assert.Equal(t, "provider:coingecko", got.Source)

	clk.Advance(15 * time.Second)
	got, status = store.Get("btc-price:spot")
	require.Equal(t, StatusHitStale, status)
	assert.Equal(t, 100.0, got.Value)

	clk.Advance(20 * time.Second)
	got, status = store.Get("btc-price:spot")
	assert.Equal(t, StatusMiss, status)
	assert.Nil(t, got)

	// Expired entries are dropped on sight.
	stats := store.Stats()
	assert.Equal(t, 0, stats.Entries)
}

func TestPutDropsOlderEntry(t *testing.T) {
	store, clk := newTestStore(t, 4, 64)
	t0 := clk.Now()

	newer := NewEntry("new", t0.Add(5*time.Second), time.Minute, 2*time.Minute, "refresh")
	require.True(t, store.Put("k", newer))

	older := NewEntry("old", t0, time.Minute, 2*time.Minute, "slow-refresh")
	assert.False(t, store.Put("k", older), "older created_at must not replace newer entry")

	got, status := store.Get("k")
	require.Equal(t, StatusHitFresh, status)
	assert.Equal(t, "new", got.Value)
}

func TestPutSameCreatedAtReplaces(t *testing.T) {
	store, clk := newTestStore(t, 1, 8)
	now := clk.Now()

	require.True(t, store.Put("k", NewEntry("a", now, time.Minute, time.Minute, "x")))
	require.True(t, store.Put("k", NewEntry("b", now, time.Minute, time.Minute, "y")))

	got, _ := store.Get("k")
	assert.Equal(t, "b", got.Value)
}

func TestZeroTTLIsImmediatelyStale(t *testing.T) {
	store, clk := newTestStore(t, 1, 8)

	entry := NewEntry(1, clk.Now(), 0, 10*time.Second, "p")
	require.True(t, store.Put("k", entry))

	_, status := store.Get("k")
	assert.Equal(t, StatusHitStale, status)

	entry = NewEntry(2, clk.Now(), 0, 0, "p")
	require.True(t, store.Put("k2", entry))
	_, status = store.Get("k2")
	assert.Equal(t, StatusMiss, status)
}

func TestNegativeTTLClamped(t *testing.T) {
	store, clk := newTestStore(t, 1, 8)

	entry := NewEntry(1, clk.Now(), -5*time.Second, -10*time.Second, "p")
	assert.False(t, entry.FreshUntil.Before(entry.CreatedAt))
	assert.False(t, entry.StaleUntil.Before(entry.FreshUntil))

	require.True(t, store.Put("k", entry))
	_, status := store.Get("k")
	assert.Equal(t, StatusMiss, status)
}

func TestInvalidate(t *testing.T) {
	store, clk := newTestStore(t, 4, 64)

	store.Put("k", NewEntry(1, clk.Now(), time.Minute, time.Minute, "p"))
	assert.True(t, store.Invalidate("k"))
	assert.False(t, store.Invalidate("k"))

	_, status := store.Get("k")
	assert.Equal(t, StatusMiss, status)
}

func TestEvictionAtCapacity(t *testing.T) {
	store, clk := newTestStore(t, 1, 3)

	store.Put("a", NewEntry("a", clk.Now(), time.Hour, time.Hour, "p"))
	clk.Advance(time.Second)
	store.Put("b", NewEntry("b", clk.Now(), time.Hour, time.Hour, "p"))
	clk.Advance(time.Second)
	store.Put("c", NewEntry("c", clk.Now(), time.Hour, time.Hour, "p"))
	clk.Advance(time.Second)

	// Touch "a" so "b" becomes the least recently accessed.
	store.Get("a")
	clk.Advance(time.Second)

	store.Put("d", NewEntry("d", clk.Now(), time.Hour, time.Hour, "p"))

	_, status := store.Get("b")
	assert.Equal(t, StatusMiss, status, "least recently accessed entry should be evicted")

	for _, key := range []string{"a", "c", "d"} {
		_, status := store.Get(key)
		assert.Equal(t, StatusHitFresh, status, "key %s should survive eviction", key)
	}

	stats := store.Stats()
	assert.Equal(t, 3, stats.Entries)
	assert.Equal(t, uint64(1), stats.Evictions)
}

func TestRemoveExpiredSweep(t *testing.T) {
	store, clk := newTestStore(t, 4, 64)

	for i := 0; i < 10; i++ {
		key := fmt.Sprintf("short-%d", i)
		store.Put(key, NewEntry(i, clk.Now(), time.Second, 2*time.Second, "p"))
	}
	store.Put("long", NewEntry("keep", clk.Now(), time.Hour, time.Hour, "p"))

	clk.Advance(5 * time.Second)
	removed := store.RemoveExpired()
	assert.Equal(t, 10, removed)

	stats := store.Stats()
	assert.Equal(t, 1, stats.Entries)

	_, status := store.Get("long")
	assert.Equal(t, StatusHitFresh, status)
}

func TestStatsCounters(t *testing.T) {
	store, clk := newTestStore(t, 2, 16)

	store.Put("k", NewEntry([]byte("payload"), clk.Now(), 10*time.Second, 30*time.Second, "p"))

	store.Get("k")       // fresh hit
	store.Get("absent")  // miss
	clk.Advance(15 * time.Second)
	store.Get("k") // stale serve

	stats := store.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, uint64(1), stats.StaleServes)
	assert.Greater(t, stats.BytesEst, int64(0))
}

func TestShardingSpreadsKeys(t *testing.T) {
	store, clk := newTestStore(t, 8, 1024)

	for i := 0; i < 200; i++ {
		store.Put(fmt.Sprintf("key-%d", i), NewEntry(i, clk.Now(), time.Hour, time.Hour, "p"))
	}

	populated := 0
	for _, sh := range store.shards {
		if sh.stats().Entries > 0 {
			populated++
		}
	}
	assert.Greater(t, populated, 1, "keys should spread across shards")
	assert.Equal(t, 200, store.Stats().Entries)
}

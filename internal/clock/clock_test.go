package clock

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeClockAdvance(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clk := NewFake(start)

	assert.Equal(t, start, clk.Now())

	clk.Advance(90 * time.Second)
	assert.Equal(t, start.Add(90*time.Second), clk.Now())
	assert.Equal(t, 90*time.Second, clk.Since(start))
}

func TestFakeClockAfter(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clk := NewFake(start)

	ch := clk.After(10 * time.Second)

	select {
	case <-ch:
		t.Fatal("channel fired before deadline")
	default:
	}

	clk.Advance(5 * time.Second)
	select {
	case <-ch:
		t.Fatal("channel fired 5s early")
	default:
	}

	clk.Advance(5 * time.Second)
	select {
	case at := <-ch:
		assert.Equal(t, start.Add(10*time.Second), at)
	default:
		t.Fatal("channel did not fire at deadline")
	}
}

func TestFakeClockAfterZero(t *testing.T) {
	clk := NewFake(time.Now())
	select {
	case <-clk.After(0):
	default:
		t.Fatal("zero-duration After should fire immediately")
	}
}

func TestNewHolderID(t *testing.T) {
	a := NewHolderID("minecore")
	b := NewHolderID("minecore")

	require.True(t, strings.HasPrefix(a, "minecore-"))
	assert.NotEqual(t, a, b, "holder ids must be unique per call")

	parts := strings.Split(a, "-")
	assert.GreaterOrEqual(t, len(parts), 3)
	assert.Len(t, parts[len(parts)-1], 8)
}

func TestNewEventIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewEventID()
		require.False(t, seen[id], "duplicate event id %s", id)
		seen[id] = true
	}
}

package coalesce

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGroup(t *testing.T, cfg Config) *Group {
	t.Helper()
	g := New(cfg)
	t.Cleanup(g.Close)
	return g
}

func TestConcurrentCallersSingleCompute(t *testing.T) {
	g := newTestGroup(t, Config{})

	var invocations int32
	release := make(chan struct{})

	compute := func(ctx context.Context) (any, error) {
		atomic.AddInt32(&invocations, 1)
		<-release
		return 42, nil
	}

	const callers = 10
	results := make([]any, callers)
	errs := make([]error, callers)

	var started, done sync.WaitGroup
	started.Add(callers)
	done.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer done.Done()
			started.Done()
			results[i], errs[i], _ = g.Do(context.Background(), "btc-price:spot", compute)
		}(i)
	}

	started.Wait()
	// Give every goroutine time to join the slot before releasing.
	require.Eventually(t, func() bool {
		return g.Stats().CoalescedWaits == callers-1
	}, time.Second, time.Millisecond)

	close(release)
	done.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&invocations), "compute must run exactly once")
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, 42, results[i])
	}
}

func TestErrorPropagatesToAllWaiters(t *testing.T) {
	g := newTestGroup(t, Config{})

	computeErr := errors.New("venue unavailable")
	release := make(chan struct{})
	compute := func(ctx context.Context) (any, error) {
		<-release
		return nil, computeErr
	}

	const callers = 5
	errs := make([]error, callers)
	var done sync.WaitGroup
	done.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer done.Done()
			_, errs[i], _ = g.Do(context.Background(), "network-stats:main", compute)
		}(i)
	}

	require.Eventually(t, func() bool {
		return g.Stats().CoalescedWaits == callers-1
	}, time.Second, time.Millisecond)
	close(release)
	done.Wait()

	for i := 0; i < callers; i++ {
		assert.ErrorIs(t, errs[i], computeErr, "caller %d must see the primary's error", i)
	}
}

func TestWaiterTimeoutLeavesPrimaryRunning(t *testing.T) {
	g := newTestGroup(t, Config{})

	var computeCancelled atomic.Bool
	var invocations int32
	compute := func(ctx context.Context) (any, error) {
		atomic.AddInt32(&invocations, 1)
		time.Sleep(150 * time.Millisecond)
		computeCancelled.Store(ctx.Err() != nil)
		return "fresh", nil
	}

	// Impatient primary caller: its wait expires but its computation must
	// keep running for everyone else.
	shortCtx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	type outcome struct {
		val any
		err error
	}
	patient := make(chan outcome, 1)
	go func() {
		// Join shortly after the primary started.
		time.Sleep(30 * time.Millisecond)
		val, err, _ := g.Do(context.Background(), "k", compute)
		patient <- outcome{val, err}
	}()

	_, err, _ := g.Do(shortCtx, "k", compute)
	require.ErrorIs(t, err, ErrCoalesceTimeout)

	got := <-patient
	require.NoError(t, got.err)
	assert.Equal(t, "fresh", got.val)

	assert.Equal(t, int32(1), atomic.LoadInt32(&invocations))
	assert.False(t, computeCancelled.Load(), "waiter deadline must not cancel the primary context")
	assert.Equal(t, uint64(1), g.Stats().Timeouts)
}

func TestPanicBecomesErrPrimaryFailed(t *testing.T) {
	g := newTestGroup(t, Config{})

	release := make(chan struct{})
	compute := func(ctx context.Context) (any, error) {
		<-release
		panic("nil map write in decoder")
	}

	const callers = 3
	errs := make([]error, callers)
	var done sync.WaitGroup
	done.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer done.Done()
			_, errs[i], _ = g.Do(context.Background(), "k", compute)
		}(i)
	}

	require.Eventually(t, func() bool {
		return g.Stats().CoalescedWaits == callers-1
	}, time.Second, time.Millisecond)
	close(release)
	done.Wait()

	for i := 0; i < callers; i++ {
		require.Error(t, errs[i])
		assert.ErrorIs(t, errs[i], ErrPrimaryFailed)
		assert.Contains(t, errs[i].Error(), "nil map write")
	}
	assert.Equal(t, uint64(1), g.Stats().Panics)
}

func TestSequentialCallsRecompute(t *testing.T) {
	g := newTestGroup(t, Config{})

	var invocations int32
	compute := func(ctx context.Context) (any, error) {
		return atomic.AddInt32(&invocations, 1), nil
	}

	v1, err, shared := g.Do(context.Background(), "k", compute)
	require.NoError(t, err)
	assert.Equal(t, int32(1), v1)
	assert.False(t, shared)

	v2, err, _ := g.Do(context.Background(), "k", compute)
	require.NoError(t, err)
	assert.Equal(t, int32(2), v2, "slot must clear after completion")
}

func TestDistinctFingerprintsDoNotCoalesce(t *testing.T) {
	g := newTestGroup(t, Config{})

	var invocations int32
	release := make(chan struct{})
	compute := func(ctx context.Context) (any, error) {
		atomic.AddInt32(&invocations, 1)
		<-release
		return nil, nil
	}

	var done sync.WaitGroup
	done.Add(2)
	go func() { defer done.Done(); g.Do(context.Background(), "a", compute) }()
	go func() { defer done.Done(); g.Do(context.Background(), "b", compute) }()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&invocations) == 2
	}, time.Second, time.Millisecond)
	close(release)
	done.Wait()
}

func TestWatchdogEvictsStuckSlot(t *testing.T) {
	g := newTestGroup(t, Config{
		MaxInflightAge:   50 * time.Millisecond,
		WatchdogInterval: 10 * time.Millisecond,
	})

	var invocations int32
	release := make(chan struct{})
	stuck := func(ctx context.Context) (any, error) {
		atomic.AddInt32(&invocations, 1)
		<-release
		return "late", nil
	}

	go g.Do(context.Background(), "k", stuck)

	require.Eventually(t, func() bool {
		return g.Stats().WatchdogEvictions >= 1
	}, time.Second, 5*time.Millisecond, "watchdog should clear the aged slot")

	// A fresh attempt starts a new primary instead of queueing behind the
	// wedged one.
	done := make(chan struct{})
	go func() {
		defer close(done)
		g.Do(context.Background(), "k", stuck)
	}()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&invocations) == 2
	}, time.Second, 5*time.Millisecond)

	close(release)
	<-done

	require.Eventually(t, func() bool {
		return g.Stats().InFlight == 0
	}, time.Second, 5*time.Millisecond, "finished flights must clear their slots")
}

func TestStatsCounts(t *testing.T) {
	g := newTestGroup(t, Config{})

	g.Do(context.Background(), "k", func(ctx context.Context) (any, error) { return 1, nil })

	stats := g.Stats()
	assert.Equal(t, uint64(1), stats.PrimaryRuns)
	assert.Equal(t, 0, stats.InFlight)
	assert.Equal(t, uint64(0), stats.Timeouts)
}

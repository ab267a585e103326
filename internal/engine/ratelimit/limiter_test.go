package ratelimit

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surge-downloader/batchdl/internal/engine/types"
)

// fakeClock advances only when the limiter sleeps.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return nil
}

func newFake(t *testing.T, requests int, window time.Duration) (*Limiter, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	lim, err := New(requests, window, WithClock(clock.Now, clock.Sleep))
	require.NoError(t, err)
	return lim, clock
}

func TestNew_RejectsInvalid(t *testing.T) {
	_, err := New(0, time.Minute)
	assert.True(t, types.IsConfig(err))

	_, err = New(5, 0)
	assert.True(t, types.IsConfig(err))
}

func TestAcquire_StartsFull(t *testing.T) {
	lim, clock := newFake(t, 5, time.Minute)
	start := clock.Now()

	for i := 0; i < 5; i++ {
		require.NoError(t, lim.Acquire(context.Background(), 1))
	}
	assert.Equal(t, start, clock.Now(), "a full bucket should not wait")
	assert.Equal(t, int64(0), lim.Stats().Waits)
}

func TestAcquire_WaitsForRefill(t *testing.T) {
	lim, clock := newFake(t, 5, time.Minute)
	start := clock.Now()

	for i := 0; i < 7; i++ {
		require.NoError(t, lim.Acquire(context.Background(), 1))
	}

	// Two extra tokens at one per 12s.
	elapsed := clock.Now().Sub(start)
	assert.GreaterOrEqual(t, elapsed, 23*time.Second)
	assert.Less(t, elapsed, 25*time.Second)

	st := lim.Stats()
	assert.Equal(t, int64(7), st.Acquired)
	assert.Equal(t, int64(2), st.Waits)
	assert.Greater(t, st.MaxWait, 11*time.Second)
}

func TestAcquire_TokensStayInBounds(t *testing.T) {
	lim, clock := newFake(t, 3, 3*time.Second)

	steps := []struct {
		advance time.Duration
		take    float64
	}{
		{0, 1}, {0, 2}, {500 * time.Millisecond, 1}, {10 * time.Second, 3}, {0, 0.5}, {time.Hour, 2.5},
	}
	for _, s := range steps {
		clock.Sleep(context.Background(), s.advance)
		require.NoError(t, lim.Acquire(context.Background(), s.take))
		tokens := lim.Tokens()
		assert.GreaterOrEqual(t, tokens, 0.0)
		assert.LessOrEqual(t, tokens, lim.Capacity())
	}

	clock.Sleep(context.Background(), time.Hour)
	assert.Equal(t, lim.Capacity(), lim.Tokens(), "refill is capped at capacity")
}

func TestAcquire_MoreThanCapacity(t *testing.T) {
	lim, _ := newFake(t, 5, time.Minute)

	for _, n := range []float64{5.01, 6, 100, 0, -1, math.NaN(), math.Inf(1)} {
		err := lim.Acquire(context.Background(), n)
		require.Error(t, err, "n=%v", n)
		assert.True(t, types.IsConfig(err))
	}
	assert.ErrorIs(t, lim.Acquire(context.Background(), 6), types.ErrTokensExceedCapacity)
	assert.Equal(t, 5.0, lim.Tokens(), "failed acquires must not debit")
}

func TestAcquire_Cancellation(t *testing.T) {
	lim, err := New(1, time.Hour)
	require.NoError(t, err)
	require.NoError(t, lim.Acquire(context.Background(), 1))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	err = lim.Acquire(ctx, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestAcquire_Concurrent(t *testing.T) {
	lim, err := New(10, 200*time.Millisecond)
	require.NoError(t, err)

	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, lim.Acquire(context.Background(), 1))
			tokens := lim.Tokens()
			assert.GreaterOrEqual(t, tokens, 0.0)
			assert.LessOrEqual(t, tokens, 10.0)
		}()
	}
	wg.Wait()

	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
	assert.Equal(t, int64(20), lim.Stats().Acquired)
}

func TestStats_AvgWait(t *testing.T) {
	assert.Zero(t, Stats{}.AvgWait())
	assert.Equal(t, 2*time.Second, Stats{Waits: 2, TotalWait: 4 * time.Second}.AvgWait())
}

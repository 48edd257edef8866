package outbound

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFixedLimiter_CapsPeakInFlight(t *testing.T) {
	const n = 3
	const callers = 10

	limiter := newFixedLimiter(n)
	var inFlight int64
	var peak int64
	var wg sync.WaitGroup

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := limiter.Acquire(context.Background())
			require.NoError(t, err)
			defer release()

			cur := atomic.AddInt64(&inFlight, 1)
			for {
				p := atomic.LoadInt64(&peak)
				if cur <= p || atomic.CompareAndSwapInt64(&peak, p, cur) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt64(&inFlight, -1)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(n))
}

func TestFixedLimiter_AcquireCancellable(t *testing.T) {
	limiter := newFixedLimiter(1)
	release, err := limiter.Acquire(context.Background())
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err = limiter.Acquire(ctx)
	require.Error(t, err)
	var cancelled *CancelledError
	assert.ErrorAs(t, err, &cancelled)
}

func TestNoneLimiter_NeverBlocks(t *testing.T) {
	limiter := noneLimiter{}
	release, err := limiter.Acquire(context.Background())
	require.NoError(t, err)
	release()
	assert.Equal(t, 0, limiter.Limit())
}

func TestAdaptiveLimiter_GrowsOnCleanAcksAndShrinksOnShed(t *testing.T) {
	settings := AdaptiveConcurrencySettings{
		DecreaseRatio: 0.5,
		InitialLimit:  4,
		MinLimit:      1,
		MaxLimit:      8,
	}
	limiter := newAdaptiveLimiter(settings)
	assert.Equal(t, 4, limiter.Limit())

	limiter.Report(time.Millisecond, false)
	assert.Equal(t, 5, limiter.Limit())

	limiter.Report(time.Millisecond, true)
	assert.Equal(t, 2, limiter.Limit())
}

func TestAdaptiveLimiter_RespectsMinMaxBounds(t *testing.T) {
	settings := AdaptiveConcurrencySettings{
		DecreaseRatio: 0.9,
		InitialLimit:  1,
		MinLimit:      1,
		MaxLimit:      2,
	}
	limiter := newAdaptiveLimiter(settings)

	for i := 0; i < 10; i++ {
		limiter.Report(time.Millisecond, false)
	}
	assert.Equal(t, 2, limiter.Limit())

	for i := 0; i < 10; i++ {
		limiter.Report(time.Millisecond, true)
	}
	assert.Equal(t, 1, limiter.Limit())
}

func TestAdaptiveLimiter_WaitersUnblockOnRelease(t *testing.T) {
	limiter := newAdaptiveLimiter(AdaptiveConcurrencySettings{InitialLimit: 1, MinLimit: 1, MaxLimit: 1, DecreaseRatio: 0.5})

	release, err := limiter.Acquire(context.Background())
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		r, err := limiter.Acquire(context.Background())
		require.NoError(t, err)
		r()
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	release()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiter never unblocked after release")
	}
}

package outbound

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuild_SucceedsOnFirstTry(t *testing.T) {
	inner := SenderFunc[string, string](func(ctx context.Context, req string) (string, error) {
		return "ok", nil
	})

	settings := globalDefaults()
	settings.RetryMaxDuration = time.Second
	settings.RetryInitialBackoff = time.Millisecond

	sender := Build[string, string](settings, alwaysRetriable{}, inner)

	resp, err := sender.Send(context.Background(), "req")
	require.NoError(t, err)
	assert.Equal(t, "ok", resp)
}

func TestBuild_FixedConcurrencyCapsPeakInFlight(t *testing.T) {
	const n = 2
	var inFlight, peak int64

	inner := SenderFunc[string, string](func(ctx context.Context, req string) (string, error) {
		cur := atomic.AddInt64(&inFlight, 1)
		for {
			p := atomic.LoadInt64(&peak)
			if cur <= p || atomic.CompareAndSwapInt64(&peak, p, cur) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt64(&inFlight, -1)
		return "ok", nil
	})

	settings := globalDefaults()
	settings.ConcurrencyKind = ConcurrencyFixed
	fixed := n
	settings.Concurrency = &fixed
	settings.RetryMaxDuration = time.Second
	settings.RetryInitialBackoff = time.Millisecond

	sender := Build[string, string](settings, alwaysRetriable{}, inner)

	done := make(chan struct{}, 10)
	for i := 0; i < 10; i++ {
		go func() {
			_, _ = sender.Send(context.Background(), "req")
			done <- struct{}{}
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}

	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(n))
}

func TestBuildDistributed_RoutesAroundEndpointFailingItsProbe(t *testing.T) {
	var aCalls, bCalls int64

	failing := SenderFunc[string, string](func(ctx context.Context, req string) (string, error) {
		atomic.AddInt64(&aCalls, 1)
		return "", errors.New("endpoint a is down")
	})
	working := SenderFunc[string, string](func(ctx context.Context, req string) (string, error) {
		atomic.AddInt64(&bCalls, 1)
		return "ok", nil
	})

	settings := globalDefaults()
	settings.RetryMaxDuration = time.Second
	settings.RetryInitialBackoff = time.Millisecond
	settings.RetryAttempts = 5

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sender := BuildDistributed[string, string](ctx, settings, alwaysRetriable{}, []DistributedEndpoint[string, string]{
		{Label: "a", Inner: failing},
		{Label: "b", Inner: working},
	}, WithHealthLogic[string, string](errIsUnhealthy{}))

	// Let each endpoint's immediate background probe (BuildDistributed's
	// default Probe, fired once before the Interval-cadenced loop) run:
	// the working endpoint observes a success and becomes ready, while the
	// failing endpoint's probe fails and leaves it correctly un-ready
	// (a failed observation must never flip Unknown to Healthy). Only the
	// working endpoint is ever a candidate once this settles.
	time.Sleep(5 * time.Millisecond)

	resp, err := sender.Send(ctx, "req")
	require.NoError(t, err)
	assert.Equal(t, "ok", resp)
	assert.GreaterOrEqual(t, atomic.LoadInt64(&bCalls), int64(1))
}

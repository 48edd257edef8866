package outbound

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeEndpoint(key int, label string, ready bool, delay time.Duration) EndpointSpec[string, string] {
	return EndpointSpec[string, string]{
		Label: label,
		Ready: func() bool { return ready },
		Sender: SenderFunc[string, string](func(ctx context.Context, req string) (string, error) {
			time.Sleep(delay)
			return label, nil
		}),
	}
}

func TestBalance_UsesSoleReadyEndpoint(t *testing.T) {
	specs := []EndpointSpec[string, string]{
		makeEndpoint(0, "a", false, 0),
		makeEndpoint(1, "b", true, 0),
	}
	disc := NewStaticDiscoverer(specs)
	sender := newBalanceSender[string, string](context.Background(), disc)

	resp, err := sender.Send(context.Background(), "req")
	require.NoError(t, err)
	assert.Equal(t, "b", resp)
}

func TestBalance_NoneReadyBlocksUntilCancelled(t *testing.T) {
	specs := []EndpointSpec[string, string]{
		makeEndpoint(0, "a", false, 0),
		makeEndpoint(1, "b", false, 0),
	}
	disc := NewStaticDiscoverer(specs)
	sender := newBalanceSender[string, string](context.Background(), disc)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := sender.Send(ctx, "req")
	require.Error(t, err)
	var cancelled *CancelledError
	assert.ErrorAs(t, err, &cancelled)
}

func TestBalance_PrefersLessLoadedEndpoint(t *testing.T) {
	var aInFlight int64
	blockA := make(chan struct{})

	specs := []EndpointSpec[string, string]{
		{
			Label: "a",
			Ready: func() bool { return true },
			Sender: SenderFunc[string, string](func(ctx context.Context, req string) (string, error) {
				atomic.AddInt64(&aInFlight, 1)
				<-blockA
				atomic.AddInt64(&aInFlight, -1)
				return "a", nil
			}),
		},
		{
			Label: "b",
			Ready: func() bool { return true },
			Sender: SenderFunc[string, string](func(ctx context.Context, req string) (string, error) {
				return "b", nil
			}),
		},
	}
	disc := NewStaticDiscoverer(specs)
	sender := newBalanceSender[string, string](context.Background(), disc)

	// Saturate endpoint "a" with an in-flight call, then confirm that a
	// burst of further dispatches consistently prefers "b". With both
	// endpoints idle, p2c may route a warm-up call to either one, so keep
	// issuing warm-up calls until one is parked on "a" (calls that land on
	// "b" return at once).
	for atomic.LoadInt64(&aInFlight) == 0 {
		go sender.Send(context.Background(), "warm-a")
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, int64(1), atomic.LoadInt64(&aInFlight))

	bCount := 0
	for i := 0; i < 20; i++ {
		resp, err := sender.Send(context.Background(), "req")
		require.NoError(t, err)
		if resp == "b" {
			bCount++
		}
	}
	close(blockA)

	assert.Greater(t, bCount, 10, "p2c should favor the less-loaded endpoint most of the time")
}

func TestBalance_DiscoveryRemoveEvictsEndpoint(t *testing.T) {
	specs := []EndpointSpec[string, string]{makeEndpoint(0, "a", true, 0)}
	disc := NewStaticDiscoverer(specs)
	sender := newBalanceSender[string, string](context.Background(), disc)

	resp, err := sender.Send(context.Background(), "req")
	require.NoError(t, err)
	assert.Equal(t, "a", resp)

	sender.balancer.apply(Change[string, string]{Kind: Remove, Key: 0})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = sender.Send(ctx, "req")
	require.Error(t, err)
}

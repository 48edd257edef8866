package outbound

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aiserve/gpuproxy/internal/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type errIsUnhealthy struct{}

func (errIsUnhealthy) IsHealthy(resp string, err error) HealthState {
	if err != nil {
		return Unhealthy
	}
	if resp == "" {
		return HealthUnknown
	}
	return Healthy
}

func TestHealth_InitiallyUnhealthyUntilFirstObservation(t *testing.T) {
	inner := SenderFunc[string, string](func(ctx context.Context, req string) (string, error) {
		return "ok", nil
	})

	cfg := DefaultHealthConfig()
	cfg.MinRequests = 1
	sender := newHealthSender[string, string](cfg, errIsUnhealthy{}, "ep-1", metrics.NewOpenGauge(), inner)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.False(t, sender.isReady())

	// Send blocks until ready or ctx done; since nothing has primed the
	// breaker yet, it should time out rather than return a response.
	_, err := sender.Send(ctx, "req")
	require.Error(t, err)
}

func TestHealth_BecomesReadyAfterSuccessfulProbe(t *testing.T) {
	calls := 0
	inner := SenderFunc[string, string](func(ctx context.Context, req string) (string, error) {
		calls++
		return "ok", nil
	})

	gauge := metrics.NewOpenGauge()
	cfg := DefaultHealthConfig()
	cfg.MinRequests = 1
	sender := newHealthSender[string, string](cfg, errIsUnhealthy{}, "ep-1", gauge, inner)

	sender.recordObservation(Healthy)
	assert.True(t, sender.isReady())
	assert.Equal(t, int64(1), gauge.Count())

	resp, err := sender.Send(context.Background(), "req")
	require.NoError(t, err)
	assert.Equal(t, "ok", resp)
	assert.Equal(t, 1, calls)
}

func TestHealth_TripsUnhealthyAfterFailureRatio(t *testing.T) {
	inner := SenderFunc[string, string](func(ctx context.Context, req string) (string, error) {
		return "", errors.New("down")
	})

	gauge := metrics.NewOpenGauge()
	cfg := DefaultHealthConfig()
	cfg.MinRequests = 1
	cfg.FailureThreshold = 0.5
	sender := newHealthSender[string, string](cfg, errIsUnhealthy{}, "ep-1", gauge, inner)

	sender.recordObservation(Healthy)
	require.True(t, sender.isReady())

	sender.recordObservation(Unhealthy)
	sender.recordObservation(Unhealthy)

	assert.False(t, sender.isReady())
	assert.Equal(t, int64(0), gauge.Count())
}

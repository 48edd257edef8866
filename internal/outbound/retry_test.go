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

type alwaysRetriable struct{}

func (alwaysRetriable) IsRetriableError(err error) bool { return err != nil }
func (alwaysRetriable) ShouldRetryResponse(resp string) RetryDecision {
	if resp == "ok" {
		return RetryDecision{Outcome: Successful}
	}
	return RetryDecision{Outcome: RetryOutcomeRetry, Reason: "not ok"}
}

func cloneString(s string) string { return s }

func settingsWithRetries(attempts int64) RequestSettings {
	s := globalDefaults()
	s.RetryAttempts = attempts
	s.RetryMaxDuration = time.Hour
	s.RetryInitialBackoff = time.Millisecond
	s.RetryJitterMode = JitterNone
	return s
}

func TestRetry_ExhaustionReturnsAttemptCountAndLastError(t *testing.T) {
	var calls int64
	wantErr := errors.New("boom")
	inner := SenderFunc[string, string](func(ctx context.Context, req string) (string, error) {
		atomic.AddInt64(&calls, 1)
		return "", wantErr
	})

	layer := newRetryLayer[string, string](settingsWithRetries(3), alwaysRetriable{}, cloneString)
	sender := layer(inner)

	_, err := sender.Send(context.Background(), "req")
	require.Error(t, err)

	var exhausted *RetriesExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 4, exhausted.Attempts) // 1 initial + 3 retries
	assert.ErrorIs(t, exhausted.Last, wantErr)
	assert.Equal(t, int64(4), atomic.LoadInt64(&calls))
}

func TestRetry_ZeroAttemptsNeverRetries(t *testing.T) {
	var calls int64
	inner := SenderFunc[string, string](func(ctx context.Context, req string) (string, error) {
		atomic.AddInt64(&calls, 1)
		return "", errors.New("boom")
	})

	layer := newRetryLayer[string, string](settingsWithRetries(0), alwaysRetriable{}, cloneString)
	sender := layer(inner)

	_, err := sender.Send(context.Background(), "req")
	require.Error(t, err)
	assert.Equal(t, int64(1), atomic.LoadInt64(&calls))
}

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	var calls int64
	inner := SenderFunc[string, string](func(ctx context.Context, req string) (string, error) {
		n := atomic.AddInt64(&calls, 1)
		if n < 3 {
			return "", errors.New("transient")
		}
		return "ok", nil
	})

	layer := newRetryLayer[string, string](settingsWithRetries(5), alwaysRetriable{}, cloneString)
	sender := layer(inner)

	resp, err := sender.Send(context.Background(), "req")
	require.NoError(t, err)
	assert.Equal(t, "ok", resp)
	assert.Equal(t, int64(3), atomic.LoadInt64(&calls))
}

func TestRetry_NonRetriableErrorSurfacesImmediately(t *testing.T) {
	var calls int64
	wantErr := errors.New("fatal")
	inner := SenderFunc[string, string](func(ctx context.Context, req string) (string, error) {
		atomic.AddInt64(&calls, 1)
		return "", wantErr
	})

	layer := newRetryLayer[string, string](settingsWithRetries(5), retryLogicFuncs{
		retriable: func(error) bool { return false },
		classify:  alwaysRetriable{}.ShouldRetryResponse,
	}, cloneString)
	sender := layer(inner)

	_, err := sender.Send(context.Background(), "req")
	require.Error(t, err)
	assert.ErrorIs(t, err, wantErr)
	assert.Equal(t, int64(1), atomic.LoadInt64(&calls))
}

func TestRetry_CancellationDuringBackoffAbortsLoop(t *testing.T) {
	inner := SenderFunc[string, string](func(ctx context.Context, req string) (string, error) {
		return "", errors.New("boom")
	})

	settings := settingsWithRetries(UnlimitedRetryAttempts)
	settings.RetryInitialBackoff = time.Hour // long enough to cancel mid-sleep

	layer := newRetryLayer[string, string](settings, alwaysRetriable{}, cloneString)
	sender := layer(inner)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := sender.Send(ctx, "req")
	require.Error(t, err)
	var cancelled *CancelledError
	assert.ErrorAs(t, err, &cancelled)
}

func TestRetryState_FibonacciBackoffSequence(t *testing.T) {
	settings := globalDefaults()
	settings.RetryInitialBackoff = 100 * time.Millisecond

	state := newRetryState(settings, time.Now())

	// b0 = initial backoff; each subsequent term satisfies
	// b_{n+1} = b_n + b_{n-1}, with b_{-1} implicitly 0.
	want := []time.Duration{
		100 * time.Millisecond, // b0
		100 * time.Millisecond, // b1 = b0 + 0
		200 * time.Millisecond, // b2 = b1 + b0
		300 * time.Millisecond, // b3 = b2 + b1
		500 * time.Millisecond, // b4 = b3 + b2
		800 * time.Millisecond, // b5 = b4 + b3
	}

	assert.Equal(t, want[0], state.backoffCurrent)
	for i := 1; i < len(want); i++ {
		state.advance()
		assert.Equal(t, want[i], state.backoffCurrent, "term b%d", i)
		assert.Equal(t, want[i-1], state.backoffPrev, "prev term before b%d", i)
	}
}

// retryLogicFuncs adapts plain funcs to RetryLogic[string] for tests that
// need a classifier different from alwaysRetriable's.
type retryLogicFuncs struct {
	retriable func(error) bool
	classify  func(string) RetryDecision
}

func (r retryLogicFuncs) IsRetriableError(err error) bool       { return r.retriable(err) }
func (r retryLogicFuncs) ShouldRetryResponse(resp string) RetryDecision { return r.classify(resp) }

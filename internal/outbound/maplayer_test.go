package outbound

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMapLayer_TransformsOnceEachAttempt composes NewMapLayer under Retry,
// mirroring BuildDistributed's assembly (Retry above the rest of the
// chain): the transform must run exactly once per attempt, against the
// cloned original request, not once for the whole Send call.
func TestMapLayer_TransformsOnceEachAttempt(t *testing.T) {
	var transforms, calls int64

	inner := SenderFunc[int, string](func(ctx context.Context, req int) (string, error) {
		n := atomic.AddInt64(&calls, 1)
		if n < 3 {
			return "", errors.New("transient")
		}
		return "ok", nil
	})

	mapped := NewMapLayer[string, int, string](func(req string) int {
		atomic.AddInt64(&transforms, 1)
		return len(req)
	})(inner)

	sender := newRetryLayer[string, string](settingsWithRetries(5), alwaysRetriable{}, cloneString)(mapped)

	resp, err := sender.Send(context.Background(), "req")
	require.NoError(t, err)
	assert.Equal(t, "ok", resp)
	assert.Equal(t, int64(3), atomic.LoadInt64(&calls))
	assert.Equal(t, int64(3), atomic.LoadInt64(&transforms))
}

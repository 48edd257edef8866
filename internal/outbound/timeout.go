package outbound

import (
	"context"
	"errors"
	"time"
)

// timeoutSender wraps inner with a per-call deadline. The inner call is
// cancelled cooperatively (via ctx) on expiry; whatever resources inner
// scoped to the call are released through its own ctx-cancellation path, and
// this layer never blocks past the deadline waiting on it.
type timeoutSender[Req, Resp any] struct {
	inner   Sender[Req, Resp]
	timeout time.Duration
}

func newTimeoutLayer[Req, Resp any](timeout time.Duration) Layer[Req, Resp] {
	return func(inner Sender[Req, Resp]) Sender[Req, Resp] {
		return &timeoutSender[Req, Resp]{inner: inner, timeout: timeout}
	}
}

func (t *timeoutSender[Req, Resp]) Send(ctx context.Context, req Req) (Resp, error) {
	callCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	resp, err := t.inner.Send(callCtx, req)
	if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return resp, &TimeoutError{Deadline: t.timeout, Err: err}
	}
	return resp, err
}

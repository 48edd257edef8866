package outbound

import "context"

// mapSender applies a deterministic transform to the request immediately
// before dispatch, exactly once per attempt (spec.md §4.9) — each retry
// re-runs the transform against the cloned original request.
type mapSender[Req, Req2, Resp any] struct {
	inner     Sender[Req2, Resp]
	transform func(Req) Req2
}

// NewMapLayer wraps a Sender[Req2, Resp] to accept Req, transforming every
// request with f immediately before the inner call.
func NewMapLayer[Req, Req2, Resp any](f func(Req) Req2) func(Sender[Req2, Resp]) Sender[Req, Resp] {
	return func(inner Sender[Req2, Resp]) Sender[Req, Resp] {
		return &mapSender[Req, Req2, Resp]{inner: inner, transform: f}
	}
}

func (m *mapSender[Req, Req2, Resp]) Send(ctx context.Context, req Req) (Resp, error) {
	return m.inner.Send(ctx, m.transform(req))
}

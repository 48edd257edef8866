// Package outbound implements the outbound request middleware core: timeout,
// Fibonacci retry, adaptive/fixed concurrency, rate limiting, and (for
// multi-endpoint downstreams) health-gated power-of-two-choices balancing,
// layered around a caller-supplied inner sender.
package outbound

import "context"

// Sender is the capability this core builds on and produces: something that
// accepts a request and asynchronously produces a response. Tower's
// poll_ready/call split collapses into a single blocking Send here — a layer
// that needs to suspend (for a rate-limit token, a concurrency permit, a
// backoff sleep, a buffer slot) does so inside Send, honoring ctx
// cancellation at every suspension point. See SPEC_FULL.md §5.
type Sender[Req, Resp any] interface {
	Send(ctx context.Context, req Req) (Resp, error)
}

// SenderFunc adapts a plain function to a Sender, the way http.HandlerFunc
// adapts a function to http.Handler.
type SenderFunc[Req, Resp any] func(ctx context.Context, req Req) (Resp, error)

func (f SenderFunc[Req, Resp]) Send(ctx context.Context, req Req) (Resp, error) {
	return f(ctx, req)
}

// Layer wraps an inner Sender with additional behavior, producing a new
// Sender with the same capability set. Assembly order is meaningful; see
// pipeline.go for the documented composition orders.
type Layer[Req, Resp any] func(inner Sender[Req, Resp]) Sender[Req, Resp]

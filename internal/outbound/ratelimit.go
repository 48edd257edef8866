package outbound

import (
	"context"

	"github.com/aiserve/gpuproxy/internal/metrics"
	"golang.org/x/time/rate"
)

// rateLimitSender is an admission-control layer: a token bucket holding up
// to RateLimitNum tokens, refilled at RateLimitNum per RateLimitDuration.
// A full bucket admits a burst of RateLimitNum calls at once, so a single
// RateLimitDuration window can see more than RateLimitNum calls commence.
// When the bucket is empty it delays readiness (blocks inside Send) rather
// than failing, matching
// spec.md §4.5. Modeled on perplext-LLMrecon's provider/middleware and
// security/api rate limiters, which both derive a golang.org/x/time/rate
// limiter from a requests-per-window count.
type rateLimitSender[Req, Resp any] struct {
	inner   Sender[Req, Resp]
	limiter *rate.Limiter
	metrics *metrics.Metrics
}

func newRateLimitLayer[Req, Resp any](settings RequestSettings, m *metrics.Metrics) Layer[Req, Resp] {
	var limiter *rate.Limiter
	if settings.RateLimitNum >= UnlimitedRateLimitNum {
		limiter = rate.NewLimiter(rate.Inf, 0)
	} else {
		perSecond := float64(settings.RateLimitNum) / settings.RateLimitDuration.Seconds()
		burst := int(settings.RateLimitNum)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}

	return func(inner Sender[Req, Resp]) Sender[Req, Resp] {
		return &rateLimitSender[Req, Resp]{inner: inner, limiter: limiter, metrics: m}
	}
}

func (r *rateLimitSender[Req, Resp]) Send(ctx context.Context, req Req) (Resp, error) {
	if r.limiter.Limit() != rate.Inf && r.limiter.Tokens() < 1 {
		if r.metrics != nil {
			r.metrics.RecordRateLimitWait()
		}
	}
	if err := r.limiter.Wait(ctx); err != nil {
		var zero Resp
		if r.metrics != nil {
			r.metrics.RecordRateLimitHit()
		}
		return zero, &CancelledError{Err: err}
	}
	return r.inner.Send(ctx, req)
}

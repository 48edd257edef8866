package outbound

import (
	"context"

	"github.com/aiserve/gpuproxy/internal/metrics"
)

// CloneFunc produces a copy of a request safe to re-issue across retry
// attempts (spec.md §9: requests must be cheaply clonable, or carry an
// indirection). The default is identity, correct for any value or
// pointer-free request type.
type CloneFunc[Req any] func(Req) Req

func identityClone[Req any](r Req) Req { return r }

// Option configures Build/BuildDistributed. Functional options are the Go
// rendition of original_source/'s fluent ServiceBuilderExt chain
// (.settings(...), .map(...)): Go favors explicit constructors, but the
// option-chain shape is still the idiomatic way to keep both builders
// single-call while optional.
type Option[Req, Resp any] struct {
	apply func(*buildConfig[Req, Resp])
}

type buildConfig[Req, Resp any] struct {
	metrics           *metrics.Metrics
	controller        AdaptiveConcurrencyController
	healthConfig      HealthConfig
	healthLogic       HealthLogic[Resp]
	bufferPerEndpoint int
	clone             CloneFunc[Req]
}

func defaultBuildConfig[Req, Resp any]() *buildConfig[Req, Resp] {
	return &buildConfig[Req, Resp]{
		metrics:           metrics.GetMetrics(),
		healthConfig:      DefaultHealthConfig(),
		bufferPerEndpoint: 200,
		clone:             identityClone[Req],
	}
}

// WithMetrics overrides the *metrics.Metrics sink the rate limiter reports
// admission waits/hits to. Defaults to the process-wide metrics.GetMetrics().
func WithMetrics[Req, Resp any](m *metrics.Metrics) Option[Req, Resp] {
	return Option[Req, Resp]{apply: func(c *buildConfig[Req, Resp]) { c.metrics = m }}
}

// WithAdaptiveController swaps in a caller-supplied AdaptiveConcurrencyController
// (spec.md §6) in place of the default AIMD-flavored one.
func WithAdaptiveController[Req, Resp any](ctrl AdaptiveConcurrencyController) Option[Req, Resp] {
	return Option[Req, Resp]{apply: func(c *buildConfig[Req, Resp]) { c.controller = ctrl }}
}

// WithHealthConfig overrides the distributed pipeline's probe cadence and
// failure-ratio thresholds. No-op for Build (single-endpoint has no health gate).
func WithHealthConfig[Req, Resp any](cfg HealthConfig) Option[Req, Resp] {
	return Option[Req, Resp]{apply: func(c *buildConfig[Req, Resp]) { c.healthConfig = cfg }}
}

// WithHealthLogic supplies the response classifier the health gate uses
// to interpret live traffic (spec.md §4.6). Optional: without it,
// BuildDistributed uses defaultHealthLogic (any error Unhealthy, any
// response Healthy).
func WithHealthLogic[Req, Resp any](logic HealthLogic[Resp]) Option[Req, Resp] {
	return Option[Req, Resp]{apply: func(c *buildConfig[Req, Resp]) { c.healthLogic = logic }}
}

// WithBufferPerEndpoint overrides the distributed buffer's per-endpoint
// capacity multiplier (default 200, carried over from original_source/'s
// `services.len() * 200`), per spec.md §9's open question about this
// magic number.
func WithBufferPerEndpoint[Req, Resp any](n int) Option[Req, Resp] {
	return Option[Req, Resp]{apply: func(c *buildConfig[Req, Resp]) { c.bufferPerEndpoint = n }}
}

// WithClone overrides the default identity CloneFunc, for request types
// that need a real deep copy (e.g. containing a mutable slice/map) before
// being re-issued on retry.
func WithClone[Req, Resp any](clone CloneFunc[Req]) Option[Req, Resp] {
	return Option[Req, Resp]{apply: func(c *buildConfig[Req, Resp]) { c.clone = clone }}
}

// Build assembles the single-endpoint pipeline named in spec.md §4.10:
// RateLimit( AdaptiveConcurrency( Retry( Timeout( inner ) ) ) ).
func Build[Req, Resp any](settings RequestSettings, retryLogic RetryLogic[Resp], inner Sender[Req, Resp], opts ...Option[Req, Resp]) Sender[Req, Resp] {
	cfg := defaultBuildConfig[Req, Resp]()
	for _, o := range opts {
		o.apply(cfg)
	}

	s := newTimeoutLayer[Req, Resp](settings.Timeout)(inner)
	s = newRetryLayer(settings, retryLogic, cfg.clone)(s)
	s = newConcurrencyLayer(settings, retryLogic, cfg.controller)(s)
	s = newRateLimitLayer[Req, Resp](settings, cfg.metrics)(s)
	return s
}

// DistributedEndpoint is one caller-configured replica for BuildDistributed:
// a label (minted if empty) and the innermost sender for that replica.
type DistributedEndpoint[Req, Resp any] struct {
	Label string
	Inner Sender[Req, Resp]
}

// defaultHealthLogic treats any transport error as Unhealthy and any
// successful response as Healthy, a reasonable default for callers that
// drive health purely off HealthConfig.Probe and don't need live-traffic
// classification.
type defaultHealthLogic[Resp any] struct{}

func (defaultHealthLogic[Resp]) IsHealthy(_ Resp, err error) HealthState {
	if err != nil {
		return Unhealthy
	}
	return Healthy
}

// BuildDistributed assembles the distributed pipeline named in spec.md
// §4.10: per-endpoint chain = AdaptiveConcurrency( Health( Timeout( inner ) ) );
// outer chain = RateLimit( Retry( Buffer( Balance( Discovery -> chains ) ) ) ).
//
// AdaptiveConcurrency is built per endpoint (each replica's capacity is
// independent) while Retry, Buffer, and RateLimit are per pipeline,
// matching spec.md §9's "per-endpoint vs per-pipeline state" rule.
func BuildDistributed[Req, Resp any](ctx context.Context, settings RequestSettings, retryLogic RetryLogic[Resp], endpoints []DistributedEndpoint[Req, Resp], opts ...Option[Req, Resp]) Sender[Req, Resp] {
	cfg := defaultBuildConfig[Req, Resp]()
	for _, o := range opts {
		o.apply(cfg)
	}
	if cfg.healthLogic == nil {
		cfg.healthLogic = defaultHealthLogic[Resp]{}
	}

	gauge := metrics.NewOpenGauge()
	specs := make([]EndpointSpec[Req, Resp], len(endpoints))

	for i, ep := range endpoints {
		label := ep.Label
		if label == "" {
			label = mintLabel()
		}

		timeoutChain := newTimeoutLayer[Req, Resp](settings.Timeout)(ep.Inner)

		healthCfg := cfg.healthConfig
		if healthCfg.Probe == nil {
			// No caller-supplied liveness probe: exercise the endpoint
			// directly with its zero-value request. Without some active
			// probe, an endpoint starting Unknown (spec.md §4.6) could
			// never leave that state, since Send itself won't let live
			// traffic reach an endpoint that isn't yet ready.
			tc := timeoutChain
			healthCfg.Probe = func(ctx context.Context) error {
				var zero Req
				_, err := tc.Send(ctx, zero)
				return err
			}
		}
		health := newHealthSender(healthCfg, cfg.healthLogic, label, gauge, timeoutChain)
		limiter := newConcurrencyLayer[Req, Resp](settings, retryLogic, cfg.controller)(health)

		specs[i] = EndpointSpec[Req, Resp]{Label: label, Sender: limiter, Ready: health.isReady}
	}

	disc := NewStaticDiscoverer(specs)
	balance := newBalanceSender[Req, Resp](ctx, disc)

	capacity := len(endpoints) * cfg.bufferPerEndpoint
	if capacity < 1 {
		capacity = cfg.bufferPerEndpoint
	}
	buffered := newBufferLayer[Req, Resp](capacity)(balance)

	s := newRetryLayer(settings, retryLogic, cfg.clone)(buffered)
	s = newRateLimitLayer[Req, Resp](settings, cfg.metrics)(s)
	return s
}

package outbound

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/aiserve/gpuproxy/internal/logging"
	"github.com/aiserve/gpuproxy/internal/metrics"
	"github.com/aiserve/gpuproxy/internal/resilience"
	"github.com/sony/gobreaker"
)

// HealthState classifies a response (or a background probe's outcome) per
// spec.md §4.6.
type HealthState int

const (
	HealthUnknown HealthState = iota
	Healthy
	Unhealthy
)

// HealthLogic is supplied by the caller: "is this response evidence the
// endpoint is up?" Live traffic and the background probe share the same
// classifier.
type HealthLogic[Resp any] interface {
	IsHealthy(resp Resp, err error) HealthState
}

// HealthConfig tunes the health gate. Probe, if set, is called on Interval
// to actively exercise the endpoint; if nil, health is derived purely from
// live-traffic classification.
type HealthConfig struct {
	Interval         time.Duration
	FailureThreshold float64
	MinRequests      uint32
	Probe            func(ctx context.Context) error
}

func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		Interval:         10 * time.Second,
		FailureThreshold: 0.5,
		MinRequests:      3,
	}
}

var errProbeUnhealthy = errors.New("endpoint classified unhealthy")

// healthSender wraps one endpoint's inner chain (Timeout(S)) with a
// readiness gate driven by a resilience.CircuitBreaker: failures (probe or
// live-traffic) trip the breaker open once they make up FailureThreshold of
// at least MinRequests observations, and the endpoint is Healthy while the
// breaker is not open and at least one Healthy observation has been seen.
// The initial state is Unknown, treated as Unhealthy for readiness until
// the first successful observation, per spec.md §4.6.
type healthSender[Req, Resp any] struct {
	inner Sender[Req, Resp]
	logic HealthLogic[Resp]
	label string

	breaker *resilience.CircuitBreaker

	mu            sync.Mutex
	healthy       bool
	everSucceeded bool
	notify        chan struct{}
	gauge         *metrics.OpenGauge
	closeGauge    func()

	probeCancel context.CancelFunc
}

// newHealthSender builds the concrete health gate for one endpoint. It is
// used directly (rather than through the Layer indirection) wherever the
// caller needs access to isReady/Close alongside the Sender, i.e. the
// distributed pipeline assembly in pipeline.go.
func newHealthSender[Req, Resp any](cfg HealthConfig, logic HealthLogic[Resp], label string, gauge *metrics.OpenGauge, inner Sender[Req, Resp]) *healthSender[Req, Resp] {
	h := &healthSender[Req, Resp]{
		logic:  logic,
		label:  label,
		notify: make(chan struct{}),
		gauge:  gauge,
		inner:  inner,
	}

	settings := resilience.Settings{
		MaxRequests:      1,
		Interval:         cfg.Interval * 10,
		Timeout:          cfg.Interval,
		FailureThreshold: cfg.FailureThreshold,
		MinRequests:      cfg.MinRequests,
	}
	h.breaker = resilience.NewCircuitBreaker(settings)

	if cfg.Probe != nil {
		ctx, cancel := context.WithCancel(context.Background())
		h.probeCancel = cancel
		go h.runProbe(ctx, cfg.Interval, cfg.Probe)
	}
	return h
}

// newHealthLayer is the Layer-shaped adapter over newHealthSender, for
// callers that only need the composed Sender.
func newHealthLayer[Req, Resp any](cfg HealthConfig, logic HealthLogic[Resp], label string, gauge *metrics.OpenGauge) Layer[Req, Resp] {
	return func(inner Sender[Req, Resp]) Sender[Req, Resp] {
		return newHealthSender(cfg, logic, label, gauge, inner)
	}
}

// syncState pulls the breaker's current state and applies it. It is the
// single source of truth for h.healthy: called after every observation
// rather than only from OnStateChange, because gobreaker invokes that
// callback on a transition only — an endpoint that never fails (ReadyToTrip
// never satisfied) would stay in its initial StateClosed with no callback
// ever firing, leaving a reader that only listened for transitions blocked
// forever.
//
// Readiness requires both an observed success and a breaker that hasn't
// tripped open: the breaker alone is not enough, since it stays StateClosed
// until MinRequests failures accumulate, and an endpoint whose every probe
// has failed so far must not read as healthy just because it hasn't failed
// enough times yet to trip (spec.md §4.6: Unknown becomes Healthy only on
// a successful observation).
func (h *healthSender[Req, Resp]) syncState() {
	open := h.breaker.GetState(h.label) == gobreaker.StateOpen

	h.mu.Lock()
	defer h.mu.Unlock()

	healthy := h.everSucceeded && !open
	if healthy == h.healthy {
		return
	}
	h.healthy = healthy

	if healthy {
		logging.Info("endpoint became healthy", map[string]interface{}{"endpoint": h.label})
	} else {
		logging.Warn("endpoint became unhealthy", map[string]interface{}{"endpoint": h.label})
	}

	close(h.notify)
	h.notify = make(chan struct{})

	if healthy && h.closeGauge == nil && h.gauge != nil {
		h.closeGauge = h.gauge.Open()
	} else if !healthy && h.closeGauge != nil {
		h.closeGauge()
		h.closeGauge = nil
	}
}

func (h *healthSender[Req, Resp]) recordObservation(state HealthState) {
	if state == HealthUnknown {
		return
	}
	_, _ = h.breaker.Execute(h.label, func() (interface{}, error) {
		if state == Unhealthy {
			return nil, errProbeUnhealthy
		}
		return nil, nil
	})

	if state == Healthy {
		h.mu.Lock()
		h.everSucceeded = true
		h.mu.Unlock()
	}

	h.syncState()
}

func (h *healthSender[Req, Resp]) doProbe(ctx context.Context, probe func(context.Context) error) {
	if err := probe(ctx); err != nil {
		h.recordObservation(Unhealthy)
	} else {
		h.recordObservation(Healthy)
	}
}

// runProbe fires an immediate probe before entering the Interval-cadenced
// loop: without one, an endpoint gated purely by active probing (no live
// traffic reaching it yet, since Send itself blocks on readiness) would
// never leave its pre-observation Unhealthy state until Interval first
// elapsed.
func (h *healthSender[Req, Resp]) runProbe(ctx context.Context, interval time.Duration, probe func(context.Context) error) {
	h.doProbe(ctx, probe)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.doProbe(ctx, probe)
		}
	}
}

// isReady reports the last-observed health state without blocking.
func (h *healthSender[Req, Resp]) isReady() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.healthy
}

func (h *healthSender[Req, Resp]) waitUntilReady(ctx context.Context) error {
	for {
		h.mu.Lock()
		if h.healthy {
			h.mu.Unlock()
			return nil
		}
		ch := h.notify
		h.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (h *healthSender[Req, Resp]) Send(ctx context.Context, req Req) (Resp, error) {
	if err := h.waitUntilReady(ctx); err != nil {
		var zero Resp
		return zero, &CancelledError{Err: err}
	}

	resp, err := h.inner.Send(ctx, req)
	h.recordObservation(h.logic.IsHealthy(resp, err))
	return resp, err
}

// Close stops the background probe goroutine, if one was started.
func (h *healthSender[Req, Resp]) Close() {
	if h.probeCancel != nil {
		h.probeCancel()
	}
}

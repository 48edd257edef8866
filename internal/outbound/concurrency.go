package outbound

import (
	"context"
	"sync"
	"time"

	"github.com/aiserve/gpuproxy/internal/metrics"
)

// ConcurrencyLimiter is the contract an adaptive (or fixed, or absent)
// concurrency layer must satisfy: acquire a permit before dispatch, report
// the call's outcome afterward so the limiter can adjust, release always.
type ConcurrencyLimiter interface {
	// Acquire blocks until a permit is available or ctx is cancelled.
	Acquire(ctx context.Context) (release func(), err error)
	// Report feeds back the completed call's RTT and whether the response
	// was classified retriable (a load-shed signal for adaptive mode).
	Report(rtt time.Duration, shedSignal bool)
	// Limit returns the current in-flight cap, or 0 if unbounded (none mode).
	Limit() int
}

// AdaptiveConcurrencyController is the factory contract named in spec.md
// §6: given an optional fixed bound, tuning settings, and the same
// retriable-error classifier the retry layer uses, it produces a
// ConcurrencyLimiter. Its internal AIMD algorithm is out of scope for this
// core (spec.md §1). When no controller is supplied, buildLimiter uses the
// built-in adaptiveLimiter below directly, not through this interface.
type AdaptiveConcurrencyController interface {
	NewLimiter(bound *int, settings AdaptiveConcurrencySettings, isRetriableErr func(error) bool) ConcurrencyLimiter
}

// noneLimiter imposes no cap: Acquire never blocks, Limit reports 0.
type noneLimiter struct{}

func (noneLimiter) Acquire(ctx context.Context) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, &CancelledError{Err: err}
	}
	return func() {}, nil
}
func (noneLimiter) Report(time.Duration, bool) {}
func (noneLimiter) Limit() int                 { return 0 }

// fixedLimiter is a counting semaphore pinned to N permits. Waiters are
// served in FIFO order via a buffered channel, satisfying spec.md §4.4's
// "must not starve" requirement without requiring strict FIFO.
type fixedLimiter struct {
	slots chan struct{}
	n     int
}

func newFixedLimiter(n int) *fixedLimiter {
	l := &fixedLimiter{slots: make(chan struct{}, n), n: n}
	for i := 0; i < n; i++ {
		l.slots <- struct{}{}
	}
	return l
}

func (l *fixedLimiter) Acquire(ctx context.Context) (func(), error) {
	select {
	case <-l.slots:
		var once sync.Once
		return func() {
			once.Do(func() { l.slots <- struct{}{} })
		}, nil
	case <-ctx.Done():
		return nil, &CancelledError{Err: ctx.Err()}
	}
}

func (l *fixedLimiter) Report(time.Duration, bool) {}
func (l *fixedLimiter) Limit() int                 { return l.n }

// adaptiveLimiter is the default AIMD-flavored controller: it grows the
// limit by one on every clean ack, and multiplicatively backs off on
// a load-shed signal, bounded by [min, max]. RTT is recorded only for
// observability (an external dashboard could alarm on regressions); the
// growth decision here is deliberately simple, standing in for the AIMD
// internals spec.md explicitly places out of scope.
type adaptiveLimiter struct {
	mu       sync.Mutex
	limit    int
	min, max int
	decrease float64
	inFlight int
	rttHist  *metrics.Histogram
	// notify is closed and replaced every time inFlight or limit changes,
	// waking anyone blocked in Acquire without the lock-ownership hazards
	// of sync.Cond.Wait called from a cancellable select.
	notify chan struct{}
}

func newAdaptiveLimiter(settings AdaptiveConcurrencySettings) *adaptiveLimiter {
	initial := settings.InitialLimit
	if initial < 1 {
		initial = 1
	}
	min := settings.MinLimit
	if min < 1 {
		min = 1
	}
	max := settings.MaxLimit
	if max < min {
		max = min
	}
	decrease := settings.DecreaseRatio
	if decrease <= 0 || decrease >= 1 {
		decrease = 0.9
	}
	return &adaptiveLimiter{
		limit:    initial,
		min:      min,
		max:      max,
		decrease: decrease,
		rttHist:  metrics.NewHistogram(),
		notify:   make(chan struct{}),
	}
}

// wake must be called with l.mu held; it releases every goroutine currently
// parked in Acquire so it can re-check the in-flight/limit condition.
func (l *adaptiveLimiter) wake() {
	close(l.notify)
	l.notify = make(chan struct{})
}

func (l *adaptiveLimiter) Acquire(ctx context.Context) (func(), error) {
	for {
		l.mu.Lock()
		if l.inFlight < l.limit {
			l.inFlight++
			l.mu.Unlock()
			var once sync.Once
			release := func() {
				once.Do(func() {
					l.mu.Lock()
					l.inFlight--
					l.wake()
					l.mu.Unlock()
				})
			}
			return release, nil
		}
		ch := l.notify
		l.mu.Unlock()

		select {
		case <-ch:
			// limit or in-flight count changed; loop and re-check
		case <-ctx.Done():
			return nil, &CancelledError{Err: ctx.Err()}
		}
	}
}

func (l *adaptiveLimiter) Report(rtt time.Duration, shedSignal bool) {
	l.rttHist.Observe(rtt)

	l.mu.Lock()
	defer l.mu.Unlock()
	if shedSignal {
		next := int(float64(l.limit) * l.decrease)
		if next < l.min {
			next = l.min
		}
		l.limit = next
	} else if l.limit < l.max {
		l.limit++
	}
	l.wake()
}

func (l *adaptiveLimiter) Limit() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limit
}

// buildLimiter constructs the right ConcurrencyLimiter for a resolved
// RequestSettings' concurrency mode. logic is the same retry classifier the
// retry layer uses; AdaptiveConcurrencyController implementations may use
// it to decide what counts as load-bearing failure.
func buildLimiter[Resp any](settings RequestSettings, logic RetryLogic[Resp], controller AdaptiveConcurrencyController) ConcurrencyLimiter {
	switch settings.ConcurrencyKind {
	case ConcurrencyNone:
		return noneLimiter{}
	case ConcurrencyFixed:
		return newFixedLimiter(*settings.Concurrency)
	default: // ConcurrencyAdaptive
		if controller != nil {
			return controller.NewLimiter(settings.Concurrency, settings.AdaptiveConcurrency, logic.IsRetriableError)
		}
		return newAdaptiveLimiter(settings.AdaptiveConcurrency)
	}
}

type concurrencySender[Req, Resp any] struct {
	inner   Sender[Req, Resp]
	limiter ConcurrencyLimiter
	logic   RetryLogic[Resp]
}

func newConcurrencyLayer[Req, Resp any](settings RequestSettings, logic RetryLogic[Resp], controller AdaptiveConcurrencyController) Layer[Req, Resp] {
	limiter := buildLimiter(settings, logic, controller)
	return func(inner Sender[Req, Resp]) Sender[Req, Resp] {
		return &concurrencySender[Req, Resp]{inner: inner, limiter: limiter, logic: logic}
	}
}

func (c *concurrencySender[Req, Resp]) Send(ctx context.Context, req Req) (Resp, error) {
	release, err := c.limiter.Acquire(ctx)
	if err != nil {
		var zero Resp
		return zero, err
	}
	defer release()

	start := time.Now()
	resp, err := c.inner.Send(ctx, req)
	rtt := time.Since(start)

	shed := false
	if err != nil {
		shed = c.logic.IsRetriableError(err)
	} else {
		shed = c.logic.ShouldRetryResponse(resp).Outcome == RetryOutcomeRetry
	}
	c.limiter.Report(rtt, shed)

	return resp, err
}

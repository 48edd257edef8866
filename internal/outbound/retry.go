package outbound

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/aiserve/gpuproxy/internal/logging"
)

// RetryOutcome classifies an application-level (successful transport, but
// possibly unsuccessful at the application layer) response.
type RetryOutcome int

const (
	Successful RetryOutcome = iota
	RetryOutcomeRetry
	RetryOutcomeDontRetry
)

// RetryDecision is the result of classifying a response: whether to retry
// and, for diagnostics, why.
type RetryDecision struct {
	Outcome RetryOutcome
	Reason  string
}

// RetryLogic is supplied by the caller (spec.md §1: "Retry classification
// logic... supplied by the caller as a pluggable predicate"). Resp is the
// same response type the wrapped Sender produces.
type RetryLogic[Resp any] interface {
	IsRetriableError(err error) bool
	ShouldRetryResponse(resp Resp) RetryDecision
}

// retryState is the per-request lifecycle state the spec's data model
// names: an attempt counter, the Fibonacci backoff pair, and the deadline
// computed once at the first attempt.
type retryState struct {
	attempt        int
	backoffPrev    time.Duration
	backoffCurrent time.Duration
	deadline       time.Time
}

func newRetryState(settings RequestSettings, now time.Time) *retryState {
	return &retryState{
		attempt:        0,
		backoffPrev:    0,
		backoffCurrent: settings.RetryInitialBackoff,
		deadline:       now.Add(settings.RetryMaxDuration),
	}
}

// advance moves the Fibonacci sequence forward: (prev, cur) <- (cur, prev+cur).
func (s *retryState) advance() {
	s.attempt++
	s.backoffPrev, s.backoffCurrent = s.backoffCurrent, s.backoffPrev+s.backoffCurrent
}

func jitter(mode JitterMode, backoff time.Duration) time.Duration {
	switch mode {
	case JitterNone:
		return backoff
	case JitterFull:
		if backoff <= 0 {
			return 0
		}
		return time.Duration(rand.Float64() * float64(backoff))
	default:
		return backoff
	}
}

type retrySender[Req, Resp any] struct {
	inner    Sender[Req, Resp]
	settings RequestSettings
	logic    RetryLogic[Resp]
	clone    func(Req) Req
	now      func() time.Time
}

func newRetryLayer[Req, Resp any](settings RequestSettings, logic RetryLogic[Resp], clone func(Req) Req) Layer[Req, Resp] {
	return func(inner Sender[Req, Resp]) Sender[Req, Resp] {
		return &retrySender[Req, Resp]{
			inner:    inner,
			settings: settings,
			logic:    logic,
			clone:    clone,
			now:      time.Now,
		}
	}
}

// Send retries the cloned original request against the inner sender using
// Fibonacci backoff with jitter, until the classifier says stop, the
// attempt budget is exhausted, the retry_max_duration deadline passes, or
// ctx is cancelled. The last error observed is what a caller sees on
// exhaustion (spec.md §7).
func (r *retrySender[Req, Resp]) Send(ctx context.Context, req Req) (Resp, error) {
	start := r.now()
	state := newRetryState(r.settings, start)
	original := r.clone(req)

	var lastErr error
	var lastResp Resp

	for {
		select {
		case <-ctx.Done():
			var zero Resp
			return zero, &CancelledError{Err: ctx.Err()}
		default:
		}

		attemptReq := r.clone(original)
		resp, err := r.inner.Send(ctx, attemptReq)
		lastResp, lastErr = resp, err

		if err == nil {
			decision := r.logic.ShouldRetryResponse(resp)
			if decision.Outcome == Successful {
				return resp, nil
			}
			if decision.Outcome == RetryOutcomeDontRetry {
				return resp, errors.New(decision.Reason)
			}
			lastErr = errors.New(decision.Reason)
		} else if !r.logic.IsRetriableError(err) {
			return resp, err
		}

		now := r.now()
		if int64(state.attempt) >= r.settings.RetryAttempts || !now.Before(state.deadline) {
			logging.Warn("retries exhausted", map[string]interface{}{
				"attempts": state.attempt + 1,
				"elapsed":  now.Sub(start),
				"error":    lastErr,
			})
			return lastResp, &RetriesExhaustedError{
				Attempts: state.attempt + 1,
				Elapsed:  now.Sub(start),
				Last:     lastErr,
			}
		}

		sleep := jitter(r.settings.RetryJitterMode, state.backoffCurrent)
		if now.Add(sleep).After(state.deadline) {
			sleep = state.deadline.Sub(now)
			if sleep < 0 {
				sleep = 0
			}
		}

		timer := time.NewTimer(sleep)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			var zero Resp
			return zero, &CancelledError{Err: ctx.Err()}
		}

		state.advance()
	}
}

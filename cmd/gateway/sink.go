package main

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"github.com/aiserve/gpuproxy/internal/outbound"
)

// telemetryRequest is one outbound delivery attempt's payload: an opaque
// body forwarded verbatim to the downstream sink.
type telemetryRequest struct {
	Body []byte
}

type telemetryResponse struct {
	StatusCode int
}

// httpSender is the innermost outbound.Sender[...] this gateway wraps:
// a single HTTP endpoint reached via POST. Everything above it in the
// pipeline (timeout, retry, concurrency, rate limit, and for multiple
// endpoints, health/balance) is generic and knows nothing about HTTP.
type httpSender struct {
	client *http.Client
	url    string
}

func newHTTPSender(client *http.Client, url string) *httpSender {
	return &httpSender{client: client, url: url}
}

func (s *httpSender) Send(ctx context.Context, req telemetryRequest) (telemetryResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(req.Body))
	if err != nil {
		return telemetryResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/octet-stream")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return telemetryResponse{}, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return telemetryResponse{StatusCode: resp.StatusCode}, nil
}

// sinkRetryLogic classifies a downstream delivery outcome: transport errors
// are always worth retrying, 5xx and 429 responses are retriable, and any
// other non-2xx status is a terminal application-level failure.
type sinkRetryLogic struct{}

func (sinkRetryLogic) IsRetriableError(err error) bool { return err != nil }

func (sinkRetryLogic) ShouldRetryResponse(resp telemetryResponse) outbound.RetryDecision {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return outbound.RetryDecision{Outcome: outbound.Successful}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return outbound.RetryDecision{Outcome: outbound.RetryOutcomeRetry, Reason: http.StatusText(resp.StatusCode)}
	default:
		return outbound.RetryDecision{Outcome: outbound.RetryOutcomeDontRetry, Reason: http.StatusText(resp.StatusCode)}
	}
}

// sinkHealthLogic feeds the distributed pipeline's health gate: a 2xx is
// evidence the endpoint is up, anything else (including a transport error)
// counts against it.
type sinkHealthLogic struct{}

func (sinkHealthLogic) IsHealthy(resp telemetryResponse, err error) outbound.HealthState {
	if err != nil {
		return outbound.Unhealthy
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return outbound.Healthy
	}
	return outbound.Unhealthy
}

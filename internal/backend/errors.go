package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/lexiqai/chat-gateway/internal/resilience"
)

// ErrNoCandidate is returned when /intent offers no tool for the query
var ErrNoCandidate = errors.New("backend offered no candidate tool")

// UpstreamError is a non-2xx response from the backend
type UpstreamError struct {
	Endpoint   string
	StatusCode int
	Detail     string // Backend supplied detail, or a generic message
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s returned status %d: %s", e.Endpoint, e.StatusCode, e.Detail)
}

// TransportError is a network, timeout or decoding failure
type TransportError struct {
	Endpoint string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// genericDetail is used when an error body carries no detail
func genericDetail(endpoint string) string {
	switch endpoint {
	case EndpointIntent:
		return "Intent fetch failed"
	case EndpointRun:
		return "Tool run failed"
	case EndpointStart:
		return "Pipeline start failed"
	case EndpointContinue:
		return "Pipeline continue failed"
	case EndpointStatus:
		return "Pipeline status failed"
	default:
		return "Backend request failed"
	}
}

// breakerOutcome classifies a finished call for the shared circuit breaker.
// Client errors (4xx) say nothing about backend health, and neither does a
// call the caller gave up on: only the per-call timeout counts.
func breakerOutcome(ctx context.Context, err error) resilience.Outcome {
	if err == nil {
		return resilience.OutcomeSuccess
	}
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return resilience.OutcomeIgnored
	}
	var upstream *UpstreamError
	if errors.As(err, &upstream) && upstream.StatusCode < http.StatusInternalServerError {
		return resilience.OutcomeSuccess
	}
	return resilience.OutcomeFailure
}

// IsCircuitOpen reports whether err was produced by an open breaker
func IsCircuitOpen(err error) bool {
	return errors.Is(err, resilience.ErrCircuitOpen)
}

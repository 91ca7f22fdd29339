package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"golang.org/x/net/publicsuffix"

	"github.com/lexiqai/chat-gateway/internal/config"
	"github.com/lexiqai/chat-gateway/internal/observability"
	"github.com/lexiqai/chat-gateway/internal/resilience"
)

// maxBodyBytes bounds how much of a backend response is read
const maxBodyBytes = 8 << 20

// Client talks JSON over HTTP to the tool backend. It implements the intent
// resolver, tool invocation and pipeline clients.
//
// A Client owns a cookie jar so the backend can correlate /status polls with
// the pipeline this client started. Create one Client per conversation and
// share the circuit breaker between them.
type Client struct {
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
	breaker    *resilience.CircuitBreaker
	logger     zerolog.Logger
}

// NewClient creates a backend client with its own session cookie jar
func NewClient(cfg *config.Config, breaker *resilience.CircuitBreaker, logger zerolog.Logger) (*Client, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	if breaker == nil {
		breaker = resilience.NewCircuitBreaker("backend", cfg.CircuitBreakerMaxFailures,
			time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second)
	}

	return &Client{
		baseURL: cfg.BackendURL,
		timeout: cfg.CallTimeout(),
		httpClient: &http.Client{
			Jar: jar,
		},
		breaker: breaker,
		logger:  logger.With().Str("component", "backend").Logger(),
	}, nil
}

// HealthCheck reports the backend as unhealthy while its breaker is open.
// The backend exposes no health endpoint of its own.
func (c *Client) HealthCheck(ctx context.Context) (bool, error) {
	state := c.breaker.GetState()
	observability.UpdateCircuitBreakerState(c.breaker.Name(), int(state))
	if state == resilience.StateOpen {
		return false, resilience.ErrCircuitOpen
	}
	return true, nil
}

// Close releases idle connections held by the client
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// do performs one backend call under the circuit breaker. in may be nil for
// body-less requests.
func (c *Client) do(ctx context.Context, method, endpoint string, in, out any) error {
	start := time.Now()

	var callErr error
	var outcome resilience.Outcome
	cbErr := c.breaker.CallOutcome(func() resilience.Outcome {
		callErr = c.roundTrip(ctx, method, endpoint, in, out)
		outcome = breakerOutcome(ctx, callErr)
		return outcome
	})

	observability.UpdateCircuitBreakerState(c.breaker.Name(), int(c.breaker.GetState()))
	if cbErr != nil {
		callErr = &TransportError{Endpoint: endpoint, Err: cbErr}
	} else if outcome == resilience.OutcomeFailure {
		observability.IncrementCircuitBreakerFailures(c.breaker.Name())
	}

	latency := time.Since(start)
	observability.RecordBackendRequest(endpoint, callErr == nil, latency)

	if callErr != nil {
		c.logger.Warn().
			Err(callErr).
			Str("endpoint", endpoint).
			Dur("latency", latency).
			Msg("Backend call failed")
		return callErr
	}

	c.logger.Debug().
		Str("endpoint", endpoint).
		Dur("latency", latency).
		Msg("Backend call succeeded")
	return nil
}

func (c *Client) roundTrip(ctx context.Context, method, endpoint string, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		// Backend-owned tokens go back unescaped
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(in); err != nil {
			return &TransportError{Endpoint: endpoint, Err: fmt.Errorf("failed to marshal request: %w", err)}
		}
		body = &buf
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, body)
	if err != nil {
		return &TransportError{Endpoint: endpoint, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Endpoint: endpoint, Err: fmt.Errorf("failed to make request: %w", err)}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return &TransportError{Endpoint: endpoint, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &UpstreamError{
			Endpoint:   endpoint,
			StatusCode: resp.StatusCode,
			Detail:     errorDetail(endpoint, data),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &TransportError{Endpoint: endpoint, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	return nil
}

// errorDetail extracts the backend's detail message. FastAPI style bodies put
// a string in detail; validation failures put a list there instead.
func errorDetail(endpoint string, body []byte) string {
	if gjson.ValidBytes(body) {
		detail := gjson.GetBytes(body, "detail")
		switch {
		case detail.Type == gjson.String && detail.Str != "":
			return detail.Str
		case detail.IsArray() || detail.IsObject():
			return detail.Raw
		}
	}
	return genericDetail(endpoint)
}

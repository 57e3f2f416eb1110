package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/cuemby/nimbus/pkg/config"
	nberrors "github.com/cuemby/nimbus/pkg/errors"
	"github.com/cuemby/nimbus/pkg/log"
	"github.com/cuemby/nimbus/pkg/metrics"
)

const maxErrorBodyBytes = 4 * 1024

// Client is the resilient HTTP transport to the provider API. Every
// request passes, in order: request-id tagging, the shared rate
// limiter, the per-endpoint circuit breaker, and the retry loop.
type Client struct {
	baseURL     string
	apiKey      string
	httpClient  *http.Client
	limiter     *rate.Limiter
	maxWait     time.Duration
	breakers    *breakerSet
	maxAttempts int
	logger      zerolog.Logger

	// Retry pacing, overridable in tests
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration
}

// NewClient builds a client from provider configuration
func NewClient(cfg config.ProviderConfig) *Client {
	return &Client{
		baseURL:        cfg.BaseURL,
		apiKey:         cfg.APIKey,
		httpClient:     &http.Client{Timeout: cfg.RequestTimeout},
		limiter:        rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst),
		maxWait:        cfg.RateLimitMaxWait,
		breakers:       newBreakerSet(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerTimeout),
		maxAttempts:    cfg.MaxRetryAttempts,
		logger:         log.WithComponent("provider"),
		retryBaseDelay: time.Second,
		retryMaxDelay:  30 * time.Second,
	}
}

// Get issues a GET against the provider and decodes the JSON response
func (c *Client) Get(ctx context.Context, endpoint, path string, out any) error {
	return c.do(ctx, endpoint, http.MethodGet, path, nil, out)
}

// Post issues a POST with a JSON body
func (c *Client) Post(ctx context.Context, endpoint, path string, body, out any) error {
	return c.do(ctx, endpoint, http.MethodPost, path, body, out)
}

// Put issues a PUT with a JSON body
func (c *Client) Put(ctx context.Context, endpoint, path string, body, out any) error {
	return c.do(ctx, endpoint, http.MethodPut, path, body, out)
}

// Delete issues a DELETE
func (c *Client) Delete(ctx context.Context, endpoint, path string) error {
	return c.do(ctx, endpoint, http.MethodDelete, path, nil, nil)
}

// BreakerStates reports the circuit breaker state per endpoint group
func (c *Client) BreakerStates() map[string]string {
	return c.breakers.states()
}

func (c *Client) do(ctx context.Context, endpoint, method, path string, body, out any) error {
	requestID := uuid.NewString()
	logger := c.logger.With().
		Str("request_id", requestID).
		Str("method", method).
		Str("path", path).
		Logger()

	if err := c.waitForBudget(ctx); err != nil {
		metrics.ProviderRequests.WithLabelValues(endpoint, "rate_limited").Inc()
		return err
	}

	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nberrors.Wrap(nberrors.CodeInternal, "marshal request body", err)
		}
	}

	start := time.Now()
	_, err := c.breakers.get(endpoint).Execute(func() (any, error) {
		return nil, c.attemptLoop(ctx, logger, requestID, method, path, payload, out)
	})
	metrics.ProviderRequestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		metrics.ProviderRequests.WithLabelValues(endpoint, "circuit_open").Inc()
		return nberrors.Wrap(nberrors.CodeCircuitOpen,
			fmt.Sprintf("circuit breaker open for %s", endpoint), err)
	}
	if err != nil {
		metrics.ProviderRequests.WithLabelValues(endpoint, "error").Inc()
		return err
	}

	metrics.ProviderRequests.WithLabelValues(endpoint, "success").Inc()
	return nil
}

// waitForBudget blocks until the rate limiter admits the request, up to
// maxWait. Saturation beyond that surfaces as RATE_LIMIT to the caller.
func (c *Client) waitForBudget(ctx context.Context) error {
	if c.limiter.Allow() {
		return nil
	}

	metrics.RateLimitWaits.Inc()

	waitCtx, cancel := context.WithTimeout(ctx, c.maxWait)
	defer cancel()

	if err := c.limiter.Wait(waitCtx); err != nil {
		if ctx.Err() != nil {
			return nberrors.Wrap(nberrors.CodeTimeout, "request cancelled while rate limited", ctx.Err())
		}
		return nberrors.Wrap(nberrors.CodeRateLimit, "rate limit wait exceeded", err)
	}
	return nil
}

func (c *Client) attemptLoop(ctx context.Context, logger zerolog.Logger, requestID, method, path string, payload []byte, out any) error {
	var lastErr error

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			delay := c.retryDelay(attempt - 1)
			logger.Debug().
				Int("attempt", attempt).
				Dur("delay", delay).
				Msg("retrying provider request")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nberrors.Wrap(nberrors.CodeTimeout, "request cancelled during backoff", ctx.Err())
			}
		}

		err := c.attempt(ctx, requestID, method, path, payload, out)
		if err == nil {
			return nil
		}
		lastErr = err

		if !nberrors.IsRetryable(err) {
			return err
		}
		logger.Warn().Err(err).Int("attempt", attempt).Msg("provider request failed")
	}

	return lastErr
}

func (c *Client) attempt(ctx context.Context, requestID, method, path string, payload []byte, out any) error {
	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nberrors.Wrap(nberrors.CodeInternal, "build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("X-Request-ID", requestID)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nberrors.Wrap(nberrors.CodeTimeout, "provider request timed out", err)
		}
		return nberrors.Wrap(nberrors.CodeNetwork, "provider request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return nberrors.Newf(nberrors.CodeProviderAPI, "provider returned %d: %s",
			resp.StatusCode, string(snippet)).WithStatus(resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return nberrors.Wrap(nberrors.CodeProviderAPI, "decode provider response", err).
				WithStatus(resp.StatusCode)
		}
	}
	return nil
}

func (c *Client) retryDelay(n int) time.Duration {
	delay := c.retryBaseDelay << (n - 1)
	if delay > c.retryMaxDelay || delay <= 0 {
		delay = c.retryMaxDelay
	}
	return delay
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

package health

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"

	"github.com/cuemby/nimbus/pkg/log"
	"github.com/cuemby/nimbus/pkg/metrics"
	"github.com/cuemby/nimbus/pkg/types"
)

const (
	defaultTimeoutMs    = 5000
	defaultMaxRetries   = 2
	defaultRetryDelayMs = 2000
	maxBodyBytes        = 64 * 1024
)

// Phrases that mark a 2xx response as a proxy error page. Matched
// case-insensitively against the first 64KB of the body.
var badBodyPhrases = []string{
	"bad gateway",
	"service unavailable",
	"internal server error",
	"gateway timeout",
}

// Checker probes instance endpoints over HTTP. Probes run in parallel,
// one goroutine per endpoint, each with its own retry loop.
type Checker struct {
	client *http.Client
	logger zerolog.Logger
}

// NewChecker creates a health checker
func NewChecker() *Checker {
	return &Checker{
		client: &http.Client{},
		logger: log.WithComponent("health"),
	}
}

// probeError carries the category and retryability of a failed attempt
type probeError struct {
	category  string
	msg       string
	retryable bool
}

func (e *probeError) Error() string {
	return fmt.Sprintf("%s: %s", e.category, e.msg)
}

// Check probes the HTTP endpoints among portMappings, filtered by
// config.TargetPort when set, and aggregates the results.
func (c *Checker) Check(ctx context.Context, portMappings []*types.PortMapping, cfg types.HealthCheckConfig) *Result {
	if cfg.TimeoutMs <= 0 {
		cfg.TimeoutMs = defaultTimeoutMs
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.RetryDelayMs <= 0 {
		cfg.RetryDelayMs = defaultRetryDelayMs
	}

	targets := make([]*types.PortMapping, 0, len(portMappings))
	for _, pm := range portMappings {
		if pm.Type != types.PortHTTP && pm.Type != types.PortHTTPS {
			continue
		}
		if cfg.TargetPort != 0 && pm.Port != cfg.TargetPort {
			continue
		}
		targets = append(targets, pm)
	}

	results := make([]*types.EndpointResult, len(targets))
	var wg sync.WaitGroup
	for i, pm := range targets {
		wg.Add(1)
		go func(idx int, mapping *types.PortMapping) {
			defer wg.Done()
			results[idx] = c.probe(ctx, mapping, cfg)
		}(i, pm)
	}
	wg.Wait()

	result := &Result{Status: aggregate(results), Endpoints: results}
	metrics.HealthChecksRun.WithLabelValues(string(result.Status)).Inc()
	return result
}

// probe runs the retry loop for one endpoint. Network failures and 5xx
// are retried with exponentially growing delay; 4xx and bad-body
// responses fail the endpoint on first sight.
func (c *Checker) probe(ctx context.Context, pm *types.PortMapping, cfg types.HealthCheckConfig) *types.EndpointResult {
	result := &types.EndpointResult{
		Endpoint: pm.Endpoint,
		Port:     pm.Port,
	}

	start := time.Now()
	err := retry.Do(
		func() error {
			result.Attempts++
			return c.attempt(ctx, pm.Endpoint, cfg.TimeoutMs)
		},
		retry.Context(ctx),
		retry.Attempts(uint(cfg.MaxRetries)+1),
		retry.Delay(time.Duration(cfg.RetryDelayMs)*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			var pe *probeError
			return errors.As(err, &pe) && pe.retryable
		}),
	)
	result.ResponseTimeMs = time.Since(start).Milliseconds()

	if err != nil {
		result.Healthy = false
		result.LastError = err.Error()
		var pe *probeError
		if errors.As(err, &pe) {
			result.ErrorCategory = pe.category
		}
		c.logger.Debug().
			Str("endpoint", pm.Endpoint).
			Str("category", result.ErrorCategory).
			Int("attempts", result.Attempts).
			Msg("endpoint unhealthy")
		return result
	}

	result.Healthy = true
	return result
}

func (c *Checker) attempt(ctx context.Context, endpoint string, timeoutMs int) error {
	reqCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return &probeError{category: CategoryNetwork, msg: err.Error()}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return categorize(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return &probeError{
			category:  CategoryHTTPStatus,
			msg:       fmt.Sprintf("status %d", resp.StatusCode),
			retryable: resp.StatusCode >= 500,
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return categorize(err)
	}

	lower := strings.ToLower(string(body))
	for _, phrase := range badBodyPhrases {
		if strings.Contains(lower, phrase) {
			return &probeError{
				category: CategoryBadBody,
				msg:      fmt.Sprintf("body contains %q", phrase),
			}
		}
	}
	return nil
}

// categorize maps a transport error onto a probe category. All
// network-class failures are retryable.
func categorize(err error) *probeError {
	msg := err.Error()

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &probeError{category: CategoryDNSFailure, msg: msg, retryable: true}
	}

	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) || strings.Contains(msg, "tls:") || strings.Contains(msg, "x509:") {
		return &probeError{category: CategoryTLSError, msg: msg, retryable: true}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() || errors.Is(err, context.DeadlineExceeded) {
		return &probeError{category: CategoryTimeout, msg: msg, retryable: true}
	}

	if strings.Contains(msg, "connection refused") {
		return &probeError{category: CategoryConnectionRefused, msg: msg, retryable: true}
	}

	return &probeError{category: CategoryNetwork, msg: msg, retryable: true}
}

package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/nimbus/pkg/config"
	nberrors "github.com/cuemby/nimbus/pkg/errors"
)

func testClientConfig(baseURL string) config.ProviderConfig {
	return config.ProviderConfig{
		APIKey:                  "test-key",
		BaseURL:                 baseURL,
		RequestTimeout:          5 * time.Second,
		MaxRetryAttempts:        3,
		CircuitBreakerThreshold: 5,
		CircuitBreakerTimeout:   60 * time.Second,
		RateLimitRPS:            1000,
		RateLimitBurst:          1000,
		RateLimitMaxWait:        time.Second,
	}
}

func newTestClient(t *testing.T, cfg config.ProviderConfig) *Client {
	t.Helper()
	c := NewClient(cfg)
	c.retryBaseDelay = time.Millisecond
	c.retryMaxDelay = 5 * time.Millisecond
	return c
}

func TestGetSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.Header.Get("X-Request-ID"))
		w.Write([]byte(`{"id":"px1","status":"running"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, testClientConfig(srv.URL))

	var out struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	require.NoError(t, c.Get(context.Background(), EndpointInstances, "/instances/px1", &out))
	assert.Equal(t, "px1", out.ID)
	assert.Equal(t, "running", out.Status)
}

func TestRetryOn5xxThenSuccess(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := newTestClient(t, testClientConfig(srv.URL))

	var out map[string]bool
	require.NoError(t, c.Get(context.Background(), EndpointProducts, "/products", &out))
	assert.Equal(t, int32(3), calls.Load())
}

func TestNoRetryOn4xx(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(t, testClientConfig(srv.URL))

	err := c.Get(context.Background(), EndpointInstances, "/instances/missing", nil)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())

	e, ok := nberrors.As(err)
	require.True(t, ok)
	assert.Equal(t, nberrors.CodeProviderAPI, e.Code)
	assert.Equal(t, http.StatusNotFound, e.StatusCode)
	assert.False(t, nberrors.IsRetryable(err))
}

func TestRetryOn429(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := newTestClient(t, testClientConfig(srv.URL))

	require.NoError(t, c.Get(context.Background(), EndpointProducts, "/products", nil))
	assert.Equal(t, int32(2), calls.Load())
}

func TestExhaustedRetriesReturnLastError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := newTestClient(t, testClientConfig(srv.URL))

	err := c.Get(context.Background(), EndpointProducts, "/products", nil)
	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load())

	e, ok := nberrors.As(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusBadGateway, e.StatusCode)
}

func TestCircuitBreakerOpensAndFailsFast(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := testClientConfig(srv.URL)
	cfg.MaxRetryAttempts = 1
	cfg.CircuitBreakerThreshold = 2
	c := newTestClient(t, cfg)

	// Two consecutive failures trip the breaker
	for i := 0; i < 2; i++ {
		err := c.Get(context.Background(), EndpointInstances, "/instances/px1", nil)
		require.Error(t, err)
	}
	before := calls.Load()

	// While open, requests fail fast without reaching the server
	err := c.Get(context.Background(), EndpointInstances, "/instances/px1", nil)
	require.Error(t, err)
	assert.Equal(t, nberrors.CodeCircuitOpen, nberrors.CodeOf(err))
	assert.Equal(t, before, calls.Load())

	// Other endpoint groups are unaffected
	assert.Equal(t, "open", c.BreakerStates()[EndpointInstances])
	_, tracked := c.BreakerStates()[EndpointProducts]
	assert.False(t, tracked)
}

func TestCircuitBreakerRecovers(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	cfg := testClientConfig(srv.URL)
	cfg.MaxRetryAttempts = 1
	cfg.CircuitBreakerThreshold = 2
	cfg.CircuitBreakerTimeout = 50 * time.Millisecond
	c := newTestClient(t, cfg)

	for i := 0; i < 2; i++ {
		_ = c.Get(context.Background(), EndpointInstances, "/instances/px1", nil)
	}
	assert.Equal(t, "open", c.BreakerStates()[EndpointInstances])

	fail.Store(false)
	time.Sleep(60 * time.Millisecond)

	// Half-open probe succeeds and closes the breaker
	require.NoError(t, c.Get(context.Background(), EndpointInstances, "/instances/px1", nil))
	assert.Equal(t, "closed", c.BreakerStates()[EndpointInstances])
}

func TestRateLimitBoundedWait(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	cfg := testClientConfig(srv.URL)
	cfg.RateLimitRPS = 0.1 // one request per 10s
	cfg.RateLimitBurst = 1
	cfg.RateLimitMaxWait = 10 * time.Millisecond
	c := newTestClient(t, cfg)

	require.NoError(t, c.Get(context.Background(), EndpointProducts, "/products", nil))

	err := c.Get(context.Background(), EndpointProducts, "/products", nil)
	require.Error(t, err)
	assert.Equal(t, nberrors.CodeRateLimit, nberrors.CodeOf(err))
}

func TestNetworkErrorClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	c := newTestClient(t, testClientConfig(srv.URL))

	err := c.Get(context.Background(), EndpointProducts, "/products", nil)
	require.Error(t, err)
	assert.Equal(t, nberrors.CodeNetwork, nberrors.CodeOf(err))
	assert.True(t, nberrors.IsRetryable(err))
}

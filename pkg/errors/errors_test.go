package errors

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorFormatting(t *testing.T) {
	err := New(CodeNotFound, "instance not found")
	assert.Equal(t, "NOT_FOUND: instance not found", err.Error())

	err = err.WithPhase("monitoring")
	assert.Equal(t, "NOT_FOUND: instance not found (phase=monitoring)", err.Error())
}

func TestWrapUnwrap(t *testing.T) {
	cause := fmt.Errorf("connection reset")
	err := Wrap(CodeNetwork, "provider request failed", cause)

	assert.Equal(t, cause, err.Unwrap())

	got, ok := As(fmt.Errorf("outer: %w", err))
	assert.True(t, ok)
	assert.Equal(t, CodeNetwork, got.Code)
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, CodeRateLimit, CodeOf(New(CodeRateLimit, "slow down")))
	assert.Equal(t, CodeInternal, CodeOf(fmt.Errorf("plain")))
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"rate limit", New(CodeRateLimit, ""), true},
		{"network", New(CodeNetwork, ""), true},
		{"timeout", New(CodeTimeout, ""), true},
		{"circuit open", New(CodeCircuitOpen, ""), true},
		{"provider 500", New(CodeProviderAPI, "").WithStatus(500), true},
		{"provider 503", New(CodeProviderAPI, "").WithStatus(503), true},
		{"provider 429", New(CodeProviderAPI, "").WithStatus(429), true},
		{"provider 400", New(CodeProviderAPI, "").WithStatus(400), false},
		{"provider 404", New(CodeProviderAPI, "").WithStatus(404), false},
		{"webhook 502", New(CodeWebhookDelivery, "").WithStatus(502), true},
		{"webhook 410", New(CodeWebhookDelivery, "").WithStatus(410), false},
		{"validation", New(CodeValidation, ""), false},
		{"not found", New(CodeNotFound, ""), false},
		{"startup timeout", New(CodeStartupTimeout, ""), false},
		{"no product", New(CodeNoOptimalProduct, ""), false},
		{"health check failed", New(CodeHealthCheckFailed, ""), true},
		{"context deadline", context.DeadlineExceeded, true},
		{"plain error", fmt.Errorf("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		code Code
		want int
	}{
		{CodeValidation, http.StatusBadRequest},
		{CodeNotFound, http.StatusNotFound},
		{CodeRegistryAuthNotFound, http.StatusNotFound},
		{CodeAlreadyExists, http.StatusConflict},
		{CodeStartupConflict, http.StatusConflict},
		{CodeMigrationConflict, http.StatusConflict},
		{CodeInvalidTransition, http.StatusConflict},
		{CodeRateLimit, http.StatusTooManyRequests},
		{CodeCircuitOpen, http.StatusServiceUnavailable},
		{CodeTimeout, http.StatusGatewayTimeout},
		{CodeStartupTimeout, http.StatusGatewayTimeout},
		{CodeProviderAPI, http.StatusInternalServerError},
		{CodeInternal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(New(tt.code, "x")))
		})
	}
}

func TestWithDetail(t *testing.T) {
	err := New(CodeNoOptimalProduct, "no capacity").
		WithDetail("productName", "RTX 4090").
		WithDetail("regionsTried", 3)

	assert.Equal(t, "RTX 4090", err.Details["productName"])
	assert.Equal(t, 3, err.Details["regionsTried"])
}

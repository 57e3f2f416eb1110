package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Code identifies an error category across the whole system. Codes are
// stable strings surfaced to clients and recorded on instances.
type Code string

const (
	CodeValidation           Code = "VALIDATION_ERROR"
	CodeNotFound             Code = "NOT_FOUND"
	CodeAlreadyExists        Code = "ALREADY_EXISTS"
	CodeProviderAPI          Code = "PROVIDER_API_ERROR"
	CodeRateLimit            Code = "RATE_LIMIT"
	CodeCircuitOpen          Code = "CIRCUIT_BREAKER_ERROR"
	CodeTimeout              Code = "TIMEOUT"
	CodeNetwork              Code = "NETWORK_ERROR"
	CodeStartupTimeout       Code = "STARTUP_TIMEOUT"
	CodeHealthCheckFailed    Code = "HEALTH_CHECK_FAILED"
	CodeStartupConflict      Code = "STARTUP_ALREADY_IN_PROGRESS"
	CodeRegistryAuthNotFound Code = "REGISTRY_AUTH_NOT_FOUND"
	CodeNoOptimalProduct     Code = "NO_OPTIMAL_PRODUCT_ANY_REGION"
	CodeMigrationConflict    Code = "MIGRATION_JOB_CONFLICT"
	CodeInvalidTransition    Code = "INVALID_STATE_TRANSITION"
	CodeWebhookDelivery      Code = "WEBHOOK_DELIVERY_FAILED"
	CodeShutdown             Code = "SHUTDOWN"
	CodeInternal             Code = "INTERNAL_ERROR"
)

// Error is the coded error carried through jobs, workflows and the API.
// StatusCode holds the upstream HTTP status when the error originated
// from a provider (or webhook target) response.
type Error struct {
	Code       Code           `json:"code"`
	Message    string         `json:"message"`
	Phase      string         `json:"phase,omitempty"`
	StatusCode int            `json:"-"`
	Details    map[string]any `json:"details,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	cause      error
}

func (e *Error) Error() string {
	if e.Phase != "" {
		return fmt.Sprintf("%s: %s (phase=%s)", e.Code, e.Message, e.Phase)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// New creates a coded error
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message, Timestamp: time.Now()}
}

// Newf creates a coded error with a formatted message
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap creates a coded error around a cause
func Wrap(code Code, message string, cause error) *Error {
	e := New(code, message)
	e.cause = cause
	return e
}

// WithPhase tags the error with the workflow phase it occurred in
func (e *Error) WithPhase(phase string) *Error {
	e.Phase = phase
	return e
}

// WithStatus records the upstream HTTP status code
func (e *Error) WithStatus(status int) *Error {
	e.StatusCode = status
	return e
}

// WithDetail attaches a structured detail field
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// As extracts a *Error from an error chain
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf returns the code of an error, or CodeInternal for uncoded errors
func CodeOf(err error) Code {
	if e, ok := As(err); ok {
		return e.Code
	}
	return CodeInternal
}

// IsRetryable is the single classification point separating transient
// failures from terminal ones. Job and client retry loops must branch
// here, never on message contents.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if e, ok := As(err); ok {
		switch e.Code {
		case CodeRateLimit, CodeNetwork, CodeTimeout, CodeCircuitOpen:
			return true
		case CodeProviderAPI, CodeWebhookDelivery:
			return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
		case CodeHealthCheckFailed:
			// Retried by the monitor workflow within its wait window
			return true
		default:
			return false
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}

// HTTPStatus maps an error to the status the REST surface responds with
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeNotFound, CodeRegistryAuthNotFound:
		return http.StatusNotFound
	case CodeAlreadyExists, CodeStartupConflict, CodeMigrationConflict, CodeInvalidTransition:
		return http.StatusConflict
	case CodeRateLimit:
		return http.StatusTooManyRequests
	case CodeCircuitOpen:
		return http.StatusServiceUnavailable
	case CodeTimeout, CodeStartupTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Package errors provides upstream error reporting, error classification and
// configurable retry policies for the market-data fetcher.
package errors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/johnayoung/go-market-fetcher/internal/config"
)

// ErrorType represents the classification of an error
type ErrorType string

const (
	ErrorTypeNetwork        ErrorType = "network"        // Network connectivity issues
	ErrorTypeTimeout        ErrorType = "timeout"        // Request timeout
	ErrorTypeRateLimit      ErrorType = "rate_limit"     // HTTP 429
	ErrorTypeServerError    ErrorType = "server_error"   // HTTP 5xx
	ErrorTypeAuthentication ErrorType = "authentication" // HTTP 401/403
	ErrorTypeBadRequest     ErrorType = "bad_request"    // Other HTTP 4xx
	ErrorTypeDecode         ErrorType = "decode"         // Response body is not valid JSON
	ErrorTypeCanceled       ErrorType = "canceled"       // Context cancelled by the caller
	ErrorTypeUnknown        ErrorType = "unknown"
)

// UpstreamError is a failed call to the upstream API: either the transport
// failed (Err set) or the server answered with a non-2xx status.
type UpstreamError struct {
	Operation  string
	URL        string
	StatusCode int
	Body       string
	Err        error
}

// Error implements the error interface
func (e *UpstreamError) Error() string {
	var b strings.Builder
	b.WriteString("upstream ")
	b.WriteString(e.Operation)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": status %d", e.StatusCode)
	}
	if e.Body != "" {
		b.WriteString(": ")
		b.WriteString(e.Body)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying transport or decode error
func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// Type classifies the failure
func (e *UpstreamError) Type() ErrorType {
	switch {
	case e.StatusCode == http.StatusTooManyRequests:
		return ErrorTypeRateLimit
	case e.StatusCode == http.StatusUnauthorized, e.StatusCode == http.StatusForbidden:
		return ErrorTypeAuthentication
	case e.StatusCode >= 500:
		return ErrorTypeServerError
	case e.StatusCode >= 400:
		return ErrorTypeBadRequest
	case e.Err != nil:
		return Classify(e.Err)
	default:
		return ErrorTypeUnknown
	}
}

// NewStatusError builds an UpstreamError from a non-2xx response.
func NewStatusError(operation, url string, statusCode int, body []byte) *UpstreamError {
	return &UpstreamError{
		Operation:  operation,
		URL:        url,
		StatusCode: statusCode,
		Body:       strings.TrimSpace(string(body)),
	}
}

// NewTransportError builds an UpstreamError from a failed round trip.
func NewTransportError(operation, url string, err error) *UpstreamError {
	return &UpstreamError{Operation: operation, URL: url, Err: err}
}

// decodeError marks a body that could not be parsed.
type decodeError struct{ err error }

func (d *decodeError) Error() string { return "decode response: " + d.err.Error() }
func (d *decodeError) Unwrap() error { return d.err }

// NewDecodeError builds an UpstreamError for a body that is not valid JSON.
func NewDecodeError(operation, url string, err error) *UpstreamError {
	return &UpstreamError{Operation: operation, URL: url, Err: &decodeError{err: err}}
}

// Classify analyzes an error and returns its type
func Classify(err error) ErrorType {
	if err == nil {
		return ErrorTypeUnknown
	}

	var upstream *UpstreamError
	if errors.As(err, &upstream) && (upstream.StatusCode != 0 || upstream.Err == nil) {
		return upstream.Type()
	}

	var decErr *decodeError
	if errors.As(err, &decErr) {
		return ErrorTypeDecode
	}

	if errors.Is(err, context.Canceled) {
		return ErrorTypeCanceled
	}

	if isTimeoutError(err) {
		return ErrorTypeTimeout
	}

	if isNetworkError(err) {
		return ErrorTypeNetwork
	}

	return ErrorTypeUnknown
}

// isNetworkError checks if the error is network-related
func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	networkPatterns := []string{
		"connection refused",
		"connection reset",
		"no route to host",
		"network unreachable",
		"no such host",
		"eof",
	}

	for _, pattern := range networkPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// isTimeoutError checks if the error is timeout-related
func isTimeoutError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded")
}

// Retry runs fn until it succeeds or the policy gives up. It returns the number
// of attempts made and, on failure, the last error. Caller cancellation and
// errors marked with Permanent stop the loop early; every other failure is
// retried while the policy allows.
func Retry(ctx context.Context, policy config.RetryPolicyConfig, logger *slog.Logger, operation string, fn func() error) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}

	strategy := NewBackOff(policy)
	attempts := 0

	for {
		attempts++

		err := fn()
		if err == nil {
			if attempts > 1 {
				logger.Info("retry succeeded", "operation", operation, "attempts", attempts)
			}
			return attempts, nil
		}

		if ctx.Err() != nil {
			return attempts, fmt.Errorf("context canceled during %s: %w", operation, ctx.Err())
		}

		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			logger.Warn("attempt failed with a permanent error, not retrying",
				"operation", operation,
				"attempt", attempts,
				"error", permanent.Err.Error())
			return attempts, permanent.Err
		}

		next := strategy.NextBackOff()
		logger.Warn("attempt failed",
			"operation", operation,
			"attempt", attempts,
			"max_attempts", policy.MaxRetries+1,
			"error_type", Classify(err),
			"error", err.Error())

		if next == backoff.Stop {
			return attempts, err
		}

		logger.Info("retrying", "operation", operation, "backoff", next)

		timer := time.NewTimer(next)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return attempts, fmt.Errorf("context canceled during backoff: %w", ctx.Err())
		}
	}
}

// NewBackOff creates a backoff strategy based on configuration. The strategy
// yields at most policy.MaxRetries delays before returning backoff.Stop.
func NewBackOff(policy config.RetryPolicyConfig) backoff.BackOff {
	initialDelay, _ := time.ParseDuration(policy.InitialDelay)
	maxDelay, err := time.ParseDuration(policy.MaxDelay)
	if err != nil || maxDelay <= 0 {
		maxDelay = initialDelay
	}

	var strategy backoff.BackOff

	switch policy.BackoffStrategy {
	case "linear":
		strategy = &LinearBackoff{
			interval: initialDelay,
			max:      maxDelay,
		}
	case "exponential":
		exponential := backoff.NewExponentialBackOff()
		exponential.InitialInterval = initialDelay
		exponential.MaxInterval = maxDelay
		exponential.RandomizationFactor = 0
		exponential.MaxElapsedTime = 0 // bounded by retries and context
		strategy = exponential
	default:
		strategy = backoff.NewConstantBackOff(initialDelay)
	}

	if policy.Jitter {
		strategy = &JitteredBackoff{BackOff: strategy}
	}

	retries := policy.MaxRetries
	if retries < 0 {
		retries = 0
	}

	b := backoff.WithMaxRetries(strategy, uint64(retries))
	b.Reset()
	return b
}

// LinearBackoff implements a simple linear backoff strategy
type LinearBackoff struct {
	interval time.Duration
	max      time.Duration
	current  time.Duration
}

// NextBackOff returns the next backoff interval
func (lb *LinearBackoff) NextBackOff() time.Duration {
	lb.current += lb.interval

	if lb.max > 0 && lb.current > lb.max {
		lb.current = lb.max
	}

	return lb.current
}

// Reset resets the backoff to its initial state
func (lb *LinearBackoff) Reset() {
	lb.current = 0
}

// JitteredBackoff adds ±10% jitter to another backoff strategy
type JitteredBackoff struct {
	backoff.BackOff
}

// NextBackOff returns the next backoff interval with jitter
func (jb *JitteredBackoff) NextBackOff() time.Duration {
	next := jb.BackOff.NextBackOff()
	if next == backoff.Stop {
		return next
	}

	jitter := float64(next) * 0.1
	offset := (2.0*rand.Float64() - 1.0) * jitter
	return next + time.Duration(offset)
}

// Permanent marks err so that Retry returns it without further attempts.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// IsUpstream reports whether err is, or wraps, an UpstreamError.
func IsUpstream(err error) bool {
	var upstream *UpstreamError
	return errors.As(err, &upstream)
}

// WrapError wraps an error with additional context
func WrapError(err error, component, operation, message string) error {
	if err == nil {
		return nil
	}

	return fmt.Errorf("%s in %s.%s: %w", message, component, operation, err)
}

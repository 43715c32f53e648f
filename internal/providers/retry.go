package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"
)

// HTTPError carries a non-2xx provider response, including the Retry-After
// hint when the provider sends one.
type HTTPError struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// RetryConfig controls transient-failure retries on model calls.
type RetryConfig struct {
	MaxRetries   int
	InitialDelay time.Duration
	Factor       float64
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   2,
		InitialDelay: time.Second,
		Factor:       2,
	}
}

// RetryDo runs fn, retrying transient failures with exponential backoff.
// Non-transient errors (4xx other than 429, decode errors) return immediately.
func RetryDo[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var zero T
	delay := cfg.InitialDelay

	for attempt := 0; ; attempt++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		if attempt >= cfg.MaxRetries || !isRetryable(err) {
			return zero, err
		}

		wait := delay
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.RetryAfter > wait {
			wait = httpErr.RetryAfter
		}

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return zero, ctx.Err()
		}
		delay = time.Duration(float64(delay) * cfg.Factor)
	}
}

// isRetryable treats network failures, 429, and 5xx as transient.
func isRetryable(err error) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Status == 429 || httpErr.Status >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	// Connection-level failures wrapped by net/http surface as *url.Error,
	// which implements net.Error; anything else is not retried.
	return false
}

// ParseRetryAfter parses a Retry-After header (seconds form only).
func ParseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

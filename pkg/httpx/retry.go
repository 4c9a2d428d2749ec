// Package httpx provides transport-agnostic retry, rate-limiting and
// circuit-breaking helpers shared by SearchProvider and
// DeepLookupProvider.
package httpx

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"golang.org/x/time/rate"
)

// StatusError carries the HTTP status code of a failed call so
// WithBackoff can distinguish retryable (429, 5xx) from fatal errors.
type StatusError struct {
	StatusCode int
	Err        error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d: %v", e.StatusCode, e.Err)
}

func (e *StatusError) Unwrap() error { return e.Err }

func isRetryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode == 429 || (se.StatusCode >= 500 && se.StatusCode < 600)
	}
	return false
}

// RetryConfig defines exponential-backoff-with-jitter retry behavior for
// external calls: on HTTP 429 or 5xx, backoff starts at 2s and doubles up
// to the configured attempt cap.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryConfig mirrors the spec's "2s starting backoff" default with a
// generous ceiling; MaxRetries is overridden per-request from
// Config.DeepLookupRetries.
func DefaultRetryConfig(maxRetries int) RetryConfig {
	return RetryConfig{
		MaxRetries:     maxRetries,
		InitialBackoff: 2 * time.Second,
		MaxBackoff:     30 * time.Second,
	}
}

// WithBackoff executes fn, retrying with exponential backoff plus jitter on
// retryable (429/5xx) errors up to cfg.MaxRetries times. Non-retryable
// errors return immediately.
func WithBackoff(ctx context.Context, cfg RetryConfig, fn func() error) error {
	var lastErr error
	backoff := cfg.InitialBackoff

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !isRetryable(err) {
			return err
		}
		if attempt == cfg.MaxRetries {
			break
		}

		jittered := backoff + time.Duration(rand.Int63n(int64(backoff)/2+1))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered):
			backoff *= 2
			if backoff > cfg.MaxBackoff {
				backoff = cfg.MaxBackoff
			}
		}
	}

	return fmt.Errorf("httpx: retries exhausted: %w", lastErr)
}

// Limiter wraps golang.org/x/time/rate for per-provider outbound
// throttling.
type Limiter struct {
	limiter *rate.Limiter
}

// NewLimiter builds a token-bucket limiter at ratePerSecond with the given
// burst.
func NewLimiter(ratePerSecond float64, burst int) *Limiter {
	return &Limiter{limiter: rate.NewLimiter(rate.Limit(ratePerSecond), burst)}
}

// Wait blocks until a token is available or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}

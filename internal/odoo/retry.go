package odoo

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/odoo-orchestrator/orchestrator/internal/telemetry"
)

// RetryConfig configures retry behaviour for transient failures
type RetryConfig struct {
	// MaxAttempts is the total number of tries, including the first one
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// JitterFraction adds up to this fraction of the delay on top of it; 0 disables jitter
	JitterFraction float64
}

// DefaultRetryConfig returns 3 attempts with 1s, 2s (4s cap) backoff
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Second,
		MaxBackoff:     4 * time.Second,
	}
}

// isTransient returns true for errors that are worth retrying
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	var authErr *AuthenticationError
	if errors.As(err, &authErr) {
		return false
	}
	var fault *FaultError
	if errors.As(err, &fault) {
		return false
	}
	var timeout *TimeoutError
	if errors.As(err, &timeout) {
		return true
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode >= 500 || httpErr.StatusCode == http.StatusTooManyRequests
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if isAuthFailure(err.Error()) {
		return false
	}
	return true // network errors are transient
}

// backoff computes the delay after the given zero-based attempt. Jitter only ever
// lengthens the delay.
func (r RetryConfig) backoff(attempt int) time.Duration {
	base := float64(r.InitialBackoff) * math.Pow(2, float64(attempt))
	if r.MaxBackoff > 0 && base > float64(r.MaxBackoff) {
		base = float64(r.MaxBackoff)
	}
	if r.JitterFraction > 0 {
		base += base * r.JitterFraction * rand.Float64()
	}
	return time.Duration(base)
}

// sleep waits for the given duration or until the context is cancelled
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// retry executes fn until it succeeds, fails permanently or runs out of attempts
func (r RetryConfig) retry(ctx context.Context, service, method string, fn func() error) error {
	attempts := r.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !isTransient(lastErr) {
			return lastErr
		}
		if attempt < attempts-1 {
			telemetry.OdooRPCRetriesTotal.WithLabelValues(service, method).Inc()
			if err := sleep(ctx, r.backoff(attempt)); err != nil {
				return fmt.Errorf("%s.%s: %w (retry cancelled)", service, method, lastErr)
			}
		}
	}
	return fmt.Errorf("%s.%s: %w (after %d attempts)", service, method, lastErr, attempts)
}

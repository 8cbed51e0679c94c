// Package clients holds the shared plumbing for external data
// providers: transient-error classification, the retry envelope with
// exponential backoff, and the per-client request throttle.
package clients

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/folio/internal/domain"
)

// HTTPError carries a non-2xx provider response.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http status %d: %s", e.StatusCode, e.Body)
}

// IsTransient classifies an error as retryable: HTTP 429/502/503/504,
// network timeouts and resets, and textual rate-limit markers.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, domain.ErrProviderTransient) {
		return true
	}
	if errors.Is(err, domain.ErrProviderFatal) {
		return false
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch httpErr.StatusCode {
		case http.StatusTooManyRequests,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout:
			return true
		}
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"rate limit",
		"too many requests",
		"connection reset",
		"connection refused",
		"timeout",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// RetryPolicy retries transient failures with exponential backoff
// (base * 2^attempt) plus small jitter. Non-transient errors surface
// immediately; exhaustion becomes a fatal provider error.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	log        zerolog.Logger
}

// NewRetryPolicy creates a policy with the given bounds. A zero
// BaseDelay defaults to one second.
func NewRetryPolicy(maxRetries int, baseDelay time.Duration, log zerolog.Logger) RetryPolicy {
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	return RetryPolicy{
		MaxRetries: maxRetries,
		BaseDelay:  baseDelay,
		log:        log.With().Str("component", "retry").Logger(),
	}
}

// Do runs fn until it succeeds, fails non-transiently, retries are
// exhausted, or ctx is cancelled.
func (p RetryPolicy) Do(ctx context.Context, label string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := p.BaseDelay * time.Duration(1<<(attempt-1))
			// Jitter up to 25% of the delay to spread retry storms.
			jitter := time.Duration(rand.Int63n(int64(delay)/4 + 1))
			p.log.Warn().
				Str("op", label).
				Int("attempt", attempt).
				Dur("delay", delay+jitter).
				Err(lastErr).
				Msg("retrying after transient error")

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay + jitter):
			}
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !IsTransient(lastErr) {
			return fmt.Errorf("%s: %w", label, lastErr)
		}
	}
	return fmt.Errorf("%s: retries exhausted: %w: %w", label, domain.ErrProviderFatal, lastErr)
}

// Throttle enforces a minimum interval between outbound requests of
// one client.
type Throttle struct {
	mu       sync.Mutex
	last     time.Time
	interval time.Duration
}

// NewThrottle creates a throttle with the given minimum interval.
func NewThrottle(interval time.Duration) *Throttle {
	return &Throttle{interval: interval}
}

// Wait blocks until the interval since the previous request has
// elapsed, or ctx is cancelled.
func (t *Throttle) Wait(ctx context.Context) error {
	t.mu.Lock()
	now := time.Now()
	next := t.last.Add(t.interval)
	if next.Before(now) {
		next = now
	}
	t.last = next
	t.mu.Unlock()

	wait := time.Until(next)
	if wait <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return nil
	}
}

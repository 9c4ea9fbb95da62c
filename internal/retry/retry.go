// Package retry runs fallible operations with bounded attempts, exponential
// backoff, and an error classification tuned for scraping failures, where
// most errors are transient network or anti-bot conditions.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"time"
)

// ErrEmptyResult marks an operation that completed without producing a
// usable result. It is retried exactly like a failure.
var ErrEmptyResult = errors.New("empty result")

// Policy bounds attempts and shapes the backoff curve.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Do runs op until it succeeds, the attempt budget is exhausted, the error
// classifies as permanent, or ctx ends. Permanent errors are returned as-is
// so callers can inspect them; exhaustion wraps the last error with the
// attempt count.
func Do[T any](ctx context.Context, p Policy, op func(context.Context) (T, error)) (T, error) {
	var zero T
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, p.backoff(attempt-1)); err != nil {
				return zero, err
			}
		}
		out, err := op(ctx)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return zero, lastErr
		}
		if !Retryable(err) {
			return zero, err
		}
	}
	return zero, fmt.Errorf("after %d attempts: %w", attempts, lastErr)
}

// backoff returns the sleep before the attempt following failed attempt k:
// base doubled per failure, capped, plus up to 10% uniform jitter.
func (p Policy) backoff(k int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	d := base
	for i := 0; i < k; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d + time.Duration(rand.Float64()*0.1*float64(d))
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// statusCoded is implemented by errors carrying an HTTP status.
type statusCoded interface{ HTTPStatus() int }

var retryableMarkers = []string{
	"timeout",
	"connection",
	"temporary",
	"rate limit",
	"too many requests",
}

var permanentMarkers = []string{
	"404",
	"not found",
	"forbidden",
	"unauthorized",
	"invalid",
}

// Retryable classifies err. Typed signals win over message sniffing; the
// message fallback defaults to retryable since unknown failures in this
// domain are overwhelmingly transient.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrEmptyResult) {
		return true
	}
	var sc statusCoded
	if errors.As(err, &sc) {
		code := sc.HTTPStatus()
		return code == 429 || code >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range retryableMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	for _, marker := range permanentMarkers {
		if strings.Contains(msg, marker) {
			return false
		}
	}
	return true
}

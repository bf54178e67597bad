// Package retrylimit bounds how often fallible collaborators are called.
// AdaptiveLimiter is a token bucket that shrinks after failures and grows
// back after successes; Do retries a call with exponential backoff.
//
//	lim := retrylimit.NewAdaptiveLimiter(0.5, 0.05, 1, 0.05, 0.5)
//	if !lim.Allow() {
//	    return ErrRateLimited
//	}
//
//	err := retrylimit.Do(ctx, retrylimit.Once(), func() error {
//	    return backend.Put(ctx, key, doc)
//	})
package retrylimit

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// =============================================================================
// Limiter
// =============================================================================

// AdaptiveLimiter wraps a rate.Limiter whose rate moves between min and max
// depending on reported outcomes. Safe for concurrent use.
type AdaptiveLimiter struct {
	mu        sync.Mutex
	limiter   *rate.Limiter
	minLimit  rate.Limit
	maxLimit  rate.Limit
	stepUp    rate.Limit
	stepDown  float64
	burst     int
	lastError time.Time
	now       func() time.Time
}

// NewAdaptiveLimiter creates a limiter in events per second.
//
//   - initial: starting rate
//   - min, max: bounds the rate never leaves
//   - stepUp: added after a success (at most once the error cool-off passed)
//   - stepDown: multiplier applied after a failure (0.5 halves the rate)
func NewAdaptiveLimiter(initial, min, max, stepUp rate.Limit, stepDown float64) *AdaptiveLimiter {
	if min <= 0 {
		min = initial
	}
	if max < min {
		max = min
	}
	if initial < min {
		initial = min
	}
	if initial > max {
		initial = max
	}
	burst := int(max)
	if burst < 1 {
		burst = 1
	}
	return &AdaptiveLimiter{
		limiter:  rate.NewLimiter(initial, burst),
		minLimit: min,
		maxLimit: max,
		stepUp:   stepUp,
		stepDown: stepDown,
		burst:    burst,
		now:      time.Now,
	}
}

// PerMinute is a convenience for limits expressed per minute.
func PerMinute(n float64) rate.Limit {
	return rate.Limit(n / 60.0)
}

// Allow reports whether an event may happen now without waiting.
func (a *AdaptiveLimiter) Allow() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.limiter.AllowN(a.now(), 1)
}

// Success nudges the rate up unless a failure happened in the last 10s.
func (a *AdaptiveLimiter) Success() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.now().Sub(a.lastError) > 10*time.Second {
		a.setLimit(a.limiter.Limit() + a.stepUp)
	}
}

// Failure shrinks the rate by stepDown.
func (a *AdaptiveLimiter) Failure() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastError = a.now()
	a.setLimit(rate.Limit(float64(a.limiter.Limit()) * a.stepDown))
}

// CurrentLimit returns the current events per second.
func (a *AdaptiveLimiter) CurrentLimit() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return float64(a.limiter.Limit())
}

func (a *AdaptiveLimiter) setLimit(l rate.Limit) {
	if l > a.maxLimit {
		l = a.maxLimit
	}
	if l < a.minLimit {
		l = a.minLimit
	}
	if l != a.limiter.Limit() {
		a.limiter.SetLimitAt(a.now(), l)
	}
}

// =============================================================================
// Errors
// =============================================================================

// HTTPError is implemented by errors carrying an HTTP status code.
type HTTPError interface {
	error
	StatusCode() int
}

// FatalError stops a retry loop immediately.
type FatalError struct {
	Err error
}

func (f *FatalError) Error() string { return f.Err.Error() }
func (f *FatalError) Unwrap() error { return f.Err }

// Fatal wraps err so Do does not retry it.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// =============================================================================
// Retry
// =============================================================================

// Config controls Do.
type Config struct {
	MaxAttempts  int           // total attempts including the first, minimum 1
	InitialDelay time.Duration // delay before the second attempt
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
	OnRetry      func(attempt int, err error)
}

// Once retries a failed call a single time after a short backoff.
func Once() Config {
	return Config{
		MaxAttempts:  2,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2,
		Jitter:       true,
	}
}

// Do runs fn until it succeeds, returns a FatalError, ctx ends or the
// attempts run out. The last error is returned wrapped.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 1
	}
	delay := cfg.InitialDelay

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn()
		if lastErr == nil {
			if attempt > 1 {
				log.Debug().Int("attempt", attempt).Msg("retry succeeded")
			}
			return nil
		}

		var fatal *FatalError
		if errors.As(lastErr, &fatal) {
			return fatal.Err
		}
		if attempt == cfg.MaxAttempts {
			break
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, lastErr)
		}

		wait := delay
		if IsRateLimited(lastErr) && wait < time.Second {
			wait = time.Second
		}
		if cfg.Jitter {
			wait = addJitter(wait)
		}
		log.Debug().Err(lastErr).Int("attempt", attempt).Dur("sleep", wait).Msg("retrying")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
	return fmt.Errorf("after %d attempts: %w", cfg.MaxAttempts, lastErr)
}

// IsRateLimited reports whether err carries HTTP 429.
func IsRateLimited(err error) bool {
	var httpErr HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode() == http.StatusTooManyRequests
	}
	return false
}

// addJitter adds up to 25% random jitter.
func addJitter(delay time.Duration) time.Duration {
	if delay < 4 {
		return delay
	}
	return delay + time.Duration(rand.Int63n(int64(delay/4)))
}

package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"strings"
	"time"
)

// Config defines retry behavior with exponential backoff.
type Config struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	JitterFactor float64 // 0.0-1.0, +/- share of the delay
}

// DefaultConfig returns 3 retries starting at 100ms, doubling, capped at 5s, with 10% jitter.
func DefaultConfig() *Config {
	return &Config{
		MaxRetries:   3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.1,
	}
}

// Backoff returns the wait before retry number attempt (1-based):
// InitialDelay * Multiplier^(attempt-1), capped at MaxDelay, then jittered.
func Backoff(cfg *Config, attempt int) time.Duration {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if attempt < 1 {
		attempt = 1
	}
	multiplier := cfg.Multiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}

	delay := float64(cfg.InitialDelay) * math.Pow(multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	return applyJitter(time.Duration(delay), cfg.JitterFactor)
}

// applyJitter returns delay +/- (delay * jitterFactor * random(-1 to +1)).
func applyJitter(delay time.Duration, jitterFactor float64) time.Duration {
	if jitterFactor <= 0 {
		return delay
	}
	jitter := float64(delay) * jitterFactor * (rand.Float64()*2 - 1)
	return time.Duration(float64(delay) + jitter)
}

// Do executes fn until it succeeds or MaxRetries retries are exhausted.
// Respects context cancellation during wait periods.
func Do(ctx context.Context, cfg *Config, fn func() error) error {
	_, err := DoWithResult(ctx, cfg, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoWithResult executes fn and returns both result and error.
func DoWithResult[T any](ctx context.Context, cfg *Config, fn func() (T, error)) (T, error) {
	return doWithResult(ctx, cfg, fn, func(error) bool { return true })
}

// DoIfRetryable only retries errors IsRetryable accepts; anything else returns immediately.
func DoIfRetryable(ctx context.Context, cfg *Config, fn func() error) error {
	_, err := doWithResult(ctx, cfg, func() (struct{}, error) {
		return struct{}{}, fn()
	}, IsRetryable)
	return err
}

// DoIfRetryableWithResult is DoIfRetryable for functions that return a value.
func DoIfRetryableWithResult[T any](ctx context.Context, cfg *Config, fn func() (T, error)) (T, error) {
	return doWithResult(ctx, cfg, fn, IsRetryable)
}

func doWithResult[T any](ctx context.Context, cfg *Config, fn func() (T, error), shouldRetry func(error) bool) (T, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	var result T
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		r, err := fn()
		if err == nil {
			return r, nil
		}
		result, lastErr = r, err

		if !shouldRetry(err) || attempt == cfg.MaxRetries {
			break
		}

		select {
		case <-time.After(Backoff(cfg, attempt+1)):
		case <-ctx.Done():
			return result, ctx.Err()
		}
	}

	return result, lastErr
}

// RetryableError is implemented by errors that declare their own retryability.
type RetryableError interface {
	error
	IsRetryable() bool
}

type markedError struct {
	err       error
	retryable bool
}

func (e *markedError) Error() string     { return e.err.Error() }
func (e *markedError) Unwrap() error     { return e.err }
func (e *markedError) IsRetryable() bool { return e.retryable }

// Transient marks err as worth retrying regardless of its message.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &markedError{err: err, retryable: true}
}

// Permanent marks err as not worth retrying regardless of its message.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &markedError{err: err, retryable: false}
}

// IsRetryable determines if an error is transient and worth retrying.
//
// The function checks errors in this order:
// 1. Context cancellation is never retryable
// 2. The first error in the chain implementing RetryableError decides
// 3. Deadline exceeded is retryable
// 4. Otherwise, pattern-match against known retryable error strings
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var r RetryableError
	if errors.As(err, &r) {
		return r.IsRetryable()
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	retryablePatterns := []string{
		// Connection errors
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"timeout",
		"timed out",
		"temporary failure",
		"too many connections",
		"deadlock",
		"network is unreachable",
		"unexpected eof",
		// HTTP status codes
		"429",
		"500",
		"502",
		"503",
		"504",
		// HTTP error messages
		"rate limit",
		"service unavailable",
		"too many requests",
	}

	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

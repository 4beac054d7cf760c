// Package retry provides the exponential backoff helper shared by the publisher
// and the embedding service.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"
)

// ErrInvalidMaxAttempts is returned when a policy allows no attempts at all.
var ErrInvalidMaxAttempts = errors.New("retry: max attempts must be greater than 0")

// Policy describes a capped exponential backoff.
// MaxAttempts counts every call including the first one.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultPolicy returns 3 attempts starting at 500ms, doubling, capped at 10s.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2,
	}
}

// Delay returns the wait after the given failed attempt (1-based):
// min(initial * multiplier^(attempt-1), maxDelay).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.InitialDelay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && (math.IsInf(d, 0) || math.IsNaN(d) || d > float64(p.MaxDelay)) {
		return p.MaxDelay
	}
	if math.IsInf(d, 0) || math.IsNaN(d) || d >= float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// settings holds per-call options.
type settings struct {
	onRetry   func(attempt int, err error, next time.Duration)
	retryable func(error) bool
	logger    *slog.Logger
}

// Option customizes a single Do call.
type Option func(*settings)

// WithOnRetry registers a hook invoked after each failed attempt that will be retried.
func WithOnRetry(fn func(attempt int, err error, next time.Duration)) Option {
	return func(s *settings) { s.onRetry = fn }
}

// WithRetryIf stops retrying as soon as fn reports an error as permanent.
func WithRetryIf(fn func(error) bool) Option {
	return func(s *settings) { s.retryable = fn }
}

// WithLogger sets the logger used for debug output.
func WithLogger(logger *slog.Logger) Option {
	return func(s *settings) { s.logger = logger }
}

// Do runs fn until it succeeds, the policy is exhausted or ctx is done.
// It returns the last error from fn, or ctx.Err() when cancelled while waiting.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error, opts ...Option) error {
	_, err := DoValue(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	}, opts...)
	return err
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error), opts ...Option) (T, error) {
	var zero T
	if p.MaxAttempts <= 0 {
		return zero, ErrInvalidMaxAttempts
	}

	s := settings{logger: slog.Default()}
	for _, opt := range opts {
		opt(&s)
	}

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, lastErr
			}
			return zero, err
		}

		v, err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				s.logger.Debug("retry.Do: operation succeeded after retry", "attempt", attempt)
			}
			return v, nil
		}
		lastErr = err

		if s.retryable != nil && !s.retryable(err) {
			return zero, err
		}
		if attempt == p.MaxAttempts {
			break
		}

		delay := p.Delay(attempt)
		s.logger.Debug("retry.Do: operation failed, will retry", "attempt", attempt, "maxAttempts", p.MaxAttempts, "delay", delay, "error", err)
		if s.onRetry != nil {
			s.onRetry(attempt, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}

	return zero, lastErr
}

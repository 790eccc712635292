// Package retry implements the exponential-backoff-with-jitter policy
// the dispatcher wraps around one candidate account's upstream
// attempt. It knows nothing about accounts, providers, or HTTP:
// callers pass an opaque func() error and the retryer decides whether
// and how long to wait before calling it again.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// RetryPolicy configures one retryer.
type RetryPolicy struct {
	MaxRetries      int                                               // retries after the initial attempt; 0 disables retrying
	InitialDelay    time.Duration                                     // delay before the first retry
	MaxDelay        time.Duration                                     // cap on the backoff delay
	Multiplier      float64                                           // exponential growth factor per retry
	Jitter          bool                                               // add ±25% randomization to avoid synchronized retries
	RetryableErrors []error                                           // empty means every error is retryable
	OnRetry         func(attempt int, err error, delay time.Duration) // invoked before each wait
}

// DefaultRetryPolicy is a conservative policy for callers that don't
// derive one from config.DispatcherConfig.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxRetries:   3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// PolicyForCandidateAttempt builds the policy the dispatcher applies
// to one candidate account attempt: config-driven retry count and
// delay bounds, with a fixed doubling multiplier and jitter enabled so
// a burst of failovers across candidates doesn't retry in lockstep.
func PolicyForCandidateAttempt(maxRetries int, initialDelay, maxDelay time.Duration) *RetryPolicy {
	return &RetryPolicy{
		MaxRetries:   maxRetries,
		InitialDelay: initialDelay,
		MaxDelay:     maxDelay,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Retryer runs a func under a RetryPolicy.
type Retryer interface {
	// Do executes fn, retrying on failure per the policy.
	Do(ctx context.Context, fn func() error) error

	// DoWithResult executes fn and returns its result, retrying on
	// failure per the policy.
	DoWithResult(ctx context.Context, fn func() (any, error)) (any, error)
}

// backoffRetryer is the exponential-backoff Retryer implementation.
type backoffRetryer struct {
	policy *RetryPolicy
	logger *zap.Logger
}

// NewBackoffRetryer builds a Retryer from policy, filling in
// DefaultRetryPolicy for a nil policy and clamping invalid fields.
func NewBackoffRetryer(policy *RetryPolicy, logger *zap.Logger) Retryer {
	if policy == nil {
		policy = DefaultRetryPolicy()
	}

	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	if policy.InitialDelay <= 0 {
		policy.InitialDelay = 1 * time.Second
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = 30 * time.Second
	}
	if policy.Multiplier < 1.0 {
		policy.Multiplier = 2.0
	}

	return &backoffRetryer{
		policy: policy,
		logger: logger,
	}
}

func (r *backoffRetryer) Do(ctx context.Context, fn func() error) error {
	_, err := r.DoWithResult(ctx, func() (any, error) {
		return nil, fn()
	})
	return err
}

// DoWithResult is the core retry loop: exponential backoff, optional
// jitter, and a retryable-error filter.
func (r *backoffRetryer) DoWithResult(ctx context.Context, fn func() (any, error)) (any, error) {
	var lastErr error
	var result any

	for attempt := 0; attempt <= r.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := r.calculateDelay(attempt)

			r.logger.Debug("retrying candidate attempt",
				zap.Int("attempt", attempt),
				zap.Int("max_retries", r.policy.MaxRetries),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)

			if r.policy.OnRetry != nil {
				r.policy.OnRetry(attempt, lastErr, delay)
			}

			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("retry canceled: %w", ctx.Err())
			case <-time.After(delay):
			}
		}

		result, lastErr = fn()

		if lastErr == nil {
			if attempt > 0 {
				r.logger.Info("candidate attempt succeeded after retry", zap.Int("attempt", attempt))
			}
			return result, nil
		}

		if !r.isRetryable(lastErr) {
			r.logger.Debug("error not retryable, giving up on candidate", zap.Error(lastErr))
			return nil, lastErr
		}

		if attempt >= r.policy.MaxRetries {
			break
		}
	}

	r.logger.Warn("candidate retries exhausted",
		zap.Int("attempts", r.policy.MaxRetries+1),
		zap.Error(lastErr),
	)

	return nil, fmt.Errorf("gave up after %d retries: %w", r.policy.MaxRetries, lastErr)
}

// calculateDelay returns the backoff for the given 1-indexed attempt,
// capped at MaxDelay and jittered by ±25% when Jitter is set.
func (r *backoffRetryer) calculateDelay(attempt int) time.Duration {
	delay := float64(r.policy.InitialDelay) * math.Pow(r.policy.Multiplier, float64(attempt-1))

	if delay > float64(r.policy.MaxDelay) {
		delay = float64(r.policy.MaxDelay)
	}

	if r.policy.Jitter {
		jitter := delay * 0.25
		delay = delay + (rand.Float64()*2-1)*jitter
	}

	if delay < float64(r.policy.InitialDelay) {
		delay = float64(r.policy.InitialDelay)
	}

	return time.Duration(delay)
}

func (r *backoffRetryer) isRetryable(err error) bool {
	if err == nil {
		return false
	}

	if len(r.policy.RetryableErrors) == 0 {
		return true
	}

	for _, retryableErr := range r.policy.RetryableErrors {
		if errors.Is(err, retryableErr) {
			return true
		}
	}

	return false
}

// RetryableError marks a cause as eligible for retry, for callers
// that want to populate RetryPolicy.RetryableErrors with a sentinel
// rather than comparing against the underlying error value directly.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// IsRetryableError reports whether err was wrapped by WrapRetryable.
// This is distinct from relayerr.IsRetryable, which checks the
// Retryable field on a *relayerr.Error.
func IsRetryableError(err error) bool {
	var retryableErr *RetryableError
	return errors.As(err, &retryableErr)
}

// IsRetryable is an alias for IsRetryableError.
var IsRetryable = IsRetryableError

// WrapRetryable wraps err so IsRetryableError reports true for it.
func WrapRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

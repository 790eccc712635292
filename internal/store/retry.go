package store

import (
	"context"
	"math"
	"math/rand"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kaelmora/relaygate/internal/config"
)

// retryer wraps every Store write path with exponential backoff and
// jitter on SQLITE_BUSY/SQLITE_LOCKED, grounded on llm/retry/backoff.go's
// RetryPolicy/Retryer shape.
type retryer struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	logger      *zap.Logger
}

func newRetryer(cfg config.DatabaseConfig, logger *zap.Logger) *retryer {
	attempts := cfg.RetryMaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	base := cfg.RetryBaseDelay
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	maxDelay := cfg.RetryMaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	return &retryer{maxAttempts: attempts, baseDelay: base, maxDelay: maxDelay, logger: logger}
}

// Do runs fn, retrying while isBusyErr(err) is true, up to maxAttempts,
// with 2x exponential backoff and +/-10% jitter.
func (r *retryer) Do(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= r.maxAttempts; attempt++ {
		if attempt > 0 {
			delay := r.delayFor(attempt)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !isBusyErr(lastErr) {
			return lastErr
		}
		r.logger.Debug("store write retrying on busy/locked",
			zap.Int("attempt", attempt), zap.Error(lastErr))
	}
	return lastErr
}

func (r *retryer) delayFor(attempt int) time.Duration {
	delay := float64(r.baseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(r.maxDelay) {
		delay = float64(r.maxDelay)
	}
	jitter := delay * 0.10
	delay += (rand.Float64()*2 - 1) * jitter
	if delay < float64(r.baseDelay) {
		delay = float64(r.baseDelay)
	}
	return time.Duration(delay)
}

func isBusyErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToUpper(err.Error())
	return strings.Contains(msg, "BUSY") || strings.Contains(msg, "LOCKED")
}

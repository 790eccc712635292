// Package ratelimit implements the per-account cooldown window and
// header-derived rate-limit status. It hides unavailable accounts from
// the Strategy Engine and paces the Token Manager's refresh retries.
package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kaelmora/relaygate/internal/cache"
	"github.com/kaelmora/relaygate/internal/config"
	"github.com/kaelmora/relaygate/internal/store"
)

// Tracker owns the cooldown-window bookkeeping. The in-process
// golang.org/x/time/rate.Limiter paces OAuth refresh retries, a
// concern distinct from per-account cooldowns, which are plain struct
// state persisted through the Store.
//
// When cfg.RedisAddr is set, every recorded cooldown is also written
// through to a shared cache. Nothing in the Tracker reads that cached
// value back: availability is always decided from the Store. An empty
// RedisAddr (the default) skips the cache write.
type Tracker struct {
	store           *store.Store
	logger          *zap.Logger
	defaultCooldown time.Duration
	refreshLimiter  *rate.Limiter
	cacheMgr        *cache.Manager
}

func New(st *store.Store, cfg config.RateLimitConfig, tokenCfg config.TokenManagerConfig, logger *zap.Logger) *Tracker {
	t := &Tracker{
		store:           st,
		logger:          logger.With(zap.String("component", "ratelimit")),
		defaultCooldown: cfg.DefaultCooldown,
		refreshLimiter:  rate.NewLimiter(rate.Limit(tokenCfg.RefreshRPS), tokenCfg.RefreshBurst),
	}

	if cfg.RedisAddr != "" {
		cacheCfg := cache.DefaultConfig()
		cacheCfg.Addr = cfg.RedisAddr
		cacheCfg.DefaultTTL = cfg.DefaultCooldown
		mgr, err := cache.NewManager(cacheCfg, logger)
		if err != nil {
			t.logger.Warn("rate limit cache unavailable, falling back to store-only cooldowns", zap.Error(err))
		} else {
			t.cacheMgr = mgr
		}
	}

	return t
}

// Close releases the shared cache connection, if one was opened.
func (t *Tracker) Close() error {
	if t.cacheMgr == nil {
		return nil
	}
	return t.cacheMgr.Close()
}

// IsAccountAvailable ≡ !paused && (rate_limited_until == null ||
// rate_limited_until < now), the predicate the Strategy Engine filters
// candidate accounts with.
func IsAccountAvailable(a *store.Account, nowMs int64) bool {
	if a.Paused {
		return false
	}
	if a.RateLimitedUntil == nil {
		return true
	}
	return *a.RateLimitedUntil < nowMs
}

// WaitForRefreshSlot blocks until the OAuth refresh pacing limiter
// admits another call, or ctx is done.
func (t *Tracker) WaitForRefreshSlot(ctx context.Context) error {
	return t.refreshLimiter.Wait(ctx)
}

// RecordRateLimit handles an upstream 429 (or provider-specific signal)
// for accountID: reads reset time from headers if present, otherwise
// applies the default cooldown, persists the window, and emits a log
// event.
func (t *Tracker) RecordRateLimit(ctx context.Context, accountID string, headers http.Header) error {
	now := time.Now()
	until := now.Add(t.defaultCooldown)
	var remaining, reset *int64

	if retryAfter := headers.Get("retry-after"); retryAfter != "" {
		if secs, err := strconv.Atoi(retryAfter); err == nil {
			until = now.Add(time.Duration(secs) * time.Second)
		}
	}
	if v := headers.Get("x-ratelimit-remaining"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			remaining = &n
		}
	}
	if v := headers.Get("x-ratelimit-reset"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			reset = &n
		}
	}

	untilMs := until.UnixMilli()
	if err := t.store.Accounts.SetRateLimited(ctx, accountID, untilMs, "rate_limited", remaining, reset); err != nil {
		return err
	}
	if t.cacheMgr != nil {
		if err := t.cacheMgr.Set(ctx, cacheKey(accountID), strconv.FormatInt(untilMs, 10), time.Until(until)); err != nil {
			t.logger.Warn("failed to propagate rate limit to shared cache", zap.String("account_id", accountID), zap.Error(err))
		}
	}
	t.logger.Warn("account rate limited",
		zap.String("account_id", accountID),
		zap.Time("until", until))
	return nil
}

// cacheKey is the domain key within cache.Manager's namespace; the
// Manager itself prefixes this with its configured namespace
// (defaulting to "relaygate:") before it reaches Redis.
func cacheKey(accountID string) string {
	return "ratelimit:" + accountID
}

// Sweep clears expired rate_limited_until values to avoid stale UI
// state, intended to run on config.RateLimitConfig.SweepInterval.
func (t *Tracker) Sweep(ctx context.Context) error {
	rows, err := t.store.Accounts.ClearExpiredRateLimits(ctx, time.Now().UnixMilli())
	if err != nil {
		return err
	}
	if rows > 0 {
		t.logger.Debug("swept expired rate limits", zap.Int64("rows", rows))
	}
	return nil
}

// Run starts the scheduled sweep loop; it returns when ctx is
// cancelled, suitable for registration with internal/lifecycle.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.Sweep(ctx); err != nil {
				t.logger.Error("rate limit sweep failed", zap.Error(err))
			}
		}
	}
}

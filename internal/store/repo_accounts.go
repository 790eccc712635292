package store

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// AccountRepo is the sole write path for Account rows; every mutation
// goes through the busy-retry wrapper.
type AccountRepo struct {
	db    *gorm.DB
	retry *retryer
}

func (r *AccountRepo) Create(ctx context.Context, a *Account) error {
	return r.retry.Do(ctx, func() error {
		return r.db.WithContext(ctx).Create(a).Error
	})
}

func (r *AccountRepo) Get(ctx context.Context, id string) (*Account, error) {
	var a Account
	if err := r.db.WithContext(ctx).First(&a, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *AccountRepo) GetByName(ctx context.Context, name string) (*Account, error) {
	var a Account
	if err := r.db.WithContext(ctx).First(&a, "name = ?", name).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

// ListAll returns every account row; the Strategy Engine filters and
// orders from this full set.
func (r *AccountRepo) ListAll(ctx context.Context) ([]Account, error) {
	var accounts []Account
	if err := r.db.WithContext(ctx).Find(&accounts).Error; err != nil {
		return nil, err
	}
	return accounts, nil
}

func (r *AccountRepo) Delete(ctx context.Context, id string) error {
	return r.retry.Do(ctx, func() error {
		return r.db.WithContext(ctx).Delete(&Account{}, "id = ?", id).Error
	})
}

func (r *AccountRepo) Rename(ctx context.Context, id, newName string) error {
	return r.retry.Do(ctx, func() error {
		return r.db.WithContext(ctx).Model(&Account{}).Where("id = ?", id).Update("name", newName).Error
	})
}

func (r *AccountRepo) SetPaused(ctx context.Context, id string, paused bool) error {
	return r.retry.Do(ctx, func() error {
		return r.db.WithContext(ctx).Model(&Account{}).Where("id = ?", id).Update("paused", paused).Error
	})
}

func (r *AccountRepo) SetPriority(ctx context.Context, id string, priority int) error {
	return r.retry.Do(ctx, func() error {
		return r.db.WithContext(ctx).Model(&Account{}).Where("id = ?", id).Update("priority", priority).Error
	})
}

func (r *AccountRepo) SetCustomEndpoint(ctx context.Context, id, endpoint string) error {
	return r.retry.Do(ctx, func() error {
		return r.db.WithContext(ctx).Model(&Account{}).Where("id = ?", id).Update("custom_endpoint", endpoint).Error
	})
}

func (r *AccountRepo) SetModelMappings(ctx context.Context, id, mappingsJSON string) error {
	return r.retry.Do(ctx, func() error {
		return r.db.WithContext(ctx).Model(&Account{}).Where("id = ?", id).Update("model_mappings", mappingsJSON).Error
	})
}

// UpdateTokens persists a refreshed OAuth token set (issued by the
// Token Manager): new access token, expiry, and possibly-rotated
// refresh token.
func (r *AccountRepo) UpdateTokens(ctx context.Context, id, accessToken, refreshToken string, expiresAt int64) error {
	return r.retry.Do(ctx, func() error {
		updates := map[string]any{
			"access_token": accessToken,
			"expires_at":   expiresAt,
		}
		if refreshToken != "" {
			updates["refresh_token"] = refreshToken
		}
		return r.db.WithContext(ctx).Model(&Account{}).Where("id = ?", id).Updates(updates).Error
	})
}

// SetAPIKey persists a freshly issued console API key, clearing any
// stale OAuth token fields the account may have carried from a prior
// claude-oauth session against the same name.
func (r *AccountRepo) SetAPIKey(ctx context.Context, id, apiKey string) error {
	return r.retry.Do(ctx, func() error {
		updates := map[string]any{
			"api_key":       apiKey,
			"access_token":  "",
			"refresh_token": "",
			"expires_at":    nil,
		}
		return r.db.WithContext(ctx).Model(&Account{}).Where("id = ?", id).Updates(updates).Error
	})
}

// RecordUsage increments request counters and last_used on a successful
// dispatch against this account.
func (r *AccountRepo) RecordUsage(ctx context.Context, id string) error {
	now := time.Now()
	return r.retry.Do(ctx, func() error {
		return r.db.WithContext(ctx).Model(&Account{}).Where("id = ?", id).Updates(map[string]any{
			"request_count":          gorm.Expr("request_count + 1"),
			"total_requests":         gorm.Expr("total_requests + 1"),
			"session_request_count":  gorm.Expr("session_request_count + 1"),
			"last_used":              now,
		}).Error
	})
}

// StartSession marks this account as the sticky session owner.
func (r *AccountRepo) StartSession(ctx context.Context, id string, start time.Time) error {
	return r.retry.Do(ctx, func() error {
		return r.db.WithContext(ctx).Model(&Account{}).Where("id = ?", id).Updates(map[string]any{
			"session_start":          start,
			"session_request_count":  0,
		}).Error
	})
}

// SetRateLimited persists a rate-limit cooldown window set by the
// Rate-Limit Tracker.
func (r *AccountRepo) SetRateLimited(ctx context.Context, id string, until int64, status string, remaining *int64, reset *int64) error {
	return r.retry.Do(ctx, func() error {
		return r.db.WithContext(ctx).Model(&Account{}).Where("id = ?", id).Updates(map[string]any{
			"rate_limited_until":   until,
			"rate_limit_status":    status,
			"rate_limit_remaining": remaining,
			"rate_limit_reset":     reset,
		}).Error
	})
}

// ClearExpiredRateLimits is the scheduled sweep for stale cooldowns.
func (r *AccountRepo) ClearExpiredRateLimits(ctx context.Context, nowMs int64) (int64, error) {
	var rows int64
	err := r.retry.Do(ctx, func() error {
		tx := r.db.WithContext(ctx).Model(&Account{}).
			Where("rate_limited_until IS NOT NULL AND rate_limited_until < ?", nowMs).
			Updates(map[string]any{"rate_limited_until": nil, "rate_limit_status": ""})
		rows = tx.RowsAffected
		return tx.Error
	})
	return rows, err
}

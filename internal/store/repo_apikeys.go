package store

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// APIKeyRepo manages the management-surface API keys used by the Auth
// Gate.
type APIKeyRepo struct {
	db    *gorm.DB
	retry *retryer
}

func (r *APIKeyRepo) Create(ctx context.Context, k *APIKey) error {
	return r.retry.Do(ctx, func() error {
		return r.db.WithContext(ctx).Create(k).Error
	})
}

func (r *APIKeyRepo) ListActive(ctx context.Context) ([]APIKey, error) {
	var keys []APIKey
	if err := r.db.WithContext(ctx).Where("is_active = ?", true).Find(&keys).Error; err != nil {
		return nil, err
	}
	return keys, nil
}

// ListAll returns every key, active or revoked, for the management UI.
func (r *APIKeyRepo) ListAll(ctx context.Context) ([]APIKey, error) {
	var keys []APIKey
	if err := r.db.WithContext(ctx).Order("created_at desc").Find(&keys).Error; err != nil {
		return nil, err
	}
	return keys, nil
}

func (r *APIKeyRepo) CountActive(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&APIKey{}).Where("is_active = ?", true).Count(&count).Error
	return count, err
}

func (r *APIKeyRepo) Delete(ctx context.Context, id string) error {
	return r.retry.Do(ctx, func() error {
		return r.db.WithContext(ctx).Delete(&APIKey{}, "id = ?", id).Error
	})
}

// SetActive flips a key's enabled state without deleting its row, so
// usage history survives revocation.
func (r *APIKeyRepo) SetActive(ctx context.Context, id string, active bool) error {
	return r.retry.Do(ctx, func() error {
		return r.db.WithContext(ctx).Model(&APIKey{}).Where("id = ?", id).Update("is_active", active).Error
	})
}

// RecordUse updates last_used and increments usage_count on a
// successful authentication.
func (r *APIKeyRepo) RecordUse(ctx context.Context, id string) error {
	now := time.Now()
	return r.retry.Do(ctx, func() error {
		return r.db.WithContext(ctx).Model(&APIKey{}).Where("id = ?", id).Updates(map[string]any{
			"last_used":   now,
			"usage_count": gorm.Expr("usage_count + 1"),
		}).Error
	})
}

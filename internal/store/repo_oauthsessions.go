package store

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// OAuthSessionRepo persists ephemeral PKCE flow state.
type OAuthSessionRepo struct {
	db    *gorm.DB
	retry *retryer
}

func (r *OAuthSessionRepo) Create(ctx context.Context, s *OAuthSession) error {
	return r.retry.Do(ctx, func() error {
		return r.db.WithContext(ctx).Create(s).Error
	})
}

// Get returns the session with the given id whether or not it has
// expired; callers check ExpiresAt themselves.
func (r *OAuthSessionRepo) Get(ctx context.Context, id string) (*OAuthSession, error) {
	var s OAuthSession
	if err := r.db.WithContext(ctx).First(&s, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *OAuthSessionRepo) Delete(ctx context.Context, id string) error {
	return r.retry.Do(ctx, func() error {
		return r.db.WithContext(ctx).Delete(&OAuthSession{}, "id = ?", id).Error
	})
}

// SweepExpired deletes sessions past their TTL.
func (r *OAuthSessionRepo) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	var rows int64
	err := r.retry.Do(ctx, func() error {
		tx := r.db.WithContext(ctx).Where("expires_at < ?", now).Delete(&OAuthSession{})
		rows = tx.RowsAffected
		return tx.Error
	})
	return rows, err
}

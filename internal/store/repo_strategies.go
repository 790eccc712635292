package store

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// ValidStrategyNames is the closed set of recognized strategy names.
var ValidStrategyNames = map[string]bool{
	"least-requests":       true,
	"round-robin":          true,
	"session":              true,
	"weighted":             true,
	"weighted-round-robin": true,
}

// StrategyRepo persists per-strategy JSON config, including the
// round-robin cursor and session-owner bookkeeping.
type StrategyRepo struct {
	db    *gorm.DB
	retry *retryer
}

func (r *StrategyRepo) Get(ctx context.Context, name string) (*StrategyConfig, error) {
	var cfg StrategyConfig
	if err := r.db.WithContext(ctx).First(&cfg, "name = ?", name).Error; err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (r *StrategyRepo) Upsert(ctx context.Context, name, configJSON string) error {
	return r.retry.Do(ctx, func() error {
		return r.db.WithContext(ctx).Save(&StrategyConfig{
			Name: name, ConfigRaw: configJSON, UpdatedAt: time.Now(),
		}).Error
	})
}

func (r *StrategyRepo) List(ctx context.Context) ([]StrategyConfig, error) {
	var configs []StrategyConfig
	if err := r.db.WithContext(ctx).Find(&configs).Error; err != nil {
		return nil, err
	}
	return configs, nil
}

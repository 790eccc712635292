package store

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// ModelTranslationRepo manages the global fallback mapping table.
type ModelTranslationRepo struct {
	db    *gorm.DB
	retry *retryer
}

func (r *ModelTranslationRepo) List(ctx context.Context) ([]ModelTranslation, error) {
	var rows []ModelTranslation
	if err := r.db.WithContext(ctx).Order("priority DESC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *ModelTranslationRepo) Upsert(ctx context.Context, pattern, target string, priority int) error {
	return r.retry.Do(ctx, func() error {
		return r.db.WithContext(ctx).Save(&ModelTranslation{
			Pattern: pattern, Target: target, Priority: priority, UpdatedAt: time.Now(),
		}).Error
	})
}

func (r *ModelTranslationRepo) Delete(ctx context.Context, pattern string) error {
	return r.retry.Do(ctx, func() error {
		return r.db.WithContext(ctx).Delete(&ModelTranslation{}, "pattern = ?", pattern).Error
	})
}

// AgentPreferenceRepo manages the dashboard's small per-agent-label
// key/value preference rows.
type AgentPreferenceRepo struct {
	db    *gorm.DB
	retry *retryer
}

func (r *AgentPreferenceRepo) Get(ctx context.Context, agentName, key string) (string, error) {
	var p AgentPreference
	if err := r.db.WithContext(ctx).First(&p, "agent_name = ? AND key = ?", agentName, key).Error; err != nil {
		return "", err
	}
	return p.Value, nil
}

func (r *AgentPreferenceRepo) Set(ctx context.Context, agentName, key, value string) error {
	return r.retry.Do(ctx, func() error {
		return r.db.WithContext(ctx).Save(&AgentPreference{
			AgentName: agentName, Key: key, Value: value, UpdatedAt: time.Now(),
		}).Error
	})
}

func (r *AgentPreferenceRepo) ListForAgent(ctx context.Context, agentName string) ([]AgentPreference, error) {
	var rows []AgentPreference
	if err := r.db.WithContext(ctx).Where("agent_name = ?", agentName).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

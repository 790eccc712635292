package store

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// StatsRepo exposes read-only aggregates for /api/analytics; it never
// mutates and so is not wrapped in the busy-retry helper.
type StatsRepo struct {
	db *gorm.DB
}

// Bucket is one time-bucketed analytics row.
type Bucket struct {
	BucketStart  time.Time `json:"bucket_start"`
	RequestCount int64     `json:"request_count"`
	SuccessCount int64     `json:"success_count"`
	TotalTokens  int64     `json:"total_tokens"`
	CostUSD      float64   `json:"cost_usd"`
}

// Aggregate buckets requests in [since, now) by the given SQL
// strftime/date_trunc granularity expression, appropriate to the
// active SQL dialect.
func (s *StatsRepo) Aggregate(ctx context.Context, since time.Time, bucketExpr string) ([]Bucket, error) {
	var rows []Bucket
	err := s.db.WithContext(ctx).Model(&Request{}).
		Select(bucketExpr+" AS bucket_start, COUNT(*) AS request_count, "+
			"SUM(CASE WHEN success THEN 1 ELSE 0 END) AS success_count, "+
			"COALESCE(SUM(total_tokens), 0) AS total_tokens, "+
			"COALESCE(SUM(cost_usd), 0) AS cost_usd").
		Where("timestamp >= ?", since).
		Group("bucket_start").
		Order("bucket_start ASC").
		Scan(&rows).Error
	return rows, err
}

// AccountSummary is per-account usage for the accounts list endpoint.
type AccountSummary struct {
	AccountID    string  `json:"account_id"`
	RequestCount int64   `json:"request_count"`
	SuccessCount int64   `json:"success_count"`
	TotalCostUSD float64 `json:"total_cost_usd"`
}

func (s *StatsRepo) PerAccount(ctx context.Context, since time.Time) ([]AccountSummary, error) {
	var rows []AccountSummary
	err := s.db.WithContext(ctx).Model(&Request{}).
		Select("account_used AS account_id, COUNT(*) AS request_count, "+
			"SUM(CASE WHEN success THEN 1 ELSE 0 END) AS success_count, "+
			"COALESCE(SUM(cost_usd), 0) AS total_cost_usd").
		Where("timestamp >= ? AND account_used <> ?", since, "").
		Group("account_used").
		Scan(&rows).Error
	return rows, err
}

// HealthSnapshot backs GET /health: {status, accounts, timestamp, strategy}.
type HealthSnapshot struct {
	TotalAccounts     int64
	AvailableAccounts int64
}

func (s *StatsRepo) Health(ctx context.Context, nowMs int64) (HealthSnapshot, error) {
	var snap HealthSnapshot
	if err := s.db.WithContext(ctx).Model(&Account{}).Count(&snap.TotalAccounts).Error; err != nil {
		return snap, err
	}
	err := s.db.WithContext(ctx).Model(&Account{}).
		Where("paused = ? AND (rate_limited_until IS NULL OR rate_limited_until < ?)", false, nowMs).
		Count(&snap.AvailableAccounts).Error
	return snap, err
}

// Package store is the embedded relational persistence layer (spec
// §4.1). It owns every row; other components reach it only through the
// repositories below.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/kaelmora/relaygate/internal/config"
)

// Store wraps the GORM handle and exposes one repository per aggregate,
// grounded on internal/database/pool.go's connection-pool management
// and internal/migration/migrator.go's schema-evolution contract.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
	cfg    config.DatabaseConfig

	Accounts          *AccountRepo
	Requests          *RequestRepo
	OAuthSessions     *OAuthSessionRepo
	Strategies        *StrategyRepo
	APIKeys           *APIKeyRepo
	ModelTranslations *ModelTranslationRepo
	AgentPreferences  *AgentPreferenceRepo
	Stats             *StatsRepo
}

// Open creates/evolves the schema and returns a ready Store. Dialect is
// selected by cfg.Driver: "sqlite" (default, pure-Go, embedded file),
// "postgres", or "mysql" — the same Store interface serves any of them
// without semantic change.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*Store, error) {
	dialector, err := dialectorFor(cfg)
	if err != nil {
		return nil, err
	}

	gdb, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("unwrap sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if cfg.Driver == "sqlite" {
		if err := applySQLitePragmas(gdb, cfg); err != nil {
			return nil, fmt.Errorf("apply sqlite pragmas: %w", err)
		}
	}

	m := NewMigrator(gdb, cfg.Driver, logger)
	if err := m.Up(ctx); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	if err := backupBeforeLegacyRewrites(cfg, logger); err != nil {
		return nil, fmt.Errorf("backup before legacy rewrites: %w", err)
	}
	if err := runLegacyRewrites(ctx, gdb, logger); err != nil {
		return nil, fmt.Errorf("run legacy rewrites: %w", err)
	}

	s := &Store{db: gdb, logger: logger.With(zap.String("component", "store")), cfg: cfg}
	retryer := newRetryer(cfg, s.logger)
	s.Accounts = &AccountRepo{db: gdb, retry: retryer}
	s.Requests = &RequestRepo{db: gdb, retry: retryer}
	s.OAuthSessions = &OAuthSessionRepo{db: gdb, retry: retryer}
	s.Strategies = &StrategyRepo{db: gdb, retry: retryer}
	s.APIKeys = &APIKeyRepo{db: gdb, retry: retryer}
	s.ModelTranslations = &ModelTranslationRepo{db: gdb, retry: retryer}
	s.AgentPreferences = &AgentPreferenceRepo{db: gdb, retry: retryer}
	s.Stats = &StatsRepo{db: gdb}

	s.logger.Info("store opened", zap.String("driver", cfg.Driver))
	return s, nil
}

func dialectorFor(cfg config.DatabaseConfig) (gorm.Dialector, error) {
	switch cfg.Driver {
	case "", "sqlite":
		path := cfg.Path
		if path == "" {
			path = "relaygate.db"
		}
		return sqlite.Open(path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"), nil
	case "postgres":
		return postgres.Open(cfg.DSN), nil
	case "mysql":
		return mysql.Open(cfg.DSN), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

func applySQLitePragmas(db *gorm.DB, cfg config.DatabaseConfig) error {
	sync := "FULL"
	if !cfg.SynchronousFull {
		sync = "NORMAL"
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		fmt.Sprintf("PRAGMA synchronous=%s", sync),
		fmt.Sprintf("PRAGMA busy_timeout=%d", cfg.BusyTimeout.Milliseconds()),
	}
	for _, p := range pragmas {
		if err := db.Exec(p).Error; err != nil {
			return err
		}
	}
	return nil
}

// Close performs a truncating checkpoint (sqlite only) before closing
// the underlying connection.
func (s *Store) Close(ctx context.Context) error {
	if s.cfg.Driver == "sqlite" || s.cfg.Driver == "" {
		_ = s.db.WithContext(ctx).Exec("PRAGMA wal_checkpoint(TRUNCATE)").Error
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Optimize runs a checkpoint and refreshes the query planner's stats.
func (s *Store) Optimize(ctx context.Context) error {
	if s.cfg.Driver == "sqlite" || s.cfg.Driver == "" {
		if err := s.db.WithContext(ctx).Exec("PRAGMA wal_checkpoint(PASSIVE)").Error; err != nil {
			return err
		}
		return s.db.WithContext(ctx).Exec("PRAGMA optimize").Error
	}
	return nil
}

// Compact runs a truncating checkpoint followed by VACUUM on sqlite,
// VACUUM on postgres, and OPTIMIZE TABLE over every table on mysql.
func (s *Store) Compact(ctx context.Context) error {
	if s.cfg.Driver == "sqlite" || s.cfg.Driver == "" {
		if err := s.db.WithContext(ctx).Exec("PRAGMA wal_checkpoint(TRUNCATE)").Error; err != nil {
			return err
		}
		return s.db.WithContext(ctx).Exec("VACUUM").Error
	}
	if s.cfg.Driver == "mysql" {
		return s.db.WithContext(ctx).Exec("OPTIMIZE TABLE accounts, oauth_sessions, requests, request_payloads, strategy_configs, api_keys, model_translations, agent_preferences").Error
	}
	return s.db.WithContext(ctx).Exec("VACUUM").Error
}

// CleanupResult reports maintenance counts.
type CleanupResult struct {
	RemovedRequests int64
	RemovedPayloads int64
}

// CleanupOldRequests deletes payloads older than payloadAgeMs,
// optionally deletes request metadata older than requestAgeMs, and
// sweeps orphaned payloads (no parent row) regardless of age.
func (s *Store) CleanupOldRequests(ctx context.Context, payloadAgeMs int64, requestAgeMs *int64) (CleanupResult, error) {
	var res CleanupResult
	payloadCutoff := time.Now().Add(-time.Duration(payloadAgeMs) * time.Millisecond)

	tx := s.db.WithContext(ctx).Where("created_at < ?", payloadCutoff).Delete(&RequestPayload{})
	if tx.Error != nil {
		return res, tx.Error
	}
	res.RemovedPayloads += tx.RowsAffected

	if requestAgeMs != nil {
		requestCutoff := time.Now().Add(-time.Duration(*requestAgeMs) * time.Millisecond)
		tx = s.db.WithContext(ctx).Where("timestamp < ?", requestCutoff).Delete(&Request{})
		if tx.Error != nil {
			return res, tx.Error
		}
		res.RemovedRequests += tx.RowsAffected
	}

	orphanTx := s.db.WithContext(ctx).
		Where("request_id NOT IN (?)", s.db.Model(&Request{}).Select("id")).
		Delete(&RequestPayload{})
	if orphanTx.Error != nil {
		return res, orphanTx.Error
	}
	res.RemovedPayloads += orphanTx.RowsAffected

	return res, nil
}

// DB exposes the underlying handle for components that need a raw
// query (Stats repo's aggregates); never used to bypass retry on writes.
func (s *Store) DB() *gorm.DB { return s.db }

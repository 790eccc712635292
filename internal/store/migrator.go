package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed migrations/sqlite/*.sql
var sqliteMigrations embed.FS

// Migrator wraps golang-migrate for the embedded per-dialect SQL
// files. Only the sqlite dialect carries hand-written migration files
// (it is the default embedded relational store); postgres/mysql evolve
// their schema via gorm.AutoMigrate instead — both dialects serve the
// same Store interface so this split is invisible above the Store
// boundary.
type Migrator struct {
	db     *gorm.DB
	driver string
	logger *zap.Logger
}

func NewMigrator(db *gorm.DB, driver string, logger *zap.Logger) *Migrator {
	return &Migrator{db: db, driver: driver, logger: logger.With(zap.String("component", "store.migrator"))}
}

// Up creates missing tables/indexes and applies every pending
// migration. Idempotent: re-running against an up-to-date schema is a
// no-op (migrate.ErrNoChange is swallowed).
func (m *Migrator) Up(ctx context.Context) error {
	switch m.driver {
	case "", "sqlite":
		return m.upSQLite()
	case "postgres", "mysql":
		return m.autoMigrateModels(ctx)
	default:
		return fmt.Errorf("unsupported driver %q", m.driver)
	}
}

func (m *Migrator) upSQLite() error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return err
	}

	driver, err := sqlite3.WithInstance(sqlDB, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("create sqlite migrate driver: %w", err)
	}

	sub, err := fs.Sub(sqliteMigrations, "migrations/sqlite")
	if err != nil {
		return err
	}
	source, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	mig, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}

	if err := mig.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}

	version, dirty, err := mig.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return err
	}
	m.logger.Info("schema up to date", zap.Uint("version", version), zap.Bool("dirty", dirty))
	return nil
}

// autoMigrateModels evolves the postgres/mysql schema with GORM's
// AutoMigrate.
func (m *Migrator) autoMigrateModels(ctx context.Context) error {
	return m.db.WithContext(ctx).AutoMigrate(
		&Account{}, &OAuthSession{}, &Request{}, &RequestPayload{},
		&StrategyConfig{}, &APIKey{}, &ModelTranslation{}, &AgentPreference{},
	)
}

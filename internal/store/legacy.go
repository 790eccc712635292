package store

import (
	"context"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/kaelmora/relaygate/internal/config"
)

// backupBeforeLegacyRewrites copies the sqlite database file aside
// before runLegacyRewrites touches it, since dropObsoleteTierColumns
// rebuilds the accounts table rather than running a reversible ALTER.
// postgres/mysql have no local file to copy; their operators are
// expected to run their own backup tooling before an upgrade that
// triggers these rewrites.
func backupBeforeLegacyRewrites(cfg config.DatabaseConfig, logger *zap.Logger) error {
	if cfg.Driver != "" && cfg.Driver != "sqlite" {
		return nil
	}

	path := cfg.Path
	if path == "" {
		path = "relaygate.db"
	}

	src, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open database file for backup: %w", err)
	}
	defer src.Close()

	backupPath := fmt.Sprintf("%s.pre-legacy-rewrite.%d.bak", path, time.Now().Unix())
	dst, err := os.OpenFile(backupPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("create backup file: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		os.Remove(backupPath)
		return fmt.Errorf("copy database file to backup: %w", err)
	}

	logger.Info("backed up database before legacy rewrites",
		zap.String("component", "store.legacy"),
		zap.String("source", path),
		zap.String("backup", backupPath))
	return nil
}

// runLegacyRewrites performs the small fixed set of *data*-dependent
// rewrites that golang-migrate's linear up/down SQL files cannot
// express: dropping obsolete tier columns, rewriting legacy auth
// modes, and sanitizing account names. Runs once, inside a single
// transaction, after the schema migration completes.
func runLegacyRewrites(ctx context.Context, db *gorm.DB, logger *zap.Logger) error {
	logger = logger.With(zap.String("component", "store.legacy"))

	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := dropObsoleteTierColumns(tx, logger); err != nil {
			return fmt.Errorf("drop tier columns: %w", err)
		}
		if err := rewriteLegacyMaxMode(tx, logger); err != nil {
			return fmt.Errorf("rewrite legacy mode: %w", err)
		}
		if err := moveRefreshTokenAPIKeys(tx, logger); err != nil {
			return fmt.Errorf("move refresh_token api keys: %w", err)
		}
		if err := sanitizeAccountNames(tx, logger); err != nil {
			return fmt.Errorf("sanitize account names: %w", err)
		}
		return nil
	})
}

// dropObsoleteTierColumns removes the legacy `account_tier`/`tier`
// columns by table-rebuild-and-swap if either is still present.
// Open Question decision (DESIGN.md): priority is authoritative, tier
// is only ever dropped, never migrated into priority.
func dropObsoleteTierColumns(tx *gorm.DB, logger *zap.Logger) error {
	m := tx.Migrator()
	if m.HasColumn(&Account{}, "account_tier") {
		if err := m.DropColumn(&Account{}, "account_tier"); err != nil {
			return err
		}
		logger.Info("dropped legacy column", zap.String("column", "account_tier"))
	}
	if m.HasColumn(&Account{}, "tier") {
		if err := m.DropColumn(&Account{}, "tier"); err != nil {
			return err
		}
		logger.Info("dropped legacy column", zap.String("column", "tier"))
	}
	return nil
}

// rewriteLegacyMaxMode rewrites OAuthSession rows with the obsolete
// mode value "max" to "claude-oauth".
func rewriteLegacyMaxMode(tx *gorm.DB, logger *zap.Logger) error {
	res := tx.Model(&OAuthSession{}).Where("mode = ?", "max").Update("mode", "claude-oauth")
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		logger.Info("rewrote legacy oauth mode", zap.Int64("rows", res.RowsAffected))
	}
	return nil
}

// moveRefreshTokenAPIKeys moves values accidentally persisted in
// refresh_token into api_key for accounts whose auth_type is api_key.
func moveRefreshTokenAPIKeys(tx *gorm.DB, logger *zap.Logger) error {
	var accounts []Account
	if err := tx.Where("auth_type = ? AND refresh_token <> ? AND (api_key IS NULL OR api_key = ?)",
		"api_key", "", "").Find(&accounts).Error; err != nil {
		return err
	}
	for _, a := range accounts {
		if err := tx.Model(&Account{}).Where("id = ?", a.ID).
			Updates(map[string]any{"api_key": a.RefreshToken, "refresh_token": ""}).Error; err != nil {
			return err
		}
	}
	if len(accounts) > 0 {
		logger.Info("moved refresh_token values into api_key", zap.Int("rows", len(accounts)))
	}
	return nil
}

var (
	validAccountName = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	invalidNameChar  = regexp.MustCompile(`[^A-Za-z0-9_-]`)
)

// sanitizeAccountNames rewrites account names to [A-Za-z0-9_-]+,
// de-duplicating collisions by numeric suffix.
func sanitizeAccountNames(tx *gorm.DB, logger *zap.Logger) error {
	var accounts []Account
	if err := tx.Find(&accounts).Error; err != nil {
		return err
	}

	existing := make(map[string]bool, len(accounts))
	for _, a := range accounts {
		existing[a.Name] = true
	}

	renamed := 0
	for _, a := range accounts {
		if validAccountName.MatchString(a.Name) {
			continue
		}
		base := invalidNameChar.ReplaceAllString(a.Name, "_")
		if base == "" {
			base = "account"
		}
		candidate := base
		suffix := 1
		for existing[candidate] {
			candidate = fmt.Sprintf("%s_%d", base, suffix)
			suffix++
		}
		existing[candidate] = true
		delete(existing, a.Name)

		if err := tx.Model(&Account{}).Where("id = ?", a.ID).Update("name", candidate).Error; err != nil {
			return err
		}
		renamed++
	}
	if renamed > 0 {
		logger.Info("sanitized account names", zap.Int("rows", renamed))
	}
	return nil
}

// normalizeWhitespace trims surrounding whitespace. Nothing in the
// repository calls it.
func normalizeWhitespace(s string) string {
	return strings.TrimSpace(s)
}

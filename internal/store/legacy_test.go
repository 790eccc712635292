package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kaelmora/relaygate/internal/config"
)

func TestBackupBeforeLegacyRewrites_CopiesExistingSQLiteFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relaygate.db")
	require.NoError(t, os.WriteFile(path, []byte("not a real sqlite file, just bytes to copy"), 0o600))

	cfg := config.DefaultDatabaseConfig()
	cfg.Path = path

	require.NoError(t, backupBeforeLegacyRewrites(cfg, zap.NewNop()))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	found := false
	for _, e := range entries {
		if e.Name() != "relaygate.db" {
			found = true
		}
	}
	assert.True(t, found, "expected a .pre-legacy-rewrite.<unix>.bak file alongside the original")
}

func TestBackupBeforeLegacyRewrites_NoopWhenFileDoesNotExist(t *testing.T) {
	cfg := config.DefaultDatabaseConfig()
	cfg.Path = filepath.Join(t.TempDir(), "does-not-exist.db")

	require.NoError(t, backupBeforeLegacyRewrites(cfg, zap.NewNop()))

	entries, err := os.ReadDir(filepath.Dir(cfg.Path))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestBackupBeforeLegacyRewrites_NoopForPostgresAndMySQL(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relaygate.db")
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o600))

	for _, driver := range []string{"postgres", "mysql"} {
		cfg := config.DefaultDatabaseConfig()
		cfg.Path = path
		cfg.Driver = driver
		require.NoError(t, backupBeforeLegacyRewrites(cfg, zap.NewNop()))
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "postgres/mysql have no local file to copy")
}

func TestRunLegacyRewrites_DropsObsoleteTierColumns(t *testing.T) {
	gdb := openRawSQLite(t, filepath.Join(t.TempDir(), "tier.db"))
	require.NoError(t, gdb.AutoMigrate(&Account{}))
	require.NoError(t, gdb.Exec("ALTER TABLE accounts ADD COLUMN account_tier TEXT").Error)
	require.NoError(t, gdb.Exec("ALTER TABLE accounts ADD COLUMN tier TEXT").Error)

	require.NoError(t, runLegacyRewrites(context.Background(), gdb, zap.NewNop()))

	assert.False(t, gdb.Migrator().HasColumn(&Account{}, "account_tier"))
	assert.False(t, gdb.Migrator().HasColumn(&Account{}, "tier"))
}

func TestRunLegacyRewrites_RewritesLegacyMaxMode(t *testing.T) {
	gdb := openRawSQLite(t, filepath.Join(t.TempDir(), "mode.db"))
	require.NoError(t, gdb.AutoMigrate(&Account{}, &OAuthSession{}))
	require.NoError(t, gdb.Create(&OAuthSession{
		ID: "sess-1", AccountName: "acct-1", PKCEVerifier: "v", Mode: "max",
		CreatedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour),
	}).Error)

	require.NoError(t, runLegacyRewrites(context.Background(), gdb, zap.NewNop()))

	var sess OAuthSession
	require.NoError(t, gdb.First(&sess, "id = ?", "sess-1").Error)
	assert.Equal(t, "claude-oauth", sess.Mode)
}

func TestRunLegacyRewrites_MovesRefreshTokenIntoAPIKeyForAPIKeyAccounts(t *testing.T) {
	gdb := openRawSQLite(t, filepath.Join(t.TempDir(), "movekey.db"))
	require.NoError(t, gdb.AutoMigrate(&Account{}))
	require.NoError(t, gdb.Create(&Account{
		ID: "a1", Name: "a1", Provider: "anthropic", AuthType: "api_key",
		RefreshToken: "sk-ant-leaked", CreatedAt: time.Now(),
	}).Error)

	require.NoError(t, runLegacyRewrites(context.Background(), gdb, zap.NewNop()))

	var acct Account
	require.NoError(t, gdb.First(&acct, "id = ?", "a1").Error)
	assert.Equal(t, "sk-ant-leaked", acct.APIKey)
	assert.Empty(t, acct.RefreshToken)
}

func TestRunLegacyRewrites_MovesRefreshTokenLeavesOAuthAccountsAlone(t *testing.T) {
	gdb := openRawSQLite(t, filepath.Join(t.TempDir(), "leaveoauth.db"))
	require.NoError(t, gdb.AutoMigrate(&Account{}))
	require.NoError(t, gdb.Create(&Account{
		ID: "a1", Name: "a1", Provider: "anthropic", AuthType: "oauth",
		RefreshToken: "real-refresh-token", CreatedAt: time.Now(),
	}).Error)

	require.NoError(t, runLegacyRewrites(context.Background(), gdb, zap.NewNop()))

	var acct Account
	require.NoError(t, gdb.First(&acct, "id = ?", "a1").Error)
	assert.Equal(t, "real-refresh-token", acct.RefreshToken)
	assert.Empty(t, acct.APIKey)
}

func TestRunLegacyRewrites_SanitizesAccountNamesDeduplicatingBySuffix(t *testing.T) {
	gdb := openRawSQLite(t, filepath.Join(t.TempDir(), "names.db"))
	require.NoError(t, gdb.AutoMigrate(&Account{}))
	require.NoError(t, gdb.Create(&Account{ID: "a1", Name: "work account!", Provider: "anthropic", AuthType: "oauth", CreatedAt: time.Now()}).Error)
	require.NoError(t, gdb.Create(&Account{ID: "a2", Name: "work account@", Provider: "anthropic", AuthType: "oauth", CreatedAt: time.Now()}).Error)
	require.NoError(t, gdb.Create(&Account{ID: "a3", Name: "clean-name_1", Provider: "anthropic", AuthType: "oauth", CreatedAt: time.Now()}).Error)

	require.NoError(t, runLegacyRewrites(context.Background(), gdb, zap.NewNop()))

	var accts []Account
	require.NoError(t, gdb.Order("id").Find(&accts).Error)
	names := map[string]string{}
	for _, a := range accts {
		names[a.ID] = a.Name
		assert.Regexp(t, `^[A-Za-z0-9_-]+$`, a.Name)
	}
	assert.NotEqual(t, names["a1"], names["a2"], "colliding sanitized names must be de-duplicated")
	assert.Equal(t, "clean-name_1", names["a3"], "already-valid names are left untouched")
}

func TestRunLegacyRewrites_IsIdempotentOnAlreadyCleanSchema(t *testing.T) {
	gdb := openRawSQLite(t, filepath.Join(t.TempDir(), "idempotent.db"))
	require.NoError(t, gdb.AutoMigrate(&Account{}, &OAuthSession{}))
	require.NoError(t, gdb.Create(&Account{ID: "a1", Name: "clean-name", Provider: "anthropic", AuthType: "oauth", CreatedAt: time.Now()}).Error)

	require.NoError(t, runLegacyRewrites(context.Background(), gdb, zap.NewNop()))
	require.NoError(t, runLegacyRewrites(context.Background(), gdb, zap.NewNop()))

	var acct Account
	require.NoError(t, gdb.First(&acct, "id = ?", "a1").Error)
	assert.Equal(t, "clean-name", acct.Name)
}

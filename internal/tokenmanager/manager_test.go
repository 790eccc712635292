package tokenmanager

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/kaelmora/relaygate/internal/config"
	"github.com/kaelmora/relaygate/internal/ratelimit"
	"github.com/kaelmora/relaygate/internal/store"
)

func TestGeneratePKCE_ChallengeDerivesFromVerifier(t *testing.T) {
	v1, c1, err := generatePKCE()
	require.NoError(t, err)
	v2, c2, err := generatePKCE()
	require.NoError(t, err)

	assert.NotEmpty(t, v1)
	assert.NotEmpty(t, c1)
	assert.NotEqual(t, v1, v2, "verifiers must be random per call")
	assert.NotEqual(t, c1, c2)
	sum := sha256.Sum256([]byte(v1))
	assert.Equal(t, base64.RawURLEncoding.EncodeToString(sum[:]), c1)
}

func TestNeedsRefresh(t *testing.T) {
	now := time.Now()
	soon := now.Add(10 * time.Second).UnixMilli()
	far := now.Add(time.Hour).UnixMilli()

	assert.True(t, needsRefresh(&store.Account{ExpiresAt: &soon}, 30*time.Second))
	assert.False(t, needsRefresh(&store.Account{ExpiresAt: &far}, 30*time.Second))
	assert.False(t, needsRefresh(&store.Account{ExpiresAt: nil}, 30*time.Second))
}

func TestSSEReconnectToken_RoundTrip(t *testing.T) {
	cfg := config.DefaultTokenManagerConfig()
	cfg.SessionJWTSecret = "test-secret-at-least-this-long-please"
	m := &Manager{cfg: cfg}

	token, err := m.IssueSSEReconnectToken("acct-1", "req-1")
	require.NoError(t, err)

	accountID, requestID, err := m.VerifySSEReconnectToken(token)
	require.NoError(t, err)
	assert.Equal(t, "acct-1", accountID)
	assert.Equal(t, "req-1", requestID)
}

func newManagerHarness(t *testing.T) (*Manager, *store.Store) {
	t.Helper()
	dbCfg := config.DefaultDatabaseConfig()
	dbCfg.Path = filepath.Join(t.TempDir(), "tokenmanager_test.db")
	st, err := store.Open(context.Background(), dbCfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close(context.Background()) })

	tokenCfg := config.DefaultTokenManagerConfig()
	rateCfg := config.DefaultRateLimitConfig()
	limiter := ratelimit.New(st, rateCfg, tokenCfg, zap.NewNop())
	m := New(st, limiter, tokenCfg, zap.NewNop())
	return m, st
}

func TestCompleteConsoleSession_CreatesAPIKeyAccountNoTokens(t *testing.T) {
	apiServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-access-token", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(createAPIKeyResponse{RawKey: "sk-ant-minted-key"})
	}))
	defer apiServer.Close()

	m, st := newManagerHarness(t)
	m.consoleAPIKeyURL = apiServer.URL

	sess := &store.OAuthSession{AccountName: "console-acct", Mode: "console"}
	account, err := m.completeConsoleSession(context.Background(), context.Background(), sess, "sess-1", "test-access-token", nil, gorm.ErrRecordNotFound)
	require.NoError(t, err)

	assert.Equal(t, "api_key", account.AuthType)
	assert.Equal(t, "sk-ant-minted-key", account.APIKey)
	assert.Empty(t, account.AccessToken)
	assert.Empty(t, account.RefreshToken)
	assert.Nil(t, account.ExpiresAt)

	stored, err := st.Accounts.GetByName(context.Background(), "console-acct")
	require.NoError(t, err)
	assert.Equal(t, "api_key", stored.AuthType)
	assert.Equal(t, "sk-ant-minted-key", stored.APIKey)
}

func TestCompleteConsoleSession_ReauthClearsStaleOAuthTokens(t *testing.T) {
	apiServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(createAPIKeyResponse{RawKey: "sk-ant-rotated-key"})
	}))
	defer apiServer.Close()

	m, st := newManagerHarness(t)
	m.consoleAPIKeyURL = apiServer.URL

	expires := time.Now().Add(time.Hour).UnixMilli()
	existing := &store.Account{
		ID: "acct-old", Name: "console-acct", Provider: "anthropic", AuthType: "oauth",
		AccessToken: "stale-access", RefreshToken: "stale-refresh", ExpiresAt: &expires,
	}
	require.NoError(t, st.Accounts.Create(context.Background(), existing))

	sess := &store.OAuthSession{AccountName: "console-acct", Mode: "console"}
	account, err := m.completeConsoleSession(context.Background(), context.Background(), sess, "sess-2", "test-access-token", existing, nil)
	require.NoError(t, err)

	assert.Equal(t, "api_key", account.AuthType)
	assert.Equal(t, "sk-ant-rotated-key", account.APIKey)
	assert.Empty(t, account.AccessToken)
	assert.Empty(t, account.RefreshToken)

	stored, err := st.Accounts.Get(context.Background(), "acct-old")
	require.NoError(t, err)
	assert.Equal(t, "sk-ant-rotated-key", stored.APIKey)
	assert.Empty(t, stored.AccessToken)
	assert.Empty(t, stored.RefreshToken)
}

func TestCreateConsoleAPIKey_PropagatesUpstreamFailure(t *testing.T) {
	apiServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer apiServer.Close()

	m, _ := newManagerHarness(t)
	m.consoleAPIKeyURL = apiServer.URL

	_, err := m.createConsoleAPIKey(context.Background(), "test-access-token")
	assert.Error(t, err)
}

func TestSSEReconnectToken_RejectsTampered(t *testing.T) {
	cfg := config.DefaultTokenManagerConfig()
	cfg.SessionJWTSecret = "test-secret-at-least-this-long-please"
	m := &Manager{cfg: cfg}

	token, err := m.IssueSSEReconnectToken("acct-1", "req-1")
	require.NoError(t, err)

	_, _, err = m.VerifySSEReconnectToken(token + "tampered")
	assert.Error(t, err)
}

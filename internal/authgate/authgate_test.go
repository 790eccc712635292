package authgate

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kaelmora/relaygate/internal/config"
	"github.com/kaelmora/relaygate/internal/ctxkeys"
	"github.com/kaelmora/relaygate/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	cfg := config.DefaultDatabaseConfig()
	cfg.Path = filepath.Join(t.TempDir(), "authgate_test.db")
	st, err := store.Open(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close(context.Background()) })
	return st
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestGate_NoKeysConfigured_AllowsThrough(t *testing.T) {
	st := newTestStore(t)
	g := New(st, nil, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/api/accounts", nil)
	rec := httptest.NewRecorder()
	g.Middleware(okHandler()).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGate_MissingKey_Rejected(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.APIKeys.Create(context.Background(), &store.APIKey{
		ID: "k1", Name: "k1", HashedKey: HashKey("secret"), Role: "admin", IsActive: true,
	}))
	g := New(st, nil, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/api/accounts", nil)
	rec := httptest.NewRecorder()
	g.Middleware(okHandler()).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGate_ValidKey_AttachesContextAndAllows(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.APIKeys.Create(context.Background(), &store.APIKey{
		ID: "k1", Name: "k1", HashedKey: HashKey("secret"), Role: "admin", IsActive: true,
	}))
	g := New(st, nil, zap.NewNop())

	var gotRole string
	var gotID string
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRole, _ = ctxkeys.Role(r.Context())
		gotID, _ = ctxkeys.APIKeyID(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/accounts", nil)
	req.Header.Set("x-api-key", "secret")
	rec := httptest.NewRecorder()
	g.Middleware(h).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "admin", gotRole)
	assert.Equal(t, "k1", gotID)
}

func TestGate_APIOnlyRole_RestrictedToProxyEndpoints(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.APIKeys.Create(context.Background(), &store.APIKey{
		ID: "k1", Name: "k1", HashedKey: HashKey("secret"), Role: "api-only", IsActive: true,
	}))
	g := New(st, nil, zap.NewNop())

	proxyReq := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	proxyReq.Header.Set("x-api-key", "secret")
	rec := httptest.NewRecorder()
	g.Middleware(okHandler()).ServeHTTP(rec, proxyReq)
	assert.Equal(t, http.StatusOK, rec.Code)

	adminReq := httptest.NewRequest(http.MethodGet, "/api/accounts", nil)
	adminReq.Header.Set("x-api-key", "secret")
	rec2 := httptest.NewRecorder()
	g.Middleware(okHandler()).ServeHTTP(rec2, adminReq)
	assert.Equal(t, http.StatusForbidden, rec2.Code)
}

func TestGate_ExemptPathsBypassAuth(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.APIKeys.Create(context.Background(), &store.APIKey{
		ID: "k1", Name: "k1", HashedKey: HashKey("secret"), Role: "admin", IsActive: true,
	}))
	g := New(st, nil, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	g.Middleware(okHandler()).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGate_BearerAuthorizationHeaderAccepted(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.APIKeys.Create(context.Background(), &store.APIKey{
		ID: "k1", Name: "k1", HashedKey: HashKey("secret"), Role: "admin", IsActive: true,
	}))
	g := New(st, nil, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/api/accounts", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	g.Middleware(okHandler()).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

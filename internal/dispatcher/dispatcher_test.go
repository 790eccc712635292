package dispatcher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kaelmora/relaygate/internal/config"
	"github.com/kaelmora/relaygate/internal/eventbus"
	"github.com/kaelmora/relaygate/internal/pricing"
	"github.com/kaelmora/relaygate/internal/providers"
	"github.com/kaelmora/relaygate/internal/ratelimit"
	"github.com/kaelmora/relaygate/internal/store"
	"github.com/kaelmora/relaygate/internal/strategy"
	"github.com/kaelmora/relaygate/internal/tokenmanager"
)

func newHarness(t *testing.T) (*Dispatcher, *store.Store) {
	t.Helper()
	dbCfg := config.DefaultDatabaseConfig()
	dbCfg.Path = filepath.Join(t.TempDir(), "dispatcher_test.db")
	st, err := store.Open(context.Background(), dbCfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close(context.Background()) })

	tokenCfg := config.DefaultTokenManagerConfig()
	rateCfg := config.DefaultRateLimitConfig()
	limiter := ratelimit.New(st, rateCfg, tokenCfg, zap.NewNop())
	tokens := tokenmanager.New(st, limiter, tokenCfg, zap.NewNop())
	eng := strategy.New(st, 0, zap.NewNop())
	catalog := pricing.New(config.DefaultPricingConfig(), zap.NewNop())
	registry := providers.BuildRegistry()
	events := eventbus.New(8, 16, eventbus.NewLogsBus(8, 16, zap.NewNop()), eventbus.NewLogHistory(50), zap.NewNop())

	cfg := config.DefaultDispatcherConfig()
	d := New(st, eng, tokens, limiter, registry, catalog, events, cfg, zap.NewNop())
	return d, st
}

func seedAccount(t *testing.T, st *store.Store, endpoint string) store.Account {
	t.Helper()
	a := store.Account{
		ID:       "acct-1",
		Name:     "acct-1",
		Provider: "claude-console",
		AuthType: "api_key",
		APIKey:   "test-key",
		CustomEndpoint: endpoint,
		Priority: 1,
	}
	require.NoError(t, st.Accounts.Create(context.Background(), &a))
	return a
}

func doDispatch(d *Dispatcher, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body))
	rec := httptest.NewRecorder()
	d.Dispatch(context.Background(), rec, req, RequestMeta{
		Method: http.MethodPost,
		Path:   "/v1/messages",
		Model:  "claude-3-5-sonnet-20241022",
	})
	return rec
}

func TestDispatch_SuccessStreamsUpstreamBodyAndFinalizesRow(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"type":"message","usage":{"input_tokens":10,"output_tokens":5}}`))
	}))
	defer upstream.Close()

	d, st := newHarness(t)
	seedAccount(t, st, upstream.URL)

	rec := doDispatch(d, `{"model":"claude-3-5-sonnet-20241022","messages":[]}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "message", body["type"])
}

func TestDispatch_MissingUsageFallsBackToTiktokenEstimate(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"type":"message","content":[{"type":"text","text":"hello there, friend"}]}`))
	}))
	defer upstream.Close()

	d, st := newHarness(t)
	seedAccount(t, st, upstream.URL)

	rec := doDispatch(d, `{"model":"claude-3-5-sonnet-20241022","messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rows, err := st.Requests.List(context.Background(), 1, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Greater(t, *rows[0].InputTokens, int64(0), "input tokens should be estimated when upstream omits usage")
	assert.Greater(t, *rows[0].OutputTokens, int64(0), "output tokens should be estimated when upstream omits usage")
}

func TestDispatch_NoAccountsReturns503(t *testing.T) {
	d, _ := newHarness(t)
	rec := doDispatch(d, `{"model":"claude-3-5-sonnet-20241022"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestDispatch_UpstreamClientErrorPassesThroughWithoutFailover(t *testing.T) {
	var hits int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"bad request"}`))
	}))
	defer upstream.Close()

	d, st := newHarness(t)
	seedAccount(t, st, upstream.URL)

	rec := doDispatch(d, `{"model":"claude-3-5-sonnet-20241022"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestDispatch_RewritesModelFieldPerAccountMapping(t *testing.T) {
	var gotModel string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var decoded map[string]any
		_ = json.NewDecoder(r.Body).Decode(&decoded)
		gotModel, _ = decoded["model"].(string)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"type":"message"}`))
	}))
	defer upstream.Close()

	d, st := newHarness(t)
	a := seedAccount(t, st, upstream.URL)
	require.NoError(t, st.Accounts.SetModelMappings(context.Background(), a.ID, `{"sonnet":"claude-3-haiku-remapped"}`))

	rec := doDispatch(d, `{"model":"claude-3-5-sonnet-20241022"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "claude-3-haiku-remapped", gotModel)
}

package tokenmanager

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/kaelmora/relaygate/internal/config"
	"github.com/kaelmora/relaygate/internal/metrics"
	"github.com/kaelmora/relaygate/internal/ratelimit"
	"github.com/kaelmora/relaygate/internal/relayerr"
	"github.com/kaelmora/relaygate/internal/store"
	"github.com/kaelmora/relaygate/internal/tlsutil"
)

// claudeOAuthEndpoint is Anthropic's console OAuth endpoint, used for
// the claude-oauth account mode. It is not an OIDC
// discovery document: no issuer metadata endpoint is published, which
// is why internal/tokenmanager hand-builds an oauth2.Config rather
// than using an OIDC discovery client (see DESIGN.md dropped-deps).
var claudeOAuthEndpoint = oauth2.Endpoint{
	AuthURL:  "https://console.anthropic.com/oauth/authorize",
	TokenURL: "https://console.anthropic.com/oauth/token",
}

// consoleAPIKeyEndpoint mints a scoped API key from an access token that
// carries the org:create_api_key scope. Only the console account mode
// calls it; claude-oauth mode keeps the token pair itself and never
// touches this endpoint.
const consoleAPIKeyEndpoint = "https://api.anthropic.com/api/oauth/claude_cli/create_api_key"

type createAPIKeyResponse struct {
	RawKey string `json:"raw_key"`
}

// TokenRefreshError wraps a failed refresh attempt with the account it
// applies to, so callers can decide whether to pause the account.
type TokenRefreshError struct {
	AccountID string
	Cause     error
}

func (e *TokenRefreshError) Error() string {
	return fmt.Sprintf("refreshing token for account %s: %v", e.AccountID, e.Cause)
}

func (e *TokenRefreshError) Unwrap() error { return e.Cause }

// Manager owns PKCE sessions and access-token refresh, coalescing
// concurrent refreshes for the same account through a singleflight
// group keyed by account id.
type Manager struct {
	store   *store.Store
	limiter *ratelimit.Tracker
	logger  *zap.Logger
	cfg     config.TokenManagerConfig

	oauthCfg   *oauth2.Config
	httpClient *http.Client
	refresh    singleflight.Group

	// consoleAPIKeyURL overrides consoleAPIKeyEndpoint; tests point it at
	// an httptest server. Empty means use the real endpoint.
	consoleAPIKeyURL string

	metrics *metrics.Collector
}

// SetMetrics attaches a Prometheus collector. Optional; nil is a no-op.
func (m *Manager) SetMetrics(c *metrics.Collector) {
	m.metrics = c
}

func New(st *store.Store, limiter *ratelimit.Tracker, cfg config.TokenManagerConfig, logger *zap.Logger) *Manager {
	return &Manager{
		store:   st,
		limiter: limiter,
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "tokenmanager")),
		oauthCfg: &oauth2.Config{
			ClientID: cfg.ClientID,
			Endpoint: claudeOAuthEndpoint,
			Scopes:   []string{"org:create_api_key", "user:profile", "user:inference"},
		},
		httpClient: tlsutil.SecureHTTPClient(cfg.ExchangeTimeout),
	}
}

// BeginSession starts a PKCE authorization-code flow for a new or
// re-authenticating account, persisting the verifier for the callback.
func (m *Manager) BeginSession(ctx context.Context, accountName, mode, customEndpoint, redirectURL string) (authURL string, sessionID string, err error) {
	verifier, challenge, err := generatePKCE()
	if err != nil {
		return "", "", fmt.Errorf("generating pkce: %w", err)
	}
	sessionID, err = randomSessionID()
	if err != nil {
		return "", "", fmt.Errorf("generating session id: %w", err)
	}

	sess := &store.OAuthSession{
		ID:             sessionID,
		AccountName:    accountName,
		PKCEVerifier:   verifier,
		Mode:           mode,
		CustomEndpoint: customEndpoint,
		CreatedAt:      time.Now(),
		ExpiresAt:      time.Now().Add(m.cfg.OAuthSessionTTL),
	}
	if err := m.store.OAuthSessions.Create(ctx, sess); err != nil {
		return "", "", fmt.Errorf("persisting oauth session: %w", err)
	}

	cfg := *m.oauthCfg
	cfg.RedirectURL = redirectURL
	authURL = cfg.AuthCodeURL(sessionID,
		oauth2.SetAuthURLParam("code_challenge", challenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)
	return authURL, sessionID, nil
}

// CompleteSession exchanges the authorization code for tokens and
// creates (or re-authenticates) the Account row.
func (m *Manager) CompleteSession(ctx context.Context, sessionID, code, redirectURL string) (*store.Account, error) {
	sess, err := m.store.OAuthSessions.Get(ctx, sessionID)
	if err != nil {
		return nil, relayerr.New(relayerr.CodeNotFound, "oauth session not found or expired").WithCause(err)
	}
	defer func() { _ = m.store.OAuthSessions.Delete(ctx, sessionID) }()

	if time.Now().After(sess.ExpiresAt) {
		return nil, relayerr.New(relayerr.CodeValidation, "oauth session expired")
	}

	exchangeCtx, cancel := context.WithTimeout(ctx, m.cfg.ExchangeTimeout)
	defer cancel()
	exchangeCtx = context.WithValue(exchangeCtx, oauth2.HTTPClient, m.httpClient)

	cfg := *m.oauthCfg
	cfg.RedirectURL = redirectURL
	tok, err := cfg.Exchange(exchangeCtx, code,
		oauth2.SetAuthURLParam("code_verifier", sess.PKCEVerifier))
	if err != nil {
		return nil, relayerr.New(relayerr.CodeOAuth, "code exchange failed").WithCause(err).WithRetryable(true)
	}

	existing, getErr := m.store.Accounts.GetByName(ctx, sess.AccountName)

	if sess.Mode == "console" {
		return m.completeConsoleSession(ctx, exchangeCtx, sess, sessionID, tok.AccessToken, existing, getErr)
	}
	return m.completeOAuthSession(ctx, sess, sessionID, tok, existing, getErr)
}

// completeOAuthSession finishes a claude-oauth session: the account
// keeps the token pair itself and EnsureFresh refreshes it later.
func (m *Manager) completeOAuthSession(ctx context.Context, sess *store.OAuthSession, sessionID string, tok *oauth2.Token, existing *store.Account, getErr error) (*store.Account, error) {
	expiresAt := tok.Expiry.UnixMilli()
	if getErr == nil {
		if err := m.store.Accounts.UpdateTokens(ctx, existing.ID, tok.AccessToken, tok.RefreshToken, expiresAt); err != nil {
			return nil, fmt.Errorf("updating account tokens: %w", err)
		}
		existing.AccessToken = tok.AccessToken
		if tok.RefreshToken != "" {
			existing.RefreshToken = tok.RefreshToken
		}
		existing.ExpiresAt = &expiresAt
		return existing, nil
	}

	account := &store.Account{
		ID:                  sessionID,
		Name:                sess.AccountName,
		Provider:            "anthropic",
		AuthType:            "oauth",
		AccessToken:         tok.AccessToken,
		RefreshToken:        tok.RefreshToken,
		ExpiresAt:           &expiresAt,
		CreatedAt:           time.Now(),
		CustomEndpoint:      sess.CustomEndpoint,
		AutoFallbackEnabled: true,
		AutoRefreshEnabled:  true,
	}
	if err := m.store.Accounts.Create(ctx, account); err != nil {
		return nil, fmt.Errorf("creating account: %w", err)
	}
	return account, nil
}

// completeConsoleSession finishes a console session: the short-lived
// access token is exchanged once more for a long-lived API key, and
// neither token is retained afterward — EnsureFresh never runs against
// an AuthType "api_key" account.
func (m *Manager) completeConsoleSession(ctx, exchangeCtx context.Context, sess *store.OAuthSession, sessionID, accessToken string, existing *store.Account, getErr error) (*store.Account, error) {
	apiKey, err := m.createConsoleAPIKey(exchangeCtx, accessToken)
	if err != nil {
		return nil, relayerr.New(relayerr.CodeOAuth, "issuing console api key failed").WithCause(err).WithRetryable(true)
	}

	if getErr == nil {
		if err := m.store.Accounts.SetAPIKey(ctx, existing.ID, apiKey); err != nil {
			return nil, fmt.Errorf("updating account api key: %w", err)
		}
		existing.APIKey = apiKey
		existing.AuthType = "api_key"
		existing.AccessToken = ""
		existing.RefreshToken = ""
		existing.ExpiresAt = nil
		return existing, nil
	}

	account := &store.Account{
		ID:                  sessionID,
		Name:                sess.AccountName,
		Provider:            "anthropic",
		AuthType:            "api_key",
		APIKey:              apiKey,
		CreatedAt:           time.Now(),
		CustomEndpoint:      sess.CustomEndpoint,
		AutoFallbackEnabled: true,
		AutoRefreshEnabled:  true,
	}
	if err := m.store.Accounts.Create(ctx, account); err != nil {
		return nil, fmt.Errorf("creating account: %w", err)
	}
	return account, nil
}

// createConsoleAPIKey calls consoleAPIKeyEndpoint (or consoleAPIKeyURL
// if a test has overridden it) with the session's access token and
// returns the minted key.
func (m *Manager) createConsoleAPIKey(ctx context.Context, accessToken string) (string, error) {
	url := m.consoleAPIKeyURL
	if url == "" {
		url = consoleAPIKeyEndpoint
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return "", fmt.Errorf("building create_api_key request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling create_api_key: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("create_api_key returned status %d", resp.StatusCode)
	}

	var out createAPIKeyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding create_api_key response: %w", err)
	}
	if out.RawKey == "" {
		return "", fmt.Errorf("create_api_key response missing raw_key")
	}
	return out.RawKey, nil
}

// needsRefresh reports whether a.ExpiresAt is within skew of now, or
// already past.
func needsRefresh(a *store.Account, skew time.Duration) bool {
	if a.ExpiresAt == nil {
		return false
	}
	expiry := time.UnixMilli(*a.ExpiresAt)
	return time.Now().Add(skew).After(expiry)
}

// EnsureFresh refreshes a's access token if it is within the configured
// skew of expiry, coalescing concurrent callers for the same account
//. It mutates and returns the same *Account on success.
func (m *Manager) EnsureFresh(ctx context.Context, a *store.Account) (*store.Account, error) {
	if a.AuthType != "oauth" || !a.AutoRefreshEnabled {
		return a, nil
	}
	if !needsRefresh(a, m.cfg.RefreshSkew) {
		return a, nil
	}

	refreshStart := time.Now()
	v, err, _ := m.refresh.Do(a.ID, func() (any, error) {
		if err := m.limiter.WaitForRefreshSlot(ctx); err != nil {
			return nil, err
		}
		exchangeCtx, cancel := context.WithTimeout(ctx, m.cfg.ExchangeTimeout)
		defer cancel()
		exchangeCtx = context.WithValue(exchangeCtx, oauth2.HTTPClient, m.httpClient)

		src := m.oauthCfg.TokenSource(exchangeCtx, &oauth2.Token{RefreshToken: a.RefreshToken})
		tok, err := src.Token()
		if err != nil {
			return nil, &TokenRefreshError{AccountID: a.ID, Cause: err}
		}

		expiresAt := tok.Expiry.UnixMilli()
		if err := m.store.Accounts.UpdateTokens(ctx, a.ID, tok.AccessToken, tok.RefreshToken, expiresAt); err != nil {
			return nil, fmt.Errorf("persisting refreshed token: %w", err)
		}
		m.logger.Info("refreshed access token", zap.String("account_id", a.ID))
		return tok, nil
	})
	if err != nil {
		if m.metrics != nil {
			m.metrics.RecordTokenRefresh(a.ID, "failure", time.Since(refreshStart))
		}
		return nil, err
	}
	if m.metrics != nil {
		m.metrics.RecordTokenRefresh(a.ID, "success", time.Since(refreshStart))
	}

	tok := v.(*oauth2.Token)
	a.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		a.RefreshToken = tok.RefreshToken
	}
	expiresAt := tok.Expiry.UnixMilli()
	a.ExpiresAt = &expiresAt
	return a, nil
}

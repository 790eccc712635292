package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kaelmora/relaygate/internal/authgate"
	"github.com/kaelmora/relaygate/internal/dispatcher"
	"github.com/kaelmora/relaygate/internal/relayerr"
	"github.com/kaelmora/relaygate/internal/store"
	"github.com/kaelmora/relaygate/internal/strategy"
	"github.com/kaelmora/relaygate/internal/validation"
)

type handlers struct {
	d Deps
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError logs the error (with its Context redacted before it ever
// reaches the log sink) and writes the client-facing JSON envelope,
// which never includes Context at all.
func (h *handlers) writeError(w http.ResponseWriter, err *relayerr.Error) {
	if ctx := relayerr.Redacted(err.Context); ctx != nil {
		h.d.Logger.Warn("request failed", zap.String("code", string(err.Code)), zap.String("message", err.Message),
			zap.Any("context", ctx), zap.Error(err.Cause))
	} else {
		h.d.Logger.Warn("request failed", zap.String("code", string(err.Code)), zap.String("message", err.Message), zap.Error(err.Cause))
	}
	writeJSON(w, err.HTTPStatus, map[string]any{"error": map[string]any{"code": err.Code, "message": err.Message}})
}

// proxy forwards the inbound Anthropic-style request to the
// Dispatcher, the one handler that is not itself the boundary where
// error-to-status translation happens — the Dispatcher has already
// written the client response by the time this returns.
func (h *handlers) proxy() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.d.Dispatcher.Dispatch(r.Context(), w, r, dispatcher.RequestMeta{
			Method: r.Method,
			Path:   r.URL.Path,
			Model:  r.URL.Query().Get("model"),
		})
	}
}

// health backs GET /health, reporting status, account counts,
// timestamp, and active strategy.
func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	snap, err := h.d.Store.Stats.Health(r.Context(), time.Now().UnixMilli())
	if err != nil {
		h.writeError(w, relayerr.New(relayerr.CodeInternal, "failed to compute health snapshot").WithCause(err))
		return
	}
	status := "healthy"
	if snap.AvailableAccounts == 0 {
		status = "unhealthy"
	} else if snap.AvailableAccounts < snap.TotalAccounts {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    status,
		"accounts":  map[string]any{"total": snap.TotalAccounts, "available": snap.AvailableAccounts},
		"timestamp": time.Now().UTC(),
		"strategy":  string(strategy.Weighted),
	})
}

func (h *handlers) listAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.d.Store.Accounts.ListAll(r.Context())
	if err != nil {
		h.writeError(w, relayerr.New(relayerr.CodeInternal, "failed to list accounts").WithCause(err))
		return
	}
	for i := range accounts {
		accounts[i].AccessToken = ""
		accounts[i].RefreshToken = ""
		accounts[i].APIKey = ""
	}
	writeJSON(w, http.StatusOK, accounts)
}

type createAccountRequest struct {
	Name           string `json:"name"`
	Provider       string `json:"provider"`
	AuthType       string `json:"auth_type"`
	APIKey         string `json:"api_key,omitempty"`
	CustomEndpoint string `json:"custom_endpoint,omitempty"`
	Priority       int    `json:"priority"`
}

func (h *handlers) createAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, relayerr.New(relayerr.CodeValidation, "malformed request body").WithCause(err))
		return
	}
	if verr := validation.AccountName("name", req.Name); verr != nil {
		h.writeError(w, relayerr.New(relayerr.CodeValidation, verr.Message).WithContext("field", verr.Field))
		return
	}
	if verr := validation.Endpoint("custom_endpoint", req.CustomEndpoint); verr != nil {
		h.writeError(w, relayerr.New(relayerr.CodeValidation, verr.Message).WithContext("field", verr.Field))
		return
	}
	account := store.Account{
		ID:             uuid.NewString(),
		Name:           req.Name,
		Provider:       req.Provider,
		AuthType:       req.AuthType,
		APIKey:         req.APIKey,
		CustomEndpoint: req.CustomEndpoint,
		Priority:       req.Priority,
		AutoFallbackEnabled: true,
		AutoRefreshEnabled:  true,
	}
	if err := h.d.Store.Accounts.Create(r.Context(), &account); err != nil {
		h.writeError(w, relayerr.New(relayerr.CodeInternal, "failed to create account").WithCause(err))
		return
	}
	writeJSON(w, http.StatusCreated, account)
}

func (h *handlers) deleteAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.d.Store.Accounts.Delete(r.Context(), id); err != nil {
		h.writeError(w, relayerr.New(relayerr.CodeNotFound, "account not found").WithCause(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type renameRequest struct {
	Name string `json:"name"`
}

func (h *handlers) renameAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req renameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, relayerr.New(relayerr.CodeValidation, "malformed request body").WithCause(err))
		return
	}
	if verr := validation.AccountName("name", req.Name); verr != nil {
		h.writeError(w, relayerr.New(relayerr.CodeValidation, verr.Message))
		return
	}
	if err := h.d.Store.Accounts.Rename(r.Context(), id, req.Name); err != nil {
		h.writeError(w, relayerr.New(relayerr.CodeNotFound, "account not found").WithCause(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) pauseAccount(w http.ResponseWriter, r *http.Request) {
	h.setPaused(w, r, true)
}

func (h *handlers) resumeAccount(w http.ResponseWriter, r *http.Request) {
	h.setPaused(w, r, false)
}

func (h *handlers) setPaused(w http.ResponseWriter, r *http.Request, paused bool) {
	id := chi.URLParam(r, "id")
	if err := h.d.Store.Accounts.SetPaused(r.Context(), id, paused); err != nil {
		h.writeError(w, relayerr.New(relayerr.CodeNotFound, "account not found").WithCause(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type priorityRequest struct {
	Priority int `json:"priority"`
}

func (h *handlers) setAccountPriority(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req priorityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, relayerr.New(relayerr.CodeValidation, "malformed request body").WithCause(err))
		return
	}
	if verr := validation.AccountPriority("priority", req.Priority); verr != nil {
		h.writeError(w, relayerr.New(relayerr.CodeValidation, verr.Message))
		return
	}
	if err := h.d.Store.Accounts.SetPriority(r.Context(), id, req.Priority); err != nil {
		h.writeError(w, relayerr.New(relayerr.CodeNotFound, "account not found").WithCause(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type endpointRequest struct {
	Endpoint string `json:"endpoint"`
}

func (h *handlers) setAccountEndpoint(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req endpointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, relayerr.New(relayerr.CodeValidation, "malformed request body").WithCause(err))
		return
	}
	if verr := validation.Endpoint("endpoint", req.Endpoint); verr != nil {
		h.writeError(w, relayerr.New(relayerr.CodeValidation, verr.Message))
		return
	}
	if err := h.d.Store.Accounts.SetCustomEndpoint(r.Context(), id, req.Endpoint); err != nil {
		h.writeError(w, relayerr.New(relayerr.CodeNotFound, "account not found").WithCause(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type mappingsRequest struct {
	Mappings map[string]string `json:"mappings"`
}

func (h *handlers) setAccountMappings(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req mappingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, relayerr.New(relayerr.CodeValidation, "malformed request body").WithCause(err))
		return
	}
	if verr := validation.ModelMappings("mappings", req.Mappings); verr != nil {
		h.writeError(w, relayerr.New(relayerr.CodeValidation, verr.Message))
		return
	}
	raw, err := json.Marshal(req.Mappings)
	if err != nil {
		h.writeError(w, relayerr.New(relayerr.CodeValidation, "failed to encode mappings").WithCause(err))
		return
	}
	if err := h.d.Store.Accounts.SetModelMappings(r.Context(), id, string(raw)); err != nil {
		h.writeError(w, relayerr.New(relayerr.CodeNotFound, "account not found").WithCause(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type oauthInitRequest struct {
	AccountName    string `json:"account_name"`
	Mode           string `json:"mode"`
	CustomEndpoint string `json:"custom_endpoint,omitempty"`
	RedirectURL    string `json:"redirect_url"`
}

func (h *handlers) oauthInit(w http.ResponseWriter, r *http.Request) {
	var req oauthInitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, relayerr.New(relayerr.CodeValidation, "malformed request body").WithCause(err))
		return
	}
	authURL, sessionID, err := h.d.Tokens.BeginSession(r.Context(), req.AccountName, req.Mode, req.CustomEndpoint, req.RedirectURL)
	if err != nil {
		h.writeError(w, relayerr.New(relayerr.CodeOAuth, "failed to begin oauth session").WithCause(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"auth_url": authURL, "session_id": sessionID})
}

type oauthCallbackRequest struct {
	SessionID   string `json:"session_id"`
	Code        string `json:"code"`
	RedirectURL string `json:"redirect_url"`
}

func (h *handlers) oauthCallback(w http.ResponseWriter, r *http.Request) {
	var req oauthCallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, relayerr.New(relayerr.CodeValidation, "malformed request body").WithCause(err))
		return
	}
	account, err := h.d.Tokens.CompleteSession(r.Context(), req.SessionID, req.Code, req.RedirectURL)
	if err != nil {
		h.writeError(w, relayerr.New(relayerr.CodeOAuth, "failed to complete oauth session").WithCause(err))
		return
	}
	account.AccessToken, account.RefreshToken, account.APIKey = "", "", ""
	writeJSON(w, http.StatusOK, account)
}

func (h *handlers) listRequests(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	rows, err := h.d.Store.Requests.List(r.Context(), limit, offset)
	if err != nil {
		h.writeError(w, relayerr.New(relayerr.CodeInternal, "failed to list requests").WithCause(err))
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (h *handlers) requestDetail(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	req, err := h.d.Store.Requests.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, relayerr.New(relayerr.CodeNotFound, "request not found").WithCause(err))
		return
	}
	payload, _ := h.d.Store.Requests.GetPayload(r.Context(), id)
	writeJSON(w, http.StatusOK, map[string]any{"request": req, "payload": payload})
}

func (h *handlers) analytics(w http.ResponseWriter, r *http.Request) {
	since, bucketExpr := analyticsWindow(r.URL.Query().Get("range"))
	rows, err := h.d.Store.Stats.Aggregate(r.Context(), since, bucketExpr)
	if err != nil {
		h.writeError(w, relayerr.New(relayerr.CodeInternal, "failed to aggregate stats").WithCause(err))
		return
	}
	perAccount, err := h.d.Store.Stats.PerAccount(r.Context(), since)
	if err != nil {
		h.writeError(w, relayerr.New(relayerr.CodeInternal, "failed to aggregate per-account stats").WithCause(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"buckets": rows, "per_account": perAccount})
}

func analyticsWindow(rangeParam string) (time.Time, string) {
	var d time.Duration
	switch rangeParam {
	case "6h":
		d = 6 * time.Hour
	case "24h", "":
		d = 24 * time.Hour
	case "7d":
		d = 7 * 24 * time.Hour
	case "30d":
		d = 30 * 24 * time.Hour
	default:
		d = time.Hour
	}
	// strftime bucketing at hour granularity for every range; the range
	// only sets how far back the window starts.
	return time.Now().Add(-d), "strftime('%Y-%m-%dT%H:00:00', timestamp)"
}

func (h *handlers) getStrategy(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.d.Store.Strategies.Get(r.Context(), string(strategy.Weighted))
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"strategy": string(strategy.Weighted)})
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

type strategyRequest struct {
	Name   string `json:"name"`
	Config string `json:"config"`
}

func (h *handlers) setStrategy(w http.ResponseWriter, r *http.Request) {
	var req strategyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, relayerr.New(relayerr.CodeValidation, "malformed request body").WithCause(err))
		return
	}
	if verr := validation.JSONBlob("config", req.Config); verr != nil {
		h.writeError(w, relayerr.New(relayerr.CodeValidation, verr.Message))
		return
	}
	if err := h.d.Store.Strategies.Upsert(r.Context(), req.Name, req.Config); err != nil {
		h.writeError(w, relayerr.New(relayerr.CodeInternal, "failed to persist strategy config").WithCause(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) listAPIKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := h.d.Store.APIKeys.ListAll(r.Context())
	if err != nil {
		h.writeError(w, relayerr.New(relayerr.CodeInternal, "failed to list api keys").WithCause(err))
		return
	}
	writeJSON(w, http.StatusOK, keys)
}

type createAPIKeyRequest struct {
	Name string `json:"name"`
	Role string `json:"role"`
}

func (h *handlers) createAPIKey(w http.ResponseWriter, r *http.Request) {
	var req createAPIKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, relayerr.New(relayerr.CodeValidation, "malformed request body").WithCause(err))
		return
	}
	plaintext, key, err := newAPIKey(req.Name, req.Role)
	if err != nil {
		h.writeError(w, relayerr.New(relayerr.CodeInternal, "failed to generate api key").WithCause(err))
		return
	}
	if err := h.d.Store.APIKeys.Create(r.Context(), key); err != nil {
		h.writeError(w, relayerr.New(relayerr.CodeInternal, "failed to persist api key").WithCause(err))
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"key": key, "plaintext": plaintext})
}

func (h *handlers) deleteAPIKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.d.Store.APIKeys.Delete(r.Context(), id); err != nil {
		h.writeError(w, relayerr.New(relayerr.CodeNotFound, "api key not found").WithCause(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// createFirstKey mints the first admin key; it refuses once any
// active key exists.
func (h *handlers) createFirstKey(w http.ResponseWriter, r *http.Request) {
	count, err := h.d.Store.APIKeys.CountActive(r.Context())
	if err != nil {
		h.writeError(w, relayerr.New(relayerr.CodeInternal, "failed to check existing keys").WithCause(err))
		return
	}
	if count > 0 {
		h.writeError(w, relayerr.New(relayerr.CodeForbidden, "an active api key already exists"))
		return
	}
	plaintext, key, err := newAPIKey("default", "admin")
	if err != nil {
		h.writeError(w, relayerr.New(relayerr.CodeInternal, "failed to generate api key").WithCause(err))
		return
	}
	if err := h.d.Store.APIKeys.Create(r.Context(), key); err != nil {
		h.writeError(w, relayerr.New(relayerr.CodeInternal, "failed to persist api key").WithCause(err))
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"key": key, "plaintext": plaintext})
}

func newAPIKey(name, role string) (string, *store.APIKey, error) {
	plaintext, err := randomAPIKey()
	if err != nil {
		return "", nil, err
	}
	prefixLast8 := plaintext
	if len(plaintext) > 8 {
		prefixLast8 = plaintext[len(plaintext)-8:]
	}
	return plaintext, &store.APIKey{
		ID:          uuid.NewString(),
		Name:        name,
		HashedKey:   authgate.HashKey(plaintext),
		PrefixLast8: prefixLast8,
		IsActive:    true,
		Role:        role,
	}, nil
}

// maintenanceCleanup backs POST /api/maintenance/cleanup: deletes
// payload rows older than payload_age_ms and, if request_age_ms is
// given, request metadata rows older than that too.
func (h *handlers) maintenanceCleanup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PayloadAgeMs int64  `json:"payload_age_ms"`
		RequestAgeMs *int64 `json:"request_age_ms,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, relayerr.New(relayerr.CodeValidation, "malformed request body").WithCause(err))
		return
	}
	if req.PayloadAgeMs <= 0 {
		h.writeError(w, relayerr.New(relayerr.CodeValidation, "payload_age_ms must be positive"))
		return
	}
	result, err := h.d.Store.CleanupOldRequests(r.Context(), req.PayloadAgeMs, req.RequestAgeMs)
	if err != nil {
		h.writeError(w, relayerr.New(relayerr.CodeInternal, "failed to clean up old requests").WithCause(err))
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// maintenanceCompact backs POST /api/maintenance/compact: runs a
// checkpoint and VACUUM (or the postgres/mysql equivalent) against the
// store's underlying database.
func (h *handlers) maintenanceCompact(w http.ResponseWriter, r *http.Request) {
	if err := h.d.Store.Compact(r.Context()); err != nil {
		h.writeError(w, relayerr.New(relayerr.CodeInternal, "failed to compact database").WithCause(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// logHistory backs GET /api/logs/history: the ring buffer of the most
// recently emitted log lines, for a dashboard opened after events
// already happened rather than streamed live.
func (h *handlers) logHistory(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 200)
	writeJSON(w, http.StatusOK, h.d.Events.History.Recent(limit))
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

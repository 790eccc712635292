// Package dispatcher orchestrates one inbound proxy request end to
// end: strategy selection, per-candidate dispatch with
// failover, streaming passthrough, usage capture, and telemetry
// emission. The failover loop reuses llm/retry's backoff-with-jitter
// policy and llm/circuitbreaker's per-account breaker, retargeted from
// "LLM provider call" to "one candidate account attempt."
package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kaelmora/relaygate/internal/config"
	"github.com/kaelmora/relaygate/internal/eventbus"
	"github.com/kaelmora/relaygate/internal/metrics"
	"github.com/kaelmora/relaygate/internal/pricing"
	"github.com/kaelmora/relaygate/internal/providers"
	"github.com/kaelmora/relaygate/internal/ratelimit"
	"github.com/kaelmora/relaygate/internal/relayerr"
	"github.com/kaelmora/relaygate/internal/store"
	"github.com/kaelmora/relaygate/internal/strategy"
	"github.com/kaelmora/relaygate/internal/tlsutil"
	"github.com/kaelmora/relaygate/internal/tokenmanager"
	"github.com/kaelmora/relaygate/llm/circuitbreaker"
	"github.com/kaelmora/relaygate/llm/retry"
)

// RequestMeta carries the attributes the HTTP boundary already knows
// about the inbound request before dispatch starts.
type RequestMeta struct {
	Method       string
	Path         string
	Model        string
	StrategyName strategy.Name
	AgentUsed    string
	APIKeyID     string
}

// Dispatcher wires every component of the dispatch pipeline into one
// per-request flow.
type Dispatcher struct {
	store     *store.Store
	strategy  *strategy.Engine
	tokens    *tokenmanager.Manager
	limiter   *ratelimit.Tracker
	providers *providers.Registry
	pricing   *pricing.Catalog
	events    *eventbus.EventBus
	cfg       config.DispatcherConfig
	logger    *zap.Logger
	client    *http.Client
	metrics   *metrics.Collector

	breakersMu sync.Mutex
	breakers   map[string]circuitbreaker.CircuitBreaker
}

// SetMetrics attaches a Prometheus collector. Optional: a nil
// collector (the default) leaves every Record call a no-op check.
func (d *Dispatcher) SetMetrics(m *metrics.Collector) {
	d.metrics = m
}

func New(
	st *store.Store,
	eng *strategy.Engine,
	tokens *tokenmanager.Manager,
	limiter *ratelimit.Tracker,
	registry *providers.Registry,
	catalog *pricing.Catalog,
	events *eventbus.EventBus,
	cfg config.DispatcherConfig,
	logger *zap.Logger,
) *Dispatcher {
	return &Dispatcher{
		store:     st,
		strategy:  eng,
		tokens:    tokens,
		limiter:   limiter,
		providers: registry,
		pricing:   catalog,
		events:    events,
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "dispatcher")),
		client:    &http.Client{Transport: tlsutil.SecureTransport()}, // no client timeout: each account's breaker stops waiting after PerAttemptTimeout; the request itself runs on the dispatch context
		breakers:  make(map[string]circuitbreaker.CircuitBreaker),
	}
}

func (d *Dispatcher) breakerFor(accountID string) circuitbreaker.CircuitBreaker {
	d.breakersMu.Lock()
	defer d.breakersMu.Unlock()
	if b, ok := d.breakers[accountID]; ok {
		return b
	}
	b := circuitbreaker.NewCircuitBreaker(&circuitbreaker.Config{
		Threshold:        d.cfg.BreakerThreshold,
		Timeout:          d.cfg.PerAttemptTimeout,
		ResetTimeout:     d.cfg.BreakerResetTimeout,
		HalfOpenMaxCalls: 3,
	}, d.logger)
	d.breakers[accountID] = b
	return b
}

// outcomeKind classifies one upstream attempt's result.
type outcomeKind int

const (
	outcomeSuccess outcomeKind = iota
	outcomeRateLimited
	outcomeAuthFailure
	outcomeClientError
)

type attemptOutcome struct {
	kind        outcomeKind
	resp        *http.Response
	model       string
	account     *store.Account
	requestBody []byte
}

// Dispatch runs the full pipeline for one inbound proxy request,
// writing the upstream response (or an error response) to w.
func (d *Dispatcher) Dispatch(ctx context.Context, w http.ResponseWriter, r *http.Request, meta RequestMeta) {
	requestID := uuid.NewString()
	start := time.Now()

	d.events.Requests.Publish(eventbus.RequestEvent{
		Type:      eventbus.EventStart,
		ID:        requestID,
		Timestamp: start.UTC().Format(time.RFC3339Nano),
		Method:    meta.Method,
		Path:      meta.Path,
		AgentUsed: meta.AgentUsed,
	})

	if err := d.store.Requests.CreateMeta(ctx, &store.Request{
		ID:        requestID,
		Timestamp: start,
		Method:    meta.Method,
		Path:      meta.Path,
		Model:     meta.Model,
		AgentUsed: meta.AgentUsed,
		APIKeyID:  meta.APIKeyID,
	}); err != nil {
		d.logger.Error("failed to persist request meta row", zap.Error(err))
	}

	bodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		d.finalizeFailure(ctx, requestID, start, 0, "failed to read request body", 0)
		d.writeErrorResponse(w, relayerr.New(relayerr.CodeValidation, "failed to read request body").WithCause(err))
		return
	}

	totalCtx, cancel := context.WithTimeout(ctx, d.cfg.TotalBudget)
	defer cancel()

	accounts, err := d.store.Accounts.ListAll(totalCtx)
	if err != nil {
		d.finalizeFailure(ctx, requestID, start, 0, "failed to load accounts", 0)
		d.writeErrorResponse(w, relayerr.New(relayerr.CodeInternal, "failed to load accounts").WithCause(err))
		return
	}

	strategyName := meta.StrategyName
	if strategyName == "" {
		strategyName = strategy.Weighted
	}
	candidates, err := d.strategy.Select(totalCtx, strategyName, accounts, strategy.RequestMeta{Model: meta.Model})
	if err != nil {
		d.finalizeFailure(ctx, requestID, start, 0, "strategy selection failed", 0)
		d.writeErrorResponse(w, relayerr.New(relayerr.CodeInternal, "strategy selection failed").WithCause(err))
		return
	}
	if len(candidates) == 0 {
		d.finalizeFailure(ctx, requestID, start, 0, "no accounts available", 0)
		d.writeErrorResponse(w, relayerr.New(relayerr.CodeServiceUnavailable, "no accounts available"))
		return
	}

	globalTranslations, err := d.store.ModelTranslations.List(totalCtx)
	if err != nil {
		d.logger.Warn("failed to load global model translations, continuing without fallback", zap.Error(err))
	}

	failoverAttempts := 0
	var lastStatus int
	var lastErrMessage string

	for _, candidate := range candidates {
		select {
		case <-totalCtx.Done():
			d.finalizeFailure(ctx, requestID, start, lastStatus, "dispatch budget exhausted", failoverAttempts)
			d.writeErrorResponse(w, relayerr.New(relayerr.CodeServiceUnavailable, "dispatch budget exhausted"))
			return
		default:
		}

		account := candidate
		attemptStart := time.Now()
		outcome, attemptErr := d.attemptCandidate(totalCtx, &account, r, bodyBytes, meta.Path, meta.Model, globalTranslations)
		if attemptErr != nil {
			// Retries on this candidate exhausted (5xx/network); move on.
			failoverAttempts++
			lastErrMessage = attemptErr.Error()
			d.logger.Warn("candidate attempt failed, trying next", zap.String("account_id", account.ID), zap.Error(attemptErr))
			if d.metrics != nil {
				d.metrics.RecordLLMRequest(account.Provider, meta.Model, "error", time.Since(attemptStart), 0, 0, 0)
				d.metrics.RecordFailover(account.ID, "upstream_error")
			}
			continue
		}

		switch outcome.kind {
		case outcomeSuccess:
			if d.metrics != nil {
				d.metrics.RecordDispatchOutcome("success", failoverAttempts+1)
			}
			d.streamSuccess(ctx, w, requestID, start, outcome, failoverAttempts, meta)
			return

		case outcomeRateLimited:
			failoverAttempts++
			lastStatus = outcome.resp.StatusCode
			if err := d.limiter.RecordRateLimit(totalCtx, account.ID, outcome.resp.Header); err != nil {
				d.logger.Warn("failed to record rate limit", zap.String("account_id", account.ID), zap.Error(err))
			}
			_ = outcome.resp.Body.Close()
			if d.metrics != nil {
				d.metrics.RecordLLMRequest(account.Provider, outcome.model, "rate_limited", time.Since(attemptStart), 0, 0, 0)
				d.metrics.RecordFailover(account.ID, "rate_limited")
			}
			continue

		case outcomeAuthFailure:
			failoverAttempts++
			lastStatus = outcome.resp.StatusCode
			d.logger.Warn("candidate auth failure", zap.String("account_id", account.ID), zap.Int("status", outcome.resp.StatusCode))
			_ = outcome.resp.Body.Close()
			if d.metrics != nil {
				d.metrics.RecordLLMRequest(account.Provider, outcome.model, "auth_failure", time.Since(attemptStart), 0, 0, 0)
				d.metrics.RecordFailover(account.ID, "auth_failure")
			}
			continue

		case outcomeClientError:
			// Do not failover: surface the upstream's client error
			// verbatim.
			d.streamClientError(ctx, w, requestID, start, outcome, failoverAttempts, meta)
			return
		}
	}

	if lastStatus == 0 {
		lastStatus = http.StatusBadGateway
	}
	if d.metrics != nil {
		d.metrics.RecordDispatchOutcome("exhausted", failoverAttempts)
	}
	d.finalizeFailure(ctx, requestID, start, lastStatus, lastErrMessage, failoverAttempts)
	w.WriteHeader(lastStatus)
}

// attemptCandidate runs one candidate account through the Token
// Manager, Provider Adapter, and upstream I/O, retrying within this
// single candidate on 5xx/network failures per the configured backoff
// policy. A non-nil error means the retry budget for this candidate is
// exhausted; the caller moves on to the next candidate.
func (d *Dispatcher) attemptCandidate(
	ctx context.Context,
	account *store.Account,
	r *http.Request,
	bodyBytes []byte,
	path, requestedModel string,
	globalTranslations []store.ModelTranslation,
) (*attemptOutcome, error) {
	fresh, err := d.tokens.EnsureFresh(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("refreshing credentials: %w", err)
	}
	*account = *fresh

	adapter, ok := d.providers.For(account.Provider)
	if !ok {
		return nil, fmt.Errorf("no adapter registered for provider %q", account.Provider)
	}

	resolvedModel := providers.ResolveModel(requestedModel, account.ModelMappings, globalTranslations)
	rewrittenBody := rewriteModel(bodyBytes, resolvedModel)

	policy := retry.PolicyForCandidateAttempt(d.cfg.MaxRetries, d.cfg.RetryInitialDelay, d.cfg.RetryMaxDelay)
	retryer := retry.NewBackoffRetryer(policy, d.logger)
	breaker := d.breakerFor(account.ID)

	var outcome *attemptOutcome
	err = retryer.Do(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, r.Method, adapter.UpstreamURL(account, path), bytes.NewReader(rewrittenBody))
		if err != nil {
			return err
		}
		copyHeaders(req.Header, r.Header)
		adapter.ApplyAuth(req, account)
		req.ContentLength = int64(len(rewrittenBody))

		res, callErr := breaker.CallWithResult(ctx, func() (any, error) {
			resp, err := d.client.Do(req)
			if err != nil {
				return nil, err
			}
			return resp, nil
		})
		if callErr != nil {
			return callErr // network error or circuit open: retryable
		}
		resp := res.(*http.Response)

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			outcome = &attemptOutcome{kind: outcomeSuccess, resp: resp, model: resolvedModel, account: account, requestBody: rewrittenBody}
			return nil
		case resp.StatusCode == http.StatusTooManyRequests:
			outcome = &attemptOutcome{kind: outcomeRateLimited, resp: resp, model: resolvedModel, account: account}
			return nil
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			outcome = &attemptOutcome{kind: outcomeAuthFailure, resp: resp, model: resolvedModel, account: account}
			return nil
		case resp.StatusCode >= 500:
			_ = resp.Body.Close()
			return fmt.Errorf("upstream returned %d", resp.StatusCode)
		default:
			outcome = &attemptOutcome{kind: outcomeClientError, resp: resp, model: resolvedModel, account: account, requestBody: rewrittenBody}
			return nil
		}
	})
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

// streamSuccess copies the upstream body to the client byte-for-byte
// while non-blockingly scanning it for usage, then finalizes the
// request row.
func (d *Dispatcher) streamSuccess(ctx context.Context, w http.ResponseWriter, requestID string, start time.Time, outcome *attemptOutcome, failoverAttempts int, meta RequestMeta) {
	defer outcome.resp.Body.Close()

	copyHeaders(w.Header(), outcome.resp.Header)
	w.WriteHeader(outcome.resp.StatusCode)

	adapter, _ := d.providers.For(outcome.account.Provider)
	scanner := adapter.NewUsageScanner()
	flusher, _ := w.(http.Flusher)

	var responseBuf bytes.Buffer

	buf := make([]byte, 32*1024)
	for {
		n, readErr := outcome.resp.Body.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if _, writeErr := w.Write(chunk); writeErr != nil {
				d.logger.Warn("client write failed, aborting stream", zap.String("request_id", requestID), zap.Error(writeErr))
				d.finalizeFailure(ctx, requestID, start, outcome.resp.StatusCode, "client aborted", failoverAttempts)
				return
			}
			scanner.Feed(chunk)
			responseBuf.Write(chunk)
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr != nil {
			break
		}
	}
	scanner.Close()

	usage := scanner.Usage()
	if usage.InputTokens == 0 && usage.OutputTokens == 0 {
		usage.InputTokens = int64(pricing.EstimateTokens(outcome.model, string(outcome.requestBody)))
		usage.OutputTokens = int64(pricing.EstimateTokens(outcome.model, responseBuf.String()))
		d.logger.Debug("upstream reported no usage, estimated via tiktoken fallback",
			zap.String("request_id", requestID), zap.Int64("estimated_input_tokens", usage.InputTokens),
			zap.Int64("estimated_output_tokens", usage.OutputTokens))
	}
	elapsed := time.Since(start)
	cost := d.pricing.EstimateCostUSD(outcome.model, usage)

	if err := d.store.Accounts.RecordUsage(ctx, outcome.account.ID); err != nil {
		d.logger.Warn("failed to record account usage", zap.String("account_id", outcome.account.ID), zap.Error(err))
	}

	if d.metrics != nil {
		d.metrics.RecordLLMRequest(outcome.account.Provider, outcome.model, "success", elapsed, usage.InputTokens, usage.OutputTokens, cost)
	}

	totalTokens := usage.InputTokens + usage.OutputTokens
	responseMs := elapsed.Milliseconds()
	var tokensPerSec *float64
	if responseMs > 0 && usage.OutputTokens > 0 {
		v := float64(usage.OutputTokens) * 1000 / float64(responseMs)
		tokensPerSec = &v
	}

	if err := d.store.Requests.Finalize(ctx, requestID, map[string]any{
		"account_used":                 outcome.account.ID,
		"status_code":                  outcome.resp.StatusCode,
		"success":                      true,
		"response_time_ms":             responseMs,
		"failover_attempts":            failoverAttempts,
		"model":                        outcome.model,
		"input_tokens":                 usage.InputTokens,
		"output_tokens":                usage.OutputTokens,
		"cache_read_input_tokens":      usage.CacheReadTokens,
		"cache_creation_input_tokens":  usage.CacheWriteTokens,
		"total_tokens":                 totalTokens,
		"cost_usd":                     cost,
		"output_tokens_per_second":     tokensPerSec,
	}); err != nil {
		d.logger.Error("failed to finalize request row", zap.Error(err))
	}

	success := true
	d.events.Requests.Publish(eventbus.RequestEvent{
		Type:       eventbus.EventSummary,
		ID:         requestID,
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		AccountID:  outcome.account.ID,
		StatusCode: outcome.resp.StatusCode,
		Success:    &success,
		Model:      outcome.model,
		CostUSD:    &cost,
	})

	if d.cfg.PersistPayloads {
		d.persistPayload(ctx, requestID, outcome.requestBody, responseBuf.Bytes())
	}
}

// persistPayload archives the request/response JSON behind
// config.DispatcherConfig.PersistPayloads and emits the corresponding
// eventbus.EventPayload frame, a best-effort step that never fails the
// request it describes.
func (d *Dispatcher) persistPayload(ctx context.Context, requestID string, requestBody, responseBody []byte) {
	requestJSON := string(requestBody)
	responseJSON := string(responseBody)

	if err := d.store.Requests.SavePayload(ctx, &store.RequestPayload{
		RequestID:    requestID,
		RequestJSON:  requestJSON,
		ResponseJSON: responseJSON,
		CreatedAt:    time.Now(),
	}); err != nil {
		d.logger.Warn("failed to persist request payload", zap.String("request_id", requestID), zap.Error(err))
		return
	}

	d.events.Requests.Publish(eventbus.RequestEvent{
		Type:         eventbus.EventPayload,
		ID:           requestID,
		Timestamp:    time.Now().UTC().Format(time.RFC3339Nano),
		RequestJSON:  requestJSON,
		ResponseJSON: responseJSON,
	})
}

func (d *Dispatcher) streamClientError(ctx context.Context, w http.ResponseWriter, requestID string, start time.Time, outcome *attemptOutcome, failoverAttempts int, meta RequestMeta) {
	defer outcome.resp.Body.Close()
	copyHeaders(w.Header(), outcome.resp.Header)
	w.WriteHeader(outcome.resp.StatusCode)

	if d.cfg.PersistPayloads {
		var responseBuf bytes.Buffer
		_, _ = io.Copy(io.MultiWriter(w, &responseBuf), outcome.resp.Body)
		d.persistPayload(ctx, requestID, outcome.requestBody, responseBuf.Bytes())
	} else {
		_, _ = io.Copy(w, outcome.resp.Body)
	}

	d.finalizeFailure(ctx, requestID, start, outcome.resp.StatusCode,
		fmt.Sprintf("upstream returned client error %d", outcome.resp.StatusCode), failoverAttempts)
}

func (d *Dispatcher) finalizeFailure(ctx context.Context, requestID string, start time.Time, statusCode int, message string, failoverAttempts int) {
	responseMs := time.Since(start).Milliseconds()
	if err := d.store.Requests.Finalize(ctx, requestID, map[string]any{
		"status_code":       statusCode,
		"success":           false,
		"error_message":     message,
		"response_time_ms":  responseMs,
		"failover_attempts": failoverAttempts,
	}); err != nil {
		d.logger.Error("failed to finalize failed request row", zap.Error(err))
	}

	success := false
	d.events.Requests.Publish(eventbus.RequestEvent{
		Type:       eventbus.EventSummary,
		ID:         requestID,
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		StatusCode: statusCode,
		Success:    &success,
	})
}

// rewriteModel replaces the JSON body's top-level "model" field,
// leaving every other field (and any field it cannot parse as a JSON
// object) untouched — the only body transformation this proxy
// performs, since anything beyond observing/redirecting by model name
// is out of scope.
func rewriteModel(body []byte, model string) []byte {
	var decoded map[string]any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return body
	}
	decoded["model"] = model
	rewritten, err := json.Marshal(decoded)
	if err != nil {
		return body
	}
	return rewritten
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

// writeErrorResponse logs err with its Context redacted before it
// reaches the log sink, then writes the client-facing envelope, which
// never carries Context at all.
func (d *Dispatcher) writeErrorResponse(w http.ResponseWriter, err *relayerr.Error) {
	if ctx := relayerr.Redacted(err.Context); ctx != nil {
		d.logger.Warn("dispatch failed", zap.String("code", string(err.Code)), zap.String("message", err.Message),
			zap.Any("context", ctx), zap.Error(err.Cause))
	} else {
		d.logger.Warn("dispatch failed", zap.String("code", string(err.Code)), zap.String("message", err.Message), zap.Error(err.Cause))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.HTTPStatus)
	body, _ := json.Marshal(map[string]any{
		"error": map[string]any{
			"code":    err.Code,
			"message": err.Message,
		},
	})
	_, _ = w.Write(body)
}

// Package httpapi is the HTTP boundary: request-id and recovery
// middleware, CORS, the Auth Gate, and one handler group per resource,
// routed with go-chi/chi.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/kaelmora/relaygate/internal/authgate"
	"github.com/kaelmora/relaygate/internal/dispatcher"
	"github.com/kaelmora/relaygate/internal/eventbus"
	"github.com/kaelmora/relaygate/internal/metrics"
	"github.com/kaelmora/relaygate/internal/store"
	"github.com/kaelmora/relaygate/internal/strategy"
	"github.com/kaelmora/relaygate/internal/tokenmanager"
)

// Deps is every collaborator a handler group needs; Router wires them
// into chi routes without any package-level singleton.
type Deps struct {
	Store      *store.Store
	Dispatcher *dispatcher.Dispatcher
	Tokens     *tokenmanager.Manager
	Strategy   *strategy.Engine
	Events     *eventbus.EventBus
	Auth       *authgate.Gate
	Logger     *zap.Logger
	Metrics    *metrics.Collector

	CORSAllowedOrigins []string
}

// NewRouter builds the full route table for the proxy and management
// surfaces.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(requestLogger(d.Logger))
	r.Use(requestMetrics(d.Metrics))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins(d.CORSAllowedOrigins),
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	h := &handlers{d: d}

	r.Get("/health", h.health)
	r.Get("/healthz", h.health)

	r.Group(func(r chi.Router) {
		r.Use(d.Auth.Middleware)

		r.Handle("/v1/messages", h.proxy())
		r.Handle("/v1/messages/*", h.proxy())
		r.Handle("/messages/*", h.proxy())

		r.Route("/api/accounts", func(r chi.Router) {
			r.Get("/", h.listAccounts)
			r.Post("/", h.createAccount)
			r.Delete("/{id}", h.deleteAccount)
			r.Post("/{id}/rename", h.renameAccount)
			r.Post("/{id}/pause", h.pauseAccount)
			r.Post("/{id}/resume", h.resumeAccount)
			r.Post("/{id}/priority", h.setAccountPriority)
			r.Post("/{id}/endpoint", h.setAccountEndpoint)
			r.Post("/{id}/mappings", h.setAccountMappings)
		})

		r.Post("/api/oauth/init", h.oauthInit)
		r.Post("/api/oauth/callback", h.oauthCallback)

		r.Get("/api/requests", h.listRequests)
		r.Get("/api/requests/detail", h.requestDetail)
		r.Get("/api/requests/stream", h.streamRequests)

		r.Get("/api/analytics", h.analytics)

		r.Get("/api/config/strategy", h.getStrategy)
		r.Post("/api/config/strategy", h.setStrategy)

		r.Route("/api/api-keys", func(r chi.Router) {
			r.Get("/", h.listAPIKeys)
			r.Post("/", h.createAPIKey)
			r.Delete("/{id}", h.deleteAPIKey)
		})

		r.Post("/api/setup/first-key", h.createFirstKey)

		r.Post("/api/maintenance/cleanup", h.maintenanceCleanup)
		r.Post("/api/maintenance/compact", h.maintenanceCompact)

		r.Get("/api/logs/stream", h.streamLogs)
		r.Get("/api/logs/history", h.logHistory)
	})

	return r
}

func allowedOrigins(configured []string) []string {
	if len(configured) == 0 {
		return []string{"*"}
	}
	return configured
}

// requestMetrics records every request's method/path/status/duration.
// A nil collector (the default in tests) makes this middleware a passthrough.
func requestMetrics(m *metrics.Collector) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if m == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			m.RecordHTTPRequest(r.Method, r.URL.Path, ww.Status(), time.Since(start), r.ContentLength, int64(ww.BytesWritten()))
		})
	}
}

// requestLogger logs method, path, status, and latency at info level
// as a chi middleware.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", chimw.GetReqID(r.Context())),
			)
		})
	}
}

// Package main assembles every internal/ component into a running
// relaygate process: no package-level singletons, every dependency
// constructed once here and passed down explicitly.
package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/kaelmora/relaygate/internal/authgate"
	"github.com/kaelmora/relaygate/internal/config"
	"github.com/kaelmora/relaygate/internal/dispatcher"
	"github.com/kaelmora/relaygate/internal/eventbus"
	"github.com/kaelmora/relaygate/internal/httpapi"
	"github.com/kaelmora/relaygate/internal/lifecycle"
	"github.com/kaelmora/relaygate/internal/metrics"
	"github.com/kaelmora/relaygate/internal/pricing"
	"github.com/kaelmora/relaygate/internal/providers"
	"github.com/kaelmora/relaygate/internal/ratelimit"
	"github.com/kaelmora/relaygate/internal/server"
	"github.com/kaelmora/relaygate/internal/store"
	"github.com/kaelmora/relaygate/internal/strategy"
	"github.com/kaelmora/relaygate/internal/telemetry"
	"github.com/kaelmora/relaygate/internal/tokenmanager"
)

// Server owns every constructed collaborator and the two listeners
// (API, metrics), driven by a single lifecycle.Registry rather than
// each server.Manager racing its own signal listener.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger
	otel   *telemetry.Providers

	store      *store.Store
	lifecycle  *lifecycle.Registry
	httpMgr    *server.Manager
	metricsMgr *server.Manager

	bgCancel context.CancelFunc
}

// NewServer constructs every collaborator the dispatch pipeline needs:
// Store, Pricing Catalog, Token Manager, Rate-Limit Tracker, Strategy
// Engine, Provider Registry, Event Bus, Auth Gate, Dispatcher, and the
// HTTP router, wiring a Prometheus Collector through optional setters.
// logsBus/logHistory are the same instances already wired into
// logger's core (see cmd/relaygate's initLogger), so the EventBus built
// here publishes into and serves history from exactly what the process
// has already been logging since before this function ran.
func NewServer(cfg *config.Config, logger *zap.Logger, otel *telemetry.Providers, logsBus *eventbus.Bus[eventbus.LogEvent], logHistory *eventbus.LogHistory) (*Server, error) {
	st, err := store.Open(context.Background(), cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	collector := metrics.NewCollector("relaygate", logger)

	catalog := pricing.New(cfg.Pricing, logger)
	limiter := ratelimit.New(st, cfg.RateLimit, cfg.TokenMgr, logger)
	tokens := tokenmanager.New(st, limiter, cfg.TokenMgr, logger)
	tokens.SetMetrics(collector)

	engine := strategy.New(st, cfg.Strategy.StickySessionDuration, logger)
	engine.SetMetrics(collector)
	if err := engine.LoadCursors(context.Background()); err != nil {
		logger.Warn("failed to load strategy cursors, starting at zero", zap.Error(err))
	}

	registry := providers.BuildRegistry()
	events := eventbus.New(cfg.EventBus.MaxRequestSubscribers, cfg.EventBus.SubscriberQueueSize, logsBus, logHistory, logger)
	gate := authgate.New(st, cfg.Auth.ExemptPaths, logger)

	disp := dispatcher.New(st, engine, tokens, limiter, registry, catalog, events, cfg.Dispatcher, logger)
	disp.SetMetrics(collector)

	router := httpapi.NewRouter(httpapi.Deps{
		Store:              st,
		Dispatcher:         disp,
		Tokens:             tokens,
		Strategy:           engine,
		Events:             events,
		Auth:               gate,
		Logger:             logger,
		Metrics:            collector,
		CORSAllowedOrigins: cfg.Server.CORSAllowedOrigins,
	})

	bgCtx, bgCancel := context.WithCancel(context.Background())

	httpMgr := server.NewManager(router, server.Config{
		Name:            "api",
		Addr:            cfg.Server.HTTPAddr,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     2 * cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, logger)

	var metricsMgr *server.Manager
	if cfg.Server.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsMgr = server.NewManager(mux, server.Config{
			Name:            "metrics",
			Addr:            cfg.Server.MetricsAddr,
			ReadTimeout:     cfg.Server.ReadTimeout,
			WriteTimeout:    cfg.Server.WriteTimeout,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}, logger)
	}

	lc := lifecycle.New(logger)
	lc.Register("store", func(context.Context) error {
		return st.Close(context.Background())
	})
	lc.Register("background loops", func(context.Context) error {
		bgCancel()
		return nil
	})
	if metricsMgr != nil {
		lc.Register("metrics server", func(ctx context.Context) error {
			return metricsMgr.Shutdown(ctx)
		})
	}
	lc.Register("telemetry", func(ctx context.Context) error {
		return otel.Shutdown(ctx)
	})
	lc.Register("rate limit cache", func(context.Context) error {
		return limiter.Close()
	})
	lc.Register("http server", func(ctx context.Context) error {
		return httpMgr.Shutdown(ctx)
	})

	srv := &Server{
		cfg:        cfg,
		logger:     logger,
		otel:       otel,
		store:      st,
		lifecycle:  lc,
		httpMgr:    httpMgr,
		metricsMgr: metricsMgr,
		bgCancel:   bgCancel,
	}

	go catalog.Warm(bgCtx)
	go catalog.Run(bgCtx)
	go limiter.Run(bgCtx, cfg.RateLimit.SweepInterval)
	if cfg.Database.OptimizeInterval > 0 {
		go runOptimizeLoop(bgCtx, st, cfg.Database.OptimizeInterval, logger)
	}

	return srv, nil
}

// runOptimizeLoop periodically runs Store.Optimize (a passive
// checkpoint plus a query-planner stats refresh) until ctx is
// cancelled. It never runs Compact — that's reached only through the
// explicit POST /api/maintenance/compact endpoint, since VACUUM locks
// the whole database for its duration.
func runOptimizeLoop(ctx context.Context, st *store.Store, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := st.Optimize(ctx); err != nil {
				logger.Warn("scheduled store optimize failed", zap.Error(err))
			}
		}
	}
}

// Start begins serving both listeners. Non-blocking: call
// WaitForShutdown to block until a termination signal arrives.
func (s *Server) Start() error {
	if err := s.httpMgr.Start(); err != nil {
		return fmt.Errorf("start http server: %w", err)
	}
	s.logger.Info("http server started", zap.String("addr", s.cfg.Server.HTTPAddr))

	if s.metricsMgr != nil {
		if err := s.metricsMgr.Start(); err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
		s.logger.Info("metrics server started", zap.String("addr", s.cfg.Server.MetricsAddr))
	}

	return nil
}

// WaitForShutdown blocks until SIGINT/SIGTERM, then closes every
// registered resource in LIFO order via the lifecycle Registry.
func (s *Server) WaitForShutdown() {
	s.lifecycle.WaitForSignal(context.Background())
}

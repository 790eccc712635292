// Package lifecycle tracks disposable resources and closes them in
// reverse registration order on shutdown,
// generalized from internal/server.Manager's single-server
// Shutdown/WaitForShutdown pair to N registered resources.
package lifecycle

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"
)

type entry struct {
	name   string
	closer func(context.Context) error
}

// Registry closes registered resources LIFO on Shutdown, logging each
// step, so the last-started dependency (e.g. an HTTP listener) is the
// first to stop and the first-started one (e.g. the DB pool) outlives
// everything that might still write to it mid-shutdown.
type Registry struct {
	mu      sync.Mutex
	entries []entry
	logger  *zap.Logger
}

func New(logger *zap.Logger) *Registry {
	return &Registry{logger: logger.With(zap.String("component", "lifecycle"))}
}

func (r *Registry) Register(name string, closer func(context.Context) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry{name: name, closer: closer})
}

// Shutdown closes every registered resource in LIFO order, collecting
// (rather than aborting on) individual errors so one failing closer
// does not skip the rest.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	entries := make([]entry, len(r.entries))
	copy(entries, r.entries)
	r.mu.Unlock()

	var firstErr error
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		r.logger.Info("closing resource", zap.String("resource", e.name))
		if err := e.closer(ctx); err != nil {
			r.logger.Error("resource close failed", zap.String("resource", e.name), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		r.logger.Info("resource closed", zap.String("resource", e.name))
	}
	return firstErr
}

// WaitForSignal blocks until SIGINT/SIGTERM, then runs Shutdown.
func (r *Registry) WaitForSignal(ctx context.Context) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	sig := <-quit
	r.logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	if err := r.Shutdown(ctx); err != nil {
		r.logger.Error("shutdown completed with errors", zap.Error(err))
	}
}

// Package pricing resolves the USD cost of a completed request from
// its token usage. Prices are kept in a refreshed,
// in-memory catalog layered: remote feed over bundled fallback, with
// an on-disk snapshot bridging process restarts.
package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/kaelmora/relaygate/internal/config"
	"github.com/kaelmora/relaygate/internal/tlsutil"
)

// ModelPrice is cost-per-million-tokens for one model id, broken out
// by token class.
type ModelPrice struct {
	Model             string  `json:"model"`
	Provider          string  `json:"provider"`
	InputPerMTok      float64 `json:"input_per_mtok"`
	OutputPerMTok     float64 `json:"output_per_mtok"`
	CacheReadPerMTok  float64 `json:"cache_read_per_mtok"`
	CacheWritePerMTok float64 `json:"cache_write_per_mtok"`
}

type snapshot struct {
	FetchedAt time.Time             `json:"fetched_at"`
	Prices    map[string]ModelPrice `json:"prices"`
}

// Catalog is the refreshed, queryable price table. Zero value is not
// usable; construct with New.
type Catalog struct {
	cfg    config.PricingConfig
	logger *zap.Logger
	client *http.Client

	mu        sync.RWMutex
	prices    map[string]ModelPrice
	fetchedAt time.Time
	warnedOnce map[string]bool

	group singleflight.Group
}

func New(cfg config.PricingConfig, logger *zap.Logger) *Catalog {
	c := &Catalog{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "pricing")),
		client: tlsutil.SecureHTTPClient(cfg.FetchTimeout),
		prices: bundledPrices(),
		warnedOnce: make(map[string]bool),
	}
	return c
}

// Warm loads the on-disk snapshot (if fresh) or performs a blocking
// refresh before returning, so the first request never races an empty
// catalog.
func (c *Catalog) Warm(ctx context.Context) {
	if c.cfg.Offline {
		c.logger.Info("pricing offline mode: using bundled catalog only")
		return
	}
	if snap, ok := c.loadSnapshot(); ok && time.Since(snap.FetchedAt) < c.cfg.RefreshInterval {
		c.mu.Lock()
		c.prices = mergePrices(bundledPrices(), snap.Prices, c.cfg)
		c.fetchedAt = snap.FetchedAt
		c.mu.Unlock()
		c.logger.Info("loaded pricing snapshot from disk", zap.Time("fetched_at", snap.FetchedAt))
		return
	}
	if err := c.Refresh(ctx); err != nil {
		c.logger.Warn("initial pricing refresh failed, bundled catalog active", zap.Error(err))
	}
}

// Run starts the periodic refresh loop; returns when ctx is cancelled
// (registered with internal/lifecycle).
func (c *Catalog) Run(ctx context.Context) {
	if c.cfg.Offline {
		return
	}
	ticker := time.NewTicker(c.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil {
				c.logger.Warn("scheduled pricing refresh failed", zap.Error(err))
			}
		}
	}
}

// Refresh fetches the remote catalog and NanoGPT overlay and merges
// them over the bundled fallback; concurrent callers are coalesced via
// singleflight so a burst of cold starts triggers one fetch (spec
// §4.2).
func (c *Catalog) Refresh(ctx context.Context) error {
	_, err, _ := c.group.Do("refresh", func() (any, error) {
		remote, remoteErr := c.fetchRemote(ctx)
		nano, nanoErr := c.fetchNanoGPT(ctx)
		if remoteErr != nil && nanoErr != nil {
			return nil, fmt.Errorf("pricing refresh: remote=%w nanogpt=%v", remoteErr, nanoErr)
		}
		merged := bundledPrices()
		if remote != nil {
			merged = mergePrices(merged, remote, c.cfg)
		}
		if nano != nil {
			merged = mergePrices(merged, nano, c.cfg)
		}

		c.mu.Lock()
		c.prices = merged
		c.fetchedAt = time.Now()
		c.mu.Unlock()

		c.saveSnapshot(merged)
		if remoteErr != nil {
			c.logger.Warn("remote pricing feed failed, nanogpt overlay applied over bundled", zap.Error(remoteErr))
		}
		if nanoErr != nil {
			c.logger.Warn("nanogpt overlay fetch failed", zap.Error(nanoErr))
		}
		return nil, nil
	})
	return err
}

func (c *Catalog) fetchRemote(ctx context.Context) (map[string]ModelPrice, error) {
	return c.fetchJSON(ctx, c.cfg.RemoteURL, c.cfg.FetchTimeout, decodeModelsDevFeed)
}

func (c *Catalog) fetchNanoGPT(ctx context.Context) (map[string]ModelPrice, error) {
	return c.fetchJSON(ctx, c.cfg.NanoGPTURL, c.cfg.NanoGPTTimeout, decodeNanoGPTFeed)
}

func (c *Catalog) fetchJSON(ctx context.Context, url string, timeout time.Duration, decode func([]byte) (map[string]ModelPrice, error)) (map[string]ModelPrice, error) {
	if url == "" {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("pricing feed %s: status %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, err
	}
	return decode(body)
}

// mergePrices layers overlay onto base: preferred providers win ties,
// problematic-suffix and zero-cost models are dropped from the
// overlay so a broken feed entry can't silently zero out a real price.
func mergePrices(base, overlay map[string]ModelPrice, cfg config.PricingConfig) map[string]ModelPrice {
	merged := make(map[string]ModelPrice, len(base)+len(overlay))
	for k, v := range base {
		merged[k] = v
	}
	for id, price := range overlay {
		if hasProblematicSuffix(id, cfg.ProblematicSuffixes) {
			continue
		}
		if price.InputPerMTok == 0 && price.OutputPerMTok == 0 {
			continue
		}
		existing, exists := merged[id]
		if !exists || isPreferredProvider(price.Provider, cfg.PreferredProviders) || !isPreferredProvider(existing.Provider, cfg.PreferredProviders) {
			merged[id] = price
		}
	}
	return merged
}

func hasProblematicSuffix(modelID string, suffixes []string) bool {
	for _, s := range suffixes {
		if strings.HasSuffix(modelID, s) {
			return true
		}
	}
	return false
}

func isPreferredProvider(provider string, preferred []string) bool {
	for _, p := range preferred {
		if p == provider {
			return true
		}
	}
	return false
}

// Lookup returns the price entry for modelID, warning once per unknown
// model id.
func (c *Catalog) Lookup(modelID string) (ModelPrice, bool) {
	c.mu.RLock()
	p, ok := c.prices[modelID]
	c.mu.RUnlock()
	if ok {
		return p, true
	}
	c.mu.Lock()
	if !c.warnedOnce[modelID] {
		c.warnedOnce[modelID] = true
		c.logger.Warn("no pricing entry for model, cost will be reported as zero", zap.String("model", modelID))
	}
	c.mu.Unlock()
	return ModelPrice{}, false
}

func (c *Catalog) snapshotPath() string {
	if c.cfg.SnapshotPath != "" {
		return c.cfg.SnapshotPath
	}
	return filepath.Join(os.TempDir(), "relaygate-pricing.json")
}

func (c *Catalog) loadSnapshot() (snapshot, bool) {
	data, err := os.ReadFile(c.snapshotPath())
	if err != nil {
		return snapshot{}, false
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return snapshot{}, false
	}
	return snap, true
}

func (c *Catalog) saveSnapshot(prices map[string]ModelPrice) {
	snap := snapshot{FetchedAt: time.Now(), Prices: prices}
	data, err := json.Marshal(snap)
	if err != nil {
		return
	}
	if err := os.WriteFile(c.snapshotPath(), data, 0o644); err != nil {
		c.logger.Debug("failed to persist pricing snapshot", zap.Error(err))
	}
}

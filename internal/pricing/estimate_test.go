package pricing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kaelmora/relaygate/internal/config"
)

func newTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	cfg := config.DefaultPricingConfig()
	cfg.Offline = true
	return New(cfg, zap.NewNop())
}

func TestEstimateCostUSD_KnownModel(t *testing.T) {
	c := newTestCatalog(t)
	cost := c.EstimateCostUSD("claude-3-5-sonnet-20241022", Usage{
		InputTokens:  1_000_000,
		OutputTokens: 1_000_000,
	})
	assert.InDelta(t, 18.0, cost, 0.001)
}

func TestEstimateCostUSD_UnknownModelWarnsOnceAndReturnsZero(t *testing.T) {
	c := newTestCatalog(t)
	cost := c.EstimateCostUSD("totally-unknown-model", Usage{InputTokens: 1000})
	assert.Equal(t, 0.0, cost)

	_, ok := c.Lookup("totally-unknown-model")
	require.False(t, ok)
	assert.True(t, c.warnedOnce["totally-unknown-model"])
}

func TestEstimateCostUSD_MissingCacheRatesTreatedAsZero(t *testing.T) {
	c := newTestCatalog(t)
	cost := c.EstimateCostUSD("glm-4-plus", Usage{
		InputTokens:      1_000_000,
		CacheReadTokens:  500_000,
		CacheWriteTokens: 500_000,
	})
	assert.InDelta(t, 0.5, cost, 0.001)
}

func TestMergePrices_PreferredProviderWinsTie(t *testing.T) {
	cfg := config.DefaultPricingConfig()
	base := map[string]ModelPrice{
		"shared-model": {Model: "shared-model", Provider: "other", InputPerMTok: 1, OutputPerMTok: 1},
	}
	overlay := map[string]ModelPrice{
		"shared-model": {Model: "shared-model", Provider: "zai", InputPerMTok: 2, OutputPerMTok: 2},
	}
	merged := mergePrices(base, overlay, cfg)
	assert.Equal(t, "zai", merged["shared-model"].Provider)
}

func TestMergePrices_DropsProblematicSuffixAndZeroCost(t *testing.T) {
	cfg := config.DefaultPricingConfig()
	base := map[string]ModelPrice{}
	overlay := map[string]ModelPrice{
		"foo-coding-plan": {Model: "foo-coding-plan", InputPerMTok: 5, OutputPerMTok: 5},
		"foo-zero-cost":   {Model: "foo-zero-cost", InputPerMTok: 0, OutputPerMTok: 0},
		"foo-real":        {Model: "foo-real", InputPerMTok: 1, OutputPerMTok: 1},
	}
	merged := mergePrices(base, overlay, cfg)
	assert.NotContains(t, merged, "foo-coding-plan")
	assert.NotContains(t, merged, "foo-zero-cost")
	assert.Contains(t, merged, "foo-real")
}

func TestEstimateTokens_NonEmpty(t *testing.T) {
	n := EstimateTokens("claude-3-5-sonnet-20241022", "hello world, this is a test prompt")
	assert.Greater(t, n, 0)
}

package pricing

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

// Usage is the token-usage breakdown a completed request reports.
type Usage struct {
	InputTokens      int64
	OutputTokens     int64
	CacheReadTokens  int64
	CacheWriteTokens int64
}

const perMillion = 1_000_000.0

// EstimateCostUSD prices a completed request against the catalog. A
// missing cache-read or cache-write rate is treated as 0 with a single
// warning rather than failing the whole calculation (Open Question
// decision, see DESIGN.md).
func (c *Catalog) EstimateCostUSD(modelID string, u Usage) float64 {
	price, ok := c.Lookup(modelID)
	if !ok {
		return 0
	}
	cost := float64(u.InputTokens)/perMillion*price.InputPerMTok +
		float64(u.OutputTokens)/perMillion*price.OutputPerMTok +
		float64(u.CacheReadTokens)/perMillion*price.CacheReadPerMTok +
		float64(u.CacheWriteTokens)/perMillion*price.CacheWritePerMTok
	c.mu.Lock()
	if u.CacheReadTokens > 0 && price.CacheReadPerMTok == 0 && !c.warnedOnce[modelID+"|cache_read"] {
		c.warnedOnce[modelID+"|cache_read"] = true
		c.logger.Warn("no cache-read rate for model, cache-read tokens priced at zero", zap.String("model", modelID))
	}
	if u.CacheWriteTokens > 0 && price.CacheWritePerMTok == 0 && !c.warnedOnce[modelID+"|cache_write"] {
		c.warnedOnce[modelID+"|cache_write"] = true
		c.logger.Warn("no cache-write rate for model, cache-write tokens priced at zero", zap.String("model", modelID))
	}
	c.mu.Unlock()
	return cost
}

// tokenEncoders caches tiktoken-go BPE encoders per encoding name; they
// are safe for concurrent use once built but construction itself is
// not cheap, so callers share one per process.
var (
	encodersMu sync.Mutex
	encoders   = make(map[string]*tiktoken.Tiktoken)
)

// EstimateTokens counts text tokens when a provider response omits
// usage accounting entirely. It
// always falls back to cl100k_base: none of the providers this proxy
// fronts publish a tiktoken-compatible encoding name, so per-model
// selection would be cosmetic.
func EstimateTokens(modelID, text string) int {
	const encoding = "cl100k_base"

	encodersMu.Lock()
	enc, ok := encoders[encoding]
	if !ok {
		var err error
		enc, err = tiktoken.GetEncoding(encoding)
		if err != nil {
			encodersMu.Unlock()
			return len(text) / 4 // last-resort character heuristic
		}
		encoders[encoding] = enc
	}
	encodersMu.Unlock()

	return len(enc.Encode(text, nil, nil))
}

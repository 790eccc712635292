// Package providers normalizes request/response framing across
// upstream account families and extracts usage metadata from the
// response stream. Body framing is
// otherwise passed through verbatim — rewriting provider-specific
// request bodies beyond what is needed to observe usage is explicitly
// out of scope — so an Adapter's job is narrow:
// pick the upstream URL, set auth headers, and parse usage out of the
// bytes as they stream past.
package providers

import (
	"net/http"

	"github.com/kaelmora/relaygate/internal/pricing"
	"github.com/kaelmora/relaygate/internal/store"
)

// Adapter is implemented once per account "provider family" (spec
// §4 lists: Anthropic-OAuth, Claude-Console-API-key, OpenAI-compatible,
// Anthropic-compatible, Minimax, Kilo, NanoGPT, ZAI).
type Adapter interface {
	// Name identifies the adapter for logging/metrics labels.
	Name() string

	// UpstreamURL resolves the full upstream URL for path, honoring
	// account.CustomEndpoint when set.
	UpstreamURL(account *store.Account, path string) string

	// ApplyAuth sets the headers the upstream expects for account's
	// credentials.
	ApplyAuth(req *http.Request, account *store.Account)

	// NewUsageScanner returns a fresh per-request SSE/JSON usage
	// scanner; Dispatcher feeds it response bytes as they are copied
	// to the client (grounded on llm/providers/anthropic and
	// llm/providers/openaicompat's streaming decode loops, §4.6
	// "usage parsing is non-blocking").
	NewUsageScanner() UsageScanner
}

// UsageScanner incrementally consumes response bytes and accumulates
// token usage without buffering the whole body.
type UsageScanner interface {
	// Feed processes one chunk of raw response bytes.
	Feed(chunk []byte)
	// Close flushes any buffered partial line once the stream ends —
	// a non-streamed response is a single JSON object with no
	// trailing newline, so Feed alone may never see it.
	Close()
	// Usage returns the best-known totals so far.
	Usage() pricing.Usage
}

// Registry resolves an Adapter by an account's provider tag.
type Registry struct {
	byProvider map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{byProvider: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.byProvider[a.Name()] = a
	}
	return r
}

func (r *Registry) For(provider string) (Adapter, bool) {
	a, ok := r.byProvider[provider]
	return a, ok
}

package providers

import (
	"net/http"

	"github.com/kaelmora/relaygate/internal/store"
)

// AnthropicCompatAdapter serves third-party accounts that speak the
// Anthropic Messages wire format (SSE event shapes included) but are
// not Anthropic itself, so there is no well-known default base URL —
// CustomEndpoint is effectively mandatory for this family.
type AnthropicCompatAdapter struct{}

func (AnthropicCompatAdapter) Name() string { return "anthropic-compatible" }

func (AnthropicCompatAdapter) UpstreamURL(account *store.Account, path string) string {
	return upstreamURL(account, path)
}

func (AnthropicCompatAdapter) ApplyAuth(req *http.Request, account *store.Account) {
	req.Header.Set("x-api-key", account.APIKey)
	req.Header.Set("anthropic-version", anthropicVersion)
}

func (AnthropicCompatAdapter) NewUsageScanner() UsageScanner { return newAnthropicUsageScanner() }

// BuildRegistry wires every provider family into a single Registry:
// the Anthropic account types backed by anthropicUsageScanner, and the
// OpenAI-wire resellers backed by openAICompatUsageScanner, each
// pre-seeded with a sensible default base URL — operators can still
// override per account via Account.CustomEndpoint.
func BuildRegistry() *Registry {
	return NewRegistry(
		AnthropicOAuthAdapter{},
		ClaudeConsoleAdapter{},
		AnthropicCompatAdapter{},
		NewOpenAICompatAdapter("minimax", "https://api.minimax.io"),
		NewOpenAICompatAdapter("kilo", "https://api.kilocode.ai"),
		NewOpenAICompatAdapter("nanogpt", "https://nano-gpt.com/api"),
		NewOpenAICompatAdapter("zai", "https://api.z.ai/api/paas"),
	)
}

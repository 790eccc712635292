package providers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/kaelmora/relaygate/internal/pricing"
	"github.com/kaelmora/relaygate/internal/store"
)

// OpenAICompatAdapter serves every account whose upstream speaks the
// OpenAI chat-completions wire format rather than Anthropic's —
// Minimax, Kilo, NanoGPT, and ZAI are all OpenAI-wire-compatible
// resellers, so one adapter generalizes across all of them.
// DefaultBaseURL is only a starting point; operators normally override
// per-account via Account.CustomEndpoint.
type OpenAICompatAdapter struct {
	ProviderName   string
	DefaultBaseURL string
}

func NewOpenAICompatAdapter(name, defaultBaseURL string) OpenAICompatAdapter {
	return OpenAICompatAdapter{ProviderName: name, DefaultBaseURL: defaultBaseURL}
}

func (a OpenAICompatAdapter) Name() string { return a.ProviderName }

func (a OpenAICompatAdapter) UpstreamURL(account *store.Account, path string) string {
	base := a.DefaultBaseURL
	if account.CustomEndpoint != "" {
		base = account.CustomEndpoint
	}
	return strings.TrimRight(base, "/") + path
}

func (OpenAICompatAdapter) ApplyAuth(req *http.Request, account *store.Account) {
	key := account.APIKey
	if key == "" {
		key = account.AccessToken
	}
	req.Header.Set("Authorization", "Bearer "+key)
}

func (OpenAICompatAdapter) NewUsageScanner() UsageScanner { return &openAICompatUsageScanner{} }

// openAICompatUsageScanner reads the standard OpenAI "usage" object,
// which (streamed or not) only appears once per response, so the last
// value seen wins (grounded on llm/providers/openaicompat/provider.go's
// ChatUsage population, reused here purely to observe rather than
// translate).
type openAICompatUsageScanner struct {
	buf   []byte
	usage pricing.Usage
	seen  bool
}

type openAICompatChunk struct {
	Usage *struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
}

func (s *openAICompatUsageScanner) Feed(chunk []byte) {
	s.buf = append(s.buf, chunk...)
	for {
		idx := indexByte(s.buf, '\n')
		if idx < 0 {
			return
		}
		line := s.buf[:idx]
		s.buf = s.buf[idx+1:]
		s.processLine(line)
	}
}

func (s *openAICompatUsageScanner) Close() {
	if len(s.buf) > 0 {
		s.processLine(s.buf)
		s.buf = nil
	}
}

func (s *openAICompatUsageScanner) processLine(raw []byte) {
	line := strings.TrimSpace(string(raw))
	data := line
	if strings.HasPrefix(line, "data:") {
		data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	}
	if data == "" || data == "[DONE]" {
		return
	}

	var c openAICompatChunk
	if err := json.Unmarshal([]byte(data), &c); err != nil {
		return
	}
	if c.Usage != nil {
		s.usage.InputTokens = c.Usage.PromptTokens
		s.usage.OutputTokens = c.Usage.CompletionTokens
		s.seen = true
	}
}

func (s *openAICompatUsageScanner) Usage() pricing.Usage { return s.usage }

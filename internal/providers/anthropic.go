package providers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/kaelmora/relaygate/internal/pricing"
	"github.com/kaelmora/relaygate/internal/store"
)

const anthropicVersion = "2023-06-01"
const defaultAnthropicBaseURL = "https://api.anthropic.com"

// AnthropicOAuthAdapter serves accounts authenticated through Claude's
// OAuth flow: bearer token plus the oauth beta header Anthropic
// requires to accept a personal-plan access token on the Messages API
// (grounded on providers/anthropic/provider.go's buildHeaders, adapted
// from its x-api-key-only form since OAuth accounts use Bearer).
type AnthropicOAuthAdapter struct{}

func (AnthropicOAuthAdapter) Name() string { return "anthropic-oauth" }

func (AnthropicOAuthAdapter) UpstreamURL(account *store.Account, path string) string {
	return upstreamURL(account, path)
}

func (AnthropicOAuthAdapter) ApplyAuth(req *http.Request, account *store.Account) {
	req.Header.Set("Authorization", "Bearer "+account.AccessToken)
	req.Header.Set("anthropic-version", anthropicVersion)
	req.Header.Set("anthropic-beta", "oauth-2025-04-20")
}

func (AnthropicOAuthAdapter) NewUsageScanner() UsageScanner { return newAnthropicUsageScanner() }

// ClaudeConsoleAdapter serves accounts authenticated with a plain
// Anthropic Console API key (grounded on the same teacher file's
// x-api-key header path).
type ClaudeConsoleAdapter struct{}

func (ClaudeConsoleAdapter) Name() string { return "claude-console" }

func (ClaudeConsoleAdapter) UpstreamURL(account *store.Account, path string) string {
	return upstreamURL(account, path)
}

func (ClaudeConsoleAdapter) ApplyAuth(req *http.Request, account *store.Account) {
	req.Header.Set("x-api-key", account.APIKey)
	req.Header.Set("anthropic-version", anthropicVersion)
}

func (ClaudeConsoleAdapter) NewUsageScanner() UsageScanner { return newAnthropicUsageScanner() }

func upstreamURL(account *store.Account, path string) string {
	base := defaultAnthropicBaseURL
	if account.CustomEndpoint != "" {
		base = account.CustomEndpoint
	}
	return strings.TrimRight(base, "/") + path
}

// anthropicUsageScanner accumulates token counts from an Anthropic
// Messages SSE stream's message_start/message_delta/message_stop
// events without buffering the whole body, reused here purely as an
// observer rather than a translator.
type anthropicUsageScanner struct {
	buf   []byte
	usage pricing.Usage
}

func newAnthropicUsageScanner() *anthropicUsageScanner {
	return &anthropicUsageScanner{}
}

type anthropicUsageEvent struct {
	Type  string `json:"type"`
	Usage *struct {
		InputTokens              int64 `json:"input_tokens"`
		OutputTokens             int64 `json:"output_tokens"`
		CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
		CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
	} `json:"usage"`
	Message *struct {
		Usage *struct {
			InputTokens              int64 `json:"input_tokens"`
			CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
			CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
		} `json:"usage"`
	} `json:"message"`
}

func (s *anthropicUsageScanner) Feed(chunk []byte) {
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

func (s *anthropicUsageScanner) Close() {
	if len(s.buf) > 0 {
		s.processLine(s.buf)
		s.buf = nil
	}
}

func (s *anthropicUsageScanner) processLine(raw []byte) {
	line := strings.TrimSpace(string(raw))
	data := line
	if strings.HasPrefix(line, "data:") {
		data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	}
	if data == "" || data == "[DONE]" {
		return
	}

	var event anthropicUsageEvent
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		return
	}
	switch event.Type {
	case "message":
		if event.Usage != nil {
			s.usage.InputTokens = event.Usage.InputTokens
			s.usage.OutputTokens = event.Usage.OutputTokens
			s.usage.CacheReadTokens = event.Usage.CacheReadInputTokens
			s.usage.CacheWriteTokens = event.Usage.CacheCreationInputTokens
		}
	case "message_start":
		if event.Message != nil && event.Message.Usage != nil {
			s.usage.InputTokens = event.Message.Usage.InputTokens
			s.usage.CacheReadTokens = event.Message.Usage.CacheReadInputTokens
			s.usage.CacheWriteTokens = event.Message.Usage.CacheCreationInputTokens
		}
	case "message_delta", "message_stop":
		if event.Usage != nil {
			if event.Usage.OutputTokens > 0 {
				s.usage.OutputTokens = event.Usage.OutputTokens
			}
			if event.Usage.InputTokens > 0 {
				s.usage.InputTokens = event.Usage.InputTokens
			}
		}
	}
}

func (s *anthropicUsageScanner) Usage() pricing.Usage { return s.usage }

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

package store

import "time"

// Account is an upstream credential set addressable by id.
// Exactly one of {AccessToken+RefreshToken(+ExpiresAt)} or APIKey is
// populated, matching AuthType.
type Account struct {
	ID                   string     `gorm:"primaryKey;size:64" json:"id"`
	Name                 string     `gorm:"size:100;not null;uniqueIndex" json:"name"`
	Provider             string     `gorm:"size:50;not null;index" json:"provider"`
	AuthType             string     `gorm:"size:20;not null" json:"auth_type"` // oauth | api_key
	AccessToken          string     `gorm:"type:text" json:"access_token,omitempty"`
	RefreshToken         string     `gorm:"type:text" json:"refresh_token,omitempty"`
	APIKey               string     `gorm:"type:text" json:"api_key,omitempty"`
	ExpiresAt            *int64     `json:"expires_at,omitempty"` // epoch ms
	CreatedAt            time.Time  `json:"created_at"`
	LastUsed             *time.Time `json:"last_used,omitempty"`
	RequestCount         int64      `gorm:"default:0" json:"request_count"`
	TotalRequests        int64      `gorm:"default:0" json:"total_requests"`
	SessionStart         *time.Time `json:"session_start,omitempty"`
	SessionRequestCount  int64      `gorm:"default:0" json:"session_request_count"`
	RateLimitedUntil     *int64     `json:"rate_limited_until,omitempty"` // epoch ms
	RateLimitStatus      string     `gorm:"size:50" json:"rate_limit_status,omitempty"`
	RateLimitReset       *int64     `json:"rate_limit_reset,omitempty"`
	RateLimitRemaining   *int64     `json:"rate_limit_remaining,omitempty"`
	Paused               bool       `gorm:"default:false" json:"paused"`
	Priority             int        `gorm:"default:0;index" json:"priority"` // higher = preferred
	AutoFallbackEnabled  bool       `gorm:"default:true" json:"auto_fallback_enabled"`
	AutoRefreshEnabled   bool       `gorm:"default:true" json:"auto_refresh_enabled"`
	CustomEndpoint       string     `gorm:"type:text" json:"custom_endpoint,omitempty"`
	ModelMappings        string     `gorm:"type:text" json:"model_mappings,omitempty"` // raw JSON escape hatch
}

func (Account) TableName() string { return "accounts" }

// OAuthSession is ephemeral, TTL-bounded state for one PKCE flow.
type OAuthSession struct {
	ID             string    `gorm:"primaryKey;size:64" json:"id"`
	AccountName    string    `gorm:"size:100;not null" json:"account_name"`
	PKCEVerifier   string    `gorm:"size:200;not null" json:"pkce_verifier"`
	Mode           string    `gorm:"size:20;not null" json:"mode"` // console | claude-oauth
	CustomEndpoint string    `gorm:"type:text" json:"custom_endpoint,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `gorm:"index" json:"expires_at"`
}

func (OAuthSession) TableName() string { return "oauth_sessions" }

// Request is the per-dispatch telemetry row.
type Request struct {
	ID                       string     `gorm:"primaryKey;size:36" json:"id"`
	Timestamp                time.Time  `gorm:"index" json:"timestamp"`
	Method                   string     `gorm:"size:10" json:"method"`
	Path                     string     `gorm:"size:500" json:"path"`
	AccountUsed              string     `gorm:"size:100;index" json:"account_used,omitempty"`
	StatusCode               int        `json:"status_code,omitempty"`
	Success                  bool       `gorm:"index" json:"success"`
	ErrorMessage             string     `gorm:"type:text" json:"error_message,omitempty"`
	ResponseTimeMs           *int64     `json:"response_time_ms,omitempty"`
	FailoverAttempts         int        `gorm:"default:0" json:"failover_attempts"`
	Model                    string     `gorm:"size:100" json:"model,omitempty"`
	InputTokens              *int64     `json:"input_tokens,omitempty"`
	OutputTokens             *int64     `json:"output_tokens,omitempty"`
	CacheReadInputTokens     *int64     `json:"cache_read_input_tokens,omitempty"`
	CacheCreationInputTokens *int64     `json:"cache_creation_input_tokens,omitempty"`
	TotalTokens              *int64     `json:"total_tokens,omitempty"`
	CostUSD                  *float64   `json:"cost_usd,omitempty"`
	OutputTokensPerSecond    *float64   `json:"output_tokens_per_second,omitempty"`
	AgentUsed                string     `gorm:"size:100" json:"agent_used,omitempty"`
	APIKeyID                string     `gorm:"size:64;index" json:"api_key_id,omitempty"`
}

func (Request) TableName() string { return "requests" }

// RequestPayload is the optional archived request/response JSON,
// cascade-deleted with its parent Request row.
type RequestPayload struct {
	RequestID    string    `gorm:"primaryKey;size:36" json:"request_id"`
	RequestJSON  string    `gorm:"type:text" json:"request_json"`
	ResponseJSON string    `gorm:"type:text" json:"response_json"`
	CreatedAt    time.Time `gorm:"index" json:"created_at"`
}

func (RequestPayload) TableName() string { return "request_payloads" }

// StrategyConfig is a name -> JSON config row from the closed set of
// strategy names.
type StrategyConfig struct {
	Name      string    `gorm:"primaryKey;size:50" json:"name"`
	ConfigRaw string    `gorm:"type:text" json:"config"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (StrategyConfig) TableName() string { return "strategy_configs" }

// APIKey authenticates the management surface.
type APIKey struct {
	ID           string     `gorm:"primaryKey;size:64" json:"id"`
	Name         string     `gorm:"size:100;not null;uniqueIndex" json:"name"`
	HashedKey    string     `gorm:"size:200;not null" json:"-"`
	PrefixLast8  string     `gorm:"size:8" json:"prefix_last_8"`
	CreatedAt    time.Time  `json:"created_at"`
	LastUsed     *time.Time `json:"last_used,omitempty"`
	UsageCount   int64      `gorm:"default:0" json:"usage_count"`
	IsActive     bool       `gorm:"default:true;index" json:"is_active"`
	Role         string     `gorm:"size:20;not null" json:"role"` // admin | api-only
}

func (APIKey) TableName() string { return "api_keys" }

// ModelTranslation is a global family/wildcard -> provider model-id
// fallback used when an account's per-account model_mappings neither
// match the requested model nor carry a "sonnet" default entry;
// per-account mappings live inline on Account.ModelMappings.
type ModelTranslation struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Pattern   string    `gorm:"size:200;not null;uniqueIndex" json:"pattern"`
	Target    string    `gorm:"size:200;not null" json:"target"`
	Priority  int       `gorm:"default:0" json:"priority"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (ModelTranslation) TableName() string { return "model_translations" }

// AgentPreference is a small key/value row used by the dashboard to
// remember per-agent-label display preferences (default model, pinned
// strategy); not part of the request-serving pipeline proper but owned
// by the Store alongside the rest of the schema.
type AgentPreference struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	AgentName string    `gorm:"size:100;not null;uniqueIndex:idx_agent_key" json:"agent_name"`
	Key       string    `gorm:"size:100;not null;uniqueIndex:idx_agent_key" json:"key"`
	Value     string    `gorm:"type:text" json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (AgentPreference) TableName() string { return "agent_preferences" }

// Package config defines the typed configuration tree for relaygate,
// loaded once at startup from YAML plus environment overrides. There
// is no hot-reload: this proxy's configuration is fixed for its
// process lifetime.
package config

import "time"

// Config is the root configuration tree, composed from DefaultConfig()
// and overlaid by YAML and environment variables in cmd/relaygate.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Log         LogConfig         `yaml:"log"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Pricing     PricingConfig     `yaml:"pricing"`
	TokenMgr    TokenManagerConfig `yaml:"token_manager"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Dispatcher  DispatcherConfig  `yaml:"dispatcher"`
	EventBus    EventBusConfig    `yaml:"event_bus"`
	Auth        AuthConfig        `yaml:"auth"`
	Strategy    StrategyConfig    `yaml:"strategy"`
}

type ServerConfig struct {
	HTTPAddr           string        `yaml:"http_addr"`
	MetricsAddr        string        `yaml:"metrics_addr"` // empty disables the /metrics listener
	ReadTimeout        time.Duration `yaml:"read_timeout"`
	WriteTimeout       time.Duration `yaml:"write_timeout"`
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout"`
	CORSAllowedOrigins []string      `yaml:"cors_allowed_origins"`
}

type DatabaseConfig struct {
	// Driver selects the GORM dialect: "sqlite" (default, embedded,
	// pure-Go), "postgres", or "mysql".
	Driver          string        `yaml:"driver"`
	Path            string        `yaml:"path"` // sqlite file path
	DSN             string        `yaml:"dsn"`  // postgres/mysql connection string
	BusyTimeout     time.Duration `yaml:"busy_timeout"`
	SynchronousFull bool          `yaml:"synchronous_full"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	RetryMaxAttempts int          `yaml:"retry_max_attempts"`
	RetryBaseDelay   time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay    time.Duration `yaml:"retry_max_delay"`

	// OptimizeInterval paces the background Store.Optimize loop (a
	// passive checkpoint plus a query-planner stats refresh). Compact
	// is heavier (VACUUM) and is never scheduled automatically — it's
	// reached only through POST /api/maintenance/compact.
	OptimizeInterval time.Duration `yaml:"optimize_interval"`
}

type LogConfig struct {
	Level        string   `yaml:"level"`
	Format       string   `yaml:"format"`
	OutputPaths  []string `yaml:"output_paths"`
	EnableCaller bool     `yaml:"enable_caller"`
}

type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	ServiceName  string  `yaml:"service_name"`
	SampleRate   float64 `yaml:"sample_rate"`

	// Insecure connects to the OTLP collector over plaintext gRPC,
	// appropriate for a sidecar collector on localhost. Set false to
	// dial the collector over TLS using the same hardened cipher suite
	// and minimum version internal/tlsutil enforces for provider
	// connections.
	Insecure bool `yaml:"insecure"`
}

type PricingConfig struct {
	RefreshInterval   time.Duration `yaml:"refresh_interval"`
	Offline           bool          `yaml:"offline"`
	RemoteURL         string        `yaml:"remote_url"`
	NanoGPTURL        string        `yaml:"nanogpt_url"`
	FetchTimeout      time.Duration `yaml:"fetch_timeout"`
	NanoGPTTimeout    time.Duration `yaml:"nanogpt_timeout"`
	SnapshotPath      string        `yaml:"snapshot_path"`
	PreferredProviders []string     `yaml:"preferred_providers"`
	ProblematicSuffixes []string    `yaml:"problematic_suffixes"`
}

type TokenManagerConfig struct {
	RefreshSkew      time.Duration `yaml:"refresh_skew"`
	ExchangeTimeout  time.Duration `yaml:"exchange_timeout"`
	OAuthSessionTTL  time.Duration `yaml:"oauth_session_ttl"`
	ClientID         string        `yaml:"client_id"`
	RefreshRPS       float64       `yaml:"refresh_rps"`
	RefreshBurst     int           `yaml:"refresh_burst"`
	SessionJWTSecret string        `yaml:"session_jwt_secret"`
	SessionJWTTTL    time.Duration `yaml:"session_jwt_ttl"`
}

type RateLimitConfig struct {
	DefaultCooldown time.Duration `yaml:"default_cooldown"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
	RedisAddr       string        `yaml:"redis_addr"` // empty = process-local only
}

type DispatcherConfig struct {
	PerAttemptTimeout   time.Duration `yaml:"per_attempt_timeout"`
	TotalBudget         time.Duration `yaml:"total_budget"`
	MaxRetries          int           `yaml:"max_retries"`
	RetryInitialDelay   time.Duration `yaml:"retry_initial_delay"`
	RetryMaxDelay       time.Duration `yaml:"retry_max_delay"`
	BreakerThreshold    int           `yaml:"breaker_threshold"`
	BreakerResetTimeout time.Duration `yaml:"breaker_reset_timeout"`
	EnableWebsocket     bool          `yaml:"enable_websocket"`

	// PersistPayloads archives the raw request/response JSON for every
	// completed dispatch into request_payloads, linked by request id
	// with cascade delete (internal/store's RequestPayload). Off by
	// default since payload bodies can carry sensitive prompt content
	// an operator may not want retained beyond the summary row.
	PersistPayloads bool `yaml:"persist_payloads"`
}

type EventBusConfig struct {
	MaxRequestSubscribers int `yaml:"max_request_subscribers"`
	MaxLogSubscribers     int `yaml:"max_log_subscribers"`
	SubscriberQueueSize   int `yaml:"subscriber_queue_size"`

	// LogHistorySize bounds the in-memory ring buffer GET
	// /api/logs/history reads from, independent of how many live
	// subscribers GET /api/logs/stream currently has.
	LogHistorySize int `yaml:"log_history_size"`
}

type StrategyConfig struct {
	// StickySessionDuration is how long the "session" strategy keeps
	// routing a key's requests back to the same account once one starts.
	StickySessionDuration time.Duration `yaml:"sticky_session_duration"`
}

type AuthConfig struct {
	// ExemptPaths beyond the always-exempt set (health, oauth, initial
	// key creation); matched by exact prefix.
	ExemptPaths []string `yaml:"exempt_paths"`
}

package config

import "time"

// DefaultConfig composes one DefaultXConfig() per sub-struct.
func DefaultConfig() *Config {
	return &Config{
		Server:     DefaultServerConfig(),
		Database:   DefaultDatabaseConfig(),
		Log:        DefaultLogConfig(),
		Telemetry:  DefaultTelemetryConfig(),
		Pricing:    DefaultPricingConfig(),
		TokenMgr:   DefaultTokenManagerConfig(),
		RateLimit:  DefaultRateLimitConfig(),
		Dispatcher: DefaultDispatcherConfig(),
		EventBus:   DefaultEventBusConfig(),
		Auth:       DefaultAuthConfig(),
		Strategy:   DefaultStrategyConfig(),
	}
}

func DefaultStrategyConfig() StrategyConfig {
	return StrategyConfig{
		StickySessionDuration: 5 * time.Hour,
	}
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:           ":8089",
		MetricsAddr:        ":9090",
		ReadTimeout:        30 * time.Second,
		WriteTimeout:       5 * time.Minute, // must cover the dispatcher's total budget
		ShutdownTimeout:    15 * time.Second,
		CORSAllowedOrigins: []string{"*"},
	}
}

func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:           "sqlite",
		Path:             "relaygate.db",
		BusyTimeout:      5 * time.Second,
		SynchronousFull:  true,
		MaxOpenConns:     1, // sqlite: single writer, WAL allows concurrent readers
		MaxIdleConns:     1,
		ConnMaxLifetime:  time.Hour,
		RetryMaxAttempts: 3,
		RetryBaseDelay:   100 * time.Millisecond,
		RetryMaxDelay:    5 * time.Second,
		OptimizeInterval: 6 * time.Hour,
	}
}

func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:        "info",
		Format:       "json",
		OutputPaths:  []string{"stdout"},
		EnableCaller: true,
	}
}

func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "relaygate",
		SampleRate:   0.1,
		Insecure:     true,
	}
}

func DefaultPricingConfig() PricingConfig {
	return PricingConfig{
		RefreshInterval:     24 * time.Hour,
		RemoteURL:           "https://models.dev/api.json",
		NanoGPTURL:          "https://nanogpt.com/api/v1/pricing",
		FetchTimeout:        10 * time.Second,
		NanoGPTTimeout:      10 * time.Second,
		SnapshotPath:        "", // empty = os.TempDir()/relaygate-pricing.json
		PreferredProviders:  []string{"zai", "anthropic"},
		ProblematicSuffixes: []string{"-coding-plan", "-special", "-demo", "-free", "-trial"},
	}
}

func DefaultTokenManagerConfig() TokenManagerConfig {
	return TokenManagerConfig{
		RefreshSkew:     30 * time.Second,
		ExchangeTimeout: 10 * time.Second,
		OAuthSessionTTL: 10 * time.Minute,
		RefreshRPS:      1,
		RefreshBurst:    3,
		SessionJWTTTL:   10 * time.Minute,
	}
}

func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		DefaultCooldown: 60 * time.Second,
		SweepInterval:   30 * time.Second,
	}
}

func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		PerAttemptTimeout:   2 * time.Minute,
		TotalBudget:         5 * time.Minute,
		MaxRetries:          3,
		RetryInitialDelay:   500 * time.Millisecond,
		RetryMaxDelay:       10 * time.Second,
		BreakerThreshold:    5,
		BreakerResetTimeout: 60 * time.Second,
		EnableWebsocket:     false,
		PersistPayloads:     false,
	}
}

func DefaultEventBusConfig() EventBusConfig {
	return EventBusConfig{
		MaxRequestSubscribers: 200,
		MaxLogSubscribers:     50,
		SubscriberQueueSize:   64,
		LogHistorySize:        500,
	}
}

func DefaultAuthConfig() AuthConfig {
	return AuthConfig{
		ExemptPaths: []string{"/health", "/api/oauth/init", "/api/oauth/callback"},
	}
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Loader loads configuration with priority: defaults -> YAML file ->
// environment variables.
type Loader struct {
	configPath string
}

func NewLoader() *Loader {
	return &Loader{}
}

func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// Load returns a fully-populated Config. There is no hot-reload
// watcher: this is called exactly once from cmd/relaygate.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := loadFromFile(l.configPath, cfg); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// Recognized environment variables. Kept as a short, explicit list
// rather than reflection over struct tags: there are exactly five of
// them, not a generic per-field override mechanism.
const (
	EnvPricingRefreshHours   = "RELAYGATE_PRICING_REFRESH_HOURS"
	EnvPricingOffline        = "RELAYGATE_PRICING_OFFLINE"
	EnvDebugTag              = "RELAYGATE_DEBUG" // "model" or "true"
	EnvDatabasePath          = "RELAYGATE_DB_PATH"
	EnvOpenAICompatMappings  = "RELAYGATE_OPENAI_COMPAT_MODEL_MAPPINGS" // JSON
)

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(EnvPricingRefreshHours); v != "" {
		if hours, err := strconv.Atoi(v); err == nil && hours > 0 {
			cfg.Pricing.RefreshInterval = time.Duration(hours) * time.Hour
		}
	}
	if v := os.Getenv(EnvPricingOffline); v != "" {
		cfg.Pricing.Offline = v == "true" || v == "1"
	}
	if v := os.Getenv(EnvDatabasePath); v != "" {
		cfg.Database.Path = v
	}
	// EnvDebugTag and EnvOpenAICompatMappings are declared above, but
	// nothing in the repository reads these two variables.
}

// Validate performs the boundary checks cmd/relaygate runs before
// wiring any service.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		return fmt.Errorf("database.path is required for the sqlite driver")
	}
	if c.Database.Driver != "sqlite" && c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required for driver %q", c.Database.Driver)
	}
	if c.Dispatcher.TotalBudget < c.Dispatcher.PerAttemptTimeout {
		return fmt.Errorf("dispatcher.total_budget must be >= per_attempt_timeout")
	}
	return nil
}

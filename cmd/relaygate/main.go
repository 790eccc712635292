// @title relaygate API
// @version 1.0.0
// @description relaygate is a multi-account failover proxy that fronts
// @description Anthropic-compatible LLM providers with account rotation,
// @description OAuth token refresh, and per-candidate retry/circuit-breaking.

// @license.name MIT
// @license.url https://opensource.org/licenses/MIT

// @host localhost:8089
// @BasePath /
// @schemes http https

// @securityDefinitions.apikey ApiKeyAuth
// @in header
// @name x-api-key

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/kaelmora/relaygate/internal/config"
	"github.com/kaelmora/relaygate/internal/eventbus"
	"github.com/kaelmora/relaygate/internal/store"
	"github.com/kaelmora/relaygate/internal/telemetry"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "migrate":
		runMigrate(os.Args[2:])
	case "version":
		printVersion()
	case "health":
		runHealthCheck(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// The log event bus and history ring buffer are built before the
	// logger so the logger's core can publish into them from its very
	// first line; NewServer receives the same instances rather than
	// building its own, so GET /api/logs/stream and /history see
	// everything the process logs.
	logsBus := eventbus.NewLogsBus(cfg.EventBus.MaxLogSubscribers, cfg.EventBus.SubscriberQueueSize, zap.NewNop())
	logHistory := eventbus.NewLogHistory(cfg.EventBus.LogHistorySize)

	logger := initLogger(cfg.Log, logsBus, logHistory)
	defer logger.Sync()

	logger.Info("starting relaygate",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	otelProviders, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
		otelProviders = &telemetry.Providers{}
	}

	srv, err := NewServer(cfg, logger, otelProviders, logsBus, logHistory)
	if err != nil {
		logger.Fatal("failed to build server", zap.Error(err))
	}

	if err := srv.Start(); err != nil {
		logger.Fatal("failed to start server", zap.Error(err))
	}

	srv.WaitForShutdown()
	logger.Info("relaygate stopped")
}

func runMigrate(args []string) {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logsBus := eventbus.NewLogsBus(cfg.EventBus.MaxLogSubscribers, cfg.EventBus.SubscriberQueueSize, zap.NewNop())
	logger := initLogger(cfg.Log, logsBus, eventbus.NewLogHistory(cfg.EventBus.LogHistorySize))
	defer logger.Sync()

	// store.Open runs every pending migration as a side effect
	// (internal/store/migrator.go), so "migrate" is just an explicit,
	// server-less invocation of the same path.
	st, err := store.Open(context.Background(), cfg.Database, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Migration failed: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = st.Close(context.Background()) }()

	fmt.Println("Migrations applied")
}

func loadConfig(configPath string) (*config.Config, error) {
	loader := config.NewLoader()
	if configPath != "" {
		loader = loader.WithConfigPath(configPath)
	}
	return loader.Load()
}

func runHealthCheck(args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:8089", "Server address")
	fs.Parse(args)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(*addr + "/health")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: status %d\n", resp.StatusCode)
		os.Exit(1)
	}

	fmt.Println("OK")
}

func printVersion() {
	fmt.Printf("relaygate %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`relaygate - multi-account LLM failover proxy

Usage:
  relaygate <command> [options]

Commands:
  serve     Start the relaygate server
  migrate   Apply pending database migrations and exit
  version   Show version information
  health    Check server health
  help      Show this help message

Options for 'serve' and 'migrate':
  --config <path>   Path to configuration file (YAML)

Examples:
  relaygate serve
  relaygate serve --config /etc/relaygate/config.yaml
  relaygate migrate --config /etc/relaygate/config.yaml
  relaygate health --addr http://localhost:8089
  relaygate version`)
}

// initLogger builds the process logger with its normal encoding core
// teed against an eventbus.LogCore, so every log line relaygate emits
// also reaches logsBus/history and is visible to GET /api/logs/stream
// and /api/logs/history without a second logging pass anywhere else.
func initLogger(cfg config.LogConfig, logsBus *eventbus.Bus[eventbus.LogEvent], history *eventbus.LogHistory) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}
	atomicLevel := zap.NewAtomicLevelAt(level)

	var encoderConfig zapcore.EncoderConfig
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	zapConfig := zap.Config{
		Level:            atomicLevel,
		Development:      cfg.Format == "console",
		Encoding:         cfg.Format,
		EncoderConfig:    encoderConfig,
		OutputPaths:      cfg.OutputPaths,
		ErrorOutputPaths: []string{"stderr"},
	}
	if cfg.Format == "console" {
		zapConfig.Encoding = "console"
	} else {
		zapConfig.Encoding = "json"
	}

	logCoreOpt := zap.WrapCore(func(c zapcore.Core) zapcore.Core {
		return zapcore.NewTee(c, eventbus.NewLogCore(logsBus, history, atomicLevel))
	})

	logger, err := zapConfig.Build(
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
		logCoreOpt,
	)
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}

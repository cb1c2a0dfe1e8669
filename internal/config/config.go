// Package config provides centralized configuration management for the trader.
// Configuration is layered from defaults, an optional JSON or YAML file, a .env
// file and environment variables, then validated as a whole.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	apperrors "github.com/johnayoung/go-okx-trader/internal/errors"
	"github.com/johnayoung/go-okx-trader/internal/models"
)

// Network names accepted by exchange.network.
const (
	NetworkTestNet = "test-net"
	NetworkMainNet = "main-net"
)

// AppConfig represents the complete application configuration
type AppConfig struct {
	AppName    string `json:"app_name" yaml:"app_name"`
	Version    string `json:"version" yaml:"version"`
	ConfigPath string `json:"-" yaml:"-"`

	Exchange  ExchangeConfig  `json:"exchange" yaml:"exchange"`
	Feed      FeedConfig      `json:"feed" yaml:"feed"`
	Execution ExecutionConfig `json:"execution" yaml:"execution"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	Export    ExportConfig    `json:"export" yaml:"export"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging"`
	Metrics   MetricsConfig   `json:"metrics" yaml:"metrics"`
	Tracing   TracingConfig   `json:"tracing" yaml:"tracing"`
}

// ExchangeConfig configures the OKX adapter
type ExchangeConfig struct {
	Network    string `json:"network" yaml:"network"`       // "test-net" or "main-net"
	APIKey     string `json:"api_key" yaml:"api_key"`       // OK-ACCESS-KEY
	APISecret  string `json:"api_secret" yaml:"api_secret"` // HMAC signing secret
	Passphrase string `json:"passphrase" yaml:"passphrase"` // OK-ACCESS-PASSPHRASE
	BaseURL    string `json:"base_url" yaml:"base_url"`     // REST endpoint
	WSURL      string `json:"ws_url" yaml:"ws_url"`         // business websocket endpoint
	RateLimit  int    `json:"rate_limit" yaml:"rate_limit"` // Requests per second
	Timeout    string `json:"timeout" yaml:"timeout"`       // HTTP request timeout
}

// FeedConfig configures candle ingestion
type FeedConfig struct {
	Symbol        string       `json:"symbol" yaml:"symbol"`                 // e.g. BTC/USDT
	Interval      string       `json:"interval" yaml:"interval"`             // e.g. 1m
	PollInterval  string       `json:"poll_interval" yaml:"poll_interval"`   // wait between live polls
	PollLimit     int          `json:"poll_limit" yaml:"poll_limit"`         // candles requested per poll
	ConfirmedOnly bool         `json:"confirmed_only" yaml:"confirmed_only"` // skip bars still forming; forced on with stream
	PageSize      int          `json:"page_size" yaml:"page_size"`           // backfill page size
	Stream        StreamConfig `json:"stream" yaml:"stream"`
}

// StreamConfig configures the websocket candle stream
type StreamConfig struct {
	Enabled      bool   `json:"enabled" yaml:"enabled"`
	PingInterval string `json:"ping_interval" yaml:"ping_interval"`
	MaxBackoff   string `json:"max_backoff" yaml:"max_backoff"`
}

// ExecutionConfig configures order placement
type ExecutionConfig struct {
	MaxAttempts      int    `json:"max_attempts" yaml:"max_attempts"`             // submission attempts per order
	RetryDelay       string `json:"retry_delay" yaml:"retry_delay"`               // delay between submissions
	StatusRetryDelay string `json:"status_retry_delay" yaml:"status_retry_delay"` // delay between status queries
	Cash             string `json:"cash" yaml:"cash"`                             // required free balance at startup
	CashCurrency     string `json:"cash_currency" yaml:"cash_currency"`
}

// StorageConfig configures the candle archive
type StorageConfig struct {
	Type        string `json:"type" yaml:"type"`                 // "none", "memory", "duckdb"
	DatabaseURL string `json:"database_url" yaml:"database_url"` // DuckDB file path
}

// ExportConfig configures CSV export
type ExportConfig struct {
	Timezone string `json:"timezone" yaml:"timezone"` // location used for the datetime column
}

// LoggingConfig configures structured logging
type LoggingConfig struct {
	Level         string            `json:"level" yaml:"level"`             // Log level: debug, info, warn, error
	Format        string            `json:"format" yaml:"format"`           // Log format: json, text
	Output        string            `json:"output" yaml:"output"`           // Output: stdout, stderr, file
	FilePath      string            `json:"file_path" yaml:"file_path"`     // Log file path
	MaxSize       int               `json:"max_size" yaml:"max_size"`       // Maximum log file size in MB
	MaxBackups    int               `json:"max_backups" yaml:"max_backups"` // Maximum log file backups
	MaxAge        int               `json:"max_age" yaml:"max_age"`         // Maximum log file age in days
	Compress      bool              `json:"compress" yaml:"compress"`       // Compress old log files
	ContextFields map[string]string `json:"context_fields" yaml:"context_fields"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Port    int    `json:"port" yaml:"port"`
	Path    string `json:"path" yaml:"path"`
}

// TracingConfig configures OpenTelemetry tracing
type TracingConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	ServiceName string `json:"service_name" yaml:"service_name"`
}

// ConfigManager handles configuration loading and validation
type ConfigManager struct {
	configPath string
	envFiles   []string
	logger     *slog.Logger
}

// NewConfigManager creates a new configuration manager. envFiles are loaded
// with godotenv before environment overrides are read; missing files are ignored.
func NewConfigManager(configPath string, logger *slog.Logger, envFiles ...string) *ConfigManager {
	if logger == nil {
		logger = slog.Default()
	}

	return &ConfigManager{
		configPath: configPath,
		envFiles:   envFiles,
		logger:     logger,
	}
}

// LoadConfig loads configuration from multiple sources with priority order:
// 1. Environment variables (highest priority, including .env files)
// 2. Configuration file
// 3. Default values (lowest priority)
func (cm *ConfigManager) LoadConfig(ctx context.Context) (*AppConfig, error) {
	config := DefaultConfig()

	if cm.configPath != "" {
		if err := cm.loadFromFile(config); err != nil {
			return nil, apperrors.Configuration("config", "failed to load config from file: %v", err)
		}
		config.ConfigPath = cm.configPath
	}

	cm.loadEnvFiles()
	cm.loadFromEnv(config)

	if err := cm.validateConfig(config); err != nil {
		return nil, err
	}

	// The stream only delivers confirmed bars; a forming bar taken by the
	// poller would be deduplicated ahead of the final bar at the same time.
	if config.Feed.Stream.Enabled && !config.Feed.ConfirmedOnly {
		config.Feed.ConfirmedOnly = true
		cm.logger.Info("feed.confirmed_only forced on while feed.stream is enabled")
	}
	cm.logger.Info("configuration loaded successfully",
		"config_path", cm.configPath,
		"network", config.Exchange.Network,
		"rate_limit", config.Exchange.RateLimit,
		"symbol", config.Feed.Symbol,
		"interval", config.Feed.Interval,
		"storage_type", config.Storage.Type,
		"log_level", config.Logging.Level)

	return config, nil
}

// loadFromFile loads configuration from a JSON or YAML file, chosen by extension
func (cm *ConfigManager) loadFromFile(config *AppConfig) error {
	if _, err := os.Stat(cm.configPath); os.IsNotExist(err) {
		cm.logger.Debug("config file does not exist, using defaults", "path", cm.configPath)
		return nil
	}

	data, err := os.ReadFile(cm.configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", cm.configPath, err)
	}

	switch strings.ToLower(filepath.Ext(cm.configPath)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, config)
	default:
		err = json.Unmarshal(data, config)
	}
	if err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", cm.configPath, err)
	}

	cm.logger.Debug("loaded configuration from file", "path", cm.configPath)
	return nil
}

func (cm *ConfigManager) loadEnvFiles() {
	for _, file := range cm.envFiles {
		if err := godotenv.Load(file); err != nil {
			cm.logger.Debug("env file not loaded", "path", file, "error", err)
		}
	}
}

// loadFromEnv loads configuration from environment variables
func (cm *ConfigManager) loadFromEnv(config *AppConfig) {
	setString := func(key string, dst *string) {
		if val := os.Getenv(key); val != "" {
			*dst = val
		}
	}
	setInt := func(key string, dst *int) {
		if val := os.Getenv(key); val != "" {
			if n, err := strconv.Atoi(val); err == nil {
				*dst = n
			} else {
				cm.logger.Warn("ignoring non-integer environment value", "key", key, "value", val)
			}
		}
	}
	setBool := func(key string, dst *bool) {
		if val := os.Getenv(key); val != "" {
			*dst = val == "true" || val == "1"
		}
	}

	// Exchange
	setString("OKX_NETWORK", &config.Exchange.Network)
	setString("OKX_API_KEY", &config.Exchange.APIKey)
	setString("OKX_API_SECRET", &config.Exchange.APISecret)
	setString("OKX_PASSPHRASE", &config.Exchange.Passphrase)
	setString("OKX_BASE_URL", &config.Exchange.BaseURL)
	setString("OKX_WS_URL", &config.Exchange.WSURL)
	setInt("OKX_RATE_LIMIT", &config.Exchange.RateLimit)
	setString("OKX_HTTP_TIMEOUT", &config.Exchange.Timeout)

	// Feed
	setString("OKX_SYMBOL", &config.Feed.Symbol)
	setString("OKX_INTERVAL", &config.Feed.Interval)
	setString("OKX_POLL_INTERVAL", &config.Feed.PollInterval)
	setInt("OKX_POLL_LIMIT", &config.Feed.PollLimit)
	setBool("OKX_CONFIRMED_ONLY", &config.Feed.ConfirmedOnly)
	setInt("OKX_PAGE_SIZE", &config.Feed.PageSize)
	setBool("OKX_STREAM_ENABLED", &config.Feed.Stream.Enabled)

	// Execution
	setInt("OKX_MAX_ATTEMPTS", &config.Execution.MaxAttempts)
	setString("OKX_RETRY_DELAY", &config.Execution.RetryDelay)
	setString("OKX_STATUS_RETRY_DELAY", &config.Execution.StatusRetryDelay)
	setString("OKX_CASH", &config.Execution.Cash)
	setString("OKX_CASH_CURRENCY", &config.Execution.CashCurrency)

	// Storage and export
	setString("OKX_STORAGE_TYPE", &config.Storage.Type)
	setString("OKX_DATABASE_URL", &config.Storage.DatabaseURL)
	setString("OKX_EXPORT_TIMEZONE", &config.Export.Timezone)

	// Logging
	setString("LOG_LEVEL", &config.Logging.Level)
	setString("LOG_FORMAT", &config.Logging.Format)
	setString("LOG_OUTPUT", &config.Logging.Output)
	setString("LOG_FILE_PATH", &config.Logging.FilePath)

	// Metrics and tracing
	setBool("METRICS_ENABLED", &config.Metrics.Enabled)
	setInt("METRICS_PORT", &config.Metrics.Port)
	setBool("TRACING_ENABLED", &config.Tracing.Enabled)

	cm.logger.Debug("loaded configuration from environment variables")
}

// validateConfig validates the configuration for consistency and required fields
func (cm *ConfigManager) validateConfig(config *AppConfig) error {
	var errors []string

	// Exchange
	if config.Exchange.Network != NetworkTestNet && config.Exchange.Network != NetworkMainNet {
		errors = append(errors, fmt.Sprintf("exchange.network must be one of: %s, %s (got %q)", NetworkTestNet, NetworkMainNet, config.Exchange.Network))
	}
	if config.Exchange.BaseURL == "" {
		errors = append(errors, "exchange.base_url is required")
	}
	if config.Exchange.RateLimit <= 0 {
		errors = append(errors, "exchange.rate_limit must be greater than 0")
	}
	errors = appendDurationError(errors, "exchange.timeout", config.Exchange.Timeout)

	// Feed
	if config.Feed.Symbol == "" || !strings.Contains(config.Feed.Symbol, "/") {
		errors = append(errors, "feed.symbol must look like BASE/QUOTE")
	}
	if !models.IsValidInterval(config.Feed.Interval) {
		errors = append(errors, fmt.Sprintf("feed.interval %q is not supported", config.Feed.Interval))
	}
	errors = appendDurationError(errors, "feed.poll_interval", config.Feed.PollInterval)
	if config.Feed.PollLimit <= 0 {
		errors = append(errors, "feed.poll_limit must be greater than 0")
	}
	if config.Feed.PageSize <= 0 {
		errors = append(errors, "feed.page_size must be greater than 0")
	}
	if config.Feed.Stream.Enabled {
		if config.Exchange.WSURL == "" {
			errors = append(errors, "exchange.ws_url is required when feed.stream is enabled")
		}
		errors = appendDurationError(errors, "feed.stream.ping_interval", config.Feed.Stream.PingInterval)
		errors = appendDurationError(errors, "feed.stream.max_backoff", config.Feed.Stream.MaxBackoff)
	}

	// Execution
	if config.Execution.MaxAttempts <= 0 {
		errors = append(errors, "execution.max_attempts must be greater than 0")
	}
	errors = appendDurationError(errors, "execution.retry_delay", config.Execution.RetryDelay)
	errors = appendDurationError(errors, "execution.status_retry_delay", config.Execution.StatusRetryDelay)
	if cash, err := decimal.NewFromString(config.Execution.Cash); err != nil || cash.IsNegative() {
		errors = append(errors, "execution.cash must be a non-negative decimal")
	}
	if config.Execution.CashCurrency == "" {
		errors = append(errors, "execution.cash_currency is required")
	}

	// Storage
	switch config.Storage.Type {
	case "none", "memory":
	case "duckdb":
		if config.Storage.DatabaseURL == "" {
			errors = append(errors, "storage.database_url is required for DuckDB storage")
		}
	default:
		errors = append(errors, "storage.type must be one of: none, memory, duckdb")
	}

	// Export
	if _, err := time.LoadLocation(config.Export.Timezone); err != nil {
		errors = append(errors, fmt.Sprintf("export.timezone %q is not a known location", config.Export.Timezone))
	}

	// Logging
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[config.Logging.Level] {
		errors = append(errors, "logging.level must be one of: debug, info, warn, error")
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[config.Logging.Format] {
		errors = append(errors, "logging.format must be one of: json, text")
	}

	// Metrics
	if config.Metrics.Enabled {
		if config.Metrics.Port <= 0 || config.Metrics.Port > 65535 {
			errors = append(errors, "metrics.port must be between 1 and 65535")
		}
	}

	if len(errors) > 0 {
		return apperrors.Configuration("config", "configuration validation errors:\n- %s", strings.Join(errors, "\n- "))
	}

	return nil
}

func appendDurationError(errs []string, field, value string) []string {
	if d, err := time.ParseDuration(value); err != nil || d <= 0 {
		return append(errs, fmt.Sprintf("%s is not a valid positive duration: %q", field, value))
	}
	return errs
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *AppConfig {
	return &AppConfig{
		AppName: "okx-trader",
		Version: "1.0.0",
		Exchange: ExchangeConfig{
			Network:   NetworkTestNet,
			BaseURL:   "https://www.okx.com",
			WSURL:     "wss://ws.okx.com:8443/ws/v5/business",
			RateLimit: 10,
			Timeout:   "10s",
		},
		Feed: FeedConfig{
			Symbol:       "BTC/USDT",
			Interval:     "1m",
			PollInterval: "2s",
			PollLimit:    1,
			PageSize:     100,
			Stream: StreamConfig{
				Enabled:      false,
				PingInterval: "20s",
				MaxBackoff:   "30s",
			},
		},
		Execution: ExecutionConfig{
			MaxAttempts:      30,
			RetryDelay:       "2s",
			StatusRetryDelay: "2s",
			Cash:             "0",
			CashCurrency:     "USDT",
		},
		Storage: StorageConfig{
			Type:        "memory",
			DatabaseURL: "./data/candles.db",
		},
		Export: ExportConfig{
			Timezone: "UTC",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			MaxSize:    100, // 100MB
			MaxBackups: 5,
			MaxAge:     30, // 30 days
			Compress:   true,
			ContextFields: map[string]string{
				"service": "okx-trader",
			},
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Port:    9090,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "okx-trader",
		},
	}
}

// IsTestNet reports whether orders go to the simulated trading environment.
func (c ExchangeConfig) IsTestNet() bool {
	return c.Network == NetworkTestNet
}

// TimeoutDuration returns the parsed HTTP timeout.
func (c ExchangeConfig) TimeoutDuration() time.Duration {
	return mustDuration(c.Timeout, 10*time.Second)
}

// PollIntervalDuration returns the parsed live poll interval.
func (c FeedConfig) PollIntervalDuration() time.Duration {
	return mustDuration(c.PollInterval, 2*time.Second)
}

// PingIntervalDuration returns the parsed websocket ping interval.
func (c StreamConfig) PingIntervalDuration() time.Duration {
	return mustDuration(c.PingInterval, 20*time.Second)
}

// MaxBackoffDuration returns the parsed websocket reconnect ceiling.
func (c StreamConfig) MaxBackoffDuration() time.Duration {
	return mustDuration(c.MaxBackoff, 30*time.Second)
}

// RetryDelayDuration returns the parsed delay between submission attempts.
func (c ExecutionConfig) RetryDelayDuration() time.Duration {
	return mustDuration(c.RetryDelay, 2*time.Second)
}

// StatusRetryDelayDuration returns the parsed delay between status queries.
func (c ExecutionConfig) StatusRetryDelayDuration() time.Duration {
	return mustDuration(c.StatusRetryDelay, 2*time.Second)
}

// CashAmount returns the required free balance.
func (c ExecutionConfig) CashAmount() decimal.Decimal {
	d, err := decimal.NewFromString(c.Cash)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// Location returns the export timezone, falling back to UTC.
func (c ExportConfig) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func mustDuration(value string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// String returns a string representation of the configuration (excluding sensitive data)
func (c *AppConfig) String() string {
	sanitized := *c
	sanitized.Exchange.APIKey = "[REDACTED]"
	sanitized.Exchange.APISecret = "[REDACTED]"
	sanitized.Exchange.Passphrase = "[REDACTED]"

	data, _ := json.MarshalIndent(&sanitized, "", "  ")
	return string(data)
}

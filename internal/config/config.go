// Package config provides centralized configuration management for the market-data fetcher.
// This module handles configuration loading from multiple sources (files, .env, environment
// variables), validation, and provides typed configuration structures for each component.
package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// MaxPerPage is the largest page the listing endpoint serves.
const MaxPerPage = 250

// ErrMissingCredential is returned when no API key is configured.
var ErrMissingCredential = errors.New("missing COINGECKO_API_KEY")

// AppConfig represents the complete application configuration
type AppConfig struct {
	// Application metadata
	AppName    string `json:"app_name" yaml:"app_name" env:"APP_NAME"`
	Version    string `json:"version" yaml:"version" env:"VERSION"`
	ConfigPath string `json:"-" yaml:"-" env:"MDFETCH_CONFIG"`
	EnvFile    string `json:"env_file" yaml:"env_file"`

	// Upstream API configuration
	API APIConfig `json:"api" yaml:"api"`

	// Fetch configuration
	Fetch FetchConfig `json:"fetch" yaml:"fetch"`

	// Output configuration
	Output OutputConfig `json:"output" yaml:"output"`

	// Logging configuration
	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// APIConfig configures the upstream market-data API
type APIConfig struct {
	APIKey    string `json:"api_key" yaml:"api_key" env:"COINGECKO_API_KEY"`          // API key sent on every request
	BaseURL   string `json:"base_url" yaml:"base_url" env:"COINGECKO_BASE_URL"`       // API root, e.g. https://pro-api.coingecko.com/api/v3
	KeyHeader string `json:"key_header" yaml:"key_header" env:"COINGECKO_KEY_HEADER"` // Header carrying the key
	Timeout   string `json:"timeout" yaml:"timeout" env:"HTTP_TIMEOUT"`               // HTTP request timeout
	RateLimit int    `json:"rate_limit" yaml:"rate_limit" env:"CG_RATE_LIMIT"`        // Requests per minute
}

// FetchConfig configures listing pagination and range queries
type FetchConfig struct {
	AssetID      string            `json:"asset_id" yaml:"asset_id" env:"CG_ASSET_ID"`                // Asset for range queries
	VsCurrency   string            `json:"vs_currency" yaml:"vs_currency" env:"CG_VS_CURRENCY"`       // Quote currency
	Order        string            `json:"order" yaml:"order" env:"CG_ORDER"`                         // Listing sort order
	PerPage      int               `json:"per_page" yaml:"per_page" env:"CG_PER_PAGE"`                // Page size, the API maximum
	MaxPages     int               `json:"max_pages" yaml:"max_pages" env:"CG_MAX_PAGES"`             // Safety cap on pages
	RequestDelay string            `json:"request_delay" yaml:"request_delay" env:"CG_REQUEST_DELAY"` // Delay between successful pages
	KeyField     string            `json:"key_field" yaml:"key_field"`                                // Record identifier for dedup
	RetryPolicy  RetryPolicyConfig `json:"retry_policy" yaml:"retry_policy"`                          // Page retry configuration
}

// RetryPolicyConfig configures retry behavior
type RetryPolicyConfig struct {
	MaxRetries      int    `json:"max_retries" yaml:"max_retries"`           // Retries after the first attempt
	InitialDelay    string `json:"initial_delay" yaml:"initial_delay"`       // Initial delay between retries
	MaxDelay        string `json:"max_delay" yaml:"max_delay"`               // Maximum delay between retries
	BackoffStrategy string `json:"backoff_strategy" yaml:"backoff_strategy"` // fixed, linear, exponential
	Jitter          bool   `json:"jitter" yaml:"jitter"`                     // Add randomness to delays
}

// OutputConfig configures the written artifacts
type OutputConfig struct {
	Dir              string   `json:"dir" yaml:"dir" env:"MDFETCH_OUTPUT_DIR"`                 // Directory for JSON/CSV files
	CSV              bool     `json:"csv" yaml:"csv" env:"MDFETCH_CSV"`                        // Also write CSV
	PreferredColumns []string `json:"preferred_columns" yaml:"preferred_columns"`              // Leading CSV columns
	DuckDBPath       string   `json:"duckdb_path" yaml:"duckdb_path" env:"MDFETCH_DUCKDB_PATH"` // Empty disables the DuckDB sink
}

// LoggingConfig configures structured logging
type LoggingConfig struct {
	Level         string            `json:"level" yaml:"level" env:"LOG_LEVEL"`                 // Log level: debug, info, warn, error
	Format        string            `json:"format" yaml:"format" env:"LOG_FORMAT"`              // Log format: json, text
	Output        string            `json:"output" yaml:"output" env:"LOG_OUTPUT"`              // Output: stdout, stderr, file
	FilePath      string            `json:"file_path" yaml:"file_path" env:"LOG_FILE_PATH"`     // Log file path
	MaxSize       int               `json:"max_size" yaml:"max_size" env:"LOG_MAX_SIZE"`        // Maximum log file size in MB
	MaxBackups    int               `json:"max_backups" yaml:"max_backups" env:"LOG_MAX_BACKUPS"` // Maximum log file backups
	MaxAge        int               `json:"max_age" yaml:"max_age" env:"LOG_MAX_AGE"`           // Maximum log file age in days
	Compress      bool              `json:"compress" yaml:"compress" env:"LOG_COMPRESS"`        // Compress old log files
	ContextFields map[string]string `json:"context_fields" yaml:"context_fields"`               // Additional context fields
}

// ConfigManager handles configuration loading and validation
type ConfigManager struct {
	config     *AppConfig
	configPath string
	envFile    string
	logger     *slog.Logger
}

// NewConfigManager creates a new configuration manager
func NewConfigManager(configPath string, logger *slog.Logger) *ConfigManager {
	if logger == nil {
		logger = slog.Default()
	}

	return &ConfigManager{
		configPath: configPath,
		envFile:    ".env",
		logger:     logger,
	}
}

// WithEnvFile overrides the dotenv file read before environment variables.
func (cm *ConfigManager) WithEnvFile(path string) *ConfigManager {
	cm.envFile = path
	return cm
}

// LoadConfig loads configuration from multiple sources with priority order:
// 1. Environment variables, including those loaded from the .env file (highest priority)
// 2. Configuration file (JSON or YAML)
// 3. Default values (lowest priority)
//
// The returned error wraps ErrMissingCredential when no API key is found.
func (cm *ConfigManager) LoadConfig(ctx context.Context) (*AppConfig, error) {
	config := DefaultConfig()

	if cm.configPath != "" {
		if err := cm.loadFromFile(config); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	envFile := cm.envFile
	if config.EnvFile != "" {
		envFile = config.EnvFile
	}
	if err := cm.loadDotEnv(envFile); err != nil {
		return nil, fmt.Errorf("failed to load env file: %w", err)
	}

	if err := cm.loadFromEnv(config); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	if err := cm.validateConfig(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	cm.config = config
	cm.logger.Debug("configuration loaded",
		"config_path", cm.configPath,
		"base_url", config.API.BaseURL,
		"vs_currency", config.Fetch.VsCurrency,
		"log_level", config.Logging.Level)

	return config, nil
}

// loadFromFile loads configuration from a JSON or YAML file
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
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), config); err != nil {
			return fmt.Errorf("failed to parse config file %s: %w", cm.configPath, err)
		}
	default:
		if err := json.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse config file %s: %w", cm.configPath, err)
		}
	}

	cm.logger.Debug("loaded configuration from file", "path", cm.configPath)
	return nil
}

// loadDotEnv populates the process environment from a dotenv file.
// Variables already set in the environment win.
func (cm *ConfigManager) loadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cm.logger.Debug("env file not found, skipping", "path", path)
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	cm.logger.Debug("loaded env file", "path", path)
	return nil
}

// loadFromEnv loads configuration from environment variables
func (cm *ConfigManager) loadFromEnv(config *AppConfig) error {
	// Load API config
	if val := os.Getenv("COINGECKO_API_KEY"); val != "" {
		config.API.APIKey = val
	}
	if val := os.Getenv("COINGECKO_BASE_URL"); val != "" {
		config.API.BaseURL = val
	}
	if val := os.Getenv("COINGECKO_KEY_HEADER"); val != "" {
		config.API.KeyHeader = val
	}
	if val := os.Getenv("HTTP_TIMEOUT"); val != "" {
		config.API.Timeout = val
	}
	if val := os.Getenv("CG_RATE_LIMIT"); val != "" {
		rateLimit, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid CG_RATE_LIMIT %q: %w", val, err)
		}
		config.API.RateLimit = rateLimit
	}

	// Load fetch config
	if val := os.Getenv("CG_ASSET_ID"); val != "" {
		config.Fetch.AssetID = val
	}
	if val := os.Getenv("CG_VS_CURRENCY"); val != "" {
		config.Fetch.VsCurrency = val
	}
	if val := os.Getenv("CG_ORDER"); val != "" {
		config.Fetch.Order = val
	}
	if val := os.Getenv("CG_PER_PAGE"); val != "" {
		perPage, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid CG_PER_PAGE %q: %w", val, err)
		}
		config.Fetch.PerPage = perPage
	}
	if val := os.Getenv("CG_MAX_PAGES"); val != "" {
		maxPages, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid CG_MAX_PAGES %q: %w", val, err)
		}
		config.Fetch.MaxPages = maxPages
	}
	if val := os.Getenv("CG_REQUEST_DELAY"); val != "" {
		config.Fetch.RequestDelay = val
	}
	if val := os.Getenv("CG_RETRY_DELAY"); val != "" {
		config.Fetch.RetryPolicy.InitialDelay = val
	}
	if val := os.Getenv("CG_MAX_RETRIES"); val != "" {
		maxRetries, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid CG_MAX_RETRIES %q: %w", val, err)
		}
		config.Fetch.RetryPolicy.MaxRetries = maxRetries
	}

	// Load output config
	if val := os.Getenv("MDFETCH_OUTPUT_DIR"); val != "" {
		config.Output.Dir = val
	}
	if val := os.Getenv("MDFETCH_CSV"); val != "" {
		config.Output.CSV = val == "true"
	}
	if val := os.Getenv("MDFETCH_DUCKDB_PATH"); val != "" {
		config.Output.DuckDBPath = val
	}

	// Load logging config
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		config.Logging.Level = val
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		config.Logging.Format = val
	}
	if val := os.Getenv("LOG_OUTPUT"); val != "" {
		config.Logging.Output = val
	}
	if val := os.Getenv("LOG_FILE_PATH"); val != "" {
		config.Logging.FilePath = val
	}

	return nil
}

// validateConfig validates the configuration for consistency and required fields
func (cm *ConfigManager) validateConfig(config *AppConfig) error {
	if config.API.APIKey == "" {
		return ErrMissingCredential
	}

	var errs []string

	if config.API.BaseURL == "" {
		errs = append(errs, "api.base_url is required")
	}
	if config.API.KeyHeader == "" {
		errs = append(errs, "api.key_header is required")
	}
	if _, err := time.ParseDuration(config.API.Timeout); err != nil {
		errs = append(errs, fmt.Sprintf("api.timeout is not a valid duration: %v", err))
	}
	if config.API.RateLimit <= 0 {
		errs = append(errs, "api.rate_limit must be greater than 0")
	}

	if config.Fetch.VsCurrency == "" {
		errs = append(errs, "fetch.vs_currency is required")
	}
	if config.Fetch.PerPage <= 0 || config.Fetch.PerPage > MaxPerPage {
		errs = append(errs, fmt.Sprintf("fetch.per_page must be between 1 and %d", MaxPerPage))
	}
	if config.Fetch.MaxPages <= 0 {
		errs = append(errs, "fetch.max_pages must be greater than 0")
	}
	if _, err := time.ParseDuration(config.Fetch.RequestDelay); err != nil {
		errs = append(errs, fmt.Sprintf("fetch.request_delay is not a valid duration: %v", err))
	}

	policy := config.Fetch.RetryPolicy
	if policy.MaxRetries < 0 {
		errs = append(errs, "fetch.retry_policy.max_retries cannot be negative")
	}
	if _, err := time.ParseDuration(policy.InitialDelay); err != nil {
		errs = append(errs, fmt.Sprintf("fetch.retry_policy.initial_delay is not a valid duration: %v", err))
	}
	if policy.MaxDelay != "" {
		if _, err := time.ParseDuration(policy.MaxDelay); err != nil {
			errs = append(errs, fmt.Sprintf("fetch.retry_policy.max_delay is not a valid duration: %v", err))
		}
	}
	validStrategies := map[string]bool{"fixed": true, "linear": true, "exponential": true}
	if !validStrategies[policy.BackoffStrategy] {
		errs = append(errs, "fetch.retry_policy.backoff_strategy must be one of: fixed, linear, exponential")
	}

	if config.Output.Dir == "" {
		errs = append(errs, "output.dir is required")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[config.Logging.Level] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[config.Logging.Format] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation errors:\n- %s", strings.Join(errs, "\n- "))
	}

	return nil
}

// GetConfig returns the current configuration
func (cm *ConfigManager) GetConfig() *AppConfig {
	return cm.config
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *AppConfig {
	return &AppConfig{
		AppName: "mdfetch",
		Version: "1.0.0",
		API: APIConfig{
			BaseURL:   "https://pro-api.coingecko.com/api/v3",
			KeyHeader: "x-cg-pro-api-key",
			Timeout:   "30s",
			RateLimit: 500,
		},
		Fetch: FetchConfig{
			AssetID:      "bitcoin",
			VsCurrency:   "usd",
			Order:        "market_cap_desc",
			PerPage:      MaxPerPage,
			MaxPages:     200, // 200 * 250 = 50,000 rows
			RequestDelay: "250ms",
			KeyField:     "id",
			RetryPolicy: RetryPolicyConfig{
				MaxRetries:      1,
				InitialDelay:    "1500ms",
				MaxDelay:        "30s",
				BackoffStrategy: "fixed",
				Jitter:          false,
			},
		},
		Output: OutputConfig{
			Dir: "data",
			CSV: false,
			PreferredColumns: []string{
				"id", "symbol", "name", "current_price", "market_cap", "market_cap_rank",
				"fully_diluted_valuation", "total_volume", "high_24h", "low_24h",
				"price_change_24h", "price_change_percentage_24h",
				"circulating_supply", "total_supply", "max_supply", "last_updated",
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   "",
			MaxSize:    100, // 100MB
			MaxBackups: 5,
			MaxAge:     30, // 30 days
			Compress:   true,
			ContextFields: map[string]string{
				"service": "mdfetch",
			},
		},
	}
}

// TimeoutDuration returns the parsed HTTP timeout, falling back to 30s.
func (c APIConfig) TimeoutDuration() time.Duration {
	d, err := time.ParseDuration(c.Timeout)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

// RequestDelayDuration returns the parsed inter-page delay.
func (c FetchConfig) RequestDelayDuration() time.Duration {
	d, err := time.ParseDuration(c.RequestDelay)
	if err != nil || d < 0 {
		return 0
	}
	return d
}

// String returns a string representation of the configuration (excluding sensitive data)
func (c *AppConfig) String() string {
	sanitized := *c
	if sanitized.API.APIKey != "" {
		sanitized.API.APIKey = "[REDACTED]"
	}

	data, _ := json.MarshalIndent(&sanitized, "", "  ")
	return string(data)
}

package config

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"log/slog"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *AppConfig {
	config := DefaultConfig()
	config.API.APIKey = "test-key"
	return config
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	assert.Equal(t, "mdfetch", config.AppName)
	assert.Equal(t, "https://pro-api.coingecko.com/api/v3", config.API.BaseURL)
	assert.Equal(t, "x-cg-pro-api-key", config.API.KeyHeader)
	assert.Equal(t, "usd", config.Fetch.VsCurrency)
	assert.Equal(t, "market_cap_desc", config.Fetch.Order)
	assert.Equal(t, 250, config.Fetch.PerPage)
	assert.Equal(t, 200, config.Fetch.MaxPages)
	assert.Equal(t, 250*time.Millisecond, config.Fetch.RequestDelayDuration())
	assert.Equal(t, 1, config.Fetch.RetryPolicy.MaxRetries)
	assert.Equal(t, "1500ms", config.Fetch.RetryPolicy.InitialDelay)
	assert.Equal(t, "fixed", config.Fetch.RetryPolicy.BackoffStrategy)
	assert.Equal(t, "id", config.Fetch.KeyField)
	assert.Equal(t, "data", config.Output.Dir)
	assert.Equal(t, 30*time.Second, config.API.TimeoutDuration())
	assert.Empty(t, config.API.APIKey)
}

func TestConfigValidation(t *testing.T) {
	cm := NewConfigManager("", slog.Default())

	t.Run("valid config passes validation", func(t *testing.T) {
		assert.NoError(t, cm.validateConfig(validConfig()))
	})

	t.Run("missing api key is a missing credential", func(t *testing.T) {
		config := DefaultConfig()
		err := cm.validateConfig(config)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrMissingCredential))
	})

	tests := []struct {
		name     string
		mutate   func(c *AppConfig)
		contains string
	}{
		{"empty base url", func(c *AppConfig) { c.API.BaseURL = "" }, "api.base_url is required"},
		{"bad timeout", func(c *AppConfig) { c.API.Timeout = "soon" }, "api.timeout is not a valid duration"},
		{"zero rate limit", func(c *AppConfig) { c.API.RateLimit = 0 }, "api.rate_limit must be greater than 0"},
		{"empty vs currency", func(c *AppConfig) { c.Fetch.VsCurrency = "" }, "fetch.vs_currency is required"},
		{"zero per page", func(c *AppConfig) { c.Fetch.PerPage = 0 }, "fetch.per_page must be between 1 and 250"},
		{"per page above the API maximum", func(c *AppConfig) { c.Fetch.PerPage = MaxPerPage + 1 }, "fetch.per_page must be between 1 and 250"},
		{"zero max pages", func(c *AppConfig) { c.Fetch.MaxPages = 0 }, "fetch.max_pages must be greater than 0"},
		{"bad request delay", func(c *AppConfig) { c.Fetch.RequestDelay = "x" }, "fetch.request_delay is not a valid duration"},
		{"negative retries", func(c *AppConfig) { c.Fetch.RetryPolicy.MaxRetries = -1 }, "max_retries cannot be negative"},
		{"bad retry delay", func(c *AppConfig) { c.Fetch.RetryPolicy.InitialDelay = "" }, "initial_delay is not a valid duration"},
		{"unknown strategy", func(c *AppConfig) { c.Fetch.RetryPolicy.BackoffStrategy = "random" }, "backoff_strategy must be one of"},
		{"empty output dir", func(c *AppConfig) { c.Output.Dir = "" }, "output.dir is required"},
		{"invalid log level", func(c *AppConfig) { c.Logging.Level = "trace" }, "logging.level must be one of"},
		{"invalid log format", func(c *AppConfig) { c.Logging.Format = "xml" }, "logging.format must be one of"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := validConfig()
			tt.mutate(config)
			err := cm.validateConfig(config)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.contains)
			assert.False(t, errors.Is(err, ErrMissingCredential))
		})
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	tempDir := t.TempDir()
	noEnv := filepath.Join(tempDir, "missing.env")

	t.Run("loads json config", func(t *testing.T) {
		configPath := filepath.Join(tempDir, "config.json")
		fileConfig := validConfig()
		fileConfig.Fetch.VsCurrency = "eur"
		fileConfig.Fetch.MaxPages = 3
		fileConfig.Output.CSV = true

		data, err := json.MarshalIndent(fileConfig, "", "  ")
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(configPath, data, 0644))

		cm := NewConfigManager(configPath, slog.Default()).WithEnvFile(noEnv)
		loaded, err := cm.LoadConfig(context.Background())
		require.NoError(t, err)

		assert.Equal(t, "eur", loaded.Fetch.VsCurrency)
		assert.Equal(t, 3, loaded.Fetch.MaxPages)
		assert.True(t, loaded.Output.CSV)
		assert.Equal(t, "test-key", loaded.API.APIKey)
		assert.Same(t, loaded, cm.GetConfig())
	})

	t.Run("loads yaml config with env expansion", func(t *testing.T) {
		t.Setenv("YAML_TEST_KEY", "yaml-key")
		configPath := filepath.Join(tempDir, "config.yaml")
		yamlData := `
api:
  api_key: ${YAML_TEST_KEY}
  base_url: https://api.example.test/v3
  key_header: x-cg-pro-api-key
  timeout: 10s
  rate_limit: 30
fetch:
  vs_currency: usd
  order: volume_desc
  per_page: 100
  max_pages: 5
  request_delay: 0s
  retry_policy:
    max_retries: 2
    initial_delay: 10ms
    backoff_strategy: exponential
`
		require.NoError(t, os.WriteFile(configPath, []byte(yamlData), 0644))

		cm := NewConfigManager(configPath, slog.Default()).WithEnvFile(noEnv)
		loaded, err := cm.LoadConfig(context.Background())
		require.NoError(t, err)

		assert.Equal(t, "yaml-key", loaded.API.APIKey)
		assert.Equal(t, "https://api.example.test/v3", loaded.API.BaseURL)
		assert.Equal(t, 10*time.Second, loaded.API.TimeoutDuration())
		assert.Equal(t, "volume_desc", loaded.Fetch.Order)
		assert.Equal(t, 100, loaded.Fetch.PerPage)
		assert.Equal(t, 2, loaded.Fetch.RetryPolicy.MaxRetries)
		assert.Equal(t, "exponential", loaded.Fetch.RetryPolicy.BackoffStrategy)
		// Untouched sections keep their defaults.
		assert.Equal(t, "data", loaded.Output.Dir)
	})

	t.Run("handles invalid json file", func(t *testing.T) {
		invalidPath := filepath.Join(tempDir, "invalid.json")
		require.NoError(t, os.WriteFile(invalidPath, []byte("invalid json"), 0644))

		cm := NewConfigManager(invalidPath, slog.Default()).WithEnvFile(noEnv)
		_, err := cm.LoadConfig(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to parse config file")
	})

	t.Run("non-existent file falls back to defaults", func(t *testing.T) {
		t.Setenv("COINGECKO_API_KEY", "env-key")
		cm := NewConfigManager(filepath.Join(tempDir, "nope.json"), slog.Default()).WithEnvFile(noEnv)
		loaded, err := cm.LoadConfig(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "mdfetch", loaded.AppName)
		assert.Equal(t, "env-key", loaded.API.APIKey)
	})
}

func TestLoadConfigFromEnvironment(t *testing.T) {
	cm := NewConfigManager("", slog.Default())

	envVars := map[string]string{
		"COINGECKO_API_KEY":    "env-key",
		"COINGECKO_BASE_URL":   "http://localhost:9999",
		"COINGECKO_KEY_HEADER": "x-cg-demo-api-key",
		"CG_RATE_LIMIT":        "30",
		"CG_ASSET_ID":          "ethereum",
		"CG_VS_CURRENCY":       "eur",
		"CG_ORDER":             "volume_desc",
		"CG_PER_PAGE":          "100",
		"CG_MAX_PAGES":         "7",
		"CG_REQUEST_DELAY":     "1s",
		"CG_RETRY_DELAY":       "2s",
		"CG_MAX_RETRIES":       "3",
		"MDFETCH_OUTPUT_DIR":   "/tmp/out",
		"MDFETCH_CSV":          "true",
		"MDFETCH_DUCKDB_PATH":  "/tmp/out/market.duckdb",
		"LOG_LEVEL":            "debug",
		"LOG_FORMAT":           "json",
	}
	for key, value := range envVars {
		t.Setenv(key, value)
	}

	t.Run("loads config from environment", func(t *testing.T) {
		config := DefaultConfig()
		require.NoError(t, cm.loadFromEnv(config))

		assert.Equal(t, "env-key", config.API.APIKey)
		assert.Equal(t, "http://localhost:9999", config.API.BaseURL)
		assert.Equal(t, "x-cg-demo-api-key", config.API.KeyHeader)
		assert.Equal(t, 30, config.API.RateLimit)
		assert.Equal(t, "ethereum", config.Fetch.AssetID)
		assert.Equal(t, "eur", config.Fetch.VsCurrency)
		assert.Equal(t, "volume_desc", config.Fetch.Order)
		assert.Equal(t, 100, config.Fetch.PerPage)
		assert.Equal(t, 7, config.Fetch.MaxPages)
		assert.Equal(t, time.Second, config.Fetch.RequestDelayDuration())
		assert.Equal(t, "2s", config.Fetch.RetryPolicy.InitialDelay)
		assert.Equal(t, 3, config.Fetch.RetryPolicy.MaxRetries)
		assert.Equal(t, "/tmp/out", config.Output.Dir)
		assert.True(t, config.Output.CSV)
		assert.Equal(t, "/tmp/out/market.duckdb", config.Output.DuckDBPath)
		assert.Equal(t, "debug", config.Logging.Level)
		assert.Equal(t, "json", config.Logging.Format)
	})

	t.Run("rejects invalid numeric values", func(t *testing.T) {
		t.Setenv("CG_MAX_PAGES", "lots")
		config := DefaultConfig()
		err := cm.loadFromEnv(config)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "CG_MAX_PAGES")
	})
}

func TestLoadConfigFromDotEnv(t *testing.T) {
	tempDir := t.TempDir()
	envPath := filepath.Join(tempDir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("COINGECKO_API_KEY=dotenv-key\nCG_VS_CURRENCY=gbp\n"), 0644))

	// godotenv writes into the process environment; register cleanup through t.Setenv.
	t.Setenv("COINGECKO_API_KEY", "")
	t.Setenv("CG_VS_CURRENCY", "")
	require.NoError(t, os.Unsetenv("COINGECKO_API_KEY"))
	require.NoError(t, os.Unsetenv("CG_VS_CURRENCY"))

	cm := NewConfigManager("", slog.Default()).WithEnvFile(envPath)
	loaded, err := cm.LoadConfig(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "dotenv-key", loaded.API.APIKey)
	assert.Equal(t, "gbp", loaded.Fetch.VsCurrency)
}

func TestLoadConfigMissingCredential(t *testing.T) {
	t.Setenv("COINGECKO_API_KEY", "")

	cm := NewConfigManager("", slog.Default()).WithEnvFile("")
	_, err := cm.LoadConfig(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingCredential)
}

func TestLoadConfigRejectsOversizedPage(t *testing.T) {
	t.Setenv("COINGECKO_API_KEY", "env-key")
	t.Setenv("CG_PER_PAGE", "500")

	cm := NewConfigManager("", slog.Default()).WithEnvFile("")
	_, err := cm.LoadConfig(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fetch.per_page must be between 1 and 250")

	t.Setenv("CG_PER_PAGE", "250")
	loaded, err := cm.LoadConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, MaxPerPage, loaded.Fetch.PerPage)
}

func TestConfigStringRedactsKey(t *testing.T) {
	config := validConfig()
	out := config.String()

	assert.NotContains(t, out, "test-key")
	assert.Contains(t, out, "[REDACTED]")
	assert.Equal(t, "test-key", config.API.APIKey)
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

const minimalConfig = `
exchange:
  api_key: test-api-key
  secret_key: test-secret-key
  testnet: true
`

func TestLoadConfigAppliesDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, []string{"BTC/USDT", "ETH/USDT"}, cfg.Trading.Pairs)
	assert.Equal(t, 30, cfg.Trading.ExecutionIntervalSeconds)
	assert.Equal(t, 300, cfg.Trading.SignalMaxAgeSeconds)
	assert.Equal(t, 0.5, cfg.Trading.MaxSlippagePct)
	assert.Equal(t, 120, cfg.Trading.LossStreakCooldownMinutes)

	assert.Equal(t, 60, cfg.Safeguards.MinConfidence)
	assert.Equal(t, 2.0, cfg.Safeguards.MinRiskReward)
	assert.Equal(t, 3.0, cfg.Safeguards.MaxStopLossDistancePct)
	assert.Equal(t, 0.02, cfg.Safeguards.RiskPerTrade)
	assert.Equal(t, 3, cfg.Safeguards.MaxPositions)
	assert.Equal(t, 0.10, cfg.Safeguards.MaxExposure)
	assert.Equal(t, 0.20, cfg.Safeguards.MaxDrawdown)
	assert.Equal(t, 8, cfg.Safeguards.MaxTradesPerDay)
	assert.Equal(t, 90, cfg.Safeguards.MinPositionSpacingMinutes)
	assert.Equal(t, 3, cfg.Safeguards.ConsecutiveLossPauseCount)

	assert.Equal(t, 300, cfg.Gateway.BalanceCacheTTLSeconds)
	assert.Equal(t, 30, cfg.Gateway.PriceCacheTTLSeconds)
	assert.Equal(t, 60.0, cfg.Gateway.RateLimitBackoffSeconds)
	assert.Equal(t, 600.0, cfg.Gateway.RateLimitMaxBackoff)
	assert.Equal(t, 3, cfg.Gateway.OrderMaxAttempts)
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, minimalConfig+`
trading:
  pairs: ["SOL/USDT"]
  leverage: 5
  execution_interval_seconds: 10
safeguards:
  max_positions: 2
`))
	require.NoError(t, err)

	assert.Equal(t, []string{"SOL/USDT"}, cfg.Trading.Pairs)
	assert.Equal(t, 5, cfg.Trading.Leverage)
	assert.Equal(t, 10, cfg.Trading.ExecutionIntervalSeconds)
	assert.Equal(t, 2, cfg.Safeguards.MaxPositions)
	// Untouched sections keep their defaults
	assert.Equal(t, 8, cfg.Safeguards.MaxTradesPerDay)
}

func TestLoadConfigExpandsEnvVars(t *testing.T) {
	t.Setenv("TEST_API_KEY", "key-from-env")
	t.Setenv("TEST_SECRET_KEY", "secret-from-env")

	cfg, err := LoadConfig(writeConfig(t, `
exchange:
  api_key: ${TEST_API_KEY}
  secret_key: ${TEST_SECRET_KEY}
`))
	require.NoError(t, err)
	assert.Equal(t, "key-from-env", cfg.Exchange.APIKey)
	assert.Equal(t, "secret-from-env", cfg.Exchange.SecretKey)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidationFailures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"missing api key", func(c *Config) { c.Exchange.APIKey = "" }, "exchange.api_key"},
		{"missing secret key", func(c *Config) { c.Exchange.SecretKey = "" }, "exchange.secret_key"},
		{"fee rate out of range", func(c *Config) { c.Exchange.FeeRate = 0.5 }, "exchange.fee_rate"},
		{"no pairs", func(c *Config) { c.Trading.Pairs = nil }, "trading.pairs"},
		{"bad pair notation", func(c *Config) { c.Trading.Pairs = []string{"BTCUSDT"} }, "trading.pairs"},
		{"leverage too high", func(c *Config) { c.Trading.Leverage = 50 }, "trading.leverage"},
		{"zero interval", func(c *Config) { c.Trading.ExecutionIntervalSeconds = 0 }, "trading.execution_interval_seconds"},
		{"confidence out of range", func(c *Config) { c.Safeguards.MinConfidence = 150 }, "safeguards.min_confidence"},
		{"risk per trade above one", func(c *Config) { c.Safeguards.RiskPerTrade = 1.5 }, "safeguards.risk_per_trade"},
		{"drawdown above one", func(c *Config) { c.Safeguards.MaxDrawdown = 2 }, "safeguards.max_drawdown"},
		{"max backoff below baseline", func(c *Config) { c.Gateway.RateLimitMaxBackoff = 1 }, "gateway.rate_limit_max_backoff_seconds"},
		{"zero order attempts", func(c *Config) { c.Gateway.OrderMaxAttempts = 0 }, "gateway.order_max_attempts"},
		{"bad log level", func(c *Config) { c.System.LogLevel = "VERBOSE" }, "system.log_level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Exchange.APIKey = "k"
			cfg.Exchange.SecretKey = "s"
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestStringMasksSecrets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Exchange.APIKey = "abcdefghijklmnop"
	cfg.Exchange.SecretKey = "0123456789abcdef"

	out := cfg.String()
	assert.NotContains(t, out, "abcdefghijklmnop")
	assert.NotContains(t, out, "0123456789abcdef")
	assert.True(t, strings.Contains(out, "abcd********mnop"))
}

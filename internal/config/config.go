// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	Exchange   ExchangeConfig  `yaml:"exchange"`
	Trading    TradingConfig   `yaml:"trading"`
	Safeguards SafeguardConfig `yaml:"safeguards"`
	Gateway    GatewayConfig   `yaml:"gateway"`
	Store      StoreConfig     `yaml:"store"`
	Telegram   TelegramConfig  `yaml:"telegram"`
	Slack      SlackConfig     `yaml:"slack"`
	Telemetry  TelemetryConfig `yaml:"telemetry"`
	System     SystemConfig    `yaml:"system"`
}

// ExchangeConfig contains exchange connectivity settings
type ExchangeConfig struct {
	APIKey    string  `yaml:"api_key"`
	SecretKey string  `yaml:"secret_key"`
	Testnet   bool    `yaml:"testnet"`
	BaseURL   string  `yaml:"base_url"` // Optional override for API URL
	FeeRate   float64 `yaml:"fee_rate"` // Taker fee rate, applied once per fill
}

// TradingConfig contains execution-loop parameters
type TradingConfig struct {
	Pairs                    []string `yaml:"pairs"`
	Leverage                 int      `yaml:"leverage"`
	ExecutionIntervalSeconds int      `yaml:"execution_interval_seconds"`
	SignalMaxAgeSeconds      int      `yaml:"signal_max_age_seconds"`
	MaxSlippagePct           float64  `yaml:"max_slippage_pct"`
	MinOrderNotional         float64  `yaml:"min_order_notional"`
	StopLossFallbackPct      float64  `yaml:"stop_loss_fallback_pct"`

	// Circuit breaker cooldowns
	DrawdownCooldownMinutes   int `yaml:"drawdown_cooldown_minutes"`
	LossStreakCooldownMinutes int `yaml:"loss_streak_cooldown_minutes"`
	DailyLimitCooldownMinutes int `yaml:"daily_limit_cooldown_minutes"`
}

// SafeguardConfig contains the pre-trade risk thresholds.
//
// Fractional limits (RiskPerTrade, MaxExposure, MaxDrawdown) are expressed as
// ratios of balance; the *Pct fields are expressed in percent. This mirrors
// the units the advisory pipeline emits.
type SafeguardConfig struct {
	MinConfidence             int     `yaml:"min_confidence"`
	MinRiskReward             float64 `yaml:"min_risk_reward"`
	MaxStopLossDistancePct    float64 `yaml:"max_stop_loss_distance_pct"`
	RiskPerTrade              float64 `yaml:"risk_per_trade"`
	MaxPositions              int     `yaml:"max_positions"`
	MaxExposure               float64 `yaml:"max_exposure"`
	MaxDrawdown               float64 `yaml:"max_drawdown"`
	MaxTradesPerDay           int     `yaml:"max_trades_per_day"`
	MinPositionSpacingMinutes int     `yaml:"min_position_spacing_minutes"`
	ConsecutiveLossPauseCount int     `yaml:"consecutive_loss_pause_count"`
}

// GatewayConfig contains cache and backoff settings for the exchange gateway
type GatewayConfig struct {
	BalanceCacheTTLSeconds  int     `yaml:"balance_cache_ttl_seconds"`
	PriceCacheTTLSeconds    int     `yaml:"price_cache_ttl_seconds"`
	RateLimitBackoffSeconds float64 `yaml:"rate_limit_backoff_seconds"`
	RateLimitMaxBackoff     float64 `yaml:"rate_limit_max_backoff_seconds"`
	OrderMaxAttempts        int     `yaml:"order_max_attempts"`
}

// StoreConfig contains persistence settings
type StoreConfig struct {
	Path string `yaml:"path"`
}

// TelegramConfig contains notification channel settings
type TelegramConfig struct {
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
}

// SlackConfig contains the optional Slack notification channel settings
type SlackConfig struct {
	WebhookURL string `yaml:"webhook_url"`
}

// TelemetryConfig contains metrics settings
type TelemetryConfig struct {
	EnableMetrics bool `yaml:"enable_metrics"`
	MetricsPort   int  `yaml:"metrics_port"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel string `yaml:"log_level"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable expansion
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	config := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expandedData), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errors []string

	if err := c.validateExchange(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateTrading(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateSafeguards(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateGateway(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateSystem(); err != nil {
		errors = append(errors, err.Error())
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errors, "\n"))
	}

	return nil
}

func (c *Config) validateExchange() error {
	if c.Exchange.APIKey == "" {
		return ValidationError{Field: "exchange.api_key", Message: "API key is required"}
	}
	if c.Exchange.SecretKey == "" {
		return ValidationError{Field: "exchange.secret_key", Message: "secret key is required"}
	}
	if c.Exchange.FeeRate < 0 || c.Exchange.FeeRate > 0.01 {
		return ValidationError{
			Field:   "exchange.fee_rate",
			Value:   c.Exchange.FeeRate,
			Message: "fee rate must be between 0 and 0.01",
		}
	}
	return nil
}

func (c *Config) validateTrading() error {
	if len(c.Trading.Pairs) == 0 {
		return ValidationError{Field: "trading.pairs", Message: "at least one trading pair is required"}
	}
	for _, p := range c.Trading.Pairs {
		if !strings.Contains(p, "/") {
			return ValidationError{
				Field:   "trading.pairs",
				Value:   p,
				Message: "pairs must use BASE/QUOTE notation, e.g. BTC/USDT",
			}
		}
	}
	if c.Trading.Leverage < 1 || c.Trading.Leverage > 10 {
		return ValidationError{
			Field:   "trading.leverage",
			Value:   c.Trading.Leverage,
			Message: "leverage must be between 1 and 10",
		}
	}
	if c.Trading.ExecutionIntervalSeconds < 1 {
		return ValidationError{
			Field:   "trading.execution_interval_seconds",
			Value:   c.Trading.ExecutionIntervalSeconds,
			Message: "execution interval must be positive",
		}
	}
	if c.Trading.MaxSlippagePct <= 0 {
		return ValidationError{
			Field:   "trading.max_slippage_pct",
			Value:   c.Trading.MaxSlippagePct,
			Message: "max slippage must be positive",
		}
	}
	if c.Trading.MinOrderNotional < 0 {
		return ValidationError{
			Field:   "trading.min_order_notional",
			Value:   c.Trading.MinOrderNotional,
			Message: "minimum order notional cannot be negative",
		}
	}
	return nil
}

func (c *Config) validateSafeguards() error {
	s := c.Safeguards
	if s.MinConfidence < 0 || s.MinConfidence > 100 {
		return ValidationError{
			Field:   "safeguards.min_confidence",
			Value:   s.MinConfidence,
			Message: "must be between 0 and 100",
		}
	}
	if s.MaxPositions < 1 {
		return ValidationError{
			Field:   "safeguards.max_positions",
			Value:   s.MaxPositions,
			Message: "must allow at least one position",
		}
	}
	if s.RiskPerTrade <= 0 || s.RiskPerTrade > 1 {
		return ValidationError{
			Field:   "safeguards.risk_per_trade",
			Value:   s.RiskPerTrade,
			Message: "must be a ratio in (0, 1]",
		}
	}
	if s.MaxExposure <= 0 || s.MaxExposure > 1 {
		return ValidationError{
			Field:   "safeguards.max_exposure",
			Value:   s.MaxExposure,
			Message: "must be a ratio in (0, 1]",
		}
	}
	if s.MaxDrawdown <= 0 || s.MaxDrawdown > 1 {
		return ValidationError{
			Field:   "safeguards.max_drawdown",
			Value:   s.MaxDrawdown,
			Message: "must be a ratio in (0, 1]",
		}
	}
	if s.MaxTradesPerDay < 1 {
		return ValidationError{
			Field:   "safeguards.max_trades_per_day",
			Value:   s.MaxTradesPerDay,
			Message: "must allow at least one trade per day",
		}
	}
	if s.ConsecutiveLossPauseCount < 1 {
		return ValidationError{
			Field:   "safeguards.consecutive_loss_pause_count",
			Value:   s.ConsecutiveLossPauseCount,
			Message: "must be at least 1",
		}
	}
	return nil
}

func (c *Config) validateGateway() error {
	g := c.Gateway
	if g.BalanceCacheTTLSeconds < 1 || g.PriceCacheTTLSeconds < 1 {
		return ValidationError{
			Field:   "gateway.cache_ttl",
			Message: "cache TTLs must be positive",
		}
	}
	if g.RateLimitBackoffSeconds <= 0 {
		return ValidationError{
			Field:   "gateway.rate_limit_backoff_seconds",
			Value:   g.RateLimitBackoffSeconds,
			Message: "must be positive",
		}
	}
	if g.RateLimitMaxBackoff < g.RateLimitBackoffSeconds {
		return ValidationError{
			Field:   "gateway.rate_limit_max_backoff_seconds",
			Value:   g.RateLimitMaxBackoff,
			Message: "must be at least the baseline backoff",
		}
	}
	if g.OrderMaxAttempts < 1 || g.OrderMaxAttempts > 10 {
		return ValidationError{
			Field:   "gateway.order_max_attempts",
			Value:   g.OrderMaxAttempts,
			Message: "must be between 1 and 10",
		}
	}
	return nil
}

func (c *Config) validateSystem() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

// String returns a string representation of the configuration (with sensitive data masked)
func (c *Config) String() string {
	configCopy := *c
	configCopy.Exchange.APIKey = maskString(configCopy.Exchange.APIKey)
	configCopy.Exchange.SecretKey = maskString(configCopy.Exchange.SecretKey)
	configCopy.Telegram.BotToken = maskString(configCopy.Telegram.BotToken)

	data, _ := yaml.Marshal(configCopy)
	return string(data)
}

// Helper functions

func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

func maskString(s string) string {
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}

// DefaultConfig returns the default configuration. YAML values overlay it.
func DefaultConfig() *Config {
	return &Config{
		Exchange: ExchangeConfig{
			Testnet: true,
			FeeRate: 0.0004,
		},
		Trading: TradingConfig{
			Pairs:                     []string{"BTC/USDT", "ETH/USDT"},
			Leverage:                  1,
			ExecutionIntervalSeconds:  30,
			SignalMaxAgeSeconds:       300,
			MaxSlippagePct:            0.5,
			MinOrderNotional:          100,
			StopLossFallbackPct:       3.0,
			DrawdownCooldownMinutes:   60,
			LossStreakCooldownMinutes: 120,
			DailyLimitCooldownMinutes: 5,
		},
		Safeguards: SafeguardConfig{
			MinConfidence:             60,
			MinRiskReward:             2.0,
			MaxStopLossDistancePct:    3.0,
			RiskPerTrade:              0.02,
			MaxPositions:              3,
			MaxExposure:               0.10,
			MaxDrawdown:               0.20,
			MaxTradesPerDay:           8,
			MinPositionSpacingMinutes: 90,
			ConsecutiveLossPauseCount: 3,
		},
		Gateway: GatewayConfig{
			BalanceCacheTTLSeconds:  300,
			PriceCacheTTLSeconds:    30,
			RateLimitBackoffSeconds: 60,
			RateLimitMaxBackoff:     600,
			OrderMaxAttempts:        3,
		},
		Store: StoreConfig{
			Path: "autotrader.db",
		},
		Telemetry: TelemetryConfig{
			EnableMetrics: true,
			MetricsPort:   9090,
		},
		System: SystemConfig{
			LogLevel: "INFO",
		},
	}
}

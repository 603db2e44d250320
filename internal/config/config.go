// Package config provides configuration management for the trading agent.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"vibe-trader/internal/errors"
)

// Config holds all application configuration.
type Config struct {
	Trading     TradingConfig  `mapstructure:"trading"`
	Risk        RiskConfig     `mapstructure:"risk"`
	Exchange    ExchangeConfig `mapstructure:"exchange"`
	Oracle      OracleConfig   `mapstructure:"oracle"`
	Server      ServerConfig   `mapstructure:"server"`
	Database    DatabaseConfig `mapstructure:"database"`
	Logging     LoggingConfig  `mapstructure:"logging"`
	Credentials Credentials    `mapstructure:"-"` // Loaded separately
}

// TradingConfig holds agent loop configuration.
type TradingConfig struct {
	Enabled         bool     `mapstructure:"enabled"`
	DryRun          bool     `mapstructure:"dry_run"`
	IntervalSeconds int      `mapstructure:"interval_seconds"`
	Symbols         []string `mapstructure:"symbols"`
	PaperBalance    float64  `mapstructure:"paper_balance"`
	ErrorWindow     string   `mapstructure:"error_window"`
}

// Interval returns the cycle interval.
func (t TradingConfig) Interval() time.Duration {
	return time.Duration(t.IntervalSeconds) * time.Second
}

// ErrorWindowDuration returns the lookback used when counting recent errors.
func (t TradingConfig) ErrorWindowDuration() time.Duration {
	d, err := time.ParseDuration(t.ErrorWindow)
	if err != nil || d <= 0 {
		return 15 * time.Minute
	}
	return d
}

// RiskConfig holds risk limits. It is read-only once loaded.
type RiskConfig struct {
	MaxPositionSizeUSD  float64 `mapstructure:"max_position_size_usd" json:"maxPositionSizeUsd"`
	MaxDailyLossPercent float64 `mapstructure:"max_daily_loss_percent" json:"maxDailyLossPercent"`
	MaxOpenPositions    int     `mapstructure:"max_open_positions" json:"maxOpenPositions"`
	MinConfidence       float64 `mapstructure:"min_confidence" json:"minConfidence"`
	StopLossPercent     float64 `mapstructure:"stop_loss_percent" json:"stopLossPercent"`
	TakeProfitPercent   float64 `mapstructure:"take_profit_percent" json:"takeProfitPercent"`
}

// DefaultRiskConfig returns the stock risk limits.
func DefaultRiskConfig() RiskConfig {
	return RiskConfig{
		MaxPositionSizeUSD:  50,
		MaxDailyLossPercent: 20,
		MaxOpenPositions:    3,
		MinConfidence:       0.7,
		StopLossPercent:     3,
		TakeProfitPercent:   5,
	}
}

// ExchangeConfig holds venue connection settings.
type ExchangeConfig struct {
	BaseURL          string  `mapstructure:"base_url"`
	RecvWindow       int64   `mapstructure:"recv_window"`
	TimeoutSeconds   int     `mapstructure:"timeout_seconds"`
	DefaultPrecision int     `mapstructure:"default_precision"`
	MinNotional      float64 `mapstructure:"min_notional"`
	RulesCacheTTL    string  `mapstructure:"rules_cache_ttl"`
}

// Timeout returns the HTTP timeout.
func (e ExchangeConfig) Timeout() time.Duration {
	return time.Duration(e.TimeoutSeconds) * time.Second
}

// RulesTTL returns how long symbol rules are cached.
func (e ExchangeConfig) RulesTTL() time.Duration {
	d, err := time.ParseDuration(e.RulesCacheTTL)
	if err != nil {
		return time.Hour
	}
	return d
}

// OracleConfig holds LLM settings.
type OracleConfig struct {
	Model          string  `mapstructure:"model"`
	BaseURL        string  `mapstructure:"base_url"`
	Temperature    float64 `mapstructure:"temperature"`
	MaxTokens      int     `mapstructure:"max_tokens"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
}

// ServerConfig holds the HTTP API settings.
type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// URL returns the base URL clients use to reach the API.
func (s ServerConfig) URL() string {
	addr := s.Addr
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	return "http://" + addr
}

// DatabaseConfig holds the SQLite settings.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	File       bool   `mapstructure:"file"`
	FilePath   string `mapstructure:"file_path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Credentials holds secrets.
type Credentials struct {
	Aster  AsterCredentials  `mapstructure:"aster"`
	OpenAI OpenAICredentials `mapstructure:"openai"`
}

// AsterCredentials holds the venue identity tuple.
type AsterCredentials struct {
	UserAddress   string `mapstructure:"user_address"`
	SignerAddress string `mapstructure:"signer_address"`
	PrivateKey    string `mapstructure:"private_key"`
}

// Configured reports whether all three fields are present.
func (a AsterCredentials) Configured() bool {
	return a.UserAddress != "" && a.SignerAddress != "" && a.PrivateKey != ""
}

// OpenAICredentials holds OpenAI API credentials.
type OpenAICredentials struct {
	APIKey string `mapstructure:"api_key"`
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/vibe-trader"
	}
	return filepath.Join(home, ".config", "vibe-trader")
}

// Load loads configuration from the specified directory.
// If configDir is empty, uses the default config directory.
// A .env file in the working directory is loaded first; real environment
// variables take precedence over it.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	_ = godotenv.Load()

	cfg := &Config{}

	if err := loadConfigFile(configDir, cfg); err != nil {
		return nil, fmt.Errorf("loading config.toml: %w", err)
	}

	if err := loadCredentials(configDir, &cfg.Credentials); err != nil {
		return nil, fmt.Errorf("loading credentials.toml: %w", err)
	}

	if cfg.Database.Path == "" {
		cfg.Database.Path = filepath.Join(configDir, "agent.db")
	}
	if cfg.Logging.FilePath == "" {
		cfg.Logging.FilePath = filepath.Join(configDir, "logs", "agent.log")
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	risk := DefaultRiskConfig()

	v.SetDefault("trading.enabled", true)
	v.SetDefault("trading.dry_run", true)
	v.SetDefault("trading.interval_seconds", 60)
	v.SetDefault("trading.symbols", []string{"BTCUSDT", "ETHUSDT", "BNBUSDT"})
	v.SetDefault("trading.paper_balance", 1000.0)
	v.SetDefault("trading.error_window", "15m")

	v.SetDefault("risk.max_position_size_usd", risk.MaxPositionSizeUSD)
	v.SetDefault("risk.max_daily_loss_percent", risk.MaxDailyLossPercent)
	v.SetDefault("risk.max_open_positions", risk.MaxOpenPositions)
	v.SetDefault("risk.min_confidence", risk.MinConfidence)
	v.SetDefault("risk.stop_loss_percent", risk.StopLossPercent)
	v.SetDefault("risk.take_profit_percent", risk.TakeProfitPercent)

	v.SetDefault("exchange.base_url", "https://fapi.asterdex.com")
	v.SetDefault("exchange.recv_window", 50000)
	v.SetDefault("exchange.timeout_seconds", 15)
	v.SetDefault("exchange.default_precision", 3)
	v.SetDefault("exchange.min_notional", 5.0)
	v.SetDefault("exchange.rules_cache_ttl", "1h")

	v.SetDefault("oracle.model", "gpt-4o-mini")
	v.SetDefault("oracle.base_url", "")
	v.SetDefault("oracle.temperature", 0.7)
	v.SetDefault("oracle.max_tokens", 2048)
	v.SetDefault("oracle.timeout_seconds", 60)

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.addr", ":3001")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", false)
	v.SetDefault("logging.max_size_mb", 50)
	v.SetDefault("logging.max_backups", 7)
	v.SetDefault("logging.max_age_days", 30)
}

func loadConfigFile(configDir string, cfg *Config) error {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return err
		}
		// First run: write a template and continue with defaults.
		if err := createTemplateConfig(configDir); err != nil {
			return err
		}
	}

	return v.Unmarshal(cfg)
}

func loadCredentials(configDir string, creds *Credentials) error {
	v := viper.New()
	v.SetConfigName("credentials")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return createTemplateCredentials(configDir)
		}
		return err
	}

	return v.Unmarshal(creds)
}

func applyEnvOverrides(cfg *Config) {
	// Venue credentials
	if v := os.Getenv("ASTER_USER_ADDRESS"); v != "" {
		cfg.Credentials.Aster.UserAddress = v
	}
	if v := os.Getenv("ASTER_SIGNER_ADDRESS"); v != "" {
		cfg.Credentials.Aster.SignerAddress = v
	}
	if v := os.Getenv("ASTER_PRIVATE_KEY"); v != "" {
		cfg.Credentials.Aster.PrivateKey = v
	}
	if v := os.Getenv("ASTER_BASE_URL"); v != "" {
		cfg.Exchange.BaseURL = v
	}

	// Oracle
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.Credentials.OpenAI.APIKey = v
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
		cfg.Oracle.BaseURL = v
	}
	if v := os.Getenv("OPENAI_MODEL"); v != "" {
		cfg.Oracle.Model = v
	}

	// Trading
	if v, ok := envBool("TRADING_ENABLED"); ok {
		cfg.Trading.Enabled = v
	}
	if v, ok := envBool("DRY_RUN"); ok {
		cfg.Trading.DryRun = v
	}
	if v := os.Getenv("TRADING_SYMBOLS"); v != "" {
		cfg.Trading.Symbols = splitSymbols(v)
	}
	if v, ok := envInt("TRADING_INTERVAL_SECONDS"); ok {
		cfg.Trading.IntervalSeconds = v
	}

	// Risk
	if v, ok := envFloat("MAX_POSITION_SIZE_USD"); ok {
		cfg.Risk.MaxPositionSizeUSD = v
	}
	if v, ok := envFloat("MAX_DAILY_LOSS_PERCENT"); ok {
		cfg.Risk.MaxDailyLossPercent = v
	}
	if v, ok := envInt("MAX_OPEN_POSITIONS"); ok {
		cfg.Risk.MaxOpenPositions = v
	}
	if v, ok := envFloat("MIN_CONFIDENCE"); ok {
		cfg.Risk.MinConfidence = v
	}
	if v, ok := envFloat("STOP_LOSS_PERCENT"); ok {
		cfg.Risk.StopLossPercent = v
	}
	if v, ok := envFloat("TAKE_PROFIT_PERCENT"); ok {
		cfg.Risk.TakeProfitPercent = v
	}

	// Ambient
	if v := os.Getenv("API_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

func envBool(key string) (bool, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	return v, err == nil
}

func envInt(key string) (int, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	return v, err == nil
}

func envFloat(key string) (float64, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	return v, err == nil
}

func splitSymbols(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	r := c.Risk
	if r.MaxPositionSizeUSD <= 0 {
		return invalid("risk.max_position_size_usd", r.MaxPositionSizeUSD, "must be positive")
	}
	if r.MaxDailyLossPercent <= 0 || r.MaxDailyLossPercent > 100 {
		return invalid("risk.max_daily_loss_percent", r.MaxDailyLossPercent, "must be in (0, 100]")
	}
	if r.MaxOpenPositions < 1 {
		return invalid("risk.max_open_positions", r.MaxOpenPositions, "must be at least 1")
	}
	if r.MinConfidence < 0 || r.MinConfidence > 1 {
		return invalid("risk.min_confidence", r.MinConfidence, "must be in [0, 1]")
	}
	if r.StopLossPercent < 0 || r.StopLossPercent >= 100 {
		return invalid("risk.stop_loss_percent", r.StopLossPercent, "must be in [0, 100)")
	}
	if r.TakeProfitPercent < 0 {
		return invalid("risk.take_profit_percent", r.TakeProfitPercent, "must be non-negative")
	}

	if len(c.Trading.Symbols) == 0 {
		return invalid("trading.symbols", c.Trading.Symbols, "at least one symbol is required")
	}
	if c.Trading.IntervalSeconds <= 0 {
		return invalid("trading.interval_seconds", c.Trading.IntervalSeconds, "must be positive")
	}
	if c.Trading.DryRun && c.Trading.PaperBalance <= 0 {
		return invalid("trading.paper_balance", c.Trading.PaperBalance, "must be positive in dry-run mode")
	}

	if c.Exchange.BaseURL == "" {
		return invalid("exchange.base_url", c.Exchange.BaseURL, "must not be empty")
	}
	if c.Exchange.RecvWindow <= 0 || c.Exchange.RecvWindow > 60000 {
		return invalid("exchange.recv_window", c.Exchange.RecvWindow, "must be in (0, 60000]")
	}

	if c.Trading.Enabled && !c.Trading.DryRun && !c.Credentials.Aster.Configured() {
		return invalid("credentials.aster", "", "user_address, signer_address and private_key are required for live trading")
	}

	return nil
}

func invalid(field string, value interface{}, message string) error {
	return fmt.Errorf("%w: %w", errors.ErrConfigInvalid, errors.NewValidationError(field, value, message))
}

// IsLive reports whether orders reach the venue.
func (c *Config) IsLive() bool {
	return !c.Trading.DryRun
}

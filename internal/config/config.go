// Package config provides configuration management for the trading application.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"spot-trader/internal/errors"
	"spot-trader/internal/models"
)

// Config holds all application configuration.
type Config struct {
	Trading       TradingConfig      `mapstructure:"trading"`
	Strategy      StrategyConfig     `mapstructure:"strategy"`
	Risk          RiskConfig         `mapstructure:"risk"`
	Storage       StorageConfig      `mapstructure:"storage"`
	Metrics       MetricsConfig      `mapstructure:"metrics"`
	Breaker       BreakerConfig      `mapstructure:"breaker"`
	Logging       LoggingConfig      `mapstructure:"logging"`
	UI            UIConfig           `mapstructure:"ui"`
	Notifications NotificationConfig `mapstructure:"notifications"`
	Credentials   Credentials        `mapstructure:"-" json:"-"` // Loaded separately

	// Dir is the directory the configuration was loaded from.
	Dir string `mapstructure:"-"`
}

// TradingConfig holds trading-related configuration.
type TradingConfig struct {
	Mode              string        `mapstructure:"mode"`     // "live", "paper"
	Strategy          string        `mapstructure:"strategy"` // preset: "scalper", "breakout"
	Symbol            string        `mapstructure:"symbol"`
	BaseAsset         string        `mapstructure:"base_asset"`
	QuoteAsset        string        `mapstructure:"quote_asset"`
	BaseURL           string        `mapstructure:"base_url"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	CallTimeout       time.Duration `mapstructure:"call_timeout"`
	PaperQuoteBalance float64       `mapstructure:"paper_quote_balance"`
}

// StrategyConfig holds the signal and order lifecycle parameters. Unset
// keys take the values of the selected preset.
type StrategyConfig struct {
	Tag          string `mapstructure:"tag"`
	LowInterval  string `mapstructure:"low_interval"`
	HighInterval string `mapstructure:"high_interval"`
	LowCandles   int    `mapstructure:"low_candles"`
	HighCandles  int    `mapstructure:"high_candles"`

	FastSpan      int     `mapstructure:"fast_span"`
	SlowSpan      int     `mapstructure:"slow_span"`
	RSIPeriod     int     `mapstructure:"rsi_period"`
	ATRPeriod     int     `mapstructure:"atr_period"`
	RSIUpper      float64 `mapstructure:"rsi_upper"`
	ReversalFloor float64 `mapstructure:"reversal_floor"`
	HTFFastSpan   int     `mapstructure:"htf_fast_span"`
	HTFSlowSpan   int     `mapstructure:"htf_slow_span"`

	UseTrendGate    bool `mapstructure:"use_trend_gate"`
	ExitOnTrendFlip bool `mapstructure:"exit_on_trend_flip"`
	ExitOnReversal  bool `mapstructure:"exit_on_reversal"`

	BreakoutLookback int     `mapstructure:"breakout_lookback"`
	BreakoutK        float64 `mapstructure:"breakout_k"`
	PullbackSpan     int     `mapstructure:"pullback_span"`

	EntryPricing    string        `mapstructure:"entry_pricing"` // "bid_minus_tick", "signal"
	TTL             time.Duration `mapstructure:"ttl"`
	StopATR         float64       `mapstructure:"stop_atr"`
	TargetATR       float64       `mapstructure:"target_atr"`
	Target1R        float64       `mapstructure:"target1_r"`
	Target2R        float64       `mapstructure:"target2_r"`
	PartialFraction float64       `mapstructure:"partial_fraction"`
}

// RiskConfig holds sizing and daily drawdown configuration.
type RiskConfig struct {
	SizingMode        string  `mapstructure:"sizing_mode"` // "notional", "risk"
	PositionFraction  float64 `mapstructure:"position_fraction"`
	CapitalCap        float64 `mapstructure:"capital_cap"`
	RiskFraction      float64 `mapstructure:"risk_fraction"`
	DrawdownFraction  float64 `mapstructure:"drawdown_fraction"`
	DrawdownReference string  `mapstructure:"drawdown_reference"` // "fixed", "balance"
	ReferenceCapital  float64 `mapstructure:"reference_capital"`
}

// StorageConfig selects where position state and the ledger live.
type StorageConfig struct {
	Backend  string `mapstructure:"backend"` // "sqlite", "file"
	DBPath   string `mapstructure:"db_path"`
	StateDir string `mapstructure:"state_dir"`
}

// MetricsConfig holds the Prometheus endpoint configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// BreakerConfig holds the gateway circuit breaker configuration.
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	SuccessThreshold int           `mapstructure:"success_threshold"`
	Timeout          time.Duration `mapstructure:"timeout"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Console    bool   `mapstructure:"console"`
	File       bool   `mapstructure:"file"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
}

// UIConfig holds UI-related configuration.
type UIConfig struct {
	ColorEnabled bool `mapstructure:"color_enabled"`
}

// NotificationConfig holds notification configuration.
type NotificationConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Level    string         `mapstructure:"level"` // all, trades_only, errors_only
	Console  bool           `mapstructure:"console"`
	Webhook  WebhookConfig  `mapstructure:"webhook"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// WebhookConfig holds webhook notification configuration.
type WebhookConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
}

// TelegramConfig holds Telegram notification configuration.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token" json:"-"`
	ChatID   string `mapstructure:"chat_id"`
	APIURL   string `mapstructure:"api_url"`
}

// Credentials holds API credentials.
type Credentials struct {
	Binance BinanceCredentials `mapstructure:"binance"`
}

// BinanceCredentials holds exchange API credentials.
type BinanceCredentials struct {
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/spot-trader"
	}
	return filepath.Join(home, ".config", "spot-trader")
}

// Load loads configuration from the specified directory.
// If configDir is empty, uses the default config directory.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	// .env in the working directory, then in the config directory. Variables
	// already set in the environment win.
	loadDotEnv(".env", filepath.Join(configDir, ".env"))

	cfg := &Config{Dir: configDir}

	// Load main config
	if err := loadConfigFile(configDir, "config", cfg); err != nil {
		return nil, fmt.Errorf("loading config.toml: %w", err)
	}

	// Load credentials
	if err := loadCredentials(configDir, &cfg.Credentials); err != nil {
		return nil, fmt.Errorf("loading credentials.toml: %w", err)
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func loadDotEnv(paths ...string) {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			_ = godotenv.Load(p)
		}
	}
}

func loadConfigFile(configDir, name string, cfg *Config) error {
	v := viper.New()
	v.SetConfigName(name)
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)
	setDefaults(v, configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found, create template
			return createTemplateConfig(configDir, name)
		}
		return err
	}

	// Preset values sit below the file but above the generic defaults.
	preset := strings.ToLower(v.GetString("trading.strategy"))
	if env := os.Getenv("TRADING_STRATEGY"); env != "" {
		preset = strings.ToLower(env)
		v.Set("trading.strategy", preset)
	}
	values, err := presetDefaults(preset)
	if err != nil {
		return err
	}
	for k, val := range values {
		v.SetDefault(k, val)
	}

	return v.Unmarshal(cfg)
}

func setDefaults(v *viper.Viper, configDir string) {
	v.SetDefault("trading.mode", string(models.ModePaper))
	v.SetDefault("trading.strategy", PresetScalper)
	v.SetDefault("trading.symbol", "BTCUSDT")
	v.SetDefault("trading.base_asset", "BTC")
	v.SetDefault("trading.quote_asset", "USDT")
	v.SetDefault("trading.base_url", "https://testnet.binance.vision")
	v.SetDefault("trading.poll_interval", "5s")
	v.SetDefault("trading.call_timeout", "10s")
	v.SetDefault("trading.paper_quote_balance", 10000.0)

	v.SetDefault("storage.backend", "sqlite")
	v.SetDefault("storage.db_path", filepath.Join(configDir, "spot-trader.db"))
	v.SetDefault("storage.state_dir", filepath.Join(configDir, "state"))

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", "127.0.0.1:9464")

	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.success_threshold", 1)
	v.SetDefault("breaker.timeout", "30s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.console", true)
	v.SetDefault("logging.file", true)
	v.SetDefault("logging.file_path", filepath.Join(configDir, "logs", "spot-trader.log"))
	v.SetDefault("logging.max_size", 100)
	v.SetDefault("logging.max_backups", 7)
	v.SetDefault("logging.max_age", 30)

	v.SetDefault("ui.color_enabled", true)

	v.SetDefault("notifications.level", "all")
	v.SetDefault("notifications.telegram.api_url", "https://api.telegram.org")
}

func loadCredentials(configDir string, creds *Credentials) error {
	v := viper.New()
	v.SetConfigName("credentials")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Credentials may come from the environment instead.
			return createTemplateCredentials(configDir)
		}
		return err
	}

	return v.Unmarshal(creds)
}

func applyEnvOverrides(cfg *Config) {
	// Exchange credentials
	if v := os.Getenv("BINANCE_KEY"); v != "" {
		cfg.Credentials.Binance.APIKey = v
	}
	if v := os.Getenv("BINANCE_SECRET"); v != "" {
		cfg.Credentials.Binance.APISecret = v
	}

	// Telegram
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Notifications.Telegram.BotToken = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		cfg.Notifications.Telegram.ChatID = v
	}

	// Trading mode
	if v := os.Getenv("TRADING_MODE"); v != "" {
		cfg.Trading.Mode = v
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	// Validate trading mode
	if m := models.Mode(c.Trading.Mode); m != models.ModeLive && m != models.ModePaper {
		return invalid("trading.mode", c.Trading.Mode, "must be 'live' or 'paper'")
	}
	if c.Trading.Symbol == "" || c.Trading.BaseAsset == "" || c.Trading.QuoteAsset == "" {
		return invalid("trading.symbol", c.Trading.Symbol, "symbol, base_asset and quote_asset are required")
	}
	if c.Trading.PollInterval <= 0 {
		return invalid("trading.poll_interval", c.Trading.PollInterval, "must be positive")
	}
	if c.Trading.CallTimeout <= 0 {
		return invalid("trading.call_timeout", c.Trading.CallTimeout, "must be positive")
	}
	if c.IsPaperMode() && c.Trading.PaperQuoteBalance <= 0 {
		return invalid("trading.paper_quote_balance", c.Trading.PaperQuoteBalance, "must be positive in paper mode")
	}
	if !c.IsPaperMode() && (c.Credentials.Binance.APIKey == "" || c.Credentials.Binance.APISecret == "") {
		return invalid("credentials.binance", "", "api_key and api_secret are required in live mode")
	}

	if c.Strategy.LowInterval == "" {
		return invalid("strategy.low_interval", c.Strategy.LowInterval, "required")
	}
	if c.Strategy.LowCandles <= 0 {
		return invalid("strategy.low_candles", c.Strategy.LowCandles, "must be positive")
	}

	// Validate storage
	switch c.Storage.Backend {
	case "sqlite":
		if c.Storage.DBPath == "" {
			return invalid("storage.db_path", "", "required for the sqlite backend")
		}
	case "file":
		if c.Storage.StateDir == "" || c.Storage.DBPath == "" {
			return invalid("storage.state_dir", "", "state_dir and db_path are required for the file backend")
		}
	default:
		return invalid("storage.backend", c.Storage.Backend, "must be 'sqlite' or 'file'")
	}

	if c.Breaker.FailureThreshold <= 0 || c.Breaker.Timeout <= 0 {
		return invalid("breaker", c.Breaker.FailureThreshold, "failure_threshold and timeout must be positive")
	}

	switch c.Notifications.Level {
	case "all", "trades_only", "errors_only":
	default:
		return invalid("notifications.level", c.Notifications.Level, "must be all, trades_only or errors_only")
	}

	// Component configurations validate their own ranges.
	params := c.SignalParams()
	if err := params.Validate(); err != nil {
		return errors.Wrap(errors.ErrConfigInvalid, err.Error())
	}
	if c.Strategy.UseTrendGate || c.Strategy.ExitOnTrendFlip {
		if c.Strategy.HighInterval == "" || c.Strategy.HighCandles <= 0 {
			return invalid("strategy.high_interval", c.Strategy.HighInterval, "high_interval and high_candles are required with a trend gate")
		}
	}
	if err := c.MachineConfig().Validate(); err != nil {
		return errors.Wrap(errors.ErrConfigInvalid, err.Error())
	}
	if err := c.SizerConfig().Validate(); err != nil {
		return errors.Wrap(errors.ErrConfigInvalid, err.Error())
	}
	if err := c.GovernorConfig().Validate(); err != nil {
		return errors.Wrap(errors.ErrConfigInvalid, err.Error())
	}

	return nil
}

func invalid(field string, value interface{}, msg string) error {
	return fmt.Errorf("%w: %w", errors.ErrConfigInvalid, errors.NewValidationError(field, value, msg))
}

// IsPaperMode returns true if paper trading mode is enabled.
func (c *Config) IsPaperMode() bool {
	return models.Mode(c.Trading.Mode) == models.ModePaper
}

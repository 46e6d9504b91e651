package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const configTemplate = `# Spot Trader Configuration

[trading]
mode = "paper"          # "live" or "paper"
strategy = "scalper"    # "scalper" or "breakout"
symbol = "BTCUSDT"
base_asset = "BTC"
quote_asset = "USDT"
base_url = "https://testnet.binance.vision"
poll_interval = "5s"
call_timeout = "10s"
paper_quote_balance = 10000.0

# Strategy values default to the selected preset. Uncomment to override.
[strategy]
# tag = "EMA"
# low_interval = "1m"
# high_interval = "15m"
# low_candles = 50
# high_candles = 60
# fast_span = 3
# slow_span = 8
# rsi_period = 14
# atr_period = 14
# rsi_upper = 65.0
# reversal_floor = 40.0
# htf_fast_span = 9
# htf_slow_span = 21
# use_trend_gate = true
# exit_on_trend_flip = true
# exit_on_reversal = true
# entry_pricing = "bid_minus_tick"   # or "signal"
# ttl = "30s"
# stop_atr = 1.0
# target_atr = 2.0
# target1_r = 0.0      # > 0 enables the two-target scheme
# target2_r = 0.0
# partial_fraction = 0.5

[risk]
# sizing_mode = "notional"        # or "risk"
# position_fraction = 0.20
# capital_cap = 30000.0
# risk_fraction = 0.005
# drawdown_fraction = 0.03
# drawdown_reference = "fixed"    # or "balance"
# reference_capital = 30000.0

[storage]
backend = "sqlite"      # "sqlite" or "file"
# db_path = "~/.config/spot-trader/spot-trader.db"
# state_dir = "~/.config/spot-trader/state"

[metrics]
enabled = false
addr = "127.0.0.1:9464"

[breaker]
failure_threshold = 5
success_threshold = 1
timeout = "30s"

[logging]
level = "info"
console = true
file = true
max_size = 100
max_backups = 7
max_age = 30

[ui]
color_enabled = true

[notifications]
enabled = false
level = "all"           # all, trades_only, errors_only
console = true

[notifications.webhook]
enabled = false
url = ""

[notifications.telegram]
enabled = false
bot_token = ""
chat_id = ""
`

const credentialsTemplate = `# Spot Trader Credentials
# Keep this file secure. BINANCE_KEY and BINANCE_SECRET in the environment
# or a .env file take precedence.

[binance]
api_key = ""
api_secret = ""
`

func createTemplateConfig(configDir, name string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, name+".toml")
	if err := os.WriteFile(path, []byte(configTemplate), 0644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}

	return fmt.Errorf("config file not found, created template at %s", path)
}

// createTemplateCredentials writes an empty credentials file. Unlike the
// main config this is not an error: paper mode needs no keys and live mode
// can take them from the environment.
func createTemplateCredentials(configDir string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, "credentials.toml")
	if err := os.WriteFile(path, []byte(credentialsTemplate), 0600); err != nil {
		return fmt.Errorf("writing credentials template: %w", err)
	}

	return nil
}

// WriteTemplate writes the default config.toml into configDir unless one
// already exists, and returns its path.
func WriteTemplate(configDir string) (string, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}
	path := filepath.Join(configDir, "config.toml")
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return "", fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(configTemplate), 0644); err != nil {
		return "", fmt.Errorf("writing config template: %w", err)
	}
	return path, nil
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const configTemplate = `# vibe-trader configuration

[trading]
# Run the decision loop
enabled = true
# Dry run: orders fill against an in-memory paper account
dry_run = true
# Seconds between cycles
interval_seconds = 60
# Symbols processed each cycle
symbols = ["BTCUSDT", "ETHUSDT", "BNBUSDT"]
# Starting USDT balance of the paper account
paper_balance = 1000.0
# Lookback for counting recent errors
error_window = "15m"

[risk]
max_position_size_usd = 50.0
max_daily_loss_percent = 20.0
max_open_positions = 3
min_confidence = 0.7
stop_loss_percent = 3.0
take_profit_percent = 5.0

[exchange]
base_url = "https://fapi.asterdex.com"
# Server-side tolerance for signed requests, in milliseconds
recv_window = 50000
timeout_seconds = 15
# Used when exchangeInfo gives no usable precision
default_precision = 3
# Used when exchangeInfo has no MIN_NOTIONAL filter
min_notional = 5.0
rules_cache_ttl = "1h"

[oracle]
model = "gpt-4o-mini"
# Leave empty for api.openai.com; set for compatible providers
base_url = ""
temperature = 0.7
max_tokens = 2048
timeout_seconds = 60

[server]
enabled = true
addr = ":3001"

[database]
# Defaults to agent.db in the config directory
path = ""

[logging]
level = "info"
file = false
file_path = ""
max_size_mb = 50
max_backups = 7
max_age_days = 30
`

const credentialsTemplate = `# vibe-trader credentials
# Keep this file private (chmod 600)

[aster]
# Account that owns the funds
user_address = ""
# API wallet authorised to sign for the account
signer_address = ""
# Private key of the API wallet
private_key = ""

[openai]
api_key = ""
`

func createTemplateConfig(configDir string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, "config.toml")
	if err := os.WriteFile(path, []byte(configTemplate), 0644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}

	return nil
}

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

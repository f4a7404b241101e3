// Package config defines all configuration for the trading agent.
// Settings are loaded from a YAML file (default: config/settings.yaml) with
// sensitive fields overridable via environment variables. Risk and strategy
// parameter files are decoded strictly: an unknown key is a startup error,
// because a typo in a risk limit must never silently fall back to a default.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level settings file. Maps directly to the YAML structure.
type Config struct {
	Environment string            `mapstructure:"environment"`
	DryRun      bool              `mapstructure:"dry_run"`
	Hyperliquid HyperliquidConfig `mapstructure:"hyperliquid"`
	Trading     TradingConfig     `mapstructure:"trading"`
	Cycle       CycleConfig       `mapstructure:"cycle"`
	Collector   CollectorConfig   `mapstructure:"collector"`
	Paths       PathsConfig       `mapstructure:"paths"`
	Telegram    TelegramConfig    `mapstructure:"telegram"`
	Journal     JournalConfig     `mapstructure:"journal"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// HyperliquidConfig holds exchange endpoints and signing credentials.
// PrivateKey signs the EIP-712 exchange actions. MainAddress, when set,
// is the account being traded (the key may belong to an API wallet
// authorized for that account rather than the account itself).
type HyperliquidConfig struct {
	MainnetURL   string `mapstructure:"mainnet_url"`
	TestnetURL   string `mapstructure:"testnet_url"`
	WSMainnetURL string `mapstructure:"ws_mainnet_url"`
	WSTestnetURL string `mapstructure:"ws_testnet_url"`
	PrivateKey   string `mapstructure:"private_key"`
	MainAddress  string `mapstructure:"main_address"`
}

// TradingConfig tunes the per-cycle decision pipeline.
//
//   - Symbols: coins scanned each cycle, in priority order.
//   - MinConfidence: entries below this are skipped by the executor.
//   - DefaultLeverage: used when a strategy emits no leverage.
//   - MinHoldMinutes: a close arriving sooner than this after entry is
//     converted to hold_position unless its confidence clears
//     CloseOverrideConfidence.
type TradingConfig struct {
	Symbols                 []string `mapstructure:"symbols"`
	MinConfidence           float64  `mapstructure:"min_confidence"`
	DefaultLeverage         int      `mapstructure:"default_leverage"`
	MinHoldMinutes          int      `mapstructure:"min_hold_minutes"`
	CloseOverrideConfidence float64  `mapstructure:"close_override_confidence"`
}

// CycleConfig controls scheduling and data-freshness limits.
//
//   - Interval: wall-clock period between cycles (run loop).
//   - DataStalenessSeconds: market data older than this fails health checks.
//   - CloseOnlyScore / KillProposalScore: data-health score bands. Below
//     CloseOnlyScore the executor refuses new entries; below
//     KillProposalScore the monitor recommends the kill switch.
type CycleConfig struct {
	Interval             time.Duration `mapstructure:"interval"`
	DataStalenessSeconds int           `mapstructure:"data_staleness_seconds"`
	CloseOnlyScore       int           `mapstructure:"close_only_score"`
	KillProposalScore    int           `mapstructure:"kill_proposal_score"`
}

// CollectorConfig tunes market data collection. OrderBookDepth is levels
// per side in the snapshot; ArchiveDays bounds the gzipped history.
type CollectorConfig struct {
	OrderBookDepth int `mapstructure:"orderbook_depth"`
	ArchiveDays    int `mapstructure:"archive_days"`
}

// PathsConfig sets where runtime artifacts are persisted, relative to the
// working directory unless absolute.
type PathsConfig struct {
	DataDir    string `mapstructure:"data_dir"`
	StateDir   string `mapstructure:"state_dir"`
	SignalsDir string `mapstructure:"signals_dir"`
}

// TelegramConfig holds notifier credentials. When either field is empty the
// notifier degrades to log-only mode rather than failing.
type TelegramConfig struct {
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
}

// JournalConfig controls the optional SQLite trade journal mirror.
type JournalConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig sets the log level and output format. Format "auto"
// picks the console writer on a terminal and JSON everywhere else;
// "console" and "json" pin the choice.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads settings from a YAML file with env var overrides.
// Sensitive fields use env vars: HYPERLIQUID_PRIVATE_KEY,
// HYPERLIQUID_MAIN_ADDRESS, TELEGRAM_BOT_TOKEN, TELEGRAM_CHAT_ID.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("MYCLAW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("HYPERLIQUID_PRIVATE_KEY"); key != "" {
		cfg.Hyperliquid.PrivateKey = key
	}
	if addr := os.Getenv("HYPERLIQUID_MAIN_ADDRESS"); addr != "" {
		cfg.Hyperliquid.MainAddress = addr
	}
	if token := os.Getenv("TELEGRAM_BOT_TOKEN"); token != "" {
		cfg.Telegram.BotToken = token
	}
	if chat := os.Getenv("TELEGRAM_CHAT_ID"); chat != "" {
		cfg.Telegram.ChatID = chat
	}
	if os.Getenv("MYCLAW_DRY_RUN") == "true" || os.Getenv("MYCLAW_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return cfg, nil
}

// Default returns settings with every non-secret field populated, so a
// sparse YAML file only has to override what it changes.
func Default() *Config {
	return &Config{
		Environment: "testnet",
		Hyperliquid: HyperliquidConfig{
			MainnetURL:   "https://api.hyperliquid.xyz",
			TestnetURL:   "https://api.hyperliquid-testnet.xyz",
			WSMainnetURL: "wss://api.hyperliquid.xyz/ws",
			WSTestnetURL: "wss://api.hyperliquid-testnet.xyz/ws",
		},
		Trading: TradingConfig{
			Symbols:                 []string{"BTC", "ETH", "SOL"},
			MinConfidence:           0.70,
			DefaultLeverage:         3,
			MinHoldMinutes:          10,
			CloseOverrideConfidence: 0.90,
		},
		Cycle: CycleConfig{
			Interval:             5 * time.Minute,
			DataStalenessSeconds: 300,
			CloseOnlyScore:       80,
			KillProposalScore:    60,
		},
		Collector: CollectorConfig{
			OrderBookDepth: 5,
			ArchiveDays:    7,
		},
		Paths: PathsConfig{
			DataDir:    "data",
			StateDir:   "state",
			SignalsDir: "signals",
		},
		Journal: JournalConfig{
			Path: "data/journal.db",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "auto",
		},
	}
}

// BaseURL returns the REST endpoint for the configured environment.
func (c *Config) BaseURL() string {
	if c.Environment == "mainnet" {
		return c.Hyperliquid.MainnetURL
	}
	return c.Hyperliquid.TestnetURL
}

// WSURL returns the websocket endpoint for the configured environment.
func (c *Config) WSURL() string {
	if c.Environment == "mainnet" {
		return c.Hyperliquid.WSMainnetURL
	}
	return c.Hyperliquid.WSTestnetURL
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	switch c.Environment {
	case "mainnet", "testnet":
	default:
		return fmt.Errorf("environment must be mainnet or testnet, got %q", c.Environment)
	}
	if !c.DryRun && c.Hyperliquid.PrivateKey == "" {
		return fmt.Errorf("hyperliquid.private_key is required (set HYPERLIQUID_PRIVATE_KEY)")
	}
	if len(c.Trading.Symbols) == 0 {
		return fmt.Errorf("trading.symbols must list at least one coin")
	}
	if c.Trading.MinConfidence < 0 || c.Trading.MinConfidence > 1 {
		return fmt.Errorf("trading.min_confidence must be in [0,1], got %v", c.Trading.MinConfidence)
	}
	if c.Trading.DefaultLeverage < 1 {
		return fmt.Errorf("trading.default_leverage must be >= 1")
	}
	if c.Cycle.Interval <= 0 {
		return fmt.Errorf("cycle.interval must be > 0")
	}
	if c.Cycle.DataStalenessSeconds <= 0 {
		return fmt.Errorf("cycle.data_staleness_seconds must be > 0")
	}
	if c.Cycle.KillProposalScore > c.Cycle.CloseOnlyScore {
		return fmt.Errorf("cycle.kill_proposal_score must not exceed cycle.close_only_score")
	}
	if c.Collector.OrderBookDepth < 1 {
		return fmt.Errorf("collector.orderbook_depth must be >= 1")
	}
	if c.Collector.ArchiveDays < 1 {
		return fmt.Errorf("collector.archive_days must be >= 1")
	}
	return nil
}

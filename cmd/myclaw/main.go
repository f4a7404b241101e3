// myclaw is the trading agent binary. One executable carries the full
// decision loop (run), the pieces an external scheduler may prefer to
// drive on its own cron (collect, healthcheck, monitor), and manual
// kill-switch management. Every subcommand reads the same settings file
// and works against the same state directory, so the CLI and the loop
// never disagree about what the agent is doing.
package main

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Naofumi-1000ri/MyClawTradingBot/internal/config"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "myclaw",
	Short: "Autonomous perpetual futures trading agent for Hyperliquid",
	Long: `myclaw trades a small set of coins on Hyperliquid through a fixed
pipeline: collect a market snapshot, gate it through the data health
check, scan exits before entries, arbitrate one signal per symbol, and
execute under the risk limits. State lives in plain JSON files so every
decision can be audited after the fact.

Settings load from --config with env var overrides; risk_params.yaml and
strategies.yaml are read from the same directory. Secrets come from the
environment (or a local .env): HYPERLIQUID_PRIVATE_KEY,
HYPERLIQUID_MAIN_ADDRESS, TELEGRAM_BOT_TOKEN, TELEGRAM_CHAT_ID.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "config/settings.yaml", "path to settings.yaml")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// app is everything a subcommand needs once configuration is loaded.
type app struct {
	cfg   *config.Config
	risk  *config.RiskParams
	strat *config.StrategyParams
	log   zerolog.Logger
}

// loadApp reads .env, the settings file, and the two parameter files
// living next to it. Subcommands that never sign an exchange action pass
// requireKey=false: without a key nothing can be signed anyway, so the
// session is forced dry and a credential-less machine can still run
// collection and health checks.
func loadApp(requireKey bool) (*app, error) {
	// A missing .env is fine; deployments set real environment variables.
	_ = godotenv.Load()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(cfgPath)
	riskParams, err := config.LoadRiskParams(filepath.Join(dir, "risk_params.yaml"))
	if err != nil {
		return nil, err
	}
	stratParams, err := config.LoadStrategyParams(filepath.Join(dir, "strategies.yaml"))
	if err != nil {
		return nil, err
	}

	if !requireKey && cfg.Hyperliquid.PrivateKey == "" {
		cfg.DryRun = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &app{cfg: cfg, risk: riskParams, strat: stratParams, log: newLogger(cfg.Logging)}, nil
}

func newLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	console := cfg.Format == "console"
	if cfg.Format != "console" && cfg.Format != "json" {
		console = term.IsTerminal(int(os.Stderr.Fd()))
	}
	var w io.Writer = os.Stderr
	if console {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

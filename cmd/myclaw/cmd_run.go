package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Naofumi-1000ri/MyClawTradingBot/internal/engine"
)

var runOnce bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the trading agent",
	Long: `Run the full decision loop on the configured interval. With --once a
single cycle executes and the process exits, for deployments that drive
the cadence from an external scheduler instead of the built-in loop.`,
	RunE: runAgent,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().BoolVar(&runOnce, "once", false, "execute one cycle and exit")
}

func runAgent(cmd *cobra.Command, args []string) error {
	a, err := loadApp(true)
	if err != nil {
		return err
	}
	a.log.Info().
		Str("config", cfgPath).
		Str("environment", a.cfg.Environment).
		Bool("dry_run", a.cfg.DryRun).
		Strs("symbols", a.cfg.Trading.Symbols).
		Msg("starting")

	eng, err := engine.New(a.cfg, a.risk, a.strat, a.log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if runOnce {
		return eng.Cycle(ctx, time.Now().UTC())
	}
	return eng.Run(ctx)
}

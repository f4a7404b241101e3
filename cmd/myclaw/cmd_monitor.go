package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Naofumi-1000ri/MyClawTradingBot/internal/engine"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Run one supervisor pass",
	Long: `Check signal freshness, daily loss, drawdown, data health streaks, and
strategy performance, exactly as the run loop does at the end of each
cycle. The pass can trip the kill switch and close positions when a hard
limit is breached, so on a live account it needs signing credentials.`,
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
}

func runMonitor(cmd *cobra.Command, args []string) error {
	a, err := loadApp(true)
	if err != nil {
		return err
	}
	eng, err := engine.New(a.cfg, a.risk, a.strat, a.log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rep := eng.Monitor().Run(ctx, time.Now().UTC())
	fmt.Printf("checked at %s, kill switch fired: %v, positions closed: %d\n",
		rep.CheckedAt.Format(time.RFC3339), rep.KillSwitchFired, rep.PositionsClosed)
	for _, alert := range rep.Alerts {
		fmt.Println("-", alert)
	}
	return nil
}

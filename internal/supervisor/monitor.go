// Package supervisor watches the agent from outside the trading cycle:
// signal freshness, open positions, the daily ledger, and the risk
// limits that trip the kill switch. It is the component that orders the
// emergency close when a limit breaks, and it grades closed trades
// against the signal log each pass.
package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/Naofumi-1000ri/MyClawTradingBot/internal/collector"
	"github.com/Naofumi-1000ri/MyClawTradingBot/internal/risk"
	"github.com/Naofumi-1000ri/MyClawTradingBot/internal/state"
	"github.com/Naofumi-1000ri/MyClawTradingBot/internal/store"
	"github.com/Naofumi-1000ri/MyClawTradingBot/pkg/types"
)

const (
	signalsFile       = "signals.json"
	healthSummaryFile = "data_health_summary.json"

	// signalStaleAfter is twice the cycle interval: one missed tick is
	// noise, two is an outage.
	signalStaleAfter = 600 * time.Second

	// dailyLossAlertPct is the informational alert threshold, far below
	// the kill-switch limit.
	dailyLossAlertPct = 1.0

	// equitySanityFloor: ledger equity under this fraction of
	// start-of-day is stale or corrupt data, not a real 90% loss.
	equitySanityFloor = 0.1

	failureAlertAt      = 3
	consecutiveLowAlert = 3
)

// Alerter is the notification sink. notify.Notifier satisfies it.
type Alerter interface {
	Send(text string)
}

// PositionCloser force-closes every open position. The executor is the
// production implementation.
type PositionCloser interface {
	CloseAll(ctx context.Context, reason string) int
}

// Report is what one monitor pass observed and did.
type Report struct {
	Alerts          []string  `json:"alerts"`
	KillSwitchFired bool      `json:"kill_switch_fired"`
	PositionsClosed int       `json:"positions_closed"`
	CheckedAt       time.Time `json:"checked_at"`
}

// Monitor runs the out-of-band health pass.
type Monitor struct {
	riskMgr *risk.Manager
	state   *state.Manager
	signals *store.Store
	closer  PositionCloser
	alerter Alerter
	perf    *Tracker
	log     zerolog.Logger
}

func NewMonitor(riskMgr *risk.Manager, st *state.Manager, signals *store.Store, closer PositionCloser, alerter Alerter, log zerolog.Logger) *Monitor {
	return &Monitor{
		riskMgr: riskMgr,
		state:   st,
		signals: signals,
		closer:  closer,
		alerter: alerter,
		perf:    NewTracker(st, log),
		log:     log.With().Str("component", "monitor").Logger(),
	}
}

// Run executes one monitor pass. Alerts collected along the way go out
// as a single aggregated message at the end; a kill-switch trip also
// sends its own immediate message.
func (m *Monitor) Run(ctx context.Context, now time.Time) *Report {
	rep := &Report{CheckedAt: now}

	batch := m.loadBatch()
	m.checkSignalFreshness(now, batch, rep)
	m.logPositions()
	daily := m.checkDailyPnL(rep)
	m.checkKillSwitchState(rep)
	m.enforceRiskLimits(ctx, daily, rep)
	m.checkDataHealthStreak(rep)
	m.checkFailureStreak(rep)
	rep.Alerts = append(rep.Alerts, m.trackFallback(now, batch)...)

	if summary, err := m.perf.Run(now); err != nil {
		m.log.Error().Err(err).Msg("performance analysis failed")
	} else if summary != "" {
		rep.Alerts = append(rep.Alerts, summary)
	}

	if len(rep.Alerts) > 0 {
		text := "*myClaw Alert* (" + now.UTC().Format("2006-01-02 15:04 UTC") + ")"
		for _, a := range rep.Alerts {
			text += "\n- " + a
		}
		m.alerter.Send(text)
	}
	m.log.Info().Int("alerts", len(rep.Alerts)).Msg("monitor pass complete")
	return rep
}

func (m *Monitor) loadBatch() *types.SignalBatch {
	var batch types.SignalBatch
	ok, err := m.signals.LoadOptional(signalsFile, &batch)
	if err != nil {
		m.log.Warn().Err(err).Msg("signal batch unreadable")
		return nil
	}
	if !ok {
		return nil
	}
	return &batch
}

func (m *Monitor) checkSignalFreshness(now time.Time, batch *types.SignalBatch, rep *Report) {
	if batch == nil {
		m.log.Info().Msg("no signal batch yet")
		return
	}
	age := now.Sub(batch.GeneratedAt)
	if age > signalStaleAfter {
		rep.Alerts = append(rep.Alerts, fmt.Sprintf("signals stale: last batch %s ago", age.Round(time.Second)))
		return
	}
	m.log.Info().Dur("age", age).Msg("signals fresh")
}

func (m *Monitor) logPositions() {
	positions, err := m.state.Positions()
	if err != nil {
		m.log.Warn().Err(err).Msg("position cache unreadable")
		return
	}
	if len(positions) == 0 {
		m.log.Info().Msg("no open positions")
		return
	}
	for _, p := range positions {
		m.log.Info().Str("symbol", p.Symbol).Str("side", string(p.Side)).
			Float64("size", p.Size).Float64("unrealized_pnl", p.UnrealizedPnL).
			Msg("open position")
	}
}

// checkDailyPnL logs the ledger and alerts when the day's total loss
// passes the informational threshold. Returns the ledger for the risk
// limit pass so it is read once.
func (m *Monitor) checkDailyPnL(rep *Report) *types.DailyPnL {
	daily, err := m.state.DailyPnL()
	if err != nil {
		m.log.Warn().Err(err).Msg("daily pnl unreadable")
		return nil
	}
	if daily == nil {
		return nil
	}
	total := daily.RealizedPnL + daily.UnrealizedPnL
	m.log.Info().Float64("realized", daily.RealizedPnL).
		Float64("unrealized", daily.UnrealizedPnL).Float64("total", total).
		Msg("daily pnl")
	if total < 0 && daily.Equity > 0 {
		if lossPct := -total / daily.Equity * 100; lossPct >= dailyLossAlertPct {
			rep.Alerts = append(rep.Alerts,
				fmt.Sprintf("daily pnl negative: %.2f USD (%.1f%% of equity)", total, lossPct))
		}
	}
	return daily
}

func (m *Monitor) checkKillSwitchState(rep *Report) {
	ks, err := m.state.KillSwitch()
	if err != nil {
		m.log.Error().Err(err).Msg("kill switch unreadable")
		return
	}
	if ks == nil {
		return
	}
	if ks.Enabled {
		rep.Alerts = append(rep.Alerts, "kill switch active: "+ks.Reason)
	}
	if ks.Warning {
		rep.Alerts = append(rep.Alerts, fmt.Sprintf("warning: %s (at %s)", ks.WarningReason, ks.WarningAt))
	}
}

// enforceRiskLimits trips the kill switch on a daily-loss or drawdown
// breach and emergency-closes everything. The equity sanity check skips
// the pass when the ledger equity looks like stale data; forcing flat
// on a bad number is worse than one late check.
func (m *Monitor) enforceRiskLimits(ctx context.Context, daily *types.DailyPnL, rep *Report) {
	if daily == nil || daily.Equity <= 0 || m.state.KillSwitchActive() {
		return
	}
	if daily.StartOfDayEquity > 0 && daily.Equity < daily.StartOfDayEquity*equitySanityFloor {
		m.log.Warn().Float64("equity", daily.Equity).
			Float64("start_of_day", daily.StartOfDayEquity).
			Msg("equity sanity check failed, skipping risk limit checks")
		return
	}

	if lossPct, breached := m.riskMgr.DailyLossBreach(daily); breached {
		m.tripKillSwitch(ctx, "daily_loss_5pct_exceeded",
			fmt.Sprintf("kill switch: daily loss %.2f%% over limit", lossPct), rep)
		return
	}
	peak := daily.PeakEquity
	if peak <= 0 {
		peak = daily.Equity
	}
	if ddPct, breached := m.riskMgr.DrawdownBreach(daily.Equity, peak); breached {
		m.tripKillSwitch(ctx, "max_drawdown_15pct_exceeded",
			fmt.Sprintf("kill switch: drawdown %.2f%% over limit", ddPct), rep)
	}
}

func (m *Monitor) tripKillSwitch(ctx context.Context, reason, alert string, rep *Report) {
	if err := m.state.TriggerKillSwitch(reason); err != nil {
		m.log.Error().Err(err).Str("reason", reason).Msg("kill switch trigger failed")
		rep.Alerts = append(rep.Alerts, "kill switch trigger FAILED: "+reason)
		return
	}
	rep.KillSwitchFired = true
	rep.PositionsClosed = m.closer.CloseAll(ctx, reason)
	rep.Alerts = append(rep.Alerts, alert)
	m.alerter.Send("*KILL SWITCH* " + alert)
	m.log.Error().Str("reason", reason).Int("closed", rep.PositionsClosed).
		Msg("kill switch tripped")
}

func (m *Monitor) checkDataHealthStreak(rep *Report) {
	var summary collector.HealthSummary
	ok, err := m.state.Store().LoadOptional(healthSummaryFile, &summary)
	if err != nil || !ok {
		return
	}
	if summary.Events.ConsecutiveLow >= consecutiveLowAlert {
		rep.Alerts = append(rep.Alerts,
			fmt.Sprintf("data quality degraded for %d consecutive checks (avg score %.1f/100)",
				summary.Events.ConsecutiveLow, summary.Score.Avg))
	}
}

func (m *Monitor) checkFailureStreak(rep *Report) {
	fc, err := m.state.FailureCounter()
	if err != nil {
		m.log.Warn().Err(err).Msg("failure counter unreadable")
		return
	}
	if fc.ConsecutiveFailures >= failureAlertAt {
		rep.Alerts = append(rep.Alerts,
			fmt.Sprintf("agent failed %d consecutive cycles (last: %s)",
				fc.ConsecutiveFailures, fc.LastReason))
	}
}

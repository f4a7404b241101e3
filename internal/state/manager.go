// Package state owns the agent's persistent trading state: the position
// cache, trade history, daily P&L ledger, kill switch, failure counter, and
// the per-strategy exit plans and caches. Everything goes through the atomic
// store; this package adds the domain rules (date rollover, history caps,
// fail-safe defaults, exit-meta sweeping) on top of raw file persistence.
//
// The exchange is authoritative for positions. positions.json is a cache
// refreshed by SyncPositions; every other file here is agent-owned truth.
package state

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Naofumi-1000ri/MyClawTradingBot/internal/exchange"
	"github.com/Naofumi-1000ri/MyClawTradingBot/internal/store"
	"github.com/Naofumi-1000ri/MyClawTradingBot/pkg/types"
)

const (
	positionsFile      = "positions.json"
	tradeHistoryFile   = "trade_history.json"
	dailyPnLFile       = "daily_pnl.json"
	killSwitchFile     = "kill_switch.json"
	failureCounterFile = "agent_failure_count.json"

	// tradeHistoryCap bounds trade_history.json. History is cooldown and
	// reporting input, not a ledger, so old rows can be dropped freely.
	tradeHistoryCap = 500
)

// Manager is the typed interface to the state directory.
type Manager struct {
	store *store.Store
	venue exchange.Venue
	log   zerolog.Logger
}

func NewManager(st *store.Store, venue exchange.Venue, log zerolog.Logger) *Manager {
	return &Manager{
		store: st,
		venue: venue,
		log:   log.With().Str("component", "state").Logger(),
	}
}

// Store exposes the underlying store for callers that manage their own
// files under the same root (threshold caches, health reports).
func (m *Manager) Store() *store.Store { return m.store }

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// ————— positions —————

// Positions returns the cached position list. Missing file is an empty
// book, not an error.
func (m *Manager) Positions() ([]types.Position, error) {
	var positions []types.Position
	if err := m.store.Load(positionsFile, &positions); err != nil {
		if store.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return positions, nil
}

func (m *Manager) SavePositions(positions []types.Position) error {
	if positions == nil {
		positions = []types.Position{}
	}
	return m.store.Save(positionsFile, positions)
}

// SyncPositions pulls open positions from the exchange, overwrites the
// cache, and sweeps exit-meta files for symbols no longer in the active
// set. On fetch failure the cached list is served instead: a stale book
// beats an empty one mid-cycle, and the health layer flags staleness
// separately.
func (m *Manager) SyncPositions(ctx context.Context) ([]types.Position, error) {
	positions, err := m.venue.Positions(ctx)
	if err != nil {
		m.log.Warn().Err(err).Msg("position sync failed, serving cached positions")
		cached, cerr := m.Positions()
		if cerr != nil {
			return nil, fmt.Errorf("sync failed (%w) and cache unreadable: %v", err, cerr)
		}
		return cached, nil
	}

	if err := m.SavePositions(positions); err != nil {
		return nil, err
	}

	active := make(map[string]bool, len(positions))
	for _, p := range positions {
		active[strings.ToUpper(p.Symbol)] = true
	}
	m.sweepExitMeta(active)

	return positions, nil
}

// ————— exit plans —————

func rubberMetaFile(symbol string) string {
	return strings.ToLower(symbol) + "_rubber_meta.json"
}

func waveRiderMetaFile(symbol string) string {
	return strings.ToLower(symbol) + "_wave_rider_meta.json"
}

// RubberMeta returns the spike-strategy exit plan for a symbol, or nil
// when none is on disk.
func (m *Manager) RubberMeta(symbol string) (*types.ExitMeta, error) {
	return m.loadMeta(rubberMetaFile(symbol))
}

func (m *Manager) SaveRubberMeta(symbol string, meta *types.ExitMeta) error {
	return m.store.Save(rubberMetaFile(symbol), meta)
}

func (m *Manager) DeleteRubberMeta(symbol string) error {
	return m.store.Delete(rubberMetaFile(symbol))
}

// WaveRiderMeta returns the session-strategy exit plan for a symbol, or
// nil when none is on disk.
func (m *Manager) WaveRiderMeta(symbol string) (*types.ExitMeta, error) {
	return m.loadMeta(waveRiderMetaFile(symbol))
}

func (m *Manager) SaveWaveRiderMeta(symbol string, meta *types.ExitMeta) error {
	return m.store.Save(waveRiderMetaFile(symbol), meta)
}

func (m *Manager) DeleteWaveRiderMeta(symbol string) error {
	return m.store.Delete(waveRiderMetaFile(symbol))
}

// HasExitMeta reports whether any strategy family has an exit plan for
// the symbol. An open position without one is unmanaged recovery state.
func (m *Manager) HasExitMeta(symbol string) bool {
	return m.store.Exists(rubberMetaFile(symbol)) || m.store.Exists(waveRiderMetaFile(symbol))
}

func (m *Manager) loadMeta(file string) (*types.ExitMeta, error) {
	var meta types.ExitMeta
	if err := m.store.Load(file, &meta); err != nil {
		if store.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return &meta, nil
}

// sweepExitMeta removes exit plans for symbols outside the active set.
// A plan without a position is a leftover from an external or partial
// close and would otherwise ghost-manage the next position.
func (m *Manager) sweepExitMeta(active map[string]bool) {
	for _, pattern := range []string{"*_rubber_meta.json", "*_wave_rider_meta.json"} {
		matches, err := filepath.Glob(filepath.Join(m.store.Root(), pattern))
		if err != nil {
			continue
		}
		for _, path := range matches {
			base := filepath.Base(path)
			symbol := strings.ToUpper(strings.SplitN(base, "_", 2)[0])
			if active[symbol] {
				continue
			}
			if err := m.store.Delete(base); err != nil {
				m.log.Warn().Err(err).Str("file", base).Msg("sweep exit meta")
				continue
			}
			m.log.Info().Str("symbol", symbol).Str("file", base).Msg("swept exit meta for closed position")
		}
	}
}

// ————— strategy hints —————

// ThresholdCache returns the forward volume reference for a strategy, or
// nil when absent or corrupt — a bad hint degrades to the slow path.
func (m *Manager) ThresholdCache(strategy string) *types.ThresholdCache {
	var cache types.ThresholdCache
	ok, err := m.store.LoadOptional(strategy+"_cache.json", &cache)
	if err != nil {
		m.log.Warn().Err(err).Str("strategy", strategy).Msg("read threshold cache")
		return nil
	}
	if !ok {
		return nil
	}
	return &cache
}

func (m *Manager) SaveThresholdCache(strategy string, cache *types.ThresholdCache) error {
	return m.store.Save(strategy+"_cache.json", cache)
}

func reversionPendingFile(symbol string) string {
	return strings.ToLower(symbol) + "_wr_rev_pending.json"
}

// ReversionPending returns the scheduled counter-trend entry for a symbol,
// or nil when none is pending.
func (m *Manager) ReversionPending(symbol string) *types.PendingReversion {
	var pending types.PendingReversion
	ok, err := m.store.LoadOptional(reversionPendingFile(symbol), &pending)
	if err != nil || !ok {
		return nil
	}
	return &pending
}

func (m *Manager) SaveReversionPending(symbol string, pending *types.PendingReversion) error {
	return m.store.Save(reversionPendingFile(symbol), pending)
}

func (m *Manager) DeleteReversionPending(symbol string) error {
	return m.store.Delete(reversionPendingFile(symbol))
}

// ————— trade history —————

// TradeHistory returns the bounded trade log, oldest first. Missing file
// is an empty history.
func (m *Manager) TradeHistory() ([]types.Trade, error) {
	var trades []types.Trade
	if err := m.store.Load(tradeHistoryFile, &trades); err != nil {
		if store.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return trades, nil
}

// RecordTrade appends a row and trims the history to its cap. RecordedAt
// is stamped here (UTC) unless the caller already set it.
func (m *Manager) RecordTrade(trade types.Trade) error {
	if trade.RecordedAt.IsZero() {
		trade.RecordedAt = time.Now().UTC()
	}

	trades, err := m.TradeHistory()
	if err != nil {
		return err
	}
	trades = append(trades, trade)
	if len(trades) > tradeHistoryCap {
		trades = trades[len(trades)-tradeHistoryCap:]
	}
	return m.store.Save(tradeHistoryFile, trades)
}

// OpenedAtFromHistory recovers an entry time for a symbol's open position
// from the trade log — the venue does not report position age. Returns nil
// when no open row exists.
func (m *Manager) OpenedAtFromHistory(symbol string) *time.Time {
	trades, err := m.TradeHistory()
	if err != nil {
		return nil
	}
	for i := len(trades) - 1; i >= 0; i-- {
		t := trades[i]
		if t.Symbol != symbol || !t.IsOpen() {
			continue
		}
		if t.OpenedAt != nil {
			return t.OpenedAt
		}
		recorded := t.RecordedAt
		return &recorded
	}
	return nil
}

// ————— daily P&L —————

// DailyPnL returns today's ledger row, or nil when never written.
func (m *Manager) DailyPnL() (*types.DailyPnL, error) {
	var daily types.DailyPnL
	if err := m.store.Load(dailyPnLFile, &daily); err != nil {
		if store.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return &daily, nil
}

// UpdateDailyPnL folds the latest equity reading and any realized delta
// into the daily ledger. On a UTC date change the row resets to
// {today, equity, equity, 0, 0, equity} before the delta applies.
//
// apiUnrealized, when non-nil, is the exchange-reported unrealized sum and
// wins over the derived value. The identity
// equity = start + realized + unrealized always holds on the stored row,
// and the peak only ever advances on the realized path, so an open winner
// cannot manufacture a drawdown by closing.
func (m *Manager) UpdateDailyPnL(equity, realizedDelta float64, apiUnrealized *float64) (*types.DailyPnL, error) {
	today := time.Now().UTC().Format("2006-01-02")

	daily, err := m.DailyPnL()
	if err != nil {
		return nil, err
	}
	if daily == nil || daily.Date != today {
		daily = &types.DailyPnL{
			Date:             today,
			StartOfDayEquity: equity,
			Equity:           equity,
			PeakEquity:       equity,
		}
	}

	daily.RealizedPnL += realizedDelta
	if apiUnrealized != nil {
		daily.UnrealizedPnL = *apiUnrealized
	} else {
		daily.UnrealizedPnL = equity - daily.StartOfDayEquity - daily.RealizedPnL
	}
	daily.Equity = daily.StartOfDayEquity + daily.RealizedPnL + daily.UnrealizedPnL

	if realizedPath := daily.StartOfDayEquity + daily.RealizedPnL; realizedPath > daily.PeakEquity {
		daily.PeakEquity = realizedPath
	}

	if err := m.store.Save(dailyPnLFile, daily); err != nil {
		return nil, err
	}
	return daily, nil
}

// ReconcileDailyUnrealized forces the ledger's unrealized component back
// onto the venue's position marks when they drift apart by more than
// tolerance, recomputing equity from the identity.
func (m *Manager) ReconcileDailyUnrealized(positions []types.Position, tolerance float64) (*types.DailyPnL, error) {
	daily, err := m.DailyPnL()
	if err != nil || daily == nil {
		return daily, err
	}

	var sum float64
	for _, p := range positions {
		sum += p.UnrealizedPnL
	}
	if math.Abs(sum-daily.UnrealizedPnL) <= tolerance {
		return daily, nil
	}

	m.log.Info().
		Float64("ledger_unrealized", daily.UnrealizedPnL).
		Float64("venue_unrealized", sum).
		Msg("reconciling daily unrealized pnl")

	daily.UnrealizedPnL = sum
	daily.Equity = daily.StartOfDayEquity + daily.RealizedPnL + sum
	if err := m.store.Save(dailyPnLFile, daily); err != nil {
		return nil, err
	}
	return daily, nil
}

// ————— kill switch —————

// KillSwitch returns the raw switch state, nil when the file has never
// been written. Most callers want KillSwitchActive instead.
func (m *Manager) KillSwitch() (*types.KillSwitch, error) {
	var ks types.KillSwitch
	if err := m.store.Load(killSwitchFile, &ks); err != nil {
		if store.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return &ks, nil
}

// KillSwitchActive reports whether trading is halted. Missing or
// unreadable state halts: an unknown safety state must never trade.
func (m *Manager) KillSwitchActive() bool {
	ks, err := m.KillSwitch()
	if err != nil {
		m.log.Error().Err(err).Msg("kill switch unreadable, failing safe")
		return true
	}
	if ks == nil {
		return true
	}
	return ks.Enabled
}

// TriggerKillSwitch halts trading with a reason.
func (m *Manager) TriggerKillSwitch(reason string) error {
	ks, err := m.KillSwitch()
	if err != nil {
		return err
	}
	if ks == nil {
		ks = &types.KillSwitch{}
	}
	ks.Enabled = true
	ks.Reason = reason
	ks.TriggeredAt = nowISO()
	ks.DeactivatedAt = ""
	ks.DeactivationReason = ""
	return m.store.Save(killSwitchFile, ks)
}

// DeactivateKillSwitch re-arms trading and clears any standing warning.
// The reason stays in the file as the audit trail for why the halt was
// lifted. This is the explicit operator action that materializes the
// file on a fresh deployment.
func (m *Manager) DeactivateKillSwitch(reason string) error {
	ks, err := m.KillSwitch()
	if err != nil {
		return err
	}
	if ks == nil {
		ks = &types.KillSwitch{}
	}
	ks.Enabled = false
	ks.DeactivatedAt = nowISO()
	ks.DeactivationReason = reason
	ks.Warning = false
	ks.WarningReason = ""
	ks.WarningAt = ""
	return m.store.Save(killSwitchFile, ks)
}

// SetKillSwitchWarning flags a degraded-but-running condition without
// changing whether trading is halted. When no file exists the effective
// state is already "enabled" (fail-safe), so that is what gets written.
func (m *Manager) SetKillSwitchWarning(reason string) error {
	ks, err := m.KillSwitch()
	if err != nil {
		return err
	}
	if ks == nil {
		ks = &types.KillSwitch{
			Enabled:     true,
			Reason:      "uninitialized kill switch (fail-safe)",
			TriggeredAt: nowISO(),
		}
	}
	ks.Warning = true
	ks.WarningReason = reason
	ks.WarningAt = nowISO()
	return m.store.Save(killSwitchFile, ks)
}

// ————— failure counter —————

// FailureCounter returns the agent-failure tracker. Missing file is a
// zero counter.
func (m *Manager) FailureCounter() (types.FailureCounter, error) {
	var fc types.FailureCounter
	if err := m.store.Load(failureCounterFile, &fc); err != nil && !store.IsNotExist(err) {
		return types.FailureCounter{}, err
	}
	return fc, nil
}

// RecordFailure increments the consecutive-failure count and returns the
// updated counter so callers can check escalation thresholds.
func (m *Manager) RecordFailure(reason string) (types.FailureCounter, error) {
	fc, err := m.FailureCounter()
	if err != nil {
		return fc, err
	}
	fc.ConsecutiveFailures++
	fc.LastFailure = nowISO()
	fc.LastReason = reason
	if err := m.store.Save(failureCounterFile, fc); err != nil {
		return fc, err
	}
	return fc, nil
}

// RecordSuccess resets the consecutive-failure count.
func (m *Manager) RecordSuccess() error {
	fc, err := m.FailureCounter()
	if err != nil {
		return err
	}
	fc.ConsecutiveFailures = 0
	fc.LastSuccess = nowISO()
	return m.store.Save(failureCounterFile, fc)
}

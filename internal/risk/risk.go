// Package risk is the pre-trade control layer. Every entry passes three
// stages before the executor touches the venue:
//
//   - validation:  position count, leverage, margin, and total exposure
//     limits that hold regardless of market state
//   - entry gate:  a composite of market-quality checks (equity drift,
//     consensus, daily loss budget, data health, spread, book imbalance,
//     cooldown, reward:risk); the first failing rule is the audit reason
//   - sizing:      margin-budget sizing with sequential notional caps
//
// Closes are never blocked: refusing to exit a position is worse than
// any limit this package enforces.
package risk

import (
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"github.com/Naofumi-1000ri/MyClawTradingBot/internal/config"
	"github.com/Naofumi-1000ri/MyClawTradingBot/pkg/types"
)

// Manager evaluates signals against the limits in config/risk_params.yaml.
// It is stateless; everything it needs arrives per call.
type Manager struct {
	params *config.RiskParams
	log    zerolog.Logger
}

func New(params *config.RiskParams, log zerolog.Logger) *Manager {
	return &Manager{
		params: params,
		log:    log.With().Str("component", "risk").Logger(),
	}
}

// ValidateSignal enforces the hard position limits. A close is always
// allowed; holds carry no order and pass trivially.
func (m *Manager) ValidateSignal(sig *types.Signal, positions []types.Position, equity float64) error {
	if sig.Action.IsClose() || sig.Action.IsHold() {
		return nil
	}
	if len(positions) >= m.params.Position.MaxConcurrent {
		return fmt.Errorf("max concurrent positions reached (%d/%d)",
			len(positions), m.params.Position.MaxConcurrent)
	}
	if sig.Leverage > m.params.Orders.MaxLeverage {
		return fmt.Errorf("leverage %dx exceeds max %dx", sig.Leverage, m.params.Orders.MaxLeverage)
	}
	if equity <= 0 {
		return fmt.Errorf("equity unavailable (%.2f)", equity)
	}

	if sig.Size > 0 && sig.EntryPrice > 0 {
		leverage := sig.Leverage
		if leverage < 1 {
			leverage = 1
		}
		margin := sig.Size * sig.EntryPrice / float64(leverage)
		if marginPct := margin / equity * 100; marginPct > m.params.Position.MaxSinglePct {
			return fmt.Errorf("margin %.1f%% of equity exceeds max %.1f%%",
				marginPct, m.params.Position.MaxSinglePct)
		}
		total := grossExposure(positions) + sig.Size*sig.EntryPrice
		limit := m.params.Position.MaxTotalExposurePct / 100 * equity
		if total > limit {
			return fmt.Errorf("total exposure %.0f USD exceeds limit %.0f USD", total, limit)
		}
	}
	return nil
}

// grossExposure sums open notional at entry prices. Entry prices rather
// than mids: the limit bounds committed capital, not mark-to-market.
func grossExposure(positions []types.Position) float64 {
	var total float64
	for i := range positions {
		total += math.Abs(positions[i].Size) * positions[i].EntryPrice
	}
	return total
}

// DailyLossBreach reports the day's total loss as a percent of ledger
// equity and whether it trips the kill-switch limit.
func (m *Manager) DailyLossBreach(daily *types.DailyPnL) (float64, bool) {
	if daily == nil || daily.Equity <= 0 {
		return 0, false
	}
	total := daily.RealizedPnL + daily.UnrealizedPnL
	if total >= 0 {
		return 0, false
	}
	lossPct := -total / daily.Equity * 100
	return lossPct, lossPct >= m.params.LossLimits.DailyLossPct
}

// DrawdownBreach reports the drawdown from the realized-only peak and
// whether it trips the kill-switch limit.
func (m *Manager) DrawdownBreach(equity, peak float64) (float64, bool) {
	if peak <= 0 {
		return 0, false
	}
	ddPct := (peak - equity) / peak * 100
	return ddPct, ddPct >= m.params.LossLimits.MaxDrawdownPct
}

package risk

import (
	"github.com/shopspring/decimal"

	"github.com/Naofumi-1000ri/MyClawTradingBot/pkg/types"
)

// PositionSize converts a validated, gated entry into a venue-ready size.
// The margin budget is equity · max_single_pct, scaled by the regime
// multiplier and multiplied out to notional by leverage, then capped
// sequentially: per-symbol hard cap, per-trade USD cap, the total
// exposure ceiling, and the exposure budget left after open positions.
// Returns 0 when the capped notional falls below the minimum order size.
func (m *Manager) PositionSize(sig *types.Signal, mid, equity float64, positions []types.Position) float64 {
	if mid <= 0 || equity <= 0 {
		return 0
	}
	leverage := sig.Leverage
	if leverage < 1 {
		leverage = 1
	}
	notional := equity * m.params.Position.MaxSinglePct / 100 *
		m.params.RegimeMultiplier(regimeLabel(sig.VolRegime)) * float64(leverage)

	if hardCap, ok := m.params.Sizing.PerSymbolMaxUSD[sig.Symbol]; ok && hardCap > 0 && notional > hardCap {
		notional = hardCap
	}
	if perTrade := m.params.Sizing.MaxTradeUSD; perTrade > 0 && notional > perTrade {
		notional = perTrade
	}
	ceiling := equity * m.params.Position.MaxTotalExposurePct / 100
	if notional > ceiling {
		notional = ceiling
	}
	if budget := ceiling - grossExposure(positions); notional > budget {
		notional = budget
	}
	if notional < m.params.Sizing.MinOrderSizeUSD {
		m.log.Debug().Str("symbol", sig.Symbol).Float64("notional", notional).
			Msg("sized below minimum order, skipping")
		return 0
	}

	size := decimal.NewFromFloat(notional).
		Div(decimal.NewFromFloat(mid)).
		Round(sizeDecimals(mid))
	return size.InexactFloat64()
}

// sizeDecimals picks the size precision tier from the price magnitude,
// matching the venue's lot grid for majors vs small-caps.
func sizeDecimals(px float64) int32 {
	switch {
	case px > 10000:
		return 4
	case px > 100:
		return 3
	}
	return 2
}

// regimeLabel maps the strategy's ATR band onto the sizing multiplier
// keys. A volume spike in a hot tape is treated as trending; quiet-tape
// patterns size down as chop. Normal volatility takes no multiplier.
func regimeLabel(regime types.VolRegime) string {
	switch regime {
	case types.VolHigh:
		return "trend"
	case types.VolLow:
		return "chop"
	}
	return ""
}

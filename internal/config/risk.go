package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// RiskParams is the risk limit file (config/risk_params.yaml). Grouped the
// way operators think about them: position caps, loss limits, order limits,
// the composite entry gate, and position sizing.
type RiskParams struct {
	Position   PositionLimits  `yaml:"position"`
	LossLimits LossLimits      `yaml:"loss_limits"`
	Orders     OrderLimits     `yaml:"orders"`
	EntryGate  EntryGateParams `yaml:"entry_gate"`
	Sizing     SizingParams    `yaml:"sizing"`
}

// PositionLimits caps open exposure.
//
//   - MaxConcurrent: max simultaneously open positions.
//   - MaxSinglePct: max margin for one position, as % of equity.
//   - MaxTotalExposurePct: max summed notional across all positions,
//     as % of equity.
type PositionLimits struct {
	MaxConcurrent       int     `yaml:"max_concurrent"`
	MaxSinglePct        float64 `yaml:"max_single_pct"`
	MaxTotalExposurePct float64 `yaml:"max_total_exposure_pct"`
}

// LossLimits are the kill-switch triggers. Both are measured by the monitor
// each cycle; crossing either activates the kill switch and closes all
// positions.
type LossLimits struct {
	DailyLossPct   float64 `yaml:"daily_loss_pct"`
	MaxDrawdownPct float64 `yaml:"max_drawdown_pct"`
}

type OrderLimits struct {
	MaxLeverage int `yaml:"max_leverage"`
}

// EntryGateParams parameterize the composite entry gate. Every new long or
// short must pass all checks; the first failing rule is recorded as the
// rejection reason.
type EntryGateParams struct {
	MaxEquityDriftPct             float64 `yaml:"max_equity_drift_pct"`
	PartialConsensusMinConfidence float64 `yaml:"partial_consensus_min_confidence"`
	MaxDailyLossForNewEntriesPct  float64 `yaml:"max_daily_loss_for_new_entries_pct"`
	MinDataQualityScore           int     `yaml:"min_data_quality_score"`
	MaxSpreadBps                  float64 `yaml:"max_spread_bps"`
	MinImbalance                  float64 `yaml:"min_imbalance"`
	EntryCooldownMinutes          int     `yaml:"entry_cooldown_minutes"`
	MinRiskReward                 float64 `yaml:"min_rr"`
}

// SizingParams control position sizing.
//
//   - RegimeMultipliers: scales size by market regime label; an unknown
//     label falls back to 1.0.
//   - PerSymbolMaxUSD: hard notional cap per symbol (0 or absent = no cap).
//   - MaxTradeUSD: notional cap per trade (0 = no cap).
//   - MinOrderSizeUSD: orders below this notional are not placed.
type SizingParams struct {
	RegimeMultipliers map[string]float64 `yaml:"regime_multipliers"`
	PerSymbolMaxUSD   map[string]float64 `yaml:"per_symbol_max_usd"`
	MaxTradeUSD       float64            `yaml:"max_trade_usd"`
	MinOrderSizeUSD   float64            `yaml:"min_order_size_usd"`
}

// DefaultRiskParams returns the limits used when the YAML file omits a
// field. These are deliberately conservative.
func DefaultRiskParams() *RiskParams {
	return &RiskParams{
		Position: PositionLimits{
			MaxConcurrent:       3,
			MaxSinglePct:        10.0,
			MaxTotalExposurePct: 30.0,
		},
		LossLimits: LossLimits{
			DailyLossPct:   5.0,
			MaxDrawdownPct: 15.0,
		},
		Orders: OrderLimits{
			MaxLeverage: 10,
		},
		EntryGate: EntryGateParams{
			MaxEquityDriftPct:             20.0,
			PartialConsensusMinConfidence: 0.75,
			MaxDailyLossForNewEntriesPct:  3.0,
			MinDataQualityScore:           80,
			MaxSpreadBps:                  10.0,
			MinImbalance:                  0.8,
			EntryCooldownMinutes:          30,
			MinRiskReward:                 1.2,
		},
		Sizing: SizingParams{
			RegimeMultipliers: map[string]float64{"trend": 1.0, "chop": 0.7},
			PerSymbolMaxUSD:   map[string]float64{},
			MinOrderSizeUSD:   10.0,
		},
	}
}

// LoadRiskParams reads config/risk_params.yaml over the defaults. Decoding
// is strict: an unknown key fails rather than being ignored. A missing file
// is not an error; the defaults apply.
func LoadRiskParams(path string) (*RiskParams, error) {
	params := DefaultRiskParams()
	if err := decodeStrict(path, params); err != nil {
		return nil, fmt.Errorf("risk params: %w", err)
	}
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("risk params: %w", err)
	}
	return params, nil
}

// RegimeMultiplier looks up the sizing multiplier for a regime label,
// defaulting to 1.0 for unrecognized labels.
func (p *RiskParams) RegimeMultiplier(regime string) float64 {
	if m, ok := p.Sizing.RegimeMultipliers[regime]; ok && m > 0 {
		return m
	}
	return 1.0
}

// Validate checks limits for internally contradictory values.
func (p *RiskParams) Validate() error {
	if p.Position.MaxConcurrent < 1 {
		return fmt.Errorf("position.max_concurrent must be >= 1")
	}
	if p.Position.MaxSinglePct <= 0 || p.Position.MaxSinglePct > 100 {
		return fmt.Errorf("position.max_single_pct must be in (0,100]")
	}
	if p.Position.MaxTotalExposurePct < p.Position.MaxSinglePct {
		return fmt.Errorf("position.max_total_exposure_pct must be >= max_single_pct")
	}
	if p.LossLimits.DailyLossPct <= 0 {
		return fmt.Errorf("loss_limits.daily_loss_pct must be > 0")
	}
	if p.LossLimits.MaxDrawdownPct <= 0 {
		return fmt.Errorf("loss_limits.max_drawdown_pct must be > 0")
	}
	if p.Orders.MaxLeverage < 1 {
		return fmt.Errorf("orders.max_leverage must be >= 1")
	}
	if p.EntryGate.MinImbalance <= 0 {
		return fmt.Errorf("entry_gate.min_imbalance must be > 0")
	}
	if p.EntryGate.MaxDailyLossForNewEntriesPct > p.LossLimits.DailyLossPct {
		return fmt.Errorf("entry_gate.max_daily_loss_for_new_entries_pct must not exceed loss_limits.daily_loss_pct")
	}
	if p.Sizing.MinOrderSizeUSD < 0 {
		return fmt.Errorf("sizing.min_order_size_usd must be >= 0")
	}
	return nil
}

// decodeStrict overlays a YAML file onto a defaults-populated struct.
// Unknown keys are an error. A missing file leaves the defaults untouched.
func decodeStrict(path string, v any) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

package config

import "fmt"

// StrategyParams is the strategy tuning file (config/strategies.yaml).
// Every number here came out of backtests; the YAML file overrides the
// defaults selectively, and unknown keys are rejected at startup.
type StrategyParams struct {
	VAS       VASParams       `yaml:"vas"`
	BTCWall   BTCWallParams   `yaml:"btc_wall"`
	ETHBand   ETHBandParams   `yaml:"eth_band"`
	SOLWall   SOLWallParams   `yaml:"sol_wall"`
	WaveRider WaveRiderSet    `yaml:"wave_rider"`
}

// VASParams tune volatility-adaptive sensitivity: the volume spike
// threshold is scaled by a multiplier derived from the short/long ATR
// ratio, suppressing false positives in fast markets and missed spikes
// in quiet ones.
type VASParams struct {
	ATRShortWindow  int     `yaml:"atr_short_window"`
	ATRLongWindow   int     `yaml:"atr_long_window"`
	HighVolATRRatio float64 `yaml:"high_vol_atr_ratio"`
	LowVolATRRatio  float64 `yaml:"low_vol_atr_ratio"`
	HighVolFactor   float64 `yaml:"high_vol_factor"`
	LowVolFactor    float64 `yaml:"low_vol_factor"`
}

// ZoneParams maps an H4 range-position band [Lo, Hi) to an entry.
// Zones are matched in listed order, first match wins; a position
// falling in no zone is a skip. ExitBars 0 means a pure TP/SL exit;
// MinVolRatio 0 means the strategy's base spike threshold applies.
type ZoneParams struct {
	Name        string  `yaml:"name"`
	Lo          float64 `yaml:"lo"`
	Hi          float64 `yaml:"hi"`
	Direction   string  `yaml:"direction"`
	TPPct       float64 `yaml:"tp_pct"`
	SLPct       float64 `yaml:"sl_pct"`
	ExitBars    int     `yaml:"exit_bars"`
	MinVolRatio float64 `yaml:"min_vol_ratio"`
}

// BTCWallParams drive the BTC rubber-wall scan: bearish 5m volume spike
// plus H4 range position decides direction and targets.
type BTCWallParams struct {
	Enabled      bool          `yaml:"enabled"`
	VolThreshold float64       `yaml:"vol_threshold"`
	VolWindow    int           `yaml:"vol_window"`
	H4Window     int           `yaml:"h4_window"`
	Zones        []ZoneParams  `yaml:"zones"`
	QuietLong    BTCQuietLong  `yaml:"quiet_long"`
}

// BTCQuietLong is the no-spike auxiliary pattern: low volume + EMA
// golden cross + high H4 position rides a quiet uptrend.
type BTCQuietLong struct {
	Enabled        bool    `yaml:"enabled"`
	H4MinPct       float64 `yaml:"h4_min_pct"`
	VolRatioMax    float64 `yaml:"vol_ratio_max"`
	VolShortWindow int     `yaml:"vol_short_window"`
	VolLongWindow  int     `yaml:"vol_long_window"`
	TPPct          float64 `yaml:"tp_pct"`
	SLPct          float64 `yaml:"sl_pct"`
	ExitBars       int     `yaml:"exit_bars"`
}

// ETHBandParams drive the ETH rubber-band scan. The vol_ratio strength
// band flips the response: extreme spikes mean overshoot (revert long),
// moderate spikes in the upper range mean continuation (momentum short).
type ETHBandParams struct {
	Enabled           bool         `yaml:"enabled"`
	VolWindow         int          `yaml:"vol_window"`
	H4Window          int          `yaml:"h4_window"`
	ReversalThreshold float64      `yaml:"reversal_threshold"`
	ReversalTPPct     float64      `yaml:"reversal_tp_pct"`
	ReversalSLPadPct  float64      `yaml:"reversal_sl_pad_pct"`
	ReversalSLMinDist float64      `yaml:"reversal_sl_min_dist"`
	ReversalH4MaxPct  float64      `yaml:"reversal_h4_max_pct"`
	ReversalExitBars  int          `yaml:"reversal_exit_bars"`
	MomentumThreshold float64      `yaml:"momentum_threshold"`
	MomentumZoneMin   float64      `yaml:"momentum_zone_min"`
	MomentumCutBars   int          `yaml:"momentum_cut_bars"`
	MomentumSLPadPct  float64      `yaml:"momentum_sl_pad_pct"`
	MomentumSLMinDist float64      `yaml:"momentum_sl_min_dist"`
	QuietLong         ETHQuietLong `yaml:"quiet_long"`
}

// ETHQuietLong is the ETH no-spike pattern. Use4HGolden allows the
// trend confirmation to come from a 4h EMA cross instead of the 5m one,
// at reduced confidence.
type ETHQuietLong struct {
	Enabled        bool    `yaml:"enabled"`
	H4MaxPct       float64 `yaml:"h4_max_pct"`
	VolRatioMax    float64 `yaml:"vol_ratio_max"`
	VolShortWindow int     `yaml:"vol_short_window"`
	VolLongWindow  int     `yaml:"vol_long_window"`
	TPPct          float64 `yaml:"tp_pct"`
	SLPct          float64 `yaml:"sl_pct"`
	ExitBars       int     `yaml:"exit_bars"`
	Use4HGolden    bool    `yaml:"use_4h_golden"`
}

// SOLWallParams drive the SOL rubber-wall scan. FundingShortBlock
// rejects shorts when the funding rate is below it (deeply negative
// funding means crowded shorts and squeeze risk).
type SOLWallParams struct {
	Enabled           bool          `yaml:"enabled"`
	VolThreshold      float64       `yaml:"vol_threshold"`
	VolWindow         int           `yaml:"vol_window"`
	H4Window          int           `yaml:"h4_window"`
	FundingShortBlock float64       `yaml:"funding_short_block"`
	Zones             []ZoneParams  `yaml:"zones"`
	QuietShort        SOLQuietShort `yaml:"quiet_short"`
}

// SOLQuietShort is the SOL no-spike pattern: a stalled quiet top.
// Beyond the shared low-volume and H4 conditions it demands RSI above
// RSIMin, near-zero recent momentum, and directional candles (or a
// Bollinger squeeze) before fading the range top.
type SOLQuietShort struct {
	Enabled           bool    `yaml:"enabled"`
	H4MinPct          float64 `yaml:"h4_min_pct"`
	VolRatioMax       float64 `yaml:"vol_ratio_max"`
	VolShortWindow    int     `yaml:"vol_short_window"`
	VolLongWindow     int     `yaml:"vol_long_window"`
	RSIMin            float64 `yaml:"rsi_min"`
	MomentumAbsMaxPct float64 `yaml:"momentum_abs_max_pct"`
	BodyRatioMin      float64 `yaml:"body_ratio_min"`
	TPPct             float64 `yaml:"tp_pct"`
	SLPct             float64 `yaml:"sl_pct"`
	ExitBars          int     `yaml:"exit_bars"`
}

// WaveRiderSet holds the two wave-rider instances.
type WaveRiderSet struct {
	BTC  WaveRiderParams `yaml:"btc"`
	HYPE WaveRiderParams `yaml:"hype"`
}

// WaveRiderParams drive the US-open 1h momentum strategy: at
// EntryHourUTC the preceding 1h bar's open-to-close move selects long,
// short, or a fade; positions carry a fixed SL and a hard time stop at
// TimeStopHourUTC. The reversion add-on shorts the retrace after a
// large up-move closes.
type WaveRiderParams struct {
	Enabled             bool    `yaml:"enabled"`
	ThursdayOnly        bool    `yaml:"thursday_only"`
	EntryHourUTC        int     `yaml:"entry_hour_utc"`
	TimeStopHourUTC     int     `yaml:"time_stop_hour_utc"`
	UpLargeTh           float64 `yaml:"up_large_th"`
	DownLargeTh         float64 `yaml:"down_large_th"`
	UpMediumTh          float64 `yaml:"up_medium_th"`
	SLPct               float64 `yaml:"sl_pct"`
	ReversionEnabled    bool    `yaml:"reversion_enabled"`
	RevTPPct            float64 `yaml:"rev_tp_pct"`
	RevSLPct            float64 `yaml:"rev_sl_pct"`
	RevDeviationTh      float64 `yaml:"rev_deviation_th"`
	AdaptiveSL          bool    `yaml:"adaptive_sl"`
	BreakevenTriggerPct float64 `yaml:"breakeven_trigger_pct"`
}

// DefaultStrategyParams returns the backtested defaults.
func DefaultStrategyParams() *StrategyParams {
	return &StrategyParams{
		VAS: VASParams{
			ATRShortWindow:  24,
			ATRLongWindow:   288,
			HighVolATRRatio: 1.5,
			LowVolATRRatio:  0.7,
			HighVolFactor:   1.20,
			LowVolFactor:    0.85,
		},
		BTCWall: BTCWallParams{
			Enabled:      true,
			VolThreshold: 5.0,
			VolWindow:    288,
			H4Window:     48,
			Zones: []ZoneParams{
				{Name: "penetration", Lo: -20, Hi: 0, Direction: "long", TPPct: 0.003, SLPct: 0.006, ExitBars: 12},
				{Name: "upper_range", Lo: 40, Hi: 999, Direction: "short", TPPct: 0.005, SLPct: 0.006, ExitBars: 10},
				{Name: "bottom", Lo: 0, Hi: 20, Direction: "short", TPPct: 0.004, SLPct: 0.006, ExitBars: 8, MinVolRatio: 7.0},
			},
			QuietLong: BTCQuietLong{
				Enabled:        true,
				H4MinPct:       65,
				VolRatioMax:    0.55,
				VolShortWindow: 5,
				VolLongWindow:  100,
				TPPct:          0.003,
				SLPct:          0.005,
				ExitBars:       8,
			},
		},
		ETHBand: ETHBandParams{
			Enabled:           true,
			VolWindow:         288,
			H4Window:          48,
			ReversalThreshold: 7.0,
			ReversalTPPct:     0.005,
			ReversalSLPadPct:  0.0005,
			ReversalSLMinDist: 0.0025,
			ReversalH4MaxPct:  40,
			ReversalExitBars:  12,
			MomentumThreshold: 3.0,
			MomentumZoneMin:   40,
			MomentumCutBars:   15,
			MomentumSLPadPct:  0.0005,
			MomentumSLMinDist: 0.0035,
			QuietLong: ETHQuietLong{
				Enabled:        true,
				H4MaxPct:       50,
				VolRatioMax:    0.60,
				VolShortWindow: 5,
				VolLongWindow:  100,
				TPPct:          0.004,
				SLPct:          0.006,
				ExitBars:       10,
			},
		},
		SOLWall: SOLWallParams{
			Enabled:           true,
			VolThreshold:      5.0,
			VolWindow:         288,
			H4Window:          48,
			FundingShortBlock: -5e-5,
			Zones: []ZoneParams{
				{Name: "penetration", Lo: -20, Hi: 0, Direction: "short", TPPct: 0.015, SLPct: 0.008},
				{Name: "upper_range", Lo: 40, Hi: 999, Direction: "short", TPPct: 0.012, SLPct: 0.006},
				{Name: "deep_reversal", Lo: -999, Hi: -20, Direction: "long", TPPct: 0.008, SLPct: 0.005, MinVolRatio: 7.0},
			},
			QuietShort: SOLQuietShort{
				Enabled:           true,
				H4MinPct:          70,
				VolRatioMax:       0.50,
				VolShortWindow:    5,
				VolLongWindow:     100,
				RSIMin:            55,
				MomentumAbsMaxPct: 0.20,
				BodyRatioMin:      0.25,
				TPPct:             0.004,
				SLPct:             0.006,
				ExitBars:          8,
			},
		},
		WaveRider: WaveRiderSet{
			BTC: WaveRiderParams{
				Enabled:             true,
				EntryHourUTC:        15,
				TimeStopHourUTC:     20,
				UpLargeTh:           0.006,
				DownLargeTh:         0.008,
				UpMediumTh:          0.002,
				SLPct:               0.008,
				ReversionEnabled:    true,
				RevTPPct:            0.003,
				RevSLPct:            0.008,
				RevDeviationTh:      0.008,
				AdaptiveSL:          true,
				BreakevenTriggerPct: 0.004,
			},
			HYPE: WaveRiderParams{
				Enabled:         true,
				ThursdayOnly:    true,
				EntryHourUTC:    15,
				TimeStopHourUTC: 20,
				UpLargeTh:       0.006,
				DownLargeTh:     0.008,
				UpMediumTh:      0.002,
				SLPct:           0.008,
			},
		},
	}
}

// LoadStrategyParams reads config/strategies.yaml over the defaults.
// Strict decoding; a missing file leaves the defaults untouched.
func LoadStrategyParams(path string) (*StrategyParams, error) {
	params := DefaultStrategyParams()
	if err := decodeStrict(path, params); err != nil {
		return nil, fmt.Errorf("strategy params: %w", err)
	}
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("strategy params: %w", err)
	}
	return params, nil
}

// Validate rejects zone tables and thresholds that cannot be acted on.
func (p *StrategyParams) Validate() error {
	if err := validateZones("btc_wall", p.BTCWall.Zones); err != nil {
		return err
	}
	if err := validateZones("sol_wall", p.SOLWall.Zones); err != nil {
		return err
	}
	if p.BTCWall.VolThreshold <= 1 {
		return fmt.Errorf("btc_wall.vol_threshold must be > 1")
	}
	if p.SOLWall.VolThreshold <= 1 {
		return fmt.Errorf("sol_wall.vol_threshold must be > 1")
	}
	if p.ETHBand.MomentumThreshold <= 1 || p.ETHBand.ReversalThreshold <= p.ETHBand.MomentumThreshold {
		return fmt.Errorf("eth_band thresholds must satisfy 1 < momentum < reversal")
	}
	if p.VAS.ATRShortWindow <= 0 || p.VAS.ATRLongWindow <= p.VAS.ATRShortWindow {
		return fmt.Errorf("vas windows must satisfy 0 < atr_short_window < atr_long_window")
	}
	for _, wr := range []struct {
		name string
		p    WaveRiderParams
	}{{"wave_rider.btc", p.WaveRider.BTC}, {"wave_rider.hype", p.WaveRider.HYPE}} {
		if !wr.p.Enabled {
			continue
		}
		if wr.p.EntryHourUTC < 0 || wr.p.EntryHourUTC > 23 {
			return fmt.Errorf("%s.entry_hour_utc must be in [0,23]", wr.name)
		}
		if wr.p.TimeStopHourUTC <= wr.p.EntryHourUTC {
			return fmt.Errorf("%s.time_stop_hour_utc must be after entry_hour_utc", wr.name)
		}
		if wr.p.SLPct <= 0 {
			return fmt.Errorf("%s.sl_pct must be > 0", wr.name)
		}
	}
	return nil
}

func validateZones(strategy string, zones []ZoneParams) error {
	for _, z := range zones {
		if z.Name == "" {
			return fmt.Errorf("%s: zone with empty name", strategy)
		}
		if z.Lo >= z.Hi {
			return fmt.Errorf("%s zone %s: lo must be < hi", strategy, z.Name)
		}
		if z.Direction != "long" && z.Direction != "short" {
			return fmt.Errorf("%s zone %s: direction must be long or short", strategy, z.Name)
		}
		if z.TPPct <= 0 || z.SLPct <= 0 {
			return fmt.Errorf("%s zone %s: tp_pct and sl_pct must be > 0", strategy, z.Name)
		}
	}
	return nil
}

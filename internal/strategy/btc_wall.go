package strategy

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/Naofumi-1000ri/MyClawTradingBot/internal/config"
	"github.com/Naofumi-1000ri/MyClawTradingBot/pkg/types"
)

// BTCWall fades bearish volume spikes against the BTC 4-hour range.
// The spike threshold is volatility-adaptive (VAS): a hot tape demands a
// bigger spike, a dead one accepts a smaller one. The threshold cache is
// always built on the base threshold so a regime flip between cycles
// cannot invalidate it; the adjusted threshold is re-checked after a
// cache hit.
//
// When no spike fires, Pattern D looks for the opposite market: a quiet
// uptrend (EMA golden cross, high H4 position, drained volume) worth a
// small time-boxed long.
type BTCWall struct {
	symbol string
	params config.BTCWallParams
	vas    config.VASParams
	log    zerolog.Logger
}

func NewBTCWall(params config.BTCWallParams, vas config.VASParams, log zerolog.Logger) *BTCWall {
	return &BTCWall{
		symbol: "BTC",
		params: params,
		vas:    vas,
		log:    log.With().Str("strategy", "btc_wall").Logger(),
	}
}

func (w *BTCWall) Symbol() string   { return w.symbol }
func (w *BTCWall) CacheKey() string { return "btc_wall" }

func (w *BTCWall) Scan(snap *types.SymbolSnapshot, cache *types.ThresholdCache) (*types.Signal, *types.ThresholdCache) {
	candles := Series(snap.Candles5m)
	if len(candles) < w.params.H4Window+10 {
		w.log.Warn().Int("have", len(candles)).Int("need", w.params.H4Window+10).Msg("not enough candles")
		return nil, nil
	}
	idx := len(candles) - 2 // last confirmed bar
	if idx < w.params.H4Window {
		return nil, nil
	}

	mult, regime := candles.ATRVolatilityMultiplier(idx, w.vas)
	volThreshold := w.params.VolThreshold * mult
	if regime != types.VolNormal {
		w.log.Info().
			Str("regime", string(regime)).
			Float64("multiplier", mult).
			Float64("base", w.params.VolThreshold).
			Float64("adjusted", volThreshold).
			Msg("VAS threshold adjustment")
	}

	bar := candles[idx]
	isBear := bar.C < bar.O
	nextCache := candles.BuildNextCache(idx, w.params.VolWindow, w.params.VolThreshold)

	var ratio float64
	if cache.Matches(bar.T) {
		if bar.V < cache.ThresholdVol || !isBear {
			return w.patternD(candles, idx, bar), nextCache
		}
		ratio = candles.VolRatioAt(idx, w.params.VolWindow)
		if ratio < volThreshold {
			// Cache is built on the base threshold; the regime-adjusted
			// one can still filter the bar out.
			w.log.Info().
				Float64("ratio", ratio).
				Float64("adjusted", volThreshold).
				Str("regime", string(regime)).
				Msg("cache spike filtered by VAS threshold")
			return w.patternD(candles, idx, bar), nextCache
		}
		w.log.Info().
			Float64("volume", bar.V).
			Float64("threshold_vol", cache.ThresholdVol).
			Float64("ratio", ratio).
			Msg("cache fast path spike")
	} else {
		ratio = candles.VolRatioAt(idx, w.params.VolWindow)
		if ratio < volThreshold || !isBear {
			return w.patternD(candles, idx, bar), nextCache
		}
		w.log.Info().Float64("ratio", ratio).Float64("threshold", volThreshold).Msg("bear spike detected")
	}

	// Range position of the confirmed close within the H4 range ending
	// one bar earlier, so the spike bar can't stretch its own yardstick.
	h4Lo, h4Hi := candles.H4Range(idx-1, w.params.H4Window)
	pos := RangePosition(bar.C, h4Lo, h4Hi)

	zone := matchZone(w.params.Zones, pos)
	if zone == nil {
		w.log.Info().Float64("position", pos).Msg("spike in no-trade zone")
		return nil, nextCache
	}
	if zone.MinVolRatio > 0 && ratio < zone.MinVolRatio {
		w.log.Info().
			Str("zone", zone.Name).
			Float64("ratio", ratio).
			Float64("zone_min", zone.MinVolRatio).
			Msg("spike below zone minimum")
		return nil, nextCache
	}

	entry := bar.C
	var tp, sl float64
	if zone.Direction == "short" {
		tp = entry * (1 - zone.TPPct)
		sl = entry * (1 + zone.SLPct)
	} else {
		tp = entry * (1 + zone.TPPct)
		sl = entry * (1 - zone.SLPct)
	}
	exitMode := types.ExitTPSL
	if zone.ExitBars > 0 {
		exitMode = types.ExitTimeCut
	}

	vasNote := ""
	if regime != types.VolNormal {
		vasNote = fmt.Sprintf(" [VAS:%sx%.2f]", regime, mult)
	}
	reasoning := fmt.Sprintf(
		"RubberWall: %s zone (pos=%.1f%%), vol_ratio=%.1fx (thr=%.1f%s), 4H=[%.2f-%.2f], → %s TP %.1f%% SL %.1f%%",
		zone.Name, pos, ratio, volThreshold, vasNote, h4Lo, h4Hi, zone.Direction, zone.TPPct*100, zone.SLPct*100)
	if zone.ExitBars > 0 {
		reasoning += fmt.Sprintf(" timeout=%dbar", zone.ExitBars)
	}

	sig := &types.Signal{
		Symbol:        w.symbol,
		Action:        types.Action(zone.Direction),
		Direction:     types.Side(zone.Direction),
		Confidence:    0.85,
		EntryPrice:    roundTo(entry, 2),
		TakeProfit:    roundTo(tp, 2),
		StopLoss:      roundTo(sl, 2),
		Leverage:      3,
		Reasoning:     reasoning,
		Zone:          zone.Name,
		RangePosition: roundTo(pos, 1),
		VolRatio:      roundTo(ratio, 1),
		VolRegime:     regime,
		SpikeTime:     bar.T,
		ExitMode:      exitMode,
		ExitBars:      zone.ExitBars,
	}
	w.log.Info().
		Str("action", string(sig.Action)).
		Float64("entry", sig.EntryPrice).
		Float64("tp", sig.TakeProfit).
		Float64("sl", sig.StopLoss).
		Str("zone", zone.Name).
		Msg("signal")
	return sig, nextCache
}

// patternD is the quiet-market long: EMA9 > EMA21, close in the top of
// the H4 range, and volume drained to a fraction of its daily average.
func (w *BTCWall) patternD(candles Series, idx int, bar types.Candle) *types.Signal {
	q := w.params.QuietLong
	if !q.Enabled {
		return nil
	}
	ema9, ema21, ok := candles.GoldenCross(idx)
	if !ok || ema9 <= ema21 {
		return nil
	}
	h4Lo, h4Hi := candles.H4Range(idx-1, w.params.H4Window)
	entry := bar.C
	pos := RangePosition(entry, h4Lo, h4Hi)
	if pos < q.H4MinPct {
		return nil
	}
	volRatio, ok := candles.QuietVolRatio(idx, q.VolShortWindow, q.VolLongWindow)
	if !ok || volRatio >= q.VolRatioMax {
		return nil
	}

	const confidence = 0.72
	leverage := ConfidenceToLeverage(confidence, 3)
	sig := &types.Signal{
		Symbol:     w.symbol,
		Action:     types.ActionLong,
		Direction:  types.Long,
		Confidence: confidence,
		EntryPrice: roundTo(entry, 2),
		TakeProfit: roundTo(entry*(1+q.TPPct), 2),
		StopLoss:   roundTo(entry*(1-q.SLPct), 2),
		Leverage:   leverage,
		Reasoning: fmt.Sprintf(
			"BtcRubberWall D: quiet_long, ema9=%.2f>ema21=%.2f, 4H_pos=%.1f%%, vol_ratio(5/100)=%.2f, → LONG TP %.1f%% SL %.1f%% %dbar cut [CAPS: %dx]",
			ema9, ema21, pos, volRatio, q.TPPct*100, q.SLPct*100, q.ExitBars, leverage),
		Zone:          "quiet_high",
		Pattern:       "D_quiet_long",
		RangePosition: roundTo(pos, 1),
		VolRatio:      roundTo(volRatio, 2),
		SpikeTime:     bar.T,
		ExitMode:      types.ExitTimeCut,
		ExitBars:      q.ExitBars,
	}
	w.log.Info().
		Float64("ema9", ema9).
		Float64("ema21", ema21).
		Float64("h4_pos", pos).
		Float64("vol_ratio", volRatio).
		Msg("pattern D quiet long")
	return sig
}

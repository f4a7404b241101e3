package strategy

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/Naofumi-1000ri/MyClawTradingBot/internal/config"
	"github.com/Naofumi-1000ri/MyClawTradingBot/pkg/types"
)

// ETHBand reads ETH bearish volume spikes by strength. An extreme spike
// (ratio ≥ reversal threshold) is exhaustion: buy the overshoot back
// (Pattern A). A moderate spike in the upper H4 range is continuation:
// short it with a time cut (Pattern B). The threshold cache is keyed to
// the lower momentum threshold, the weakest spike either pattern needs.
//
// Pattern C covers the quiet tape: a golden cross with drained volume
// in the lower half of the range takes a small time-boxed long. The 4h
// EMA cross can stand in for the 5m one at reduced confidence.
type ETHBand struct {
	symbol string
	params config.ETHBandParams
	log    zerolog.Logger
}

func NewETHBand(params config.ETHBandParams, log zerolog.Logger) *ETHBand {
	return &ETHBand{
		symbol: "ETH",
		params: params,
		log:    log.With().Str("strategy", "eth_band").Logger(),
	}
}

func (e *ETHBand) Symbol() string   { return e.symbol }
func (e *ETHBand) CacheKey() string { return "eth_band" }

func (e *ETHBand) Scan(snap *types.SymbolSnapshot, cache *types.ThresholdCache) (*types.Signal, *types.ThresholdCache) {
	candles := Series(snap.Candles5m)
	if len(candles) < e.params.H4Window+10 {
		e.log.Warn().Int("have", len(candles)).Int("need", e.params.H4Window+10).Msg("not enough candles")
		return nil, nil
	}
	idx := len(candles) - 2
	if idx < e.params.H4Window {
		return nil, nil
	}

	bar := candles[idx]
	nextCache := candles.BuildNextCache(idx, e.params.VolWindow, e.params.MomentumThreshold)

	if bar.C >= bar.O {
		return e.patternC(candles, Series(snap.Candles4h), idx, bar), nextCache
	}

	var ratio float64
	if cache.Matches(bar.T) {
		if bar.V < cache.ThresholdVol {
			return e.patternC(candles, Series(snap.Candles4h), idx, bar), nextCache
		}
		ratio = candles.VolRatioAt(idx, e.params.VolWindow)
	} else {
		ratio = candles.VolRatioAt(idx, e.params.VolWindow)
		if ratio < e.params.MomentumThreshold {
			return e.patternC(candles, Series(snap.Candles4h), idx, bar), nextCache
		}
	}

	if ratio >= e.params.ReversalThreshold {
		return e.patternA(candles, idx, bar, ratio), nextCache
	}
	return e.patternB(candles, idx, bar, ratio), nextCache
}

// patternA buys the exhaustion overshoot. The stop sits under the spike
// bar's low, but never closer than the minimum distance; chop around a
// too-tight candle stop was the dominant loss mode in backtests.
func (e *ETHBand) patternA(candles Series, idx int, bar types.Candle, ratio float64) *types.Signal {
	h4Lo, h4Hi := candles.H4Range(idx-1, e.params.H4Window)
	pos := RangePosition(bar.C, h4Lo, h4Hi)
	if pos >= e.params.ReversalH4MaxPct {
		// Reversal longs only pay off in the lower range; up high the
		// spike is usually real distribution.
		e.log.Info().
			Float64("h4_pos", pos).
			Float64("max", e.params.ReversalH4MaxPct).
			Msg("pattern A skip: H4 position too high")
		return nil
	}

	entry := bar.C
	slFromCandle := roundTo(bar.L*(1-e.params.ReversalSLPadPct), 2)
	slFromMin := roundTo(entry*(1-e.params.ReversalSLMinDist), 2)
	sl := min(slFromCandle, slFromMin)
	slDist := (entry - sl) / entry
	tp := roundTo(entry*(1+e.params.ReversalTPPct), 2)

	sig := &types.Signal{
		Symbol:     e.symbol,
		Action:     types.ActionLong,
		Direction:  types.Long,
		Confidence: 0.85,
		EntryPrice: roundTo(entry, 2),
		TakeProfit: tp,
		StopLoss:   sl,
		Leverage:   3,
		Reasoning: fmt.Sprintf(
			"EthRubberBand A: reversal, vol_ratio=%.1fx, 4H_pos=%.1f%%, BEAR spike → LONG TP %.1f%% SL=%.2f%%",
			ratio, pos, e.params.ReversalTPPct*100, slDist*100),
		Zone:      "reversal",
		Pattern:   "A_reversal",
		VolRatio:  roundTo(ratio, 1),
		SpikeTime: bar.T,
		ExitMode:  types.ExitTimeCut,
		ExitBars:  e.params.ReversalExitBars,
	}
	e.log.Info().
		Float64("entry", sig.EntryPrice).
		Float64("tp", tp).
		Float64("sl", sl).
		Float64("sl_dist_pct", slDist*100).
		Msg("pattern A reversal long")
	return sig
}

// patternB shorts continuation in the upper range. The exit is the time
// cut; the TP is a distant formality so R:R style checks have a number
// to look at.
func (e *ETHBand) patternB(candles Series, idx int, bar types.Candle, ratio float64) *types.Signal {
	h4Lo, h4Hi := candles.H4Range(idx-1, e.params.H4Window)
	pos := RangePosition(bar.C, h4Lo, h4Hi)
	if pos < e.params.MomentumZoneMin {
		e.log.Info().
			Float64("h4_pos", pos).
			Float64("min", e.params.MomentumZoneMin).
			Msg("pattern B skip: H4 position too low")
		return nil
	}

	entry := bar.C
	slFromCandle := roundTo(bar.H*(1+e.params.MomentumSLPadPct), 2)
	slFromMin := roundTo(entry*(1+e.params.MomentumSLMinDist), 2)
	sl := max(slFromCandle, slFromMin)
	slDist := (sl - entry) / entry
	tp := roundTo(entry*(1-0.01), 2)

	sig := &types.Signal{
		Symbol:     e.symbol,
		Action:     types.ActionShort,
		Direction:  types.Short,
		Confidence: 0.80,
		EntryPrice: roundTo(entry, 2),
		TakeProfit: tp,
		StopLoss:   sl,
		Leverage:   3,
		Reasoning: fmt.Sprintf(
			"EthRubberBand B: momentum, vol_ratio=%.1fx, pos=%.1f%%, 4H=[%.2f-%.2f], → SHORT %dbar cut, SL=candle_high+%.2f%%",
			ratio, pos, h4Lo, h4Hi, e.params.MomentumCutBars, slDist*100),
		Zone:          "momentum",
		Pattern:       "B_momentum",
		RangePosition: roundTo(pos, 1),
		VolRatio:      roundTo(ratio, 1),
		SpikeTime:     bar.T,
		ExitMode:      types.ExitTimeCut,
		ExitBars:      e.params.MomentumCutBars,
	}
	e.log.Info().
		Float64("entry", sig.EntryPrice).
		Float64("sl", sl).
		Float64("sl_dist_pct", slDist*100).
		Int("cut_bars", e.params.MomentumCutBars).
		Msg("pattern B momentum short")
	return sig
}

// patternC is the quiet long. The trend check prefers the 5m golden
// cross; when configured, a 4h golden cross can substitute at lower
// confidence.
func (e *ETHBand) patternC(candles, candles4h Series, idx int, bar types.Candle) *types.Signal {
	q := e.params.QuietLong
	if !q.Enabled {
		return nil
	}
	ema9, ema21, ok := candles.GoldenCross(idx)
	fiveGolden := ok && ema9 > ema21
	fourGolden := false
	if !fiveGolden && q.Use4HGolden && len(candles4h) >= 2 {
		e9, e21, ok4 := candles4h.GoldenCross(len(candles4h) - 2)
		if ok4 && e9 > e21 {
			fourGolden = true
			ema9, ema21 = e9, e21
		}
	}
	if !fiveGolden && !fourGolden {
		return nil
	}

	h4Lo, h4Hi := candles.H4Range(idx-1, e.params.H4Window)
	entry := bar.C
	pos := RangePosition(entry, h4Lo, h4Hi)
	if pos >= q.H4MaxPct {
		return nil
	}
	volRatio, ok := candles.QuietVolRatio(idx, q.VolShortWindow, q.VolLongWindow)
	if !ok || volRatio >= q.VolRatioMax {
		return nil
	}

	confidence := 0.75
	trend := "5m_golden"
	if !fiveGolden {
		confidence = 0.72
		trend = "4h_golden"
	}
	leverage := ConfidenceToLeverage(confidence, 3)
	sig := &types.Signal{
		Symbol:     e.symbol,
		Action:     types.ActionLong,
		Direction:  types.Long,
		Confidence: confidence,
		EntryPrice: roundTo(entry, 2),
		TakeProfit: roundTo(entry*(1+q.TPPct), 2),
		StopLoss:   roundTo(entry*(1-q.SLPct), 2),
		Leverage:   leverage,
		Reasoning: fmt.Sprintf(
			"EthRubberBand C: quiet_long (%s), ema9=%.2f>ema21=%.2f, 4H_pos=%.1f%%, vol_ratio(5/100)=%.2f, → LONG TP %.1f%% SL %.1f%% %dbar cut [CAPS: %dx]",
			trend, ema9, ema21, pos, volRatio, q.TPPct*100, q.SLPct*100, q.ExitBars, leverage),
		Zone:          "quiet_low",
		Pattern:       "C_quiet_long",
		RangePosition: roundTo(pos, 1),
		VolRatio:      roundTo(volRatio, 2),
		SpikeTime:     bar.T,
		ExitMode:      types.ExitTimeCut,
		ExitBars:      q.ExitBars,
	}
	e.log.Info().
		Str("trend", trend).
		Float64("h4_pos", pos).
		Float64("vol_ratio", volRatio).
		Msg("pattern C quiet long")
	return sig
}

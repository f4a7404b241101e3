package strategy

import (
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"github.com/Naofumi-1000ri/MyClawTradingBot/internal/config"
	"github.com/Naofumi-1000ri/MyClawTradingBot/pkg/types"
)

// Bollinger squeeze parameters for the SOL quiet-top check.
const (
	bbWindow       = 20
	bbMult         = 2.0
	bbSqueezeRatio = 0.6
)

// SOLWall fades SOL bearish spikes. Unlike BTC the threshold is not
// volatility-adjusted: SOL's tape is noisy enough that VAS whipsawed in
// backtests. Shorts are blocked under deeply negative funding, where a
// crowded short book turns every bounce into a squeeze. The deep zone
// below the range only takes reversal longs on an extreme spike.
//
// Pattern E is the quiet-top short: a stalled, low-volume drift at the
// top of the range with overbought RSI and either directional candle
// bodies or a Bollinger squeeze.
type SOLWall struct {
	symbol string
	params config.SOLWallParams
	log    zerolog.Logger
}

func NewSOLWall(params config.SOLWallParams, log zerolog.Logger) *SOLWall {
	return &SOLWall{
		symbol: "SOL",
		params: params,
		log:    log.With().Str("strategy", "sol_wall").Logger(),
	}
}

func (s *SOLWall) Symbol() string   { return s.symbol }
func (s *SOLWall) CacheKey() string { return "sol_wall" }

func (s *SOLWall) Scan(snap *types.SymbolSnapshot, cache *types.ThresholdCache) (*types.Signal, *types.ThresholdCache) {
	candles := Series(snap.Candles5m)
	if len(candles) < s.params.H4Window+10 {
		s.log.Warn().Int("have", len(candles)).Int("need", s.params.H4Window+10).Msg("not enough candles")
		return nil, nil
	}
	idx := len(candles) - 2
	if idx < s.params.H4Window {
		return nil, nil
	}

	bar := candles[idx]
	isBear := bar.C < bar.O
	nextCache := candles.BuildNextCache(idx, s.params.VolWindow, s.params.VolThreshold)
	funding := 0.0
	if snap.FundingRate != nil {
		funding = *snap.FundingRate
	}

	var ratio float64
	if cache.Matches(bar.T) {
		if bar.V < cache.ThresholdVol || !isBear {
			return s.patternE(candles, idx, bar, funding), nextCache
		}
		ratio = candles.VolRatioAt(idx, s.params.VolWindow)
		s.log.Info().
			Float64("volume", bar.V).
			Float64("threshold_vol", cache.ThresholdVol).
			Float64("ratio", ratio).
			Msg("cache fast path spike")
	} else {
		ratio = candles.VolRatioAt(idx, s.params.VolWindow)
		if ratio < s.params.VolThreshold || !isBear {
			return s.patternE(candles, idx, bar, funding), nextCache
		}
		s.log.Info().Float64("ratio", ratio).Msg("bear spike detected")
	}

	h4Lo, h4Hi := candles.H4Range(idx-1, s.params.H4Window)
	pos := RangePosition(bar.C, h4Lo, h4Hi)

	zone := matchZone(s.params.Zones, pos)
	if zone == nil {
		s.log.Info().Float64("position", pos).Msg("spike in no-trade zone")
		return nil, nextCache
	}
	if zone.MinVolRatio > 0 && ratio < zone.MinVolRatio {
		s.log.Info().
			Str("zone", zone.Name).
			Float64("ratio", ratio).
			Float64("zone_min", zone.MinVolRatio).
			Msg("spike below zone minimum")
		return nil, nextCache
	}
	if zone.Direction == "short" && funding < s.params.FundingShortBlock {
		s.log.Info().
			Float64("funding", funding).
			Float64("block_threshold", s.params.FundingShortBlock).
			Msg("short blocked: negative funding squeeze risk")
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

	sig := &types.Signal{
		Symbol:     s.symbol,
		Action:     types.Action(zone.Direction),
		Direction:  types.Side(zone.Direction),
		Confidence: 0.80,
		EntryPrice: roundTo(entry, 4),
		TakeProfit: roundTo(tp, 4),
		StopLoss:   roundTo(sl, 4),
		Leverage:   3,
		Reasoning: fmt.Sprintf(
			"SolRubberWall: %s zone (pos=%.1f%%), vol_ratio=%.1fx, 4H=[%.4f-%.4f], → %s TP %.1f%% SL %.1f%%",
			zone.Name, pos, ratio, h4Lo, h4Hi, zone.Direction, zone.TPPct*100, zone.SLPct*100),
		Zone:          zone.Name,
		Pattern:       "wall_" + zone.Name,
		RangePosition: roundTo(pos, 1),
		VolRatio:      roundTo(ratio, 1),
		SpikeTime:     bar.T,
		ExitMode:      exitMode,
		ExitBars:      zone.ExitBars,
	}
	s.log.Info().
		Str("action", string(sig.Action)).
		Float64("entry", sig.EntryPrice).
		Float64("tp", sig.TakeProfit).
		Float64("sl", sig.StopLoss).
		Str("zone", zone.Name).
		Msg("signal")
	return sig, nextCache
}

// patternE shorts a stalled quiet top. Every condition must hold: the
// uptrend has carried price to the top of the range (golden cross, H4
// pos high) but volume has drained, RSI sits overbought, recent
// momentum is flat, and the bars are either decisive or squeezed.
func (s *SOLWall) patternE(candles Series, idx int, bar types.Candle, funding float64) *types.Signal {
	q := s.params.QuietShort
	if !q.Enabled {
		return nil
	}
	ema9, ema21, ok := candles.GoldenCross(idx)
	if !ok || ema9 <= ema21 {
		return nil
	}
	h4Lo, h4Hi := candles.H4Range(idx-1, s.params.H4Window)
	entry := bar.C
	pos := RangePosition(entry, h4Lo, h4Hi)
	if pos < q.H4MinPct {
		return nil
	}
	volRatio, ok := candles.QuietVolRatio(idx, q.VolShortWindow, q.VolLongWindow)
	if !ok || volRatio >= q.VolRatioMax {
		return nil
	}
	rsi, ok := candles.RSIAt(idx, 14)
	if !ok || rsi <= q.RSIMin {
		return nil
	}
	if mom := candles.PriceMomentum(idx, 6); math.Abs(mom) > q.MomentumAbsMaxPct {
		return nil
	}
	body := candles.BodyRatio(idx, 3)
	if body < q.BodyRatioMin && !candles.BBSqueeze(idx, bbWindow, bbMult, bbSqueezeRatio) {
		return nil
	}
	if funding < s.params.FundingShortBlock {
		s.log.Info().
			Float64("funding", funding).
			Float64("block_threshold", s.params.FundingShortBlock).
			Msg("quiet short blocked: negative funding squeeze risk")
		return nil
	}

	const confidence = 0.72
	leverage := ConfidenceToLeverage(confidence, 3)
	sig := &types.Signal{
		Symbol:     s.symbol,
		Action:     types.ActionShort,
		Direction:  types.Short,
		Confidence: confidence,
		EntryPrice: roundTo(entry, 4),
		TakeProfit: roundTo(entry*(1-q.TPPct), 4),
		StopLoss:   roundTo(entry*(1+q.SLPct), 4),
		Leverage:   leverage,
		Reasoning: fmt.Sprintf(
			"SolRubberWall E: quiet_short, ema9=%.2f>ema21=%.2f, 4H_pos=%.1f%%, vol_ratio(5/100)=%.2f, RSI=%.1f, → SHORT TP %.1f%% SL %.1f%% %dbar cut [CAPS: %dx]",
			ema9, ema21, pos, volRatio, rsi, q.TPPct*100, q.SLPct*100, q.ExitBars, leverage),
		Zone:          "quiet_top",
		Pattern:       "E_quiet_short",
		RangePosition: roundTo(pos, 1),
		VolRatio:      roundTo(volRatio, 2),
		SpikeTime:     bar.T,
		ExitMode:      types.ExitTimeCut,
		ExitBars:      q.ExitBars,
	}
	s.log.Info().
		Float64("h4_pos", pos).
		Float64("vol_ratio", volRatio).
		Float64("rsi", rsi).
		Msg("pattern E quiet short")
	return sig
}

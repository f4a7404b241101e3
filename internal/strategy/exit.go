package strategy

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/Naofumi-1000ri/MyClawTradingBot/internal/config"
	"github.com/Naofumi-1000ri/MyClawTradingBot/internal/state"
	"github.com/Naofumi-1000ri/MyClawTradingBot/pkg/types"
)

// reversionDelay is how long after a wr_up_large close the reversion
// short waits before entering.
const reversionDelay = 15 * time.Minute

// closeConfidence clears the arbiter's min-hold override so a stop is
// never converted back into a hold.
const closeConfidence = 0.90

// ExitScanner walks open positions and turns their ExitMeta plans into
// close or hold_position signals. It runs before any entry scan: a
// symbol under management never takes a second entry in the same cycle.
//
// Rubber metas exit on an SL/TP cross or a bar-count time cut; the scan
// owns the BarCount increment. Wave-rider metas exit on SL/TP, a
// wall-clock time stop, and trail their stop adaptively while holding.
type ExitScanner struct {
	state  *state.Manager
	riders map[string]*WaveRider
	vas    config.VASParams
	log    zerolog.Logger
}

func NewExitScanner(st *state.Manager, riders []*WaveRider, vas config.VASParams, log zerolog.Logger) *ExitScanner {
	bySymbol := make(map[string]*WaveRider, len(riders))
	for _, r := range riders {
		bySymbol[r.Symbol()] = r
	}
	return &ExitScanner{
		state:  st,
		riders: bySymbol,
		vas:    vas,
		log:    log.With().Str("component", "exit_scan").Logger(),
	}
}

// Scan evaluates every open position against its exit plans. Positions
// without any meta produce nothing here; the arbiter rescues those with
// a hold_position.
func (x *ExitScanner) Scan(now time.Time, market *types.MarketData, positions []types.Position) []types.Signal {
	var signals []types.Signal
	for i := range positions {
		pos := &positions[i]
		snap := market.Symbols[pos.Symbol]
		mid := midFor(snap, pos)

		if meta, err := x.state.RubberMeta(pos.Symbol); err != nil {
			x.log.Error().Err(err).Str("symbol", pos.Symbol).Msg("rubber meta unreadable")
		} else if meta != nil {
			signals = append(signals, x.rubberExit(pos, meta, mid))
		}

		if meta, err := x.state.WaveRiderMeta(pos.Symbol); err != nil {
			x.log.Error().Err(err).Str("symbol", pos.Symbol).Msg("wave rider meta unreadable")
		} else if meta != nil {
			signals = append(signals, x.waveRiderExit(now, pos, meta, mid, snap))
		}
	}
	return signals
}

func midFor(snap *types.SymbolSnapshot, pos *types.Position) float64 {
	if snap != nil && snap.MidPrice != nil && *snap.MidPrice > 0 {
		return *snap.MidPrice
	}
	return pos.MidPrice
}

func (x *ExitScanner) rubberExit(pos *types.Position, meta *types.ExitMeta, mid float64) types.Signal {
	sym := pos.Symbol
	family := meta.Pattern
	if family == "" {
		family = "rubber"
	}

	if mid > 0 {
		if sig, hit := priceExit(sym, family, meta, mid); hit {
			return sig
		}
	} else {
		x.log.Warn().Str("symbol", sym).Msg("no mid price, skipping price exits")
	}

	if meta.ExitMode == types.ExitTimeCut {
		meta.BarCount++
		if err := x.state.SaveRubberMeta(sym, meta); err != nil {
			x.log.Warn().Err(err).Str("symbol", sym).Msg("bar count persist failed")
		}
		if meta.ExitBars > 0 && meta.BarCount >= meta.ExitBars {
			return closeSignal(sym, meta, fmt.Sprintf(
				"exit %s: time cut, %d/%d bars held", family, meta.BarCount, meta.ExitBars))
		}
	}

	return holdPositionSignal(sym, meta, fmt.Sprintf(
		"managing %s: waiting TP=%.2f SL=%.2f (bar %d/%d)",
		family, meta.TakeProfit, meta.StopLoss, meta.BarCount, meta.ExitBars))
}

func (x *ExitScanner) waveRiderExit(now time.Time, pos *types.Position, meta *types.ExitMeta, mid float64, snap *types.SymbolSnapshot) types.Signal {
	sym := pos.Symbol
	rider := x.riders[sym]
	if rider == nil {
		// Meta left behind by a removed config entry: fall back to plain
		// price exits so the position is never unmanaged.
		x.log.Warn().Str("symbol", sym).Msg("wave rider meta without configured rider")
		if mid > 0 {
			if sig, hit := priceExit(sym, meta.Pattern, meta, mid); hit {
				return sig
			}
		}
		return holdPositionSignal(sym, meta, fmt.Sprintf(
			"managing %s: waiting SL=%.2f (no rider config)", meta.Pattern, meta.StopLoss))
	}

	stop := rider.SessionStop(meta.EntryTime)
	if meta.Pattern == PatternReversion {
		stop = rider.ReversionStop(meta.EntryTime)
	}
	if !now.UTC().Before(stop) {
		x.maybeScheduleReversion(now, sym, meta, mid, snap, rider)
		return closeSignal(sym, meta, fmt.Sprintf(
			"exit %s: time stop %s reached", meta.Pattern, stop.Format("15:04")))
	}

	if mid > 0 {
		if sig, hit := priceExit(sym, meta.Pattern, meta, mid); hit {
			x.maybeScheduleReversion(now, sym, meta, mid, snap, rider)
			return sig
		}
	} else {
		x.log.Warn().Str("symbol", sym).Msg("no mid price, skipping price exits")
	}

	if rider.Params().AdaptiveSL && meta.Pattern != PatternReversion && mid > 0 {
		atrRatio := 1.0
		if snap != nil {
			s := Series(snap.Candles5m)
			if r, ok := s.ATRRatio(len(s)-2, x.vas.ATRShortWindow, x.vas.ATRLongWindow); ok {
				atrRatio = r
			}
		}
		newSL, label := rider.AdaptiveStop(meta, mid, atrRatio)
		if newSL != meta.StopLoss {
			x.log.Info().
				Str("symbol", sym).
				Float64("old_sl", meta.StopLoss).
				Float64("new_sl", newSL).
				Str("regime", label).
				Msg("adaptive stop update")
			meta.StopLoss = newSL
			if err := x.state.SaveWaveRiderMeta(sym, meta); err != nil {
				x.log.Warn().Err(err).Str("symbol", sym).Msg("adaptive stop persist failed")
			}
		}
	}

	return holdPositionSignal(sym, meta, fmt.Sprintf(
		"managing %s: waiting SL=%.2f, time stop %s", meta.Pattern, meta.StopLoss, stop.Format("15:04")))
}

// maybeScheduleReversion writes the pending reversion entry when a
// wr_up_large position closes far from its observe open.
func (x *ExitScanner) maybeScheduleReversion(now time.Time, sym string, meta *types.ExitMeta, mid float64, snap *types.SymbolSnapshot, rider *WaveRider) {
	if meta.Pattern != PatternUpLarge || mid <= 0 || snap == nil {
		return
	}
	open, ok := rider.ObserveOpen(Series(snap.Candles1h), meta.EntryTime)
	if !ok {
		x.log.Warn().Str("symbol", sym).Msg("observe bar gone, reversion check skipped")
		return
	}
	if !rider.ShouldTriggerReversion(open, mid) {
		return
	}
	pending := &types.PendingReversion{
		EntryAfter: now.UTC().Add(reversionDelay),
		Pattern:    PatternReversion,
	}
	if err := x.state.SaveReversionPending(sym, pending); err != nil {
		x.log.Error().Err(err).Str("symbol", sym).Msg("pending reversion persist failed")
		return
	}
	x.log.Info().
		Str("symbol", sym).
		Time("entry_after", pending.EntryAfter).
		Float64("observe_open", open).
		Float64("close_mid", mid).
		Msg("reversion scheduled")
}

// priceExit checks the SL/TP cross for a meta at the current mid.
func priceExit(sym, family string, meta *types.ExitMeta, mid float64) (types.Signal, bool) {
	if meta.Direction == types.Long {
		if meta.StopLoss > 0 && mid <= meta.StopLoss {
			return closeSignal(sym, meta, fmt.Sprintf(
				"exit %s: SL hit, mid %.2f under stop %.2f", family, mid, meta.StopLoss)), true
		}
		if meta.TakeProfit > 0 && mid >= meta.TakeProfit {
			return closeSignal(sym, meta, fmt.Sprintf(
				"exit %s: TP hit, mid %.2f over target %.2f", family, mid, meta.TakeProfit)), true
		}
		return types.Signal{}, false
	}
	if meta.StopLoss > 0 && mid >= meta.StopLoss {
		return closeSignal(sym, meta, fmt.Sprintf(
			"exit %s: SL hit, mid %.2f over stop %.2f", family, mid, meta.StopLoss)), true
	}
	if meta.TakeProfit > 0 && mid <= meta.TakeProfit {
		return closeSignal(sym, meta, fmt.Sprintf(
			"exit %s: TP hit, mid %.2f under target %.2f", family, mid, meta.TakeProfit)), true
	}
	return types.Signal{}, false
}

func closeSignal(sym string, meta *types.ExitMeta, reasoning string) types.Signal {
	return types.Signal{
		Symbol:     sym,
		Action:     types.ActionClose,
		Direction:  meta.Direction,
		Confidence: closeConfidence,
		Leverage:   3,
		Reasoning:  reasoning,
		Pattern:    meta.Pattern,
	}
}

func holdPositionSignal(sym string, meta *types.ExitMeta, reasoning string) types.Signal {
	return types.Signal{
		Symbol:    sym,
		Action:    types.ActionHoldPosition,
		Direction: meta.Direction,
		Leverage:  3,
		Reasoning: reasoning,
		Pattern:   meta.Pattern,
	}
}

package strategy

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Naofumi-1000ri/MyClawTradingBot/internal/config"
	"github.com/Naofumi-1000ri/MyClawTradingBot/pkg/types"
)

// WaveRider pattern tags. The "wr_" prefix routes a position's ExitMeta
// to the wave-rider meta file instead of the rubber one.
const (
	PatternUpLarge      = "wr_up_large"
	PatternDownLarge    = "wr_down_large"
	PatternUpMediumFade = "wr_up_medium_fade"
	PatternReversion    = "wr_reversion"
)

// reversionStopHourUTC closes a reversion short the morning after entry.
const reversionStopHourUTC = 8

// reversionGrace drops a pending reversion that was never consumed, so
// an agent restarted hours later does not fade a market that has moved
// on.
const reversionGrace = 2 * time.Hour

// entryWindowMinutes widens the session trigger to the first two cycles
// of the entry hour, tolerating one skipped tick without allowing a
// second session entry after a stop-out.
const entryWindowMinutes = 10

// IsWaveRiderPattern reports whether an ExitMeta pattern belongs to the
// wave-rider family.
func IsWaveRiderPattern(pattern string) bool {
	return strings.HasPrefix(pattern, "wr_")
}

// WaveRider trades the US-open session: at the entry hour the preceding
// 1h bar's open-to-close move picks a direction, a fixed stop and a
// hard time stop bound the position. A large up-move that later closes
// far from the observe open schedules a delayed reversion short
// (BTC only). While holding, the stop trails adaptively: break-even
// once profit clears the trigger, looser in a hot tape but never past
// the original stop, tighter in a dead one.
type WaveRider struct {
	symbol string
	params config.WaveRiderParams
	vas    config.VASParams
	log    zerolog.Logger
}

func NewWaveRider(symbol string, params config.WaveRiderParams, vas config.VASParams, log zerolog.Logger) *WaveRider {
	return &WaveRider{
		symbol: symbol,
		params: params,
		vas:    vas,
		log:    log.With().Str("strategy", "wave_rider").Str("symbol", symbol).Logger(),
	}
}

func (w *WaveRider) Symbol() string                 { return w.symbol }
func (w *WaveRider) Params() config.WaveRiderParams { return w.params }

// DecideEntry maps the observe bar's open-to-close move to a session
// entry. Large up-moves ride long, large down-moves ride short, and a
// tepid up-drift gets faded.
func (w *WaveRider) DecideEntry(openMove float64) (types.Side, string, float64, bool) {
	switch {
	case openMove >= w.params.UpLargeTh:
		return types.Long, PatternUpLarge, 0.80, true
	case openMove <= -w.params.DownLargeTh:
		return types.Short, PatternDownLarge, 0.85, true
	case openMove >= w.params.UpMediumTh:
		return types.Short, PatternUpMediumFade, 0.75, true
	}
	return "", "", 0, false
}

// ComputeSL is the session stop at the configured percent from entry.
func (w *WaveRider) ComputeSL(entry float64, side types.Side) float64 {
	if side == types.Short {
		return entry * (1 + w.params.SLPct)
	}
	return entry * (1 - w.params.SLPct)
}

// ShouldTriggerReversion reports whether the close deviated far enough
// from the observe open to schedule the delayed fade.
func (w *WaveRider) ShouldTriggerReversion(observeOpen, closePrice float64) bool {
	if !w.params.ReversionEnabled || observeOpen <= 0 {
		return false
	}
	dev := (closePrice - observeOpen) / observeOpen
	if dev < 0 {
		dev = -dev
	}
	return dev >= w.params.RevDeviationTh
}

// SessionStop is the wall-clock deadline for a session position entered
// at entry: the entry day's time-stop hour.
func (w *WaveRider) SessionStop(entry time.Time) time.Time {
	e := entry.UTC()
	return time.Date(e.Year(), e.Month(), e.Day(), w.params.TimeStopHourUTC, 0, 0, 0, time.UTC)
}

// ReversionStop is the deadline for a reversion short: the morning
// after entry.
func (w *WaveRider) ReversionStop(entry time.Time) time.Time {
	e := entry.UTC()
	return time.Date(e.Year(), e.Month(), e.Day()+1, reversionStopHourUTC, 0, 0, 0, time.UTC)
}

// ObserveOpen returns the open of the observe bar (the 1h bar starting
// one hour before the entry hour) on ref's UTC day.
func (w *WaveRider) ObserveOpen(candles1h Series, ref time.Time) (float64, bool) {
	day := ref.UTC()
	t := time.Date(day.Year(), day.Month(), day.Day(), w.params.EntryHourUTC-1, 0, 0, 0, time.UTC).UnixMilli()
	i := candles1h.IndexOfT(t)
	if i < 0 {
		return 0, false
	}
	return candles1h[i].O, true
}

// AdaptiveStop returns the updated stop for a held session position and
// a label naming the regime that produced it. The stop only ever
// protects more: break-even locks once profit clears the trigger, a
// high-volatility regime may give back trail distance but never past
// the original stop, a low-volatility regime pulls it closer.
func (w *WaveRider) AdaptiveStop(meta *types.ExitMeta, mid, atrRatio float64) (float64, string) {
	entry := meta.EntryPrice
	current := meta.StopLoss

	if meta.Direction == types.Long {
		candidate := current
		if (mid-entry)/entry >= w.params.BreakevenTriggerPct {
			candidate = max(current, entry)
		}
		switch {
		case atrRatio > w.vas.HighVolATRRatio:
			adjusted := mid - (mid-candidate)*w.vas.HighVolFactor
			return max(adjusted, entry*(1-w.params.SLPct), current), fmt.Sprintf("high_vol(x%.2f)", atrRatio)
		case atrRatio < w.vas.LowVolATRRatio:
			adjusted := mid - (mid-candidate)*w.vas.LowVolFactor
			return max(adjusted, candidate), fmt.Sprintf("low_vol(x%.2f)", atrRatio)
		}
		return candidate, fmt.Sprintf("normal_vol(x%.2f)", atrRatio)
	}

	candidate := current
	if (entry-mid)/entry >= w.params.BreakevenTriggerPct {
		candidate = min(current, entry)
	}
	switch {
	case atrRatio > w.vas.HighVolATRRatio:
		adjusted := mid + (candidate-mid)*w.vas.HighVolFactor
		return min(adjusted, entry*(1+w.params.SLPct), current), fmt.Sprintf("high_vol(x%.2f)", atrRatio)
	case atrRatio < w.vas.LowVolATRRatio:
		adjusted := mid + (candidate-mid)*w.vas.LowVolFactor
		return min(adjusted, candidate), fmt.Sprintf("low_vol(x%.2f)", atrRatio)
	}
	return candidate, fmt.Sprintf("normal_vol(x%.2f)", atrRatio)
}

// ScanEntry returns this cycle's entry signal, if any. The second
// result reports that the pending reversion was consumed (emitted or
// dropped as stale) and its file should be deleted.
//
// A due reversion takes priority and ignores the session calendar; the
// session entry itself only fires in the first cycles of the entry
// hour, on allowed days, with no position already held.
func (w *WaveRider) ScanEntry(now time.Time, snap *types.SymbolSnapshot, pending *types.PendingReversion, hasPosition bool) (*types.Signal, bool) {
	if !w.params.Enabled {
		return nil, false
	}
	utc := now.UTC()

	if pending != nil && w.params.ReversionEnabled && !hasPosition && !utc.Before(pending.EntryAfter) {
		if utc.Sub(pending.EntryAfter) > reversionGrace {
			w.log.Warn().
				Time("entry_after", pending.EntryAfter).
				Msg("pending reversion expired unconsumed")
			return nil, true
		}
		return w.reversionSignal(snap), true
	}

	if hasPosition {
		return nil, false
	}
	if w.params.ThursdayOnly {
		if utc.Weekday() != time.Thursday {
			return nil, false
		}
	} else if utc.Weekday() == time.Saturday || utc.Weekday() == time.Sunday {
		return nil, false
	}
	if utc.Hour() != w.params.EntryHourUTC || utc.Minute() >= entryWindowMinutes {
		return nil, false
	}

	bars := Series(snap.Candles1h)
	open, ok := w.ObserveOpen(bars, utc)
	if !ok || open <= 0 {
		w.log.Warn().Msg("observe bar missing from 1h series")
		return nil, false
	}
	i := bars.IndexOfT(time.Date(utc.Year(), utc.Month(), utc.Day(), w.params.EntryHourUTC-1, 0, 0, 0, time.UTC).UnixMilli())
	bar := bars[i]
	openMove := (bar.C - bar.O) / bar.O

	side, pattern, confidence, ok := w.DecideEntry(openMove)
	if !ok {
		w.log.Info().Float64("open_move_pct", openMove*100).Msg("observe move outside entry bands")
		return nil, false
	}
	if snap.MidPrice == nil || *snap.MidPrice <= 0 {
		w.log.Warn().Msg("no mid price for session entry")
		return nil, false
	}
	entry := *snap.MidPrice

	sig := &types.Signal{
		Symbol:     w.symbol,
		Action:     actionForSide(side),
		Direction:  side,
		Confidence: confidence,
		EntryPrice: roundTo(entry, 2),
		StopLoss:   roundTo(w.ComputeSL(entry, side), 2),
		Leverage:   3,
		Reasoning: fmt.Sprintf(
			"WaveRider: open_move=%+.2f%% → %s (%s), SL %.1f%%, time stop %02d:00 UTC",
			openMove*100, side, pattern, w.params.SLPct*100, w.params.TimeStopHourUTC),
		Pattern:   pattern,
		SpikeTime: bar.T,
		ExitMode:  types.ExitTimeCut,
	}
	w.log.Info().
		Float64("open_move_pct", openMove*100).
		Str("pattern", pattern).
		Float64("entry", sig.EntryPrice).
		Float64("sl", sig.StopLoss).
		Msg("session entry")
	return sig, false
}

func (w *WaveRider) reversionSignal(snap *types.SymbolSnapshot) *types.Signal {
	if snap.MidPrice == nil || *snap.MidPrice <= 0 {
		w.log.Warn().Msg("no mid price for reversion entry")
		return nil
	}
	entry := *snap.MidPrice
	sig := &types.Signal{
		Symbol:     w.symbol,
		Action:     types.ActionShort,
		Direction:  types.Short,
		Confidence: 0.85,
		EntryPrice: roundTo(entry, 2),
		TakeProfit: roundTo(entry*(1-w.params.RevTPPct), 2),
		StopLoss:   roundTo(entry*(1+w.params.RevSLPct), 2),
		Leverage:   3,
		Reasoning: fmt.Sprintf(
			"WaveRider reversion: fade after %s session, TP %.1f%% SL %.1f%%, time stop %02d:00 UTC next day",
			PatternUpLarge, w.params.RevTPPct*100, w.params.RevSLPct*100, reversionStopHourUTC),
		Pattern:  PatternReversion,
		ExitMode: types.ExitTimeCut,
	}
	w.log.Info().Float64("entry", sig.EntryPrice).Msg("reversion entry")
	return sig
}

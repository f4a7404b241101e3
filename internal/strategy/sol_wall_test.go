package strategy

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/Naofumi-1000ri/MyClawTradingBot/internal/config"
	"github.com/Naofumi-1000ri/MyClawTradingBot/pkg/types"
)

func solSnap(c Series, funding float64) *types.SymbolSnapshot {
	return &types.SymbolSnapshot{Candles5m: c, FundingRate: &funding}
}

func TestSOLWallInsufficientCandles(t *testing.T) {
	t.Parallel()

	p := config.DefaultStrategyParams()
	w := NewSOLWall(p.SOLWall, zerolog.Nop())

	sig, cache := w.Scan(snap5m(flatCandles(57, 150, 150.5, 149.5, 150, 10)), nil)
	if sig != nil || cache != nil {
		t.Errorf("short series = (%v, %v), want (nil, nil)", sig, cache)
	}
}

// Deeply negative funding means a crowded short book: the wall short is
// squeeze bait and must be skipped.
func TestSOLWallFundingGateBlocksShort(t *testing.T) {
	t.Parallel()

	p := config.DefaultStrategyParams()
	p.SOLWall.QuietShort.Enabled = false
	w := NewSOLWall(p.SOLWall, zerolog.Nop())

	// pos = (150.2-149.5)/1 = 70%: upper_range short, ratio ≈ 5.0.
	s := flatCandles(288, 150, 150.5, 149.5, 150, 10)
	s[286] = types.Candle{T: s[286].T, O: 150.3, H: 150.35, L: 150.1, C: 150.2, V: 50.71}

	sig, cache := w.Scan(solSnap(s, -6e-5), nil)
	if sig != nil {
		t.Errorf("short under funding block = %+v, want nil", sig)
	}
	if !cache.Matches(s[287].T) {
		t.Errorf("cache targets %d, want %d", cache.NextTargetT, s[287].T)
	}

	sig, _ = w.Scan(solSnap(s, -4e-5), nil)
	if sig == nil {
		t.Fatal("no signal with funding above the block")
	}
	if sig.Action != types.ActionShort || sig.Zone != "upper_range" {
		t.Errorf("signal = (%s, %s), want (short, upper_range)", sig.Action, sig.Zone)
	}
	if sig.Confidence != 0.80 {
		t.Errorf("confidence = %v, want 0.80", sig.Confidence)
	}
	if sig.Pattern != "wall_upper_range" {
		t.Errorf("pattern = %q, want wall_upper_range", sig.Pattern)
	}
	if want := 150.2 * 0.988; !almostEqual(sig.TakeProfit, want, 1e-3) {
		t.Errorf("tp = %v, want ≈%v", sig.TakeProfit, want)
	}
	if want := 150.2 * 1.006; !almostEqual(sig.StopLoss, want, 1e-3) {
		t.Errorf("sl = %v, want ≈%v", sig.StopLoss, want)
	}
	if sig.ExitMode != types.ExitTPSL || sig.ExitBars != 0 {
		t.Errorf("exit = (%s, %d), want (tp_sl, 0)", sig.ExitMode, sig.ExitBars)
	}
}

// Below the range a spike is only a reversal long when it is extreme;
// funding does not gate longs.
func TestSOLWallDeepReversalNeedsExtremeSpike(t *testing.T) {
	t.Parallel()

	p := config.DefaultStrategyParams()
	p.SOLWall.QuietShort.Enabled = false
	w := NewSOLWall(p.SOLWall, zerolog.Nop())

	build := func(spikeVol float64) Series {
		s := flatCandles(288, 150, 150.5, 149.5, 150, 10)
		// pos = (149.2-149.5)/1 = -30%: deep_reversal zone.
		s[286] = types.Candle{T: s[286].T, O: 150, H: 150.1, L: 149, C: 149.2, V: spikeVol}
		return s
	}

	// ratio ≈ 6.0 is under the zone's 7.0 minimum.
	sig, cache := w.Scan(solSnap(build(61.07), -6e-5), nil)
	if sig != nil {
		t.Errorf("6x spike in deep zone = %+v, want nil", sig)
	}
	if cache == nil {
		t.Error("cache missing")
	}

	// ratio ≈ 7.5, and the long fires despite blocked-short funding.
	sig, _ = w.Scan(solSnap(build(76.74), -6e-5), nil)
	if sig == nil {
		t.Fatal("7.5x spike produced no signal")
	}
	if sig.Action != types.ActionLong || sig.Zone != "deep_reversal" {
		t.Errorf("signal = (%s, %s), want (long, deep_reversal)", sig.Action, sig.Zone)
	}
	if want := 149.2 * 1.008; !almostEqual(sig.TakeProfit, want, 1e-3) {
		t.Errorf("tp = %v, want ≈%v", sig.TakeProfit, want)
	}
	if want := 149.2 * 0.995; !almostEqual(sig.StopLoss, want, 1e-3) {
		t.Errorf("sl = %v, want ≈%v", sig.StopLoss, want)
	}
	if sig.ExitMode != types.ExitTPSL {
		t.Errorf("exit mode = %s, want tp_sl", sig.ExitMode)
	}
}

// solQuietTop builds the pattern E tape: a rally stalling at the range
// top on drained volume with flat recent momentum. drift scales the
// final six closes; the default 0.02 keeps momentum inside the limit.
func solQuietTop(drift float64) Series {
	s := flatCandles(288, 148, 148.5, 147.5, 148, 10)
	for i := 251; i <= 280; i++ {
		c := 148 + 0.1*float64(i-250)
		s[i] = types.Candle{T: s[i].T, O: c - 0.1, H: c + 0.2, L: c - 0.2, C: c, V: 10}
	}
	prev := 151.0
	for i := 281; i <= 286; i++ {
		c := 151 + drift*float64(i-280)
		s[i] = types.Candle{T: s[i].T, O: prev, H: c + 0.02, L: prev - 0.02, C: c, V: 10}
		prev = c
	}
	for i := 282; i <= 286; i++ {
		s[i].V = 4
	}
	return s
}

func TestSOLWallPatternEQuietShort(t *testing.T) {
	t.Parallel()

	p := config.DefaultStrategyParams()
	w := NewSOLWall(p.SOLWall, zerolog.Nop())

	s := solQuietTop(0.02)
	sig, _ := w.Scan(solSnap(s, -4e-5), nil)
	if sig == nil {
		t.Fatal("no signal")
	}
	if sig.Pattern != "E_quiet_short" || sig.Zone != "quiet_top" {
		t.Errorf("pattern/zone = (%q, %q), want (E_quiet_short, quiet_top)", sig.Pattern, sig.Zone)
	}
	if sig.Action != types.ActionShort {
		t.Errorf("action = %s, want short", sig.Action)
	}
	if sig.Confidence != 0.72 {
		t.Errorf("confidence = %v, want 0.72", sig.Confidence)
	}
	if sig.Leverage != 1 {
		t.Errorf("leverage = %d, want 1 (CAPS)", sig.Leverage)
	}
	entry := s[286].C
	if want := entry * 0.996; !almostEqual(sig.TakeProfit, want, 1e-3) {
		t.Errorf("tp = %v, want ≈%v", sig.TakeProfit, want)
	}
	if want := entry * 1.006; !almostEqual(sig.StopLoss, want, 1e-3) {
		t.Errorf("sl = %v, want ≈%v", sig.StopLoss, want)
	}
	if sig.ExitMode != types.ExitTimeCut || sig.ExitBars != 8 {
		t.Errorf("exit = (%s, %d), want (time_cut, 8)", sig.ExitMode, sig.ExitBars)
	}

	// The funding gate covers the quiet short too.
	if sig, _ := w.Scan(solSnap(s, -6e-5), nil); sig != nil {
		t.Errorf("quiet short under funding block = %+v, want nil", sig)
	}
}

// A drift that is no longer flat disqualifies the stall: pattern E
// requires momentum near zero.
func TestSOLWallPatternERejectsMomentum(t *testing.T) {
	t.Parallel()

	p := config.DefaultStrategyParams()
	w := NewSOLWall(p.SOLWall, zerolog.Nop())

	// 6 bars at +0.06 ≈ +0.24% over the window, over the 0.20% cap.
	s := solQuietTop(0.06)
	if sig, _ := w.Scan(solSnap(s, -4e-5), nil); sig != nil {
		t.Errorf("signal = %+v, want nil on live momentum", sig)
	}
}

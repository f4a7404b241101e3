package strategy

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/Naofumi-1000ri/MyClawTradingBot/internal/config"
	"github.com/Naofumi-1000ri/MyClawTradingBot/pkg/types"
)

func snap5m(c Series) *types.SymbolSnapshot {
	return &types.SymbolSnapshot{Candles5m: c}
}

func TestBTCWallInsufficientCandles(t *testing.T) {
	t.Parallel()

	p := config.DefaultStrategyParams()
	w := NewBTCWall(p.BTCWall, p.VAS, zerolog.Nop())

	// H4Window 48 needs 58 bars; 57 is one short.
	sig, cache := w.Scan(snap5m(flatCandles(57, 100000, 100100, 99900, 100000, 10)), nil)
	if sig != nil || cache != nil {
		t.Errorf("short series = (%v, %v), want (nil, nil)", sig, cache)
	}
}

// A bearish 6x volume spike closing 10% below the 4H range takes the
// penetration long with a 12-bar time cut. The forming bar carries a
// huge volume to prove the scan never reads past the confirmed bar.
func TestBTCWallPenetrationLong(t *testing.T) {
	t.Parallel()

	p := config.DefaultStrategyParams()
	w := NewBTCWall(p.BTCWall, p.VAS, zerolog.Nop())

	s := flatCandles(288, 100500, 100600, 100400, 100500, 10)
	s[286] = types.Candle{T: s[286].T, O: 100500, H: 100500, L: 100350, C: 100380, V: 61.07}
	s[287] = types.Candle{T: s[287].T, O: 100380, H: 100380, L: 100380, C: 100380, V: 10000}

	sig, cache := w.Scan(snap5m(s), nil)
	if sig == nil {
		t.Fatal("no signal")
	}
	if sig.Action != types.ActionLong {
		t.Errorf("action = %s, want long", sig.Action)
	}
	if sig.Zone != "penetration" {
		t.Errorf("zone = %q, want penetration", sig.Zone)
	}
	if sig.Confidence != 0.85 {
		t.Errorf("confidence = %v, want 0.85", sig.Confidence)
	}
	if sig.EntryPrice != 100380 {
		t.Errorf("entry = %v, want 100380", sig.EntryPrice)
	}
	if want := 100380 * 1.003; !almostEqual(sig.TakeProfit, want, 0.01) {
		t.Errorf("tp = %v, want ≈%v", sig.TakeProfit, want)
	}
	if want := 100380 * 0.994; !almostEqual(sig.StopLoss, want, 0.01) {
		t.Errorf("sl = %v, want ≈%v", sig.StopLoss, want)
	}
	if sig.ExitMode != types.ExitTimeCut || sig.ExitBars != 12 {
		t.Errorf("exit = (%s, %d), want (time_cut, 12)", sig.ExitMode, sig.ExitBars)
	}
	if !almostEqual(sig.RangePosition, -10, 0.05) {
		t.Errorf("range position = %v, want -10", sig.RangePosition)
	}
	if sig.VolRegime != types.VolNormal {
		t.Errorf("vol regime = %s, want normal", sig.VolRegime)
	}
	if sig.SpikeTime != s[286].T {
		t.Errorf("spike time = %d, want %d", sig.SpikeTime, s[286].T)
	}
	if sig.Pattern != "" {
		t.Errorf("pattern = %q, want empty for zone signals", sig.Pattern)
	}

	if !cache.Matches(s[287].T) {
		t.Fatalf("cache targets %d, want %d", cache.NextTargetT, s[287].T)
	}
	// 5 * (2860 + 61.07) / (288 - 5)
	if !almostEqual(cache.ThresholdVol, 51.609, 0.001) {
		t.Errorf("cache threshold = %v, want 51.609", cache.ThresholdVol)
	}
}

// A cache hit under the precomputed minimum rejects the bar without
// recomputing the ratio, even when the true ratio would spike.
func TestBTCWallCacheFastPathQuiet(t *testing.T) {
	t.Parallel()

	p := config.DefaultStrategyParams()
	p.BTCWall.QuietLong.Enabled = false
	w := NewBTCWall(p.BTCWall, p.VAS, zerolog.Nop())

	s := flatCandles(288, 100, 100.05, 99.95, 100, 0.001)
	s[286] = types.Candle{T: s[286].T, O: 100, H: 100.1, L: 99.7, C: 99.8, V: 50}

	// Sanity: without the cache this volume is a monster spike.
	if r := s.VolRatioAt(286, 288); r < 5.0 {
		t.Fatalf("setup broken: slow-path ratio %v would not spike", r)
	}

	cache := &types.ThresholdCache{NextTargetT: s[286].T, ThresholdVol: 100}
	sig, next := w.Scan(snap5m(s), cache)
	if sig != nil {
		t.Errorf("signal = %+v, want nil via fast path", sig)
	}
	if !next.Matches(s[287].T) {
		t.Errorf("next cache targets %d, want %d", next.NextTargetT, s[287].T)
	}
}

// The cache is built on the base threshold; after a cache hit the
// regime-adjusted threshold still applies. In a hot tape a 5.5x spike
// fails the 6.0x adjusted bar while a 6.5x one passes.
func TestBTCWallVASRecheckAfterCacheHit(t *testing.T) {
	t.Parallel()

	p := config.DefaultStrategyParams()
	p.BTCWall.QuietLong.Enabled = false
	w := NewBTCWall(p.BTCWall, p.VAS, zerolog.Nop())

	build := func(spikeVol float64) Series {
		s := flatCandles(288, 100500, 100600, 100400, 100500, 10)
		for i := 263; i <= 285; i++ {
			s[i].H, s[i].L = 100900, 100100
		}
		s[286] = types.Candle{T: s[286].T, O: 100500, H: 100900, L: 100000, C: 100020, V: spikeVol}
		return s
	}

	// ratio ≈ 5.5: over base 5.0 but under the 1.2x-adjusted 6.0.
	s := build(55.88)
	cache := &types.ThresholdCache{NextTargetT: s[286].T, ThresholdVol: 50}
	sig, next := w.Scan(snap5m(s), cache)
	if sig != nil {
		t.Errorf("5.5x spike in hot tape = %+v, want nil", sig)
	}
	if next == nil {
		t.Error("next cache missing")
	}

	// ratio ≈ 6.5 clears the adjusted threshold and lands in the
	// penetration zone.
	s = build(66.27)
	sig, _ = w.Scan(snap5m(s), nil)
	if sig == nil {
		t.Fatal("6.5x spike produced no signal")
	}
	if sig.Action != types.ActionLong || sig.Zone != "penetration" {
		t.Errorf("signal = (%s, %s), want (long, penetration)", sig.Action, sig.Zone)
	}
	if sig.VolRegime != types.VolHigh {
		t.Errorf("vol regime = %s, want high_vol", sig.VolRegime)
	}
}

// No spike, EMA golden cross, price near the range top, volume drained:
// the quiet long.
func TestBTCWallPatternDQuietLong(t *testing.T) {
	t.Parallel()

	p := config.DefaultStrategyParams()
	w := NewBTCWall(p.BTCWall, p.VAS, zerolog.Nop())

	s := flatCandles(288, 100000, 100050, 99950, 100000, 10)
	for i := 231; i <= 286; i++ {
		c := 100000 + 20*float64(i-230)
		s[i] = types.Candle{T: s[i].T, O: c - 20, H: c + 50, L: c - 50, C: c, V: 10}
	}
	for i := 282; i <= 286; i++ {
		s[i].V = 4
	}

	sig, cache := w.Scan(snap5m(s), nil)
	if sig == nil {
		t.Fatal("no signal")
	}
	if sig.Pattern != "D_quiet_long" || sig.Zone != "quiet_high" {
		t.Errorf("pattern/zone = (%q, %q), want (D_quiet_long, quiet_high)", sig.Pattern, sig.Zone)
	}
	if sig.Action != types.ActionLong {
		t.Errorf("action = %s, want long", sig.Action)
	}
	if sig.Confidence != 0.72 {
		t.Errorf("confidence = %v, want 0.72", sig.Confidence)
	}
	if sig.Leverage != 1 {
		t.Errorf("leverage = %d, want 1 (CAPS)", sig.Leverage)
	}
	entry := s[286].C
	if want := entry * 1.003; !almostEqual(sig.TakeProfit, want, 0.01) {
		t.Errorf("tp = %v, want ≈%v", sig.TakeProfit, want)
	}
	if want := entry * 0.995; !almostEqual(sig.StopLoss, want, 0.01) {
		t.Errorf("sl = %v, want ≈%v", sig.StopLoss, want)
	}
	if sig.ExitMode != types.ExitTimeCut || sig.ExitBars != 8 {
		t.Errorf("exit = (%s, %d), want (time_cut, 8)", sig.ExitMode, sig.ExitBars)
	}
	if cache == nil {
		t.Error("cache missing")
	}
}

// The bottom zone only fires on an extreme spike.
func TestBTCWallBottomZoneMinimum(t *testing.T) {
	t.Parallel()

	p := config.DefaultStrategyParams()
	w := NewBTCWall(p.BTCWall, p.VAS, zerolog.Nop())

	build := func(spikeVol float64) Series {
		s := flatCandles(288, 100500, 100600, 100400, 100500, 10)
		s[286] = types.Candle{T: s[286].T, O: 100500, H: 100500, L: 100400, C: 100420, V: spikeVol}
		return s
	}

	// ratio ≈ 6.0: a spike, but under the bottom zone's 7.0 minimum.
	sig, cache := w.Scan(snap5m(build(61.07)), nil)
	if sig != nil {
		t.Errorf("6x spike in bottom zone = %+v, want nil", sig)
	}
	if cache == nil {
		t.Error("cache missing")
	}

	// ratio ≈ 7.5 clears it: short into the failing bounce.
	sig, _ = w.Scan(snap5m(build(76.74)), nil)
	if sig == nil {
		t.Fatal("7.5x spike produced no signal")
	}
	if sig.Action != types.ActionShort || sig.Zone != "bottom" {
		t.Errorf("signal = (%s, %s), want (short, bottom)", sig.Action, sig.Zone)
	}
	if sig.ExitMode != types.ExitTimeCut || sig.ExitBars != 8 {
		t.Errorf("exit = (%s, %d), want (time_cut, 8)", sig.ExitMode, sig.ExitBars)
	}
}

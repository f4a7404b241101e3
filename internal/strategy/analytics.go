package strategy

import (
	"math"
	"time"

	"github.com/Naofumi-1000ri/MyClawTradingBot/internal/config"
	"github.com/Naofumi-1000ri/MyClawTradingBot/pkg/types"
)

// Series wraps a candle slice with the indicator math shared by every
// scan. All methods take an index and look backwards; none of them read
// past idx, so passing idx = len−2 keeps the forming bar out of every
// calculation.
type Series []types.Candle

// VolRatioAt returns the bar's volume over the mean volume of the
// trailing window ending at idx (the bar itself included). 0 when the
// index is out of range or the average is not positive.
func (s Series) VolRatioAt(idx, window int) float64 {
	if idx < 0 || idx >= len(s) {
		return 0
	}
	start := idx - window + 1
	if start < 0 {
		start = 0
	}
	var sum float64
	for i := start; i <= idx; i++ {
		sum += s[i].V
	}
	avg := sum / float64(idx-start+1)
	if avg <= 0 {
		return 0
	}
	return s[idx].V / avg
}

// H4Range returns the low/high extremes over the window ending at idx.
func (s Series) H4Range(idx, window int) (lo, hi float64) {
	start := idx - window + 1
	if start < 0 {
		start = 0
	}
	lo, hi = s[start].L, s[start].H
	for i := start + 1; i <= idx; i++ {
		if s[i].L < lo {
			lo = s[i].L
		}
		if s[i].H > hi {
			hi = s[i].H
		}
	}
	return lo, hi
}

// RangePosition places a close inside [lo, hi] as a percentage. Values
// outside the range go negative or above 100; a degenerate range is
// reported as the midpoint.
func RangePosition(close, lo, hi float64) float64 {
	span := hi - lo
	if span <= 0 {
		return 50.0
	}
	return (close - lo) / span * 100
}

// ATRRatio is the mean bar range over the short window divided by the
// mean over the long window, both ending at idx. ok is false when the
// series cannot fill the short window or either mean is not positive.
func (s Series) ATRRatio(idx, shortWindow, longWindow int) (float64, bool) {
	if idx < shortWindow || len(s) <= shortWindow {
		return 0, false
	}
	rangeMean := func(window int) float64 {
		start := idx - window + 1
		if start < 0 {
			start = 0
		}
		var sum float64
		for i := start; i <= idx; i++ {
			sum += s[i].H - s[i].L
		}
		return sum / float64(idx-start+1)
	}
	long := rangeMean(longWindow)
	short := rangeMean(shortWindow)
	if long <= 0 || short <= 0 {
		return 0, false
	}
	return short / long, true
}

// ATRVolatilityMultiplier maps the ATR ratio at idx to a spike threshold
// multiplier and regime label. Unknown ratio means normal: the scan must
// never get more sensitive just because data ran short.
func (s Series) ATRVolatilityMultiplier(idx int, vas config.VASParams) (float64, types.VolRegime) {
	ratio, ok := s.ATRRatio(idx, vas.ATRShortWindow, vas.ATRLongWindow)
	if !ok {
		return 1.0, types.VolNormal
	}
	switch {
	case ratio > vas.HighVolATRRatio:
		return vas.HighVolFactor, types.VolHigh
	case ratio < vas.LowVolATRRatio:
		return vas.LowVolFactor, types.VolLow
	}
	return 1.0, types.VolNormal
}

// RSIAt computes a simple-average RSI over period deltas ending at idx.
// ok is false when there are fewer than period+1 closes available.
// All-gain windows return 100.
func (s Series) RSIAt(idx, period int) (float64, bool) {
	needed := period + 1
	start := idx - needed*2 + 1
	if start < 0 {
		start = 0
	}
	if idx+1-start < needed {
		return 0, false
	}
	var gains, losses []float64
	for i := start + 1; i <= idx; i++ {
		d := s[i].C - s[i-1].C
		if d > 0 {
			gains = append(gains, d)
			losses = append(losses, 0)
		} else {
			gains = append(gains, 0)
			losses = append(losses, -d)
		}
	}
	sumLast := func(v []float64) float64 {
		var sum float64
		for _, x := range v[len(v)-period:] {
			sum += x
		}
		return sum
	}
	avgGain := sumLast(gains) / float64(period)
	avgLoss := sumLast(losses) / float64(period)
	if avgLoss == 0 {
		return 100, true
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs), true
}

// PriceMomentum is the percent close-to-close move over the last window
// bars ending at idx. 0 when the base bar is missing or not positive.
func (s Series) PriceMomentum(idx, window int) float64 {
	start := idx - window
	if start < 0 {
		start = 0
	}
	if start >= idx {
		return 0
	}
	base := s[start].C
	if base <= 0 {
		return 0
	}
	return (s[idx].C - base) / base * 100
}

// BodyRatio is the mean |close−open| / (high−low) over the window ending
// at idx. Zero-range bars count as 0 toward the mean. An empty window
// returns the neutral 0.5.
func (s Series) BodyRatio(idx, window int) float64 {
	if idx < 0 || idx >= len(s) {
		return 0.5
	}
	start := idx - window + 1
	if start < 0 {
		start = 0
	}
	var sum float64
	n := 0
	for i := start; i <= idx; i++ {
		if rng := s[i].H - s[i].L; rng > 0 {
			sum += math.Abs(s[i].C-s[i].O) / rng
		}
		n++
	}
	if n == 0 {
		return 0.5
	}
	return sum / float64(n)
}

// BBSqueeze reports whether the Bollinger band width over the current
// window has compressed to at most squeezeRatio of the width over the
// full doubled span ending at idx.
func (s Series) BBSqueeze(idx, window int, mult, squeezeRatio float64) bool {
	if idx < window*2 {
		return false
	}
	width := func(from, to int) float64 {
		n := float64(to - from + 1)
		var mean float64
		for i := from; i <= to; i++ {
			mean += s[i].C
		}
		mean /= n
		if mean <= 0 {
			return 0
		}
		var variance float64
		for i := from; i <= to; i++ {
			d := s[i].C - mean
			variance += d * d
		}
		std := math.Sqrt(variance / n)
		return (2 * mult * std) / mean
	}
	past := width(idx-window*2+1, idx)
	if past <= 0 {
		return false
	}
	return width(idx-window+1, idx)/past <= squeezeRatio
}

// GoldenCross evaluates EMA9 vs EMA21 over the closes in the trailing
// 31-bar window ending at idx. ok is false when fewer than 22 closes are
// available; both EMAs are returned so callers can log them.
func (s Series) GoldenCross(idx int) (ema9, ema21 float64, ok bool) {
	if idx < 21 || idx >= len(s) {
		return 0, 0, false
	}
	start := idx - 30
	if start < 0 {
		start = 0
	}
	closes := make([]float64, 0, idx-start+1)
	for i := start; i <= idx; i++ {
		closes = append(closes, s[i].C)
	}
	if len(closes) < 22 {
		return 0, 0, false
	}
	return EMA(closes, 9), EMA(closes, 21), true
}

// QuietVolRatio is the mean volume over the last short bars divided by
// the mean over the last long bars, both ending at idx. ok is false when
// the long average is not positive.
func (s Series) QuietVolRatio(idx, short, long int) (float64, bool) {
	mean := func(window int) float64 {
		start := idx - window + 1
		if start < 0 {
			start = 0
		}
		if idx < start {
			return 0
		}
		var sum float64
		for i := start; i <= idx; i++ {
			sum += s[i].V
		}
		return sum / float64(idx-start+1)
	}
	longAvg := mean(long)
	if longAvg <= 0 {
		return 0, false
	}
	return mean(short) / longAvg, true
}

// IndexOfT returns the index of the bar opening at epoch ms t, or −1.
func (s Series) IndexOfT(t int64) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i].T == t {
			return i
		}
	}
	return -1
}

// EMA is an exponential moving average seeded with the first value,
// k = 2/(period+1). Returns 0 on an empty input.
func EMA(values []float64, period int) float64 {
	if len(values) == 0 {
		return 0
	}
	k := 2.0 / (float64(period) + 1)
	e := values[0]
	for _, v := range values[1:] {
		e = v*k + e*(1-k)
	}
	return e
}

// ConfidenceToLeverage maps signal confidence to leverage: full base at
// 0.80+, one notch down at 0.74+, two below that, floored at 1x.
func ConfidenceToLeverage(confidence float64, base int) int {
	switch {
	case confidence >= 0.80:
		return base
	case confidence >= 0.74:
		return max(1, base-1)
	}
	return max(1, base-2)
}

// fiveMinuteMs is the cache fallback step when the next bar's open time
// is not yet known.
const fiveMinuteMs = 5 * 60 * 1000

// BuildNextCache precomputes the minimum volume the *next* confirmed bar
// needs for its vol ratio to reach threshold over the trailing window,
// so the next cycle can reject quiet bars without recomputing the mean.
//
// With S the sum of the known window volumes and N the window size
// including the unknown bar, ratio ≥ T solves to V ≥ T·S/(N−T). A
// window no larger than T can never spike; the cache then carries an
// unreachable volume (JSON cannot encode +Inf).
func (s Series) BuildNextCache(idx, volWindow int, volThreshold float64) *types.ThresholdCache {
	next := idx + 1
	start := next - volWindow + 1
	if start < 0 {
		start = 0
	}
	end := idx + 1
	if end > len(s) {
		end = len(s)
	}
	var sumKnown float64
	for i := start; i < end; i++ {
		sumKnown += s[i].V
	}
	nTotal := float64(end-start) + 1

	threshold := math.MaxFloat64
	if d := nTotal - volThreshold; d > 0 {
		threshold = roundTo(volThreshold*sumKnown/d, 4)
	}

	nextT := s[idx].T + fiveMinuteMs
	if next < len(s) {
		nextT = s[next].T
	}
	return &types.ThresholdCache{
		NextTargetT:  nextT,
		ThresholdVol: threshold,
		ComputedAt:   time.Now().UnixMilli(),
	}
}

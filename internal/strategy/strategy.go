// Package strategy implements the rule-based signal generators: three
// per-symbol "rubber" scans that fade a confirmed 5-minute volume spike
// against its 4-hour range, the WaveRider session strategy around the
// US-open 1h bar, and the exit scan that manages standing positions.
//
// The core idea of the rubber family: an abnormal volume bar stretched
// to an edge of the trailing 4-hour range behaves like a rubber wall —
// price tends to snap back. Each scan works on the last *confirmed* bar
// (index N−2; the final bar is still forming), classifies the close's
// position inside the H4 range, and maps the zone to a direction with
// fixed TP/SL percentages and an optional bar-count time cut.
//
// Per-cycle flow:
//  1. Exit scan first: positions with ExitMeta emit close or
//     hold_position before any new entries are considered.
//  2. Each enabled spike scan runs against the fresh snapshot with its
//     one-cycle-ahead ThresholdCache and returns (signal?, next cache).
//  3. WaveRider checks its session window and any pending reversion.
//
// Scans are pure with respect to market data: all persistence (caches,
// exit metas, pending reversions) goes through the state manager at the
// engine and exit-scan boundaries.
package strategy

import (
	"math"

	"github.com/Naofumi-1000ri/MyClawTradingBot/internal/config"
	"github.com/Naofumi-1000ri/MyClawTradingBot/pkg/types"
)

// SpikeScanner is one volume-spike strategy bound to a symbol. Scan
// inspects the latest snapshot and the previous cycle's threshold cache
// and returns an entry signal (or nil) plus the cache for the next
// cycle. A nil cache means the series was too short to precompute one.
type SpikeScanner interface {
	Symbol() string
	// CacheKey names the strategy's ThresholdCache file
	// (state/<key>_cache.json).
	CacheKey() string
	Scan(snap *types.SymbolSnapshot, cache *types.ThresholdCache) (*types.Signal, *types.ThresholdCache)
}

// matchZone returns the first zone whose [Lo, Hi) band contains pos.
// Zone order in the config is significant.
func matchZone(zones []config.ZoneParams, pos float64) *config.ZoneParams {
	for i := range zones {
		if zones[i].Lo <= pos && pos < zones[i].Hi {
			return &zones[i]
		}
	}
	return nil
}

func actionForSide(side types.Side) types.Action {
	if side == types.Short {
		return types.ActionShort
	}
	return types.ActionLong
}

func roundTo(x float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(x*p) / p
}

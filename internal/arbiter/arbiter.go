// Package arbiter merges the cycle's strategy output into the single
// signal batch the executor consumes. Exit decisions outrank entries,
// live positions without an exit plan are rescued to hold_position, and
// a close arriving before the minimum hold window is converted back to
// a hold unless its confidence clears the override threshold.
package arbiter

import (
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/Naofumi-1000ri/MyClawTradingBot/internal/config"
	"github.com/Naofumi-1000ri/MyClawTradingBot/internal/state"
	"github.com/Naofumi-1000ri/MyClawTradingBot/internal/store"
	"github.com/Naofumi-1000ri/MyClawTradingBot/internal/strategy"
	"github.com/Naofumi-1000ri/MyClawTradingBot/pkg/types"
)

const (
	batchFile     = "signals.json"
	signalLogFile = "rubber_signal_log.json"

	// signalLogCap bounds the rolling signal log; it feeds the
	// performance tracker, not an audit trail.
	signalLogCap = 200
)

// Arbiter resolves one signal per symbol and assembles the batch
// narrative. It holds the signals store for the published batch and the
// state manager for exit-meta lookups and the rolling signal log.
type Arbiter struct {
	cfg     *config.Config
	state   *state.Manager
	signals *store.Store
	log     zerolog.Logger
}

func New(cfg *config.Config, st *state.Manager, signals *store.Store, log zerolog.Logger) *Arbiter {
	return &Arbiter{
		cfg:     cfg,
		state:   st,
		signals: signals,
		log:     log.With().Str("component", "arbiter").Logger(),
	}
}

// resolution collects the per-symbol candidates by precedence slot.
// authoritative holds a close or hold_position; those always win.
type resolution struct {
	authoritative *types.Signal
	entry         *types.Signal
	hold          *types.Signal
}

// Merge applies the arbitration rules to the cycle's candidates:
//
//  1. A close or hold_position is authoritative for its symbol and
//     suppresses any same-cycle entry for that symbol.
//  2. A live position with no authoritative signal is rescued to
//     hold_position so the symbol can never double-enter.
//  3. An empty cycle yields one hold per configured symbol with
//     "no volume spike" reasoning.
//  4. action_type is trade iff any output is long, short, or close.
//  5. Entries missing leverage get it from confidence.
//
// A close younger than the minimum hold window is converted to a hold
// unless its confidence reaches the close override threshold.
func (a *Arbiter) Merge(now time.Time, candidates []types.Signal, positions []types.Position, market *types.MarketData) types.SignalBatch {
	resolved := a.resolve(candidates)
	posBySym := make(map[string]*types.Position, len(positions))
	for i := range positions {
		posBySym[positions[i].Symbol] = &positions[i]
	}

	var signals []types.Signal
	for _, symbol := range a.symbolOrder(resolved, posBySym) {
		res := resolved[symbol]
		pick := a.pick(symbol, res)

		if pos, live := posBySym[symbol]; live {
			pick = a.rescue(symbol, pick, pos)
			if pick != nil && pick.Action.IsClose() {
				pick = a.applyMinHold(now, pick, pos)
			}
		}
		if pick == nil {
			continue
		}
		if pick.Action.IsEntry() && pick.Leverage == 0 {
			pick.Leverage = strategy.ConfidenceToLeverage(pick.Confidence, a.cfg.Trading.DefaultLeverage)
		}
		signals = append(signals, *pick)
	}

	if len(signals) == 0 {
		signals = a.syntheticHolds()
	}

	batch := types.SignalBatch{
		ActionType:  types.BatchHold,
		Signals:     signals,
		GeneratedAt: now,
	}
	if batch.HasTrade() {
		batch.ActionType = types.BatchTrade
	}
	a.compose(&batch, now, positions, market)
	return batch
}

// resolve buckets candidates per symbol. Within a symbol a close beats
// a hold_position, the first entry wins, and extra candidates are
// logged and dropped.
func (a *Arbiter) resolve(candidates []types.Signal) map[string]*resolution {
	resolved := make(map[string]*resolution)
	for i := range candidates {
		sig := &candidates[i]
		res := resolved[sig.Symbol]
		if res == nil {
			res = &resolution{}
			resolved[sig.Symbol] = res
		}
		switch {
		case sig.Action.IsClose():
			if res.authoritative == nil || !res.authoritative.Action.IsClose() {
				res.authoritative = sig
			}
		case sig.Action == types.ActionHoldPosition:
			if res.authoritative == nil {
				res.authoritative = sig
			}
		case sig.Action.IsEntry():
			if res.entry == nil {
				res.entry = sig
			} else {
				a.log.Debug().Str("symbol", sig.Symbol).Str("pattern", sig.Pattern).
					Msg("duplicate entry candidate dropped")
			}
		default:
			if res.hold == nil {
				res.hold = sig
			}
		}
	}
	return resolved
}

// pick returns the winning signal for a symbol, logging any entry an
// authoritative signal suppressed.
func (a *Arbiter) pick(symbol string, res *resolution) *types.Signal {
	if res == nil {
		return nil
	}
	if res.authoritative != nil {
		if res.entry != nil {
			a.log.Info().Str("symbol", symbol).
				Str("suppressed", string(res.entry.Action)).
				Str("by", string(res.authoritative.Action)).
				Msg("entry suppressed by exit-side signal")
		}
		sig := *res.authoritative
		return &sig
	}
	if res.entry != nil {
		sig := *res.entry
		return &sig
	}
	if res.hold != nil {
		sig := *res.hold
		return &sig
	}
	return nil
}

// rescue guarantees a live position always leaves the arbiter under
// management. When the pick is already a close or hold_position it
// stands; anything else (including an entry that would stack onto the
// position) is replaced with a hold_position.
func (a *Arbiter) rescue(symbol string, pick *types.Signal, pos *types.Position) *types.Signal {
	if pick != nil && (pick.Action.IsClose() || pick.Action == types.ActionHoldPosition) {
		return pick
	}
	reason := fmt.Sprintf("%s %s position open with no exit signal this cycle; holding", pos.Side, symbol)
	if !a.state.HasExitMeta(symbol) {
		reason = fmt.Sprintf("%s %s position open but no exit plan on file; holding", pos.Side, symbol)
		a.log.Warn().Str("symbol", symbol).Str("side", string(pos.Side)).
			Msg("live position without exit meta; rescued to hold_position")
	} else {
		a.log.Warn().Str("symbol", symbol).
			Msg("live position produced no exit-side signal; rescued to hold_position")
	}
	if pick != nil && pick.Action.IsEntry() {
		a.log.Warn().Str("symbol", symbol).Str("pattern", pick.Pattern).
			Msg("entry dropped for symbol with live position")
	}
	return &types.Signal{
		Symbol:     symbol,
		Action:     types.ActionHoldPosition,
		Direction:  pos.Side,
		Confidence: 0.5,
		Reasoning:  reason,
	}
}

// applyMinHold converts a close on a too-young position back to a hold.
// High-confidence closes (stop-loss and hard exits) pass through. A
// position whose open time cannot be established is closable; refusing
// to exit an undatable position is worse than exiting it early.
func (a *Arbiter) applyMinHold(now time.Time, sig *types.Signal, pos *types.Position) *types.Signal {
	if sig.Confidence >= a.cfg.Trading.CloseOverrideConfidence {
		return sig
	}
	openedAt := pos.OpenedAt
	if openedAt == nil {
		openedAt = a.state.OpenedAtFromHistory(pos.Symbol)
	}
	if openedAt == nil {
		return sig
	}
	minHold := time.Duration(a.cfg.Trading.MinHoldMinutes) * time.Minute
	age := now.Sub(*openedAt)
	if age >= minHold {
		return sig
	}
	a.log.Info().Str("symbol", sig.Symbol).
		Dur("age", age).Dur("min_hold", minHold).
		Float64("confidence", sig.Confidence).
		Msg("close converted to hold inside min hold window")
	held := *sig
	held.Action = types.ActionHold
	held.Reasoning = fmt.Sprintf("min hold: position age %s < %s, close deferred (%s)",
		age.Round(time.Second), minHold, sig.Reasoning)
	return &held
}

// symbolOrder yields configured symbols first, then any extra symbols
// (unconfigured positions, for one) sorted, so batches are stable.
func (a *Arbiter) symbolOrder(resolved map[string]*resolution, posBySym map[string]*types.Position) []string {
	seen := make(map[string]bool, len(resolved)+len(posBySym))
	var order []string
	for _, symbol := range a.cfg.Trading.Symbols {
		if seen[symbol] {
			continue
		}
		if _, ok := resolved[symbol]; !ok {
			if _, live := posBySym[symbol]; !live {
				continue
			}
		}
		seen[symbol] = true
		order = append(order, symbol)
	}
	var extra []string
	for symbol := range resolved {
		if !seen[symbol] {
			seen[symbol] = true
			extra = append(extra, symbol)
		}
	}
	for symbol := range posBySym {
		if !seen[symbol] {
			seen[symbol] = true
			extra = append(extra, symbol)
		}
	}
	sort.Strings(extra)
	return append(order, extra...)
}

// syntheticHolds fills an empty cycle with one hold per configured
// symbol so downstream consumers always see a full batch.
func (a *Arbiter) syntheticHolds() []types.Signal {
	signals := make([]types.Signal, 0, len(a.cfg.Trading.Symbols))
	for _, symbol := range a.cfg.Trading.Symbols {
		signals = append(signals, types.Signal{
			Symbol:     symbol,
			Action:     types.ActionHold,
			Confidence: 0.5,
			Reasoning:  "no volume spike above entry threshold",
		})
	}
	return signals
}

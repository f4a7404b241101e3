// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the agent — candles, positions,
// exit plans, trading signals, and the JSON schemas of every state file under
// state/ and signals/. It has no dependencies on internal packages, so it can
// be imported by any layer.
package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of a position: long or short.
type Side string

const (
	Long  Side = "long"
	Short Side = "short"
)

// Opposite returns the reverse direction.
func (s Side) Opposite() Side {
	if s == Long {
		return Short
	}
	return Long
}

// Action is what a signal asks the executor to do. It is a closed set:
// entries (long/short), an exit (close), and two flavors of doing nothing —
// hold (no position, no opinion) and hold_position (a position is open and
// must not be touched this cycle).
type Action string

const (
	ActionLong  Action = "long"
	ActionShort Action = "short"
	ActionClose Action = "close"
	ActionHold  Action = "hold"
	// ActionHoldPosition pins an open position: the arbiter emits it while an
	// exit plan is waiting, and the executor must never place or close on it.
	ActionHoldPosition Action = "hold_position"
)

// IsEntry reports whether the action opens a new position.
func (a Action) IsEntry() bool { return a == ActionLong || a == ActionShort }

// IsClose reports whether the action closes an existing position.
func (a Action) IsClose() bool { return a == ActionClose }

// IsHold reports whether the action results in no order of any kind.
func (a Action) IsHold() bool { return a == ActionHold || a == ActionHoldPosition }

// Side maps an entry action to its position side. Only valid for entries.
func (a Action) Side() Side {
	if a == ActionShort {
		return Short
	}
	return Long
}

// ExitMode selects how a position exits: price targets or a bar-count cut.
type ExitMode string

const (
	// ExitTPSL exits when the mid price crosses the take-profit or stop-loss.
	ExitTPSL ExitMode = "tp_sl"
	// ExitTimeCut exits via TP/SL too, but force-closes after ExitBars
	// confirmed bars regardless of price.
	ExitTimeCut ExitMode = "time_cut"
)

// VolRegime labels the short/long ATR ratio band used by the volatility
// adjustment system. Non-normal regimes scale the spike threshold.
type VolRegime string

const (
	VolNormal VolRegime = "normal"
	VolHigh   VolRegime = "high_vol"
	VolLow    VolRegime = "low_vol"
)

// ExecutionMode is the data-health gate's verdict for the current cycle.
type ExecutionMode string

const (
	// ModeAll permits entries and exits.
	ModeAll ExecutionMode = "all"
	// ModeCloseOnly blocks new entries; exits still run (degraded data).
	ModeCloseOnly ExecutionMode = "close_only"
)

// BatchType is the top-level disposition of a signal batch.
type BatchType string

const (
	BatchTrade BatchType = "trade"
	BatchHold  BatchType = "hold"
)

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// Candle is one OHLCV bar. T is the bar open time in epoch milliseconds.
// The venue streams the current bar as it forms, so the last element of any
// candle slice is partial; strategies only ever read index len-2 (the most
// recent confirmed bar).
type Candle struct {
	T int64   `json:"t"`
	O float64 `json:"o"`
	H float64 `json:"h"`
	L float64 `json:"l"`
	C float64 `json:"c"`
	V float64 `json:"v"`
}

// BookLevel is a single bid or ask level. Px and Sz stay strings because the
// venue returns all numerics as strings to preserve decimal precision; the
// consumer parses at the point of use.
type BookLevel struct {
	Px string `json:"px"`
	Sz string `json:"sz"`
}

// OrderBook is a truncated L2 snapshot (top N levels per side).
type OrderBook struct {
	Bids []BookLevel `json:"bids"`
	Asks []BookLevel `json:"asks"`
}

// SymbolSnapshot is everything the collector gathered for one symbol in one
// cycle. Pointer fields distinguish "fetched zero" from "fetch failed":
// a nil MidPrice means no live price this cycle and no previous value to
// fall back to.
type SymbolSnapshot struct {
	MidPrice    *float64  `json:"mid_price"`
	Candles5m   []Candle  `json:"candles_5m"`
	Candles15m  []Candle  `json:"candles_15m"`
	Candles1h   []Candle  `json:"candles_1h"`
	Candles4h   []Candle  `json:"candles_4h"`
	OrderBook   OrderBook `json:"orderbook"`
	FundingRate *float64  `json:"funding_rate"`
}

// Candles returns the candle slice for a collector interval key.
func (s *SymbolSnapshot) Candles(interval string) []Candle {
	switch interval {
	case "5m":
		return s.Candles5m
	case "15m":
		return s.Candles15m
	case "1h":
		return s.Candles1h
	case "4h":
		return s.Candles4h
	}
	return nil
}

// SetCandles stores the candle slice for a collector interval key.
func (s *SymbolSnapshot) SetCandles(interval string, bars []Candle) {
	switch interval {
	case "5m":
		s.Candles5m = bars
	case "15m":
		s.Candles15m = bars
	case "1h":
		s.Candles1h = bars
	case "4h":
		s.Candles4h = bars
	}
}

// MarketData is the full cycle snapshot written to data/market_data.json.
type MarketData struct {
	Timestamp     time.Time                  `json:"timestamp"`
	Symbols       map[string]*SymbolSnapshot `json:"symbols"`
	AccountEquity float64                    `json:"account_equity"`
}

// FallbackEvent records one field the collector could not refresh and filled
// from the previous snapshot instead. Stale mids or 5m candles can silently
// poison every downstream decision, so those count as critical.
type FallbackEvent struct {
	Symbol string `json:"symbol"`
	Field  string `json:"field"`
}

// Critical reports whether the stale field is one the strategy layer
// depends on directly.
func (f FallbackEvent) Critical() bool {
	return f.Field == "mid_price" || f.Field == "candles_5m"
}

func (f FallbackEvent) String() string { return f.Symbol + ":" + f.Field }

// ————————————————————————————————————————————————————————————————————————
// Positions
// ————————————————————————————————————————————————————————————————————————

// Leverage is an integer multiplier that the venue reports either as a bare
// number or as an object {"type": "cross", "value": 3}. Both shapes decode
// to the plain integer.
type Leverage int

// UnmarshalJSON accepts a scalar or the {type, value} object form.
func (l *Leverage) UnmarshalJSON(data []byte) error {
	var scalar float64
	if err := json.Unmarshal(data, &scalar); err == nil {
		*l = Leverage(scalar)
		return nil
	}
	var obj struct {
		Value float64 `json:"value"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("leverage: not a number or object: %w", err)
	}
	*l = Leverage(obj.Value)
	return nil
}

// Position is one open perp position as normalized from the venue.
// The exchange is authoritative: state/positions.json is a cache refreshed
// by sync, and Size is always positive with the sign folded into Side.
type Position struct {
	Symbol        string     `json:"symbol"`
	Side          Side       `json:"side"`
	Size          float64    `json:"size"`
	EntryPrice    float64    `json:"entry_price"`
	Leverage      Leverage   `json:"leverage"`
	OpenedAt      *time.Time `json:"opened_at"` // nil when the venue can't say
	UnrealizedPnL float64    `json:"unrealized_pnl"`
	MidPrice      float64    `json:"mid_price"`
}

// Notional returns the position's current notional value in USD.
func (p *Position) Notional() float64 {
	px := p.MidPrice
	if px <= 0 {
		px = p.EntryPrice
	}
	return p.Size * px
}

// ————————————————————————————————————————————————————————————————————————
// Exit plans
// ————————————————————————————————————————————————————————————————————————

// ExitMeta is the standing exit plan for one open position, persisted as one
// file per symbol per strategy family. The strategy defines the plan, the
// executor writes it on fill and deletes it on close, and the exit scan
// increments BarCount every cycle for time-cut plans.
//
// Invariant: an open position either has an ExitMeta on disk or the arbiter
// emits hold_position with a warning — a position is never silently
// unmanaged.
type ExitMeta struct {
	Pattern    string    `json:"pattern"`
	Direction  Side      `json:"direction"`
	EntryPrice float64   `json:"entry_price"`
	StopLoss   float64   `json:"stop_loss"`
	TakeProfit float64   `json:"take_profit"`
	ExitMode   ExitMode  `json:"exit_mode"`
	ExitBars   int       `json:"exit_bars"` // time-cut budget, 0 for pure tp_sl
	BarCount   int       `json:"bar_count"` // confirmed bars held so far
	EntryTime  time.Time `json:"entry_time"`
	VolRatio   float64   `json:"vol_ratio,omitempty"`
}

// ————————————————————————————————————————————————————————————————————————
// P&L and history
// ————————————————————————————————————————————————————————————————————————

// DailyPnL is the per-UTC-day ledger. The identity
//
//	equity == start_of_day_equity + realized_pnl + unrealized_pnl
//
// holds within reconciliation tolerance at all times. PeakEquity tracks the
// realized-only equity path (start + realized), so an open winner cannot
// inflate the drawdown baseline before it is banked.
type DailyPnL struct {
	Date             string  `json:"date"` // YYYY-MM-DD (UTC)
	StartOfDayEquity float64 `json:"start_of_day_equity"`
	Equity           float64 `json:"equity"`
	RealizedPnL      float64 `json:"realized_pnl"`
	UnrealizedPnL    float64 `json:"unrealized_pnl"`
	PeakEquity       float64 `json:"peak_equity"`
}

// Trade is one row of trade_history.json. Open trades carry nil ExitPrice
// and PnL; both are set when the close is recorded. History is reporting and
// cooldown input only — it never drives money math.
type Trade struct {
	Symbol     string     `json:"symbol"`
	Side       Side       `json:"side"`
	Size       float64    `json:"size"`
	EntryPrice float64    `json:"entry_price"`
	ExitPrice  *float64   `json:"exit_price"`
	PnL        *float64   `json:"pnl"`
	OpenedAt   *time.Time `json:"opened_at"`
	ClosedAt   *time.Time `json:"closed_at"`
	RecordedAt time.Time  `json:"recorded_at"`
}

// IsOpen reports whether the trade has not been closed yet.
func (t *Trade) IsOpen() bool { return t.ClosedAt == nil }

// ————————————————————————————————————————————————————————————————————————
// Strategy state
// ————————————————————————————————————————————————————————————————————————

// ThresholdCache is the one-shot forward reference a spike strategy writes
// for the next bar: "if the bar at NextTargetT trades less than ThresholdVol,
// there is no spike" — an O(1) decision that skips the full ratio
// computation. A timestamp mismatch means the reference is stale and must be
// discarded, never reused.
type ThresholdCache struct {
	NextTargetT  int64   `json:"next_target_t"`  // epoch ms of the bar it predicts
	ThresholdVol float64 `json:"threshold_vol"`  // minimum volume that could spike
	ComputedAt   int64   `json:"computed_at,omitempty"`
}

// Matches reports whether the cache was computed for the bar at t.
func (c *ThresholdCache) Matches(t int64) bool {
	return c != nil && c.NextTargetT == t
}

// PendingReversion schedules a delayed counter-trend entry after a large
// up-move position closes (WaveRider). EntryAfter gates the first cycle that
// may act on it.
type PendingReversion struct {
	EntryAfter time.Time `json:"entry_after"`
	Pattern    string    `json:"pattern"`
}

// ————————————————————————————————————————————————————————————————————————
// Safety state
// ————————————————————————————————————————————————————————————————————————

// KillSwitch is the trading halt flag. Loaders treat a missing file as
// ENABLED: an unknown safety state must halt trading, not allow it. The file
// is created disabled once by an explicit operator action.
//
// Warning fields flag degraded-but-running conditions (safe-hold, repeated
// strategy failures) without flipping Enabled.
type KillSwitch struct {
	Enabled            bool   `json:"enabled"`
	Reason             string `json:"reason"`
	TriggeredAt        string `json:"triggered_at"`
	DeactivatedAt      string `json:"deactivated_at,omitempty"`
	DeactivationReason string `json:"deactivation_reason,omitempty"`
	Warning            bool   `json:"warning,omitempty"`
	WarningReason      string `json:"warning_reason,omitempty"`
	WarningAt          string `json:"warning_at,omitempty"`
}

// FailureCounter tracks consecutive whole-cycle strategy failures — cycles
// where every configured symbol had insufficient candle data.
type FailureCounter struct {
	ConsecutiveFailures int    `json:"consecutive_failures"`
	LastFailure         string `json:"last_failure,omitempty"`
	LastSuccess         string `json:"last_success,omitempty"`
	LastReason          string `json:"last_reason,omitempty"`
}

// ————————————————————————————————————————————————————————————————————————
// Signals
// ————————————————————————————————————————————————————————————————————————

// Signal is one per-symbol instruction from the strategy layer, enriched
// with the diagnostics the performance tracker joins on later (zone,
// pattern, vol ratio).
type Signal struct {
	Symbol string `json:"symbol"`
	Action Action `json:"action"`
	// Direction is the side the signal concerns: for entries it mirrors
	// the action, for close/hold_position it is the side of the position
	// being managed. Informational in the batch file; execution branches
	// on Action alone.
	Direction  Side    `json:"direction,omitempty"`
	Confidence float64 `json:"confidence"`
	EntryPrice float64 `json:"entry_price,omitempty"`
	StopLoss   float64 `json:"stop_loss,omitempty"`
	TakeProfit float64 `json:"take_profit,omitempty"`
	Leverage   int     `json:"leverage"`
	Size       float64 `json:"size,omitempty"` // 0 = executor sizes from equity
	Reasoning  string  `json:"reasoning"`

	Zone          string    `json:"zone,omitempty"`
	Pattern       string    `json:"pattern,omitempty"`
	VolRatio      float64   `json:"vol_ratio,omitempty"`
	RangePosition float64   `json:"range_position,omitempty"`
	VolRegime     VolRegime `json:"vol_regime,omitempty"`
	ExitMode      ExitMode  `json:"exit_mode,omitempty"`
	ExitBars      int       `json:"exit_bars,omitempty"`
	SpikeTime     int64     `json:"spike_time,omitempty"` // epoch ms of the trigger bar
}

// OODA is the observe/orient/decide narrative attached to every batch.
type OODA struct {
	Observe string `json:"observe"`
	Orient  string `json:"orient"`
	Decide  string `json:"decide"`
}

// SignalBatch is the full cycle output written to signals/signals.json.
// ActionType is trade iff any signal is long, short, or close.
type SignalBatch struct {
	ActionType     BatchType `json:"action_type"`
	Signals        []Signal  `json:"signals"`
	MarketSummary  string    `json:"market_summary"`
	JournalEntry   string    `json:"journal_entry"`
	SelfAssessment string    `json:"self_assessment"`
	OODA           OODA      `json:"ooda"`
	GeneratedAt    time.Time `json:"generated_at"`

	SafeHoldAt     string `json:"safe_hold_at,omitempty"`
	SafeHoldReason string `json:"safe_hold_reason,omitempty"`
}

// HasTrade reports whether any signal in the batch is actionable.
func (b *SignalBatch) HasTrade() bool {
	for _, s := range b.Signals {
		if s.Action.IsEntry() || s.Action.IsClose() {
			return true
		}
	}
	return false
}

// ————————————————————————————————————————————————————————————————————————
// Execution results
// ————————————————————————————————————————————————————————————————————————

// OrderStatus classifies one execution attempt.
type OrderStatus string

const (
	StatusFilled     OrderStatus = "filled"
	StatusPartial    OrderStatus = "partial"
	StatusClosed     OrderStatus = "closed"
	StatusNoPosition OrderStatus = "no_position"
	StatusRejected   OrderStatus = "rejected"
	StatusFailed     OrderStatus = "failed"
	StatusError      OrderStatus = "error"
)

// ExecutionResult is the per-signal outcome record returned by the executor.
// Failures are data, not panics: a rejected or errored signal produces a
// result like any other.
type ExecutionResult struct {
	Symbol    string      `json:"symbol"`
	Action    Action      `json:"action"`
	Status    OrderStatus `json:"status"`
	Size      float64     `json:"size,omitempty"`
	Leverage  int         `json:"leverage,omitempty"`
	FillPrice float64     `json:"fill_price,omitempty"`
	PnL       *float64    `json:"pnl,omitempty"`
	Reason    string      `json:"reason,omitempty"`
	Cloid     string      `json:"cloid,omitempty"`
}

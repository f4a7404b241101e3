package risk

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/Naofumi-1000ri/MyClawTradingBot/pkg/types"
)

// imbalanceLevels is how many book levels per side feed the imbalance
// check, independent of the collector's snapshot depth.
const imbalanceLevels = 5

// GateContext is everything the entry gate reads beyond the signal
// itself. Equity is the live venue value; DailyPnL carries the state
// file's view for the drift comparison.
type GateContext struct {
	Equity       float64
	DailyPnL     *types.DailyPnL
	DataScore    int
	Book         *types.OrderBook
	TradeHistory []types.Trade
	Now          time.Time
}

// CheckEntryGate runs the composite gate for a new long or short. Checks
// run in a fixed order and the first failure is returned, so rejection
// reasons are comparable across cycles.
func (m *Manager) CheckEntryGate(sig *types.Signal, gc GateContext) error {
	gate := m.params.EntryGate

	if dp := gc.DailyPnL; dp != nil && dp.Equity > 0 {
		drift := math.Abs(gc.Equity-dp.Equity) / dp.Equity * 100
		if drift > gate.MaxEquityDriftPct {
			return fmt.Errorf("equity drift %.1f%% exceeds %.1f%% (live %.2f vs state %.2f)",
				drift, gate.MaxEquityDriftPct, gc.Equity, dp.Equity)
		}
	}

	if strings.Contains(strings.ToLower(sig.Reasoning), "partial") &&
		sig.Confidence < gate.PartialConsensusMinConfidence {
		return fmt.Errorf("partial consensus confidence %.2f below %.2f",
			sig.Confidence, gate.PartialConsensusMinConfidence)
	}

	if dp := gc.DailyPnL; dp != nil && dp.StartOfDayEquity > 0 {
		lossPct := -(dp.RealizedPnL + dp.UnrealizedPnL) / dp.StartOfDayEquity * 100
		if lossPct >= gate.MaxDailyLossForNewEntriesPct {
			return fmt.Errorf("daily loss %.2f%% at new-entry budget %.2f%%",
				lossPct, gate.MaxDailyLossForNewEntriesPct)
		}
	}

	if gc.DataScore < gate.MinDataQualityScore {
		return fmt.Errorf("data quality score %d below %d", gc.DataScore, gate.MinDataQualityScore)
	}

	bid, ask, ok := bestBidAsk(gc.Book)
	if !ok {
		return fmt.Errorf("order book unavailable for %s", sig.Symbol)
	}
	mid := (bid + ask) / 2
	if spreadBps := (ask - bid) / mid * 10000; spreadBps > gate.MaxSpreadBps {
		return fmt.Errorf("spread %.1f bps exceeds %.1f bps", spreadBps, gate.MaxSpreadBps)
	}

	bidSz := sumLevelSizes(gc.Book.Bids, imbalanceLevels)
	askSz := sumLevelSizes(gc.Book.Asks, imbalanceLevels)
	if sig.Action == types.ActionLong && bidSz < askSz*gate.MinImbalance {
		return fmt.Errorf("bid/ask imbalance %.2f below %.2f", safeRatio(bidSz, askSz), gate.MinImbalance)
	}
	if sig.Action == types.ActionShort && askSz < bidSz*gate.MinImbalance {
		return fmt.Errorf("ask/bid imbalance %.2f below %.2f", safeRatio(askSz, bidSz), gate.MinImbalance)
	}

	if last := lastTradeAt(gc.TradeHistory, sig.Symbol); last != nil {
		since := gc.Now.Sub(*last)
		cooldown := time.Duration(gate.EntryCooldownMinutes) * time.Minute
		if since < cooldown {
			return fmt.Errorf("cooldown: %s since last %s trade, need %s",
				since.Round(time.Second), sig.Symbol, cooldown)
		}
	}

	if sig.EntryPrice > 0 && sig.StopLoss > 0 && sig.TakeProfit > 0 && sig.ExitMode != types.ExitTimeCut {
		risked := math.Abs(sig.EntryPrice - sig.StopLoss)
		reward := math.Abs(sig.TakeProfit - sig.EntryPrice)
		if rr := reward / risked; rr < gate.MinRiskReward {
			return fmt.Errorf("reward:risk %.2f below %.2f", rr, gate.MinRiskReward)
		}
	}

	return nil
}

func bestBidAsk(book *types.OrderBook) (bid, ask float64, ok bool) {
	if book == nil || len(book.Bids) == 0 || len(book.Asks) == 0 {
		return 0, 0, false
	}
	bid, err1 := strconv.ParseFloat(book.Bids[0].Px, 64)
	ask, err2 := strconv.ParseFloat(book.Asks[0].Px, 64)
	if err1 != nil || err2 != nil || bid <= 0 || ask <= 0 {
		return 0, 0, false
	}
	return bid, ask, true
}

func sumLevelSizes(levels []types.BookLevel, n int) float64 {
	var sum float64
	for i, lvl := range levels {
		if i >= n {
			break
		}
		if v, err := strconv.ParseFloat(lvl.Sz, 64); err == nil {
			sum += v
		}
	}
	return sum
}

func safeRatio(a, b float64) float64 {
	if b == 0 {
		return math.Inf(1)
	}
	return a / b
}

// lastTradeAt finds the most recent history row for a symbol. RecordedAt
// is the row's write time, so an open row dates the entry and a close
// row dates the exit; either restarts the cooldown clock.
func lastTradeAt(trades []types.Trade, symbol string) *time.Time {
	for i := len(trades) - 1; i >= 0; i-- {
		if trades[i].Symbol == symbol {
			t := trades[i].RecordedAt
			return &t
		}
	}
	return nil
}

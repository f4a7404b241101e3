// Package executor turns the arbiter's signal batch into venue orders.
// It is the only package that places or closes positions. Per-signal
// failures become result records rather than errors: one rejected entry
// must never stop the close behind it in the same batch.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/Naofumi-1000ri/MyClawTradingBot/internal/config"
	"github.com/Naofumi-1000ri/MyClawTradingBot/internal/exchange"
	"github.com/Naofumi-1000ri/MyClawTradingBot/internal/journal"
	"github.com/Naofumi-1000ri/MyClawTradingBot/internal/risk"
	"github.com/Naofumi-1000ri/MyClawTradingBot/internal/state"
	"github.com/Naofumi-1000ri/MyClawTradingBot/internal/strategy"
	"github.com/Naofumi-1000ri/MyClawTradingBot/pkg/types"
)

// reconcileTolerance is the USD drift between the ledger's unrealized
// P&L and the venue's marks that triggers a reconcile.
const reconcileTolerance = 0.01

// Executor places entries and closes for one batch per cycle.
type Executor struct {
	cfg     *config.Config
	riskMgr *risk.Manager
	state   *state.Manager
	venue   exchange.Venue
	journal *journal.Journal
	log     zerolog.Logger
}

func New(cfg *config.Config, riskMgr *risk.Manager, st *state.Manager, venue exchange.Venue, jnl *journal.Journal, log zerolog.Logger) *Executor {
	return &Executor{
		cfg:     cfg,
		riskMgr: riskMgr,
		state:   st,
		venue:   venue,
		journal: jnl,
		log:     log.With().Str("component", "executor").Logger(),
	}
}

// ExecuteSignals runs the batch against the venue. With the kill switch
// active nothing runs, not even closes: the switch means a human or the
// monitor already took over, and the monitor's emergency close handles
// open positions itself.
//
// mode and dataScore are the cycle's data-health verdict; close-only
// mode rejects entries while closes still run.
func (e *Executor) ExecuteSignals(ctx context.Context, batch *types.SignalBatch, market *types.MarketData, mode types.ExecutionMode, dataScore int) []types.ExecutionResult {
	if e.state.KillSwitchActive() {
		e.log.Warn().Msg("kill switch active, batch skipped")
		return nil
	}

	positions, err := e.state.Positions()
	if err != nil {
		e.log.Error().Err(err).Msg("position cache unreadable, assuming none")
	}

	var results []types.ExecutionResult
	for i := range batch.Signals {
		sig := &batch.Signals[i]
		switch {
		case sig.Action.IsHold():
			// hold and hold_position never touch the venue
			continue
		case sig.Action.IsEntry():
			res, opened := e.executeEntry(ctx, sig, market, positions, mode, dataScore)
			if opened != nil {
				positions = append(positions, *opened)
			}
			results = append(results, res)
		case sig.Action.IsClose():
			results = append(results, e.executeClose(ctx, sig, market, positions))
		}
	}

	// Venue truth after the batch: refresh the position cache and pull
	// the ledger's unrealized component back onto the venue's marks.
	if synced, err := e.state.SyncPositions(ctx); err != nil {
		e.log.Error().Err(err).Msg("post-batch position sync failed")
	} else if _, err := e.state.ReconcileDailyUnrealized(synced, reconcileTolerance); err != nil {
		e.log.Error().Err(err).Msg("daily pnl reconcile failed")
	}
	return results
}

// CloseAll force-closes every cached position outside the signal flow.
// The monitor calls this after tripping the kill switch, when
// ExecuteSignals would already refuse the batch. Returns how many
// positions were closed on the venue.
func (e *Executor) CloseAll(ctx context.Context, reason string) int {
	positions, err := e.state.Positions()
	if err != nil {
		e.log.Error().Err(err).Msg("position cache unreadable, emergency close aborted")
		return 0
	}
	if len(positions) == 0 {
		e.log.Info().Msg("emergency close: no positions open")
		return 0
	}
	e.log.Warn().Int("positions", len(positions)).Str("reason", reason).
		Msg("emergency closing all positions")

	now := time.Now().UTC()
	closed := 0
	var realized float64
	for _, pos := range positions {
		order, err := e.venue.MarketClose(ctx, pos.Symbol)
		if err != nil {
			e.log.Error().Err(err).Str("symbol", pos.Symbol).Msg("emergency close failed")
			continue
		}
		if order.Status == types.StatusNoPosition {
			e.dropExitMeta(pos.Symbol)
			continue
		}
		if order.Status != types.StatusClosed {
			e.log.Error().Str("symbol", pos.Symbol).Str("status", string(order.Status)).
				Str("error", order.Error).Msg("emergency close not filled")
			continue
		}

		closed++
		if order.AvgPrice > 0 {
			size := order.FilledSz
			if size <= 0 {
				size = pos.Size
			}
			pnl := realizedPnL(pos.Side, pos.EntryPrice, order.AvgPrice, size)
			realized += pnl
			exit := order.AvgPrice
			trade := types.Trade{
				Symbol:     pos.Symbol,
				Side:       pos.Side,
				Size:       size,
				EntryPrice: pos.EntryPrice,
				ExitPrice:  &exit,
				PnL:        &pnl,
				OpenedAt:   pos.OpenedAt,
				ClosedAt:   &now,
				RecordedAt: now,
			}
			if err := e.state.RecordTrade(trade); err != nil {
				e.log.Error().Err(err).Str("symbol", pos.Symbol).Msg("trade history write failed")
			}
		}
		e.dropExitMeta(pos.Symbol)
		e.log.Warn().Str("symbol", pos.Symbol).Float64("exit", order.AvgPrice).Msg("position emergency closed")
	}

	if closed == 0 {
		return 0
	}
	if equity, err := e.venue.Equity(ctx); err != nil {
		e.log.Error().Err(err).Msg("equity fetch failed after emergency close")
	} else if _, err := e.state.UpdateDailyPnL(equity, realized, nil); err != nil {
		e.log.Error().Err(err).Msg("daily pnl update failed")
	}
	if synced, err := e.state.SyncPositions(ctx); err != nil {
		e.log.Error().Err(err).Msg("post-close position sync failed")
	} else if _, err := e.state.ReconcileDailyUnrealized(synced, reconcileTolerance); err != nil {
		e.log.Error().Err(err).Msg("daily pnl reconcile failed")
	}
	return closed
}

// executeEntry runs the full entry pipeline for one signal. The second
// return value is the opened position, so the caller can keep in-batch
// exposure accounting current without a venue round trip.
func (e *Executor) executeEntry(ctx context.Context, sig *types.Signal, market *types.MarketData, positions []types.Position, mode types.ExecutionMode, dataScore int) (types.ExecutionResult, *types.Position) {
	res := types.ExecutionResult{Symbol: sig.Symbol, Action: sig.Action, Leverage: sig.Leverage}

	if sig.Confidence < e.cfg.Trading.MinConfidence {
		return rejected(res, fmt.Sprintf("confidence %.2f below minimum %.2f",
			sig.Confidence, e.cfg.Trading.MinConfidence)), nil
	}
	if mode == types.ModeCloseOnly {
		return rejected(res, "close-only mode, data health degraded"), nil
	}

	var equity float64
	if market != nil {
		equity = market.AccountEquity
	}
	if err := e.riskMgr.ValidateSignal(sig, positions, equity); err != nil {
		return rejected(res, err.Error()), nil
	}

	var book *types.OrderBook
	var mid float64
	if market != nil {
		if snap := market.Symbols[sig.Symbol]; snap != nil {
			book = &snap.OrderBook
			if snap.MidPrice != nil {
				mid = *snap.MidPrice
			}
		}
	}
	daily, err := e.state.DailyPnL()
	if err != nil {
		e.log.Error().Err(err).Msg("daily pnl unreadable for entry gate")
	}
	history, err := e.state.TradeHistory()
	if err != nil {
		e.log.Error().Err(err).Msg("trade history unreadable for entry gate")
	}
	gc := risk.GateContext{
		Equity:       equity,
		DailyPnL:     daily,
		DataScore:    dataScore,
		Book:         book,
		TradeHistory: history,
		Now:          time.Now().UTC(),
	}
	if err := e.riskMgr.CheckEntryGate(sig, gc); err != nil {
		return rejected(res, err.Error()), nil
	}

	size := sig.Size
	if size <= 0 {
		if mid <= 0 {
			return rejected(res, "no mid price to size against"), nil
		}
		size = e.riskMgr.PositionSize(sig, mid, equity, positions)
	}
	if size <= 0 {
		return rejected(res, "sized below minimum order"), nil
	}

	leverage := sig.Leverage
	if leverage < 1 {
		leverage = e.cfg.Trading.DefaultLeverage
	}
	res.Leverage = leverage
	if err := e.venue.UpdateLeverage(ctx, sig.Symbol, leverage); err != nil {
		res.Status = types.StatusError
		res.Reason = fmt.Sprintf("update leverage: %v", err)
		return res, nil
	}

	order, err := e.venue.MarketOpen(ctx, sig.Symbol, sig.Action.Side(), size)
	if err != nil {
		res.Status = types.StatusError
		res.Reason = err.Error()
		return res, nil
	}
	res.Status = order.Status
	res.Size = order.FilledSz
	res.FillPrice = order.AvgPrice
	res.Cloid = order.Cloid
	if order.Status != types.StatusFilled && order.Status != types.StatusPartial {
		res.Reason = order.Error
		return res, nil
	}
	if order.AvgPrice <= 0 {
		// A fill without a price can't seed a trade row or an exit
		// plan; the post-batch sync will surface the position and the
		// arbiter will pin it with hold_position next cycle.
		res.Reason = "fill reported without price"
		e.log.Warn().Str("symbol", sig.Symbol).Msg(res.Reason)
		return res, nil
	}

	now := time.Now().UTC()
	e.recordEntry(sig, order, now)
	e.journal.Record(now, sig, &res)
	e.log.Info().Str("symbol", sig.Symbol).Str("side", string(sig.Action.Side())).
		Float64("size", order.FilledSz).Float64("price", order.AvgPrice).
		Int("leverage", leverage).Msg("position opened")

	opened := &types.Position{
		Symbol:     sig.Symbol,
		Side:       sig.Action.Side(),
		Size:       order.FilledSz,
		EntryPrice: order.AvgPrice,
		OpenedAt:   &now,
		MidPrice:   order.AvgPrice,
	}
	return res, opened
}

// recordEntry appends the open trade row and writes the exit plan the
// strategy shipped with the signal. Wave-rider patterns route to their
// own meta family; everything else is a rubber plan.
func (e *Executor) recordEntry(sig *types.Signal, order *exchange.OrderResult, now time.Time) {
	trade := types.Trade{
		Symbol:     sig.Symbol,
		Side:       sig.Action.Side(),
		Size:       order.FilledSz,
		EntryPrice: order.AvgPrice,
		OpenedAt:   &now,
		RecordedAt: now,
	}
	if err := e.state.RecordTrade(trade); err != nil {
		e.log.Error().Err(err).Str("symbol", sig.Symbol).Msg("trade history write failed")
	}

	if sig.ExitMode == "" && sig.StopLoss <= 0 {
		return
	}
	meta := &types.ExitMeta{
		Pattern:    sig.Pattern,
		Direction:  sig.Action.Side(),
		EntryPrice: order.AvgPrice,
		StopLoss:   sig.StopLoss,
		TakeProfit: sig.TakeProfit,
		ExitMode:   sig.ExitMode,
		ExitBars:   sig.ExitBars,
		EntryTime:  now,
		VolRatio:   sig.VolRatio,
	}
	var err error
	if strategy.IsWaveRiderPattern(sig.Pattern) {
		err = e.state.SaveWaveRiderMeta(sig.Symbol, meta)
	} else {
		err = e.state.SaveRubberMeta(sig.Symbol, meta)
	}
	if err != nil {
		e.log.Error().Err(err).Str("symbol", sig.Symbol).Msg("exit meta write failed")
	}
}

// executeClose closes the venue position behind a close signal and
// settles the books: trade row, realized P&L into the daily ledger, and
// both exit-meta families deleted so no stale plan manages the next
// position on this symbol.
func (e *Executor) executeClose(ctx context.Context, sig *types.Signal, market *types.MarketData, positions []types.Position) types.ExecutionResult {
	res := types.ExecutionResult{Symbol: sig.Symbol, Action: types.ActionClose}

	var pos *types.Position
	for i := range positions {
		if positions[i].Symbol == sig.Symbol {
			pos = &positions[i]
			break
		}
	}

	order, err := e.venue.MarketClose(ctx, sig.Symbol)
	if err != nil {
		res.Status = types.StatusError
		res.Reason = err.Error()
		return res
	}
	res.Status = order.Status
	if order.Status == types.StatusNoPosition {
		res.Reason = "no position on venue"
		e.dropExitMeta(sig.Symbol)
		return res
	}
	if order.Status != types.StatusClosed {
		res.Reason = order.Error
		return res
	}

	res.Size = order.FilledSz
	res.FillPrice = order.AvgPrice
	now := time.Now().UTC()

	if pos != nil && order.AvgPrice > 0 {
		size := order.FilledSz
		if size <= 0 {
			size = pos.Size
		}
		pnl := realizedPnL(pos.Side, pos.EntryPrice, order.AvgPrice, size)
		res.PnL = &pnl

		exit := order.AvgPrice
		trade := types.Trade{
			Symbol:     sig.Symbol,
			Side:       pos.Side,
			Size:       size,
			EntryPrice: pos.EntryPrice,
			ExitPrice:  &exit,
			PnL:        &pnl,
			OpenedAt:   pos.OpenedAt,
			ClosedAt:   &now,
			RecordedAt: now,
		}
		if err := e.state.RecordTrade(trade); err != nil {
			e.log.Error().Err(err).Str("symbol", sig.Symbol).Msg("trade history write failed")
		}
		var equity float64
		if market != nil {
			equity = market.AccountEquity
		}
		if _, err := e.state.UpdateDailyPnL(equity, pnl, nil); err != nil {
			e.log.Error().Err(err).Msg("daily pnl update failed")
		}
		e.journal.Record(now, sig, &res)
		e.log.Info().Str("symbol", sig.Symbol).Float64("pnl", pnl).
			Float64("exit", order.AvgPrice).Msg("position closed")
	} else {
		e.log.Warn().Str("symbol", sig.Symbol).
			Bool("known_position", pos != nil).Float64("price", order.AvgPrice).
			Msg("close filled without enough data to settle pnl")
	}

	e.dropExitMeta(sig.Symbol)
	return res
}

func (e *Executor) dropExitMeta(symbol string) {
	if err := e.state.DeleteRubberMeta(symbol); err != nil {
		e.log.Error().Err(err).Str("symbol", symbol).Msg("rubber meta delete failed")
	}
	if err := e.state.DeleteWaveRiderMeta(symbol); err != nil {
		e.log.Error().Err(err).Str("symbol", symbol).Msg("wave rider meta delete failed")
	}
}

func realizedPnL(side types.Side, entry, exit, size float64) float64 {
	if side == types.Short {
		return (entry - exit) * size
	}
	return (exit - entry) * size
}

func rejected(res types.ExecutionResult, reason string) types.ExecutionResult {
	res.Status = types.StatusRejected
	res.Reason = reason
	return res
}

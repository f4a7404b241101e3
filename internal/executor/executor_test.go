package executor

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Naofumi-1000ri/MyClawTradingBot/internal/config"
	"github.com/Naofumi-1000ri/MyClawTradingBot/internal/exchange"
	"github.com/Naofumi-1000ri/MyClawTradingBot/internal/risk"
	"github.com/Naofumi-1000ri/MyClawTradingBot/internal/state"
	"github.com/Naofumi-1000ri/MyClawTradingBot/internal/store"
	"github.com/Naofumi-1000ri/MyClawTradingBot/pkg/types"
)

type openCall struct {
	coin string
	side types.Side
	size float64
}

// scriptedVenue satisfies exchange.Venue with canned order outcomes and
// records every order-path call.
type scriptedVenue struct {
	positions []types.Position

	leverage map[string]int
	opens    []openCall
	closes   []string

	openResult  *exchange.OrderResult
	openErr     error
	closeResult *exchange.OrderResult
	closeErr    error
	leverageErr error
}

func (f *scriptedVenue) Positions(ctx context.Context) ([]types.Position, error) {
	return f.positions, nil
}
func (f *scriptedVenue) Equity(ctx context.Context) (float64, error)             { return 0, nil }
func (f *scriptedVenue) AllMids(ctx context.Context) (map[string]float64, error) { return nil, nil }
func (f *scriptedVenue) FundingRates(ctx context.Context) (map[string]float64, error) {
	return nil, nil
}
func (f *scriptedVenue) Candles(ctx context.Context, coin, interval string, count int) ([]types.Candle, error) {
	return nil, nil
}
func (f *scriptedVenue) OrderBook(ctx context.Context, coin string, depth int) (types.OrderBook, error) {
	return types.OrderBook{}, nil
}
func (f *scriptedVenue) UpdateLeverage(ctx context.Context, coin string, leverage int) error {
	if f.leverageErr != nil {
		return f.leverageErr
	}
	f.leverage[coin] = leverage
	return nil
}
func (f *scriptedVenue) MarketOpen(ctx context.Context, coin string, side types.Side, size float64) (*exchange.OrderResult, error) {
	f.opens = append(f.opens, openCall{coin: coin, side: side, size: size})
	return f.openResult, f.openErr
}
func (f *scriptedVenue) MarketClose(ctx context.Context, coin string) (*exchange.OrderResult, error) {
	f.closes = append(f.closes, coin)
	return f.closeResult, f.closeErr
}
func (f *scriptedVenue) Cancel(ctx context.Context, coin string, oid int64) error { return nil }

func newExecutorFixture(t *testing.T) (*Executor, *state.Manager, *scriptedVenue) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	venue := &scriptedVenue{leverage: map[string]int{}}
	mgr := state.NewManager(st, venue, zerolog.Nop())
	riskMgr := risk.New(config.DefaultRiskParams(), zerolog.Nop())
	return New(config.Default(), riskMgr, mgr, venue, nil, zerolog.Nop()), mgr, venue
}

func entryMarket(equity float64) *types.MarketData {
	mid := 50000.0
	return &types.MarketData{
		Timestamp: time.Now().UTC(),
		Symbols: map[string]*types.SymbolSnapshot{
			"BTC": {
				MidPrice: &mid,
				OrderBook: types.OrderBook{
					Bids: []types.BookLevel{{Px: "49990", Sz: "100"}},
					Asks: []types.BookLevel{{Px: "50010", Sz: "100"}},
				},
			},
		},
		AccountEquity: equity,
	}
}

func entrySignal() types.Signal {
	return types.Signal{
		Symbol:     "BTC",
		Action:     types.ActionLong,
		Confidence: 0.85,
		EntryPrice: 50000,
		StopLoss:   49750,
		TakeProfit: 50500,
		Leverage:   3,
		Reasoning:  "wall penetration above threshold",
		Pattern:    "wall_penetration",
		Zone:       "upper_wall",
		VolRatio:   6.2,
		ExitMode:   types.ExitTPSL,
	}
}

func batchOf(signals ...types.Signal) *types.SignalBatch {
	batch := &types.SignalBatch{
		ActionType:  types.BatchHold,
		Signals:     signals,
		GeneratedAt: time.Now().UTC(),
	}
	if batch.HasTrade() {
		batch.ActionType = types.BatchTrade
	}
	return batch
}

func pnlEq(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestExecuteKillSwitchSkipsBatch(t *testing.T) {
	t.Parallel()
	exec, mgr, venue := newExecutorFixture(t)

	if err := mgr.TriggerKillSwitch("drawdown limit"); err != nil {
		t.Fatalf("trigger kill switch: %v", err)
	}
	results := exec.ExecuteSignals(context.Background(), batchOf(entrySignal()), entryMarket(10000), types.ModeAll, 100)
	if results != nil {
		t.Errorf("results = %v, want nil with kill switch active", results)
	}
	if len(venue.opens) != 0 || len(venue.closes) != 0 {
		t.Error("venue touched while kill switch active")
	}
}

func TestExecuteHoldNeverTouchesVenue(t *testing.T) {
	t.Parallel()
	exec, mgr, venue := newExecutorFixture(t)

	opened := time.Now().UTC().Add(-time.Hour)
	pos := types.Position{Symbol: "BTC", Side: types.Long, Size: 0.06, EntryPrice: 50000, OpenedAt: &opened}
	if err := mgr.SavePositions([]types.Position{pos}); err != nil {
		t.Fatal(err)
	}
	venue.positions = []types.Position{pos}

	batch := batchOf(
		types.Signal{Symbol: "BTC", Action: types.ActionHoldPosition, Confidence: 0.5},
		types.Signal{Symbol: "SOL", Action: types.ActionHold, Confidence: 0.5},
	)
	results := exec.ExecuteSignals(context.Background(), batch, entryMarket(10000), types.ModeAll, 100)
	if len(results) != 0 {
		t.Errorf("len(results) = %d, want 0 for hold-only batch", len(results))
	}
	if len(venue.opens) != 0 || len(venue.closes) != 0 {
		t.Error("hold signal reached the venue")
	}
}

func TestExecuteEntryFullFlow(t *testing.T) {
	t.Parallel()
	exec, mgr, venue := newExecutorFixture(t)

	venue.openResult = &exchange.OrderResult{
		Status: types.StatusFilled, FilledSz: 0.06, AvgPrice: 50010, Cloid: "cloid-1",
	}
	venue.positions = []types.Position{
		{Symbol: "BTC", Side: types.Long, Size: 0.06, EntryPrice: 50010},
	}

	results := exec.ExecuteSignals(context.Background(), batchOf(entrySignal()), entryMarket(10000), types.ModeAll, 100)
	if len(results) != 1 {
		t.Fatalf("len(results) = %d, want 1", len(results))
	}
	res := results[0]
	if res.Status != types.StatusFilled {
		t.Fatalf("status = %q (%s), want filled", res.Status, res.Reason)
	}
	if res.FillPrice != 50010 || res.Size != 0.06 || res.Leverage != 3 || res.Cloid != "cloid-1" {
		t.Errorf("result = %+v", res)
	}

	if got := venue.leverage["BTC"]; got != 3 {
		t.Errorf("leverage set to %d, want 3", got)
	}
	if len(venue.opens) != 1 {
		t.Fatalf("opens = %d, want 1", len(venue.opens))
	}
	call := venue.opens[0]
	// 10% of 10k equity at 3x over mid 50000.
	if call.coin != "BTC" || call.side != types.Long || !pnlEq(call.size, 0.06) {
		t.Errorf("open call = %+v", call)
	}

	trades, err := mgr.TradeHistory()
	if err != nil || len(trades) != 1 {
		t.Fatalf("trades = %v (err %v), want one open row", trades, err)
	}
	if !trades[0].IsOpen() || trades[0].EntryPrice != 50010 {
		t.Errorf("trade row = %+v", trades[0])
	}

	meta, err := mgr.RubberMeta("BTC")
	if err != nil || meta == nil {
		t.Fatalf("rubber meta = %v (err %v), want written", meta, err)
	}
	if meta.Pattern != "wall_penetration" || meta.EntryPrice != 50010 ||
		meta.StopLoss != 49750 || meta.TakeProfit != 50500 || meta.Direction != types.Long {
		t.Errorf("meta = %+v", meta)
	}
	if wr, _ := mgr.WaveRiderMeta("BTC"); wr != nil {
		t.Error("wall entry must not write a wave rider meta")
	}
}

func TestExecuteEntryRejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		mutate     func(*types.Signal)
		mode       types.ExecutionMode
		dataScore  int
		wantReason string
	}{
		{
			name:       "below min confidence",
			mutate:     func(s *types.Signal) { s.Confidence = 0.65 },
			mode:       types.ModeAll,
			dataScore:  100,
			wantReason: "confidence",
		},
		{
			name:       "close-only mode",
			mutate:     func(s *types.Signal) {},
			mode:       types.ModeCloseOnly,
			dataScore:  75,
			wantReason: "close-only",
		},
		{
			name:       "entry gate failure",
			mutate:     func(s *types.Signal) {},
			mode:       types.ModeAll,
			dataScore:  79,
			wantReason: "data quality",
		},
		{
			name:       "validation failure",
			mutate:     func(s *types.Signal) { s.Leverage = 11 },
			mode:       types.ModeAll,
			dataScore:  100,
			wantReason: "leverage",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			exec, _, venue := newExecutorFixture(t)

			sig := entrySignal()
			tt.mutate(&sig)
			results := exec.ExecuteSignals(context.Background(), batchOf(sig), entryMarket(10000), tt.mode, tt.dataScore)
			if len(results) != 1 {
				t.Fatalf("len(results) = %d, want 1", len(results))
			}
			if results[0].Status != types.StatusRejected {
				t.Fatalf("status = %q, want rejected", results[0].Status)
			}
			if !strings.Contains(results[0].Reason, tt.wantReason) {
				t.Errorf("reason = %q, want mention of %q", results[0].Reason, tt.wantReason)
			}
			if len(venue.opens) != 0 {
				t.Error("rejected entry reached the venue")
			}
		})
	}
}

func TestExecuteEntryVenueFailure(t *testing.T) {
	t.Parallel()
	exec, mgr, venue := newExecutorFixture(t)

	venue.openResult = &exchange.OrderResult{Status: types.StatusFailed, Error: "insufficient margin"}
	results := exec.ExecuteSignals(context.Background(), batchOf(entrySignal()), entryMarket(10000), types.ModeAll, 100)
	if len(results) != 1 || results[0].Status != types.StatusFailed {
		t.Fatalf("results = %+v, want one failed", results)
	}
	if results[0].Reason != "insufficient margin" {
		t.Errorf("reason = %q", results[0].Reason)
	}

	if trades, _ := mgr.TradeHistory(); len(trades) != 0 {
		t.Error("failed order recorded a trade")
	}
	if meta, _ := mgr.RubberMeta("BTC"); meta != nil {
		t.Error("failed order wrote an exit meta")
	}
}

func TestExecuteWaveRiderMetaRouting(t *testing.T) {
	t.Parallel()
	exec, mgr, venue := newExecutorFixture(t)

	sig := entrySignal()
	sig.Pattern = "wr_up_large"
	sig.TakeProfit = 0
	sig.ExitMode = types.ExitTimeCut

	venue.openResult = &exchange.OrderResult{Status: types.StatusFilled, FilledSz: 0.06, AvgPrice: 50010}
	venue.positions = []types.Position{{Symbol: "BTC", Side: types.Long, Size: 0.06, EntryPrice: 50010}}

	results := exec.ExecuteSignals(context.Background(), batchOf(sig), entryMarket(10000), types.ModeAll, 100)
	if len(results) != 1 || results[0].Status != types.StatusFilled {
		t.Fatalf("results = %+v", results)
	}

	if wr, _ := mgr.WaveRiderMeta("BTC"); wr == nil || wr.Pattern != "wr_up_large" {
		t.Errorf("wave rider meta = %+v, want wr_up_large plan", wr)
	}
	if rubber, _ := mgr.RubberMeta("BTC"); rubber != nil {
		t.Error("wave rider entry wrote a rubber meta")
	}
}

func TestExecuteCloseSettlesBooks(t *testing.T) {
	t.Parallel()
	exec, mgr, venue := newExecutorFixture(t)

	opened := time.Now().UTC().Add(-2 * time.Hour)
	pos := types.Position{Symbol: "BTC", Side: types.Long, Size: 0.06, EntryPrice: 50000, OpenedAt: &opened}
	if err := mgr.SavePositions([]types.Position{pos}); err != nil {
		t.Fatal(err)
	}
	meta := &types.ExitMeta{Pattern: "wall_penetration", Direction: types.Long, ExitMode: types.ExitTPSL}
	if err := mgr.SaveRubberMeta("BTC", meta); err != nil {
		t.Fatal(err)
	}
	if _, err := mgr.UpdateDailyPnL(10000, 0, nil); err != nil {
		t.Fatal(err)
	}

	venue.closeResult = &exchange.OrderResult{Status: types.StatusClosed, FilledSz: 0.06, AvgPrice: 50700}
	venue.positions = nil // closed on the venue

	closeSig := types.Signal{Symbol: "BTC", Action: types.ActionClose, Confidence: 0.90, Reasoning: "TP hit"}
	results := exec.ExecuteSignals(context.Background(), batchOf(closeSig), entryMarket(10042), types.ModeAll, 100)
	if len(results) != 1 {
		t.Fatalf("len(results) = %d, want 1", len(results))
	}
	res := results[0]
	if res.Status != types.StatusClosed {
		t.Fatalf("status = %q (%s), want closed", res.Status, res.Reason)
	}
	if res.PnL == nil || !pnlEq(*res.PnL, 42.0) {
		t.Errorf("pnl = %v, want 42.00", res.PnL)
	}

	trades, err := mgr.TradeHistory()
	if err != nil || len(trades) != 1 {
		t.Fatalf("trades = %v (err %v)", trades, err)
	}
	row := trades[0]
	if row.IsOpen() || row.ExitPrice == nil || *row.ExitPrice != 50700 || row.PnL == nil || !pnlEq(*row.PnL, 42.0) {
		t.Errorf("close row = %+v", row)
	}

	daily, err := mgr.DailyPnL()
	if err != nil || daily == nil {
		t.Fatalf("daily = %v (err %v)", daily, err)
	}
	if !pnlEq(daily.RealizedPnL, 42.0) {
		t.Errorf("realized = %v, want 42.00", daily.RealizedPnL)
	}

	if m, _ := mgr.RubberMeta("BTC"); m != nil {
		t.Error("rubber meta survived the close")
	}
	if m, _ := mgr.WaveRiderMeta("BTC"); m != nil {
		t.Error("wave rider meta survived the close")
	}
}

func TestExecuteCloseShortPnL(t *testing.T) {
	t.Parallel()
	exec, mgr, venue := newExecutorFixture(t)

	pos := types.Position{Symbol: "BTC", Side: types.Short, Size: 0.06, EntryPrice: 50000}
	if err := mgr.SavePositions([]types.Position{pos}); err != nil {
		t.Fatal(err)
	}
	venue.closeResult = &exchange.OrderResult{Status: types.StatusClosed, FilledSz: 0.06, AvgPrice: 49500}

	closeSig := types.Signal{Symbol: "BTC", Action: types.ActionClose, Confidence: 0.90}
	results := exec.ExecuteSignals(context.Background(), batchOf(closeSig), entryMarket(10030), types.ModeAll, 100)
	if len(results) != 1 || results[0].PnL == nil {
		t.Fatalf("results = %+v", results)
	}
	// Short gains as price falls: (50000-49500)*0.06.
	if !pnlEq(*results[0].PnL, 30.0) {
		t.Errorf("pnl = %v, want 30.00", *results[0].PnL)
	}
}

func TestExecuteCloseNoPosition(t *testing.T) {
	t.Parallel()
	exec, mgr, venue := newExecutorFixture(t)

	venue.closeResult = &exchange.OrderResult{Status: types.StatusNoPosition}
	closeSig := types.Signal{Symbol: "BTC", Action: types.ActionClose, Confidence: 0.90}
	results := exec.ExecuteSignals(context.Background(), batchOf(closeSig), entryMarket(10000), types.ModeAll, 100)
	if len(results) != 1 || results[0].Status != types.StatusNoPosition {
		t.Fatalf("results = %+v, want no_position", results)
	}
	if trades, _ := mgr.TradeHistory(); len(trades) != 0 {
		t.Error("no-position close recorded a trade")
	}
	if daily, _ := mgr.DailyPnL(); daily != nil {
		t.Error("no-position close touched the daily ledger")
	}
}

func TestExecuteCloseVenueErrorKeepsPlan(t *testing.T) {
	t.Parallel()
	exec, mgr, venue := newExecutorFixture(t)

	pos := types.Position{Symbol: "BTC", Side: types.Long, Size: 0.06, EntryPrice: 50000}
	if err := mgr.SavePositions([]types.Position{pos}); err != nil {
		t.Fatal(err)
	}
	meta := &types.ExitMeta{Pattern: "wall_penetration", Direction: types.Long, ExitMode: types.ExitTPSL}
	if err := mgr.SaveRubberMeta("BTC", meta); err != nil {
		t.Fatal(err)
	}
	venue.closeErr = errors.New("venue unavailable")
	venue.positions = []types.Position{pos} // still open

	closeSig := types.Signal{Symbol: "BTC", Action: types.ActionClose, Confidence: 0.90}
	results := exec.ExecuteSignals(context.Background(), batchOf(closeSig), entryMarket(10000), types.ModeAll, 100)
	if len(results) != 1 || results[0].Status != types.StatusError {
		t.Fatalf("results = %+v, want error", results)
	}
	// The plan must survive so the next cycle can retry the exit.
	if m, _ := mgr.RubberMeta("BTC"); m == nil {
		t.Error("exit meta deleted although the close never happened")
	}
}

func TestExecuteBatchIsolation(t *testing.T) {
	t.Parallel()
	exec, mgr, venue := newExecutorFixture(t)

	pos := types.Position{Symbol: "ETH", Side: types.Long, Size: 0.5, EntryPrice: 3000}
	if err := mgr.SavePositions([]types.Position{pos}); err != nil {
		t.Fatal(err)
	}
	venue.openErr = errors.New("order rejected upstream")
	venue.closeResult = &exchange.OrderResult{Status: types.StatusClosed, FilledSz: 0.5, AvgPrice: 3100}

	batch := batchOf(
		entrySignal(),
		types.Signal{Symbol: "ETH", Action: types.ActionClose, Confidence: 0.90},
	)
	results := exec.ExecuteSignals(context.Background(), batch, entryMarket(10000), types.ModeAll, 100)
	if len(results) != 2 {
		t.Fatalf("len(results) = %d, want 2", len(results))
	}
	if results[0].Status != types.StatusError {
		t.Errorf("entry status = %q, want error", results[0].Status)
	}
	if results[1].Status != types.StatusClosed {
		t.Errorf("close status = %q, want closed; a failed entry must not block the close", results[1].Status)
	}
	if results[1].PnL == nil || !pnlEq(*results[1].PnL, 50.0) {
		t.Errorf("close pnl = %v, want 50.00", results[1].PnL)
	}
}

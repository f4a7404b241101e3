package arbiter

import (
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Naofumi-1000ri/MyClawTradingBot/internal/config"
	"github.com/Naofumi-1000ri/MyClawTradingBot/internal/state"
	"github.com/Naofumi-1000ri/MyClawTradingBot/internal/store"
	"github.com/Naofumi-1000ri/MyClawTradingBot/pkg/types"
)

var arbNow = time.Date(2025, 3, 11, 12, 0, 0, 0, time.UTC)

func newArbiterFixture(t *testing.T) (*Arbiter, *state.Manager, *store.Store) {
	t.Helper()
	stateStore, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open state store: %v", err)
	}
	signalStore, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open signals store: %v", err)
	}
	mgr := state.NewManager(stateStore, nil, zerolog.Nop())
	return New(config.Default(), mgr, signalStore, zerolog.Nop()), mgr, signalStore
}

func livePosition(symbol string, side types.Side, age time.Duration) types.Position {
	opened := arbNow.Add(-age)
	return types.Position{
		Symbol:     symbol,
		Side:       side,
		Size:       0.1,
		EntryPrice: 100000,
		OpenedAt:   &opened,
		MidPrice:   100100,
	}
}

func TestMergeCloseSuppressesEntry(t *testing.T) {
	t.Parallel()
	arb, _, _ := newArbiterFixture(t)

	candidates := []types.Signal{
		{Symbol: "BTC", Action: types.ActionClose, Confidence: 0.90, Reasoning: "SL hit"},
		{Symbol: "BTC", Action: types.ActionLong, Confidence: 0.85, Pattern: "wall_penetration"},
	}
	positions := []types.Position{livePosition("BTC", types.Long, time.Hour)}

	batch := arb.Merge(arbNow, candidates, positions, nil)
	if len(batch.Signals) != 1 {
		t.Fatalf("len(signals) = %d, want 1", len(batch.Signals))
	}
	if got := batch.Signals[0].Action; got != types.ActionClose {
		t.Errorf("action = %q, want close", got)
	}
	if batch.ActionType != types.BatchTrade {
		t.Errorf("action_type = %q, want trade", batch.ActionType)
	}
}

func TestMergeHoldPositionSuppressesEntry(t *testing.T) {
	t.Parallel()
	arb, _, _ := newArbiterFixture(t)

	candidates := []types.Signal{
		{Symbol: "BTC", Action: types.ActionHoldPosition, Confidence: 0.5, Reasoning: "holding, bar 2/8"},
		{Symbol: "BTC", Action: types.ActionLong, Confidence: 0.85, Pattern: "wall_penetration"},
	}
	positions := []types.Position{livePosition("BTC", types.Long, time.Hour)}

	batch := arb.Merge(arbNow, candidates, positions, nil)
	if len(batch.Signals) != 1 {
		t.Fatalf("len(signals) = %d, want 1", len(batch.Signals))
	}
	if got := batch.Signals[0].Action; got != types.ActionHoldPosition {
		t.Errorf("action = %q, want hold_position", got)
	}
	// hold_position alone never flips the batch to trade.
	if batch.ActionType != types.BatchHold {
		t.Errorf("action_type = %q, want hold", batch.ActionType)
	}
}

func TestMergeMetaLessPositionRescued(t *testing.T) {
	t.Parallel()
	arb, _, _ := newArbiterFixture(t)

	positions := []types.Position{livePosition("ETH", types.Long, time.Hour)}
	batch := arb.Merge(arbNow, nil, positions, nil)

	if len(batch.Signals) != 1 {
		t.Fatalf("len(signals) = %d, want 1", len(batch.Signals))
	}
	sig := batch.Signals[0]
	if sig.Symbol != "ETH" || sig.Action != types.ActionHoldPosition {
		t.Fatalf("signal = %s %s, want ETH hold_position", sig.Symbol, sig.Action)
	}
	if !strings.Contains(sig.Reasoning, "no exit plan") {
		t.Errorf("reasoning = %q, want mention of missing exit plan", sig.Reasoning)
	}
	if batch.ActionType != types.BatchHold {
		t.Errorf("action_type = %q, want hold", batch.ActionType)
	}
}

func TestMergeRescueWithMetaOnFile(t *testing.T) {
	t.Parallel()
	arb, mgr, _ := newArbiterFixture(t)

	meta := &types.ExitMeta{
		Pattern:    "wall_penetration",
		Direction:  types.Long,
		EntryPrice: 3000,
		StopLoss:   2980,
		ExitMode:   types.ExitTimeCut,
		ExitBars:   12,
	}
	if err := mgr.SaveRubberMeta("ETH", meta); err != nil {
		t.Fatalf("save meta: %v", err)
	}

	positions := []types.Position{livePosition("ETH", types.Long, time.Hour)}
	batch := arb.Merge(arbNow, nil, positions, nil)

	if len(batch.Signals) != 1 {
		t.Fatalf("len(signals) = %d, want 1", len(batch.Signals))
	}
	sig := batch.Signals[0]
	if sig.Action != types.ActionHoldPosition {
		t.Fatalf("action = %q, want hold_position", sig.Action)
	}
	if !strings.Contains(sig.Reasoning, "no exit signal this cycle") {
		t.Errorf("reasoning = %q, want mention of missing exit signal", sig.Reasoning)
	}
}

func TestMergeEntryDroppedForLivePosition(t *testing.T) {
	t.Parallel()
	arb, _, _ := newArbiterFixture(t)

	candidates := []types.Signal{
		{Symbol: "BTC", Action: types.ActionLong, Confidence: 0.85, Pattern: "wall_penetration"},
	}
	positions := []types.Position{livePosition("BTC", types.Short, time.Hour)}

	batch := arb.Merge(arbNow, candidates, positions, nil)
	if len(batch.Signals) != 1 {
		t.Fatalf("len(signals) = %d, want 1", len(batch.Signals))
	}
	if got := batch.Signals[0].Action; got != types.ActionHoldPosition {
		t.Errorf("action = %q, want hold_position (entry must not stack)", got)
	}
}

func TestMergeMinHold(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		confidence float64
		age        time.Duration
		want       types.Action
	}{
		{"young position converted", 0.85, 4 * time.Minute, types.ActionHold},
		{"override confidence passes", 0.90, 4 * time.Minute, types.ActionClose},
		{"aged position passes", 0.85, 11 * time.Minute, types.ActionClose},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			arb, _, _ := newArbiterFixture(t)

			candidates := []types.Signal{
				{Symbol: "BTC", Action: types.ActionClose, Confidence: tt.confidence, Reasoning: "time cut"},
			}
			positions := []types.Position{livePosition("BTC", types.Long, tt.age)}

			batch := arb.Merge(arbNow, candidates, positions, nil)
			if len(batch.Signals) != 1 {
				t.Fatalf("len(signals) = %d, want 1", len(batch.Signals))
			}
			sig := batch.Signals[0]
			if sig.Action != tt.want {
				t.Fatalf("action = %q, want %q", sig.Action, tt.want)
			}
			if tt.want == types.ActionHold {
				if !strings.Contains(sig.Reasoning, "min hold") {
					t.Errorf("reasoning = %q, want mention of min hold", sig.Reasoning)
				}
				if batch.ActionType != types.BatchHold {
					t.Errorf("action_type = %q, want hold", batch.ActionType)
				}
			} else if batch.ActionType != types.BatchTrade {
				t.Errorf("action_type = %q, want trade", batch.ActionType)
			}
		})
	}
}

func TestMergeMinHoldUsesTradeHistory(t *testing.T) {
	t.Parallel()
	arb, mgr, _ := newArbiterFixture(t)

	opened := arbNow.Add(-3 * time.Minute)
	err := mgr.RecordTrade(types.Trade{
		Symbol:     "BTC",
		Side:       types.Long,
		Size:       0.1,
		EntryPrice: 100000,
		OpenedAt:   &opened,
		RecordedAt: opened,
	})
	if err != nil {
		t.Fatalf("record trade: %v", err)
	}

	pos := livePosition("BTC", types.Long, time.Hour)
	pos.OpenedAt = nil // venue did not report age; history must back-fill

	candidates := []types.Signal{
		{Symbol: "BTC", Action: types.ActionClose, Confidence: 0.85, Reasoning: "time cut"},
	}
	batch := arb.Merge(arbNow, candidates, []types.Position{pos}, nil)
	if got := batch.Signals[0].Action; got != types.ActionHold {
		t.Errorf("action = %q, want hold via history-derived age", got)
	}
}

func TestMergeUndatablePositionStaysClosable(t *testing.T) {
	t.Parallel()
	arb, _, _ := newArbiterFixture(t)

	pos := livePosition("BTC", types.Long, time.Hour)
	pos.OpenedAt = nil

	candidates := []types.Signal{
		{Symbol: "BTC", Action: types.ActionClose, Confidence: 0.85, Reasoning: "time cut"},
	}
	batch := arb.Merge(arbNow, candidates, []types.Position{pos}, nil)
	if got := batch.Signals[0].Action; got != types.ActionClose {
		t.Errorf("action = %q, want close when age is unknown", got)
	}
}

func TestMergeEmptyCycle(t *testing.T) {
	t.Parallel()
	arb, _, _ := newArbiterFixture(t)

	batch := arb.Merge(arbNow, nil, nil, nil)
	if len(batch.Signals) != 3 {
		t.Fatalf("len(signals) = %d, want one hold per configured symbol", len(batch.Signals))
	}
	wantSymbols := []string{"BTC", "ETH", "SOL"}
	for i, sig := range batch.Signals {
		if sig.Symbol != wantSymbols[i] {
			t.Errorf("signals[%d].Symbol = %q, want %q", i, sig.Symbol, wantSymbols[i])
		}
		if sig.Action != types.ActionHold {
			t.Errorf("signals[%d].Action = %q, want hold", i, sig.Action)
		}
		if !strings.Contains(sig.Reasoning, "no volume spike") {
			t.Errorf("signals[%d].Reasoning = %q, want no-spike reasoning", i, sig.Reasoning)
		}
	}
	if batch.ActionType != types.BatchHold {
		t.Errorf("action_type = %q, want hold", batch.ActionType)
	}
	if batch.OODA.Decide != "hold all symbols" {
		t.Errorf("ooda.decide = %q, want hold all symbols", batch.OODA.Decide)
	}
}

func TestMergeFillsLeverageFromConfidence(t *testing.T) {
	t.Parallel()
	arb, _, _ := newArbiterFixture(t)

	candidates := []types.Signal{
		{Symbol: "BTC", Action: types.ActionLong, Confidence: 0.85},
		{Symbol: "ETH", Action: types.ActionShort, Confidence: 0.76},
		{Symbol: "SOL", Action: types.ActionLong, Confidence: 0.70},
		{Symbol: "HYPE", Action: types.ActionShort, Confidence: 0.70, Leverage: 5},
	}
	batch := arb.Merge(arbNow, candidates, nil, nil)

	wantOrder := []string{"BTC", "ETH", "SOL", "HYPE"}
	wantLeverage := []int{3, 2, 1, 5}
	if len(batch.Signals) != len(wantOrder) {
		t.Fatalf("len(signals) = %d, want %d", len(batch.Signals), len(wantOrder))
	}
	for i, sig := range batch.Signals {
		if sig.Symbol != wantOrder[i] {
			t.Errorf("signals[%d].Symbol = %q, want %q", i, sig.Symbol, wantOrder[i])
		}
		if sig.Leverage != wantLeverage[i] {
			t.Errorf("%s leverage = %d, want %d", sig.Symbol, sig.Leverage, wantLeverage[i])
		}
	}
	if batch.ActionType != types.BatchTrade {
		t.Errorf("action_type = %q, want trade", batch.ActionType)
	}
}

func TestMergeNarrative(t *testing.T) {
	t.Parallel()
	arb, _, _ := newArbiterFixture(t)

	mid := 65000.0
	market := &types.MarketData{
		Timestamp:     arbNow,
		Symbols:       map[string]*types.SymbolSnapshot{"BTC": {MidPrice: &mid}},
		AccountEquity: 10000,
	}
	candidates := []types.Signal{
		{Symbol: "BTC", Action: types.ActionLong, Confidence: 0.85, Pattern: "wall_penetration", Zone: "upper_wall", VolRatio: 12.3},
	}
	batch := arb.Merge(arbNow, candidates, nil, market)

	if !strings.Contains(batch.MarketSummary, "BTC=65000.00") {
		t.Errorf("market_summary = %q, want BTC mid", batch.MarketSummary)
	}
	if !strings.Contains(batch.MarketSummary, "equity 10000.00") {
		t.Errorf("market_summary = %q, want equity", batch.MarketSummary)
	}
	if !strings.Contains(batch.JournalEntry, "BTC long (wall_penetration") {
		t.Errorf("journal_entry = %q, want entry note", batch.JournalEntry)
	}
	if !strings.Contains(batch.SelfAssessment, "1 entries, 0 closes") {
		t.Errorf("self_assessment = %q, want counts", batch.SelfAssessment)
	}
	if !strings.Contains(batch.OODA.Orient, "wall_penetration@upper_wall vr=12.3") {
		t.Errorf("ooda.orient = %q, want spike diagnostics", batch.OODA.Orient)
	}
	if !strings.Contains(batch.OODA.Decide, "long BTC @3x") {
		t.Errorf("ooda.decide = %q, want entry decision", batch.OODA.Decide)
	}
}

func TestPublishWritesBatchAndLog(t *testing.T) {
	t.Parallel()
	arb, mgr, signalStore := newArbiterFixture(t)

	batch := types.SignalBatch{
		ActionType: types.BatchTrade,
		Signals: []types.Signal{
			{Symbol: "BTC", Action: types.ActionLong, Confidence: 0.85, Leverage: 3},
			{Symbol: "ETH", Action: types.ActionClose, Confidence: 0.90},
			{Symbol: "SOL", Action: types.ActionHold, Confidence: 0.5},
		},
		GeneratedAt: arbNow,
	}
	if err := arb.Publish(&batch); err != nil {
		t.Fatalf("publish: %v", err)
	}

	var stored types.SignalBatch
	if err := signalStore.Load("signals.json", &stored); err != nil {
		t.Fatalf("load batch: %v", err)
	}
	if len(stored.Signals) != 3 || stored.ActionType != types.BatchTrade {
		t.Errorf("stored batch = %d signals %q, want 3 trade", len(stored.Signals), stored.ActionType)
	}

	var rows []loggedSignal
	if err := mgr.Store().Load("rubber_signal_log.json", &rows); err != nil {
		t.Fatalf("load signal log: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("len(log) = %d, want 2 (holds excluded)", len(rows))
	}
	if rows[0].Symbol != "BTC" || rows[1].Symbol != "ETH" {
		t.Errorf("log symbols = %s, %s, want BTC, ETH", rows[0].Symbol, rows[1].Symbol)
	}
	wantStamp := arbNow.UTC().Format(time.RFC3339)
	if rows[0].Timestamp != wantStamp {
		t.Errorf("log timestamp = %q, want %q", rows[0].Timestamp, wantStamp)
	}
}

func TestPublishCapsSignalLog(t *testing.T) {
	t.Parallel()
	arb, mgr, _ := newArbiterFixture(t)

	seeded := make([]loggedSignal, 199)
	for i := range seeded {
		seeded[i] = loggedSignal{
			Timestamp: arbNow.Format(time.RFC3339),
			Signal:    types.Signal{Symbol: "OLD", Action: types.ActionLong, Leverage: i},
		}
	}
	if err := mgr.Store().Save("rubber_signal_log.json", seeded); err != nil {
		t.Fatalf("seed log: %v", err)
	}

	batch := types.SignalBatch{
		ActionType: types.BatchTrade,
		Signals: []types.Signal{
			{Symbol: "BTC", Action: types.ActionLong, Confidence: 0.85, Leverage: 3},
			{Symbol: "ETH", Action: types.ActionClose, Confidence: 0.90},
		},
		GeneratedAt: arbNow,
	}
	if err := arb.Publish(&batch); err != nil {
		t.Fatalf("publish: %v", err)
	}

	var rows []loggedSignal
	if err := mgr.Store().Load("rubber_signal_log.json", &rows); err != nil {
		t.Fatalf("load signal log: %v", err)
	}
	if len(rows) != 200 {
		t.Fatalf("len(log) = %d, want capped at 200", len(rows))
	}
	// Oldest row dropped; newest two are this batch.
	if rows[0].Leverage != 1 {
		t.Errorf("rows[0].Leverage = %d, want 1 (row 0 evicted)", rows[0].Leverage)
	}
	if rows[198].Symbol != "BTC" || rows[199].Symbol != "ETH" {
		t.Errorf("tail = %s, %s, want BTC, ETH", rows[198].Symbol, rows[199].Symbol)
	}
}

func TestSafeHold(t *testing.T) {
	t.Parallel()
	arb, _, _ := newArbiterFixture(t)

	batch := arb.SafeHold(arbNow, "market data collection failed")
	if batch.ActionType != types.BatchHold {
		t.Errorf("action_type = %q, want hold", batch.ActionType)
	}
	if len(batch.Signals) != 3 {
		t.Fatalf("len(signals) = %d, want 3", len(batch.Signals))
	}
	for _, sig := range batch.Signals {
		if sig.Action != types.ActionHold {
			t.Errorf("%s action = %q, want hold", sig.Symbol, sig.Action)
		}
		if !strings.Contains(sig.Reasoning, "safe hold: market data collection failed") {
			t.Errorf("reasoning = %q, want safe hold prefix", sig.Reasoning)
		}
	}
	if batch.SafeHoldReason != "market data collection failed" {
		t.Errorf("safe_hold_reason = %q", batch.SafeHoldReason)
	}
	if want := arbNow.UTC().Format(time.RFC3339); batch.SafeHoldAt != want {
		t.Errorf("safe_hold_at = %q, want %q", batch.SafeHoldAt, want)
	}
}

package arbiter

import (
	"fmt"
	"strings"
	"time"

	"github.com/Naofumi-1000ri/MyClawTradingBot/pkg/types"
)

// compose fills the batch narrative from cycle facts. The strings end
// up in signals.json and the Telegram digest, so they stay short and
// factual.
func (a *Arbiter) compose(batch *types.SignalBatch, now time.Time, positions []types.Position, market *types.MarketData) {
	entries, closes, holds := 0, 0, 0
	for _, sig := range batch.Signals {
		switch {
		case sig.Action.IsEntry():
			entries++
		case sig.Action.IsClose():
			closes++
		default:
			holds++
		}
	}

	batch.MarketSummary = a.marketSummary(market)
	batch.JournalEntry = journalEntry(batch.Signals)
	batch.SelfAssessment = fmt.Sprintf("%d entries, %d closes, %d holds; %d positions open",
		entries, closes, holds, len(positions))
	batch.OODA = types.OODA{
		Observe: a.observe(now, positions, market),
		Orient:  orient(batch.Signals),
		Decide:  decide(batch.Signals),
	}
}

func (a *Arbiter) marketSummary(market *types.MarketData) string {
	if market == nil || len(market.Symbols) == 0 {
		return "no market snapshot"
	}
	var parts []string
	for _, symbol := range a.cfg.Trading.Symbols {
		snap := market.Symbols[symbol]
		if snap == nil || snap.MidPrice == nil {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s=%.2f", symbol, *snap.MidPrice))
	}
	if len(parts) == 0 {
		return fmt.Sprintf("no mids for configured symbols; equity %.2f", market.AccountEquity)
	}
	return fmt.Sprintf("%s | equity %.2f", strings.Join(parts, " "), market.AccountEquity)
}

func (a *Arbiter) observe(now time.Time, positions []types.Position, market *types.MarketData) string {
	symbols, equity := 0, 0.0
	if market != nil {
		symbols = len(market.Symbols)
		equity = market.AccountEquity
	}
	return fmt.Sprintf("%s: %d symbols snapshotted, %d positions live, equity %.2f",
		now.UTC().Format(time.RFC3339), symbols, len(positions), equity)
}

// orient surfaces the spike diagnostics behind the decisions; a quiet
// cycle says so explicitly.
func orient(signals []types.Signal) string {
	var parts []string
	for _, sig := range signals {
		if sig.VolRatio <= 0 && sig.Pattern == "" {
			continue
		}
		part := sig.Symbol
		if sig.Pattern != "" {
			part += " " + sig.Pattern
		}
		if sig.Zone != "" {
			part += "@" + sig.Zone
		}
		if sig.VolRatio > 0 {
			part += fmt.Sprintf(" vr=%.1f", sig.VolRatio)
		}
		parts = append(parts, part)
	}
	if len(parts) == 0 {
		return "volumes within normal bands on all symbols"
	}
	return strings.Join(parts, "; ")
}

func decide(signals []types.Signal) string {
	var parts []string
	for _, sig := range signals {
		switch {
		case sig.Action.IsEntry():
			parts = append(parts, fmt.Sprintf("%s %s @%dx conf %.2f", string(sig.Action), sig.Symbol, sig.Leverage, sig.Confidence))
		case sig.Action.IsClose():
			parts = append(parts, fmt.Sprintf("close %s conf %.2f", sig.Symbol, sig.Confidence))
		}
	}
	if len(parts) == 0 {
		return "hold all symbols"
	}
	return strings.Join(parts, "; ")
}

func journalEntry(signals []types.Signal) string {
	var parts []string
	for _, sig := range signals {
		if sig.Action.IsHold() {
			continue
		}
		reason := sig.Pattern
		if reason == "" {
			reason = sig.Reasoning
		}
		if len(reason) > 80 {
			reason = reason[:80]
		}
		parts = append(parts, fmt.Sprintf("%s %s (%s, conf %.2f)", sig.Symbol, string(sig.Action), reason, sig.Confidence))
	}
	if len(parts) == 0 {
		return "no actionable signals this cycle"
	}
	return strings.Join(parts, "; ")
}

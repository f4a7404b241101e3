package arbiter

import (
	"fmt"
	"time"

	"github.com/Naofumi-1000ri/MyClawTradingBot/pkg/types"
)

// loggedSignal is one row of the rolling signal log joined against
// trade outcomes by the performance tracker.
type loggedSignal struct {
	Timestamp string `json:"timestamp"`
	types.Signal
}

// Publish writes the batch to signals/signals.json and appends every
// actionable signal to the rolling log in the state directory.
func (a *Arbiter) Publish(batch *types.SignalBatch) error {
	if err := a.signals.Save(batchFile, batch); err != nil {
		return fmt.Errorf("publish batch: %w", err)
	}
	if err := a.appendSignalLog(batch); err != nil {
		// The batch is the executor's input and already safely on
		// disk; a log append failure must not abort the cycle.
		a.log.Error().Err(err).Msg("signal log append failed")
	}
	return nil
}

func (a *Arbiter) appendSignalLog(batch *types.SignalBatch) error {
	var rows []loggedSignal
	st := a.state.Store()
	if _, err := st.LoadOptional(signalLogFile, &rows); err != nil {
		return err
	}
	appended := false
	stamp := batch.GeneratedAt.UTC().Format(time.RFC3339)
	for _, sig := range batch.Signals {
		if sig.Action.IsHold() {
			continue
		}
		rows = append(rows, loggedSignal{Timestamp: stamp, Signal: sig})
		appended = true
	}
	if !appended {
		return nil
	}
	if len(rows) > signalLogCap {
		rows = rows[len(rows)-signalLogCap:]
	}
	return st.Save(signalLogFile, rows)
}

// SafeHold builds the batch published when a cycle fails partway: one
// hold per configured symbol, flagged so the monitor can see how long
// the agent has been sidelined.
func (a *Arbiter) SafeHold(now time.Time, reason string) types.SignalBatch {
	batch := types.SignalBatch{
		ActionType:     types.BatchHold,
		Signals:        a.syntheticHolds(),
		GeneratedAt:    now,
		SafeHoldAt:     now.UTC().Format(time.RFC3339),
		SafeHoldReason: reason,
	}
	for i := range batch.Signals {
		batch.Signals[i].Reasoning = "safe hold: " + reason
	}
	batch.MarketSummary = "cycle aborted before market summary"
	batch.JournalEntry = "safe hold: " + reason
	batch.SelfAssessment = "cycle failed; holding all symbols until next tick"
	batch.OODA = types.OODA{
		Observe: fmt.Sprintf("%s: cycle error: %s", now.UTC().Format(time.RFC3339), reason),
		Orient:  "market state unknown or stale",
		Decide:  "hold all symbols",
	}
	return batch
}

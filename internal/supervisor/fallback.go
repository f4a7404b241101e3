package supervisor

import (
	"fmt"
	"time"

	"github.com/Naofumi-1000ri/MyClawTradingBot/pkg/types"
)

const (
	fallbackStateFile     = "fallback_tracker.json"
	fallbackAlertCooldown = time.Hour
)

// Escalation points in consecutive no-entry cycles. At the five-minute
// cadence these land at one hour, three hours, and twelve hours.
var fallbackThresholds = []int{12, 36, 144}

// fallbackStreak is one run of consecutive no-entry cycles sharing a
// reason.
type fallbackStreak struct {
	Count       int    `json:"count"`
	StartedAt   string `json:"started_at"`
	LastSeenAt  string `json:"last_seen_at"`
	LastAlertAt string `json:"last_alert_at,omitempty"`
	NextIdx     int    `json:"next_threshold,omitempty"`
}

type fallbackState struct {
	LastBatchAt string                     `json:"last_batch_at,omitempty"`
	Streaks     map[string]*fallbackStreak `json:"streaks,omitempty"`
}

// trackFallback counts consecutive cycles that produced no entries and
// escalates when a streak crosses a threshold. A cycle that trades or
// works an open position ends every streak; a reason change starts a
// fresh one. Re-observing the same batch (ad-hoc monitor runs) does not
// double-count.
func (m *Monitor) trackFallback(now time.Time, batch *types.SignalBatch) []string {
	if batch == nil {
		return nil
	}
	st := m.state.Store()
	var fs fallbackState
	if _, err := st.LoadOptional(fallbackStateFile, &fs); err != nil {
		m.log.Warn().Err(err).Msg("fallback tracker state unreadable")
		return nil
	}

	reason := fallbackReason(batch)
	if reason == "" {
		if len(fs.Streaks) == 0 && fs.LastBatchAt == "" {
			return nil
		}
		if err := st.Save(fallbackStateFile, &fallbackState{}); err != nil {
			m.log.Error().Err(err).Msg("fallback tracker reset failed")
		}
		return nil
	}

	stamp := batch.GeneratedAt.UTC().Format(time.RFC3339)
	if stamp == fs.LastBatchAt {
		return nil
	}
	fs.LastBatchAt = stamp

	streak := fs.Streaks[reason]
	if streak == nil {
		streak = &fallbackStreak{StartedAt: stamp}
	}
	fs.Streaks = map[string]*fallbackStreak{reason: streak}
	streak.Count++
	streak.LastSeenAt = stamp

	var alerts []string
	if streak.NextIdx < len(fallbackThresholds) && streak.Count >= fallbackThresholds[streak.NextIdx] {
		if m.fallbackCooledDown(now, streak) {
			alerts = append(alerts,
				fmt.Sprintf("no entry signals for %d consecutive cycles (%s)", streak.Count, reason))
			streak.LastAlertAt = now.UTC().Format(time.RFC3339)
			streak.NextIdx++
		}
	}

	if err := st.Save(fallbackStateFile, &fs); err != nil {
		m.log.Error().Err(err).Msg("fallback tracker save failed")
	}
	return alerts
}

func (m *Monitor) fallbackCooledDown(now time.Time, streak *fallbackStreak) bool {
	if streak.LastAlertAt == "" {
		return true
	}
	last, err := time.Parse(time.RFC3339, streak.LastAlertAt)
	if err != nil {
		return true
	}
	return now.Sub(last) >= fallbackAlertCooldown
}

// fallbackReason classifies a batch. Empty means the cycle was not a
// fallback: it traded or a hold_position is working an open position.
func fallbackReason(batch *types.SignalBatch) string {
	if len(batch.Signals) == 0 || batch.HasTrade() {
		return ""
	}
	if batch.SafeHoldReason != "" {
		return "safe hold: " + batch.SafeHoldReason
	}
	for i := range batch.Signals {
		if batch.Signals[i].Action == types.ActionHoldPosition {
			return ""
		}
	}
	return "no volume spike"
}

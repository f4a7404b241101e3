package supervisor

import (
	"strings"
	"testing"
	"time"

	"github.com/Naofumi-1000ri/MyClawTradingBot/pkg/types"
)

func loadFallbackState(t *testing.T, f *monitorFixture) fallbackState {
	t.Helper()
	var fs fallbackState
	if _, err := f.state.LoadOptional(fallbackStateFile, &fs); err != nil {
		t.Fatalf("load fallback state: %v", err)
	}
	return fs
}

func TestFallbackStreakEscalatesAtThreshold(t *testing.T) {
	t.Parallel()
	f := newMonitorFixture(t)

	var fired []string
	for i := 0; i < 12; i++ {
		batch := holdBatch(monNow.Add(time.Duration(i) * 5 * time.Minute))
		alerts := f.mon.trackFallback(monNow.Add(time.Duration(i)*5*time.Minute), batch)
		if i < 11 && len(alerts) != 0 {
			t.Fatalf("cycle %d: alerts = %v, want none before threshold", i+1, alerts)
		}
		fired = append(fired, alerts...)
	}
	if len(fired) != 1 || !strings.Contains(fired[0], "12 consecutive cycles") {
		t.Fatalf("fired = %v, want one alert at 12 cycles", fired)
	}

	fs := loadFallbackState(t, f)
	streak := fs.Streaks["no volume spike"]
	if streak == nil || streak.Count != 12 || streak.NextIdx != 1 {
		t.Errorf("streak = %+v", streak)
	}
}

func TestFallbackCooldownSuppressesRepeat(t *testing.T) {
	t.Parallel()
	f := newMonitorFixture(t)

	// All passes share one wall-clock instant, so the second threshold
	// lands inside the cooldown window and stays quiet.
	var fired []string
	for i := 0; i < 36; i++ {
		batch := holdBatch(monNow.Add(time.Duration(i) * 5 * time.Minute))
		fired = append(fired, f.mon.trackFallback(monNow, batch)...)
	}
	if len(fired) != 1 {
		t.Fatalf("fired = %v, want exactly one alert inside the cooldown", fired)
	}

	// Two hours later the cooldown has lapsed; the pending threshold fires.
	batch := holdBatch(monNow.Add(36 * 5 * time.Minute))
	alerts := f.mon.trackFallback(monNow.Add(2*time.Hour), batch)
	if len(alerts) != 1 || !strings.Contains(alerts[0], "37 consecutive cycles") {
		t.Fatalf("alerts = %v, want escalation after cooldown", alerts)
	}
}

func TestFallbackTradeResetsStreaks(t *testing.T) {
	t.Parallel()
	f := newMonitorFixture(t)

	for i := 0; i < 5; i++ {
		f.mon.trackFallback(monNow, holdBatch(monNow.Add(time.Duration(i)*5*time.Minute)))
	}
	trade := &types.SignalBatch{
		ActionType: types.BatchTrade,
		Signals: []types.Signal{
			{Symbol: "BTC", Action: types.ActionLong, Confidence: 0.85},
		},
		GeneratedAt: monNow.Add(25 * time.Minute),
	}
	if alerts := f.mon.trackFallback(monNow, trade); len(alerts) != 0 {
		t.Errorf("alerts = %v on a trade batch", alerts)
	}

	fs := loadFallbackState(t, f)
	if len(fs.Streaks) != 0 {
		t.Errorf("streaks = %v, want reset after trade", fs.Streaks)
	}

	// Next quiet cycle starts a fresh count.
	f.mon.trackFallback(monNow, holdBatch(monNow.Add(30*time.Minute)))
	fs = loadFallbackState(t, f)
	if streak := fs.Streaks["no volume spike"]; streak == nil || streak.Count != 1 {
		t.Errorf("streak = %+v, want fresh count 1", streak)
	}
}

func TestFallbackSameBatchNotDoubleCounted(t *testing.T) {
	t.Parallel()
	f := newMonitorFixture(t)

	batch := holdBatch(monNow)
	f.mon.trackFallback(monNow, batch)
	f.mon.trackFallback(monNow.Add(time.Minute), batch)

	fs := loadFallbackState(t, f)
	if streak := fs.Streaks["no volume spike"]; streak == nil || streak.Count != 1 {
		t.Errorf("streak = %+v, want count 1 after re-observing one batch", streak)
	}
}

func TestFallbackReasonChangeStartsNewStreak(t *testing.T) {
	t.Parallel()
	f := newMonitorFixture(t)

	for i := 0; i < 4; i++ {
		f.mon.trackFallback(monNow, holdBatch(monNow.Add(time.Duration(i)*5*time.Minute)))
	}
	safeHold := holdBatch(monNow.Add(20 * time.Minute))
	safeHold.SafeHoldReason = "market data collection failed"
	f.mon.trackFallback(monNow, safeHold)

	fs := loadFallbackState(t, f)
	if len(fs.Streaks) != 1 {
		t.Fatalf("streaks = %v, want only the new reason", fs.Streaks)
	}
	streak := fs.Streaks["safe hold: market data collection failed"]
	if streak == nil || streak.Count != 1 {
		t.Errorf("streak = %+v", streak)
	}
}

func TestFallbackReasonClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		batch *types.SignalBatch
		want  string
	}{
		{
			name: "trade batch is not a fallback",
			batch: &types.SignalBatch{ActionType: types.BatchTrade, Signals: []types.Signal{
				{Symbol: "BTC", Action: types.ActionLong},
			}},
			want: "",
		},
		{
			name: "hold_position suppresses fallback",
			batch: &types.SignalBatch{ActionType: types.BatchHold, Signals: []types.Signal{
				{Symbol: "BTC", Action: types.ActionHoldPosition},
				{Symbol: "ETH", Action: types.ActionHold},
			}},
			want: "",
		},
		{
			name: "safe hold keeps its reason",
			batch: &types.SignalBatch{ActionType: types.BatchHold, SafeHoldReason: "collector down",
				Signals: []types.Signal{{Symbol: "BTC", Action: types.ActionHold}}},
			want: "safe hold: collector down",
		},
		{
			name: "plain holds are a no-spike cycle",
			batch: &types.SignalBatch{ActionType: types.BatchHold, Signals: []types.Signal{
				{Symbol: "BTC", Action: types.ActionHold},
				{Symbol: "ETH", Action: types.ActionHold},
			}},
			want: "no volume spike",
		},
		{
			name:  "empty batch is ignored",
			batch: &types.SignalBatch{ActionType: types.BatchHold},
			want:  "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := fallbackReason(tt.batch); got != tt.want {
				t.Errorf("fallbackReason() = %q, want %q", got, tt.want)
			}
		})
	}
}

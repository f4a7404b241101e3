package risk

import (
	"math"
	"testing"

	"github.com/rs/zerolog"

	"github.com/Naofumi-1000ri/MyClawTradingBot/internal/config"
	"github.com/Naofumi-1000ri/MyClawTradingBot/pkg/types"
)

func sizingSignal(leverage int, regime types.VolRegime) *types.Signal {
	return &types.Signal{
		Symbol:     "BTC",
		Action:     types.ActionLong,
		Confidence: 0.85,
		Leverage:   leverage,
		VolRegime:  regime,
	}
}

func sizeEq(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestPositionSizeBase(t *testing.T) {
	t.Parallel()
	m := newManager()

	// 10% of 10k equity = 1000 margin, 3x = 3000 notional, /50000 mid.
	got := m.PositionSize(sizingSignal(3, types.VolNormal), 50000, 10000, nil)
	if !sizeEq(got, 0.06) {
		t.Errorf("size = %v, want 0.06", got)
	}
}

func TestPositionSizeChopRegime(t *testing.T) {
	t.Parallel()
	m := newManager()

	got := m.PositionSize(sizingSignal(3, types.VolLow), 50000, 10000, nil)
	if !sizeEq(got, 0.042) {
		t.Errorf("size = %v, want 0.042 (0.7 chop multiplier)", got)
	}

	// High volatility maps to trend, which sizes at full multiplier.
	trend := m.PositionSize(sizingSignal(3, types.VolHigh), 50000, 10000, nil)
	if !sizeEq(trend, 0.06) {
		t.Errorf("size = %v, want 0.06 for trend regime", trend)
	}
}

func TestPositionSizePerSymbolCap(t *testing.T) {
	t.Parallel()
	params := config.DefaultRiskParams()
	params.Sizing.PerSymbolMaxUSD = map[string]float64{"BTC": 1000}
	m := New(params, zerolog.Nop())

	got := m.PositionSize(sizingSignal(3, types.VolNormal), 50000, 10000, nil)
	if !sizeEq(got, 0.02) {
		t.Errorf("size = %v, want 0.02 (1000 USD symbol cap)", got)
	}
}

func TestPositionSizePerTradeCap(t *testing.T) {
	t.Parallel()
	params := config.DefaultRiskParams()
	params.Sizing.MaxTradeUSD = 500
	m := New(params, zerolog.Nop())

	got := m.PositionSize(sizingSignal(3, types.VolNormal), 50000, 10000, nil)
	if !sizeEq(got, 0.01) {
		t.Errorf("size = %v, want 0.01 (500 USD trade cap)", got)
	}
}

func TestPositionSizeExposureBudget(t *testing.T) {
	t.Parallel()
	m := newManager()

	// 2500 USD already committed against a 3000 USD ceiling.
	positions := []types.Position{{Symbol: "ETH", Side: types.Long, Size: 0.05, EntryPrice: 50000}}
	got := m.PositionSize(sizingSignal(3, types.VolNormal), 50000, 10000, positions)
	if !sizeEq(got, 0.01) {
		t.Errorf("size = %v, want 0.01 (500 USD budget left)", got)
	}
}

func TestPositionSizeBelowMinimum(t *testing.T) {
	t.Parallel()
	m := newManager()

	positions := []types.Position{{Symbol: "ETH", Side: types.Long, Size: 0.0599, EntryPrice: 50000}}
	got := m.PositionSize(sizingSignal(3, types.VolNormal), 50000, 10000, positions)
	if got != 0 {
		t.Errorf("size = %v, want 0 (5 USD budget below min order)", got)
	}
}

func TestPositionSizeRoundingTiers(t *testing.T) {
	t.Parallel()
	m := newManager()

	tests := []struct {
		name string
		mid  float64
		want float64
	}{
		{"majors get 4dp", 50000, 0.02},
		{"mid-caps get 3dp", 150, 6.667},
		{"small-caps get 2dp", 3, 333.33},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := m.PositionSize(sizingSignal(1, types.VolNormal), tt.mid, 10000, nil)
			if !sizeEq(got, tt.want) {
				t.Errorf("size at mid %v = %v, want %v", tt.mid, got, tt.want)
			}
		})
	}
}

func TestPositionSizeZeroInputs(t *testing.T) {
	t.Parallel()
	m := newManager()

	if got := m.PositionSize(sizingSignal(3, types.VolNormal), 0, 10000, nil); got != 0 {
		t.Errorf("size with zero mid = %v, want 0", got)
	}
	if got := m.PositionSize(sizingSignal(3, types.VolNormal), 50000, 0, nil); got != 0 {
		t.Errorf("size with zero equity = %v, want 0", got)
	}
}

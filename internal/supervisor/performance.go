package supervisor

import (
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/Naofumi-1000ri/MyClawTradingBot/internal/state"
	"github.com/Naofumi-1000ri/MyClawTradingBot/pkg/types"
)

const (
	signalLogFile   = "rubber_signal_log.json"
	performanceFile = "performance_report.json"

	// signalMatchWindow joins a closed trade to the nearest earlier
	// signal on the same symbol. Entry-to-close lag tops out around the
	// wave-rider time cuts, so two hours covers every strategy.
	signalMatchWindow = 2 * time.Hour

	// minTradesForSummary gates the alert-channel summary; below this
	// the win rate is noise.
	minTradesForSummary = 10
)

// Stats is one aggregation bucket. ProfitFactor is nil until the bucket
// has at least one losing trade to divide by.
type Stats struct {
	Trades       int      `json:"trades"`
	Wins         int      `json:"wins"`
	WinRate      float64  `json:"win_rate"`
	TotalPnL     float64  `json:"total_pnl"`
	AvgPnL       float64  `json:"avg_pnl"`
	ProfitFactor *float64 `json:"pf"`

	grossProfit float64
	grossLoss   float64
}

func (s *Stats) add(pnl float64) {
	s.Trades++
	s.TotalPnL += pnl
	if pnl > 0 {
		s.Wins++
		s.grossProfit += pnl
	} else {
		s.grossLoss += -pnl
	}
}

func (s *Stats) finalize() {
	if s.Trades > 0 {
		s.WinRate = round1(float64(s.Wins) / float64(s.Trades) * 100)
		s.AvgPnL = round4(s.TotalPnL / float64(s.Trades))
	}
	s.TotalPnL = round4(s.TotalPnL)
	if s.grossLoss > 0 {
		pf := round2(s.grossProfit / s.grossLoss)
		s.ProfitFactor = &pf
	}
}

// PenetrationStats compares entries taken inside the penetration zone
// against the rest, the question the zone design hangs on.
type PenetrationStats struct {
	Trades                int               `json:"penetration_trades"`
	WinRate               float64           `json:"penetration_win_rate"`
	AvgPnL                float64           `json:"penetration_avg_pnl"`
	ProfitFactor          *float64          `json:"penetration_pf"`
	NonPenetrationTrades  int               `json:"non_penetration_trades"`
	NonPenetrationWinRate float64           `json:"non_penetration_win_rate"`
	VolBuckets            map[string]*Stats `json:"penetration_vol_buckets"`
}

// PerformanceReport is the joined picture written to
// state/performance_report.json.
type PerformanceReport struct {
	ByZone      map[string]*Stats `json:"by_zone"`
	ByVolBucket map[string]*Stats `json:"by_vol_bucket"`
	BySymbol    map[string]*Stats `json:"by_symbol"`
	ByPattern   map[string]*Stats `json:"by_pattern"`
	Penetration PenetrationStats  `json:"penetration_analysis"`
	Total       *Stats            `json:"total"`
	Matched     int               `json:"matched_trades"`
	Unmatched   int               `json:"unmatched_trades"`
	AnalyzedAt  time.Time         `json:"analyzed_at"`
}

// signalLogRow mirrors what the arbiter appends to the rolling log.
type signalLogRow struct {
	Timestamp string `json:"timestamp"`
	types.Signal
}

// Tracker joins closed trades with the signal log to grade the
// strategies per zone, pattern, symbol, and spike-strength bucket.
type Tracker struct {
	state *state.Manager
	log   zerolog.Logger
}

func NewTracker(st *state.Manager, log zerolog.Logger) *Tracker {
	return &Tracker{state: st, log: log.With().Str("component", "performance").Logger()}
}

// Analyze builds the report from trade history and the signal log. Open
// rows are skipped: a trade without an outcome has nothing to grade.
func (t *Tracker) Analyze(now time.Time) *PerformanceReport {
	rep := &PerformanceReport{
		ByZone:      map[string]*Stats{},
		ByVolBucket: map[string]*Stats{},
		BySymbol:    map[string]*Stats{},
		ByPattern:   map[string]*Stats{},
		Total:       &Stats{},
		AnalyzedAt:  now,
	}
	rep.Penetration.VolBuckets = map[string]*Stats{}

	trades, err := t.state.TradeHistory()
	if err != nil {
		t.log.Warn().Err(err).Msg("trade history unreadable")
		return rep
	}
	var logRows []signalLogRow
	if _, err := t.state.Store().LoadOptional(signalLogFile, &logRows); err != nil {
		t.log.Warn().Err(err).Msg("signal log unreadable")
	}

	for i := range trades {
		trade := &trades[i]
		if trade.IsOpen() || trade.PnL == nil {
			continue
		}
		pnl := *trade.PnL
		rep.Total.add(pnl)
		bucketInto(rep.BySymbol, trade.Symbol, pnl)

		sig := matchSignal(trade, logRows)
		if sig == nil {
			rep.Unmatched++
			bucketInto(rep.ByZone, "unmatched", pnl)
			continue
		}
		rep.Matched++
		zone := orUnknown(sig.Zone)
		bucketInto(rep.ByZone, zone, pnl)
		bucketInto(rep.ByVolBucket, volBucket(sig.VolRatio), pnl)
		bucketInto(rep.ByPattern, orUnknown(sig.Pattern), pnl)
		if zone == "penetration" {
			bucketInto(rep.Penetration.VolBuckets, volBucket(sig.VolRatio), pnl)
		}
	}

	finalizeAll(rep.ByZone)
	finalizeAll(rep.ByVolBucket)
	finalizeAll(rep.BySymbol)
	finalizeAll(rep.ByPattern)
	finalizeAll(rep.Penetration.VolBuckets)
	rep.Total.finalize()
	rep.fillPenetration()
	return rep
}

// Run analyzes and writes the report. The returned line is the
// alert-channel summary, empty until enough closed trades accumulate.
func (t *Tracker) Run(now time.Time) (string, error) {
	rep := t.Analyze(now)
	if rep.Total.Trades == 0 {
		t.log.Info().Msg("no closed trades to analyze yet")
		return "", nil
	}
	if err := t.state.Store().Save(performanceFile, rep); err != nil {
		return "", fmt.Errorf("save performance report: %w", err)
	}
	t.log.Info().Int("trades", rep.Total.Trades).Float64("win_rate", rep.Total.WinRate).
		Float64("total_pnl", rep.Total.TotalPnL).Int("matched", rep.Matched).
		Msg("performance report updated")

	if rep.Total.Trades < minTradesForSummary {
		return "", nil
	}
	pf := "n/a"
	if rep.Total.ProfitFactor != nil {
		pf = fmt.Sprintf("%.2f", *rep.Total.ProfitFactor)
	}
	return fmt.Sprintf("performance: %d trades, win rate %.1f%%, pnl %.2f USD, pf %s",
		rep.Total.Trades, rep.Total.WinRate, rep.Total.TotalPnL, pf), nil
}

func (r *PerformanceReport) fillPenetration() {
	if pen := r.ByZone["penetration"]; pen != nil {
		r.Penetration.Trades = pen.Trades
		r.Penetration.WinRate = pen.WinRate
		r.Penetration.AvgPnL = pen.AvgPnL
		r.Penetration.ProfitFactor = pen.ProfitFactor
	}
	var trades, wins int
	for zone, s := range r.ByZone {
		if zone == "penetration" || zone == "unmatched" {
			continue
		}
		trades += s.Trades
		wins += s.Wins
	}
	r.Penetration.NonPenetrationTrades = trades
	if trades > 0 {
		r.Penetration.NonPenetrationWinRate = round1(float64(wins) / float64(trades) * 100)
	}
}

// matchSignal finds the nearest same-symbol signal at most the match
// window before the trade's close.
func matchSignal(trade *types.Trade, rows []signalLogRow) *types.Signal {
	closeAt := trade.RecordedAt
	if trade.ClosedAt != nil {
		closeAt = *trade.ClosedAt
	}
	var best *types.Signal
	bestDiff := signalMatchWindow + time.Second
	for i := range rows {
		if rows[i].Symbol != trade.Symbol {
			continue
		}
		ts, err := time.Parse(time.RFC3339, rows[i].Timestamp)
		if err != nil {
			continue
		}
		diff := closeAt.Sub(ts)
		if diff < 0 || diff >= signalMatchWindow {
			continue
		}
		if diff < bestDiff {
			bestDiff = diff
			best = &rows[i].Signal
		}
	}
	return best
}

func bucketInto(m map[string]*Stats, key string, pnl float64) {
	s := m[key]
	if s == nil {
		s = &Stats{}
		m[key] = s
	}
	s.add(pnl)
}

func finalizeAll(m map[string]*Stats) {
	for _, s := range m {
		s.finalize()
	}
}

func volBucket(ratio float64) string {
	switch {
	case ratio <= 0:
		return "unknown"
	case ratio < 3:
		return "<3x"
	case ratio < 5:
		return "3-5x"
	case ratio < 7:
		return "5-7x"
	case ratio < 10:
		return "7-10x"
	default:
		return "10x+"
	}
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }
func round2(v float64) float64 { return math.Round(v*100) / 100 }
func round4(v float64) float64 { return math.Round(v*10000) / 10000 }

package collector

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/Naofumi-1000ri/MyClawTradingBot/pkg/types"
)

const (
	healthFile        = "data_health.json"
	healthHistoryFile = "data_health_history.json"
	healthSummaryFile = "data_health_summary.json"
	requestsFile      = "requests.json"
	alertStateFile    = "data_health_alert_state.json"

	// healthHistoryCap keeps about 7 days at a 5 minute cadence.
	healthHistoryCap    = 2500
	requestsCap         = 200
	healthAlertCooldown = 30 * time.Minute
	requestDedupWindow  = time.Hour

	// stateLagUnrealizedUSD flags "positions empty but the ledger still
	// carries unrealized pnl" as a warning.
	stateLagUnrealizedUSD = 5.0
)

// candleMinimums are the shortest series the strategy layer can work with.
var candleMinimums = [...]struct {
	interval string
	min      int
}{
	{"5m", 100},
	{"15m", 48},
	{"1h", 24},
	{"4h", 20},
}

// HealthResult is one evaluation of the latest snapshot. Errors cost 20
// score points each, warnings 5; the score picks the execution mode for the
// cycle.
type HealthResult struct {
	Healthy             bool                `json:"healthy"`
	Score               int                 `json:"score"`
	ExecutionMode       types.ExecutionMode `json:"execution_mode"`
	RecommendKillSwitch bool                `json:"recommend_kill_switch"`
	Errors              []string            `json:"errors"`
	Warnings            []string            `json:"warnings"`
	CheckedAt           time.Time           `json:"checked_at"`
	AttemptedRecollect  bool                `json:"attempted_recollect"`
}

// HealthSummary aggregates the last 24 hours of health results.
type HealthSummary struct {
	UpdatedAt   time.Time         `json:"updated_at"`
	WindowHours int               `json:"window_hours"`
	Samples     int               `json:"samples"`
	Score       healthScoreStats  `json:"score"`
	Modes       healthModeCounts  `json:"modes"`
	Events      healthEventCounts `json:"events"`
}

type healthScoreStats struct {
	Avg float64 `json:"avg"`
	Min int     `json:"min"`
	Max int     `json:"max"`
}

type healthModeCounts struct {
	All       int `json:"all"`
	CloseOnly int `json:"close_only"`
}

type healthEventCounts struct {
	FailedChecks   int `json:"failed_checks"`
	KillSwitchRecs int `json:"kill_switch_recommendations"`
	ConsecutiveLow int `json:"consecutive_low_score"`
}

// improvementRequest is one row of state/requests.json, the operator-facing
// action queue.
type improvementRequest struct {
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthCheck validates the latest snapshot. When the first pass fails and
// attemptRecollect is set it collects once more and re-validates.
func (c *Collector) HealthCheck(ctx context.Context, attemptRecollect bool) *HealthResult {
	res := c.evaluateHealth()
	if res.Healthy || !attemptRecollect {
		return res
	}

	c.log.Warn().Strs("errors", res.Errors).Msg("health check failed, recollecting once")
	if _, err := c.Collect(ctx); err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("recollect failed: %v", err))
		return res
	}

	second := c.evaluateHealth()
	second.AttemptedRecollect = true
	return second
}

// ReportHealth persists the result, maintains the history ring and 24h
// summary, queues a kill-switch recommendation when warranted, and sends
// degradation alerts.
func (c *Collector) ReportHealth(res *HealthResult) error {
	if err := c.state.Store().Save(healthFile, res); err != nil {
		return fmt.Errorf("write health report: %w", err)
	}
	c.appendHealthHistory(res)
	c.updateHealthSummary()
	if res.RecommendKillSwitch {
		c.requestKillSwitch(res)
	}
	c.sendHealthAlert(res)
	return nil
}

func (c *Collector) evaluateHealth() *HealthResult {
	res := &HealthResult{
		CheckedAt: time.Now().UTC(),
		Errors:    []string{},
		Warnings:  []string{},
	}

	var md types.MarketData
	if err := c.data.Load(marketDataFile, &md); err != nil {
		res.Errors = append(res.Errors, "market_data.json is missing or invalid")
		c.applyHealthPolicy(res, 0)
		return res
	}

	staleness := time.Duration(c.cfg.Cycle.DataStalenessSeconds) * time.Second
	if md.Timestamp.IsZero() {
		res.Errors = append(res.Errors, "market_data timestamp missing")
	} else if age := time.Since(md.Timestamp); age > staleness {
		res.Errors = append(res.Errors, fmt.Sprintf("market_data is stale: %.0fs > %.0fs", age.Seconds(), staleness.Seconds()))
	}

	for _, sym := range c.cfg.Trading.Symbols {
		s := md.Symbols[sym]
		if s == nil {
			res.Errors = append(res.Errors, sym+": missing symbol payload")
			continue
		}
		if s.MidPrice == nil || *s.MidPrice <= 0 {
			res.Errors = append(res.Errors, sym+": mid price missing or <= 0")
		}
		for _, m := range candleMinimums {
			if n := len(s.Candles(m.interval)); n < m.min {
				res.Errors = append(res.Errors, fmt.Sprintf("%s: insufficient candles_%s (%d<%d)", sym, m.interval, n, m.min))
			}
		}
		if len(s.OrderBook.Bids) == 0 || len(s.OrderBook.Asks) == 0 {
			res.Errors = append(res.Errors, sym+": orderbook empty")
		}
	}

	if md.AccountEquity <= 0 {
		res.Errors = append(res.Errors, "account_equity <= 0")
	}

	daily, err := c.state.DailyPnL()
	if err != nil || daily == nil {
		res.Warnings = append(res.Warnings, "daily_pnl.json missing or invalid")
	} else {
		if daily.Equity > 0 && md.AccountEquity > 0 {
			maxDrift := c.risk.EntryGate.MaxEquityDriftPct
			drift := math.Abs(md.AccountEquity-daily.Equity) / daily.Equity * 100
			if drift > maxDrift {
				res.Errors = append(res.Errors, fmt.Sprintf(
					"equity drift too large: live=%.2f state=%.2f drift=%.1f%%>%.1f%%",
					md.AccountEquity, daily.Equity, drift, maxDrift))
			}
		}
		if positions, perr := c.state.Positions(); perr == nil &&
			len(positions) == 0 && math.Abs(daily.UnrealizedPnL) > stateLagUnrealizedUSD {
			res.Warnings = append(res.Warnings, fmt.Sprintf(
				"positions empty but unrealized pnl is %.2f (possible state lag)", daily.UnrealizedPnL))
		}
	}

	score := 100 - 20*len(res.Errors) - 5*len(res.Warnings)
	if score < 0 {
		score = 0
	}
	res.Healthy = len(res.Errors) == 0
	c.applyHealthPolicy(res, score)
	return res
}

func (c *Collector) applyHealthPolicy(res *HealthResult, score int) {
	res.Score = score
	res.ExecutionMode = types.ModeAll
	if score < c.cfg.Cycle.CloseOnlyScore {
		res.ExecutionMode = types.ModeCloseOnly
	}
	res.RecommendKillSwitch = score < c.cfg.Cycle.KillProposalScore
}

func (c *Collector) appendHealthHistory(res *HealthResult) {
	st := c.state.Store()
	var history []HealthResult
	st.LoadOptional(healthHistoryFile, &history)

	history = append(history, *res)
	if len(history) > healthHistoryCap {
		history = history[len(history)-healthHistoryCap:]
	}
	if err := st.Save(healthHistoryFile, history); err != nil {
		c.log.Warn().Err(err).Msg("health history write failed")
	}
}

func (c *Collector) updateHealthSummary() {
	st := c.state.Store()
	var history []HealthResult
	st.LoadOptional(healthHistoryFile, &history)

	now := time.Now().UTC()
	summary := HealthSummary{UpdatedAt: now, WindowHours: 24}

	var scoreSum, scoreMin, scoreMax int
	for _, h := range history {
		if now.Sub(h.CheckedAt) > 24*time.Hour {
			continue
		}
		if summary.Samples == 0 {
			scoreMin, scoreMax = h.Score, h.Score
		} else {
			scoreMin = min(scoreMin, h.Score)
			scoreMax = max(scoreMax, h.Score)
		}
		summary.Samples++
		scoreSum += h.Score

		switch h.ExecutionMode {
		case types.ModeAll:
			summary.Modes.All++
		case types.ModeCloseOnly:
			summary.Modes.CloseOnly++
		}
		if !h.Healthy {
			summary.Events.FailedChecks++
		}
		if h.RecommendKillSwitch {
			summary.Events.KillSwitchRecs++
		}
	}
	if summary.Samples > 0 {
		summary.Score = healthScoreStats{
			Avg: math.Round(float64(scoreSum)/float64(summary.Samples)*100) / 100,
			Min: scoreMin,
			Max: scoreMax,
		}
	}

	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Score >= c.cfg.Cycle.CloseOnlyScore {
			break
		}
		summary.Events.ConsecutiveLow++
	}

	if err := st.Save(healthSummaryFile, summary); err != nil {
		c.log.Warn().Err(err).Msg("health summary write failed")
	}
}

// requestKillSwitch appends a kill-switch recommendation to the request
// queue, skipping duplicates of the most recent one inside the dedup window.
func (c *Collector) requestKillSwitch(res *HealthResult) {
	st := c.state.Store()
	var reqs []improvementRequest
	st.LoadOptional(requestsFile, &reqs)

	for i := len(reqs) - 1; i >= 0; i-- {
		if reqs[i].Type != "kill_switch_recommendation" {
			continue
		}
		if time.Since(reqs[i].Timestamp) < requestDedupWindow {
			return
		}
		break
	}

	reqs = append(reqs, improvementRequest{
		Type:      "kill_switch_recommendation",
		Message:   fmt.Sprintf("data quality score is %d; recommend activating kill switch and manual review", res.Score),
		Timestamp: time.Now().UTC(),
	})
	if len(reqs) > requestsCap {
		reqs = reqs[len(reqs)-requestsCap:]
	}
	if err := st.Save(requestsFile, reqs); err != nil {
		c.log.Warn().Err(err).Msg("requests write failed")
	}
}

func (c *Collector) sendHealthAlert(res *HealthResult) {
	errs := res.Errors
	if len(errs) > 3 {
		errs = errs[:3]
	}

	var alertType, msg string
	switch {
	case res.RecommendKillSwitch:
		alertType = "health_critical"
		msg = fmt.Sprintf("*CRITICAL: data quality degraded*\nscore: %d/100 (kill switch recommended)\nmode: %s\nerrors: %s",
			res.Score, res.ExecutionMode, strings.Join(errs, "; "))
	case !res.Healthy || res.ExecutionMode == types.ModeCloseOnly:
		alertType = "health_warning"
		msg = fmt.Sprintf("*WARNING: data quality low*\nscore: %d/100\nmode: %s\nerrors: %s",
			res.Score, res.ExecutionMode, strings.Join(errs, "; "))
	default:
		return
	}

	if !c.shouldAlert(alertType, healthAlertCooldown) {
		return
	}
	c.notify.Send(msg)
	c.log.Info().Str("type", alertType).Int("score", res.Score).Msg("health alert sent")
}

// shouldAlert rate-limits one alert type, recording the send time when it
// lets the alert through.
func (c *Collector) shouldAlert(alertType string, cooldown time.Duration) bool {
	st := c.state.Store()
	alertState := map[string]time.Time{}
	st.LoadOptional(alertStateFile, &alertState)

	if last, ok := alertState[alertType]; ok && time.Since(last) < cooldown {
		c.log.Debug().Str("type", alertType).Msg("alert suppressed by cooldown")
		return false
	}

	alertState[alertType] = time.Now().UTC()
	if err := st.Save(alertStateFile, alertState); err != nil {
		c.log.Warn().Err(err).Msg("alert state write failed")
	}
	return true
}

// Package collector assembles the per-cycle market snapshot: mids,
// multi-interval candles, order books and funding for every configured
// symbol, plus account equity and a position sync. Fetches fan out
// concurrently and fall back field-by-field to the previous snapshot, so one
// flaky endpoint degrades a single field instead of the whole cycle. Every
// fallback is recorded; a critical one (mid or 5m candles) alerts the
// operator with a cooldown.
package collector

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Naofumi-1000ri/MyClawTradingBot/internal/config"
	"github.com/Naofumi-1000ri/MyClawTradingBot/internal/exchange"
	"github.com/Naofumi-1000ri/MyClawTradingBot/internal/notify"
	"github.com/Naofumi-1000ri/MyClawTradingBot/internal/retry"
	"github.com/Naofumi-1000ri/MyClawTradingBot/internal/state"
	"github.com/Naofumi-1000ri/MyClawTradingBot/internal/store"
	"github.com/Naofumi-1000ri/MyClawTradingBot/pkg/types"
)

const (
	marketDataFile    = "market_data.json"
	fallbackStateFile = "collector_fallback_state.json"

	fallbackAlertCooldown = 30 * time.Minute
)

// collectIntervals lists every candle series in one snapshot. 336 5m bars
// span 28 hours for the volume baseline; 50 4h bars span ~8 days for the
// range analytics.
var collectIntervals = [...]struct {
	name  string
	count int
}{
	{"5m", 336},
	{"15m", 96},
	{"1h", 48},
	{"4h", 50},
}

// fetchRetry is the per-call schedule for market data endpoints: three
// attempts, 2s then 4s between them.
var fetchRetry = retry.Config{MaxRetries: 2, BaseDelay: 2 * time.Second, MaxDelay: 10 * time.Second, Factor: 2}

// MidSource serves live stream mids between REST snapshots. Satisfied by
// *exchange.MidFeed; nil disables the stream overlay.
type MidSource interface {
	Mid(coin string) (float64, bool)
}

// Collector gathers one MarketData snapshot per cycle and persists it to
// the data directory.
type Collector struct {
	cfg    *config.Config
	risk   *config.RiskParams
	venue  exchange.Venue
	state  *state.Manager
	data   *store.Store
	feed   MidSource
	notify *notify.Notifier
	log    zerolog.Logger
}

// New creates a collector. data must be rooted at the data directory
// (market_data.json and the archive live there); cooldown bookkeeping goes
// through the state manager's store.
func New(
	cfg *config.Config,
	risk *config.RiskParams,
	venue exchange.Venue,
	st *state.Manager,
	data *store.Store,
	feed MidSource,
	notifier *notify.Notifier,
	log zerolog.Logger,
) *Collector {
	return &Collector{
		cfg:    cfg,
		risk:   risk,
		venue:  venue,
		state:  st,
		data:   data,
		feed:   feed,
		notify: notifier,
		log:    log.With().Str("component", "collector").Logger(),
	}
}

// Collect fetches market data for all configured symbols, updates the daily
// ledger, writes data/market_data.json and archives it. Individual fetch
// failures degrade to the previous snapshot; only a failed snapshot write is
// an error.
func (c *Collector) Collect(ctx context.Context) (*types.MarketData, error) {
	prev := c.previous()

	mids := c.fetchMids(ctx)
	funding := c.fetchFunding(ctx)
	fetched := c.fetchSymbols(ctx)

	var events []types.FallbackEvent
	symbols := make(map[string]*types.SymbolSnapshot, len(c.cfg.Trading.Symbols))
	for i, sym := range c.cfg.Trading.Symbols {
		snap, evs := c.assemble(sym, mids, funding, &fetched[i], prevSymbol(prev, sym))
		symbols[sym] = snap
		events = append(events, evs...)
	}

	equity := c.updateLedger(ctx)

	md := &types.MarketData{
		Timestamp:     time.Now().UTC(),
		Symbols:       symbols,
		AccountEquity: equity,
	}
	if err := c.data.Save(marketDataFile, md); err != nil {
		return nil, fmt.Errorf("write market data: %w", err)
	}
	c.log.Info().Int("symbols", len(symbols)).Float64("equity", equity).Msg("market data saved")

	c.alertFallbacks(events)

	if _, err := c.Archive(); err != nil {
		c.log.Warn().Err(err).Msg("archive failed")
	}
	if _, err := c.RotateArchives(); err != nil {
		c.log.Warn().Err(err).Msg("archive rotation failed")
	}

	return md, nil
}

// Snapshot returns the latest persisted market data.
func (c *Collector) Snapshot() (*types.MarketData, error) {
	var md types.MarketData
	if err := c.data.Load(marketDataFile, &md); err != nil {
		return nil, err
	}
	return &md, nil
}

func (c *Collector) previous() *types.MarketData {
	var md types.MarketData
	if ok, _ := c.data.LoadOptional(marketDataFile, &md); !ok {
		return nil
	}
	return &md
}

func prevSymbol(prev *types.MarketData, symbol string) *types.SymbolSnapshot {
	if prev == nil {
		return nil
	}
	return prev.Symbols[symbol]
}

func (c *Collector) fetchMids(ctx context.Context) map[string]float64 {
	var mids map[string]float64
	err := retry.Do(ctx, c.log, "all mids", fetchRetry, func(ctx context.Context) error {
		var err error
		mids, err = c.venue.AllMids(ctx)
		return err
	})
	if err != nil {
		c.log.Error().Err(err).Msg("mid fetch exhausted retries")
		return nil
	}
	return mids
}

func (c *Collector) fetchFunding(ctx context.Context) map[string]float64 {
	var funding map[string]float64
	err := retry.Do(ctx, c.log, "funding rates", fetchRetry, func(ctx context.Context) error {
		var err error
		funding, err = c.venue.FundingRates(ctx)
		return err
	})
	if err != nil {
		c.log.Error().Err(err).Msg("funding fetch exhausted retries")
		return nil
	}
	return funding
}

// symbolFetch holds one symbol's concurrent fetch results. A false flag or
// nil book means the fetch failed after retries and the assembler should
// fall back.
type symbolFetch struct {
	candles [len(collectIntervals)][]types.Candle
	ok      [len(collectIntervals)]bool
	book    *types.OrderBook
}

// fetchSymbols fans out candle and order book fetches per symbol × interval
// and joins them. Goroutines record failures in their slot instead of
// returning them, so one bad endpoint never cancels the rest.
func (c *Collector) fetchSymbols(ctx context.Context) []symbolFetch {
	fetched := make([]symbolFetch, len(c.cfg.Trading.Symbols))

	g, gctx := errgroup.WithContext(ctx)
	for i, sym := range c.cfg.Trading.Symbols {
		for j, iv := range collectIntervals {
			g.Go(func() error {
				var bars []types.Candle
				err := retry.Do(gctx, c.log, sym+" "+iv.name+" candles", fetchRetry, func(ctx context.Context) error {
					var err error
					bars, err = c.venue.Candles(ctx, sym, iv.name, iv.count)
					return err
				})
				if err != nil {
					c.log.Error().Err(err).Str("symbol", sym).Str("interval", iv.name).Msg("candle fetch exhausted retries")
					return nil
				}
				fetched[i].candles[j] = bars
				fetched[i].ok[j] = true
				c.log.Debug().Str("symbol", sym).Str("interval", iv.name).Int("bars", len(bars)).Msg("candles fetched")
				return nil
			})
		}

		g.Go(func() error {
			var book types.OrderBook
			err := retry.Do(gctx, c.log, sym+" orderbook", fetchRetry, func(ctx context.Context) error {
				var err error
				book, err = c.venue.OrderBook(ctx, sym, c.cfg.Collector.OrderBookDepth)
				return err
			})
			if err != nil {
				c.log.Error().Err(err).Str("symbol", sym).Msg("orderbook fetch exhausted retries")
				return nil
			}
			fetched[i].book = &book
			return nil
		})
	}
	_ = g.Wait() // goroutines record failures in their slot instead

	return fetched
}

// assemble builds one symbol's snapshot from this cycle's fetches, falling
// back per field to the previous snapshot. The returned events record every
// field that did not come from a live source this cycle.
func (c *Collector) assemble(
	symbol string,
	mids, funding map[string]float64,
	fetched *symbolFetch,
	prev *types.SymbolSnapshot,
) (*types.SymbolSnapshot, []types.FallbackEvent) {
	var events []types.FallbackEvent
	snap := &types.SymbolSnapshot{}

	// Mid: REST map first, live stream second, previous snapshot last.
	if mid, ok := mids[symbol]; ok && mid > 0 {
		snap.MidPrice = &mid
	} else if c.feed != nil {
		if mid, ok := c.feed.Mid(symbol); ok {
			snap.MidPrice = &mid
			c.log.Info().Str("symbol", symbol).Float64("mid", mid).Msg("using stream mid")
		}
	}
	if snap.MidPrice == nil {
		if prev != nil && prev.MidPrice != nil {
			snap.MidPrice = prev.MidPrice
			c.log.Warn().Str("symbol", symbol).Msg("using previous mid price")
		}
		events = append(events, types.FallbackEvent{Symbol: symbol, Field: "mid_price"})
	}

	for j, iv := range collectIntervals {
		if fetched.ok[j] {
			snap.SetCandles(iv.name, fetched.candles[j])
			continue
		}
		if prev != nil {
			snap.SetCandles(iv.name, prev.Candles(iv.name))
		}
		events = append(events, types.FallbackEvent{Symbol: symbol, Field: "candles_" + iv.name})
	}

	if fetched.book != nil {
		snap.OrderBook = *fetched.book
	} else {
		if prev != nil {
			snap.OrderBook = prev.OrderBook
		}
		events = append(events, types.FallbackEvent{Symbol: symbol, Field: "orderbook"})
	}

	if fr, ok := funding[symbol]; ok {
		snap.FundingRate = &fr
	} else if prev != nil && prev.FundingRate != nil {
		snap.FundingRate = prev.FundingRate
		c.log.Warn().Str("symbol", symbol).Msg("using previous funding rate")
		events = append(events, types.FallbackEvent{Symbol: symbol, Field: "funding_rate"})
	}

	return snap, events
}

// updateLedger fetches equity, syncs positions and folds both into the daily
// P&L. The exchange-reported unrealized sum is used only when the sync
// returned live positions; an empty or failed sync must not stamp zero over
// a real unrealized value.
func (c *Collector) updateLedger(ctx context.Context) float64 {
	equity, err := c.venue.Equity(ctx)
	if err != nil {
		c.log.Warn().Err(err).Msg("equity fetch failed")
		equity = 0
	}

	positions, err := c.state.SyncPositions(ctx)
	if err != nil {
		c.log.Warn().Err(err).Msg("position sync failed")
		positions = nil
	}

	if equity <= 0 {
		return equity
	}

	if len(positions) > 0 {
		var unrealized float64
		for _, p := range positions {
			unrealized += p.UnrealizedPnL
		}
		if _, err := c.state.UpdateDailyPnL(equity, 0, &unrealized); err != nil {
			c.log.Warn().Err(err).Msg("daily pnl update failed")
		}
	} else {
		if _, err := c.state.UpdateDailyPnL(equity, 0, nil); err != nil {
			c.log.Warn().Err(err).Msg("daily pnl update failed")
		}
	}
	c.log.Info().Float64("equity", equity).Msg("equity updated")
	return equity
}

// fallbackState persists the last critical-fallback alert so repeats within
// the cooldown stay quiet.
type fallbackState struct {
	LastAlert time.Time `json:"last_alert"`
	Events    []string  `json:"fallback_events"`
}

func (c *Collector) alertFallbacks(events []types.FallbackEvent) {
	if len(events) == 0 {
		return
	}

	critical := 0
	for _, ev := range events {
		if ev.Critical() {
			critical++
		}
	}
	if critical == 0 {
		c.log.Info().Strs("events", eventStrings(events)).Msg("minor fallbacks (non-critical)")
		return
	}
	c.log.Warn().Int("count", len(events)).Strs("events", eventStrings(events)).Msg("data collection fallbacks detected")

	st := c.state.Store()
	var fb fallbackState
	if ok, _ := st.LoadOptional(fallbackStateFile, &fb); ok {
		if time.Since(fb.LastAlert) < fallbackAlertCooldown {
			return
		}
	}

	names := eventStrings(events)
	if len(names) > 5 {
		names = names[:5]
	}
	c.notify.Send("*WARNING: market data fallback*\nfetch failed after retries, previous snapshot in use\naffected: " + strings.Join(names, ", "))

	if err := st.Save(fallbackStateFile, fallbackState{LastAlert: time.Now().UTC(), Events: eventStrings(events)}); err != nil {
		c.log.Warn().Err(err).Msg("fallback state write failed")
	}
}

func eventStrings(events []types.FallbackEvent) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.String()
	}
	return out
}

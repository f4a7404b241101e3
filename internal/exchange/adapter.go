package exchange

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/Naofumi-1000ri/MyClawTradingBot/pkg/types"
)

// slippage applied to the mid when converting a market order into an
// aggressive IOC limit. 1% is wide enough to always cross on the majors
// while still bounding a fat-fingered fill.
const marketSlippage = 0.01

var intervalMillis = map[string]int64{
	"5m":  5 * 60 * 1000,
	"15m": 15 * 60 * 1000,
	"1h":  60 * 60 * 1000,
	"4h":  4 * 60 * 60 * 1000,
}

// OrderResult is the normalized outcome of one order attempt. Failures are
// values, not errors: a venue rejection produces Status=failed with the
// venue's message, and closing with nothing open produces no_position.
type OrderResult struct {
	Status   types.OrderStatus
	FilledSz float64
	AvgPrice float64
	Oid      int64
	Cloid    string
	Error    string
}

// Venue is the normalized exchange surface the agent core consumes.
// Adapter is the production implementation; tests substitute fakes.
type Venue interface {
	// Equity returns account equity in USD. Unified accounts (spot USDC
	// present) resolve to spot USDC + Σ unrealized; otherwise the perps
	// margin account value; 0 when both are empty.
	Equity(ctx context.Context) (float64, error)
	// Positions returns open perp positions, size-0 entries dropped,
	// signed size folded into (side, magnitude).
	Positions(ctx context.Context) ([]types.Position, error)
	// AllMids returns the venue mid map, numeric strings parsed. Spot
	// synthetic entries (@-prefixed) are dropped.
	AllMids(ctx context.Context) (map[string]float64, error)
	// Candles returns up to count most recent bars (the last one partial).
	Candles(ctx context.Context, coin, interval string, count int) ([]types.Candle, error)
	// OrderBook returns the top depth levels per side.
	OrderBook(ctx context.Context, coin string, depth int) (types.OrderBook, error)
	// FundingRates returns the current hourly funding rate per coin.
	FundingRates(ctx context.Context) (map[string]float64, error)
	// UpdateLeverage sets cross leverage for a coin. Call before opening.
	UpdateLeverage(ctx context.Context, coin string, leverage int) error
	// MarketOpen opens a position with an aggressive IOC limit at
	// mid ± slippage.
	MarketOpen(ctx context.Context, coin string, side types.Side, size float64) (*OrderResult, error)
	// MarketClose closes the full position with a reduce-only IOC.
	// No open position is a no_position result, not an error.
	MarketClose(ctx context.Context, coin string) (*OrderResult, error)
	// Cancel cancels one resting order.
	Cancel(ctx context.Context, coin string, oid int64) error
}

// assetMeta is the per-coin listing data orders need: the universe index
// (orders address assets by position, not name) and the size precision.
type assetMeta struct {
	index      int
	szDecimals int
}

// Adapter normalizes Hyperliquid payloads into agent types and converts
// agent intents into signed venue actions.
type Adapter struct {
	client *Client
	log    zerolog.Logger

	mu     sync.RWMutex
	assets map[string]assetMeta
}

var _ Venue = (*Adapter)(nil)

func NewAdapter(client *Client, log zerolog.Logger) *Adapter {
	return &Adapter{
		client: client,
		log:    log.With().Str("component", "venue").Logger(),
		assets: make(map[string]assetMeta),
	}
}

// assetFor resolves a coin to its universe metadata, loading the universe
// on first use and refreshing once on a miss (newly listed coin).
func (a *Adapter) assetFor(ctx context.Context, coin string) (assetMeta, error) {
	a.mu.RLock()
	meta, ok := a.assets[coin]
	a.mu.RUnlock()
	if ok {
		return meta, nil
	}

	if err := a.refreshAssets(ctx); err != nil {
		return assetMeta{}, err
	}

	a.mu.RLock()
	meta, ok = a.assets[coin]
	a.mu.RUnlock()
	if !ok {
		return assetMeta{}, fmt.Errorf("asset %s: not in perps universe", coin)
	}
	return meta, nil
}

func (a *Adapter) refreshAssets(ctx context.Context) error {
	meta, _, err := a.client.MetaAndAssetCtxs(ctx)
	if err != nil {
		return fmt.Errorf("refresh assets: %w", err)
	}

	assets := make(map[string]assetMeta, len(meta.Universe))
	for i, asset := range meta.Universe {
		assets[asset.Name] = assetMeta{index: i, szDecimals: asset.SzDecimals}
	}

	a.mu.Lock()
	a.assets = assets
	a.mu.Unlock()
	return nil
}

func (a *Adapter) Equity(ctx context.Context) (float64, error) {
	spot, err := a.client.SpotState(ctx)
	if err != nil {
		return 0, fmt.Errorf("equity: %w", err)
	}
	user, err := a.client.UserState(ctx)
	if err != nil {
		return 0, fmt.Errorf("equity: %w", err)
	}

	var spotUSDC float64
	for _, bal := range spot.Balances {
		if bal.Coin == "USDC" {
			spotUSDC = safeFloat(a.log, "spot usdc total", bal.Total)
		}
	}

	// Unified accounts keep margin as spot USDC; the perps accountValue is
	// then near zero and unrealized PnL lives only on the positions.
	if spotUSDC > 0 {
		equity := spotUSDC
		for _, ap := range user.AssetPositions {
			equity += safeFloat(a.log, "unrealized pnl", ap.Position.UnrealizedPnl)
		}
		return equity, nil
	}

	if av := safeFloat(a.log, "account value", user.MarginSummary.AccountValue); av > 0 {
		return av, nil
	}
	return 0, nil
}

func (a *Adapter) Positions(ctx context.Context) ([]types.Position, error) {
	user, err := a.client.UserState(ctx)
	if err != nil {
		return nil, fmt.Errorf("positions: %w", err)
	}
	return a.normalizePositions(user), nil
}

// normalizePositions folds signed szi into (side, size) and derives the
// current mark from positionValue. Size-0 entries (fully closed but still
// reported) are dropped.
func (a *Adapter) normalizePositions(user *wireUserState) []types.Position {
	out := make([]types.Position, 0, len(user.AssetPositions))
	for _, ap := range user.AssetPositions {
		p := ap.Position
		szi := safeFloat(a.log, "position szi", p.Szi)
		if szi == 0 {
			continue
		}
		side := types.Long
		if szi < 0 {
			side = types.Short
			szi = -szi
		}

		pos := types.Position{
			Symbol:        p.Coin,
			Side:          side,
			Size:          szi,
			EntryPrice:    safeFloat(a.log, "entry px", p.EntryPx),
			Leverage:      p.Leverage,
			UnrealizedPnL: safeFloat(a.log, "unrealized pnl", p.UnrealizedPnl),
		}
		if pv := safeFloat(a.log, "position value", p.PositionValue); pv > 0 {
			pos.MidPrice = pv / szi
		}
		out = append(out, pos)
	}
	return out
}

func (a *Adapter) AllMids(ctx context.Context) (map[string]float64, error) {
	raw, err := a.client.AllMids(ctx)
	if err != nil {
		return nil, err
	}
	mids := make(map[string]float64, len(raw))
	for coin, s := range raw {
		// @-prefixed keys are spot pair indices, not perp coins.
		if strings.HasPrefix(coin, "@") {
			continue
		}
		px, err := strconv.ParseFloat(s, 64)
		if err != nil || px <= 0 {
			continue
		}
		mids[coin] = px
	}
	return mids, nil
}

func (a *Adapter) Candles(ctx context.Context, coin, interval string, count int) ([]types.Candle, error) {
	ms, ok := intervalMillis[interval]
	if !ok {
		return nil, fmt.Errorf("candles %s: unknown interval %q", coin, interval)
	}
	end := time.Now().UnixMilli()
	start := end - int64(count)*ms - ms // one extra bar so the window never comes up short

	wire, err := a.client.CandleSnapshot(ctx, coin, interval, start, end)
	if err != nil {
		return nil, err
	}
	candles := make([]types.Candle, 0, len(wire))
	for _, w := range wire {
		candles = append(candles, w.toCandle(a.log))
	}
	if len(candles) > count {
		candles = candles[len(candles)-count:]
	}
	return candles, nil
}

func (a *Adapter) OrderBook(ctx context.Context, coin string, depth int) (types.OrderBook, error) {
	book, err := a.client.L2Book(ctx, coin)
	if err != nil {
		return types.OrderBook{}, err
	}

	ob := types.OrderBook{Bids: []types.BookLevel{}, Asks: []types.BookLevel{}}
	if len(book.Levels) > 0 {
		ob.Bids = trimLevels(book.Levels[0], depth)
	}
	if len(book.Levels) > 1 {
		ob.Asks = trimLevels(book.Levels[1], depth)
	}
	return ob, nil
}

func trimLevels(levels []wireBookLevel, depth int) []types.BookLevel {
	if depth > 0 && len(levels) > depth {
		levels = levels[:depth]
	}
	out := make([]types.BookLevel, 0, len(levels))
	for _, lvl := range levels {
		out = append(out, types.BookLevel{Px: lvl.Px, Sz: lvl.Sz})
	}
	return out
}

func (a *Adapter) FundingRates(ctx context.Context) (map[string]float64, error) {
	meta, ctxs, err := a.client.MetaAndAssetCtxs(ctx)
	if err != nil {
		return nil, err
	}
	rates := make(map[string]float64, len(meta.Universe))
	for i, asset := range meta.Universe {
		if i >= len(ctxs) {
			break
		}
		rates[asset.Name] = safeFloat(a.log, "funding "+asset.Name, ctxs[i].Funding)
	}
	return rates, nil
}

func (a *Adapter) UpdateLeverage(ctx context.Context, coin string, leverage int) error {
	meta, err := a.assetFor(ctx, coin)
	if err != nil {
		return err
	}
	return a.client.UpdateLeverage(ctx, meta.index, leverage)
}

func (a *Adapter) MarketOpen(ctx context.Context, coin string, side types.Side, size float64) (*OrderResult, error) {
	meta, err := a.assetFor(ctx, coin)
	if err != nil {
		return nil, err
	}
	mids, err := a.AllMids(ctx)
	if err != nil {
		return nil, err
	}
	mid, ok := mids[coin]
	if !ok || mid <= 0 {
		return nil, fmt.Errorf("market open %s: no mid price", coin)
	}

	return a.sendIOC(ctx, coin, meta, side == types.Long, mid, size, false)
}

func (a *Adapter) MarketClose(ctx context.Context, coin string) (*OrderResult, error) {
	positions, err := a.Positions(ctx)
	if err != nil {
		return nil, err
	}
	var pos *types.Position
	for i := range positions {
		if positions[i].Symbol == coin {
			pos = &positions[i]
			break
		}
	}
	if pos == nil {
		return &OrderResult{Status: types.StatusNoPosition}, nil
	}

	meta, err := a.assetFor(ctx, coin)
	if err != nil {
		return nil, err
	}
	mids, err := a.AllMids(ctx)
	if err != nil {
		return nil, err
	}
	mid, ok := mids[coin]
	if !ok || mid <= 0 {
		return nil, fmt.Errorf("market close %s: no mid price", coin)
	}

	result, err := a.sendIOC(ctx, coin, meta, pos.Side == types.Short, mid, pos.Size, true)
	if err != nil {
		return nil, err
	}
	if result.Status == types.StatusFilled {
		result.Status = types.StatusClosed
	}
	return result, nil
}

// sendIOC builds, signs, and submits one aggressive IOC limit order:
// buys cross at mid·(1+slippage), sells at mid·(1−slippage).
func (a *Adapter) sendIOC(ctx context.Context, coin string, meta assetMeta, isBuy bool, mid, size float64, reduceOnly bool) (*OrderResult, error) {
	px := mid * (1 - marketSlippage)
	if isBuy {
		px = mid * (1 + marketSlippage)
	}

	cloid := newCloid()
	order := orderWire{
		Asset:      meta.index,
		IsBuy:      isBuy,
		Price:      roundPrice(px, meta.szDecimals),
		Size:       roundSize(size, meta.szDecimals),
		ReduceOnly: reduceOnly,
		Type:       orderTypeWire{Limit: &limitOrderType{Tif: "Ioc"}},
		Cloid:      &cloid,
	}

	resp, err := a.client.PlaceOrder(ctx, order)
	if err != nil {
		return nil, fmt.Errorf("order %s: %w", coin, err)
	}
	result := a.classify(coin, resp)
	result.Cloid = cloid
	return result, nil
}

// Cancel cancels one resting order by coin and oid.
func (a *Adapter) Cancel(ctx context.Context, coin string, oid int64) error {
	meta, err := a.assetFor(ctx, coin)
	if err != nil {
		return err
	}
	return a.client.CancelOrder(ctx, meta.index, oid)
}

// classify maps a venue order response onto the closed OrderStatus set:
// filled (a filled object with non-zero price), partial (resting), failed
// (error key, bad status, or anything else).
func (a *Adapter) classify(coin string, resp *wireExchangeResponse) *OrderResult {
	if resp.Status != "ok" {
		return &OrderResult{Status: types.StatusFailed, Error: "venue status " + resp.Status}
	}
	statuses := resp.Response.Data.Statuses
	if len(statuses) == 0 {
		return &OrderResult{Status: types.StatusFailed, Error: "empty statuses"}
	}

	st := statuses[0]
	switch {
	case st.Error != "":
		a.log.Warn().Str("coin", coin).Str("error", st.Error).Msg("order rejected by venue")
		return &OrderResult{Status: types.StatusFailed, Error: st.Error}
	case st.Filled != nil:
		avg := safeFloat(a.log, "fill avgPx", st.Filled.AvgPx)
		if avg == 0 {
			return &OrderResult{Status: types.StatusFailed, Error: "fill with zero avgPx"}
		}
		return &OrderResult{
			Status:   types.StatusFilled,
			FilledSz: safeFloat(a.log, "fill totalSz", st.Filled.TotalSz),
			AvgPrice: avg,
			Oid:      st.Filled.Oid,
		}
	case st.Resting != nil:
		return &OrderResult{Status: types.StatusPartial, Oid: st.Resting.Oid}
	default:
		return &OrderResult{Status: types.StatusFailed, Error: "no fill, resting, or error in response"}
	}
}

// roundPrice formats a price to venue precision: 5 significant figures,
// then at most 6−szDecimals decimal places.
func roundPrice(px float64, szDecimals int) string {
	compact, err := strconv.ParseFloat(strconv.FormatFloat(px, 'g', 5, 64), 64)
	if err != nil {
		compact = px
	}
	maxDecimals := 6 - szDecimals
	if maxDecimals < 0 {
		maxDecimals = 0
	}
	return decimal.NewFromFloat(compact).Round(int32(maxDecimals)).String()
}

// roundSize formats an order size to the asset's szDecimals.
func roundSize(sz float64, szDecimals int) string {
	return decimal.NewFromFloat(sz).Round(int32(szDecimals)).String()
}

// newCloid returns a fresh 128-bit client order id in the venue's
// 0x-prefixed hex form.
func newCloid() string {
	return "0x" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

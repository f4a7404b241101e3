// Package exchange implements the Hyperliquid REST and WebSocket clients
// plus the normalization layer between venue payloads and agent types.
//
// The REST client (Client) speaks two endpoints:
//   - POST /info     — read-only queries (state, mids, candles, book, meta)
//   - POST /exchange — signed actions (orders, cancels, leverage updates)
//
// Every request is rate-limited via per-cost-class TokenBuckets and
// automatically retried on 5xx errors. Info calls additionally run through
// a circuit breaker so a degraded venue degrades the agent to its fallback
// paths instead of hammering the API. Exchange actions are msgpack-hashed
// and signed as EIP-712 phantom-agent messages (see auth.go).
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/Naofumi-1000ri/MyClawTradingBot/internal/config"
)

// APIError is a non-2xx response from the venue. Callers branch on Status
// for throttling (429) and venue-side rejections.
type APIError struct {
	Endpoint string
	Status   int
	Body     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Endpoint, e.Status, e.Body)
}

// Client is the Hyperliquid REST API client.
type Client struct {
	http    *resty.Client
	signer  *Signer // nil in read-only mode
	rl      *RateLimiter
	breaker *gobreaker.CircuitBreaker
	account common.Address // acting account: main address if set, else the signer
	dryRun  bool
	log     zerolog.Logger

	nonceMu   sync.Mutex
	lastNonce uint64
}

// NewClient creates a REST client with rate limiting, retry, and a circuit
// breaker on info calls. signer may be nil for read-only use (collect,
// healthcheck); exchange actions then fail unless dry-run is on.
func NewClient(cfg *config.Config, signer *Signer, log zerolog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL()).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	var account common.Address
	if cfg.Hyperliquid.MainAddress != "" {
		account = common.HexToAddress(cfg.Hyperliquid.MainAddress)
	} else if signer != nil {
		account = signer.Address()
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     "hyperliquid-info",
		Interval: 60 * time.Second,
		Timeout:  60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures >= 5 {
				return true
			}
			return counts.Requests >= 20 &&
				float64(counts.TotalFailures)/float64(counts.Requests) > 0.25
		},
	})

	return &Client{
		http:    httpClient,
		signer:  signer,
		rl:      NewRateLimiter(),
		breaker: breaker,
		account: account,
		dryRun:  cfg.DryRun,
		log:     log.With().Str("component", "exchange").Logger(),
	}
}

// Account returns the acting account address.
func (c *Client) Account() common.Address {
	return c.account
}

// info executes a POST /info query through the rate limiter and breaker.
func (c *Client) info(ctx context.Context, bucket *TokenBucket, payload, out any) error {
	if err := bucket.Wait(ctx); err != nil {
		return err
	}
	_, err := c.breaker.Execute(func() (any, error) {
		resp, err := c.http.R().
			SetContext(ctx).
			SetBody(payload).
			SetResult(out).
			Post("/info")
		if err != nil {
			return nil, fmt.Errorf("info: %w", err)
		}
		if resp.StatusCode() != http.StatusOK {
			return nil, &APIError{Endpoint: "info", Status: resp.StatusCode(), Body: resp.String()}
		}
		return nil, nil
	})
	return err
}

// UserState fetches the perps clearinghouse state for the acting account.
func (c *Client) UserState(ctx context.Context) (*wireUserState, error) {
	payload := map[string]string{"type": "clearinghouseState", "user": c.account.Hex()}
	var result wireUserState
	if err := c.info(ctx, c.rl.InfoLight, payload, &result); err != nil {
		return nil, fmt.Errorf("user state: %w", err)
	}
	return &result, nil
}

// SpotState fetches spot balances for the acting account.
func (c *Client) SpotState(ctx context.Context) (*wireSpotState, error) {
	payload := map[string]string{"type": "spotClearinghouseState", "user": c.account.Hex()}
	var result wireSpotState
	if err := c.info(ctx, c.rl.InfoLight, payload, &result); err != nil {
		return nil, fmt.Errorf("spot state: %w", err)
	}
	return &result, nil
}

// AllMids fetches the venue's mid price map (coin → decimal string).
func (c *Client) AllMids(ctx context.Context) (map[string]string, error) {
	payload := map[string]string{"type": "allMids"}
	var result map[string]string
	if err := c.info(ctx, c.rl.InfoLight, payload, &result); err != nil {
		return nil, fmt.Errorf("all mids: %w", err)
	}
	return result, nil
}

// CandleSnapshot fetches candles for one coin and interval over [startMs, endMs].
func (c *Client) CandleSnapshot(ctx context.Context, coin, interval string, startMs, endMs int64) ([]wireCandle, error) {
	payload := map[string]any{
		"type": "candleSnapshot",
		"req": map[string]any{
			"coin":      coin,
			"interval":  interval,
			"startTime": startMs,
			"endTime":   endMs,
		},
	}
	var result []wireCandle
	if err := c.info(ctx, c.rl.InfoHeavy, payload, &result); err != nil {
		return nil, fmt.Errorf("candle snapshot %s %s: %w", coin, interval, err)
	}
	return result, nil
}

// L2Book fetches the L2 order book for one coin.
func (c *Client) L2Book(ctx context.Context, coin string) (*wireL2Book, error) {
	payload := map[string]string{"type": "l2Book", "coin": coin}
	var result wireL2Book
	if err := c.info(ctx, c.rl.InfoLight, payload, &result); err != nil {
		return nil, fmt.Errorf("l2 book %s: %w", coin, err)
	}
	return &result, nil
}

// MetaAndAssetCtxs fetches the perps universe and per-asset contexts. The
// venue returns a two-element heterogeneous array: [meta, [ctx, ctx, ...]].
func (c *Client) MetaAndAssetCtxs(ctx context.Context) (*wireMeta, []wireAssetCtx, error) {
	payload := map[string]string{"type": "metaAndAssetCtxs"}
	var raw []json.RawMessage
	if err := c.info(ctx, c.rl.InfoHeavy, payload, &raw); err != nil {
		return nil, nil, fmt.Errorf("meta and asset ctxs: %w", err)
	}
	if len(raw) != 2 {
		return nil, nil, fmt.Errorf("meta and asset ctxs: expected 2 elements, got %d", len(raw))
	}

	var meta wireMeta
	if err := json.Unmarshal(raw[0], &meta); err != nil {
		return nil, nil, fmt.Errorf("meta and asset ctxs: decode meta: %w", err)
	}
	var ctxs []wireAssetCtx
	if err := json.Unmarshal(raw[1], &ctxs); err != nil {
		return nil, nil, fmt.Errorf("meta and asset ctxs: decode ctxs: %w", err)
	}
	return &meta, ctxs, nil
}

// nextNonce returns a strictly increasing millisecond nonce. Two actions in
// the same millisecond would otherwise collide and be rejected.
func (c *Client) nextNonce() uint64 {
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()
	nonce := uint64(time.Now().UnixMilli())
	if nonce <= c.lastNonce {
		nonce = c.lastNonce + 1
	}
	c.lastNonce = nonce
	return nonce
}

// exchangeAction signs and posts one action to POST /exchange.
func (c *Client) exchangeAction(ctx context.Context, action any, out any) error {
	if c.signer == nil {
		return fmt.Errorf("exchange action: client is read-only (no private key)")
	}
	if err := c.rl.Exchange.Wait(ctx); err != nil {
		return err
	}

	nonce := c.nextNonce()
	sig, err := c.signer.SignAction(action, nil, nonce)
	if err != nil {
		return fmt.Errorf("exchange action: %w", err)
	}

	req := exchangeRequest{Action: action, Nonce: nonce, Signature: sig}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(out).
		Post("/exchange")
	if err != nil {
		return fmt.Errorf("exchange action: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return &APIError{Endpoint: "exchange", Status: resp.StatusCode(), Body: resp.String()}
	}
	return nil
}

// UpdateLeverage sets cross leverage for one asset. Must be called before
// opening; the venue rejects changes while a position is open at a higher
// margin tier.
func (c *Client) UpdateLeverage(ctx context.Context, asset, leverage int) error {
	if c.dryRun {
		c.log.Info().Int("asset", asset).Int("leverage", leverage).Msg("DRY-RUN: would update leverage")
		return nil
	}
	action := updateLeverageAction{Type: "updateLeverage", Asset: asset, IsCross: true, Leverage: leverage}
	var resp wireExchangeResponse
	if err := c.exchangeAction(ctx, action, &resp); err != nil {
		return err
	}
	if resp.Status != "ok" {
		return fmt.Errorf("update leverage: venue status %q", resp.Status)
	}
	return nil
}

// PlaceOrder submits a single signed order and returns the raw response.
func (c *Client) PlaceOrder(ctx context.Context, order orderWire) (*wireExchangeResponse, error) {
	if c.dryRun {
		c.log.Info().
			Int("asset", order.Asset).
			Bool("buy", order.IsBuy).
			Str("px", order.Price).
			Str("sz", order.Size).
			Msg("DRY-RUN: would place order")
		resp := &wireExchangeResponse{Status: "ok"}
		resp.Response.Type = "order"
		resp.Response.Data.Statuses = []wireOrderStatus{
			{Filled: &wireFill{TotalSz: order.Size, AvgPx: order.Price}},
		}
		return resp, nil
	}

	action := orderAction{Type: "order", Orders: []orderWire{order}, Grouping: "na"}
	var resp wireExchangeResponse
	if err := c.exchangeAction(ctx, action, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CancelOrder cancels one resting order by asset index and order id.
func (c *Client) CancelOrder(ctx context.Context, asset int, oid int64) error {
	if c.dryRun {
		c.log.Info().Int("asset", asset).Int64("oid", oid).Msg("DRY-RUN: would cancel order")
		return nil
	}
	action := cancelAction{Type: "cancel", Cancels: []cancelWire{{Asset: asset, Oid: oid}}}
	var resp wireExchangeResponse
	if err := c.exchangeAction(ctx, action, &resp); err != nil {
		return err
	}
	if resp.Status != "ok" {
		return fmt.Errorf("cancel: venue status %q", resp.Status)
	}
	return nil
}

// ratelimit.go implements token-bucket rate limiting for the Hyperliquid API.
//
// Hyperliquid budgets REST usage by weight per minute per IP. Heavy info
// requests (candleSnapshot, metaAndAssetCtxs) cost far more of the budget
// than light ones (allMids, l2Book), and exchange actions are budgeted per
// address. This file provides a smooth token-bucket implementation that
// refills continuously (rather than in one-minute bursts) to avoid hitting
// hard limits mid-cycle.
//
// Three buckets are maintained:
//   - InfoLight: 60 burst / 10 per sec — allMids, l2Book, clearinghouseState
//   - InfoHeavy: 12 burst / 2 per sec  — candleSnapshot, metaAndAssetCtxs
//   - Exchange:  20 burst / 4 per sec  — orders, cancels, leverage updates
package exchange

import (
	"context"
	"sync"
	"time"
)

// TokenBucket implements a token-bucket rate limiter with continuous refill.
// Callers block in Wait() until a token is available or the context is cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64   // current available tokens (fractional allowed)
	capacity float64   // maximum burst size
	rate     float64   // tokens refilled per second
	lastTime time.Time // last time tokens were calculated
}

// NewTokenBucket creates a rate limiter with the given capacity and refill rate.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(tb.lastTime).Seconds()
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		// Calculate wait time for next token
		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			// retry
		}
	}
}

// RateLimiter groups token buckets by Hyperliquid endpoint cost class.
// Each call must Wait() on the appropriate bucket before the HTTP request.
type RateLimiter struct {
	InfoLight *TokenBucket // allMids, l2Book, clearinghouseState, spotClearinghouseState
	InfoHeavy *TokenBucket // candleSnapshot, metaAndAssetCtxs
	Exchange  *TokenBucket // order, cancel, updateLeverage
}

// NewRateLimiter creates rate limiters tuned well inside Hyperliquid's
// published per-minute weight budget. The collector's candle fan-out is the
// heaviest consumer (symbols × intervals each cycle), so InfoHeavy gets a
// burst that covers one full cycle.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		InfoLight: NewTokenBucket(60, 10),
		InfoHeavy: NewTokenBucket(12, 2),
		Exchange:  NewTokenBucket(20, 4),
	}
}

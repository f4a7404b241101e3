// ws.go implements the live mid-price feed over the venue WebSocket.
//
// One connection subscribes to the allMids channel and maintains an
// in-memory mid cache that consumers poll between REST collection cycles
// (exit evaluation wants a fresher mark than a five-minute-old snapshot).
// The feed auto-reconnects with exponential backoff (1s → 30s max) and
// re-subscribes on reconnection. A read deadline (90s) ensures silent
// server failures are detected within ~2 missed pings.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	pingInterval     = 50 * time.Second // venue drops connections idle >60s
	readTimeout      = 90 * time.Second // ~2 missed pings triggers reconnect
	maxReconnectWait = 30 * time.Second // cap on exponential backoff
	writeTimeout     = 10 * time.Second // deadline for outgoing messages

	// midTTL bounds how old a cached mid may be before Mid refuses to
	// serve it. The feed pushes on every block, so anything older means
	// the connection is wedged and the REST snapshot is safer.
	midTTL = 30 * time.Second
)

type wsCommand struct {
	Method       string          `json:"method"`
	Subscription *wsSubscription `json:"subscription,omitempty"`
}

type wsSubscription struct {
	Type string `json:"type"`
}

type wsEnvelope struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

type wsAllMids struct {
	Mids map[string]string `json:"mids"`
}

// MidFeed manages the allMids WebSocket subscription. It handles the
// connection lifecycle, message routing, and automatic reconnection, and
// exposes the latest mids through Mid / MidAge.
type MidFeed struct {
	url    string
	conn   *websocket.Conn
	connMu sync.Mutex // protects conn reads/writes
	log    zerolog.Logger

	midsMu    sync.RWMutex
	mids      map[string]float64
	updatedAt time.Time
}

// NewMidFeed creates a feed for the given WebSocket URL. Run must be
// called before Mid returns anything.
func NewMidFeed(wsURL string, log zerolog.Logger) *MidFeed {
	return &MidFeed{
		url:  wsURL,
		mids: make(map[string]float64),
		log:  log.With().Str("component", "ws_mids").Logger(),
	}
}

// Mid returns the cached mid for a coin. ok is false when the coin is
// unknown or the cache is older than midTTL — callers then fall back to
// the REST snapshot.
func (f *MidFeed) Mid(coin string) (float64, bool) {
	f.midsMu.RLock()
	defer f.midsMu.RUnlock()
	px, ok := f.mids[coin]
	if !ok || px <= 0 {
		return 0, false
	}
	if time.Since(f.updatedAt) > midTTL {
		return 0, false
	}
	return px, true
}

// MidAge returns how long ago the cache was last refreshed. Before the
// first update it reports a very large age.
func (f *MidFeed) MidAge() time.Duration {
	f.midsMu.RLock()
	defer f.midsMu.RUnlock()
	if f.updatedAt.IsZero() {
		return time.Duration(1<<62 - 1)
	}
	return time.Since(f.updatedAt)
}

// Run connects and maintains the WebSocket connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (f *MidFeed) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		start := time.Now()
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// A connection that held for a while earns a fresh backoff.
		if time.Since(start) > time.Minute {
			backoff = time.Second
		}

		f.log.Warn().Err(err).Dur("backoff", backoff).Msg("websocket disconnected, reconnecting")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Close gracefully closes the connection.
func (f *MidFeed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *MidFeed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if err := f.writeJSON(wsCommand{Method: "subscribe", Subscription: &wsSubscription{Type: "allMids"}}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	f.log.Info().Str("url", f.url).Msg("websocket connected")

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	// Read loop with deadline so we reconnect if the server goes silent.
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.dispatchMessage(msg)
	}
}

func (f *MidFeed) dispatchMessage(data []byte) {
	var envelope wsEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		f.log.Debug().Str("data", string(data)).Msg("ignoring non-json ws message")
		return
	}

	switch envelope.Channel {
	case "allMids":
		var payload wsAllMids
		if err := json.Unmarshal(envelope.Data, &payload); err != nil {
			f.log.Error().Err(err).Msg("unmarshal allMids payload")
			return
		}
		f.storeMids(payload.Mids)

	case "subscriptionResponse", "pong":
		// Acks, nothing to route.

	default:
		f.log.Debug().Str("channel", envelope.Channel).Msg("unknown ws channel")
	}
}

func (f *MidFeed) storeMids(raw map[string]string) {
	f.midsMu.Lock()
	defer f.midsMu.Unlock()
	for coin, s := range raw {
		if strings.HasPrefix(coin, "@") {
			continue
		}
		px, err := strconv.ParseFloat(s, 64)
		if err != nil || px <= 0 {
			continue
		}
		f.mids[coin] = px
	}
	f.updatedAt = time.Now()
}

func (f *MidFeed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeJSON(wsCommand{Method: "ping"}); err != nil {
				f.log.Warn().Err(err).Msg("ping failed")
				return
			}
		}
	}
}

func (f *MidFeed) writeJSON(v any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}

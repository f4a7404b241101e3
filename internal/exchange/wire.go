// wire.go defines the raw Hyperliquid API shapes and the parsing helpers
// that sit between them and the rest of the agent. The venue returns every
// numeric field as a string; none of them are trusted to parse.
package exchange

import (
	"strconv"

	"github.com/rs/zerolog"

	"github.com/Naofumi-1000ri/MyClawTradingBot/pkg/types"
)

// ————————————————————————————————————————————————————————————————————————
// Info endpoint payloads
// ————————————————————————————————————————————————————————————————————————

// wireMarginSummary is the perps margin block of clearinghouseState.
type wireMarginSummary struct {
	AccountValue string `json:"accountValue"`
	TotalNtlPos  string `json:"totalNtlPos"`
	TotalRawUsd  string `json:"totalRawUsd"`
}

// wireLeverage mirrors the polymorphic leverage field: some endpoints send
// a bare number, others {"type":"cross","value":3}. types.Leverage owns the
// custom decoding.
type wirePosition struct {
	Coin           string         `json:"coin"`
	Szi            string         `json:"szi"`
	EntryPx        string         `json:"entryPx"`
	PositionValue  string         `json:"positionValue"`
	UnrealizedPnl  string         `json:"unrealizedPnl"`
	ReturnOnEquity string         `json:"returnOnEquity"`
	Leverage       types.Leverage `json:"leverage"`
	LiquidationPx  string         `json:"liquidationPx"`
	MarginUsed     string         `json:"marginUsed"`
}

type wireAssetPosition struct {
	Type     string       `json:"type"`
	Position wirePosition `json:"position"`
}

// wireUserState is the POST /info {"type":"clearinghouseState"} response.
type wireUserState struct {
	MarginSummary      wireMarginSummary   `json:"marginSummary"`
	CrossMarginSummary wireMarginSummary   `json:"crossMarginSummary"`
	AssetPositions     []wireAssetPosition `json:"assetPositions"`
	Withdrawable       string              `json:"withdrawable"`
	Time               int64               `json:"time"`
}

// wireSpotBalance is one entry of spotClearinghouseState.balances.
type wireSpotBalance struct {
	Coin  string `json:"coin"`
	Hold  string `json:"hold"`
	Total string `json:"total"`
}

type wireSpotState struct {
	Balances []wireSpotBalance `json:"balances"`
}

// wireCandle is one candle from candleSnapshot. The venue sends OHLCV as
// strings and includes fields (close time, symbol, interval, trade count)
// the agent does not use.
type wireCandle struct {
	T int64  `json:"t"`
	O string `json:"o"`
	H string `json:"h"`
	L string `json:"l"`
	C string `json:"c"`
	V string `json:"v"`
	N int    `json:"n"`
	S string `json:"s"`
	I string `json:"i"`
}

type wireBookLevel struct {
	Px string `json:"px"`
	Sz string `json:"sz"`
	N  int    `json:"n"`
}

// wireL2Book is the POST /info {"type":"l2Book"} response.
// levels[0] is bids, levels[1] is asks, both best-first.
type wireL2Book struct {
	Coin   string             `json:"coin"`
	Time   int64              `json:"time"`
	Levels [][]wireBookLevel  `json:"levels"`
}

// wireAssetMeta is one entry of meta.universe.
type wireAssetMeta struct {
	Name         string `json:"name"`
	SzDecimals   int    `json:"szDecimals"`
	MaxLeverage  int    `json:"maxLeverage"`
	OnlyIsolated bool   `json:"onlyIsolated"`
}

type wireMeta struct {
	Universe []wireAssetMeta `json:"universe"`
}

// wireAssetCtx is one entry of the asset contexts array, parallel to
// meta.universe by index.
type wireAssetCtx struct {
	Funding      string `json:"funding"`
	OpenInterest string `json:"openInterest"`
	MarkPx       string `json:"markPx"`
	MidPx        string `json:"midPx"`
	OraclePx     string `json:"oraclePx"`
	PrevDayPx    string `json:"prevDayPx"`
}

// ————————————————————————————————————————————————————————————————————————
// Exchange endpoint payloads
// ————————————————————————————————————————————————————————————————————————

// Field order in the wire structs below is load-bearing: the action is
// msgpack-encoded in struct order and keccak-hashed for signing, and the
// venue computes the same hash from the JSON body. Reordering fields breaks
// every signature.

type limitOrderType struct {
	Tif string `json:"tif" msgpack:"tif"`
}

type orderTypeWire struct {
	Limit *limitOrderType `json:"limit,omitempty" msgpack:"limit,omitempty"`
}

type orderWire struct {
	Asset      int           `json:"a" msgpack:"a"`
	IsBuy      bool          `json:"b" msgpack:"b"`
	Price      string        `json:"p" msgpack:"p"`
	Size       string        `json:"s" msgpack:"s"`
	ReduceOnly bool          `json:"r" msgpack:"r"`
	Type       orderTypeWire `json:"t" msgpack:"t"`
	Cloid      *string       `json:"c,omitempty" msgpack:"c,omitempty"`
}

type orderAction struct {
	Type     string      `json:"type" msgpack:"type"`
	Orders   []orderWire `json:"orders" msgpack:"orders"`
	Grouping string      `json:"grouping" msgpack:"grouping"`
}

type updateLeverageAction struct {
	Type     string `json:"type" msgpack:"type"`
	Asset    int    `json:"asset" msgpack:"asset"`
	IsCross  bool   `json:"isCross" msgpack:"isCross"`
	Leverage int    `json:"leverage" msgpack:"leverage"`
}

type cancelWire struct {
	Asset int   `json:"a" msgpack:"a"`
	Oid   int64 `json:"o" msgpack:"o"`
}

type cancelAction struct {
	Type    string       `json:"type" msgpack:"type"`
	Cancels []cancelWire `json:"cancels" msgpack:"cancels"`
}

// rsvSignature is the JSON form the venue expects.
type rsvSignature struct {
	R string `json:"r"`
	S string `json:"s"`
	V uint8  `json:"v"`
}

type exchangeRequest struct {
	Action       any          `json:"action"`
	Nonce        uint64       `json:"nonce"`
	Signature    rsvSignature `json:"signature"`
	VaultAddress *string      `json:"vaultAddress"`
}

// wireOrderStatus is one per-order entry of an order response: exactly one
// of Filled / Resting / Error is set.
type wireOrderStatus struct {
	Filled  *wireFill    `json:"filled,omitempty"`
	Resting *wireResting `json:"resting,omitempty"`
	Error   string       `json:"error,omitempty"`
}

type wireFill struct {
	TotalSz string `json:"totalSz"`
	AvgPx   string `json:"avgPx"`
	Oid     int64  `json:"oid"`
}

type wireResting struct {
	Oid int64 `json:"oid"`
}

type wireExchangeResponse struct {
	Status   string `json:"status"`
	Response struct {
		Type string `json:"type"`
		Data struct {
			Statuses []wireOrderStatus `json:"statuses"`
		} `json:"data"`
	} `json:"response"`
}

// ————————————————————————————————————————————————————————————————————————
// Parsing
// ————————————————————————————————————————————————————————————————————————

// safeFloat parses a venue numeric string. Garbage parses to 0 with a log
// line instead of failing the whole snapshot; the health checker catches
// systematic zeros downstream.
func safeFloat(log zerolog.Logger, field, raw string) float64 {
	if raw == "" {
		return 0
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Warn().Str("field", field).Str("raw", raw).Msg("unparseable numeric from venue")
		return 0
	}
	return v
}

func (c wireCandle) toCandle(log zerolog.Logger) types.Candle {
	return types.Candle{
		T: c.T,
		O: safeFloat(log, "candle.o", c.O),
		H: safeFloat(log, "candle.h", c.H),
		L: safeFloat(log, "candle.l", c.L),
		C: safeFloat(log, "candle.c", c.C),
		V: safeFloat(log, "candle.v", c.V),
	}
}

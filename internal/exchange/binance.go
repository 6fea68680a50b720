package exchange

// The Binance protocol uses combined streams: every data frame is wrapped in
// {"stream": "<symbol>@<channel>", "data": {...}} and subscriptions are sent
// as SUBSCRIBE requests after connecting to the /stream endpoint.

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"

	"arbitral/internal/model"
	"arbitral/internal/utils"
	"arbitral/internal/websocket"
)

var (
	// defaultBinanceConfig provides sensible default configuration values for Binance connections.
	defaultBinanceConfig = ExchangeConfig{
		SpotURL:    "wss://stream.binance.com:9443/stream",
		FuturesURL: "wss://fstream.binance.com/stream",
		MaxSymbols: 50,
	}
)

// binanceMaxParams bounds the streams per SUBSCRIBE request.
const binanceMaxParams = 100

type binanceProtocol struct {
	validate *validator.Validate
	nextID   atomic.Int64
}

// NewBinanceConnector creates a new Binance connector with the specified configuration.
//
// If no configuration is provided (cfg is nil), the connector will use default
// configuration values suitable for most use cases.
func NewBinanceConnector(cfg *ExchangeConfig) (*Connector, error) {
	return newConnector(model.BinanceExchange, cfg, defaultBinanceConfig, func(v *validator.Validate) protocol {
		return &binanceProtocol{validate: v}
	})
}

// binanceRequest is a SUBSCRIBE request.
//
//	{"method":"SUBSCRIBE","params":["btcusdt@bookTicker","btcusdt@ticker"],"id":1}
type binanceRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

// binanceEnvelope is the combined stream wrapper. Request responses carry
// "id" and "result" instead of "stream".
type binanceEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
	ID     *int64          `json:"id"`
	Error  *struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	} `json:"error"`
}

// binanceBookTicker is a <symbol>@bookTicker payload.
type binanceBookTicker struct {
	EventType string       `json:"e"`
	EventTime utils.Number `json:"E"`
	Symbol    string       `json:"s" validate:"required"`
	Bid       utils.Number `json:"b"`
	BidSize   utils.Number `json:"B"`
	Ask       utils.Number `json:"a"`
	AskSize   utils.Number `json:"A"`
	Time      utils.Number `json:"T"` // futures only
}

// binanceTicker is a <symbol>@ticker (24hr rolling window) payload.
// Futures tickers carry no bid/ask.
//
// Binance reuses single letters in both cases ("b" bid price, "B" bid size).
// Key matching falls back to case-insensitive, so every cased twin of a
// decoded field is declared too.
type binanceTicker struct {
	EventType   string       `json:"e"`
	EventTime   utils.Number `json:"E"`
	Symbol      string       `json:"s" validate:"required"`
	Last        utils.Number `json:"c"`
	CloseTime   utils.Number `json:"C"`
	Bid         utils.Number `json:"b"`
	BidSize     utils.Number `json:"B"`
	Ask         utils.Number `json:"a"`
	AskSize     utils.Number `json:"A"`
	QuoteVolume utils.Number `json:"q"`
	LastSize    utils.Number `json:"Q"`
}

// binanceTrade is a <symbol>@trade or <symbol>@aggTrade payload.
type binanceTrade struct {
	EventType    string       `json:"e"`
	Symbol       string       `json:"s" validate:"required"`
	TradeID      int64        `json:"t"`
	Price        utils.Number `json:"p"`
	Quantity     utils.Number `json:"q"`
	Time         int64        `json:"T" validate:"required,gt=0"`
	BuyerIsMaker bool         `json:"m"`
	Ignore       bool         `json:"M"`
}

// binanceDepth is a partial book payload. Spot sends bids/asks without a
// symbol, futures sends b/a.
type binanceDepth struct {
	EventType string          `json:"e"`
	Bids      json.RawMessage `json:"bids"`
	Asks      json.RawMessage `json:"asks"`
	B         json.RawMessage `json:"b"`
	A         json.RawMessage `json:"a"`
	EventTime utils.Number    `json:"E"`
}

// binanceMarkPrice is a futures <symbol>@markPrice payload; r is the funding rate.
type binanceMarkPrice struct {
	EventType   string       `json:"e"`
	Symbol      string       `json:"s" validate:"required"`
	MarkPrice   utils.Number `json:"p"`
	IndexPrice  utils.Number `json:"P"`
	FundingRate utils.Number `json:"r"`
	EventTime   utils.Number `json:"E"`
}

// binanceStreams lists the channels subscribed per symbol and segment.
func binanceStreams(seg model.Segment) []string {
	if seg == model.Futures {
		return []string{"bookTicker", "ticker", "aggTrade", "depth5@100ms", "markPrice"}
	}
	return []string{"bookTicker", "ticker", "trade", "depth5@100ms"}
}

// binanceSymbol converts BTC-USDT to btcusdt.
func binanceSymbol(p model.Pair) string {
	return strings.ToLower(p.Base + p.Quote)
}

func (b *binanceProtocol) subscribeMessages(seg model.Segment, pairs []model.Pair) ([][]byte, error) {
	params := make([]string, 0, len(pairs)*5)
	for _, p := range pairs {
		for _, s := range binanceStreams(seg) {
			params = append(params, binanceSymbol(p)+"@"+s)
		}
	}

	msgs := make([][]byte, 0, 1)
	for _, group := range chunk(params, binanceMaxParams) {
		msg, err := json.Marshal(binanceRequest{
			Method: "SUBSCRIBE",
			Params: group,
			ID:     b.nextID.Add(1),
		})
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// heartbeat uses control frames; Binance answers pings with pongs.
func (b *binanceProtocol) heartbeat(model.Segment) websocket.Heartbeat {
	return websocket.Heartbeat{}
}

func (b *binanceProtocol) decode(seg model.Segment, raw []byte) ([]model.Event, error) {
	var env binanceEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("binance: invalid envelope: %w", err)
	}

	if env.Error != nil {
		return nil, fmt.Errorf("%w: binance %d %s", ErrExchangeError, env.Error.Code, env.Error.Msg)
	}
	if env.Stream == "" {
		if env.ID != nil {
			return nil, nil // request acknowledgement
		}
		return nil, fmt.Errorf("%w: binance frame without stream", ErrUnknownChannel)
	}

	sym, channel, ok := strings.Cut(env.Stream, "@")
	if !ok {
		return nil, fmt.Errorf("%w: binance stream %q", ErrUnknownChannel, env.Stream)
	}
	pair, ok := utils.SplitSymbol(sym)
	if !ok {
		return nil, fmt.Errorf("binance: unsupported symbol %q", sym)
	}
	key := model.MarketKey{Exchange: model.BinanceExchange, Pair: pair, Segment: seg}

	switch {
	case channel == "bookTicker":
		var m binanceBookTicker
		if err := b.unmarshal(env.Data, &m); err != nil {
			return nil, err
		}
		ev := model.BookTicker{Key: key, Time: millis(m.Time)}
		ev.Bid, _ = m.Bid.Positive()
		ev.BidSize, _ = m.BidSize.Positive()
		ev.Ask, _ = m.Ask.Positive()
		ev.AskSize, _ = m.AskSize.Positive()
		return []model.Event{ev}, nil

	case channel == "ticker":
		var m binanceTicker
		if err := b.unmarshal(env.Data, &m); err != nil {
			return nil, err
		}
		u := model.TickUpdate{Time: millis(m.EventTime)}
		if v, ok := m.Bid.Positive(); ok {
			u.SetBid(v)
		}
		if v, ok := m.Ask.Positive(); ok {
			u.SetAsk(v)
		}
		if v, ok := m.Last.Positive(); ok {
			u.SetLast(v)
		}
		if m.QuoteVolume.Valid {
			u.SetQuoteVolume(m.QuoteVolume.Value)
		}
		return []model.Event{model.Ticker{Key: key, Tick: u}}, nil

	case channel == "trade" || channel == "aggTrade":
		var m binanceTrade
		if err := b.unmarshal(env.Data, &m); err != nil {
			return nil, err
		}
		price, ok := m.Price.Positive()
		if !ok {
			return nil, nil
		}
		side := "buy"
		if m.BuyerIsMaker {
			side = "sell"
		}
		ev := model.Trade{Key: key, Price: price, Side: side, Time: time.UnixMilli(m.Time)}
		ev.Size, _ = m.Quantity.Positive()
		return []model.Event{ev}, nil

	case strings.HasPrefix(channel, "depth"):
		var m binanceDepth
		if err := json.Unmarshal(env.Data, &m); err != nil {
			return nil, fmt.Errorf("binance: invalid depth payload: %w", err)
		}
		rawBids, rawAsks := m.Bids, m.Asks
		if len(rawBids) == 0 && len(rawAsks) == 0 {
			rawBids, rawAsks = m.B, m.A
		}
		bids, asks := bestLevels(rawBids, rawAsks)
		return []model.Event{model.Depth{Key: key, Bids: bids, Asks: asks, Time: millis(m.EventTime)}}, nil

	case channel == "markPrice" || strings.HasPrefix(channel, "markPrice@"):
		var m binanceMarkPrice
		if err := b.unmarshal(env.Data, &m); err != nil {
			return nil, err
		}
		if !m.FundingRate.Valid {
			return nil, nil
		}
		u := model.TickUpdate{Time: millis(m.EventTime)}
		u.SetFundingRate(m.FundingRate.Value)
		return []model.Event{model.Ticker{Key: key, Tick: u}}, nil

	default:
		return nil, fmt.Errorf("%w: binance %q", ErrUnknownChannel, channel)
	}
}

// unmarshal decodes a payload and validates it in place.
func (b *binanceProtocol) unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("binance: invalid payload: %w", err)
	}
	if err := b.validate.Struct(v); err != nil {
		return fmt.Errorf("binance: validation failed: %w", err)
	}
	return nil
}

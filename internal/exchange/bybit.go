package exchange

// Bybit v5 public streams. Topics are "<channel>.<SYMBOL>". Linear tickers
// send a snapshot followed by deltas that only carry changed fields, which
// maps directly onto a partial TickUpdate.

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"

	"arbitral/internal/model"
	"arbitral/internal/utils"
	"arbitral/internal/websocket"
)

var (
	// defaultBybitConfig provides sensible defaults for Bybit connections.
	defaultBybitConfig = ExchangeConfig{
		SpotURL:    "wss://stream.bybit.com/v5/public/spot",
		FuturesURL: "wss://stream.bybit.com/v5/public/linear",
		MaxSymbols: 50,
	}
)

// bybitMaxArgs bounds the topics per subscribe request on spot connections.
const bybitMaxArgs = 10

type bybitProtocol struct {
	validate *validator.Validate
}

// NewBybitConnector creates a new Bybit connector with the specified configuration.
func NewBybitConnector(cfg *ExchangeConfig) (*Connector, error) {
	return newConnector(model.BybitExchange, cfg, defaultBybitConfig, func(v *validator.Validate) protocol {
		return &bybitProtocol{validate: v}
	})
}

// bybitRequest is an operation request.
//
//	{"op":"subscribe","args":["tickers.BTCUSDT","orderbook.1.BTCUSDT"]}
type bybitRequest struct {
	Op   string   `json:"op"`
	Args []string `json:"args,omitempty"`
}

// bybitMessage is either an operation response or a topic push.
type bybitMessage struct {
	Op      string          `json:"op"`
	Success *bool           `json:"success"`
	RetMsg  string          `json:"ret_msg"`
	Topic   string          `json:"topic"`
	Type    string          `json:"type"`
	TS      utils.Number    `json:"ts"`
	Data    json.RawMessage `json:"data"`
}

// bybitTicker is a tickers payload. Spot tickers carry no book prices;
// linear deltas carry only what changed.
type bybitTicker struct {
	Symbol      string       `json:"symbol" validate:"required"`
	LastPrice   utils.Number `json:"lastPrice"`
	Bid1Price   utils.Number `json:"bid1Price"`
	Ask1Price   utils.Number `json:"ask1Price"`
	Turnover24h utils.Number `json:"turnover24h"`
	FundingRate utils.Number `json:"fundingRate"`
}

// bybitBook is an orderbook.1 payload.
type bybitBook struct {
	Symbol string          `json:"s" validate:"required"`
	Bids   json.RawMessage `json:"b"`
	Asks   json.RawMessage `json:"a"`
}

// bybitTrade is one publicTrade entry. S is the taker side ("Buy"/"Sell").
type bybitTrade struct {
	Time   int64        `json:"T" validate:"required,gt=0"`
	Symbol string       `json:"s" validate:"required"`
	Side   string       `json:"S" validate:"required,oneof=Buy Sell"`
	Size   utils.Number `json:"v"`
	Price  utils.Number `json:"p"`
}

func bybitTopics(p model.Pair) []string {
	sym := bybitSymbol(p)
	return []string{"tickers." + sym, "orderbook.1." + sym, "publicTrade." + sym}
}

// bybitSymbol converts BTC-USDT to BTCUSDT.
func bybitSymbol(p model.Pair) string {
	return p.Base + p.Quote
}

func bybitKey(symbol string, seg model.Segment) (model.MarketKey, error) {
	pair, ok := utils.SplitSymbol(symbol)
	if !ok {
		return model.MarketKey{}, fmt.Errorf("bybit: unsupported symbol %q", symbol)
	}
	return model.MarketKey{Exchange: model.BybitExchange, Pair: pair, Segment: seg}, nil
}

func (b *bybitProtocol) subscribeMessages(seg model.Segment, pairs []model.Pair) ([][]byte, error) {
	topics := make([]string, 0, len(pairs)*3)
	for _, p := range pairs {
		topics = append(topics, bybitTopics(p)...)
	}

	var msgs [][]byte
	for _, group := range chunk(topics, bybitMaxArgs) {
		msg, err := json.Marshal(bybitRequest{Op: "subscribe", Args: group})
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func (b *bybitProtocol) heartbeat(model.Segment) websocket.Heartbeat {
	return websocket.Heartbeat{
		Ping: func() []byte { return []byte(`{"op":"ping"}`) },
		IsPong: func(raw []byte) bool {
			var m bybitMessage
			if err := json.Unmarshal(raw, &m); err != nil {
				return false
			}
			return m.Op == "pong" || (m.Op == "ping" && m.RetMsg == "pong")
		},
	}
}

func (b *bybitProtocol) decode(seg model.Segment, raw []byte) ([]model.Event, error) {
	var msg bybitMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("bybit: invalid message: %w", err)
	}

	if msg.Topic == "" {
		if msg.Success != nil && !*msg.Success {
			return nil, fmt.Errorf("%w: bybit %s %s", ErrExchangeError, msg.Op, msg.RetMsg)
		}
		return nil, nil // operation response
	}

	channel := msg.Topic[:strings.IndexByte(msg.Topic+".", '.')]
	at := millis(msg.TS)

	switch channel {
	case "tickers":
		var m bybitTicker
		if err := b.unmarshal(msg.Data, &m); err != nil {
			return nil, err
		}
		key, err := bybitKey(m.Symbol, seg)
		if err != nil {
			return nil, err
		}
		u := model.TickUpdate{Time: at}
		if v, ok := m.Bid1Price.Positive(); ok {
			u.SetBid(v)
		}
		if v, ok := m.Ask1Price.Positive(); ok {
			u.SetAsk(v)
		}
		if v, ok := m.LastPrice.Positive(); ok {
			u.SetLast(v)
		}
		if m.Turnover24h.Valid {
			u.SetQuoteVolume(m.Turnover24h.Value)
		}
		if m.FundingRate.Valid {
			u.SetFundingRate(m.FundingRate.Value)
		}
		if u.Fields == 0 {
			return nil, nil
		}
		return []model.Event{model.Ticker{Key: key, Tick: u}}, nil

	case "orderbook":
		var m bybitBook
		if err := b.unmarshal(msg.Data, &m); err != nil {
			return nil, err
		}
		key, err := bybitKey(m.Symbol, seg)
		if err != nil {
			return nil, err
		}
		// orderbook.1 carries a single level per side. A zero-size level
		// with no replacement empties that side.
		bids, asks := bestLevels(m.Bids, m.Asks)
		d := model.Depth{
			Key:         key,
			Bids:        bids,
			Asks:        asks,
			BidsCleared: len(bids) == 0 && utils.OnlyDeletions(m.Bids),
			AsksCleared: len(asks) == 0 && utils.OnlyDeletions(m.Asks),
			Time:        at,
		}
		if len(bids) == 0 && len(asks) == 0 && !d.BidsCleared && !d.AsksCleared {
			return nil, nil
		}
		return []model.Event{d}, nil

	case "publicTrade":
		data, err := decodeEntries[bybitTrade](b.validate, "bybit", msg.Data)
		if err != nil {
			return nil, err
		}
		events := make([]model.Event, 0, len(data))
		for _, d := range data {
			key, err := bybitKey(d.Symbol, seg)
			if err != nil {
				return nil, err
			}
			price, ok := d.Price.Positive()
			if !ok {
				continue
			}
			ev := model.Trade{Key: key, Price: price, Side: strings.ToLower(d.Side), Time: time.UnixMilli(d.Time)}
			ev.Size, _ = d.Size.Positive()
			events = append(events, ev)
		}
		return events, nil

	default:
		return nil, fmt.Errorf("%w: bybit %q", ErrUnknownChannel, msg.Topic)
	}
}

// unmarshal decodes a payload and validates it in place.
func (b *bybitProtocol) unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("bybit: invalid payload: %w", err)
	}
	if err := b.validate.Struct(v); err != nil {
		return fmt.Errorf("bybit: validation failed: %w", err)
	}
	return nil
}

package exchange

// Gate.io API v4 websocket. Spot and USDT-margined futures live on separate
// hosts with parallel channel names (spot.tickers / futures.tickers). Every
// frame carries {"time", "channel", "event", "result"}; result is an object
// on spot channels and an array on most futures channels.

import (
	"bytes"
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
	// defaultGateConfig provides sensible defaults for Gate.io connections.
	defaultGateConfig = ExchangeConfig{
		SpotURL:    "wss://api.gateio.ws/ws/v4/",
		FuturesURL: "wss://fx-ws.gateio.ws/v4/ws/usdt",
		MaxSymbols: 50,
	}
)

type gateProtocol struct {
	validate *validator.Validate
	now      func() time.Time
}

// NewGateConnector creates a new Gate.io connector with the specified configuration.
func NewGateConnector(cfg *ExchangeConfig) (*Connector, error) {
	return newConnector(model.GateExchange, cfg, defaultGateConfig, func(v *validator.Validate) protocol {
		return &gateProtocol{validate: v, now: time.Now}
	})
}

// gateRequest is a channel request.
//
//	{"time":1700000000,"channel":"spot.tickers","event":"subscribe","payload":["BTC_USDT"]}
type gateRequest struct {
	Time    int64    `json:"time"`
	Channel string   `json:"channel"`
	Event   string   `json:"event,omitempty"`
	Payload []string `json:"payload,omitempty"`
}

type gateMessage struct {
	Time    int64           `json:"time"`
	Channel string          `json:"channel" validate:"required"`
	Event   string          `json:"event"`
	Error   *gateError      `json:"error"`
	Result  json.RawMessage `json:"result"`
}

type gateError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// gateBookTicker is a {spot,futures}.book_ticker result. Futures sizes are
// integers, spot sizes strings; Number accepts both.
type gateBookTicker struct {
	Symbol  string       `json:"s" validate:"required"`
	Bid     utils.Number `json:"b"`
	BidSize utils.Number `json:"B"`
	Ask     utils.Number `json:"a"`
	AskSize utils.Number `json:"A"`
	Time    utils.Number `json:"t"`
}

// gateSpotTicker is a spot.tickers result.
type gateSpotTicker struct {
	CurrencyPair string       `json:"currency_pair" validate:"required"`
	Last         utils.Number `json:"last"`
	LowestAsk    utils.Number `json:"lowest_ask"`
	HighestBid   utils.Number `json:"highest_bid"`
	QuoteVolume  utils.Number `json:"quote_volume"`
}

// gateFuturesTicker is one futures.tickers entry.
type gateFuturesTicker struct {
	Contract    string       `json:"contract" validate:"required"`
	Last        utils.Number `json:"last"`
	FundingRate utils.Number `json:"funding_rate"`
	QuoteVolume utils.Number `json:"volume_24h_quote"`
}

// gateSpotTrade is a spot.trades result.
type gateSpotTrade struct {
	CurrencyPair string       `json:"currency_pair" validate:"required"`
	Side         string       `json:"side" validate:"required,oneof=buy sell"`
	Amount       utils.Number `json:"amount"`
	Price        utils.Number `json:"price"`
	CreateTimeMs utils.Number `json:"create_time_ms"`
}

// gateFuturesTrade is one futures.trades entry; a negative size is a sell.
type gateFuturesTrade struct {
	Contract     string       `json:"contract" validate:"required"`
	Size         utils.Number `json:"size"`
	Price        utils.Number `json:"price"`
	CreateTimeMs utils.Number `json:"create_time_ms"`
}

// gatePrefix returns the channel namespace of seg.
func gatePrefix(seg model.Segment) string {
	if seg == model.Futures {
		return "futures"
	}
	return "spot"
}

// gateSymbol converts BTC-USDT to BTC_USDT.
func gateSymbol(p model.Pair) string {
	return p.Base + "_" + p.Quote
}

func (g *gateProtocol) subscribeMessages(seg model.Segment, pairs []model.Pair) ([][]byte, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	symbols := make([]string, 0, len(pairs))
	for _, p := range pairs {
		symbols = append(symbols, gateSymbol(p))
	}

	prefix := gatePrefix(seg)
	var msgs [][]byte
	for _, ch := range []string{"book_ticker", "tickers", "trades"} {
		msg, err := json.Marshal(gateRequest{
			Time:    g.now().Unix(),
			Channel: prefix + "." + ch,
			Event:   "subscribe",
			Payload: symbols,
		})
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func (g *gateProtocol) heartbeat(seg model.Segment) websocket.Heartbeat {
	prefix := gatePrefix(seg)
	pong := []byte(`"` + prefix + `.pong"`)
	return websocket.Heartbeat{
		Ping: func() []byte {
			msg, _ := json.Marshal(gateRequest{Time: g.now().Unix(), Channel: prefix + ".ping"})
			return msg
		},
		IsPong: func(b []byte) bool { return bytes.Contains(b, pong) },
	}
}

func (g *gateProtocol) decode(seg model.Segment, raw []byte) ([]model.Event, error) {
	var msg gateMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("gate: invalid message: %w", err)
	}
	if err := g.validate.Struct(&msg); err != nil {
		return nil, fmt.Errorf("gate: validation failed: %w", err)
	}
	if msg.Error != nil {
		return nil, fmt.Errorf("%w: gate %s %d %s", ErrExchangeError, msg.Channel, msg.Error.Code, msg.Error.Message)
	}
	if msg.Event != "update" && msg.Event != "all" {
		return nil, nil // subscribe acknowledgements
	}

	prefix, channel, _ := strings.Cut(msg.Channel, ".")
	if prefix != gatePrefix(seg) {
		return nil, fmt.Errorf("%w: gate %q on %s connection", ErrUnknownChannel, msg.Channel, seg)
	}

	switch channel {
	case "book_ticker":
		return eachResult(g.validate, msg.Result, func(m gateBookTicker) (model.Event, error) {
			key, err := gateKey(m.Symbol, seg)
			if err != nil {
				return nil, err
			}
			ev := model.BookTicker{Key: key, Time: millis(m.Time)}
			ev.Bid, _ = m.Bid.Positive()
			ev.BidSize, _ = m.BidSize.Positive()
			ev.Ask, _ = m.Ask.Positive()
			ev.AskSize, _ = m.AskSize.Positive()
			return ev, nil
		})

	case "tickers":
		if seg == model.Futures {
			return eachResult(g.validate, msg.Result, func(m gateFuturesTicker) (model.Event, error) {
				key, err := gateKey(m.Contract, seg)
				if err != nil {
					return nil, err
				}
				u := model.TickUpdate{Time: time.Unix(msg.Time, 0)}
				if v, ok := m.Last.Positive(); ok {
					u.SetLast(v)
				}
				if m.QuoteVolume.Valid {
					u.SetQuoteVolume(m.QuoteVolume.Value)
				}
				if m.FundingRate.Valid {
					u.SetFundingRate(m.FundingRate.Value)
				}
				return model.Ticker{Key: key, Tick: u}, nil
			})
		}
		return eachResult(g.validate, msg.Result, func(m gateSpotTicker) (model.Event, error) {
			key, err := gateKey(m.CurrencyPair, seg)
			if err != nil {
				return nil, err
			}
			u := model.TickUpdate{Time: time.Unix(msg.Time, 0)}
			if v, ok := m.HighestBid.Positive(); ok {
				u.SetBid(v)
			}
			if v, ok := m.LowestAsk.Positive(); ok {
				u.SetAsk(v)
			}
			if v, ok := m.Last.Positive(); ok {
				u.SetLast(v)
			}
			if m.QuoteVolume.Valid {
				u.SetQuoteVolume(m.QuoteVolume.Value)
			}
			return model.Ticker{Key: key, Tick: u}, nil
		})

	case "trades":
		if seg == model.Futures {
			return eachResult(g.validate, msg.Result, func(m gateFuturesTrade) (model.Event, error) {
				key, err := gateKey(m.Contract, seg)
				if err != nil {
					return nil, err
				}
				price, ok := m.Price.Positive()
				if !ok {
					return nil, nil
				}
				side, size := "buy", m.Size.Value
				if size < 0 {
					side, size = "sell", -size
				}
				return model.Trade{Key: key, Price: price, Size: size, Side: side, Time: millis(m.CreateTimeMs)}, nil
			})
		}
		return eachResult(g.validate, msg.Result, func(m gateSpotTrade) (model.Event, error) {
			key, err := gateKey(m.CurrencyPair, seg)
			if err != nil {
				return nil, err
			}
			price, ok := m.Price.Positive()
			if !ok {
				return nil, nil
			}
			ev := model.Trade{Key: key, Price: price, Side: m.Side, Time: millis(m.CreateTimeMs)}
			ev.Size, _ = m.Amount.Positive()
			return ev, nil
		})

	default:
		return nil, fmt.Errorf("%w: gate %q", ErrUnknownChannel, msg.Channel)
	}
}

func gateKey(symbol string, seg model.Segment) (model.MarketKey, error) {
	pair, err := model.ParsePair(symbol)
	if err != nil {
		return model.MarketKey{}, fmt.Errorf("gate: %w", err)
	}
	return model.MarketKey{Exchange: model.GateExchange, Pair: pair, Segment: seg}, nil
}

// eachResult decodes result as a single object or an array of objects,
// validates every entry and converts it with fn. A nil event from fn is skipped.
func eachResult[T any](v *validator.Validate, result json.RawMessage, fn func(T) (model.Event, error)) ([]model.Event, error) {
	result = bytes.TrimSpace(result)
	var entries []T
	if len(result) > 0 && result[0] == '[' {
		decoded, err := decodeEntries[T](v, "gate", result)
		if err != nil {
			return nil, err
		}
		entries = decoded
	} else {
		var one T
		if err := json.Unmarshal(result, &one); err != nil {
			return nil, fmt.Errorf("gate: invalid payload: %w", err)
		}
		if err := v.Struct(&one); err != nil {
			return nil, fmt.Errorf("gate: validation failed: %w", err)
		}
		entries = []T{one}
	}

	events := make([]model.Event, 0, len(entries))
	for _, e := range entries {
		ev, err := fn(e)
		if err != nil {
			return nil, err
		}
		if ev != nil {
			events = append(events, ev)
		}
	}
	return events, nil
}

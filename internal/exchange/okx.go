package exchange

// OKX API v5 public channels. Both segments share one endpoint and are told
// apart by the instrument id: BTC-USDT for spot, BTC-USDT-SWAP for the
// perpetual swap. Liveness uses the literal text frames "ping" and "pong".

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"

	"arbitral/internal/model"
	"arbitral/internal/utils"
	"arbitral/internal/websocket"
)

var (
	// defaultOkxConfig provides sensible defaults for OKX exchange connections.
	defaultOkxConfig = ExchangeConfig{
		SpotURL:    "wss://ws.okx.com:8443/ws/v5/public",
		FuturesURL: "wss://ws.okx.com:8443/ws/v5/public",
		MaxSymbols: 50,
	}
)

const okxSwapSuffix = "-SWAP"

type okxProtocol struct {
	validate *validator.Validate
}

// NewOkxConnector creates a new OKX exchange connector with the specified configuration.
func NewOkxConnector(cfg *ExchangeConfig) (*Connector, error) {
	return newConnector(model.OkxExchange, cfg, defaultOkxConfig, func(v *validator.Validate) protocol {
		return &okxProtocol{validate: v}
	})
}

// okxArg names one channel subscription.
type okxArg struct {
	Channel string `json:"channel" validate:"required"`
	InstID  string `json:"instId" validate:"required"`
}

// okxRequest is a subscription request.
//
//	{"op":"subscribe","args":[{"channel":"tickers","instId":"BTC-USDT"}]}
type okxRequest struct {
	Op   string   `json:"op"`
	Args []okxArg `json:"args"`
}

// okxMessage is either an event ("subscribe", "error") or a data push.
type okxMessage struct {
	Event string          `json:"event"`
	Code  string          `json:"code"`
	Msg   string          `json:"msg"`
	Arg   okxArg          `json:"arg"`
	Data  json.RawMessage `json:"data"`
}

// okxTicker is a tickers channel entry. volCcy24h is quote volume on spot
// and base volume on swaps.
type okxTicker struct {
	InstID string       `json:"instId" validate:"required"`
	Last   utils.Number `json:"last"`
	BidPx  utils.Number `json:"bidPx"`
	AskPx  utils.Number `json:"askPx"`
	VolCcy utils.Number `json:"volCcy24h"`
	TS     utils.Number `json:"ts"`
}

// okxBBO is a bbo-tbt entry; levels are [price, size, liquidated, orders].
type okxBBO struct {
	Asks json.RawMessage `json:"asks"`
	Bids json.RawMessage `json:"bids"`
	TS   utils.Number    `json:"ts"`
}

// okxTrade is a trades channel entry.
type okxTrade struct {
	InstID string       `json:"instId" validate:"required"`
	Price  utils.Number `json:"px"`
	Size   utils.Number `json:"sz"`
	Side   string       `json:"side" validate:"required,oneof=buy sell"`
	TS     utils.Number `json:"ts"`
}

// okxFunding is a funding-rate channel entry.
type okxFunding struct {
	InstID      string       `json:"instId" validate:"required"`
	FundingRate utils.Number `json:"fundingRate"`
	FundingTime utils.Number `json:"fundingTime"`
}

func okxChannels(seg model.Segment) []string {
	if seg == model.Futures {
		return []string{"tickers", "bbo-tbt", "trades", "funding-rate"}
	}
	return []string{"tickers", "bbo-tbt", "trades"}
}

// okxInstID converts BTC-USDT to the instrument id of seg.
func okxInstID(seg model.Segment, p model.Pair) string {
	if seg == model.Futures {
		return p.String() + okxSwapSuffix
	}
	return p.String()
}

// okxPair converts an instrument id back to a pair.
func okxPair(instID string) (model.Pair, error) {
	return model.ParsePair(strings.TrimSuffix(instID, okxSwapSuffix))
}

func (o *okxProtocol) subscribeMessages(seg model.Segment, pairs []model.Pair) ([][]byte, error) {
	args := make([]okxArg, 0, len(pairs)*4)
	for _, p := range pairs {
		for _, ch := range okxChannels(seg) {
			args = append(args, okxArg{Channel: ch, InstID: okxInstID(seg, p)})
		}
	}
	if len(args) == 0 {
		return nil, nil
	}

	msg, err := json.Marshal(okxRequest{Op: "subscribe", Args: args})
	if err != nil {
		return nil, err
	}
	return [][]byte{msg}, nil
}

func (o *okxProtocol) heartbeat(model.Segment) websocket.Heartbeat {
	return websocket.Heartbeat{
		Ping:   func() []byte { return []byte("ping") },
		IsPong: func(b []byte) bool { return bytes.Equal(bytes.TrimSpace(b), []byte("pong")) },
	}
}

func (o *okxProtocol) decode(seg model.Segment, raw []byte) ([]model.Event, error) {
	var msg okxMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("okx: invalid message: %w", err)
	}

	switch msg.Event {
	case "":
	case "error":
		return nil, fmt.Errorf("%w: okx %s %s", ErrExchangeError, msg.Code, msg.Msg)
	default:
		// subscribe, unsubscribe and channel-conn-count acknowledgements
		return nil, nil
	}

	if err := o.validate.Struct(&msg.Arg); err != nil {
		return nil, fmt.Errorf("okx: validation failed: %w", err)
	}
	pair, err := okxPair(msg.Arg.InstID)
	if err != nil {
		return nil, fmt.Errorf("okx: %w", err)
	}
	key := model.MarketKey{Exchange: model.OkxExchange, Pair: pair, Segment: seg}

	switch msg.Arg.Channel {
	case "tickers":
		data, err := decodeEntries[okxTicker](o.validate, "okx", msg.Data)
		if err != nil {
			return nil, err
		}
		events := make([]model.Event, 0, len(data))
		for _, d := range data {
			u := model.TickUpdate{Time: millis(d.TS)}
			if v, ok := d.BidPx.Positive(); ok {
				u.SetBid(v)
			}
			if v, ok := d.AskPx.Positive(); ok {
				u.SetAsk(v)
			}
			last, hasLast := d.Last.Positive()
			if hasLast {
				u.SetLast(last)
			}
			if d.VolCcy.Valid {
				switch {
				case seg == model.Spot:
					u.SetQuoteVolume(d.VolCcy.Value)
				case hasLast:
					u.SetQuoteVolume(d.VolCcy.Value * last)
				}
			}
			events = append(events, model.Ticker{Key: key, Tick: u})
		}
		return events, nil

	case "bbo-tbt":
		var data []okxBBO
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return nil, fmt.Errorf("okx: invalid bbo payload: %w", err)
		}
		events := make([]model.Event, 0, len(data))
		for _, d := range data {
			bids, asks := bestLevels(d.Bids, d.Asks)
			ev := model.BookTicker{Key: key, Time: millis(d.TS)}
			if len(bids) > 0 {
				ev.Bid, ev.BidSize = bids[0].Price, bids[0].Size
			}
			if len(asks) > 0 {
				ev.Ask, ev.AskSize = asks[0].Price, asks[0].Size
			}
			events = append(events, ev)
		}
		return events, nil

	case "trades":
		data, err := decodeEntries[okxTrade](o.validate, "okx", msg.Data)
		if err != nil {
			return nil, err
		}
		events := make([]model.Event, 0, len(data))
		for _, d := range data {
			price, ok := d.Price.Positive()
			if !ok {
				continue
			}
			ev := model.Trade{Key: key, Price: price, Side: d.Side, Time: millis(d.TS)}
			ev.Size, _ = d.Size.Positive()
			events = append(events, ev)
		}
		return events, nil

	case "funding-rate":
		data, err := decodeEntries[okxFunding](o.validate, "okx", msg.Data)
		if err != nil {
			return nil, err
		}
		events := make([]model.Event, 0, len(data))
		for _, d := range data {
			if !d.FundingRate.Valid {
				continue
			}
			var u model.TickUpdate
			u.SetFundingRate(d.FundingRate.Value)
			events = append(events, model.Ticker{Key: key, Tick: u})
		}
		return events, nil

	default:
		return nil, fmt.Errorf("%w: okx %q", ErrUnknownChannel, msg.Arg.Channel)
	}
}

// decodeEntries decodes a data array and validates every entry.
func decodeEntries[T any](v *validator.Validate, venue string, data []byte) ([]T, error) {
	var out []T
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%s: invalid payload: %w", venue, err)
	}
	for i := range out {
		if err := v.Struct(&out[i]); err != nil {
			return nil, fmt.Errorf("%s: validation failed: %w", venue, err)
		}
	}
	return out, nil
}

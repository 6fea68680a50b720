// Package model defines core data types for the arbitrage monitor.
//
// This package contains the fundamental data structures used throughout the system
// for representing exchanges, market segments, trading pairs and the normalized
// market state derived from exchange streams.
package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrUnknownExchange indicates that an exchange name could not be resolved.
	ErrUnknownExchange = errors.New("unknown exchange")

	// ErrUnknownSegment indicates that a segment name could not be resolved.
	ErrUnknownSegment = errors.New("unknown segment")

	// ErrInvalidPair indicates that a trading pair is not in BASE-QUOTE form.
	ErrInvalidPair = errors.New("invalid pair")
)

// Exchange represents a cryptocurrency exchange.
type Exchange int

const (
	// BinanceExchange represents the Binance cryptocurrency exchange
	BinanceExchange Exchange = iota

	// OkxExchange represents the OKX cryptocurrency exchange
	OkxExchange

	// GateExchange represents the Gate.io cryptocurrency exchange
	GateExchange

	// BybitExchange represents the Bybit cryptocurrency exchange
	BybitExchange
)

var exchangeNames = map[Exchange]string{
	BinanceExchange: "binance",
	OkxExchange:     "okx",
	GateExchange:    "gate",
	BybitExchange:   "bybit",
}

// Exchanges lists every supported exchange in declaration order.
func Exchanges() []Exchange {
	return []Exchange{BinanceExchange, OkxExchange, GateExchange, BybitExchange}
}

func (e Exchange) String() string {
	if name, ok := exchangeNames[e]; ok {
		return name
	}
	return fmt.Sprintf("exchange(%d)", int(e))
}

// MarshalText implements encoding.TextMarshaler.
func (e Exchange) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (e *Exchange) UnmarshalText(text []byte) error {
	parsed, err := ParseExchange(string(text))
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}

// ParseExchange resolves an exchange from its case-insensitive name.
// "gateio" is accepted as an alias for "gate".
func ParseExchange(name string) (Exchange, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	if n == "gateio" {
		n = "gate"
	}
	for ex, s := range exchangeNames {
		if s == n {
			return ex, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownExchange, name)
}

// Segment is a market segment of an exchange.
type Segment int

const (
	// Spot is the spot market.
	Spot Segment = iota

	// Futures is the perpetual futures (swap) market.
	Futures
)

// Segments lists both market segments.
func Segments() []Segment {
	return []Segment{Spot, Futures}
}

func (s Segment) String() string {
	switch s {
	case Spot:
		return "spot"
	case Futures:
		return "futures"
	default:
		return fmt.Sprintf("segment(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Segment) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Segment) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "spot":
		*s = Spot
	case "futures", "swap", "perp", "linear":
		*s = Futures
	default:
		return fmt.Errorf("%w: %q", ErrUnknownSegment, string(text))
	}
	return nil
}

// Pair is a canonical trading pair. Both assets are upper case.
type Pair struct {
	Base  string
	Quote string
}

// NewPair builds a canonical pair from its assets.
func NewPair(base, quote string) Pair {
	return Pair{
		Base:  strings.ToUpper(strings.TrimSpace(base)),
		Quote: strings.ToUpper(strings.TrimSpace(quote)),
	}
}

// ParsePair parses a "BASE-QUOTE" symbol. "_" and "/" are accepted as separators.
func ParsePair(symbol string) (Pair, error) {
	s := strings.NewReplacer("_", "-", "/", "-").Replace(strings.TrimSpace(symbol))
	parts := strings.Split(s, "-")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Pair{}, fmt.Errorf("%w: expected BASE-QUOTE, got %q", ErrInvalidPair, symbol)
	}
	return NewPair(parts[0], parts[1]), nil
}

func (p Pair) String() string {
	return p.Base + "-" + p.Quote
}

// IsZero reports whether the pair is unset.
func (p Pair) IsZero() bool {
	return p.Base == "" && p.Quote == ""
}

// MarshalText implements encoding.TextMarshaler.
func (p Pair) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Pair) UnmarshalText(text []byte) error {
	parsed, err := ParsePair(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// MarketKey identifies one market: a pair traded on one segment of one exchange.
type MarketKey struct {
	Exchange Exchange
	Pair     Pair
	Segment  Segment
}

func (k MarketKey) String() string {
	return fmt.Sprintf("%s:%s:%s", k.Exchange, k.Segment, k.Pair)
}

// Field is a bit set naming the tick values carried by a message.
type Field uint8

const (
	FieldBid Field = 1 << iota
	FieldAsk
	FieldLast
	FieldQuoteVolume
	FieldFundingRate
)

// Has reports whether every field in mask is set.
func (f Field) Has(mask Field) bool {
	return f&mask == mask
}

// TickUpdate is a partial tick decoded from a single exchange message.
// Only the values named in Fields are meaningful.
type TickUpdate struct {
	Fields      Field
	Bid         float64
	Ask         float64
	Last        float64
	QuoteVolume float64
	FundingRate float64
	Time        time.Time
}

// SetBid records a best bid.
func (u *TickUpdate) SetBid(v float64) {
	u.Bid = v
	u.Fields |= FieldBid
}

// SetAsk records a best ask.
func (u *TickUpdate) SetAsk(v float64) {
	u.Ask = v
	u.Fields |= FieldAsk
}

// ClearBid records that the book has no bid. The bid field is carried with a
// zero value, so a merged tick reports no usable bid.
func (u *TickUpdate) ClearBid() {
	u.SetBid(0)
}

// ClearAsk records that the book has no ask.
func (u *TickUpdate) ClearAsk() {
	u.SetAsk(0)
}

// SetLast records a last traded price.
func (u *TickUpdate) SetLast(v float64) {
	u.Last = v
	u.Fields |= FieldLast
}

// SetQuoteVolume records a 24h volume in quote currency.
func (u *TickUpdate) SetQuoteVolume(v float64) {
	u.QuoteVolume = v
	u.Fields |= FieldQuoteVolume
}

// SetFundingRate records a funding rate.
func (u *TickUpdate) SetFundingRate(v float64) {
	u.FundingRate = v
	u.Fields |= FieldFundingRate
}

// Tick is the latest known state of one market.
//
// A Tick is an immutable value: the state store never mutates a published
// tick, it merges an update into a copy and publishes the copy.
type Tick struct {
	Fields      Field
	Bid         float64
	Ask         float64
	Last        float64
	QuoteVolume float64
	FundingRate float64
	ObservedAt  time.Time
}

// Merge returns a copy of t with the fields present in u overlaid.
// Fields absent from u keep their previous values.
//
// ObservedAt takes the exchange time of u. An update without one stamps the
// local time, but only when it adds a field or changes a value: a repeated
// untimed update leaves ObservedAt where it was.
func (t Tick) Merge(u TickUpdate) Tick {
	next := t
	if u.Fields.Has(FieldBid) {
		next.Bid = u.Bid
	}
	if u.Fields.Has(FieldAsk) {
		next.Ask = u.Ask
	}
	if u.Fields.Has(FieldLast) {
		next.Last = u.Last
	}
	if u.Fields.Has(FieldQuoteVolume) {
		next.QuoteVolume = u.QuoteVolume
	}
	if u.Fields.Has(FieldFundingRate) {
		next.FundingRate = u.FundingRate
	}
	next.Fields |= u.Fields
	switch {
	case !u.Time.IsZero():
		next.ObservedAt = u.Time
	case next != t || t.ObservedAt.IsZero():
		next.ObservedAt = time.Now()
	}
	return next
}

// BidPrice returns the best bid when it is present and positive.
func (t Tick) BidPrice() (float64, bool) {
	return t.Bid, t.Fields.Has(FieldBid) && t.Bid > 0
}

// AskPrice returns the best ask when it is present and positive.
func (t Tick) AskPrice() (float64, bool) {
	return t.Ask, t.Fields.Has(FieldAsk) && t.Ask > 0
}

// Volume returns the 24h quote volume when present.
func (t Tick) Volume() (float64, bool) {
	return t.QuoteVolume, t.Fields.Has(FieldQuoteVolume)
}

// Funding returns the funding rate when present.
func (t Tick) Funding() (float64, bool) {
	return t.FundingRate, t.Fields.Has(FieldFundingRate)
}

// FeeSchedule holds the maker fee fractions of one exchange.
type FeeSchedule struct {
	SpotMaker    float64
	FuturesMaker float64
}

// Maker returns the maker fee fraction of the given segment.
func (f FeeSchedule) Maker(seg Segment) float64 {
	if seg == Futures {
		return f.FuturesMaker
	}
	return f.SpotMaker
}

// MarketRow is the flattened view of one (exchange, pair) used for full-state broadcasts.
type MarketRow struct {
	Exchange         Exchange  `json:"exchange"`
	Pair             Pair      `json:"pair"`
	SpotBid          float64   `json:"spotBid"`
	SpotAsk          float64   `json:"spotAsk"`
	SpotLast         float64   `json:"spotLast"`
	FuturesBid       float64   `json:"futuresBid"`
	FuturesAsk       float64   `json:"futuresAsk"`
	FuturesLast      float64   `json:"futuresLast"`
	FundingRate      float64   `json:"fundingRate"`
	SpotUpdatedAt    time.Time `json:"spotUpdatedAt"`
	FuturesUpdatedAt time.Time `json:"futuresUpdatedAt"`
}

package model

import (
	"fmt"
	"time"
)

// StrategyType names the kind of leg pairing an opportunity was found on.
type StrategyType int

const (
	// SpotFutures buys on a spot market and sells on a futures market.
	SpotFutures StrategyType = iota

	// FuturesFutures buys and sells futures on two different exchanges.
	FuturesFutures

	// SpotSpot buys and sells spot on two different exchanges.
	SpotSpot
)

func (s StrategyType) String() string {
	switch s {
	case SpotFutures:
		return "spot-futures"
	case FuturesFutures:
		return "futures-futures"
	case SpotSpot:
		return "spot-spot"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s StrategyType) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *StrategyType) UnmarshalText(text []byte) error {
	for _, st := range []StrategyType{SpotFutures, FuturesFutures, SpotSpot} {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown strategy %q", text)
}

// Leg is one side of an arbitrage combination.
type Leg struct {
	Exchange Exchange `json:"exchange"`
	Segment  Segment  `json:"segment"`
	Price    float64  `json:"price"`
	Fee      float64  `json:"fee"`
}

func (l Leg) String() string {
	return l.Exchange.String() + ":" + l.Segment.String()
}

// Opportunity is a theoretical spread between a buy leg and a sell leg.
//
// Spreads are expressed in percent. Volumes are 24h quote volumes; zero
// means the exchange did not report one.
type Opportunity struct {
	ID              string       `json:"id"`
	Pair            Pair         `json:"pair"`
	Strategy        StrategyType `json:"strategy"`
	Buy             Leg          `json:"buy"`
	Sell            Leg          `json:"sell"`
	GrossSpreadPct  float64      `json:"grossSpreadPct"`
	NetSpreadPct    float64      `json:"netSpreadPct"`
	BuyVolume       float64      `json:"buyVolume"`
	SellVolume      float64      `json:"sellVolume"`
	EffectiveVolume float64      `json:"effectiveVolume"`
	BuyFundingRate  float64      `json:"buyFundingRate"`
	SellFundingRate float64      `json:"sellFundingRate"`
	FundingRate     float64      `json:"fundingRate"`
	HasFundingRate  bool         `json:"hasFundingRate"`
	DetectedAt      time.Time    `json:"detectedAt"`
}

// Direction identifies the buy and sell legs, e.g. "binance:spot->okx:futures".
func (o Opportunity) Direction() string {
	return o.Buy.String() + "->" + o.Sell.String()
}

// Key is the de-duplication key of the opportunity: pair plus direction.
func (o Opportunity) Key() string {
	return o.Pair.String() + "|" + o.Direction()
}

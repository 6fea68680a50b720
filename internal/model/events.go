package model

import "time"

// Level is one price level of an order book side.
type Level struct {
	Price float64
	Size  float64
}

// Event is a normalized exchange stream message.
//
// The concrete types are BookTicker, Ticker, Trade and Depth. Every event
// names the market it belongs to and the partial tick it contributes.
type Event interface {
	Market() MarketKey
	Update() TickUpdate
}

// EventHandler receives decoded events, one method per event kind.
//
// Handlers are invoked synchronously from a connection's read goroutine and
// must not block.
type EventHandler interface {
	OnBookTicker(BookTicker)
	OnTicker(Ticker)
	OnTrade(Trade)
	OnDepth(Depth)
}

// Dispatch routes ev to the matching handler method.
func Dispatch(h EventHandler, ev Event) {
	switch e := ev.(type) {
	case BookTicker:
		h.OnBookTicker(e)
	case Ticker:
		h.OnTicker(e)
	case Trade:
		h.OnTrade(e)
	case Depth:
		h.OnDepth(e)
	}
}

// BookTicker is a best bid/offer update.
type BookTicker struct {
	Key     MarketKey
	Bid     float64
	BidSize float64
	Ask     float64
	AskSize float64
	Time    time.Time
}

func (b BookTicker) Market() MarketKey { return b.Key }

// Update carries only the sides with a positive price.
func (b BookTicker) Update() TickUpdate {
	u := TickUpdate{Time: b.Time}
	if b.Bid > 0 {
		u.SetBid(b.Bid)
	}
	if b.Ask > 0 {
		u.SetAsk(b.Ask)
	}
	return u
}

// Ticker is a rolling 24h ticker update. Exchanges differ in which values a
// ticker carries, so the payload is a partial tick.
type Ticker struct {
	Key  MarketKey
	Tick TickUpdate
}

func (t Ticker) Market() MarketKey  { return t.Key }
func (t Ticker) Update() TickUpdate { return t.Tick }

// Trade is a single public trade.
type Trade struct {
	Key   MarketKey
	Price float64
	Size  float64
	Side  string
	Time  time.Time
}

func (t Trade) Market() MarketKey { return t.Key }

// Update carries the trade price as last price; bid and ask are left untouched.
func (t Trade) Update() TickUpdate {
	u := TickUpdate{Time: t.Time}
	if t.Price > 0 {
		u.SetLast(t.Price)
	}
	return u
}

// Depth is a top-of-book depth snapshot. Bids are ordered best (highest)
// first, asks best (lowest) first.
//
// BidsCleared and AsksCleared mark a side the exchange emptied: the message
// deleted its levels without sending replacements.
type Depth struct {
	Key         MarketKey
	Bids        []Level
	Asks        []Level
	BidsCleared bool
	AsksCleared bool
	Time        time.Time
}

func (d Depth) Market() MarketKey { return d.Key }

// Update carries the best level of each non-empty side. A cleared side
// carries a zero price so the merged tick drops it.
func (d Depth) Update() TickUpdate {
	u := TickUpdate{Time: d.Time}
	switch {
	case len(d.Bids) > 0:
		u.SetBid(d.Bids[0].Price)
	case d.BidsCleared:
		u.ClearBid()
	}
	switch {
	case len(d.Asks) > 0:
		u.SetAsk(d.Asks[0].Price)
	case d.AsksCleared:
		u.ClearAsk()
	}
	return u
}

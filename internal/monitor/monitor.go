// Package monitor wires exchange connectors to the market state store and
// the arbitrage engine.
package monitor

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"arbitral/internal/model"
	"arbitral/internal/store"
)

var (
	ErrAlreadyStarted = errors.New("monitor already started")
	ErrStopped        = errors.New("monitor stopped")
)

// Connector is the part of an exchange connector the monitor drives.
type Connector interface {
	Exchange() model.Exchange
	Segments() []model.Segment
	Subscribe(seg model.Segment, pair model.Pair) error
	RegisterHandler(h model.EventHandler)
	Connect(ctx context.Context) error
	DisconnectAll()
}

// Evaluator is triggered after every state change.
type Evaluator interface {
	ProcessMarketUpdate()
	Stop()
}

// SnapshotReceiver accepts full market state broadcasts.
type SnapshotReceiver interface {
	OnMarketSnapshot([]model.MarketRow)
}

// Monitor receives events from every connector, merges them into the store
// and triggers the evaluator.
//
// Event handlers run on the connectors' read goroutines; they only update
// the store and signal the evaluator, neither of which blocks on I/O.
type Monitor struct {
	store      *store.Store
	connectors []Connector
	evaluator  Evaluator
	pairs      []model.Pair
	logger     zerolog.Logger

	mu      sync.Mutex
	started bool
	stopped bool
}

// New creates a monitor. Store entries for every configured (exchange,
// segment, pair) are created up front, and the monitor registers itself as
// event handler with every connector.
func New(st *store.Store, connectors []Connector, evaluator Evaluator, pairs []model.Pair) *Monitor {
	m := &Monitor{
		store:      st,
		connectors: connectors,
		evaluator:  evaluator,
		pairs:      pairs,
		logger:     log.With().Str("component", "monitor").Logger(),
	}

	for _, c := range connectors {
		for _, seg := range c.Segments() {
			for _, pair := range pairs {
				st.Init(model.MarketKey{Exchange: c.Exchange(), Pair: pair, Segment: seg})
			}
		}
		c.RegisterHandler(m)
	}
	return m
}

func (m *Monitor) OnBookTicker(e model.BookTicker) { m.apply(e) }
func (m *Monitor) OnTicker(e model.Ticker)         { m.apply(e) }
func (m *Monitor) OnTrade(e model.Trade)           { m.apply(e) }
func (m *Monitor) OnDepth(e model.Depth)           { m.apply(e) }

func (m *Monitor) apply(ev model.Event) {
	u := ev.Update()
	if u.Fields == 0 {
		return
	}
	m.store.Update(ev.Market(), u)
	m.evaluator.ProcessMarketUpdate()
}

// Start subscribes every pair on every segment of every connector and
// connects them concurrently. Failing connectors are logged and keep
// retrying in the background; the monitor runs on whatever is available.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return ErrStopped
	}
	if m.started {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.started = true
	m.mu.Unlock()

	for _, c := range m.connectors {
		for _, seg := range c.Segments() {
			for _, pair := range m.pairs {
				if err := c.Subscribe(seg, pair); err != nil {
					m.logger.Warn().Err(err).
						Str("exchange", c.Exchange().String()).
						Str("segment", seg.String()).
						Str("pair", pair.String()).
						Msg("Subscription rejected")
				}
			}
		}
	}

	var wg sync.WaitGroup
	for _, c := range m.connectors {
		wg.Add(1)
		go func(c Connector) {
			defer wg.Done()
			if err := c.Connect(ctx); err != nil {
				m.logger.Error().Err(err).Str("exchange", c.Exchange().String()).
					Msg("Connector unavailable, continuing without it")
				return
			}
			m.logger.Info().Str("exchange", c.Exchange().String()).Msg("Connector streaming")
		}(c)
	}
	wg.Wait()
	return nil
}

// Stop disconnects every connector and stops the evaluator. Calling it more
// than once is safe.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	m.mu.Unlock()

	for _, c := range m.connectors {
		c.DisconnectAll()
	}
	m.evaluator.Stop()
	m.logger.Info().Msg("Monitor stopped")
	return nil
}

// GetAllMarketData flattens the current market state into one row per
// (exchange, pair).
func (m *Monitor) GetAllMarketData() []model.MarketRow {
	return Rows(m.store.Snapshot())
}

// BroadcastTo returns an evaluation cycle hook that sends the evaluated
// state to target.
func BroadcastTo(target SnapshotReceiver) func(store.Snapshot, []model.Opportunity) {
	return func(snap store.Snapshot, _ []model.Opportunity) {
		target.OnMarketSnapshot(Rows(snap))
	}
}

type rowKey struct {
	exchange model.Exchange
	pair     model.Pair
}

// Rows flattens snap into one row per (exchange, pair), ordered by exchange then pair.
func Rows(snap store.Snapshot) []model.MarketRow {
	rows := make(map[rowKey]*model.MarketRow)
	for _, key := range snap.Keys() {
		tick, _ := snap.Get(key)
		rk := rowKey{exchange: key.Exchange, pair: key.Pair}
		row, ok := rows[rk]
		if !ok {
			row = &model.MarketRow{Exchange: key.Exchange, Pair: key.Pair}
			rows[rk] = row
		}

		switch key.Segment {
		case model.Spot:
			row.SpotBid, row.SpotAsk, row.SpotLast = tick.Bid, tick.Ask, tick.Last
			row.SpotUpdatedAt = tick.ObservedAt
		case model.Futures:
			row.FuturesBid, row.FuturesAsk, row.FuturesLast = tick.Bid, tick.Ask, tick.Last
			row.FuturesUpdatedAt = tick.ObservedAt
			row.FundingRate = tick.FundingRate
		}
	}

	out := make([]model.MarketRow, 0, len(rows))
	for _, row := range rows {
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Exchange != out[j].Exchange {
			return out[i].Exchange < out[j].Exchange
		}
		return out[i].Pair.String() < out[j].Pair.String()
	})
	return out
}

// Package arbitrage detects theoretical spreads between spot and futures
// markets of the monitored exchanges.
//
// Thread Safety:
//   - ProcessMarketUpdate may be called from any number of connection goroutines
//   - Evaluations are serialized; at most one runs at a time
//   - Settings are read from the live config holder once per cycle
package arbitrage

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"arbitral/internal/config"
	"arbitral/internal/model"
	"arbitral/internal/store"
)

// Snapshotter provides point-in-time copies of the market state.
type Snapshotter interface {
	Snapshot() store.Snapshot
}

// Sink receives qualifying opportunities. Signal must not block.
type Sink interface {
	Signal(model.Opportunity) bool
}

// CycleHook runs after every evaluation with the snapshot that was evaluated
// and the opportunities found in it.
type CycleHook func(store.Snapshot, []model.Opportunity)

// Engine evaluates every strategy combination over the latest market state.
type Engine struct {
	source    Snapshotter
	live      *config.Live
	sink      Sink
	pairs     []model.Pair
	exchanges []model.Exchange
	logger    zerolog.Logger
	now       func() time.Time

	// mu guards the rate limiter state.
	mu      sync.Mutex
	lastRun time.Time
	pending *time.Timer
	stopped bool

	// evalMu serializes evaluation cycles.
	evalMu sync.Mutex
	hook   CycleHook
}

// NewEngine creates an engine over the given pairs and exchanges. sink may be nil.
func NewEngine(source Snapshotter, live *config.Live, sink Sink, pairs []model.Pair, exchanges []model.Exchange) *Engine {
	return &Engine{
		source:    source,
		live:      live,
		sink:      sink,
		pairs:     pairs,
		exchanges: exchanges,
		logger:    log.With().Str("component", "arbitrage").Logger(),
		now:       time.Now,
	}
}

// SetCycleHook installs fn to run after each evaluation cycle.
func (e *Engine) SetCycleHook(fn CycleHook) {
	e.evalMu.Lock()
	defer e.evalMu.Unlock()
	e.hook = fn
}

// ProcessMarketUpdate signals that the market state changed.
//
// The engine evaluates at most once per evaluation interval. A trigger inside
// the window schedules a single deferred evaluation at the end of the window;
// further triggers are absorbed by it. The deferred run evaluates the state
// as it is when the timer fires.
func (e *Engine) ProcessMarketUpdate() {
	interval := e.live.Load().EvaluationInterval

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}

	now := e.now()
	elapsed := now.Sub(e.lastRun)
	if e.lastRun.IsZero() || elapsed >= interval {
		if e.pending != nil {
			e.pending.Stop()
			e.pending = nil
		}
		e.lastRun = now
		e.mu.Unlock()
		e.run()
		return
	}

	if e.pending == nil {
		e.pending = time.AfterFunc(interval-elapsed, e.runDeferred)
	}
	e.mu.Unlock()
}

func (e *Engine) runDeferred() {
	e.mu.Lock()
	e.pending = nil
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.lastRun = e.now()
	e.mu.Unlock()

	e.run()
}

func (e *Engine) run() {
	e.evalMu.Lock()
	defer e.evalMu.Unlock()

	snap := e.source.Snapshot()
	opportunities := e.Evaluate(snap)

	if e.sink != nil {
		for _, op := range opportunities {
			e.sink.Signal(op)
		}
	}
	if e.hook != nil {
		e.hook(snap, opportunities)
	}
}

// Stop cancels a pending evaluation. Later triggers are ignored.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.stopped = true
	if e.pending != nil {
		e.pending.Stop()
		e.pending = nil
	}
}

// Evaluate returns every opportunity in snap that passes the sanity floor and
// the minimum profit gate of the current settings.
func (e *Engine) Evaluate(snap store.Snapshot) []model.Opportunity {
	rt := e.live.Load()

	var out []model.Opportunity
	for _, pair := range e.pairs {
		if rt.Blacklisted(pair.Base) {
			continue
		}
		out = append(out, e.evaluatePair(rt, snap, pair)...)
	}

	if len(out) > 0 {
		e.logger.Debug().Int("count", len(out)).Msg("Evaluation found opportunities")
	}
	return out
}

// evaluatePair isolates one pair: a panic drops that pair's results for
// this cycle and is logged with the combination being evaluated.
func (e *Engine) evaluatePair(rt *config.Runtime, snap store.Snapshot, pair model.Pair) (out []model.Opportunity) {
	var current candidate
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().
				Str("pair", pair.String()).
				Str("strategy", current.strategy.String()).
				Str("buy", current.buy.String()).
				Str("sell", current.sell.String()).
				Str("panic", fmt.Sprint(r)).
				Msg("Pair evaluation panicked")
			out = nil
		}
	}()

	for _, c := range candidates(rt, pair, e.exchanges) {
		current = c
		if op, ok := e.evaluateCandidate(rt, snap, c); ok {
			out = append(out, op)
		}
	}
	return out
}

func (e *Engine) evaluateCandidate(rt *config.Runtime, snap store.Snapshot, c candidate) (model.Opportunity, bool) {
	buyTick, ok := snap.Get(c.buy)
	if !ok {
		return model.Opportunity{}, false
	}
	sellTick, ok := snap.Get(c.sell)
	if !ok {
		return model.Opportunity{}, false
	}

	ask, ok := buyTick.AskPrice()
	if !ok {
		return model.Opportunity{}, false
	}
	bid, ok := sellTick.BidPrice()
	if !ok {
		return model.Opportunity{}, false
	}

	buyFee := rt.Fee(c.buy.Exchange, c.buy.Segment)
	sellFee := rt.Fee(c.sell.Exchange, c.sell.Segment)
	gross, net := Spread(ask, bid, buyFee, sellFee)
	netPct := net * 100

	if netPct < rt.SanityFloorPct {
		if rt.Verbose {
			e.logger.Warn().
				Str("pair", c.buy.Pair.String()).
				Str("strategy", c.strategy.String()).
				Str("buy", c.buy.String()).
				Str("sell", c.sell.String()).
				Float64("ask", ask).
				Float64("bid", bid).
				Float64("net_pct", netPct).
				Msg("Discarding spread below sanity floor")
		}
		return model.Opportunity{}, false
	}

	if !passesGate(netPct, rt.MinProfitPct) {
		return model.Opportunity{}, false
	}

	op := model.Opportunity{
		ID:             uuid.NewString(),
		Pair:           c.buy.Pair,
		Strategy:       c.strategy,
		Buy:            model.Leg{Exchange: c.buy.Exchange, Segment: c.buy.Segment, Price: ask, Fee: buyFee},
		Sell:           model.Leg{Exchange: c.sell.Exchange, Segment: c.sell.Segment, Price: bid, Fee: sellFee},
		GrossSpreadPct: gross * 100,
		NetSpreadPct:   netPct,
		DetectedAt:     e.now(),
	}
	annotate(&op, newLegData(buyTick, c.buy.Segment), newLegData(sellTick, c.sell.Segment))
	return op, true
}

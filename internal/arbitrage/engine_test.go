package arbitrage

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arbitral/internal/config"
	"arbitral/internal/model"
	"arbitral/internal/store"
)

var btcUsdt = model.NewPair("BTC", "USDT")

func key(ex model.Exchange, seg model.Segment) model.MarketKey {
	return model.MarketKey{Exchange: ex, Pair: btcUsdt, Segment: seg}
}

func quote(bid, ask float64) model.Tick {
	var u model.TickUpdate
	if bid > 0 {
		u.SetBid(bid)
	}
	if ask > 0 {
		u.SetAsk(ask)
	}
	return model.Tick{}.Merge(u)
}

func newLive(fn func(*config.Runtime)) *config.Live {
	rt := config.Runtime{
		MinProfitPct:      0.1,
		SanityFloorPct:    -15,
		EnableSpotFutures: true,
		Fees:              map[model.Exchange]model.FeeSchedule{},
		Blacklist:         map[string]struct{}{},
	}
	if fn != nil {
		fn(&rt)
	}
	return config.NewLive(rt)
}

// recordingSink collects signaled opportunities.
type recordingSink struct {
	mu  sync.Mutex
	ops []model.Opportunity
}

func (s *recordingSink) Signal(op model.Opportunity) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, op)
	return true
}

func (s *recordingSink) Opportunities() []model.Opportunity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Opportunity(nil), s.ops...)
}

// staticSource serves a replaceable snapshot and counts reads.
type staticSource struct {
	reads atomic.Int64
	snap  atomic.Pointer[store.Snapshot]
}

func newStaticSource(ticks map[model.MarketKey]model.Tick) *staticSource {
	s := &staticSource{}
	s.set(ticks)
	return s
}

func (s *staticSource) set(ticks map[model.MarketKey]model.Tick) {
	snap := store.NewSnapshot(ticks)
	s.snap.Store(&snap)
}

func (s *staticSource) Snapshot() store.Snapshot {
	s.reads.Add(1)
	return *s.snap.Load()
}

// Test_Spread tests the gross and net spread formulas
func Test_Spread(t *testing.T) {
	gross, net := Spread(100, 101, 0.001, 0.0002)
	assert.InDelta(t, 0.01, gross, 1e-12)
	assert.InDelta(t, 0.0088, net, 1e-12)

	gross, net = Spread(100, 99, 0, 0)
	assert.InDelta(t, -0.01, gross, 1e-12)
	assert.Equal(t, gross, net)
}

// Test_Engine_SpreadCorrectness tests a single spot-futures combination with fees
func Test_Engine_SpreadCorrectness(t *testing.T) {
	live := newLive(func(r *config.Runtime) {
		r.MinProfitPct = 0
		r.Fees[model.BinanceExchange] = model.FeeSchedule{SpotMaker: 0.001, FuturesMaker: 0.0002}
	})
	e := NewEngine(nil, live, nil, []model.Pair{btcUsdt}, []model.Exchange{model.BinanceExchange})

	ops := e.Evaluate(store.NewSnapshot(map[model.MarketKey]model.Tick{
		key(model.BinanceExchange, model.Spot):    quote(0, 100),
		key(model.BinanceExchange, model.Futures): quote(101, 0),
	}))
	require.Len(t, ops, 1)

	op := ops[0]
	assert.Equal(t, model.SpotFutures, op.Strategy)
	assert.InDelta(t, 1.0, op.GrossSpreadPct, 1e-9)
	assert.InDelta(t, 0.88, op.NetSpreadPct, 1e-9)
	assert.Equal(t, model.Leg{Exchange: model.BinanceExchange, Segment: model.Spot, Price: 100, Fee: 0.001}, op.Buy)
	assert.Equal(t, model.Leg{Exchange: model.BinanceExchange, Segment: model.Futures, Price: 101, Fee: 0.0002}, op.Sell)
	assert.Equal(t, "binance:spot->binance:futures", op.Direction())
	assert.NotEmpty(t, op.ID)
	assert.False(t, op.DetectedAt.IsZero())
}

// Test_Engine_Filters tests eligibility, the sanity floor and the profit gate
func Test_Engine_Filters(t *testing.T) {
	tests := []struct {
		name        string
		spot        model.Tick
		futures     model.Tick
		minProfit   float64
		expected    int
		description string
	}{
		{
			name:        "Sanity floor",
			spot:        quote(0, 100),
			futures:     quote(1, 0),
			minProfit:   -100,
			expected:    0,
			description: "A -99% spread is corrupt data, not a loss to report",
		},
		{
			name:        "Exactly at threshold",
			spot:        quote(0, 100),
			futures:     quote(100.5, 0),
			minProfit:   0.5,
			expected:    1,
			description: "The minimum profit gate is inclusive",
		},
		{
			name:        "One basis point short",
			spot:        quote(0, 100),
			futures:     quote(100.5, 0),
			minProfit:   0.51,
			expected:    0,
			description: "Spreads below the minimum are not forwarded",
		},
		{
			name:        "Missing ask",
			spot:        quote(99, 0),
			futures:     quote(101, 0),
			minProfit:   0,
			expected:    0,
			description: "A buy leg without an ask is skipped",
		},
		{
			name:        "Missing bid",
			spot:        quote(0, 100),
			futures:     quote(0, 101),
			minProfit:   0,
			expected:    0,
			description: "A sell leg without a bid is skipped",
		},
		{
			name:        "Negative spread above floor",
			spot:        quote(0, 100),
			futures:     quote(95, 0),
			minProfit:   -10,
			expected:    1,
			description: "Losses within the floor are still subject to the gate only",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			live := newLive(func(r *config.Runtime) {
				r.MinProfitPct = tt.minProfit
				r.Verbose = true
			})
			e := NewEngine(nil, live, nil, []model.Pair{btcUsdt}, []model.Exchange{model.BinanceExchange})
			ops := e.Evaluate(store.NewSnapshot(map[model.MarketKey]model.Tick{
				key(model.BinanceExchange, model.Spot):    tt.spot,
				key(model.BinanceExchange, model.Futures): tt.futures,
			}))
			assert.Len(t, ops, tt.expected, tt.description)
		})
	}
}

// flatMarket prices every market of both exchanges at 100/100.
func flatMarket() store.Snapshot {
	ticks := make(map[model.MarketKey]model.Tick)
	for _, ex := range []model.Exchange{model.BinanceExchange, model.OkxExchange} {
		for _, seg := range model.Segments() {
			ticks[key(ex, seg)] = quote(100, 100)
		}
	}
	return store.NewSnapshot(ticks)
}

// Test_Engine_StrategyGates tests that every strategy follows its live flag
func Test_Engine_StrategyGates(t *testing.T) {
	tests := []struct {
		name        string
		gates       [3]bool
		expected    map[model.StrategyType]int
		description string
	}{
		{
			name:        "Defaults",
			gates:       [3]bool{true, false, false},
			expected:    map[model.StrategyType]int{model.SpotFutures: 4},
			description: "Spot-futures covers same and cross exchange legs",
		},
		{
			name:  "All enabled",
			gates: [3]bool{true, true, true},
			expected: map[model.StrategyType]int{
				model.SpotFutures: 4, model.FuturesFutures: 2, model.SpotSpot: 2,
			},
			description: "Inter-exchange strategies cover both directions",
		},
		{
			name:        "Spot-futures disabled",
			gates:       [3]bool{false, false, true},
			expected:    map[model.StrategyType]int{model.SpotSpot: 2},
			description: "Spot-futures is gated like the others",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			live := newLive(func(r *config.Runtime) {
				r.MinProfitPct = 0
				r.EnableSpotFutures, r.EnableFuturesFutures, r.EnableSpotSpot = tt.gates[0], tt.gates[1], tt.gates[2]
			})
			e := NewEngine(nil, live, nil, []model.Pair{btcUsdt},
				[]model.Exchange{model.BinanceExchange, model.OkxExchange})

			got := make(map[model.StrategyType]int)
			for _, op := range e.Evaluate(flatMarket()) {
				got[op.Strategy]++
				if op.Strategy != model.SpotFutures {
					assert.NotEqual(t, op.Buy.Exchange, op.Sell.Exchange, "inter-exchange only")
				}
			}
			assert.Equal(t, tt.expected, got, tt.description)
		})
	}
}

// Test_Engine_LiveSettings tests that settings are read fresh each cycle
func Test_Engine_LiveSettings(t *testing.T) {
	live := newLive(func(r *config.Runtime) { r.MinProfitPct = 0 })
	e := NewEngine(nil, live, nil, []model.Pair{btcUsdt},
		[]model.Exchange{model.BinanceExchange, model.OkxExchange})

	assert.Len(t, e.Evaluate(flatMarket()), 4)

	live.Update(func(r *config.Runtime) { r.Blacklist["BTC"] = struct{}{} })
	assert.Empty(t, e.Evaluate(flatMarket()), "blacklisted base assets are skipped")

	live.Update(func(r *config.Runtime) {
		delete(r.Blacklist, "BTC")
		r.MinProfitPct = 0.01
	})
	assert.Empty(t, e.Evaluate(flatMarket()), "raised threshold applies on the next cycle")
}

// Test_Engine_Metadata tests volume and funding annotations per strategy
func Test_Engine_Metadata(t *testing.T) {
	withMeta := func(bid, ask, volume, funding float64) model.Tick {
		var u model.TickUpdate
		u.SetBid(bid)
		u.SetAsk(ask)
		u.SetQuoteVolume(volume)
		if funding != 0 {
			u.SetFundingRate(funding)
		}
		return model.Tick{}.Merge(u)
	}

	snap := store.NewSnapshot(map[model.MarketKey]model.Tick{
		key(model.BinanceExchange, model.Spot):    withMeta(99.8, 100, 5e6, 0),
		key(model.OkxExchange, model.Futures):     withMeta(102, 103, 2e6, 0.0001),
		key(model.BinanceExchange, model.Futures): withMeta(100, 101, 9e6, -0.0002),
		key(model.OkxExchange, model.Spot):       withMeta(98, 99, 1e6, 0),
	})

	live := newLive(func(r *config.Runtime) {
		r.MinProfitPct = 0.5
		r.EnableFuturesFutures = true
		r.EnableSpotSpot = true
	})
	e := NewEngine(nil, live, nil, []model.Pair{btcUsdt},
		[]model.Exchange{model.BinanceExchange, model.OkxExchange})

	byDirection := make(map[string]model.Opportunity)
	for _, op := range e.Evaluate(snap) {
		byDirection[op.Direction()] = op
	}

	sf, ok := byDirection["binance:spot->okx:futures"]
	require.True(t, ok)
	assert.Equal(t, 5e6, sf.BuyVolume)
	assert.Equal(t, 2e6, sf.SellVolume)
	assert.Equal(t, 2e6, sf.EffectiveVolume)
	assert.True(t, sf.HasFundingRate)
	assert.Equal(t, 0.0001, sf.FundingRate, "funding of the futures leg")

	ff, ok := byDirection["binance:futures->okx:futures"]
	require.True(t, ok)
	assert.Equal(t, model.FuturesFutures, ff.Strategy)
	assert.Equal(t, 2e6, ff.EffectiveVolume)
	assert.Equal(t, -0.0002, ff.BuyFundingRate)
	assert.Equal(t, 0.0001, ff.SellFundingRate)
	assert.Equal(t, 0.0001, ff.FundingRate, "funding of the short leg")

	ss, ok := byDirection["okx:spot->binance:spot"]
	require.True(t, ok)
	assert.Equal(t, model.SpotSpot, ss.Strategy)
	assert.Equal(t, 1e6, ss.EffectiveVolume)
	assert.False(t, ss.HasFundingRate)
}

// Test_Engine_EndToEnd tests detection through ProcessMarketUpdate at two thresholds
func Test_Engine_EndToEnd(t *testing.T) {
	tests := []struct {
		name        string
		minProfit   float64
		expected    int
		description string
	}{
		{name: "Low threshold", minProfit: 0.1, expected: 1, description: "0.19% clears 0.1%"},
		{name: "High threshold", minProfit: 0.5, expected: 0, description: "0.19% does not clear 0.5%"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := store.New()
			var u model.TickUpdate
			u.SetAsk(50000)
			s.Update(key(model.BinanceExchange, model.Spot), u)
			u = model.TickUpdate{}
			u.SetBid(50100)
			s.Update(key(model.OkxExchange, model.Futures), u)

			live := newLive(func(r *config.Runtime) {
				r.MinProfitPct = tt.minProfit
				r.Fees[model.OkxExchange] = model.FeeSchedule{FuturesMaker: 0.0001}
			})
			sink := &recordingSink{}
			e := NewEngine(s, live, sink, []model.Pair{btcUsdt},
				[]model.Exchange{model.BinanceExchange, model.OkxExchange})
			defer e.Stop()

			e.ProcessMarketUpdate()

			ops := sink.Opportunities()
			require.Len(t, ops, tt.expected, tt.description)
			if tt.expected > 0 {
				assert.InDelta(t, 0.19, ops[0].NetSpreadPct, 1e-9)
				assert.Equal(t, "binance:spot->okx:futures", ops[0].Direction())
			}
		})
	}
}

// Test_Engine_SameExchange tests spot-futures on the legs of a single exchange
func Test_Engine_SameExchange(t *testing.T) {
	snap := store.NewSnapshot(map[model.MarketKey]model.Tick{
		key(model.BinanceExchange, model.Spot):    quote(49990, 50000),
		key(model.BinanceExchange, model.Futures): quote(50100, 50110),
	})

	live := newLive(func(r *config.Runtime) {
		r.EnableFuturesFutures = true
		r.EnableSpotSpot = true
		r.Fees[model.BinanceExchange] = model.FeeSchedule{FuturesMaker: 0.0001}
	})
	e := NewEngine(nil, live, nil, []model.Pair{btcUsdt}, []model.Exchange{model.BinanceExchange})

	cands := candidates(live.Load(), btcUsdt, []model.Exchange{model.BinanceExchange})
	require.Len(t, cands, 1, "a single exchange has no futures-futures or spot-spot combination")
	assert.Equal(t, model.SpotFutures, cands[0].strategy)

	ops := e.Evaluate(snap)
	require.Len(t, ops, 1)
	assert.Equal(t, model.SpotFutures, ops[0].Strategy)
	assert.Equal(t, model.BinanceExchange, ops[0].Buy.Exchange)
	assert.Equal(t, ops[0].Buy.Exchange, ops[0].Sell.Exchange)
	assert.Equal(t, model.Spot, ops[0].Buy.Segment)
	assert.Equal(t, model.Futures, ops[0].Sell.Segment)
	assert.InDelta(t, 0.19, ops[0].NetSpreadPct, 1e-9)

	live.Update(func(r *config.Runtime) { r.MinProfitPct = 0.5 })
	assert.Empty(t, e.Evaluate(snap), "0.19% does not clear 0.5%")
}

// Test_Engine_Coalescing tests rate limiting of evaluation triggers
func Test_Engine_Coalescing(t *testing.T) {
	source := newStaticSource(map[model.MarketKey]model.Tick{})
	live := newLive(func(r *config.Runtime) {
		r.MinProfitPct = 0
		r.EvaluationInterval = 100 * time.Millisecond
	})
	sink := &recordingSink{}
	e := NewEngine(source, live, sink, []model.Pair{btcUsdt}, []model.Exchange{model.BinanceExchange})
	defer e.Stop()

	var cycles atomic.Int64
	e.SetCycleHook(func(store.Snapshot, []model.Opportunity) { cycles.Add(1) })

	for i := 0; i < 20; i++ {
		e.ProcessMarketUpdate()
	}
	assert.Equal(t, int64(1), source.reads.Load(), "first trigger evaluates immediately")

	// The deferred run must see state written after the triggers.
	source.set(map[model.MarketKey]model.Tick{
		key(model.BinanceExchange, model.Spot):    quote(0, 100),
		key(model.BinanceExchange, model.Futures): quote(101, 0),
	})

	require.Eventually(t, func() bool { return source.reads.Load() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int64(2), source.reads.Load(), "triggers inside the window collapse into one evaluation")
	assert.Equal(t, int64(2), cycles.Load())
	assert.Len(t, sink.Opportunities(), 1, "the deferred run evaluated the latest state")
}

// Test_Engine_Stop tests that a stopped engine ignores triggers and pending runs
func Test_Engine_Stop(t *testing.T) {
	source := newStaticSource(map[model.MarketKey]model.Tick{})
	live := newLive(func(r *config.Runtime) { r.EvaluationInterval = 50 * time.Millisecond })
	e := NewEngine(source, live, nil, []model.Pair{btcUsdt}, []model.Exchange{model.BinanceExchange})

	e.ProcessMarketUpdate()
	e.ProcessMarketUpdate()
	e.Stop()
	e.Stop()

	time.Sleep(100 * time.Millisecond)
	e.ProcessMarketUpdate()
	assert.Equal(t, int64(1), source.reads.Load())
}

func BenchmarkEngine_Evaluate(b *testing.B) {
	exchanges := model.Exchanges()
	pairs := []model.Pair{btcUsdt, model.NewPair("ETH", "USDT"), model.NewPair("SOL", "USDT")}

	ticks := make(map[model.MarketKey]model.Tick)
	for _, ex := range exchanges {
		for _, p := range pairs {
			for _, seg := range model.Segments() {
				ticks[model.MarketKey{Exchange: ex, Pair: p, Segment: seg}] = quote(100, 100.1)
			}
		}
	}
	snap := store.NewSnapshot(ticks)

	live := newLive(func(r *config.Runtime) {
		r.EnableFuturesFutures = true
		r.EnableSpotSpot = true
	})
	e := NewEngine(nil, live, nil, pairs, exchanges)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		e.Evaluate(snap)
	}
}

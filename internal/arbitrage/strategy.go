package arbitrage

import (
	"math"

	"arbitral/internal/config"
	"arbitral/internal/model"
)

// gateTolerance absorbs float noise so that a spread equal to the threshold passes.
const gateTolerance = 1e-9

// candidate is one (buy leg, sell leg) combination of a pair.
type candidate struct {
	strategy model.StrategyType
	buy      model.MarketKey
	sell     model.MarketKey
}

// candidates enumerates the enabled combinations of pair over exchanges.
//
// Spot-futures pairs every spot market with every futures market, the same
// exchange included. Futures-futures and spot-spot are inter-exchange only and
// cover both directions.
func candidates(rt *config.Runtime, pair model.Pair, exchanges []model.Exchange) []candidate {
	key := func(ex model.Exchange, seg model.Segment) model.MarketKey {
		return model.MarketKey{Exchange: ex, Pair: pair, Segment: seg}
	}

	var out []candidate
	for _, a := range exchanges {
		for _, b := range exchanges {
			if rt.Enabled(model.SpotFutures) {
				out = append(out, candidate{model.SpotFutures, key(a, model.Spot), key(b, model.Futures)})
			}
			if a == b {
				continue
			}
			if rt.Enabled(model.FuturesFutures) {
				out = append(out, candidate{model.FuturesFutures, key(a, model.Futures), key(b, model.Futures)})
			}
			if rt.Enabled(model.SpotSpot) {
				out = append(out, candidate{model.SpotSpot, key(a, model.Spot), key(b, model.Spot)})
			}
		}
	}
	return out
}

// Spread returns the gross and net spread fractions of buying at ask and
// selling at bid with the given maker fees.
func Spread(ask, bid, buyFee, sellFee float64) (gross, net float64) {
	gross = bid/ask - 1
	net = gross - buyFee - sellFee
	return gross, net
}

// passesGate reports whether netPct meets the inclusive minimum.
func passesGate(netPct, minPct float64) bool {
	return netPct >= minPct-gateTolerance
}

// legData is what the snapshot holds for one leg.
type legData struct {
	volume float64
	hasVol bool
	rate   float64
	hasFR  bool
}

func newLegData(t model.Tick, seg model.Segment) legData {
	var d legData
	d.volume, d.hasVol = t.Volume()
	if seg == model.Futures {
		d.rate, d.hasFR = t.Funding()
	}
	return d
}

// annotate fills volumes and funding rates. The effective volume is the
// smallest reported leg volume. The funding rate of record is the one of the
// sell leg when it is a futures market: the futures leg of spot-futures and
// the short leg of futures-futures.
func annotate(op *model.Opportunity, buy, sell legData) {
	op.BuyVolume = buy.volume
	op.SellVolume = sell.volume
	op.EffectiveVolume = effectiveVolume(buy, sell)

	if op.Strategy == model.SpotSpot {
		return
	}
	if buy.hasFR {
		op.BuyFundingRate = buy.rate
	}
	if sell.hasFR {
		op.SellFundingRate = sell.rate
		op.FundingRate = sell.rate
		op.HasFundingRate = true
	}
}

func effectiveVolume(legs ...legData) float64 {
	v := math.Inf(1)
	for _, l := range legs {
		if l.hasVol && l.volume < v {
			v = l.volume
		}
	}
	if math.IsInf(v, 1) {
		return 0
	}
	return v
}

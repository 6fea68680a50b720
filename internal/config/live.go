package config

import (
	"strings"
	"sync/atomic"
	"time"

	"arbitral/internal/model"
)

// Runtime is the set of settings the engine reads on every evaluation cycle.
//
// A published Runtime is never mutated. Use Live.Update to change it.
type Runtime struct {
	MinProfitPct         float64
	SanityFloorPct       float64
	EvaluationInterval   time.Duration
	EnableSpotFutures    bool
	EnableFuturesFutures bool
	EnableSpotSpot       bool
	Verbose              bool
	Fees                 map[model.Exchange]model.FeeSchedule
	Blacklist            map[string]struct{}
}

// Enabled reports whether the strategy is switched on.
func (r *Runtime) Enabled(s model.StrategyType) bool {
	switch s {
	case model.SpotFutures:
		return r.EnableSpotFutures
	case model.FuturesFutures:
		return r.EnableFuturesFutures
	case model.SpotSpot:
		return r.EnableSpotSpot
	default:
		return false
	}
}

// Fee returns the maker fee of a leg. Unknown exchanges pay no fee.
func (r *Runtime) Fee(ex model.Exchange, seg model.Segment) float64 {
	return r.Fees[ex].Maker(seg)
}

// Blacklisted reports whether the base asset is excluded from evaluation.
// Published settings hold upper-case tokens only.
func (r *Runtime) Blacklisted(base string) bool {
	_, ok := r.Blacklist[strings.ToUpper(strings.TrimSpace(base))]
	return ok
}

func (r Runtime) clone() Runtime {
	fees := make(map[model.Exchange]model.FeeSchedule, len(r.Fees))
	for k, v := range r.Fees {
		fees[k] = v
	}
	r.Fees = fees
	r.Blacklist = normalizeBlacklist(r.Blacklist)
	return r
}

// normalizeBlacklist copies tokens with the keys trimmed and upper-cased, the
// form Blacklisted looks up. Empty tokens are dropped.
func normalizeBlacklist(tokens map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(tokens))
	for k := range tokens {
		if token := strings.ToUpper(strings.TrimSpace(k)); token != "" {
			out[token] = struct{}{}
		}
	}
	return out
}

// Live is a copy-on-write holder of the current Runtime. Readers never block
// and always see a complete settings value.
type Live struct {
	current atomic.Pointer[Runtime]
}

// NewLive publishes r as the initial settings.
func NewLive(r Runtime) *Live {
	l := &Live{}
	l.Store(r)
	return l
}

// Load returns the current settings. The result must not be modified.
func (l *Live) Load() *Runtime {
	return l.current.Load()
}

// Store replaces the current settings with a copy of r.
func (l *Live) Store(r Runtime) {
	next := r.clone()
	l.current.Store(&next)
}

// Update applies fn to a copy of the current settings and publishes it.
// Concurrent updates are retried until one wins, so fn may run more than once.
func (l *Live) Update(fn func(*Runtime)) {
	for {
		prev := l.current.Load()
		next := prev.clone()
		fn(&next)
		next.Blacklist = normalizeBlacklist(next.Blacklist)
		if l.current.CompareAndSwap(prev, &next) {
			return
		}
	}
}

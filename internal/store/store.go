// Package store holds the latest known market state of every monitored market.
//
// Thread Safety:
//   - Updates to one market are serialized by that market's mutex
//   - Published ticks are immutable and swapped in with an atomic pointer,
//     so readers never take the per-market lock and never see a torn tick
//   - The key set is guarded by a RWMutex and only grows
package store

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"arbitral/internal/model"
)

// entry is the state cell of one market.
type entry struct {
	mu   sync.Mutex
	tick atomic.Pointer[model.Tick]
}

func newEntry() *entry {
	e := &entry{}
	e.tick.Store(&model.Tick{})
	return e
}

// Store is the market state store: a flat map from MarketKey to the latest Tick.
//
// Entries are never evicted; the monitored pair set is fixed at startup.
type Store struct {
	mu      sync.RWMutex
	entries map[model.MarketKey]*entry
}

// New creates an empty store.
func New() *Store {
	return &Store{entries: make(map[model.MarketKey]*entry)}
}

// Init creates an empty entry for key if none exists, so readers see the
// market before its first update.
func (s *Store) Init(key model.MarketKey) {
	s.getOrCreate(key)
}

func (s *Store) getOrCreate(key model.MarketKey) *entry {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if ok {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.entries[key]; ok {
		return e
	}
	e = newEntry()
	s.entries[key] = e
	return e
}

// Update merges u into the tick of key and publishes the result.
//
// Only the fields present in u are overwritten: a trade update never clears
// a previously observed bid or ask. The merged tick is returned.
func (s *Store) Update(key model.MarketKey, u model.TickUpdate) model.Tick {
	e := s.getOrCreate(key)

	e.mu.Lock()
	defer e.mu.Unlock()

	next := e.tick.Load().Merge(u)
	e.tick.Store(&next)
	return next
}

// Get returns the tick of key. The boolean is false for unknown markets.
func (s *Store) Get(key model.MarketKey) (model.Tick, bool) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return model.Tick{}, false
	}
	return *e.tick.Load(), true
}

// Len returns the number of known markets.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Snapshot copies the current tick of every market. The result shares no
// state with the store and can be iterated while updates continue.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	ticks := make(map[model.MarketKey]model.Tick, len(s.entries))
	for k, e := range s.entries {
		ticks[k] = *e.tick.Load()
	}
	s.mu.RUnlock()

	return Snapshot{ticks: ticks, takenAt: time.Now()}
}

// Snapshot is a point-in-time copy of the store.
type Snapshot struct {
	ticks   map[model.MarketKey]model.Tick
	takenAt time.Time
}

// NewSnapshot builds a snapshot from ticks. It is mainly useful for
// evaluating hand-made market states.
func NewSnapshot(ticks map[model.MarketKey]model.Tick) Snapshot {
	copied := make(map[model.MarketKey]model.Tick, len(ticks))
	for k, t := range ticks {
		copied[k] = t
	}
	return Snapshot{ticks: copied, takenAt: time.Now()}
}

// Get returns the tick of key in the snapshot.
func (s Snapshot) Get(key model.MarketKey) (model.Tick, bool) {
	t, ok := s.ticks[key]
	return t, ok
}

// Len returns the number of markets in the snapshot.
func (s Snapshot) Len() int {
	return len(s.ticks)
}

// TakenAt returns when the snapshot was taken.
func (s Snapshot) TakenAt() time.Time {
	return s.takenAt
}

// Keys returns every market key in a stable order: exchange, pair, segment.
func (s Snapshot) Keys() []model.MarketKey {
	keys := make([]model.MarketKey, 0, len(s.ticks))
	for k := range s.ticks {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.Exchange != b.Exchange {
			return a.Exchange < b.Exchange
		}
		if a.Pair != b.Pair {
			return a.Pair.String() < b.Pair.String()
		}
		return a.Segment < b.Segment
	})
	return keys
}

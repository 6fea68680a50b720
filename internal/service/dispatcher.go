// Package service provides the delivery boundary of the arbitrage pipeline.
//
// The dispatcher implements the outbound OnOpportunity / OnMarketSnapshot
// interface and fans messages out to any number of subscribers, such as the
// redis publisher, while handling slow consumers gracefully.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"arbitral/internal/model"
	"arbitral/internal/utils"
)

// Kind identifies the payload of a Message.
type Kind int

const (
	// OpportunityKind messages carry one signaled opportunity.
	OpportunityKind Kind = iota + 1

	// SnapshotKind messages carry the flattened market state.
	SnapshotKind
)

func (k Kind) String() string {
	switch k {
	case OpportunityKind:
		return "opportunity"
	case SnapshotKind:
		return "snapshot"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Message is one unit of outbound delivery.
type Message struct {
	Kind        Kind
	Opportunity model.Opportunity
	Rows        []model.MarketRow
	At          time.Time
}

var (
	ErrNotStarted     = errors.New("dispatcher not started")
	ErrAlreadyStarted = errors.New("dispatcher already started")
	ErrQueueFull      = errors.New("subscription channel is full")
)

// Subscriber is a client subscription to some message kinds.
//
// Each subscriber maintains its own buffered channel. Opportunities can be
// further restricted to a set of pairs.
type Subscriber struct {
	id    int64
	ch    chan Message
	kinds map[Kind]struct{}
	pairs map[model.Pair]struct{}
}

// ID returns the subscriber identifier.
func (s *Subscriber) ID() int64 { return s.id }

// C returns the delivery channel. It is closed on unsubscribe and on dispatcher shutdown.
func (s *Subscriber) C() <-chan Message { return s.ch }

func (s *Subscriber) wants(msg Message) bool {
	if _, ok := s.kinds[msg.Kind]; !ok {
		return false
	}
	if msg.Kind != OpportunityKind || len(s.pairs) == 0 {
		return true
	}
	_, ok := s.pairs[msg.Opportunity.Pair]
	return ok
}

// DispatcherConfig holds configuration parameters for the Dispatcher.
type DispatcherConfig struct {
	MaxSymbolsAllowed int // Maximum pairs per subscription filter
	BufferSize        int // Per-subscriber channel capacity
	InboxSize         int // Capacity of the inbound message queue
}

// Dispatcher implements a fan-out message distribution system.
//
// A single goroutine owns the subscribers map. Producers and subscription
// requests reach it through channels, so no mutex is needed.
type Dispatcher struct {
	cfg              DispatcherConfig
	subscribers      map[int64]*Subscriber // owned by the dispatch goroutine
	subscriptionCh   chan *Subscriber
	unsubscriptionCh chan *Subscriber
	inbox            chan Message
	started          atomic.Bool
	dropped          atomic.Int64
	nextID           atomic.Int64
}

// NewDispatcher creates a new Dispatcher instance with the provided configuration.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 100
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 1024
	}
	return &Dispatcher{
		cfg:              cfg,
		subscribers:      make(map[int64]*Subscriber),
		subscriptionCh:   make(chan *Subscriber, 10),
		unsubscriptionCh: make(chan *Subscriber, 10),
		inbox:            make(chan Message, cfg.InboxSize),
	}
}

// OnOpportunity queues op for delivery. It never blocks.
func (b *Dispatcher) OnOpportunity(op model.Opportunity) {
	b.publish(Message{Kind: OpportunityKind, Opportunity: op, At: time.Now()})
}

// OnMarketSnapshot queues the market rows for delivery. It never blocks.
func (b *Dispatcher) OnMarketSnapshot(rows []model.MarketRow) {
	b.publish(Message{Kind: SnapshotKind, Rows: rows, At: time.Now()})
}

func (b *Dispatcher) publish(msg Message) {
	select {
	case b.inbox <- msg:
	default:
		if b.dropped.Add(1)%100 == 1 {
			log.Warn().Str("kind", msg.Kind.String()).Int64("dropped", b.dropped.Load()).
				Msg("dispatcher inbox full, dropping message")
		}
	}
}

// Dropped returns how many inbound messages were discarded because the inbox was full.
func (b *Dispatcher) Dropped() int64 {
	return b.dropped.Load()
}

// Subscribe creates a subscription to the given kinds. When pairs are given,
// opportunities of other pairs are filtered out.
//
// The request is handed to the dispatcher goroutine through a channel.
func (b *Dispatcher) Subscribe(kinds []Kind, pairs ...string) (*Subscriber, error) {
	if !b.started.Load() {
		return nil, ErrNotStarted
	}
	if len(kinds) == 0 {
		return nil, errors.New("no message kinds requested")
	}

	var pairSet map[model.Pair]struct{}
	if len(pairs) > 0 {
		parsed, err := utils.ValidatePairs(pairs, b.cfg.MaxSymbolsAllowed)
		if err != nil {
			return nil, err
		}
		pairSet = make(map[model.Pair]struct{}, len(parsed))
		for _, p := range parsed {
			pairSet[p] = struct{}{}
		}
	}

	kindSet := make(map[Kind]struct{}, len(kinds))
	for _, k := range kinds {
		kindSet[k] = struct{}{}
	}

	sub := &Subscriber{
		id:    b.nextID.Add(1),
		ch:    make(chan Message, b.cfg.BufferSize),
		kinds: kindSet,
		pairs: pairSet,
	}

	select {
	case b.subscriptionCh <- sub:
	default:
		return nil, ErrQueueFull
	}
	return sub, nil
}

func (b *Dispatcher) subscribe(sub *Subscriber) {
	b.subscribers[sub.id] = sub
}

// Unsubscribe removes a subscriber from the dispatcher.
func (b *Dispatcher) Unsubscribe(sub *Subscriber) error {
	select {
	case b.unsubscriptionCh <- sub:
		return nil
	default:
		return ErrQueueFull
	}
}

func (b *Dispatcher) unsubscribe(sub *Subscriber) {
	if _, ok := b.subscribers[sub.id]; ok {
		delete(b.subscribers, sub.id)
		close(sub.ch)
	}
}

// StartDispatching starts the goroutine that owns subscriber state and
// distributes queued messages until ctx is cancelled.
func (b *Dispatcher) StartDispatching(ctx context.Context) error {
	if !b.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	go func() {
		defer func() {
			for _, sub := range b.subscribers {
				close(sub.ch)
			}
			b.subscribers = make(map[int64]*Subscriber)
		}()

		for {
			select {
			case <-ctx.Done():
				log.Info().Msg("dispatcher stopped")
				return
			case sub := <-b.subscriptionCh:
				b.subscribe(sub)
			case sub := <-b.unsubscriptionCh:
				b.unsubscribe(sub)
			case msg := <-b.inbox:
				b.dispatch(msg)
			}
		}
	}()
	return nil
}

// dispatch delivers msg to every interested subscriber. A subscriber whose
// channel is full loses its oldest buffered message.
func (b *Dispatcher) dispatch(msg Message) {
	for _, sub := range b.subscribers {
		if !sub.wants(msg) {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
			log.Debug().Int64("subscriber", sub.id).Msg("subscriber is too slow, dropping oldest buffered message")
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- msg:
			default:
			}
		}
	}
}

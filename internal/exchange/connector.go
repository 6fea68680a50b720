package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"arbitral/internal/model"
	"arbitral/internal/utils"
	"arbitral/internal/websocket"
)

// protocol is the exchange-specific half of a Connector: how to address an
// endpoint, what to send on connect, how to probe liveness and how to decode
// frames into events.
type protocol interface {
	// subscribeMessages builds the subscription handshake for pairs on seg.
	subscribeMessages(seg model.Segment, pairs []model.Pair) ([][]byte, error)

	// heartbeat returns the liveness probe used on seg.
	heartbeat(seg model.Segment) websocket.Heartbeat

	// decode parses one frame. Acknowledgements and other control frames
	// yield no events and no error.
	decode(seg model.Segment, raw []byte) ([]model.Event, error)
}

// Connector streams market data from one exchange.
//
// A Connector keeps one websocket client per segment and a subscription
// registry that outlives individual connections: every (re)connect replays
// the registry for that segment. Decoded events are delivered synchronously
// on the connection's read goroutine to every registered EventHandler and to
// the OnTick callbacks of the event's market.
type Connector struct {
	exchange model.Exchange
	config   ExchangeConfig
	proto    protocol
	logger   zerolog.Logger

	mu            sync.RWMutex
	subs          map[model.Segment][]model.Pair
	handlers      []model.EventHandler
	tickCallbacks map[model.MarketKey][]func(model.TickUpdate)
	stateListener func(model.Segment, websocket.State)
	clients       map[model.Segment]*websocket.Client
	stopped       bool
}

func newConnector(ex model.Exchange, cfg *ExchangeConfig, defaults ExchangeConfig, build func(*validator.Validate) protocol) (*Connector, error) {
	c := defaults
	if cfg != nil {
		c = *cfg
	}

	if err := validateConfig(&c, &defaults); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	return &Connector{
		exchange:      ex,
		config:        c,
		proto:         build(validator.New()),
		logger:        log.With().Str("exchange", ex.String()).Logger(),
		subs:          make(map[model.Segment][]model.Pair),
		tickCallbacks: make(map[model.MarketKey][]func(model.TickUpdate)),
		clients:       make(map[model.Segment]*websocket.Client),
	}, nil
}

// New creates the connector for ex. A nil cfg selects the exchange defaults.
func New(ex model.Exchange, cfg *ExchangeConfig) (*Connector, error) {
	switch ex {
	case model.BinanceExchange:
		return NewBinanceConnector(cfg)
	case model.OkxExchange:
		return NewOkxConnector(cfg)
	case model.GateExchange:
		return NewGateConnector(cfg)
	case model.BybitExchange:
		return NewBybitConnector(cfg)
	default:
		return nil, fmt.Errorf("%w: %s", model.ErrUnknownExchange, ex)
	}
}

// Exchange returns the exchange this connector streams from.
func (c *Connector) Exchange() model.Exchange {
	return c.exchange
}

// Segments returns the segments with a configured endpoint.
func (c *Connector) Segments() []model.Segment {
	segs := make([]model.Segment, 0, 2)
	for _, seg := range model.Segments() {
		if c.config.URL(seg) != "" {
			segs = append(segs, seg)
		}
	}
	return segs
}

// Subscribe adds pair to the registry of seg. On a live connection the
// subscription is also sent right away; otherwise it is sent on the next connect.
// Subscribing the same pair twice is a no-op.
func (c *Connector) Subscribe(seg model.Segment, pair model.Pair) error {
	if c.config.URL(seg) == "" {
		return fmt.Errorf("%w: %s %s", ErrUnsupportedSegment, c.exchange, seg)
	}
	if pair.IsZero() {
		return fmt.Errorf("%w: empty pair", model.ErrInvalidPair)
	}

	c.mu.Lock()
	for _, p := range c.subs[seg] {
		if p == pair {
			c.mu.Unlock()
			return nil
		}
	}
	if len(c.subs[seg]) >= c.config.MaxSymbols {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s %s allows %d symbols", utils.ErrTooManySymbols,
			c.exchange, seg, c.config.MaxSymbols)
	}
	c.subs[seg] = append(c.subs[seg], pair)
	client := c.clients[seg]
	c.mu.Unlock()

	if client == nil || client.State() != websocket.Connected {
		return nil
	}

	msgs, err := c.proto.subscribeMessages(seg, []model.Pair{pair})
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		if err := client.Send(msg); err != nil {
			// The registry replay on reconnect covers it.
			c.logger.Warn().Err(err).Str("segment", seg.String()).Str("pair", pair.String()).
				Msg("live subscribe failed")
			return nil
		}
	}
	return nil
}

// Subscriptions returns a copy of the registry for seg.
func (c *Connector) Subscriptions(seg model.Segment) []model.Pair {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]model.Pair, len(c.subs[seg]))
	copy(out, c.subs[seg])
	return out
}

// RegisterHandler adds h to the handlers receiving every decoded event.
func (c *Connector) RegisterHandler(h model.EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, h)
}

// OnTick registers fn for the tick updates of one market.
func (c *Connector) OnTick(seg model.Segment, pair model.Pair, fn func(model.TickUpdate)) {
	key := model.MarketKey{Exchange: c.exchange, Pair: pair, Segment: seg}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tickCallbacks[key] = append(c.tickCallbacks[key], fn)
}

// OnStateChange sets the listener notified of connection state transitions.
// It must be set before Connect.
func (c *Connector) OnStateChange(fn func(model.Segment, websocket.State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stateListener = fn
}

// State returns the connection state of seg.
func (c *Connector) State(seg model.Segment) websocket.State {
	c.mu.RLock()
	client := c.clients[seg]
	c.mu.RUnlock()
	if client == nil {
		return websocket.Disconnected
	}
	return client.State()
}

// Connect opens one connection per segment that has subscriptions and waits
// for each first dial. Segments that fail keep reconnecting in the background;
// their errors are joined into the result.
func (c *Connector) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return websocket.ErrClientShuttingDown
	}

	var pending []*websocket.Client
	var setupErrs []error
	for _, seg := range c.Segments() {
		if len(c.subs[seg]) == 0 {
			continue
		}
		if client, ok := c.clients[seg]; ok {
			pending = append(pending, client)
			continue
		}
		client, err := c.newClient(seg)
		if err != nil {
			setupErrs = append(setupErrs, fmt.Errorf("%s %s: %w", c.exchange, seg, err))
			continue
		}
		c.clients[seg] = client
		pending = append(pending, client)
	}
	c.mu.Unlock()

	errs := make([]error, len(pending))
	var wg sync.WaitGroup
	for i, client := range pending {
		wg.Add(1)
		go func(i int, client *websocket.Client) {
			defer wg.Done()
			errs[i] = client.Connect(ctx)
		}(i, client)
	}
	wg.Wait()

	return errors.Join(append(setupErrs, errs...)...)
}

func (c *Connector) newClient(seg model.Segment) (*websocket.Client, error) {
	logger := c.logger.With().Str("segment", seg.String()).Logger()
	listener := c.stateListener

	return websocket.NewClient(websocket.Config{
		Endpoint: c.config.URL(seg),
		Name:     c.exchange.String() + "/" + seg.String(),
		Handler:  c.handleMessage(seg),
		Subscriptions: func() [][]byte {
			pairs := c.Subscriptions(seg)
			msgs, err := c.proto.subscribeMessages(seg, pairs)
			if err != nil {
				logger.Error().Err(err).Msg("failed to build subscription messages")
				return nil
			}
			return msgs
		},
		OnStateChange: func(s websocket.State) {
			if s == websocket.Failed {
				logger.Error().Msg("segment permanently unavailable")
			}
			if listener != nil {
				listener(seg, s)
			}
		},
		Heartbeat:  c.proto.heartbeat(seg),
		Backoff:    c.config.Backoff,
		PingPeriod: c.config.PingPeriod,
	})
}

// handleMessage returns the frame handler for seg: decode, then deliver.
func (c *Connector) handleMessage(seg model.Segment) func([]byte) error {
	return func(raw []byte) error {
		events, err := c.proto.decode(seg, raw)
		if err != nil {
			return err
		}
		for _, ev := range events {
			c.deliver(ev)
		}
		return nil
	}
}

func (c *Connector) deliver(ev model.Event) {
	c.mu.RLock()
	handlers := c.handlers
	callbacks := c.tickCallbacks[ev.Market()]
	c.mu.RUnlock()

	for _, h := range handlers {
		model.Dispatch(h, ev)
	}
	if len(callbacks) > 0 {
		u := ev.Update()
		for _, fn := range callbacks {
			fn(u)
		}
	}
}

// FetchTicker would fetch a REST ticker snapshot. Streams are the only
// data source, so it always reports ErrCapabilityNotImplemented.
func (c *Connector) FetchTicker(ctx context.Context, seg model.Segment, pair model.Pair) (model.Tick, error) {
	return model.Tick{}, fmt.Errorf("%w: %s rest ticker for %s %s",
		ErrCapabilityNotImplemented, c.exchange, seg, pair)
}

// DisconnectAll closes every connection and cancels pending reconnects.
// It is safe to call more than once.
func (c *Connector) DisconnectAll() {
	c.mu.Lock()
	c.stopped = true
	clients := make([]*websocket.Client, 0, len(c.clients))
	for _, client := range c.clients {
		clients = append(clients, client)
	}
	c.mu.Unlock()

	var wg sync.WaitGroup
	for _, client := range clients {
		wg.Add(1)
		go func(client *websocket.Client) {
			defer wg.Done()
			client.Close()
		}(client)
	}
	wg.Wait()
	c.logger.Info().Msg("disconnected")
}

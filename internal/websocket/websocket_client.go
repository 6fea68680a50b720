// Package websocket provides a resilient WebSocket client for cryptocurrency exchange streams.
//
// A Client owns one logical connection to one endpoint. It dials, replays the
// caller's subscriptions on every new connection, detects dead connections
// with a ping/pong heartbeat and reconnects with exponential backoff until
// its reconnect budget is exhausted.
package websocket

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// defaultPingPeriod defines the default interval between liveness probes.
	defaultPingPeriod = 15 * time.Second

	// defaultSendTimeout defines the default timeout for WebSocket write operations.
	defaultSendTimeout = 5 * time.Second

	// defaultReadLimit defines the maximum size of incoming WebSocket messages.
	defaultReadLimit = 1 << 20 // 1MB

	// defaultHandshakeTimeout defines the maximum time allowed for WebSocket handshake.
	defaultHandshakeTimeout = 10 * time.Second

	defaultBaseDelay   = time.Second
	defaultMaxDelay    = 30 * time.Second
	defaultMaxAttempts = 10
)

// Common errors returned by the WebSocket client
var (
	// ErrClientShuttingDown indicates that the client is in the process of shutting down.
	ErrClientShuttingDown = errors.New("client is shutting down")

	// ErrNotConnected indicates that there is no live connection to write to.
	ErrNotConnected = errors.New("websocket not connected")

	// ErrReconnectExhausted indicates that the client gave up reconnecting.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
)

// State is the lifecycle state of a Client's connection.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	// Degraded means a heartbeat went unanswered; the connection is being torn down.
	Degraded
	// Failed is terminal: the reconnect budget is exhausted.
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Degraded:
		return "degraded"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Heartbeat describes an application-level liveness probe. The zero value
// uses WebSocket control ping frames answered by control pongs.
type Heartbeat struct {
	// Ping builds the probe message sent as a text frame.
	Ping func() []byte

	// IsPong reports whether an inbound frame answers the probe. Matching
	// frames are consumed and not passed to the Handler.
	IsPong func([]byte) bool
}

// Backoff configures reconnection.
type Backoff struct {
	// BaseDelay is the delay before the first reconnect attempt.
	BaseDelay time.Duration

	// MaxDelay caps the doubling delay.
	MaxDelay time.Duration

	// MaxAttempts bounds consecutive reconnect attempts before giving up.
	MaxAttempts int
}

// Delay returns the wait before reconnect attempt n (1-based).
func (b Backoff) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := b.BaseDelay
	for i := 1; i < n; i++ {
		d *= 2
		if d >= b.MaxDelay {
			return b.MaxDelay
		}
	}
	if d > b.MaxDelay {
		return b.MaxDelay
	}
	return d
}

// Config defines settings for the WebSocket client.
type Config struct {
	// Endpoint is the WebSocket URL to connect to.
	// Required: This field must be provided and non-empty.
	Endpoint string

	// Handler is the function called for each incoming data frame.
	// Required: This field must be provided and non-nil.
	Handler func([]byte) error

	// Subscriptions returns the messages to send right after every successful
	// connect. It is called once per connection so the current subscription
	// registry is replayed, not the one captured at construction time.
	Subscriptions func() [][]byte

	// OnStateChange, when set, is called on every state transition.
	OnStateChange func(State)

	// Heartbeat selects the liveness probe.
	Heartbeat Heartbeat

	// Backoff configures reconnection. Zero fields take defaults.
	Backoff Backoff

	// TLSInsecureSkip disables TLS certificate verification.
	TLSInsecureSkip bool

	// PingPeriod is the interval between liveness probes.
	PingPeriod time.Duration

	// SendTimeout is the maximum time allowed for WebSocket write operations.
	SendTimeout time.Duration

	// Name labels log lines, e.g. "binance/spot".
	Name string
}

// Client wraps a websocket.Conn with lifecycle, heartbeat and reconnect logic.
type Client struct {
	// conn stores the live WebSocket connection, nil between connections.
	conn atomic.Pointer[websocket.Conn]

	state        atomic.Int32
	attempts     atomic.Int32
	awaitingPong atomic.Bool

	// writeMu serializes data frame writes; gorilla allows one concurrent writer.
	writeMu sync.Mutex

	cfg    Config
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	ready     chan error
	readyOnce sync.Once
	startOnce sync.Once
	once      sync.Once
	wg        sync.WaitGroup
}

// NewClient validates cfg, applies defaults and returns an idle client.
// Call Connect to start it.
func NewClient(cfg Config) (*Client, error) {
	// Validate required configuration fields
	if cfg.Endpoint == "" {
		return nil, errors.New("endpoint URL is required")
	}
	if cfg.Handler == nil {
		return nil, errors.New("message handler is required")
	}

	// Apply defaults for optional fields
	if cfg.Subscriptions == nil {
		cfg.Subscriptions = func() [][]byte { return nil }
	}
	if cfg.PingPeriod <= 0 {
		cfg.PingPeriod = defaultPingPeriod
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	if cfg.Backoff.BaseDelay <= 0 {
		cfg.Backoff.BaseDelay = defaultBaseDelay
	}
	if cfg.Backoff.MaxDelay <= 0 {
		cfg.Backoff.MaxDelay = defaultMaxDelay
	}
	if cfg.Backoff.MaxAttempts <= 0 {
		cfg.Backoff.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Endpoint
	}

	return &Client{
		cfg:    cfg,
		logger: log.With().Str("endpoint", cfg.Endpoint).Str("conn", cfg.Name).Logger(),
		ready:  make(chan error, 1),
	}, nil
}

// Connect starts the connection loop and waits for the outcome of the first
// dial. A failed first dial is returned but the client keeps reconnecting in
// the background. Calling Connect again only waits for readiness.
func (c *Client) Connect(ctx context.Context) error {
	c.startOnce.Do(func() {
		c.ctx, c.cancel = context.WithCancel(context.Background())
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.run()
		}()
	})

	select {
	case err, ok := <-c.ready:
		if !ok {
			return nil
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// ReconnectAttempts returns the number of consecutive reconnect attempts
// made since the last successful connection.
func (c *Client) ReconnectAttempts() int {
	return int(c.attempts.Load())
}

// Send writes a text frame on the live connection.
func (c *Client) Send(msg []byte) error {
	conn := c.conn.Load()
	if conn == nil {
		return ErrNotConnected
	}
	return c.write(conn, websocket.TextMessage, msg)
}

func (c *Client) write(conn *websocket.Conn, messageType int, msg []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.SendTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(messageType, msg)
}

func (c *Client) setState(s State) {
	prev := State(c.state.Swap(int32(s)))
	if prev == s {
		return
	}
	c.logger.Debug().Str("from", prev.String()).Str("to", s.String()).Msg("connection state changed")
	if c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(s)
	}
}

// signalReady reports the outcome of the first dial to Connect.
func (c *Client) signalReady(err error) {
	c.readyOnce.Do(func() {
		c.ready <- err
		close(c.ready)
	})
}

// run is the connection loop: dial, serve until the connection dies, back off, repeat.
func (c *Client) run() {
	defer c.signalReady(ErrClientShuttingDown)

	for {
		if c.ctx.Err() != nil {
			c.setState(Disconnected)
			return
		}

		c.setState(Connecting)
		conn, err := c.dial(c.ctx)
		if err == nil {
			// Stop may have been requested while the dial was in flight.
			if c.ctx.Err() != nil {
				_ = conn.Close()
				c.setState(Disconnected)
				return
			}
			c.attempts.Store(0)
			c.serve(conn)
		} else {
			c.signalReady(err)
		}

		if c.ctx.Err() != nil {
			c.setState(Disconnected)
			return
		}

		n := int(c.attempts.Load())
		if n >= c.cfg.Backoff.MaxAttempts {
			c.logger.Error().Err(ErrReconnectExhausted).Int("attempts", n).Msg("giving up reconnecting")
			c.setState(Failed)
			return
		}
		n = int(c.attempts.Add(1))
		c.setState(Disconnected)

		delay := c.cfg.Backoff.Delay(n)
		c.logger.Warn().Int("attempt", n).Dur("delay", delay).Msg("scheduling reconnect")

		timer := time.NewTimer(delay)
		select {
		case <-c.ctx.Done():
			timer.Stop()
			c.setState(Disconnected)
			return
		case <-timer.C:
		}
	}
}

// serve configures a fresh connection, replays subscriptions and blocks in
// the read loop until the connection is lost.
func (c *Client) serve(conn *websocket.Conn) {
	c.conn.Store(conn)
	c.awaitingPong.Store(false)

	done := make(chan struct{})
	var wg sync.WaitGroup
	defer func() {
		close(done)
		_ = conn.Close()
		wg.Wait()
		c.conn.CompareAndSwap(conn, nil)
	}()

	// Close the connection as soon as the client is stopped, even if Close
	// ran before the connection was stored.
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-c.ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	conn.SetReadLimit(defaultReadLimit)
	conn.SetPongHandler(func(string) error {
		c.awaitingPong.Store(false)
		return nil
	})

	// Replay subscriptions
	for _, msg := range c.cfg.Subscriptions() {
		if err := c.write(conn, websocket.TextMessage, msg); err != nil {
			c.logger.Error().Err(err).Msg("subscription error")
			c.signalReady(fmt.Errorf("subscribe: %w", err))
			return
		}
	}

	c.setState(Connected)
	c.signalReady(nil)

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.pingLoop(conn, done)
	}()

	c.readLoop(conn)
}

// readLoop reads frames until the connection fails and passes data frames to the handler.
func (c *Client) readLoop(conn *websocket.Conn) {
	logger := c.logger.With().Str("component", "readLoop").Logger()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			switch {
			case c.ctx.Err() != nil:
				logger.Debug().Msg("read loop stopped")
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				logger.Info().Err(err).Msg("websocket closed normally")
			case websocket.IsUnexpectedCloseError(err):
				logger.Warn().Err(err).Msg("unexpected websocket closure")
			default:
				logger.Error().Err(err).Msg("read error")
			}
			return
		}

		if hb := c.cfg.Heartbeat; hb.IsPong != nil && hb.IsPong(data) {
			c.awaitingPong.Store(false)
			continue
		}

		logger.Trace().Int("messageType", messageType).Int("bytes", len(data)).Msg("received message")

		c.handle(logger, data)
	}
}

func (c *Client) handle(logger zerolog.Logger, data []byte) {
	// Recover from handler panics to prevent client crash
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Any("recover", r).Msg("panic in message handler")
		}
	}()

	if err := c.cfg.Handler(data); err != nil {
		logger.Warn().Err(err).Msg("dropping message")
	}
}

// pingLoop sends a probe every PingPeriod. A probe that is still unanswered
// when the next one is due marks the connection dead and closes it, which
// ends the read loop and triggers a reconnect.
func (c *Client) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer ticker.Stop()

	logger := c.logger.With().Str("component", "pingLoop").Logger()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if c.awaitingPong.Load() {
				logger.Warn().Dur("period", c.cfg.PingPeriod).Msg("heartbeat missed, dropping connection")
				c.setState(Degraded)
				_ = conn.Close()
				return
			}
			c.awaitingPong.Store(true)

			var err error
			if c.cfg.Heartbeat.Ping != nil {
				err = c.write(conn, websocket.TextMessage, c.cfg.Heartbeat.Ping())
			} else {
				err = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.SendTimeout))
			}
			if err != nil {
				logger.Warn().Err(err).Msg("ping error")
			}
		}
	}
}

// Close stops the client: cancels pending reconnects and closes the live
// connection. It can be called multiple times safely.
func (c *Client) Close() {
	c.once.Do(func() {
		c.startOnce.Do(func() {
			// Never started; make Connect a no-op.
			c.ctx, c.cancel = context.WithCancel(context.Background())
			c.signalReady(ErrClientShuttingDown)
		})
		c.cancel()

		if conn := c.conn.Load(); conn != nil {
			c.writeMu.Lock()
			err := conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			)
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Debug().Err(err).Msg("failed to send close frame")
			}
			_ = conn.Close()
		}

		// Wait for all goroutines to complete
		done := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(5 * time.Second):
			c.logger.Warn().Msg("timeout waiting for goroutines to complete")
		}

		c.setState(Disconnected)
		c.logger.Info().Msg("shutdown complete")
	})
}

// dial establishes a WebSocket connection.
func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: c.cfg.TLSInsecureSkip},
		HandshakeTimeout: defaultHandshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, c.cfg.Endpoint, make(http.Header))
	if err != nil {
		if resp != nil {
			c.logger.Error().
				Err(err).
				Int("statusCode", resp.StatusCode).
				Msg("connection failed")
		} else {
			c.logger.Error().Err(err).Msg("connection failed")
		}
		return nil, err
	}

	c.logger.Info().Msg("websocket connection established")
	return conn, nil
}

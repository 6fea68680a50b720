package signal

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arbitral/internal/model"
)

var detectedAt = time.Date(2024, 1, 2, 15, 4, 5, 0, time.UTC)

func opportunity(base string, buy, sell model.Exchange) model.Opportunity {
	return model.Opportunity{
		ID:             base + "-" + buy.String() + "-" + sell.String(),
		Pair:           model.NewPair(base, "USDT"),
		Strategy:       model.SpotFutures,
		Buy:            model.Leg{Exchange: buy, Segment: model.Spot, Price: 50000},
		Sell:           model.Leg{Exchange: sell, Segment: model.Futures, Price: 50100, Fee: 0.0001},
		GrossSpreadPct: 0.2,
		NetSpreadPct:   0.19,
		DetectedAt:     detectedAt,
	}
}

// clock is a manually advanced time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// collectingSink records what it receives and can be told to fail.
type collectingSink struct {
	name string
	err  error

	mu  sync.Mutex
	ops []model.Opportunity
}

func (s *collectingSink) Name() string { return s.name }

func (s *collectingSink) Send(_ context.Context, op model.Opportunity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, op)
	return s.err
}

func (s *collectingSink) Received() []model.Opportunity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Opportunity(nil), s.ops...)
}

func newTestSignaler(cfg Config, sinks ...Sink) (*Signaler, *clock) {
	c := &clock{now: detectedAt}
	s := New(cfg, sinks...)
	s.now = c.Now
	return s, c
}

// Test_Signaler_Cooldown tests suppression of repeats within the cooldown
func Test_Signaler_Cooldown(t *testing.T) {
	sink := &collectingSink{name: "collect"}
	s, clk := newTestSignaler(Config{Cooldown: 5 * time.Second}, sink)

	op := opportunity("BTC", model.BinanceExchange, model.OkxExchange)
	assert.True(t, s.Signal(op))
	assert.False(t, s.Signal(op), "repeat inside the cooldown is suppressed")

	clk.Advance(4 * time.Second)
	assert.False(t, s.Signal(op))

	other := opportunity("BTC", model.OkxExchange, model.BinanceExchange)
	assert.True(t, s.Signal(other), "the reverse direction has its own cooldown")

	clk.Advance(time.Second)
	assert.True(t, s.Signal(op), "cooldown measured from the last accepted signal")

	require.NoError(t, s.Close())
	assert.Len(t, sink.Received(), 3)
}

// Test_Signaler_Idempotence tests that N identical signals in the window emit once
func Test_Signaler_Idempotence(t *testing.T) {
	sink := &collectingSink{name: "collect"}
	s, _ := newTestSignaler(Config{}, sink)

	op := opportunity("ETH", model.BybitExchange, model.GateExchange)
	accepted := 0
	for i := 0; i < 100; i++ {
		if s.Signal(op) {
			accepted++
		}
	}

	require.NoError(t, s.Close())
	assert.Equal(t, 1, accepted)
	assert.Len(t, sink.Received(), 1)
	assert.Len(t, s.Opportunities(), 1, "suppressed signals are not recorded")
}

// Test_Signaler_Buffer tests ordering, replacement and eviction of the rolling buffer
func Test_Signaler_Buffer(t *testing.T) {
	s, clk := newTestSignaler(Config{Cooldown: time.Second, BufferSize: 3})
	defer s.Close()

	a := opportunity("AAA", model.BinanceExchange, model.OkxExchange)
	b := opportunity("BBB", model.BinanceExchange, model.OkxExchange)
	c := opportunity("CCC", model.BinanceExchange, model.OkxExchange)
	d := opportunity("DDD", model.BinanceExchange, model.OkxExchange)

	s.Signal(a)
	s.Signal(b)
	s.Signal(c)

	keys := func() []string {
		var out []string
		for _, op := range s.Opportunities() {
			out = append(out, op.Pair.Base)
		}
		return out
	}
	assert.Equal(t, []string{"CCC", "BBB", "AAA"}, keys(), "most recent first")

	clk.Advance(2 * time.Second)
	refreshed := a
	refreshed.NetSpreadPct = 0.42
	require.True(t, s.Signal(refreshed))
	assert.Equal(t, []string{"AAA", "CCC", "BBB"}, keys(), "a recurring key moves to the front")
	assert.Equal(t, 0.42, s.Opportunities()[0].NetSpreadPct, "and replaces the old entry")

	s.Signal(d)
	assert.Equal(t, []string{"DDD", "AAA", "CCC"}, keys(), "overflow evicts the oldest")
}

// Test_Signaler_SinkFailure tests that a failing sink affects neither signaling nor other sinks
func Test_Signaler_SinkFailure(t *testing.T) {
	failing := &collectingSink{name: "failing", err: errors.New("disk full")}
	healthy := &collectingSink{name: "healthy"}
	s, _ := newTestSignaler(Config{}, failing, healthy)

	assert.True(t, s.Signal(opportunity("BTC", model.BinanceExchange, model.OkxExchange)))
	assert.True(t, s.Signal(opportunity("ETH", model.BinanceExchange, model.OkxExchange)))

	require.NoError(t, s.Close())
	assert.Len(t, failing.Received(), 2)
	assert.Len(t, healthy.Received(), 2)
}

// Test_Signaler_Close tests shutdown behavior
func Test_Signaler_Close(t *testing.T) {
	path := filepath.Join(t.TempDir(), "opportunities.log")
	file, err := NewFileSink(path)
	require.NoError(t, err)

	s, _ := newTestSignaler(Config{}, file)
	require.True(t, s.Signal(opportunity("BTC", model.BinanceExchange, model.OkxExchange)))

	require.NoError(t, s.Close(), "queued opportunities are delivered and the file closed")
	assert.ErrorIs(t, s.Close(), ErrSignalerClosed)
	assert.False(t, s.Signal(opportunity("ETH", model.BinanceExchange, model.OkxExchange)))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(data), "\n"))

	err = file.Send(context.Background(), opportunity("SOL", model.BinanceExchange, model.OkxExchange))
	assert.Error(t, err, "writing to a closed file fails")
}

// Test_FormatLine tests the human readable log format
func Test_FormatLine(t *testing.T) {
	op := opportunity("BTC", model.BinanceExchange, model.OkxExchange)
	assert.Equal(t,
		"2024-01-02T15:04:05.000Z BTC-USDT spot-futures BUY binance:spot@50000 SELL okx:futures@50100 gross=0.2000% net=0.1900%",
		FormatLine(op))

	op.EffectiveVolume = 2e6
	op.HasFundingRate = true
	op.FundingRate = 0.0001
	assert.True(t, strings.HasSuffix(FormatLine(op), " volume=2000000 funding=0.0001"))
}

// Test_FileSink tests appending across sink instances
func Test_FileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "opportunities.log")

	for i := 0; i < 2; i++ {
		sink, err := NewFileSink(path)
		require.NoError(t, err)
		require.NoError(t, sink.Send(context.Background(), opportunity("BTC", model.BinanceExchange, model.OkxExchange)))
		require.NoError(t, sink.Close())
	}

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.Len(t, lines, 2, "the log is append-only")

	_, err = NewFileSink(filepath.Join(t.TempDir(), "missing", "opportunities.log"))
	assert.Error(t, err)
}

// fakeDB records statements instead of talking to Postgres.
type fakeDB struct {
	err    error
	mu     sync.Mutex
	execs  []string
	args   [][]any
	closed bool
}

func (f *fakeDB) ExecContext(_ context.Context, query string, args ...any) (sql.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, query)
	f.args = append(f.args, args)
	if f.err != nil {
		return nil, f.err
	}
	return driverResult{}, nil
}

func (f *fakeDB) Close() error {
	f.closed = true
	return nil
}

type driverResult struct{}

func (driverResult) LastInsertId() (int64, error) { return 0, nil }
func (driverResult) RowsAffected() (int64, error) { return 1, nil }

// Test_PostgresSink tests statement construction and error decoration
func Test_PostgresSink(t *testing.T) {
	db := &fakeDB{}
	sink := NewPostgresSink(db)

	require.NoError(t, sink.InitSchema(context.Background()))
	assert.Contains(t, db.execs[0], "CREATE TABLE IF NOT EXISTS opportunities")

	op := opportunity("BTC", model.BinanceExchange, model.OkxExchange)
	require.NoError(t, sink.Send(context.Background(), op))
	require.Len(t, db.args, 2)

	args := db.args[1]
	require.Len(t, args, 16)
	assert.Equal(t, op.ID, args[0])
	assert.Equal(t, "BTC-USDT", args[1])
	assert.Equal(t, "spot-futures", args[2])
	assert.Equal(t, "binance", args[3])
	assert.Equal(t, "futures", args[8])
	assert.Equal(t, sql.NullFloat64{}, args[14], "no funding rate stored as NULL")
	assert.Equal(t, detectedAt, args[15])

	db.err = &pq.Error{Code: "23505", Message: "duplicate key"}
	err := sink.Send(context.Background(), op)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unique_violation")

	require.NoError(t, sink.Close())
	assert.True(t, db.closed)
}

// broadcastRecorder implements Broadcaster.
type broadcastRecorder struct {
	got chan model.Opportunity
}

func (b *broadcastRecorder) OnOpportunity(op model.Opportunity) { b.got <- op }

// Test_Sinks_Composition tests the log and broadcast sinks behind one signaler
func Test_Sinks_Composition(t *testing.T) {
	var buf strings.Builder
	var mu sync.Mutex
	logger := zerolog.New(zerolog.SyncWriter(writerFunc(func(p []byte) (int, error) {
		mu.Lock()
		defer mu.Unlock()
		return buf.Write(p)
	})))

	target := &broadcastRecorder{got: make(chan model.Opportunity, 1)}
	s, _ := newTestSignaler(Config{}, NewLogSink(logger), NewBroadcastSink(target))

	op := opportunity("BTC", model.BinanceExchange, model.OkxExchange)
	require.True(t, s.Signal(op))

	select {
	case got := <-target.got:
		assert.Equal(t, op.ID, got.ID)
	case <-time.After(time.Second):
		t.Fatal("broadcast sink not called")
	}
	require.NoError(t, s.Close())

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, buf.String(), `"pair":"BTC-USDT"`)
	assert.Contains(t, buf.String(), `"net_pct":"0.1900%"`)
}

type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

package signal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"arbitral/internal/model"
)

// LogSink writes each opportunity as a structured log event.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates a sink logging to logger.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Send(_ context.Context, op model.Opportunity) error {
	ev := s.logger.Info().
		Str("pair", op.Pair.String()).
		Str("strategy", op.Strategy.String()).
		Str("buy", op.Buy.String()).
		Float64("buy_price", op.Buy.Price).
		Str("sell", op.Sell.String()).
		Float64("sell_price", op.Sell.Price).
		Str("gross_pct", pct(op.GrossSpreadPct)).
		Str("net_pct", pct(op.NetSpreadPct))
	if op.EffectiveVolume > 0 {
		ev = ev.Float64("volume", op.EffectiveVolume)
	}
	if op.HasFundingRate {
		ev = ev.Float64("funding_rate", op.FundingRate)
	}
	ev.Msg("Arbitrage opportunity")
	return nil
}

// FileSink appends one human readable line per opportunity to a file.
type FileSink struct {
	mu   sync.Mutex
	file *os.File
}

// NewFileSink opens path for appending, creating it if needed.
func NewFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open opportunity log: %w", err)
	}
	return &FileSink{file: f}, nil
}

func (s *FileSink) Name() string { return "file" }

func (s *FileSink) Send(_ context.Context, op model.Opportunity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.file.WriteString(FormatLine(op) + "\n"); err != nil {
		return fmt.Errorf("failed to append opportunity: %w", err)
	}
	return nil
}

// Close closes the underlying file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// FormatLine renders op as a single log line, e.g.
//
//	2024-01-02T15:04:05.000Z BTC-USDT spot-futures BUY binance:spot@50000 SELL okx:futures@50100 gross=0.2000% net=0.1900%
func FormatLine(op model.Opportunity) string {
	var b strings.Builder
	b.WriteString(op.DetectedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"))
	fmt.Fprintf(&b, " %s %s BUY %s@%s SELL %s@%s gross=%s net=%s",
		op.Pair, op.Strategy,
		op.Buy, price(op.Buy.Price),
		op.Sell, price(op.Sell.Price),
		pct(op.GrossSpreadPct), pct(op.NetSpreadPct))
	if op.EffectiveVolume > 0 {
		fmt.Fprintf(&b, " volume=%s", decimal.NewFromFloat(op.EffectiveVolume).Round(0).String())
	}
	if op.HasFundingRate {
		fmt.Fprintf(&b, " funding=%s", decimal.NewFromFloat(op.FundingRate).String())
	}
	return b.String()
}

func price(v float64) string {
	return decimal.NewFromFloat(v).String()
}

func pct(v float64) string {
	return decimal.NewFromFloat(v).StringFixed(4) + "%"
}

// database is the subset of *sql.DB used by PostgresSink.
type database interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	Close() error
}

// OpenPostgres opens and pings a Postgres database.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// PostgresSink stores every opportunity in the opportunities table.
type PostgresSink struct {
	db database
}

// NewPostgresSink creates a sink on db, usually a *sql.DB from OpenPostgres.
// Call InitSchema before the first Send.
func NewPostgresSink(db database) *PostgresSink {
	return &PostgresSink{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS opportunities (
	id UUID PRIMARY KEY,
	pair VARCHAR(32) NOT NULL,
	strategy VARCHAR(32) NOT NULL,
	buy_exchange VARCHAR(16) NOT NULL,
	buy_segment VARCHAR(16) NOT NULL,
	buy_price DOUBLE PRECISION NOT NULL,
	buy_fee DOUBLE PRECISION NOT NULL,
	sell_exchange VARCHAR(16) NOT NULL,
	sell_segment VARCHAR(16) NOT NULL,
	sell_price DOUBLE PRECISION NOT NULL,
	sell_fee DOUBLE PRECISION NOT NULL,
	gross_spread_pct DOUBLE PRECISION NOT NULL,
	net_spread_pct DOUBLE PRECISION NOT NULL,
	effective_volume DOUBLE PRECISION NOT NULL,
	funding_rate DOUBLE PRECISION,
	detected_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_opportunities_pair_detected ON opportunities(pair, detected_at);
`

const insertOpportunity = `
INSERT INTO opportunities (
	id, pair, strategy, buy_exchange, buy_segment, buy_price, buy_fee,
	sell_exchange, sell_segment, sell_price, sell_fee,
	gross_spread_pct, net_spread_pct, effective_volume, funding_rate, detected_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
ON CONFLICT (id) DO NOTHING`

// InitSchema creates the opportunities table if it does not exist.
func (s *PostgresSink) InitSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to init schema: %w", describe(err))
	}
	return nil
}

func (s *PostgresSink) Name() string { return "postgres" }

func (s *PostgresSink) Send(ctx context.Context, op model.Opportunity) error {
	if _, err := s.db.ExecContext(ctx, insertOpportunity, insertArgs(op)...); err != nil {
		return fmt.Errorf("failed to insert opportunity: %w", describe(err))
	}
	return nil
}

// Close closes the database.
func (s *PostgresSink) Close() error {
	return s.db.Close()
}

func insertArgs(op model.Opportunity) []any {
	var funding sql.NullFloat64
	if op.HasFundingRate {
		funding = sql.NullFloat64{Float64: op.FundingRate, Valid: true}
	}
	return []any{
		op.ID, op.Pair.String(), op.Strategy.String(),
		op.Buy.Exchange.String(), op.Buy.Segment.String(), op.Buy.Price, op.Buy.Fee,
		op.Sell.Exchange.String(), op.Sell.Segment.String(), op.Sell.Price, op.Sell.Fee,
		op.GrossSpreadPct, op.NetSpreadPct, op.EffectiveVolume, funding,
		op.DetectedAt.UTC().Truncate(time.Microsecond),
	}
}

// describe adds the server error code to Postgres errors.
func describe(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return fmt.Errorf("%w (code %s: %s)", err, pqErr.Code, pqErr.Code.Name())
	}
	return err
}

// Broadcaster is the outbound delivery interface for opportunities.
type Broadcaster interface {
	OnOpportunity(model.Opportunity)
}

// BroadcastSink hands opportunities to a Broadcaster.
type BroadcastSink struct {
	target Broadcaster
}

// NewBroadcastSink creates a sink forwarding to target.
func NewBroadcastSink(target Broadcaster) *BroadcastSink {
	return &BroadcastSink{target: target}
}

func (s *BroadcastSink) Name() string { return "broadcast" }

func (s *BroadcastSink) Send(_ context.Context, op model.Opportunity) error {
	s.target.OnOpportunity(op)
	return nil
}

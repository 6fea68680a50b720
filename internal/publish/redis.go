// Package publish pushes dispatcher output to Redis.
//
// Opportunities are published as JSON on a pub/sub channel. Market rows are
// written to one hash per (exchange, pair) at market:<exchange>:<pair>.
package publish

import (
	"context"
	"fmt"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"arbitral/internal/model"
	"arbitral/internal/service"
)

const writeTimeout = 2 * time.Second

// client is the subset of *redis.Client used by the publisher.
type client interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Pipelined(ctx context.Context, fn func(redis.Pipeliner) error) ([]redis.Cmder, error)
	Close() error
}

// Options configures the Redis connection.
type Options struct {
	Address  string
	Password string
	DB       int
	Channel  string
	RowTTL   time.Duration // Expiry of market hashes, zero keeps them forever
}

// Publisher consumes dispatcher messages and writes them to Redis.
type Publisher struct {
	client  client
	channel string
	rowTTL  time.Duration
	logger  zerolog.Logger
}

// NewRedisPublisher connects to Redis and verifies the connection.
func NewRedisPublisher(ctx context.Context, opts Options) (*Publisher, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Address,
		Password: opts.Password,
		DB:       opts.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return newPublisher(rdb, opts), nil
}

func newPublisher(c client, opts Options) *Publisher {
	return &Publisher{
		client:  c,
		channel: opts.Channel,
		rowTTL:  opts.RowTTL,
		logger:  log.With().Str("component", "redis").Logger(),
	}
}

// Run forwards messages from sub until its channel is closed or ctx is done.
// Write errors are logged and do not stop the loop.
func (p *Publisher) Run(ctx context.Context, sub *service.Subscriber) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.C():
			if !ok {
				return
			}
			if err := p.handle(ctx, msg); err != nil {
				p.logger.Error().Err(err).Str("kind", msg.Kind.String()).Msg("redis write failed")
			}
		}
	}
}

func (p *Publisher) handle(ctx context.Context, msg service.Message) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	switch msg.Kind {
	case service.OpportunityKind:
		return p.PublishOpportunity(ctx, msg.Opportunity)
	case service.SnapshotKind:
		return p.WriteRows(ctx, msg.Rows)
	default:
		return nil
	}
}

// PublishOpportunity publishes op as JSON on the configured channel.
func (p *Publisher) PublishOpportunity(ctx context.Context, op model.Opportunity) error {
	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("failed to marshal opportunity: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish opportunity: %w", err)
	}
	return nil
}

// WriteRows stores every row in its hash using a single pipeline.
func (p *Publisher) WriteRows(ctx context.Context, rows []model.MarketRow) error {
	if len(rows) == 0 {
		return nil
	}
	_, err := p.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		queueRows(ctx, pipe, rows, p.rowTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write market rows: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (p *Publisher) Close() error {
	return p.client.Close()
}

func queueRows(ctx context.Context, pipe redis.Pipeliner, rows []model.MarketRow, ttl time.Duration) []redis.Cmder {
	cmds := make([]redis.Cmder, 0, len(rows))
	for _, row := range rows {
		key := RowKey(row)
		cmds = append(cmds, pipe.HSet(ctx, key, rowFields(row)))
		if ttl > 0 {
			cmds = append(cmds, pipe.Expire(ctx, key, ttl))
		}
	}
	return cmds
}

// RowKey returns the hash key of a market row, e.g. market:binance:BTC-USDT.
func RowKey(row model.MarketRow) string {
	return "market:" + row.Exchange.String() + ":" + row.Pair.String()
}

func rowFields(row model.MarketRow) map[string]interface{} {
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	ts := func(t time.Time) string {
		if t.IsZero() {
			return ""
		}
		return strconv.FormatInt(t.UnixMilli(), 10)
	}
	return map[string]interface{}{
		"spot_bid":           f(row.SpotBid),
		"spot_ask":           f(row.SpotAsk),
		"spot_last":          f(row.SpotLast),
		"futures_bid":        f(row.FuturesBid),
		"futures_ask":        f(row.FuturesAsk),
		"futures_last":       f(row.FuturesLast),
		"funding_rate":       f(row.FundingRate),
		"spot_updated_at":    ts(row.SpotUpdatedAt),
		"futures_updated_at": ts(row.FuturesUpdatedAt),
	}
}

/*
Package main runs the arbitral market monitor.

The server streams best bid/ask, ticker and funding data from the configured
exchanges, evaluates spot-futures, futures-futures and spot-spot spreads on
every update and signals opportunities whose net spread clears the configured
threshold. Opportunities go to the console, an append-only log file,
optionally Postgres and Redis. A gRPC health service reports the state of
every exchange connection.

Usage:

	go run ./cmd/server -config=configs/arbitral.yaml -env=.env

SIGHUP reloads the arbitrage settings (thresholds, strategy gates, fees,
blacklist) and the log level from the configuration file without restarting.
Pair and exchange changes need a restart.
*/
package main

import (
	"context"
	"flag"
	"net"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"arbitral/internal/arbitrage"
	"arbitral/internal/config"
	"arbitral/internal/exchange"
	"arbitral/internal/model"
	"arbitral/internal/monitor"
	"arbitral/internal/publish"
	"arbitral/internal/service"
	"arbitral/internal/signal"
	"arbitral/internal/store"
	"arbitral/internal/websocket"
)

// Command-line flags for configuring the server behavior
var (
	// configPath points at the YAML configuration file
	configPath = flag.String("config", "configs/arbitral.yaml", "Path to the configuration file")
	// envFile is loaded into the environment before the configuration, if present
	envFile = flag.String("env", ".env", "Optional .env file")
)

func main() {
	flag.Parse()

	// Initialize structured logger; the level is applied once the config is read
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	if err := config.LoadEnv(*envFile); err != nil {
		log.Fatal().Err(err).Msg("failed to load env file")
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *configPath).Msg("invalid configuration")
	}
	setLogLevel(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	healthServer := health.NewServer()

	app, err := newApp(ctx, cfg, healthServer)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize")
	}

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to listen")
	}

	// Keepalive settings for long-lived health watch streams
	s := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle: 5 * time.Minute,
			MaxConnectionAge:  30 * time.Minute,
			Time:              20 * time.Second,
			Timeout:           10 * time.Second,
		}),
	)
	grpc_health_v1.RegisterHealthServer(s, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)

	// Connecting blocks until every exchange answered its first dial, so it
	// runs next to the gRPC server instead of before it.
	go func() {
		if err := app.monitor.Start(ctx); err != nil {
			log.Error().Err(err).Msg("failed to start monitor")
		}
	}()

	// SIGHUP reloads the live settings, SIGINT and SIGTERM shut down
	sig := make(chan os.Signal, 1)
	ossignal.Notify(sig, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		for received := range sig {
			if received == syscall.SIGHUP {
				reload(*configPath, app.live)
				continue
			}
			log.Info().Msg("initiating graceful shutdown")
			healthServer.Shutdown()
			app.shutdown()
			cancel()
			s.GracefulStop()
			lis.Close()
			return
		}
	}()

	log.Info().
		Str("addr", cfg.GRPCAddr).
		Strs("pairs", cfg.Pairs).
		Int("exchanges", len(app.connectors)).
		Float64("min_profit_pct", cfg.Arbitrage.MinProfitPct).
		Msg("server starting")

	if err := s.Serve(lis); err != nil {
		log.Fatal().Err(err).Msg("failed to serve")
	}
}

// app holds the running components in shutdown order.
type app struct {
	live       *config.Live
	connectors []*exchange.Connector
	monitor    *monitor.Monitor
	signaler   *signal.Signaler
	publisher  *publish.Publisher
}

// newApp builds the pipeline:
// connectors -> monitor -> store -> engine -> signaler -> sinks, and
// engine cycle -> dispatcher -> redis.
func newApp(ctx context.Context, cfg *config.Config, hs *health.Server) (*app, error) {
	pairs, err := cfg.ParsedPairs()
	if err != nil {
		return nil, err
	}

	dispatcher := service.NewDispatcher(service.DispatcherConfig{MaxSymbolsAllowed: len(pairs)})
	if err := dispatcher.StartDispatching(ctx); err != nil {
		return nil, err
	}

	a := &app{live: config.NewLive(cfg.Runtime())}

	a.connectors, err = newConnectors(cfg)
	if err != nil {
		return nil, err
	}
	exchanges := make([]model.Exchange, 0, len(a.connectors))
	monitored := make([]monitor.Connector, 0, len(a.connectors))
	for _, c := range a.connectors {
		watchHealth(hs, c)
		exchanges = append(exchanges, c.Exchange())
		monitored = append(monitored, c)
	}

	a.signaler = signal.New(signal.Config{
		Cooldown:   signalCooldown(cfg.Signal.Cooldown),
		BufferSize: cfg.Signal.BufferSize,
		QueueSize:  cfg.Signal.QueueSize,
	}, newSinks(ctx, cfg, dispatcher)...)

	st := store.New()
	engine := arbitrage.NewEngine(st, a.live, a.signaler, pairs, exchanges)
	engine.SetCycleHook(monitor.BroadcastTo(dispatcher))
	a.monitor = monitor.New(st, monitored, engine, pairs)

	if cfg.Redis.Enabled {
		a.publisher = startPublisher(ctx, cfg.Redis, dispatcher)
	}
	return a, nil
}

// newConnectors creates one connector per enabled exchange.
func newConnectors(cfg *config.Config) ([]*exchange.Connector, error) {
	enabled := cfg.EnabledExchanges()
	connectors := make([]*exchange.Connector, 0, len(enabled))
	for _, ec := range enabled {
		c, err := exchange.New(ec.Exchange(), &exchange.ExchangeConfig{
			SpotURL:    ec.SpotURL,
			FuturesURL: ec.FuturesURL,
			MaxSymbols: ec.MaxSymbols,
			PingPeriod: cfg.Reconnect.PingInterval,
			Backoff: websocket.Backoff{
				BaseDelay:   cfg.Reconnect.BaseDelay,
				MaxDelay:    cfg.Reconnect.MaxDelay,
				MaxAttempts: cfg.Reconnect.MaxAttempts,
			},
		})
		if err != nil {
			log.Error().Err(err).Str("exchange", ec.Name).Msg("failed to create connector")
			return nil, err
		}
		connectors = append(connectors, c)
	}
	return connectors, nil
}

// newSinks assembles the opportunity sinks. Optional sinks that cannot be
// opened are skipped with an error log.
func newSinks(ctx context.Context, cfg *config.Config, b signal.Broadcaster) []signal.Sink {
	sinks := []signal.Sink{signal.NewBroadcastSink(b)}

	if cfg.Signal.Console {
		sinks = append(sinks, signal.NewLogSink(log.With().Str("component", "opportunities").Logger()))
	}

	if cfg.Signal.LogFile != "" {
		fileSink, err := signal.NewFileSink(cfg.Signal.LogFile)
		if err != nil {
			log.Error().Err(err).Str("path", cfg.Signal.LogFile).Msg("opportunity log disabled")
		} else {
			sinks = append(sinks, fileSink)
		}
	}

	if cfg.Postgres.Enabled {
		db, err := signal.OpenPostgres(ctx, cfg.Postgres.DSN)
		if err != nil {
			log.Error().Err(err).Msg("postgres sink disabled")
			return sinks
		}
		pgSink := signal.NewPostgresSink(db)
		if err := pgSink.InitSchema(ctx); err != nil {
			log.Error().Err(err).Msg("postgres sink disabled")
			pgSink.Close()
			return sinks
		}
		sinks = append(sinks, pgSink)
	}
	return sinks
}

// startPublisher subscribes a redis publisher to every dispatcher message.
func startPublisher(ctx context.Context, cfg config.RedisConfig, d *service.Dispatcher) *publish.Publisher {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	p, err := publish.NewRedisPublisher(dialCtx, publish.Options{
		Address:  cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		Channel:  cfg.Channel,
		RowTTL:   cfg.RowTTL,
	})
	if err != nil {
		log.Error().Err(err).Str("addr", cfg.Address).Msg("redis publishing disabled")
		return nil
	}

	sub, err := d.Subscribe([]service.Kind{service.OpportunityKind, service.SnapshotKind})
	if err != nil {
		log.Error().Err(err).Msg("redis publishing disabled")
		p.Close()
		return nil
	}
	go p.Run(ctx, sub)
	return p
}

// watchHealth reports every connection of c as service "<exchange>/<segment>".
func watchHealth(hs *health.Server, c *exchange.Connector) {
	ex := c.Exchange()
	for _, seg := range c.Segments() {
		hs.SetServingStatus(serviceName(ex, seg), grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	}
	c.OnStateChange(func(seg model.Segment, state websocket.State) {
		status := grpc_health_v1.HealthCheckResponse_NOT_SERVING
		if state == websocket.Connected {
			status = grpc_health_v1.HealthCheckResponse_SERVING
		}
		hs.SetServingStatus(serviceName(ex, seg), status)
		log.Info().Str("exchange", ex.String()).Str("segment", seg.String()).
			Str("state", state.String()).Msg("connection state changed")
	})
}

func serviceName(ex model.Exchange, seg model.Segment) string {
	return ex.String() + "/" + seg.String()
}

func (a *app) shutdown() {
	a.monitor.Stop()
	if err := a.signaler.Close(); err != nil {
		log.Error().Err(err).Msg("failed to close signaler")
	}
	if a.publisher != nil {
		a.publisher.Close()
	}
}

// reload applies the reloadable settings of the configuration file. An
// invalid file leaves the running settings untouched.
func reload(path string, live *config.Live) {
	cfg, err := config.Load(path)
	if err != nil {
		log.Error().Err(err).Msg("reload failed, keeping current settings")
		return
	}
	live.Store(cfg.Runtime())
	setLogLevel(cfg.LogLevel)
	log.Info().
		Float64("min_profit_pct", cfg.Arbitrage.MinProfitPct).
		Dur("evaluation_interval", cfg.Arbitrage.EvaluationInterval).
		Msg("settings reloaded")
}

func setLogLevel(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

// signalCooldown maps a configured zero to "no cooldown"; the signaler
// treats zero as its default.
func signalCooldown(d time.Duration) time.Duration {
	if d == 0 {
		return -1
	}
	return d
}

/*
Package main implements a client that follows a running arbitral server.

It watches the server's gRPC health service for the exchange connections
given with -services and prints every opportunity published on the Redis
channel, optionally filtered by pair.

Usage:

	go run ./cmd/client -addr=localhost:50051 -redis=localhost:6379 -pairs=BTC-USDT,ETH-USDT

The client runs until interrupted.
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"

	"arbitral/internal/model"
	arbsignal "arbitral/internal/signal"
	"arbitral/internal/utils"
)

// Command-line flags for configuring the client
var (
	// serverAddr is the gRPC address of the server's health service
	serverAddr = flag.String("addr", "localhost:50051", "The server address in the format host:port")
	// services lists the health services to watch, "<exchange>/<segment>"
	services = flag.String("services", "binance/spot,binance/futures,okx/spot,okx/futures", "Comma-separated health services to watch")
	// redisAddr is the Redis instance the server publishes to
	redisAddr = flag.String("redis", "localhost:6379", "Redis address")
	// channel is the pub/sub channel carrying opportunities
	channel = flag.String("channel", "arbitral:opportunities", "Redis channel")
	// pairs optionally restricts the printed opportunities
	pairs = flag.String("pairs", "", "Comma-separated pairs to print, empty prints all")
)

func main() {
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		Level(zerolog.InfoLevel).With().Timestamp().Logger()

	filter, err := validateConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Configuration error")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info().Msg("received shutdown signal")
		cancel()
	}()

	// Insecure credentials, the health service carries no secrets
	conn, err := grpc.NewClient(*serverAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatal().Err(err).Msg("did not connect")
	}
	defer conn.Close()

	health := grpc_health_v1.NewHealthClient(conn)
	for _, name := range strings.Split(*services, ",") {
		go watchService(ctx, log, health, strings.TrimSpace(name))
	}

	rdb := redis.NewClient(&redis.Options{Addr: *redisAddr})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Str("addr", *redisAddr).Msg("could not reach redis")
	}

	pubsub := rdb.Subscribe(ctx, *channel)
	defer pubsub.Close()
	log.Info().Str("channel", *channel).Msg("listening for opportunities")

	// Main receive loop, ends when the context is cancelled
	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Fatal().Err(err).Msg("failed to receive opportunity")
		}

		var op model.Opportunity
		if err := json.Unmarshal([]byte(msg.Payload), &op); err != nil {
			log.Error().Err(err).Msg("malformed opportunity")
			continue
		}
		if len(filter) > 0 {
			if _, ok := filter[op.Pair]; !ok {
				continue
			}
		}
		fmt.Println(arbsignal.FormatLine(op))
	}
}

// watchService logs every status change of a health service until ctx is
// done. A broken stream is re-opened after a short pause.
func watchService(ctx context.Context, log zerolog.Logger, client grpc_health_v1.HealthClient, name string) {
	for ctx.Err() == nil {
		stream, err := client.Watch(ctx, &grpc_health_v1.HealthCheckRequest{Service: name})
		if err == nil {
			for {
				resp, recvErr := stream.Recv()
				if recvErr != nil {
					err = recvErr
					break
				}
				log.Info().Str("service", name).Str("status", resp.GetStatus().String()).Msg("connection status")
			}
		}
		if ctx.Err() != nil {
			return
		}
		log.Warn().Err(err).Str("service", name).Msg("health watch interrupted")

		select {
		case <-ctx.Done():
		case <-time.After(2 * time.Second):
		}
	}
}

// validateConfig checks the flags and returns the pair filter.
func validateConfig() (map[model.Pair]struct{}, error) {
	if *serverAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if *redisAddr == "" || *channel == "" {
		return nil, fmt.Errorf("redis address and channel cannot be empty")
	}
	if *pairs == "" {
		return nil, nil
	}

	parsed, err := utils.ValidatePairs(strings.Split(*pairs, ","), 200)
	if err != nil {
		return nil, err
	}
	filter := make(map[model.Pair]struct{}, len(parsed))
	for _, p := range parsed {
		filter[p] = struct{}{}
	}
	return filter, nil
}

// Package exchange provides cryptocurrency exchange connectors for real-time market data.
//
// This file contains shared utilities, configuration structures, and validation functions
// used across all exchange connector implementations. It provides a common foundation
// for configuration management, error handling and decoding helpers.
package exchange

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"arbitral/internal/model"
	"arbitral/internal/utils"
	"arbitral/internal/websocket"
)

var (
	// ErrInvalidConfig indicates that the provided ExchangeConfig contains invalid values.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrCapabilityNotImplemented is returned by operations an exchange cannot serve
	// over its streaming API, such as REST snapshots.
	ErrCapabilityNotImplemented = errors.New("capability not implemented")

	// ErrUnsupportedSegment indicates a segment the connector has no endpoint for.
	ErrUnsupportedSegment = errors.New("unsupported segment")

	// ErrUnknownChannel indicates a data frame from a channel the decoder does not handle.
	ErrUnknownChannel = errors.New("unknown channel")

	// ErrExchangeError indicates an error frame sent by the exchange.
	ErrExchangeError = errors.New("exchange error")
)

// ExchangeConfig provides common configuration parameters for all exchange connectors.
//
// This structure standardizes configuration across different cryptocurrency exchanges,
// ensuring consistent behavior and easy management of connection parameters.
type ExchangeConfig struct {
	// SpotURL is the WebSocket endpoint URL for the spot market.
	SpotURL string

	// FuturesURL is the WebSocket endpoint URL for the perpetual futures market.
	FuturesURL string

	// MaxSymbols is the maximum number of trading pairs that can be subscribed to per segment.
	MaxSymbols int

	// PingPeriod is the heartbeat interval. Zero uses the client default.
	PingPeriod time.Duration

	// Backoff configures reconnection. Zero fields use the client defaults.
	Backoff websocket.Backoff
}

// URL returns the endpoint configured for seg.
func (c ExchangeConfig) URL(seg model.Segment) string {
	switch seg {
	case model.Spot:
		return c.SpotURL
	case model.Futures:
		return c.FuturesURL
	default:
		return ""
	}
}

// validateConfig ensures all required configuration fields are present and valid,
// applying sensible defaults for optional fields when possible.
func validateConfig(cfg *ExchangeConfig, defaultCfg *ExchangeConfig) error {
	// Apply defaults for optional fields
	if cfg.SpotURL == "" {
		cfg.SpotURL = defaultCfg.SpotURL
	}

	if cfg.FuturesURL == "" {
		cfg.FuturesURL = defaultCfg.FuturesURL
	}

	if cfg.MaxSymbols <= 0 {
		cfg.MaxSymbols = defaultCfg.MaxSymbols
	}

	for _, u := range []string{cfg.SpotURL, cfg.FuturesURL} {
		if !strings.HasPrefix(u, "ws://") && !strings.HasPrefix(u, "wss://") {
			return fmt.Errorf("endpoint %q must use ws:// or wss://", u)
		}
	}

	if cfg.PingPeriod < 0 {
		return fmt.Errorf("ping period must not be negative, got %s", cfg.PingPeriod)
	}

	// All validations passed
	return nil
}

// millis converts an exchange millisecond timestamp. Missing values yield the
// zero time, which the store replaces with the local observation time.
func millis(n utils.Number) time.Time {
	if !n.Valid || n.Value <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(int64(n.Value))
}

// bestLevels normalizes both book sides and orders them best first.
func bestLevels(rawBids, rawAsks []byte) (bids, asks []model.Level) {
	bids = utils.ParseLevels(rawBids)
	asks = utils.ParseLevels(rawAsks)
	utils.SortLevels(bids, true)
	utils.SortLevels(asks, false)
	return bids, asks
}

// chunk splits items into groups of at most size elements.
func chunk[T any](items []T, size int) [][]T {
	if size <= 0 {
		size = len(items)
	}
	var out [][]T
	for len(items) > size {
		out = append(out, items[:size])
		items = items[size:]
	}
	if len(items) > 0 {
		out = append(out, items)
	}
	return out
}

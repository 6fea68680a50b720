// Package utils provides common utility functions for data validation and normalization.
//
// This package contains utilities for working with cryptocurrency market data,
// including validating trading pair symbols, parsing exchange-native numeric
// fields safely and normalizing order book levels.
package utils

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"arbitral/internal/model"
)

// Error definitions for validation functions
var (
	ErrNoSymbols      = errors.New("zero symbols requested")
	ErrTooManySymbols = errors.New("too many symbols requested")
)

// QuoteAssetSet contains the supported quote assets for trading pairs.
// This map is used for O(1) lookup performance when validating symbols.
var QuoteAssetSet = map[string]bool{
	"USDT":  true, // Tether USD
	"USDC":  true, // USD Coin
	"FDUSD": true, // First Digital USD
	"BTC":   true, // Bitcoin
	"ETH":   true, // Ethereum
}

// supportedQuotesCache is a pre-computed string of supported quote assets
// to avoid rebuilding this string on every validation error.
var supportedQuotesCache = getSupportedQuotes(QuoteAssetSet)

// quotesBySuffixLength lists quote assets longest first, so that "FDUSD"
// wins over "USD"-like shorter suffixes when splitting concatenated symbols.
var quotesBySuffixLength = sortedQuotes(QuoteAssetSet)

// ValidateSymbol validates that a trading pair symbol follows the expected format
// and uses a supported quote asset.
//
// The expected format is "BASE-QUOTE" where:
//   - BASE is the base asset (e.g., "BTC", "ETH")
//   - QUOTE is the quote asset and must be one of the supported quote assets
//
// The validation is case-insensitive.
func ValidateSymbol(symbol string) error {
	if symbol == "" {
		return errors.New("symbol cannot be empty")
	}

	parts := strings.Split(symbol, "-")
	if len(parts) != 2 {
		return fmt.Errorf("invalid symbol format: expected BASE-QUOTE, got %q", symbol)
	}

	if len(parts[0]) == 0 {
		return errors.New("base asset cannot be empty")
	}

	if len(parts[1]) == 0 {
		return errors.New("quote asset cannot be empty")
	}

	quote := strings.ToUpper(parts[1])
	if !QuoteAssetSet[quote] {
		return fmt.Errorf("unsupported quote asset: %s (supported: %s)",
			quote, supportedQuotesCache)
	}

	return nil
}

// ValidatePairs validates a slice of trading pair symbols, enforces quantity
// limits and returns the parsed pairs in input order with duplicates removed.
func ValidatePairs(symbols []string, maxAllowed int) ([]model.Pair, error) {
	if len(symbols) == 0 {
		return nil, ErrNoSymbols
	}

	if maxAllowed <= 0 {
		return nil, fmt.Errorf("%w: max allowed must be positive, got %d",
			ErrTooManySymbols, maxAllowed)
	}

	if len(symbols) > maxAllowed {
		return nil, fmt.Errorf("%w: requested %d symbols, maximum allowed %d",
			ErrTooManySymbols, len(symbols), maxAllowed)
	}

	pairs := make([]model.Pair, 0, len(symbols))
	seen := make(map[model.Pair]struct{}, len(symbols))
	for i, symbol := range symbols {
		if err := ValidateSymbol(symbol); err != nil {
			return nil, fmt.Errorf("invalid symbol at index %d (%q): %w", i, symbol, err)
		}
		p, err := model.ParsePair(symbol)
		if err != nil {
			return nil, fmt.Errorf("invalid symbol at index %d (%q): %w", i, symbol, err)
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		pairs = append(pairs, p)
	}

	return pairs, nil
}

// SplitSymbol converts a concatenated exchange symbol ("BTCUSDT", "btcusdt")
// into a canonical pair by matching a supported quote asset suffix.
func SplitSymbol(symbol string) (model.Pair, bool) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	for _, quote := range quotesBySuffixLength {
		if len(s) > len(quote) && strings.HasSuffix(s, quote) {
			return model.NewPair(s[:len(s)-len(quote)], quote), true
		}
	}
	return model.Pair{}, false
}

// SortLevels orders book levels best first: descending for bids, ascending for asks.
func SortLevels(levels []model.Level, bids bool) {
	sort.SliceStable(levels, func(i, j int) bool {
		if bids {
			return levels[i].Price > levels[j].Price
		}
		return levels[i].Price < levels[j].Price
	})
}

// getSupportedQuotes builds a comma-separated string of supported quote assets
// from the provided quote asset set. This function is used to generate
// user-friendly error messages.
func getSupportedQuotes(quoteAssetSet map[string]bool) string {
	return strings.Join(sortedQuotes(quoteAssetSet), ", ")
}

func sortedQuotes(quoteAssetSet map[string]bool) []string {
	keys := make([]string, 0, len(quoteAssetSet))
	for k := range quoteAssetSet {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	return keys
}

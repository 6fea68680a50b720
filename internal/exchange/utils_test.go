package exchange

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arbitral/internal/model"
	"arbitral/internal/utils"
)

func TestValidateConfig(t *testing.T) {
	defaultCfg := &ExchangeConfig{
		SpotURL:    "wss://default.com/spot",
		FuturesURL: "wss://default.com/futures",
		MaxSymbols: 10,
	}

	tests := []struct {
		name      string
		config    *ExchangeConfig
		wantError bool
	}{
		{
			name: "valid config",
			config: &ExchangeConfig{
				SpotURL:    "wss://test.com/spot",
				FuturesURL: "ws://localhost:8080/futures",
				MaxSymbols: 5,
			},
		},
		{
			name:   "empty URLs use defaults",
			config: &ExchangeConfig{MaxSymbols: 5},
		},
		{
			name:   "zero MaxSymbols uses default",
			config: &ExchangeConfig{SpotURL: "wss://test.com"},
		},
		{
			name:   "negative MaxSymbols uses default",
			config: &ExchangeConfig{MaxSymbols: -1},
		},
		{
			name:      "http scheme rejected",
			config:    &ExchangeConfig{SpotURL: "https://test.com"},
			wantError: true,
		},
		{
			name:      "negative ping period rejected",
			config:    &ExchangeConfig{PingPeriod: -time.Second},
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spotWasEmpty := tt.config.SpotURL == ""
			err := validateConfig(tt.config, defaultCfg)

			if tt.wantError {
				assert.Error(t, err)
				return
			}

			assert.NoError(t, err)
			if spotWasEmpty {
				assert.Equal(t, defaultCfg.SpotURL, tt.config.SpotURL)
			}
			assert.NotEmpty(t, tt.config.FuturesURL)
			assert.Greater(t, tt.config.MaxSymbols, 0)
		})
	}
}

func TestErrorConstants(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{name: "ErrInvalidConfig", err: ErrInvalidConfig, expected: "invalid configuration"},
		{name: "ErrCapabilityNotImplemented", err: ErrCapabilityNotImplemented, expected: "capability not implemented"},
		{name: "ErrUnsupportedSegment", err: ErrUnsupportedSegment, expected: "unsupported segment"},
		{name: "ErrUnknownChannel", err: ErrUnknownChannel, expected: "unknown channel"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())

			wrapped := fmt.Errorf("%w: details", tt.err)
			assert.True(t, errors.Is(wrapped, tt.err))
		})
	}
}

func TestMillis(t *testing.T) {
	assert.True(t, millis(utils.Number{}).IsZero())
	assert.True(t, millis(utils.Number{Value: -5, Valid: true}).IsZero())
	assert.Equal(t, time.UnixMilli(1700000000123), millis(utils.ParseNumber("1700000000123")))
}

func TestBestLevels(t *testing.T) {
	bids, asks := bestLevels(
		[]byte(`[["99","1"],["101","2"],["100","3"]]`),
		[]byte(`{"103":"1","102":"2"}`),
	)
	require.Len(t, bids, 3)
	require.Len(t, asks, 2)
	assert.Equal(t, model.Level{Price: 101, Size: 2}, bids[0])
	assert.Equal(t, model.Level{Price: 102, Size: 2}, asks[0])
}

func TestChunk(t *testing.T) {
	assert.Equal(t, [][]int{{1, 2}, {3, 4}, {5}}, chunk([]int{1, 2, 3, 4, 5}, 2))
	assert.Equal(t, [][]int{{1, 2}}, chunk([]int{1, 2}, 5))
	assert.Equal(t, [][]int{{1, 2}}, chunk([]int{1, 2}, 0))
	assert.Nil(t, chunk([]int{}, 3))
}

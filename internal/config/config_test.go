package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arbitral/internal/model"
)

const sampleConfig = `
log_level: debug
pairs: [BTC-USDT, eth-usdt, BTC-USDT]
exchanges:
  - name: binance
    enabled: true
    fees: {spot_maker: 0.001, futures_maker: 0.0002}
  - name: gateio
    enabled: false
    max_symbols: 20
arbitrage:
  min_profit_pct: 0.25
  evaluation_interval: 250ms
  enable_spot_spot: true
  blacklist: [" luna "]
reconnect:
  base_delay: 2s
redis:
  row_ttl: 90s
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "arbitral.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

// Test_Load tests decoding on top of defaults
func Test_Load(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, ":50051", cfg.GRPCAddr, "default kept")
	assert.Equal(t, 0.25, cfg.Arbitrage.MinProfitPct)
	assert.Equal(t, -15.0, cfg.Arbitrage.SanityFloorPct, "default kept")
	assert.Equal(t, 250*time.Millisecond, cfg.Arbitrage.EvaluationInterval)
	assert.True(t, cfg.Arbitrage.EnableSpotFutures, "spot-futures is on unless disabled")
	assert.True(t, cfg.Arbitrage.EnableSpotSpot)
	assert.Equal(t, 2*time.Second, cfg.Reconnect.BaseDelay)
	assert.Equal(t, 30*time.Second, cfg.Reconnect.MaxDelay)
	assert.Equal(t, 5*time.Second, cfg.Signal.Cooldown)
	assert.Equal(t, 50, cfg.Signal.BufferSize)
	assert.Equal(t, 90*time.Second, cfg.Redis.RowTTL)
	assert.Equal(t, "arbitral:opportunities", cfg.Redis.Channel, "default kept beside the file's redis keys")

	pairs, err := cfg.ParsedPairs()
	require.NoError(t, err)
	assert.Equal(t, []model.Pair{model.NewPair("BTC", "USDT"), model.NewPair("ETH", "USDT")}, pairs)

	enabled := cfg.EnabledExchanges()
	require.Len(t, enabled, 1)
	assert.Equal(t, model.BinanceExchange, enabled[0].Exchange())
	assert.Equal(t, model.GateExchange, cfg.Exchanges[1].Exchange())
}

// Test_Load_Errors tests rejection of invalid files
func Test_Load_Errors(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		description string
	}{
		{
			name:        "No pairs",
			body:        "exchanges: [{name: okx, enabled: true}]",
			description: "Should require at least one pair",
		},
		{
			name:        "Unknown exchange",
			body:        "pairs: [BTC-USDT]\nexchanges: [{name: kraken, enabled: true}]",
			description: "Should reject exchanges without a connector",
		},
		{
			name:        "Duplicate exchange",
			body:        "pairs: [BTC-USDT]\nexchanges: [{name: gate}, {name: gateio}]",
			description: "Should reject an exchange configured twice under an alias",
		},
		{
			name:        "Bad pair",
			body:        "pairs: [BTCUSDT]\nexchanges: [{name: okx}]",
			description: "Should require BASE-QUOTE symbols",
		},
		{
			name:        "Unsupported quote",
			body:        "pairs: [BTC-XYZ]\nexchanges: [{name: okx}]",
			description: "Should reject unknown quote assets",
		},
		{
			name:        "Negative fee",
			body:        "pairs: [BTC-USDT]\nexchanges: [{name: okx, fees: {spot_maker: -0.1}}]",
			description: "Should reject negative fees",
		},
		{
			name:        "Positive sanity floor",
			body:        "pairs: [BTC-USDT]\nexchanges: [{name: okx}]\narbitrage: {sanity_floor_pct: 5}",
			description: "Should require a negative sanity floor",
		},
		{
			name:        "Redis without address",
			body:        "pairs: [BTC-USDT]\nexchanges: [{name: okx}]\nredis: {enabled: true, address: ''}",
			description: "Should require an address when redis is enabled",
		},
		{
			name:        "Negative row ttl",
			body:        "pairs: [BTC-USDT]\nexchanges: [{name: okx}]\nredis: {row_ttl: -1s}",
			description: "Should reject a negative expiry for market hashes",
		},
		{
			name:        "Max delay below base",
			body:        "pairs: [BTC-USDT]\nexchanges: [{name: okx}]\nreconnect: {base_delay: 10s, max_delay: 1s}",
			description: "Should keep the backoff cap above the base delay",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.body))
			assert.ErrorIs(t, err, ErrInvalidConfig, tt.description)
		})
	}

	_, err := Parse([]byte("pairs: [unterminated"))
	assert.Error(t, err, "malformed YAML")

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

// Test_EnvOverrides tests environment precedence over the file
func Test_EnvOverrides(t *testing.T) {
	t.Setenv("ARBITRAL_MIN_PROFIT_PCT", "0.5")
	t.Setenv("ARBITRAL_REDIS_ADDR", "redis:6379")
	t.Setenv("ARBITRAL_POSTGRES_DSN", "postgres://localhost/arbitral?sslmode=disable")
	t.Setenv("ARBITRAL_LOG_LEVEL", "WARN")

	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, 0.5, cfg.Arbitrage.MinProfitPct)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "redis:6379", cfg.Redis.Address)
	assert.True(t, cfg.Postgres.Enabled)
	assert.Equal(t, "warn", cfg.LogLevel)

	t.Setenv("ARBITRAL_MIN_PROFIT_PCT", "lots")
	_, err = Load(writeConfig(t, sampleConfig))
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

// Test_LoadEnv tests .env loading
func Test_LoadEnv(t *testing.T) {
	assert.NoError(t, LoadEnv(filepath.Join(t.TempDir(), ".env")), "a missing file is fine")

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("ARBITRAL_TEST_LOADENV=yes\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("ARBITRAL_TEST_LOADENV") })

	require.NoError(t, LoadEnv(path))
	assert.Equal(t, "yes", os.Getenv("ARBITRAL_TEST_LOADENV"))
}

// Test_Runtime tests extraction of the reloadable settings
func Test_Runtime(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)

	rt := cfg.Runtime()
	assert.Equal(t, 0.001, rt.Fee(model.BinanceExchange, model.Spot))
	assert.Equal(t, 0.0002, rt.Fee(model.BinanceExchange, model.Futures))
	assert.Equal(t, 0.0, rt.Fee(model.OkxExchange, model.Spot), "unconfigured exchange pays nothing")
	assert.True(t, rt.Blacklisted("LUNA"))
	assert.True(t, rt.Blacklisted("luna"))
	assert.False(t, rt.Blacklisted("BTC"))
	assert.True(t, rt.Enabled(model.SpotFutures))
	assert.False(t, rt.Enabled(model.FuturesFutures))
	assert.True(t, rt.Enabled(model.SpotSpot))
}

// Test_Live tests copy-on-write semantics
func Test_Live(t *testing.T) {
	rt := Runtime{
		MinProfitPct: 0.1,
		Fees:         map[model.Exchange]model.FeeSchedule{model.OkxExchange: {SpotMaker: 0.0008}},
	}
	live := NewLive(rt)

	rt.Fees[model.OkxExchange] = model.FeeSchedule{SpotMaker: 1}
	assert.Equal(t, 0.0008, live.Load().Fee(model.OkxExchange, model.Spot), "stored settings do not alias the caller's maps")

	before := live.Load()
	live.Update(func(r *Runtime) {
		r.MinProfitPct = 0.3
		r.Blacklist["DOGE"] = struct{}{}
	})
	assert.Equal(t, 0.1, before.MinProfitPct, "published settings are never mutated")
	assert.False(t, before.Blacklisted("DOGE"))
	assert.Equal(t, 0.3, live.Load().MinProfitPct)
	assert.True(t, live.Load().Blacklisted("DOGE"))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			live.Update(func(r *Runtime) { r.MinProfitPct += 1 })
		}()
	}
	wg.Wait()
	assert.InDelta(t, 50.3, live.Load().MinProfitPct, 1e-9, "no update may be lost")
}

// Test_Live_BlacklistCase tests that blacklist tokens match regardless of how they were published
func Test_Live_BlacklistCase(t *testing.T) {
	live := NewLive(Runtime{Blacklist: map[string]struct{}{"luna": {}, " ust ": {}, "": {}}})
	assert.True(t, live.Load().Blacklisted("LUNA"))
	assert.True(t, live.Load().Blacklisted("UST"))
	assert.Len(t, live.Load().Blacklist, 2, "empty tokens are dropped")

	live.Update(func(r *Runtime) { r.Blacklist["doge"] = struct{}{} })
	assert.True(t, live.Load().Blacklisted("DOGE"))
	assert.True(t, live.Load().Blacklisted("doge"))
	assert.True(t, live.Load().Blacklisted("LUNA"))
}

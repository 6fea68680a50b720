// Package config loads process configuration and exposes the settings that
// can change while the process runs.
//
// Configuration is read from a YAML file, optionally preceded by a .env file,
// and selected values can be overridden from the environment:
//
//	ARBITRAL_MIN_PROFIT_PCT   arbitrage.min_profit_pct
//	ARBITRAL_REDIS_ADDR       redis.address (also enables redis)
//	ARBITRAL_POSTGRES_DSN     postgres.dsn (also enables postgres)
//	ARBITRAL_LOG_LEVEL        log_level
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"arbitral/internal/model"
	"arbitral/internal/utils"
)

// maxPairs bounds the monitored pair set.
const maxPairs = 200

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the root of the configuration file.
type Config struct {
	LogLevel  string           `yaml:"log_level" validate:"oneof=trace debug info warn error"`
	GRPCAddr  string           `yaml:"grpc_addr" validate:"required"`
	Pairs     []string         `yaml:"pairs" validate:"required,min=1"`
	Exchanges []ExchangeConfig `yaml:"exchanges" validate:"required,min=1,dive"`
	Arbitrage ArbitrageConfig  `yaml:"arbitrage"`
	Reconnect ReconnectConfig  `yaml:"reconnect"`
	Signal    SignalConfig     `yaml:"signal"`
	Redis     RedisConfig      `yaml:"redis"`
	Postgres  PostgresConfig   `yaml:"postgres"`
}

// ExchangeConfig configures one exchange connector.
type ExchangeConfig struct {
	Name       string    `yaml:"name" validate:"required,oneof=binance okx gate gateio bybit"`
	Enabled    bool      `yaml:"enabled"`
	SpotURL    string    `yaml:"spot_url" validate:"omitempty,url"`
	FuturesURL string    `yaml:"futures_url" validate:"omitempty,url"`
	MaxSymbols int       `yaml:"max_symbols" validate:"gte=0"`
	Fees       FeeConfig `yaml:"fees"`
}

// FeeConfig holds maker fee fractions, e.g. 0.001 for 0.1%.
type FeeConfig struct {
	SpotMaker    float64 `yaml:"spot_maker" validate:"gte=0,lt=1"`
	FuturesMaker float64 `yaml:"futures_maker" validate:"gte=0,lt=1"`
}

// ArbitrageConfig holds the engine settings. All of them can be reloaded.
type ArbitrageConfig struct {
	MinProfitPct         float64       `yaml:"min_profit_pct"`
	SanityFloorPct       float64       `yaml:"sanity_floor_pct" validate:"lt=0"`
	EvaluationInterval   time.Duration `yaml:"evaluation_interval" validate:"gte=0"`
	EnableSpotFutures    bool          `yaml:"enable_spot_futures"`
	EnableFuturesFutures bool          `yaml:"enable_futures_futures"`
	EnableSpotSpot       bool          `yaml:"enable_spot_spot"`
	Blacklist            []string      `yaml:"blacklist"`
	Verbose              bool          `yaml:"verbose"`
}

// ReconnectConfig holds the websocket reconnect policy.
type ReconnectConfig struct {
	BaseDelay    time.Duration `yaml:"base_delay" validate:"gt=0"`
	MaxDelay     time.Duration `yaml:"max_delay" validate:"gtefield=BaseDelay"`
	MaxAttempts  int           `yaml:"max_attempts" validate:"gt=0"`
	PingInterval time.Duration `yaml:"ping_interval" validate:"gt=0"`
}

// SignalConfig configures the opportunity signaler and its sinks.
type SignalConfig struct {
	Cooldown   time.Duration `yaml:"cooldown" validate:"gte=0"`
	BufferSize int           `yaml:"buffer_size" validate:"gt=0"`
	QueueSize  int           `yaml:"queue_size" validate:"gt=0"`
	Console    bool          `yaml:"console"`
	LogFile    string        `yaml:"log_file"`
}

// RedisConfig configures the redis push channel.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Address  string `yaml:"address" validate:"required_if=Enabled true"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"gte=0"`
	Channel  string `yaml:"channel" validate:"required_if=Enabled true"`
	// RowTTL expires the per-market hashes, zero keeps them until overwritten
	RowTTL time.Duration `yaml:"row_ttl" validate:"gte=0"`
}

// PostgresConfig configures the persistent opportunity log.
type PostgresConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn" validate:"required_if=Enabled true"`
}

// Default returns a configuration with every optional value set.
func Default() Config {
	return Config{
		LogLevel: "info",
		GRPCAddr: ":50051",
		Arbitrage: ArbitrageConfig{
			MinProfitPct:       0.1,
			SanityFloorPct:     -15,
			EvaluationInterval: 500 * time.Millisecond,
			EnableSpotFutures:  true,
		},
		Reconnect: ReconnectConfig{
			BaseDelay:    time.Second,
			MaxDelay:     30 * time.Second,
			MaxAttempts:  10,
			PingInterval: 15 * time.Second,
		},
		Signal: SignalConfig{
			Cooldown:   5 * time.Second,
			BufferSize: 50,
			QueueSize:  256,
			Console:    true,
		},
		Redis: RedisConfig{
			Address: "localhost:6379",
			Channel: "arbitral:opportunities",
		},
	}
}

// LoadEnv loads a .env file into the process environment. A missing file is not an error.
func LoadEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

// Load reads the YAML file at path on top of Default, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration; see Load.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("ARBITRAL_MIN_PROFIT_PCT"); v != "" {
		pct, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%w: ARBITRAL_MIN_PROFIT_PCT: %v", ErrInvalidConfig, err)
		}
		cfg.Arbitrage.MinProfitPct = pct
	}
	if v := os.Getenv("ARBITRAL_REDIS_ADDR"); v != "" {
		cfg.Redis.Address = v
		cfg.Redis.Enabled = true
	}
	if v := os.Getenv("ARBITRAL_POSTGRES_DSN"); v != "" {
		cfg.Postgres.DSN = v
		cfg.Postgres.Enabled = true
	}
	if v := os.Getenv("ARBITRAL_LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	return nil
}

// Validate checks struct constraints, pair symbols and exchange names.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if _, err := c.ParsedPairs(); err != nil {
		return fmt.Errorf("%w: pairs: %v", ErrInvalidConfig, err)
	}

	seen := make(map[model.Exchange]bool, len(c.Exchanges))
	for _, ex := range c.Exchanges {
		id, err := model.ParseExchange(ex.Name)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		if seen[id] {
			return fmt.Errorf("%w: exchange %s configured twice", ErrInvalidConfig, id)
		}
		seen[id] = true
	}

	for _, token := range c.Arbitrage.Blacklist {
		if strings.TrimSpace(token) == "" {
			return fmt.Errorf("%w: empty blacklist entry", ErrInvalidConfig)
		}
	}
	return nil
}

// ParsedPairs returns the configured pairs in canonical form.
func (c *Config) ParsedPairs() ([]model.Pair, error) {
	return utils.ValidatePairs(c.Pairs, maxPairs)
}

// EnabledExchanges returns the enabled exchanges in file order.
func (c *Config) EnabledExchanges() []ExchangeConfig {
	out := make([]ExchangeConfig, 0, len(c.Exchanges))
	for _, ex := range c.Exchanges {
		if ex.Enabled {
			out = append(out, ex)
		}
	}
	return out
}

// Exchange resolves the exchange identifier. The config must be valid.
func (e ExchangeConfig) Exchange() model.Exchange {
	id, _ := model.ParseExchange(e.Name)
	return id
}

// Runtime extracts the reloadable settings.
func (c *Config) Runtime() Runtime {
	fees := make(map[model.Exchange]model.FeeSchedule, len(c.Exchanges))
	for _, ex := range c.Exchanges {
		fees[ex.Exchange()] = model.FeeSchedule{
			SpotMaker:    ex.Fees.SpotMaker,
			FuturesMaker: ex.Fees.FuturesMaker,
		}
	}

	blacklist := make(map[string]struct{}, len(c.Arbitrage.Blacklist))
	for _, token := range c.Arbitrage.Blacklist {
		blacklist[strings.ToUpper(strings.TrimSpace(token))] = struct{}{}
	}

	return Runtime{
		MinProfitPct:         c.Arbitrage.MinProfitPct,
		SanityFloorPct:       c.Arbitrage.SanityFloorPct,
		EvaluationInterval:   c.Arbitrage.EvaluationInterval,
		EnableSpotFutures:    c.Arbitrage.EnableSpotFutures,
		EnableFuturesFutures: c.Arbitrage.EnableFuturesFutures,
		EnableSpotSpot:       c.Arbitrage.EnableSpotSpot,
		Verbose:              c.Arbitrage.Verbose,
		Fees:                 fees,
		Blacklist:            blacklist,
	}
}

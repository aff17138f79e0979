// Package config exposes strongly typed application configuration structs loaded from YAML.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// App captures process-wide runtime settings such as name, environment, metrics, and logging.
type App struct {
	Name        string `yaml:"name"`
	Env         string `yaml:"env"`
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format" validate:"omitempty,oneof=json console"`
}

// Broker selects the venue. Credentials come from the environment only.
type Broker struct {
	Kind              string  `yaml:"kind" validate:"oneof=paper oanda"`
	Environment       string  `yaml:"environment" validate:"omitempty,oneof=practice live"`
	AccountID         string  `yaml:"account_id" validate:"required_if=Kind oanda"`
	Token             string  `yaml:"-" validate:"required_if=Kind oanda"`
	BaseURL           string  `yaml:"base_url,omitempty" validate:"omitempty,url"`
	StreamURL         string  `yaml:"stream_url,omitempty" validate:"omitempty,url"`
	RequestsPerSecond float64 `yaml:"requests_per_second" validate:"gte=0"`
	TimeoutMs         int     `yaml:"timeout_ms" validate:"gte=0"`
}

// Feed configures the quote source and its reconnect policy.
type Feed struct {
	Provider       string `yaml:"provider" validate:"oneof=stub websocket broker"`
	URL            string `yaml:"url,omitempty" validate:"omitempty,url"`
	Subscribe      string `yaml:"subscribe,omitempty"`
	StubIntervalMs int    `yaml:"stub_interval_ms" validate:"gte=0"`
	MaxRetries     int    `yaml:"max_retries" validate:"gte=1"`
	BaseBackoffMs  int    `yaml:"base_backoff_ms" validate:"gte=1"`
	MaxBackoffMs   int    `yaml:"max_backoff_ms" validate:"gtefield=BaseBackoffMs"`
}

// Instrument is the per-instrument metadata the sizer and broker need.
type Instrument struct {
	Name       string  `yaml:"name" validate:"required"`
	PipValue   float64 `yaml:"pip_value" validate:"gt=0"`
	Precision  int32   `yaml:"precision" validate:"gte=0,lte=8"`
	StartPrice float64 `yaml:"start_price,omitempty" validate:"gte=0"`
}

// Window sizes the per-instrument tick history and indicator periods.
type Window struct {
	Capacity   int     `yaml:"capacity" validate:"gte=2"`
	MinTicks   int     `yaml:"min_ticks" validate:"gte=1,ltefield=Capacity"`
	RSIPeriod  int     `yaml:"rsi_period" validate:"gte=2,ltfield=MinTicks"`
	ATRPeriod  int     `yaml:"atr_period" validate:"gte=2,ltfield=MinTicks"`
	BandPeriod int     `yaml:"band_period" validate:"gte=2,ltefield=MinTicks"`
	BandStdDev float64 `yaml:"band_std_dev" validate:"gt=0"`
}

// Strategy specifies which strategy is active along with its knobs.
type Strategy struct {
	Mode                string  `yaml:"mode"`
	MaxSpread           float64 `yaml:"max_spread" validate:"gte=0"`
	RSIOversold         float64 `yaml:"rsi_oversold" validate:"gte=0,lte=100"`
	RSIOverbought       float64 `yaml:"rsi_overbought" validate:"gte=0,lte=100"`
	StopATRMultiple     float64 `yaml:"stop_atr_multiple" validate:"gte=0"`
	TargetATRMultiple   float64 `yaml:"target_atr_multiple" validate:"gte=0"`
	TrailingATRMultiple float64 `yaml:"trailing_atr_multiple" validate:"gte=0"`
}

// Risk encodes the guard-rails every account trades under.
type Risk struct {
	MaxDailyLoss          float64 `yaml:"max_daily_loss" validate:"gt=0,lt=1"`
	MaxTradeRisk          float64 `yaml:"max_trade_risk" validate:"gt=0,lt=1"`
	MaxPositionSize       float64 `yaml:"max_position_size" validate:"gt=0"`
	MaxTradesPerHour      int     `yaml:"max_trades_per_hour" validate:"gte=1"`
	MaxSpread             float64 `yaml:"max_spread" validate:"gt=0"`
	EquityProtectionLevel float64 `yaml:"equity_protection_level" validate:"gte=0,lt=1"`
}

// Pipeline sizes the decision pipeline's queues and workers.
type Pipeline struct {
	Accounts          []string `yaml:"accounts,omitempty"`
	QueueSize         int      `yaml:"queue_size" validate:"gte=1"`
	DispatchWorkers   int      `yaml:"dispatch_workers" validate:"gte=1"`
	DispatchQueue     int      `yaml:"dispatch_queue" validate:"gte=1"`
	DispatchTimeoutMs int      `yaml:"dispatch_timeout_ms" validate:"gte=1"`
	OrderTimeoutMs    int      `yaml:"order_timeout_ms" validate:"gte=1"`
	ProtectiveExits   bool     `yaml:"protective_exits"`
	WarmupCandles     int      `yaml:"warmup_candles" validate:"gte=0,lte=5000"`
	WarmupGranularity string   `yaml:"warmup_granularity"`
	JournalPath       string   `yaml:"journal_path,omitempty"`
}

// Paper captures paper-trading account settings such as starting cash, per-instrument caps, and execution tuning.
type Paper struct {
	AccountID                string  `yaml:"account_id"`
	StartingCash             float64 `yaml:"starting_cash" validate:"gt=0"`
	MaxPositionPerInstrument float64 `yaml:"max_position_per_instrument" validate:"gte=0"`
	SlippageBps              float64 `yaml:"slippage_bps" validate:"gte=0"`
	MaxLatencyMs             int     `yaml:"max_latency_ms" validate:"gte=0"`
	PartialFillProbability   float64 `yaml:"partial_fill_probability" validate:"gte=0,lte=1"`
	MaxPartialFills          int     `yaml:"max_partial_fills" validate:"gte=1"`
	FillsPath                string  `yaml:"fills_path"`
	Seed                     int64   `yaml:"seed,omitempty"`
}

// Cache configures the Redis candle cache used for warm-up.
type Cache struct {
	Enabled    bool   `yaml:"enabled"`
	URL        string `yaml:"url,omitempty"`
	Addr       string `yaml:"addr,omitempty"`
	Password   string `yaml:"-"`
	DB         int    `yaml:"db" validate:"gte=0"`
	TTLSeconds int    `yaml:"ttl_seconds" validate:"gte=0"`
}

// Config collects every configuration leaf for easy marshaling from YAML.
type Config struct {
	App         App          `yaml:"app"`
	Broker      Broker       `yaml:"broker"`
	Feed        Feed         `yaml:"feed"`
	Instruments []Instrument `yaml:"instruments" validate:"min=1,unique=Name,dive"`
	Window      Window       `yaml:"window"`
	Strategy    Strategy     `yaml:"strategy"`
	Risk        Risk         `yaml:"risk"`
	Pipeline    Pipeline     `yaml:"pipeline"`
	Paper       Paper        `yaml:"paper"`
	Cache       Cache        `yaml:"cache"`
}

var validate = validator.New()

// Load reads an optional .env, then a YAML file, applies defaults and
// environment overrides, and validates the result.
func Load(path string, envFiles ...string) (*Config, error) {
	if err := LoadEnv(envFiles...); err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	var config Config
	if err := yaml.NewDecoder(file).Decode(&config); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	config.applyDefaults()
	config.applyEnv()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// LoadEnv loads dotenv files into the process environment without
// overriding variables already set. Missing files are ignored.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// Validate checks struct tags and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Strategy.RSIOversold >= c.Strategy.RSIOverbought {
		return fmt.Errorf("invalid config: rsi_oversold %v must be below rsi_overbought %v", c.Strategy.RSIOversold, c.Strategy.RSIOverbought)
	}
	if c.Feed.Provider == "websocket" && c.Feed.URL == "" {
		return errors.New("invalid config: feed.url is required for the websocket provider")
	}
	if c.Feed.Provider == "broker" && c.Broker.Kind == "paper" {
		return errors.New("invalid config: the paper broker has no pricing stream of its own; use stub or websocket")
	}
	return nil
}

// Save persists a Config struct to disk as YAML. Secrets are never written.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal yaml: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Instrument looks up metadata by name.
func (c *Config) Instrument(name string) (Instrument, bool) {
	for _, inst := range c.Instruments {
		if inst.Name == name {
			return inst, true
		}
	}
	return Instrument{}, false
}

// InstrumentNames lists configured instrument names in file order.
func (c *Config) InstrumentNames() []string {
	out := make([]string, len(c.Instruments))
	for i, inst := range c.Instruments {
		out[i] = inst.Name
	}
	return out
}

func (c *Config) applyEnv() {
	setFromEnv(&c.Broker.Token, "OANDA_ACCESS_TOKEN")
	setFromEnv(&c.Broker.AccountID, "OANDA_ACCOUNT_ID")
	setFromEnv(&c.Broker.Environment, "OANDA_ENVIRONMENT")
	setFromEnv(&c.Cache.URL, "REDIS_URL")
	setFromEnv(&c.Cache.Password, "REDIS_PASSWORD")
	setFromEnv(&c.App.LogLevel, "LOG_LEVEL")
}

func setFromEnv(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		*dst = strings.TrimSpace(v)
	}
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

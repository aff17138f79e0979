package config

import (
	"strings"
	"time"

	"github.com/quantum-pro-fx/qprotraderV2/internal/broker/oanda"
	"github.com/quantum-pro-fx/qprotraderV2/internal/cache"
	"github.com/quantum-pro-fx/qprotraderV2/internal/exchange"
	"github.com/quantum-pro-fx/qprotraderV2/internal/execution"
	"github.com/quantum-pro-fx/qprotraderV2/internal/market"
	"github.com/quantum-pro-fx/qprotraderV2/internal/paper"
	"github.com/quantum-pro-fx/qprotraderV2/internal/pipeline"
	"github.com/quantum-pro-fx/qprotraderV2/internal/risk"
	"github.com/quantum-pro-fx/qprotraderV2/internal/strategy"
)

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "qprotrader"
	}
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}
	if c.App.LogFormat == "" {
		c.App.LogFormat = "json"
	}

	if c.Broker.Kind == "" {
		c.Broker.Kind = "paper"
	}
	if c.Broker.Environment == "" {
		c.Broker.Environment = "practice"
	}
	if c.Broker.RequestsPerSecond == 0 {
		c.Broker.RequestsPerSecond = 50
	}
	if c.Broker.TimeoutMs == 0 {
		c.Broker.TimeoutMs = 10000
	}

	if c.Feed.Provider == "" {
		c.Feed.Provider = exchange.ProviderStub
	}
	if c.Feed.StubIntervalMs == 0 {
		c.Feed.StubIntervalMs = 250
	}
	if c.Feed.MaxRetries == 0 {
		c.Feed.MaxRetries = 10
	}
	if c.Feed.BaseBackoffMs == 0 {
		c.Feed.BaseBackoffMs = 1000
	}
	if c.Feed.MaxBackoffMs == 0 {
		c.Feed.MaxBackoffMs = 30000
	}

	for i := range c.Instruments {
		inst := &c.Instruments[i]
		inst.Name = strings.ToUpper(strings.TrimSpace(inst.Name))
		if inst.PipValue == 0 {
			inst.PipValue = 1
		}
	}

	if c.Window.Capacity == 0 {
		c.Window.Capacity = 100
	}
	if c.Window.MinTicks == 0 {
		c.Window.MinTicks = 20
	}
	if c.Window.RSIPeriod == 0 {
		c.Window.RSIPeriod = 14
	}
	if c.Window.ATRPeriod == 0 {
		c.Window.ATRPeriod = 14
	}
	if c.Window.BandPeriod == 0 {
		c.Window.BandPeriod = 20
	}
	if c.Window.BandStdDev == 0 {
		c.Window.BandStdDev = 2
	}

	if c.Strategy.Mode == "" {
		c.Strategy.Mode = strategy.ModeMeanReversion
	}
	if c.Strategy.RSIOversold == 0 {
		c.Strategy.RSIOversold = 30
	}
	if c.Strategy.RSIOverbought == 0 {
		c.Strategy.RSIOverbought = 70
	}

	d := risk.DefaultParameters()
	if c.Risk.MaxDailyLoss == 0 {
		c.Risk.MaxDailyLoss = d.MaxDailyLossFraction
	}
	if c.Risk.MaxTradeRisk == 0 {
		c.Risk.MaxTradeRisk = d.MaxTradeRiskFraction
	}
	if c.Risk.MaxPositionSize == 0 {
		c.Risk.MaxPositionSize = d.MaxPositionSize
	}
	if c.Risk.MaxTradesPerHour == 0 {
		c.Risk.MaxTradesPerHour = d.MaxTradesPerHour
	}
	if c.Risk.MaxSpread == 0 {
		c.Risk.MaxSpread = d.MaxSpread
	}
	if c.Risk.EquityProtectionLevel == 0 {
		c.Risk.EquityProtectionLevel = d.EquityProtectionLevel
	}

	if c.Pipeline.QueueSize == 0 {
		c.Pipeline.QueueSize = 256
	}
	if c.Pipeline.DispatchWorkers == 0 {
		c.Pipeline.DispatchWorkers = 4
	}
	if c.Pipeline.DispatchQueue == 0 {
		c.Pipeline.DispatchQueue = 64
	}
	if c.Pipeline.DispatchTimeoutMs == 0 {
		c.Pipeline.DispatchTimeoutMs = 5000
	}
	if c.Pipeline.OrderTimeoutMs == 0 {
		c.Pipeline.OrderTimeoutMs = 30000
	}
	if c.Pipeline.WarmupGranularity == "" {
		c.Pipeline.WarmupGranularity = "S5"
	}

	if c.Paper.AccountID == "" {
		c.Paper.AccountID = "paper-1"
	}
	if c.Paper.StartingCash == 0 {
		c.Paper.StartingCash = 10000
	}
	if c.Paper.MaxPartialFills == 0 {
		c.Paper.MaxPartialFills = 1
	}

	if c.Cache.TTLSeconds == 0 {
		c.Cache.TTLSeconds = int(cache.DefaultTTL / time.Second)
	}
}

// RiskParameters converts the risk section.
func (c *Config) RiskParameters() risk.Parameters {
	return risk.Parameters{
		MaxDailyLossFraction:  c.Risk.MaxDailyLoss,
		MaxTradeRiskFraction:  c.Risk.MaxTradeRisk,
		MaxPositionSize:       c.Risk.MaxPositionSize,
		MaxTradesPerHour:      c.Risk.MaxTradesPerHour,
		MaxSpread:             c.Risk.MaxSpread,
		EquityProtectionLevel: c.Risk.EquityProtectionLevel,
	}
}

// StrategyParams converts the strategy section. Zero multiples and spread
// fall back to the strategy's own defaults.
func (c *Config) StrategyParams() strategy.Params {
	return strategy.Params{
		MaxSpread:           c.Strategy.MaxSpread,
		RSIOversold:         c.Strategy.RSIOversold,
		RSIOverbought:       c.Strategy.RSIOverbought,
		StopATRMultiple:     c.Strategy.StopATRMultiple,
		TargetATRMultiple:   c.Strategy.TargetATRMultiple,
		TrailingATRMultiple: c.Strategy.TrailingATRMultiple,
	}
}

// IndicatorParams converts the window section's look-back periods.
func (c *Config) IndicatorParams() market.IndicatorParams {
	return market.IndicatorParams{
		RSIPeriod:  c.Window.RSIPeriod,
		ATRPeriod:  c.Window.ATRPeriod,
		BandPeriod: c.Window.BandPeriod,
		BandStdDev: c.Window.BandStdDev,
	}
}

func (c *Config) PaperConfig() paper.Config {
	return paper.Config{
		AccountID:                c.Paper.AccountID,
		Currency:                 "USD",
		StartingBalance:          c.Paper.StartingCash,
		MaxPositionPerInstrument: c.Paper.MaxPositionPerInstrument,
		SlippageBps:              c.Paper.SlippageBps,
		MaxLatency:               ms(c.Paper.MaxLatencyMs),
		PartialFillProbability:   c.Paper.PartialFillProbability,
		MaxPartialFills:          c.Paper.MaxPartialFills,
		Seed:                     c.Paper.Seed,
	}
}

func (c *Config) OandaConfig() oanda.Config {
	precision := make(map[string]int32, len(c.Instruments))
	for _, inst := range c.Instruments {
		precision[inst.Name] = inst.Precision
	}
	return oanda.Config{
		Token:             c.Broker.Token,
		AccountID:         c.Broker.AccountID,
		Environment:       c.Broker.Environment,
		BaseURL:           c.Broker.BaseURL,
		StreamURL:         c.Broker.StreamURL,
		RequestsPerSecond: c.Broker.RequestsPerSecond,
		Timeout:           ms(c.Broker.TimeoutMs),
		Precision:         precision,
	}
}

// SourceConfig converts the feed section. Stub start prices come from the
// instruments list.
func (c *Config) SourceConfig() exchange.SourceConfig {
	prices := make(map[string]float64)
	for _, inst := range c.Instruments {
		if inst.StartPrice > 0 {
			prices[inst.Name] = inst.StartPrice
		}
	}
	return exchange.SourceConfig{
		Provider:     c.Feed.Provider,
		URL:          c.Feed.URL,
		Subscribe:    c.Feed.Subscribe,
		StubInterval: ms(c.Feed.StubIntervalMs),
		StubPrices:   prices,
	}
}

// FeedOptions converts the reconnect policy.
func (c *Config) FeedOptions() []exchange.Option {
	return []exchange.Option{
		exchange.WithBackoff(ms(c.Feed.BaseBackoffMs), ms(c.Feed.MaxBackoffMs)),
		exchange.WithMaxRetries(c.Feed.MaxRetries),
	}
}

func (c *Config) ExecutionConfig() execution.Config {
	return execution.Config{
		Workers:         c.Pipeline.DispatchWorkers,
		QueueSize:       c.Pipeline.DispatchQueue,
		DispatchTimeout: ms(c.Pipeline.DispatchTimeoutMs),
	}
}

func (c *Config) RedisConfig() cache.RedisConfig {
	return cache.RedisConfig{URL: c.Cache.URL, Addr: c.Cache.Addr, Password: c.Cache.Password, DB: c.Cache.DB}
}

// CacheTTL is the candle cache lifetime.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLSeconds) * time.Second
}

// PipelineConfig assembles the decision pipeline settings.
func (c *Config) PipelineConfig() pipeline.Config {
	instruments := make([]pipeline.Instrument, len(c.Instruments))
	for i, inst := range c.Instruments {
		instruments[i] = pipeline.Instrument{Name: inst.Name, PipValue: inst.PipValue, Precision: inst.Precision}
	}
	return pipeline.Config{
		Accounts:        c.Pipeline.Accounts,
		Instruments:     instruments,
		WindowCapacity:  c.Window.Capacity,
		MinTicks:        c.Window.MinTicks,
		Indicators:      c.IndicatorParams(),
		Risk:            c.RiskParameters(),
		Execution:       c.ExecutionConfig(),
		QueueSize:       c.Pipeline.QueueSize,
		OrderTimeout:    c.OrderTimeout(),
		ProtectiveExits: c.Pipeline.ProtectiveExits,
	}
}

// OrderTimeout bounds how long an order may stay pending.
func (c *Config) OrderTimeout() time.Duration { return ms(c.Pipeline.OrderTimeoutMs) }

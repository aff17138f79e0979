// Binary live trades through the OANDA v20 API. Credentials come from
// OANDA_ACCESS_TOKEN and OANDA_ACCOUNT_ID.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quantum-pro-fx/qprotraderV2/internal/broker"
	"github.com/quantum-pro-fx/qprotraderV2/internal/broker/oanda"
	"github.com/quantum-pro-fx/qprotraderV2/internal/cache"
	"github.com/quantum-pro-fx/qprotraderV2/internal/config"
	"github.com/quantum-pro-fx/qprotraderV2/internal/exchange"
	"github.com/quantum-pro-fx/qprotraderV2/internal/ledger"
	"github.com/quantum-pro-fx/qprotraderV2/internal/metrics"
	"github.com/quantum-pro-fx/qprotraderV2/internal/pipeline"
	sig "github.com/quantum-pro-fx/qprotraderV2/internal/signal"
	"github.com/quantum-pro-fx/qprotraderV2/internal/strategy"
	"github.com/quantum-pro-fx/qprotraderV2/internal/util"
)

func main() {
	configPath := flag.String("config", "configs/live.yaml", "path to the YAML config")
	envFile := flag.String("env", ".env", "optional dotenv file")
	flag.Parse()

	log := util.NewLogger("info", "json")
	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		log.Fatal().Err(err).Str("path", *configPath).Msg("load config")
	}
	if cfg.Broker.Kind != "oanda" {
		log.Fatal().Str("kind", cfg.Broker.Kind).Msg("live binary requires broker.kind oanda")
	}
	log = util.NewLogger(cfg.App.LogLevel, cfg.App.LogFormat).With().Str("app", cfg.App.Name).Logger()

	srv := metrics.Serve(cfg.App.MetricsAddr)
	ctx, cancel := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	client := oanda.New(cfg.OandaConfig(), log)
	if err := client.Connect(ctx); err != nil {
		log.Fatal().Err(err).Str("environment", cfg.Broker.Environment).Msg("connect oanda")
	}

	var candles broker.CandleSource = client
	if cfg.Cache.Enabled {
		rdb, err := cache.NewRedis(ctx, cfg.RedisConfig())
		if err != nil {
			log.Warn().Err(err).Msg("candle cache disabled")
		} else {
			defer rdb.Close()
			candles = cache.NewCandleCache(rdb, client, cfg.CacheTTL(), log)
		}
	}

	journal := ledger.NewJournal(ledger.DefaultJournalCapacity)
	var recorder ledger.FillRecorder = journal
	var jsonl *ledger.JSONLRecorder
	if cfg.Pipeline.JournalPath != "" {
		jsonl, err = ledger.NewJSONLRecorder(cfg.Pipeline.JournalPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.Pipeline.JournalPath).Msg("open fill journal")
		}
		recorder = ledger.MultiRecorder{recorder, jsonl}
	}

	strat, err := strategy.Build(cfg.Strategy.Mode, cfg.StrategyParams())
	if err != nil {
		log.Fatal().Err(err).Msg("build strategy")
	}
	p, err := pipeline.New(cfg.PipelineConfig(), client, strat, log, pipeline.WithLedger(ledger.New(ledger.WithRecorder(recorder))), pipeline.WithJournal(journal))
	if err != nil {
		log.Fatal().Err(err).Msg("build pipeline")
	}
	if err := p.Bootstrap(ctx); err != nil {
		log.Fatal().Err(err).Msg("bootstrap accounts")
	}
	if n := cfg.Pipeline.WarmupCandles; n > 0 {
		seeded := p.Warmup(ctx, candles, cfg.Pipeline.WarmupGranularity, n)
		log.Info().Int("ticks", seeded).Msg("warm-up complete")
	}

	source, err := exchange.NewSource(cfg.SourceConfig(), client, log)
	if err != nil {
		log.Fatal().Err(err).Msg("build quote source")
	}
	feed := exchange.NewFeed(source, cfg.InstrumentNames(), log, cfg.FeedOptions()...)
	ticks := make(chan sig.Tick, cfg.Pipeline.QueueSize)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return feed.Run(gctx, ticks) })
	g.Go(func() error { return p.Run(gctx, ticks) })
	g.Go(func() error {
		p.ScheduleRollover(gctx)
		return nil
	})
	g.Go(func() error {
		p.ReportStatus(gctx, time.Minute)
		return nil
	})

	log.Info().Str("feed", source.Name()).Strs("instruments", cfg.InstrumentNames()).Msg("live engine started")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("engine stopped")
	}
	if jsonl != nil {
		_ = jsonl.Close()
	}

	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	_ = srv.Shutdown(shutdownCtx)
	log.Info().Msg("shutting down")
}

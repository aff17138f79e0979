// Binary paper runs the scalping pipeline against the simulated broker.
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

	"github.com/quantum-pro-fx/qprotraderV2/internal/config"
	"github.com/quantum-pro-fx/qprotraderV2/internal/exchange"
	"github.com/quantum-pro-fx/qprotraderV2/internal/ledger"
	"github.com/quantum-pro-fx/qprotraderV2/internal/metrics"
	"github.com/quantum-pro-fx/qprotraderV2/internal/paper"
	"github.com/quantum-pro-fx/qprotraderV2/internal/pipeline"
	sig "github.com/quantum-pro-fx/qprotraderV2/internal/signal"
	"github.com/quantum-pro-fx/qprotraderV2/internal/strategy"
	"github.com/quantum-pro-fx/qprotraderV2/internal/util"
)

func main() {
	configPath := flag.String("config", "configs/paper.yaml", "path to the YAML config")
	envFile := flag.String("env", ".env", "optional dotenv file")
	dumpPath := flag.String("dump-config", "", "write the effective config to this path and exit")
	flag.Parse()

	log := util.NewLogger("info", "json")
	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		log.Fatal().Err(err).Str("path", *configPath).Msg("load config")
	}
	if *dumpPath != "" {
		if err := config.Save(*dumpPath, cfg); err != nil {
			log.Fatal().Err(err).Msg("save config")
		}
		log.Info().Str("path", *dumpPath).Msg("effective config written")
		return
	}
	log = util.NewLogger(cfg.App.LogLevel, cfg.App.LogFormat).With().Str("app", cfg.App.Name).Logger()

	srv := metrics.Serve(cfg.App.MetricsAddr)
	if cfg.App.MetricsAddr != "" {
		log.Info().Str("addr", cfg.App.MetricsAddr).Msg("metrics up")
	}

	ctx, cancel := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	source, err := exchange.NewSource(cfg.SourceConfig(), nil, log)
	if err != nil {
		log.Fatal().Err(err).Msg("build quote source")
	}
	pb := paper.NewBroker(cfg.PaperConfig(), source, log)
	if err := pb.Connect(ctx); err != nil {
		log.Fatal().Err(err).Msg("connect paper broker")
	}

	journal := ledger.NewJournal(ledger.DefaultJournalCapacity)
	var recorder ledger.FillRecorder = journal
	var jsonl *ledger.JSONLRecorder
	if cfg.Paper.FillsPath != "" {
		jsonl, err = ledger.NewJSONLRecorder(cfg.Paper.FillsPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.Paper.FillsPath).Msg("open fill journal")
		}
		recorder = ledger.MultiRecorder{recorder, jsonl}
	}

	strat, err := strategy.Build(cfg.Strategy.Mode, cfg.StrategyParams())
	if err != nil {
		log.Fatal().Err(err).Msg("build strategy")
	}
	p, err := pipeline.New(cfg.PipelineConfig(), pb, strat, log, pipeline.WithLedger(ledger.New(ledger.WithRecorder(recorder))), pipeline.WithJournal(journal))
	if err != nil {
		log.Fatal().Err(err).Msg("build pipeline")
	}
	if err := p.Bootstrap(ctx); err != nil {
		log.Fatal().Err(err).Msg("bootstrap accounts")
	}

	feed := exchange.NewFeed(exchange.BrokerSource{Broker: pb}, cfg.InstrumentNames(), log, cfg.FeedOptions()...)
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

	log.Info().Str("feed", source.Name()).Strs("instruments", cfg.InstrumentNames()).Msg("paper engine started")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("engine stopped")
	}

	_ = pb.Close()
	if jsonl != nil {
		_ = jsonl.Close()
	}
	snap := pb.Account().Snapshot(nil)
	log.Info().Float64("balance", snap.Balance).Float64("realized", snap.RealizedPnL).Msg("shutting down")

	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	_ = srv.Shutdown(shutdownCtx)
}

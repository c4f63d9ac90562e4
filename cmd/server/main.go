package main

import (
	"context"
	"flag"
	"io"
	"log"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/franckalain/ingredientscan/internal/classifier"
	"github.com/franckalain/ingredientscan/internal/config"
	"github.com/franckalain/ingredientscan/internal/database"
	"github.com/franckalain/ingredientscan/internal/logger"
	"github.com/franckalain/ingredientscan/internal/metrics"
	"github.com/franckalain/ingredientscan/internal/ml"
	"github.com/franckalain/ingredientscan/internal/pipeline"
	"github.com/franckalain/ingredientscan/internal/server"
	"github.com/franckalain/ingredientscan/internal/tracker"
)

func main() {
	configPath := flag.String("config", config.GetConfigPath(), "path to configuration file")
	flag.Parse()

	// A missing .env is fine; the environment may already be set
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatal("Failed to load configuration:", err)
	}

	level := cfg.Logging.Level
	if cfg.Server.Debug {
		level = "debug"
	}
	lg, err := logger.New(level, cfg.Logging.Format, cfg.Logging.Output)
	if err != nil {
		log.Fatal("Failed to create logger:", err)
	}
	defer lg.Sync()

	if err := run(cfg, lg); err != nil {
		lg.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, lg *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	db, err := database.NewSQLiteDB(cfg.Database.Path, lg)
	if err != nil {
		return err
	}
	defer db.Close()

	extractor, err := ml.NewExtractor(cfg.ML, lg)
	if err != nil {
		return err
	}
	if err := extractor.Load(ctx); err != nil {
		return err
	}
	if c, ok := extractor.(io.Closer); ok {
		defer c.Close()
	}

	analyzer, err := ml.NewAnalyzer(cfg.ML, lg)
	if err != nil {
		return err
	}
	if c, ok := analyzer.(io.Closer); ok {
		defer c.Close()
	}
	if cfg.ML.Cache.Addr != "" {
		client, err := ml.NewRedisClient(ctx, cfg.ML.Cache)
		if err != nil {
			return err
		}
		defer client.Close()
		analyzer = ml.NewCachedAnalyzer(analyzer, client, cfg.ML.Cache.TTL, lg)
		lg.Info("analysis cache enabled", zap.String("addr", cfg.ML.Cache.Addr))
	}
	if err := analyzer.Load(ctx); err != nil {
		return err
	}

	loc, err := cfg.Tracker.Location()
	if err != nil {
		return err
	}

	p := pipeline.New(extractor, analyzer, classifier.Default(),
		pipeline.WithExtractTimeout(cfg.Pipeline.ExtractTimeout),
		pipeline.WithAnalyzeTimeout(cfg.Pipeline.AnalyzeTimeout),
		pipeline.WithLogger(lg.Named("pipeline")),
		pipeline.WithMetrics(m),
	)
	t := tracker.New(db,
		tracker.WithLocation(loc),
		tracker.WithLogger(lg.Named("tracker")),
		tracker.WithMetrics(m),
	)

	lg.Info("gateways ready",
		zap.String("extractor", cfg.ML.Extractor),
		zap.String("analyzer", cfg.ML.Analyzer),
		zap.String("timezone", loc.String()),
	)

	srv := server.New(p, t, cfg.Server,
		server.WithLogger(lg.Named("server")),
		server.WithMetrics(m),
		server.WithBatchLimit(cfg.Pipeline.BatchLimit),
	)
	return srv.Start(ctx)
}

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-envconfig"
	gormpg "gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"l1gw/pkg/bus"
	"l1gw/pkg/db"
	"l1gw/pkg/render"
	gos3 "l1gw/pkg/s3"
	"l1gw/pkg/telemetry"
	"l1gw/services/gateway"
	"l1gw/services/pipeline"
	"l1gw/services/recommender"
	"l1gw/services/sessions"
	"l1gw/services/store"
)

const serviceName = "l1-gateway"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	var cfg gateway.Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}

	otelShutdown, otelMiddleware, err := telemetry.Init(ctx, serviceName, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("init telemetry")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown telemetry")
		}
	}()

	var (
		st    store.Store
		pool  *pgxpool.Pool
		orm   *gorm.DB
		ready func(context.Context) error
	)
	if cfg.DegradedFixtures {
		logger.Warn().Msg("degraded mode: serving fixture data from memory")
		st = store.NewMemoryWithFixtures()
	} else {
		pool, err = db.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("connect database")
		}
		defer pool.Close()

		if err := db.Migrate(ctx, pool); err != nil {
			logger.Fatal().Err(err).Msg("migrate database")
		}

		orm, err = gorm.Open(gormpg.Open(cfg.DatabaseURL), &gorm.Config{
			Logger: gormlogger.Discard,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("open gorm")
		}

		pg, err := store.NewPostgres(orm, pool)
		if err != nil {
			logger.Fatal().Err(err).Msg("init store")
		}
		st = pg
		// Readiness probes the schema, not just the connection, so a pool
		// pointed at an unmigrated database reports not-ready.
		ready = func(ctx context.Context) error {
			var n int64
			return db.Get(ctx, pool, &n, `SELECT count(*) FROM artifacts`)
		}
	}

	var b *bus.Bus
	if !cfg.DegradedFixtures {
		b, err = bus.New(cfg.NATSURL)
		if err != nil {
			logger.Warn().Err(err).Str("url", cfg.NATSURL).Msg("bus unavailable; lifecycle events disabled")
			b = nil
		} else {
			defer b.Close()
		}
	}

	var archiver pipeline.Archiver
	var presigner gateway.Presigner
	if cfg.ArchiveBucket != "" {
		s3c, err := gos3.NewClientFromEnv()
		if err != nil {
			logger.Warn().Err(err).Msg("object store unavailable; archiving disabled")
		} else {
			archiver = s3c
			presigner = s3c
		}
	}

	metrics := pipeline.NewMetrics()
	tracker, err := pipeline.NewTracker(st, b, metrics, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("init tracker")
	}
	dispatcher, err := pipeline.NewDispatcher(cfg.AnalyzerCommands(), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("init dispatcher")
	}
	reconciler, err := pipeline.NewReconciler(tracker, st, archiver, cfg.ArchiveBucket, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("init reconciler")
	}
	pipe, err := pipeline.New(pipeline.Config{
		MaxUploadBytes:  cfg.MaxUploadBytes,
		AnalysisTimeout: cfg.AnalysisTimeout,
		StagingDir:      cfg.StagingDir,
	}, st, tracker, dispatcher, reconciler, metrics, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("init pipeline")
	}

	renderer, err := render.New()
	if err != nil {
		logger.Fatal().Err(err).Msg("init renderer")
	}
	streamer, err := recommender.New(cfg.RecommenderConfig(), renderer, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("init recommender")
	}

	hub := gateway.NewHub(logger)
	if err := hub.Start(ctx, b); err != nil {
		logger.Fatal().Err(err).Msg("start event hub")
	}

	var agg *sessions.Aggregator
	if orm != nil && b != nil {
		agg, err = sessions.NewAggregator(orm, b, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("init session aggregator")
		}
		if err := agg.Start(ctx); err != nil {
			logger.Fatal().Err(err).Msg("start session aggregator")
		}
	}

	api, err := gateway.New(st, pipe, streamer, hub, presigner, ready, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("init api")
	}
	routes, err := api.Routes()
	if err != nil {
		logger.Fatal().Err(err).Msg("build routes")
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           otelMiddleware(routes),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("starting l1-gateway")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown server")
	}
	if agg != nil {
		if err := agg.Close(); err != nil {
			logger.Error().Err(err).Msg("close session aggregator")
		}
	}
	pipe.Wait()
}

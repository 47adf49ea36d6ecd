package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"metricsd/internal/config"
	"metricsd/pkg/bus"
	"metricsd/pkg/db"
	"metricsd/pkg/render"
	gos3 "metricsd/pkg/s3"
	"metricsd/pkg/telemetry"
	"metricsd/services/api"
	"metricsd/services/artifacts"
	"metricsd/services/athena"
	"metricsd/services/excel"
	"metricsd/services/exports"
	"metricsd/services/history"
	"metricsd/services/query"
)

const (
	serviceName  = "metricsd"
	exportStream = "METRICSD_EXPORTS"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", serviceName, err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := telemetry.NewLogger(serviceName, cfg.LogLevel, os.Stdout)
	if err != nil {
		return err
	}

	shutdownTelemetry, middleware, err := telemetry.Init(ctx, serviceName, cfg.OTLPEndpoint, logger)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown telemetry")
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	s3Client, err := gos3.NewClient(ctx, gos3.Config{
		Endpoint:       cfg.S3.Endpoint,
		Region:         cfg.S3.Region,
		AccessKey:      cfg.S3.AccessKey,
		SecretKey:      cfg.S3.SecretKey,
		SessionToken:   cfg.S3.SessionToken,
		ForcePathStyle: cfg.S3.ForcePathStyle,
		Timeout:        cfg.S3.Timeout,
	})
	if err != nil {
		return fmt.Errorf("init s3 client: %w", err)
	}

	engine, err := athena.NewClient(athena.Config{
		Endpoint: cfg.Athena.MCPURL,
		APIToken: cfg.Athena.MCPToken,
		Timeout:  cfg.Athena.QueryTimeout,
	})
	if err != nil {
		return fmt.Errorf("init athena client: %w", err)
	}

	results, err := athena.NewResultBucket(s3Client, cfg.Athena.ResultsBucket, cfg.Athena.ResultsPrefix)
	if err != nil {
		return fmt.Errorf("init result bucket: %w", err)
	}

	builder, err := newBuilder(cfg.Exports.MappingFile)
	if err != nil {
		return err
	}

	cache := artifacts.New(artifacts.WithMetrics(artifacts.NewMetrics(reg)))
	waitSweeper, err := artifacts.StartSweeper(ctx, cache, cfg.Exports.SweepInterval, logger.With().Str("component", "sweeper").Logger())
	if err != nil {
		return fmt.Errorf("start sweeper: %w", err)
	}
	defer func() {
		stop()
		waitSweeper()
	}()

	deps := exports.Deps{
		Builder:   builder,
		Engine:    engine,
		Storage:   results,
		Converter: excel.NewConverter(),
		Cache:     cache,
		Metrics:   exports.NewMetrics(reg),
		Logger:    logger,
	}

	if cfg.Exports.ArchiveBucket != "" {
		archiver, err := exports.NewS3Archiver(s3Client, cfg.Exports.ArchiveBucket, cfg.Exports.TTL)
		if err != nil {
			return fmt.Errorf("init archiver: %w", err)
		}
		deps.Archiver = archiver
	}

	checks := map[string]api.Check{}
	var hist api.History
	if cfg.DBDSN != "" {
		store, closeDB, err := openHistory(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer closeDB()
		deps.Recorder = store
		hist = store
		checks["database"] = store.Ping
	}

	if cfg.NATSURL != "" {
		eventBus, err := bus.New(cfg.NATSURL)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer eventBus.Close()
		if err := eventBus.EnsureStream(exportStream, "metricsd.exports.>"); err != nil {
			return err
		}
		deps.Publisher = eventBus
	}

	svc, err := exports.New(exports.Config{
		TTL:           cfg.Exports.TTL,
		MaxRows:       cfg.Athena.MaxRows,
		QueryTimeout:  cfg.Athena.QueryTimeout,
		FetchTimeout:  cfg.Exports.FetchTimeout,
		PublicBaseURL: cfg.PublicBaseURL,
		FileName:      cfg.Exports.FileName,
	}, deps)
	if err != nil {
		return fmt.Errorf("init exports: %w", err)
	}

	handlers, err := api.New(svc, hist, api.Config{
		AllowedOrigins: cfg.AllowedOrigins,
		RateLimit:      cfg.RateLimit,
		Gatherer:       reg,
		Checks:         checks,
	}, logger)
	if err != nil {
		return fmt.Errorf("init api: %w", err)
	}
	router, err := handlers.Routes()
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           middleware(router),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("shutdown server")
		}
	}()

	logger.Info().Str("addr", server.Addr).Msg("listening")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func newBuilder(mappingFile string) (*query.Builder, error) {
	renderer, err := render.New()
	if err != nil {
		return nil, fmt.Errorf("init renderer: %w", err)
	}
	mapping, err := query.LoadMapping(mappingFile)
	if err != nil {
		return nil, fmt.Errorf("load query mapping: %w", err)
	}
	return query.NewBuilder(renderer, mapping)
}

func openHistory(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*history.Store, func(), error) {
	pool, err := db.Open(ctx, cfg.DBDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	if err := db.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("migrate database: %w", err)
	}
	orm, err := db.ORM(pool)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("init orm: %w", err)
	}
	store, err := history.New(pool, orm)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}

	sched := cron.New()
	_, err = sched.AddFunc("@daily", func() {
		removed, err := store.Prune(ctx, time.Now().Add(-cfg.HistoryRetention))
		if err != nil {
			logger.Error().Err(err).Msg("prune export history")
			return
		}
		logger.Info().Int64("removed", removed).Msg("pruned export history")
	})
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("schedule prune: %w", err)
	}
	sched.Start()

	closeFn := func() {
		<-sched.Stop().Done()
		pool.Close()
	}
	return store, closeFn, nil
}

package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/snarg/custody-engine/internal/api"
	"github.com/snarg/custody-engine/internal/audit"
	"github.com/snarg/custody-engine/internal/config"
	"github.com/snarg/custody-engine/internal/database"
	"github.com/snarg/custody-engine/internal/engines"
	"github.com/snarg/custody-engine/internal/intake"
	"github.com/snarg/custody-engine/internal/metrics"
	"github.com/snarg/custody-engine/internal/notify"
	"github.com/snarg/custody-engine/internal/pipeline"
	"github.com/snarg/custody-engine/internal/retention"
	"github.com/snarg/custody-engine/internal/storage"
	"github.com/snarg/custody-engine/internal/watcher"
)

var version = "dev"

func main() {
	startTime := time.Now()

	var overrides config.Overrides
	flag.StringVar(&overrides.EnvFile, "env-file", "", "path to .env file")
	flag.StringVar(&overrides.HTTPAddr, "http-addr", "", "HTTP listen address")
	flag.StringVar(&overrides.LogLevel, "log-level", "", "log level (trace|debug|info|warn|error)")
	flag.StringVar(&overrides.DatabaseURL, "database-url", "", "PostgreSQL connection URL")
	flag.StringVar(&overrides.MediaDir, "media-dir", "", "local media directory")
	flag.StringVar(&overrides.InboxDir, "inbox-dir", "", "inbox directory to watch for media")
	flag.Parse()

	// Config
	cfg, err := config.Load(overrides)
	if err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("failed to load config")
	}

	// Logger
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	log.Info().Str("version", version).Msg("custody-engine starting")

	if !engines.CheckFFprobe() {
		log.Fatal().Msg("ffprobe not found in PATH")
	}

	// Context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Database
	dbLog := log.With().Str("component", "database").Logger()
	db, err := database.Connect(ctx, cfg.DatabaseURL, dbLog)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	if err := db.InitSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to initialize schema")
	}
	if err := db.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}

	// Media store (local filesystem or S3)
	media, err := storage.New(cfg.S3, cfg.MediaDir, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize media store")
	}

	// Audit log
	auditLog := audit.NewLog(db, log)

	// MQTT status pushes (optional)
	var publisher *notify.Publisher
	var notifyFn pipeline.NotifyFunc
	var notifier api.Notifier
	if cfg.MQTTBrokerURL != "" {
		publisher, err = notify.Connect(notify.Options{
			BrokerURL: cfg.MQTTBrokerURL,
			ClientID:  cfg.MQTTClientID,
			TopicBase: cfg.MQTTTopicBase,
			Username:  cfg.MQTTUsername,
			Password:  cfg.MQTTPassword,
			Log:       log,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to mqtt broker")
		}
		defer publisher.Close()
		notifyFn = publisher.PublishJobEvent
		notifier = publisher
	}

	// Stage engines
	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		log.Fatal().Err(err).Str("dir", cfg.WorkDir).Msg("failed to create work dir")
	}
	collab := pipeline.Collaborators{
		Prober:      engines.NewFFprobe(),
		Normalizer:  engines.NewFFmpegNormalizer(cfg.WorkDir),
		Transcriber: engines.NewASRClient(cfg.ASRURL, cfg.ASRModel, cfg.EngineTimeout),
		Aligner:     engines.NewAlignClient(cfg.AlignURL, cfg.AlignModel, cfg.EngineTimeout),
		Diarizer:    engines.NewDiarizeClient(cfg.DiarizeURL, cfg.DiarizeModel, cfg.EngineTimeout),
	}

	// Pipeline
	orch := pipeline.NewOrchestrator(pipeline.Options{
		Store:         db,
		Audit:         auditLog,
		Media:         media,
		Engines:       collab,
		WorkDir:       cfg.WorkDir,
		MaxAttempts:   cfg.MaxAttempts,
		RetryBase:     cfg.RetryBase,
		StageTimeout:  cfg.StageTimeout,
		MaxDurationMs: cfg.MaxDurationMs,
		MaxSizeBytes:  cfg.MaxSizeBytes,
		GraceWindow:   cfg.GraceWindow,
		Notify:        notifyFn,
		Log:           log,
	})
	pool := pipeline.NewWorkerPool(orch, cfg.Workers, cfg.QueueSize, log)
	pool.Start()
	defer pool.Stop()

	prometheus.MustRegister(metrics.NewCollector(db.Pool, pool))

	// Re-enqueue jobs a previous process left unfinished
	if err := pool.Resume(ctx, db); err != nil {
		log.Error().Err(err).Msg("failed to resume pending jobs")
	}

	// Intake: HTTP uploads and inbox files converge here
	in := intake.New(db, media, auditLog, pool, log)

	// Inbox watcher (optional)
	if cfg.InboxDir != "" {
		w := watcher.NewInboxWatcher(in, cfg.InboxDir, log)
		if err := w.Start(); err != nil {
			log.Fatal().Err(err).Str("dir", cfg.InboxDir).Msg("failed to start inbox watcher")
		}
		defer w.Stop()
	}

	// Retention sweep
	enforcer := retention.NewEnforcer(db, media, auditLog, cfg.RetentionInterval, log)
	enforcer.Start()
	defer enforcer.Stop()

	// HTTP Server
	httpLog := log.With().Str("component", "http").Logger()
	srv := api.NewServer(cfg, api.Deps{
		DB:        db,
		Audit:     auditLog,
		Intake:    in,
		Notify:    notifier,
		StoreType: media.Type(),
		Version:   version,
		StartTime: startTime,
	}, httpLog)

	// Start HTTP server in background
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	// Wait for shutdown signal or server error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server error")
		}
	}

	// Graceful shutdown with 10s timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}

	log.Info().Msg("custody-engine stopped")
}

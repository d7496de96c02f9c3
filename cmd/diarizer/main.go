package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	diarizer "github.com/snarg/speaker-diarizer"
	"github.com/snarg/speaker-diarizer/internal/api"
	"github.com/snarg/speaker-diarizer/internal/cluster"
	"github.com/snarg/speaker-diarizer/internal/config"
	"github.com/snarg/speaker-diarizer/internal/database"
	"github.com/snarg/speaker-diarizer/internal/diarize"
	"github.com/snarg/speaker-diarizer/internal/embedding"
	"github.com/snarg/speaker-diarizer/internal/metrics"
	"github.com/snarg/speaker-diarizer/internal/mqttclient"
	"github.com/snarg/speaker-diarizer/internal/storage"
	"github.com/snarg/speaker-diarizer/internal/watch"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	startTime := time.Now()

	var overrides config.Overrides
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.StringVar(&overrides.EnvFile, "env-file", ".env", "path to a .env file")
	flag.StringVar(&overrides.HTTPAddr, "listen", "", "HTTP listen address (overrides HTTP_ADDR)")
	flag.StringVar(&overrides.LogLevel, "log-level", "", "log level (overrides LOG_LEVEL)")
	flag.StringVar(&overrides.DatabaseURL, "database-url", "", "PostgreSQL URL (overrides DATABASE_URL)")
	flag.StringVar(&overrides.EmbeddingURL, "embedding-url", "", "embedding service URL (overrides EMBEDDING_URL)")
	flag.StringVar(&overrides.WatchDir, "watch-dir", "", "watch folder (overrides WATCH_DIR)")
	flag.StringVar(&overrides.ArchiveDir, "archive-dir", "", "archive directory (overrides ARCHIVE_DIR)")
	flag.Parse()

	fullVersion := fmt.Sprintf("%s (commit=%s, built=%s)", version, commit, date)
	if *showVersion {
		fmt.Println("speaker-diarizer", fullVersion)
		return
	}

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
	log.Info().Str("version", fullVersion).Msg("speaker-diarizer starting")

	// Context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Embedding model. Loaded once and shared by every request; a service
	// that cannot embed is useless, so a failed warm-up is fatal.
	embLog := log.With().Str("component", "embedding").Logger()
	provider := embedding.NewShared(func(ctx context.Context) (embedding.Provider, error) {
		c, err := embedding.NewClient(ctx, embedding.ClientOptions{
			URL:         cfg.EmbeddingURL,
			Timeout:     cfg.EmbeddingTimeout,
			Dimension:   cfg.EmbeddingDim,
			MinDuration: cfg.EmbeddingMinSeconds,
			Log:         embLog,
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	})
	warmCtx, warmCancel := context.WithTimeout(ctx, cfg.EmbeddingTimeout)
	model, err := provider.Get(warmCtx)
	warmCancel()
	if err != nil {
		log.Fatal().Err(err).Str("url", cfg.EmbeddingURL).Msg("failed to load embedding model")
	}
	info := model.Info()
	embLog.Info().
		Str("model", info.Name).
		Str("model_version", info.Version).
		Int("dimension", info.Dimension).
		Int("sample_rate", info.SampleRate).
		Msg("embedding model loaded")

	engine := cluster.New(cluster.Config{
		Dimension:         info.Dimension,
		DistanceThreshold: cfg.DistanceThreshold,
		MaxSpeakers:       cfg.MaxSpeakers,
		MaxOtherSpeakers:  cfg.MaxOtherSpeakers,
		SilhouetteGate:    cluster.Float(cfg.SilhouetteGate),
	})

	svcOpts := diarize.Options{
		Engine:      engine,
		Provider:    provider,
		Splitter:    diarize.Splitter{MinDuration: cfg.MinSegmentSeconds},
		Concurrency: cfg.EmbedConcurrency,
		Threshold:   cfg.SimilarityThreshold,
		TempDir:     cfg.TempDir,
		Timeout:     cfg.DiarizeTimeout,
		Log:         log.With().Str("component", "diarize").Logger(),
	}
	health := api.HealthDeps{Model: provider}

	// Database (optional)
	var db *database.DB
	var profiles api.ProfileStore
	if cfg.DatabaseURL != "" {
		dbLog := log.With().Str("component", "database").Logger()
		db, err = database.Connect(ctx, cfg.DatabaseURL, info.Dimension, dbLog)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer db.Close()
		runLog := database.NewRunLog(db, 50, 2*time.Second, dbLog)
		defer runLog.Stop()
		svcOpts.Recorder = runLog
		profiles = db
		health.DB = db
		if cfg.RunRetention > 0 {
			go pruneRuns(ctx, db, cfg.RunRetention, dbLog)
		}
	} else {
		log.Info().Msg("DATABASE_URL not set, voice profiles and run history disabled")
	}

	// Archive (optional)
	if cfg.ArchiveDir != "" || cfg.S3.Enabled() {
		storeLog := log.With().Str("component", "storage").Logger()
		store, services, err := storage.New(cfg.S3, cfg.ArchiveDir, storeLog)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize archive storage")
		}
		for _, s := range services {
			s.Start()
			defer s.Stop()
		}
		svcOpts.Archiver = storage.NewArchiver(store, storeLog)
		log.Info().Str("store", store.Kind()).Msg("archiving requests")
	}

	// MQTT (optional)
	if cfg.MQTTBrokerURL != "" {
		mqtt, err := mqttclient.Connect(mqttclient.Options{
			BrokerURL:   cfg.MQTTBrokerURL,
			ClientID:    cfg.MQTTClientID,
			TopicPrefix: cfg.MQTTTopicPrefix,
			Username:    cfg.MQTTUsername,
			Password:    cfg.MQTTPassword,
			Log:         log.With().Str("component", "mqtt").Logger(),
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to mqtt broker")
		}
		defer mqtt.Close()
		svcOpts.Publisher = mqtt
		health.MQTT = mqtt
	}

	svc := diarize.NewService(svcOpts)

	// Watch folder (optional)
	var queue metrics.QueueStats
	if cfg.WatchDir != "" {
		watchLog := log.With().Str("component", "watch").Logger()
		pool := watch.NewWorkerPool(watch.WorkerPoolOptions{
			Diarizer:  svc,
			Workers:   cfg.WatchWorkers,
			QueueSize: cfg.WatchQueueSize,
			Timeout:   cfg.DiarizeTimeout,
			Log:       watchLog,
		})
		pool.Start()
		defer pool.Stop()

		watcher := watch.NewFileWatcher(cfg.WatchDir, pool, watchLog)
		if err := watcher.Start(ctx); err != nil {
			log.Fatal().Err(err).Str("dir", cfg.WatchDir).Msg("failed to start file watcher")
		}
		defer watcher.Stop()
		queue = pool
		health.Watcher = watcher
	}

	// Prometheus collector for live gauges
	var dbPool *pgxpool.Pool
	if db != nil {
		dbPool = db.Pool
	}
	prometheus.MustRegister(metrics.NewCollector(dbPool, queue, provider))

	// HTTP Server
	httpLog := log.With().Str("component", "http").Logger()
	srv := api.NewServer(api.ServerOptions{
		Config:      cfg,
		Service:     svc,
		Profiles:    profiles,
		ModelName:   info.Name,
		Dimension:   info.Dimension,
		Health:      health,
		OpenAPISpec: diarizer.OpenAPISpec,
		Version:     fullVersion,
		StartTime:   startTime,
		Log:         httpLog,
	})

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

	log.Info().Msg("speaker-diarizer stopped")
}

// pruneRuns deletes run history older than retention once an hour.
func pruneRuns(ctx context.Context, db *database.DB, retention time.Duration, log zerolog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		n, err := db.PruneRuns(ctx, retention)
		if err != nil {
			log.Warn().Err(err).Msg("run pruning failed")
		} else if n > 0 {
			log.Info().Int64("deleted", n).Dur("retention", retention).Msg("pruned old runs")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

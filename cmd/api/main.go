package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/driftwell/stillmind/internal/api"
	"github.com/driftwell/stillmind/internal/auth"
	"github.com/driftwell/stillmind/internal/config"
	"github.com/driftwell/stillmind/internal/db"
	"github.com/driftwell/stillmind/internal/metrics"
	"github.com/driftwell/stillmind/internal/queue"
	"github.com/driftwell/stillmind/internal/services"
	"github.com/driftwell/stillmind/internal/storage"
	"github.com/driftwell/stillmind/internal/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootstrapLog := zerolog.New(os.Stderr)
		bootstrapLog.Fatal().Err(err).Msg("failed to load config")
	}

	log := newLogger(cfg)
	log.Info().Msg("starting stillmind api")

	// Connect to database
	database, err := db.New(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer database.Close()
	log.Info().Msg("connected to database")

	// Connect to Redis queue
	q, err := queue.New(cfg.RedisURL, queue.Options{
		MaxAttempts:     cfg.QueueMaxAttempts,
		Concurrency:     cfg.WorkerConcurrency,
		StartsPerMinute: cfg.WorkerStartsPerMinute,
	}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to queue")
	}
	defer q.Close()
	log.Info().Msg("connected to redis queue")

	// Object storage
	store := storage.New(cfg.SupabaseURL, cfg.SupabaseServiceKey, cfg.SupabaseStorageBucket, log)

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	m := metrics.New(registry)

	// HTTP surface
	verifier := auth.NewSessionVerifier(database)
	handler := api.NewHandler(database, q, m, log)
	router := api.NewRouter(handler, verifier, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), api.RouterConfig{
		CorsAllowedOrigins: cfg.CorsAllowedOrigins,
	})

	server := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: router,
	}

	// Pipeline workers
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	if cfg.WorkerEnabled {
		log.Info().
			Int("concurrency", cfg.WorkerConcurrency).
			Int("starts_per_minute", cfg.WorkerStartsPerMinute).
			Msg("starting pipeline workers")

		scriptSvc := services.NewOpenAIService(cfg.OpenAIKey, log)
		voiceSvc := services.NewElevenLabsService(cfg.ElevenLabsKey, cfg.ElevenLabsVoiceID, log)
		videoSvc := services.NewVeoService(cfg.GeminiKey, cfg.VeoModel, log)

		composer, err := services.NewFFmpegService(cfg.TempDir, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize composer")
		}

		w := worker.New(database, store, scriptSvc, voiceSvc, videoSvc, composer, cfg.ElevenLabsVoiceID, m, log)
		go q.Run(workerCtx, w)

		if cfg.SweeperEnabled {
			sweeper := worker.NewSweeper(database, q, cfg.SweepGrace, log)
			go sweeper.Run(workerCtx)
		}
	}

	// Start server
	go func() {
		log.Info().Str("port", cfg.APIPort).Msg("api server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")

	workerCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server exited")
}

func newLogger(cfg *config.Config) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs

	if cfg.LogPretty {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}

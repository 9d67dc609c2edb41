package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"chatwire/internal/ai"
	"chatwire/internal/codec"
	"chatwire/internal/config"
	"chatwire/internal/crypto"
	"chatwire/internal/gateway"
	"chatwire/internal/metrics"
	"chatwire/internal/queue"
	"chatwire/internal/server"
	"chatwire/internal/storage"
	"chatwire/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setupLogger(cfg.Log.Level)
	log.Info().
		Str("mode", cfg.AppMode).
		Str("db_driver", cfg.DB.Driver).
		Str("connector", cfg.Gateway.ConnectorType).
		Msg("starting chatwire")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, cfg.DB.AutoMigrate, "migrations")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize storage")
	}
	defer store.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("failed to connect redis")
	}
	defer rdb.Close()

	keyring, err := crypto.NewKeyring(cfg.Crypto.CurrentKeyID, cfg.Crypto.Keys)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize keyring")
	}

	m := metrics.Global()
	jobQueue := queue.NewStreamQueue(rdb, cfg.Redis.QueueStream, cfg.Redis.QueueGroup, cfg.Worker.ConsumerName, cfg.Redis.QueueBlock)
	dedupe := queue.NewJobDeduplicator(rdb, cfg.Redis.JobTTL)

	transcoder := codec.NewFFmpeg(cfg.AI.FFmpegBinary, log.Logger)
	if !transcoder.Available() {
		log.Warn().Str("binary", cfg.AI.FFmpegBinary).Msg("ffmpeg not found, audio conversion disabled")
	}
	executor := ai.NewExecutor(ai.ExecutorConfig{
		History:    store,
		Usage:      store,
		Transcoder: transcoder,
		HTTPClient: &http.Client{Timeout: cfg.AI.RequestTimeout},
		Logger:     log.Logger,
		Metrics:    m,
	})

	var bridge *gateway.Client
	if cfg.Gateway.Endpoint != "" {
		bridge = gateway.NewClient(gateway.ClientConfig{
			Endpoint:      cfg.Gateway.Endpoint,
			Token:         cfg.Gateway.Token,
			ConnectorType: cfg.Gateway.ConnectorType,
			Timeout:       cfg.Gateway.Timeout,
			Logger:        log.Logger,
			Metrics:       m,
		})
	} else {
		log.Warn().Msg("GATEWAY_ENDPOINT not set, message delivery disabled")
	}

	errCh := make(chan error, 2)
	var httpServer *http.Server

	if cfg.AppMode == config.ModeAPI || cfg.AppMode == config.ModeAll {
		srv := server.New(server.Config{
			Store:    store,
			Keyring:  keyring,
			Executor: executor,
			Queue:    jobQueue,
			Dedupe:   dedupe,
			Limiter:  queue.NewRateLimiter(rdb, cfg.Rate.PerHour),
			Gateway:  bridge,
			Metrics:  m,
			Logger:   log.Logger,
		})
		router := srv.Router(cfg.HTTP.HealthPath, cfg.HTTP.MetricsPath, promhttp.Handler())
		httpServer = &http.Server{
			Addr:              cfg.HTTP.ListenAddr,
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       cfg.HTTP.ReadTimeout,
		}
		go func() {
			log.Info().Str("addr", cfg.HTTP.ListenAddr).Msg("http server started")
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("http server: %w", err)
			}
		}()
	}

	if cfg.AppMode == config.ModeWorker || cfg.AppMode == config.ModeAll {
		w := worker.New(worker.Config{
			Store:         store,
			Queue:         jobQueue,
			Dedupe:        dedupe,
			Keyring:       keyring,
			Executor:      executor,
			MaxJobRetries: cfg.Worker.MaxRetries,
			Logger:        log.Logger,
			Metrics:       m,
		})
		go func() {
			if err := w.Start(ctx, cfg.Worker.Concurrency); err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("worker failed: %w", err)
			}
		}()
		log.Info().Int("concurrency", cfg.Worker.Concurrency).Msg("worker started")
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("runtime error")
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("failed to stop http server")
		}
	}

	log.Info().Msg("stopped")
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

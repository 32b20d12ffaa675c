package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kroma-labs/couchrelay/example/changes/internal/config"
	"github.com/kroma-labs/couchrelay/example/changes/internal/couch"
	"github.com/kroma-labs/couchrelay/example/changes/internal/telemetry"
	"github.com/rs/zerolog"

	"go.opentelemetry.io/otel"
)

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Setup OpenTelemetry (Tracing + Metrics)
	providers, err := telemetry.Setup(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to setup otel")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := providers.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("telemetry shutdown failed")
		}
	}()

	// 2. Start Prometheus Metrics Server
	metricsServer := &http.Server{
		Addr:              config.MetricsPort,
		Handler:           telemetry.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", config.MetricsPort).Msg("starting metrics server")
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("metrics server failed")
		}
	}()

	// 3. Create the database client
	db, err := couch.New(logger, config.Env("REDIS_ADDR", ""))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create client")
	}
	defer db.Close()

	if err := db.EnsureDatabase(ctx); err != nil {
		logger.Fatal().Err(err).Str("db", db.Name()).Msg("failed to create database")
	}

	// 4. Follow the changes feed while writing documents in a loop
	go follow(ctx, db, logger)

	tracer := otel.Tracer("example-app")
	ticker := time.NewTicker(time.Duration(config.OperationInterval) * time.Second)
	defer ticker.Stop()

	logger.Info().
		Str("metrics", "http://localhost"+config.MetricsPort+"/metrics").
		Msg("changes example started, press Ctrl+C to stop")

	for {
		select {
		case <-ticker.C:
			opCtx, span := tracer.Start(ctx, "couch-operations")

			if err := db.PutAnimals(opCtx); err != nil {
				logger.Error().Err(err).Msg("failed to write documents")
			}
			if n, err := db.CountDocs(opCtx); err != nil {
				logger.Error().Err(err).Msg("failed to count documents")
			} else {
				logger.Info().Int("docs", n).Msg("documents counted")
			}

			span.End()

		case <-ctx.Done():
			logger.Info().Msg("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				logger.Error().Err(err).Msg("metrics server shutdown failed")
			}
			return
		}
	}
}

// follow tails the changes feed, reconnecting from the last sequence after
// the feed ends or fails.
func follow(ctx context.Context, db *couch.DB, logger zerolog.Logger) {
	since := "now"
	for ctx.Err() == nil {
		last, err := db.FollowChanges(ctx, since, func(c couch.Change) {
			logger.Info().Str("id", c.ID).Bool("deleted", c.Deleted).Msg("change")
		})
		since = last
		if err != nil {
			logger.Warn().Err(err).Str("since", since).Msg("changes feed interrupted")
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		}
	}
}

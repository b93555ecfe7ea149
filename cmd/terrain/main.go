package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	httpadapter "github.com/couchcryptid/terrain-tile-service/internal/adapter/http"
	kafkaadapter "github.com/couchcryptid/terrain-tile-service/internal/adapter/kafka"
	"github.com/couchcryptid/terrain-tile-service/internal/adapter/srtm"
	"github.com/couchcryptid/terrain-tile-service/internal/artifact"
	"github.com/couchcryptid/terrain-tile-service/internal/config"
	"github.com/couchcryptid/terrain-tile-service/internal/domain"
	"github.com/couchcryptid/terrain-tile-service/internal/encoder"
	"github.com/couchcryptid/terrain-tile-service/internal/jobs"
	"github.com/couchcryptid/terrain-tile-service/internal/observability"
	"github.com/couchcryptid/terrain-tile-service/internal/pipeline"
	"github.com/couchcryptid/terrain-tile-service/internal/ratelimit"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg)
	slog.SetDefault(logger)
	metrics := observability.NewMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, cfg.OTLPEndpoint, logger)
	if err != nil {
		logger.Error("failed to init tracing", "error", err)
		os.Exit(1)
	}

	// Elevation: local SRTM directory first, then the optional mirror.
	sources := []srtm.Source{srtm.NewDirSource(cfg.SRTMDir)}
	if cfg.SRTMURL != "" {
		sources = append(sources, srtm.NewHTTPSource(cfg.SRTMURL, cfg.SRTMTimeout, logger))
		logger.Info("srtm mirror enabled", "url", cfg.SRTMURL, "timeout", cfg.SRTMTimeout)
	}
	elevation := srtm.NewProvider(sources, cfg.SRTMCacheSize, logger, metrics)

	store, err := newArtifactStore(cfg, logger, metrics)
	if err != nil {
		logger.Error("failed to open artifact store", "error", err)
		os.Exit(1)
	}

	limiter := ratelimit.New(cfg.RateLimit, cfg.RateWindow)

	opts := []jobs.Option{
		jobs.WithWorkers(cfg.WorkerConcurrency),
		jobs.WithMaxActiveJobs(cfg.MaxActiveJobs),
		jobs.WithRetention(cfg.ArtifactTTL),
		jobs.WithLimiter(limiter),
	}

	var (
		reader *kafkaadapter.Reader
		writer *kafkaadapter.Writer
	)
	if cfg.KafkaEnabled {
		writer = kafkaadapter.NewWriter(cfg, logger, metrics)
		opts = append(opts, jobs.WithNotifier(writer))
	}

	manager := jobs.New(
		domain.NewDecomposer(cfg.MaxTilesPerJob, cfg.CircleTrim),
		encoder.New(elevation),
		store,
		logger,
		metrics,
		opts...,
	)

	ready := readiness{manager}
	var p *pipeline.Pipeline
	if cfg.KafkaEnabled {
		reader = kafkaadapter.NewReader(cfg, logger)
		p = pipeline.New(reader, pipeline.NewTransformer(logger), manager, logger, metrics, cfg.BatchSize)
		ready = append(ready, p)
		logger.Info("kafka intake enabled", "topic", cfg.KafkaRequestTopic, "events_topic", cfg.KafkaEventsTopic)
	} else {
		logger.Info("kafka intake disabled")
	}

	srv := httpadapter.NewServer(cfg.HTTPAddr, manager, ready, logger)

	var wg sync.WaitGroup
	background := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	background(func() { store.RunSweeper(ctx, cfg.ArtifactSweepInterval) })
	background(func() { manager.RunSweeper(ctx, cfg.ArtifactSweepInterval) })
	background(func() { limiter.RunSweeper(ctx, cfg.RateWindow, logger) })

	// Start HTTP server.
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			stop()
		}
	}()

	// Start request intake.
	if p != nil {
		background(func() {
			if err := p.Run(ctx); err != nil {
				logger.Error("pipeline error", "error", err)
			}
		})
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Stop accepting requests before cancelling the jobs they created.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	wg.Wait()
	if reader != nil {
		if err := reader.Close(); err != nil {
			logger.Error("kafka reader close error", "error", err)
		}
	}
	// Close publishes the final events of cancelled jobs, so the writer
	// outlives it.
	if err := manager.Close(shutdownCtx); err != nil {
		logger.Error("job manager close error", "error", err)
	}
	if writer != nil {
		if err := writer.Close(); err != nil {
			logger.Error("kafka writer close error", "error", err)
		}
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", "error", err)
	}

	logger.Info("shutdown complete")
}

func newArtifactStore(cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics) (*artifact.Store, error) {
	if cfg.MemoryBackend() {
		logger.Info("artifacts kept in memory", "ttl", cfg.ArtifactTTL)
		return artifact.New(artifact.NewMemoryBackend(), cfg.ArtifactTTL, logger, metrics), nil
	}

	backend, err := artifact.NewFSBackend(cfg.ArtifactDir)
	if err != nil {
		return nil, fmt.Errorf("artifact dir %s: %w", cfg.ArtifactDir, err)
	}
	store := artifact.New(backend, cfg.ArtifactTTL, logger, metrics)
	if _, err := store.Recover(); err != nil {
		logger.Warn("artifact recovery incomplete", "error", err)
	}
	return store, nil
}

// readiness is ready when every component is.
type readiness []interface {
	CheckReadiness(context.Context) error
}

func (r readiness) CheckReadiness(ctx context.Context) error {
	for _, c := range r {
		if err := c.CheckReadiness(ctx); err != nil {
			return err
		}
	}
	return nil
}

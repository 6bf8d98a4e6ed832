// Package main is the entrypoint for the image tagger API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/kiranshivaraju/imagetagger/internal/api"
	"github.com/kiranshivaraju/imagetagger/internal/api/handler"
	mw "github.com/kiranshivaraju/imagetagger/internal/api/middleware"
	"github.com/kiranshivaraju/imagetagger/internal/api/response"
	"github.com/kiranshivaraju/imagetagger/internal/cache"
	"github.com/kiranshivaraju/imagetagger/internal/config"
	"github.com/kiranshivaraju/imagetagger/internal/jobs"
	"github.com/kiranshivaraju/imagetagger/internal/model"
	"github.com/kiranshivaraju/imagetagger/internal/scheduler"
	"github.com/kiranshivaraju/imagetagger/internal/store"
)

const shutdownTimeout = 30 * time.Second

var logLevel = new(slog.LevelVar)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config (fail fast on invalid config)
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := logLevel.UnmarshalText([]byte(strings.ToLower(cfg.Server.LogLevel))); err != nil {
		return fmt.Errorf("set log level: %w", err)
	}
	slog.Info("config loaded",
		"env", cfg.Server.Env,
		"workers", cfg.Worker.Count,
		"history", cfg.HistoryEnabled(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Create Redis cache for rate limiting
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 3. Connect job history database, if configured
	var history store.Store
	var recorder scheduler.Recorder
	if cfg.HistoryEnabled() {
		pool, err := store.Connect(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer pool.Close()
		slog.Info("database connected")

		if err := store.RunMigrations(cfg.Database.URL); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		slog.Info("database migrations applied")

		pgStore := store.NewPostgresStore(pool)
		history, recorder = pgStore, pgStore
	}

	// 4. Start the tagging backend
	backend, err := model.NewBackend(cfg.Worker)
	if err != nil {
		return fmt.Errorf("create tagger backend: %w", err)
	}
	if err := backend.Start(ctx); err != nil {
		return fmt.Errorf("start tagger backend: %w", err)
	}
	defer backend.Close()
	slog.Info("tagger backend ready", "backend", backend.Name(), "workers", cfg.Worker.Count)

	// 5. Job store and scheduler
	jobStore := jobs.NewStore(
		jobs.WithCapacity(cfg.Jobs.Capacity),
		jobs.WithTTL(cfg.Jobs.TTL),
	)
	sched := scheduler.New(backend, jobStore,
		scheduler.WithTimeout(cfg.Server.InferenceTimeout),
		scheduler.WithRecorder(recorder),
	)

	index, err := handler.LoadIndex(cfg.Server.IndexFile)
	if err != nil {
		slog.Warn("home page disabled", "error", err)
	}

	// 6. Build router with dependencies
	deps := api.Dependencies{
		RateLimit:      mw.NewRateLimit(redisCache, cfg.RateLimit.RequestsPerMinute),
		MaxUploadBytes: cfg.Server.MaxUploadBytes,

		HomeHandler:        handler.NewHomeHandler(index),
		StatusHandler:      handler.NewStatusHandler(),
		HealthHandler:      healthHandler(history, redisCache),
		CheckImageHandler:  handler.NewCheckImageHandler(sched),
		SubmitAsyncHandler: handler.NewSubmitAsyncHandler(sched),
		PollHandler:        handler.NewPollHandler(jobStore),
	}

	router := api.NewRouter(deps)

	// 7. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: cfg.Server.InferenceTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in background
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout: stop taking requests, let async jobs
	// write back, then stop the backend (deferred).
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	if err := sched.Wait(shutdownCtx); err != nil {
		slog.Warn("async jobs still running at shutdown", "error", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// healthHandler checks cache and, when enabled, database connectivity.
func healthHandler(s store.Store, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "disabled",
			"cache":    "ok",
		}

		if s != nil {
			checks["database"] = "ok"
			if err := s.Ping(r.Context()); err != nil {
				checks["database"] = "degraded"
			}
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}

		if checks["database"] == "degraded" || checks["cache"] == "degraded" {
			response.Write(w, http.StatusServiceUnavailable, map[string]any{
				"status":   "degraded",
				"services": checks,
			})
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}

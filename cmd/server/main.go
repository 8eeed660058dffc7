// Package main is the entrypoint for the reportd API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/celltrack/reportd/internal/ai"
	"github.com/celltrack/reportd/internal/analysis"
	"github.com/celltrack/reportd/internal/api"
	"github.com/celltrack/reportd/internal/api/handler"
	mw "github.com/celltrack/reportd/internal/api/middleware"
	"github.com/celltrack/reportd/internal/api/response"
	"github.com/celltrack/reportd/internal/cache"
	"github.com/celltrack/reportd/internal/config"
	"github.com/celltrack/reportd/internal/convert"
	"github.com/celltrack/reportd/internal/report"
	"github.com/celltrack/reportd/internal/settings"
	"github.com/celltrack/reportd/internal/store"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.Server.LogLevel,
	})))
	slog.Info("config loaded", "ai_provider", cfg.AI.Provider, "converter", cfg.Converter.Kind, "env", cfg.Server.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	pgStore := store.NewPostgresStore(pool)

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Create AI provider and document converter
	aiProvider, err := ai.NewProvider(cfg.AI)
	if err != nil {
		return fmt.Errorf("create AI provider: %w", err)
	}
	slog.Info("AI provider initialized", "provider", aiProvider.Name())

	converter, err := convert.New(cfg.Converter)
	if err != nil {
		return fmt.Errorf("create converter: %w", err)
	}

	// 6. Load settings before serving; refresh in the background
	registry := settings.NewRegistry(pgStore)
	if err := registry.Init(ctx); err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	go registry.Run(ctx, cfg.Settings.Staleness)

	// 7. Report lifecycle
	source := analysis.NewSource(pgStore, func() int { return registry.Current().MaxInputChars() })
	worker := report.NewWorker(pgStore, redisCache, source, aiProvider, registry, cfg.AI.InferenceTimeout)
	dispatcher := report.NewDispatcher(cfg.Reports.MaxConcurrentGenerations)

	sweeper := report.NewSweeper(pgStore, redisCache, cfg.Reports.StaleAfter)
	go sweeper.Run(ctx, cfg.Reports.SweepInterval)

	svc := report.NewService(report.Deps{
		Store:      pgStore,
		Cache:      redisCache,
		Guard:      report.NewGuard(pgStore, redisCache, cfg.Reports.DuplicateWindow),
		Worker:     worker,
		Dispatcher: dispatcher,
		Converter:  converter,
		// Room for the converter's own request timeout plus the artifact write.
		ConvertTimeout: cfg.Converter.Timeout + 10*time.Second,
	})

	// 8. Build router with dependencies
	deps := api.Dependencies{
		Auth:      mw.NewAuth(pgStore),
		RateLimit: mw.NewRateLimit(redisCache, cfg.RateLimit.RequestsPerMinute),

		HealthHandler: healthHandler(pgStore, redisCache),

		GenerateHandler:      handler.NewGenerateHandler(svc),
		GetReportHandler:     handler.NewGetReportHandler(svc),
		ReportStatusHandler:  handler.NewReportStatusHandler(svc),
		ReportContentHandler: handler.NewReportContentHandler(svc),
		ConvertHandler:       handler.NewConvertHandler(svc),
		DeleteReportHandler:  handler.NewDeleteReportHandler(svc),
		ListReportsHandler:   handler.NewListReportsHandler(svc),

		CreateKeyHandler:      handler.NewCreateKeyHandler(pgStore),
		ListKeysHandler:       handler.NewListKeysHandler(pgStore),
		RevokeKeyHandler:      handler.NewRevokeKeyHandler(pgStore),
		ListSettingsHandler:   handler.NewListSettingsHandler(pgStore, registry),
		UpdateSettingHandler:  handler.NewUpdateSettingHandler(pgStore, registry),
		ReloadSettingsHandler: handler.NewReloadSettingsHandler(registry),
	}

	router := api.NewRouter(deps)

	// 9. Start HTTP server. WriteTimeout covers a synchronous generation.
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.AI.InferenceTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	if err := shutdown(srv, dispatcher, shutdownTimeout); err != nil {
		return err
	}
	slog.Info("server stopped gracefully")
	return nil
}

// shutdown drains HTTP connections and then background generations, each within
// its own timeout. The dispatcher is drained even when the server drain fails.
func shutdown(srv *http.Server, dispatcher *report.Dispatcher, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	srvErr := srv.Shutdown(ctx)
	if srvErr != nil {
		slog.Error("server shutdown", "error", srvErr)
	}

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), timeout)
	defer cancelDrain()
	// Reports still running past the deadline are failed by the next sweep.
	if err := dispatcher.Shutdown(drainCtx); err != nil {
		slog.Warn("background generations still running at shutdown", "in_flight", dispatcher.InFlight(), "error", err)
	}

	if srvErr != nil {
		return fmt.Errorf("server shutdown: %w", srvErr)
	}
	return nil
}

type pinger interface {
	Ping(ctx context.Context) error
}

// healthHandler checks database and cache connectivity.
func healthHandler(db, c pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}

		if err := db.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}

		degraded := checks["database"] != "ok" || checks["cache"] != "ok"
		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}

// Screening console server: guided skin screening sessions at a kiosk.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"screening-console/internal/analysis"
	"screening-console/internal/api"
	"screening-console/internal/config"
	"screening-console/internal/hardware"
	"screening-console/internal/middleware"
	"screening-console/internal/store"
	"screening-console/internal/workflow"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "analysis_mode", cfg.Analysis.Mode, "dev", cfg.IsDevelopment())

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected", "path", cfg.DBPath)

	// Analysis backend.
	var client analysis.Client
	if cfg.Analysis.Mode == config.AnalysisModeHTTP {
		client = analysis.NewHTTPClient(cfg.Analysis.BaseURL, cfg.Analysis.Timeout)
		slog.Info("Analysis service configured", "base_url", cfg.Analysis.BaseURL)
	} else {
		client = analysis.NewMockClient()
		slog.Info("Using built-in mock analysis service")
	}
	orch := analysis.NewOrchestrator(client, cfg.Analysis.PollInterval)
	defer orch.Stop()

	// Capture hardware. Only the stub adapter exists today; a real device
	// adapter plugs in behind the same interface.
	adapter := hardware.NewStub()
	slog.Info("Capture hardware initialized (stub)")

	ctrl := workflow.NewController(adapter, repo, client, orch, logger)
	unsubscribe := adapter.SubscribeButtons(func(b hardware.Button) {
		ctrl.HandleButton(context.Background(), b)
	})
	defer unsubscribe()

	// Initialize handlers.
	baseHandler := api.NewHandler(ctrl, repo)
	healthHandler := api.NewHealthHandler(repo, 5*time.Second)
	wsHandler := api.NewWebSocketHandler(ctrl, corsOrigins(cfg))

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(corsOrigins(cfg)))

	// Public routes.
	healthHandler.RegisterHealth(r)

	api.NewSessionHandler(baseHandler).RegisterRoutes(r)
	api.NewRecordsHandler(baseHandler).RegisterRoutes(r)
	if debugHandler := api.NewDebugHandler(baseHandler, adapter); debugHandler != nil {
		debugHandler.RegisterRoutes(r)
	}

	// WebSocket endpoint.
	r.Get("/ws/session", wsHandler.ServeHTTP)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // long-lived websocket stream
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.IdleTimeout > 0 {
		workflow.StartIdleWatchdog(ctx, ctrl, cfg.IdleTimeout)
	}

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	// Archive any completed session on the way out. An incomplete one
	// has nothing persistable and is discarded.
	if err := ctrl.Abort(context.Background()); err != nil {
		slog.Error("Failed to archive session on shutdown", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}

func corsOrigins(cfg *config.Config) []string {
	if cfg.IsDevelopment() {
		return []string{"*"}
	}
	return []string{cfg.FrontendURL}
}

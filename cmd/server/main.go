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

	"tracker-realtime/internal/api"
	"tracker-realtime/internal/auth"
	"tracker-realtime/internal/config"
	"tracker-realtime/internal/db"
	"tracker-realtime/internal/repository"
	"tracker-realtime/internal/services"
	"tracker-realtime/internal/services/collaboration"
	"tracker-realtime/internal/telemetry"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

/*
STARTUP AND SHUTDOWN ORDER

Tracing and metrics come up first so everything after them is observed.
Shutdown runs the other way: stop accepting HTTP, close every live
connection (which flushes pending spreadsheet changes into the autosave
queue), drain the autosave workers, then flush telemetry and close the
database.
*/

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("🛑 server exited", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	logger.Info("🚀 Starting realtime collaboration server...")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	jaegerShutdown, err := telemetry.InitJaeger(telemetry.ServiceName, cfg.JaegerEndpoint, cfg.TraceSampleRatio, logger)
	if err != nil {
		logger.Warn("⚠️  Failed to initialize Jaeger, continuing without tracing", "error", err)
		jaegerShutdown = func(context.Context) error { return nil }
	}

	meter, metricsShutdown, err := telemetry.InitMetrics(ctx, telemetry.ServiceName, cfg.OTLPMetricsEndpoint, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}
	metrics, err := collaboration.NewMetrics(meter)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	database, err := db.NewGorm(cfg, logger)
	if err != nil {
		return err
	}
	defer database.Close()

	chatRepo := repository.NewChatRepository(database.DB)
	sheetRepo := repository.NewSpreadsheetRepository(database.DB)

	// Presence mirror and last-seen lookups are optional. Keep both as
	// untyped nil interfaces when Redis is off.
	var (
		presence collaboration.PresenceRecorder
		lastSeen api.LastSeenStore
	)
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer client.Close()

		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		store := repository.NewPresenceRedis(client, "tracker:presence:")
		// Nobody is connected to a fresh process.
		if err := store.Reset(ctx); err != nil {
			return fmt.Errorf("failed to reset presence: %w", err)
		}
		presence, lastSeen = store, store
		logger.Info("✓ Redis presence mirror enabled", "addr", cfg.RedisAddr)
	}

	var verifier collaboration.TokenVerifier
	if cfg.JWTSecret != "" {
		verifier = auth.NewVerifier(cfg.JWTSecret)
		logger.Info("✓ Token verification enabled")
	}

	autosave := services.NewAutosaveService(sheetRepo, cfg.AutosaveWorkers, cfg.AutosaveQueueSize, cfg.SaveTimeout, logger)
	autosave.Start()

	hub := collaboration.NewHub(collaboration.HubConfig{
		Messages:      chatRepo,
		Saver:         autosave,
		Presence:      presence,
		Verifier:      verifier,
		TypingTimeout: cfg.TypingTimeout,
		AutosaveDelay: cfg.AutosaveDelay,
		Metrics:       metrics,
		Logger:        logger,
	})
	wsHandler := collaboration.NewWebSocketHandler(hub, cfg.AllowedOrigins, cfg.SendBufferSize, logger)

	handler := api.NewHandler(hub, chatRepo, sheetRepo, lastSeen, autosave, logger)
	router := api.SetupRoutes(handler, wsHandler, cfg.AllowedOrigins, logger)

	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("🌐 Server listening", "addr", cfg.Addr(),
			"routes", []string{"/ws", "/ws/chat", "/ws/spreadsheet", "/api/health"})
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("🛑 Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("⚠️  Server forced to shutdown", "error", err)
		}

		hub.Shutdown()

		if err := autosave.Shutdown(shutdownCtx); err != nil {
			logger.Warn("⚠️  Autosave did not drain", "error", err)
		}

		if err := metricsShutdown(shutdownCtx); err != nil {
			logger.Warn("⚠️  Failed to shutdown metrics", "error", err)
		}
		if err := jaegerShutdown(shutdownCtx); err != nil {
			logger.Warn("⚠️  Failed to shutdown Jaeger", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("✓ Server shutdown complete")
	return nil
}

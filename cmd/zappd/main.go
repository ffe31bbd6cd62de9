// cmd/zappd/main.go
// Package main implements the entry point for the zapp proxy.
// It initializes all components and starts the HTTP server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AppleLamps/zapp/internal/catalog"
	"github.com/AppleLamps/zapp/internal/config"
	"github.com/AppleLamps/zapp/internal/event"
	"github.com/AppleLamps/zapp/internal/history"
	"github.com/AppleLamps/zapp/internal/identity"
	"github.com/AppleLamps/zapp/internal/media"
	"github.com/AppleLamps/zapp/internal/ratelimit"
	"github.com/AppleLamps/zapp/internal/server"
	"github.com/AppleLamps/zapp/internal/telemetry"
	"github.com/AppleLamps/zapp/internal/upstream"
)

// main initializes all components, starts the HTTP server, and handles
// graceful shutdown.
func main() {
	// Load configuration from environment variables
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging for the application
	logLevel := slog.LevelInfo
	if cfg.Env == "dev" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Initialize OpenTelemetry
	_, err = telemetry.InitTracer("zapp-proxy")
	if err != nil {
		logger.Error("failed to initialize OpenTelemetry tracer", "error", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.ShutdownTracer(ctx)
	}()

	// Initialize history backend (PostgreSQL or in-memory)
	var rec history.Recorder
	if cfg.DatabaseDSN != "" {
		rec, err = history.NewPostgres(cfg.DatabaseDSN)
		if err != nil {
			logger.Error("failed to initialize postgres history", "error", err)
			os.Exit(1)
		}
	} else {
		rec = history.NewMemory()
	}
	defer rec.Close()

	// Initialize the rate-limit store (Redis or in-process)
	var store ratelimit.Store
	if cfg.RedisURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		redisStore, err := ratelimit.NewRedisStore(ctx, cfg.RedisURL)
		cancel()
		if err != nil {
			logger.Error("failed to initialize redis rate-limit store", "error", err)
			os.Exit(1)
		}
		defer redisStore.Close()
		store = redisStore
	} else {
		store = ratelimit.NewMemoryStore()
	}
	limiter := ratelimit.New(store, cfg.AnonymousLimit, cfg.AuthenticatedLimit)

	// Initialize event publisher (NATS JetStream or no-op)
	pub := event.NewPublisher(cfg.NATSURL)
	defer pub.Close()

	// Load the model catalog, with optional YAML overrides
	cat := catalog.New()
	if cfg.CatalogPath != "" {
		cat, err = catalog.Load(cfg.CatalogPath)
		if err != nil {
			logger.Error("failed to load model catalog", "error", err, "path", cfg.CatalogPath)
			os.Exit(1)
		}
	}

	// Initialize the S3 asset mirror when configured
	var mirror *media.Mirror
	if cfg.S3Endpoint != "" && cfg.S3Bucket != "" {
		mirror, err = media.NewMirror(cfg.S3Endpoint, cfg.S3Region, cfg.S3Bucket, cfg.S3AccessKey, cfg.S3SecretKey)
		if err != nil {
			logger.Error("failed to initialize asset mirror", "error", err)
			os.Exit(1)
		}
	}

	// Caller resolution via the optional JWKS identity provider
	resolver := identity.NewResolver(cfg.JWKSURL, cfg.JWTIssuer, cfg.JWTAudience)

	// Upstream provider clients
	fal := upstream.NewQueueClient(cfg.FalBaseURL, cfg.FalAPIKey)
	chat := upstream.NewChatClient(cfg.OpenRouterBaseURL, cfg.OpenRouterAPIKey)

	// Create HTTP mux with all handlers and middleware
	mux := server.NewMux(cfg, rec, pub, limiter, resolver, cat, mirror, fal, chat)

	// Streaming relays run for minutes. ReadTimeout only covers the
	// request intake; there is no WriteTimeout, the handlers bound their
	// own lifetimes through context deadlines.
	addr := fmt.Sprintf(":%s", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Start server in a separate goroutine
	go func() {
		logger.Info("server starting", "addr", addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	// Handle graceful shutdown
	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
		os.Exit(1)
	}

	logger.Info("server exited")
}

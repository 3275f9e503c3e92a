// cmd/giftwelld/main.go
// Package main implements the entry point for the giftwell service.
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

	"github.com/giftwell/giftwell-go/internal/auth"
	"github.com/giftwell/giftwell-go/internal/config"
	"github.com/giftwell/giftwell-go/internal/engine"
	"github.com/giftwell/giftwell-go/internal/event"
	"github.com/giftwell/giftwell-go/internal/idempotency"
	"github.com/giftwell/giftwell-go/internal/media"
	"github.com/giftwell/giftwell-go/internal/metrics"
	"github.com/giftwell/giftwell-go/internal/notify"
	"github.com/giftwell/giftwell-go/internal/ratelimit"
	"github.com/giftwell/giftwell-go/internal/readmodel"
	"github.com/giftwell/giftwell-go/internal/server"
	"github.com/giftwell/giftwell-go/internal/storage"
	"github.com/giftwell/giftwell-go/internal/stream"
	"github.com/giftwell/giftwell-go/internal/telemetry"
)

// Smallest accepted contribution, one whole currency unit for
// two-decimal currencies.
const minContributionCents = 100

// main initializes all components, starts the HTTP server, and handles
// graceful shutdown.
func main() {
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
	_, err = telemetry.InitTracer("giftwell-service", cfg.Env)
	if err != nil {
		logger.Error("failed to initialize OpenTelemetry tracer", "error", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.ShutdownTracer(ctx)
	}()

	// Storage backend: PostgreSQL when a DSN is configured, otherwise
	// the in-memory store for development
	var store storage.Store
	if cfg.DatabaseDSN != "" {
		store, err = storage.NewPostgres(cfg.DatabaseDSN)
		if err != nil {
			logger.Error("failed to initialize postgres storage", "error", err)
			os.Exit(1)
		}
	} else {
		store = storage.NewMemory()
	}

	// Event publisher: NATS JetStream or no-op
	pub := event.NewPublisherFromEnv()
	defer pub.Close()

	// Archive-notice delivery through the mail collaborator
	var mailer notify.Mailer
	if cfg.MailerURL != "" {
		mailer = notify.NewHTTPMailer(cfg.MailerURL)
	}
	notifier := notify.NewNotifier(mailer)

	// Object storage for item images when configured
	var images *media.ImageStore
	if cfg.S3Endpoint != "" && cfg.S3Bucket != "" {
		images, err = media.NewImageStore(cfg.S3Endpoint, cfg.S3Region, cfg.S3Bucket, cfg.S3AccessKey, cfg.S3SecretKey)
		if err != nil {
			logger.Error("failed to initialize image store", "error", err)
			os.Exit(1)
		}
	}

	eng := engine.New(store, pub, notifier, minContributionCents)
	builder := readmodel.NewBuilder(store)
	streamSrv := stream.NewServer(builder,
		time.Duration(cfg.HeartbeatSeconds)*time.Second,
		time.Duration(cfg.ReconnectWindowSeconds)*time.Second,
		metrics.NewMetrics(),
	)
	ledger := idempotency.NewLedger(store, time.Duration(cfg.IdempotencyTTLSeconds)*time.Second)
	limiter := ratelimit.NewLimiter()
	verifier := auth.NewVerifier(fmt.Sprintf("%s/.well-known/jwks.json", cfg.JWTIssuer), cfg.JWTIssuer, cfg.JWTAudience)

	mux := server.NewMux(store, eng, builder, streamSrv, ledger, limiter, verifier, images, cfg)

	// WriteTimeout stays zero: the stream endpoint holds connections
	// open indefinitely and heartbeats keep them fresh
	addr := fmt.Sprintf(":%s", cfg.Port)
	srv := &http.Server{
		Addr:        addr,
		Handler:     mux,
		ReadTimeout: 5 * time.Second,
	}

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

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
		os.Exit(1)
	}

	if postgresStore, ok := store.(interface{ Close() }); ok {
		postgresStore.Close()
	}

	logger.Info("server exited")
}

// Package main is the entry point for the docflow service.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flexinfer/docflow/internal/api"
	"github.com/flexinfer/docflow/internal/artifact"
	"github.com/flexinfer/docflow/internal/config"
	"github.com/flexinfer/docflow/internal/engine"
	"github.com/flexinfer/docflow/internal/ledger"
	"github.com/flexinfer/docflow/internal/steps"
	"github.com/flexinfer/docflow/internal/tracing"
	"github.com/flexinfer/docflow/internal/validator"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Setup structured logging
	logLevel := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	logger.Info("starting docflow",
		slog.String("port", cfg.Port),
		slog.String("ledger", cfg.LedgerType),
		slog.String("log_level", cfg.LogLevel),
	)

	// Tracing
	tp, err := tracing.Init(context.Background(), &tracing.Config{
		ServiceName:  "docflow",
		OTLPEndpoint: cfg.TracingEndpoint,
		Enabled:      cfg.TracingEnabled,
		SampleRate:   cfg.TracingSampleRate,
	}, logger)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}

	// Initialize ledger based on configuration
	var store ledger.Ledger
	switch cfg.LedgerType {
	case "redis":
		redisCfg := &ledger.RedisConfig{
			URL:         cfg.RedisURL,
			Password:    cfg.RedisPassword,
			DB:          cfg.RedisDB,
			Prefix:      "docflow",
			TTL:         cfg.LedgerTTL,
			EventMaxLen: cfg.EventMaxLen,
		}
		redisLedger, err := ledger.NewRedisLedger(redisCfg)
		if err != nil {
			logger.Error("failed to connect to Redis, falling back to memory ledger", "error", err)
			store = ledger.NewMemoryLedger(&ledger.Config{
				EventMaxLen: cfg.EventMaxLen,
				TTL:         cfg.LedgerTTL,
			})
		} else {
			store = redisLedger
			logger.Info("using Redis ledger", slog.String("url", cfg.RedisURL))
		}
	default:
		store = ledger.NewMemoryLedger(&ledger.Config{
			EventMaxLen: cfg.EventMaxLen,
			TTL:         cfg.LedgerTTL,
		})
		logger.Info("using in-memory ledger")
	}
	defer store.Close()

	// Artifact store for oversized output snapshots
	var artifacts artifact.Store
	if cfg.ArtifactBucket != "" {
		s3Store, err := artifact.NewS3Store(&artifact.S3Config{
			Endpoint:        cfg.ArtifactEndpoint,
			Bucket:          cfg.ArtifactBucket,
			Region:          cfg.ArtifactRegion,
			AccessKeyID:     cfg.ArtifactAccessKey,
			SecretAccessKey: cfg.ArtifactSecretKey,
			UseSSL:          cfg.ArtifactUseSSL,
			PathPrefix:      cfg.ArtifactPrefix,
		})
		if err != nil {
			logger.Error("failed to create artifact store, snapshots stay inline", "error", err)
		} else {
			artifacts = s3Store
			logger.Info("using S3 artifact store", slog.String("bucket", cfg.ArtifactBucket))
		}
	}

	// Initialize validator
	v, err := validator.New()
	if err != nil {
		logger.Error("failed to create validator", "error", err)
		v = nil
	}

	// Register built-in executors
	registry := engine.NewRegistry()
	steps.RegisterDefaults(registry, &http.Client{Timeout: cfg.StepTimeout})

	// Initialize engine
	eng := engine.New(store, registry, nil, v, artifacts, &engine.Config{
		DefaultStepTimeout:  cfg.StepTimeout,
		DefaultMaxRetries:   cfg.DefaultMaxRetries,
		BackoffBase:         cfg.BackoffBase,
		BackoffCap:          cfg.BackoffCap,
		DefaultPauseTTL:     cfg.DefaultPauseTTL,
		LeaseTTL:            cfg.LeaseTTL,
		InlineSnapshotLimit: cfg.SnapshotInlineMax,
	}, logger)

	// Reattach in-flight executions and re-arm pause timers
	if err := eng.Recover(context.Background()); err != nil {
		logger.Error("recovery failed", "error", err)
	}

	// Signal token signer (optional)
	var signer *api.SignalTokenSigner
	if cfg.SignalTokenSecret != "" {
		signer, err = api.NewSignalTokenSigner(cfg.SignalTokenSecret, cfg.SignalTokenTTL)
		if err != nil {
			logger.Error("failed to create signal token signer", "error", err)
			os.Exit(1)
		}
		logger.Info("signal token verification enabled")
	}

	// Initialize API handlers
	handlers := api.NewHandlers(store, eng, v, signer, cfg, logger)
	server := api.NewServer(handlers)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server.Router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	if err := tp.Shutdown(ctx); err != nil {
		logger.Error("tracing shutdown error", "error", err)
	}

	logger.Info("server stopped")
}

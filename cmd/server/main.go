package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/densync/densync/internal/server/auth"
	"github.com/densync/densync/internal/server/handlers"
	"github.com/densync/densync/internal/server/middleware"
	"github.com/densync/densync/internal/server/notify"
	"github.com/densync/densync/internal/server/storage/boltdb"
	"github.com/densync/densync/internal/server/storage/sqlite"
	"github.com/densync/densync/internal/server/sync"
	"github.com/densync/densync/internal/server/ws"
)

var (
	// Version information set via ldflags during build
	Version   = "dev"
	BuildDate = "unknown"
	GitCommit = "unknown"
)

const (
	shutdownTimeout = 10 * time.Second
	accessTokenTTL  = 15 * time.Minute
)

func main() {
	showVersion := flag.Bool("version", false, "Show version information")
	addr := flag.String("addr", envOr("DENSYNC_ADDR", ":8080"), "HTTP listen address")
	dbPath := flag.String("db", envOr("DENSYNC_DB", "densync.db"), "Path to the SQLite database file")
	bundlePath := flag.String("bundle-db", envOr("DENSYNC_BUNDLE_DB", "bundles.db"), "Path to the bundle store file")
	redisAddr := flag.String("redis", os.Getenv("DENSYNC_REDIS_ADDR"), "Redis address for cross-process commit fan-out (empty = in-process only)")
	flag.Parse()

	if *showVersion {
		printVersion()
		os.Exit(0)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	if err := run(logger, *addr, *dbPath, *bundlePath, *redisAddr); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, addr, dbPath, bundlePath, redisAddr string) error {
	jwtSecret := os.Getenv("DENSYNC_JWT_SECRET")
	if jwtSecret == "" {
		return fmt.Errorf("DENSYNC_JWT_SECRET must be set")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := sqlite.New(ctx, dbPath)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer store.Close()

	bundles, err := boltdb.New(ctx, bundlePath)
	if err != nil {
		return fmt.Errorf("failed to open bundle storage: %w", err)
	}
	defer bundles.Close()

	registry := sync.NewRegistry(logger)
	pipeline := sync.NewPipeline(logger, store, bundles)
	dispatcher := sync.NewDispatcher(logger, registry, pipeline, store, bundles)

	var notifier notify.Notifier
	if redisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: redisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		notifier = notify.NewRedisNotifier(logger, client)
		logger.Info("using redis commit fan-out", "addr", redisAddr)
	} else {
		notifier = notify.NewLocalNotifier()
	}
	defer notifier.Close()

	if err := notifier.Subscribe(ctx, dispatcher.OnTransactionCommitted); err != nil {
		return fmt.Errorf("failed to subscribe to commit events: %w", err)
	}

	authConfig := auth.Config{
		Secret:         []byte(jwtSecret),
		AccessTokenTTL: accessTokenTTL,
	}

	wsHandler := ws.NewHandler(logger, registry, pipeline, dispatcher, authConfig)
	healthHandler := handlers.NewHealthHandler(logger, Version)

	mux := http.NewServeMux()
	mux.Handle("/api/v1/sync", wsHandler)
	mux.HandleFunc("/api/v1/health", healthHandler.Health)

	handler := middleware.RecoveryMiddleware(logger)(
		middleware.LoggingWithSkip(logger, []string{"/api/v1/health"})(mux),
	)

	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	logger.Info("server listening", "addr", addr, "version", Version)

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}

	registry.CloseAll()

	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func printVersion() {
	fmt.Printf("densync server\n")
	fmt.Printf("Version:    %s\n", Version)
	fmt.Printf("Build Date: %s\n", BuildDate)
	fmt.Printf("Git Commit: %s\n", GitCommit)
}

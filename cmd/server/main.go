// Command server runs the chatrelay presence and direct-message relay.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/teamcodebridge/chatrelay/docs"
	"github.com/teamcodebridge/chatrelay/internal/api"
	"github.com/teamcodebridge/chatrelay/internal/config"
	"github.com/teamcodebridge/chatrelay/internal/database"
	"github.com/teamcodebridge/chatrelay/internal/metrics"
	"github.com/teamcodebridge/chatrelay/internal/middleware"
	"github.com/teamcodebridge/chatrelay/internal/presence"
	"github.com/teamcodebridge/chatrelay/internal/pubsub"
	"github.com/teamcodebridge/chatrelay/internal/server"
	"github.com/teamcodebridge/chatrelay/internal/storage"
	"github.com/teamcodebridge/chatrelay/internal/websocket"
)

func main() {
	// A missing .env is fine; the environment may already be set.
	_ = godotenv.Load(".env")

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg, os.Stdout)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	store, closeStore, err := openStore(initCtx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	bus, err := openBus(initCtx, cfg, logger)
	if err != nil {
		return err
	}
	defer bus.Close()

	m := metrics.New()

	overflow, err := websocket.ParseOverflowPolicy(cfg.OverflowPolicy)
	if err != nil {
		return err
	}
	mode := presence.MultiDevice
	if !cfg.PresenceMultiDevice {
		mode = presence.SingleDevice
	}

	hub := websocket.NewHub(websocket.Options{
		InstanceID:       cfg.InstanceID,
		Mode:             mode,
		OutboxSize:       cfg.OutboxSize,
		Overflow:         overflow,
		MaxMessageBytes:  cfg.MaxMessageBytes,
		MaxContentLength: cfg.MaxContentLength,
		SendRate:         cfg.SendRate,
		SendBurst:        cfg.SendBurst,
		Heartbeat:        cfg.PresenceHeartbeat,
	}, bus, m, logger)

	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		if err := hub.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("hub stopped", "error", err)
		}
	}()

	if !cfg.IsDevelopment() && len(cfg.AllowedOrigins) == 0 {
		logger.Warn("ALLOWED_ORIGINS is empty - any origin may connect", "env", cfg.Env)
	}

	limiter := middleware.NewRateLimiter(cfg.APIRateLimitPerMin)
	go cleanupLoop(ctx, limiter)

	deps := &server.Dependencies{
		Hub:         hub,
		WSHandler:   websocket.NewHandler(hub, cfg.AllowedOrigins, logger),
		Store:       store,
		Metrics:     m,
		RateLimiter: limiter,
		OpenAPI:     docs.OpenAPI,
		Logger:      logger,
	}
	if p, ok := bus.(server.Pinger); ok {
		deps.Bus = p
	}

	srv := server.New(cfg, deps)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server",
			"addr", cfg.ServerAddr,
			"instance_id", cfg.InstanceID,
			"pubsub", cfg.PubSubType,
			"history", cfg.HistoryEnabled(),
			"multi_device", cfg.PresenceMultiDevice,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		stop()
		<-hubDone
		return fmt.Errorf("listen: %w", err)
	}
	logger.Info("shutting down gracefully...")

	// Give active requests 10 seconds to finish
	timeoutCtx, timeoutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer timeoutCancel()

	if err := srv.Shutdown(timeoutCtx); err != nil {
		logger.Error("forced shutdown", "error", err)
	}

	// Run announces the empty presence set and closes every session.
	select {
	case <-hubDone:
	case <-timeoutCtx.Done():
		logger.Warn("hub did not stop in time")
	}

	logger.Info("server stopped")
	return nil
}

// openStore picks the history backend from the DATABASE_URL scheme. An empty
// URL disables history and returns a nil store.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (api.HistoryStore, func(), error) {
	url := cfg.DatabaseURL
	switch {
	case url == "":
		logger.Warn("DATABASE_URL is empty - history API disabled")
		return nil, func() {}, nil

	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		db, err := database.New(ctx, url)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to database: %w", err)
		}
		if err := database.EnsureSchema(ctx, db, cfg.MigrationsDir, logger); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("ensure schema: %w", err)
		}
		logger.Info("connected to postgres history store")
		store := database.NewStore(db)
		return store, func() { _ = store.Close() }, nil

	default:
		store, err := storage.NewStore(url)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		if err := store.Migrate(ctx); err != nil {
			_ = store.Close()
			return nil, nil, fmt.Errorf("migrate sqlite store: %w", err)
		}
		logger.Info("opened sqlite history store", "path", url)
		return store, func() { _ = store.Close() }, nil
	}
}

// openBus connects the cluster bridge backend.
func openBus(ctx context.Context, cfg *config.Config, logger *slog.Logger) (pubsub.PubSub, error) {
	switch cfg.PubSubType {
	case "redis":
		ps, err := pubsub.NewRedisPubSub(ctx, cfg.RedisURL, logger)
		if err != nil {
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		logger.Info("connected to redis pubsub")
		return ps, nil
	case "nats":
		ps, err := pubsub.NewNATSPubSub(cfg.NATSURL, "chatrelay-"+cfg.InstanceID, "chatrelay", logger)
		if err != nil {
			return nil, fmt.Errorf("connect to nats: %w", err)
		}
		logger.Info("connected to nats pubsub")
		return ps, nil
	default:
		return pubsub.NewMemoryPubSub(), nil
	}
}

func cleanupLoop(ctx context.Context, limiter *middleware.RateLimiter) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			limiter.Cleanup()
		}
	}
}

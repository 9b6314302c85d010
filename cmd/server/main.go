package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	httpapi "github.com/creditx/platform-core/internal/api/http"
	"github.com/creditx/platform-core/internal/application/agents"
	"github.com/creditx/platform-core/internal/application/orchestrator"
	"github.com/creditx/platform-core/internal/config"
	"github.com/creditx/platform-core/internal/infrastructure/cache"
	"github.com/creditx/platform-core/internal/infrastructure/eventbus"
	"github.com/creditx/platform-core/internal/infrastructure/postgres"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("config error")
	}

	ctx := context.Background()

	store := postgres.New(postgres.Config{DSN: cfg.DatabaseURL}, logger)
	if err := store.Connect(ctx); err != nil {
		logger.Fatal().Err(err).Msg("postgres connect failed")
	}
	defer store.Close()

	if _, err := os.Stat(cfg.MigrationsDir); err == nil {
		if err := store.RunMigrations(ctx, cfg.MigrationsDir); err != nil {
			logger.Fatal().Err(err).Msg("migrations failed")
		}
	}

	cacheClient := cache.New(cache.Config{
		Addr:      cfg.RedisAddr,
		DB:        cfg.RedisDB,
		KeyPrefix: cfg.CachePrefix,
	}, logger)
	if err := cacheClient.Connect(ctx); err != nil {
		logger.Fatal().Err(err).Msg("cache connect failed")
	}
	defer cacheClient.Close()

	bus := eventbus.New(eventbus.Config{
		Addr:        cfg.RedisAddr,
		ServiceName: cfg.ServiceName,
	}, logger)
	if err := bus.Connect(ctx); err != nil {
		logger.Fatal().Err(err).Msg("event bus connect failed")
	}
	defer bus.Close()

	registry := postgres.NewRegistryRepository(store)
	orch := orchestrator.New(registry, bus, cacheClient, orchestrator.Config{
		ApprovalTTL:  cfg.ApprovalTTL,
		StreamMaxLen: cfg.StreamMaxLen,
	}, logger)
	agents.Register(orch)
	if err := orch.Initialize(ctx); err != nil {
		logger.Fatal().Err(err).Msg("agent registry load failed")
	}

	apiServer := httpapi.NewServer(orch, httpapi.Health{
		Cache: cacheClient.HealthCheck,
		Store: store.HealthCheck,
		Bus:   bus.HealthCheck,
	})

	httpServer := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      apiServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.ServerAddr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(ctxShutdown)
}

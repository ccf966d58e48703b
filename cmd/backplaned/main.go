package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"presence-backplane/config"
	"presence-backplane/internal/api"
	"presence-backplane/internal/cleanup"
	"presence-backplane/internal/db"
	"presence-backplane/internal/delivery"
	"presence-backplane/internal/logger"
	"presence-backplane/internal/messages"
	"presence-backplane/internal/metrics"
	"presence-backplane/internal/presence"
	"presence-backplane/internal/store"
	"presence-backplane/internal/transport"
)

const shutdownTimeout = 5 * time.Second

func main() {
	// A missing .env is fine outside local development.
	_ = godotenv.Load()

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration from %s: %v\n", configPath, err)
		os.Exit(1)
	}

	log := logger.New(cfg.Log, cfg.Presence.InstanceID)
	log.Info().Str("path", configPath).Msg("configuration loaded")

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("backplane stopped with error")
	}
	log.Info().Msg("backplane stopped")
}

func run(cfg *config.Config, log zerolog.Logger) error {
	gormDB, err := db.Init(&cfg.Database)
	if err != nil {
		return fmt.Errorf("init database: %w", err)
	}
	st := store.NewGormStore(gormDB)
	log.Info().Str("driver", cfg.Database.Driver).Msg("store ready")

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	heartbeats := presence.NewHeartbeatBatcher(st, cfg.Presence.HeartbeatFlushSize, cfg.Presence.HeartbeatFlushInterval, m, log)
	registry := presence.NewRegistry(st, heartbeats, cfg.Presence, m, log)
	msgs := messages.New(st, cfg.Messages, m, log)

	hub := transport.NewHub(registry, log)
	pool := delivery.NewWorkerPool(cfg.WorkerPool, registry, msgs, hub, m, log)
	hub.SetDispatcher(pool)

	scheduler := cleanup.NewScheduler(registry, msgs, cfg.Cleanup, m, log)

	handler := api.NewHandler(pool, msgs, registry, registry.Sessions(), log)
	router := api.NewRouter(cfg.Server, api.RouterDeps{
		Handler:   handler,
		WebSocket: hub.Handler,
		Metrics:   m,
		Gatherer:  reg,
		Log:       log,
	})
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Int("port", cfg.Server.Port).Msg("http server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("shutdown signal received, stopping services")

		hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return scheduler.Run(ctx) })
	g.Go(func() error { return heartbeats.Run(ctx) })
	g.Go(func() error { return pool.Run(ctx) })

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

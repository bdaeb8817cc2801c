package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/splitfair/webhook-service/internal/api"
	"github.com/splitfair/webhook-service/internal/config"
	"github.com/splitfair/webhook-service/internal/engine"
	"github.com/splitfair/webhook-service/internal/store"
	ws "github.com/splitfair/webhook-service/internal/websocket"
	"github.com/splitfair/webhook-service/internal/worker"
	"github.com/splitfair/webhook-service/migrations"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	pgStore, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer pgStore.Close()
	logger.Info("connected to PostgreSQL")

	if err := pgStore.RunMigrations(ctx, migrations.Files); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	logger.Info("database migrations applied")

	redisStore, err := store.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer redisStore.Close()
	logger.Info("connected to Redis")

	// Delivery pipeline
	queue := engine.NewQueue(redisStore.Client(), logger)
	limiter := engine.NewRateLimiter(redisStore.Client(), logger)
	trigger := engine.NewTrigger(pgStore, pgStore, limiter, queue, logger)

	hub := ws.NewHub(logger)
	go hub.Run()

	deliverer := worker.NewDeliverer(pgStore, pgStore, hub, logger)
	pool := worker.NewPool(cfg.NumWorkers, deliverer, queue, logger)
	dispatcher := worker.NewDispatcher(queue, pool, logger)

	workerCtx, stopWorkers := context.WithCancel(ctx)
	pool.Start(workerCtx)
	go dispatcher.Start(workerCtx)

	router := api.NewRouter(pgStore, redisStore, trigger, queue, hub)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server starting", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	// Stop feeding workers, then drain in-flight deliveries
	stopWorkers()
	dispatcher.Wait()
	pool.Stop()

	logger.Info("server stopped")
}

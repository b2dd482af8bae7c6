// dispatchd is the orchestrator server. It serves the task-dispatch HTTP API
// and runs the topic consumers and scheduler producers that advance tasks
// through their rounds.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/xyzplatform/dispatchd/pkg/api"
	"github.com/xyzplatform/dispatchd/pkg/broker"
	"github.com/xyzplatform/dispatchd/pkg/config"
	"github.com/xyzplatform/dispatchd/pkg/database"
	"github.com/xyzplatform/dispatchd/pkg/engine"
	"github.com/xyzplatform/dispatchd/pkg/llm"
	"github.com/xyzplatform/dispatchd/pkg/notify"
	"github.com/xyzplatform/dispatchd/pkg/scheduler"
	"github.com/xyzplatform/dispatchd/pkg/store"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment", "error", err)
	}

	ctx := context.Background()

	// 1. Database
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbClient.Close()
	slog.Info("Connected to PostgreSQL database")

	st := store.New(dbClient.Pool())

	// 2. Redis and broker
	redisClient, err := broker.NewRedisClient(ctx, config.LoadRedisConfig())
	if err != nil {
		slog.Error("Failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			slog.Error("Error closing redis client", "error", err)
		}
	}()
	bus := broker.New(redisClient)
	slog.Info("Connected to Redis")

	// 3. LLM façade and notifier
	usage := llm.NewUsageAccumulator(redisClient)
	runner := llm.NewClient(llm.LoadConfigFromEnv(), usage)
	notifier := notify.NewClient(notify.LoadConfigFromEnv())

	eng := engine.New(st, bus, runner, notifier)

	// 4. Topic consumers
	queueCfg := config.LoadQueueConfig()
	consumers := []*broker.Consumer{
		broker.NewConsumer(bus, broker.ConsumerConfig{
			Topic:              broker.TopicReady,
			Listeners:          queueCfg.ReadyListeners,
			WorkersPerListener: queueCfg.ReadyWorkers,
		}, func(ctx context.Context, msg broker.TaskMessage) error {
			return eng.ExecuteTask(ctx, msg.TaskID)
		}),
		broker.NewConsumer(bus, broker.ConsumerConfig{
			Topic:              broker.TopicRunning,
			Listeners:          queueCfg.RunningListeners,
			WorkersPerListener: queueCfg.RunningWorkers,
		}, func(ctx context.Context, msg broker.TaskMessage) error {
			return eng.RunningTask(ctx, msg.TaskID)
		}),
		broker.NewConsumer(bus, broker.ConsumerConfig{
			Topic:              broker.TopicReview,
			Listeners:          queueCfg.ReviewListeners,
			WorkersPerListener: queueCfg.ReviewWorkers,
		}, func(ctx context.Context, msg broker.TaskMessage) error {
			return eng.ReviewTask(ctx, msg.TaskID)
		}),
	}
	for _, consumer := range consumers {
		if err := consumer.Start(ctx); err != nil {
			slog.Error("Failed to start consumer", "error", err)
			os.Exit(1)
		}
	}

	// 5. Scheduler producers
	producer := scheduler.NewProducer(st, bus, config.LoadSchedulerConfig())
	producer.Start(ctx)

	// 6. HTTP server (non-blocking)
	serverCfg := config.LoadServerConfig()
	httpServer := api.NewServer(dbClient, st, eng, bus, usage)
	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Start(serverCfg); err != nil {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("dispatchd started successfully",
		"http_port", serverCfg.Port,
		"ready_listeners", queueCfg.ReadyListeners,
		"running_listeners", queueCfg.RunningListeners)

	// 7. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Shutting down due to server error", "error", err)
	}

	// 8. Graceful shutdown: stop intake first, then drain workers.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown failed", "error", err)
	}
	producer.Stop()
	for _, consumer := range consumers {
		consumer.Stop()
	}
	slog.Info("dispatchd stopped gracefully")
}

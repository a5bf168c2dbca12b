package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/voicefit/ingest-be/internal/api/storage"
	"github.com/voicefit/ingest-be/internal/config"
	"github.com/voicefit/ingest-be/internal/queue"
	"github.com/voicefit/ingest-be/internal/reconcile"
	"github.com/voicefit/ingest-be/shared/logger"
	"github.com/voicefit/ingest-be/shared/postgresql"
	"github.com/voicefit/ingest-be/shared/rabbitmq"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("RECONCILER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/reconciler-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateReconcilerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := logger.New(&logger.Config{
		Level:        cfg.Logging.Level,
		Format:       cfg.Logging.Format,
		Output:       cfg.Logging.Output,
		EnableSource: cfg.Logging.EnableCaller,
		TimeFormat:   time.RFC3339,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting reconciler service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	dbClient, err := postgresql.NewClient(&postgresql.Config{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		Database:        cfg.Database.Database,
		SSLMode:         cfg.Database.SSLMode,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
	}, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	appLogger.Info("Database connection established")

	// Unlike the API service there is no point running without a broker:
	// requeueing is the only job this binary has.
	rabbitClient, err := rabbitmq.NewClient(&rabbitmq.Config{
		Host:               cfg.RabbitMQ.Host,
		Port:               cfg.RabbitMQ.Port,
		User:               cfg.RabbitMQ.User,
		Password:           cfg.RabbitMQ.Password,
		VHost:              cfg.RabbitMQ.VHost,
		ExchangeName:       cfg.RabbitMQ.Exchange.Name,
		ExchangeType:       cfg.RabbitMQ.Exchange.Type,
		ExchangeDurable:    cfg.RabbitMQ.Exchange.Durable,
		ExchangeAutoDelete: cfg.RabbitMQ.Exchange.AutoDelete,
		QueueName:          cfg.RabbitMQ.Queue.Name,
		QueueDurable:       cfg.RabbitMQ.Queue.Durable,
		QueueAutoDelete:    cfg.RabbitMQ.Queue.AutoDelete,
		QueueExclusive:     cfg.RabbitMQ.Queue.Exclusive,
		RoutingKey:         cfg.RabbitMQ.RoutingKey,
		RetryAttempts:      cfg.RabbitMQ.Connection.RetryAttempts,
		RetryInterval:      cfg.RabbitMQ.Connection.RetryInterval,
		Heartbeat:          cfg.RabbitMQ.Connection.Heartbeat,
		ConnectionTimeout:  cfg.RabbitMQ.Connection.ConnectionTimeout,
		PublishRetries:     cfg.RabbitMQ.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.RabbitMQ.Publish.RetryInterval,
	}, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize rabbitmq: %w", err)
	}
	defer rabbitClient.Close()

	appLogger.Info("RabbitMQ connection established")

	store := storage.NewStorage(dbClient, appLogger.Logger)
	jobQueue := queue.NewAdapter(dbClient.GetDB(), rabbitClient, queue.Config{
		MaxAttempts:    cfg.RabbitMQ.Job.MaxAttempts,
		BackoffSeconds: cfg.RabbitMQ.Job.BackoffSeconds,
		KeepCompleted:  cfg.RabbitMQ.Job.KeepCompleted,
		KeepFailed:     cfg.RabbitMQ.Job.KeepFailed,
		EnqueueTimeout: cfg.RabbitMQ.Job.EnqueueTimeout,
	}, appLogger.Logger)

	reconciler := reconcile.NewReconciler(&reconcile.Config{
		Logger:      appLogger.Logger,
		Store:       store,
		Queue:       jobQueue,
		Interval:    cfg.Reconciler.Interval,
		PendingAge:  cfg.Reconciler.PendingAge,
		MaxAttempts: cfg.Reconciler.MaxAttempts,
		BatchSize:   cfg.Reconciler.BatchSize,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := reconciler.Start(ctx); err != nil {
			appLogger.Error("Reconciler stopped with error",
				slog.Any("error", err),
			)
		}
	}()

	appLogger.Info("Reconciler service is running",
		slog.Duration("interval", cfg.Reconciler.Interval),
		slog.Duration("pending_age", cfg.Reconciler.PendingAge),
	)

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down reconciler service...")

	reconciler.Stop()

	appLogger.Info("Reconciler service shutdown complete")
	return nil
}

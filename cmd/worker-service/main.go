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

	"github.com/cuongbtq/campaign-mailer/internal/bootstrap"
	"github.com/cuongbtq/campaign-mailer/internal/config"
	"github.com/cuongbtq/campaign-mailer/internal/storage"
	"github.com/joho/godotenv"
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

	// Parse command-line flags
	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Queue.Backend == config.QueueBackendMemory {
		return fmt.Errorf("invalid config: the worker service needs a shared queue backend, got %q", cfg.Queue.Backend)
	}

	// Initialize logger
	appLogger, err := bootstrap.InitLogger(&cfg.Logging, cfg.App.Name)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database client
	dbClient, err := bootstrap.InitDatabase(ctx, &cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	appLogger.Info("Database connection established")

	// Initialize delay queue
	jobQueue, err := bootstrap.InitQueue(cfg, appLogger.Logger)
	if err != nil {
		dbClient.Close()
		return fmt.Errorf("failed to initialize queue: %w", err)
	}

	appLogger.Info("RabbitMQ connection established")

	// Cleanup function to close all resources
	cleanup := func() {
		if err := jobQueue.Close(); err != nil {
			appLogger.Warn("Failed to close queue", slog.Any("error", err))
		}
		dbClient.Close()
	}

	// Create worker instance
	store := storage.NewStorage(dbClient.GetDB(), appLogger.Logger)
	workerInstance, err := bootstrap.InitWorker(cfg, store, jobQueue, appLogger.Logger)
	if err != nil {
		cleanup()
		return err
	}

	// Start worker in a goroutine
	errChan := make(chan error, 1)
	go func() {
		if err := workerInstance.Start(ctx); err != nil {
			errChan <- err
		}
	}()

	appLogger.Info("Worker service started successfully")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case err := <-errChan:
		appLogger.Error("Worker error",
			slog.Any("error", err),
		)
		runErr = err
	}

	// Cancel context to stop worker
	cancel()

	// Give in-flight jobs time to finish
	shutdownTimeout := cfg.Worker.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop worker
	done := make(chan struct{})
	go func() {
		workerInstance.Stop()
		close(done)
	}()

	select {
	case <-done:
		appLogger.Info("Worker stopped gracefully")
	case <-shutdownCtx.Done():
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	cleanup()

	appLogger.Info("Worker service shutdown complete")
	return runErr
}

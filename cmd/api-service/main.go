package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/campaign-mailer/internal/api/handler"
	"github.com/cuongbtq/campaign-mailer/internal/api/router"
	"github.com/cuongbtq/campaign-mailer/internal/bootstrap"
	"github.com/cuongbtq/campaign-mailer/internal/config"
	"github.com/cuongbtq/campaign-mailer/internal/scheduler"
	"github.com/cuongbtq/campaign-mailer/internal/storage"
	"github.com/cuongbtq/campaign-mailer/internal/worker"
	"github.com/gin-gonic/gin"
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
	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
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
	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := bootstrap.InitLogger(&cfg.Logging, cfg.App.Name)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("queue_backend", cfg.Queue.Backend),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database client
	dbClient, err := bootstrap.InitDatabase(ctx, &cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	appLogger.Info("Database connection established")

	// Initialize delay queue
	jobQueue, err := bootstrap.InitQueue(cfg, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize queue: %w", err)
	}
	defer jobQueue.Close()

	loc, err := time.LoadLocation(cfg.Scheduler.Timezone)
	if err != nil {
		return fmt.Errorf("failed to load scheduler timezone: %w", err)
	}

	store := storage.NewStorage(dbClient.GetDB(), appLogger.Logger)
	campaignScheduler := scheduler.NewScheduler(&scheduler.Config{
		Logger:             appLogger.Logger,
		Store:              store,
		Queue:              jobQueue,
		Location:           loc,
		MaxRecipients:      cfg.Scheduler.MaxRecipients,
		DefaultHourlyLimit: cfg.Scheduler.DefaultHourlyLimit,
	})

	healthChecks := map[string]handler.HealthChecker{"database": dbClient}
	if jobQueue.Rabbit != nil {
		healthChecks["rabbitmq"] = jobQueue.Rabbit
	}

	// The in-process queue is only reachable from this process, so deliver here too
	var embedded *worker.Worker
	workerErr := make(chan error, 1)
	if cfg.Queue.Backend == config.QueueBackendMemory {
		embedded, err = bootstrap.InitWorker(cfg, store, jobQueue, appLogger.Logger)
		if err != nil {
			return err
		}
		go func() {
			if err := embedded.Start(ctx); err != nil {
				workerErr <- err
			}
		}()
	}

	// Initialize router
	r := initRouter(cfg, &handler.Dependencies{
		Logger:         appLogger.Logger,
		ServiceName:    cfg.App.Name,
		Scheduler:      campaignScheduler,
		Storage:        store,
		HealthChecks:   healthChecks,
		SenderHeader:   cfg.Auth.SenderHeader,
		MaxUploadBytes: cfg.Upload.MaxBytes,
	})

	// Create HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	appLogger.Info("API service is running",
		slog.String("address", addr),
	)

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case err := <-serverErr:
		appLogger.Error("Server failed", slog.Any("error", err))
		runErr = err
	case err := <-workerErr:
		appLogger.Error("Embedded worker failed", slog.Any("error", err))
		runErr = err
	}

	appLogger.Info("Shutting down server...")

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		if runErr == nil {
			runErr = err
		}
	}

	cancel()
	if embedded != nil {
		embedded.Stop()
	}

	appLogger.Info("Server shutdown complete")
	return runErr
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(cfg *config.Config, deps *handler.Dependencies) *gin.Engine {
	// Set Gin mode based on environment
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	return router.SetupRouter(deps)
}

// Package bootstrap wires process-wide clients from configuration. Both
// services build their dependencies through it at startup.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/cuongbtq/campaign-mailer/internal/config"
	"github.com/cuongbtq/campaign-mailer/internal/mailer"
	"github.com/cuongbtq/campaign-mailer/internal/queue"
	"github.com/cuongbtq/campaign-mailer/internal/storage"
	"github.com/cuongbtq/campaign-mailer/internal/worker"
	"github.com/cuongbtq/campaign-mailer/shared/database"
	"github.com/cuongbtq/campaign-mailer/shared/logger"
	"github.com/cuongbtq/campaign-mailer/shared/rabbitmq"
	"github.com/google/uuid"
)

// InitLogger initializes and configures the application logger
func InitLogger(cfg *config.LoggingConfig, service string) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
		Service:      service,
	}

	return logger.New(loggerCfg)
}

// InitDatabase connects the job store database and applies the schema when auto_migrate is set
func InitDatabase(ctx context.Context, cfg *config.DatabaseConfig, logger *slog.Logger) (*database.Client, error) {
	dbClient, err := database.NewClient(&database.Config{
		Driver:          cfg.Driver,
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		Path:            cfg.Path,
		BusyTimeout:     cfg.BusyTimeout,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}, logger)
	if err != nil {
		return nil, err
	}

	if cfg.AutoMigrate {
		if err := dbClient.Migrate(ctx); err != nil {
			dbClient.Close()
			return nil, err
		}
	}

	return dbClient, nil
}

// InitRabbitMQ initializes the RabbitMQ client
func InitRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		ExchangeDelayed:    cfg.Exchange.Delayed,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		RoutingKey:         cfg.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}

// Queue is the delay queue selected by configuration. Rabbit is nil for the in-process backend.
type Queue struct {
	queue.DelayQueue
	Rabbit *rabbitmq.Client
}

// InitQueue builds the configured delay queue backend
func InitQueue(cfg *config.Config, logger *slog.Logger) (*Queue, error) {
	if cfg.Queue.Backend == config.QueueBackendMemory {
		logger.Warn("Using in-process delay queue; pending jobs are recovered by the sweeper after a restart")
		return &Queue{DelayQueue: queue.NewMemoryQueue()}, nil
	}

	rabbitClient, err := InitRabbitMQ(&cfg.RabbitMQ, logger)
	if err != nil {
		return nil, err
	}

	return &Queue{
		DelayQueue: queue.NewRabbitQueue(rabbitClient, cfg.RabbitMQ.Consumer.PrefetchCount, logger),
		Rabbit:     rabbitClient,
	}, nil
}

// Close releases the broker connection, if any
func (q *Queue) Close() error {
	if q.Rabbit == nil {
		return nil
	}
	return q.Rabbit.Close()
}

// WorkerID returns the configured worker identity or derives one from the host
func WorkerID(configured string) string {
	if configured != "" {
		return configured
	}

	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

// InitWorker builds the delivery worker with its mail transport
func InitWorker(cfg *config.Config, store *storage.Storage, q queue.DelayQueue, logger *slog.Logger) (*worker.Worker, error) {
	transport, err := mailer.New(mailer.Config{
		Provider:    cfg.Mailer.Provider,
		FromName:    cfg.Mailer.FromName,
		FromAddress: cfg.Mailer.FromAddress,
		SMTP: mailer.SMTPConfig{
			Host:     cfg.Mailer.SMTP.Host,
			Port:     cfg.Mailer.SMTP.Port,
			Username: cfg.Mailer.SMTP.Username,
			Password: cfg.Mailer.SMTP.Password,
			StartTLS: cfg.Mailer.SMTP.StartTLS,
			Timeout:  cfg.Mailer.SMTP.Timeout,
		},
		Mailgun: mailer.MailgunConfig{
			Domain:   cfg.Mailer.Mailgun.Domain,
			APIKey:   cfg.Mailer.Mailgun.APIKey,
			APIBase:  cfg.Mailer.Mailgun.APIBase,
			RetryMax: cfg.Mailer.Mailgun.RetryMax,
			Timeout:  cfg.Mailer.Mailgun.Timeout,
		},
		SES: mailer.SESConfig{
			Region:          cfg.Mailer.SES.Region,
			AccessKeyID:     cfg.Mailer.SES.AccessKeyID,
			SecretAccessKey: cfg.Mailer.SES.SecretAccessKey,
		},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize mail transport: %w", err)
	}

	return worker.NewWorker(&worker.Config{
		Logger:         logger,
		Store:          store,
		Queue:          q,
		Transport:      transport,
		WorkerID:       WorkerID(cfg.Worker.ID),
		Concurrency:    cfg.Worker.Concurrency,
		JobTimeout:     cfg.Worker.JobTimeout,
		ClaimTTL:       cfg.Worker.ClaimTTL,
		EarlyTolerance: cfg.Worker.EarlyTolerance,
		From:           mailer.FromHeader(cfg.Mailer.FromName, cfg.Mailer.FromAddress),
		FallbackBody:   cfg.Mailer.FallbackBody,
		SweepSchedule:  cfg.SweepSchedule(),
		SweepGrace:     cfg.Worker.Sweep.Grace,
		SweepBatchSize: cfg.Worker.Sweep.BatchSize,
	}), nil
}

package config

import (
	"fmt"
	"os"
	"time"
	_ "time/tzdata" // scheduler timezones resolve without system zoneinfo

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

const (
	// QueueBackendRabbitMQ runs the delay queue on a RabbitMQ delayed-message exchange
	QueueBackendRabbitMQ = "rabbitmq"
	// QueueBackendMemory keeps the delay queue in process; the API service then runs the worker itself
	QueueBackendMemory = "memory"
)

const (
	// DefaultSweepSchedule runs the reconciliation sweep once a minute
	DefaultSweepSchedule = "@every 1m"
	// DefaultFallbackBody is sent when a job has an empty body
	DefaultFallbackBody = "Hello from the campaign scheduler"
)

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	RabbitMQ  RabbitMQConfig  `yaml:"rabbitmq"`
	Queue     QueueBackend    `yaml:"queue"`
	Logging   LoggingConfig   `yaml:"logging"`
	App       AppConfig       `yaml:"app"`
	Worker    WorkerConfig    `yaml:"worker"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Mailer    MailerConfig    `yaml:"mailer"`
	Auth      AuthConfig      `yaml:"auth"`
	Upload    UploadConfig    `yaml:"upload"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds job store connection configuration
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"` // postgres or sqlite
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	Path            string        `yaml:"path"`
	BusyTimeout     time.Duration `yaml:"busy_timeout"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      QueueConfig      `yaml:"queue"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Delayed    bool   `yaml:"delayed"`
}

// QueueConfig holds RabbitMQ queue configuration
type QueueConfig struct {
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int `yaml:"prefetch_count"`
}

// QueueBackend selects the delay queue implementation
type QueueBackend struct {
	Backend string `yaml:"backend"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	ID              string        `yaml:"id"`
	Concurrency     int           `yaml:"concurrency"`
	JobTimeout      time.Duration `yaml:"job_timeout"`
	ClaimTTL        time.Duration `yaml:"claim_ttl"`
	EarlyTolerance  time.Duration `yaml:"early_tolerance"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	Sweep           SweepConfig   `yaml:"sweep"`
}

// SweepConfig controls the reconciliation sweep for overdue jobs
type SweepConfig struct {
	Schedule  string        `yaml:"schedule"` // cron spec; "off" disables the sweep
	Grace     time.Duration `yaml:"grace"`
	BatchSize int           `yaml:"batch_size"`
}

// SchedulerConfig holds campaign scheduling settings
type SchedulerConfig struct {
	Timezone           string `yaml:"timezone"`
	MaxRecipients      int    `yaml:"max_recipients"`
	DefaultHourlyLimit int    `yaml:"default_hourly_limit"`
}

// MailerConfig holds outbound mail transport settings
type MailerConfig struct {
	Provider     string        `yaml:"provider"`
	FromName     string        `yaml:"from_name"`
	FromAddress  string        `yaml:"from_address"`
	FallbackBody string        `yaml:"fallback_body"`
	SMTP         SMTPConfig    `yaml:"smtp"`
	Mailgun      MailgunConfig `yaml:"mailgun"`
	SES          SESConfig     `yaml:"ses"`
}

// SMTPConfig holds SMTP relay settings
type SMTPConfig struct {
	Host     string        `yaml:"host"`
	Port     int           `yaml:"port"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	StartTLS bool          `yaml:"starttls"`
	Timeout  time.Duration `yaml:"timeout"`
}

// MailgunConfig holds Mailgun API settings
type MailgunConfig struct {
	Domain   string        `yaml:"domain"`
	APIKey   string        `yaml:"api_key"`
	APIBase  string        `yaml:"api_base"`
	RetryMax int           `yaml:"retry_max"`
	Timeout  time.Duration `yaml:"timeout"`
}

// SESConfig holds Amazon SES settings
type SESConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// AuthConfig holds request authentication settings
type AuthConfig struct {
	SenderHeader string `yaml:"sender_header"`
}

// UploadConfig limits recipient list uploads
type UploadConfig struct {
	MaxBytes int64 `yaml:"max_bytes"`
}

// Load reads and parses the configuration file. ${VAR} references are
// expanded from the environment before parsing.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "postgres"
	}
	if c.Queue.Backend == "" {
		c.Queue.Backend = QueueBackendRabbitMQ
	}
	if c.Worker.Sweep.Schedule == "" {
		c.Worker.Sweep.Schedule = DefaultSweepSchedule
	}
	if c.Mailer.FallbackBody == "" {
		c.Mailer.FallbackBody = DefaultFallbackBody
	}
	if c.Scheduler.Timezone == "" {
		c.Scheduler.Timezone = "UTC"
	}
}

// SweepSchedule returns the cron spec for the sweeper, empty when disabled
func (c *Config) SweepSchedule() string {
	if c.Worker.Sweep.Schedule == "off" {
		return ""
	}
	return c.Worker.Sweep.Schedule
}

// Validate checks the settings both services share
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres":
		if c.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}
		if c.Database.Port < MinPort || c.Database.Port > MaxPort {
			return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database path is required for sqlite")
		}
	default:
		return fmt.Errorf("unsupported database driver: %q", c.Database.Driver)
	}

	switch c.Queue.Backend {
	case QueueBackendRabbitMQ:
		if err := c.validateRabbitMQ(); err != nil {
			return err
		}
	case QueueBackendMemory:
	default:
		return fmt.Errorf("unsupported queue backend: %q", c.Queue.Backend)
	}

	if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
		return fmt.Errorf("invalid scheduler timezone %q: %w", c.Scheduler.Timezone, err)
	}

	return nil
}

func (c *Config) validateRabbitMQ() error {
	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	if !c.RabbitMQ.Exchange.Delayed {
		return fmt.Errorf("rabbitmq exchange must be a delayed-message exchange")
	}

	if c.RabbitMQ.Queue.Name == "" {
		return fmt.Errorf("rabbitmq queue name is required")
	}

	return nil
}

// ValidateAPIConfig checks the settings the API service needs
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if c.Scheduler.MaxRecipients < 0 {
		return fmt.Errorf("scheduler max_recipients must not be negative")
	}

	if c.Scheduler.DefaultHourlyLimit < 0 {
		return fmt.Errorf("scheduler default_hourly_limit must not be negative")
	}

	if c.Upload.MaxBytes < 0 {
		return fmt.Errorf("upload max_bytes must not be negative")
	}

	// with an in-process queue the API service also delivers
	if c.Queue.Backend == QueueBackendMemory {
		return c.ValidateWorkerConfig()
	}

	return nil
}

// ValidateWorkerConfig checks the settings the worker needs
func (c *Config) ValidateWorkerConfig() error {
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.JobTimeout <= 0 {
		return fmt.Errorf("worker job_timeout must be greater than 0")
	}

	if c.Worker.ClaimTTL > 0 && c.Worker.ClaimTTL <= c.Worker.JobTimeout {
		return fmt.Errorf("worker claim_ttl must be longer than job_timeout")
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	if c.Mailer.FromAddress == "" {
		return fmt.Errorf("mailer from_address is required")
	}

	switch c.Mailer.Provider {
	case "smtp":
		if c.Mailer.SMTP.Host == "" {
			return fmt.Errorf("mailer smtp host is required")
		}
	case "mailgun":
		if c.Mailer.Mailgun.Domain == "" || c.Mailer.Mailgun.APIKey == "" {
			return fmt.Errorf("mailer mailgun domain and api_key are required")
		}
	case "ses":
		if c.Mailer.SES.Region == "" {
			return fmt.Errorf("mailer ses region is required")
		}
	case "log":
	default:
		return fmt.Errorf("unsupported mailer provider: %q", c.Mailer.Provider)
	}

	return nil
}

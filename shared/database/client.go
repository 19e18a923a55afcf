package database

import (
	"context"
	"embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	// DriverPostgres selects the lib/pq driver
	DriverPostgres = "postgres"
	// DriverSQLite selects the pure-Go modernc.org/sqlite driver
	DriverSQLite = "sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

func init() {
	// sqlx only knows "sqlite3" out of the box
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

// Config holds database connection configuration
type Config struct {
	Driver          string
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	Path            string // sqlite only
	BusyTimeout     time.Duration
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Client represents a database client shared by the store implementations
type Client struct {
	db     *sqlx.DB
	config *Config
	logger *slog.Logger
}

// NewClient creates a new database client and verifies the connection
func NewClient(config *Config, logger *slog.Logger) (*Client, error) {
	driver := config.Driver
	if driver == "" {
		driver = DriverPostgres
	}

	dsn, err := buildDSN(driver, config)
	if err != nil {
		return nil, err
	}

	logger.Info("Connecting to database",
		slog.String("driver", driver),
		slog.String("host", config.Host),
		slog.Int("port", config.Port),
		slog.String("database", config.Database),
		slog.String("path", config.Path),
	)

	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		logger.Error("Failed to connect to database",
			slog.Any("error", err),
		)
		return nil, fmt.Errorf("failed to connect to %s: %w", driver, err)
	}

	// Set connection pool settings
	if driver == DriverSQLite {
		// SQLite prefers a single writer
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(config.MaxOpenConns)
		db.SetMaxIdleConns(config.MaxIdleConns)
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
		db.SetConnMaxIdleTime(config.ConnMaxIdleTime)
	}

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		logger.Error("Failed to ping database",
			slog.Any("error", err),
		)
		db.Close()
		return nil, fmt.Errorf("failed to ping %s: %w", driver, err)
	}

	client := &Client{
		db:     db,
		config: config,
		logger: logger,
	}

	logger.Info("Successfully connected to database",
		slog.String("driver", driver),
		slog.Int("max_open_conns", db.Stats().MaxOpenConnections),
		slog.Duration("conn_max_lifetime", config.ConnMaxLifetime),
	)

	return client, nil
}

func buildDSN(driver string, config *Config) (string, error) {
	switch driver {
	case DriverPostgres:
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			config.Host,
			config.Port,
			config.User,
			config.Password,
			config.Database,
			config.SSLMode,
		), nil
	case DriverSQLite:
		if config.Path == "" {
			return "", fmt.Errorf("sqlite path is required")
		}
		if err := os.MkdirAll(filepath.Dir(config.Path), 0o755); err != nil {
			return "", fmt.Errorf("failed to create sqlite directory: %w", err)
		}
		busy := config.BusyTimeout
		if busy <= 0 {
			busy = 5 * time.Second
		}
		return fmt.Sprintf("%s?_time_format=sqlite&_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)",
			config.Path, busy.Milliseconds()), nil
	default:
		return "", fmt.Errorf("unsupported database driver: %q", driver)
	}
}

// GetDB returns the underlying sqlx.DB instance
func (c *Client) GetDB() *sqlx.DB {
	return c.db
}

// Driver returns the configured driver name
func (c *Client) Driver() string {
	return c.db.DriverName()
}

// Migrate applies the embedded schema for the active driver. Statements are idempotent.
func (c *Client) Migrate(ctx context.Context) error {
	schema, err := migrationsFS.ReadFile("migrations/" + c.Driver() + ".sql")
	if err != nil {
		return fmt.Errorf("failed to read migrations: %w", err)
	}

	if _, err := c.db.ExecContext(ctx, string(schema)); err != nil {
		c.logger.Error("Failed to apply migrations",
			slog.Any("error", err),
		)
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	c.logger.Info("Database schema is up to date",
		slog.String("driver", c.Driver()),
	)
	return nil
}

// Close closes the database connection
func (c *Client) Close() error {
	c.logger.Info("Closing database connection")

	if c.db != nil {
		if err := c.db.Close(); err != nil {
			c.logger.Error("Failed to close database connection",
				slog.Any("error", err),
			)
			return err
		}
	}

	c.logger.Info("Database connection closed successfully")
	return nil
}

// Ping checks the database connection
func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// Stats returns database statistics
func (c *Client) Stats() string {
	stats := c.db.Stats()
	return fmt.Sprintf(
		"MaxOpenConns: %d, OpenConns: %d, InUse: %d, Idle: %d, WaitCount: %d, WaitDuration: %s",
		stats.MaxOpenConnections,
		stats.OpenConnections,
		stats.InUse,
		stats.Idle,
		stats.WaitCount,
		stats.WaitDuration,
	)
}

// HealthCheck performs a health check on the database
func (c *Client) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := c.Ping(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}

	// Try a simple query
	var result int
	err := c.db.GetContext(ctx, &result, "SELECT 1")
	if err != nil {
		return fmt.Errorf("database query health check failed: %w", err)
	}

	return nil
}

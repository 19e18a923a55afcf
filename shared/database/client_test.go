package database

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBuildDSN(t *testing.T) {
	tests := []struct {
		name      string
		driver    string
		config    *Config
		want      string
		wantErr   bool
		errString string
	}{
		{
			name:   "postgres",
			driver: DriverPostgres,
			config: &Config{
				Host:     "localhost",
				Port:     5432,
				User:     "mailer",
				Password: "secret",
				Database: "campaigns",
				SSLMode:  "disable",
			},
			want: "host=localhost port=5432 user=mailer password=secret dbname=campaigns sslmode=disable",
		},
		{
			name:      "sqlite without path",
			driver:    DriverSQLite,
			config:    &Config{},
			wantErr:   true,
			errString: "sqlite path is required",
		},
		{
			name:      "unknown driver",
			driver:    "mysql",
			config:    &Config{},
			wantErr:   true,
			errString: "unsupported database driver",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dsn, err := buildDSN(tt.driver, tt.config)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, dsn)
		})
	}
}

func TestBuildDSN_SQLiteOptions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "jobs.db")

	dsn, err := buildDSN(DriverSQLite, &Config{Path: path})
	require.NoError(t, err)

	assert.Contains(t, dsn, path+"?")
	assert.Contains(t, dsn, "_time_format=sqlite")
	assert.Contains(t, dsn, "busy_timeout(5000)")
	assert.DirExists(t, filepath.Dir(path))
}

func TestClient_SQLiteMigrateAndHealth(t *testing.T) {
	client, err := NewClient(&Config{
		Driver: DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "jobs.db"),
	}, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	assert.Equal(t, DriverSQLite, client.Driver())

	require.NoError(t, client.Migrate(ctx))
	// second run must be a no-op
	require.NoError(t, client.Migrate(ctx))

	var count int
	require.NoError(t, client.GetDB().GetContext(ctx, &count, "SELECT COUNT(*) FROM email_jobs"))
	assert.Equal(t, 0, count)

	assert.NoError(t, client.HealthCheck(ctx))
	assert.Contains(t, client.Stats(), "MaxOpenConns: 1")
}
